package services

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"im-client/internal/models"
)

// messagePayload is the superset of the payload shapes senders use.
// Older clients send a bare string, newer ones an object, and the file
// fields have accumulated variants over time; decoding accepts them
// all.
type messagePayload struct {
	Content            any      `json:"content"`
	ID                 string   `json:"id"`
	MessageID          string   `json:"messageId"`
	TempID             string   `json:"tempId"`
	SenderName         string   `json:"senderName"`
	UserName           string   `json:"userName"`
	SequenceNumber     int64    `json:"sequenceNumber"`
	FileURL            string   `json:"fileUrl"`
	ThumbnailURL       string   `json:"thumbnailUrl"`
	FileName           string   `json:"fileName"`
	MimeType           string   `json:"mimeType"`
	Size               int64    `json:"size"`
	Data               string   `json:"data"`
	Progress           *int     `json:"progress"`
	ProcessingProgress *int     `json:"processingProgress"`
	ProcessingStatus   string   `json:"processingStatus"`
	ReadBy             []string `json:"readBy"`
}

// Normalizer converts classified chat envelopes into canonical domain
// messages. It never fails: unparseable payloads degrade to a message
// with empty content, because a dropped envelope cannot be replayed.
type Normalizer struct {
	self   *models.Identity
	logger *logrus.Logger
}

// NewNormalizer creates a normalizer bound to the local identity.
func NewNormalizer(self *models.Identity, logger *logrus.Logger) *Normalizer {
	return &Normalizer{self: self, logger: logger}
}

// decodePayload is the total decoder for the envelope content union.
// Unknown shapes fall through to an empty payload instead of erroring.
func decodePayload(raw json.RawMessage) messagePayload {
	var payload messagePayload
	if len(raw) == 0 {
		return payload
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		payload.Content = text
		return payload
	}

	if err := json.Unmarshal(raw, &payload); err != nil {
		return messagePayload{}
	}
	return payload
}

// contentText extracts the message text, preferring the nested content
// field over anything else. Non-string nested values count as absent.
func (p messagePayload) contentText() string {
	if text, ok := p.Content.(string); ok {
		return text
	}
	return ""
}

var messageTypes = map[string]models.MessageType{
	string(models.TextMessage):    models.TextMessage,
	string(models.ImageMessage):   models.ImageMessage,
	string(models.VideoMessage):   models.VideoMessage,
	string(models.AudioMessage):   models.AudioMessage,
	string(models.ModelMessage):   models.ModelMessage,
	string(models.GenericMessage): models.GenericMessage,
}

// inferMimeType fills in a sensible mime type when the sender omitted
// it, based on the message type alone.
func inferMimeType(msgType models.MessageType) string {
	switch msgType {
	case models.VideoMessage:
		return "video/mp4"
	case models.AudioMessage:
		return "audio/mpeg"
	case models.ImageMessage:
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

// Normalize converts an envelope into a domain message. The result is
// always usable; missing fields get defaults rather than failing the
// whole envelope.
func (n *Normalizer) Normalize(env models.RoomEnvelope) models.DomainMessage {
	payload := decodePayload(env.Content)

	timestamp := time.Now()
	if env.Timestamp > 0 {
		timestamp = time.UnixMilli(env.Timestamp)
	}

	msgType, ok := messageTypes[env.Type]
	if !ok {
		msgType = models.TextMessage
	}

	// Identity resolution: explicit id, then messageId, then a
	// synthesized rendering key. Synthesized ids are not globally
	// unique and must not be used for correlation.
	id := payload.ID
	if id == "" {
		id = payload.MessageID
	}
	if id == "" {
		id = fmt.Sprintf("%d-%s", timestamp.UnixMilli(), uuid.NewString()[:8])
	}

	senderName := payload.SenderName
	if senderName == "" {
		senderName = payload.UserName
	}
	if senderName == "" && n.self.IsSelf(env.SenderID) {
		senderName = n.self.Name()
	}

	msg := models.DomainMessage{
		ID:             id,
		RoomID:         env.Room,
		SenderID:       env.SenderID,
		SenderName:     senderName,
		Content:        payload.contentText(),
		Type:           msgType,
		SequenceNumber: payload.SequenceNumber,
		TempID:         payload.TempID,
		Timestamp:      timestamp,
		Status:         models.StatusSent,
	}

	if len(payload.ReadBy) > 0 {
		msg.ReadBy = make(map[string]bool, len(payload.ReadBy))
		for _, userID := range payload.ReadBy {
			msg.ReadBy[userID] = true
		}
	}

	if payload.FileURL != "" || payload.ThumbnailURL != "" || payload.Data != "" {
		msg.FileData = n.buildFileRef(msgType, payload)
	}

	msg.ProcessingProgress = resolveProgress(payload)
	msg.ProcessingStatus = resolveProcessingStatus(payload, msg)

	return msg
}

// buildFileRef assembles the file reference. For images with a
// thumbnail the rendered URL is the thumbnail; the full-resolution
// original stays reachable through FileURL.
func (n *Normalizer) buildFileRef(msgType models.MessageType, payload messagePayload) *models.FileRef {
	mimeType := payload.MimeType
	if mimeType == "" {
		mimeType = inferMimeType(msgType)
	}

	url := payload.FileURL
	if msgType == models.ImageMessage && payload.ThumbnailURL != "" {
		url = payload.ThumbnailURL
	}
	if url == "" {
		url = payload.ThumbnailURL
	}

	return &models.FileRef{
		FileName:  payload.FileName,
		FileType:  string(msgType),
		MimeType:  mimeType,
		Size:      payload.Size,
		URL:       url,
		FileURL:   payload.FileURL,
		Thumbnail: payload.ThumbnailURL,
		Data:      payload.Data,
	}
}

// resolveProgress applies the progress precedence: explicit progress,
// then processingProgress, then 100 when a thumbnail already exists.
func resolveProgress(payload messagePayload) *int {
	if payload.Progress != nil {
		return payload.Progress
	}
	if payload.ProcessingProgress != nil {
		return payload.ProcessingProgress
	}
	if payload.ThumbnailURL != "" {
		done := 100
		return &done
	}
	return nil
}

func resolveProcessingStatus(payload messagePayload, msg models.DomainMessage) models.ProcessingStatus {
	switch models.ProcessingStatus(payload.ProcessingStatus) {
	case models.ProcessingInProgress, models.ProcessingCompleted, models.ProcessingFailed, models.ProcessingCancelled:
		return models.ProcessingStatus(payload.ProcessingStatus)
	}
	if msg.ProcessingProgress != nil && *msg.ProcessingProgress < 100 {
		return models.ProcessingInProgress
	}
	if msg.FileData != nil {
		return models.ProcessingCompleted
	}
	return ""
}
