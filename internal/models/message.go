package models

import (
	"encoding/json"
	"time"
)

// MessageType represents the type of message content
type MessageType string

const (
	TextMessage    MessageType = "text"
	ImageMessage   MessageType = "image"
	VideoMessage   MessageType = "video"
	AudioMessage   MessageType = "audio"
	ModelMessage   MessageType = "3d"
	GenericMessage MessageType = "file"
)

// MessageStatus tracks delivery of a message from the local client's
// point of view
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// ProcessingStatus tracks server-side processing of an attached file
// (thumbnail generation, transcoding)
type ProcessingStatus string

const (
	ProcessingInProgress ProcessingStatus = "processing"
	ProcessingCompleted  ProcessingStatus = "completed"
	ProcessingFailed     ProcessingStatus = "failed"
	ProcessingCancelled  ProcessingStatus = "cancelled"
)

// RoomEnvelope is a raw event received from the transport. Content is kept
// as raw JSON because senders use several payload shapes; decoding happens
// in the normalizer. Envelopes are ephemeral and consumed once.
type RoomEnvelope struct {
	Room      string          `json:"room"`
	Type      string          `json:"type"`
	SenderID  string          `json:"senderId,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"` // unix milliseconds, may be absent
	Content   json.RawMessage `json:"content,omitempty"`
}

// FileRef describes a file attached to a message. URL is the address the
// UI should render (the thumbnail for images); FileURL always points at
// the full-resolution original. Data carries a local data-URL preview
// before the server-hosted URL exists; exactly one of the two is
// authoritative at any point.
type FileRef struct {
	FileName  string `json:"fileName"`
	FileType  string `json:"fileType"`
	MimeType  string `json:"mimeType"`
	Size      int64  `json:"size"`
	URL       string `json:"url"`
	FileURL   string `json:"fileUrl,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Data      string `json:"data,omitempty"`
}

// DomainMessage is the canonical, UI-ready representation of a chat
// message after normalization.
type DomainMessage struct {
	ID                 string           `json:"id"`
	RoomID             string           `json:"roomId"`
	SenderID           string           `json:"senderId"`
	SenderName         string           `json:"senderName,omitempty"`
	Content            string           `json:"content"`
	Type               MessageType      `json:"type"`
	SequenceNumber     int64            `json:"sequenceNumber,omitempty"` // 0 means unknown, append at tail
	TempID             string           `json:"tempId,omitempty"`
	ReadBy             map[string]bool  `json:"readBy,omitempty"`
	Timestamp          time.Time        `json:"timestamp"`
	Status             MessageStatus    `json:"status"`
	ProcessingStatus   ProcessingStatus `json:"processingStatus,omitempty"`
	ProcessingProgress *int             `json:"processingProgress,omitempty"` // 0..100, nil when unknown
	FileData           *FileRef         `json:"fileData,omitempty"`
}
