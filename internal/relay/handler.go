package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"im-client/internal/config"
	"im-client/internal/models"
	"im-client/internal/services"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// Handler exposes the relay over websocket and REST. It speaks the
// same envelope protocol the client transport consumes and assigns the
// per-room sequence numbers the client uses for gap detection.
type Handler struct {
	cfg    *config.Config
	store  *RoomStore
	hub    *Hub
	logger *logrus.Logger
}

// NewHandler creates a relay handler.
func NewHandler(cfg *config.Config, store *RoomStore, hub *Hub, logger *logrus.Logger) *Handler {
	return &Handler{cfg: cfg, store: store, hub: hub, logger: logger}
}

// HandleWS upgrades the connection, assigns a socket id and pumps
// envelopes between the client and the room channels.
func (h *Handler) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cl := &client{conn: conn, socketID: uuid.NewString()}
	defer conn.Close()

	hello, _ := json.Marshal(map[string]string{"socketId": cl.socketID})
	if err := cl.writeEnvelope(models.RoomEnvelope{Type: "connected", Content: hello}); err != nil {
		return
	}

	h.logger.WithField("socket_id", cl.socketID).Info("Client connected")

	defer h.dropClient(cl)

	for {
		var env models.RoomEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		h.handleFrame(cl, env)
	}
}

func (h *Handler) dropClient(cl *client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, roomID := range h.hub.LeaveAll(cl) {
		if err := h.store.RemoveRoomMember(ctx, roomID, cl.socketID); err != nil {
			h.logger.WithError(err).Warn("Failed to remove room member")
		}
		content, _ := json.Marshal(map[string]string{"socketId": cl.socketID})
		_ = h.store.PublishEnvelope(ctx, models.RoomEnvelope{
			Room:      roomID,
			Type:      services.TypeUserLeft,
			SenderID:  cl.socketID,
			Timestamp: time.Now().UnixMilli(),
			Content:   content,
		})
	}

	h.logger.WithField("socket_id", cl.socketID).Info("Client disconnected")
}

func (h *Handler) handleFrame(cl *client, env models.RoomEnvelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch env.Type {
	case "join-room":
		if env.Room == "" {
			return
		}
		h.hub.Join(env.Room, cl)
		return

	case "leave-room":
		if env.Room == "" {
			return
		}
		h.hub.Leave(env.Room, cl)
		if err := h.store.RemoveRoomMember(ctx, env.Room, cl.socketID); err != nil {
			h.logger.WithError(err).Warn("Failed to remove room member")
		}
		content, _ := json.Marshal(map[string]string{"socketId": cl.socketID})
		_ = h.store.PublishEnvelope(ctx, models.RoomEnvelope{
			Room:      env.Room,
			Type:      services.TypeUserLeft,
			SenderID:  cl.socketID,
			Timestamp: time.Now().UnixMilli(),
			Content:   content,
		})
		return
	}

	if env.Room == "" {
		return
	}

	// The relay is authoritative for sender identity and receive time.
	env.SenderID = cl.socketID
	env.Timestamp = time.Now().UnixMilli()

	switch {
	case env.Type == services.TypeUserJoined:
		member := h.decodeMember(cl.socketID, env.Content)
		if err := h.store.AddRoomMember(ctx, env.Room, member); err != nil {
			h.logger.WithError(err).Warn("Failed to add room member")
		}
		content, _ := json.Marshal(member)
		env.Content = content

	case env.Type == services.TypeRequestParticipants:
		h.publishParticipantsList(ctx, env.Room)
		return

	case !services.IsControlType(env.Type):
		// Chat content gets a sequence number and lands in history so
		// gaps can be backfilled.
		seq, err := h.store.NextSequence(ctx, env.Room)
		if err != nil {
			h.logger.WithError(err).Error("Failed to allocate sequence")
			return
		}
		env.Content = injectSequence(env.Content, seq)
		if err := h.store.StoreMessage(ctx, env.Room, seq, env); err != nil {
			h.logger.WithError(err).Error("Failed to store message")
		}
	}

	if err := h.store.PublishEnvelope(ctx, env); err != nil {
		h.logger.WithError(err).Error("Failed to publish envelope")
	}
}

func (h *Handler) decodeMember(socketID string, raw json.RawMessage) models.Participant {
	var member models.Participant
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &member)
	}
	if member.Name == "" {
		var alt struct {
			UserName string `json:"userName"`
		}
		_ = json.Unmarshal(raw, &alt)
		member.Name = alt.UserName
	}
	member.SocketID = socketID
	return member
}

func (h *Handler) publishParticipantsList(ctx context.Context, roomID string) {
	members, err := h.store.RoomMembers(ctx, roomID)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to list room members")
		return
	}
	content, _ := json.Marshal(map[string]any{"participants": members})
	_ = h.store.PublishEnvelope(ctx, models.RoomEnvelope{
		Room:      roomID,
		Type:      services.TypeParticipantsList,
		Timestamp: time.Now().UnixMilli(),
		Content:   content,
	})
}

// injectSequence merges the assigned sequence number into the payload.
// String payloads are wrapped into the object shape; anything
// undecodable is replaced by a minimal object.
func injectSequence(raw json.RawMessage, seq int64) json.RawMessage {
	var asMap map[string]any
	if len(raw) > 0 && json.Unmarshal(raw, &asMap) == nil && asMap != nil {
		asMap["sequenceNumber"] = seq
		merged, _ := json.Marshal(asMap)
		return merged
	}

	var asText string
	if len(raw) > 0 && json.Unmarshal(raw, &asText) == nil {
		merged, _ := json.Marshal(map[string]any{"content": asText, "sequenceNumber": seq})
		return merged
	}

	merged, _ := json.Marshal(map[string]any{"sequenceNumber": seq})
	return merged
}

type sendMessageRequest struct {
	RoomID   string `json:"roomId" binding:"required"`
	Content  string `json:"content" binding:"required"`
	Type     string `json:"type"`
	TempID   string `json:"tempId"`
	SenderID string `json:"senderId"`
}

// HandleSendMessage persists a message via REST and broadcasts it into
// the room, echoing the temp id for optimistic-message replacement.
func (h *Handler) HandleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Type == "" {
		req.Type = string(models.TextMessage)
	}

	ctx := c.Request.Context()
	seq, err := h.store.NextSequence(ctx, req.RoomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	id := uuid.NewString()
	now := time.Now().UnixMilli()
	content, _ := json.Marshal(map[string]any{
		"content":        req.Content,
		"id":             id,
		"tempId":         req.TempID,
		"sequenceNumber": seq,
	})
	env := models.RoomEnvelope{
		Room:      req.RoomID,
		Type:      req.Type,
		SenderID:  req.SenderID,
		Timestamp: now,
		Content:   content,
	}

	if err := h.store.StoreMessage(ctx, req.RoomID, seq, env); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.PublishEnvelope(ctx, env); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"message_id": id,
		"room_id":    req.RoomID,
		"sequence":   seq,
	}).Info("Message sent")

	c.JSON(http.StatusOK, gin.H{"id": id, "sequenceNumber": seq, "timestamp": now})
}

// HandleUpload stores an uploaded file, broadcasts the file message and
// returns the server-assigned identity.
func (h *Handler) HandleUpload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file uploaded"})
		return
	}
	roomID := c.PostForm("roomId")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId required"})
		return
	}

	if file.Size > h.cfg.Upload.MaxFileSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("file too large, max size is %d bytes", h.cfg.Upload.MaxFileSize)})
		return
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(file.Filename), "."))
	if len(h.cfg.Upload.AllowedTypes) > 0 && !contains(h.cfg.Upload.AllowedTypes, ext) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("file type %q not allowed", ext)})
		return
	}

	// Unique name, original name preserved in the message payload.
	baseName := strings.TrimSuffix(filepath.Base(file.Filename), filepath.Ext(file.Filename))
	uniqueName := fmt.Sprintf("%s_%d_%s%s", baseName, time.Now().Unix(), uuid.NewString()[:8], filepath.Ext(file.Filename))
	if err := c.SaveUploadedFile(file, filepath.Join(h.cfg.Upload.UploadDir, uniqueName)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save file"})
		return
	}
	fileURL := fmt.Sprintf("%s/%s", h.cfg.Upload.BaseURL, uniqueName)

	msgType := c.PostForm("type")
	if msgType == "" {
		msgType = messageTypeForContentType(file.Header.Get("Content-Type"))
	}

	ctx := c.Request.Context()
	seq, err := h.store.NextSequence(ctx, roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	id := uuid.NewString()
	now := time.Now().UnixMilli()
	content, _ := json.Marshal(map[string]any{
		"content":          fmt.Sprintf("File: %s", file.Filename),
		"id":               id,
		"tempId":           c.PostForm("tempId"),
		"groupId":          c.PostForm("groupId"),
		"fileUrl":          fileURL,
		"fileName":         file.Filename,
		"mimeType":         file.Header.Get("Content-Type"),
		"size":             file.Size,
		"sequenceNumber":   seq,
		"processingStatus": string(models.ProcessingCompleted),
	})
	env := models.RoomEnvelope{
		Room:      roomID,
		Type:      msgType,
		Timestamp: now,
		Content:   content,
	}

	if err := h.store.StoreMessage(ctx, roomID, seq, env); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.PublishEnvelope(ctx, env); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"message_id": id,
		"room_id":    roomID,
		"file_name":  file.Filename,
		"file_size":  file.Size,
	}).Info("File uploaded and message sent")

	c.JSON(http.StatusOK, gin.H{
		"messageId":      id,
		"sequenceNumber": seq,
		"fileUrl":        fileURL,
	})
}

// HandleSetActiveRoom records which room a client is watching.
func (h *Handler) HandleSetActiveRoom(c *gin.Context) {
	var req struct {
		RoomID   *string `json:"roomId"`
		SocketID string  `json:"socketId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.SocketID != "" {
		roomID := ""
		if req.RoomID != nil {
			roomID = *req.RoomID
		}
		if err := h.store.SetActiveRoom(c.Request.Context(), req.SocketID, roomID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.Status(http.StatusNoContent)
}

// HandleMarkAsRead broadcasts a read receipt for a room.
func (h *Handler) HandleMarkAsRead(c *gin.Context) {
	roomID := c.Param("roomId")

	var req struct {
		UserID string `json:"userId"`
	}
	_ = c.ShouldBindJSON(&req)

	content, _ := json.Marshal(map[string]string{"userId": req.UserID})
	if err := h.store.PublishEnvelope(c.Request.Context(), models.RoomEnvelope{
		Room:      roomID,
		Type:      services.TypeMessageRead,
		Timestamp: time.Now().UnixMilli(),
		Content:   content,
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleSyncMessages returns the stored messages after a sequence
// number, for client-side gap backfill.
func (h *Handler) HandleSyncMessages(c *gin.Context) {
	roomID := c.Param("roomId")
	fromSeq, _ := strconv.ParseInt(c.Query("from_sequence"), 10, 64)

	messages, err := h.store.MessagesFrom(c.Request.Context(), roomID, fromSeq)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// HandleRoomMembers returns the current membership of a room.
func (h *Handler) HandleRoomMembers(c *gin.Context) {
	members, err := h.store.RoomMembers(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

func messageTypeForContentType(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return string(models.ImageMessage)
	case strings.HasPrefix(contentType, "video/"):
		return string(models.VideoMessage)
	case strings.HasPrefix(contentType, "audio/"):
		return string(models.AudioMessage)
	default:
		return string(models.GenericMessage)
	}
}

func contains(list []string, item string) bool {
	for _, candidate := range list {
		if candidate == item {
			return true
		}
	}
	return false
}
