package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"im-client/internal/api"
	"im-client/internal/config"
	"im-client/internal/models"
	"im-client/internal/transport"
)

// sessionAPI is the slice of the REST client the coordinator needs.
type sessionAPI interface {
	SetActiveRoom(ctx context.Context, roomID string) error
	MarkAsRead(ctx context.Context, roomID string) error
	SendMessage(ctx context.Context, req api.SendMessageRequest) (*api.SendMessageResult, error)
	SyncMessages(ctx context.Context, roomID string, fromSequence int64) ([]models.RoomEnvelope, error)
}

// TypingEvent reports a remote participant starting or stopping typing.
type TypingEvent struct {
	RoomID   string
	SenderID string
	UserName string
	Typing   bool
}

// ReadReceipt reports a message being read by a user.
type ReadReceipt struct {
	RoomID    string
	MessageID string
	UserID    string
}

// pendingMessage is an optimistic local message awaiting server
// confirmation via its temp id.
type pendingMessage struct {
	message models.DomainMessage
	timer   *time.Timer
}

// SessionCoordinator owns the current-room pointer and the transport
// subscriptions, and routes every inbound envelope to the right
// component. At most one room is active at a time; entering a new room
// supersedes the previous one. All envelope handling happens on the
// transport's dispatch goroutine, strictly in arrival order.
type SessionCoordinator struct {
	transport    transport.Transport
	api          sessionAPI
	self         *models.Identity
	normalizer   *Normalizer
	participants *ParticipantReconciler
	cfg          config.MessagesConfig
	logger       *logrus.Logger

	mu          sync.Mutex
	currentRoom string
	subs        []transport.Unsubscribe
	pending     map[string]*pendingMessage
	lastSeq     map[string]int64
	syncing     bool
	started     bool

	messages     *handlerFan[models.DomainMessage]
	typing       *handlerFan[TypingEvent]
	readReceipts *handlerFan[ReadReceipt]
	signals      *handlerFan[models.RoomEnvelope]
	destroyed    *handlerFan[string]
}

// NewSessionCoordinator wires the coordinator to its collaborators.
// Call Start to attach it to the transport.
func NewSessionCoordinator(t transport.Transport, apiClient sessionAPI, self *models.Identity, normalizer *Normalizer, participants *ParticipantReconciler, cfg config.MessagesConfig, logger *logrus.Logger) *SessionCoordinator {
	return &SessionCoordinator{
		transport:    t,
		api:          apiClient,
		self:         self,
		normalizer:   normalizer,
		participants: participants,
		cfg:          cfg,
		logger:       logger,
		pending:      make(map[string]*pendingMessage),
		lastSeq:      make(map[string]int64),
		messages:     newHandlerFan[models.DomainMessage](),
		typing:       newHandlerFan[TypingEvent](),
		readReceipts: newHandlerFan[ReadReceipt](),
		signals:      newHandlerFan[models.RoomEnvelope](),
		destroyed:    newHandlerFan[string](),
	}
}

// Start subscribes the coordinator to transport events. Calling it
// twice is a no-op.
func (s *SessionCoordinator) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.subs = append(s.subs,
		s.transport.OnRoomMessage(s.handleEnvelope),
		s.transport.OnConnected(s.handleConnected),
	)
}

// handleConnected runs after every successful connect, including
// reconnects: refresh the socket id and re-announce presence in the
// active room so the participant lists converge again.
func (s *SessionCoordinator) handleConnected() {
	status := s.transport.Status()
	s.self.SetSocketID(status.SocketID)

	room := s.CurrentRoom()
	if room == "" {
		return
	}
	s.announcePresence(room)
	s.requestParticipants(room)
}

// CurrentRoom returns the active room id, or "" when none is active.
func (s *SessionCoordinator) CurrentRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRoom
}

// SetCurrentRoom switches the active room. The previous room is left
// first so no late envelope can mutate state for it, then the new room
// is joined, marked active and marked read. An empty roomID leaves the
// client with no active room.
func (s *SessionCoordinator) SetCurrentRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	previous := s.currentRoom
	if previous == roomID {
		s.mu.Unlock()
		return nil
	}
	s.currentRoom = roomID
	s.dropPendingLocked()
	s.mu.Unlock()

	if previous != "" {
		if err := s.transport.LeaveRoom(ctx, previous); err != nil {
			s.logger.WithError(err).WithField("room_id", previous).Warn("Failed to leave room")
		}
		s.participants.Reset()
	}

	if roomID == "" {
		if err := s.api.SetActiveRoom(ctx, ""); err != nil {
			s.logger.WithError(err).Warn("Failed to clear active room")
		}
		return nil
	}

	if err := s.transport.JoinRoom(ctx, roomID); err != nil {
		return fmt.Errorf("failed to join room %s: %w", roomID, err)
	}
	if err := s.api.SetActiveRoom(ctx, roomID); err != nil {
		s.logger.WithError(err).WithField("room_id", roomID).Warn("Failed to set active room")
	}
	if err := s.api.MarkAsRead(ctx, roomID); err != nil {
		s.logger.WithError(err).WithField("room_id", roomID).Warn("Failed to mark room as read")
	}

	s.announcePresence(roomID)
	s.requestParticipants(roomID)

	s.logger.WithField("room_id", roomID).Info("Entered room")
	return nil
}

func (s *SessionCoordinator) announcePresence(roomID string) {
	content := map[string]any{
		"socketId": s.self.SocketID(),
		"userName": s.self.Name(),
	}
	if err := s.transport.SendRoomMessage(context.Background(), roomID, TypeUserJoined, content); err != nil {
		s.logger.WithError(err).WithField("room_id", roomID).Warn("Failed to announce presence")
	}
}

func (s *SessionCoordinator) requestParticipants(roomID string) {
	content := map[string]any{"socketId": s.self.SocketID()}
	if err := s.transport.SendRoomMessage(context.Background(), roomID, TypeRequestParticipants, content); err != nil {
		s.logger.WithError(err).WithField("room_id", roomID).Warn("Failed to request participants")
	}
}

// SendMessage creates an optimistic message, persists it through the
// REST API and returns the local copy immediately. The optimistic copy
// is replaced, not merged, when the confirming envelope arrives; if no
// confirmation arrives within the configured timeout it is marked
// failed.
func (s *SessionCoordinator) SendMessage(ctx context.Context, roomID, content string, msgType models.MessageType, tempID string) (models.DomainMessage, error) {
	if tempID == "" {
		tempID = uuid.NewString()
	}

	optimistic := models.DomainMessage{
		ID:         tempID,
		RoomID:     roomID,
		SenderID:   s.self.SocketID(),
		SenderName: s.self.Name(),
		Content:    content,
		Type:       msgType,
		TempID:     tempID,
		Timestamp:  time.Now(),
		Status:     models.StatusSending,
	}

	s.trackPending(optimistic)

	if _, err := s.api.SendMessage(ctx, api.SendMessageRequest{
		RoomID:  roomID,
		Content: content,
		Type:    string(msgType),
		TempID:  tempID,
	}); err != nil {
		s.failPending(tempID)
		return optimistic, fmt.Errorf("failed to send message: %w", err)
	}

	return optimistic, nil
}

func (s *SessionCoordinator) trackPending(msg models.DomainMessage) {
	entry := &pendingMessage{message: msg}
	entry.timer = time.AfterFunc(s.cfg.ConfirmTimeout, func() {
		s.failPending(msg.TempID)
	})

	s.mu.Lock()
	s.pending[msg.TempID] = entry
	s.mu.Unlock()
}

// failPending marks a never-confirmed optimistic message as failed and
// notifies subscribers.
func (s *SessionCoordinator) failPending(tempID string) {
	s.mu.Lock()
	entry, exists := s.pending[tempID]
	if exists {
		entry.timer.Stop()
		delete(s.pending, tempID)
	}
	s.mu.Unlock()
	if !exists {
		return
	}

	entry.message.Status = models.StatusFailed
	s.logger.WithField("temp_id", tempID).Warn("Message was never confirmed, marking failed")
	s.messages.emit(entry.message)
}

// confirmPending resolves the optimistic message matching tempID.
// Returns true when one existed.
func (s *SessionCoordinator) confirmPending(tempID string) bool {
	if tempID == "" {
		return false
	}
	s.mu.Lock()
	entry, exists := s.pending[tempID]
	if exists {
		entry.timer.Stop()
		delete(s.pending, tempID)
	}
	s.mu.Unlock()
	return exists
}

func (s *SessionCoordinator) dropPendingLocked() {
	for tempID, entry := range s.pending {
		entry.timer.Stop()
		delete(s.pending, tempID)
	}
}

// handleEnvelope is the single entry point for transport events. It
// never panics across the listener boundary: a broken envelope is
// logged and dropped, because an escaped panic would kill the dispatch
// loop and desynchronize every subscription.
func (s *SessionCoordinator) handleEnvelope(env models.RoomEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"room_id": env.Room,
				"type":    env.Type,
				"panic":   r,
			}).Error("Recovered from envelope handler panic")
		}
	}()

	switch Classify(env, s.CurrentRoom()) {
	case ActionIgnore:
		return
	case ActionControl:
		s.handleControl(env)
	case ActionChat:
		s.handleChat(env)
	}
}

// controlPayload covers the payload fields of all control envelopes.
type controlPayload struct {
	SocketID       string               `json:"socketId"`
	UserName       string               `json:"userName"`
	Name           string               `json:"name"`
	Role           string               `json:"role"`
	IsVideoEnabled bool                 `json:"isVideoEnabled"`
	Enabled        *bool                `json:"enabled"`
	MessageID      string               `json:"messageId"`
	UserID         string               `json:"userId"`
	Participants   []models.Participant `json:"participants"`
}

func decodeControl(raw json.RawMessage) controlPayload {
	var payload controlPayload
	if len(raw) == 0 {
		return payload
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return controlPayload{}
	}
	return payload
}

func (s *SessionCoordinator) handleControl(env models.RoomEnvelope) {
	payload := decodeControl(env.Content)
	socketID := payload.SocketID
	if socketID == "" {
		socketID = env.SenderID
	}
	name := payload.UserName
	if name == "" {
		name = payload.Name
	}

	switch env.Type {
	case TypeUserJoined:
		s.participants.Join(models.Participant{
			SocketID:       socketID,
			Name:           name,
			Role:           models.ParticipantRole(payload.Role),
			IsVideoEnabled: payload.IsVideoEnabled,
		})

	case TypeUserLeft:
		s.participants.Leave(socketID)

	case TypeRequestParticipants:
		// A late joiner is asking who is here; answer with our own
		// presence unless we asked ourselves.
		if s.self.IsSelf(socketID) {
			return
		}
		s.announcePresence(env.Room)

	case TypeParticipantsList:
		s.participants.SyncList(payload.Participants)

	case TypeRoomDestroyed:
		s.handleRoomDestroyed(env.Room)

	case TypeTyping, TypeStopTyping:
		if s.self.IsSelf(env.SenderID) {
			return
		}
		s.typing.emit(TypingEvent{
			RoomID:   env.Room,
			SenderID: env.SenderID,
			UserName: name,
			Typing:   env.Type == TypeTyping,
		})

	case TypeMessageRead:
		s.readReceipts.emit(ReadReceipt{
			RoomID:    env.Room,
			MessageID: payload.MessageID,
			UserID:    payload.UserID,
		})

	default:
		// Call signaling. Video-status changes also update the
		// reconciler so stale stream references get dropped.
		if s.self.IsSelf(env.SenderID) {
			return
		}
		if env.Type == "webrtc-video-status" && payload.Enabled != nil {
			s.participants.UpdateVideoStatus(socketID, *payload.Enabled)
		}
		s.signals.emit(env)
	}
}

func (s *SessionCoordinator) handleRoomDestroyed(roomID string) {
	s.mu.Lock()
	if s.currentRoom != roomID {
		s.mu.Unlock()
		return
	}
	s.currentRoom = ""
	s.dropPendingLocked()
	s.mu.Unlock()

	s.participants.Reset()
	s.logger.WithField("room_id", roomID).Info("Room destroyed")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.api.SetActiveRoom(ctx, ""); err != nil {
			s.logger.WithError(err).Warn("Failed to clear active room")
		}
	}()

	s.destroyed.emit(roomID)
}

func (s *SessionCoordinator) handleChat(env models.RoomEnvelope) {
	msg := s.normalizer.Normalize(env)

	if s.confirmPending(msg.TempID) {
		s.logger.WithFields(logrus.Fields{
			"temp_id":    msg.TempID,
			"message_id": msg.ID,
		}).Debug("Optimistic message confirmed")
	}

	s.observeSequence(msg.RoomID, msg.SequenceNumber)
	s.messages.emit(msg)
}

// observeSequence tracks the per-room sequence high-water mark and
// kicks off a backfill when a gap shows up.
func (s *SessionCoordinator) observeSequence(roomID string, seq int64) {
	if seq <= 0 {
		return
	}

	s.mu.Lock()
	last := s.lastSeq[roomID]
	if seq > last {
		s.lastSeq[roomID] = seq
	}
	gap := last > 0 && seq > last+1 && !s.syncing
	if gap {
		s.syncing = true
	}
	s.mu.Unlock()

	if gap {
		go s.resync(roomID, last)
	}
}

func (s *SessionCoordinator) resync(roomID string, fromSequence int64) {
	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	envelopes, err := s.api.SyncMessages(ctx, roomID, fromSequence)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"room_id":       roomID,
			"from_sequence": fromSequence,
		}).Warn("Failed to backfill message gap")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"room_id":       roomID,
		"from_sequence": fromSequence,
		"count":         len(envelopes),
	}).Info("Backfilled message gap")

	for _, env := range envelopes {
		s.handleEnvelope(env)
	}
}

// OnRoomMessage registers a handler for normalized domain messages.
func (s *SessionCoordinator) OnRoomMessage(handler func(models.DomainMessage)) func() {
	return s.messages.add(handler)
}

// OnTyping registers a handler for typing indicator events.
func (s *SessionCoordinator) OnTyping(handler func(TypingEvent)) func() {
	return s.typing.add(handler)
}

// OnReadReceipt registers a handler for read receipts.
func (s *SessionCoordinator) OnReadReceipt(handler func(ReadReceipt)) func() {
	return s.readReceipts.add(handler)
}

// OnSignal registers a handler for call-signaling envelopes. Peer
// connection negotiation itself happens outside this module.
func (s *SessionCoordinator) OnSignal(handler func(models.RoomEnvelope)) func() {
	return s.signals.add(handler)
}

// OnRoomDestroyed registers a handler fired when the active room is
// torn down by the server.
func (s *SessionCoordinator) OnRoomDestroyed(handler func(string)) func() {
	return s.destroyed.add(handler)
}

// SendTyping broadcasts a typing indicator for the active room.
func (s *SessionCoordinator) SendTyping(ctx context.Context, typing bool) error {
	room := s.CurrentRoom()
	if room == "" {
		return fmt.Errorf("no active room")
	}
	msgType := TypeTyping
	if !typing {
		msgType = TypeStopTyping
	}
	return s.transport.SendRoomMessage(ctx, room, msgType, map[string]any{
		"socketId": s.self.SocketID(),
		"userName": s.self.Name(),
	})
}

// SendSignal publishes a call-signaling envelope into a room.
func (s *SessionCoordinator) SendSignal(ctx context.Context, roomID, signalType string, content any) error {
	if !IsSignalType(signalType) {
		return fmt.Errorf("%q is not a signaling type", signalType)
	}
	return s.transport.SendRoomMessage(ctx, roomID, signalType, content)
}

// Cleanup detaches the coordinator from the transport and clears all
// state. Listeners are unsubscribed synchronously before state is
// cleared so a late envelope cannot touch a dead session. Safe to call
// multiple times.
func (s *SessionCoordinator) Cleanup() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.started = false
	s.currentRoom = ""
	s.dropPendingLocked()
	s.lastSeq = make(map[string]int64)
	s.mu.Unlock()

	for _, unsubscribe := range subs {
		unsubscribe()
	}
	s.participants.Reset()

	s.messages.clear()
	s.typing.clear()
	s.readReceipts.clear()
	s.signals.clear()
	s.destroyed.clear()
}
