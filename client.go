// Package imclient is a Go client for the room-based chat and meeting
// service. It connects to the relay over websocket, keeps the active
// room's messages and participants synchronized, and provides reliable
// file delivery with progress, retry and cancellation.
package imclient

import (
	"context"

	"github.com/sirupsen/logrus"

	"im-client/internal/api"
	"im-client/internal/config"
	"im-client/internal/models"
	"im-client/internal/services"
	"im-client/internal/transport"
)

// Re-exported types forming the public surface.
type (
	Message          = models.DomainMessage
	FileRef          = models.FileRef
	Participant      = models.Participant
	MediaStream      = models.MediaStream
	UploadItem       = models.UploadItem
	MessageType      = models.MessageType
	File             = services.FileUpload
	TypingEvent      = services.TypingEvent
	ReadReceipt      = services.ReadReceipt
	Envelope         = models.RoomEnvelope
	Unsubscribe      = transport.Unsubscribe
	UploadResult     = api.UploadResult
	State            = transport.State
	ConnectionStatus = transport.ConnectionStatus

	// Config re-exports the configuration tree so embedders can build
	// one programmatically.
	Config = config.Config
)

// Connection states reported by OnConnectionStateChange.
const (
	StateConnected    = transport.StateConnected
	StateDisconnected = transport.StateDisconnected
	StateReconnecting = transport.StateReconnecting
)

// LoadConfig loads configuration from config.yaml and the environment.
func LoadConfig() (*Config, error) {
	return config.Load()
}

// DefaultConfig returns a configuration with every field defaulted.
func DefaultConfig() *Config {
	return config.Default()
}

// ErrUploadAborted is returned by SendFiles when the caller cancelled
// the transfer.
var ErrUploadAborted = services.ErrUploadAborted

// FileFromPath builds an upload descriptor for a file on disk.
func FileFromPath(path string) (File, error) {
	return services.FileFromPath(path)
}

// Option customizes client construction.
type Option func(*Client)

// WithTransport replaces the default websocket transport, mainly for
// embedding and testing.
func WithTransport(t transport.Transport) Option {
	return func(c *Client) { c.transport = t }
}

// Client is the synchronization layer's entry point. One Client owns
// one transport connection and at most one active room at a time.
type Client struct {
	cfg    *config.Config
	logger *logrus.Logger
	self   *models.Identity

	transport    transport.Transport
	api          *api.Client
	online       *transport.OnlineTracker
	participants *services.ParticipantReconciler
	uploader     *services.Uploader
	session      *services.SessionCoordinator

	onlineUnsub transport.Unsubscribe
}

// New creates a client for the given user. The logger may be nil, in
// which case one is built from the logging configuration.
func New(cfg *Config, userID, userName string, logger *logrus.Logger, opts ...Option) *Client {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = newLogger(cfg.Logging)
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
		self:   models.NewIdentity(userID, userName),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.transport == nil {
		c.transport = transport.NewWebsocketTransport(cfg.Socket, logger)
	}

	c.api = api.New(cfg.API, logger)
	c.online = transport.NewOnlineTracker(false)
	c.participants = services.NewParticipantReconciler(c.self, logger)
	c.uploader = services.NewUploader(cfg.Upload, c.api, c.online, logger)

	normalizer := services.NewNormalizer(c.self, logger)
	c.session = services.NewSessionCoordinator(c.transport, c.api, c.self, normalizer, c.participants, cfg.Messages, logger)

	return c
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// Connect attaches the session to the transport and establishes the
// connection.
func (c *Client) Connect(ctx context.Context) error {
	c.session.Start()
	if c.onlineUnsub == nil {
		c.onlineUnsub = c.online.Follow(c.transport)
	}
	if err := c.transport.Connect(ctx); err != nil {
		return err
	}
	c.self.SetSocketID(c.transport.Status().SocketID)
	c.online.Set(true)
	return nil
}

// Close tears the client down: listeners are detached, state cleared
// and the connection closed. Safe to call multiple times.
func (c *Client) Close() error {
	c.session.Cleanup()
	if c.onlineUnsub != nil {
		c.onlineUnsub()
		c.onlineUnsub = nil
	}
	return c.transport.Disconnect()
}

// EnterRoom makes roomID the active room, superseding any previous
// one. The room is joined on the transport, marked active and marked
// read.
func (c *Client) EnterRoom(ctx context.Context, roomID string) error {
	return c.session.SetCurrentRoom(ctx, roomID)
}

// LeaveRoom leaves the active room, if any.
func (c *Client) LeaveRoom(ctx context.Context) error {
	return c.session.SetCurrentRoom(ctx, "")
}

// CurrentRoom returns the active room id, or "".
func (c *Client) CurrentRoom() string {
	return c.session.CurrentRoom()
}

// SendMessage sends a text message, returning the optimistic local
// copy immediately. The copy is replaced through the OnRoomMessage
// stream once the server confirms it.
func (c *Client) SendMessage(ctx context.Context, roomID, content string, msgType MessageType, tempID string) (Message, error) {
	return c.session.SendMessage(ctx, roomID, content, msgType, tempID)
}

// SendFiles validates and uploads a batch of files to a room.
// Cancelling ctx aborts the in-flight transfer and returns
// ErrUploadAborted.
func (c *Client) SendFiles(ctx context.Context, roomID string, files []File, onProgress func(tempID string, progress int), groupID string) ([]*UploadResult, error) {
	return c.uploader.Send(ctx, roomID, files, onProgress, groupID)
}

// CancelUpload aborts a tracked upload immediately.
func (c *Client) CancelUpload(tempID string) {
	c.uploader.Cancel(tempID)
}

// Uploads returns a snapshot of all tracked uploads.
func (c *Client) Uploads() []UploadItem {
	return c.uploader.Items()
}

// Participants returns the current participant set of the active room.
func (c *Client) Participants() []Participant {
	return c.participants.List()
}

// UpdateParticipantStream attaches a negotiated media stream to a
// participant. Updates for peers that never joined are dropped.
func (c *Client) UpdateParticipantStream(socketID string, stream MediaStream) bool {
	return c.participants.UpdateStream(socketID, stream)
}

// SendTyping broadcasts a typing indicator in the active room.
func (c *Client) SendTyping(ctx context.Context, typing bool) error {
	return c.session.SendTyping(ctx, typing)
}

// SendSignal publishes a call-signaling envelope (offer, answer, ICE
// candidate) into a room.
func (c *Client) SendSignal(ctx context.Context, roomID, signalType string, content any) error {
	return c.session.SendSignal(ctx, roomID, signalType, content)
}

// OnRoomMessage registers a handler for inbound domain messages,
// including replacements for optimistic sends.
func (c *Client) OnRoomMessage(handler func(Message)) Unsubscribe {
	return Unsubscribe(c.session.OnRoomMessage(handler))
}

// OnParticipantJoined registers a handler for participants entering
// the active room.
func (c *Client) OnParticipantJoined(handler func(Participant)) Unsubscribe {
	return Unsubscribe(c.participants.OnJoined(handler))
}

// OnParticipantLeft registers a handler for participants leaving the
// active room.
func (c *Client) OnParticipantLeft(handler func(Participant)) Unsubscribe {
	return Unsubscribe(c.participants.OnLeft(handler))
}

// OnTyping registers a handler for remote typing indicators.
func (c *Client) OnTyping(handler func(TypingEvent)) Unsubscribe {
	return Unsubscribe(c.session.OnTyping(handler))
}

// OnReadReceipt registers a handler for read receipts.
func (c *Client) OnReadReceipt(handler func(ReadReceipt)) Unsubscribe {
	return Unsubscribe(c.session.OnReadReceipt(handler))
}

// OnSignal registers a handler for call-signaling envelopes; peer
// connection negotiation happens in the caller.
func (c *Client) OnSignal(handler func(Envelope)) Unsubscribe {
	return Unsubscribe(c.session.OnSignal(handler))
}

// OnRoomDestroyed registers a handler fired when the server tears the
// active room down.
func (c *Client) OnRoomDestroyed(handler func(roomID string)) Unsubscribe {
	return Unsubscribe(c.session.OnRoomDestroyed(handler))
}

// OnConnectionStateChange registers a handler for transport state
// transitions.
func (c *Client) OnConnectionStateChange(handler func(State)) Unsubscribe {
	return c.transport.OnConnectionStateChange(handler)
}

// Status returns a snapshot of the transport connection.
func (c *Client) Status() ConnectionStatus {
	return c.transport.Status()
}
