package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"im-client/internal/config"
	"im-client/internal/models"
)

// Reserved frame types exchanged with the relay. Everything else is an
// application envelope and goes to the room-message subscribers.
const (
	frameConnected = "connected"
	frameJoinRoom  = "join-room"
	frameLeaveRoom = "leave-room"
)

type connectedPayload struct {
	SocketID string `json:"socketId"`
}

// WebsocketTransport implements Transport over a single websocket
// connection speaking the relay's JSON envelope protocol. A lost
// connection is re-established with exponential backoff and previously
// joined rooms are re-joined, so subscribers only ever observe
// connection-state transitions, never a dead client.
type WebsocketTransport struct {
	cfg    config.SocketConfig
	logger *logrus.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	socketID  string
	joined    map[string]struct{}
	closed    bool
	done      chan struct{}

	writeMu sync.Mutex

	onConnected *handlerSet[struct{}]
	onState     *handlerSet[State]
	onEnvelope  *handlerSet[models.RoomEnvelope]
}

// NewWebsocketTransport creates a transport for the given socket
// endpoint. Connect must be called before any room operation.
func NewWebsocketTransport(cfg config.SocketConfig, logger *logrus.Logger) *WebsocketTransport {
	return &WebsocketTransport{
		cfg:         cfg,
		logger:      logger,
		joined:      make(map[string]struct{}),
		done:        make(chan struct{}),
		onConnected: newHandlerSet[struct{}](),
		onState:     newHandlerSet[State](),
		onEnvelope:  newHandlerSet[models.RoomEnvelope](),
	}
}

// Connect dials the server, waits for the hello frame carrying the
// assigned socket id, and starts the read loop.
func (t *WebsocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport is closed")
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.dial(ctx); err != nil {
		return err
	}

	go t.readLoop()
	go t.pingLoop()
	return nil
}

func (t *WebsocketTransport) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", t.cfg.URL, err)
	}

	// First frame must be the hello carrying our socket id.
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hello models.RoomEnvelope
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return fmt.Errorf("failed to read hello frame: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if hello.Type != frameConnected {
		conn.Close()
		return fmt.Errorf("unexpected hello frame type %q", hello.Type)
	}
	var payload connectedPayload
	if err := json.Unmarshal(hello.Content, &payload); err != nil || payload.SocketID == "" {
		conn.Close()
		return fmt.Errorf("invalid hello frame payload")
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.socketID = payload.SocketID
	rooms := make([]string, 0, len(t.joined))
	for room := range t.joined {
		rooms = append(rooms, room)
	}
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"socket_id": payload.SocketID,
		"rooms":     len(rooms),
	}).Info("Transport connected")

	for _, room := range rooms {
		if err := t.writeFrame(models.RoomEnvelope{Room: room, Type: frameJoinRoom}); err != nil {
			t.logger.WithError(err).WithField("room_id", room).Warn("Failed to re-join room")
		}
	}

	t.onState.emit(StateConnected)
	t.onConnected.emit(struct{}{})
	return nil
}

// readLoop reads envelopes and dispatches them sequentially. All
// subscriber callbacks run on this goroutine, which is what gives the
// classifier and reconciler their no-locking guarantee.
func (t *WebsocketTransport) readLoop() {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		var env models.RoomEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			t.handleDisconnect(err)
			return
		}
		if env.Type == frameConnected {
			continue
		}
		if env.Timestamp == 0 {
			env.Timestamp = time.Now().UnixMilli()
		}
		t.onEnvelope.emit(env)
	}
}

func (t *WebsocketTransport) pingLoop() {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.mu.Lock()
			conn := t.conn
			connected := t.connected
			t.mu.Unlock()
			if !connected || conn == nil {
				continue
			}
			t.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			_ = conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
		}
	}
}

func (t *WebsocketTransport) handleDisconnect(cause error) {
	t.mu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	wasConnected := t.connected
	t.connected = false
	closed := t.closed
	t.mu.Unlock()

	if closed || !wasConnected {
		return
	}

	t.logger.WithError(cause).Warn("Transport connection lost")
	t.onState.emit(StateDisconnected)

	go t.reconnectLoop()
}

func (t *WebsocketTransport) reconnectLoop() {
	delay := t.cfg.ReconnectInitialDelay
	for {
		select {
		case <-t.done:
			return
		case <-time.After(delay):
		}

		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}

		t.onState.emit(StateReconnecting)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := t.dial(ctx)
		cancel()
		if err == nil {
			go t.readLoop()
			return
		}

		t.logger.WithError(err).WithField("retry_in", delay.String()).Warn("Reconnect attempt failed")
		delay *= 2
		if delay > t.cfg.ReconnectMaxDelay {
			delay = t.cfg.ReconnectMaxDelay
		}
	}
}

// Disconnect closes the connection and stops reconnecting. It is safe
// to call multiple times.
func (t *WebsocketTransport) Disconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	wasConnected := t.connected
	t.connected = false
	close(t.done)
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected {
		t.onState.emit(StateDisconnected)
	}

	// The transport never comes back after Disconnect; drop subscriber
	// references instead of holding them for a dead connection.
	t.onConnected.clear()
	t.onState.clear()
	t.onEnvelope.clear()
	return nil
}

// OnConnected registers a handler invoked after every successful
// connect, including reconnects.
func (t *WebsocketTransport) OnConnected(handler func()) Unsubscribe {
	return t.onConnected.add(func(struct{}) { handler() })
}

// OnConnectionStateChange registers a handler for state transitions.
func (t *WebsocketTransport) OnConnectionStateChange(handler func(State)) Unsubscribe {
	return t.onState.add(handler)
}

// OnRoomMessage registers a handler for inbound envelopes.
func (t *WebsocketTransport) OnRoomMessage(handler func(models.RoomEnvelope)) Unsubscribe {
	return t.onEnvelope.add(handler)
}

// SendRoomMessage publishes an envelope into a room.
func (t *WebsocketTransport) SendRoomMessage(ctx context.Context, room, msgType string, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}
	return t.writeFrame(models.RoomEnvelope{
		Room:      room,
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Content:   raw,
	})
}

// JoinRoom subscribes the connection to a room's envelopes. Membership
// is remembered so reconnects re-join automatically.
func (t *WebsocketTransport) JoinRoom(ctx context.Context, roomID string) error {
	t.mu.Lock()
	t.joined[roomID] = struct{}{}
	t.mu.Unlock()
	return t.writeFrame(models.RoomEnvelope{Room: roomID, Type: frameJoinRoom})
}

// LeaveRoom unsubscribes the connection from a room.
func (t *WebsocketTransport) LeaveRoom(ctx context.Context, roomID string) error {
	t.mu.Lock()
	delete(t.joined, roomID)
	t.mu.Unlock()
	return t.writeFrame(models.RoomEnvelope{Room: roomID, Type: frameLeaveRoom})
}

// Status returns a snapshot of the connection state.
func (t *WebsocketTransport) Status() ConnectionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ConnectionStatus{IsConnected: t.connected, SocketID: t.socketID}
}

func (t *WebsocketTransport) writeFrame(env models.RoomEnvelope) error {
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	t.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("transport is not connected")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}
