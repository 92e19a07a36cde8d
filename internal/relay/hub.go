package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"im-client/internal/models"
)

// client is one websocket connection attached to the relay.
type client struct {
	conn     *websocket.Conn
	socketID string
	writeMu  sync.Mutex
}

func (c *client) writeEnvelope(env models.RoomEnvelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(env)
}

// Hub tracks which connections are attached to which rooms on this
// relay instance. The first connection joining a room starts a Redis
// subscription for it; the last one leaving stops it, so instances only
// consume channels they have an audience for.
type Hub struct {
	store  *RoomStore
	logger *logrus.Logger

	mu    sync.Mutex
	rooms map[string]*roomState
}

type roomState struct {
	clients map[*client]struct{}
	cancel  context.CancelFunc
}

// NewHub creates a hub backed by the given store.
func NewHub(store *RoomStore, logger *logrus.Logger) *Hub {
	return &Hub{
		store:  store,
		logger: logger,
		rooms:  make(map[string]*roomState),
	}
}

// Join attaches a client to a room, starting the fan-out subscription
// if this is the room's first local client.
func (h *Hub) Join(roomID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.rooms[roomID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		state = &roomState{clients: make(map[*client]struct{}), cancel: cancel}
		h.rooms[roomID] = state
		go h.consume(ctx, roomID)
	}
	state.clients[c] = struct{}{}
}

// Leave detaches a client from a room, stopping the subscription when
// the room has no local clients left.
func (h *Hub) Leave(roomID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(state.clients, c)
	if len(state.clients) == 0 {
		state.cancel()
		delete(h.rooms, roomID)
	}
}

// LeaveAll detaches a client from every room, used on disconnect.
// Returns the rooms the client was attached to.
func (h *Hub) LeaveAll(c *client) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var left []string
	for roomID, state := range h.rooms {
		if _, ok := state.clients[c]; !ok {
			continue
		}
		delete(state.clients, c)
		left = append(left, roomID)
		if len(state.clients) == 0 {
			state.cancel()
			delete(h.rooms, roomID)
		}
	}
	return left
}

// consume pumps a room's Redis channel into the local connections.
func (h *Hub) consume(ctx context.Context, roomID string) {
	err := h.store.Subscribe(ctx, roomID, func(env models.RoomEnvelope) {
		h.mu.Lock()
		state, ok := h.rooms[roomID]
		if !ok {
			h.mu.Unlock()
			return
		}
		clients := make([]*client, 0, len(state.clients))
		for c := range state.clients {
			clients = append(clients, c)
		}
		h.mu.Unlock()

		for _, c := range clients {
			if err := c.writeEnvelope(env); err != nil {
				h.logger.WithError(err).WithField("socket_id", c.socketID).Debug("Failed to deliver envelope")
			}
		}
	})
	if err != nil && ctx.Err() == nil {
		h.logger.WithError(err).WithField("room_id", roomID).Error("Room subscription ended")
	}
}
