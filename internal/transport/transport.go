package transport

import (
	"context"
	"sync"

	"im-client/internal/models"
)

// State is the coarse connection state reported to subscribers.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
)

// ConnectionStatus is a point-in-time snapshot of the connection.
type ConnectionStatus struct {
	IsConnected bool
	SocketID    string
}

// Unsubscribe removes a previously registered handler. Calling it more
// than once is safe.
type Unsubscribe func()

// Transport is the pub/sub boundary the synchronization layer is built
// on. Implementations must invoke all handlers from a single goroutine
// so that envelope processing stays strictly sequential in arrival
// order.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	OnConnected(handler func()) Unsubscribe
	OnConnectionStateChange(handler func(State)) Unsubscribe
	OnRoomMessage(handler func(models.RoomEnvelope)) Unsubscribe
	SendRoomMessage(ctx context.Context, room, msgType string, content any) error
	JoinRoom(ctx context.Context, roomID string) error
	LeaveRoom(ctx context.Context, roomID string) error
	Status() ConnectionStatus
}

// handlerSet is a small observer registry. Handlers are invoked in
// registration order; unsubscribing during dispatch is allowed.
type handlerSet[T any] struct {
	mu       sync.Mutex
	nextID   int
	order    []int
	handlers map[int]func(T)
}

func newHandlerSet[T any]() *handlerSet[T] {
	return &handlerSet[T]{handlers: make(map[int]func(T))}
}

func (s *handlerSet[T]) add(handler func(T)) Unsubscribe {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.order = append(s.order, id)
	s.handlers[id] = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

func (s *handlerSet[T]) emit(v T) {
	s.mu.Lock()
	ids := append([]int(nil), s.order...)
	handlers := make(map[int]func(T), len(s.handlers))
	for id, h := range s.handlers {
		handlers[id] = h
	}
	s.mu.Unlock()

	for _, id := range ids {
		if h, ok := handlers[id]; ok {
			h(v)
		}
	}
}

func (s *handlerSet[T]) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.handlers = make(map[int]func(T))
}
