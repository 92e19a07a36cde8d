package imclient

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"im-client/internal/models"
	"im-client/internal/transport"
)

// stubTransport is an in-memory Transport for exercising the facade.
type stubTransport struct {
	mu        sync.Mutex
	connected bool
	joined    []string
	sent      []models.RoomEnvelope
	onMessage []func(models.RoomEnvelope)
	onConnect []func()
}

func (s *stubTransport) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.connected = true
	handlers := append([]func(){}, s.onConnect...)
	s.mu.Unlock()
	for _, h := range handlers {
		h()
	}
	return nil
}

func (s *stubTransport) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *stubTransport) OnConnected(handler func()) transport.Unsubscribe {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = append(s.onConnect, handler)
	return func() {}
}

func (s *stubTransport) OnConnectionStateChange(handler func(transport.State)) transport.Unsubscribe {
	return func() {}
}

func (s *stubTransport) OnRoomMessage(handler func(models.RoomEnvelope)) transport.Unsubscribe {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = append(s.onMessage, handler)
	return func() {}
}

func (s *stubTransport) SendRoomMessage(ctx context.Context, room, msgType string, content any) error {
	data, _ := json.Marshal(content)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, models.RoomEnvelope{Room: room, Type: msgType, Content: data})
	return nil
}

func (s *stubTransport) JoinRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined = append(s.joined, roomID)
	return nil
}

func (s *stubTransport) LeaveRoom(ctx context.Context, roomID string) error { return nil }

func (s *stubTransport) Status() transport.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return transport.ConnectionStatus{IsConnected: s.connected, SocketID: "socket-stub"}
}

func (s *stubTransport) deliver(env models.RoomEnvelope) {
	s.mu.Lock()
	handlers := append([]func(models.RoomEnvelope){}, s.onMessage...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

func newTestClient(t *testing.T) (*Client, *stubTransport) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	stub := &stubTransport{}
	cfg := DefaultConfig()
	client := New(cfg, "user-1", "Alice", logger, WithTransport(stub))
	t.Cleanup(func() { client.Close() })
	return client, stub
}

func TestClientConnectAndEnterRoom(t *testing.T) {
	client, stub := newTestClient(t)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !client.Status().IsConnected {
		t.Fatal("Status() reports disconnected after Connect")
	}

	// The REST side effects (active room, mark read) are best-effort;
	// only a transport join failure makes EnterRoom fail.
	if err := client.EnterRoom(context.Background(), "room-1"); err != nil {
		t.Fatalf("EnterRoom failed: %v", err)
	}
	if got := client.CurrentRoom(); got != "room-1" {
		t.Fatalf("CurrentRoom() = %q, want room-1", got)
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.joined) != 1 || stub.joined[0] != "room-1" {
		t.Fatalf("joined = %v, want [room-1]", stub.joined)
	}
}

func TestClientReceivesMessages(t *testing.T) {
	client, stub := newTestClient(t)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	_ = client.EnterRoom(context.Background(), "room-1")

	got := make(chan Message, 1)
	client.OnRoomMessage(func(m Message) { got <- m })

	content, _ := json.Marshal(map[string]any{"content": "hello", "senderName": "Bob"})
	stub.deliver(models.RoomEnvelope{
		Room:      "room-1",
		Type:      "text",
		SenderID:  "socket-b",
		Timestamp: time.Now().UnixMilli(),
		Content:   content,
	})

	select {
	case msg := <-got:
		if msg.Content != "hello" || msg.SenderName != "Bob" {
			t.Fatalf("msg = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("message never delivered")
	}
}

func TestClientCloseIsIdempotent(t *testing.T) {
	client, _ := newTestClient(t)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestClientNilConfigUsesDefaults(t *testing.T) {
	client := New(nil, "user-1", "Alice", nil)
	defer client.Close()

	if client.CurrentRoom() != "" {
		t.Fatal("fresh client should have no active room")
	}
	if len(client.Participants()) != 0 {
		t.Fatal("fresh client should have no participants")
	}
}
