package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"im-client/internal/api"
	"im-client/internal/config"
	"im-client/internal/models"
	"im-client/internal/transport"
)

// fakeTransport records outbound traffic and lets tests inject inbound
// envelopes synchronously, mimicking the real dispatch goroutine.
type fakeTransport struct {
	mu        sync.Mutex
	socketID  string
	joined    []string
	left      []string
	sent      []models.RoomEnvelope
	joinErr   error
	onMessage []func(models.RoomEnvelope)
	onConnect []func()
}

func newFakeTransport(socketID string) *fakeTransport {
	return &fakeTransport{socketID: socketID}
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }
func (f *fakeTransport) Disconnect() error                 { return nil }

func (f *fakeTransport) OnConnected(handler func()) transport.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnect = append(f.onConnect, handler)
	return func() {}
}

func (f *fakeTransport) OnConnectionStateChange(handler func(transport.State)) transport.Unsubscribe {
	return func() {}
}

func (f *fakeTransport) OnRoomMessage(handler func(models.RoomEnvelope)) transport.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = append(f.onMessage, handler)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.onMessage = nil
	}
}

func (f *fakeTransport) SendRoomMessage(ctx context.Context, room, msgType string, content any) error {
	data, err := json.Marshal(content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, models.RoomEnvelope{Room: room, Type: msgType, SenderID: f.socketID, Content: data})
	return nil
}

func (f *fakeTransport) JoinRoom(ctx context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joined = append(f.joined, roomID)
	return nil
}

func (f *fakeTransport) LeaveRoom(ctx context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, roomID)
	return nil
}

func (f *fakeTransport) Status() transport.ConnectionStatus {
	return transport.ConnectionStatus{IsConnected: true, SocketID: f.socketID}
}

// deliver pushes an envelope through the registered handlers the way
// the websocket read loop would.
func (f *fakeTransport) deliver(env models.RoomEnvelope) {
	f.mu.Lock()
	handlers := append([]func(models.RoomEnvelope){}, f.onMessage...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

func (f *fakeTransport) sentOfType(msgType string) []models.RoomEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.RoomEnvelope
	for _, env := range f.sent {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

// fakeSessionAPI records calls; SyncMessages serves a scripted backfill.
type fakeSessionAPI struct {
	mu          sync.Mutex
	activeRooms []string
	readRooms   []string
	sendErr     error
	sends       []api.SendMessageRequest
	backfill    []models.RoomEnvelope
	syncCalls   []int64
}

func (f *fakeSessionAPI) SetActiveRoom(ctx context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeRooms = append(f.activeRooms, roomID)
	return nil
}

func (f *fakeSessionAPI) MarkAsRead(ctx context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readRooms = append(f.readRooms, roomID)
	return nil
}

func (f *fakeSessionAPI) SendMessage(ctx context.Context, req api.SendMessageRequest) (*api.SendMessageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sends = append(f.sends, req)
	return &api.SendMessageResult{ID: "srv-1", SequenceNumber: int64(len(f.sends))}, nil
}

func (f *fakeSessionAPI) SyncMessages(ctx context.Context, roomID string, fromSequence int64) ([]models.RoomEnvelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCalls = append(f.syncCalls, fromSequence)
	return f.backfill, nil
}

type sessionFixture struct {
	transport *fakeTransport
	api       *fakeSessionAPI
	session   *SessionCoordinator
	self      *models.Identity
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	self := models.NewIdentity("user-1", "Alice")
	self.SetSocketID("socket-self")

	ft := newFakeTransport("socket-self")
	fa := &fakeSessionAPI{}
	logger := newTestLogger()
	normalizer := NewNormalizer(self, logger)
	participants := NewParticipantReconciler(self, logger)
	cfg := config.MessagesConfig{ConfirmTimeout: 50 * time.Millisecond}

	s := NewSessionCoordinator(ft, fa, self, normalizer, participants, cfg, logger)
	s.Start()
	t.Cleanup(s.Cleanup)

	return &sessionFixture{transport: ft, api: fa, session: s, self: self}
}

func (fx *sessionFixture) enterRoom(t *testing.T, roomID string) {
	t.Helper()
	if err := fx.session.SetCurrentRoom(context.Background(), roomID); err != nil {
		t.Fatalf("SetCurrentRoom(%q) failed: %v", roomID, err)
	}
}

func chatEnvelope(room, sender, text string, seq int64) models.RoomEnvelope {
	content, _ := json.Marshal(map[string]any{"content": text, "sequenceNumber": seq})
	return models.RoomEnvelope{Room: room, Type: "text", SenderID: sender, Timestamp: time.Now().UnixMilli(), Content: content}
}

func TestEnterRoomFlow(t *testing.T) {
	fx := newSessionFixture(t)
	fx.enterRoom(t, "room-1")

	if got := fx.session.CurrentRoom(); got != "room-1" {
		t.Fatalf("CurrentRoom() = %q, want room-1", got)
	}
	if len(fx.transport.joined) != 1 || fx.transport.joined[0] != "room-1" {
		t.Fatalf("joined = %v, want [room-1]", fx.transport.joined)
	}

	fx.api.mu.Lock()
	defer fx.api.mu.Unlock()
	if len(fx.api.activeRooms) != 1 || fx.api.activeRooms[0] != "room-1" {
		t.Fatalf("activeRooms = %v, want [room-1]", fx.api.activeRooms)
	}
	if len(fx.api.readRooms) != 1 || fx.api.readRooms[0] != "room-1" {
		t.Fatalf("readRooms = %v, want [room-1]", fx.api.readRooms)
	}

	if got := fx.transport.sentOfType(TypeUserJoined); len(got) != 1 {
		t.Fatalf("presence announcements = %d, want 1", len(got))
	}
	if got := fx.transport.sentOfType(TypeRequestParticipants); len(got) != 1 {
		t.Fatalf("participant requests = %d, want 1", len(got))
	}
}

func TestSwitchingRoomsLeavesPrevious(t *testing.T) {
	fx := newSessionFixture(t)
	fx.enterRoom(t, "room-1")
	fx.enterRoom(t, "room-2")

	if len(fx.transport.left) != 1 || fx.transport.left[0] != "room-1" {
		t.Fatalf("left = %v, want [room-1]", fx.transport.left)
	}
	if got := fx.session.CurrentRoom(); got != "room-2" {
		t.Fatalf("CurrentRoom() = %q, want room-2", got)
	}
}

func TestEnterSameRoomIsNoop(t *testing.T) {
	fx := newSessionFixture(t)
	fx.enterRoom(t, "room-1")
	fx.enterRoom(t, "room-1")

	if len(fx.transport.joined) != 1 {
		t.Fatalf("joined = %v, want a single join", fx.transport.joined)
	}
}

func TestJoinFailureSurfaces(t *testing.T) {
	fx := newSessionFixture(t)
	fx.transport.joinErr = errors.New("connection reset")

	if err := fx.session.SetCurrentRoom(context.Background(), "room-1"); err == nil {
		t.Fatal("expected join failure to surface")
	}
}

func TestMessagesFromOtherRoomsIgnored(t *testing.T) {
	fx := newSessionFixture(t)
	fx.enterRoom(t, "room-1")

	var got []models.DomainMessage
	fx.session.OnRoomMessage(func(m models.DomainMessage) { got = append(got, m) })

	fx.transport.deliver(chatEnvelope("room-2", "socket-b", "wrong room", 1))
	fx.transport.deliver(chatEnvelope("room-1", "socket-b", "right room", 1))

	if len(got) != 1 || got[0].Content != "right room" {
		t.Fatalf("messages = %+v, want only the active room's", got)
	}
}

func TestOptimisticSendAndConfirm(t *testing.T) {
	fx := newSessionFixture(t)
	fx.enterRoom(t, "room-1")

	var got []models.DomainMessage
	fx.session.OnRoomMessage(func(m models.DomainMessage) { got = append(got, m) })

	optimistic, err := fx.session.SendMessage(context.Background(), "room-1", "hi", models.TextMessage, "tmp-1")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if optimistic.Status != models.StatusSending || optimistic.TempID != "tmp-1" {
		t.Fatalf("optimistic = %+v", optimistic)
	}

	// The confirming broadcast echoes the temp id with server identity.
	content, _ := json.Marshal(map[string]any{"content": "hi", "id": "srv-1", "tempId": "tmp-1", "sequenceNumber": 1})
	fx.transport.deliver(models.RoomEnvelope{Room: "room-1", Type: "text", SenderID: "socket-self", Timestamp: time.Now().UnixMilli(), Content: content})

	if len(got) != 1 {
		t.Fatalf("emitted %d messages, want 1 (the confirmed copy)", len(got))
	}
	if got[0].ID != "srv-1" || got[0].TempID != "tmp-1" || got[0].Status != models.StatusSent {
		t.Fatalf("confirmed = %+v", got[0])
	}

	// Confirmed message must not be re-failed by the timeout.
	time.Sleep(100 * time.Millisecond)
	if len(got) != 1 {
		t.Fatalf("got %d messages after timeout, want still 1", len(got))
	}
}

func TestUnconfirmedMessageFailsAfterTimeout(t *testing.T) {
	fx := newSessionFixture(t)
	fx.enterRoom(t, "room-1")

	done := make(chan models.DomainMessage, 1)
	fx.session.OnRoomMessage(func(m models.DomainMessage) {
		if m.Status == models.StatusFailed {
			done <- m
		}
	})

	if _, err := fx.session.SendMessage(context.Background(), "room-1", "hi", models.TextMessage, "tmp-1"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	select {
	case failed := <-done:
		if failed.TempID != "tmp-1" {
			t.Fatalf("failed = %+v", failed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unconfirmed message never marked failed")
	}
}

func TestSendMessageAPIFailure(t *testing.T) {
	fx := newSessionFixture(t)
	fx.enterRoom(t, "room-1")

	var got []models.DomainMessage
	fx.session.OnRoomMessage(func(m models.DomainMessage) { got = append(got, m) })

	fx.api.sendErr = errors.New("api down")
	if _, err := fx.session.SendMessage(context.Background(), "room-1", "hi", models.TextMessage, "tmp-1"); err == nil {
		t.Fatal("expected API failure to surface")
	}

	if len(got) != 1 || got[0].Status != models.StatusFailed {
		t.Fatalf("messages = %+v, want one failed copy", got)
	}
}

func TestParticipantControlFlow(t *testing.T) {
	fx := newSessionFixture(t)
	fx.enterRoom(t, "room-1")

	content, _ := json.Marshal(map[string]any{"socketId": "socket-b", "userName": "Bob"})
	fx.transport.deliver(models.RoomEnvelope{Room: "room-1", Type: TypeUserJoined, SenderID: "socket-b", Content: content})

	list := fx.session.participants.List()
	if len(list) != 1 || list[0].Name != "Bob" {
		t.Fatalf("participants = %+v, want Bob", list)
	}

	fx.transport.deliver(models.RoomEnvelope{Room: "room-1", Type: TypeUserLeft, SenderID: "socket-b", Content: content})
	if len(fx.session.participants.List()) != 0 {
		t.Fatal("participant not removed on user-left")
	}
}

func TestRequestParticipantsAnswered(t *testing.T) {
	fx := newSessionFixture(t)
	fx.enterRoom(t, "room-1")
	before := len(fx.transport.sentOfType(TypeUserJoined))

	content, _ := json.Marshal(map[string]any{"socketId": "socket-b"})
	fx.transport.deliver(models.RoomEnvelope{Room: "room-1", Type: TypeRequestParticipants, SenderID: "socket-b", Content: content})

	if got := len(fx.transport.sentOfType(TypeUserJoined)); got != before+1 {
		t.Fatalf("presence announcements = %d, want %d", got, before+1)
	}

	// Our own request must not be answered by ourselves.
	selfContent, _ := json.Marshal(map[string]any{"socketId": "socket-self"})
	fx.transport.deliver(models.RoomEnvelope{Room: "room-1", Type: TypeRequestParticipants, SenderID: "socket-self", Content: selfContent})

	if got := len(fx.transport.sentOfType(TypeUserJoined)); got != before+1 {
		t.Fatalf("answered own participant request: %d announcements", got)
	}
}

func TestTypingEvents(t *testing.T) {
	fx := newSessionFixture(t)
	fx.enterRoom(t, "room-1")

	var events []TypingEvent
	fx.session.OnTyping(func(ev TypingEvent) { events = append(events, ev) })

	content, _ := json.Marshal(map[string]any{"userName": "Bob"})
	fx.transport.deliver(models.RoomEnvelope{Room: "room-1", Type: TypeTyping, SenderID: "socket-b", Content: content})
	fx.transport.deliver(models.RoomEnvelope{Room: "room-1", Type: TypeStopTyping, SenderID: "socket-b", Content: content})
	// Own typing echoes are suppressed.
	fx.transport.deliver(models.RoomEnvelope{Room: "room-1", Type: TypeTyping, SenderID: "socket-self", Content: content})

	if len(events) != 2 {
		t.Fatalf("events = %+v, want start and stop only", events)
	}
	if !events[0].Typing || events[1].Typing {
		t.Fatalf("events = %+v, want typing then stop", events)
	}
}

func TestRoomDestroyed(t *testing.T) {
	fx := newSessionFixture(t)
	fx.enterRoom(t, "room-1")

	var destroyed []string
	fx.session.OnRoomDestroyed(func(roomID string) { destroyed = append(destroyed, roomID) })

	fx.transport.deliver(models.RoomEnvelope{Room: "room-1", Type: TypeRoomDestroyed})

	if fx.session.CurrentRoom() != "" {
		t.Fatalf("CurrentRoom() = %q, want cleared", fx.session.CurrentRoom())
	}
	if len(destroyed) != 1 || destroyed[0] != "room-1" {
		t.Fatalf("destroyed = %v, want [room-1]", destroyed)
	}
}

func TestSignalBypassesRoomFilter(t *testing.T) {
	fx := newSessionFixture(t)
	fx.enterRoom(t, "room-1")

	var signals []models.RoomEnvelope
	fx.session.OnSignal(func(env models.RoomEnvelope) { signals = append(signals, env) })

	fx.transport.deliver(models.RoomEnvelope{Room: "room-2", Type: "webrtc-offer", SenderID: "socket-b"})
	// Own signals echoed back are suppressed.
	fx.transport.deliver(models.RoomEnvelope{Room: "room-1", Type: "webrtc-offer", SenderID: "socket-self"})

	if len(signals) != 1 || signals[0].Room != "room-2" {
		t.Fatalf("signals = %+v, want the remote offer only", signals)
	}
}

func TestGapTriggersBackfill(t *testing.T) {
	fx := newSessionFixture(t)
	fx.enterRoom(t, "room-1")
	fx.api.backfill = []models.RoomEnvelope{
		chatEnvelope("room-1", "socket-b", "missed", 2),
	}

	var mu sync.Mutex
	var got []string
	fx.session.OnRoomMessage(func(m models.DomainMessage) {
		mu.Lock()
		got = append(got, m.Content)
		mu.Unlock()
	})

	fx.transport.deliver(chatEnvelope("room-1", "socket-b", "first", 1))
	fx.transport.deliver(chatEnvelope("room-1", "socket-b", "third", 3))

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("backfill never delivered, got %v", got)
		}
		time.Sleep(time.Millisecond)
	}

	fx.api.mu.Lock()
	defer fx.api.mu.Unlock()
	if len(fx.api.syncCalls) != 1 || fx.api.syncCalls[0] != 1 {
		t.Fatalf("syncCalls = %v, want one backfill from sequence 1", fx.api.syncCalls)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	fx := newSessionFixture(t)
	fx.enterRoom(t, "room-1")

	count := 0
	fx.session.OnRoomMessage(func(m models.DomainMessage) {
		count++
		if count == 1 {
			panic("broken subscriber")
		}
	})

	fx.transport.deliver(chatEnvelope("room-1", "socket-b", "one", 1))
	fx.transport.deliver(chatEnvelope("room-1", "socket-b", "two", 2))

	if count != 2 {
		t.Fatalf("handler ran %d times, want 2: a panic must not kill dispatch", count)
	}
}

func TestSendTypingRequiresActiveRoom(t *testing.T) {
	fx := newSessionFixture(t)
	if err := fx.session.SendTyping(context.Background(), true); err == nil {
		t.Fatal("expected error without an active room")
	}

	fx.enterRoom(t, "room-1")
	if err := fx.session.SendTyping(context.Background(), true); err != nil {
		t.Fatalf("SendTyping failed: %v", err)
	}
	if got := fx.transport.sentOfType(TypeTyping); len(got) != 1 {
		t.Fatalf("typing frames = %d, want 1", len(got))
	}
}

func TestSendSignalValidatesType(t *testing.T) {
	fx := newSessionFixture(t)
	if err := fx.session.SendSignal(context.Background(), "room-1", "text", nil); err == nil {
		t.Fatal("expected rejection of non-signaling type")
	}
	if err := fx.session.SendSignal(context.Background(), "room-1", "webrtc-offer", map[string]any{"sdp": "x"}); err != nil {
		t.Fatalf("SendSignal failed: %v", err)
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	fx := newSessionFixture(t)
	fx.enterRoom(t, "room-1")

	var got []models.DomainMessage
	fx.session.OnRoomMessage(func(m models.DomainMessage) { got = append(got, m) })

	fx.session.Cleanup()
	fx.session.Cleanup()

	if fx.session.CurrentRoom() != "" {
		t.Fatal("Cleanup should clear the current room")
	}

	// Detached from the transport: late envelopes are dropped.
	fx.transport.deliver(chatEnvelope("room-1", "socket-b", "late", 5))
	if len(got) != 0 {
		t.Fatalf("messages after Cleanup = %+v, want none", got)
	}
}

func TestCleanupDropsSubscribers(t *testing.T) {
	fx := newSessionFixture(t)
	fx.enterRoom(t, "room-1")

	calls := 0
	fx.session.OnSignal(func(models.RoomEnvelope) { calls++ })

	fx.session.Cleanup()
	fx.session.Start()

	// Signals bypass the room filter, so this reaches the control path
	// even with no active room; the pre-Cleanup subscriber must be gone.
	fx.transport.deliver(models.RoomEnvelope{Room: "room-1", Type: "webrtc-offer", SenderID: "socket-b"})

	if calls != 0 {
		t.Fatalf("handler called %d times after Cleanup, want 0", calls)
	}
}

func TestReconnectReannouncesPresence(t *testing.T) {
	fx := newSessionFixture(t)
	fx.enterRoom(t, "room-1")
	before := len(fx.transport.sentOfType(TypeUserJoined))

	fx.transport.mu.Lock()
	handlers := append([]func(){}, fx.transport.onConnect...)
	fx.transport.mu.Unlock()
	for _, h := range handlers {
		h()
	}

	if got := len(fx.transport.sentOfType(TypeUserJoined)); got != before+1 {
		t.Fatalf("announcements after reconnect = %d, want %d", got, before+1)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	fx := newSessionFixture(t)
	fx.session.Start()
	fx.enterRoom(t, "room-1")

	count := 0
	fx.session.OnRoomMessage(func(models.DomainMessage) { count++ })
	fx.transport.deliver(chatEnvelope("room-1", "socket-b", "once", 1))

	if count != 1 {
		t.Fatalf("message delivered %d times, want 1", count)
	}
}
