package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Priya8975/event-pipeline/internal/domain"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

func setupTestBroker(t *testing.T, queueSize int) *Broker {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	b := NewBroker(queueSize, logger)
	t.Cleanup(b.Close)
	return b
}

func note(receiver, eventID string) domain.NotificationMessage {
	return domain.NotificationMessage{
		EventID:    eventID,
		ReceiverID: receiver,
		EventName:  "new_follower",
		Data:       map[string]any{"followerId": "alice"},
		CreatedAt:  time.Now().UTC(),
	}
}

func recv(t *testing.T, ch *Channel) domain.NotificationMessage {
	t.Helper()
	select {
	case msg := <-ch.Messages():
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return domain.NotificationMessage{}
	}
}

func TestBroker_PushWithoutChannelsIsNoop(t *testing.T) {
	b := setupTestBroker(t, 4)

	b.Push(note("nobody", "E1"))

	if b.ChannelCount() != 0 {
		t.Errorf("expected 0 channels, got %d", b.ChannelCount())
	}
}

func TestBroker_FansOutToEverySession(t *testing.T) {
	b := setupTestBroker(t, 4)

	phone := b.Register("bob")
	laptop := b.Register("bob")
	other := b.Register("carol")

	b.Push(note("bob", "E1"))

	for _, ch := range []*Channel{phone, laptop} {
		if msg := recv(t, ch); msg.EventID != "E1" {
			t.Errorf("expected E1, got %q", msg.EventID)
		}
	}

	select {
	case msg := <-other.Messages():
		t.Errorf("carol must not receive bob's message, got %+v", msg)
	default:
	}

	if b.ChannelCount() != 3 || b.ReceiverCount() != 2 {
		t.Errorf("expected 3 channels over 2 receivers, got %d/%d", b.ChannelCount(), b.ReceiverCount())
	}
}

func TestBroker_DropsOldestWhenFull(t *testing.T) {
	b := setupTestBroker(t, 2)
	ch := b.Register("bob")

	for _, id := range []string{"E1", "E2", "E3", "E4"} {
		b.Push(note("bob", id))
	}

	if got := recv(t, ch).EventID; got != "E3" {
		t.Errorf("expected oldest surviving message E3, got %s", got)
	}
	if got := recv(t, ch).EventID; got != "E4" {
		t.Errorf("expected E4, got %s", got)
	}
	if ch.Dropped() != 2 {
		t.Errorf("expected 2 dropped, got %d", ch.Dropped())
	}
}

func TestBroker_SlowChannelDoesNotBlockPush(t *testing.T) {
	b := setupTestBroker(t, 1)
	b.Register("bob") // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Push(note("bob", "E"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("push blocked on a slow channel")
	}
}

func TestBroker_UnregisterClosesChannel(t *testing.T) {
	b := setupTestBroker(t, 4)
	ch := b.Register("bob")

	b.Unregister(ch)
	b.Unregister(ch) // idempotent

	if _, ok := <-ch.Messages(); ok {
		t.Error("expected closed message stream")
	}
	if b.ChannelCount() != 0 {
		t.Errorf("expected 0 channels, got %d", b.ChannelCount())
	}

	// Pushing to a receiver whose last channel went away is still safe.
	b.Push(note("bob", "E1"))
}

func TestBroker_ConcurrentPushAndUnregister(t *testing.T) {
	b := setupTestBroker(t, 2)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		ch := b.Register("bob")
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Push(note("bob", "E"))
			}
		}()
		go func() {
			defer wg.Done()
			b.Unregister(ch)
		}()
	}
	wg.Wait()

	if b.ChannelCount() != 0 {
		t.Errorf("expected all channels gone, got %d", b.ChannelCount())
	}
}

func TestBroker_ServeClosesAllOnShutdown(t *testing.T) {
	b := setupTestBroker(t, 4)
	ch := b.Register("bob")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Serve(ctx) }()

	cancel()
	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	if _, ok := <-ch.Messages(); ok {
		t.Error("expected channel closed at shutdown")
	}
	if b.Register("bob") != nil {
		t.Error("register after shutdown must return nil")
	}
}

func connectWS(t *testing.T, b *Broker, receiverID string) (*websocket.Conn, func()) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(b.HandleWebSocket))
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?receiver_id=" + receiverID

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		server.Close()
		t.Fatalf("failed to connect WebSocket: %v", err)
	}

	return conn, func() {
		conn.Close()
		server.Close()
	}
}

func TestSession_ReceivesWireFormat(t *testing.T) {
	b := setupTestBroker(t, 4)

	conn, cleanup := connectWS(t, b, "bob")
	defer cleanup()

	time.Sleep(50 * time.Millisecond)
	if b.ChannelCount() != 1 {
		t.Fatalf("expected 1 channel, got %d", b.ChannelCount())
	}

	b.Push(note("bob", "E42"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}

	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("invalid frame %s: %v", raw, err)
	}
	for _, key := range []string{"eventId", "receiverId", "eventName", "data", "createdAt"} {
		if _, ok := frame[key]; !ok {
			t.Errorf("frame missing %q: %s", key, raw)
		}
	}
	if frame["eventId"] != "E42" {
		t.Errorf("expected eventId E42, got %v", frame["eventId"])
	}
}

func TestSession_DisconnectUnregisters(t *testing.T) {
	b := setupTestBroker(t, 4)

	conn, cleanup := connectWS(t, b, "bob")
	defer cleanup()
	time.Sleep(50 * time.Millisecond)

	conn.Close()
	time.Sleep(100 * time.Millisecond)

	if b.ChannelCount() != 0 {
		t.Errorf("expected 0 channels after disconnect, got %d", b.ChannelCount())
	}
}

func TestSession_RequiresReceiver(t *testing.T) {
	b := setupTestBroker(t, 4)

	rec := httptest.NewRecorder()
	b.HandleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
