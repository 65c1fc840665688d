package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tokenflow/tokenbridge/internal/model"
	"github.com/tokenflow/tokenbridge/internal/store"
)

func newTestHub(t *testing.T, s store.SnapshotStore) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(s, zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.Subscribe(w, r)
	}))
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

func waitForCount(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Count() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscriber count never reached %d (now %d)", want, h.Count())
}

func TestHub_ChangeNotification(t *testing.T) {
	h, srv := newTestHub(t, store.NewMemoryStore())

	conn := dial(t, srv)
	waitForCount(t, h, 1)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.Broadcast("demo", 2, at)

	var msg ChangeMessage
	if err := json.Unmarshal(readMessage(t, conn), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != MessageTypeTokenData {
		t.Fatalf("type = %q", msg.Type)
	}
	if msg.ProjectID != "demo" || msg.TokenCount != 2 || !msg.Timestamp.Equal(at) {
		t.Fatalf("unexpected notification: %+v", msg)
	}
}

func TestHub_EmptyStoreSendsNoJoinDump(t *testing.T) {
	h, srv := newTestHub(t, store.NewMemoryStore())

	conn := dial(t, srv)
	waitForCount(t, h, 1)

	// The only message a subscriber of an empty relay should ever see is
	// the next change notification, never an empty join dump.
	h.Broadcast("first", 1, time.Now())
	var msg ChangeMessage
	if err := json.Unmarshal(readMessage(t, conn), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != MessageTypeTokenData || msg.ProjectID != "first" {
		t.Fatalf("expected change notification first, got %+v", msg)
	}
}

func TestHub_JoinDumpReplaysCurrentState(t *testing.T) {
	s := store.NewMemoryStore()
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	s.Put("alpha", &model.Snapshot{
		Filtered:    &model.FilteredTokens{CleanTokens: map[string]any{"a": "1"}},
		ExtractedAt: at,
	})
	s.Put("beta", &model.Snapshot{
		Filtered:    &model.FilteredTokens{CleanTokens: map[string]any{"b": "2", "c": "3"}},
		ExtractedAt: at.Add(time.Minute),
	})

	_, srv := newTestHub(t, s)
	conn := dial(t, srv)

	var dump AllProjectsMessage
	if err := json.Unmarshal(readMessage(t, conn), &dump); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if dump.Type != MessageTypeAllProjects {
		t.Fatalf("type = %q", dump.Type)
	}
	if len(dump.Projects) != 2 {
		t.Fatalf("expected 2 projects in join dump, got %d", len(dump.Projects))
	}
	alpha, ok := dump.Projects["alpha"]
	if !ok || alpha.Data.TokenCount() != 1 || !alpha.Timestamp.Equal(at) {
		t.Fatalf("unexpected alpha state: %+v", alpha)
	}
	if dump.Projects["beta"].Data.TokenCount() != 2 {
		t.Fatalf("unexpected beta state: %+v", dump.Projects["beta"])
	}
}

func TestHub_EvictsClosedSubscribers(t *testing.T) {
	h, srv := newTestHub(t, store.NewMemoryStore())

	stay := dial(t, srv)
	leave := dial(t, srv)
	waitForCount(t, h, 2)

	_ = leave.Close()
	waitForCount(t, h, 1)

	h.Broadcast("demo", 1, time.Now())
	var msg ChangeMessage
	if err := json.Unmarshal(readMessage(t, stay), &msg); err != nil {
		t.Fatalf("surviving subscriber should still receive: %v", err)
	}
	if msg.ProjectID != "demo" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestHub_BroadcastReturnsDeliveredCount(t *testing.T) {
	h, srv := newTestHub(t, store.NewMemoryStore())

	if got := h.Broadcast("demo", 1, time.Now()); got != 0 {
		t.Fatalf("no subscribers: delivered = %d, want 0", got)
	}

	dial(t, srv)
	dial(t, srv)
	waitForCount(t, h, 2)

	if got := h.Broadcast("demo", 1, time.Now()); got != 2 {
		t.Fatalf("delivered = %d, want 2", got)
	}
}

func TestHub_BroadcastReachesAllSubscribers(t *testing.T) {
	h, srv := newTestHub(t, store.NewMemoryStore())

	first := dial(t, srv)
	second := dial(t, srv)
	waitForCount(t, h, 2)

	h.Broadcast("demo", 3, time.Now())
	for _, conn := range []*websocket.Conn{first, second} {
		var msg ChangeMessage
		if err := json.Unmarshal(readMessage(t, conn), &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.TokenCount != 3 {
			t.Fatalf("unexpected token count: %+v", msg)
		}
	}
}
