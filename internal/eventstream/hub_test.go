package eventstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/runs"
	"github.com/haasonsaas/toolgate/internal/storage"
	"github.com/haasonsaas/toolgate/pkg/contracts"
)

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) contracts.RunEventV1 {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var event contracts.RunEventV1
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return event
}

func TestHubStreamsFilteredEvents(t *testing.T) {
	bus := runs.NewBus()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	hub := NewHub(bus, Config{Metrics: metrics})
	defer hub.Close()
	server := httptest.NewServer(hub)
	defer server.Close()

	all := dial(t, server, "")
	onlyB := dial(t, server, "runId=run-b")
	waitFor(t, func() bool { return hub.ClientCount() == 2 })
	if got := testutil.ToFloat64(metrics.StreamClients); got != 2 {
		t.Errorf("stream clients gauge = %v", got)
	}

	bus.MarkRunStarted("run-a", runs.TransitionOptions{})
	bus.MarkRunStarted("run-b", runs.TransitionOptions{})

	first := readEvent(t, all)
	second := readEvent(t, all)
	if first.EventID != "run-a:1" || second.EventID != "run-b:1" {
		t.Errorf("unfiltered client got %s, %s", first.EventID, second.EventID)
	}
	if got := readEvent(t, onlyB); got.RunID != "run-b" || got.Type != contracts.EventRunStarted {
		t.Errorf("filtered client got %+v", got)
	}

	_ = all.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 1 })
}

func TestHubReplaysStoredEvents(t *testing.T) {
	bus := runs.NewBus()
	store := storage.NewMemoryRunStore()
	defer storage.NewRecorder(store, bus, nil).Attach()()

	bus.MarkRunStarted("run-1", runs.TransitionOptions{})
	bus.EmitToolStarted(runs.ToolEventInput{RunID: "run-1", ToolName: "read", ToolCallID: "c1"})

	hub := NewHub(bus, Config{Store: store})
	defer hub.Close()
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dial(t, server, "runId=run-1&replay=true")
	for _, want := range []string{"run-1:1", "run-1:2"} {
		if got := readEvent(t, conn); got.EventID != want {
			t.Fatalf("replayed %s, want %s", got.EventID, want)
		}
	}

	waitFor(t, func() bool { return hub.ClientCount() == 1 })
	bus.MarkRunCompleted("run-1", runs.TransitionOptions{})
	if got := readEvent(t, conn); got.EventID != "run-1:3" || got.Type != contracts.EventRunCompleted {
		t.Errorf("live event after replay = %+v", got)
	}
}

func TestHubRejectsReplayWithoutStore(t *testing.T) {
	hub := NewHub(runs.NewBus(), Config{})
	defer hub.Close()

	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?runId=run-1&replay=true", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestHubCheckOrigin(t *testing.T) {
	hub := NewHub(runs.NewBus(), Config{AllowedOrigins: []string{"https://console.example.com"}})
	defer hub.Close()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if !hub.upgrader.CheckOrigin(req) {
		t.Error("request without origin rejected")
	}
	req.Header.Set("Origin", "https://console.example.com")
	if !hub.upgrader.CheckOrigin(req) {
		t.Error("allowed origin rejected")
	}
	req.Header.Set("Origin", "https://evil.example.com")
	if hub.upgrader.CheckOrigin(req) {
		t.Error("foreign origin accepted")
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	bus := runs.NewBus()
	hub := NewHub(bus, Config{BufferSize: 1})
	defer hub.Close()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := hub.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Registered without a write loop, so nothing drains its queue.
		hub.register(&client{
			id:     "slow",
			conn:   conn,
			send:   make(chan outbound, 1),
			closed: make(chan struct{}),
		})
	}))
	defer server.Close()

	dial(t, server, "")
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bus.MarkRunStarted("run-1", runs.TransitionOptions{})
	bus.MarkRunCompleted("run-1", runs.TransitionOptions{})
	for hub.ClientCount() != 0 {
		select {
		case <-ctx.Done():
			t.Fatal("slow client was not dropped")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
