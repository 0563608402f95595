// Package eventstream serves run events to websocket clients.
//
// Clients connect to the hub's path, optionally filtering on ?runId=, and
// receive each run event as one JSON text frame. With ?replay=true and a run
// id, events already recorded for the run are sent first. A client whose
// buffer fills up is disconnected rather than slowing the emitter.
package eventstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/runs"
	"github.com/haasonsaas/toolgate/internal/storage"
	"github.com/haasonsaas/toolgate/pkg/contracts"
)

const (
	maxPayloadBytes = 4 << 10
	pongWait        = 45 * time.Second
	pingPeriod      = 30 * time.Second
	writeWait       = 10 * time.Second
)

// Config configures a Hub.
type Config struct {
	// BufferSize is the per-client queue length. Defaults to 64.
	BufferSize int
	// AllowedOrigins restricts browser origins. Empty allows any.
	AllowedOrigins []string
	// Store enables ?replay=true.
	Store   storage.RunStore
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Hub fans bus events out to websocket clients.
type Hub struct {
	upgrader   websocket.Upgrader
	bufferSize int
	store      storage.RunStore
	logger     *slog.Logger
	metrics    *observability.Metrics

	mu          sync.RWMutex
	clients     map[string]*client
	unsubscribe func()
}

type outbound struct {
	seq  uint64
	data []byte
}

type client struct {
	id     string
	runID  string
	conn   *websocket.Conn
	send   chan outbound
	once   sync.Once
	closed chan struct{}
	// skipThrough drops live events already sent during replay.
	skipThrough uint64
}

// NewHub creates a hub and subscribes it to bus.
func NewHub(bus *runs.Bus, cfg Config) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		bufferSize: cfg.BufferSize,
		store:      cfg.Store,
		logger:     logger.With("component", "eventstream"),
		metrics:    cfg.Metrics,
		clients:    make(map[string]*client),
	}
	origins := slices.Clone(cfg.AllowedOrigins)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 8192,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if len(origins) == 0 || origin == "" {
				return true
			}
			return slices.Contains(origins, "*") || slices.Contains(origins, origin)
		},
	}
	h.unsubscribe = bus.OnRunEvent(h.broadcast)
	return h
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close detaches the hub from the bus and disconnects every client.
func (h *Hub) Close() {
	h.unsubscribe()
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.drop(c)
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	runID := strings.TrimSpace(query.Get("runId"))
	replay, _ := strconv.ParseBool(query.Get("replay"))
	if replay && (runID == "" || h.store == nil) {
		http.Error(w, "replay requires runId and a run store", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{
		id:     uuid.NewString(),
		runID:  runID,
		conn:   conn,
		send:   make(chan outbound, h.bufferSize),
		closed: make(chan struct{}),
	}

	h.register(c)
	defer h.drop(c)

	if replay {
		if err := h.replay(r.Context(), c); err != nil {
			h.logger.Debug("event replay failed", "client_id", c.id, "run_id", runID, "error", err)
			return
		}
	}
	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.metrics.StreamClientConnected()
	h.logger.Debug("event stream client connected", "client_id", c.id, "run_id", c.runID)
}

// drop unregisters c and closes its connection. It is safe to call more than once.
func (h *Hub) drop(c *client) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		close(c.closed)
		_ = c.conn.Close()
		h.metrics.StreamClientDisconnected()
		h.logger.Debug("event stream client disconnected", "client_id", c.id)
	})
}

// replay writes the stored history of c.runID before live delivery starts.
// Live events queue in c.send meanwhile.
func (h *Hub) replay(ctx context.Context, c *client) error {
	events, err := h.store.Events(ctx, c.runID, 0)
	if err != nil {
		return err
	}
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if err := write(c.conn, websocket.TextMessage, data); err != nil {
			return err
		}
		c.skipThrough = max(c.skipThrough, runs.EventSeq(event.EventID))
	}
	return nil
}

func (h *Hub) broadcast(event contracts.RunEventV1) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.runID == "" || c.runID == event.RunID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("failed to encode run event", "event_id", event.EventID, "error", err)
		return
	}
	msg := outbound{seq: runs.EventSeq(event.EventID), data: data}
	for _, c := range targets {
		select {
		case c.send <- msg:
		case <-c.closed:
		default:
			h.logger.Warn("event stream client too slow, disconnecting", "client_id", c.id)
			h.drop(c)
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer h.drop(c)

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if c.runID != "" && msg.seq != 0 && msg.seq <= c.skipThrough {
				continue
			}
			if err := write(c.conn, websocket.TextMessage, msg.data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(c.conn, websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop consumes control frames until the client goes away. Clients do
// not send anything meaningful.
func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(maxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func write(conn *websocket.Conn, messageType int, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	return conn.WriteMessage(messageType, data)
}
