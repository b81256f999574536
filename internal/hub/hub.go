// Package hub fans consolidated snapshots out to WebSocket subscribers.
// Each subscriber owns a bounded outbound queue drained by a dedicated
// writer goroutine; a subscriber that cannot keep up is disconnected so
// the producer side never blocks.
package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aitrios-samples/people-monitor/internal/logger"
	"github.com/aitrios-samples/people-monitor/internal/metrics"
	"github.com/aitrios-samples/people-monitor/pkg/types"
)

const (
	// DefaultQueueSize bounds each subscriber's outbound snapshot queue.
	DefaultQueueSize = 8

	// DefaultHeartbeat matches the original monitor's 0.5 s refresh.
	DefaultHeartbeat = 500 * time.Millisecond

	writeTimeout = 10 * time.Second
)

// SnapshotFunc produces the consolidated snapshot to broadcast.
type SnapshotFunc func() types.Snapshot

type client struct {
	id   int
	conn *websocket.Conn

	// send is never closed: the pong path enqueues without holding the
	// hub lock, and a send case on a closed channel panics even inside a
	// select with a default. done signals the writer to exit instead.
	send chan []byte
	done chan struct{}
}

// Hub manages the set of active subscribers and the broadcast loop.
type Hub struct {
	snapshot  SnapshotFunc
	heartbeat time.Duration
	queueSize int
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	clients map[int]*client
	nextID  int
	stopped bool

	kick chan struct{}
	stop chan struct{}
}

// New creates a hub; Start begins the broadcast loop.
func New(snapshot SnapshotFunc, heartbeat time.Duration, queueSize int, m *metrics.Metrics) *Hub {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		snapshot:  snapshot,
		heartbeat: heartbeat,
		queueSize: queueSize,
		metrics:   m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Monitor pages may be served from another origin in dev setups.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[int]*client),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// Start begins the broadcast loop.
func (h *Hub) Start() {
	go h.run()
}

// Stop halts the broadcast loop and disconnects all subscribers.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.stopped {
		close(h.stop)
		h.stopped = true
	}
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.done)
		_ = c.conn.Close()
	}
	h.mu.Unlock()
}

// Notify schedules one broadcast. Calls are coalesced: many state changes
// between two broadcast passes produce a single snapshot.
func (h *Hub) Notify() {
	select {
	case h.kick <- struct{}{}:
	default:
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) run() {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-h.kick:
			h.broadcast()
		case <-ticker.C:
			h.broadcast()
		}
	}
}

// broadcast serializes one snapshot and enqueues it to every subscriber.
// The payload is marshalled once, not per subscriber. A subscriber whose
// queue is full is dropped; delivery to the others is unaffected.
func (h *Hub) broadcast() {
	h.mu.Lock()
	count := len(h.clients)
	h.mu.Unlock()
	if count == 0 {
		return
	}

	data, err := json.Marshal(h.snapshot())
	if err != nil {
		logger.Error("Hub", "Snapshot marshal error: %v", err)
		return
	}

	h.mu.Lock()
	for id, c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Queue full: the subscriber is too slow, treat the
			// connection as dead rather than backpressure ingestion.
			logger.Info("Hub", "Dropping slow subscriber #%d", id)
			if h.metrics != nil {
				h.metrics.SubscriberDrops.Add(1)
			}
			h.removeLocked(id)
		}
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SnapshotsBroadcast.Add(1)
	}
}

// ServeHTTP upgrades the connection and registers the subscriber. The new
// subscriber immediately receives one full snapshot so it is never left in
// an uninitialized view.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Hub", "WebSocket upgrade failed: %v", err)
		return
	}

	initial, err := json.Marshal(h.snapshot())
	if err != nil {
		logger.Error("Hub", "Snapshot marshal error: %v", err)
		_ = conn.Close()
		return
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	id := h.nextID
	h.nextID++
	c := &client{id: id, conn: conn, send: make(chan []byte, h.queueSize), done: make(chan struct{})}
	h.clients[id] = c
	c.send <- initial
	total := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.TotalSubscribers.Add(1)
		h.metrics.ActiveSubscribers.Store(uint64(total))
	}
	logger.Info("Hub", "Subscriber #%d connected (total: %d)", id, total)

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("Hub", "Subscriber #%d write failed: %v", c.id, err)
				if h.metrics != nil {
					h.metrics.SubscriberDrops.Add(1)
				}
				h.remove(c.id)
				return
			}
		}
	}
}

// readLoop serves liveness probes. A {"type":"ping"} message gets a
// {"type":"pong"} reply through the subscriber's own queue; probes never
// touch device state.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c.id)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("Hub", "Subscriber #%d sent invalid JSON", c.id)
			continue
		}
		if msg.Type != "ping" {
			continue
		}

		pong, _ := json.Marshal(map[string]any{
			"type":      "pong",
			"timestamp": float64(time.Now().UnixNano()) / float64(time.Second),
		})
		select {
		case c.send <- pong:
		default:
			return
		}
	}
}

func (h *Hub) remove(id int) {
	h.mu.Lock()
	h.removeLocked(id)
	active := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ActiveSubscribers.Store(uint64(active))
	}
}

func (h *Hub) removeLocked(id int) {
	c, ok := h.clients[id]
	if !ok {
		return
	}
	delete(h.clients, id)
	close(c.done)
	_ = c.conn.Close()
	logger.Debug("Hub", "Subscriber #%d removed (remaining: %d)", id, len(h.clients))
}
