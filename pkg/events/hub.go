// Package events is the in-process notification bus: typed orchestrator
// events fan out over WebSocket to subscribed clients, with a bounded
// history replayed to late joiners.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// History and keepalive tuning.
const (
	historyLimit      = 100 // events retained overall
	welcomeHistory    = 10  // most recent events sent to a new client
	pingInterval      = 30 * time.Second
	defaultWriteLimit = 5 * time.Second
)

// Connection is one WebSocket subscriber.
//
// filter is accessed without a lock beyond filterMu: subscribe messages
// arrive on the connection's own read loop, but Broadcast reads the filter
// from other goroutines.
type Connection struct {
	ID     string
	Conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	filter   *Filter
	muted    bool
	filterMu sync.RWMutex
}

func (c *Connection) setFilter(f *Filter) {
	c.filterMu.Lock()
	c.filter = f
	c.muted = false
	c.filterMu.Unlock()
}

func (c *Connection) mute() {
	c.filterMu.Lock()
	c.muted = true
	c.filterMu.Unlock()
}

// wants reports whether the event should reach this client.
func (c *Connection) wants(evt *Event) bool {
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()
	if c.muted {
		return false
	}
	return c.filter.Matches(evt)
}

// Hub manages WebSocket connections and event fan-out. Each orchestrator
// process has one Hub instance.
type Hub struct {
	connections map[string]*Connection
	mu          sync.RWMutex

	history   []Event
	historyMu sync.Mutex

	writeTimeout time.Duration
	logger       *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub creates a hub with the default write timeout.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		connections:  make(map[string]*Connection),
		writeTimeout: defaultWriteLimit,
		logger:       logger.With("component", "events"),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the keepalive loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stopCh:
				return
			case <-ticker.C:
				h.pingAll()
			}
		}
	}()
}

// Stop halts the keepalive loop and closes every connection. Idempotent.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()

	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.cancel()
		_ = c.Conn.Close(websocket.StatusGoingAway, "shutting down")
	}
}

// HandleConnection manages the lifecycle of one WebSocket client. Called by
// the HTTP handler after upgrade; blocks until the connection closes.
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:     uuid.NewString(),
		Conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	h.register(c)
	defer h.unregister(c)

	h.sendWelcome(c)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("invalid client message", "connectionId", c.ID, "error", err)
			continue
		}
		h.handleClientMessage(c, &msg)
	}
}

func (h *Hub) handleClientMessage(c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		c.setFilter(msg.Filter)
		h.sendJSON(c, map[string]any{"type": "subscription-confirmed"})
	case "unsubscribe":
		c.mute()
		h.sendJSON(c, map[string]any{"type": "subscription-cleared"})
	case "history":
		for _, evt := range h.snapshotHistory(historyLimit) {
			evt := evt
			if c.wants(&evt) {
				h.sendEvent(c, &evt)
			}
		}
	default:
		h.sendJSON(c, map[string]any{"type": "error", "message": "unknown action"})
	}
}

// Broadcast records the event in history and fans it out to every client
// whose filter matches. Unknown event types are dropped with a log line.
// Send failures are silent to the caller: stale clients are dropped on the
// next ping sweep.
func (h *Hub) Broadcast(eventType string, data map[string]any) {
	if !KnownType(eventType) {
		h.logger.Warn("dropping event of unknown type", "type", eventType)
		return
	}
	evt := Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}
	h.appendHistory(evt)

	// Snapshot under the lock, send outside it.
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if !c.wants(&evt) {
			continue
		}
		h.sendEvent(c, &evt)
	}
}

// ActiveConnections returns the number of connected clients.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// sendWelcome emits the system-health greeting with the client's slice of
// recent history attached.
func (h *Hub) sendWelcome(c *Connection) {
	recent := h.snapshotHistory(welcomeHistory)
	h.sendEvent(c, &Event{
		Type:      EventSystemHealth,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"message":      "connected",
			"connectionId": c.ID,
			"recentEvents": recent,
		},
	})
}

func (h *Hub) appendHistory(evt Event) {
	h.historyMu.Lock()
	defer h.historyMu.Unlock()
	h.history = append(h.history, evt)
	if len(h.history) > historyLimit {
		h.history = h.history[len(h.history)-historyLimit:]
	}
}

// snapshotHistory returns up to n most recent events, oldest first.
func (h *Hub) snapshotHistory(n int) []Event {
	h.historyMu.Lock()
	defer h.historyMu.Unlock()
	start := 0
	if len(h.history) > n {
		start = len(h.history) - n
	}
	return append([]Event(nil), h.history[start:]...)
}

// pingAll keepalives every client and evicts those whose socket no longer
// accepts writes.
func (h *Hub) pingAll() {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		pingCtx, cancel := context.WithTimeout(c.ctx, h.writeTimeout)
		err := c.Conn.Ping(pingCtx)
		cancel()
		if err != nil {
			h.logger.Info("evicting unresponsive client", "connectionId", c.ID)
			h.unregister(c)
		}
	}
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[c.ID] = c
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	delete(h.connections, c.ID)
	h.mu.Unlock()
	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) sendEvent(c *Connection, evt *Event) {
	h.sendJSON(c, evt)
}

// sendJSON marshals and writes with the hub's write timeout. Failures are
// logged, never surfaced to broadcasters.
func (h *Hub) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("marshal event failed", "connectionId", c.ID, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, h.writeTimeout)
	defer cancel()
	if err := c.Conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		h.logger.Warn("send to client failed", "connectionId", c.ID, "error", err)
	}
}
