package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/randalmurphal/overseer/internal/events"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// WSMessage is the client-to-server control frame.
type WSMessage struct {
	Type   string `json:"type"` // subscribe, unsubscribe, ping
	TaskID string `json:"task_id,omitempty"`
}

// WSHandler manages websocket subscriptions to task topics.
type WSHandler struct {
	upgrader websocket.Upgrader
	bus      *events.Bus
	logger   *slog.Logger

	mu          sync.Mutex
	connections map[*wsConnection]struct{}
}

// wsConnection tracks a single websocket peer and its topic
// subscription. A connection follows at most one task at a time.
type wsConnection struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu     sync.Mutex
	taskID string
	sub    *events.Subscription
	closed bool
}

// NewWSHandler creates a websocket handler over the event bus.
func NewWSHandler(bus *events.Bus, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		bus:         bus,
		logger:      logger,
		connections: make(map[*wsConnection]struct{}),
	}
}

// ServeHTTP upgrades the request and starts the read/write pumps.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsConnection{
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.connections[c] = struct{}{}
	h.mu.Unlock()

	go h.readPump(c)
	go h.writePump(c)
}

func (h *WSHandler) readPump(c *wsConnection) {
	defer h.closeConnection(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("websocket read error", "error", err)
			}
			return
		}
		h.handleMessage(c, message)
	}
}

func (h *WSHandler) writePump(c *wsConnection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) handleMessage(c *wsConnection, data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendError(c, "invalid message format")
		return
	}

	switch msg.Type {
	case "subscribe":
		h.handleSubscribe(c, msg.TaskID)
	case "unsubscribe":
		h.handleUnsubscribe(c)
	case "ping":
		h.sendJSON(c, map[string]any{"type": "pong"})
	default:
		h.sendError(c, "unknown message type: "+msg.Type)
	}
}

func (h *WSHandler) handleSubscribe(c *wsConnection, taskID string) {
	if taskID == "" {
		h.sendError(c, "task_id required for subscribe")
		return
	}
	h.handleUnsubscribe(c)

	sub := h.bus.Subscribe(taskID)
	c.mu.Lock()
	c.taskID = taskID
	c.sub = sub
	c.mu.Unlock()

	go h.forwardEvents(c, taskID, sub)

	h.sendJSON(c, map[string]any{"type": "subscribed", "task_id": taskID})
}

func (h *WSHandler) handleUnsubscribe(c *wsConnection) {
	c.mu.Lock()
	sub := c.sub
	c.taskID = ""
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}

// forwardEvents relays a topic subscription onto the peer until the
// topic closes or the connection goes away.
func (h *WSHandler) forwardEvents(c *wsConnection, taskID string, sub *events.Subscription) {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-sub.C():
			if !ok {
				h.sendJSON(c, map[string]any{"type": "topic_closed", "task_id": taskID})
				return
			}
			h.sendJSON(c, map[string]any{
				"type":    "event",
				"event":   string(ev.Type),
				"task_id": ev.TaskID,
				"data":    ev.Data,
				"time":    ev.Time,
			})
		}
	}
}

func (h *WSHandler) closeConnection(c *wsConnection) {
	h.mu.Lock()
	if _, tracked := h.connections[c]; !tracked {
		h.mu.Unlock()
		return
	}
	delete(h.connections, c)
	h.mu.Unlock()

	h.handleUnsubscribe(c)

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	c.mu.Unlock()

	_ = c.conn.Close()
}

func (h *WSHandler) sendJSON(c *wsConnection, data any) {
	msg, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("marshal websocket message", "error", err)
		return
	}
	select {
	case c.send <- msg:
	default:
		h.logger.Warn("websocket send buffer full, dropping message")
	}
}

func (h *WSHandler) sendError(c *wsConnection, message string) {
	h.sendJSON(c, map[string]any{"type": "error", "error": message})
}

// ConnectionCount returns the number of active connections.
func (h *WSHandler) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// Close closes all connections.
func (h *WSHandler) Close() {
	h.mu.Lock()
	conns := make([]*wsConnection, 0, len(h.connections))
	for c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.closeConnection(c)
	}
}
