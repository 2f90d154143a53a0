package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/randalmurphal/tmig/internal/events"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 32 * 1024
)

// WSMessage is the client-to-server protocol: subscribe to a project's
// event stream or unsubscribe from it.
type WSMessage struct {
	Type       string `json:"type"` // subscribe, unsubscribe
	ProjectKey string `json:"project_key,omitempty"`
}

// WSHandler upgrades connections and relays workflow events to
// subscribed clients.
type WSHandler struct {
	upgrader    websocket.Upgrader
	publisher   events.Publisher
	logger      *slog.Logger
	mu          sync.RWMutex
	connections map[*websocket.Conn]*wsConnection
}

type wsConnection struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu         sync.Mutex // protects projectKey and eventChan
	projectKey string
	eventChan  <-chan events.Event
}

// NewWSHandler creates a websocket handler over pub. A nil publisher
// still accepts connections; subscribe requests are then answered with
// an error message.
func NewWSHandler(pub events.Publisher, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		publisher:   pub,
		logger:      logger,
		connections: make(map[*websocket.Conn]*wsConnection),
	}
}

// ServeHTTP handles the websocket upgrade. A project query parameter
// subscribes immediately without a subscribe message.
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
	h.connections[conn] = c
	h.mu.Unlock()

	if key := r.URL.Query().Get("project"); key != "" {
		h.subscribe(c, key)
	}

	go h.readPump(c)
	go h.writePump(c)
}

// CloseAll disconnects every client, used on server shutdown.
func (h *WSHandler) CloseAll() {
	h.mu.Lock()
	conns := make([]*wsConnection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.closeConnection(c)
	}
}

// ClientCount reports connected clients.
func (h *WSHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.logger.Error("websocket read failed", "error", err)
			}
			return
		}
		h.handleMessage(c, message)
	}
}

func (h *WSHandler) handleMessage(c *wsConnection, message []byte) {
	var msg WSMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		h.sendError(c, "invalid message")
		return
	}
	switch msg.Type {
	case "subscribe":
		if msg.ProjectKey == "" {
			h.sendError(c, "project_key is required")
			return
		}
		h.subscribe(c, msg.ProjectKey)
	case "unsubscribe":
		h.unsubscribe(c)
	default:
		h.sendError(c, "unknown message type "+msg.Type)
	}
}

func (h *WSHandler) subscribe(c *wsConnection, projectKey string) {
	if h.publisher == nil {
		h.sendError(c, "no live event stream available")
		return
	}
	h.unsubscribe(c)

	ch := h.publisher.Subscribe(projectKey)
	c.mu.Lock()
	c.projectKey = projectKey
	c.eventChan = ch
	c.mu.Unlock()

	go h.relay(c, projectKey, ch)
}

func (h *WSHandler) unsubscribe(c *wsConnection) {
	c.mu.Lock()
	key, ch := c.projectKey, c.eventChan
	c.projectKey, c.eventChan = "", nil
	c.mu.Unlock()
	if ch != nil && h.publisher != nil {
		h.publisher.Unsubscribe(key, ch)
	}
}

// relay forwards events from one subscription to the send channel. It
// exits when the subscription is closed by unsubscribe or publisher
// shutdown.
func (h *WSHandler) relay(c *wsConnection, projectKey string, ch <-chan events.Event) {
	for ev := range ch {
		payload, err := json.Marshal(map[string]any{"type": "event", "event": ev})
		if err != nil {
			h.logger.Error("encode event", "error", err)
			continue
		}
		select {
		case c.send <- payload:
		case <-c.done:
			return
		default:
			// Slow client: drop rather than block the fan-out.
			h.logger.Warn("websocket client lagging, dropping event", "project", projectKey)
		}
	}
}

func (h *WSHandler) sendError(c *wsConnection, message string) {
	payload, _ := json.Marshal(map[string]string{"type": "error", "error": message})
	select {
	case c.send <- payload:
	default:
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
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
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

func (h *WSHandler) closeConnection(c *wsConnection) {
	h.mu.Lock()
	if _, ok := h.connections[c.conn]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.connections, c.conn)
	h.mu.Unlock()

	h.unsubscribe(c)
	close(c.done)
	_ = c.conn.Close()
}
