package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"prorata/internal/model"
)

const (
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// hub fans ledger events out to WebSocket clients. It runs on the
// ledger's notification path, so sends never block: a client whose
// buffer is full is dropped.
type hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	logger  *zap.Logger
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newHub(logger *zap.Logger) *hub {
	return &hub{clients: make(map[*wsClient]struct{}), logger: logger}
}

func (h *hub) broadcast(ev model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal event", zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("dropping slow event subscriber")
		}
	}
}

func (h *hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// serveEvents upgrades the connection and streams every ledger event
// as a JSON text message until the client disconnects or falls behind.
func (h *handler) serveEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	h.hub.register(c)
	go c.writeLoop()
	c.readLoop(h.hub)
}

func (c *wsClient) writeLoop() {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	// The hub closed the channel: tell the client why before hanging up.
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "event buffer overflow"))
}

// readLoop discards inbound messages; it exists to notice disconnects
// and process control frames.
func (c *wsClient) readLoop(h *hub) {
	defer c.conn.Close()
	defer h.unregister(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
