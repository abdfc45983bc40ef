package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Muscled-clients-repo/unpuzzle-mvp-sub007/internal/infra/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 10
	sendBuffer     = 32
)

// CommandHandler processes one inbound message from a connected client.
type CommandHandler func(ctx context.Context, userID string, raw []byte) error

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

// stop ends both pumps. The send channel is never closed so concurrent
// publishers cannot panic; they bail out on done instead.
func (c *client) stop() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Hub keeps at most one live connection per user and pushes that user's job
// events to it. A reconnect replaces the previous connection; a client that
// stops draining its buffer is dropped. Events for offline users are not
// queued.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*client

	upgrader websocket.Upgrader
	handler  CommandHandler
	logger   *zap.Logger
}

func NewHub(handler CommandHandler, logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary app origins; access
			// control happens upstream of this service.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		handler: handler,
		logger:  logger,
	}
}

// ServeWS upgrades one HTTP request into the user's event connection. The
// userId query parameter names the channel.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId query parameter required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	c := &client{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	h.register(c)

	go c.writePump()
	c.readPump(h)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	old := h.clients[c.userID]
	h.clients[c.userID] = c
	n := len(h.clients)
	h.mu.Unlock()

	if old != nil {
		old.stop()
		h.logger.Info("websocket connection replaced", zap.String("user_id", c.userID))
	} else {
		h.logger.Info("websocket connected", zap.String("user_id", c.userID))
	}
	metrics.WSClients.Set(float64(n))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if h.clients[c.userID] == c {
		delete(h.clients, c.userID)
	}
	n := len(h.clients)
	h.mu.Unlock()

	c.stop()
	metrics.WSClients.Set(float64(n))
}

func (c *client) readPump(h *Hub) {
	defer h.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read ended", zap.String("user_id", c.userID), zap.Error(err))
			}
			return
		}
		if h.handler == nil {
			continue
		}
		if err := h.handler(context.Background(), c.userID, raw); err != nil {
			h.logger.Warn("client command failed", zap.String("user_id", c.userID), zap.Error(err))
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Publish implements port.EventSink. The event is serialized once and
// dropped silently when the user has no connection. A full send buffer
// means the client stopped reading; it gets disconnected rather than
// stalling everyone else's fan-out.
func (h *Hub) Publish(_ context.Context, userID string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("event marshal failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	h.mu.Lock()
	c := h.clients[userID]
	h.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.done:
	case c.send <- data:
	default:
		h.logger.Warn("websocket send buffer full, dropping client", zap.String("user_id", userID))
		h.unregister(c)
	}
}

// ClientCount reports connected users.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client. Used during shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.stop()
	}
	metrics.WSClients.Set(0)
}
