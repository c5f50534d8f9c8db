package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"opsline/internal/feed"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

// Envelope is the frame written to websocket clients.
type Envelope struct {
	Topic        string       `json:"topic"`
	Notification *Message     `json:"notification,omitempty"`
	Change       *feed.Change `json:"change,omitempty"`
}

// Hub pushes notifications and store changes to connected websocket clients.
type Hub struct {
	Logger *slog.Logger

	mu       sync.RWMutex
	clients  map[*Client]struct{}
	upgrader websocket.Upgrader
}

// Client is one websocket connection.
type Client struct {
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
	once sync.Once
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		Logger:  logger.With("component", "ws"),
		clients: make(map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Notifier returns the hub as a Notifier.
func (h *Hub) Notifier() Notifier {
	return sender(func(ctx context.Context, m Message) {
		h.broadcast(ctx, Envelope{Topic: "notification", Notification: &m})
	})
}

// Follow forwards every change published on the broker to clients until the returned function is called.
func (h *Hub) Follow(b *feed.Broker) func() {
	return b.Subscribe("", func(c feed.Change) {
		h.broadcast(context.Background(), Envelope{Topic: "change", Change: &c})
	})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(ctx context.Context, env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		h.Logger.WarnContext(ctx, "encode frame failed", "err", err)
		return
	}
	h.mu.RLock()
	var slow []*Client
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		h.Logger.WarnContext(ctx, "dropping slow websocket client")
		h.unregister(c)
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.once.Do(func() { close(c.send) })
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams frames until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.WarnContext(r.Context(), "websocket upgrade failed", "err", err)
		return
	}
	c := &Client{conn: conn, hub: h, send: make(chan []byte, sendBuffer)}
	h.register(c)
	go c.writePump()
	c.readPump()
}

// readPump discards client frames and keeps the read deadline fresh.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
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
