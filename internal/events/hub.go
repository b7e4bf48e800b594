// Package events streams ledger changes to WebSocket subscribers.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/lending-engine/internal/metrics"
)

// Event types.
const (
	TypePosition   = "position_updated"
	TypePrice      = "price_updated"
	TypeLiquidated = "liquidated"
	TypeWithdrawal = "withdrawal"
)

// Event is a JSON message sent to WebSocket clients.
type Event struct {
	Type       string    `json:"type"`
	UserID     string    `json:"user_id,omitempty"`
	Collateral *uint64   `json:"collateral,omitempty"`
	Debt       *uint64   `json:"debt,omitempty"`
	Price      string    `json:"price,omitempty"` // USD, two decimals
	IntentID   string    `json:"intent_id,omitempty"`
	State      string    `json:"state,omitempty"`
	At         time.Time `json:"at"`
}

// Subscriber is the identity a client connected with. Events that carry a
// user ID reach only that user, unless All is set; events without one reach
// everybody.
type Subscriber struct {
	UserID string
	All    bool
}

func (s Subscriber) wants(owner string) bool {
	return s.All || owner == "" || owner == s.UserID
}

type message struct {
	owner string
	data  []byte
}

type client struct {
	conn *websocket.Conn
	sub  Subscriber
}

// Hub manages WebSocket connections and fans events out to subscribers.
type Hub struct {
	clients    map[*websocket.Conn]Subscriber
	broadcast  chan message
	register   chan client
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a new hub. Call Run before serving connections.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]Subscriber),
		broadcast:  make(chan message, 256),
		register:   make(chan client),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing
// every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.sub
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "user", c.sub.UserID, "total", n)

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn, sub := range h.clients {
				if !sub.wants(msg.owner) {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues ev for the clients allowed to see it. Never blocks; events
// are dropped when the buffer is full.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- message{owner: ev.UserID, data: data}:
	default:
		slog.Warn("event dropped, broadcast buffer full", "type", ev.Type)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Handler upgrades GET /api/v1/ws for the subscriber identify resolves from
// the request. Clients only receive; anything they send is discarded.
func (h *Hub) Handler(identify func(*http.Request) Subscriber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, identify(r))
	}
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, sub Subscriber) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- client{conn: conn, sub: sub}:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
