// Package feed pushes newly stored notifications to connected websocket
// clients. Each connection has its own buffered writer so Push never blocks
// the caller.
package feed

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-notify/internal/authz"
	"github.com/stanstork/stratum-notify/internal/models"
)

const (
	sendBuffer   = 16
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

type client struct {
	conn   *websocket.Conn
	userID string
	send   chan models.Notification
	once   sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*client]struct{}
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// CORS is enforced by the router; tokens authenticate the socket.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "feed").Logger(),
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if conns, ok := h.clients[c.userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, c.userID)
		}
	}
	h.mu.Unlock()
	c.close()
}

// Connections returns the number of open sockets.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, conns := range h.clients {
		total += len(conns)
	}
	return total
}

// Push queues n for the recipient's sockets, or for every socket when n is a
// broadcast. A socket whose buffer is full misses the message.
func (h *Hub) Push(n models.Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	deliver := func(conns map[*client]struct{}) {
		for c := range conns {
			select {
			case c.send <- n:
			default:
				h.logger.Warn().Str("user_id", c.userID).Str("notification_id", n.ID).Msg("feed buffer full, dropping notification")
			}
		}
	}

	if n.IsBroadcast() {
		for _, conns := range h.clients {
			deliver(conns)
		}
		return
	}
	deliver(h.clients[n.UserID])
}

// ServeHTTP upgrades an authenticated request and streams the caller's
// notifications until the socket closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, userID: userID, send: make(chan models.Notification, sendBuffer)}
	h.add(c)
	h.logger.Debug().Str("user_id", userID).Msg("feed connected")

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards client messages and keeps the read deadline fresh on pong.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.remove(c)
		h.logger.Debug().Str("user_id", c.userID).Msg("feed disconnected")
	}()

	c.conn.SetReadLimit(512)
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

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case n, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(n); err != nil {
				h.logger.Warn().Err(err).Str("user_id", c.userID).Msg("feed write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
