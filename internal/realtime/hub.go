// Package realtime is the gateway's websocket hub: once a client has
// exchanged its one-shot connection ticket (C8) for an upgraded socket, the
// hub owns that socket for the session's lifetime and fans out pushes a
// grain wants delivered out-of-band, independent of the request/response
// actor-call path (spec.md §4.8's "real-time channel"). The read/send/ping
// loop shape is the same one the coordinator's websocket client uses,
// turned around for the server side of the handshake.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	titanerrors "github.com/titan-game/titan/infrastructure/errors"
	"github.com/titan-game/titan/infrastructure/logging"
	"github.com/titan-game/titan/infrastructure/utils"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	sendBufferSize = 32
)

// Upgrader is shared across all connections; CheckOrigin is overridden by
// callers that need to restrict the accepted origin set.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Connection is one upgraded client socket, registered under the user id
// that owned the connection ticket consumed to establish it.
type Connection struct {
	hub    *Hub
	userID string
	conn   *websocket.Conn
	send   chan []byte

	closeOnce sync.Once
}

// Hub fans messages out to connections by user id. One Hub per gateway
// process; safe for concurrent use.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{}
	logger      *logging.Logger
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[string]map[*Connection]struct{}),
		logger:      logging.NewFromEnv("realtime"),
	}
}

// Upgrade promotes an HTTP request to a websocket connection already
// authenticated by the caller (the gateway validates the connection ticket
// before calling this), registers it under userID, and starts its
// read/write pumps. It returns once the connection is registered; the pumps
// run until the socket closes.
func (h *Hub) Upgrade(ctx context.Context, w http.ResponseWriter, r *http.Request, userID string) error {
	wsConn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return titanerrors.Internal("upgrading websocket connection", err)
	}

	c := &Connection{hub: h, userID: userID, conn: wsConn, send: make(chan []byte, sendBufferSize)}
	h.register(c)

	utils.SafeGo(c.writePump, func(err error) { h.logger.Error(ctx, "write pump panicked for user "+userID, err, nil) })
	utils.SafeGo(c.readPump, func(err error) { h.logger.Error(ctx, "read pump panicked for user "+userID, err, nil) })
	return nil
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.connections[c.userID]
	if !ok {
		set = make(map[*Connection]struct{})
		h.connections[c.userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.connections[c.userID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.connections, c.userID)
	}
}

// Send delivers payload to every connection currently open for userID.
// Returns the number of connections it was queued to; zero means the user
// has no open socket right now, which callers should treat as a normal,
// non-error condition (the push is simply dropped).
func (h *Hub) Send(userID string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.connections[userID]
	delivered := 0
	for c := range set {
		select {
		case c.send <- payload:
			delivered++
		default:
			h.logger.Warn("dropping push to slow consumer, send buffer full")
		}
	}
	return delivered
}

// Broadcast delivers payload to every open connection across every user.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, set := range h.connections {
		for c := range set {
			select {
			case c.send <- payload:
			default:
				h.logger.Warn("dropping broadcast to slow consumer, send buffer full")
			}
		}
	}
}

// ConnectionCount reports the number of sockets open for userID.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[userID])
}

func (c *Connection) readPump() {
	defer c.close()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
		close(c.send)
	})
}
