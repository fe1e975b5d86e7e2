package web

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	appLog "orgcal/internal/log"
	"orgcal/internal/orchestrator"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is served to any origin; basic auth guards it when enabled.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// snapshotMessage is what subscribers receive on every refresh.
type snapshotMessage struct {
	Type     string                 `json:"type"`
	Snapshot *orchestrator.Snapshot `json:"snapshot"`
}

// Hub fans snapshots out to the websocket subscribers of each organization.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	orgID string
	conn  *websocket.Conn
	send  chan []byte
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Clients returns the number of subscribers of orgID.
func (h *Hub) Clients(orgID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.orgID == orgID {
			n++
		}
	}
	return n
}

// Broadcast queues snap for every subscriber of its organization. A
// subscriber whose queue is full is disconnected.
func (h *Hub) Broadcast(snap *orchestrator.Snapshot) {
	data, err := json.Marshal(snapshotMessage{Type: "snapshot", Snapshot: snap})
	if err != nil {
		appLog.Error("ws: marshal snapshot", err, "org", snap.OrgID)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.orgID != snap.OrgID {
			continue
		}
		select {
		case c.send <- data:
		default:
			appLog.Warn("ws: slow subscriber dropped", "org", c.orgID)
			h.removeLocked(c)
		}
	}
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// subscribe registers c and queues the snapshot current returns as its
// first message. Both happen under the hub lock, so every later Broadcast
// is queued behind it.
func (h *Hub) subscribe(c *client, current func() *orchestrator.Snapshot) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false, nil
	}
	data, err := json.Marshal(snapshotMessage{Type: "snapshot", Snapshot: current()})
	if err != nil {
		return false, err
	}
	c.send <- data
	h.clients[c] = struct{}{}
	return true, nil
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// handleWS streams snapshots of the organization, starting with the
// current one.
//
// GET /api/orgs/{orgID}/ws
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	built, err := s.snapshot(r)
	if err != nil {
		s.fail(w, "subscribe", err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		appLog.Warn("ws: upgrade failed", "err", err.Error())
		return
	}

	c := &client{
		orgID: orgID,
		conn:  conn,
		send:  make(chan []byte, clientSendSize),
	}
	// The snapshot is read again once registered so a refresh that landed
	// after the one above is not lost.
	ok, err := s.hub.subscribe(c, func() *orchestrator.Snapshot {
		if snap, ok := s.orch.Snapshot(orgID); ok {
			return snap
		}
		return built
	})
	if err != nil {
		appLog.Error("ws: marshal snapshot", err, "org", orgID)
	}
	if !ok {
		_ = conn.Close()
		return
	}
	appLog.Debug("ws: subscriber connected", "org", c.orgID, "remote", conn.RemoteAddr().String())

	go c.writePump()
	go c.readPump(s.hub)
}

// readPump discards client messages and detects disconnects.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				appLog.Warn("ws: read error", "org", c.orgID, "err", err.Error())
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
