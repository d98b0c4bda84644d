package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"nhooyr.io/websocket"

	"github.com/fieldscan/fieldscan/internal/auth"
	"github.com/fieldscan/fieldscan/internal/notifications"
)

// ──────────────────── WebSocket Hub ────────────────────

// WSHub fans pipeline events out to connected clients. It satisfies
// notifications.Notifier, so the orchestrator broadcasts through it
// without knowing about sockets.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*WSClient]bool

	scanMu     sync.RWMutex
	activeScan json.RawMessage // last lifecycle payload while a scan runs
}

type WSClient struct {
	conn *websocket.Conn
	send chan []byte
}

type WSMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

func NewWSHub() *WSHub {
	return &WSHub{clients: make(map[*WSClient]bool)}
}

// Broadcast sends an event to every client. Sends never block: a client
// that cannot keep up misses events rather than stalling the scan.
func (h *WSHub) Broadcast(event string, data interface{}) {
	msg, err := json.Marshal(WSMessage{Event: event, Data: data})
	if err != nil {
		return
	}
	h.trackScan(event, msg)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
		}
	}
}

// trackScan keeps the latest lifecycle payload so a client connecting
// mid-run immediately sees the current scan state. Only one scan runs at
// a time, so tracking by event name suffices.
func (h *WSHub) trackScan(event string, raw []byte) {
	h.scanMu.Lock()
	defer h.scanMu.Unlock()
	switch event {
	case notifications.EventScanStart, notifications.EventScanProgress:
		h.activeScan = json.RawMessage(raw)
	case notifications.EventScanComplete, notifications.EventScanAborted, notifications.EventReset:
		h.activeScan = nil
	}
}

// replayActiveScan pushes the current scan state to a new client.
func (h *WSHub) replayActiveScan(client *WSClient) {
	h.scanMu.RLock()
	defer h.scanMu.RUnlock()
	if h.activeScan == nil {
		return
	}
	select {
	case client.send <- h.activeScan:
	default:
	}
}

func (h *WSHub) addClient(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *WSHub) removeClient(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ──────────────────── WebSocket Handler ────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	token := auth.ExtractToken(r)
	if token == "" || !s.sessionValid(token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("API: websocket accept: %v", err)
		return
	}

	client := &WSClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.hub.addClient(client)
	s.hub.replayActiveScan(client)
	log.Printf("API: websocket client connected (%d active)", s.hub.ClientCount())

	ctx := r.Context()

	// Writer goroutine
	go func() {
		defer conn.Close(websocket.StatusNormalClosure, "")
		for msg := range client.send {
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}()

	// Reader loop keeps the connection alive and drains pings.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}

	s.hub.removeClient(client)
	log.Printf("API: websocket client disconnected (%d active)", s.hub.ClientCount())
}

func (s *Server) sessionValid(token string) bool {
	var exp int64
	err := s.db.QueryRow("SELECT expires_at FROM sessions WHERE token = $1", token).Scan(&exp)
	if err != nil {
		return false
	}
	return !auth.IsTokenExpired(exp)
}
