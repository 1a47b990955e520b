package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kinboardBack/internal/models"
)

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// TicketVerifier exchanges a short-lived ticket for the user it was issued
// to. Browsers cannot set Authorization headers on websocket upgrades, so the
// ticket rides in the query string instead.
type TicketVerifier interface {
	VerifyTicket(ticket string) (int, error)
}

// EntitlementEvent is the wire shape pushed to a connected device when its
// entitlement snapshot changes.
type EntitlementEvent struct {
	Type        string                  `json:"type"`
	Entitled    bool                    `json:"entitled"`
	Entitlement models.EntitlementState `json:"entitlement"`
}

// Hub manages entitlement push connections, one live connection per user. A
// reconnect replaces the previous connection.
type Hub struct {
	upgrader websocket.Upgrader
	tickets  TicketVerifier
	logger   Logger

	mu    sync.RWMutex
	conns map[int]*websocket.Conn
	wmu   map[int]*sync.Mutex
}

func NewHub(tickets TicketVerifier, logger Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		tickets:  tickets,
		logger:   logger,
		conns:    make(map[int]*websocket.Conn),
		wmu:      make(map[int]*sync.Mutex),
	}
}

// ServeWS upgrades the connection after validating the ticket query param.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, err := h.tickets.VerifyTicket(r.URL.Query().Get("ticket"))
	if err != nil {
		http.Error(w, "invalid or expired ticket", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("entitlement ws upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	if old, ok := h.conns[userID]; ok {
		_ = old.Close()
	}
	h.conns[userID] = conn
	if _, ok := h.wmu[userID]; !ok {
		h.wmu[userID] = &sync.Mutex{}
	}
	h.mu.Unlock()

	go h.readLoop(userID, conn)
}

func (h *Hub) readLoop(userID int, conn *websocket.Conn) {
	defer func() {
		conn.Close()
		h.mu.Lock()
		if h.conns[userID] == conn {
			delete(h.conns, userID)
			delete(h.wmu, userID)
		}
		h.mu.Unlock()
	}()

	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		if mt == websocket.TextMessage {
			trimmed := strings.TrimSpace(string(msg))
			if strings.EqualFold(trimmed, "ping") {
				_ = conn.WriteMessage(websocket.TextMessage, []byte("pong"))
			}
		}
	}
}

func (h *Hub) safeWrite(userID int, writer func(*websocket.Conn) error) {
	h.mu.RLock()
	conn := h.conns[userID]
	mu := h.wmu[userID]
	h.mu.RUnlock()
	if conn == nil || mu == nil {
		return
	}

	mu.Lock()
	defer mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := writer(conn); err != nil {
		h.logger.Errorf("entitlement ws user %d write failed: %v", userID, err)
	}
}

// Push sends the latest entitlement snapshot to the user's device if it is
// connected. Best-effort: a disconnected device catches up over HTTP.
func (h *Hub) Push(userID int, entitled bool, st models.EntitlementState) {
	data, err := json.Marshal(EntitlementEvent{
		Type:        "entitlement_updated",
		Entitled:    entitled,
		Entitlement: st,
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	_, ok := h.conns[userID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	h.safeWrite(userID, func(conn *websocket.Conn) error {
		return conn.WriteMessage(websocket.TextMessage, data)
	})
}
