package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
	sendBuffer = 32
)

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type session struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub relays dashboard events to all connected websocket sessions. It keeps
// no state beyond the session set; the current connection snapshot is pulled
// from the provider when a session attaches.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	snapshot func() any

	mu       sync.RWMutex
	sessions map[*session]struct{}
}

// New creates a Hub. snapshot provides the payload for the initial status
// event pushed to each new session; it may be nil.
func New(logger *slog.Logger, snapshot func() any) *Hub {
	return &Hub{
		logger: logger.With("component", "relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		snapshot: snapshot,
		sessions: make(map[*session]struct{}),
	}
}

// Broadcast pushes an event to every connected session. Sessions that
// cannot keep up are dropped.
func (h *Hub) Broadcast(event string, data any) {
	payload, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		h.logger.Error("failed encoding event", "error", err, "event", event)
		return
	}

	h.mu.RLock()
	var stale []*session
	for s := range h.sessions {
		select {
		case s.send <- payload:
		default:
			stale = append(stale, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		h.logger.Warn("dropping slow dashboard session")
		h.unregister(s)
	}
}

// SessionCount reports the number of attached dashboard sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ServeHTTP upgrades the request and attaches a dashboard session.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := &session{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("dashboard session connected", "remote", conn.RemoteAddr().String())

	if h.snapshot != nil {
		if payload, err := json.Marshal(envelope{Event: "status", Data: h.snapshot()}); err == nil {
			s.send <- payload
		}
	}

	go h.writePump(s)
	h.readPump(s)
}

func (h *Hub) readPump(s *session) {
	defer h.unregister(s)
	s.conn.SetReadLimit(1024)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		// The dashboard never sends application messages; reads only
		// service control frames and detect disconnects.
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(s *session) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case payload, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.unregister(s)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(s)
				return
			}
		}
	}
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	if ok {
		delete(h.sessions, s)
		close(s.send)
	}
	h.mu.Unlock()
	if ok {
		_ = s.conn.Close()
	}
}
