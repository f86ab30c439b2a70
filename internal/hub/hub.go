// Package hub fans supervisor events out to control clients over
// WebSocket. Lifecycle and task events broadcast to everyone; log entries
// go only to clients subscribed to the emitting worker. Each client is one
// session with its own write pump and liveness bit.
package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mcpfleet/fleet/internal/log"
	"github.com/mcpfleet/fleet/internal/wire"
)

// DefaultHeartbeatInterval is how often clients are pinged. A client that
// missed the previous ping is terminated on the next tick.
const DefaultHeartbeatInterval = 30 * time.Second

const sendBufferSize = 256

// CommandHandler receives every client command the hub does not consume
// itself (the log subscription commands stay local).
type CommandHandler interface {
	HandleCommand(clientID string, cmd wire.Command)
}

// session is one connected control client.
type session struct {
	id    string
	conn  *websocket.Conn
	send  chan []byte
	alive atomic.Bool

	mu   sync.Mutex
	subs map[string]struct{} // workerIds subscribed for logs
}

func (s *session) subscribe(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[workerID] = struct{}{}
}

func (s *session) unsubscribe(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, workerID)
}

func (s *session) subscribed(workerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[workerID]
	return ok
}

// Hub owns all client sessions. It is the only writer to their sinks.
type Hub struct {
	handler   CommandHandler
	upgrader  websocket.Upgrader
	heartbeat time.Duration

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool

	done chan struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithHeartbeat overrides the ping interval.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Hub) {
		h.heartbeat = d
	}
}

// New creates a hub and starts its heartbeat loop.
func New(handler CommandHandler, opts ...Option) *Hub {
	h := &Hub{
		handler:   handler,
		heartbeat: DefaultHeartbeatInterval,
		sessions:  make(map[string]*session),
		done:      make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The supervisor carries no client auth; origin checks are
			// the embedding server's concern.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	log.SafeGo("hub.heartbeat", h.heartbeatLoop)
	return h
}

// ServeHTTP upgrades one control connection and runs it until it drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.ErrorErr(log.CatHub, "upgrade failed", err)
		return
	}

	s := &session{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]struct{}),
	}
	s.alive.Store(true)
	conn.SetPongHandler(func(string) error {
		s.alive.Store(true)
		return nil
	})

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.sessions[s.id] = s
	h.mu.Unlock()

	log.Info(log.CatHub, "client connected", "client", s.id)

	log.SafeGo("hub.writePump["+s.id+"]", func() { h.writePump(s) })
	log.SafeGo("hub.readPump["+s.id+"]", func() { h.readPump(s) })
}

// Broadcast sends an event to every connected client. Delivery failures
// are logged; the heartbeat is what actually removes dead clients.
func (h *Hub) Broadcast(ev wire.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.ErrorErr(log.CatHub, "marshaling event", err, "type", ev.Kind())
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		h.enqueue(s, data, ev.Kind())
	}
}

// SendToLogSubscribers delivers a log event only to clients whose
// subscription set contains the worker.
func (h *Hub) SendToLogSubscribers(workerID string, ev wire.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.ErrorErr(log.CatHub, "marshaling event", err, "type", ev.Kind())
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		if s.subscribed(workerID) {
			h.enqueue(s, data, ev.Kind())
		}
	}
}

// Send delivers an event to one client, e.g. the synthetic command-error
// answer to whoever issued a bad command.
func (h *Hub) Send(clientID string, ev wire.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.ErrorErr(log.CatHub, "marshaling event", err, "type", ev.Kind())
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if s, ok := h.sessions[clientID]; ok {
		h.enqueue(s, data, ev.Kind())
	}
}

// enqueue hands a frame to the session's write pump without blocking.
// Callers hold h.mu, which is what makes the send-channel close safe.
func (h *Hub) enqueue(s *session, data []byte, kind wire.EventType) {
	select {
	case s.send <- data:
	default:
		log.Warn(log.CatHub, "send buffer full, dropping event",
			"client", s.id, "type", kind)
	}
}

// DropSubscriptions removes a terminated worker from every client's
// subscription set.
func (h *Hub) DropSubscriptions(workerID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		s.unsubscribe(workerID)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Shutdown closes every client session with close code 1001 and stops the
// heartbeat. The hub accepts no connections afterwards.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	close(h.done)
	for _, s := range sessions {
		h.closeSession(s, websocket.CloseGoingAway, "Server shutting down")
	}
}

// readPump parses inbound frames as commands. Subscription commands
// mutate the session locally; everything else goes up to the handler.
// Malformed frames are logged and ignored, never fatal.
func (h *Hub) readPump(s *session) {
	defer h.closeSession(s, websocket.CloseNormalClosure, "")

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			log.Debug(log.CatHub, "read loop ended", "client", s.id, "error", err)
			return
		}

		cmd, err := wire.ParseCommand(data)
		if err != nil {
			log.Warn(log.CatHub, "malformed client message", "client", s.id, "error", err)
			continue
		}

		switch cmd.Type {
		case wire.CmdSubscribeLogs:
			s.subscribe(cmd.WorkerID)
			log.Debug(log.CatHub, "log subscription added", "client", s.id, "worker", cmd.WorkerID)
		case wire.CmdUnsubscribeLogs:
			s.unsubscribe(cmd.WorkerID)
			log.Debug(log.CatHub, "log subscription removed", "client", s.id, "worker", cmd.WorkerID)
		default:
			h.handler.HandleCommand(s.id, cmd)
		}
	}
}

// writePump is the session's single writer goroutine, as the websocket
// package requires.
func (h *Hub) writePump(s *session) {
	for data := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debug(log.CatHub, "write failed", "client", s.id, "error", err)
			// Keep draining; the heartbeat terminates the session.
		}
	}
}

// heartbeatLoop pings every client each interval. A client that did not
// answer the previous ping is terminated; this is the authoritative
// disconnect path.
func (h *Hub) heartbeatLoop() {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
		}

		h.mu.RLock()
		sessions := make([]*session, 0, len(h.sessions))
		for _, s := range h.sessions {
			sessions = append(sessions, s)
		}
		h.mu.RUnlock()

		for _, s := range sessions {
			if !s.alive.Load() {
				log.Warn(log.CatHub, "ping timeout, terminating client", "client", s.id)
				h.closeSession(s, websocket.CloseNormalClosure, "ping timeout")
				continue
			}
			s.alive.Store(false)
			deadline := time.Now().Add(h.heartbeat / 2)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debug(log.CatHub, "ping failed", "client", s.id, "error", err)
			}
		}
	}
}

// closeSession removes the session from the hub and closes the socket
// with the given code. Safe to call more than once per session.
func (h *Hub) closeSession(s *session, code int, reason string) {
	h.mu.Lock()
	if _, ok := h.sessions[s.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.id)
	close(s.send)
	h.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = s.conn.Close()

	log.Info(log.CatHub, "client disconnected", "client", s.id, "code", code)
}
