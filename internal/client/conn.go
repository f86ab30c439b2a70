package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcpfleet/fleet/internal/log"
	"github.com/mcpfleet/fleet/internal/wire"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const (
	// DefaultBaseDelay seeds the reconnect backoff: min(base·2^n, max).
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps a single backoff wait.
	DefaultMaxDelay = 30 * time.Second
	// DefaultMaxAttempts is the reconnect budget per disconnected streak.
	DefaultMaxAttempts = 10
)

// EventHandler observes every inbound event after the mirror applied it.
type EventHandler func(ev wire.Event)

// StateHandler observes connection state changes.
type StateHandler func(state State)

// Manager maintains the control connection: dial, reconnect with
// exponential backoff, command writes, and event dispatch into the mirror.
type Manager struct {
	url         string
	dialer      *websocket.Dialer
	mirror      *Mirror
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	onEvent     EventHandler
	onState     StateHandler

	mu                sync.Mutex
	state             State
	conn              *websocket.Conn
	closed            bool
	lastErr           error
	disconnectedSince time.Time

	done chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogCap sets the per-worker log buffer capacity.
func WithLogCap(n int) Option {
	return func(m *Manager) { m.mirror = NewMirror(n) }
}

// WithBackoff overrides the reconnect backoff window.
func WithBackoff(base, max time.Duration) Option {
	return func(m *Manager) {
		m.baseDelay = base
		m.maxDelay = max
	}
}

// WithMaxAttempts overrides the reconnect budget.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) { m.maxAttempts = n }
}

// WithEventHandler registers an event observer.
func WithEventHandler(fn EventHandler) Option {
	return func(m *Manager) { m.onEvent = fn }
}

// WithStateHandler registers a state-change observer.
func WithStateHandler(fn StateHandler) Option {
	return func(m *Manager) { m.onState = fn }
}

// NewManager creates a manager for the given ws:// URL. Connect starts it.
func NewManager(url string, opts ...Option) *Manager {
	m := &Manager{
		url:               url,
		dialer:            websocket.DefaultDialer,
		mirror:            NewMirror(DefaultLogCap),
		baseDelay:         DefaultBaseDelay,
		maxDelay:          DefaultMaxDelay,
		maxAttempts:       DefaultMaxAttempts,
		state:             StateDisconnected,
		disconnectedSince: time.Now(),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mirror returns the local state replica.
func (m *Manager) Mirror() *Mirror {
	return m.mirror
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the terminal error after the reconnect budget is
// spent, or nil.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// DisconnectedFor returns how long the connection has been down, zero
// while connected. This drives reconnecting-vs-disconnected presentation.
func (m *Manager) DisconnectedFor() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateConnected {
		return 0
	}
	return time.Since(m.disconnectedSince)
}

// Connect starts the connection loop and returns immediately.
func (m *Manager) Connect() {
	log.SafeGo("client.run", m.run)
}

// Close cleanly disconnects with close code 1000. No reconnect follows.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conn := m.conn
	m.mu.Unlock()

	close(m.done)
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "User requested disconnect")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	m.setState(StateDisconnected)
}

// run is one connect-read-reconnect cycle per iteration. The attempt
// counter resets on every successful dial; spending the whole budget in a
// single disconnected streak is terminal.
func (m *Manager) run() {
	attempt := 0
	for {
		if m.isClosed() {
			return
		}

		m.setState(StateConnecting)
		conn, resp, err := m.dialer.Dial(m.url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			attempt++
			if attempt >= m.maxAttempts {
				m.fail(fmt.Errorf("Failed to reconnect after %d attempts", m.maxAttempts))
				return
			}
			delay := backoffDelay(m.baseDelay, m.maxDelay, attempt-1)
			log.Debug(log.CatClient, "dial failed, backing off",
				"url", m.url, "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-m.done:
				return
			}
			continue
		}

		attempt = 0
		m.adopt(conn)
		log.Info(log.CatClient, "connected", "url", m.url)

		m.readLoop(conn)

		if m.isClosed() {
			return
		}
		log.Warn(log.CatClient, "connection lost", "url", m.url)
		m.dropConn()

		// First reconnect waits the base delay; dial failures from here
		// escalate the backoff.
		select {
		case <-time.After(m.baseDelay):
		case <-m.done:
			return
		}
	}
}

func (m *Manager) adopt(conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.state = StateConnected
	m.mu.Unlock()
	if m.onState != nil {
		m.onState(StateConnected)
	}
}

func (m *Manager) dropConn() {
	m.mu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.state = StateDisconnected
	m.disconnectedSince = time.Now()
	m.mu.Unlock()
	if m.onState != nil {
		m.onState(StateDisconnected)
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	if s != StateConnected && changed {
		m.disconnectedSince = time.Now()
	}
	m.mu.Unlock()
	if changed && m.onState != nil {
		m.onState(s)
	}
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.state = StateDisconnected
	m.mu.Unlock()
	log.ErrorErr(log.CatClient, "giving up on reconnect", err, "url", m.url)
	if m.onState != nil {
		m.onState(StateDisconnected)
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// readLoop applies inbound events until the connection drops.
func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ev, err := wire.ParseEvent(data)
		if err != nil {
			log.Warn(log.CatClient, "unparseable event", "error", err)
			continue
		}
		m.mirror.Apply(ev)
		if m.onEvent != nil {
			m.onEvent(ev)
		}
	}
}

// backoffDelay is min(base·2^attempt, max).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base << attempt
	if d <= 0 || d > max {
		return max
	}
	return d
}

// send writes one command while connected; otherwise the command is
// silently dropped. Callers watch State for readiness.
func (m *Manager) send(cmd wire.Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.conn == nil {
		log.Debug(log.CatClient, "dropping command while disconnected", "type", cmd.Type)
		return
	}
	if err := m.conn.WriteJSON(cmd); err != nil {
		log.Warn(log.CatClient, "command write failed", "type", cmd.Type, "error", err)
	}
}

// SpawnWorker asks the supervisor to start a worker. command and args are
// optional; when empty the server resolves serverID through its registry.
func (m *Manager) SpawnWorker(serverID, serverName, command string, args []string) {
	m.send(wire.Command{
		Type:       wire.CmdSpawn,
		ServerID:   serverID,
		ServerName: serverName,
		Command:    command,
		Args:       args,
	})
}

// KillWorker requests graceful stop of a worker.
func (m *Manager) KillWorker(workerID string) {
	m.send(wire.Command{Type: wire.CmdKill, WorkerID: workerID})
}

// SubmitTask queues a tool call.
func (m *Manager) SubmitTask(tool string, params map[string]any) {
	m.send(wire.Command{Type: wire.CmdSubmit, Tool: tool, Params: params})
}

// CancelTask cancels a queued or running task.
func (m *Manager) CancelTask(taskID string) {
	m.send(wire.Command{Type: wire.CmdCancel, TaskID: taskID})
}

// SubscribeLogs subscribes to a worker's log stream. The local subscribed
// set updates immediately; the server set follows when the command lands.
func (m *Manager) SubscribeLogs(workerID string) {
	m.mirror.markSubscribed(workerID, true)
	m.send(wire.Command{Type: wire.CmdSubscribeLogs, WorkerID: workerID})
}

// UnsubscribeLogs ends a worker log subscription.
func (m *Manager) UnsubscribeLogs(workerID string) {
	m.mirror.markSubscribed(workerID, false)
	m.send(wire.Command{Type: wire.CmdUnsubscribeLogs, WorkerID: workerID})
}
