// Package client is the control side of the fleet connection: a managed
// WebSocket with reconnect backoff, and a read-only mirror of the
// supervisor's worker and task state built from the event stream.
package client

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/mcpfleet/fleet/internal/wire"
)

// DefaultLogCap is the per-worker log buffer capacity.
const DefaultLogCap = 500

// LogBuffer is a bounded FIFO of log entries. Appending past capacity
// drops the oldest entry.
type LogBuffer struct {
	entries []wire.LogEntry
	cap     int
}

// NewLogBuffer creates a buffer holding at most capacity entries.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = DefaultLogCap
	}
	return &LogBuffer{cap: capacity}
}

// Append adds an entry, evicting the oldest when full.
func (b *LogBuffer) Append(entry wire.LogEntry) {
	if len(b.entries) == b.cap {
		copy(b.entries, b.entries[1:])
		b.entries[len(b.entries)-1] = entry
		return
	}
	b.entries = append(b.entries, entry)
}

// Entries returns a copy of the buffered entries, oldest first.
func (b *LogBuffer) Entries() []wire.LogEntry {
	return append([]wire.LogEntry(nil), b.entries...)
}

// Len returns the number of buffered entries.
func (b *LogBuffer) Len() int {
	return len(b.entries)
}

// Mirror is the client-side replica of supervisor state. It is only ever
// written by Apply; readers get snapshots.
type Mirror struct {
	mu         sync.RWMutex
	workers    map[string]wire.Worker
	tasks      map[string]wire.Task
	logs       map[string]*LogBuffer
	subscribed map[string]struct{}
	logCap     int
}

// NewMirror creates an empty mirror with the given per-worker log cap.
func NewMirror(logCap int) *Mirror {
	if logCap <= 0 {
		logCap = DefaultLogCap
	}
	return &Mirror{
		workers:    make(map[string]wire.Worker),
		tasks:      make(map[string]wire.Task),
		logs:       make(map[string]*LogBuffer),
		subscribed: make(map[string]struct{}),
		logCap:     logCap,
	}
}

// Apply folds one inbound event into the mirror.
func (m *Mirror) Apply(ev wire.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch e := ev.(type) {
	case *wire.WorkerStartedEvent:
		m.workers[e.Worker.ID] = e.Worker
		m.logs[e.Worker.ID] = NewLogBuffer(m.logCap)

	case *wire.WorkerUpdatedEvent:
		if w, ok := m.workers[e.WorkerID]; ok {
			m.workers[e.WorkerID] = patchWorker(w, e.Changes)
		}

	case *wire.WorkerStoppedEvent:
		delete(m.workers, e.WorkerID)
		delete(m.logs, e.WorkerID)
		delete(m.subscribed, e.WorkerID)

	case *wire.TaskQueuedEvent:
		m.tasks[e.Task.ID] = e.Task

	case *wire.TaskStartedEvent:
		if t, ok := m.tasks[e.TaskID]; ok {
			now := time.Now()
			t.Status = wire.TaskRunning
			t.WorkerID = e.WorkerID
			t.StartedAt = &now
			m.tasks[e.TaskID] = t
		}

	case *wire.TaskProgressEvent:
		if t, ok := m.tasks[e.TaskID]; ok {
			t.Progress = e.Progress
			m.tasks[e.TaskID] = t
		}

	case *wire.TaskCompletedEvent:
		if t, ok := m.tasks[e.TaskID]; ok {
			now := time.Now()
			t.Status = wire.TaskCompleted
			t.Result = e.Result
			t.CompletedAt = &now
			m.tasks[e.TaskID] = t
		}

	case *wire.TaskFailedEvent:
		// The synthetic command-error answer is not a real task.
		if e.TaskID == "command-error" {
			return
		}
		if t, ok := m.tasks[e.TaskID]; ok {
			now := time.Now()
			t.Status = wire.TaskFailed
			t.Error = e.Error
			t.CompletedAt = &now
			m.tasks[e.TaskID] = t
		}

	case *wire.LogEntryEvent:
		if buf, ok := m.logs[e.Entry.WorkerID]; ok {
			buf.Append(e.Entry)
		}
	}
}

// patchWorker applies a shallow worker:updated change set. Unknown keys
// are ignored; values arrive as decoded JSON, so numbers are float64 and
// timestamps are RFC 3339 strings.
func patchWorker(w wire.Worker, changes map[string]any) wire.Worker {
	for key, val := range changes {
		switch key {
		case "status":
			if s, ok := val.(string); ok {
				w.Status = wire.WorkerStatus(s)
			}
		case "pid":
			if n, ok := val.(float64); ok {
				w.PID = int(n)
			}
		case "currentTaskId":
			if s, ok := val.(string); ok {
				w.CurrentTaskID = s
			}
		case "lastActivityAt":
			if s, ok := val.(string); ok {
				if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
					w.LastActivityAt = ts
				}
			}
		case "metrics":
			if raw, err := json.Marshal(val); err == nil {
				var metrics wire.WorkerMetrics
				if json.Unmarshal(raw, &metrics) == nil {
					w.Metrics = metrics
				}
			}
		}
	}
	return w
}

// Workers returns worker snapshots sorted by id.
func (m *Mirror) Workers() []wire.Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]wire.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Worker returns one mirrored worker.
func (m *Mirror) Worker(id string) (wire.Worker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	return w, ok
}

// Tasks returns task snapshots sorted by id.
func (m *Mirror) Tasks() []wire.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]wire.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Task returns one mirrored task.
func (m *Mirror) Task(id string) (wire.Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	return t, ok
}

// Logs returns the buffered log entries for a worker, oldest first.
func (m *Mirror) Logs(workerID string) []wire.LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	buf, ok := m.logs[workerID]
	if !ok {
		return nil
	}
	return buf.Entries()
}

// markSubscribed records the local optimistic subscription state.
func (m *Mirror) markSubscribed(workerID string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.subscribed[workerID] = struct{}{}
	} else {
		delete(m.subscribed, workerID)
	}
}

// Subscribed reports the local subscription state for a worker.
func (m *Mirror) Subscribed(workerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.subscribed[workerID]
	return ok
}
