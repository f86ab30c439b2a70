package wire

import (
	"encoding/json"
	"fmt"
)

// EventType identifies the kind of supervisor event.
type EventType string

const (
	EvWorkerStarted EventType = "worker:started"
	EvWorkerUpdated EventType = "worker:updated"
	EvWorkerStopped EventType = "worker:stopped"
	EvTaskQueued    EventType = "task:queued"
	EvTaskStarted   EventType = "task:started"
	EvTaskProgress  EventType = "task:progress"
	EvTaskCompleted EventType = "task:completed"
	EvTaskFailed    EventType = "task:failed"
	EvLogEntry      EventType = "log:entry"
)

// Event is one server → client message. Each variant carries its own JSON
// shape; Kind reports the type tag without reflection.
type Event interface {
	Kind() EventType
}

// WorkerStartedEvent carries the full snapshot of a freshly spawned worker.
type WorkerStartedEvent struct {
	Type   EventType `json:"type"`
	Worker Worker    `json:"worker"`
}

func (e WorkerStartedEvent) Kind() EventType { return e.Type }

// NewWorkerStarted builds a worker:started event.
func NewWorkerStarted(w Worker) WorkerStartedEvent {
	return WorkerStartedEvent{Type: EvWorkerStarted, Worker: w}
}

// WorkerUpdatedEvent is a partial patch against a mirrored worker.
type WorkerUpdatedEvent struct {
	Type     EventType      `json:"type"`
	WorkerID string         `json:"workerId"`
	Changes  map[string]any `json:"changes"`
}

func (e WorkerUpdatedEvent) Kind() EventType { return e.Type }

// NewWorkerUpdated builds a worker:updated event.
func NewWorkerUpdated(workerID string, changes map[string]any) WorkerUpdatedEvent {
	return WorkerUpdatedEvent{Type: EvWorkerUpdated, WorkerID: workerID, Changes: changes}
}

// WorkerStoppedEvent is the final event for a worker id.
type WorkerStoppedEvent struct {
	Type     EventType `json:"type"`
	WorkerID string    `json:"workerId"`
}

func (e WorkerStoppedEvent) Kind() EventType { return e.Type }

// NewWorkerStopped builds a worker:stopped event.
func NewWorkerStopped(workerID string) WorkerStoppedEvent {
	return WorkerStoppedEvent{Type: EvWorkerStopped, WorkerID: workerID}
}

// TaskQueuedEvent carries the full snapshot of a freshly created task.
type TaskQueuedEvent struct {
	Type EventType `json:"type"`
	Task Task      `json:"task"`
}

func (e TaskQueuedEvent) Kind() EventType { return e.Type }

// NewTaskQueued builds a task:queued event.
func NewTaskQueued(t Task) TaskQueuedEvent {
	return TaskQueuedEvent{Type: EvTaskQueued, Task: t}
}

// TaskStartedEvent announces a task entering running on a worker.
type TaskStartedEvent struct {
	Type     EventType `json:"type"`
	TaskID   string    `json:"taskId"`
	WorkerID string    `json:"workerId"`
}

func (e TaskStartedEvent) Kind() EventType { return e.Type }

// NewTaskStarted builds a task:started event.
func NewTaskStarted(taskID, workerID string) TaskStartedEvent {
	return TaskStartedEvent{Type: EvTaskStarted, TaskID: taskID, WorkerID: workerID}
}

// TaskProgressEvent carries a 0-100 progress report for a running task.
type TaskProgressEvent struct {
	Type     EventType `json:"type"`
	TaskID   string    `json:"taskId"`
	Progress int       `json:"progress"`
}

func (e TaskProgressEvent) Kind() EventType { return e.Type }

// NewTaskProgress builds a task:progress event.
func NewTaskProgress(taskID string, progress int) TaskProgressEvent {
	return TaskProgressEvent{Type: EvTaskProgress, TaskID: taskID, Progress: progress}
}

// TaskCompletedEvent is the success terminal for a task.
type TaskCompletedEvent struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"taskId"`
	Result any       `json:"result"`
}

func (e TaskCompletedEvent) Kind() EventType { return e.Type }

// NewTaskCompleted builds a task:completed event.
func NewTaskCompleted(taskID string, result any) TaskCompletedEvent {
	return TaskCompletedEvent{Type: EvTaskCompleted, TaskID: taskID, Result: result}
}

// TaskFailedEvent is the failure terminal for a task. Cancelled tasks also
// surface here, with error "Task cancelled".
type TaskFailedEvent struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"taskId"`
	Error  string    `json:"error"`
}

func (e TaskFailedEvent) Kind() EventType { return e.Type }

// NewTaskFailed builds a task:failed event.
func NewTaskFailed(taskID, errMsg string) TaskFailedEvent {
	return TaskFailedEvent{Type: EvTaskFailed, TaskID: taskID, Error: errMsg}
}

// LogEntryEvent carries one child log line. Delivered only to clients
// subscribed to the emitting worker.
type LogEntryEvent struct {
	Type  EventType `json:"type"`
	Entry LogEntry  `json:"entry"`
}

func (e LogEntryEvent) Kind() EventType { return e.Type }

// NewLogEntry builds a log:entry event.
func NewLogEntry(entry LogEntry) LogEntryEvent {
	return LogEntryEvent{Type: EvLogEntry, Entry: entry}
}

// ParseEvent decodes one server message into its typed variant.
// Used on the client side of the connection.
func ParseEvent(data []byte) (Event, error) {
	var envelope struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("wire: parsing event: %w", err)
	}

	var ev Event
	switch envelope.Type {
	case EvWorkerStarted:
		ev = &WorkerStartedEvent{}
	case EvWorkerUpdated:
		ev = &WorkerUpdatedEvent{}
	case EvWorkerStopped:
		ev = &WorkerStoppedEvent{}
	case EvTaskQueued:
		ev = &TaskQueuedEvent{}
	case EvTaskStarted:
		ev = &TaskStartedEvent{}
	case EvTaskProgress:
		ev = &TaskProgressEvent{}
	case EvTaskCompleted:
		ev = &TaskCompletedEvent{}
	case EvTaskFailed:
		ev = &TaskFailedEvent{}
	case EvLogEntry:
		ev = &LogEntryEvent{}
	default:
		return nil, fmt.Errorf("wire: unknown event type %q", envelope.Type)
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("wire: parsing %s: %w", envelope.Type, err)
	}
	return ev, nil
}
