// Package wire defines the tagged-union message set exchanged between the
// fleet supervisor and its control clients, plus the Worker/Task/LogEntry
// snapshots those messages carry. Every message is one JSON object whose
// variant is named by the `type` field.
package wire

import (
	"strings"
	"time"
)

// WorkerStatus is the lifecycle state of a supervised worker process.
type WorkerStatus string

const (
	WorkerStarting   WorkerStatus = "starting"
	WorkerIdle       WorkerStatus = "idle"
	WorkerBusy       WorkerStatus = "busy"
	WorkerErrored    WorkerStatus = "error"
	WorkerStopping   WorkerStatus = "stopping"
	WorkerTerminated WorkerStatus = "terminated"
)

// IsTerminal returns true once no further status changes are possible.
func (s WorkerStatus) IsTerminal() bool {
	return s == WorkerTerminated
}

// TaskStatus is the lifecycle state of a submitted tool call.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true for completed, failed, and cancelled.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// WorkerMetrics accumulates per-worker task outcomes.
type WorkerMetrics struct {
	TasksCompleted int     `json:"tasksCompleted"`
	TasksErrored   int     `json:"tasksErrored"`
	AvgLatencyMs   float64 `json:"avgLatencyMs"`
	TokensUsed     int     `json:"tokensUsed"`
}

// Worker is the full snapshot of one supervised worker, as carried by
// worker:started and mirrored on the client side.
type Worker struct {
	ID             string        `json:"id"`
	ServerID       string        `json:"serverId"`
	ServerName     string        `json:"serverName"`
	Status         WorkerStatus  `json:"status"`
	PID            int           `json:"pid,omitempty"`
	SpawnedAt      time.Time     `json:"spawnedAt"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
	CurrentTaskID  string        `json:"currentTaskId,omitempty"`
	Metrics        WorkerMetrics `json:"metrics"`
}

// Task is the full snapshot of one submitted tool call.
type Task struct {
	ID          string         `json:"id"`
	WorkerID    string         `json:"workerId,omitempty"`
	Tool        string         `json:"tool"`
	Params      map[string]any `json:"params,omitempty"`
	Status      TaskStatus     `json:"status"`
	Progress    int            `json:"progress,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// LogLevel classifies a child log line.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// DetectLevel infers a level from a free-form log line by case-insensitive
// keyword match. "error"/"fatal" win over "warn", which wins over "debug";
// anything else is info.
func DetectLevel(line string) LogLevel {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error"), strings.Contains(lower, "fatal"):
		return LogError
	case strings.Contains(lower, "warn"):
		return LogWarn
	case strings.Contains(lower, "debug"):
		return LogDebug
	default:
		return LogInfo
	}
}

// LogEntry is one child log line, immutable after emission.
type LogEntry struct {
	ID        string         `json:"id"`
	WorkerID  string         `json:"workerId"`
	Timestamp time.Time      `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
