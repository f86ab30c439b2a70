package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mcpfleet/fleet/internal/log"
	"github.com/mcpfleet/fleet/internal/pubsub"
	"github.com/mcpfleet/fleet/internal/wire"
)

// CancelledError is the observable error carried by the task:failed event
// a cancel produces. There is no task:cancelled event on the wire.
const CancelledError = "Task cancelled"

// workerRecord pairs a worker snapshot with its backlog of assigned-but-
// not-yet-running task ids, FIFO.
type workerRecord struct {
	worker  wire.Worker
	backlog []string
}

// Registry is the single mutator of worker and task state. Events publish
// on the broker while the mutation lock is held; broker sends are
// non-blocking, so commit order equals emission order without deadlock
// risk.
type Registry struct {
	mu        sync.Mutex
	workers   map[string]*workerRecord
	tasks     map[string]*wire.Task
	globalQ   []string // unassigned queued task ids, creation order
	bus       *pubsub.Broker[wire.Event]
	now       func() time.Time
	workerSeq int
	taskSeq   int
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates an empty registry publishing on bus.
func New(bus *pubsub.Broker[wire.Event], opts ...Option) *Registry {
	r := &Registry{
		workers: make(map[string]*workerRecord),
		tasks:   make(map[string]*wire.Task),
		bus:     bus,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NextWorkerID reserves the next sequential worker id.
func (r *Registry) NextWorkerID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workerSeq++
	return fmt.Sprintf("worker-%d", r.workerSeq)
}

// AddWorker registers a worker in state starting and emits worker:started
// with its full snapshot. This precedes any stdin write to the child.
func (r *Registry) AddWorker(id, serverID, serverName string) wire.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w := wire.Worker{
		ID:             id,
		ServerID:       serverID,
		ServerName:     serverName,
		Status:         wire.WorkerStarting,
		SpawnedAt:      now,
		LastActivityAt: now,
	}
	r.workers[id] = &workerRecord{worker: w}
	r.publish(wire.NewWorkerStarted(w))
	return w
}

// MarkWorkerSpawned records the OS pid and moves starting → idle.
func (r *Registry) MarkWorkerSpawned(id string, pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.workers[id]
	if !ok || !r.setStatus(rec, wire.WorkerIdle) {
		return false
	}
	rec.worker.PID = pid
	r.publish(wire.NewWorkerUpdated(id, map[string]any{
		"status":         rec.worker.Status,
		"pid":            pid,
		"lastActivityAt": rec.worker.LastActivityAt,
	}))
	return true
}

// MarkWorkerIdle returns a worker to idle, typically after its running
// task was finalized or its pending result discarded.
func (r *Registry) MarkWorkerIdle(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.workers[id]
	if !ok || !r.setStatus(rec, wire.WorkerIdle) {
		return false
	}
	rec.worker.CurrentTaskID = ""
	r.publish(wire.NewWorkerUpdated(id, map[string]any{
		"status":         rec.worker.Status,
		"currentTaskId":  "",
		"lastActivityAt": rec.worker.LastActivityAt,
	}))
	return true
}

// MarkWorkerError moves a worker to error state.
func (r *Registry) MarkWorkerError(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.workers[id]
	if !ok || !r.setStatus(rec, wire.WorkerErrored) {
		return false
	}
	r.publish(wire.NewWorkerUpdated(id, map[string]any{
		"status":         rec.worker.Status,
		"lastActivityAt": rec.worker.LastActivityAt,
	}))
	return true
}

// MarkWorkerStopping begins graceful stop. Returns false if the worker is
// already stopping or gone, which makes kill idempotent.
func (r *Registry) MarkWorkerStopping(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.workers[id]
	if !ok || !r.setStatus(rec, wire.WorkerStopping) {
		return false
	}
	r.publish(wire.NewWorkerUpdated(id, map[string]any{
		"status":         rec.worker.Status,
		"lastActivityAt": rec.worker.LastActivityAt,
	}))
	return true
}

// RemoveWorker moves the worker to terminated, emits worker:stopped, and
// deletes the record. worker:stopped is the final event for the id.
func (r *Registry) RemoveWorker(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.workers[id]
	if !ok {
		return false
	}
	if !r.setStatus(rec, wire.WorkerTerminated) {
		log.Warn(log.CatRegistry, "removing worker from unexpected status",
			"worker", id, "status", rec.worker.Status)
	}
	delete(r.workers, id)
	r.publish(wire.NewWorkerStopped(id))
	return true
}

// setStatus applies a transition if legal and refreshes lastActivityAt.
// Callers hold r.mu.
func (r *Registry) setStatus(rec *workerRecord, to wire.WorkerStatus) bool {
	from := rec.worker.Status
	if !CanWorkerTransition(from, to) {
		log.Debug(log.CatRegistry, "rejected worker transition",
			"worker", rec.worker.ID, "from", from, "to", to)
		return false
	}
	rec.worker.Status = to
	rec.worker.LastActivityAt = r.now()
	return true
}

// CreateTask stores a new queued task and emits task:queued. The task
// joins the global queue until the scheduler places it.
func (r *Registry) CreateTask(tool string, params map[string]any) wire.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.taskSeq++
	t := wire.Task{
		ID:        fmt.Sprintf("task-%d", r.taskSeq),
		Tool:      tool,
		Params:    params,
		Status:    wire.TaskQueued,
		CreatedAt: r.now(),
	}
	r.tasks[t.ID] = &t
	r.globalQ = append(r.globalQ, t.ID)
	r.publish(wire.NewTaskQueued(t))
	return t
}

// Assign moves a queued task onto an idle worker: task → running, worker →
// busy, in one committed step. Emits task:started then worker:updated.
func (r *Registry) Assign(taskID, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("registry: assign: unknown task %s", taskID)
	}
	rec, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("registry: assign: unknown worker %s", workerID)
	}
	if t.Status != wire.TaskQueued {
		return fmt.Errorf("registry: assign: task %s is %s, not queued", taskID, t.Status)
	}
	if rec.worker.Status != wire.WorkerIdle {
		return fmt.Errorf("registry: assign: worker %s is %s, not idle", workerID, rec.worker.Status)
	}

	now := r.now()
	t.Status = wire.TaskRunning
	t.StartedAt = &now
	t.WorkerID = workerID
	r.removeQueued(taskID)
	rec.backlog = removeID(rec.backlog, taskID)

	rec.worker.Status = wire.WorkerBusy
	rec.worker.CurrentTaskID = taskID
	rec.worker.LastActivityAt = now

	r.publish(wire.NewTaskStarted(taskID, workerID))
	r.publish(wire.NewWorkerUpdated(workerID, map[string]any{
		"status":         rec.worker.Status,
		"currentTaskId":  taskID,
		"lastActivityAt": rec.worker.LastActivityAt,
	}))
	return nil
}

// Progress records a 0-100 progress report for a running task. Regressing
// values are ignored so progress stays monotonic within a task.
func (r *Registry) Progress(taskID string, progress int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok || t.Status != wire.TaskRunning {
		return false
	}
	if progress < t.Progress {
		return false
	}
	t.Progress = progress
	r.publish(wire.NewTaskProgress(taskID, progress))
	return true
}

// Complete finalizes a running task as successful and updates the owning
// worker's metrics. A no-op unless the task is running, which is what
// discards late results after cancel.
func (r *Registry) Complete(taskID string, result any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok || !CanTaskTransition(t.Status, wire.TaskCompleted) {
		return false
	}
	now := r.now()
	t.Status = wire.TaskCompleted
	t.CompletedAt = &now
	t.Result = result

	r.publish(wire.NewTaskCompleted(taskID, result))
	r.finishOnWorker(t, false)
	return true
}

// Fail finalizes a running task as failed. Same precondition discipline as
// Complete.
func (r *Registry) Fail(taskID, errMsg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok || !CanTaskTransition(t.Status, wire.TaskFailed) {
		return false
	}
	now := r.now()
	t.Status = wire.TaskFailed
	t.CompletedAt = &now
	t.Error = errMsg

	r.publish(wire.NewTaskFailed(taskID, errMsg))
	r.finishOnWorker(t, true)
	return true
}

// finishOnWorker clears the worker's current task and folds the finished
// task into its rolling metrics, emitting a metrics-only worker:updated.
// Callers hold r.mu.
func (r *Registry) finishOnWorker(t *wire.Task, failed bool) {
	rec, ok := r.workers[t.WorkerID]
	if !ok {
		return
	}
	if rec.worker.CurrentTaskID == t.ID {
		rec.worker.CurrentTaskID = ""
	}

	// Tasks that never started (backlog orphans) don't move the metrics.
	if t.StartedAt == nil {
		return
	}

	m := &rec.worker.Metrics
	if failed {
		m.TasksErrored++
	} else {
		m.TasksCompleted++
	}
	if t.StartedAt != nil && t.CompletedAt != nil {
		latency := float64(t.CompletedAt.Sub(*t.StartedAt).Milliseconds())
		n := float64(m.TasksCompleted + m.TasksErrored)
		m.AvgLatencyMs = (m.AvgLatencyMs*(n-1) + latency) / n
	}

	r.publish(wire.NewWorkerUpdated(rec.worker.ID, map[string]any{
		"metrics": rec.worker.Metrics,
	}))
}

// AddTokens accumulates token usage reported by the child. The updated
// figure rides out with the next metrics patch.
func (r *Registry) AddTokens(workerID string, tokens int) {
	if tokens <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.workers[workerID]; ok {
		rec.worker.Metrics.TokensUsed += tokens
	}
}

// Cancel moves a non-terminal task to cancelled and emits task:failed with
// "Task cancelled". Returns false for unknown or already-terminal tasks,
// with no event. A cancelled running task keeps its worker busy until the
// child's eventual reply is discarded.
func (r *Registry) Cancel(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok || !CanTaskTransition(t.Status, wire.TaskCancelled) {
		return false
	}
	now := r.now()
	wasQueued := t.Status == wire.TaskQueued
	t.Status = wire.TaskCancelled
	t.CompletedAt = &now
	t.Error = CancelledError

	if wasQueued {
		r.removeQueued(taskID)
		if rec, ok := r.workers[t.WorkerID]; ok {
			rec.backlog = removeID(rec.backlog, taskID)
		}
	}

	r.publish(wire.NewTaskFailed(taskID, CancelledError))
	return true
}

// IsCancelled reports whether the task exists and was cancelled.
func (r *Registry) IsCancelled(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	return ok && t.Status == wire.TaskCancelled
}

// EnqueueBacklog parks a queued task on a specific worker's backlog. The
// task already announced itself via task:queued; no further event.
func (r *Registry) EnqueueBacklog(taskID, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("registry: enqueue: unknown task %s", taskID)
	}
	rec, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("registry: enqueue: unknown worker %s", workerID)
	}
	if t.Status != wire.TaskQueued {
		return fmt.Errorf("registry: enqueue: task %s is %s, not queued", taskID, t.Status)
	}

	t.WorkerID = workerID
	r.removeQueued(taskID)
	rec.backlog = append(rec.backlog, taskID)
	return nil
}

// NextForWorker pops the next task for an idle worker: its own backlog
// first, FIFO, then the oldest globally unassigned task.
func (r *Registry) NextForWorker(workerID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.workers[workerID]
	if !ok {
		return "", false
	}
	for len(rec.backlog) > 0 {
		taskID := rec.backlog[0]
		rec.backlog = rec.backlog[1:]
		if t, ok := r.tasks[taskID]; ok && t.Status == wire.TaskQueued {
			return taskID, true
		}
	}
	for len(r.globalQ) > 0 {
		taskID := r.globalQ[0]
		r.globalQ = r.globalQ[1:]
		if t, ok := r.tasks[taskID]; ok && t.Status == wire.TaskQueued && t.WorkerID == "" {
			return taskID, true
		}
	}
	return "", false
}

// FailWorkerTasks fails the worker's in-flight task and every backlog task
// with the given error, e.g. "Worker crashed: signal KILL". The backlog is
// cleared; each failure emits its own task:failed.
func (r *Registry) FailWorkerTasks(workerID, errMsg string) {
	r.mu.Lock()
	rec, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(rec.backlog)+1)
	if rec.worker.CurrentTaskID != "" {
		ids = append(ids, rec.worker.CurrentTaskID)
	}
	ids = append(ids, rec.backlog...)
	rec.backlog = nil
	r.mu.Unlock()

	for _, id := range ids {
		r.Fail(id, errMsg)
	}
}

// Workers returns worker snapshots sorted by id.
func (r *Registry) Workers() []wire.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]wire.Worker, 0, len(r.workers))
	for _, rec := range r.workers {
		out = append(out, rec.worker)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetWorker returns one worker snapshot.
func (r *Registry) GetWorker(id string) (wire.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[id]
	if !ok {
		return wire.Worker{}, false
	}
	return rec.worker, true
}

// BacklogLen returns the worker's backlog depth.
func (r *Registry) BacklogLen(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[id]
	if !ok {
		return 0
	}
	return len(rec.backlog)
}

// Tasks returns task snapshots sorted by id.
func (r *Registry) Tasks() []wire.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]wire.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetTask returns one task snapshot.
func (r *Registry) GetTask(id string) (wire.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return wire.Task{}, false
	}
	return *t, true
}

// publish sends on the broker while the caller holds r.mu. Broker sends
// never block, so this is safe and pins emission order to commit order.
func (r *Registry) publish(ev wire.Event) {
	r.bus.Publish(ev)
}

func (r *Registry) removeQueued(taskID string) {
	r.globalQ = removeID(r.globalQ, taskID)
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
