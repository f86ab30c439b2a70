package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcpfleet/fleet/internal/pubsub"
	"github.com/mcpfleet/fleet/internal/wire"
)

// fakeClock hands out a controllable, strictly advancing time.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// harness wires a registry to an event sink for assertions.
type harness struct {
	reg    *Registry
	clock  *fakeClock
	events <-chan wire.Event
	cancel context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bus := pubsub.NewBrokerWithBuffer[wire.Event](256)
	ctx, cancel := context.WithCancel(context.Background())
	events := bus.Subscribe(ctx)
	clock := newFakeClock()
	t.Cleanup(func() {
		cancel()
		bus.Close()
	})
	return &harness{
		reg:    New(bus, WithClock(clock.Now)),
		clock:  clock,
		events: events,
		cancel: cancel,
	}
}

// drain returns every event published so far, without blocking.
func (h *harness) drain() []wire.Event {
	var out []wire.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func kinds(events []wire.Event) []wire.EventType {
	out := make([]wire.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Kind()
	}
	return out
}

func TestRegistry_WorkerLifecycle(t *testing.T) {
	h := newHarness(t)

	id := h.reg.NextWorkerID()
	require.Equal(t, "worker-1", id)

	w := h.reg.AddWorker(id, "S", "Echo")
	require.Equal(t, wire.WorkerStarting, w.Status)

	require.True(t, h.reg.MarkWorkerSpawned(id, 4242))
	require.True(t, h.reg.MarkWorkerStopping(id))
	require.False(t, h.reg.MarkWorkerStopping(id), "second stop must be a no-op")
	require.True(t, h.reg.RemoveWorker(id))
	require.False(t, h.reg.RemoveWorker(id))

	events := h.drain()
	require.Equal(t, []wire.EventType{
		wire.EvWorkerStarted,
		wire.EvWorkerUpdated, // spawned: status idle + pid
		wire.EvWorkerUpdated, // stopping
		wire.EvWorkerStopped,
	}, kinds(events))

	spawned := events[1].(wire.WorkerUpdatedEvent)
	require.Equal(t, wire.WorkerIdle, spawned.Changes["status"])
	require.Equal(t, 4242, spawned.Changes["pid"])

	_, ok := h.reg.GetWorker(id)
	require.False(t, ok, "removed worker must be gone")
}

func TestRegistry_SpawnedRequiresStarting(t *testing.T) {
	h := newHarness(t)
	id := h.reg.NextWorkerID()
	h.reg.AddWorker(id, "S", "Echo")
	require.True(t, h.reg.MarkWorkerSpawned(id, 1))
	require.False(t, h.reg.MarkWorkerSpawned(id, 1), "idle worker cannot re-spawn")
	require.False(t, h.reg.MarkWorkerSpawned("worker-99", 1))
}

func TestRegistry_TaskHappyPath(t *testing.T) {
	h := newHarness(t)
	id := h.reg.NextWorkerID()
	h.reg.AddWorker(id, "S", "Echo")
	h.reg.MarkWorkerSpawned(id, 1)

	task := h.reg.CreateTask("ping", map[string]any{"n": 1})
	require.Equal(t, "task-1", task.ID)
	require.Equal(t, wire.TaskQueued, task.Status)

	require.NoError(t, h.reg.Assign(task.ID, id))

	w, _ := h.reg.GetWorker(id)
	require.Equal(t, wire.WorkerBusy, w.Status)
	require.Equal(t, task.ID, w.CurrentTaskID)

	require.True(t, h.reg.Progress(task.ID, 30))

	h.clock.Advance(250 * time.Millisecond)
	require.True(t, h.reg.Complete(task.ID, "pong"))
	require.True(t, h.reg.MarkWorkerIdle(id))

	events := h.drain()
	require.Equal(t, []wire.EventType{
		wire.EvWorkerStarted,
		wire.EvWorkerUpdated, // idle after spawn
		wire.EvTaskQueued,
		wire.EvTaskStarted,
		wire.EvWorkerUpdated, // busy
		wire.EvTaskProgress,
		wire.EvTaskCompleted,
		wire.EvWorkerUpdated, // metrics patch
		wire.EvWorkerUpdated, // idle again
	}, kinds(events))

	metrics := events[7].(wire.WorkerUpdatedEvent)
	m := metrics.Changes["metrics"].(wire.WorkerMetrics)
	require.Equal(t, 1, m.TasksCompleted)
	require.Equal(t, 0, m.TasksErrored)
	require.Equal(t, float64(250), m.AvgLatencyMs)

	got, _ := h.reg.GetTask(task.ID)
	require.Equal(t, wire.TaskCompleted, got.Status)
	require.Equal(t, "pong", got.Result)
	require.NotNil(t, got.CompletedAt)
}

func TestRegistry_AvgLatencyIsRollingMean(t *testing.T) {
	h := newHarness(t)
	id := h.reg.NextWorkerID()
	h.reg.AddWorker(id, "S", "Echo")
	h.reg.MarkWorkerSpawned(id, 1)

	latencies := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 200 * time.Millisecond}
	for _, latency := range latencies {
		task := h.reg.CreateTask("work", nil)
		require.NoError(t, h.reg.Assign(task.ID, id))
		h.clock.Advance(latency)
		require.True(t, h.reg.Complete(task.ID, nil))
		require.True(t, h.reg.MarkWorkerIdle(id))
	}

	w, _ := h.reg.GetWorker(id)
	require.Equal(t, 3, w.Metrics.TasksCompleted)
	require.InDelta(t, 200.0, w.Metrics.AvgLatencyMs, 0.001)
}

func TestRegistry_ProgressMonotonic(t *testing.T) {
	h := newHarness(t)
	id := h.reg.NextWorkerID()
	h.reg.AddWorker(id, "S", "Echo")
	h.reg.MarkWorkerSpawned(id, 1)
	task := h.reg.CreateTask("work", nil)
	require.NoError(t, h.reg.Assign(task.ID, id))
	h.drain()

	require.True(t, h.reg.Progress(task.ID, 40))
	require.False(t, h.reg.Progress(task.ID, 25), "regressing progress is dropped")
	require.True(t, h.reg.Progress(task.ID, 40), "repeats are allowed")
	require.True(t, h.reg.Progress(task.ID, 90))

	events := h.drain()
	require.Len(t, events, 3)
}

func TestRegistry_ProgressRequiresRunning(t *testing.T) {
	h := newHarness(t)
	task := h.reg.CreateTask("work", nil)
	require.False(t, h.reg.Progress(task.ID, 10))
	require.False(t, h.reg.Progress("task-99", 10))
}

func TestRegistry_CancelQueued(t *testing.T) {
	h := newHarness(t)
	id := h.reg.NextWorkerID()
	h.reg.AddWorker(id, "S", "Echo")
	h.reg.MarkWorkerSpawned(id, 1)

	task := h.reg.CreateTask("work", nil)
	require.NoError(t, h.reg.EnqueueBacklog(task.ID, id))
	require.Equal(t, 1, h.reg.BacklogLen(id))
	h.drain()

	require.True(t, h.reg.Cancel(task.ID))
	require.Equal(t, 0, h.reg.BacklogLen(id), "cancel removes the backlog entry")
	require.True(t, h.reg.IsCancelled(task.ID))

	events := h.drain()
	require.Len(t, events, 1)
	failed := events[0].(wire.TaskFailedEvent)
	require.Equal(t, "Task cancelled", failed.Error)

	// Cancelled while queued: never runnable again
	_, ok := h.reg.NextForWorker(id)
	require.False(t, ok)
}

func TestRegistry_CancelRunningDiscardsLateResult(t *testing.T) {
	h := newHarness(t)
	id := h.reg.NextWorkerID()
	h.reg.AddWorker(id, "S", "Echo")
	h.reg.MarkWorkerSpawned(id, 1)
	task := h.reg.CreateTask("work", nil)
	require.NoError(t, h.reg.Assign(task.ID, id))
	h.drain()

	require.True(t, h.reg.Cancel(task.ID))

	// The worker stays busy until the child's reply is discarded.
	w, _ := h.reg.GetWorker(id)
	require.Equal(t, wire.WorkerBusy, w.Status)

	// Late result: no transition, no event.
	require.False(t, h.reg.Complete(task.ID, "done"))
	require.False(t, h.reg.Fail(task.ID, "boom"))

	events := h.drain()
	require.Len(t, events, 1, "only the cancel's task:failed")
}

func TestRegistry_CancelTerminalIsNoOp(t *testing.T) {
	h := newHarness(t)
	id := h.reg.NextWorkerID()
	h.reg.AddWorker(id, "S", "Echo")
	h.reg.MarkWorkerSpawned(id, 1)
	task := h.reg.CreateTask("work", nil)
	require.NoError(t, h.reg.Assign(task.ID, id))
	require.True(t, h.reg.Complete(task.ID, nil))
	h.drain()

	require.False(t, h.reg.Cancel(task.ID))
	require.False(t, h.reg.Cancel("task-99"))
	require.Empty(t, h.drain())
}

func TestRegistry_AssignPreconditions(t *testing.T) {
	h := newHarness(t)
	id := h.reg.NextWorkerID()
	h.reg.AddWorker(id, "S", "Echo")

	task := h.reg.CreateTask("work", nil)
	require.Error(t, h.reg.Assign(task.ID, id), "starting worker is not assignable")

	h.reg.MarkWorkerSpawned(id, 1)
	require.Error(t, h.reg.Assign("task-99", id))
	require.Error(t, h.reg.Assign(task.ID, "worker-99"))

	require.NoError(t, h.reg.Assign(task.ID, id))
	require.Error(t, h.reg.Assign(task.ID, id), "running task cannot be re-assigned")
}

func TestRegistry_NextForWorkerPrefersOwnBacklog(t *testing.T) {
	h := newHarness(t)
	id := h.reg.NextWorkerID()
	h.reg.AddWorker(id, "S", "Echo")
	h.reg.MarkWorkerSpawned(id, 1)

	global := h.reg.CreateTask("global", nil)
	own := h.reg.CreateTask("own", nil)
	require.NoError(t, h.reg.EnqueueBacklog(own.ID, id))

	next, ok := h.reg.NextForWorker(id)
	require.True(t, ok)
	require.Equal(t, own.ID, next, "own backlog drains first")

	next, ok = h.reg.NextForWorker(id)
	require.True(t, ok)
	require.Equal(t, global.ID, next)

	_, ok = h.reg.NextForWorker(id)
	require.False(t, ok)
}

func TestRegistry_FailWorkerTasksOnCrash(t *testing.T) {
	h := newHarness(t)
	id := h.reg.NextWorkerID()
	h.reg.AddWorker(id, "S", "Echo")
	h.reg.MarkWorkerSpawned(id, 1)

	running := h.reg.CreateTask("t1", nil)
	require.NoError(t, h.reg.Assign(running.ID, id))
	backlog1 := h.reg.CreateTask("t2", nil)
	backlog2 := h.reg.CreateTask("t3", nil)
	require.NoError(t, h.reg.EnqueueBacklog(backlog1.ID, id))
	require.NoError(t, h.reg.EnqueueBacklog(backlog2.ID, id))
	h.drain()

	h.reg.FailWorkerTasks(id, "Worker crashed: signal KILL")

	var failed []wire.TaskFailedEvent
	for _, ev := range h.drain() {
		if f, ok := ev.(wire.TaskFailedEvent); ok {
			failed = append(failed, f)
		}
	}
	require.Len(t, failed, 3)
	require.Equal(t, running.ID, failed[0].TaskID, "in-flight task fails first")
	require.Equal(t, backlog1.ID, failed[1].TaskID)
	require.Equal(t, backlog2.ID, failed[2].TaskID)
	for _, f := range failed {
		require.Equal(t, "Worker crashed: signal KILL", f.Error)
	}

	w, _ := h.reg.GetWorker(id)
	require.Empty(t, w.CurrentTaskID)
	require.Equal(t, 0, h.reg.BacklogLen(id))
}

func TestRegistry_SubmitWithZeroWorkersStaysQueued(t *testing.T) {
	h := newHarness(t)
	task := h.reg.CreateTask("ping", nil)

	got, ok := h.reg.GetTask(task.ID)
	require.True(t, ok)
	require.Equal(t, wire.TaskQueued, got.Status)
	require.Empty(t, got.WorkerID)

	// A worker spawned later picks it up.
	id := h.reg.NextWorkerID()
	h.reg.AddWorker(id, "S", "Echo")
	h.reg.MarkWorkerSpawned(id, 1)
	next, ok := h.reg.NextForWorker(id)
	require.True(t, ok)
	require.Equal(t, task.ID, next)
}
