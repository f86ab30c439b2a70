package registry

import (
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/mcpfleet/fleet/internal/pubsub"
	"github.com/mcpfleet/fleet/internal/wire"
)

// TestRegistry_Invariants drives the registry with random operation
// sequences and checks the structural invariants after every step:
//
//  1. worker busy ⇔ currentTaskId set, and the current task is either
//     running or cancelled-awaiting-discard
//  2. at most one running task per worker
//  3. no task ever leaves a terminal state; completedAt iff terminal
//  4. avgLatencyMs is the mean of all finished latencies on that worker
func TestRegistry_Invariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bus := pubsub.NewBrokerWithBuffer[wire.Event](1)
		defer bus.Close()
		clock := newFakeClock()
		reg := New(bus, WithClock(clock.Now))

		terminal := map[string]wire.TaskStatus{} // first observed terminal per task
		starts := map[string]time.Time{}         // task id → assignment time
		latencies := map[string][]float64{}      // worker id → finished latencies

		finish := func(worker, task string, failed bool) {
			end := clock.Now()
			if start, ok := starts[task]; ok {
				latencies[worker] = append(latencies[worker], float64(end.Sub(start).Milliseconds()))
				delete(starts, task)
			}
			if failed {
				terminal[task] = wire.TaskFailed
			} else {
				terminal[task] = wire.TaskCompleted
			}
		}

		numOps := rapid.IntRange(10, 80).Draw(t, "numOps")
		for i := 0; i < numOps; i++ {
			clock.Advance(time.Duration(rapid.IntRange(1, 500).Draw(t, "tick")) * time.Millisecond)

			switch rapid.IntRange(0, 8).Draw(t, "op") {
			case 0: // spawn a worker
				id := reg.NextWorkerID()
				reg.AddWorker(id, "S", "srv")
				reg.MarkWorkerSpawned(id, 1000+i)

			case 1: // submit a task
				reg.CreateTask("tool", nil)

			case 2: // assign oldest queued to first idle worker
				if task, worker, ok := pickAssignable(reg); ok {
					if err := reg.Assign(task, worker); err == nil {
						starts[task] = clock.Now()
					}
				}

			case 3: // complete a running task
				if task, worker, ok := pickRunning(reg); ok {
					if reg.Complete(task, "ok") {
						finish(worker, task, false)
						reg.MarkWorkerIdle(worker)
					}
				}

			case 4: // fail a running task
				if task, worker, ok := pickRunning(reg); ok {
					if reg.Fail(task, "boom") {
						finish(worker, task, true)
						reg.MarkWorkerIdle(worker)
					}
				}

			case 5: // cancel some non-terminal task
				for _, task := range reg.Tasks() {
					if reg.Cancel(task.ID) {
						terminal[task.ID] = wire.TaskCancelled
						delete(starts, task.ID)
						break
					}
				}

			case 6: // discard the reply of a cancelled current task
				for _, w := range reg.Workers() {
					if w.CurrentTaskID != "" && reg.IsCancelled(w.CurrentTaskID) {
						reg.MarkWorkerIdle(w.ID)
						break
					}
				}

			case 7: // park a queued unassigned task on a worker backlog
				workers := reg.Workers()
				if len(workers) == 0 {
					break
				}
				for _, task := range reg.Tasks() {
					if task.Status == wire.TaskQueued && task.WorkerID == "" {
						_ = reg.EnqueueBacklog(task.ID, workers[0].ID)
						break
					}
				}

			case 8: // an idle worker pulls its next task
				for _, w := range reg.Workers() {
					if w.Status != wire.WorkerIdle {
						continue
					}
					if task, ok := reg.NextForWorker(w.ID); ok {
						if err := reg.Assign(task, w.ID); err == nil {
							starts[task] = clock.Now()
						}
					}
					break
				}
			}

			checkInvariants(t, reg, terminal, latencies)
		}
	})
}

func pickAssignable(reg *Registry) (taskID, workerID string, ok bool) {
	var idle string
	for _, w := range reg.Workers() {
		if w.Status == wire.WorkerIdle {
			idle = w.ID
			break
		}
	}
	if idle == "" {
		return "", "", false
	}
	for _, task := range reg.Tasks() {
		if task.Status == wire.TaskQueued {
			return task.ID, idle, true
		}
	}
	return "", "", false
}

func pickRunning(reg *Registry) (taskID, workerID string, ok bool) {
	for _, task := range reg.Tasks() {
		if task.Status == wire.TaskRunning {
			return task.ID, task.WorkerID, true
		}
	}
	return "", "", false
}

func checkInvariants(t *rapid.T, reg *Registry, terminal map[string]wire.TaskStatus, latencies map[string][]float64) {
	tasks := reg.Tasks()
	workers := reg.Workers()

	byID := map[string]wire.Task{}
	runningByWorker := map[string]int{}
	for _, task := range tasks {
		byID[task.ID] = task
		if task.Status == wire.TaskRunning {
			runningByWorker[task.WorkerID]++
		}

		if task.Status.IsTerminal() != (task.CompletedAt != nil) {
			t.Fatalf("task %s: completedAt presence %v disagrees with status %s",
				task.ID, task.CompletedAt != nil, task.Status)
		}
		if want, sawTerminal := terminal[task.ID]; sawTerminal && task.Status != want {
			t.Fatalf("task %s left terminal state %s for %s", task.ID, want, task.Status)
		}
	}

	for _, w := range workers {
		busy := w.Status == wire.WorkerBusy
		hasTask := w.CurrentTaskID != ""
		if busy != hasTask {
			t.Fatalf("worker %s: busy=%v but currentTaskId=%q", w.ID, busy, w.CurrentTaskID)
		}
		if n := runningByWorker[w.ID]; n > 1 {
			t.Fatalf("worker %s has %d running tasks", w.ID, n)
		}
		if busy {
			current := byID[w.CurrentTaskID]
			if current.Status != wire.TaskRunning && current.Status != wire.TaskCancelled {
				t.Fatalf("worker %s busy with task in state %s", w.ID, current.Status)
			}
		}

		if finished := latencies[w.ID]; len(finished) > 0 {
			var sum float64
			for _, v := range finished {
				sum += v
			}
			mean := sum / float64(len(finished))
			if diff := mean - w.Metrics.AvgLatencyMs; diff > 0.01 || diff < -0.01 {
				t.Fatalf("worker %s avgLatencyMs=%f, want mean %f", w.ID, w.Metrics.AvgLatencyMs, mean)
			}
		}
	}
}
