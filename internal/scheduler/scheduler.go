// Package scheduler implements the task assignment policy: idle workers
// first, then the least-loaded eligible backlog, with worker-pull
// redispatch whenever a worker becomes idle.
package scheduler

import (
	"github.com/mcpfleet/fleet/internal/log"
	"github.com/mcpfleet/fleet/internal/registry"
	"github.com/mcpfleet/fleet/internal/wire"
)

// DispatchFunc delivers an assigned task to its worker's runtime. The
// registry has already committed the assignment when this runs.
type DispatchFunc func(task wire.Task, workerID string)

// Scheduler decides where submitted tasks go. It owns no state of its
// own; the registry is the single source of truth.
type Scheduler struct {
	reg      *registry.Registry
	dispatch DispatchFunc
}

// New creates a scheduler over the given registry.
func New(reg *registry.Registry, dispatch DispatchFunc) *Scheduler {
	return &Scheduler{reg: reg, dispatch: dispatch}
}

// Submit creates the task and places it: the lexicographically first idle
// worker wins; otherwise the task parks on the shortest eligible backlog;
// with no eligible worker at all it stays globally queued until a future
// spawn pulls it.
func (s *Scheduler) Submit(tool string, params map[string]any) wire.Task {
	task := s.reg.CreateTask(tool, params)

	if workerID, ok := s.firstIdle(); ok {
		if err := s.reg.Assign(task.ID, workerID); err == nil {
			log.Debug(log.CatSched, "assigned to idle worker", "task", task.ID, "worker", workerID)
			s.dispatch(task, workerID)
			return task
		}
	}

	if workerID, ok := s.shortestBacklog(); ok {
		if err := s.reg.EnqueueBacklog(task.ID, workerID); err == nil {
			log.Debug(log.CatSched, "parked on backlog", "task", task.ID, "worker", workerID)
			return task
		}
	}

	log.Debug(log.CatSched, "no eligible worker, task stays queued", "task", task.ID)
	return task
}

// WorkerIdle runs the worker-pull path: the worker drains its own backlog
// first, then takes the oldest globally queued task.
func (s *Scheduler) WorkerIdle(workerID string) {
	taskID, ok := s.reg.NextForWorker(workerID)
	if !ok {
		return
	}
	if err := s.reg.Assign(taskID, workerID); err != nil {
		log.Warn(log.CatSched, "pull assignment rejected",
			"task", taskID, "worker", workerID, "error", err)
		return
	}
	task, _ := s.reg.GetTask(taskID)
	log.Debug(log.CatSched, "worker pulled task", "task", taskID, "worker", workerID)
	s.dispatch(task, workerID)
}

// firstIdle returns the lexicographically first idle worker. Workers()
// already sorts by id.
func (s *Scheduler) firstIdle() (string, bool) {
	for _, w := range s.reg.Workers() {
		if w.Status == wire.WorkerIdle {
			return w.ID, true
		}
	}
	return "", false
}

// shortestBacklog returns the eligible worker with the fewest parked
// tasks. Workers in error or stopping (or already terminal) take nothing;
// ties break toward the lexicographically smaller id via sort order.
func (s *Scheduler) shortestBacklog() (string, bool) {
	best := ""
	bestLen := 0
	for _, w := range s.reg.Workers() {
		switch w.Status {
		case wire.WorkerErrored, wire.WorkerStopping, wire.WorkerTerminated:
			continue
		}
		n := s.reg.BacklogLen(w.ID)
		if best == "" || n < bestLen {
			best = w.ID
			bestLen = n
		}
	}
	return best, best != ""
}
