// Package registry is the authoritative in-memory store for workers and
// tasks. Every mutation runs under one mutex and publishes its events
// before the lock is released, so observers see state changes and events
// in the same total order.
package registry

import "github.com/mcpfleet/fleet/internal/wire"

// validWorkerTransitions defines the legal worker lifecycle moves.
// Terminated is terminal; error is reachable from every live state.
var validWorkerTransitions = map[wire.WorkerStatus]map[wire.WorkerStatus]bool{
	wire.WorkerStarting: {
		wire.WorkerIdle:     true,
		wire.WorkerErrored:  true,
		wire.WorkerStopping: true,
	},
	wire.WorkerIdle: {
		wire.WorkerBusy:     true,
		wire.WorkerErrored:  true,
		wire.WorkerStopping: true,
	},
	wire.WorkerBusy: {
		wire.WorkerIdle:     true,
		wire.WorkerErrored:  true,
		wire.WorkerStopping: true,
	},
	wire.WorkerErrored: {
		wire.WorkerStopping:   true,
		wire.WorkerTerminated: true,
	},
	wire.WorkerStopping: {
		wire.WorkerTerminated: true,
	},
	wire.WorkerTerminated: {},
}

// validTaskTransitions defines the legal task lifecycle moves. The three
// terminal states admit nothing; cancel is legal from any non-terminal.
// queued → failed covers backlog tasks orphaned by a worker crash.
var validTaskTransitions = map[wire.TaskStatus]map[wire.TaskStatus]bool{
	wire.TaskQueued: {
		wire.TaskRunning:   true,
		wire.TaskFailed:    true,
		wire.TaskCancelled: true,
	},
	wire.TaskRunning: {
		wire.TaskCompleted: true,
		wire.TaskFailed:    true,
		wire.TaskCancelled: true,
	},
	wire.TaskCompleted: {},
	wire.TaskFailed:    {},
	wire.TaskCancelled: {},
}

// CanWorkerTransition reports whether from → to is a legal worker move.
func CanWorkerTransition(from, to wire.WorkerStatus) bool {
	return validWorkerTransitions[from][to]
}

// CanTaskTransition reports whether from → to is a legal task move.
func CanTaskTransition(from, to wire.TaskStatus) bool {
	return validTaskTransitions[from][to]
}
