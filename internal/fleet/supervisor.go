// Package fleet is the composition root: it owns the task registry, the
// scheduler, the worker runtimes, and the WebSocket hub, and translates
// client commands into operations on them. Every state change flows out as
// a wire event: log entries to subscribers only, everything else broadcast.
package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mcpfleet/fleet/internal/config"
	"github.com/mcpfleet/fleet/internal/hub"
	"github.com/mcpfleet/fleet/internal/jsonrpc"
	"github.com/mcpfleet/fleet/internal/log"
	"github.com/mcpfleet/fleet/internal/pubsub"
	"github.com/mcpfleet/fleet/internal/registry"
	"github.com/mcpfleet/fleet/internal/scheduler"
	"github.com/mcpfleet/fleet/internal/tracing"
	"github.com/mcpfleet/fleet/internal/worker"
	"github.com/mcpfleet/fleet/internal/wire"
)

// DefaultShutdownTimeout bounds the graceful-stop wait for the pool.
const DefaultShutdownTimeout = 10 * time.Second

// commandErrorTaskID tags synthetic task:failed events answering a bad or
// failing command, sent only to the originating client.
const commandErrorTaskID = "command-error"

// Runtime is the slice of worker.Runtime the supervisor drives. Tests
// substitute scripted implementations through the factory.
type Runtime interface {
	ID() string
	PID() int
	Events() <-chan worker.Event
	Send(taskID, tool string, args map[string]any) error
	CurrentTaskID() string
	ClearTask()
	RequestStop()
}

// RuntimeFactory spawns a runtime for one server entry.
type RuntimeFactory func(ctx context.Context, id string, entry config.ServerEntry) (Runtime, error)

// defaultFactory spawns real OS processes.
func defaultFactory(killTimeout time.Duration) RuntimeFactory {
	return func(ctx context.Context, id string, entry config.ServerEntry) (Runtime, error) {
		return worker.NewBuilder(ctx).
			WithID(id).
			WithExecutable(entry.Command, entry.Args).
			WithKillTimeout(killTimeout).
			Build()
	}
}

// Supervisor composes the registry, scheduler, hub, and worker runtimes.
type Supervisor struct {
	servers *config.ServerRegistry
	bus     *pubsub.Broker[wire.Event]
	reg     *registry.Registry
	sched   *scheduler.Scheduler
	hub     *hub.Hub
	factory RuntimeFactory
	tracer  trace.Tracer

	shutdownTimeout time.Duration

	mu       sync.Mutex
	runtimes map[string]Runtime
	spans    map[string]trace.Span

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithRuntimeFactory substitutes the process spawner, for tests.
func WithRuntimeFactory(f RuntimeFactory) Option {
	return func(s *Supervisor) { s.factory = f }
}

// WithShutdownTimeout overrides the graceful-stop bound.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.shutdownTimeout = d }
}

// WithTracer records task-lifecycle spans on the given provider.
func WithTracer(p *tracing.Provider) Option {
	return func(s *Supervisor) { s.tracer = p.Tracer() }
}

// New creates a running supervisor. servers may be nil when every spawn
// command carries an explicit command line. hubOpts pass through to the
// hub (heartbeat interval).
func New(cfg config.WorkerConfig, servers *config.ServerRegistry, hubOpts []hub.Option, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		servers:         servers,
		bus:             pubsub.NewBrokerWithBuffer[wire.Event](256),
		factory:         defaultFactory(cfg.KillTimeout),
		tracer:          noop.NewTracerProvider().Tracer("noop"),
		shutdownTimeout: cfg.ShutdownTimeout,
		runtimes:        make(map[string]Runtime),
		spans:           make(map[string]trace.Span),
		ctx:             ctx,
		cancel:          cancel,
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = DefaultShutdownTimeout
	}

	s.reg = registry.New(s.bus)
	s.sched = scheduler.New(s.reg, s.dispatch)
	s.hub = hub.New(s, hubOpts...)

	for _, opt := range opts {
		opt(s)
	}

	log.SafeGo("fleet.route", s.routeEvents)
	return s
}

// Hub returns the WebSocket handler to mount on the HTTP server.
func (s *Supervisor) Hub() *hub.Hub {
	return s.hub
}

// Registry exposes read access to worker and task snapshots.
func (s *Supervisor) Registry() *registry.Registry {
	return s.reg
}

// HandleCommand translates one client command. Unknown command types and
// handler failures answer the originating client with a synthetic
// task:failed carrying taskId "command-error".
func (s *Supervisor) HandleCommand(clientID string, cmd wire.Command) {
	switch cmd.Type {
	case wire.CmdSpawn:
		s.handleSpawn(clientID, cmd)
	case wire.CmdKill:
		s.handleKill(clientID, cmd)
	case wire.CmdSubmit:
		s.handleSubmit(clientID, cmd)
	case wire.CmdCancel:
		s.handleCancel(clientID, cmd)
	default:
		s.commandError(clientID, fmt.Sprintf("Unknown command type: %s", cmd.Type))
	}
}

func (s *Supervisor) commandError(clientID, msg string) {
	log.Warn(log.CatFleet, "command error", "client", clientID, "error", msg)
	s.hub.Send(clientID, wire.NewTaskFailed(commandErrorTaskID, msg))
}

// handleSpawn resolves the spawn tuple, either from the command itself or
// through the server registry, and starts a worker for it.
func (s *Supervisor) handleSpawn(clientID string, cmd wire.Command) {
	var entry config.ServerEntry
	if cmd.Command != "" {
		entry = config.ServerEntry{
			ID:      cmd.ServerID,
			Name:    cmd.ServerName,
			Command: cmd.Command,
			Args:    cmd.Args,
		}
	} else {
		if s.servers == nil {
			s.commandError(clientID, fmt.Sprintf("no config found for server %s", cmd.ServerID))
			return
		}
		resolved, err := s.servers.Resolve(cmd.ServerID)
		if err != nil {
			s.commandError(clientID, err.Error())
			return
		}
		entry = resolved
		if cmd.ServerName != "" {
			entry.Name = cmd.ServerName
		}
	}

	s.spawnWorker(entry)
}

// spawnWorker registers the worker and starts its child process. A spawn
// failure surfaces as worker:updated to error, then worker:stopped.
func (s *Supervisor) spawnWorker(entry config.ServerEntry) {
	id := s.reg.NextWorkerID()
	s.reg.AddWorker(id, entry.ID, entry.Name)

	rt, err := s.factory(s.ctx, id, entry)
	if err != nil {
		log.ErrorErr(log.CatFleet, "spawn failed", err, "worker", id, "server", entry.ID)
		s.reg.MarkWorkerError(id)
		s.reg.RemoveWorker(id)
		return
	}

	s.mu.Lock()
	s.runtimes[id] = rt
	s.mu.Unlock()

	s.wg.Add(1)
	log.SafeGo("fleet.runtime["+id+"]", func() { s.runtimeLoop(rt) })
}

func (s *Supervisor) handleKill(clientID string, cmd wire.Command) {
	rt := s.runtime(cmd.WorkerID)
	if rt == nil {
		s.commandError(clientID, fmt.Sprintf("Unknown worker: %s", cmd.WorkerID))
		return
	}
	// A second kill for the same worker is a silent no-op.
	if s.reg.MarkWorkerStopping(cmd.WorkerID) {
		rt.RequestStop()
	}
}

func (s *Supervisor) handleSubmit(clientID string, cmd wire.Command) {
	if cmd.Tool == "" {
		s.commandError(clientID, "submit requires a tool name")
		return
	}
	s.sched.Submit(cmd.Tool, cmd.Params)
}

func (s *Supervisor) handleCancel(clientID string, cmd wire.Command) {
	if !s.reg.Cancel(cmd.TaskID) {
		s.commandError(clientID, fmt.Sprintf("Cannot cancel task: %s", cmd.TaskID))
	}
}

// dispatch delivers an assigned task to its worker's stdin. A write
// failure fails the task and returns the worker to idle, then retries the
// pull so the backlog keeps moving.
func (s *Supervisor) dispatch(task wire.Task, workerID string) {
	rt := s.runtime(workerID)
	if rt == nil {
		s.reg.Fail(task.ID, fmt.Sprintf("Worker unavailable: %s", workerID))
		return
	}

	if err := rt.Send(task.ID, task.Tool, task.Params); err != nil {
		log.ErrorErr(log.CatFleet, "dispatch failed", err, "task", task.ID, "worker", workerID)
		s.reg.Fail(task.ID, err.Error())
		rt.ClearTask()
		if s.reg.MarkWorkerIdle(workerID) {
			s.sched.WorkerIdle(workerID)
		}
	}
}

func (s *Supervisor) runtime(id string) Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtimes[id]
}

// runtimeLoop consumes one runtime's events until its channel closes,
// which happens only after the final exit event.
func (s *Supervisor) runtimeLoop(rt Runtime) {
	defer s.wg.Done()

	for ev := range rt.Events() {
		switch ev.Kind {
		case worker.EventSpawned:
			s.reg.MarkWorkerSpawned(rt.ID(), ev.PID)
			s.sched.WorkerIdle(rt.ID())

		case worker.EventReply:
			s.handleReply(rt, ev)

		case worker.EventLog:
			s.bus.Publish(wire.NewLogEntry(ev.Entry))

		case worker.EventExited:
			s.handleExit(rt, ev)
		}
	}
}

// handleReply applies one decoded stdout object. Replies for a cancelled
// task are discarded without events; the worker only then returns to idle.
func (s *Supervisor) handleReply(rt Runtime, ev worker.Event) {
	reply := ev.Reply
	if reply.TaskID == "" {
		log.Debug(log.CatFleet, "reply without task id dropped", "worker", rt.ID())
		return
	}

	if s.reg.IsCancelled(reply.TaskID) {
		// Progress from a cancelled task is noise; a terminal reply is the
		// moment the worker finally comes back.
		if reply.Kind != jsonrpc.ReplyProgress {
			log.Debug(log.CatFleet, "discarding reply for cancelled task",
				"task", reply.TaskID, "worker", rt.ID())
			s.finishCurrent(rt)
		}
		return
	}

	switch reply.Kind {
	case jsonrpc.ReplyProgress:
		s.reg.Progress(reply.TaskID, reply.Progress)

	case jsonrpc.ReplyResult:
		if s.reg.Complete(reply.TaskID, reply.Result) {
			s.reg.AddTokens(rt.ID(), reply.TokensUsed)
			s.finishCurrent(rt)
		} else {
			log.Debug(log.CatFleet, "result for unfinishable task dropped",
				"task", reply.TaskID, "worker", rt.ID())
		}

	case jsonrpc.ReplyError:
		if s.reg.Fail(reply.TaskID, reply.ErrMessage) {
			s.reg.AddTokens(rt.ID(), reply.TokensUsed)
			s.finishCurrent(rt)
		} else {
			log.Debug(log.CatFleet, "error for unfinishable task dropped",
				"task", reply.TaskID, "worker", rt.ID())
		}
	}
}

// finishCurrent returns the worker to idle after its task finalized and
// immediately offers it the next task.
func (s *Supervisor) finishCurrent(rt Runtime) {
	rt.ClearTask()
	if s.reg.MarkWorkerIdle(rt.ID()) {
		s.sched.WorkerIdle(rt.ID())
	}
}

// handleExit finalizes a departed worker. Unexpected exits fail the
// in-flight task and the whole backlog with "Worker crashed: <desc>";
// requested stops fail leftovers with "Worker stopped". The worker record
// and every client log subscription for it are removed either way.
func (s *Supervisor) handleExit(rt Runtime, ev worker.Event) {
	id := rt.ID()

	if ev.Unexpected {
		log.Warn(log.CatFleet, "worker crashed", "worker", id, "exit", ev.ExitDesc)
		s.reg.FailWorkerTasks(id, "Worker crashed: "+ev.ExitDesc)
		s.reg.MarkWorkerError(id)
	} else {
		s.reg.FailWorkerTasks(id, "Worker stopped")
	}

	s.reg.RemoveWorker(id)
	s.hub.DropSubscriptions(id)

	s.mu.Lock()
	delete(s.runtimes, id)
	s.mu.Unlock()
}

// routeEvents forwards bus events to clients: log entries to subscribers
// of the emitting worker, everything else broadcast. Task events also
// drive the per-task tracing spans.
func (s *Supervisor) routeEvents() {
	for ev := range s.bus.Subscribe(s.ctx) {
		s.recordSpan(ev)

		if ev.Kind() == wire.EvLogEntry {
			if logEv, ok := ev.(wire.LogEntryEvent); ok {
				s.hub.SendToLogSubscribers(logEv.Entry.WorkerID, ev)
			}
			continue
		}
		s.hub.Broadcast(ev)
	}
}

// recordSpan maintains one span per task, submit to terminal state.
func (s *Supervisor) recordSpan(ev wire.Event) {
	switch e := ev.(type) {
	case wire.TaskQueuedEvent:
		_, span := s.tracer.Start(context.Background(), tracing.SpanTask,
			trace.WithAttributes(
				attribute.String(tracing.AttrTaskID, e.Task.ID),
				attribute.String(tracing.AttrTool, e.Task.Tool),
			))
		s.mu.Lock()
		s.spans[e.Task.ID] = span
		s.mu.Unlock()

	case wire.TaskStartedEvent:
		s.mu.Lock()
		span := s.spans[e.TaskID]
		s.mu.Unlock()
		if span != nil {
			span.SetAttributes(attribute.String(tracing.AttrWorkerID, e.WorkerID))
		}

	case wire.TaskCompletedEvent:
		s.endSpan(e.TaskID, "completed", "")

	case wire.TaskFailedEvent:
		outcome := "failed"
		if e.Error == registry.CancelledError {
			outcome = "cancelled"
		}
		s.endSpan(e.TaskID, outcome, e.Error)
	}
}

func (s *Supervisor) endSpan(taskID, outcome, errMsg string) {
	s.mu.Lock()
	span := s.spans[taskID]
	delete(s.spans, taskID)
	s.mu.Unlock()
	if span == nil {
		return
	}

	span.SetAttributes(attribute.String(tracing.AttrOutcome, outcome))
	if outcome == "failed" {
		span.SetStatus(codes.Error, errMsg)
		span.SetAttributes(attribute.String(tracing.AttrErrorMessage, errMsg))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Stop shuts the fleet down: request-stop every worker, wait (bounded) for
// all runtimes to exit, then close the hub so every client gets a clean
// 1001 close.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	runtimes := make([]Runtime, 0, len(s.runtimes))
	for _, rt := range s.runtimes {
		runtimes = append(runtimes, rt)
	}
	s.mu.Unlock()

	log.Info(log.CatFleet, "stopping fleet", "workers", len(runtimes))

	for _, rt := range runtimes {
		s.reg.MarkWorkerStopping(rt.ID())
		rt.RequestStop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.shutdownTimeout):
		log.Warn(log.CatFleet, "shutdown timeout, abandoning workers",
			"timeout", s.shutdownTimeout)
	}

	s.hub.Shutdown()
	s.cancel()
	s.bus.Close()
}
