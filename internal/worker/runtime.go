// Package worker owns one MCP child process: spawning, stream parsing,
// JSON-RPC request writes, stop escalation, and exit handling. The runtime
// translates the child's byte streams into a single ordered event channel;
// it never touches task or worker state, which belongs to the registry.
package worker

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpfleet/fleet/internal/jsonrpc"
	"github.com/mcpfleet/fleet/internal/log"
	"github.com/mcpfleet/fleet/internal/stream"
	"github.com/mcpfleet/fleet/internal/wire"
)

// EventKind identifies the kind of runtime event.
type EventKind string

const (
	// EventSpawned is emitted once, after the OS process started.
	EventSpawned EventKind = "spawned"
	// EventReply is a decoded stdout object: progress, result, or error.
	EventReply EventKind = "reply"
	// EventLog is a stderr line or non-JSON stdout line.
	EventLog EventKind = "log"
	// EventExited is the final event; the channel closes after it.
	EventExited EventKind = "exited"
)

// Event is one observation from the child, delivered in emission order.
type Event struct {
	Kind     EventKind
	WorkerID string
	// PID is set for EventSpawned.
	PID int
	// Reply is set for EventReply. TaskID falls back to the task the
	// runtime last wrote to stdin when the child omits the id echo.
	Reply jsonrpc.Reply
	// Entry is set for EventLog.
	Entry wire.LogEntry
	// ExitDesc describes how the process ended, e.g. "signal KILL".
	// Unexpected is true when the exit was not preceded by RequestStop.
	ExitDesc   string
	Unexpected bool
}

const eventBufferSize = 64

// readChunkSize is deliberately small enough that torn lines across reads
// are routine, which the framer handles.
const readChunkSize = 32 * 1024

// Runtime supervises a single child process.
type Runtime struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	events chan Event

	killTimeout time.Duration

	mu            sync.RWMutex
	currentTaskID string
	stopRequested bool
	wg            sync.WaitGroup // stdout and stderr readers
}

// ID returns the worker id this runtime serves.
func (r *Runtime) ID() string {
	return r.id
}

// PID returns the OS process id, or -1 if the process never started.
func (r *Runtime) PID() int {
	if r.cmd == nil || r.cmd.Process == nil {
		return -1
	}
	return r.cmd.Process.Pid
}

// Events returns the runtime's event channel. It is closed after
// EventExited is delivered.
func (r *Runtime) Events() <-chan Event {
	return r.events
}

// CurrentTaskID returns the task most recently written to stdin.
func (r *Runtime) CurrentTaskID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentTaskID
}

// ClearTask forgets the current task id once the registry finalized it.
func (r *Runtime) ClearTask() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentTaskID = ""
}

// Send writes one tools/call request to the child's stdin. A write failure
// is returned to the caller, which reports the task failed and returns the
// worker toward idle.
func (r *Runtime) Send(taskID, tool string, args map[string]any) error {
	data, err := jsonrpc.NewToolCall(taskID, tool, args).Encode()
	if err != nil {
		return err
	}

	r.mu.Lock()
	stdin := r.stdin
	r.currentTaskID = taskID
	r.mu.Unlock()

	if stdin == nil {
		r.ClearTask()
		return fmt.Errorf("worker %s: stdin closed", r.id)
	}
	// Write outside the lock: a stalled child must not block RequestStop.
	if _, err := stdin.Write(data); err != nil {
		r.ClearTask()
		return fmt.Errorf("worker %s: writing tool call: %w", r.id, err)
	}

	log.Debug(log.CatRPC, "tool call sent", "worker", r.id, "task", taskID, "tool", tool)
	return nil
}

// RequestStop begins graceful termination: close stdin, send SIGTERM, and
// escalate to SIGKILL if the process is still alive after the kill timeout.
// Idempotent.
func (r *Runtime) RequestStop() {
	r.mu.Lock()
	if r.stopRequested {
		r.mu.Unlock()
		return
	}
	r.stopRequested = true
	stdin := r.stdin
	r.stdin = nil
	r.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	pid := r.PID()
	if pid <= 0 {
		return
	}

	log.Debug(log.CatWorker, "stop requested", "worker", r.id, "pid", pid)
	_ = terminateProcess(pid)

	time.AfterFunc(r.killTimeout, func() {
		if isProcessAlive(pid) {
			log.Warn(log.CatWorker, "kill escalation", "worker", r.id, "pid", pid)
			_ = killProcess(pid)
		}
	})
}

func (r *Runtime) stopWasRequested() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stopRequested
}

// start launches the stream readers and the exit waiter.
func (r *Runtime) start() {
	r.wg.Add(2)
	log.SafeGo("worker.readStdout["+r.id+"]", r.readStdout)
	log.SafeGo("worker.readStderr["+r.id+"]", r.readStderr)
	log.SafeGo("worker.waitExit["+r.id+"]", r.waitExit)
}

func (r *Runtime) readStdout() {
	defer r.wg.Done()

	framer := stream.NewFramer()
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.stdout.Read(buf)
		if n > 0 {
			for _, line := range framer.Write(buf[:n]) {
				r.handleStdoutLine(line)
			}
		}
		if err != nil {
			if final := framer.Flush(); final != "" {
				r.handleStdoutLine(final)
			}
			return
		}
	}
}

// handleStdoutLine decodes one stdout line. Lines that are not JSON
// objects become info log entries rather than protocol errors.
func (r *Runtime) handleStdoutLine(line string) {
	reply, err := jsonrpc.ParseReply([]byte(line))
	if err != nil {
		r.events <- Event{
			Kind:     EventLog,
			WorkerID: r.id,
			Entry:    r.logEntry(wire.LogInfo, line),
		}
		return
	}
	if reply.TaskID == "" {
		reply.TaskID = r.CurrentTaskID()
	}
	r.events <- Event{Kind: EventReply, WorkerID: r.id, Reply: reply}
}

func (r *Runtime) readStderr() {
	defer r.wg.Done()

	framer := stream.NewFramer()
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.stderr.Read(buf)
		if n > 0 {
			for _, line := range framer.Write(buf[:n]) {
				r.emitStderrLine(line)
			}
		}
		if err != nil {
			if final := framer.Flush(); final != "" {
				r.emitStderrLine(final)
			}
			return
		}
	}
}

func (r *Runtime) emitStderrLine(line string) {
	r.events <- Event{
		Kind:     EventLog,
		WorkerID: r.id,
		Entry:    r.logEntry(wire.DetectLevel(line), line),
	}
}

func (r *Runtime) logEntry(level wire.LogLevel, message string) wire.LogEntry {
	return wire.LogEntry{
		ID:        uuid.NewString(),
		WorkerID:  r.id,
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
	}
}

// waitExit waits for both stream readers to observe EOF, reaps the process,
// and emits the final EventExited. Stream-closed-before-terminated ordering
// is what lets the registry treat EventExited as authoritative.
func (r *Runtime) waitExit() {
	r.wg.Wait()
	err := r.cmd.Wait()

	desc := describeExit(r.cmd, err)
	unexpected := !r.stopWasRequested()

	log.Debug(log.CatWorker, "process exited",
		"worker", r.id, "desc", desc, "unexpected", unexpected)

	r.events <- Event{
		Kind:       EventExited,
		WorkerID:   r.id,
		ExitDesc:   desc,
		Unexpected: unexpected,
	}
	close(r.events)
}
