package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/mcpfleet/fleet/internal/log"
)

// DefaultKillTimeout is the graceful-stop window before SIGKILL.
const DefaultKillTimeout = 5 * time.Second

// CommandFactoryFunc creates an exec.Cmd. Tests inject this to substitute
// controlled processes for real MCP servers.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Builder provides a fluent API for spawning worker runtimes. It
// consolidates the spawn boilerplate (pipe creation, process start, reader
// goroutines) behind validation and cleanup-on-error.
type Builder struct {
	ctx            context.Context
	id             string
	execPath       string
	args           []string
	env            []string
	killTimeout    time.Duration
	commandFactory CommandFactoryFunc
}

// NewBuilder creates a Builder with the given context.
func NewBuilder(ctx context.Context) *Builder {
	return &Builder{
		ctx:         ctx,
		killTimeout: DefaultKillTimeout,
	}
}

// WithID sets the worker id the runtime reports on every event.
func (b *Builder) WithID(id string) *Builder {
	b.id = id
	return b
}

// WithExecutable sets the child command and arguments.
func (b *Builder) WithExecutable(path string, args []string) *Builder {
	b.execPath = path
	b.args = args
	return b
}

// WithEnv appends environment variables ("KEY=VALUE") to os.Environ().
func (b *Builder) WithEnv(env []string) *Builder {
	b.env = env
	return b
}

// WithKillTimeout overrides the SIGTERM to SIGKILL escalation window.
func (b *Builder) WithKillTimeout(d time.Duration) *Builder {
	b.killTimeout = d
	return b
}

// WithCommandFactory sets a custom command factory for testing.
func (b *Builder) WithCommandFactory(fn CommandFactoryFunc) *Builder {
	b.commandFactory = fn
	return b
}

// Build validates the configuration, wires the three pipes, starts the
// process, and launches the stream readers. The returned runtime has
// already queued its EventSpawned. On error all created resources are
// cleaned up and no process is left behind.
func (b *Builder) Build() (*Runtime, error) {
	if b.id == "" {
		return nil, fmt.Errorf("worker builder: id is required")
	}
	if b.execPath == "" {
		return nil, fmt.Errorf("worker builder: executable path is required")
	}

	var cmd *exec.Cmd
	if b.commandFactory != nil {
		cmd = b.commandFactory(b.ctx, b.execPath, b.args...)
	} else {
		// #nosec G204 -- command comes from the operator's server registry
		cmd = exec.Command(b.execPath, b.args...)
	}
	if len(b.env) > 0 {
		cmd.Env = append(os.Environ(), b.env...)
	}

	var stdin io.WriteCloser
	var stdout, stderr io.ReadCloser

	cleanup := func() {
		if stdin != nil {
			_ = stdin.Close()
		}
		if stdout != nil {
			_ = stdout.Close()
		}
		if stderr != nil {
			_ = stderr.Close()
		}
	}

	var err error
	stdin, err = cmd.StdinPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("worker builder: creating stdin pipe: %w", err)
	}
	stdout, err = cmd.StdoutPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("worker builder: creating stdout pipe: %w", err)
	}
	stderr, err = cmd.StderrPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("worker builder: creating stderr pipe: %w", err)
	}

	log.Debug(log.CatWorker, "spawning process",
		"worker", b.id, "execPath", b.execPath)

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, fmt.Errorf("worker builder: starting %s: %w", b.execPath, err)
	}

	r := &Runtime{
		id:          b.id,
		cmd:         cmd,
		stdin:       stdin,
		stdout:      stdout,
		stderr:      stderr,
		events:      make(chan Event, eventBufferSize),
		killTimeout: b.killTimeout,
	}

	// Queued before the readers start, so it is always the first event.
	r.events <- Event{Kind: EventSpawned, WorkerID: b.id, PID: cmd.Process.Pid}

	log.Debug(log.CatWorker, "process started",
		"worker", b.id, "pid", cmd.Process.Pid)

	r.start()
	return r, nil
}
