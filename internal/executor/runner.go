package executor

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Spec describes one external program invocation. Args are passed as a
// discrete vector; nothing is ever routed through a shell.
type Spec struct {
	Program string
	Args    []string
	Dir     string
}

// LineSink receives each line of the process's combined stdout/stderr as it
// is produced.
type LineSink func(line string)

// SpawnError reports that a program could not be started at all.
type SpawnError struct {
	Program string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Program, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Handle tracks one started process.
type Handle interface {
	// Wait blocks until the process has exited and its output has been
	// fully drained, then returns the exit code. The code is -1 when the
	// process was killed by a signal.
	Wait() (int, error)
	// Done is closed once Wait would no longer block.
	Done() <-chan struct{}
	// Stop requests cooperative termination (SIGTERM), escalating to
	// SIGKILL after the runner's grace period. Safe to call more than
	// once and after exit.
	Stop()
}

type Runner interface {
	Start(ctx context.Context, spec Spec, sink LineSink) (Handle, error)
}

type RunnerOption func(*execRunner)

// WithGracePeriod sets how long Stop waits for a clean exit before killing.
func WithGracePeriod(d time.Duration) RunnerOption {
	return func(r *execRunner) {
		if d > 0 {
			r.grace = d
		}
	}
}

func NewExecRunner(opts ...RunnerOption) Runner {
	r := &execRunner{grace: 5 * time.Second}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type execRunner struct {
	grace time.Duration
}

func (r *execRunner) Start(ctx context.Context, spec Spec, sink LineSink) (Handle, error) {
	runCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(runCtx, spec.Program, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.grace

	// stderr shares stdout's pipe so callers observe one ordered stream.
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &SpawnError{Program: spec.Program, Err: err}
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &SpawnError{Program: spec.Program, Err: err}
	}

	h := &execHandle{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer cancel()
		scanner := bufio.NewScanner(stdout)
		buf := make([]byte, 64*1024)
		scanner.Buffer(buf, 64*1024)
		for scanner.Scan() {
			if sink != nil {
				sink(scanner.Text())
			}
		}
		if err := scanner.Err(); err != nil {
			slog.Error("scanning process output", "program", spec.Program, "error", err)
		}

		waitErr := cmd.Wait()
		h.mu.Lock()
		h.exitCode = cmd.ProcessState.ExitCode()
		h.waitErr = waitErr
		h.mu.Unlock()
		close(h.done)
	}()

	return h, nil
}

type execHandle struct {
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
	exitCode int
	waitErr  error
}

func (h *execHandle) Wait() (int, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.waitErr
}

func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) Stop() { h.cancel() }
