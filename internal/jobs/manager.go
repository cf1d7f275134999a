package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rnaworks/foldserver/internal/executor"
	"github.com/rnaworks/foldserver/internal/webhook"
)

var errMaxRuntime = errors.New("maximum runtime elapsed")

// Manager orchestrates job execution: it accepts submissions, hands them to
// the dispatcher, supervises one process per running job, enforces the state
// machine, and serves status/result/log/cancel/list queries without ever
// blocking on a job's completion.
type Manager struct {
	store      Store
	dispatcher *Dispatcher
	runner     executor.Runner
	sender     webhook.Sender
	streamer   *LogStreamer
	maxRuntime time.Duration

	mu     sync.Mutex
	active map[string]*activeJob
	logs   map[string]*LogBuffer
	wg     sync.WaitGroup
}

// activeJob carries the supervisor-side bookkeeping for one non-terminal
// job: the cancellation intent and, once spawned, the process handle.
type activeJob struct {
	mu        sync.Mutex
	cancelled bool
	reason    string
	finalized bool
	handle    executor.Handle
}

type ManagerOption func(*Manager)

// WithMaxRuntime bounds each job's wall-clock runtime. Zero disables the
// bound.
func WithMaxRuntime(d time.Duration) ManagerOption {
	return func(m *Manager) { m.maxRuntime = d }
}

func NewManager(store Store, dispatcher *Dispatcher, runner executor.Runner, sender webhook.Sender, streamer *LogStreamer, opts ...ManagerOption) (*Manager, error) {
	if store == nil || dispatcher == nil || runner == nil || streamer == nil {
		return nil, errors.New("manager requires store, dispatcher, runner and streamer")
	}
	m := &Manager{
		store:      store,
		dispatcher: dispatcher,
		runner:     runner,
		sender:     sender,
		streamer:   streamer,
		active:     make(map[string]*activeJob),
		logs:       make(map[string]*LogBuffer),
	}
	for _, opt := range opts {
		opt(m)
	}
	dispatcher.Start(m.supervise)
	return m, nil
}

// Stop cancels every non-terminal job, drains the worker pool, and waits for
// outstanding webhook deliveries.
func (m *Manager) Stop() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if _, err := m.Cancel(id, "server shutting down"); err != nil && !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrNotFound) {
			slog.Warn("cancelling job at shutdown", "job_id", id, "error", err)
		}
	}
	m.dispatcher.Stop()
	m.wg.Wait()
}

// Submit validates the request, creates a pending record, and queues it for
// admission. It returns the fresh record even when every worker slot is
// busy; only malformed input is rejected.
func (m *Manager) Submit(req SubmitRequest) (*Job, error) {
	if req.Program == "" {
		return nil, &ValidationError{Reason: "program path must not be empty"}
	}

	name := req.Name
	if name == "" {
		name = filepath.Base(req.Program)
	}
	job := &Job{
		ID:          uuid.NewString(),
		Name:        name,
		Program:     req.Program,
		Args:        append([]string(nil), req.Args...),
		WorkingDir:  req.WorkingDir,
		OutputDir:   req.OutputDir,
		WebhookURL:  req.WebhookURL,
		Metadata:    req.Metadata,
		State:       StatePending,
		SubmittedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.active[job.ID] = &activeJob{}
	m.logs[job.ID] = NewLogBuffer()
	m.mu.Unlock()

	if err := m.store.Create(job); err != nil {
		m.release(job.ID)
		return nil, fmt.Errorf("create job record: %w", err)
	}
	JobsSubmittedTotal.Inc()
	JobsPending.Inc()
	m.notify(job)

	if err := m.dispatcher.Enqueue(job.ID); err != nil {
		now := time.Now().UTC()
		job, _ = m.store.Mutate(job.ID, func(j *Job) error {
			j.State = StateFailed
			j.Error = err.Error()
			j.FinishedAt = &now
			return nil
		})
		m.release(job.ID)
		JobsPending.Dec()
		JobsFailedTotal.Inc()
		m.notify(job)
		return nil, fmt.Errorf("queue job: %w", err)
	}

	slog.Info("job submitted", "job_id", job.ID, "name", job.Name, "program", job.Program)
	return job.Clone(), nil
}

// Get returns the current record for a job.
func (m *Manager) Get(id string) (*Job, error) {
	return m.store.Get(id)
}

// Result returns the result payload of a completed job, or ErrNotReady for
// any other state.
func (m *Manager) Result(id string) (*Result, error) {
	job, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if job.State != StateCompleted || job.Result == nil {
		return nil, fmt.Errorf("%w: job is %s", ErrNotReady, job.State)
	}
	return job.Result, nil
}

// Log returns the tail of a job's log (all lines when tail == 0) together
// with the total number of lines produced so far.
func (m *Manager) Log(id string, tail int) ([]string, int, error) {
	if _, err := m.store.Get(id); err != nil {
		return nil, 0, err
	}
	m.mu.Lock()
	buf := m.logs[id]
	m.mu.Unlock()
	if buf == nil {
		// Records restored from a previous process have no buffer.
		return []string{}, 0, nil
	}
	return buf.Tail(tail), buf.Len(), nil
}

// List returns all records in submission order, optionally filtered to one
// state.
func (m *Manager) List(filter State) ([]*Job, error) {
	if filter != "" && !filter.Valid() {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown state %q", filter)}
	}
	return m.store.List(filter)
}

// Cancel requests cancellation. A pending job is finalized immediately, a
// running one is signalled and finalized by its supervisor once the process
// is gone. Cancelling a terminal job is rejected with ErrInvalidTransition
// and never mutates the record.
func (m *Manager) Cancel(id, reason string) (*Job, error) {
	if reason == "" {
		reason = "cancelled by caller"
	}

	m.mu.Lock()
	a := m.active[id]
	m.mu.Unlock()
	if a == nil {
		job, err := m.store.Get(id)
		if err != nil {
			return nil, err
		}
		return job, fmt.Errorf("%w: job is already %s", ErrInvalidTransition, job.State)
	}

	a.mu.Lock()
	if a.finalized {
		a.mu.Unlock()
		job, err := m.store.Get(id)
		if err != nil {
			return nil, err
		}
		return job, fmt.Errorf("%w: job is already %s", ErrInvalidTransition, job.State)
	}
	if a.cancelled {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: cancellation already requested", ErrInvalidTransition)
	}
	a.cancelled = true
	a.reason = reason
	h := a.handle
	a.mu.Unlock()

	if h != nil {
		// Running: signal and let the supervisor observe the exit.
		h.Stop()
		return m.store.Get(id)
	}

	// Pending: nothing was spawned, finalize here.
	now := time.Now().UTC()
	job, err := m.store.Mutate(id, func(j *Job) error {
		if j.State != StatePending {
			return fmt.Errorf("%w: job is already %s", ErrInvalidTransition, j.State)
		}
		j.State = StateCancelled
		j.Error = reason
		j.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.finalized = true
	a.mu.Unlock()
	m.release(id)
	JobsPending.Dec()
	JobsCancelledTotal.Inc()
	m.streamer.Close(id)
	m.notify(job)
	slog.Info("job cancelled before start", "job_id", id, "reason", reason)
	return job, nil
}

// Recover re-arms jobs persisted by a previous process: interrupted running
// jobs were already failed by the store; pending ones are re-enqueued in
// submission order.
func (m *Manager) Recover() error {
	r, ok := m.store.(interface{ RecoverInterrupted() ([]string, error) })
	if !ok {
		return nil
	}
	ids, err := r.RecoverInterrupted()
	if err != nil {
		return err
	}
	for _, id := range ids {
		m.mu.Lock()
		m.active[id] = &activeJob{}
		m.logs[id] = NewLogBuffer()
		m.mu.Unlock()
		JobsPending.Inc()
		if err := m.dispatcher.Enqueue(id); err != nil {
			return fmt.Errorf("re-enqueue job %s: %w", id, err)
		}
		slog.Info("job recovered from previous run", "job_id", id)
	}
	return nil
}

// supervise owns one job from admission to its terminal state. It runs on a
// dispatcher worker, so at most capacity supervisions are in flight.
func (m *Manager) supervise(id string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job supervisor panic", "job_id", id, "panic", r)
			m.resolvePanic(id, r)
		}
	}()

	m.mu.Lock()
	a := m.active[id]
	buf := m.logs[id]
	m.mu.Unlock()
	if a == nil {
		return // finalized before admission
	}
	a.mu.Lock()
	if a.cancelled || a.finalized {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	job, err := m.store.Get(id)
	if err != nil {
		slog.Warn("admitted job has no record", "job_id", id, "error", err)
		return
	}

	sink := func(line string) {
		buf.Append(line)
		m.streamer.Broadcast(id, line)
	}

	ctx := context.Background()
	if m.maxRuntime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, m.maxRuntime, errMaxRuntime)
		defer cancel()
	}

	h, err := m.runner.Start(ctx, executor.Spec{
		Program: job.Program,
		Args:    job.Args,
		Dir:     job.WorkingDir,
	}, sink)
	if err != nil {
		// Never reached running: the program could not be spawned.
		m.finalizeSpawnFailure(id, a, err)
		return
	}

	a.mu.Lock()
	a.handle = h
	cancelledEarly := a.cancelled
	a.mu.Unlock()
	if cancelledEarly {
		h.Stop()
	}

	now := time.Now().UTC()
	job, err = m.store.Mutate(id, func(j *Job) error {
		if j.State != StatePending {
			return fmt.Errorf("%w: job is %s", ErrInvalidTransition, j.State)
		}
		j.State = StateRunning
		j.StartedAt = &now
		return nil
	})
	if err != nil {
		// Cancelled in the admission gap; the record is settled, just
		// reap the process.
		h.Stop()
		_, _ = h.Wait()
		m.release(id)
		return
	}
	JobsPending.Dec()
	JobsRunning.Inc()
	m.notify(job)
	slog.Info("job started", "job_id", id, "program", job.Program)

	code, waitErr := h.Wait()

	a.mu.Lock()
	wasCancelled := a.cancelled
	reason := a.reason
	a.finalized = true
	a.mu.Unlock()

	timedOut := m.maxRuntime > 0 && errors.Is(context.Cause(ctx), errMaxRuntime)

	finished := time.Now().UTC()
	job, err = m.store.Mutate(id, func(j *Job) error {
		if j.State != StateRunning {
			return fmt.Errorf("%w: job is %s", ErrInvalidTransition, j.State)
		}
		j.ExitCode = &code
		j.FinishedAt = &finished
		switch {
		case wasCancelled:
			j.State = StateCancelled
			j.Error = reason
		case timedOut:
			j.State = StateFailed
			j.Error = fmt.Sprintf("timed out after %s", m.maxRuntime)
		case code == 0:
			j.State = StateCompleted
			j.Error = ""
			j.Result = collectResult(j, code)
		default:
			j.State = StateFailed
			j.Error = exitMessage(code, waitErr)
		}
		return nil
	})
	if err != nil {
		slog.Error("finalizing job", "job_id", id, "error", err)
		m.release(id)
		return
	}

	JobsRunning.Dec()
	switch job.State {
	case StateCompleted:
		JobsCompletedTotal.Inc()
	case StateCancelled:
		JobsCancelledTotal.Inc()
	default:
		JobsFailedTotal.Inc()
	}
	if job.StartedAt != nil {
		JobDurationSeconds.Observe(finished.Sub(*job.StartedAt).Seconds())
	}

	m.release(id)
	m.streamer.Close(id)
	m.notify(job)
	slog.Info("job finished", "job_id", id, "state", job.State, "exit_code", code)
}

func (m *Manager) finalizeSpawnFailure(id string, a *activeJob, spawnErr error) {
	a.mu.Lock()
	a.finalized = true
	a.mu.Unlock()

	now := time.Now().UTC()
	job, err := m.store.Mutate(id, func(j *Job) error {
		if j.State != StatePending {
			return fmt.Errorf("%w: job is %s", ErrInvalidTransition, j.State)
		}
		j.State = StateFailed
		j.Error = spawnErr.Error()
		j.FinishedAt = &now
		return nil
	})
	if err != nil {
		slog.Error("recording spawn failure", "job_id", id, "error", err)
		m.release(id)
		return
	}
	JobsPending.Dec()
	JobsFailedTotal.Inc()
	m.release(id)
	m.streamer.Close(id)
	m.notify(job)
	slog.Error("job spawn failed", "job_id", id, "error", spawnErr)
}

// resolvePanic settles a job whose supervisor blew up so it never sticks in
// a non-terminal state. The cause lands in the job's own log and record;
// other jobs and the dispatcher are unaffected.
func (m *Manager) resolvePanic(id string, cause any) {
	m.mu.Lock()
	buf := m.logs[id]
	m.mu.Unlock()
	msg := fmt.Sprintf("internal supervision error: %v", cause)
	if buf != nil {
		buf.Append(msg)
	}
	now := time.Now().UTC()
	job, err := m.store.Mutate(id, func(j *Job) error {
		if j.State.Terminal() {
			return ErrInvalidTransition
		}
		if j.State == StateRunning {
			JobsRunning.Dec()
		} else {
			JobsPending.Dec()
		}
		j.State = StateFailed
		j.Error = msg
		j.FinishedAt = &now
		return nil
	})
	if err != nil {
		return
	}
	JobsFailedTotal.Inc()
	m.release(id)
	m.streamer.Close(id)
	m.notify(job)
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *Manager) notify(job *Job) {
	if m.sender == nil || job == nil || job.WebhookURL == "" {
		return
	}
	ev := webhook.Event{
		JobID:     job.ID,
		Name:      job.Name,
		State:     string(job.State),
		ExitCode:  job.ExitCode,
		Error:     job.Error,
		Timestamp: time.Now().UTC(),
		Metadata:  job.Metadata,
	}
	url := job.WebhookURL
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := m.sender.Notify(ctx, url, ev); err != nil {
			slog.Warn("webhook delivery failed", "job_id", ev.JobID, "state", ev.State, "error", err)
		}
	}()
}

// collectResult builds the completed-job payload from the declared output
// directory: the files found under it plus the summary the program wrote to
// result.json, if any.
func collectResult(j *Job, code int) *Result {
	res := &Result{ExitCode: code, OutputDir: j.OutputDir}
	if j.OutputDir == "" {
		return res
	}
	_ = filepath.WalkDir(j.OutputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if rel, relErr := filepath.Rel(j.OutputDir, path); relErr == nil {
			res.OutputFiles = append(res.OutputFiles, rel)
		}
		return nil
	})
	if b, err := os.ReadFile(filepath.Join(j.OutputDir, "result.json")); err == nil && json.Valid(b) {
		res.Summary = b
	}
	return res
}

func exitMessage(code int, waitErr error) string {
	if code == -1 && waitErr != nil {
		return fmt.Sprintf("process terminated: %v", waitErr)
	}
	return fmt.Sprintf("process exited with code %d", code)
}
