package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rnaworks/foldserver/internal/executor"
	"github.com/rnaworks/foldserver/internal/webhook"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, capacity int, grace time.Duration, opts ...ManagerOption) *Manager {
	t.Helper()
	d, err := NewDispatcher(capacity, 128)
	require.NoError(t, err)
	runner := executor.NewExecRunner(executor.WithGracePeriod(grace))
	m, err := NewManager(NewMemoryStore(), d, runner, nil, NewLogStreamer(), opts...)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func awaitState(t *testing.T, m *Manager, id string, want State) *Job {
	t.Helper()
	var got *Job
	require.Eventually(t, func() bool {
		j, err := m.Get(id)
		if err != nil {
			return false
		}
		got = j
		return j.State == want
	}, 10*time.Second, 20*time.Millisecond, "job %s never reached %s", id, want)
	return got
}

func TestSubmitValidation(t *testing.T) {
	m := newTestManager(t, 1, time.Second)

	_, err := m.Submit(SubmitRequest{Program: ""})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	// A rejected submission never creates a record.
	list, err := m.List("")
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestJobCompletesWithTwoLines(t *testing.T) {
	m := newTestManager(t, 2, time.Second)

	job, err := m.Submit(SubmitRequest{
		Program: "sh",
		Args:    []string{"-c", "echo one; echo two"},
		Name:    "two-liner",
	})
	require.NoError(t, err)
	require.Equal(t, StatePending, job.State)
	require.NotEmpty(t, job.ID)

	final := awaitState(t, m, job.ID, StateCompleted)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.FinishedAt)
	require.NotNil(t, final.ExitCode)
	require.Equal(t, 0, *final.ExitCode)
	require.Empty(t, final.Error)

	lines, total, err := m.Log(job.ID, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two"}, lines)
	require.Equal(t, 2, total)

	tail, total, err := m.Log(job.ID, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"two"}, tail)
	require.Equal(t, 2, total)

	result, err := m.Result(job.ID)
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
}

func TestJobResultCollectsOutputDir(t *testing.T) {
	m := newTestManager(t, 1, time.Second)
	outDir := t.TempDir()

	script := fmt.Sprintf(
		`echo predicting; printf '{"num_models":2}' > %s/result.json; touch %s/model_1.pdb; echo done`,
		outDir, outDir,
	)
	job, err := m.Submit(SubmitRequest{
		Program:   "sh",
		Args:      []string{"-c", script},
		OutputDir: outDir,
	})
	require.NoError(t, err)

	awaitState(t, m, job.ID, StateCompleted)

	result, err := m.Result(job.ID)
	require.NoError(t, err)
	require.Equal(t, outDir, result.OutputDir)
	require.Contains(t, result.OutputFiles, "result.json")
	require.Contains(t, result.OutputFiles, "model_1.pdb")
	require.JSONEq(t, `{"num_models":2}`, string(result.Summary))
}

func TestJobFailureKeepsLogAndError(t *testing.T) {
	m := newTestManager(t, 1, time.Second)

	job, err := m.Submit(SubmitRequest{
		Program: "sh",
		Args:    []string{"-c", "echo boom 1>&2; exit 1"},
	})
	require.NoError(t, err)

	final := awaitState(t, m, job.ID, StateFailed)
	require.Contains(t, final.Error, "exited with code 1")
	require.NotNil(t, final.ExitCode)
	require.Equal(t, 1, *final.ExitCode)
	require.Nil(t, final.Result)

	_, err = m.Result(job.ID)
	require.ErrorIs(t, err, ErrNotReady)

	lines, _, err := m.Log(job.ID, 0)
	require.NoError(t, err)
	require.Contains(t, lines, "boom")
}

func TestSpawnFailureNeverReachesRunning(t *testing.T) {
	m := newTestManager(t, 1, time.Second)

	job, err := m.Submit(SubmitRequest{Program: "/nonexistent/program-for-tests"})
	require.NoError(t, err)

	final := awaitState(t, m, job.ID, StateFailed)
	require.Nil(t, final.StartedAt, "a job that cannot spawn must not reach running")
	require.NotNil(t, final.FinishedAt)
	require.Contains(t, final.Error, "spawn")
}

func TestCancelRunningJob(t *testing.T) {
	m := newTestManager(t, 1, 500*time.Millisecond)

	job, err := m.Submit(SubmitRequest{Program: "sleep", Args: []string{"30"}})
	require.NoError(t, err)
	awaitState(t, m, job.ID, StateRunning)

	_, err = m.Result(job.ID)
	require.ErrorIs(t, err, ErrNotReady)

	start := time.Now()
	_, err = m.Cancel(job.ID, "operator request")
	require.NoError(t, err)

	final := awaitState(t, m, job.ID, StateCancelled)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, "operator request", final.Error)
	require.NotNil(t, final.FinishedAt)
	require.Nil(t, final.Result)

	// Cancelling again is rejected without touching the record.
	_, err = m.Cancel(job.ID, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
	again, err := m.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, again.State)
}

func TestCancelPendingJob(t *testing.T) {
	m := newTestManager(t, 1, 500*time.Millisecond)

	blocker, err := m.Submit(SubmitRequest{Program: "sleep", Args: []string{"30"}})
	require.NoError(t, err)
	awaitState(t, m, blocker.ID, StateRunning)

	queued, err := m.Submit(SubmitRequest{Program: "sleep", Args: []string{"30"}})
	require.NoError(t, err)
	require.Equal(t, StatePending, queued.State)

	cancelled, err := m.Cancel(queued.ID, "")
	require.NoError(t, err)
	require.Equal(t, StateCancelled, cancelled.State)
	require.Nil(t, cancelled.StartedAt, "a pending job is cancelled without spawning a process")
	require.NotNil(t, cancelled.FinishedAt)

	_, err = m.Cancel(blocker.ID, "")
	require.NoError(t, err)
	awaitState(t, m, blocker.ID, StateCancelled)
}

func TestCancelCompletedJobRejected(t *testing.T) {
	m := newTestManager(t, 1, time.Second)

	job, err := m.Submit(SubmitRequest{Program: "sh", Args: []string{"-c", "true"}})
	require.NoError(t, err)
	awaitState(t, m, job.ID, StateCompleted)

	_, err = m.Cancel(job.ID, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUnknownJobQueries(t *testing.T) {
	m := newTestManager(t, 1, time.Second)

	_, err := m.Get("no-such-id")
	require.ErrorIs(t, err, ErrNotFound)

	_, _, err = m.Log("no-such-id", 0)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = m.Result("no-such-id")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = m.Cancel("no-such-id", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListFilterValidation(t *testing.T) {
	m := newTestManager(t, 1, time.Second)
	_, err := m.List("bogus")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestMaxRuntimeFailsJob(t *testing.T) {
	m := newTestManager(t, 1, 200*time.Millisecond, WithMaxRuntime(300*time.Millisecond))

	job, err := m.Submit(SubmitRequest{Program: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	final := awaitState(t, m, job.ID, StateFailed)
	require.Contains(t, final.Error, "timed out")
	require.NotNil(t, final.FinishedAt)
}

// --- admission order with a deterministic runner ---

type fakeHandle struct {
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	code int
	err  error
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{done: make(chan struct{})}
}

func (h *fakeHandle) finish(code int, err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.code = code
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *fakeHandle) Wait() (int, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code, h.err
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Stop() { h.finish(-1, errors.New("signal: terminated")) }

type fakeRunner struct {
	mu      sync.Mutex
	order   []string
	handles map[string]*fakeHandle
	started chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		handles: make(map[string]*fakeHandle),
		started: make(chan string, 64),
	}
}

func (r *fakeRunner) Start(ctx context.Context, spec executor.Spec, sink executor.LineSink) (executor.Handle, error) {
	marker := spec.Args[0]
	h := newFakeHandle()
	r.mu.Lock()
	r.order = append(r.order, marker)
	r.handles[marker] = h
	r.mu.Unlock()
	r.started <- marker
	return h, nil
}

func (r *fakeRunner) handleFor(marker string) *fakeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[marker]
}

func (r *fakeRunner) startedOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestWorkerPoolAdmissionOrder(t *testing.T) {
	const capacity = 2
	d, err := NewDispatcher(capacity, 128)
	require.NoError(t, err)
	fr := newFakeRunner()
	m, err := NewManager(NewMemoryStore(), d, fr, nil, NewLogStreamer())
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	markers := []string{"job-0", "job-1", "job-2", "job-3", "job-4"}
	ids := make(map[string]string, len(markers))
	for _, marker := range markers {
		job, err := m.Submit(SubmitRequest{Program: "fake", Args: []string{marker}})
		require.NoError(t, err)
		ids[marker] = job.ID
	}

	// Exactly capacity jobs are admitted; the rest stay pending.
	require.Equal(t, "job-0", <-fr.started)
	require.Equal(t, "job-1", <-fr.started)
	select {
	case extra := <-fr.started:
		t.Fatalf("job %s admitted beyond capacity", extra)
	case <-time.After(100 * time.Millisecond):
	}

	require.Eventually(t, func() bool {
		running, err := m.List(StateRunning)
		if err != nil {
			return false
		}
		pending, err := m.List(StatePending)
		return err == nil && len(running) == capacity && len(pending) == 3
	}, 5*time.Second, 10*time.Millisecond)

	// Freeing one slot admits the next job in submission order.
	fr.handleFor("job-0").finish(0, nil)
	require.Equal(t, "job-2", <-fr.started)
	awaitState(t, m, ids["job-0"], StateCompleted)

	fr.handleFor("job-1").finish(0, nil)
	fr.handleFor("job-2").finish(0, nil)
	require.Equal(t, "job-3", <-fr.started)
	require.Equal(t, "job-4", <-fr.started)
	fr.handleFor("job-3").finish(0, nil)
	fr.handleFor("job-4").finish(0, nil)

	for _, marker := range markers {
		awaitState(t, m, ids[marker], StateCompleted)
	}
	require.Equal(t, markers, fr.startedOrder())
}

// --- webhook notifications ---

type fakeSender struct {
	mu     sync.Mutex
	events []webhook.Event
}

func (s *fakeSender) Notify(ctx context.Context, url string, ev webhook.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) states() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.State
	}
	return out
}

func TestWebhookNotifiedOnStateChanges(t *testing.T) {
	d, err := NewDispatcher(1, 16)
	require.NoError(t, err)
	sender := &fakeSender{}
	runner := executor.NewExecRunner(executor.WithGracePeriod(time.Second))
	m, err := NewManager(NewMemoryStore(), d, runner, sender, NewLogStreamer())
	require.NoError(t, err)

	job, err := m.Submit(SubmitRequest{
		Program:    "sh",
		Args:       []string{"-c", "true"},
		WebhookURL: "http://example.com/hook",
	})
	require.NoError(t, err)
	awaitState(t, m, job.ID, StateCompleted)
	m.Stop() // flush notification goroutines

	states := sender.states()
	require.Contains(t, states, string(StatePending))
	require.Contains(t, states, string(StateRunning))
	require.Contains(t, states, string(StateCompleted))
}

func TestManagerRecoverFromSQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	interrupted := newJob("was-running", "interrupted")
	interrupted.State = StateRunning
	require.NoError(t, store.Create(interrupted))
	queued := newJob("was-pending", "queued")
	queued.Program = "sh"
	queued.Args = []string{"-c", "true"}
	require.NoError(t, store.Create(queued))

	d, err := NewDispatcher(1, 16)
	require.NoError(t, err)
	runner := executor.NewExecRunner(executor.WithGracePeriod(time.Second))
	m, err := NewManager(store, d, runner, nil, NewLogStreamer())
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	require.NoError(t, m.Recover())

	// The job interrupted mid-run is failed, the queued one runs now.
	failed, err := m.Get("was-running")
	require.NoError(t, err)
	require.Equal(t, StateFailed, failed.State)
	require.Contains(t, failed.Error, "interrupted")

	awaitState(t, m, "was-pending", StateCompleted)
}
