package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/walletsender/wallet-engine/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// fakeExecutor is a controllable Executor for exercising the coordinator
// without any chain dependency. Run blocks until its context is
// cancelled or finish() is called.
type fakeExecutor struct {
	mu          sync.Mutex
	total       int
	done        int
	failed      int
	finished    bool
	wasCanceled bool
	finishCh    chan struct{}
}

func newFakeExecutor(total int) *fakeExecutor {
	return &fakeExecutor{total: total, finishCh: make(chan struct{})}
}

func (f *fakeExecutor) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-f.finishCh:
	}
}

func (f *fakeExecutor) finish(done, failed int) {
	f.mu.Lock()
	f.done, f.failed = done, failed
	f.finished = true
	f.mu.Unlock()
	close(f.finishCh)
}

func (f *fakeExecutor) Pause()  {}
func (f *fakeExecutor) Resume() {}
func (f *fakeExecutor) Cancel() {
	f.mu.Lock()
	f.wasCanceled = true
	f.finished = true
	f.mu.Unlock()
	select {
	case <-f.finishCh:
	default:
		close(f.finishCh)
	}
}
func (f *fakeExecutor) Progress() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total, f.done, f.failed
}
func (f *fakeExecutor) ETA() time.Duration { return 0 }
func (f *fakeExecutor) IsDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished
}
func (f *fakeExecutor) Successful() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.wasCanceled
}
func (f *fakeExecutor) Err() error { return nil }

// TestCancelUnadmittedJobIsIdempotent exercises the Cancel path for a job
// that was submitted but never picked up by the coordinator (Start was
// never called) — cancellation falls straight back to updating the
// stored state, and calling it twice must not error or flip the state
// back.
func TestCancelUnadmittedJobIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	eng := New(st, time.Hour)
	eng.RegisterFactory("noop", func(job *store.Job, _ *Engine) (Executor, error) {
		return newFakeExecutor(job.Total), nil
	})

	id, err := eng.Submit("job", "noop", "{}", 0, 5)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if ok := eng.Cancel(id); !ok {
		t.Fatal("expected first cancel to succeed")
	}
	job, err := st.GetJob(id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != string(Cancelled) {
		t.Fatalf("expected state cancelled, got %s", job.State)
	}

	if ok := eng.Cancel(id); !ok {
		t.Fatal("expected second cancel to also report success (idempotent)")
	}
	job, err = st.GetJob(id)
	if err != nil {
		t.Fatalf("get job after second cancel: %v", err)
	}
	if job.State != string(Cancelled) {
		t.Fatalf("expected state to remain cancelled, got %s", job.State)
	}
}

func TestPauseResumeRequireActiveOrPausedJob(t *testing.T) {
	st := openTestStore(t)
	eng := New(st, time.Hour)

	if ok := eng.Pause("does-not-exist"); ok {
		t.Error("expected Pause on an unknown job to fail")
	}
	if ok := eng.Resume("does-not-exist"); ok {
		t.Error("expected Resume on an unknown job to fail")
	}
}

func TestResumeIsANoOpOnceAlreadyRunning(t *testing.T) {
	st := openTestStore(t)
	eng := New(st, time.Hour)
	eng.RegisterFactory("noop", func(job *store.Job, _ *Engine) (Executor, error) {
		return newFakeExecutor(job.Total), nil
	})

	id, err := eng.Submit("job", "noop", "{}", 0, 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Resume only acts on jobs the store has recorded as paused.
	if ok := eng.Resume(id); ok {
		t.Fatal("expected Resume on a pending (not paused) job to fail")
	}

	if err := st.UpdateJobState(id, string(Paused), "", time.Now().Unix()); err != nil {
		t.Fatalf("force paused state: %v", err)
	}
	if ok := eng.Resume(id); !ok {
		t.Fatal("expected Resume on a paused job to succeed")
	}
	job, err := st.GetJob(id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != string(Running) {
		t.Fatalf("expected state running after resume, got %s", job.State)
	}

	// The job is no longer paused, so a second Resume call is a no-op.
	if ok := eng.Resume(id); ok {
		t.Fatal("expected second Resume on an already-running job to fail")
	}
}

func TestProgressMonotonicityAcrossUpdates(t *testing.T) {
	st := openTestStore(t)
	eng := New(st, time.Hour)
	eng.RegisterFactory("noop", func(job *store.Job, _ *Engine) (Executor, error) {
		return newFakeExecutor(job.Total), nil
	})

	id, err := eng.Submit("job", "noop", "{}", 0, 10)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	steps := []struct{ done, failed int }{
		{1, 0}, {3, 0}, {3, 1}, {7, 1}, {10, 1},
	}
	var lastDone, lastFailed int
	for _, step := range steps {
		if err := st.UpdateJobProgress(id, step.done, step.failed, time.Now().Unix()); err != nil {
			t.Fatalf("update progress: %v", err)
		}
		p, err := eng.Progress(id)
		if err != nil {
			t.Fatalf("progress: %v", err)
		}
		if p.Done < lastDone || p.Failed < lastFailed {
			t.Fatalf("progress counters regressed: done %d->%d, failed %d->%d", lastDone, p.Done, lastFailed, p.Failed)
		}
		lastDone, lastFailed = p.Done, p.Failed
	}
	if lastDone != 10 || lastFailed != 1 {
		t.Fatalf("unexpected final progress: done=%d failed=%d", lastDone, lastFailed)
	}
}

// TestCoordinatorAdmitsRunsAndReaps drives the full lifecycle through the
// coordinator loop: a submitted job is admitted, its executor runs, and
// once it finishes the job is reaped into a terminal store state.
func TestCoordinatorAdmitsRunsAndReaps(t *testing.T) {
	st := openTestStore(t)
	eng := New(st, 5*time.Millisecond)

	var mu sync.Mutex
	var exec *fakeExecutor
	eng.RegisterFactory("noop", func(job *store.Job, _ *Engine) (Executor, error) {
		mu.Lock()
		exec = newFakeExecutor(job.Total)
		mu.Unlock()
		return exec, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop()

	id, err := eng.Submit("job", "noop", "{}", 0, 3)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		e := exec
		mu.Unlock()
		if e != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	e := exec
	mu.Unlock()
	if e == nil {
		t.Fatal("expected job to be admitted and executor constructed")
	}

	e.finish(3, 0)

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := st.GetJob(id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.State == string(Completed) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected job to reach completed state after executor finished")
}
