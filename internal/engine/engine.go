// Package engine implements the job coordinator: a priority queue of
// pending jobs, a ~10Hz coordinator loop that admits and supervises
// them, and per-job executor goroutines with cooperative pause/resume/
// cancel.
package engine

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/walletsender/wallet-engine/internal/metrics"
	"github.com/walletsender/wallet-engine/internal/store"
)

// State is the lifecycle state of a job.
type State string

const (
	Pending   State = "pending"
	Running   State = "running"
	Paused    State = "paused"
	Completed State = "completed"
	Failed    State = "failed"
	Cancelled State = "cancelled"
)

// Executor runs one job's work. Implementations must never panic or
// block forever; Run should return promptly after Cancel is called,
// after completing whatever item was already in flight.
type Executor interface {
	Run(ctx context.Context)
	Pause()
	Resume()
	Cancel()
	Progress() (total, done, failed int)
	ETA() time.Duration
	IsDone() bool
	Successful() bool
	Err() error
}

// Factory constructs an Executor for a job of a particular mode.
type Factory func(job *store.Job, eng *Engine) (Executor, error)

// Event is published to subscribers on job lifecycle transitions.
type Event struct {
	Kind  string // job_started, job_progress, job_paused, job_resumed, job_completed, job_failed, job_cancelled
	JobID string
}

type activeJob struct {
	executor Executor
	cancel   context.CancelFunc
}

// Engine owns the job queue, the set of currently active jobs, and the
// coordinator loop that moves jobs between them.
type Engine struct {
	store      *store.Store
	factories  map[string]Factory
	tick       time.Duration

	mu       sync.Mutex
	queue    priorityQueue
	active   map[string]*activeJob

	cbMu      sync.Mutex
	callbacks map[string][]func(Event)

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an Engine. RegisterFactory must be called for every mode
// the engine should be able to run before Start is invoked.
func New(st *store.Store, tick time.Duration) *Engine {
	return &Engine{
		store:     st,
		factories: make(map[string]Factory),
		tick:      tick,
		active:    make(map[string]*activeJob),
		callbacks: make(map[string][]func(Event)),
	}
}

// RegisterFactory binds a job mode name to its Executor constructor.
func (e *Engine) RegisterFactory(mode string, f Factory) {
	e.factories[mode] = f
}

// RegisterCallback subscribes fn to events of the given kind.
func (e *Engine) RegisterCallback(kind string, fn func(Event)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.callbacks[kind] = append(e.callbacks[kind], fn)
}

func (e *Engine) trigger(kind, jobID string) {
	e.cbMu.Lock()
	fns := append([]func(Event){}, e.callbacks[kind]...)
	e.cbMu.Unlock()
	for _, fn := range fns {
		fn(Event{Kind: kind, JobID: jobID})
	}
}

// Start launches the coordinator loop and re-queues any job left in a
// non-terminal state by a prior run. Pending and running jobs are
// admitted again; a job left paused is skipped at admission and only
// runs once Resume is called for it.
func (e *Engine) Start(ctx context.Context) error {
	e.runCtx, e.runCancel = context.WithCancel(ctx)

	pending, err := e.store.ListPendingJobs()
	if err != nil {
		return fmt.Errorf("engine: start: %w", err)
	}
	e.mu.Lock()
	for _, j := range pending {
		heap.Push(&e.queue, &queueItem{jobID: j.ID, priority: j.Priority, submittedAt: time.Unix(j.CreatedAt, 0)})
	}
	e.mu.Unlock()

	e.wg.Add(1)
	go e.coordinatorLoop()
	return nil
}

// Stop cancels the coordinator loop and every active job, then waits
// for their goroutines to exit.
func (e *Engine) Stop() {
	if e.runCancel != nil {
		e.runCancel()
	}
	e.mu.Lock()
	for _, aj := range e.active {
		aj.executor.Cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// Submit creates a new job row and enqueues it for admission.
func (e *Engine) Submit(title, mode, config string, priority int, total int) (string, error) {
	if _, ok := e.factories[mode]; !ok {
		return "", fmt.Errorf("engine: unknown job mode %q", mode)
	}

	id := uuid.NewString()
	now := time.Now().Unix()
	job := &store.Job{
		ID: id, Title: title, Mode: mode, Priority: priority, Config: config,
		State: string(Pending), Total: total, CreatedAt: now, UpdatedAt: now,
	}
	if err := e.store.InsertJob(job); err != nil {
		return "", fmt.Errorf("engine: submit: %w", err)
	}

	metrics.JobsSubmittedTotal.WithLabelValues(mode).Inc()

	e.mu.Lock()
	heap.Push(&e.queue, &queueItem{jobID: id, priority: priority, submittedAt: time.Now()})
	e.mu.Unlock()

	return id, nil
}

// Pause cooperatively pauses a running job. Returns true if state
// changed. Calling it twice is a no-op on the second call.
func (e *Engine) Pause(jobID string) bool {
	e.mu.Lock()
	aj, ok := e.active[jobID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	if job, err := e.store.GetJob(jobID); err == nil && job.State == string(Paused) {
		return false
	}
	aj.executor.Pause()
	_ = e.store.UpdateJobState(jobID, string(Paused), "", time.Now().Unix())
	e.trigger("job_paused", jobID)
	return true
}

// Resume resumes a paused job, restarting its executor if the process
// was restarted since it was paused. Idempotent.
func (e *Engine) Resume(jobID string) bool {
	e.mu.Lock()
	aj, ok := e.active[jobID]
	e.mu.Unlock()

	job, err := e.store.GetJob(jobID)
	if err != nil || job == nil || job.State != string(Paused) {
		return false
	}

	if ok {
		aj.executor.Resume()
	} else {
		e.mu.Lock()
		heap.Push(&e.queue, &queueItem{jobID: jobID, priority: job.Priority, submittedAt: time.Now()})
		e.mu.Unlock()
	}

	_ = e.store.UpdateJobState(jobID, string(Running), "", time.Now().Unix())
	e.trigger("job_resumed", jobID)
	return true
}

// Cancel cooperatively cancels a job. The in-flight item, if any, is
// allowed to finish recording before the executor goroutine exits.
// Idempotent.
func (e *Engine) Cancel(jobID string) bool {
	e.mu.Lock()
	aj, ok := e.active[jobID]
	e.mu.Unlock()
	if !ok {
		job, err := e.store.GetJob(jobID)
		if err != nil || job == nil {
			return false
		}
		if job.State == string(Cancelled) {
			return true
		}
		_ = e.store.UpdateJobState(jobID, string(Cancelled), "", time.Now().Unix())
		e.trigger("job_cancelled", jobID)
		return true
	}
	aj.executor.Cancel()
	return true
}

// Progress reports a job's current counters and ETA.
type Progress struct {
	Total, Done, Failed int
	ETA                 time.Duration
	Paused, Completed   bool
}

// Progress returns the live progress of an active job, or the persisted
// snapshot if it's no longer active.
func (e *Engine) Progress(jobID string) (*Progress, error) {
	e.mu.Lock()
	aj, ok := e.active[jobID]
	e.mu.Unlock()

	if ok {
		total, done, failed := aj.executor.Progress()
		return &Progress{Total: total, Done: done, Failed: failed, ETA: aj.executor.ETA(), Completed: aj.executor.IsDone()}, nil
	}

	job, err := e.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	return &Progress{
		Total: job.Total, Done: job.Done, Failed: job.Failed,
		Paused:    job.State == string(Paused),
		Completed: job.State == string(Completed) || job.State == string(Failed) || job.State == string(Cancelled),
	}, nil
}

// ListJobs returns every job the store knows about, most recent first.
func (e *Engine) ListJobs() ([]*store.Job, error) {
	return e.store.ListJobs()
}

func (e *Engine) coordinatorLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-e.runCtx.Done():
			return
		case <-ticker.C:
			e.admitNext()
			e.reapFinished()
		}
	}
}

func (e *Engine) admitNext() {
	e.mu.Lock()
	if e.queue.Len() == 0 {
		e.mu.Unlock()
		return
	}
	item := heap.Pop(&e.queue).(*queueItem)
	e.mu.Unlock()

	job, err := e.store.GetJob(item.jobID)
	if err != nil || job == nil {
		slog.Error("engine: failed to load queued job", "job_id", item.jobID, "error", err)
		return
	}
	if job.State != string(Pending) && job.State != string(Running) {
		return
	}

	factory, ok := e.factories[job.Mode]
	if !ok {
		_ = e.store.UpdateJobState(job.ID, string(Failed), fmt.Sprintf("unknown job mode: %s", job.Mode), time.Now().Unix())
		return
	}

	executor, err := factory(job, e)
	if err != nil {
		_ = e.store.UpdateJobState(job.ID, string(Failed), err.Error(), time.Now().Unix())
		return
	}

	ctx, cancel := context.WithCancel(e.runCtx)
	e.mu.Lock()
	e.active[job.ID] = &activeJob{executor: executor, cancel: cancel}
	e.mu.Unlock()

	_ = e.store.UpdateJobState(job.ID, string(Running), "", time.Now().Unix())
	metrics.JobsActive.WithLabelValues(job.Mode, "running").Inc()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		executor.Run(ctx)
	}()

	e.trigger("job_started", job.ID)
}

func (e *Engine) reapFinished() {
	e.mu.Lock()
	var done []string
	for id, aj := range e.active {
		if aj.executor.IsDone() {
			done = append(done, id)
		}
	}
	e.mu.Unlock()

	for _, id := range done {
		e.mu.Lock()
		aj := e.active[id]
		delete(e.active, id)
		e.mu.Unlock()

		total, completed, failed := aj.executor.Progress()
		state := Completed
		if !aj.executor.Successful() {
			state = Failed
		}

		errMsg := ""
		if aj.executor.Err() != nil {
			errMsg = aj.executor.Err().Error()
		}

		_ = e.store.UpdateJobProgress(id, completed, failed, time.Now().Unix())
		_ = e.store.UpdateJobState(id, string(state), errMsg, time.Now().Unix())

		mode := jobModeOf(id, e)
		metrics.JobsActive.WithLabelValues(mode, "running").Dec()
		metrics.JobsCompletedTotal.WithLabelValues(mode, string(state)).Inc()
		_ = total

		if state == Completed {
			e.trigger("job_completed", id)
		} else {
			e.trigger("job_failed", id)
		}
	}
}

func jobModeOf(jobID string, e *Engine) string {
	job, err := e.store.GetJob(jobID)
	if err != nil || job == nil {
		return "unknown"
	}
	return job.Mode
}
