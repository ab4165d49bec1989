// Package executor implements the four job kinds the engine can run:
// distribution, auto-buy, auto-sell, and rewards. Base provides the
// shared progress/pause/cancel/ETA machinery every executor embeds,
// mirroring the BaseExecutor this system has always built its executors
// on top of.
package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Base implements the common bookkeeping every executor needs: progress
// counters, cooperative pause via a resettable gate, cancellation, and
// linear ETA extrapolation.
type Base struct {
	mu    sync.Mutex
	total int
	done  int
	failed int

	startedAt time.Time

	paused    atomic.Bool
	cancelled atomic.Bool
	finished  atomic.Bool
	succeeded atomic.Bool

	resumeCh chan struct{}

	errMu sync.Mutex
	err   error
}

// NewBase creates a Base tracking total items.
func NewBase(total int) *Base {
	b := &Base{total: total, startedAt: time.Now(), resumeCh: make(chan struct{})}
	b.paused.Store(false)
	return b
}

// Pause requests that the executor suspend before its next item.
// Idempotent.
func (b *Base) Pause() { b.paused.Store(true) }

// Resume clears a pause request, waking the executor if it's blocked in
// WaitIfPaused. Idempotent.
func (b *Base) Resume() {
	if b.paused.CompareAndSwap(true, false) {
		close(b.resumeCh)
		b.mu.Lock()
		b.resumeCh = make(chan struct{})
		b.mu.Unlock()
	}
}

// Cancel requests cancellation. Idempotent.
func (b *Base) Cancel() {
	b.cancelled.Store(true)
	b.Resume()
}

// Cancelled reports whether Cancel has been called.
func (b *Base) Cancelled() bool { return b.cancelled.Load() }

// WaitIfPaused blocks the caller while the executor is paused, waking
// immediately on Resume, Cancel, or ctx cancellation. Returns false if
// the caller should stop processing (cancelled or ctx done).
func (b *Base) WaitIfPaused(ctx context.Context) bool {
	for b.paused.Load() {
		b.mu.Lock()
		ch := b.resumeCh
		b.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
	return !b.cancelled.Load()
}

// IncDone records one successfully completed item.
func (b *Base) IncDone() {
	b.mu.Lock()
	b.done++
	b.mu.Unlock()
}

// IncFailed records one failed item.
func (b *Base) IncFailed() {
	b.mu.Lock()
	b.failed++
	b.mu.Unlock()
}

// SetTotal adjusts the total item count, for executors (rewards) whose
// item count isn't known until Run starts.
func (b *Base) SetTotal(total int) {
	b.mu.Lock()
	b.total = total
	b.mu.Unlock()
}

// Progress returns total/done/failed.
func (b *Base) Progress() (total, done, failed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total, b.done, b.failed
}

// ETA linearly extrapolates remaining time from elapsed time and items
// completed so far. Returns 0 if no items have completed yet.
func (b *Base) ETA() time.Duration {
	b.mu.Lock()
	total, done := b.total, b.done+b.failed
	b.mu.Unlock()

	if done == 0 || done >= total {
		return 0
	}
	elapsed := time.Since(b.startedAt)
	perItem := elapsed / time.Duration(done)
	remaining := total - done
	return perItem * time.Duration(remaining)
}

// Finish marks the executor done, recording success/failure and an
// optional terminal error.
func (b *Base) Finish(success bool, err error) {
	b.errMu.Lock()
	b.err = err
	b.errMu.Unlock()
	b.succeeded.Store(success)
	b.finished.Store(true)
}

// IsDone reports whether the executor has finished (successfully,
// failed, or cancelled).
func (b *Base) IsDone() bool { return b.finished.Load() }

// Successful reports whether the executor finished without a fatal
// error. A job with some failed items can still be Successful — that
// distinction is per-item, not per-job.
func (b *Base) Successful() bool { return b.succeeded.Load() }

// Err returns the terminal error, if any.
func (b *Base) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}
