// Package receiptwatcher polls for transaction receipts across a bounded
// pool of goroutines, backing off exponentially between attempts. A
// watch that exhausts its attempts or deadline without a receipt leaves
// its ticket Pending rather than marking it Failed — the transaction may
// still land, and reconciliation is left to a later pass rather than
// guessing.
package receiptwatcher

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/walletsender/wallet-engine/internal/metrics"
	"github.com/walletsender/wallet-engine/internal/nonce"
	"github.com/walletsender/wallet-engine/internal/rpcpool"
)

// Result is delivered once a watch concludes, one way or another.
type Result struct {
	TxHash    common.Hash
	Receipt   *types.Receipt // nil if TimedOut
	TimedOut  bool
	Err       error
}

type job struct {
	txHash   common.Hash
	ticket   *nonce.Ticket
	deadline time.Time
	result   chan Result
}

// Watcher manages a pool of worker goroutines that poll for receipts.
type Watcher struct {
	pool     *rpcpool.Pool
	arbiter  *nonce.Arbiter
	jobs     chan job
	initial  time.Duration
	cap      time.Duration
	maxAttempts int
	maxWait  time.Duration
}

// New creates a Watcher with workerCount goroutines draining its
// internal work queue.
func New(pool *rpcpool.Pool, arbiter *nonce.Arbiter, workerCount int, initialBackoff, backoffCap time.Duration, maxAttempts int, maxWait time.Duration) *Watcher {
	w := &Watcher{
		pool:        pool,
		arbiter:     arbiter,
		jobs:        make(chan job, 256),
		initial:     initialBackoff,
		cap:         backoffCap,
		maxAttempts: maxAttempts,
		maxWait:     maxWait,
	}
	for i := 0; i < workerCount; i++ {
		go w.worker()
	}
	return w
}

// Watch enqueues a receipt watch for txHash and returns a channel that
// receives exactly one Result. ticket is transitioned to Confirmed on
// success; it is left untouched (still Pending) on timeout, and
// transitioned to Failed only if the receipt itself reports a reverted
// transaction.
func (w *Watcher) Watch(ctx context.Context, txHash common.Hash, ticket *nonce.Ticket) <-chan Result {
	resultCh := make(chan Result, 1)
	j := job{
		txHash:   txHash,
		ticket:   ticket,
		deadline: time.Now().Add(w.maxWait),
		result:   resultCh,
	}
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		resultCh <- Result{TxHash: txHash, Err: ctx.Err()}
	}
	return resultCh
}

func (w *Watcher) worker() {
	for j := range w.jobs {
		w.run(j)
	}
}

func (w *Watcher) run(j job) {
	backoff := w.initial
	ctx := context.Background()

	for attempt := 0; attempt < w.maxAttempts; attempt++ {
		if time.Now().After(j.deadline) {
			break
		}

		var receipt *types.Receipt
		err := w.pool.Call(ctx, func(ctx context.Context, client *ethclient.Client) error {
			r, rerr := client.TransactionReceipt(ctx, j.txHash)
			if rerr != nil {
				return rerr
			}
			receipt = r
			return nil
		})

		if err == nil && receipt != nil {
			if receipt.Status == 0 {
				if w.arbiter != nil && j.ticket != nil {
					w.arbiter.Fail(j.ticket)
				}
				metrics.ReceiptWatchOutcomeTotal.WithLabelValues("reverted").Inc()
				j.result <- Result{TxHash: j.txHash, Receipt: receipt}
				return
			}
			if w.arbiter != nil && j.ticket != nil {
				w.arbiter.Confirm(j.ticket)
			}
			metrics.ReceiptWatchOutcomeTotal.WithLabelValues("confirmed").Inc()
			j.result <- Result{TxHash: j.txHash, Receipt: receipt}
			return
		}

		time.Sleep(backoff)

		backoff *= 2
		if backoff > w.cap {
			backoff = w.cap
		}
	}

	metrics.ReceiptWatchOutcomeTotal.WithLabelValues("timed_out_pending").Inc()
	j.result <- Result{TxHash: j.txHash, TimedOut: true}
}
