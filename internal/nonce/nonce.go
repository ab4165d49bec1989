// Package nonce provides the nonce arbiter: the single authority each
// signer's transaction nonce is allocated through, so that concurrently
// running jobs never race each other onto the same nonce.
package nonce

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/walletsender/wallet-engine/internal/metrics"
)

// Status is the lifecycle state of a Ticket.
type Status string

const (
	// Reserved means the nonce has been handed out but the transaction
	// using it has not yet been broadcast.
	Reserved Status = "reserved"
	// Pending means the transaction was broadcast and is awaiting a
	// receipt.
	Pending Status = "pending"
	// Confirmed means a receipt was observed for the transaction.
	Confirmed Status = "confirmed"
	// Failed means the ticket ended without success: the send failed,
	// the nonce was superseded by a resync, or the mined transaction
	// reverted.
	Failed Status = "failed"
)

// Ticket represents one reserved nonce slot for a signer.
type Ticket struct {
	Signer common.Address
	Nonce  uint64
	Status Status
}

type signerState struct {
	mu      sync.Mutex
	next    uint64
	seeded  bool
	tickets map[uint64]*Ticket
}

// Arbiter hands out nonces per signer, tracking each one through
// Reserved -> Pending -> Confirmed/Failed so that a stuck or failed
// transaction never silently blocks the signer's whole nonce sequence
// from being understood.
type Arbiter struct {
	client *ethclient.Client

	mu      sync.Mutex
	signers map[common.Address]*signerState
}

// NewArbiter creates an Arbiter backed by client for seeding and
// resyncing signer nonces.
func NewArbiter(client *ethclient.Client) *Arbiter {
	return &Arbiter{
		client:  client,
		signers: make(map[common.Address]*signerState),
	}
}

func (a *Arbiter) stateFor(signer common.Address) *signerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.signers[signer]
	if !ok {
		st = &signerState{tickets: make(map[uint64]*Ticket)}
		a.signers[signer] = st
	}
	return st
}

// ensureSeededLocked initializes signer's nonce counter from the chain,
// taking the max of the latest confirmed count and the highest pending
// count so that an already-broadcast-but-unconfirmed transaction from a
// prior process isn't immediately reused. It is a no-op once called
// successfully for a signer. st.mu must already be held by the caller.
// A nil client (as used in tests that never touch a live chain) leaves
// the counter at its zero value rather than seeding.
func (a *Arbiter) ensureSeededLocked(ctx context.Context, signer common.Address, st *signerState) error {
	if st.seeded {
		return nil
	}
	if a.client == nil {
		st.seeded = true
		return nil
	}

	latest, err := a.client.NonceAt(ctx, signer, nil)
	if err != nil {
		return fmt.Errorf("nonce: seed latest: %w", err)
	}
	pending, err := a.client.PendingNonceAt(ctx, signer)
	if err != nil {
		return fmt.Errorf("nonce: seed pending: %w", err)
	}

	next := latest
	if pending > next {
		next = pending
	}
	if next > st.next {
		st.next = next
	}
	st.seeded = true
	return nil
}

// Seed explicitly seeds signer's nonce counter from the chain ahead of
// its first Reserve call. Reserve seeds lazily on its own, so calling
// Seed up front is optional — it only avoids paying the chain round
// trip on the critical path of the first reservation.
func (a *Arbiter) Seed(ctx context.Context, signer common.Address) error {
	st := a.stateFor(signer)
	st.mu.Lock()
	defer st.mu.Unlock()
	return a.ensureSeededLocked(ctx, signer, st)
}

// Reserve allocates the next nonce for signer and returns a Ticket in
// the Reserved state. The caller must eventually call Complete, Confirm,
// or Fail on the returned ticket. The signer's counter is seeded from
// the chain on its first use if Seed hasn't already been called.
func (a *Arbiter) Reserve(ctx context.Context, signer common.Address) (*Ticket, error) {
	st := a.stateFor(signer)

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := a.ensureSeededLocked(ctx, signer, st); err != nil {
		return nil, err
	}

	n := st.next
	st.next++
	t := &Ticket{Signer: signer, Nonce: n, Status: Reserved}
	st.tickets[n] = t

	metrics.NonceReservationsTotal.WithLabelValues(signer.Hex()).Inc()
	metrics.NoncePending.WithLabelValues(signer.Hex()).Set(float64(a.pendingCountLocked(st)))

	return t, nil
}

func (a *Arbiter) pendingCountLocked(st *signerState) int {
	n := 0
	for _, t := range st.tickets {
		if t.Status == Pending {
			n++
		}
	}
	return n
}

// Complete transitions a Reserved ticket to Pending after successful
// broadcast.
func (a *Arbiter) Complete(t *Ticket) {
	st := a.stateFor(t.Signer)
	st.mu.Lock()
	defer st.mu.Unlock()
	t.Status = Pending
	metrics.NoncePending.WithLabelValues(t.Signer.Hex()).Set(float64(a.pendingCountLocked(st)))
}

// Confirm transitions a ticket to Confirmed once a receipt is observed
// and drops its bookkeeping entry.
func (a *Arbiter) Confirm(t *Ticket) {
	st := a.stateFor(t.Signer)
	st.mu.Lock()
	defer st.mu.Unlock()
	t.Status = Confirmed
	delete(st.tickets, t.Nonce)
	metrics.NoncePending.WithLabelValues(t.Signer.Hex()).Set(float64(a.pendingCountLocked(st)))
}

// Fail transitions a ticket to Failed and drops its bookkeeping entry.
// It is used both for sends that never reached the chain and for mined
// transactions that reverted. It does not rewind the signer's counter;
// an unconsumed nonce is only handed out again after a Resync.
func (a *Arbiter) Fail(t *Ticket) {
	st := a.stateFor(t.Signer)
	st.mu.Lock()
	defer st.mu.Unlock()
	t.Status = Failed
	delete(st.tickets, t.Nonce)
	metrics.NoncePending.WithLabelValues(t.Signer.Hex()).Set(float64(a.pendingCountLocked(st)))
}

// Resync re-reads signer's nonce from the chain and rewinds the local
// counter if the chain disagrees, for recovery after a failed send or a
// nonce-mismatch rejection. It never moves the counter backwards past a
// nonce that still has an in-flight Pending ticket.
func (a *Arbiter) Resync(ctx context.Context, signer common.Address) (uint64, error) {
	st := a.stateFor(signer)

	pending, err := a.client.PendingNonceAt(ctx, signer)
	if err != nil {
		return 0, fmt.Errorf("nonce: resync: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	next := pending
	for n, t := range st.tickets {
		if t.Status == Pending && n >= next {
			next = n + 1
		}
	}
	st.next = next

	metrics.NonceResyncTotal.WithLabelValues(signer.Hex()).Inc()
	return st.next, nil
}

// Current returns the next nonce that would be handed out for signer,
// without reserving it.
func (a *Arbiter) Current(signer common.Address) uint64 {
	st := a.stateFor(signer)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.next
}

// BigInt is a convenience for building *big.Int nonces for bind.TransactOpts.
func (t *Ticket) BigInt() *big.Int {
	return new(big.Int).SetUint64(t.Nonce)
}
