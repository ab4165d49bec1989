package nonce

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func addr(hex string) common.Address {
	return common.HexToAddress(hex)
}

// mustReserve reserves against a nil-client Arbiter, where seeding is
// skipped and Reserve can never fail.
func mustReserve(t *testing.T, a *Arbiter, signer common.Address) *Ticket {
	t.Helper()
	ticket, err := a.Reserve(context.Background(), signer)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	return ticket
}

func TestReserveMonotonicallyIncreases(t *testing.T) {
	a := NewArbiter(nil)
	signer := addr("0x1")

	var got []uint64
	for i := 0; i < 5; i++ {
		got = append(got, mustReserve(t, a, signer).Nonce)
	}

	for i := 1; i < len(got); i++ {
		if got[i] != got[i-1]+1 {
			t.Fatalf("nonce sequence not strictly increasing by one: %v", got)
		}
	}
}

func TestReserveIsUniquePerSignerUnderConcurrency(t *testing.T) {
	a := NewArbiter(nil)
	signer := addr("0x2")

	const n = 200
	results := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = mustReserve(t, a, signer).Nonce
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, n)
	for _, nonce := range results {
		if seen[nonce] {
			t.Fatalf("nonce %d handed out more than once", nonce)
		}
		seen[nonce] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct nonces, got %d", n, len(seen))
	}
}

func TestSignersHaveIndependentCounters(t *testing.T) {
	a := NewArbiter(nil)
	s1, s2 := addr("0x3"), addr("0x4")

	mustReserve(t, a, s1)
	mustReserve(t, a, s1)
	first2 := mustReserve(t, a, s2).Nonce

	if first2 != 0 {
		t.Errorf("expected signer 2's first nonce to be 0, got %d", first2)
	}
	if a.Current(s1) != 2 {
		t.Errorf("expected signer 1's next nonce to be 2, got %d", a.Current(s1))
	}
}

func TestCompleteConfirmFailTransitions(t *testing.T) {
	a := NewArbiter(nil)
	signer := addr("0x5")

	reserved := mustReserve(t, a, signer)
	if reserved.Status != Reserved {
		t.Fatalf("expected Reserved, got %s", reserved.Status)
	}

	a.Complete(reserved)
	if reserved.Status != Pending {
		t.Fatalf("expected Pending after Complete, got %s", reserved.Status)
	}

	a.Confirm(reserved)
	if reserved.Status != Confirmed {
		t.Fatalf("expected Confirmed, got %s", reserved.Status)
	}

	// Confirming or failing a ticket never rewinds the signer's counter;
	// the next Reserve still continues forward.
	next := mustReserve(t, a, signer)
	if next.Nonce != reserved.Nonce+1 {
		t.Fatalf("expected next nonce %d, got %d", reserved.Nonce+1, next.Nonce)
	}

	a.Fail(next)
	if next.Status != Failed {
		t.Fatalf("expected Failed, got %s", next.Status)
	}
}

func TestReserveSeedsFromChainOnFirstUse(t *testing.T) {
	// With a nil client, seeding is skipped and the counter starts at 0 —
	// exercised above. The seeded flag itself is covered indirectly: a
	// second Reserve never re-seeds (it would otherwise clobber a
	// concurrently advanced counter back down to the chain's reported
	// value), which TestReserveMonotonicallyIncreases already assumes by
	// requiring strictly increasing nonces across repeated calls.
	a := NewArbiter(nil)
	signer := addr("0x6")

	first := mustReserve(t, a, signer)
	if first.Nonce != 0 {
		t.Fatalf("expected first reservation to start at 0 when nothing seeds it, got %d", first.Nonce)
	}
	if err := a.Seed(context.Background(), signer); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Seed is a no-op once Reserve has already implicitly seeded the
	// signer — it must not rewind the counter.
	if a.Current(signer) != 1 {
		t.Fatalf("expected seed after first reserve to leave counter at 1, got %d", a.Current(signer))
	}
}
