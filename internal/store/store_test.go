package store

import (
	"database/sql"
	"math/big"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestInsertTxHistoryRejectsDuplicateHash(t *testing.T) {
	st := openTestStore(t)

	rec := &TxRecord{TS: 1, Kind: "native_transfer", From: "0xa", To: "0xb", AmountWei: "100", TxHash: "0xdead", Status: "pending"}
	if err := st.InsertTxHistory(rec); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := st.InsertTxHistory(rec); err == nil {
		t.Fatal("expected unique constraint violation on duplicate tx_hash, got nil")
	}
}

func TestResolveTxHistoryIsIdempotent(t *testing.T) {
	st := openTestStore(t)

	rec := &TxRecord{TS: 1, Kind: "native_transfer", From: "0xa", To: "0xb", AmountWei: "100", TxHash: "0xbeef", Status: "pending"}
	if err := st.InsertTxHistory(rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := st.ResolveTxHistory("0xbeef", "mined", 21000, ""); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	// A second resolve call must not overwrite the already-mined row: the
	// WHERE status='pending' guard makes this a no-op, not an error.
	if err := st.ResolveTxHistory("0xbeef", "failed", 0, "boom"); err != nil {
		t.Fatalf("second resolve: %v", err)
	}

	pending, err := st.PendingTxHistory()
	if err != nil {
		t.Fatalf("pending history: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending rows after resolve, got %d", len(pending))
	}
}

func TestPendingTxHistorySurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.db")

	st1, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st1.InsertTxHistory(&TxRecord{TS: 1, Kind: "native_transfer", From: "0xa", To: "0xb", AmountWei: "5", TxHash: "0x1", Status: "pending"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := st1.InsertTxHistory(&TxRecord{TS: 2, Kind: "native_transfer", From: "0xa", To: "0xc", AmountWei: "5", TxHash: "0x2", Status: "pending"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := st1.ResolveTxHistory("0x2", "mined", 21000, ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	st1.Close()

	st2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	pending, err := st2.PendingTxHistory()
	if err != nil {
		t.Fatalf("pending history: %v", err)
	}
	if len(pending) != 1 || pending[0].TxHash != "0x1" {
		t.Fatalf("expected exactly the unresolved row to survive restart, got %+v", pending)
	}
}

func TestSenderTransactionLifecycle(t *testing.T) {
	st := openTestStore(t)

	if err := st.InsertSenderTransaction("0xsigner", "0xhash1", 7, 1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Re-inserting the same tx_hash is a no-op, not an error: broadcast
	// bookkeeping must tolerate being called at most once successfully.
	if err := st.InsertSenderTransaction("0xsigner", "0xhash1", 7, 1); err != nil {
		t.Fatalf("re-insert: %v", err)
	}

	got, err := st.SenderTransactionByHash("0xhash1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Signer != "0xsigner" || got.Nonce != 7 || got.Status != "pending" {
		t.Fatalf("unexpected row: %+v", got)
	}

	if err := st.UpdateSenderTransactionStatus("0xhash1", "mined"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err = st.SenderTransactionByHash("0xhash1")
	if err != nil {
		t.Fatalf("lookup after update: %v", err)
	}
	if got.Status != "mined" {
		t.Fatalf("expected mined, got %s", got.Status)
	}
}

func TestJobProgressAndStateRoundTrip(t *testing.T) {
	st := openTestStore(t)

	job := &Job{ID: "job-1", Title: "test", Mode: "distribution", Config: "{}", State: "pending", Total: 10, CreatedAt: 1, UpdatedAt: 1}
	if err := st.InsertJob(job); err != nil {
		t.Fatalf("insert job: %v", err)
	}

	if err := st.UpdateJobProgress("job-1", 4, 1, 2); err != nil {
		t.Fatalf("update progress: %v", err)
	}
	if err := st.UpdateJobState("job-1", "running", "", 3); err != nil {
		t.Fatalf("update state: %v", err)
	}

	got, err := st.GetJob("job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Done != 4 || got.Failed != 1 || got.State != "running" {
		t.Fatalf("unexpected job snapshot: %+v", got)
	}
}

func TestListPendingJobsExcludesTerminalStates(t *testing.T) {
	st := openTestStore(t)

	jobs := []*Job{
		{ID: "a", Title: "a", Mode: "distribution", Config: "{}", State: "pending", CreatedAt: 1, UpdatedAt: 1},
		{ID: "b", Title: "b", Mode: "distribution", Config: "{}", State: "running", CreatedAt: 2, UpdatedAt: 2},
		{ID: "c", Title: "c", Mode: "distribution", Config: "{}", State: "paused", CreatedAt: 3, UpdatedAt: 3},
		{ID: "d", Title: "d", Mode: "distribution", Config: "{}", State: "completed", CreatedAt: 4, UpdatedAt: 4},
		{ID: "e", Title: "e", Mode: "distribution", Config: "{}", State: "cancelled", CreatedAt: 5, UpdatedAt: 5},
	}
	for _, j := range jobs {
		if err := st.InsertJob(j); err != nil {
			t.Fatalf("insert job %s: %v", j.ID, err)
		}
	}

	pending, err := st.ListPendingJobs()
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	ids := make(map[string]bool, len(pending))
	for _, j := range pending {
		ids[j.ID] = true
	}
	if !ids["a"] || !ids["b"] || !ids["c"] {
		t.Fatalf("expected pending/running/paused jobs to be resumable, got %+v", ids)
	}
	if ids["d"] || ids["e"] {
		t.Fatalf("expected terminal jobs to be excluded, got %+v", ids)
	}
}

func TestRewardSentFlagOnlySetOnce(t *testing.T) {
	st := openTestStore(t)

	id, err := st.UpsertReward(&Reward{JobID: "job-1", Address: "0xr", PlexAmountWei: "10", UsdtAmountWei: "0", CreatedAt: 1})
	if err != nil {
		t.Fatalf("upsert reward: %v", err)
	}

	unsent, err := st.UnsentRewards()
	if err != nil {
		t.Fatalf("unsent rewards: %v", err)
	}
	if len(unsent) != 1 {
		t.Fatalf("expected 1 unsent reward, got %d", len(unsent))
	}

	if err := st.MarkRewardSent(id, "0xhash", 2); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	unsent, err = st.UnsentRewards()
	if err != nil {
		t.Fatalf("unsent rewards after send: %v", err)
	}
	if len(unsent) != 0 {
		t.Fatalf("expected 0 unsent rewards after marking sent, got %d", len(unsent))
	}
}

func TestUpsertRewardReplacesAmountsForSameSourceTx(t *testing.T) {
	st := openTestStore(t)

	first, err := st.UpsertReward(&Reward{Address: "0xr", SourceTxHash: "0xsrc", PlexAmountWei: "10", UsdtAmountWei: "0", CreatedAt: 1})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second, err := st.UpsertReward(&Reward{Address: "0xr", SourceTxHash: "0xsrc", PlexAmountWei: "15", UsdtAmountWei: "5", CreatedAt: 1})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same row id for repeated upserts on one source tx, got %d and %d", first, second)
	}

	unsent, err := st.UnsentRewards()
	if err != nil {
		t.Fatalf("unsent rewards: %v", err)
	}
	if len(unsent) != 1 {
		t.Fatalf("expected exactly one reward row, got %d", len(unsent))
	}
	if unsent[0].PlexAmountWei != "15" || unsent[0].UsdtAmountWei != "5" {
		t.Fatalf("expected the second upsert's amounts to win, got %+v", unsent[0])
	}
}

func TestFoundTransactionDiscoveryAndRewardMarking(t *testing.T) {
	st := openTestStore(t)

	if err := st.FoundTxInsert(&FoundTransaction{TxHash: "0xf1", From: "0xsender", To: "0xengine", AmountWei: "100", DiscoveredAt: 1}); err != nil {
		t.Fatalf("insert found tx: %v", err)
	}
	if err := st.FoundTxInsert(&FoundTransaction{TxHash: "0xf2", From: "0xsender", To: "0xengine", AmountWei: "200", DiscoveredAt: 2}); err != nil {
		t.Fatalf("insert found tx 2: %v", err)
	}
	// Re-discovering the same hash is a no-op.
	if err := st.FoundTxInsert(&FoundTransaction{TxHash: "0xf1", From: "0xsender", To: "0xengine", AmountWei: "999", DiscoveredAt: 99}); err != nil {
		t.Fatalf("re-insert found tx: %v", err)
	}

	unrewarded, err := st.ListUnrewarded("0xsender")
	if err != nil {
		t.Fatalf("list unrewarded: %v", err)
	}
	if len(unrewarded) != 2 {
		t.Fatalf("expected 2 unrewarded transactions, got %d", len(unrewarded))
	}

	if err := st.MarkTxRewarded("0xf1"); err != nil {
		t.Fatalf("mark rewarded: %v", err)
	}

	unrewarded, err = st.ListUnrewarded("0xsender")
	if err != nil {
		t.Fatalf("list unrewarded after mark: %v", err)
	}
	if len(unrewarded) != 1 || unrewarded[0].TxHash != "0xf2" {
		t.Fatalf("expected only 0xf2 still unrewarded, got %+v", unrewarded)
	}
}

func TestMassDistributionItemsTrackPerRecipientOutcome(t *testing.T) {
	st := openTestStore(t)

	recipients := []string{"0x1", "0x2", "0x3"}
	amounts := []*big.Int{big.NewInt(1), big.NewInt(2), big.NewInt(3)}
	if err := st.CreateMassDistribution("dist-1", "job-1", "0xtoken", recipients, amounts, 1); err != nil {
		t.Fatalf("create mass distribution: %v", err)
	}

	if err := st.MarkDistributionItem("dist-1", "0x2", "sent", "0xhash2"); err != nil {
		t.Fatalf("mark item: %v", err)
	}
	// Marking the same recipient again must be a no-op, not a second write,
	// since the guard only updates rows still in 'pending'.
	if err := st.MarkDistributionItem("dist-1", "0x2", "failed", "0xhash2b"); err != nil {
		t.Fatalf("mark item again: %v", err)
	}
}

func TestSetDistributionStatusStampsCompletedAt(t *testing.T) {
	st := openTestStore(t)

	recipients := []string{"0x1"}
	amounts := []*big.Int{big.NewInt(1)}
	if err := st.CreateMassDistribution("dist-2", "job-2", "0xtoken", recipients, amounts, 1); err != nil {
		t.Fatalf("create mass distribution: %v", err)
	}

	if err := st.SetDistributionStatus("dist-2", "running"); err != nil {
		t.Fatalf("set running: %v", err)
	}
	if err := st.SetDistributionStatus("dist-2", "completed"); err != nil {
		t.Fatalf("set completed: %v", err)
	}

	var status string
	var completedAt sql.NullInt64
	row := st.db.QueryRow(`SELECT status, completed_at FROM mass_distributions WHERE id = ?`, "dist-2")
	if err := row.Scan(&status, &completedAt); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if status != "completed" {
		t.Fatalf("expected completed, got %s", status)
	}
	if !completedAt.Valid {
		t.Fatalf("expected completed_at to be stamped")
	}
}
