// Package store persists jobs, transaction history, rewards, and mass
// distribution records to an embedded SQLite database. Schema creation
// is additive-only (CREATE TABLE IF NOT EXISTS), and every write that
// touches more than one row goes through a transaction.
package store

import (
	"database/sql"
	"fmt"
	"math/big"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite connection backing the wallet engine.
type Store struct {
	db *sql.DB
}

// Open opens (and if necessary creates) the SQLite database at path,
// with WAL journaling and a single writer connection — SQLite only
// supports one writer at a time, so a larger pool would only add
// lock-contention churn.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		mode TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		config TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		total INTEGER NOT NULL DEFAULT 0,
		done INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);

	CREATE TABLE IF NOT EXISTS tx_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		job_id TEXT,
		kind TEXT NOT NULL,
		from_addr TEXT NOT NULL,
		to_addr TEXT NOT NULL,
		token TEXT,
		amount_wei TEXT NOT NULL,
		gas_price_wei TEXT,
		gas_used INTEGER,
		tx_hash TEXT UNIQUE,
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_tx_history_job ON tx_history(job_id);
	CREATE INDEX IF NOT EXISTS idx_tx_history_status ON tx_history(status);

	CREATE TABLE IF NOT EXISTS rewards (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT,
		source_tx_hash TEXT,
		address TEXT NOT NULL,
		plex_amount_wei TEXT NOT NULL DEFAULT '0',
		usdt_amount_wei TEXT NOT NULL DEFAULT '0',
		sent_flag INTEGER NOT NULL DEFAULT 0,
		tx_hash TEXT,
		created_at INTEGER NOT NULL,
		sent_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_rewards_sent ON rewards(sent_flag);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_rewards_source_tx ON rewards(source_tx_hash);

	CREATE TABLE IF NOT EXISTS found_transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tx_hash TEXT UNIQUE NOT NULL,
		from_addr TEXT,
		to_addr TEXT,
		token TEXT,
		amount_wei TEXT,
		block_number INTEGER,
		rewarded INTEGER NOT NULL DEFAULT 0,
		discovered_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_found_tx_sender ON found_transactions(from_addr);
	CREATE INDEX IF NOT EXISTS idx_found_tx_rewarded ON found_transactions(rewarded);

	CREATE TABLE IF NOT EXISTS sender_transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		signer TEXT NOT NULL,
		tx_hash TEXT UNIQUE NOT NULL,
		nonce INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sender_tx_signer ON sender_transactions(signer);
	CREATE INDEX IF NOT EXISTS idx_sender_tx_status ON sender_transactions(status);

	CREATE TABLE IF NOT EXISTS mass_distributions (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		token TEXT,
		total_items INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS mass_distribution_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		distribution_id TEXT NOT NULL,
		recipient TEXT NOT NULL,
		amount_wei TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		tx_hash TEXT,
		FOREIGN KEY (distribution_id) REFERENCES mass_distributions(id)
	);
	CREATE INDEX IF NOT EXISTS idx_mdi_distribution ON mass_distribution_items(distribution_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Job is the persisted row shape for a job.
type Job struct {
	ID           string
	Title        string
	Mode         string
	Priority     int
	Config       string
	State        string
	Total        int
	Done         int
	Failed       int
	ErrorMessage string
	CreatedAt    int64
	UpdatedAt    int64
}

// InsertJob inserts a new job row.
func (s *Store) InsertJob(j *Job) error {
	_, err := s.db.Exec(
		`INSERT INTO jobs (id, title, mode, priority, config, state, total, done, failed, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Title, j.Mode, j.Priority, j.Config, j.State, j.Total, j.Done, j.Failed, j.CreatedAt, j.UpdatedAt,
	)
	return err
}

// UpdateJobProgress atomically advances done/failed and bumps updated_at.
func (s *Store) UpdateJobProgress(jobID string, done, failed int, now int64) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET done = ?, failed = ?, updated_at = ? WHERE id = ?`,
		done, failed, now, jobID,
	)
	return err
}

// UpdateJobState transitions a job's state and optionally records a
// terminal error message.
func (s *Store) UpdateJobState(jobID, state, errMsg string, now int64) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET state = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		state, errMsg, now, jobID,
	)
	return err
}

// GetJob loads a single job by id.
func (s *Store) GetJob(jobID string) (*Job, error) {
	row := s.db.QueryRow(
		`SELECT id, title, mode, priority, config, state, total, done, failed, COALESCE(error_message, ''), created_at, updated_at
		 FROM jobs WHERE id = ?`, jobID)
	var j Job
	if err := row.Scan(&j.ID, &j.Title, &j.Mode, &j.Priority, &j.Config, &j.State, &j.Total, &j.Done, &j.Failed, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

// ListJobs returns every job, most recently created first.
func (s *Store) ListJobs() ([]*Job, error) {
	rows, err := s.db.Query(
		`SELECT id, title, mode, priority, config, state, total, done, failed, COALESCE(error_message, ''), created_at, updated_at
		 FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Title, &j.Mode, &j.Priority, &j.Config, &j.State, &j.Total, &j.Done, &j.Failed, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}

// ListPendingJobs returns jobs whose state allows them to be
// re-admitted to the scheduler, for startup reconciliation.
func (s *Store) ListPendingJobs() ([]*Job, error) {
	rows, err := s.db.Query(
		`SELECT id, title, mode, priority, config, state, total, done, failed, COALESCE(error_message, ''), created_at, updated_at
		 FROM jobs WHERE state IN ('pending', 'running', 'paused') ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Title, &j.Mode, &j.Priority, &j.Config, &j.State, &j.Total, &j.Done, &j.Failed, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}

// TxRecord is a row in tx_history.
type TxRecord struct {
	TS          int64
	JobID       string
	Kind        string
	From        string
	To          string
	Token       string
	AmountWei   string
	GasPriceWei string
	GasUsed     int64
	TxHash      string
	Status      string
	Error       string
}

// InsertTxHistory records a newly broadcast transaction. Constrained by
// a UNIQUE index on tx_hash, so a duplicate broadcast of the same
// transaction can never create a second row.
func (s *Store) InsertTxHistory(t *TxRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO tx_history (ts, job_id, kind, from_addr, to_addr, token, amount_wei, gas_price_wei, tx_hash, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TS, t.JobID, t.Kind, t.From, t.To, t.Token, t.AmountWei, t.GasPriceWei, t.TxHash, t.Status,
	)
	return err
}

// ResolveTxHistory writes the terminal outcome for a previously recorded
// transaction, exactly once per tx_hash. status is one of the documented
// terminal values: mined, failed, canceled.
func (s *Store) ResolveTxHistory(txHash, status string, gasUsed int64, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE tx_history SET status = ?, gas_used = ?, error = ? WHERE tx_hash = ? AND status = 'pending'`,
		status, gasUsed, errMsg, txHash,
	)
	return err
}

// PendingTxHistory returns every tx_history row still awaiting
// resolution, for reconciliation after a restart.
func (s *Store) PendingTxHistory() ([]*TxRecord, error) {
	rows, err := s.db.Query(
		`SELECT ts, COALESCE(job_id,''), kind, from_addr, to_addr, COALESCE(token,''), amount_wei, COALESCE(gas_price_wei,''), tx_hash, status, COALESCE(error,'')
		 FROM tx_history WHERE status = 'pending'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TxRecord
	for rows.Next() {
		var t TxRecord
		if err := rows.Scan(&t.TS, &t.JobID, &t.Kind, &t.From, &t.To, &t.Token, &t.AmountWei, &t.GasPriceWei, &t.TxHash, &t.Status, &t.Error); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// SenderTransaction is a row in sender_transactions: the (signer, nonce)
// pair a broadcast tx_hash was sent under, kept independently of
// tx_history so a reconciliation sweep can recover the nonce Arbiter
// ticket a pending hash belongs to after a process restart.
type SenderTransaction struct {
	ID        int64
	Signer    string
	TxHash    string
	Nonce     uint64
	Status    string
	CreatedAt int64
}

// InsertSenderTransaction records the (signer, nonce) a tx_hash was
// broadcast under. Constrained by a UNIQUE index on tx_hash.
func (s *Store) InsertSenderTransaction(signer, txHash string, nonce uint64, now int64) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO sender_transactions (signer, tx_hash, nonce, created_at) VALUES (?, ?, ?, ?)`,
		signer, txHash, nonce, now,
	)
	return err
}

// UpdateSenderTransactionStatus mirrors a tx_history resolution onto its
// sender_transactions row.
func (s *Store) UpdateSenderTransactionStatus(txHash, status string) error {
	_, err := s.db.Exec(`UPDATE sender_transactions SET status = ? WHERE tx_hash = ?`, status, txHash)
	return err
}

// SenderTransactionByHash looks up the (signer, nonce) a tx_hash was
// broadcast under.
func (s *Store) SenderTransactionByHash(txHash string) (*SenderTransaction, error) {
	row := s.db.QueryRow(
		`SELECT id, signer, tx_hash, nonce, status, created_at FROM sender_transactions WHERE tx_hash = ?`, txHash)
	var st SenderTransaction
	if err := row.Scan(&st.ID, &st.Signer, &st.TxHash, &st.Nonce, &st.Status, &st.CreatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

// Reward is a row in the rewards table: an externally authored payout
// instruction, keyed optionally by the source transaction that earned
// it.
type Reward struct {
	ID            int64
	JobID         string
	SourceTxHash  string
	Address       string
	PlexAmountWei string
	UsdtAmountWei string
	SentFlag      bool
	TxHash        string
	CreatedAt     int64
	SentAt        int64
}

// UpsertReward authors or updates a reward row. When SourceTxHash is
// set, a second upsert for the same source transaction replaces the
// owed amounts rather than creating a duplicate row — the reward ledger
// is keyed by the transaction that earned it, not by an external id.
func (s *Store) UpsertReward(r *Reward) (int64, error) {
	if r.SourceTxHash != "" {
		if _, err := s.db.Exec(
			`INSERT INTO rewards (job_id, source_tx_hash, address, plex_amount_wei, usdt_amount_wei, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(source_tx_hash) DO UPDATE SET
			   plex_amount_wei = excluded.plex_amount_wei,
			   usdt_amount_wei = excluded.usdt_amount_wei`,
			r.JobID, r.SourceTxHash, r.Address, r.PlexAmountWei, r.UsdtAmountWei, r.CreatedAt,
		); err != nil {
			return 0, err
		}
		var id int64
		if err := s.db.QueryRow(`SELECT id FROM rewards WHERE source_tx_hash = ?`, r.SourceTxHash).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}

	res, err := s.db.Exec(
		`INSERT INTO rewards (job_id, address, plex_amount_wei, usdt_amount_wei, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.JobID, r.Address, r.PlexAmountWei, r.UsdtAmountWei, r.CreatedAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UnsentRewards returns every reward row not yet marked sent.
func (s *Store) UnsentRewards() ([]*Reward, error) {
	rows, err := s.db.Query(
		`SELECT id, COALESCE(job_id,''), COALESCE(source_tx_hash,''), address, plex_amount_wei, usdt_amount_wei, sent_flag, COALESCE(tx_hash,''), created_at, COALESCE(sent_at,0)
		 FROM rewards WHERE sent_flag = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Reward
	for rows.Next() {
		var r Reward
		var sent int
		if err := rows.Scan(&r.ID, &r.JobID, &r.SourceTxHash, &r.Address, &r.PlexAmountWei, &r.UsdtAmountWei, &sent, &r.TxHash, &r.CreatedAt, &r.SentAt); err != nil {
			return nil, err
		}
		r.SentFlag = sent != 0
		out = append(out, &r)
	}
	return out, rows.Err()
}

// MarkRewardSent sets a reward's sent_flag only after its broadcast
// transaction is confirmed, matching the rest of the system's
// at-least-once restart semantics: a crash between broadcast and this
// call can cause a duplicate send on restart.
func (s *Store) MarkRewardSent(id int64, txHash string, sentAt int64) error {
	_, err := s.db.Exec(
		`UPDATE rewards SET sent_flag = 1, tx_hash = ?, sent_at = ? WHERE id = ?`,
		txHash, sentAt, id,
	)
	return err
}

// FoundTransaction is a row in found_transactions: an on-chain transfer
// discovered by the (out of scope) chain-explorer search client, read
// here to seed the reward ledger.
type FoundTransaction struct {
	ID           int64
	TxHash       string
	From         string
	To           string
	Token        string
	AmountWei    string
	BlockNumber  int64
	DiscoveredAt int64
	Rewarded     bool
}

// FoundTxInsert records a discovered transaction. Constrained by a
// UNIQUE index on tx_hash: re-discovering the same transaction (the
// search client re-scans overlapping block ranges) is a no-op.
func (s *Store) FoundTxInsert(ft *FoundTransaction) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO found_transactions (tx_hash, from_addr, to_addr, token, amount_wei, block_number, discovered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ft.TxHash, ft.From, ft.To, ft.Token, ft.AmountWei, ft.BlockNumber, ft.DiscoveredAt,
	)
	return err
}

// FoundTxQuery lists discovered transactions, optionally filtered to a
// sender address and/or to rows not yet rewarded.
func (s *Store) FoundTxQuery(sender string, onlyUnrewarded bool) ([]*FoundTransaction, error) {
	query := `SELECT id, tx_hash, COALESCE(from_addr,''), COALESCE(to_addr,''), COALESCE(token,''), COALESCE(amount_wei,''), COALESCE(block_number,0), discovered_at, rewarded
		 FROM found_transactions WHERE 1=1`
	var args []any
	if sender != "" {
		query += ` AND from_addr = ?`
		args = append(args, sender)
	}
	if onlyUnrewarded {
		query += ` AND rewarded = 0`
	}
	query += ` ORDER BY discovered_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*FoundTransaction
	for rows.Next() {
		var ft FoundTransaction
		var rewarded int
		if err := rows.Scan(&ft.ID, &ft.TxHash, &ft.From, &ft.To, &ft.Token, &ft.AmountWei, &ft.BlockNumber, &ft.DiscoveredAt, &rewarded); err != nil {
			return nil, err
		}
		ft.Rewarded = rewarded != 0
		out = append(out, &ft)
	}
	return out, rows.Err()
}

// MarkTxRewarded flags a discovered source transaction as rewarded, so
// it is excluded from later ListUnrewarded calls. The rewards executor
// calls it once the reward for that transaction has been paid.
func (s *Store) MarkTxRewarded(sourceTxHash string) error {
	_, err := s.db.Exec(`UPDATE found_transactions SET rewarded = 1 WHERE tx_hash = ?`, sourceTxHash)
	return err
}

// ListUnrewarded returns discovered transactions not yet marked
// rewarded, optionally restricted to one sender.
func (s *Store) ListUnrewarded(sender string) ([]*FoundTransaction, error) {
	return s.FoundTxQuery(sender, true)
}

// CreateMassDistribution inserts the parent row and its per-recipient
// items within a single transaction.
func (s *Store) CreateMassDistribution(id, jobID, token string, recipients []string, amountsWei []*big.Int, now int64) error {
	if len(recipients) != len(amountsWei) {
		return fmt.Errorf("store: recipients/amounts length mismatch")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO mass_distributions (id, job_id, token, total_items, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, jobID, token, len(recipients), now,
	); err != nil {
		return err
	}

	stmt, err := tx.Prepare(
		`INSERT INTO mass_distribution_items (distribution_id, recipient, amount_wei) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, recipient := range recipients {
		if _, err := stmt.Exec(id, recipient, amountsWei[i].String()); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SetDistributionStatus transitions a mass distribution's status,
// stamping completed_at the first time it reaches a terminal state.
func (s *Store) SetDistributionStatus(distID, status string) error {
	terminal := status == "completed" || status == "failed"
	if terminal {
		_, err := s.db.Exec(
			`UPDATE mass_distributions SET status = ?, completed_at = COALESCE(completed_at, ?) WHERE id = ?`,
			status, time.Now().Unix(), distID,
		)
		return err
	}
	_, err := s.db.Exec(`UPDATE mass_distributions SET status = ? WHERE id = ?`, status, distID)
	return err
}

// MarkDistributionItem records the outcome of one mass-distribution item.
func (s *Store) MarkDistributionItem(distributionID, recipient, status, txHash string) error {
	_, err := s.db.Exec(
		`UPDATE mass_distribution_items SET status = ?, tx_hash = ?
		 WHERE distribution_id = ? AND recipient = ? AND status = 'pending'`,
		status, txHash, distributionID, recipient,
	)
	return err
}
