package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/walletsender/wallet-engine/internal/gasprice"
	"github.com/walletsender/wallet-engine/internal/metrics"
	"github.com/walletsender/wallet-engine/internal/store"
	"github.com/walletsender/wallet-engine/internal/txbuilder"
)

// RewardsConfig selects the signer that pays out pending reward rows
// and the two token addresses a reward's plex/usdt legs are paid in.
type RewardsConfig struct {
	SenderKey   string `json:"sender_key"`
	PlexAddress string `json:"plex_address"`
	USDTAddress string `json:"usdt_address"`
	GasPriority string `json:"gas_priority"`
}

// Rewards pays out every pending row in the rewards table from a single
// signer, marking each sent only once every nonzero leg has confirmed.
type Rewards struct {
	*Base
	deps  Deps
	jobID string
	cfg   RewardsConfig
}

// NewRewards builds a Rewards executor from job.
func NewRewards(job *store.Job, deps Deps) (*Rewards, error) {
	var cfg RewardsConfig
	if err := json.Unmarshal([]byte(job.Config), &cfg); err != nil {
		return nil, fmt.Errorf("rewards: invalid config: %w", err)
	}
	if cfg.SenderKey == "" {
		return nil, fmt.Errorf("rewards: sender_key is required")
	}
	if cfg.USDTAddress == "" {
		cfg.USDTAddress = DefaultUSDT.Hex()
	}

	return &Rewards{
		Base:  NewBase(0),
		deps:  deps,
		jobID: job.ID,
		cfg:   cfg,
	}, nil
}

// Run implements engine.Executor.
func (r *Rewards) Run(ctx context.Context) {
	pending, err := r.deps.Store.UnsentRewards()
	if err != nil {
		r.Finish(false, fmt.Errorf("rewards: load pending rewards: %w", err))
		return
	}
	r.SetTotal(len(pending))
	slog.Info("rewards: starting payout run", "job_id", r.jobID, "count", len(pending))

	priority := gasPriorityOf(r.cfg.GasPriority)

	for i, reward := range pending {
		if !r.WaitIfPaused(ctx) {
			break
		}

		if err := r.payOne(ctx, reward, priority); err != nil {
			slog.Error("rewards: payout failed", "job_id", r.jobID, "reward_id", reward.ID, "error", err)
			r.IncFailed()
		} else {
			r.IncDone()
		}

		if (i+1)%5 == 0 {
			_, done, failed := r.Progress()
			_ = r.deps.Store.UpdateJobProgress(r.jobID, done, failed, time.Now().Unix())
		}
	}

	_, done, failed := r.Progress()
	_ = r.deps.Store.UpdateJobProgress(r.jobID, done, failed, time.Now().Unix())
	r.Finish(true, nil)
}

// payOne treats a reward row as up to two distribution items — a PLEX
// leg and a USDT leg — reusing the same send/record/await path the
// distribution executor uses for a single recipient.
func (r *Rewards) payOne(ctx context.Context, reward *store.Reward, priority gasprice.Priority) error {
	to := common.HexToAddress(reward.Address)

	legs := []struct {
		label     string
		token     string
		amountWei string
	}{
		{"plex", r.cfg.PlexAddress, reward.PlexAmountWei},
		{"usdt", r.cfg.USDTAddress, reward.UsdtAmountWei},
	}

	var lastTxHash string
	sentAny := false
	for _, leg := range legs {
		amount, ok := new(big.Int).SetString(leg.amountWei, 10)
		if !ok || amount.Sign() <= 0 {
			continue
		}
		txHash, err := r.sendLeg(ctx, leg.label, leg.token, to, amount, priority)
		if err != nil {
			return fmt.Errorf("%s leg: %w", leg.label, err)
		}
		lastTxHash = txHash
		sentAny = true
	}
	if !sentAny {
		return fmt.Errorf("reward row %d has no nonzero amount", reward.ID)
	}

	if reward.SourceTxHash != "" {
		if err := r.deps.Store.MarkTxRewarded(reward.SourceTxHash); err != nil {
			slog.Warn("rewards: failed to mark source tx rewarded", "job_id", r.jobID, "source_tx_hash", reward.SourceTxHash, "error", err)
		}
	}

	if err := r.deps.Store.MarkRewardSent(reward.ID, lastTxHash, time.Now().Unix()); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	metrics.JobItemsProcessedTotal.WithLabelValues("rewards", "sent").Inc()
	return nil
}

// sendLeg sends one reward leg and blocks until it is mined, failed, or
// the watcher's wait times out.
func (r *Rewards) sendLeg(ctx context.Context, label, token string, to common.Address, amount *big.Int, priority gasprice.Priority) (string, error) {
	var (
		outcome *txbuilder.Outcome
		err     error
	)
	if token == "" || token == "BNB" {
		outcome, err = r.deps.Builder.SendNativeTransfer(ctx, r.cfg.SenderKey, to, amount, priority)
	} else {
		outcome, err = r.deps.Builder.SendTokenTransfer(ctx, r.cfg.SenderKey, common.HexToAddress(token), to, amount, priority)
	}
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}

	txHash := outcome.Tx.Hash().Hex()
	from, _ := r.deps.Keys.Address(r.cfg.SenderKey)
	now := time.Now().Unix()
	_ = r.deps.Store.InsertTxHistory(&store.TxRecord{
		TS: now, JobID: r.jobID, Kind: "reward_payout_" + label,
		From: from.Hex(), To: to.Hex(), Token: token,
		AmountWei: amount.String(), TxHash: txHash, Status: "pending",
	})
	_ = r.deps.Store.InsertSenderTransaction(from.Hex(), txHash, outcome.Ticket.Nonce, now)

	// sent_flag is only set by the caller once every leg has confirmed. A
	// crash between broadcast and confirmation leaves the row unsent, and
	// it will be retried (and possibly double-paid) on the next run — the
	// same at-least-once tradeoff the rest of the payout path accepts.
	resultCh := r.deps.Watcher.Watch(ctx, outcome.Tx.Hash(), outcome.Ticket)
	select {
	case res := <-resultCh:
		if res.TimedOut || res.Err != nil {
			return "", fmt.Errorf("receipt not confirmed: %v", res.Err)
		}
		if res.Receipt.Status == 0 {
			_ = r.deps.Store.ResolveTxHistory(txHash, "failed", int64(res.Receipt.GasUsed), "")
			_ = r.deps.Store.UpdateSenderTransactionStatus(txHash, "failed")
			return "", fmt.Errorf("transaction reverted")
		}
		_ = r.deps.Store.ResolveTxHistory(txHash, "mined", int64(res.Receipt.GasUsed), "")
		_ = r.deps.Store.UpdateSenderTransactionStatus(txHash, "mined")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return txHash, nil
}
