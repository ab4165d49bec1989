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

// DistributionConfig describes a mass send of a fixed amount to a list
// of recipients from a single signer.
type DistributionConfig struct {
	Signer             string   `json:"signer"`
	Recipients         []string `json:"recipients"`
	TokenAddress       string   `json:"token_address"` // "" or "BNB" means native transfer
	AmountPerAddrWei   string   `json:"amount_per_address_wei"`
	DelayBetweenTxSecs int      `json:"delay_between_tx_secs"`
	GasPriority        string   `json:"gas_priority"`
}

// Distribution runs a DistributionConfig job: one transfer per
// recipient, broadcast in order, with a configurable delay between
// items.
type Distribution struct {
	*Base
	deps  Deps
	jobID string
	cfg   DistributionConfig
}

// NewDistribution builds a Distribution executor from job.
func NewDistribution(job *store.Job, deps Deps) (*Distribution, error) {
	var cfg DistributionConfig
	if err := json.Unmarshal([]byte(job.Config), &cfg); err != nil {
		return nil, fmt.Errorf("distribution: invalid config: %w", err)
	}
	if len(cfg.Recipients) == 0 || cfg.Signer == "" {
		return nil, fmt.Errorf("distribution: recipients and signer are required")
	}

	return &Distribution{
		Base:  NewBase(len(cfg.Recipients)),
		deps:  deps,
		jobID: job.ID,
		cfg:   cfg,
	}, nil
}

// Run implements engine.Executor.
func (d *Distribution) Run(ctx context.Context) {
	amount, ok := new(big.Int).SetString(d.cfg.AmountPerAddrWei, 10)
	if !ok {
		d.Finish(false, fmt.Errorf("distribution: invalid amount %q", d.cfg.AmountPerAddrWei))
		return
	}

	priority := gasPriorityOf(d.cfg.GasPriority)
	amounts := make([]*big.Int, len(d.cfg.Recipients))
	for i := range amounts {
		amounts[i] = amount
	}
	if err := d.deps.Store.CreateMassDistribution(d.jobID, d.jobID, d.cfg.TokenAddress, d.cfg.Recipients, amounts, time.Now().Unix()); err != nil {
		slog.Error("distribution: failed to record mass distribution", "job_id", d.jobID, "error", err)
	}
	_ = d.deps.Store.SetDistributionStatus(d.jobID, "running")

	isNative := d.cfg.TokenAddress == "" || d.cfg.TokenAddress == "BNB"
	kind := "native_transfer"
	if !isNative {
		kind = "erc20_transfer"
	}

	for i, recipient := range d.cfg.Recipients {
		if !d.WaitIfPaused(ctx) {
			break
		}

		to := common.HexToAddress(recipient)

		var (
			outcome *txbuilder.Outcome
			err     error
		)
		if isNative {
			outcome, err = d.deps.Builder.SendNativeTransfer(ctx, d.cfg.Signer, to, amount, priority)
		} else {
			outcome, err = d.deps.Builder.SendTokenTransfer(ctx, d.cfg.Signer, common.HexToAddress(d.cfg.TokenAddress), to, amount, priority)
		}

		if err != nil {
			slog.Error("distribution: send failed", "job_id", d.jobID, "recipient", recipient, "error", err)
			d.IncFailed()
			_ = d.deps.Store.MarkDistributionItem(d.jobID, recipient, "failed", "")
			metrics.JobItemsProcessedTotal.WithLabelValues("distribution", "failed").Inc()
		} else {
			txHash := outcome.Tx.Hash().Hex()
			from, _ := d.deps.Keys.Address(d.cfg.Signer)
			now := time.Now().Unix()
			_ = d.deps.Store.InsertTxHistory(&store.TxRecord{
				TS: now, JobID: d.jobID, Kind: kind,
				From: from.Hex(), To: recipient, Token: d.cfg.TokenAddress,
				AmountWei: amount.String(), TxHash: txHash, Status: "pending",
			})
			_ = d.deps.Store.InsertSenderTransaction(from.Hex(), txHash, outcome.Ticket.Nonce, now)
			_ = d.deps.Store.MarkDistributionItem(d.jobID, recipient, "sent", txHash)
			d.awaitReceipt(ctx, outcome)
			d.IncDone()
			metrics.JobItemsProcessedTotal.WithLabelValues("distribution", "sent").Inc()
		}

		if (i+1)%10 == 0 {
			_, done, failed := d.Progress()
			_ = d.deps.Store.UpdateJobProgress(d.jobID, done, failed, time.Now().Unix())
		}

		if i < len(d.cfg.Recipients)-1 && d.cfg.DelayBetweenTxSecs > 0 {
			sleepInterruptible(ctx, time.Duration(d.cfg.DelayBetweenTxSecs)*time.Second)
		}
	}

	_, done, failed := d.Progress()
	_ = d.deps.Store.UpdateJobProgress(d.jobID, done, failed, time.Now().Unix())
	if failed > 0 && done == 0 {
		_ = d.deps.Store.SetDistributionStatus(d.jobID, "failed")
	} else {
		_ = d.deps.Store.SetDistributionStatus(d.jobID, "completed")
	}
	d.Finish(true, nil)
}

// awaitReceipt blocks for this single transaction's confirmation (or
// timeout) and records the terminal status in tx_history. Distribution
// processes recipients strictly in order, so waiting here rather than
// fanning out keeps nonce ordering obvious and bounds in-flight tx count
// to one per job.
func (d *Distribution) awaitReceipt(ctx context.Context, outcome *txbuilder.Outcome) {
	resultCh := d.deps.Watcher.Watch(ctx, outcome.Tx.Hash(), outcome.Ticket)
	select {
	case res := <-resultCh:
		if res.TimedOut || res.Err != nil {
			return
		}
		status := "mined"
		if res.Receipt.Status == 0 {
			status = "failed"
		}
		txHash := outcome.Tx.Hash().Hex()
		_ = d.deps.Store.ResolveTxHistory(txHash, status, int64(res.Receipt.GasUsed), "")
		_ = d.deps.Store.UpdateSenderTransactionStatus(txHash, status)
	case <-ctx.Done():
	}
}

func gasPriorityOf(s string) gasprice.Priority {
	switch s {
	case "slow":
		return gasprice.Slow
	case "fast":
		return gasprice.Fast
	case "instant":
		return gasprice.Instant
	default:
		return gasprice.Standard
	}
}

// sleepInterruptible sleeps for d, waking early if ctx is cancelled.
func sleepInterruptible(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
