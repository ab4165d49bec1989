package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/walletsender/wallet-engine/internal/gasprice"
	"github.com/walletsender/wallet-engine/internal/metrics"
	"github.com/walletsender/wallet-engine/internal/router"
	"github.com/walletsender/wallet-engine/internal/store"
	"github.com/walletsender/wallet-engine/internal/txbuilder"
)

const defaultConsecutiveFailureThreshold = 5

// AutoBuyConfig describes a repeated purchase of a token via the AMM
// router.
type AutoBuyConfig struct {
	TokenAddress    string `json:"token_addr"`
	BuyAmountBase   string `json:"buy_amount_base"`
	PayWith         string `json:"pay_with"` // "native" or "USDT"
	IntervalSecs    int    `json:"interval_s"`
	TotalBuys       int    `json:"total_buys"`
	SlippagePercent int64  `json:"slippage_percent"`
	SenderKey       string `json:"sender_key"`
	RouterAddress   string `json:"router_address"`
	USDTAddress     string `json:"usdt_address"`
	WrappedNative   string `json:"wrapped_native_address"`
	GasPriority     string `json:"gas_priority"`
}

// AutoBuy runs a sequence of router swaps that acquire a token on an
// interval, discovering the best-quoted path each cycle.
type AutoBuy struct {
	*Base
	deps  Deps
	jobID string
	cfg   AutoBuyConfig
}

// NewAutoBuy builds an AutoBuy executor from job.
func NewAutoBuy(job *store.Job, deps Deps) (*AutoBuy, error) {
	var cfg AutoBuyConfig
	if err := json.Unmarshal([]byte(job.Config), &cfg); err != nil {
		return nil, fmt.Errorf("auto_buy: invalid config: %w", err)
	}
	if cfg.TokenAddress == "" || cfg.SenderKey == "" || cfg.TotalBuys <= 0 {
		return nil, fmt.Errorf("auto_buy: token_addr, sender_key, and total_buys are required")
	}
	if cfg.RouterAddress == "" {
		cfg.RouterAddress = DefaultRouter.Hex()
	}
	if cfg.USDTAddress == "" {
		cfg.USDTAddress = DefaultUSDT.Hex()
	}
	if cfg.WrappedNative == "" {
		cfg.WrappedNative = DefaultWBNB.Hex()
	}

	return &AutoBuy{
		Base:  NewBase(cfg.TotalBuys),
		deps:  deps,
		jobID: job.ID,
		cfg:   cfg,
	}, nil
}

// Run implements engine.Executor.
func (a *AutoBuy) Run(ctx context.Context) {
	amountIn, ok := new(big.Int).SetString(a.cfg.BuyAmountBase, 10)
	if !ok {
		a.Finish(false, fmt.Errorf("auto_buy: invalid buy_amount_base %q", a.cfg.BuyAmountBase))
		return
	}

	priority := gasPriorityOf(a.cfg.GasPriority)
	token := common.HexToAddress(a.cfg.TokenAddress)
	routerAddr := common.HexToAddress(a.cfg.RouterAddress)
	usdt := common.HexToAddress(a.cfg.USDTAddress)
	wrapped := common.HexToAddress(a.cfg.WrappedNative)
	payingWithToken := a.cfg.PayWith == "USDT"

	client, err := a.deps.Pool.Client(ctx)
	if err != nil {
		a.Finish(false, fmt.Errorf("auto_buy: acquire rpc client: %w", err))
		return
	}
	r, err := router.New(routerAddr, client)
	if err != nil {
		a.Finish(false, fmt.Errorf("auto_buy: bind router: %w", err))
		return
	}

	consecutiveFailures := 0

	for i := 0; i < a.cfg.TotalBuys; i++ {
		if !a.WaitIfPaused(ctx) {
			break
		}

		var payToken common.Address
		if payingWithToken {
			payToken = usdt
		} else {
			payToken = wrapped
		}

		paths := candidatePaths(payToken, token, wrapped, usdt)
		chosen, expectedOut, err := bestPath(ctx, r, amountIn, paths)
		if err != nil || expectedOut.Sign() == 0 {
			a.recordFailure(i, fmt.Errorf("auto_buy: no viable path or zero quote"))
			consecutiveFailures++
			if consecutiveFailures >= defaultConsecutiveFailureThreshold {
				a.Finish(false, fmt.Errorf("auto_buy: %d consecutive failures", consecutiveFailures))
				return
			}
			a.advance(ctx, i)
			continue
		}

		minOut := slippageFloor(expectedOut, a.cfg.SlippagePercent)

		if payingWithToken {
			if _, aerr := a.deps.Builder.EnsureAllowance(ctx, a.cfg.SenderKey, payToken, routerAddr, amountIn, priority); aerr != nil {
				a.recordFailure(i, fmt.Errorf("auto_buy: approve failed: %w", aerr))
				consecutiveFailures++
				if consecutiveFailures >= defaultConsecutiveFailureThreshold {
					a.Finish(false, fmt.Errorf("auto_buy: %d consecutive failures", consecutiveFailures))
					return
				}
				a.advance(ctx, i)
				continue
			}
		}

		deadline := big.NewInt(time.Now().Add(5 * time.Minute).Unix())
		kind := txbuilder.SwapETHForTokens
		if payingWithToken {
			kind = txbuilder.SwapTokensForTokens
		}

		outcome, err := a.deps.Builder.SendRouterSwap(ctx, a.cfg.SenderKey, routerAddr, kind, amountIn, minOut, chosen, deadline, priority)
		if err != nil {
			a.recordFailure(i, fmt.Errorf("auto_buy: swap failed: %w", err))
			consecutiveFailures++
			metrics.JobItemsProcessedTotal.WithLabelValues("auto_buy", "failed").Inc()
			if consecutiveFailures >= defaultConsecutiveFailureThreshold {
				a.Finish(false, fmt.Errorf("auto_buy: %d consecutive failures", consecutiveFailures))
				return
			}
			a.advance(ctx, i)
			continue
		}

		consecutiveFailures = 0
		from, _ := a.deps.Keys.Address(a.cfg.SenderKey)
		txHash := outcome.Tx.Hash().Hex()
		now := time.Now().Unix()
		_ = a.deps.Store.InsertTxHistory(&store.TxRecord{
			TS: now, JobID: a.jobID, Kind: "router_swap",
			From: from.Hex(), To: routerAddr.Hex(), Token: a.cfg.TokenAddress,
			AmountWei: amountIn.String(), TxHash: txHash, Status: "pending",
		})
		_ = a.deps.Store.InsertSenderTransaction(from.Hex(), txHash, outcome.Ticket.Nonce, now)
		a.awaitAndResolve(ctx, outcome, txHash)
		a.IncDone()
		metrics.JobItemsProcessedTotal.WithLabelValues("auto_buy", "sent").Inc()
		slog.Info("auto_buy: swap submitted", "job_id", a.jobID, "cycle", i, "path", pathHex(chosen), "min_out", minOut.String())

		a.advance(ctx, i)
	}

	_, done, failed := a.Progress()
	_ = a.deps.Store.UpdateJobProgress(a.jobID, done, failed, time.Now().Unix())
	a.Finish(true, nil)
}

func (a *AutoBuy) recordFailure(i int, err error) {
	slog.Error("auto_buy: cycle failed", "job_id", a.jobID, "cycle", i, "error", err)
	a.IncFailed()
}

func (a *AutoBuy) advance(ctx context.Context, i int) {
	_, done, failed := a.Progress()
	_ = a.deps.Store.UpdateJobProgress(a.jobID, done, failed, time.Now().Unix())
	if i < a.cfg.TotalBuys-1 && a.cfg.IntervalSecs > 0 {
		sleepInterruptible(ctx, time.Duration(a.cfg.IntervalSecs)*time.Second)
	}
}

func (a *AutoBuy) awaitAndResolve(ctx context.Context, outcome *txbuilder.Outcome, txHash string) {
	resultCh := a.deps.Watcher.Watch(ctx, outcome.Tx.Hash(), outcome.Ticket)
	select {
	case res := <-resultCh:
		if res.TimedOut || res.Err != nil {
			return
		}
		status := "mined"
		if res.Receipt.Status == 0 {
			status = "failed"
		}
		_ = a.deps.Store.ResolveTxHistory(txHash, status, int64(res.Receipt.GasUsed), "")
		_ = a.deps.Store.UpdateSenderTransactionStatus(txHash, status)
	case <-ctx.Done():
	}
}

// candidatePaths enumerates the swap paths worth quoting: the direct
// pair, and a two-hop route through whichever intermediate (wrapped
// native or USDT) isn't already an endpoint.
func candidatePaths(from, to, wrapped, usdt common.Address) [][]common.Address {
	paths := [][]common.Address{{from, to}}
	for _, mid := range []common.Address{wrapped, usdt} {
		if mid == from || mid == to {
			continue
		}
		paths = append(paths, []common.Address{from, mid, to})
	}
	return paths
}

// pathQuote pairs a candidate path with its quoted output amount.
type pathQuote struct {
	path []common.Address
	out  *big.Int
}

// bestPath quotes every candidate path and returns the one with the
// highest output, breaking ties by fewest hops then lexical order of
// the path's hex representation.
func bestPath(ctx context.Context, r *router.Router, amountIn *big.Int, paths [][]common.Address) ([]common.Address, *big.Int, error) {
	var quotes []pathQuote
	for _, p := range paths {
		amounts, err := r.GetAmountsOut(&bind.CallOpts{Context: ctx}, amountIn, p)
		if err != nil || len(amounts) == 0 {
			continue
		}
		quotes = append(quotes, pathQuote{path: p, out: amounts[len(amounts)-1]})
	}
	if len(quotes) == 0 {
		return nil, big.NewInt(0), fmt.Errorf("no candidate path quoted successfully")
	}

	best := rankPaths(quotes)
	return best.path, best.out, nil
}

// rankPaths picks the highest-output quote, breaking ties by fewest
// hops and then by lexical order of the path's hex representation.
// Split out from bestPath so the selection rule can be tested without a
// live router.
func rankPaths(quotes []pathQuote) pathQuote {
	sort.SliceStable(quotes, func(i, j int) bool {
		if cmp := quotes[i].out.Cmp(quotes[j].out); cmp != 0 {
			return cmp > 0
		}
		if len(quotes[i].path) != len(quotes[j].path) {
			return len(quotes[i].path) < len(quotes[j].path)
		}
		return pathHex(quotes[i].path) < pathHex(quotes[j].path)
	})
	return quotes[0]
}

// slippageFloor computes floor(expected_out * (100 - slippage) / 100).
func slippageFloor(expectedOut *big.Int, slippagePercent int64) *big.Int {
	num := new(big.Int).Mul(expectedOut, big.NewInt(100-slippagePercent))
	return num.Div(num, big.NewInt(100))
}

func pathHex(path []common.Address) string {
	s := ""
	for _, a := range path {
		s += a.Hex()
	}
	return s
}
