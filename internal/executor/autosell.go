package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/walletsender/wallet-engine/internal/erc20"
	"github.com/walletsender/wallet-engine/internal/gasprice"
	"github.com/walletsender/wallet-engine/internal/router"
	"github.com/walletsender/wallet-engine/internal/store"
	"github.com/walletsender/wallet-engine/internal/txbuilder"
)

const sellerDelay = 2 * time.Second

// AutoSellConfig describes a recurring sell of a token across one or
// more seller wallets.
type AutoSellConfig struct {
	TokenAddress    string   `json:"token_addr"`
	SellMode        string   `json:"sell_mode"` // "percentage" or "fixed"
	SellAmount      string   `json:"sell_amount"`
	Target          string   `json:"target"` // "native" or "USDT"
	IntervalSecs    int      `json:"interval_s"`
	TotalSells      int      `json:"total_sells"`
	SellerKeys      []string `json:"seller_keys"`
	SlippagePercent int64    `json:"slippage_percent"`
	MinPriceTarget  string   `json:"min_price_target"`
	RouterAddress   string   `json:"router_address"`
	USDTAddress     string   `json:"usdt_address"`
	WrappedNative   string   `json:"wrapped_native_address"`
	Cyclic          bool     `json:"cyclic"`
	BalanceThreshold string  `json:"balance_threshold"`
	GasPriority     string   `json:"gas_priority"`
}

// AutoSell runs a recurring sell-off of a token's balance across one or
// more seller wallets, cycle by cycle.
type AutoSell struct {
	*Base
	deps  Deps
	jobID string
	cfg   AutoSellConfig
}

// NewAutoSell builds an AutoSell executor from job.
func NewAutoSell(job *store.Job, deps Deps) (*AutoSell, error) {
	var cfg AutoSellConfig
	if err := json.Unmarshal([]byte(job.Config), &cfg); err != nil {
		return nil, fmt.Errorf("auto_sell: invalid config: %w", err)
	}
	if cfg.TokenAddress == "" {
		return nil, fmt.Errorf("auto_sell: token_addr is required")
	}
	if len(cfg.SellerKeys) == 0 {
		return nil, fmt.Errorf("auto_sell: seller_keys is required")
	}
	if cfg.TotalSells <= 0 {
		cfg.TotalSells = 1
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

	return &AutoSell{
		Base:  NewBase(cfg.TotalSells * len(cfg.SellerKeys)),
		deps:  deps,
		jobID: job.ID,
		cfg:   cfg,
	}, nil
}

// Run implements engine.Executor.
func (s *AutoSell) Run(ctx context.Context) {
	priority := gasPriorityOf(s.cfg.GasPriority)
	token := common.HexToAddress(s.cfg.TokenAddress)
	routerAddr := common.HexToAddress(s.cfg.RouterAddress)
	usdt := common.HexToAddress(s.cfg.USDTAddress)
	wrapped := common.HexToAddress(s.cfg.WrappedNative)
	targetsBNB := strings.EqualFold(s.cfg.Target, "native") || strings.EqualFold(s.cfg.Target, "BNB")

	var path []common.Address
	if targetsBNB {
		path = []common.Address{token, wrapped}
	} else {
		path = []common.Address{token, wrapped, usdt}
	}

	client, err := s.deps.Pool.Client(ctx)
	if err != nil {
		s.Finish(false, fmt.Errorf("auto_sell: acquire rpc client: %w", err))
		return
	}
	tk, err := erc20.New(token, client)
	if err != nil {
		s.Finish(false, fmt.Errorf("auto_sell: bind token: %w", err))
		return
	}
	r, err := router.New(routerAddr, client)
	if err != nil {
		s.Finish(false, fmt.Errorf("auto_sell: bind router: %w", err))
		return
	}

	threshold := big.NewInt(0)
	if s.cfg.BalanceThreshold != "" {
		if t, ok := new(big.Int).SetString(s.cfg.BalanceThreshold, 10); ok {
			threshold = t
		}
	}

	for cycle := 0; cycle < s.cfg.TotalSells; cycle++ {
		// A non-cyclic job only sells once the threshold is met; a cycle
		// below threshold still runs, but every seller in it is skipped
		// rather than sold, and still counts toward total_sells/cycle
		// accounting below.
		skipCycle := !s.Cyclic() && !s.thresholdMet(ctx, tk, threshold)

		for sellerIdx, sellerKey := range s.cfg.SellerKeys {
			if !s.WaitIfPaused(ctx) {
				return
			}

			if skipCycle {
				s.IncFailed()
			} else if err := s.sellOnce(ctx, sellerKey, token, routerAddr, path, tk, r, priority); err != nil {
				slog.Error("auto_sell: sell failed", "job_id", s.jobID, "cycle", cycle, "seller_idx", sellerIdx, "error", err)
				s.IncFailed()
			} else {
				s.IncDone()
			}

			_, done, failed := s.Progress()
			_ = s.deps.Store.UpdateJobProgress(s.jobID, done, failed, time.Now().Unix())

			if !skipCycle && sellerIdx < len(s.cfg.SellerKeys)-1 {
				sleepInterruptible(ctx, sellerDelay)
			}
		}

		if cycle < s.cfg.TotalSells-1 && s.cfg.IntervalSecs > 0 {
			sleepInterruptible(ctx, time.Duration(s.cfg.IntervalSecs)*time.Second)
		}
	}

	_, done, failed := s.Progress()
	_ = s.deps.Store.UpdateJobProgress(s.jobID, done, failed, time.Now().Unix())
	s.Finish(true, nil)
}

// Cyclic reports whether this job triggers on every interval regardless
// of balance threshold.
func (s *AutoSell) Cyclic() bool { return s.cfg.Cyclic }

func (s *AutoSell) thresholdMet(ctx context.Context, tk *erc20.Token, threshold *big.Int) bool {
	if threshold.Sign() == 0 {
		return true
	}
	for _, key := range s.cfg.SellerKeys {
		addr, err := s.deps.Keys.Address(key)
		if err != nil {
			continue
		}
		bal, err := tk.BalanceOf(&bind.CallOpts{Context: ctx}, addr)
		if err == nil && bal.Cmp(threshold) >= 0 {
			return true
		}
	}
	return false
}

func (s *AutoSell) sellOnce(ctx context.Context, sellerKey string, token, routerAddr common.Address, path []common.Address, tk *erc20.Token, r *router.Router, priority gasprice.Priority) error {
	from, err := s.deps.Keys.Address(sellerKey)
	if err != nil {
		return fmt.Errorf("resolve signer: %w", err)
	}

	balance, err := tk.BalanceOf(&bind.CallOpts{Context: ctx}, from)
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	if balance.Sign() == 0 {
		return fmt.Errorf("zero token balance")
	}

	amountToSell := computeSellAmount(s.cfg.SellMode, s.cfg.SellAmount, balance)
	if amountToSell.Sign() == 0 {
		return fmt.Errorf("computed sell amount is zero")
	}

	minOut := big.NewInt(0)
	amounts, err := r.GetAmountsOut(&bind.CallOpts{Context: ctx}, amountToSell, path)
	if err == nil && len(amounts) > 0 {
		expectedOut := amounts[len(amounts)-1]
		if expectedOut.Sign() == 0 {
			return fmt.Errorf("quoted output is zero, refusing to submit")
		}
		minOut = slippageFloor(expectedOut, s.cfg.SlippagePercent)

		if s.cfg.MinPriceTarget != "" {
			if target, ok := new(big.Int).SetString(s.cfg.MinPriceTarget, 10); ok {
				unitAmounts, uerr := r.GetAmountsOut(&bind.CallOpts{Context: ctx}, big.NewInt(1e18), path)
				if uerr == nil && len(unitAmounts) > 0 && unitAmounts[len(unitAmounts)-1].Cmp(target) < 0 {
					return fmt.Errorf("spot price below min_price_target")
				}
			}
		}
	}

	if _, aerr := s.deps.Builder.EnsureAllowance(ctx, sellerKey, token, routerAddr, amountToSell, priority); aerr != nil {
		return fmt.Errorf("approve: %w", aerr)
	}

	deadline := big.NewInt(time.Now().Add(10 * time.Minute).Unix())
	kind := txbuilder.SwapTokensForETH
	if len(path) > 2 {
		kind = txbuilder.SwapTokensForTokens
	}

	outcome, err := s.deps.Builder.SendRouterSwap(ctx, sellerKey, routerAddr, kind, amountToSell, minOut, path, deadline, priority)
	if err != nil {
		return fmt.Errorf("swap: %w", err)
	}

	txHash := outcome.Tx.Hash().Hex()
	now := time.Now().Unix()
	_ = s.deps.Store.InsertTxHistory(&store.TxRecord{
		TS: now, JobID: s.jobID, Kind: "router_swap",
		From: from.Hex(), To: routerAddr.Hex(), Token: s.cfg.TokenAddress,
		AmountWei: amountToSell.String(), TxHash: txHash, Status: "pending",
	})
	_ = s.deps.Store.InsertSenderTransaction(from.Hex(), txHash, outcome.Ticket.Nonce, now)
	s.awaitAndResolve(ctx, outcome, txHash)
	return nil
}

func (s *AutoSell) awaitAndResolve(ctx context.Context, outcome *txbuilder.Outcome, txHash string) {
	resultCh := s.deps.Watcher.Watch(ctx, outcome.Tx.Hash(), outcome.Ticket)
	select {
	case res := <-resultCh:
		if res.TimedOut || res.Err != nil {
			return
		}
		status := "mined"
		if res.Receipt.Status == 0 {
			status = "failed"
		}
		_ = s.deps.Store.ResolveTxHistory(txHash, status, int64(res.Receipt.GasUsed), "")
		_ = s.deps.Store.UpdateSenderTransactionStatus(txHash, status)
	case <-ctx.Done():
	}
}

// computeSellAmount resolves the percentage-of-balance or fixed sell
// mode against the wallet's current balance.
func computeSellAmount(mode, amountStr string, balance *big.Int) *big.Int {
	if mode == "fixed" {
		fixed, ok := new(big.Int).SetString(amountStr, 10)
		if !ok {
			return big.NewInt(0)
		}
		if fixed.Cmp(balance) > 0 {
			return new(big.Int).Set(balance)
		}
		return fixed
	}

	pct, ok := new(big.Int).SetString(amountStr, 10)
	if !ok || pct.Sign() == 0 {
		pct = big.NewInt(100)
	}
	amount := new(big.Int).Mul(balance, pct)
	return amount.Div(amount, big.NewInt(100))
}
