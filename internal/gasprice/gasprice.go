// Package gasprice recommends gas prices and gas limits for the
// transaction kinds the wallet engine builds. It favors a cached live
// quote from the chain, falling back to static gwei prices when the
// quote is unavailable, and never recommends more than a configured
// ceiling.
package gasprice

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

// Priority selects how aggressively a transaction should be priced.
type Priority string

const (
	Slow     Priority = "slow"
	Standard Priority = "standard"
	Fast     Priority = "fast"
	Instant  Priority = "instant"
)

// Operation names a kind of transaction, used to pick a multiplier and a
// recommended gas limit.
type Operation string

const (
	OpTransfer     Operation = "transfer"
	OpApprove      Operation = "approve"
	OpSwap         Operation = "swap"
	OpComplexSwap  Operation = "complex_swap"
	OpMint         Operation = "mint"
	OpBurn         Operation = "burn"
)

var operationMultipliers = map[Operation]float64{
	OpTransfer:    1.0,
	OpApprove:     1.0,
	OpSwap:        1.2,
	OpComplexSwap: 1.5,
}

var gasLimits = map[Operation]uint64{
	OpTransfer:    21000,
	OpApprove:     100000,
	OpSwap:        300000,
	OpComplexSwap: 500000,
	OpMint:        200000,
	OpBurn:        100000,
}

const defaultGasLimit = 200000

// GasLimit returns the recommended gas limit for op.
func GasLimit(op Operation) uint64 {
	if l, ok := gasLimits[op]; ok {
		return l
	}
	return defaultGasLimit
}

// fallback gwei prices, used when a live chain quote is unavailable.
var fallbackGwei = map[Priority]int64{
	Slow:     1,
	Standard: 3,
	Fast:     5,
	Instant:  8,
}

const maxGasPriceGwei = 10

// estimate is a cached snapshot of gas prices across all priorities.
type estimate struct {
	slow, standard, fast, instant int64
	at                            time.Time
}

// Manager caches a live gas price quote from the chain and derives
// per-priority, per-operation recommendations from it.
type Manager struct {
	client *ethclient.Client

	mu           sync.Mutex
	cached       *estimate
	updateEvery  time.Duration
	maxGweiCeil  int64
}

// NewManager creates a Manager that queries client for live gas prices,
// caching results for 15 seconds (matching the cadence the price source
// this is grounded on uses).
func NewManager(client *ethclient.Client) *Manager {
	return &Manager{
		client:      client,
		updateEvery: 15 * time.Second,
		maxGweiCeil: maxGasPriceGwei,
	}
}

// Recommend returns the gas price in wei for the given priority and
// operation, clamped to the configured ceiling.
func (m *Manager) Recommend(ctx context.Context, priority Priority, op Operation) *big.Int {
	est := m.gasData(ctx)

	var baseGwei int64
	switch priority {
	case Slow:
		baseGwei = est.slow
	case Fast:
		baseGwei = est.fast
	case Instant:
		baseGwei = est.instant
	default:
		baseGwei = est.standard
	}

	multiplier := operationMultipliers[op]
	if multiplier == 0 {
		multiplier = 1.0
	}
	adjustedGwei := int64(float64(baseGwei) * multiplier)
	if adjustedGwei > m.maxGweiCeil {
		adjustedGwei = m.maxGweiCeil
	}
	if adjustedGwei < 1 {
		adjustedGwei = 1
	}

	return gweiToWei(adjustedGwei)
}

// AdjustForRetry bumps a previously used gas price by 10% per retry
// attempt, matching the bump policy retried transactions in this system
// have always used.
func AdjustForRetry(originalWei *big.Int, retryCount int) *big.Int {
	if retryCount <= 0 {
		return new(big.Int).Set(originalWei)
	}
	// price * (1 + retryCount/10) computed in integer arithmetic as
	// price * (10 + retryCount) / 10
	numerator := new(big.Int).Mul(originalWei, big.NewInt(int64(10+retryCount)))
	return numerator.Div(numerator, big.NewInt(10))
}

func (m *Manager) gasData(ctx context.Context) estimate {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil && time.Since(m.cached.at) < m.updateEvery {
		return *m.cached
	}

	est := m.liveEstimate(ctx)
	if est == nil {
		fb := m.fallbackEstimate()
		est = &fb
	}
	m.cached = est
	return *est
}

func (m *Manager) liveEstimate(ctx context.Context) *estimate {
	if m.client == nil {
		return nil
	}
	price, err := m.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil
	}
	gwei := weiToGwei(price)
	return &estimate{
		slow:     maxInt64(1, int64(float64(gwei)*0.8)),
		standard: gwei,
		fast:     int64(float64(gwei) * 1.2),
		instant:  int64(float64(gwei) * 1.5),
		at:       time.Now(),
	}
}

func (m *Manager) fallbackEstimate() estimate {
	return estimate{
		slow:     fallbackGwei[Slow],
		standard: fallbackGwei[Standard],
		fast:     fallbackGwei[Fast],
		instant:  fallbackGwei[Instant],
		at:       time.Now(),
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

var gweiFactor = big.NewInt(1_000_000_000)

func gweiToWei(gwei int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(gwei), gweiFactor)
}

func weiToGwei(wei *big.Int) int64 {
	return new(big.Int).Div(wei, gweiFactor).Int64()
}
