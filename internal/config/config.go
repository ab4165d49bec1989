// Package config provides configuration management for the wallet engine.
package config

import (
	"flag"
	"strings"
	"time"
)

// Build-time variables (set via -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config holds the application configuration.
type Config struct {
	Port           int
	APIKey         string
	LogFile        string
	MaxLogFileSize int
	DBPath         string

	// Chain / RPC configuration
	RPCEndpoints       []string
	ChainID            int64
	DefaultGasPriceWei int64
	RPCHealthTTL       time.Duration
	RPCRetryCount      int
	RPCCallTimeout     time.Duration

	// Engine configuration
	RepeatCount     int
	RewardPerTx     bool
	CoordinatorTick time.Duration

	// Receipt watcher configuration
	ReceiptPollInitial time.Duration
	ReceiptPollCap     time.Duration
	ReceiptMaxAttempts int
	ReceiptMaxWait     time.Duration
}

// Parse parses command-line flags and returns a Config.
func Parse() *Config {
	cfg := &Config{}
	var rpcEndpoints string

	flag.IntVar(&cfg.Port, "port", 8080, "HTTP control-plane port")
	flag.StringVar(&cfg.APIKey, "api-key", "", "API key for request authentication (optional, no auth if empty)")
	flag.StringVar(&cfg.LogFile, "log-file", "", "Path to log file (default: stdout)")
	flag.IntVar(&cfg.MaxLogFileSize, "max-log-file-size", 10*1024*1024, "Max log file size in bytes before rotation (default: 10MB)")
	flag.StringVar(&cfg.DBPath, "db-path", "./wallet-engine.db", "Path to the SQLite store file")

	flag.StringVar(&rpcEndpoints, "rpc-endpoints", "https://bsc-dataseed.binance.org/", "Comma-separated JSON-RPC endpoint URLs, tried in order")
	flag.Int64Var(&cfg.ChainID, "chain-id", 56, "EVM chain ID")
	flag.Int64Var(&cfg.DefaultGasPriceWei, "default-gas-price-wei", 5_000_000_000, "Default gas price in wei; stored in the config, but gas prices come from the gas manager and nothing reads this value")
	flag.DurationVar(&cfg.RPCHealthTTL, "rpc-health-ttl", 5*time.Minute, "How long an RPC endpoint probe stays valid")
	flag.IntVar(&cfg.RPCRetryCount, "rpc-retry-count", 3, "Number of endpoints to try per logical call before giving up")
	flag.DurationVar(&cfg.RPCCallTimeout, "rpc-call-timeout", 10*time.Second, "Per-call RPC transport timeout")

	flag.IntVar(&cfg.RepeatCount, "repeat-count", 1, "Default repeat count; stored in the config, but no job mode reads it")
	flag.BoolVar(&cfg.RewardPerTx, "reward-per-tx", false, "Reward-per-transaction switch; stored in the config, but no executor reads it and no reward rows are authored from it")
	flag.DurationVar(&cfg.CoordinatorTick, "coordinator-tick", 100*time.Millisecond, "Engine coordinator loop interval")

	flag.DurationVar(&cfg.ReceiptPollInitial, "receipt-poll-initial", time.Second, "Initial receipt poll backoff")
	flag.DurationVar(&cfg.ReceiptPollCap, "receipt-poll-cap", 3*time.Second, "Receipt poll backoff cap")
	flag.IntVar(&cfg.ReceiptMaxAttempts, "receipt-max-attempts", 10, "Max receipt poll attempts per watch")
	flag.DurationVar(&cfg.ReceiptMaxWait, "receipt-max-wait", 30*time.Second, "Max total wait per receipt watch before leaving the ticket pending")

	flag.Parse()

	cfg.RPCEndpoints = splitNonEmpty(rpcEndpoints, ",")

	return cfg
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
