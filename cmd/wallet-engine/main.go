// wallet-engine runs the Job Engine as a long-lived daemon: an HTTP
// control plane for job submission and lifecycle control, backed by a
// SQLite store, an RPC pool, a per-signer nonce arbiter, and the four
// job executors.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/walletsender/wallet-engine/internal/api"
	"github.com/walletsender/wallet-engine/internal/config"
	"github.com/walletsender/wallet-engine/internal/engine"
	"github.com/walletsender/wallet-engine/internal/executor"
	"github.com/walletsender/wallet-engine/internal/gasprice"
	"github.com/walletsender/wallet-engine/internal/keystore"
	"github.com/walletsender/wallet-engine/internal/logging"
	"github.com/walletsender/wallet-engine/internal/nonce"
	"github.com/walletsender/wallet-engine/internal/receiptwatcher"
	"github.com/walletsender/wallet-engine/internal/rpcpool"
	"github.com/walletsender/wallet-engine/internal/store"
	"github.com/walletsender/wallet-engine/internal/txbuilder"
)

func main() {
	cfg := config.Parse()

	cleanupLog := logging.Setup(logging.Config{
		LogFile:        cfg.LogFile,
		MaxLogFileSize: cfg.MaxLogFileSize,
	})
	defer cleanupLog()

	fmt.Println("")
	slog.Info("wallet-engine starting",
		"version", config.Version,
		"commit", config.GitCommit,
		"built", config.BuildTime,
	)
	if len(cfg.RPCEndpoints) == 0 {
		slog.Error("--rpc-endpoints is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// =========================================================================
	// Initialize Services
	// =========================================================================

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	pool, err := rpcpool.Dial(ctx, cfg.RPCEndpoints, cfg.RPCHealthTTL, cfg.RPCRetryCount, cfg.RPCCallTimeout)
	if err != nil {
		slog.Error("failed to dial rpc pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	client, err := pool.Client(ctx)
	if err != nil {
		slog.Error("failed to acquire initial rpc client", "error", err)
		os.Exit(1)
	}

	arbiter := nonce.NewArbiter(client)
	gasMgr := gasprice.NewManager(client)
	keys := keystore.NewDev()

	handles, err := loadSignerKeys(keys)
	if err != nil {
		slog.Error("failed to load signer keys", "error", err)
		os.Exit(1)
	}
	for _, handle := range handles {
		addr, err := keys.Address(handle)
		if err != nil {
			slog.Error("failed to resolve signer address", "handle", handle, "error", err)
			os.Exit(1)
		}
		if err := arbiter.Seed(ctx, addr); err != nil {
			slog.Error("failed to seed signer nonce", "handle", handle, "address", addr.Hex(), "error", err)
			os.Exit(1)
		}
	}

	builder := txbuilder.New(pool, arbiter, keys, gasMgr, cfg.ChainID)
	watcher := receiptwatcher.New(pool, arbiter, 8, cfg.ReceiptPollInitial, cfg.ReceiptPollCap, cfg.ReceiptMaxAttempts, cfg.ReceiptMaxWait)

	deps := executor.Deps{
		Store:   st,
		Builder: builder,
		Pool:    pool,
		Keys:    keys,
		Gas:     gasMgr,
		Watcher: watcher,
		ChainID: cfg.ChainID,
	}

	eng := engine.New(st, cfg.CoordinatorTick)
	eng.RegisterFactory("distribution", func(job *store.Job, _ *engine.Engine) (engine.Executor, error) {
		return executor.NewDistribution(job, deps)
	})
	eng.RegisterFactory("auto_buy", func(job *store.Job, _ *engine.Engine) (engine.Executor, error) {
		return executor.NewAutoBuy(job, deps)
	})
	eng.RegisterFactory("auto_sell", func(job *store.Job, _ *engine.Engine) (engine.Executor, error) {
		return executor.NewAutoSell(job, deps)
	})
	eng.RegisterFactory("rewards", func(job *store.Job, _ *engine.Engine) (engine.Executor, error) {
		return executor.NewRewards(job, deps)
	})

	eng.RegisterCallback("job_completed", func(e engine.Event) {
		slog.Info("job completed", "job_id", e.JobID)
	})
	eng.RegisterCallback("job_failed", func(e engine.Event) {
		slog.Warn("job failed", "job_id", e.JobID)
	})

	if err := eng.Start(ctx); err != nil {
		slog.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	go reconcilePendingTx(ctx, st, watcher)

	// =========================================================================
	// HTTP Server
	// =========================================================================

	server := api.NewServer(cfg.APIKey, eng)
	mux := http.NewServeMux()
	mux.HandleFunc("/", server.HandleRequest)
	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}

	go func() {
		slog.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	apiKeyStatus := "disabled"
	if cfg.APIKey != "" {
		apiKeyStatus = "enabled"
	}
	slog.Info("configuration",
		"port", cfg.Port,
		"db_path", cfg.DBPath,
		"chain_id", cfg.ChainID,
		"rpc_endpoints", cfg.RPCEndpoints,
		"api_key", apiKeyStatus,
	)

	fmt.Println("")
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health         - Health check")
	fmt.Println("  GET  /version        - Version info")
	fmt.Println("  GET  /metrics        - Prometheus metrics")
	fmt.Println("  POST /jobs           - Submit a job")
	fmt.Println("  GET  /jobs           - List jobs")
	fmt.Println("  GET  /jobs/{id}      - Job progress")
	fmt.Println("  POST /jobs/{id}/pause|resume|cancel")
	fmt.Println("")

	<-ctx.Done()
	fmt.Println("")
	slog.Info("shutting down...")

	eng.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "error", err)
	}
}

// reconcilePendingTx re-watches every tx_history row left pending by a
// prior run (§4.4's timeout policy deliberately leaves such rows
// Pending rather than guessing). Each hash is swept independently and
// concurrently; a transaction that is still unresolved is simply left
// pending again for the next run.
func reconcilePendingTx(ctx context.Context, st *store.Store, watcher *receiptwatcher.Watcher) {
	pending, err := st.PendingTxHistory()
	if err != nil {
		slog.Error("reconciliation: failed to load pending tx_history", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}
	slog.Info("reconciliation: sweeping pending transactions from a prior run", "count", len(pending))
	for _, rec := range pending {
		go reconcileOne(ctx, st, watcher, rec)
	}
}

// reconcileOne re-watches a single pending tx_hash, recovering the
// (signer, nonce) it was broadcast under from sender_transactions so
// the watcher can still transition the right Arbiter ticket on
// resolution. A hash with no sender_transactions row (e.g. a restart
// that predates this bookkeeping) is still watched, just without a
// ticket to confirm or fail.
func reconcileOne(ctx context.Context, st *store.Store, watcher *receiptwatcher.Watcher, rec *store.TxRecord) {
	var ticket *nonce.Ticket
	if senderTx, err := st.SenderTransactionByHash(rec.TxHash); err == nil {
		ticket = &nonce.Ticket{Signer: common.HexToAddress(senderTx.Signer), Nonce: senderTx.Nonce, Status: nonce.Pending}
	}

	resultCh := watcher.Watch(ctx, common.HexToHash(rec.TxHash), ticket)
	select {
	case res := <-resultCh:
		if res.TimedOut || res.Err != nil {
			slog.Warn("reconciliation: transaction still unresolved", "tx_hash", rec.TxHash)
			return
		}
		status := "mined"
		if res.Receipt.Status == 0 {
			status = "failed"
		}
		_ = st.ResolveTxHistory(rec.TxHash, status, int64(res.Receipt.GasUsed), "")
		_ = st.UpdateSenderTransactionStatus(rec.TxHash, status)
		slog.Info("reconciliation: resolved pending transaction", "tx_hash", rec.TxHash, "status", status)
	case <-ctx.Done():
	}
}

// loadSignerKeys loads hex-encoded private keys from the SIGNER_KEYS
// environment variable, a comma-separated "handle=hexkey" list, and
// returns the handles that were registered so their nonce counters can
// be seeded before any job reserves against them. Key custody beyond
// this environment-variable based dev keystore is out of scope for this
// system.
func loadSignerKeys(keys *keystore.Dev) ([]string, error) {
	raw := os.Getenv("SIGNER_KEYS")
	if raw == "" {
		slog.Warn("SIGNER_KEYS is empty; no signers are available until jobs reference loaded handles")
		return nil, nil
	}

	var handles []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid SIGNER_KEYS entry %q, expected handle=hexkey", entry)
		}
		handle := strings.TrimSpace(parts[0])
		if err := keys.AddHex(handle, strings.TrimSpace(parts[1])); err != nil {
			return nil, fmt.Errorf("loading signer %q: %w", handle, err)
		}
		handles = append(handles, handle)
	}
	return handles, nil
}
