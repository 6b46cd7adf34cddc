// Command listener runs the deposit reconciler on its own, without the
// HTTP server. Useful when the API tier is scaled horizontally and only
// one process should scan the chain.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"

	"github.com/mdolyak/querygate/internal/config"
	"github.com/mdolyak/querygate/internal/ledger"
	"github.com/mdolyak/querygate/internal/logging"
	"github.com/mdolyak/querygate/internal/reconciler"
)

func main() {
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateListener(); err != nil {
		logger.Error("invalid listener config", "error", err)
		os.Exit(1)
	}

	var (
		l           *ledger.Ledger
		checkpoints reconciler.CheckpointStore
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()

		if err := db.Ping(); err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}

		l = ledger.New(ledger.NewPostgresStore(db))
		checkpoints = reconciler.NewPostgresCheckpointStore(db, "deposits")
	} else {
		logger.Warn("no DATABASE_URL set, credits will not persist")
		l = ledger.New(ledger.NewMemoryStore())
		checkpoints = reconciler.NewMemoryCheckpointStore()
	}

	rcfg := reconciler.DefaultConfig()
	rcfg.RPCURL = cfg.RPCURL
	rcfg.ChainID = cfg.ChainID
	rcfg.Treasury = common.HexToAddress(cfg.TreasuryAddress)
	if cfg.TokenContract != "" {
		rcfg.TokenContract = common.HexToAddress(cfg.TokenContract)
	}
	rcfg.Confirmations = uint64(cfg.Confirmations)
	if cfg.StartBlock > 0 {
		rcfg.StartBlock = uint64(cfg.StartBlock)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	r, err := reconciler.New(ctx, rcfg, l, checkpoints, logger)
	cancel()
	if err != nil {
		logger.Error("failed to connect to chain", "error", err)
		os.Exit(1)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	if err := r.Start(runCtx); err != nil {
		logger.Error("failed to start reconciler", "error", err)
		os.Exit(1)
	}

	logger.Info("deposit listener running",
		"treasury", rcfg.Treasury.Hex(),
		"confirmations", rcfg.Confirmations,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("shutdown signal received", "signal", sig.String())
	cancelRun()
	r.Stop()
	logger.Info("deposit listener stopped")
}
