// Package reconciler watches the chain for deposits to the treasury
// address and credits buyer accounts.
//
// Credits are issued exactly once per transaction hash. The ledger
// enforces uniqueness durably, so a crash between credit and checkpoint
// re-scans the same blocks into the duplicate guard instead of paying
// twice. The checkpoint only bounds how much gets re-scanned.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mdolyak/querygate/internal/credits"
	"github.com/mdolyak/querygate/internal/ledger"
	"github.com/mdolyak/querygate/internal/metrics"
	"github.com/mdolyak/querygate/internal/retry"
)

// ERC20 Transfer event signature
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// maxBlockBatch caps how many blocks one tick scans, so a long outage
// resumes in bounded chunks instead of one giant filter query.
const maxBlockBatch = 1000

// Creditor credits buyer accounts from on-chain deposits.
// *ledger.Ledger satisfies it.
type Creditor interface {
	Deposit(ctx context.Context, address, amount, txHash string) error
	HasDeposit(ctx context.Context, txHash string) (bool, error)
}

// DepositNotifier receives a callback per credited deposit, for the
// live event feed. Optional.
type DepositNotifier interface {
	BroadcastDeposit(address, amount, txHash string)
}

// ChainClient is the slice of the Ethereum RPC surface the reconciler
// uses. *ethclient.Client satisfies it.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

var _ ChainClient = (*ethclient.Client)(nil)

// Config for the deposit reconciler.
type Config struct {
	RPCURL   string
	ChainID  int64
	Treasury common.Address

	// TokenContract selects the deposit asset. Zero address means the
	// chain's native currency; otherwise ERC-20 transfers to the
	// treasury are credited.
	TokenContract common.Address

	PollInterval time.Duration
	StartBlock   uint64 // 0 = latest at startup

	// Confirmations is how many blocks the scan trails the head, so
	// shallow reorgs cannot un-mine a credited deposit.
	Confirmations uint64

	// BalanceInterval controls the monitoring-only treasury balance
	// poll. Zero disables it.
	BalanceInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:    15 * time.Second,
		BalanceInterval: 30 * time.Second,
		Confirmations:   2,
	}
}

// Reconciler polls for treasury deposits and credits the senders.
type Reconciler struct {
	client      ChainClient
	cfg         Config
	creditor    Creditor
	checkpoints CheckpointStore
	logger      *slog.Logger
	chainID     *big.Int
	notifier    DepositNotifier // optional

	lastBalance *big.Int

	stop    chan struct{}
	done    chan struct{}
	started bool
}

// New dials the RPC endpoint and builds a reconciler. The dial is
// retried briefly so a node that is still starting does not kill us.
func New(ctx context.Context, cfg Config, creditor Creditor, checkpoints CheckpointStore, logger *slog.Logger) (*Reconciler, error) {
	var client *ethclient.Client
	err := retry.Do(ctx, 5, time.Second, func() error {
		var err error
		client, err = ethclient.DialContext(ctx, cfg.RPCURL)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("connect to rpc: %w", err)
	}
	return NewWithClient(client, cfg, creditor, checkpoints, logger), nil
}

// NewWithClient builds a reconciler over an existing chain client.
func NewWithClient(client ChainClient, cfg Config, creditor Creditor, checkpoints CheckpointStore, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		client:      client,
		cfg:         cfg,
		creditor:    creditor,
		checkpoints: checkpoints,
		logger:      logger,
		chainID:     big.NewInt(cfg.ChainID),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// SetNotifier wires a live deposit feed. Optional.
func (r *Reconciler) SetNotifier(n DepositNotifier) {
	r.notifier = n
}

// Start resolves the starting block and launches the poll loop.
func (r *Reconciler) Start(ctx context.Context) error {
	start, err := r.checkpoints.Load(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if start == 0 {
		if r.cfg.StartBlock > 0 {
			start = r.cfg.StartBlock
		} else {
			head, err := r.client.BlockNumber(ctx)
			if err != nil {
				return fmt.Errorf("get block number: %w", err)
			}
			start = head
		}
		if err := r.checkpoints.Save(ctx, start); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
	}

	mode := "native"
	if r.tokenMode() {
		mode = "token"
	}
	r.logger.Info("deposit reconciler started",
		"treasury", r.cfg.Treasury.Hex(),
		"mode", mode,
		"startBlock", start,
	)

	r.started = true
	go r.pollLoop(ctx)
	if r.cfg.BalanceInterval > 0 {
		go r.balanceLoop(ctx)
	}
	return nil
}

// Stop shuts down the poll loop and waits for it to drain. A no-op
// when Start failed before the loop launched.
func (r *Reconciler) Stop() {
	if !r.started {
		return
	}
	close(r.stop)
	<-r.done
}

func (r *Reconciler) tokenMode() bool {
	return r.cfg.TokenContract != (common.Address{})
}

func (r *Reconciler) pollLoop(ctx context.Context) {
	defer close(r.done)

	interval := r.cfg.PollInterval
	if interval == 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.Scan(ctx); err != nil {
				r.logger.Error("deposit scan failed", "error", err)
			}
		}
	}
}

// Scan processes all blocks between the checkpoint and the chain head,
// advancing the checkpoint after each fully processed batch. Exported
// so tests and one-shot tools can drive it without the ticker.
func (r *Reconciler) Scan(ctx context.Context) error {
	last, err := r.checkpoints.Load(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	head, err := r.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get block number: %w", err)
	}
	if head <= r.cfg.Confirmations {
		return nil
	}
	head -= r.cfg.Confirmations
	if head <= last {
		return nil
	}

	for from := last + 1; from <= head; {
		to := from + maxBlockBatch - 1
		if to > head {
			to = head
		}

		if r.tokenMode() {
			err = r.scanTokenTransfers(ctx, from, to)
		} else {
			err = r.scanNativeTransfers(ctx, from, to)
		}
		if err != nil {
			// Checkpoint stays put; the next tick retries this range.
			return err
		}

		if err := r.checkpoints.Save(ctx, to); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		metrics.ListenerBlockHeight.Set(float64(to))
		from = to + 1
	}
	return nil
}

// scanTokenTransfers credits ERC-20 Transfer events to the treasury.
// Token amounts are taken as credit base units directly.
func (r *Reconciler) scanTokenTransfers(ctx context.Context, from, to uint64) error {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{r.cfg.TokenContract},
		Topics: [][]common.Hash{
			{transferEventSig},
			nil, // any sender
			{common.BytesToHash(r.cfg.Treasury.Bytes())},
		},
	}

	logs, err := r.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("filter logs: %w", err)
	}

	for _, vLog := range logs {
		if len(vLog.Topics) < 3 {
			r.logger.Warn("malformed transfer event", "tx", vLog.TxHash.Hex())
			continue
		}
		sender := common.HexToAddress(vLog.Topics[1].Hex())
		amount := new(big.Int).SetBytes(vLog.Data)
		if err := r.credit(ctx, sender, amount, vLog.TxHash.Hex()); err != nil {
			return err
		}
	}
	return nil
}

// scanNativeTransfers walks block bodies for plain value transfers to
// the treasury. Wei amounts are truncated to credit precision.
func (r *Reconciler) scanNativeTransfers(ctx context.Context, from, to uint64) error {
	for n := from; n <= to; n++ {
		block, err := r.client.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return fmt.Errorf("get block %d: %w", n, err)
		}
		for _, tx := range block.Transactions() {
			if tx.To() == nil || *tx.To() != r.cfg.Treasury || tx.Value().Sign() == 0 {
				continue
			}
			sender, err := types.Sender(types.LatestSignerForChainID(r.chainID), tx)
			if err != nil {
				r.logger.Warn("sender recovery failed", "tx", tx.Hash().Hex(), "error", err)
				continue
			}
			amount := credits.FromWei(tx.Value())
			if amount.Sign() == 0 {
				// Dust below credit precision. Nothing to credit.
				continue
			}
			if err := r.credit(ctx, sender, amount, tx.Hash().Hex()); err != nil {
				return err
			}
		}
	}
	return nil
}

// credit issues exactly one ledger credit for a transfer. Duplicates
// are expected during re-scans and are not errors.
func (r *Reconciler) credit(ctx context.Context, sender common.Address, amount *big.Int, txHash string) error {
	from := strings.ToLower(sender.Hex())

	seen, err := r.creditor.HasDeposit(ctx, txHash)
	if err != nil {
		return fmt.Errorf("check deposit %s: %w", txHash, err)
	}
	if seen {
		metrics.DepositsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	amountStr := credits.Format(amount)
	if err := r.creditor.Deposit(ctx, from, amountStr, txHash); err != nil {
		if errors.Is(err, ledger.ErrDuplicateDeposit) {
			metrics.DepositsTotal.WithLabelValues("duplicate").Inc()
			return nil
		}
		metrics.DepositsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("credit deposit %s: %w", txHash, err)
	}

	metrics.DepositsTotal.WithLabelValues("credited").Inc()
	if r.notifier != nil {
		r.notifier.BroadcastDeposit(from, amountStr, txHash)
	}
	r.logger.Info("deposit credited",
		"buyer", from,
		"amount", amountStr,
		"tx", txHash,
	)
	return nil
}

// balanceLoop polls the treasury balance for monitoring. It only feeds
// the gauge and a warning log; crediting is driven by transfers alone,
// so a balance jump with no matching transfer is worth investigating,
// not worth acting on.
func (r *Reconciler) balanceLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.BalanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			bal, err := r.client.BalanceAt(ctx, r.cfg.Treasury, nil)
			if err != nil {
				r.logger.Warn("treasury balance poll failed", "error", err)
				continue
			}
			f, _ := new(big.Float).SetInt(bal).Float64()
			metrics.TreasuryBalance.Set(f)

			if r.lastBalance != nil && bal.Cmp(r.lastBalance) != 0 {
				diff := new(big.Int).Sub(bal, r.lastBalance)
				r.logger.Info("treasury balance changed",
					"previous", r.lastBalance.String(),
					"current", bal.String(),
					"delta", diff.String(),
				)
			}
			r.lastBalance = bal
		}
	}
}
