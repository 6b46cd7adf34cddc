// Package ledger tracks buyer credit balances on the platform.
//
// Flow:
//  1. Buyer deposits tokens to the platform treasury address
//  2. The deposit listener credits the buyer's balance
//  3. Buyer spends via paid queries (atomic debit)
//  4. Failed forwards optionally refund the debit
package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/mdolyak/querygate/internal/credits"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountNotFound   = errors.New("account not found")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrDuplicateDeposit  = errors.New("deposit already processed")
	ErrDuplicateRefund   = errors.New("refund already processed")
)

// Entry represents a ledger entry.
type Entry struct {
	ID          string    `json:"id"`
	Address     string    `json:"address"`
	Type        string    `json:"type"` // deposit, debit, refund, grant
	Amount      string    `json:"amount"`
	TxHash      string    `json:"txHash,omitempty"`
	Reference   string    `json:"reference,omitempty"` // transaction ID for debits and refunds
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Account represents a buyer's balance.
type Account struct {
	Address   string    `json:"address"`
	Balance   string    `json:"balance"`
	TotalIn   string    `json:"totalIn"`  // Lifetime deposits
	TotalOut  string    `json:"totalOut"` // Lifetime spending
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists ledger data.
//
// Debit must be atomic: the balance check and the subtraction happen as
// one operation, so concurrent debits can never overdraw an account.
// An address with no account behaves exactly like a zero balance, and a
// zero-amount debit succeeds without recording anything.
type Store interface {
	GetBalance(ctx context.Context, address string) (*Account, error)
	Debit(ctx context.Context, address, amount, reference, description string) error
	Deposit(ctx context.Context, address, amount, txHash string) error
	Refund(ctx context.Context, address, amount, reference, description string) error
	Grant(ctx context.Context, address, amount, description string) error
	History(ctx context.Context, address string, limit int) ([]*Entry, error)
	HasDeposit(ctx context.Context, txHash string) (bool, error)
}

// Ledger manages buyer balances.
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Balance returns a buyer's current balance. Unknown addresses
// report a zero balance rather than an error.
func (l *Ledger) Balance(ctx context.Context, address string) (*Account, error) {
	return l.store.GetBalance(ctx, strings.ToLower(address))
}

// Deposit credits a buyer's balance. Called when the listener observes
// a deposit on-chain. Each tx hash is credited at most once.
// A zero amount succeeds without touching the account.
func (l *Ledger) Deposit(ctx context.Context, address, amount, txHash string) error {
	amt, ok := parseAmount(amount)
	if !ok || amt.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amt.Sign() == 0 {
		return nil
	}
	return l.store.Deposit(ctx, strings.ToLower(address), amount, txHash)
}

// Debit atomically subtracts amount from a buyer's balance.
// Returns ErrInsufficientFunds when the balance cannot cover the amount,
// including when the address has never been funded. A zero amount
// succeeds without touching the account, funded or not.
func (l *Ledger) Debit(ctx context.Context, address, amount, reference string) error {
	amt, ok := parseAmount(amount)
	if !ok || amt.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amt.Sign() == 0 {
		return nil
	}
	return l.store.Debit(ctx, strings.ToLower(address), amount, reference, "query_charge")
}

// Refund credits back a buyer's balance after a failed forward.
// At most one refund is recorded per reference.
func (l *Ledger) Refund(ctx context.Context, address, amount, reference string) error {
	amt, ok := parseAmount(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return l.store.Refund(ctx, strings.ToLower(address), amount, reference, "forward_failed_refund")
}

// Grant credits a buyer's balance without an on-chain deposit.
// Used by the development faucet only.
func (l *Ledger) Grant(ctx context.Context, address, amount string) error {
	amt, ok := parseAmount(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return l.store.Grant(ctx, strings.ToLower(address), amount, "faucet_grant")
}

// History returns ledger entries for a buyer, newest first.
func (l *Ledger) History(ctx context.Context, address string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, strings.ToLower(address), limit)
}

// HasDeposit reports whether a deposit tx has already been credited.
func (l *Ledger) HasDeposit(ctx context.Context, txHash string) (bool, error) {
	return l.store.HasDeposit(ctx, txHash)
}

func parseAmount(s string) (*big.Int, bool) {
	return credits.Parse(s)
}
