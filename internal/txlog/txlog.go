// Package txlog records an audit trail of paid queries.
//
// A transaction row is written after the buyer's debit succeeds and
// before the upstream forward starts, so the log captures every charge
// whether or not the forward completes.
package txlog

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mdolyak/querygate/internal/idgen"
)

var ErrTransactionNotFound = errors.New("txlog: transaction not found")

// Transaction statuses.
const (
	StatusForwarding = "forwarding" // debit done, upstream call in flight
	StatusCompleted  = "completed"  // upstream response streamed back
	StatusFailed     = "failed"     // upstream call failed, buyer keeps the charge
	StatusRefunded   = "refunded"   // upstream call failed, buyer was refunded
)

// Transaction is one paid query.
type Transaction struct {
	ID            string    `json:"id"`
	BuyerAddress  string    `json:"buyerAddress"`
	ServiceID     string    `json:"serviceId"`
	SellerAddress string    `json:"sellerAddress"`
	Amount        string    `json:"amount"`
	Status        string    `json:"status"`
	Detail        string    `json:"detail,omitempty"` // failure reason for failed/refunded
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Store persists transactions.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	UpdateStatus(ctx context.Context, id, status, detail string) error
	ListByBuyer(ctx context.Context, buyerAddress string, limit int) ([]*Transaction, error)
	ListByService(ctx context.Context, serviceID string, limit int) ([]*Transaction, error)
	Recent(ctx context.Context, limit int) ([]*Transaction, error)
}

// Log manages the transaction audit trail.
type Log struct {
	store Store
}

// New creates a new transaction log.
func New(store Store) *Log {
	return &Log{store: store}
}

// Begin records a new transaction in the forwarding state and returns it.
func (l *Log) Begin(ctx context.Context, buyerAddress, serviceID, sellerAddress, amount string) (*Transaction, error) {
	tx := &Transaction{
		ID:            idgen.WithPrefix("txn_"),
		BuyerAddress:  strings.ToLower(buyerAddress),
		ServiceID:     serviceID,
		SellerAddress: strings.ToLower(sellerAddress),
		Amount:        amount,
		Status:        StatusForwarding,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := l.store.Create(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Complete marks a transaction as successfully forwarded.
func (l *Log) Complete(ctx context.Context, id string) error {
	return l.store.UpdateStatus(ctx, id, StatusCompleted, "")
}

// Fail marks a transaction as failed with a reason. The buyer keeps
// the charge unless a refund follows.
func (l *Log) Fail(ctx context.Context, id, reason string) error {
	return l.store.UpdateStatus(ctx, id, StatusFailed, reason)
}

// MarkRefunded records that the buyer was refunded for this transaction.
func (l *Log) MarkRefunded(ctx context.Context, id, reason string) error {
	return l.store.UpdateStatus(ctx, id, StatusRefunded, reason)
}

// Get returns a transaction by ID.
func (l *Log) Get(ctx context.Context, id string) (*Transaction, error) {
	return l.store.Get(ctx, id)
}

// ForBuyer returns a buyer's transactions, newest first.
func (l *Log) ForBuyer(ctx context.Context, buyerAddress string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListByBuyer(ctx, strings.ToLower(buyerAddress), limit)
}

// ForService returns a service's transactions, newest first.
func (l *Log) ForService(ctx context.Context, serviceID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListByService(ctx, serviceID, limit)
}

// Recent returns the latest transactions across all buyers, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return l.store.Recent(ctx, limit)
}
