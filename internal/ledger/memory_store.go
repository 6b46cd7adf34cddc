package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/mdolyak/querygate/internal/credits"
	"github.com/mdolyak/querygate/internal/idgen"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	accounts map[string]*account
	entries  []*Entry
	deposits map[string]bool // tx hash -> already credited
	refunds  map[string]bool // reference -> already refunded
	mu       sync.RWMutex
}

type account struct {
	balance   *big.Int
	totalIn   *big.Int
	totalOut  *big.Int
	updatedAt time.Time
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*account),
		entries:  make([]*Entry, 0),
		deposits: make(map[string]bool),
		refunds:  make(map[string]bool),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) GetBalance(ctx context.Context, address string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if acc, ok := m.accounts[address]; ok {
		return &Account{
			Address:   address,
			Balance:   credits.Format(acc.balance),
			TotalIn:   credits.Format(acc.totalIn),
			TotalOut:  credits.Format(acc.totalOut),
			UpdatedAt: acc.updatedAt,
		}, nil
	}
	return &Account{
		Address:   address,
		Balance:   "0.000000",
		TotalIn:   "0.000000",
		TotalOut:  "0.000000",
		UpdatedAt: time.Now(),
	}, nil
}

// getOrCreate returns the account for address, creating a zero account
// if needed. Caller must hold m.mu.
func (m *MemoryStore) getOrCreate(address string) *account {
	acc, ok := m.accounts[address]
	if !ok {
		acc = &account{
			balance:  big.NewInt(0),
			totalIn:  big.NewInt(0),
			totalOut: big.NewInt(0),
		}
		m.accounts[address] = acc
	}
	return acc
}

func (m *MemoryStore) Debit(ctx context.Context, address, amount, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, _ := credits.Parse(amount)
	if sub.Sign() == 0 {
		return nil
	}

	// Unknown accounts behave as zero balance: insufficient, never an error class of its own.
	acc, ok := m.accounts[address]
	if !ok || acc.balance.Cmp(sub) < 0 {
		return ErrInsufficientFunds
	}

	acc.balance.Sub(acc.balance, sub)
	acc.totalOut.Add(acc.totalOut, sub)
	acc.updatedAt = time.Now()

	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("ent_"),
		Address:     address,
		Type:        "debit",
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})

	return nil
}

func (m *MemoryStore) Deposit(ctx context.Context, address, amount, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deposits[txHash] {
		return ErrDuplicateDeposit
	}

	add, _ := credits.Parse(amount)
	acc := m.getOrCreate(address)
	acc.balance.Add(acc.balance, add)
	acc.totalIn.Add(acc.totalIn, add)
	acc.updatedAt = time.Now()

	m.deposits[txHash] = true
	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("ent_"),
		Address:     address,
		Type:        "deposit",
		Amount:      amount,
		TxHash:      txHash,
		Description: "deposit",
		CreatedAt:   time.Now(),
	})

	return nil
}

func (m *MemoryStore) Refund(ctx context.Context, address, amount, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refunds[reference] {
		return ErrDuplicateRefund
	}

	acc, ok := m.accounts[address]
	if !ok {
		return ErrAccountNotFound
	}

	add, _ := credits.Parse(amount)
	acc.balance.Add(acc.balance, add)

	// Cap totalOut reduction to prevent negative values
	if acc.totalOut.Cmp(add) < 0 {
		acc.totalOut.SetInt64(0)
	} else {
		acc.totalOut.Sub(acc.totalOut, add)
	}
	acc.updatedAt = time.Now()

	m.refunds[reference] = true
	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("ent_"),
		Address:     address,
		Type:        "refund",
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})

	return nil
}

func (m *MemoryStore) Grant(ctx context.Context, address, amount, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	add, _ := credits.Parse(amount)
	acc := m.getOrCreate(address)
	acc.balance.Add(acc.balance, add)
	acc.totalIn.Add(acc.totalIn, add)
	acc.updatedAt = time.Now()

	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("ent_"),
		Address:     address,
		Type:        "grant",
		Amount:      amount,
		Description: description,
		CreatedAt:   time.Now(),
	})

	return nil
}

func (m *MemoryStore) History(ctx context.Context, address string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].Address == address {
			result = append(result, m.entries[i])
		}
	}
	return result, nil
}

func (m *MemoryStore) HasDeposit(ctx context.Context, txHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deposits[txHash], nil
}
