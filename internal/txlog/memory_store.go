package txlog

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	mu  sync.RWMutex
	txs []*Transaction
	idx map[string]*Transaction
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{idx: make(map[string]*Transaction)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *tx
	m.txs = append(m.txs, &cp)
	m.idx[tx.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.idx[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id, status, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.idx[id]
	if !ok {
		return ErrTransactionNotFound
	}
	tx.Status = status
	tx.Detail = detail
	tx.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListByBuyer(ctx context.Context, buyerAddress string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.txs) - 1; i >= 0 && len(result) < limit; i-- {
		if m.txs[i].BuyerAddress == buyerAddress {
			cp := *m.txs[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByService(ctx context.Context, serviceID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.txs) - 1; i >= 0 && len(result) < limit; i-- {
		if m.txs[i].ServiceID == serviceID {
			cp := *m.txs[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Recent(ctx context.Context, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.txs) - 1; i >= 0 && len(result) < limit; i-- {
		cp := *m.txs[i]
		result = append(result, &cp)
	}
	return result, nil
}
