package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mdolyak/querygate/internal/credits"
)

// MemoryStore is a thread-safe in-memory directory store.
type MemoryStore struct {
	mu       sync.RWMutex
	services map[string]*Service
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{services: make(map[string]*Service)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, svc *Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *svc
	m.services[svc.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	svc, ok := m.services[id]
	if !ok {
		return nil, ErrServiceNotFound
	}
	cp := *svc
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, svc *Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.services[svc.ID]; !ok {
		return ErrServiceNotFound
	}
	cp := *svc
	m.services[svc.ID] = &cp
	return nil
}

func (m *MemoryStore) List(ctx context.Context, filter Filter) ([]*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Service
	for _, svc := range m.services {
		if filter.ActiveOnly && !svc.Active {
			continue
		}
		if filter.SellerAddress != "" && svc.SellerAddress != filter.SellerAddress {
			continue
		}
		cp := *svc
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if filter.Offset > len(result) {
		return []*Service{}, nil
	}
	result = result[filter.Offset:]
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStore) IncrementUnpaid(ctx context.Context, id, amount string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, ok := m.services[id]
	if !ok {
		return ErrServiceNotFound
	}

	unpaid, _ := credits.Parse(svc.UnpaidBalance)
	add, _ := credits.Parse(amount)
	unpaid.Add(unpaid, add)
	svc.UnpaidBalance = credits.Format(unpaid)
	svc.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SettleUnpaid(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, ok := m.services[id]
	if !ok {
		return "", ErrServiceNotFound
	}

	owed := svc.UnpaidBalance
	svc.UnpaidBalance = "0.000000"
	svc.UpdatedAt = time.Now()
	return owed, nil
}
