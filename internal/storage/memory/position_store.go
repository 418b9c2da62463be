package memory

import (
	"context"
	"sort"
	"sync"

	"pump-signal-engine/internal/domain"
	"pump-signal-engine/internal/storage"
)

type positionKey struct {
	tenantID string
	mint     string
}

// PositionStore is an in-memory implementation of storage.PositionStore.
type PositionStore struct {
	mu   sync.RWMutex
	data map[positionKey]*domain.PositionSnapshot
}

// NewPositionStore creates a new in-memory position snapshot store.
func NewPositionStore() *PositionStore {
	return &PositionStore{
		data: make(map[positionKey]*domain.PositionSnapshot),
	}
}

// Upsert inserts or replaces the snapshot keyed by (tenant_id, mint).
func (s *PositionStore) Upsert(_ context.Context, p *domain.PositionSnapshot) error {
	if p == nil || p.TenantID == "" || p.Mint == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *p
	s.data[positionKey{p.TenantID, p.Mint}] = &copy
	return nil
}

// Get retrieves a snapshot. Returns ErrNotFound if not exists.
func (s *PositionStore) Get(_ context.Context, tenantID, mint string) (*domain.PositionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.data[positionKey{tenantID, mint}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copy := *p
	return &copy, nil
}

// ListByTenant retrieves all snapshots of a tenant, ordered by opened_at ASC.
func (s *PositionStore) ListByTenant(_ context.Context, tenantID string) ([]*domain.PositionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PositionSnapshot
	for k, p := range s.data {
		if k.tenantID == tenantID {
			copy := *p
			result = append(result, &copy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].OpenedAt.Equal(result[j].OpenedAt) {
			return result[i].Mint < result[j].Mint
		}
		return result[i].OpenedAt.Before(result[j].OpenedAt)
	})
	return result, nil
}

// Delete removes a snapshot. Deleting a missing snapshot is not an error.
func (s *PositionStore) Delete(_ context.Context, tenantID, mint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, positionKey{tenantID, mint})
	return nil
}

var _ storage.PositionStore = (*PositionStore)(nil)
