package memory

import (
	"context"
	"sort"
	"sync"

	"pump-signal-engine/internal/domain"
	"pump-signal-engine/internal/storage"
)

// FillStore is an in-memory implementation of storage.FillStore.
type FillStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Fill // keyed by fill id
}

// NewFillStore creates a new in-memory fill journal.
func NewFillStore() *FillStore {
	return &FillStore{
		data: make(map[string]*domain.Fill),
	}
}

// Insert adds a fill. Returns ErrDuplicateKey if fill id exists.
func (s *FillStore) Insert(_ context.Context, f *domain.Fill) error {
	if f == nil || f.ID == "" || f.TenantID == "" || f.Mint == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[f.ID]; exists {
		return storage.ErrDuplicateKey
	}

	copy := *f
	s.data[f.ID] = &copy
	return nil
}

// GetByPosition retrieves fills for (tenant_id, mint), ordered by executed_at ASC.
func (s *FillStore) GetByPosition(_ context.Context, tenantID, mint string) ([]*domain.Fill, error) {
	return s.filter(func(f *domain.Fill) bool {
		return f.TenantID == tenantID && f.Mint == mint
	}), nil
}

// GetByTenant retrieves all fills of a tenant, ordered by executed_at ASC.
func (s *FillStore) GetByTenant(_ context.Context, tenantID string) ([]*domain.Fill, error) {
	return s.filter(func(f *domain.Fill) bool {
		return f.TenantID == tenantID
	}), nil
}

func (s *FillStore) filter(match func(*domain.Fill) bool) []*domain.Fill {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Fill
	for _, f := range s.data {
		if match(f) {
			copy := *f
			result = append(result, &copy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].ExecutedAt.Equal(result[j].ExecutedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].ExecutedAt.Before(result[j].ExecutedAt)
	})
	return result
}

var _ storage.FillStore = (*FillStore)(nil)
