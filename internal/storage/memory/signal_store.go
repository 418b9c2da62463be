package memory

import (
	"context"
	"sort"
	"sync"

	"pump-signal-engine/internal/domain"
	"pump-signal-engine/internal/storage"
)

// SignalStore is an in-memory implementation of storage.SignalStore.
type SignalStore struct {
	mu   sync.RWMutex
	data map[string]*domain.SignalRecord // keyed by signal id
}

// NewSignalStore creates a new in-memory signal journal.
func NewSignalStore() *SignalStore {
	return &SignalStore{
		data: make(map[string]*domain.SignalRecord),
	}
}

// Insert adds a checkpoint outcome. Returns ErrDuplicateKey if signal id exists.
func (s *SignalStore) Insert(_ context.Context, r *domain.SignalRecord) error {
	if r == nil || r.ID == "" || r.Mint == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[r.ID]; exists {
		return storage.ErrDuplicateKey
	}

	copy := *r
	s.data[r.ID] = &copy
	return nil
}

// GetByMint retrieves all outcomes for a mint, ordered by timestamp ASC.
func (s *SignalStore) GetByMint(_ context.Context, mint string) ([]*domain.SignalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.SignalRecord
	for _, r := range s.data {
		if r.Mint == mint {
			copy := *r
			result = append(result, &copy)
		}
	}

	sortSignals(result)
	return result, nil
}

// GetByTimeRange retrieves outcomes within [start, end] (inclusive, unix ms).
func (s *SignalStore) GetByTimeRange(_ context.Context, start, end int64) ([]*domain.SignalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.SignalRecord
	for _, r := range s.data {
		ts := r.Timestamp.UnixMilli()
		if ts >= start && ts <= end {
			copy := *r
			result = append(result, &copy)
		}
	}

	sortSignals(result)
	return result, nil
}

func sortSignals(recs []*domain.SignalRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].Timestamp.Before(recs[j].Timestamp)
	})
}

var _ storage.SignalStore = (*SignalStore)(nil)
