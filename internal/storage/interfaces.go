package storage

import (
	"context"

	"pump-signal-engine/internal/domain"
)

// PositionStore provides access to position_snapshots storage.
// Snapshots are write-through copies of open positions for external crash recovery.
type PositionStore interface {
	// Upsert inserts or replaces the snapshot keyed by (tenant_id, mint).
	Upsert(ctx context.Context, p *domain.PositionSnapshot) error

	// Get retrieves a snapshot. Returns ErrNotFound if not exists.
	Get(ctx context.Context, tenantID, mint string) (*domain.PositionSnapshot, error)

	// ListByTenant retrieves all snapshots of a tenant, ordered by opened_at ASC.
	ListByTenant(ctx context.Context, tenantID string) ([]*domain.PositionSnapshot, error)

	// Delete removes a snapshot. Deleting a missing snapshot is not an error.
	Delete(ctx context.Context, tenantID, mint string) error
}

// SignalStore provides access to signal_journal storage.
type SignalStore interface {
	// Insert adds a checkpoint outcome. Returns ErrDuplicateKey if signal id exists.
	Insert(ctx context.Context, r *domain.SignalRecord) error

	// GetByMint retrieves all outcomes for a mint, ordered by timestamp ASC.
	GetByMint(ctx context.Context, mint string) ([]*domain.SignalRecord, error)

	// GetByTimeRange retrieves outcomes within [start, end] (inclusive, unix ms).
	GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.SignalRecord, error)
}

// FillStore provides access to fills storage.
type FillStore interface {
	// Insert adds a fill. Returns ErrDuplicateKey if fill id exists.
	Insert(ctx context.Context, f *domain.Fill) error

	// GetByPosition retrieves fills for (tenant_id, mint), ordered by executed_at ASC.
	GetByPosition(ctx context.Context, tenantID, mint string) ([]*domain.Fill, error)

	// GetByTenant retrieves all fills of a tenant, ordered by executed_at ASC.
	GetByTenant(ctx context.Context, tenantID string) ([]*domain.Fill, error)
}
