package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"pump-signal-engine/internal/domain"
	"pump-signal-engine/internal/storage"
)

// PositionStore implements storage.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *Pool
}

// NewPositionStore creates a new PositionStore.
func NewPositionStore(pool *Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.PositionStore = (*PositionStore)(nil)

const positionColumns = `
	tenant_id, mint, state, entry_price, entry_amount, opened_at,
	stop_loss_price, partial_taken, migration_reached, remaining_fraction,
	last_known_price, peak_price, updated_at
`

// Upsert inserts or replaces the snapshot keyed by (tenant_id, mint).
func (s *PositionStore) Upsert(ctx context.Context, p *domain.PositionSnapshot) error {
	if p == nil || p.TenantID == "" || p.Mint == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO position_snapshots (` + positionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (tenant_id, mint) DO UPDATE SET
			state = EXCLUDED.state,
			stop_loss_price = EXCLUDED.stop_loss_price,
			partial_taken = EXCLUDED.partial_taken,
			migration_reached = EXCLUDED.migration_reached,
			remaining_fraction = EXCLUDED.remaining_fraction,
			last_known_price = EXCLUDED.last_known_price,
			peak_price = EXCLUDED.peak_price,
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.pool.Exec(ctx, query,
		p.TenantID,
		p.Mint,
		string(p.State),
		p.EntryPrice,
		p.EntryAmount,
		p.OpenedAt,
		p.StopLossPrice,
		p.PartialTaken,
		p.MigrationReached,
		p.RemainingFraction,
		p.LastKnownPrice,
		p.PeakPrice,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert position snapshot: %w", err)
	}
	return nil
}

// Get retrieves a snapshot. Returns ErrNotFound if not exists.
func (s *PositionStore) Get(ctx context.Context, tenantID, mint string) (*domain.PositionSnapshot, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM position_snapshots
		WHERE tenant_id = $1 AND mint = $2
	`

	row := s.pool.QueryRow(ctx, query, tenantID, mint)
	p, err := scanPosition(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get position snapshot: %w", err)
	}
	return p, nil
}

// ListByTenant retrieves all snapshots of a tenant, ordered by opened_at ASC.
func (s *PositionStore) ListByTenant(ctx context.Context, tenantID string) ([]*domain.PositionSnapshot, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM position_snapshots
		WHERE tenant_id = $1
		ORDER BY opened_at ASC, mint ASC
	`

	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list position snapshots: %w", err)
	}
	defer rows.Close()

	var result []*domain.PositionSnapshot
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position snapshot: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate position snapshots: %w", err)
	}
	return result, nil
}

// Delete removes a snapshot. Deleting a missing snapshot is not an error.
func (s *PositionStore) Delete(ctx context.Context, tenantID, mint string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM position_snapshots WHERE tenant_id = $1 AND mint = $2`,
		tenantID, mint,
	)
	if err != nil {
		return fmt.Errorf("delete position snapshot: %w", err)
	}
	return nil
}

// scanPosition scans a single row into PositionSnapshot.
func scanPosition(row pgx.Row) (*domain.PositionSnapshot, error) {
	var p domain.PositionSnapshot
	var state string

	err := row.Scan(
		&p.TenantID,
		&p.Mint,
		&state,
		&p.EntryPrice,
		&p.EntryAmount,
		&p.OpenedAt,
		&p.StopLossPrice,
		&p.PartialTaken,
		&p.MigrationReached,
		&p.RemainingFraction,
		&p.LastKnownPrice,
		&p.PeakPrice,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.State = domain.PositionState(state)
	return &p, nil
}
