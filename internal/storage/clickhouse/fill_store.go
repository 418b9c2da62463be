package clickhouse

import (
	"context"
	"fmt"
	"time"

	"pump-signal-engine/internal/domain"
	"pump-signal-engine/internal/storage"
)

// FillStore implements storage.FillStore using ClickHouse.
type FillStore struct {
	conn *Conn
}

// NewFillStore creates a new FillStore.
func NewFillStore(conn *Conn) *FillStore {
	return &FillStore{conn: conn}
}

// Compile-time interface check.
var _ storage.FillStore = (*FillStore)(nil)

const fillColumns = `
	fill_id, tenant_id, mint, side, fraction, amount_quote, price, reason, executed_at_ms
`

// Insert adds a fill. Returns ErrDuplicateKey if fill id exists.
func (s *FillStore) Insert(ctx context.Context, f *domain.Fill) error {
	if f == nil || f.ID == "" || f.TenantID == "" || f.Mint == "" {
		return storage.ErrInvalidInput
	}

	exists, err := s.conn.exists(ctx, `SELECT count(*) FROM fills WHERE fill_id = ?`, f.ID)
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists {
		return storage.ErrDuplicateKey
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO fills (`+fillColumns+`)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	err = batch.Append(
		f.ID, f.TenantID, f.Mint, string(f.Side),
		f.Fraction, f.AmountQuote, f.Price, f.Reason,
		uint64(f.ExecutedAt.UnixMilli()),
	)
	if err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByPosition retrieves fills for (tenant_id, mint), ordered by executed_at ASC.
func (s *FillStore) GetByPosition(ctx context.Context, tenantID, mint string) ([]*domain.Fill, error) {
	query := `
		SELECT ` + fillColumns + `
		FROM fills
		WHERE tenant_id = ? AND mint = ?
		ORDER BY executed_at_ms ASC, fill_id ASC
	`

	rows, err := s.conn.Query(ctx, query, tenantID, mint)
	if err != nil {
		return nil, fmt.Errorf("query by position: %w", err)
	}
	defer rows.Close()

	return scanFills(rows)
}

// GetByTenant retrieves all fills of a tenant, ordered by executed_at ASC.
func (s *FillStore) GetByTenant(ctx context.Context, tenantID string) ([]*domain.Fill, error) {
	query := `
		SELECT ` + fillColumns + `
		FROM fills
		WHERE tenant_id = ?
		ORDER BY executed_at_ms ASC, fill_id ASC
	`

	rows, err := s.conn.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query by tenant: %w", err)
	}
	defer rows.Close()

	return scanFills(rows)
}

func scanFills(rows chRows) ([]*domain.Fill, error) {
	var fills []*domain.Fill

	for rows.Next() {
		var f domain.Fill
		var side string
		var executedAtMs uint64

		err := rows.Scan(
			&f.ID, &f.TenantID, &f.Mint, &side,
			&f.Fraction, &f.AmountQuote, &f.Price, &f.Reason,
			&executedAtMs,
		)
		if err != nil {
			return nil, fmt.Errorf("scan fill row: %w", err)
		}

		f.Side = domain.Side(side)
		f.ExecutedAt = time.UnixMilli(int64(executedAtMs)).UTC()
		fills = append(fills, &f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fill rows: %w", err)
	}

	return fills, nil
}
