package clickhouse

import (
	"context"
	"fmt"
	"time"

	"pump-signal-engine/internal/domain"
	"pump-signal-engine/internal/storage"
)

// SignalStore implements storage.SignalStore using ClickHouse.
type SignalStore struct {
	conn *Conn
}

// NewSignalStore creates a new SignalStore.
func NewSignalStore(conn *Conn) *SignalStore {
	return &SignalStore{conn: conn}
}

// Compile-time interface check.
var _ storage.SignalStore = (*SignalStore)(nil)

const signalColumns = `
	signal_id, mint, action, confidence, reason, reference_price, checkpoint, timestamp_ms,
	no_data, trade_count, buy_count, sell_count, unique_traders, buy_volume, sell_volume, velocity
`

// Insert adds a checkpoint outcome. Returns ErrDuplicateKey if signal id exists.
func (s *SignalStore) Insert(ctx context.Context, r *domain.SignalRecord) error {
	if r == nil || r.ID == "" || r.Mint == "" {
		return storage.ErrInvalidInput
	}

	// MergeTree does not enforce uniqueness
	exists, err := s.conn.exists(ctx, `SELECT count(*) FROM signal_journal WHERE signal_id = ?`, r.ID)
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists {
		return storage.ErrDuplicateKey
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO signal_journal (`+signalColumns+`)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	err = batch.Append(
		r.ID, r.Mint, string(r.Action), r.Confidence, r.Reason, r.ReferencePrice, r.Checkpoint,
		uint64(r.Timestamp.UnixMilli()),
		r.NoData, uint32(r.TradeCount), uint32(r.BuyCount), uint32(r.SellCount), uint32(r.UniqueTraders),
		r.BuyVolume, r.SellVolume, r.Velocity,
	)
	if err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByMint retrieves all outcomes for a mint, ordered by timestamp ASC.
func (s *SignalStore) GetByMint(ctx context.Context, mint string) ([]*domain.SignalRecord, error) {
	query := `
		SELECT ` + signalColumns + `
		FROM signal_journal
		WHERE mint = ?
		ORDER BY timestamp_ms ASC, signal_id ASC
	`

	rows, err := s.conn.Query(ctx, query, mint)
	if err != nil {
		return nil, fmt.Errorf("query by mint: %w", err)
	}
	defer rows.Close()

	return scanSignals(rows)
}

// GetByTimeRange retrieves outcomes within [start, end] (inclusive, unix ms).
func (s *SignalStore) GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.SignalRecord, error) {
	query := `
		SELECT ` + signalColumns + `
		FROM signal_journal
		WHERE timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC, signal_id ASC
	`

	rows, err := s.conn.Query(ctx, query, uint64(start), uint64(end))
	if err != nil {
		return nil, fmt.Errorf("query by time range: %w", err)
	}
	defer rows.Close()

	return scanSignals(rows)
}

// scanSignals scans multiple rows.
func scanSignals(rows chRows) ([]*domain.SignalRecord, error) {
	var records []*domain.SignalRecord

	for rows.Next() {
		var r domain.SignalRecord
		var action string
		var timestampMs uint64
		var tradeCount, buyCount, sellCount, uniqueTraders uint32

		err := rows.Scan(
			&r.ID, &r.Mint, &action, &r.Confidence, &r.Reason, &r.ReferencePrice, &r.Checkpoint,
			&timestampMs,
			&r.NoData, &tradeCount, &buyCount, &sellCount, &uniqueTraders,
			&r.BuyVolume, &r.SellVolume, &r.Velocity,
		)
		if err != nil {
			return nil, fmt.Errorf("scan signal row: %w", err)
		}

		r.Action = domain.Action(action)
		r.Timestamp = time.UnixMilli(int64(timestampMs)).UTC()
		r.TradeCount = int(tradeCount)
		r.BuyCount = int(buyCount)
		r.SellCount = int(sellCount)
		r.UniqueTraders = int(uniqueTraders)
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signal rows: %w", err)
	}

	return records, nil
}
