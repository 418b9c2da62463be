package domain

import "time"

// PositionState is the exit state machine stage of a position.
type PositionState string

const (
	PositionStateOpen            PositionState = "OPEN"
	PositionStatePartialTaken    PositionState = "PARTIAL_TAKEN"
	PositionStateProgressiveExit PositionState = "PROGRESSIVE_EXIT"
	PositionStateClosed          PositionState = "CLOSED"
)

// IsTerminal reports whether no further transitions are possible.
func (s PositionState) IsTerminal() bool {
	return s == PositionStateClosed
}

// PositionSnapshot is a point-in-time copy of an open position.
// Corresponds to position_snapshots table in PostgreSQL, keyed by (tenant_id, mint).
type PositionSnapshot struct {
	TenantID          string
	Mint              string
	State             PositionState
	EntryPrice        float64
	EntryAmount       float64 // SOL committed at entry
	OpenedAt          time.Time
	StopLossPrice     float64
	PartialTaken      bool
	MigrationReached  bool
	RemainingFraction float64
	LastKnownPrice    float64
	PeakPrice         float64
	UpdatedAt         time.Time
}

// Exit reason codes.
const (
	ExitReasonStopLoss         = "STOP_LOSS"
	ExitReasonTakeProfit       = "TAKE_PROFIT"
	ExitReasonProgressiveStep  = "PROGRESSIVE_STEP"
	ExitReasonMigrationTrail   = "MIGRATION_TRAIL"
	ExitReasonTimeout          = "TIMEOUT"
	ExitReasonPriceUnavailable = "PRICE_UNAVAILABLE"
	ExitReasonEntry            = "ENTRY"
)
