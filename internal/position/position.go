// Package position runs the per-tenant exit state machine for open positions.
package position

import (
	"sort"
	"time"

	"pump-signal-engine/internal/domain"
)

// Position is an open stake in one mint held by one tenant.
// It is owned by a single Manager and is not safe for concurrent use.
type Position struct {
	TenantID    string
	Mint        string
	EntryPrice  float64
	EntryAmount float64 // SOL committed at entry
	OpenedAt    time.Time

	StopLossPrice     float64 // only ever raised
	PartialTaken      bool    // false -> true once
	MigrationReached  bool    // false -> true once
	RemainingFraction float64 // of the original position, only ever lowered

	LastKnownPrice float64
	PeakPrice      float64 // running peak since progressive exit started
	LastStepAt     time.Time

	PriceMissingSince         time.Time
	ConsecutiveSubmitFailures int

	notified bool
	closed   bool
}

// State derives the state machine stage from the position flags.
func (p *Position) State() domain.PositionState {
	switch {
	case p.closed:
		return domain.PositionStateClosed
	case p.MigrationReached:
		return domain.PositionStateProgressiveExit
	case p.PartialTaken:
		return domain.PositionStatePartialTaken
	default:
		return domain.PositionStateOpen
	}
}

// Return is the unrealized return at price px.
func (p *Position) Return(px float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return px/p.EntryPrice - 1
}

// Snapshot returns an immutable copy for persistence and inspection.
func (p *Position) Snapshot(now time.Time) domain.PositionSnapshot {
	return domain.PositionSnapshot{
		TenantID:          p.TenantID,
		Mint:              p.Mint,
		State:             p.State(),
		EntryPrice:        p.EntryPrice,
		EntryAmount:       p.EntryAmount,
		OpenedAt:          p.OpenedAt,
		StopLossPrice:     p.StopLossPrice,
		PartialTaken:      p.PartialTaken,
		MigrationReached:  p.MigrationReached,
		RemainingFraction: p.RemainingFraction,
		LastKnownPrice:    p.LastKnownPrice,
		PeakPrice:         p.PeakPrice,
		UpdatedAt:         now,
	}
}

// StopLossCurve is a monotone step function from unrealized return to stop level.
type StopLossCurve []domain.StopLossStep

// NewStopLossCurve sorts steps by descending MinReturn.
// An empty input yields the default curve.
func NewStopLossCurve(steps []domain.StopLossStep) StopLossCurve {
	if len(steps) == 0 {
		steps = domain.DefaultStopLossCurve()
	}
	c := make(StopLossCurve, len(steps))
	copy(c, steps)
	sort.SliceStable(c, func(i, j int) bool { return c[i].MinReturn > c[j].MinReturn })
	return c
}

// StopFor returns the stop price for entry at unrealized return r,
// or 0 when no step applies.
func (c StopLossCurve) StopFor(entry, r float64) float64 {
	for _, step := range c {
		if r >= step.MinReturn {
			return entry * (1 + step.LockReturn)
		}
	}
	return 0
}
