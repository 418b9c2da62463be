package analysis

import (
	"time"

	"pump-signal-engine/internal/domain"
	"pump-signal-engine/internal/solana"
)

// Snapshot is the feature set handed to an Evaluator at a checkpoint.
type Snapshot struct {
	Mint       string
	Checkpoint string
	Final      bool // last scheduled checkpoint for the mint
	CreatedAt  time.Time
	At         time.Time
	Creator    string

	// Rolling window aggregates.
	TradeCount int
	BuyCount   int
	SellCount  int
	BuyVolume  float64
	SellVolume float64

	// Since-creation aggregates.
	TotalTrades   int
	UniqueTraders int
	UniqueHumans  int // traders whose address is an ed25519 wallet key
	CreatorSold   bool
	Velocity      float64 // trades per second since creation

	FirstPrice     float64
	LastPrice      float64
	MarketCapQuote float64
}

// Age returns the time elapsed since creation at snapshot time.
func (s Snapshot) Age() time.Duration {
	return s.At.Sub(s.CreatedAt)
}

// BuyRatio returns buy volume over total volume in the window, 0 with no volume.
func (s Snapshot) BuyRatio() float64 {
	total := s.BuyVolume + s.SellVolume
	if total <= 0 {
		return 0
	}
	return s.BuyVolume / total
}

type trade struct {
	at    time.Time
	side  domain.Side
	quote float64
}

// mintState is the accumulated analysis state for one mint.
// Guarded by Engine.mu.
type mintState struct {
	mint      string
	creator   string
	createdAt time.Time

	window []trade

	totalTrades  int
	participants map[string]struct{}
	humans       int
	creatorSold  bool

	firstPrice float64
	lastPrice  float64
	marketCap  float64

	next     int         // index of the next checkpoint to fire
	timer    *time.Timer // pending checkpoint timer
	closedAt time.Time   // set once the final checkpoint completes
}

func newMintState(ev domain.TokenEvent) *mintState {
	st := &mintState{
		mint:         ev.Mint,
		creator:      ev.Actor,
		createdAt:    ev.Timestamp,
		participants: make(map[string]struct{}),
		marketCap:    ev.MarketCapQuote,
	}
	if p := ev.Price(); p > 0 {
		st.firstPrice = p
		st.lastPrice = p
	}
	return st
}

// apply folds a trade into the state.
func (st *mintState) apply(ev domain.TokenEvent, retention time.Duration) {
	st.window = append(st.window, trade{at: ev.Timestamp, side: ev.Side, quote: ev.QuoteAmount})
	st.trim(ev.Timestamp, retention)
	st.totalTrades++

	if ev.Actor != "" {
		if _, seen := st.participants[ev.Actor]; !seen {
			st.participants[ev.Actor] = struct{}{}
			if solana.IsOnCurve(ev.Actor) {
				st.humans++
			}
		}
		if ev.Side == domain.SideSell && ev.Actor == st.creator {
			st.creatorSold = true
		}
	}

	if p := ev.Price(); p > 0 {
		if st.firstPrice == 0 {
			st.firstPrice = p
		}
		st.lastPrice = p
	}
	if ev.MarketCapQuote > 0 {
		st.marketCap = ev.MarketCapQuote
	}
}

// trim drops window entries older than retention relative to now.
func (st *mintState) trim(now time.Time, retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := now.Add(-retention)
	i := 0
	for i < len(st.window) && st.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		st.window = append(st.window[:0], st.window[i:]...)
	}
}

func (st *mintState) snapshot(label string, final bool, at time.Time, retention time.Duration) Snapshot {
	st.trim(at, retention)

	s := Snapshot{
		Mint:           st.mint,
		Checkpoint:     label,
		Final:          final,
		CreatedAt:      st.createdAt,
		At:             at,
		Creator:        st.creator,
		TotalTrades:    st.totalTrades,
		UniqueTraders:  len(st.participants),
		UniqueHumans:   st.humans,
		CreatorSold:    st.creatorSold,
		FirstPrice:     st.firstPrice,
		LastPrice:      st.lastPrice,
		MarketCapQuote: st.marketCap,
	}
	for _, tr := range st.window {
		s.TradeCount++
		if tr.side == domain.SideBuy {
			s.BuyCount++
			s.BuyVolume += tr.quote
		} else {
			s.SellCount++
			s.SellVolume += tr.quote
		}
	}
	if age := at.Sub(st.createdAt).Seconds(); age > 0 {
		s.Velocity = float64(st.totalTrades) / age
	}
	return s
}
