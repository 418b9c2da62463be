package domain

import "time"

// EventKind distinguishes the upstream event variants.
type EventKind string

const (
	EventKindCreate EventKind = "CREATE"
	EventKindTrade  EventKind = "TRADE"
)

// IsValid checks if the kind is a known variant.
func (k EventKind) IsValid() bool {
	return k == EventKindCreate || k == EventKindTrade
}

// Side is the direction of a trade or an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// IsValid checks if the side is a known value.
func (s Side) IsValid() bool {
	return s == SideBuy || s == SideSell
}

// TokenEvent is a normalized upstream market event.
// Values are immutable once produced by the feed adapter.
type TokenEvent struct {
	Mint      string    // token mint address
	Kind      EventKind // CREATE | TRADE
	Side      Side      // BUY | SELL, TRADE only
	Actor     string    // wallet that created or traded
	Signature string    // transaction signature

	QuoteAmount float64 // SOL moved by the event
	BaseAmount  float64 // tokens moved by the event

	// Bonding curve state after the event, zero when upstream omits it.
	VQuoteReserves float64
	VBaseReserves  float64
	MarketCapQuote float64

	Name   string // CREATE only
	Symbol string // CREATE only

	Timestamp time.Time // receive time
}

// Price returns the quote price per base unit implied by the event.
// Bonding curve reserves are preferred; falls back to the trade ratio.
func (e TokenEvent) Price() float64 {
	if e.VQuoteReserves > 0 && e.VBaseReserves > 0 {
		return e.VQuoteReserves / e.VBaseReserves
	}
	if e.QuoteAmount > 0 && e.BaseAmount > 0 {
		return e.QuoteAmount / e.BaseAmount
	}
	return 0
}
