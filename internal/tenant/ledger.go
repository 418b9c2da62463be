package tenant

import (
	"sync"

	"github.com/shopspring/decimal"
)

// LedgerSnapshot is a point-in-time view of a tenant's capital.
type LedgerSnapshot struct {
	Capital  decimal.Decimal `json:"capital"`
	Cash     decimal.Decimal `json:"cash"`
	Invested decimal.Decimal `json:"invested"` // SOL spent on entries
	Proceeds decimal.Decimal `json:"proceeds"` // SOL received from exits
}

// PnL is realized proceeds minus invested capital.
func (s LedgerSnapshot) PnL() decimal.Decimal {
	return s.Proceeds.Sub(s.Invested)
}

// Ledger tracks available capital. Entries debit, sell fills credit.
// Writes come from the tenant goroutine; reads may come from anywhere.
type Ledger struct {
	mu       sync.RWMutex
	capital  decimal.Decimal
	cash     decimal.Decimal
	invested decimal.Decimal
	proceeds decimal.Decimal
}

// NewLedger creates a ledger with all capital available.
func NewLedger(capital float64) *Ledger {
	c := decimal.NewFromFloat(capital)
	return &Ledger{capital: c, cash: c}
}

// CanAfford reports whether amount SOL is available.
func (l *Ledger) CanAfford(amount float64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash.GreaterThanOrEqual(decimal.NewFromFloat(amount))
}

// Debit allocates amount SOL to a new position.
func (l *Ledger) Debit(amount float64) {
	d := decimal.NewFromFloat(amount)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.cash = l.cash.Sub(d)
	l.invested = l.invested.Add(d)
}

// Credit returns amount SOL of sell proceeds.
func (l *Ledger) Credit(amount float64) {
	if amount <= 0 {
		return
	}
	d := decimal.NewFromFloat(amount)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.cash = l.cash.Add(d)
	l.proceeds = l.proceeds.Add(d)
}

// Available returns the SOL available for new entries.
func (l *Ledger) Available() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash.InexactFloat64()
}

// Snapshot returns the current balances.
func (l *Ledger) Snapshot() LedgerSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LedgerSnapshot{
		Capital:  l.capital,
		Cash:     l.cash,
		Invested: l.invested,
		Proceeds: l.proceeds,
	}
}
