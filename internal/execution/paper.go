package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pump-signal-engine/internal/domain"
	"pump-signal-engine/internal/price"
)

// PaperConfig configures simulated fills.
type PaperConfig struct {
	// SlippageBps worsens every fill price by this many basis points.
	SlippageBps float64 `yaml:"slippage_bps" default:"100" validate:"gte=0,lt=10000"`
}

type holdingKey struct {
	tenantID string
	mint     string
}

// PaperExecutor simulates market orders against a price source.
// Orders never leave the process.
type PaperExecutor struct {
	cfg    PaperConfig
	prices price.Source
	now    func() time.Time

	mu       sync.Mutex
	holdings map[holdingKey]float64 // tokens held
}

var _ Executor = (*PaperExecutor)(nil)

// NewPaperExecutor creates a paper executor. prices may be nil, in which case
// every order fills at its ReferencePrice.
func NewPaperExecutor(cfg PaperConfig, prices price.Source) *PaperExecutor {
	return &PaperExecutor{
		cfg:      cfg,
		prices:   prices,
		now:      time.Now,
		holdings: make(map[holdingKey]float64),
	}
}

// Submit fills o at the current price adjusted for slippage.
func (p *PaperExecutor) Submit(ctx context.Context, o Order) (*Receipt, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	px := o.ReferencePrice
	if p.prices != nil {
		if q, err := p.prices.GetPrice(ctx, o.Mint); err == nil && q.Price > 0 {
			px = q.Price
		}
	}
	if px <= 0 {
		return nil, fmt.Errorf("%w: no price for %s", ErrRejected, o.Mint)
	}

	slip := p.cfg.SlippageBps / 10_000
	key := holdingKey{o.TenantID, o.Mint}

	p.mu.Lock()
	defer p.mu.Unlock()

	r := &Receipt{ID: uuid.New().String(), ExecutedAt: p.now().UTC()}

	if o.Side == domain.SideBuy {
		r.Price = px * (1 + slip)
		r.AmountQuote = o.AmountQuote
		r.AmountBase = o.AmountQuote / r.Price
		p.holdings[key] += r.AmountBase
		return r, nil
	}

	held := p.holdings[key]
	if held <= 0 {
		return nil, fmt.Errorf("%w: no holdings in %s", ErrRejected, o.Mint)
	}
	r.Price = px * (1 - slip)
	r.AmountBase = held * o.Fraction
	r.AmountQuote = r.AmountBase * r.Price

	if o.Fraction >= 1 {
		delete(p.holdings, key)
	} else {
		p.holdings[key] = held - r.AmountBase
	}
	return r, nil
}

// Holding returns the tokens held by tenantID in mint.
func (p *PaperExecutor) Holding(tenantID, mint string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.holdings[holdingKey{tenantID, mint}]
}
