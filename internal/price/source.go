// Package price resolves the current price of a mint from independent sources.
package price

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pump-signal-engine/internal/observability"
)

// ErrUnavailable is returned when a source has no usable price for a mint.
var ErrUnavailable = errors.New("price unavailable")

// Quote is a price observation.
type Quote struct {
	Mint   string
	Price  float64   // SOL per token
	Source string    // name of the source that produced the quote
	At     time.Time // observation time
}

// Source looks up the current price of a mint.
type Source interface {
	Name() string
	GetPrice(ctx context.Context, mint string) (Quote, error)
}

// Chain queries sources in order and returns the first successful quote.
type Chain struct {
	sources []Source
	logger  zerolog.Logger
	metrics *observability.Metrics
}

var _ Source = (*Chain)(nil)

// NewChain creates a fallback chain. Sources are tried in the given order.
func NewChain(logger *zerolog.Logger, metrics *observability.Metrics, sources ...Source) *Chain {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "price").Logger()
	}
	return &Chain{sources: sources, logger: l, metrics: metrics}
}

// Name returns the chain identifier.
func (c *Chain) Name() string { return "chain" }

// GetPrice returns the first valid quote. The error lists every source failure.
func (c *Chain) GetPrice(ctx context.Context, mint string) (Quote, error) {
	var errs []error
	for _, src := range c.sources {
		q, err := src.GetPrice(ctx, mint)
		if err == nil && q.Price > 0 {
			c.metrics.RecordPriceLookup(src.Name(), true)
			return q, nil
		}
		if err == nil {
			err = fmt.Errorf("%w: non-positive price", ErrUnavailable)
		}
		c.metrics.RecordPriceLookup(src.Name(), false)
		errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))

		if ctx.Err() != nil {
			break
		}
	}

	c.logger.Debug().Str("mint", mint).Errs("errors", errs).Msg("all price sources failed")
	return Quote{}, fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
}
