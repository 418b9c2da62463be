// Package execution defines the order submission collaborator.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pump-signal-engine/internal/domain"
)

var (
	// ErrRejected is returned when the venue refuses an order.
	ErrRejected = errors.New("order rejected")

	// ErrInvalidOrder is returned for malformed orders.
	ErrInvalidOrder = errors.New("invalid order")
)

// Order is a market order on behalf of one tenant.
type Order struct {
	TenantID string
	Mint     string
	Side     domain.Side

	// AmountQuote is the SOL to spend, BUY only.
	AmountQuote float64
	// Fraction is the share of current holdings to sell, SELL only.
	Fraction float64

	// ReferencePrice is the caller's latest price, used when the venue has none.
	ReferencePrice float64
	Reason         string
}

// Validate checks order fields for the given side.
func (o Order) Validate() error {
	if o.TenantID == "" || o.Mint == "" {
		return fmt.Errorf("%w: tenant and mint are required", ErrInvalidOrder)
	}
	switch o.Side {
	case domain.SideBuy:
		if o.AmountQuote <= 0 {
			return fmt.Errorf("%w: buy amount must be > 0", ErrInvalidOrder)
		}
	case domain.SideSell:
		if o.Fraction <= 0 || o.Fraction > 1 {
			return fmt.Errorf("%w: sell fraction must be in (0, 1]", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, o.Side)
	}
	return nil
}

// Receipt acknowledges an executed order.
type Receipt struct {
	ID          string
	Price       float64 // SOL per token
	AmountQuote float64 // SOL spent (BUY) or received (SELL)
	AmountBase  float64 // tokens bought or sold
	ExecutedAt  time.Time
}

// Executor submits orders. A nil error means the order was acknowledged.
type Executor interface {
	Submit(ctx context.Context, o Order) (*Receipt, error)
}
