package analysis

import (
	"context"
	"fmt"
	"math"

	"pump-signal-engine/internal/domain"
)

// Verdict is the outcome of evaluating a snapshot.
type Verdict struct {
	Action     domain.Action
	Confidence float64
	Reason     string
}

// Evaluator scores a snapshot. Implementations may be slow or fail;
// the engine bounds them with a timeout and degrades failures to SKIP.
type Evaluator interface {
	Evaluate(ctx context.Context, snap Snapshot) (Verdict, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, snap Snapshot) (Verdict, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, snap Snapshot) (Verdict, error) {
	return f(ctx, snap)
}

// ThresholdConfig holds the gates of ThresholdEvaluator.
type ThresholdConfig struct {
	MinTrades       int     `yaml:"min_trades" default:"5" validate:"gte=0"`
	MinUniqueHumans int     `yaml:"min_unique_humans" default:"3" validate:"gte=0"`
	MinBuyRatio     float64 `yaml:"min_buy_ratio" default:"0.6" validate:"gte=0,lte=1"`
	MinBuyVolume    float64 `yaml:"min_buy_volume" default:"0.5" validate:"gte=0"`
	VetoCreatorSell bool    `yaml:"veto_creator_sell" default:"true"`
}

// ThresholdEvaluator is a rule-based Evaluator.
// BUY only if every gate passes; a creator dump vetoes immediately.
// Insufficient activity yields WAIT before the final checkpoint and SKIP at it.
type ThresholdEvaluator struct {
	cfg ThresholdConfig
}

var _ Evaluator = (*ThresholdEvaluator)(nil)

// NewThresholdEvaluator creates a rule-based evaluator.
func NewThresholdEvaluator(cfg ThresholdConfig) *ThresholdEvaluator {
	return &ThresholdEvaluator{cfg: cfg}
}

// Evaluate applies the gates to snap.
func (e *ThresholdEvaluator) Evaluate(_ context.Context, snap Snapshot) (Verdict, error) {
	if e.cfg.VetoCreatorSell && snap.CreatorSold {
		return Verdict{Action: domain.ActionSkip, Reason: "creator_sold"}, nil
	}

	undecided := domain.ActionWait
	if snap.Final {
		undecided = domain.ActionSkip
	}

	if snap.TradeCount < e.cfg.MinTrades {
		return Verdict{
			Action: undecided,
			Reason: fmt.Sprintf("trades %d < %d", snap.TradeCount, e.cfg.MinTrades),
		}, nil
	}
	if snap.UniqueHumans < e.cfg.MinUniqueHumans {
		return Verdict{
			Action: undecided,
			Reason: fmt.Sprintf("unique humans %d < %d", snap.UniqueHumans, e.cfg.MinUniqueHumans),
		}, nil
	}
	if snap.BuyVolume < e.cfg.MinBuyVolume {
		return Verdict{
			Action: undecided,
			Reason: fmt.Sprintf("buy volume %.3f < %.3f", snap.BuyVolume, e.cfg.MinBuyVolume),
		}, nil
	}

	ratio := snap.BuyRatio()
	if ratio < e.cfg.MinBuyRatio {
		return Verdict{
			Action:     domain.ActionSkip,
			Confidence: ratio,
			Reason:     fmt.Sprintf("buy ratio %.2f < %.2f", ratio, e.cfg.MinBuyRatio),
		}, nil
	}

	// Blend buy pressure with participant breadth.
	breadth := 1.0
	if e.cfg.MinUniqueHumans > 0 {
		breadth = math.Min(1, float64(snap.UniqueHumans)/float64(2*e.cfg.MinUniqueHumans))
	}
	confidence := 0.6*ratio + 0.4*breadth

	return Verdict{
		Action:     domain.ActionBuy,
		Confidence: clamp01(confidence),
		Reason:     fmt.Sprintf("buy ratio %.2f, %d humans, %.1f trades/s", ratio, snap.UniqueHumans, snap.Velocity),
	}, nil
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
