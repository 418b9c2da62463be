package domain

// StopLossStep maps an unrealized return threshold to a stop level.
// The stop is placed at entry*(1+LockReturn) once return >= MinReturn.
type StopLossStep struct {
	MinReturn  float64 `yaml:"min_return" json:"min_return"`
	LockReturn float64 `yaml:"lock_return" json:"lock_return"`
}

// DefaultStopLossCurve is the step function used when a tenant does not supply one.
// Steps are ordered by descending MinReturn; the last step is the floor.
func DefaultStopLossCurve() []StopLossStep {
	return []StopLossStep{
		{MinReturn: 0.80, LockReturn: 0.30},
		{MinReturn: 0.50, LockReturn: 0},
		{MinReturn: 0.20, LockReturn: -0.20},
		{MinReturn: -1, LockReturn: -0.40},
	}
}

// RiskConfig holds per-tenant risk limits.
type RiskConfig struct {
	Capital          float64        `yaml:"capital" json:"capital" validate:"gt=0"`
	TradeFraction    float64        `yaml:"trade_fraction" json:"trade_fraction" default:"0.05" validate:"gt=0,lte=1"`
	MaxOpenPositions int            `yaml:"max_open_positions" json:"max_open_positions" default:"3" validate:"gte=1"`
	StopLossCurve    []StopLossStep `yaml:"stop_loss_curve" json:"stop_loss_curve,omitempty"`
}

// TradeSize returns the SOL committed per accepted BUY.
func (r RiskConfig) TradeSize() float64 {
	return r.Capital * r.TradeFraction
}
