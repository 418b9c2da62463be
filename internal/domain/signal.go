package domain

import "time"

// Action is the recommendation carried by a Signal.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSkip Action = "SKIP"
	ActionWait Action = "WAIT"
)

// IsValid checks if the action is a known value.
func (a Action) IsValid() bool {
	switch a {
	case ActionBuy, ActionSkip, ActionWait:
		return true
	default:
		return false
	}
}

// Signal is the per-checkpoint trading recommendation for a mint.
// Signals are fanned out by value and never mutated.
type Signal struct {
	ID             string    // deterministic hash of mint|checkpoint|created_at
	Mint           string    // token mint address
	Action         Action    // BUY | SKIP | WAIT
	Confidence     float64   // [0, 1]
	Reason         string    // evaluator explanation
	ReferencePrice float64   // last observed price at the checkpoint
	Checkpoint     string    // checkpoint label, e.g. "8s"
	Timestamp      time.Time // emission time
}

// Reason codes produced by the engine itself.
const (
	ReasonNoData          = "no_data"
	ReasonEvaluationError = "evaluation_error"
)

// SignalRecord is the journal entry for one checkpoint outcome.
// Corresponds to signal_journal table in ClickHouse.
type SignalRecord struct {
	Signal

	NoData        bool    // no trades observed before the checkpoint
	TradeCount    int     // trades inside the retention window
	BuyCount      int     // buys inside the retention window
	SellCount     int     // sells inside the retention window
	UniqueTraders int     // distinct actors since creation
	BuyVolume     float64 // SOL bought inside the window
	SellVolume    float64 // SOL sold inside the window
	Velocity      float64 // trades per second since creation
}
