// Package analysis turns feed events into per-checkpoint trading signals.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pump-signal-engine/internal/domain"
	"pump-signal-engine/internal/idhash"
	"pump-signal-engine/internal/observability"
	"pump-signal-engine/internal/storage"
)

// ErrEvaluation wraps evaluator failures, including panics and invalid verdicts.
var ErrEvaluation = errors.New("evaluation failed")

// Watcher manages per-mint trade subscriptions on the shared feed.
type Watcher interface {
	Watch(mint string)
	Unwatch(mint string)
}

// Publisher fans signals out to tenants.
type Publisher interface {
	Publish(sig domain.Signal) int
}

// Checkpoint is a scheduled evaluation relative to token creation.
type Checkpoint struct {
	Label string        `yaml:"label" validate:"required"`
	Delay time.Duration `yaml:"delay" validate:"gt=0"`
}

// DefaultCheckpoints returns the two standard checkpoints.
func DefaultCheckpoints() []Checkpoint {
	return []Checkpoint{
		{Label: "8s", Delay: 8 * time.Second},
		{Label: "15s", Delay: 15 * time.Second},
	}
}

// Config configures the engine.
type Config struct {
	Checkpoints     []Checkpoint    `yaml:"checkpoints" validate:"dive"`
	Retention       time.Duration   `yaml:"retention" default:"60s"`
	EvictAfter      time.Duration   `yaml:"evict_after" default:"10m"`
	JanitorInterval time.Duration   `yaml:"janitor_interval" default:"30s"`
	EvaluateTimeout time.Duration   `yaml:"evaluate_timeout" default:"2s"`
	JournalTimeout  time.Duration   `yaml:"journal_timeout" default:"2s"`
	Threshold       ThresholdConfig `yaml:"threshold"`
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() Config {
	return Config{
		Checkpoints:     DefaultCheckpoints(),
		Retention:       60 * time.Second,
		EvictAfter:      10 * time.Minute,
		JanitorInterval: 30 * time.Second,
		EvaluateTimeout: 2 * time.Second,
		JournalTimeout:  2 * time.Second,
	}
}

// Options contains dependencies for creating an Engine.
type Options struct {
	Config    Config
	Evaluator Evaluator
	Publisher Publisher
	Watcher   Watcher             // optional
	Journal   storage.SignalStore // optional
	Logger    *zerolog.Logger
	Metrics   *observability.Metrics
	Now       func() time.Time
}

// Engine holds per-mint analysis state and fires scheduled checkpoints.
// OnEvent is called from the feed goroutine and never blocks on I/O.
type Engine struct {
	cfg       Config
	evaluator Evaluator
	publisher Publisher
	watcher   Watcher
	journal   storage.SignalStore
	logger    zerolog.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	mu      sync.Mutex
	states  map[string]*mintState
	stopped bool
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}

	cfg := opts.Config
	def := DefaultConfig()
	if len(cfg.Checkpoints) == 0 {
		cfg.Checkpoints = def.Checkpoints
	}
	for i := 1; i < len(cfg.Checkpoints); i++ {
		if cfg.Checkpoints[i].Delay <= cfg.Checkpoints[i-1].Delay {
			return nil, fmt.Errorf("checkpoint %q must be later than %q",
				cfg.Checkpoints[i].Label, cfg.Checkpoints[i-1].Label)
		}
	}
	if cfg.EvictAfter <= 0 {
		cfg.EvictAfter = def.EvictAfter
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = def.JanitorInterval
	}
	if cfg.EvaluateTimeout <= 0 {
		cfg.EvaluateTimeout = def.EvaluateTimeout
	}
	if cfg.JournalTimeout <= 0 {
		cfg.JournalTimeout = def.JournalTimeout
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "analysis").Logger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		cfg:       cfg,
		evaluator: opts.Evaluator,
		publisher: opts.Publisher,
		watcher:   opts.Watcher,
		journal:   opts.Journal,
		logger:    logger,
		metrics:   opts.Metrics,
		now:       now,
		states:    make(map[string]*mintState),
	}, nil
}

// OnEvent folds a feed event into the engine. Used as a feed handler.
func (e *Engine) OnEvent(ev domain.TokenEvent) {
	switch ev.Kind {
	case domain.EventKindCreate:
		e.onCreate(ev)
	case domain.EventKindTrade:
		e.onTrade(ev)
	}
}

func (e *Engine) onCreate(ev domain.TokenEvent) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if _, exists := e.states[ev.Mint]; exists {
		e.mu.Unlock()
		return
	}

	st := newMintState(ev)
	e.states[ev.Mint] = st
	e.scheduleLocked(st)
	tracked := len(e.states)
	e.mu.Unlock()

	e.metrics.SetTrackedMints(tracked)
	if e.watcher != nil {
		e.watcher.Watch(ev.Mint)
	}
}

func (e *Engine) onTrade(ev domain.TokenEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[ev.Mint]
	if !ok {
		return
	}
	st.apply(ev, e.cfg.Retention)
}

// scheduleLocked arms the timer for st.next. Caller holds e.mu.
func (e *Engine) scheduleLocked(st *mintState) {
	idx := st.next
	cp := e.cfg.Checkpoints[idx]

	wait := st.createdAt.Add(cp.Delay).Sub(e.now())
	if wait < 0 {
		wait = 0
	}
	mint := st.mint
	st.timer = time.AfterFunc(wait, func() { e.fire(mint, idx) })
}

// fire runs checkpoint idx for mint and chains the next one.
func (e *Engine) fire(mint string, idx int) {
	cp := e.cfg.Checkpoints[idx]
	final := idx == len(e.cfg.Checkpoints)-1

	e.mu.Lock()
	st, ok := e.states[mint]
	if !ok || e.stopped || st.next != idx {
		e.mu.Unlock()
		return
	}
	snap := st.snapshot(cp.Label, final, e.now(), e.cfg.Retention)
	e.mu.Unlock()

	e.metrics.RecordCheckpoint(cp.Label)
	rec := e.decide(snap)

	if rec.Action != domain.ActionSkip {
		delivered := e.publisher.Publish(rec.Signal)
		e.logger.Debug().
			Str("mint", mint).
			Str("checkpoint", cp.Label).
			Str("action", string(rec.Action)).
			Int("tenants", delivered).
			Msg("signal published")
	}
	e.record(rec)

	e.mu.Lock()
	defer e.mu.Unlock()
	st.next = idx + 1
	st.timer = nil
	if final {
		st.closedAt = e.now()
		return
	}
	if !e.stopped {
		e.scheduleLocked(st)
	}
}

// decide turns a snapshot into a journal record. Never fails.
func (e *Engine) decide(snap Snapshot) *domain.SignalRecord {
	rec := &domain.SignalRecord{
		Signal: domain.Signal{
			ID:             idhash.ComputeSignalID(snap.Mint, snap.Checkpoint, snap.CreatedAt.UnixMilli()),
			Mint:           snap.Mint,
			ReferencePrice: snap.LastPrice,
			Checkpoint:     snap.Checkpoint,
			Timestamp:      snap.At,
		},
		TradeCount:    snap.TradeCount,
		BuyCount:      snap.BuyCount,
		SellCount:     snap.SellCount,
		UniqueTraders: snap.UniqueTraders,
		BuyVolume:     snap.BuyVolume,
		SellVolume:    snap.SellVolume,
		Velocity:      snap.Velocity,
	}

	if snap.TotalTrades == 0 {
		rec.NoData = true
		rec.Action = domain.ActionWait
		rec.Reason = domain.ReasonNoData
		return rec
	}

	start := time.Now()
	v, err := e.evaluate(snap)
	e.metrics.RecordEvaluation(time.Since(start).Seconds(), err)

	if err != nil {
		e.logger.Error().
			Err(err).
			Str("mint", snap.Mint).
			Str("checkpoint", snap.Checkpoint).
			Int("trades", snap.TradeCount).
			Msg("evaluation failed, treating as SKIP")
		rec.Action = domain.ActionSkip
		rec.Reason = domain.ReasonEvaluationError
		return rec
	}

	rec.Action = v.Action
	rec.Confidence = clamp01(v.Confidence)
	rec.Reason = v.Reason
	return rec
}

// evaluate calls the evaluator once with a deadline and converts panics into errors.
func (e *Engine) evaluate(snap Snapshot) (v Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrEvaluation, r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.EvaluateTimeout)
	defer cancel()

	v, err = e.evaluator.Evaluate(ctx, snap)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %w", ErrEvaluation, err)
	}
	if !v.Action.IsValid() {
		return Verdict{}, fmt.Errorf("%w: invalid action %q", ErrEvaluation, v.Action)
	}
	if math.IsNaN(v.Confidence) {
		return Verdict{}, fmt.Errorf("%w: confidence is NaN", ErrEvaluation)
	}
	return v, nil
}

// record journals the outcome. Journal failures are logged only.
func (e *Engine) record(rec *domain.SignalRecord) {
	e.metrics.RecordSignal(string(rec.Action))

	e.logger.Info().
		Str("mint", rec.Mint).
		Str("checkpoint", rec.Checkpoint).
		Str("action", string(rec.Action)).
		Float64("confidence", rec.Confidence).
		Str("reason", rec.Reason).
		Int("trades", rec.TradeCount).
		Msg("checkpoint outcome")

	if e.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.JournalTimeout)
	defer cancel()
	if err := e.journal.Insert(ctx, rec); err != nil {
		e.logger.Warn().Err(err).Str("mint", rec.Mint).Str("signal_id", rec.ID).Msg("signal journal write failed")
	}
}

// Evict drops states whose final checkpoint completed at least EvictAfter ago.
// Returns the number of evicted mints.
func (e *Engine) Evict() int {
	now := e.now()

	e.mu.Lock()
	var evicted []string
	for mint, st := range e.states {
		if !st.closedAt.IsZero() && now.Sub(st.closedAt) >= e.cfg.EvictAfter {
			delete(e.states, mint)
			evicted = append(evicted, mint)
		}
	}
	tracked := len(e.states)
	e.mu.Unlock()

	e.metrics.SetTrackedMints(tracked)
	if e.watcher != nil {
		for _, mint := range evicted {
			e.watcher.Unwatch(mint)
		}
	}
	return len(evicted)
}

// Tracked returns the number of mints with live state.
func (e *Engine) Tracked() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.states)
}

// Run evicts expired state until ctx is cancelled, then stops pending checkpoints.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.stop()
			return ctx.Err()
		case <-ticker.C:
			if n := e.Evict(); n > 0 {
				e.logger.Debug().Int("evicted", n).Int("tracked", e.Tracked()).Msg("analysis state evicted")
			}
		}
	}
}

func (e *Engine) stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopped = true
	for _, st := range e.states {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
}
