// Package tenant runs one isolated trading context per registered tenant.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"pump-signal-engine/internal/domain"
	"pump-signal-engine/internal/execution"
	"pump-signal-engine/internal/observability"
	"pump-signal-engine/internal/position"
	"pump-signal-engine/internal/price"
	"pump-signal-engine/internal/storage"
)

// ErrInvalidConfig is returned for a tenant definition that fails validation.
var ErrInvalidConfig = errors.New("invalid tenant config")

// Reasons a BUY signal is discarded.
const (
	DiscardPositionOpen  = "position_open"
	DiscardMaxPositions  = "max_positions"
	DiscardNoCapital     = "insufficient_capital"
	DiscardSubmitFailed  = "submit_failed"
	DiscardOpenFailed    = "open_failed"
	DiscardInvalidSignal = "invalid_signal"
)

// Config defines one tenant.
type Config struct {
	ID   string            `yaml:"id" json:"id" validate:"required"`
	Risk domain.RiskConfig `yaml:"risk" json:"risk"`
}

// Validate checks the tenant definition.
func (c Config) Validate() error {
	switch {
	case c.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidConfig)
	case c.Risk.Capital <= 0:
		return fmt.Errorf("%w: capital must be > 0", ErrInvalidConfig)
	case c.Risk.TradeFraction <= 0 || c.Risk.TradeFraction > 1:
		return fmt.Errorf("%w: trade fraction must be in (0, 1]", ErrInvalidConfig)
	case c.Risk.MaxOpenPositions < 1:
		return fmt.Errorf("%w: max open positions must be >= 1", ErrInvalidConfig)
	}
	return nil
}

// WorkerConfig holds settings shared by all tenant workers.
type WorkerConfig struct {
	InboxSize     int             `yaml:"inbox_size" default:"256" validate:"gte=1"`
	SubmitTimeout time.Duration   `yaml:"submit_timeout" default:"10s" validate:"gt=0"`
	Position      position.Config `yaml:"position"`
}

// DefaultWorkerConfig returns default worker settings.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		InboxSize:     256,
		SubmitTimeout: 10 * time.Second,
		Position:      position.DefaultConfig(),
	}
}

// Stats are the counters exposed for one tenant.
type Stats struct {
	ID              string         `json:"id"`
	SignalsReceived uint64         `json:"signals_received"`
	SignalsDropped  uint64         `json:"signals_dropped"`
	BuysAccepted    uint64         `json:"buys_accepted"`
	BuysDiscarded   uint64         `json:"buys_discarded"`
	Notices         uint64         `json:"submit_failure_notices"`
	OpenPositions   int            `json:"open_positions"`
	Ledger          LedgerSnapshot `json:"ledger"`
}

// WorkerOptions contains dependencies for creating a Worker.
type WorkerOptions struct {
	Tenant   Config
	Config   WorkerConfig
	Prices   price.Source
	Executor execution.Executor
	Store    storage.PositionStore // optional
	Fills    storage.FillStore     // optional
	Watcher  position.Watcher      // optional
	Logger   *zerolog.Logger
	Metrics  *observability.Metrics
	Now      func() time.Time
}

// Worker is a tenant's trading context. OnSignal may be called from any
// goroutine; everything else happens on the goroutine running Run.
type Worker struct {
	cfg      Config
	wcfg     WorkerConfig
	inbox    chan domain.Signal
	manager  *position.Manager
	executor execution.Executor
	ledger   *Ledger
	logger   zerolog.Logger
	metrics  *observability.Metrics

	received  atomic.Uint64
	dropped   atomic.Uint64
	accepted  atomic.Uint64
	discarded atomic.Uint64
	notices   atomic.Uint64

	// published is replaced after every change so readers never touch live positions.
	published atomic.Pointer[[]domain.PositionSnapshot]
}

// NewWorker creates a Worker and its PositionManager.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if err := opts.Tenant.Validate(); err != nil {
		return nil, err
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}

	inboxSize := opts.Config.InboxSize
	if inboxSize <= 0 {
		inboxSize = DefaultWorkerConfig().InboxSize
	}
	if opts.Config.SubmitTimeout <= 0 {
		opts.Config.SubmitTimeout = DefaultWorkerConfig().SubmitTimeout
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "tenant").Str("tenant", opts.Tenant.ID).Logger()
	}

	w := &Worker{
		cfg:      opts.Tenant,
		wcfg:     opts.Config,
		inbox:    make(chan domain.Signal, inboxSize),
		executor: opts.Executor,
		ledger:   NewLedger(opts.Tenant.Risk.Capital),
		logger:   logger,
		metrics:  opts.Metrics,
	}

	mgr, err := position.NewManager(position.Options{
		TenantID:         opts.Tenant.ID,
		Config:           opts.Config.Position,
		Curve:            position.NewStopLossCurve(opts.Tenant.Risk.StopLossCurve),
		Prices:           opts.Prices,
		Executor:         opts.Executor,
		Store:            opts.Store,
		Fills:            opts.Fills,
		Watcher:          opts.Watcher,
		OnFill:           w.onFill,
		OnSubmitFailures: w.onSubmitFailures,
		Logger:           opts.Logger,
		Metrics:          opts.Metrics,
		Now:              opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", opts.Tenant.ID, err)
	}
	w.manager = mgr
	w.publish()

	return w, nil
}

// ID returns the tenant id.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Config returns the tenant definition.
func (w *Worker) Config() Config {
	return w.cfg
}

// OnSignal enqueues sig without blocking. A full inbox drops the signal.
func (w *Worker) OnSignal(sig domain.Signal) {
	w.received.Add(1)
	w.metrics.RecordSignalReceived(w.cfg.ID)

	select {
	case w.inbox <- sig:
	default:
		w.dropped.Add(1)
		w.metrics.RecordInboxDropped(w.cfg.ID)
		w.logger.Warn().
			Str("mint", sig.Mint).
			Str("signal_id", sig.ID).
			Str("action", string(sig.Action)).
			Msg("inbox full, signal dropped")
	}
}

// Run processes the inbox and drives position polling until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.wcfg.Position.PollInterval)
	defer ticker.Stop()

	w.logger.Info().
		Float64("capital", w.cfg.Risk.Capital).
		Float64("trade_size", w.cfg.Risk.TradeSize()).
		Int("max_open_positions", w.cfg.Risk.MaxOpenPositions).
		Msg("tenant worker started")

	for {
		select {
		case <-ctx.Done():
			released := w.manager.Release()
			w.logger.Info().Int("released_positions", released).Msg("tenant worker stopped")
			return ctx.Err()
		case sig := <-w.inbox:
			w.handle(ctx, sig)
		case <-ticker.C:
			w.manager.Tick(ctx)
		}
		w.publish()
	}
}

// handle acts on one signal. Only BUY leads to an order.
func (w *Worker) handle(ctx context.Context, sig domain.Signal) {
	if sig.Action != domain.ActionBuy {
		return
	}
	log := w.logger.With().Str("mint", sig.Mint).Str("signal_id", sig.ID).Logger()

	if sig.Mint == "" {
		w.discard(log, DiscardInvalidSignal)
		return
	}
	if w.manager.Has(sig.Mint) {
		w.discard(log, DiscardPositionOpen)
		return
	}
	if w.manager.Count() >= w.cfg.Risk.MaxOpenPositions {
		w.discard(log, DiscardMaxPositions)
		return
	}
	size := w.cfg.Risk.TradeSize()
	if !w.ledger.CanAfford(size) {
		w.discard(log, DiscardNoCapital)
		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, w.wcfg.SubmitTimeout)
	r, err := w.executor.Submit(submitCtx, execution.Order{
		TenantID:       w.cfg.ID,
		Mint:           sig.Mint,
		Side:           domain.SideBuy,
		AmountQuote:    size,
		ReferencePrice: sig.ReferencePrice,
		Reason:         sig.Reason,
	})
	cancel()
	if err != nil {
		w.metrics.RecordSubmitFailure(w.cfg.ID, string(domain.SideBuy))
		log.Error().Err(err).Float64("size", size).Msg("buy submit failed")
		w.discard(log, DiscardSubmitFailed)
		return
	}

	entry := *r
	if entry.Price <= 0 {
		entry.Price = sig.ReferencePrice
	}
	if entry.AmountQuote <= 0 {
		entry.AmountQuote = size
	}
	// The fill spent the SOL whether or not a position can track it.
	w.ledger.Debit(entry.AmountQuote)

	if _, err := w.manager.Open(ctx, sig.Mint, &entry); err != nil {
		log.Error().Err(err).Str("receipt", entry.ID).Msg("buy filled but position could not be opened")
		w.unwind(ctx, log, sig)
		w.discard(log, DiscardOpenFailed)
		return
	}

	w.accepted.Add(1)
	log.Info().
		Float64("confidence", sig.Confidence).
		Str("checkpoint", sig.Checkpoint).
		Float64("cash", w.ledger.Available()).
		Msg("buy accepted")
}

// unwind sells the whole holding of a fill that has no position to exit it.
func (w *Worker) unwind(ctx context.Context, log zerolog.Logger, sig domain.Signal) {
	submitCtx, cancel := context.WithTimeout(ctx, w.wcfg.SubmitTimeout)
	defer cancel()

	r, err := w.executor.Submit(submitCtx, execution.Order{
		TenantID:       w.cfg.ID,
		Mint:           sig.Mint,
		Side:           domain.SideSell,
		Fraction:       1,
		ReferencePrice: sig.ReferencePrice,
		Reason:         DiscardOpenFailed,
	})
	if err != nil {
		w.metrics.RecordSubmitFailure(w.cfg.ID, string(domain.SideSell))
		log.Error().Err(err).Msg("unwind sell failed, tokens left without a position")
		return
	}
	w.ledger.Credit(r.AmountQuote)
	log.Warn().Str("receipt", r.ID).Float64("proceeds", r.AmountQuote).Msg("orphaned buy unwound")
}

func (w *Worker) discard(log zerolog.Logger, reason string) {
	w.discarded.Add(1)
	w.metrics.RecordBuyDiscarded(w.cfg.ID, reason)
	log.Info().Str("reason", reason).Int("open_positions", w.manager.Count()).Msg("buy discarded")
}

func (w *Worker) onFill(f domain.Fill) {
	if f.Side == domain.SideSell {
		w.ledger.Credit(f.AmountQuote)
	}
}

func (w *Worker) onSubmitFailures(snap domain.PositionSnapshot, failures int, err error) {
	w.notices.Add(1)
	w.logger.Error().
		Err(err).
		Str("mint", snap.Mint).
		Str("state", string(snap.State)).
		Int("consecutive_failures", failures).
		Float64("remaining", snap.RemainingFraction).
		Msg("exit orders keep failing, position still open")
}

func (w *Worker) publish() {
	snaps := w.manager.Snapshots()
	w.published.Store(&snaps)
}

// Positions returns the open positions as of the last processed event.
func (w *Worker) Positions() []domain.PositionSnapshot {
	p := w.published.Load()
	if p == nil {
		return nil
	}
	out := make([]domain.PositionSnapshot, len(*p))
	copy(out, *p)
	return out
}

// Stats returns the tenant's counters.
func (w *Worker) Stats() Stats {
	var open int
	if p := w.published.Load(); p != nil {
		open = len(*p)
	}
	return Stats{
		ID:              w.cfg.ID,
		SignalsReceived: w.received.Load(),
		SignalsDropped:  w.dropped.Load(),
		BuysAccepted:    w.accepted.Load(),
		BuysDiscarded:   w.discarded.Load(),
		Notices:         w.notices.Load(),
		OpenPositions:   open,
		Ledger:          w.ledger.Snapshot(),
	}
}
