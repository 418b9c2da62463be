package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"pump-signal-engine/internal/domain"
	"pump-signal-engine/internal/execution"
	"pump-signal-engine/internal/observability"
	"pump-signal-engine/internal/price"
	"pump-signal-engine/internal/storage"
)

var (
	// ErrPositionExists is returned when opening a mint that already has an open position.
	ErrPositionExists = errors.New("position already open")

	// ErrInvalidEntry is returned for an entry without a positive price or amount.
	ErrInvalidEntry = errors.New("invalid entry")
)

// Config holds the exit state machine parameters.
type Config struct {
	PollInterval       time.Duration `yaml:"poll_interval" default:"3s" validate:"gt=0"`
	TakeProfitMultiple float64       `yaml:"take_profit_multiple" default:"2" validate:"gt=1"`
	PartialFraction    float64       `yaml:"partial_fraction" default:"0.5" validate:"gt=0,lt=1"`
	MigrationMultiple  float64       `yaml:"migration_multiple" default:"3" validate:"gtfield=TakeProfitMultiple"`
	StepFraction       float64       `yaml:"step_fraction" default:"0.05" validate:"gt=0,lte=1"`
	StepInterval       time.Duration `yaml:"step_interval" default:"20s" validate:"gt=0"`
	TrailDrawdown      float64       `yaml:"trail_drawdown" default:"0.15" validate:"gt=0,lt=1"`
	Timeout            time.Duration `yaml:"timeout" default:"45m" validate:"gt=0"`
	PriceGracePeriod   time.Duration `yaml:"price_grace_period" default:"9s" validate:"gte=0"`
	NearTotalLossRatio float64       `yaml:"near_total_loss_ratio" default:"0.05" validate:"gte=0,lt=1"`
	CloseThreshold     float64       `yaml:"close_threshold" default:"0.001" validate:"gte=0,lt=1"`
	MaxSubmitFailures  int           `yaml:"max_submit_failures" default:"5" validate:"gte=1"`
	SubmitTimeout      time.Duration `yaml:"submit_timeout" default:"10s" validate:"gt=0"`
	StoreTimeout       time.Duration `yaml:"store_timeout" default:"2s" validate:"gt=0"`
}

// DefaultConfig returns default exit parameters.
func DefaultConfig() Config {
	return Config{
		PollInterval:       3 * time.Second,
		TakeProfitMultiple: 2,
		PartialFraction:    0.5,
		MigrationMultiple:  3,
		StepFraction:       0.05,
		StepInterval:       20 * time.Second,
		TrailDrawdown:      0.15,
		Timeout:            45 * time.Minute,
		PriceGracePeriod:   9 * time.Second,
		NearTotalLossRatio: 0.05,
		CloseThreshold:     0.001,
		MaxSubmitFailures:  5,
		SubmitTimeout:      10 * time.Second,
		StoreTimeout:       2 * time.Second,
	}
}

// Validate checks the relationships between parameters.
func (c Config) Validate() error {
	if c.PollInterval <= 0 || c.StepInterval <= 0 {
		return fmt.Errorf("poll and step intervals must be > 0")
	}
	if c.SubmitTimeout <= 0 || c.StoreTimeout <= 0 {
		return fmt.Errorf("submit and store timeouts must be > 0")
	}
	if c.TakeProfitMultiple <= 1 {
		return fmt.Errorf("take profit multiple must be > 1")
	}
	if c.MigrationMultiple <= c.TakeProfitMultiple {
		return fmt.Errorf("migration multiple must exceed take profit multiple")
	}
	if c.PartialFraction <= 0 || c.PartialFraction >= 1 {
		return fmt.Errorf("partial fraction must be in (0, 1)")
	}
	if c.StepFraction <= 0 || c.StepFraction > 1 {
		return fmt.Errorf("step fraction must be in (0, 1]")
	}
	if c.TrailDrawdown <= 0 || c.TrailDrawdown >= 1 {
		return fmt.Errorf("trail drawdown must be in (0, 1)")
	}
	if c.MaxSubmitFailures < 1 {
		return fmt.Errorf("max submit failures must be >= 1")
	}
	return nil
}

// Watcher manages per-mint trade subscriptions so the feed price cache stays warm.
type Watcher interface {
	Watch(mint string)
	Unwatch(mint string)
}

// Options contains dependencies for creating a Manager.
type Options struct {
	TenantID string
	Config   Config
	Curve    StopLossCurve
	Prices   price.Source
	Executor execution.Executor
	Store    storage.PositionStore // optional
	Fills    storage.FillStore     // optional
	Watcher  Watcher               // optional

	// Callbacks run on the owning goroutine.
	OnFill           func(domain.Fill)
	OnClose          func(snap domain.PositionSnapshot, reason string)
	OnSubmitFailures func(snap domain.PositionSnapshot, failures int, err error)

	Logger  *zerolog.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// Manager owns the open positions of one tenant.
// All methods must be called from the tenant's goroutine.
type Manager struct {
	tenantID string
	cfg      Config
	curve    StopLossCurve
	prices   price.Source
	executor execution.Executor
	store    storage.PositionStore
	fills    storage.FillStore
	watcher  Watcher

	onFill           func(domain.Fill)
	onClose          func(domain.PositionSnapshot, string)
	onSubmitFailures func(domain.PositionSnapshot, int, error)

	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	positions map[string]*Position
}

// NewManager creates a Manager for one tenant.
func NewManager(opts Options) (*Manager, error) {
	if opts.TenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if opts.Prices == nil || opts.Executor == nil {
		return nil, fmt.Errorf("price source and executor are required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("position config: %w", err)
	}

	curve := opts.Curve
	if len(curve) == 0 {
		curve = NewStopLossCurve(nil)
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "position").Str("tenant", opts.TenantID).Logger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		tenantID:         opts.TenantID,
		cfg:              opts.Config,
		curve:            curve,
		prices:           opts.Prices,
		executor:         opts.Executor,
		store:            opts.Store,
		fills:            opts.Fills,
		watcher:          opts.Watcher,
		onFill:           opts.OnFill,
		onClose:          opts.OnClose,
		onSubmitFailures: opts.OnSubmitFailures,
		logger:           logger,
		metrics:          opts.Metrics,
		now:              now,
		positions:        make(map[string]*Position),
	}, nil
}

// Open starts tracking a position from an acknowledged BUY.
func (m *Manager) Open(ctx context.Context, mint string, r *execution.Receipt) (domain.PositionSnapshot, error) {
	if _, exists := m.positions[mint]; exists {
		return domain.PositionSnapshot{}, fmt.Errorf("%w: %s", ErrPositionExists, mint)
	}
	if r == nil || r.Price <= 0 || r.AmountQuote <= 0 {
		return domain.PositionSnapshot{}, ErrInvalidEntry
	}

	openedAt := r.ExecutedAt
	if openedAt.IsZero() {
		openedAt = m.now()
	}

	p := &Position{
		TenantID:          m.tenantID,
		Mint:              mint,
		EntryPrice:        r.Price,
		EntryAmount:       r.AmountQuote,
		OpenedAt:          openedAt,
		RemainingFraction: 1,
		LastKnownPrice:    r.Price,
	}
	p.StopLossPrice = m.curve.StopFor(p.EntryPrice, 0)
	m.positions[mint] = p

	if m.watcher != nil {
		m.watcher.Watch(mint)
	}
	m.journal(ctx, domain.Fill{
		ID:          r.ID,
		TenantID:    m.tenantID,
		Mint:        mint,
		Side:        domain.SideBuy,
		AmountQuote: r.AmountQuote,
		Price:       r.Price,
		Reason:      domain.ExitReasonEntry,
		ExecutedAt:  openedAt,
	})
	m.persist(ctx, p)
	m.metrics.RecordPositionOpened(m.tenantID)
	m.metrics.SetOpenPositions(m.tenantID, len(m.positions))

	m.logger.Info().
		Str("mint", mint).
		Float64("entry_price", p.EntryPrice).
		Float64("entry_amount", p.EntryAmount).
		Float64("stop_loss", p.StopLossPrice).
		Msg("position opened")

	return p.Snapshot(m.now()), nil
}

// Release drops the feed references held by open positions without closing them.
// Snapshots stay in the store. The manager must not be ticked afterwards.
func (m *Manager) Release() int {
	n := 0
	for mint := range m.positions {
		if m.watcher != nil {
			m.watcher.Unwatch(mint)
		}
		delete(m.positions, mint)
		n++
	}
	m.metrics.SetOpenPositions(m.tenantID, 0)
	return n
}

// Has reports whether mint has an open position.
func (m *Manager) Has(mint string) bool {
	_, ok := m.positions[mint]
	return ok
}

// Count returns the number of open positions.
func (m *Manager) Count() int {
	return len(m.positions)
}

// Get returns the snapshot of an open position.
func (m *Manager) Get(mint string) (domain.PositionSnapshot, bool) {
	p, ok := m.positions[mint]
	if !ok {
		return domain.PositionSnapshot{}, false
	}
	return p.Snapshot(m.now()), true
}

// Snapshots returns all open positions ordered by mint.
func (m *Manager) Snapshots() []domain.PositionSnapshot {
	now := m.now()
	out := make([]domain.PositionSnapshot, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p.Snapshot(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mint < out[j].Mint })
	return out
}

// Tick advances every open position by one polling step.
func (m *Manager) Tick(ctx context.Context) {
	mints := make([]string, 0, len(m.positions))
	for mint := range m.positions {
		mints = append(mints, mint)
	}
	sort.Strings(mints)

	for _, mint := range mints {
		if ctx.Err() != nil {
			return
		}
		p := m.positions[mint]
		m.step(ctx, p)
		if !p.closed {
			m.persist(ctx, p)
		}
	}
}

// step evaluates one position. Any submitted sell either acks and advances
// state, or fails and leaves state for the next tick.
func (m *Manager) step(ctx context.Context, p *Position) {
	now := m.now()

	q, err := m.prices.GetPrice(ctx, p.Mint)
	priced := err == nil && q.Price > 0
	if priced {
		p.LastKnownPrice = q.Price
		p.PriceMissingSince = time.Time{}
	} else if p.PriceMissingSince.IsZero() {
		p.PriceMissingSince = now
	}

	if !p.MigrationReached && now.Sub(p.OpenedAt) >= m.cfg.Timeout {
		m.sell(ctx, p, p.RemainingFraction, domain.ExitReasonTimeout, p.LastKnownPrice)
		return
	}

	if !priced {
		missing := now.Sub(p.PriceMissingSince)
		m.logger.Warn().
			Err(err).
			Str("mint", p.Mint).
			Str("state", string(p.State())).
			Dur("missing_for", missing).
			Msg("price unavailable")
		if missing >= m.cfg.PriceGracePeriod {
			m.sell(ctx, p, p.RemainingFraction, domain.ExitReasonPriceUnavailable, p.EntryPrice*m.cfg.NearTotalLossRatio)
		}
		return
	}

	px := q.Price

	if p.MigrationReached {
		m.progressive(ctx, p, px, now)
		return
	}

	m.ratchet(p, m.curve.StopFor(p.EntryPrice, p.Return(px)), "curve")

	if px <= p.StopLossPrice {
		m.sell(ctx, p, p.RemainingFraction, domain.ExitReasonStopLoss, px)
		return
	}

	if !p.PartialTaken && px >= p.EntryPrice*m.cfg.TakeProfitMultiple {
		if !m.sell(ctx, p, m.cfg.PartialFraction, domain.ExitReasonTakeProfit, px) {
			return
		}
		p.PartialTaken = true
		m.ratchet(p, p.EntryPrice, "partial_take")
		if p.closed {
			return
		}
	}

	if p.PartialTaken && px >= p.EntryPrice*m.cfg.MigrationMultiple {
		if !m.sell(ctx, p, m.cfg.StepFraction, domain.ExitReasonProgressiveStep, px) {
			return
		}
		p.MigrationReached = true
		p.PeakPrice = px
		p.LastStepAt = now
		m.logger.Info().
			Str("mint", p.Mint).
			Float64("price", px).
			Float64("remaining", p.RemainingFraction).
			Msg("migration threshold crossed, progressive exit started")
	}
}

// progressive handles a position in PROGRESSIVE_EXIT.
func (m *Manager) progressive(ctx context.Context, p *Position, px float64, now time.Time) {
	if px > p.PeakPrice {
		p.PeakPrice = px
	}

	if px <= p.PeakPrice*(1-m.cfg.TrailDrawdown) {
		m.sell(ctx, p, p.RemainingFraction, domain.ExitReasonMigrationTrail, px)
		return
	}

	if now.Sub(p.LastStepAt) >= m.cfg.StepInterval {
		if m.sell(ctx, p, m.cfg.StepFraction, domain.ExitReasonProgressiveStep, px) {
			p.LastStepAt = now
		}
	}
}

// ratchet raises the stop to level if strictly greater.
func (m *Manager) ratchet(p *Position, level float64, cause string) {
	if level <= p.StopLossPrice {
		return
	}
	m.logger.Debug().
		Str("mint", p.Mint).
		Str("cause", cause).
		Float64("from", p.StopLossPrice).
		Float64("to", level).
		Msg("stop loss raised")
	p.StopLossPrice = level
}

// sell submits a sell of fraction of the original position, capped at the remainder.
// Returns true on acknowledgment.
func (m *Manager) sell(ctx context.Context, p *Position, fraction float64, reason string, refPrice float64) bool {
	fraction = math.Min(fraction, p.RemainingFraction)
	if fraction <= 0 {
		return false
	}
	if p.RemainingFraction-fraction <= m.cfg.CloseThreshold {
		fraction = p.RemainingFraction
	}

	// The venue sells a share of current holdings, not of the original size.
	ofHoldings := math.Min(1, fraction/p.RemainingFraction)

	submitCtx, cancel := context.WithTimeout(ctx, m.cfg.SubmitTimeout)
	defer cancel()

	r, err := m.executor.Submit(submitCtx, execution.Order{
		TenantID:       m.tenantID,
		Mint:           p.Mint,
		Side:           domain.SideSell,
		Fraction:       ofHoldings,
		ReferencePrice: refPrice,
		Reason:         reason,
	})
	if err != nil {
		m.submitFailed(p, reason, err)
		return false
	}

	p.ConsecutiveSubmitFailures = 0
	p.notified = false
	p.RemainingFraction -= fraction
	if p.RemainingFraction <= m.cfg.CloseThreshold {
		p.RemainingFraction = 0
	}

	fill := domain.Fill{
		ID:          r.ID,
		TenantID:    m.tenantID,
		Mint:        p.Mint,
		Side:        domain.SideSell,
		Fraction:    fraction,
		AmountQuote: r.AmountQuote,
		Price:       r.Price,
		Reason:      reason,
		ExecutedAt:  r.ExecutedAt,
	}
	if fill.Price <= 0 {
		fill.Price = refPrice
	}
	if fill.ExecutedAt.IsZero() {
		fill.ExecutedAt = m.now()
	}
	m.journal(ctx, fill)
	if m.onFill != nil {
		m.onFill(fill)
	}
	m.metrics.RecordExit(m.tenantID, reason)

	m.logger.Info().
		Str("mint", p.Mint).
		Str("reason", reason).
		Str("state", string(p.State())).
		Float64("fraction", fraction).
		Float64("remaining", p.RemainingFraction).
		Float64("price", fill.Price).
		Float64("proceeds", fill.AmountQuote).
		Msg("sell filled")

	if p.RemainingFraction <= 0 {
		m.close(ctx, p, reason)
	}
	return true
}

func (m *Manager) submitFailed(p *Position, reason string, err error) {
	p.ConsecutiveSubmitFailures++
	m.metrics.RecordSubmitFailure(m.tenantID, string(domain.SideSell))

	m.logger.Error().
		Err(err).
		Str("mint", p.Mint).
		Str("reason", reason).
		Str("state", string(p.State())).
		Float64("remaining", p.RemainingFraction).
		Int("consecutive_failures", p.ConsecutiveSubmitFailures).
		Msg("sell submit failed, retrying next tick")

	if p.ConsecutiveSubmitFailures >= m.cfg.MaxSubmitFailures && !p.notified {
		p.notified = true
		if m.onSubmitFailures != nil {
			m.onSubmitFailures(p.Snapshot(m.now()), p.ConsecutiveSubmitFailures, err)
		}
	}
}

func (m *Manager) close(ctx context.Context, p *Position, reason string) {
	p.closed = true
	delete(m.positions, p.Mint)

	if m.store != nil {
		storeCtx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
		if err := m.store.Delete(storeCtx, m.tenantID, p.Mint); err != nil {
			m.logger.Warn().Err(err).Str("mint", p.Mint).Msg("delete position snapshot failed")
		}
		cancel()
	}
	if m.watcher != nil {
		m.watcher.Unwatch(p.Mint)
	}
	m.metrics.SetOpenPositions(m.tenantID, len(m.positions))

	snap := p.Snapshot(m.now())
	m.logger.Info().
		Str("mint", p.Mint).
		Str("reason", reason).
		Float64("entry_price", p.EntryPrice).
		Float64("last_price", p.LastKnownPrice).
		Dur("held", snap.UpdatedAt.Sub(p.OpenedAt)).
		Msg("position closed")

	if m.onClose != nil {
		m.onClose(snap, reason)
	}
}

func (m *Manager) persist(ctx context.Context, p *Position) {
	if m.store == nil {
		return
	}
	snap := p.Snapshot(m.now())

	storeCtx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	if err := m.store.Upsert(storeCtx, &snap); err != nil {
		m.logger.Warn().Err(err).Str("mint", p.Mint).Msg("persist position snapshot failed")
	}
}

func (m *Manager) journal(ctx context.Context, f domain.Fill) {
	if m.fills == nil {
		return
	}
	storeCtx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	if err := m.fills.Insert(storeCtx, &f); err != nil {
		m.logger.Warn().Err(err).Str("mint", f.Mint).Str("fill_id", f.ID).Msg("fill journal write failed")
	}
}
