package tenant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pump-signal-engine/internal/bus"
	"pump-signal-engine/internal/domain"
	"pump-signal-engine/internal/execution"
	"pump-signal-engine/internal/observability"
	"pump-signal-engine/internal/position"
	"pump-signal-engine/internal/price"
	"pump-signal-engine/internal/storage"
)

var (
	// ErrUnknownTenant is returned when no active tenant has the given id.
	ErrUnknownTenant = errors.New("unknown tenant")

	// ErrSupervisorStopped is returned by Activate after Stop.
	ErrSupervisorStopped = errors.New("supervisor stopped")
)

// Registry is the subset of the signal bus the supervisor needs.
type Registry interface {
	Register(tenantID string, risk domain.RiskConfig, deliver bus.DeliverFunc) error
	Unregister(tenantID string) bool
}

var _ Registry = (*bus.Bus)(nil)

// SupervisorOptions contains dependencies shared by every tenant.
type SupervisorOptions struct {
	Registry Registry
	Config   WorkerConfig
	Prices   price.Source
	Executor execution.Executor
	Store    storage.PositionStore
	Fills    storage.FillStore
	Watcher  position.Watcher
	Logger   *zerolog.Logger
	Metrics  *observability.Metrics
	Now      func() time.Time
}

type running struct {
	worker *Worker
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor starts and stops tenant workers at runtime.
type Supervisor struct {
	opts   SupervisorOptions
	logger zerolog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	tenants map[string]*running
}

// NewSupervisor creates a Supervisor with no active tenants.
func NewSupervisor(opts SupervisorOptions) (*Supervisor, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Prices == nil || opts.Executor == nil {
		return nil, fmt.Errorf("price source and executor are required")
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "supervisor").Logger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		opts:       opts,
		logger:     logger,
		baseCtx:    ctx,
		baseCancel: cancel,
		tenants:    make(map[string]*running),
	}, nil
}

// Activate starts a worker for cfg and registers it with the bus.
// The worker outlives ctx; it stops on Deactivate or when Run returns.
func (s *Supervisor) Activate(ctx context.Context, cfg Config) (*Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Checked under the lock so Stop either sees this tenant or Activate sees the stop.
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.baseCtx.Err() != nil {
		return nil, ErrSupervisorStopped
	}

	if _, exists := s.tenants[cfg.ID]; exists {
		return nil, fmt.Errorf("%w: %s", bus.ErrTenantExists, cfg.ID)
	}

	w, err := NewWorker(WorkerOptions{
		Tenant:   cfg,
		Config:   s.opts.Config,
		Prices:   s.opts.Prices,
		Executor: s.opts.Executor,
		Store:    s.opts.Store,
		Fills:    s.opts.Fills,
		Watcher:  s.opts.Watcher,
		Logger:   s.opts.Logger,
		Metrics:  s.opts.Metrics,
		Now:      s.opts.Now,
	})
	if err != nil {
		return nil, err
	}

	if err := s.opts.Registry.Register(cfg.ID, cfg.Risk, w.OnSignal); err != nil {
		return nil, fmt.Errorf("register tenant %s: %w", cfg.ID, err)
	}

	wctx, cancel := context.WithCancel(s.baseCtx)
	r := &running{worker: w, cancel: cancel, done: make(chan struct{})}
	s.tenants[cfg.ID] = r

	go func() {
		defer close(r.done)
		_ = w.Run(wctx)
	}()

	s.logger.Info().Str("tenant", cfg.ID).Msg("tenant activated")
	return w, nil
}

// Deactivate unregisters the tenant and stops its worker.
// Signals already queued are abandoned; open positions stay in the store.
func (s *Supervisor) Deactivate(id string) error {
	s.mu.Lock()
	r, ok := s.tenants[id]
	if ok {
		delete(s.tenants, id)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTenant, id)
	}

	s.opts.Registry.Unregister(id)
	r.cancel()
	<-r.done

	s.logger.Info().
		Str("tenant", id).
		Int("open_positions", r.worker.Stats().OpenPositions).
		Msg("tenant deactivated")
	return nil
}

// Get returns the worker of an active tenant.
func (s *Supervisor) Get(id string) (*Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.tenants[id]
	if !ok {
		return nil, false
	}
	return r.worker, true
}

// List returns active workers ordered by tenant id.
func (s *Supervisor) List() []*Worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Worker, 0, len(s.tenants))
	for _, r := range s.tenants {
		out = append(out, r.worker)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Run blocks until ctx is cancelled, then stops every worker.
func (s *Supervisor) Run(ctx context.Context) error {
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop deactivates all tenants. Activate fails afterwards.
func (s *Supervisor) Stop() {
	s.baseCancel()

	s.mu.Lock()
	ids := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		_ = s.Deactivate(id)
	}
}
