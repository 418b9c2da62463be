// Package bus fans analysis signals out to registered tenants and outward sinks.
package bus

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"pump-signal-engine/internal/domain"
	"pump-signal-engine/internal/observability"
)

var (
	// ErrTenantExists is returned when registering an id that is already registered.
	ErrTenantExists = errors.New("tenant already registered")

	// ErrInvalidTenant is returned for an empty id or a nil deliver function.
	ErrInvalidTenant = errors.New("invalid tenant registration")
)

// DeliverFunc hands a signal to a tenant. It must enqueue and return;
// it is called on the publishing goroutine.
type DeliverFunc func(domain.Signal)

// Sink receives BUY signals for outward distribution. Emit must not block.
type Sink interface {
	Name() string
	Emit(sig domain.Signal)
}

// TenantInfo describes a registered tenant.
type TenantInfo struct {
	ID           string            `json:"id"`
	Risk         domain.RiskConfig `json:"risk"`
	RegisteredAt time.Time         `json:"registered_at"`
	Delivered    uint64            `json:"delivered"`
}

type registration struct {
	id           string
	risk         domain.RiskConfig
	deliver      DeliverFunc
	registeredAt time.Time
	delivered    atomic.Uint64
}

// Options contains configuration for creating a Bus.
type Options struct {
	Sinks   []Sink
	Logger  *zerolog.Logger
	Metrics *observability.Metrics
}

// Bus is the signal bus and tenant registry.
type Bus struct {
	logger  zerolog.Logger
	metrics *observability.Metrics
	sinks   []Sink

	mu      sync.RWMutex
	tenants map[string]*registration
	// active is rebuilt on every change; Publish iterates it without holding the lock.
	active []*registration
}

// New creates an empty Bus.
func New(opts Options) *Bus {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "bus").Logger()
	}
	return &Bus{
		logger:  logger,
		metrics: opts.Metrics,
		sinks:   opts.Sinks,
		tenants: make(map[string]*registration),
	}
}

// Register adds a tenant. Delivery starts with the next Publish.
func (b *Bus) Register(tenantID string, risk domain.RiskConfig, deliver DeliverFunc) error {
	if tenantID == "" || deliver == nil {
		return ErrInvalidTenant
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.tenants[tenantID]; exists {
		return fmt.Errorf("%w: %s", ErrTenantExists, tenantID)
	}
	b.tenants[tenantID] = &registration{
		id:           tenantID,
		risk:         risk,
		deliver:      deliver,
		registeredAt: time.Now(),
	}
	b.rebuildLocked()

	b.logger.Info().Str("tenant", tenantID).Int("tenants", len(b.tenants)).Msg("tenant registered")
	return nil
}

// Unregister removes a tenant. Deliveries already dispatched are not retracted.
// Returns false if the tenant was not registered.
func (b *Bus) Unregister(tenantID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.tenants[tenantID]; !exists {
		return false
	}
	delete(b.tenants, tenantID)
	b.rebuildLocked()

	b.logger.Info().Str("tenant", tenantID).Int("tenants", len(b.tenants)).Msg("tenant unregistered")
	return true
}

func (b *Bus) rebuildLocked() {
	active := make([]*registration, 0, len(b.tenants))
	for _, r := range b.tenants {
		active = append(active, r)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].id < active[j].id })
	b.active = active
}

// Publish delivers sig to every registered tenant and returns the number of
// successful deliveries. SKIP signals are internal and never published.
func (b *Bus) Publish(sig domain.Signal) int {
	if sig.Action == domain.ActionSkip {
		return 0
	}

	b.mu.RLock()
	active := b.active
	b.mu.RUnlock()

	delivered := 0
	for _, r := range active {
		if b.deliver(r, sig) {
			delivered++
		}
	}

	if sig.Action == domain.ActionBuy {
		for _, s := range b.sinks {
			b.emit(s, sig)
		}
	}
	return delivered
}

// deliver isolates one tenant's deliver function.
func (b *Bus) deliver(r *registration, sig domain.Signal) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
			b.metrics.RecordDelivery("panic")
			b.logger.Error().
				Interface("panic", rec).
				Str("tenant", r.id).
				Str("mint", sig.Mint).
				Str("signal_id", sig.ID).
				Msg("tenant delivery failed")
		}
	}()

	r.deliver(sig)
	r.delivered.Add(1)
	b.metrics.RecordDelivery("ok")
	return true
}

func (b *Bus) emit(s Sink, sig domain.Signal) {
	defer func() {
		if rec := recover(); rec != nil {
			b.metrics.RecordSinkError(s.Name())
			b.logger.Error().Interface("panic", rec).Str("sink", s.Name()).Str("mint", sig.Mint).Msg("sink emit failed")
		}
	}()
	s.Emit(sig)
}

// Tenants returns registered tenants ordered by id.
func (b *Bus) Tenants() []TenantInfo {
	b.mu.RLock()
	active := b.active
	b.mu.RUnlock()

	out := make([]TenantInfo, 0, len(active))
	for _, r := range active {
		out = append(out, TenantInfo{
			ID:           r.id,
			Risk:         r.risk,
			RegisteredAt: r.registeredAt,
			Delivered:    r.delivered.Load(),
		})
	}
	return out
}

// Len returns the number of registered tenants.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tenants)
}
