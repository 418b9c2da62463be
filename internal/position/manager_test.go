package position

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pump-signal-engine/internal/domain"
	"pump-signal-engine/internal/execution"
	"pump-signal-engine/internal/price"
	"pump-signal-engine/internal/storage"
	"pump-signal-engine/internal/storage/memory"
)

const (
	testTenant = "alpha"
	testMint   = "4qQ2g1cznQYXNrRKDXuMzoujEiyq2SykLnU6M315PA1T"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// scriptedPrices returns whatever price was last set; zero means unavailable.
type scriptedPrices struct {
	px map[string]float64
}

func (s *scriptedPrices) Name() string { return "scripted" }

func (s *scriptedPrices) GetPrice(_ context.Context, mint string) (price.Quote, error) {
	px := s.px[mint]
	if px <= 0 {
		return price.Quote{}, price.ErrUnavailable
	}
	return price.Quote{Mint: mint, Price: px, Source: "scripted"}, nil
}

type fakeExecutor struct {
	err    error
	orders []execution.Order
	seq    int
}

func (f *fakeExecutor) Submit(_ context.Context, o execution.Order) (*execution.Receipt, error) {
	f.orders = append(f.orders, o)
	if f.err != nil {
		return nil, f.err
	}
	f.seq++
	return &execution.Receipt{
		ID:          fmt.Sprintf("fill-%03d", f.seq),
		Price:       o.ReferencePrice,
		AmountQuote: o.Fraction * o.ReferencePrice,
	}, nil
}

type countingWatcher struct {
	mu      sync.Mutex
	watched map[string]int
}

func (w *countingWatcher) Watch(mint string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched[mint]++
}

func (w *countingWatcher) Unwatch(mint string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched[mint]--
}

type harness struct {
	clock    *fakeClock
	prices   *scriptedPrices
	executor *fakeExecutor
	store    *memory.PositionStore
	fills    *memory.FillStore
	watcher  *countingWatcher
	mgr      *Manager

	closed   []string
	failures []int
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		clock:    &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		prices:   &scriptedPrices{px: map[string]float64{}},
		executor: &fakeExecutor{},
		store:    memory.NewPositionStore(),
		fills:    memory.NewFillStore(),
		watcher:  &countingWatcher{watched: map[string]int{}},
	}

	mgr, err := NewManager(Options{
		TenantID: testTenant,
		Config:   cfg,
		Prices:   h.prices,
		Executor: h.executor,
		Store:    h.store,
		Fills:    h.fills,
		Watcher:  h.watcher,
		OnClose: func(_ domain.PositionSnapshot, reason string) {
			h.closed = append(h.closed, reason)
		},
		OnSubmitFailures: func(_ domain.PositionSnapshot, n int, _ error) {
			h.failures = append(h.failures, n)
		},
		Now: h.clock.now,
	})
	require.NoError(t, err)
	h.mgr = mgr
	return h
}

func (h *harness) open(t *testing.T, entry float64) {
	t.Helper()
	_, err := h.mgr.Open(context.Background(), testMint, &execution.Receipt{
		ID:          "entry",
		Price:       entry,
		AmountQuote: 1,
		ExecutedAt:  h.clock.now(),
	})
	require.NoError(t, err)
}

// tickAt sets the price and runs one polling step.
func (h *harness) tickAt(px float64) {
	h.prices.px[testMint] = px
	h.mgr.Tick(context.Background())
}

func (h *harness) position(t *testing.T) *Position {
	t.Helper()
	p, ok := h.mgr.positions[testMint]
	require.True(t, ok, "position should be open")
	return p
}

func (h *harness) exitReasons() []string {
	fills, _ := h.fills.GetByPosition(context.Background(), testTenant, testMint)
	var out []string
	for _, f := range fills {
		if f.Side == domain.SideSell {
			out = append(out, f.Reason)
		}
	}
	return out
}

func TestManager_OpenSetsInitialStopAndWatches(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, 1.0)

	p := h.position(t)
	assert.Equal(t, domain.PositionStateOpen, p.State())
	assert.InDelta(t, 0.6, p.StopLossPrice, 1e-12)
	assert.Equal(t, 1.0, p.RemainingFraction)
	assert.Equal(t, 1, h.watcher.watched[testMint])

	snap, err := h.store.Get(context.Background(), testTenant, testMint)
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap.EntryPrice)

	fills, _ := h.fills.GetByPosition(context.Background(), testTenant, testMint)
	require.Len(t, fills, 1)
	assert.Equal(t, domain.ExitReasonEntry, fills[0].Reason)

	_, err = h.mgr.Open(context.Background(), testMint, &execution.Receipt{Price: 1, AmountQuote: 1})
	assert.ErrorIs(t, err, ErrPositionExists)

	_, err = h.mgr.Open(context.Background(), "other", &execution.Receipt{AmountQuote: 1})
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestManager_ReleaseKeepsSnapshots(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, 1.0)
	assert.Equal(t, 1, h.watcher.watched[testMint])

	assert.Equal(t, 1, h.mgr.Release())
	assert.Equal(t, 0, h.watcher.watched[testMint])
	assert.Equal(t, 0, h.mgr.Count())
	assert.Empty(t, h.closed)

	snap, err := h.store.Get(context.Background(), testTenant, testMint)
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap.EntryPrice)

	assert.Zero(t, h.mgr.Release())
}

func TestManager_PartialTakeFiresOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, 1.0)

	h.tickAt(2.2)
	p := h.position(t)
	assert.True(t, p.PartialTaken)
	assert.Equal(t, domain.PositionStatePartialTaken, p.State())
	assert.InDelta(t, 0.5, p.RemainingFraction, 1e-12)
	// r=1.2 already locks +30% on the curve; the breakeven raise cannot loosen it.
	assert.InDelta(t, 1.3, p.StopLossPrice, 1e-12)

	h.clock.advance(3 * time.Second)
	h.tickAt(1.5)
	assert.InDelta(t, 0.5, p.RemainingFraction, 1e-12)
	assert.Equal(t, []string{domain.ExitReasonTakeProfit}, h.exitReasons())

	require.Len(t, h.executor.orders, 1)
	assert.InDelta(t, 0.5, h.executor.orders[0].Fraction, 1e-12)
}

func TestManager_StopRatchetsAndCloses(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, 1.0)

	h.tickAt(1.25)
	p := h.position(t)
	assert.InDelta(t, 0.8, p.StopLossPrice, 1e-12)

	h.clock.advance(3 * time.Second)
	h.tickAt(1.1)
	assert.InDelta(t, 0.8, p.StopLossPrice, 1e-12, "stop must not move down")

	h.clock.advance(3 * time.Second)
	h.tickAt(0.85)
	assert.True(t, h.mgr.Has(testMint))

	h.clock.advance(3 * time.Second)
	h.tickAt(0.79)
	assert.False(t, h.mgr.Has(testMint))
	assert.Equal(t, []string{domain.ExitReasonStopLoss}, h.closed)
	assert.Equal(t, 0, h.watcher.watched[testMint])

	_, err := h.store.Get(context.Background(), testTenant, testMint)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.Len(t, h.executor.orders, 1)
	assert.Equal(t, 1.0, h.executor.orders[0].Fraction)
}

func TestManager_TimeoutClosesOnce(t *testing.T) {
	tests := []struct {
		name      string
		first     float64
		remaining float64
	}{
		{"from open", 1.1, 1.0},
		{"after partial take", 2.2, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.open(t, 1.0)

			h.tickAt(tt.first)
			assert.InDelta(t, tt.remaining, h.position(t).RemainingFraction, 1e-12)

			h.clock.advance(45 * time.Minute)
			h.tickAt(1.2)
			assert.False(t, h.mgr.Has(testMint))
			assert.Equal(t, []string{domain.ExitReasonTimeout}, h.closed)

			orders := len(h.executor.orders)
			h.clock.advance(time.Minute)
			h.tickAt(1.2)
			assert.Len(t, h.executor.orders, orders)
			assert.Len(t, h.closed, 1)
		})
	}
}

func TestManager_MigrationProgressiveAndTrail(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, 1.0)

	h.tickAt(2.2)
	h.clock.advance(3 * time.Second)
	h.tickAt(3.0)

	p := h.position(t)
	assert.True(t, p.MigrationReached)
	assert.Equal(t, domain.PositionStateProgressiveExit, p.State())
	assert.InDelta(t, 0.45, p.RemainingFraction, 1e-9)
	assert.Equal(t, 3.0, p.PeakPrice)

	// Progressive exit is not subject to the timeout.
	h.clock.advance(46 * time.Minute)
	h.tickAt(3.2)
	assert.InDelta(t, 0.40, p.RemainingFraction, 1e-9)
	assert.Equal(t, 3.2, p.PeakPrice)

	h.clock.advance(10 * time.Second)
	h.tickAt(3.1)
	assert.InDelta(t, 0.40, p.RemainingFraction, 1e-9, "no step before interval elapses")

	h.clock.advance(10 * time.Second)
	h.tickAt(2.7) // below 3.2 * 0.85
	assert.False(t, h.mgr.Has(testMint))
	assert.Equal(t, []string{domain.ExitReasonMigrationTrail}, h.closed)

	assert.Equal(t, []string{
		domain.ExitReasonTakeProfit,
		domain.ExitReasonProgressiveStep,
		domain.ExitReasonProgressiveStep,
		domain.ExitReasonMigrationTrail,
	}, h.exitReasons())
}

func TestManager_ProgressiveExhaustsPosition(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, 1.0)

	h.tickAt(2.2)
	h.tickAt(3.0)
	require.True(t, h.position(t).MigrationReached)

	for i := 0; i < 50 && h.mgr.Has(testMint); i++ {
		h.clock.advance(20 * time.Second)
		h.tickAt(3.0)
	}

	assert.False(t, h.mgr.Has(testMint))
	assert.Equal(t, []string{domain.ExitReasonProgressiveStep}, h.closed)

	steps := 0
	for _, r := range h.exitReasons() {
		if r == domain.ExitReasonProgressiveStep {
			steps++
		}
	}
	assert.Equal(t, 10, steps)
}

func TestManager_PriceUnavailableGrace(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, 1.0)

	for i := 0; i < 3; i++ {
		h.tickAt(0)
		assert.True(t, h.mgr.Has(testMint), "tick %d", i)
		h.clock.advance(3 * time.Second)
	}

	h.tickAt(0)
	assert.False(t, h.mgr.Has(testMint))
	assert.Equal(t, []string{domain.ExitReasonPriceUnavailable}, h.closed)

	require.Len(t, h.executor.orders, 1)
	assert.InDelta(t, 0.05, h.executor.orders[0].ReferencePrice, 1e-12)
}

func TestManager_PriceRecoveryResetsGrace(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, 1.0)

	h.tickAt(0)
	h.clock.advance(6 * time.Second)
	h.tickAt(1.0)
	assert.True(t, h.position(t).PriceMissingSince.IsZero())

	h.clock.advance(3 * time.Second)
	h.tickAt(0)
	h.clock.advance(6 * time.Second)
	h.tickAt(0)
	assert.True(t, h.mgr.Has(testMint))
}

func TestManager_SubmitFailuresRetryAndNotifyOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.open(t, 1.0)
	h.executor.err = errors.New("venue down")

	h.tickAt(2.2)
	p := h.position(t)
	assert.False(t, p.PartialTaken, "flags advance only on acknowledgment")

	for i := 0; i < 6; i++ {
		h.clock.advance(3 * time.Second)
		h.tickAt(0.5)
	}

	assert.True(t, h.mgr.Has(testMint))
	assert.Equal(t, 7, p.ConsecutiveSubmitFailures)
	assert.Equal(t, 1.0, p.RemainingFraction)
	assert.Equal(t, []int{5}, h.failures)

	h.executor.err = nil
	h.clock.advance(3 * time.Second)
	h.tickAt(0.5)
	assert.False(t, h.mgr.Has(testMint))
	assert.Equal(t, 0, p.ConsecutiveSubmitFailures)
	assert.Equal(t, []string{domain.ExitReasonStopLoss}, h.closed)
}

func TestManager_RandomWalkStaysConsistent(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		rng := rand.New(rand.NewSource(seed))
		h := newHarness(t, nil)
		h.open(t, 1.0)

		p := h.position(t)
		px := 1.0
		prevStop := p.StopLossPrice
		prevRemaining := p.RemainingFraction
		prevPartial, prevMigration := false, false

		for i := 0; i < 2000 && h.mgr.Has(testMint); i++ {
			px *= 1 + (rng.Float64()-0.45)*0.2
			quoted := px
			if rng.Float64() < 0.05 {
				quoted = 0
			}
			if rng.Float64() < 0.2 {
				h.executor.err = errors.New("flaky")
			} else {
				h.executor.err = nil
			}

			h.clock.advance(3 * time.Second)
			h.tickAt(quoted)

			require.GreaterOrEqual(t, p.StopLossPrice, prevStop, "seed %d tick %d", seed, i)
			require.LessOrEqual(t, p.RemainingFraction, prevRemaining, "seed %d tick %d", seed, i)
			require.GreaterOrEqual(t, p.RemainingFraction, 0.0)
			if prevPartial {
				require.True(t, p.PartialTaken)
			}
			if prevMigration {
				require.True(t, p.MigrationReached)
			}
			if p.MigrationReached {
				require.True(t, p.PartialTaken)
			}

			prevStop = p.StopLossPrice
			prevRemaining = p.RemainingFraction
			prevPartial, prevMigration = p.PartialTaken, p.MigrationReached
		}

		if !h.mgr.Has(testMint) {
			assert.Zero(t, p.RemainingFraction)
			assert.Len(t, h.closed, 1)
		}
	}
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(Options{Config: DefaultConfig(), Prices: &scriptedPrices{}, Executor: &fakeExecutor{}})
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.MigrationMultiple = cfg.TakeProfitMultiple
	_, err = NewManager(Options{TenantID: "a", Config: cfg, Prices: &scriptedPrices{}, Executor: &fakeExecutor{}})
	assert.Error(t, err)
}

func TestStopLossCurve_StopFor(t *testing.T) {
	c := NewStopLossCurve(nil)

	tests := []struct {
		r    float64
		want float64
	}{
		{-0.9, 0.6},
		{0, 0.6},
		{0.2, 0.8},
		{0.5, 1.0},
		{0.79, 1.0},
		{1.5, 1.3},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, c.StopFor(1.0, tt.r), 1e-12, "r=%v", tt.r)
	}

	assert.Zero(t, NewStopLossCurve([]domain.StopLossStep{{MinReturn: 0.5, LockReturn: 0}}).StopFor(1, 0.1))
}
