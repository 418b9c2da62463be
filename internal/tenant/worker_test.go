package tenant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pump-signal-engine/internal/bus"
	"pump-signal-engine/internal/domain"
	"pump-signal-engine/internal/execution"
	"pump-signal-engine/internal/price"
	"pump-signal-engine/internal/storage/memory"
)

const (
	mintA = "G4ymLEMWzdBTU8xP9AZhkgsXj6MK5z8xxz7WBwvvtxYV"
	mintB = "DVX2Zn8jSXDmhkDCXCQBgVVEbrs3PsZFMgEtPWtR9StX"
)

type stubPrices struct {
	mu sync.Mutex
	px map[string]float64
}

func newStubPrices() *stubPrices {
	return &stubPrices{px: map[string]float64{}}
}

func (s *stubPrices) set(mint string, px float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.px[mint] = px
}

func (s *stubPrices) Name() string { return "stub" }

func (s *stubPrices) GetPrice(_ context.Context, mint string) (price.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	px, ok := s.px[mint]
	if !ok || px <= 0 {
		return price.Quote{}, price.ErrUnavailable
	}
	return price.Quote{Mint: mint, Price: px, Source: "stub"}, nil
}

type failingExecutor struct{}

func (failingExecutor) Submit(context.Context, execution.Order) (*execution.Receipt, error) {
	return nil, errors.New("venue down")
}

// unpricedExecutor fills buys without a price and records every order.
type unpricedExecutor struct {
	orders []execution.Order
}

func (e *unpricedExecutor) Submit(_ context.Context, o execution.Order) (*execution.Receipt, error) {
	e.orders = append(e.orders, o)
	if o.Side == domain.SideBuy {
		return &execution.Receipt{ID: "buy-1", AmountQuote: o.AmountQuote}, nil
	}
	return &execution.Receipt{ID: "sell-1", Price: 0.0009, AmountQuote: 0.9}, nil
}

type countingWatcher struct {
	mu   sync.Mutex
	refs map[string]int
}

func (w *countingWatcher) Watch(mint string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refs[mint]++
}

func (w *countingWatcher) Unwatch(mint string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refs[mint]--
}

func (w *countingWatcher) count(mint string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.refs[mint]
}

func risk(capital, fraction float64, maxOpen int) domain.RiskConfig {
	return domain.RiskConfig{Capital: capital, TradeFraction: fraction, MaxOpenPositions: maxOpen}
}

func buy(mint string) domain.Signal {
	return domain.Signal{
		ID:             "sig-" + mint[:6],
		Mint:           mint,
		Action:         domain.ActionBuy,
		Confidence:     0.8,
		ReferencePrice: 0.001,
		Checkpoint:     "8s",
		Timestamp:      time.Now(),
	}
}

func newTestWorker(t *testing.T, r domain.RiskConfig, inbox int, exec execution.Executor, prices *stubPrices) *Worker {
	t.Helper()

	cfg := DefaultWorkerConfig()
	cfg.InboxSize = inbox
	cfg.Position.PollInterval = 10 * time.Millisecond

	if exec == nil {
		exec = execution.NewPaperExecutor(execution.PaperConfig{}, prices)
	}

	w, err := NewWorker(WorkerOptions{
		Tenant:   Config{ID: "alpha", Risk: r},
		Config:   cfg,
		Prices:   prices,
		Executor: exec,
		Store:    memory.NewPositionStore(),
		Fills:    memory.NewFillStore(),
	})
	require.NoError(t, err)
	return w
}

// drain handles queued signals on the test goroutine.
func drain(ctx context.Context, w *Worker) {
	for len(w.inbox) > 0 {
		w.handle(ctx, <-w.inbox)
	}
	w.publish()
}

func TestWorker_MaxOpenPositionsDiscardsSecondBuy(t *testing.T) {
	ctx := context.Background()
	prices := newStubPrices()
	w := newTestWorker(t, risk(10, 0.1, 1), 8, nil, prices)

	w.OnSignal(buy(mintA))
	w.OnSignal(buy(mintB))
	drain(ctx, w)

	stats := w.Stats()
	assert.Equal(t, uint64(2), stats.SignalsReceived)
	assert.Equal(t, uint64(1), stats.BuysAccepted)
	assert.Equal(t, uint64(1), stats.BuysDiscarded)
	assert.Equal(t, 1, stats.OpenPositions)
	assert.True(t, w.manager.Has(mintA))
	assert.False(t, w.manager.Has(mintB))
}

func TestWorker_InboxFullDrops(t *testing.T) {
	w := newTestWorker(t, risk(10, 0.1, 3), 1, nil, newStubPrices())

	w.OnSignal(buy(mintA))
	w.OnSignal(buy(mintB))
	w.OnSignal(buy(mintA))

	stats := w.Stats()
	assert.Equal(t, uint64(3), stats.SignalsReceived)
	assert.Equal(t, uint64(2), stats.SignalsDropped)
	assert.Len(t, w.inbox, 1)
}

func TestWorker_DiscardRules(t *testing.T) {
	ctx := context.Background()

	t.Run("position already open", func(t *testing.T) {
		w := newTestWorker(t, risk(10, 0.1, 3), 8, nil, newStubPrices())
		w.handle(ctx, buy(mintA))
		w.handle(ctx, buy(mintA))
		assert.Equal(t, uint64(1), w.Stats().BuysAccepted)
		assert.Equal(t, uint64(1), w.Stats().BuysDiscarded)
	})

	t.Run("insufficient capital", func(t *testing.T) {
		w := newTestWorker(t, risk(1, 1, 3), 8, nil, newStubPrices())
		w.handle(ctx, buy(mintA))
		w.handle(ctx, buy(mintB))
		assert.Equal(t, uint64(1), w.Stats().BuysAccepted)
		assert.False(t, w.manager.Has(mintB))
		assert.True(t, w.Stats().Ledger.Cash.IsZero())
	})

	t.Run("submit failure", func(t *testing.T) {
		w := newTestWorker(t, risk(10, 0.1, 3), 8, failingExecutor{}, newStubPrices())
		w.handle(ctx, buy(mintA))
		assert.Equal(t, 0, w.manager.Count())
		assert.Equal(t, uint64(1), w.Stats().BuysDiscarded)
		assert.Equal(t, "10", w.Stats().Ledger.Cash.String())
	})

	t.Run("non-buy ignored", func(t *testing.T) {
		w := newTestWorker(t, risk(10, 0.1, 3), 8, nil, newStubPrices())
		sig := buy(mintA)
		sig.Action = domain.ActionWait
		w.handle(ctx, sig)
		sig.Action = domain.ActionSkip
		w.handle(ctx, sig)
		assert.Equal(t, 0, w.manager.Count())
		assert.Zero(t, w.Stats().BuysDiscarded)
	})
}

func TestWorker_EntryUsesReferencePriceAndLedgerTracksExit(t *testing.T) {
	ctx := context.Background()
	prices := newStubPrices()
	w := newTestWorker(t, risk(10, 0.1, 3), 8, nil, prices)

	w.handle(ctx, buy(mintA))
	snap, ok := w.manager.Get(mintA)
	require.True(t, ok)
	assert.Equal(t, 0.001, snap.EntryPrice)
	assert.InDelta(t, 9, w.ledger.Available(), 1e-9)

	// Drop below the initial stop at entry*0.6.
	prices.set(mintA, 0.0005)
	w.manager.Tick(ctx)
	w.publish()

	assert.False(t, w.manager.Has(mintA))
	assert.InDelta(t, 9.5, w.ledger.Available(), 1e-9)
	assert.Empty(t, w.Positions())

	ledger := w.Stats().Ledger
	assert.Equal(t, "1", ledger.Invested.String())
	assert.Equal(t, "-0.5", ledger.PnL().String())
}

func TestWorker_UnpricedFillIsUnwound(t *testing.T) {
	ctx := context.Background()
	exec := &unpricedExecutor{}
	w := newTestWorker(t, risk(10, 0.1, 3), 8, exec, newStubPrices())

	sig := buy(mintA)
	sig.ReferencePrice = 0
	w.handle(ctx, sig)

	assert.False(t, w.manager.Has(mintA))
	assert.Equal(t, uint64(1), w.Stats().BuysDiscarded)
	assert.Zero(t, w.Stats().BuysAccepted)

	require.Len(t, exec.orders, 2)
	assert.Equal(t, domain.SideSell, exec.orders[1].Side)
	assert.Equal(t, 1.0, exec.orders[1].Fraction)

	ledger := w.Stats().Ledger
	assert.Equal(t, "9.9", ledger.Cash.String())
	assert.Equal(t, "1", ledger.Invested.String())
	assert.Equal(t, "0.9", ledger.Proceeds.String())
}

func TestWorker_RunProcessesInbox(t *testing.T) {
	prices := newStubPrices()
	prices.set(mintA, 0.001)
	w := newTestWorker(t, risk(10, 0.1, 3), 8, nil, prices)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	w.OnSignal(buy(mintA))
	require.Eventually(t, func() bool {
		return w.Stats().OpenPositions == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Config{ID: "a", Risk: risk(1, 0.1, 1)}.Validate())
	assert.ErrorIs(t, Config{Risk: risk(1, 0.1, 1)}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{ID: "a", Risk: risk(0, 0.1, 1)}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{ID: "a", Risk: risk(1, 1.5, 1)}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Config{ID: "a", Risk: risk(1, 0.1, 0)}.Validate(), ErrInvalidConfig)
}

func TestSupervisor_Lifecycle(t *testing.T) {
	prices := newStubPrices()
	prices.set(mintA, 0.001)
	b := bus.New(bus.Options{})

	cfg := DefaultWorkerConfig()
	cfg.Position.PollInterval = 10 * time.Millisecond

	watcher := &countingWatcher{refs: map[string]int{}}
	s, err := NewSupervisor(SupervisorOptions{
		Registry: b,
		Config:   cfg,
		Prices:   prices,
		Executor: execution.NewPaperExecutor(execution.PaperConfig{}, prices),
		Store:    memory.NewPositionStore(),
		Watcher:  watcher,
	})
	require.NoError(t, err)
	defer s.Stop()

	ctx := context.Background()
	_, err = s.Activate(ctx, Config{ID: "beta", Risk: risk(10, 0.1, 2)})
	require.NoError(t, err)
	_, err = s.Activate(ctx, Config{ID: "alpha", Risk: risk(10, 0.1, 2)})
	require.NoError(t, err)

	_, err = s.Activate(ctx, Config{ID: "alpha", Risk: risk(10, 0.1, 2)})
	assert.ErrorIs(t, err, bus.ErrTenantExists)
	_, err = s.Activate(ctx, Config{ID: "gamma"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].ID())
	assert.Equal(t, 2, b.Len())

	assert.Equal(t, 2, b.Publish(buy(mintA)))

	alpha, ok := s.Get("alpha")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return alpha.Stats().OpenPositions == 1
	}, 2*time.Second, 5*time.Millisecond)
	beta, ok := s.Get("beta")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return beta.Stats().OpenPositions == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, watcher.count(mintA))

	require.NoError(t, s.Deactivate("alpha"))
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 1, watcher.count(mintA), "deactivated tenant keeps no trade subscription")
	_, ok = s.Get("alpha")
	assert.False(t, ok)
	assert.ErrorIs(t, s.Deactivate("alpha"), ErrUnknownTenant)

	s.Stop()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0, watcher.count(mintA))
	_, err = s.Activate(ctx, Config{ID: "delta", Risk: risk(10, 0.1, 2)})
	assert.ErrorIs(t, err, ErrSupervisorStopped)
	assert.Equal(t, 0, b.Len())
}
