package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pump-signal-engine/internal/bus"
	"pump-signal-engine/internal/domain"
	"pump-signal-engine/internal/execution"
	"pump-signal-engine/internal/observability"
	"pump-signal-engine/internal/price"
	"pump-signal-engine/internal/tenant"
)

type fakeFeed struct {
	mu        sync.Mutex
	connected bool
	watched   []string
}

func (f *fakeFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeFeed) Watched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.watched...)
}

func (f *fakeFeed) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

type fakeEngine struct{ tracked int }

func (e fakeEngine) Tracked() int { return e.tracked }

type fixedPrices struct{}

func (fixedPrices) Name() string { return "fixed" }

func (fixedPrices) GetPrice(_ context.Context, mint string) (price.Quote, error) {
	return price.Quote{Mint: mint, Price: 0.001, Source: "fixed"}, nil
}

type testEnv struct {
	handler http.Handler
	feed    *fakeFeed
	bus     *bus.Bus
	tenants *tenant.Supervisor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	metrics := observability.NewMetrics("api_test")
	b := bus.New(bus.Options{Metrics: metrics})

	sup, err := tenant.NewSupervisor(tenant.SupervisorOptions{
		Registry: b,
		Config:   tenant.DefaultWorkerConfig(),
		Prices:   fixedPrices{},
		Executor: execution.NewPaperExecutor(execution.PaperConfig{}, fixedPrices{}),
		Metrics:  metrics,
	})
	require.NoError(t, err)
	t.Cleanup(sup.Stop)

	feed := &fakeFeed{connected: true, watched: []string{"mintB", "mintA"}}
	srv, err := NewServer(Options{
		Config:  Config{Enabled: true, Addr: ":0"},
		Tenants: sup,
		Feed:    feed,
		Engine:  fakeEngine{tracked: 4},
		Metrics: metrics,
	})
	require.NoError(t, err)

	return &testEnv{handler: srv.Handler(), feed: feed, bus: b, tenants: sup}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, data interface{}) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	if data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}

func TestNewServer_RequiresTenants(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var h Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, Health{Status: "ok", FeedConnected: true, WatchedMints: 2, TrackedMints: 4}, h)

	env.feed.setConnected(false)
	rec = env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "degraded", h.Status)
	assert.False(t, h.FeedConnected)
}

func TestTenantLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/tenants", `{"id":"alpha","risk":{"capital":10}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var view TenantView
	decode(t, rec, &view)
	assert.Equal(t, "alpha", view.Config.ID)
	assert.Equal(t, 0.05, view.Config.Risk.TradeFraction)
	assert.Equal(t, 3, view.Config.Risk.MaxOpenPositions)
	assert.Equal(t, 1, env.bus.Len())

	rec = env.do(t, http.MethodPost, "/api/tenants", `{"id":"alpha","risk":{"capital":10}}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/tenants", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var views []TenantView
	decode(t, rec, &views)
	require.Len(t, views, 1)
	assert.Equal(t, "alpha", views[0].Stats.ID)

	rec = env.do(t, http.MethodGet, "/api/tenants/alpha", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/tenants/alpha/positions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var positions []domain.PositionSnapshot
	decode(t, rec, &positions)
	assert.Empty(t, positions)

	rec = env.do(t, http.MethodDelete, "/api/tenants/alpha", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, env.bus.Len())

	rec = env.do(t, http.MethodDelete, "/api/tenants/alpha", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActivateTenant_Invalid(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
		code string
	}{
		{name: "missing id", body: `{"risk":{"capital":10}}`, code: "ERR_REQUIRED"},
		{name: "zero capital", body: `{"id":"a","risk":{"capital":0}}`, code: "ERR_GT"},
		{name: "fraction above one", body: `{"id":"a","risk":{"capital":1,"trade_fraction":2}}`, code: "ERR_LTE"},
		{name: "malformed", body: `{"id":`, code: "ERR_BIND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/tenants", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

			var errs []apiError
			decode(t, rec, &errs)
			require.NotEmpty(t, errs)
			assert.Equal(t, tt.code, errs[0].Code)
		})
	}
	assert.Equal(t, 0, env.bus.Len())
}

func TestUnknownTenant(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/tenants/ghost", "/api/tenants/ghost/positions"} {
		rec := env.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestWatchedAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/watched", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var mints []string
	decode(t, rec, &mints)
	assert.Equal(t, []string{"mintB", "mintA"}, mints)

	_, err := env.tenants.Activate(context.Background(), tenant.Config{
		ID:   "beta",
		Risk: domain.RiskConfig{Capital: 5, TradeFraction: 0.1, MaxOpenPositions: 1},
	})
	require.NoError(t, err)
	env.bus.Publish(domain.Signal{ID: "s1", Mint: "mintA", Action: domain.ActionWait})

	rec = env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "api_test_")
}
