package price

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pump-signal-engine/internal/domain"
)

const testMint = "G4ymLEMWzdBTU8xP9AZhkgsXj6MK5z8xxz7WBwvvtxYV"

type stubSource struct {
	name  string
	quote Quote
	err   error
	calls atomic.Int32
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) GetPrice(context.Context, string) (Quote, error) {
	s.calls.Add(1)
	return s.quote, s.err
}

func TestChain_FirstSuccessWins(t *testing.T) {
	a := &stubSource{name: "a", err: ErrUnavailable}
	b := &stubSource{name: "b", quote: Quote{Mint: testMint, Price: 2, Source: "b"}}
	c := &stubSource{name: "c", quote: Quote{Mint: testMint, Price: 3, Source: "c"}}

	q, err := NewChain(nil, nil, a, b, c).GetPrice(context.Background(), testMint)
	require.NoError(t, err)

	assert.Equal(t, 2.0, q.Price)
	assert.Equal(t, "b", q.Source)
	assert.Equal(t, int32(0), c.calls.Load())
}

func TestChain_AllFail(t *testing.T) {
	a := &stubSource{name: "a", err: errors.New("boom")}
	b := &stubSource{name: "b", quote: Quote{Price: 0}}

	_, err := NewChain(nil, nil, a, b).GetPrice(context.Background(), testMint)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "boom")
}

func TestCache_FreshnessAndDrain(t *testing.T) {
	now := time.Unix(1704067200, 0)
	cache := NewCache(CacheConfig{MaxAge: 10 * time.Second, Retention: time.Minute}, func() time.Time { return now })

	_, err := cache.GetPrice(context.Background(), testMint)
	assert.ErrorIs(t, err, ErrUnavailable)

	cache.OnEvent(domain.TokenEvent{Mint: testMint, Kind: domain.EventKindTrade, QuoteAmount: 1, BaseAmount: 1000, Timestamp: now})

	q, err := cache.GetPrice(context.Background(), testMint)
	require.NoError(t, err)
	assert.InDelta(t, 0.001, q.Price, 1e-12)
	assert.Equal(t, SourceFeed, q.Source)

	drained := cache.Drain()
	require.Len(t, drained, 1)
	assert.Empty(t, cache.Drain())

	now = now.Add(11 * time.Second)
	_, err = cache.GetPrice(context.Background(), testMint)
	assert.ErrorIs(t, err, ErrUnavailable, "stale quote")

	now = now.Add(time.Minute)
	assert.Equal(t, 1, cache.Prune())
	assert.Equal(t, 0, cache.Len())
}

func TestCache_IgnoresEventsWithoutPrice(t *testing.T) {
	cache := NewCache(CacheConfig{}, nil)
	cache.OnEvent(domain.TokenEvent{Mint: testMint, Kind: domain.EventKindCreate})
	assert.Equal(t, 0, cache.Len())
}

func TestHTTPSource_GetPrice(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "/tokens/"+testMint, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"pairs":[
			{"chainId":"solana","priceNative":"0.00000010","liquidity":{"usd":100}},
			{"chainId":"solana","priceNative":"0.00000020","liquidity":{"usd":5000}},
			{"chainId":"ethereum","priceNative":"9","liquidity":{"usd":99999}}]}`)
	}))
	defer server.Close()

	src := NewHTTPSource(HTTPConfig{BaseURL: server.URL + "/tokens/", MaxRetries: 2, RetryDelay: time.Millisecond})

	q, err := src.GetPrice(context.Background(), testMint)
	require.NoError(t, err)
	assert.InDelta(t, 0.0000002, q.Price, 1e-15)
	assert.Equal(t, SourceHTTP, q.Source)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPSource_NoPairs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"pairs":null}`)
	}))
	defer server.Close()

	src := NewHTTPSource(HTTPConfig{BaseURL: server.URL, MaxRetries: 3, RetryDelay: time.Millisecond})

	_, err := src.GetPrice(context.Background(), testMint)
	assert.ErrorIs(t, err, ErrUnavailable)
}
