package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SourceHTTP is the name reported for quotes served by the HTTP quote API.
const SourceHTTP = "http"

// HTTPConfig configures the HTTP quote API source.
type HTTPConfig struct {
	// BaseURL serves GET {BaseURL}/{mint} with a DexScreener-shaped body.
	BaseURL    string        `yaml:"base_url" default:"https://api.dexscreener.com/latest/dex/tokens" validate:"omitempty,url"`
	Timeout    time.Duration `yaml:"timeout" default:"2s"`
	MaxRetries int           `yaml:"max_retries" default:"1"`
	RetryDelay time.Duration `yaml:"retry_delay" default:"200ms"`
}

// pairsResponse is the subset of the quote API body that is read.
type pairsResponse struct {
	Pairs []pair `json:"pairs"`
}

type pair struct {
	ChainID     string `json:"chainId"`
	PriceNative string `json:"priceNative"`
	Liquidity   *struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
}

// HTTPSource queries an external quote API.
type HTTPSource struct {
	baseURL    string
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
}

var _ Source = (*HTTPSource)(nil)

// NewHTTPSource creates an HTTP quote source.
func NewHTTPSource(cfg HTTPConfig) *HTTPSource {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPSource{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		client:     &http.Client{Timeout: timeout},
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
}

// Name returns the source name.
func (s *HTTPSource) Name() string { return SourceHTTP }

// GetPrice fetches the quote for mint, retrying transport and 5xx failures.
func (s *HTTPSource) GetPrice(ctx context.Context, mint string) (Quote, error) {
	url := s.baseURL + "/" + mint

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Quote{}, ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}

		q, retry, err := s.fetch(ctx, url, mint)
		if err == nil {
			return q, nil
		}
		if !retry {
			return Quote{}, err
		}
		lastErr = err
	}
	return Quote{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// fetch performs one request. retry reports whether the failure is transient.
func (s *HTTPSource) fetch(ctx context.Context, url, mint string) (q Quote, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Quote{}, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, true, fmt.Errorf("http request: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return Quote{}, true, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Quote{}, true, fmt.Errorf("unexpected status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Quote{}, false, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var pr pairsResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return Quote{}, false, fmt.Errorf("unmarshal response: %w", err)
	}

	p, ok := bestPair(pr.Pairs)
	if !ok {
		return Quote{}, false, fmt.Errorf("%w: no pairs", ErrUnavailable)
	}
	price, err := strconv.ParseFloat(p.PriceNative, 64)
	if err != nil || price <= 0 {
		return Quote{}, false, fmt.Errorf("%w: bad priceNative %q", ErrUnavailable, p.PriceNative)
	}

	return Quote{Mint: mint, Price: price, Source: SourceHTTP, At: time.Now()}, false, nil
}

// bestPair picks the most liquid Solana pair.
func bestPair(pairs []pair) (pair, bool) {
	var best pair
	bestLiq := -1.0
	for _, p := range pairs {
		if p.ChainID != "" && p.ChainID != "solana" {
			continue
		}
		liq := 0.0
		if p.Liquidity != nil {
			liq = p.Liquidity.USD
		}
		if liq > bestLiq {
			best, bestLiq = p, liq
		}
	}
	return best, bestLiq >= 0
}
