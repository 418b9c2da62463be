package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// SourceRedis is the name reported for quotes served from Redis.
const SourceRedis = "redis"

// RedisConfig configures the shared Redis price store.
type RedisConfig struct {
	Addr          string        `yaml:"addr" default:"localhost:6379"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	PoolSize      int           `yaml:"pool_size" default:"10"`
	Prefix        string        `yaml:"prefix" default:"pump"`
	TTL           time.Duration `yaml:"ttl" default:"10m"`
	MaxAge        time.Duration `yaml:"max_age" default:"2m"`
	FlushInterval time.Duration `yaml:"flush_interval" default:"1s"`
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// redisQuote is the stored value layout.
type redisQuote struct {
	Price float64 `json:"price"`
	AtMs  int64   `json:"at_ms"`
}

func priceKey(prefix, mint string) string {
	return fmt.Sprintf("%s:price:%s", prefix, mint)
}

// RedisSource reads quotes published by any engine's RedisMirror.
type RedisSource struct {
	client *redis.Client
	prefix string
	maxAge time.Duration
	now    func() time.Time
}

var _ Source = (*RedisSource)(nil)

// NewRedisSource creates a Redis-backed price source.
func NewRedisSource(client *redis.Client, cfg RedisConfig) *RedisSource {
	return &RedisSource{client: client, prefix: cfg.Prefix, maxAge: cfg.MaxAge, now: time.Now}
}

// Name returns the source name.
func (s *RedisSource) Name() string { return SourceRedis }

// GetPrice reads the stored quote for mint.
func (s *RedisSource) GetPrice(ctx context.Context, mint string) (Quote, error) {
	data, err := s.client.Get(ctx, priceKey(s.prefix, mint)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Quote{}, ErrUnavailable
		}
		return Quote{}, fmt.Errorf("redis get: %w", err)
	}

	var rq redisQuote
	if err := json.Unmarshal(data, &rq); err != nil {
		return Quote{}, fmt.Errorf("decode quote: %w", err)
	}

	at := time.UnixMilli(rq.AtMs)
	if s.maxAge > 0 && s.now().Sub(at) > s.maxAge {
		return Quote{}, fmt.Errorf("%w: stale since %s", ErrUnavailable, at.Format(time.RFC3339))
	}
	return Quote{Mint: mint, Price: rq.Price, Source: SourceRedis, At: at}, nil
}

// RedisMirror publishes changed cache entries to Redis so other processes can read them.
type RedisMirror struct {
	client   *redis.Client
	cache    *Cache
	prefix   string
	ttl      time.Duration
	interval time.Duration
	logger   zerolog.Logger
}

// NewRedisMirror creates a mirror for cache.
func NewRedisMirror(client *redis.Client, cache *Cache, cfg RedisConfig, logger *zerolog.Logger) *RedisMirror {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "price_mirror").Logger()
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &RedisMirror{
		client:   client,
		cache:    cache,
		prefix:   cfg.Prefix,
		ttl:      cfg.TTL,
		interval: interval,
		logger:   l,
	}
}

// Flush writes all dirty quotes in one pipeline.
func (m *RedisMirror) Flush(ctx context.Context) (int, error) {
	quotes := m.cache.Drain()
	if len(quotes) == 0 {
		return 0, nil
	}

	pipe := m.client.Pipeline()
	for _, q := range quotes {
		data, err := json.Marshal(redisQuote{Price: q.Price, AtMs: q.At.UnixMilli()})
		if err != nil {
			return 0, fmt.Errorf("encode quote: %w", err)
		}
		pipe.Set(ctx, priceKey(m.prefix, q.Mint), data, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis pipeline: %w", err)
	}
	return len(quotes), nil
}

// Run flushes on a fixed interval until ctx is cancelled.
func (m *RedisMirror) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Flush(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn().Err(err).Msg("price mirror flush failed")
			}
		}
	}
}
