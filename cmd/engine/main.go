// Package main runs the signal engine: shared feed, analysis, signal bus, tenant workers and the admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pump-signal-engine/internal/analysis"
	"pump-signal-engine/internal/api"
	"pump-signal-engine/internal/bus"
	"pump-signal-engine/internal/config"
	"pump-signal-engine/internal/execution"
	"pump-signal-engine/internal/feed"
	"pump-signal-engine/internal/observability"
	"pump-signal-engine/internal/price"
	"pump-signal-engine/internal/storage"
	chstore "pump-signal-engine/internal/storage/clickhouse"
	"pump-signal-engine/internal/storage/memory"
	"pump-signal-engine/internal/storage/migrations"
	pgstore "pump-signal-engine/internal/storage/postgres"
	"pump-signal-engine/internal/tenant"
)

func main() {
	// Load .env file if exists
	loadEnvFile()

	configPath := flag.String("config", os.Getenv("PUMP_CONFIG"), "Path to YAML config (defaults only when empty)")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage even if databases are configured")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.With().Str("env", cfg.Environment).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *useMemory, &logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("engine stopped with error")
	}
	logger.Info().Msg("shutdown complete")
}

// stores bundles the persistence backends chosen by configuration.
type stores struct {
	positions storage.PositionStore
	signals   storage.SignalStore
	fills     storage.FillStore
	close     func()
}

func createStores(ctx context.Context, cfg *config.Config, useMemory bool, logger *zerolog.Logger) (*stores, error) {
	s := &stores{
		positions: memory.NewPositionStore(),
		signals:   memory.NewSignalStore(),
		fills:     memory.NewFillStore(),
		close:     func() {},
	}
	if useMemory {
		logger.Info().Msg("using in-memory storage")
		return s, nil
	}

	var closers []func()
	if cfg.Postgres.Enabled {
		pool, err := pgstore.NewPoolWithConfig(ctx, cfg.Postgres.Config)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres migrations: %w", err)
		}
		s.positions = pgstore.NewPositionStore(pool)
		closers = append(closers, pool.Close)
		logger.Info().Msg("position snapshots in postgres")
	}

	if cfg.ClickHouse.Enabled {
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickHouse.DSN)
		if err != nil {
			for _, c := range closers {
				c()
			}
			return nil, fmt.Errorf("clickhouse migrations: %w", err)
		}
		s.signals = chstore.NewSignalStore(conn)
		s.fills = chstore.NewFillStore(conn)
		closers = append(closers, func() { _ = conn.Close() })
		logger.Info().Msg("signal and fill journals in clickhouse")
	}

	s.close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return s, nil
}

func run(ctx context.Context, cfg *config.Config, useMemory bool, logger *zerolog.Logger) error {
	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(cfg.Metrics.Namespace)
	}

	st, err := createStores(ctx, cfg, useMemory, logger)
	if err != nil {
		return err
	}
	defer st.close()

	g, ctx := errgroup.WithContext(ctx)

	upstream := feed.New(feed.Options{Config: cfg.Feed, Logger: logger, Metrics: metrics})

	// Price sources, in lookup order.
	cache := price.NewCache(cfg.Prices.Cache, nil)
	sources := []price.Source{cache}
	if cfg.Prices.Redis.Enabled {
		client, err := price.NewRedisClient(ctx, cfg.Prices.Redis.RedisConfig)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer client.Close()

		mirror := price.NewRedisMirror(client, cache, cfg.Prices.Redis.RedisConfig, logger)
		g.Go(component("price mirror", func() error { return mirror.Run(ctx) }))
		sources = append(sources, price.NewRedisSource(client, cfg.Prices.Redis.RedisConfig))
	}
	if cfg.Prices.HTTP.Enabled {
		sources = append(sources, price.NewHTTPSource(cfg.Prices.HTTP.HTTPConfig))
	}
	prices := price.NewChain(logger, metrics, sources...)

	var sinks []bus.Sink
	if cfg.Kafka.Enabled {
		sink, err := bus.NewKafkaSink(cfg.Kafka, logger, metrics)
		if err != nil {
			return fmt.Errorf("kafka sink: %w", err)
		}
		defer sink.Close()
		sinks = append(sinks, sink)
	}
	signals := bus.New(bus.Options{Sinks: sinks, Logger: logger, Metrics: metrics})

	engine, err := analysis.New(analysis.Options{
		Config:    cfg.Engine,
		Evaluator: analysis.NewThresholdEvaluator(cfg.Engine.Threshold),
		Publisher: signals,
		Watcher:   upstream,
		Journal:   st.signals,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	// The cache subscribes first so a checkpoint fired by the same trade sees its price.
	upstream.Subscribe(cache.OnEvent)
	upstream.Subscribe(engine.OnEvent)

	supervisor, err := tenant.NewSupervisor(tenant.SupervisorOptions{
		Registry: signals,
		Config:   cfg.Worker,
		Prices:   prices,
		Executor: execution.NewPaperExecutor(cfg.Execution, prices),
		Store:    st.positions,
		Fills:    st.fills,
		Watcher:  upstream,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return fmt.Errorf("create supervisor: %w", err)
	}
	for _, t := range cfg.Tenants {
		if _, err := supervisor.Activate(ctx, t); err != nil {
			supervisor.Stop()
			return fmt.Errorf("activate tenant %s: %w", t.ID, err)
		}
	}

	g.Go(component("feed", func() error { return upstream.Run(ctx) }))
	g.Go(component("engine", func() error { return engine.Run(ctx) }))
	g.Go(component("price cache", func() error { return cache.Run(ctx) }))
	g.Go(component("supervisor", func() error { return supervisor.Run(ctx) }))

	if cfg.API.Enabled {
		srv, err := api.NewServer(api.Options{
			Config:  cfg.API,
			Tenants: supervisor,
			Feed:    upstream,
			Engine:  engine,
			Metrics: metrics,
			Logger:  logger,
		})
		if err != nil {
			return fmt.Errorf("create api server: %w", err)
		}
		g.Go(component("api", func() error { return srv.Run(ctx) }))
	}

	logger.Info().
		Int("tenants", len(cfg.Tenants)).
		Int("price_sources", len(sources)).
		Bool("kafka", cfg.Kafka.Enabled).
		Msg("engine started")

	return g.Wait()
}

// component labels a Run error and treats cancellation as a clean stop.
func component(name string, fn func() error) func() error {
	return func() error {
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}
}

// loadEnvFile loads environment variables from .env file if it exists.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), `"'`)

		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
