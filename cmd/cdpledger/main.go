package main

import (
	"CDPLedger/internal/config"
	"CDPLedger/internal/core"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/monitor"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/query"
	"CDPLedger/internal/server"
	"CDPLedger/internal/token"
	"CDPLedger/migrations"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// engineNamespace derives the engine's holder identity from its synthetic
// symbol, so restarts keep the same minter.
var engineNamespace = uuid.MustParse("6f1c2a7e-4b0d-4f6e-9a53-2d8e1c7b5a90")

func main() {
	logger := observability.NewLogger("cdpledger")
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("cdpledger exited")
	}
}

func run(logger zerolog.Logger) error {
	logger.Info().Msg("CDPLedger starting")
	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	assetCfgs, err := config.LoadAssets(cfg.AssetsFile)
	if err != nil {
		return fmt.Errorf("load assets: %w", err)
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("postgres connected")

	migrator, err := persistence.NewMigrator(db, migrations.FS, observability.NewLogger("migrator"))
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Observability ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)
	healthChecker := observability.NewHealthChecker()
	healthChecker.Register("postgres", db.PingContext)

	// --- Price feeds and token ledgers ---
	engineID := uuid.NewSHA1(engineNamespace, []byte(cfg.SyntheticSymbol))

	feeds, redisClient, err := buildFeeds(assetCfgs, cfg.Redis, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		healthChecker.Register("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	synthetic := token.NewSyntheticToken(cfg.SyntheticSymbol)
	if err := synthetic.SetMinter(engineID); err != nil {
		return fmt.Errorf("synthetic minter: %w", err)
	}

	assets := make([]core.SupportedAsset, 0, len(assetCfgs))
	for _, a := range assetCfgs {
		assets = append(assets, core.SupportedAsset{
			Symbol:   a.Symbol,
			Decimals: a.Decimals,
			Oracle:   feeds[a.Symbol],
			Ledger:   token.NewVault(a.Symbol, engineID),
		})
	}

	// --- Channels ---
	// Persist blocks (backpressure), publish drops
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	publishChan := make(chan core.CoreOutput, cfg.PublishChanSize)

	// --- Engine ---
	engine, err := core.NewEngine(core.Config{
		ID:                  engineID,
		Assets:              assets,
		Synthetic:           synthetic.Session(engineID),
		SyntheticSymbol:     cfg.SyntheticSymbol,
		Params:              cfg.Params,
		PersistChan:         persistChan,
		PublishChan:         publishChan,
		DBChecker:           persistence.NewPostgresIdempotencyChecker(db),
		IdempotencyCapacity: cfg.IdempotencyLRUCapacity,
		Metrics:             metrics,
		Logger:              observability.NewLogger("engine"),
	})
	if err != nil {
		return fmt.Errorf("new engine: %w", err)
	}

	// --- Recovery: snapshot + replay + LRU warm-up ---
	recovery := persistence.NewRecovery(db, cfg.ReplayBatchSize, cfg.WarmKeys, metrics,
		observability.NewLogger("recovery"))
	if _, err := recovery.Run(ctx, engine); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if err := engine.ValidateInvariants(); err != nil {
		return fmt.Errorf("post-recovery invariants: %w", err)
	}

	sequencer := core.NewSequencer(engine, cfg.SequencerBuffer, metrics,
		observability.NewLogger("sequencer"))
	parser := ingestion.NewParser(engine.GetSupportedAssets(), ingestion.SyntheticDecimals)
	dispatcher := ingestion.NewDispatcher(parser, sequencer, metrics,
		observability.NewLogger("dispatcher"))

	// --- Start goroutines ---
	errChan := make(chan error, 16)
	spawn := func(name string, fn func(context.Context) error) {
		go func() {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	// 1. Sequencer: the only caller of the engine's mutating API
	spawn("sequencer", sequencer.Run)

	// 2. Persistence worker
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout,
		metrics, observability.NewLogger("persistence"))
	spawn("persistence", persistWorker.Run)

	// 3. Periodic snapshots
	snapshotter := persistence.NewSnapshotter(engine, db, cfg.SnapshotInterval, cfg.SnapshotKeep, metrics,
		observability.NewLogger("snapshotter"))
	snapshotDone := make(chan struct{})
	go func() {
		defer close(snapshotDone)
		if err := snapshotter.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("snapshotter: %w", err)
		}
	}()

	// 4. NATS: command ingestion, price updates, outbound records
	var (
		riskPublisher ingestion.StreamPublisher
		stopNATS      = func() {}
	)
	if cfg.NATSURL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		healthChecker.Register("nats", natsCheck(nc))

		stop, err := startNATS(ctx, js, dispatcher, feeds, publishChan, metrics, spawn)
		if err != nil {
			return err
		}
		stopNATS = stop
		riskPublisher = js
	} else {
		logger.Warn().Msg("NATS disabled, outbound records are discarded")
		spawn("publish-drain", func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-publishChan:
				}
			}
		})
	}

	// 5. Solvency monitor
	mon := monitor.NewMonitor(engine, monitor.Config{
		Interval:  cfg.MonitorInterval,
		Publisher: riskPublisher,
	}, metrics, observability.NewLogger("monitor"))
	spawn("monitor", mon.Run)

	// 6. gRPC server and HTTP/JSON gateway
	queries := query.NewQueryService(db, engine, metrics)
	service := server.NewEngineService(dispatcher, engine, queries, engine.SyntheticSymbol(),
		observability.NewLogger("service"))
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Service:       service,
		HealthChecker: healthChecker,
		Logger:        observability.NewLogger("server"),
	})
	spawn("grpc", grpcServer.StartGRPC)
	spawn("http", grpcServer.StartHTTPGateway)

	// 7. Prometheus metrics server
	spawn("metrics", func(ctx context.Context) error {
		return serveMetrics(ctx, cfg.MetricsAddr, registry, logger)
	})

	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", engine.Sequence()).
		Int("assets", len(assets)).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("CDPLedger ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake first, then let the persistence worker flush what the
	// engine already committed before taking the final snapshot.
	healthChecker.SetReady(false)
	stopNATS()
	drainPersist(persistChan, cfg.PersistFlushTimeout, logger)
	cancel()
	<-snapshotDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := snapshotter.Tick(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", engine.Sequence()).Msg("final snapshot saved")
	}

	logger.Info().Msg("CDPLedger shutdown complete")
	return runErr
}

// buildFeeds creates one price source per asset. Static feeds are seeded
// from the registry and kept current by the NATS price subscriber.
func buildFeeds(assets []config.AssetConfig, rc oracle.RedisConfig, logger zerolog.Logger) (map[string]oracle.PriceOracle, *redis.Client, error) {
	feeds := make(map[string]oracle.PriceOracle, len(assets))
	var (
		redisFeed   *oracle.RedisFeed
		redisClient *redis.Client
	)
	for _, a := range assets {
		switch a.Feed {
		case config.FeedRedis:
			if redisFeed == nil {
				var err error
				redisFeed, redisClient, err = oracle.NewRedisFeed(rc)
				if err != nil {
					return nil, nil, fmt.Errorf("asset %s: %w", a.Symbol, err)
				}
			}
			feeds[a.Symbol] = redisFeed
		default:
			answer, err := a.Answer()
			if err != nil {
				return nil, nil, fmt.Errorf("asset %s: %w", a.Symbol, err)
			}
			feed := oracle.NewFeed(oracle.DefaultDecimals, a.MaxAgeOr(0))
			feed.SetPrice(a.Symbol, answer)
			feeds[a.Symbol] = feed
		}
		logger.Info().Str("asset", a.Symbol).Uint8("decimals", a.Decimals).Str("feed", a.Feed).Msg("asset registered")
	}
	return feeds, redisClient, nil
}

func startNATS(
	ctx context.Context,
	js jetstream.JetStream,
	dispatcher *ingestion.Dispatcher,
	feeds map[string]oracle.PriceOracle,
	publishChan <-chan core.CoreOutput,
	metrics *observability.Metrics,
	spawn func(string, func(context.Context) error),
) (func(), error) {
	natsLogger := observability.NewLogger("nats")
	if err := ingestion.EnsureStreams(ctx, js, natsLogger); err != nil {
		return nil, fmt.Errorf("ensure NATS streams: %w", err)
	}

	commands := ingestion.NewNATSSubscriber(js, dispatcher, ingestion.DefaultSubscriberConfig(), metrics, natsLogger)
	if err := commands.Subscribe(ctx); err != nil {
		return nil, fmt.Errorf("subscribe commands: %w", err)
	}

	writers := make(map[string]oracle.PriceWriter)
	for symbol, feed := range feeds {
		if w, ok := feed.(oracle.PriceWriter); ok {
			writers[symbol] = w
		}
	}
	prices := ingestion.NewPriceSubscriber(js, writers, ingestion.DefaultSubscriberConfig(), metrics, natsLogger)
	if len(writers) > 0 {
		if err := prices.Subscribe(ctx); err != nil {
			commands.Stop()
			return nil, fmt.Errorf("subscribe prices: %w", err)
		}
	}

	publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, natsLogger)
	spawn("publisher", publisher.Run)

	return func() {
		commands.Stop()
		prices.Stop()
	}, nil
}

func natsCheck(nc *nats.Conn) observability.CheckFunc {
	return func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		srv.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// drainPersist waits until the persistence worker has emptied the channel,
// giving up after a bounded number of flush intervals.
func drainPersist(ch chan core.CoreOutput, flush time.Duration, logger zerolog.Logger) {
	if flush <= 0 {
		flush = 10 * time.Millisecond
	}
	deadline := time.Now().Add(10 * time.Second)
	for len(ch) > 0 && time.Now().Before(deadline) {
		time.Sleep(flush)
	}
	// One more interval so the last batch leaves the worker's buffer.
	time.Sleep(2 * flush)
	if n := len(ch); n > 0 {
		logger.Warn().Int("pending", n).Msg("persist channel not drained before shutdown")
	}
}
