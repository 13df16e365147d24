package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"RewardPool/internal/config"
	"RewardPool/internal/core"
	"RewardPool/internal/ingestion"
	"RewardPool/internal/observability"
	"RewardPool/internal/persistence"
	"RewardPool/internal/projection"
	"RewardPool/internal/query"
	"RewardPool/internal/scheduler"
	"RewardPool/internal/server"
	"RewardPool/internal/store"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	replayBatchSize = 1000
	warmKeysLimit   = 100_000
)

func main() {
	configPath := flag.String("config", "rewardpool.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLoggerWithLevel("rewardpool", observability.ParseLogLevel(cfg.LogLevel))
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("rewardpool stopped")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Str("backend", cfg.State.Backend).Msg("rewardpool starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxOpenConns / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	healthChecker.SetDependency("postgres", true)
	logger.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, logger.With().Str("component", "migrator").Logger())
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- State store ---
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// --- Channels ---
	// persist blocks (backpressure), projection drops
	persistChan := make(chan core.CoreOutput, cfg.Channels.Persist)
	projectionChan := make(chan core.CoreOutput, cfg.Channels.Projection)

	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	snapMgr := persistence.NewSnapshotManager(db, logger.With().Str("component", "snapshot").Logger())

	deterministicCore := core.NewDeterministicCore(st, persistChan, projectionChan, core.Config{
		LRUCapacity: cfg.Idempotency.LRUCapacity,
		DBChecker:   dbChecker,
		Metrics:     metrics,
		Logger:      observability.NewLoggerWithLevel("core", observability.ParseLogLevel(cfg.LogLevel)),
	})

	// --- Recovery ---
	if err := recoverState(ctx, deterministicCore, snapMgr, dbChecker, metrics, logger); err != nil {
		return err
	}
	if err := catchUpProjections(ctx, db, deterministicCore, logger); err != nil {
		return err
	}

	// --- NATS (optional) ---
	var (
		natsSubscriber *ingestion.NATSSubscriber
		publishChan    chan core.CoreOutput
		js             jetstream.JetStream
	)
	rawChan := make(chan ingestion.RawEvent, cfg.Channels.Ingest)
	if cfg.NATS.URL != "" {
		nc, stream, err := ingestion.ConnectNATS(cfg.NATS.URL, logger, func(up bool) {
			healthChecker.SetDependency("nats", up)
		})
		if err != nil {
			return err
		}
		defer nc.Close()
		js = stream

		if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
			return err
		}
		if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
			return err
		}
		natsSubscriber = ingestion.NewNATSSubscriber(js, rawChan, metrics, logger.With().Str("component", "nats").Logger())
		if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			return err
		}
		publishChan = make(chan core.CoreOutput, cfg.Channels.Publish)
	} else {
		logger.Warn().Msg("NATS disabled; commands arrive over gRPC and HTTP only")
	}

	errChan := make(chan error, 8)

	// 1. Persistence worker, forwarding durable outputs to the publisher
	workerCfg := persistence.WorkerConfig{
		BatchSize:    cfg.Persist.BatchSize,
		FlushTimeout: cfg.Persist.FlushTimeout,
		Metrics:      metrics,
		Logger:       logger.With().Str("component", "persistence").Logger(),
	}
	if publishChan != nil {
		workerCfg.Forward = publishChan
	}
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, workerCfg)
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		errChan <- persistWorker.Run(ctx)
	}()

	// 2. Projection worker
	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics, logger.With().Str("component", "projection").Logger())
	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	// 3. Outbound publisher
	if publishChan != nil {
		publisher := ingestion.NewOutboundPublisher(js, publishChan, logger.With().Str("component", "publisher").Logger())
		go func() {
			errChan <- publisher.Run(ctx)
		}()
	}

	// 4. Core loop: NATS and synchronous submissions
	submissions := make(chan ingestion.Submission)
	loop := ingestion.NewLoop(deterministicCore, ingestion.DefaultSubjects(), metrics, logger.With().Str("component", "ingest").Logger())
	go loop.Run(ctx, rawChan, submissions)

	// 5. gRPC server and HTTP gateway
	service := server.NewRewardPoolService(server.ServiceDeps{
		Live:   deterministicCore,
		Ingest: ingestion.NewGRPCIngestService(submissions),
		Query:  query.NewQueryService(db),
		Log:    snapMgr,
	})
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, service, healthChecker, metrics,
		logger.With().Str("component", "server").Logger())
	go func() {
		errChan <- grpcServer.StartGRPC(ctx)
	}()
	go func() {
		errChan <- grpcServer.StartHTTPGateway(ctx)
	}()

	// 6. Snapshots
	snapshotter := scheduler.NewSnapshotter(ctx, deterministicCore, snapMgr, cfg.Snapshot.MinEvents, metrics,
		logger.With().Str("component", "snapshotter").Logger())
	if err := snapshotter.Register(cfg.Snapshot.Cron); err != nil {
		return err
	}
	snapshotter.Start()

	// 7. Metrics server and channel gauges
	go func() {
		if err := serveMetrics(ctx, cfg.Server.MetricsAddr, logger); err != nil {
			errChan <- err
		}
	}()
	go reportChannels(ctx, metrics, map[string]chan core.CoreOutput{
		"persist":    persistChan,
		"projection": projectionChan,
		"publish":    publishChan,
	})

	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", deterministicCore.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("rewardpool ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	if natsSubscriber != nil {
		natsSubscriber.Stop()
	}
	snapshotter.Stop()
	cancel()

	// the persistence worker flushes its last batch on cancellation
	select {
	case <-persistDone:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("persistence worker did not finish in time")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := snapshotter.TakeNow(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else if _, err := snapMgr.VerifyPending(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("final snapshot verification failed")
	}

	logger.Info().Msg("rewardpool shutdown complete")
	return nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.State.Backend {
	case config.BackendLevelDB:
		st, err := store.OpenLevelStore(cfg.State.LevelDBPath, cfg.State.SyncWrites)
		if err != nil {
			return nil, fmt.Errorf("open leveldb: %w", err)
		}
		return st, nil
	default:
		return store.NewMemStore(), nil
	}
}

// recoverState restores the newest verified snapshot, or genesis, then
// replays the event log from there. The store is always reset first because
// a LevelDB store may hold writes that never reached the log.
func recoverState(
	ctx context.Context,
	c *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	dbChecker *persistence.PostgresIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	start := time.Now()

	snapState := &core.SnapshotState{Sequence: -1, StateHash: core.GenesisHash()}
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		if snapState, err = snap.State(); err != nil {
			return err
		}
		logger.Info().Int64("sequence", snap.Sequence).Msg("restoring snapshot")
	} else {
		logger.Info().Msg("no verified snapshot, replaying from genesis")
	}
	if err := c.RestoreFromSnapshot(snapState); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}

	keys, err := dbChecker.LoadRecentKeys(ctx, warmKeysLimit)
	if err != nil {
		logger.Warn().Err(err).Msg("idempotency warmup failed")
	} else {
		c.WarmLRU(keys)
	}

	var replayed int
	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, c.GetSequence(), replayBatchSize)
		if err != nil {
			return fmt.Errorf("load events from %d: %w", c.GetSequence(), err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return err
			}
			// Replay panics if the recomputed hash differs from the log
			if err := c.Replay(env); err != nil {
				return err
			}
			replayed++
		}
		logger.Debug().Int64("sequence", c.GetSequence()).Msg("replay progress")
	}

	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	logger.Info().
		Int("replayed", replayed).
		Int64("next_sequence", c.GetSequence()).
		Str("state_hash", fmt.Sprintf("%x", c.GetStateHash())).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return nil
}

// catchUpProjections rebuilds the read models when they lag the log.
func catchUpProjections(ctx context.Context, db *sql.DB, c *core.DeterministicCore, logger zerolog.Logger) error {
	watermark, err := projection.Watermark(ctx, db)
	if err != nil {
		return fmt.Errorf("projection watermark: %w", err)
	}
	head := c.GetSequence() - 1
	if watermark >= head {
		return nil
	}
	logger.Info().Int64("watermark", watermark).Int64("head", head).Msg("rebuilding projections")
	if err := projection.RebuildProjections(ctx, db, c, head, logger); err != nil {
		return fmt.Errorf("rebuild projections: %w", err)
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func reportChannels(ctx context.Context, metrics *observability.Metrics, channels map[string]chan core.CoreOutput) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, ch := range channels {
				if ch != nil {
					metrics.SetChannelMetrics(name, len(ch), cap(ch))
				}
			}
		}
	}
}
