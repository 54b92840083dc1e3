package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"DerivLedger/internal/config"
	"DerivLedger/internal/core"
	"DerivLedger/internal/ingestion"
	"DerivLedger/internal/observability"
	"DerivLedger/internal/persistence"
	"DerivLedger/internal/projection"
	"DerivLedger/internal/query"
	"DerivLedger/internal/server"
	"DerivLedger/internal/synthetic"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLoggerWithLevel("derivledger", observability.ParseLevel(cfg.LogLevel))

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("DerivLedger stopped")
	}
	logger.Info().Msg("DerivLedger shutdown complete")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Msg("DerivLedger starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Database.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Database.MigrationsDir, logger)
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	snapMgr := persistence.NewSnapshotManager(db)

	// --- Deterministic core ---
	genesis, err := cfg.CoreGenesis()
	if err != nil {
		return err
	}
	persistChan := make(chan core.CoreOutput, cfg.Pipeline.PersistChanSize)
	deterministicCore, err := core.NewDeterministicCore(
		genesis,
		0,
		persistChan,
		nil, // projections are fed after commit
		nil, // durable idempotency tier attaches after replay
		metrics,
		logger.With().Str("component", "core").Logger(),
	)
	if err != nil {
		return fmt.Errorf("build core: %w", err)
	}
	if err := registerSynthetics(cfg, deterministicCore, logger); err != nil {
		return err
	}

	// --- Recovery: snapshot + replay ---
	if err := recoverState(ctx, deterministicCore, snapMgr, metrics, logger); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	deterministicCore.ConfigureIdempotency(cfg.Pipeline.IdempotencyLRUCapacity, persistence.NewPostgresIdempotencyChecker(db))

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
	if err != nil {
		return err
	}
	defer nc.Close()
	logger.Info().Str("url", cfg.NATS.URL).Msg("NATS connected")

	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}

	var publisher *ingestion.OutboundPublisher
	if cfg.NATS.Publish {
		if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
			return fmt.Errorf("ensure outbound stream: %w", err)
		}
		publisher = ingestion.NewOutboundPublisher(js, cfg.NATS.PubQueue, metrics, logger)
	}

	rawEventChan := make(chan ingestion.RawEvent, 4096)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan, logger)
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects(cfg.NATS.Durable)); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	submissions := make(chan ingestion.Submission, 4096)

	// --- Workers fed from the durable log ---
	projectionChan := make(chan core.CoreOutput, cfg.Pipeline.ProjectionChanSize)
	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics, logger)

	persistWorker := persistence.NewPersistenceWorker(
		db, persistChan, cfg.Pipeline.PersistBatchSize, cfg.Pipeline.PersistFlushTimeout, metrics,
		logger.With().Str("component", "persistence").Logger(),
	)
	persistWorker.OnCommitted(func(outs []core.CoreOutput) {
		if publisher != nil {
			publisher.Enqueue(outs)
		}
		for _, out := range outs {
			select {
			case projectionChan <- out:
			default:
				metrics.ProjectionDrops.WithLabelValues("commit").Inc()
			}
		}
		metrics.SetChannelMetrics("projection", len(projectionChan), cap(projectionChan))
	})

	// --- Services ---
	queryService := query.NewQueryService(db, deterministicCore)
	ingestService := ingestion.NewGRPCIngestService(submissions, metrics)

	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		DB:            db,
		QueryService:  queryService,
		IngestService: ingestService,
		SnapshotMgr:   snapMgr,
		TakeSnapshot: func(ctx context.Context) (int64, error) {
			return takeSnapshot(ctx, deterministicCore, snapMgr, metrics)
		},
		StartTime:     time.Now(),
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        logger,
		RateLimit:     cfg.Server.HTTPRateLimit,
		RateBurst:     cfg.Server.HTTPRateBurst,
	})

	// --- Start goroutines ---
	errChan := make(chan error, 10)

	// Persistence outlives the ingestion context so the final batch flushes
	// before the shutdown snapshot.
	persistCtx, persistCancel := context.WithCancel(context.Background())
	defer persistCancel()
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(persistCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	go func() {
		errChan <- ignoreCanceled(projWorker.Run(ctx))
	}()

	if publisher != nil {
		go func() {
			errChan <- ignoreCanceled(publisher.Run(ctx))
		}()
	}

	go func() {
		errChan <- ignoreCanceled(ingestion.Route(ctx, rawEventChan, submissions, metrics, logger))
	}()

	coreDone := make(chan struct{})
	go func() {
		defer close(coreDone)
		errChan <- ignoreCanceled(ingestion.RunCoreLoop(ctx, submissions, deterministicCore, metrics, logger))
	}()

	go func() {
		errChan <- grpcServer.StartGRPC(ctx)
	}()

	go func() {
		errChan <- grpcServer.StartHTTPGateway(ctx)
	}()

	go runPeriodicSnapshots(ctx, deterministicCore, snapMgr, cfg.Pipeline.SnapshotInterval, metrics, logger)

	go func() {
		if err := serveMetrics(ctx, cfg.Server.MetricsAddr, logger); err != nil {
			errChan <- err
		}
	}()

	healthChecker.AddProbe("postgres", db.PingContext)
	healthChecker.AddProbe("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats not connected")
		}
		return nil
	})
	healthChecker.SetReady(true)

	logger.Info().
		Int64("sequence", deterministicCore.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("DerivLedger ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-waitErr(errChan):
		logger.Error().Err(runErr).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown: stop intake, drain the core, flush, snapshot ---
	healthChecker.SetReady(false)
	natsSubscriber.Stop()
	cancel()
	<-coreDone

	persistCancel()
	<-persistDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if seq, err := takeSnapshot(shutdownCtx, deterministicCore, snapMgr, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}
	return runErr
}

// waitErr forwards the first non-nil error from errChan.
func waitErr(errChan <-chan error) <-chan error {
	out := make(chan error, 1)
	go func() {
		for err := range errChan {
			if err != nil {
				out <- err
				return
			}
		}
	}()
	return out
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func registerSynthetics(cfg *config.Config, c *core.DeterministicCore, logger zerolog.Logger) error {
	specs, err := cfg.Synthetics()
	if err != nil {
		return err
	}
	for _, s := range specs {
		var v synthetic.Valuator
		switch s.Kind {
		case config.KindPooledOptionCall:
			v = synthetic.NewPooledOptionCall(s.Author, s.Commission)
		default:
			v = synthetic.NewOptionCall(s.Author, s.Commission)
		}
		if err := c.RegisterSynthetic(s.ID, v); err != nil {
			return fmt.Errorf("register synthetic %s: %w", s.ID.Hex(), err)
		}
		logger.Info().
			Str("id", s.ID.Hex()).
			Str("kind", string(s.Kind)).
			Str("author", s.Author.Hex()).
			Uint32("commission", s.Commission).
			Msg("synthetic registered")
	}
	return nil
}

// recoverState restores the latest verified snapshot and replays the event
// log after it. Every replayed envelope must land on the logged sequence,
// status and state hash.
func recoverState(
	ctx context.Context,
	c *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	start := time.Now()
	from := int64(0)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return err
	}
	if snap != nil {
		if err := c.RestoreFromSnapshot(snap); err != nil {
			return fmt.Errorf("restore snapshot at %d: %w", snap.Sequence, err)
		}
		from = snap.Sequence + 1
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, replaying from genesis")
	}

	var replayed int64
	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if err := replayRow(c, row); err != nil {
				return err
			}
			replayed++
			metrics.ReplayEventsTotal.Inc()
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	metrics.ReplayDuration.Set(time.Since(start).Seconds())
	metrics.CoreSequence.Set(float64(c.GetSequence() - 1))
	logger.Info().
		Int64("replayed", replayed).
		Int64("next_sequence", c.GetSequence()).
		Dur("took", time.Since(start)).
		Msg("replay complete")
	return nil
}

func replayRow(c *core.DeterministicCore, row persistence.EventRow) error {
	cmd, err := ingestion.ParseCommand(row.EventType, row.Payload)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", row.Sequence, err)
	}
	cmd.Stamp(uint64(row.Timestamp))
	env, err := c.ReplayEvent(cmd)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", row.Sequence, err)
	}
	if env == nil {
		return fmt.Errorf("replay seq %d: logged command reported as duplicate", row.Sequence)
	}
	if env.Sequence != row.Sequence {
		return fmt.Errorf("replay seq %d: core assigned %d", row.Sequence, env.Sequence)
	}
	if int16(env.Status) != row.Status {
		return fmt.Errorf("replay seq %d: status %s differs from the log", row.Sequence, env.Status)
	}
	if !bytes.Equal(env.StateHash[:], row.StateHash) {
		return fmt.Errorf("replay seq %d: state hash mismatch, logged %x, got %x", row.Sequence, row.StateHash, env.StateHash)
	}
	return nil
}

// runPeriodicSnapshots takes a snapshot every interval sequences.
func runPeriodicSnapshots(
	ctx context.Context,
	c *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	lastSnapshotSeq := c.GetSequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentSeq := c.GetSequence()
			if currentSeq-lastSnapshotSeq < interval {
				continue
			}
			seq, err := takeSnapshot(ctx, c, snapMgr, metrics)
			if err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSnapshotSeq = currentSeq
			logger.Info().Int64("sequence", seq).Msg("periodic snapshot")
		}
	}
}

// takeSnapshot saves the live state and marks it verified once the event
// at its sequence is durable with the same state hash.
func takeSnapshot(
	ctx context.Context,
	c *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) (int64, error) {
	start := time.Now()

	snap := c.CreateSnapshotState()
	if snap.Sequence < 0 {
		return -1, errors.New("nothing processed yet")
	}

	size, err := snapMgr.SaveSnapshot(ctx, snap)
	if err != nil {
		return 0, err
	}

	verified := false
	for attempt := 0; attempt < 10 && !verified; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}
		if verified, err = snapMgr.VerifySnapshot(ctx, snap.Sequence); err != nil {
			return 0, err
		}
	}
	if !verified {
		return 0, fmt.Errorf("snapshot at %d does not match the event log", snap.Sequence)
	}

	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotSizeBytes.Set(float64(size))
	metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	return snap.Sequence, nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
