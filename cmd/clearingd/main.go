package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"PerpClearing/internal/amm"
	"PerpClearing/internal/clearing"
	"PerpClearing/internal/config"
	"PerpClearing/internal/core"
	"PerpClearing/internal/event"
	"PerpClearing/internal/ingestion"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/observability"
	"PerpClearing/internal/oracle"
	"PerpClearing/internal/persistence"
	"PerpClearing/internal/projection"
	"PerpClearing/internal/query"
	"PerpClearing/internal/server"
)

// quoteOracleID prices the quote collateral at par.
const quoteOracleID = "usd-fixed"

func main() {
	logger := observability.NewLogger("clearingd")

	configPath := flag.String("config", os.Getenv("CLEARING_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db)
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}
	logger.Info().Msg("migrations applied")

	snapMgr := persistence.NewSnapshotManager(db)

	// --- Protocol assembly ---
	board := oracle.NewBoard()
	fixed := oracle.NewFixed()
	fixed.Set(quoteOracleID, new(big.Int).Set(fpmath.Q128))
	priceSource := &layeredOracle{fixed: fixed, board: board}

	exec := amm.NewVirtualExecutor()
	protocol := clearing.NewProtocol(exec, priceSource)
	protocol.RegisterCollateral(&clearing.CollateralSettings{
		CollateralID: protocol.Quote,
		OracleID:     quoteOracleID,
	})
	protocol.Liq.InsuranceFundFeeShareBps = cfg.Engine.InsuranceShareBps

	for _, m := range cfg.Markets {
		protocol.RegisterPool(&clearing.PoolSettings{
			PoolID:                    m.PoolID,
			OracleID:                  m.OracleID,
			InitialMarginRatioBps:     m.InitialMarginBps,
			MaintenanceMarginRatioBps: m.MaintenanceMarginBps,
			TwapDuration:              m.TwapDurationSeconds,
			IsCrossMargined:           m.IsCrossMargined,
		})
		board.Register(m.OracleID, m.TwapDurationSeconds)
		g, _ := protocol.Funding.Get(m.PoolID)
		exec.AddPool(m.PoolID, m.InitialTick, m.TickSpacing, m.FeeBps, m.TwapDurationSeconds,
			protocol.Ticks[m.PoolID], g)
		logger.Info().Str("pool", m.PoolID).Str("oracle", m.OracleID).Msg("market registered")
	}
	exec.BindMarkPrice(protocol.MarkPriceX128)

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Channels & engine ---
	persistChan := make(chan core.CoreOutput, cfg.Engine.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Engine.ProjectionChanSize)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	startSequence := int64(0)
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("load snapshot")
	}
	if snap != nil {
		startSequence = snap.Sequence + 1
		logger.Info().Int64("sequence", snap.Sequence).Msg("snapshot loaded")
	} else {
		logger.Info().Msg("no snapshot, cold start from sequence 0")
	}

	engine := core.NewDeterministicCore(startSequence, protocol, board,
		persistChan, projectionChan, dbChecker, metrics,
		cfg.Engine.IdempotencyLRUCapacity)

	if snap != nil {
		if err := persistence.RestoreSnapshot(snap, engine, protocol); err != nil {
			logger.Fatal().Err(err).Msg("restore snapshot")
		}
		logger.Info().Int("accounts", len(snap.Accounts)).Msg("state restored from snapshot")
	}

	errChan := make(chan error, 10)

	// Persistence and projection start before replay: replayed envelopes
	// re-persist idempotently through ON CONFLICT DO NOTHING.
	workerChan := make(chan core.CoreOutput, cfg.Engine.PersistChanSize)
	publishChan := make(chan ingestion.PublishableEvent, 4096)

	persistWorker := persistence.NewPersistenceWorker(db, workerChan,
		cfg.Engine.PersistBatchSize, cfg.PersistFlushTimeout(), metrics)
	go func() { errChan <- persistWorker.Run(ctx) }()

	fundingHistory := projection.NewFundingHistoryProjection(4096)
	projWorker := projection.NewProjectionWorker(db, projectionChan, fundingHistory)
	go func() { errChan <- projWorker.Run(ctx) }()

	go teeOutputs(ctx, persistChan, workerChan, publishChan)

	// --- Replay from the event log ---
	replayed, err := replayEvents(ctx, snapMgr, engine, exec, startSequence, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("event replay")
	}
	if replayed > 0 {
		logger.Info().Int64("events", replayed).Int64("sequence", engine.Sequence()).Msg("replay complete")
	}
	if snap != nil && replayed == 0 {
		actual := engine.StateHash()
		var expected [32]byte
		copy(expected[:], snap.StateHash)
		if actual != expected {
			logger.Fatal().
				Hex("expected", snap.StateHash).
				Hex("actual", actual[:]).
				Msg("state hash mismatch after restore")
		}
		logger.Info().Msg("state hash verified after restore")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	logger.Info().Str("url", cfg.NATS.URL).Msg("nats connected")

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure outbound stream")
	}

	rawEventChan := make(chan ingestion.RawEvent, 4096)
	subscriber := ingestion.NewNATSSubscriber(js, rawEventChan)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	publisher := ingestion.NewOutboundPublisher(js, publishChan)
	go func() { errChan <- publisher.Run(ctx) }()

	// --- Services & servers ---
	adminChan := make(chan event.Event, 1024)
	ingestService := ingestion.NewGRPCIngestService(adminChan)

	probeChan := make(chan marginProbe, 64)
	tokenDecimals := make(map[string]int32, len(cfg.Markets))
	for _, m := range cfg.Markets {
		tokenDecimals[m.PoolID] = m.TokenDecimals
	}
	queryService := query.NewQueryService(db, &coreMarginProber{requests: probeChan},
		cfg.Engine.QuoteDecimals, tokenDecimals)

	srv := server.NewServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.Deps{
		DB:            db,
		QueryService:  queryService,
		IngestService: ingestService,
		SnapshotMgr:   snapMgr,
		StartTime:     time.Now(),
		HealthChecker: healthChecker,
	})
	go func() { errChan <- srv.StartGRPC(ctx) }()
	go func() { errChan <- srv.StartHTTP(ctx) }()

	go func() { errChan <- serveMetrics(ctx, cfg.Server.MetricsAddr, logger) }()

	// --- Snapshot saver ---
	snapshotChan := make(chan *persistence.SnapshotData, 2)
	go runSnapshotSaver(ctx, snapshotChan, snapMgr, dbChecker, metrics, logger)

	// --- Core loop ---
	loop := &coreLoop{
		engine:           engine,
		exec:             exec,
		protocol:         protocol,
		rawEvents:        rawEventChan,
		adminEvents:      adminChan,
		probes:           probeChan,
		snapshotOut:      snapshotChan,
		snapshotInterval: cfg.Engine.SnapshotInterval,
		logger:           logger,
	}
	go loop.run(ctx)

	healthChecker.SetReady(true)
	srv.SetServing(true)
	logger.Info().
		Int64("sequence", engine.Sequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("clearingd ready")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	healthChecker.SetReady(false)
	srv.SetServing(false)
	subscriber.Stop()
	cancel()

	// Final snapshot from quiesced state.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	time.Sleep(500 * time.Millisecond) // let the core loop drain
	if engine.Sequence() > 0 {
		final := persistence.CaptureSnapshot(engine, protocol, hashSlice(engine.StateHash()), nil)
		if keys, err := dbChecker.RecentKeys(shutdownCtx, 10_000); err == nil {
			final.IdempotencyKeys = keys
		}
		if err := snapMgr.SaveSnapshot(shutdownCtx, final); err != nil {
			logger.Error().Err(err).Msg("final snapshot")
		} else if err := snapMgr.MarkVerified(shutdownCtx, final.Sequence); err != nil {
			logger.Warn().Err(err).Msg("mark final snapshot verified")
		} else {
			logger.Info().Int64("sequence", final.Sequence).Msg("final snapshot saved")
		}
	}

	logger.Info().Msg("shutdown complete")
}

// layeredOracle resolves fixed par-priced assets first, then feed TWAPs.
type layeredOracle struct {
	fixed *oracle.Fixed
	board *oracle.Board
}

func (o *layeredOracle) MarkPriceX128(id string, now int64) (*big.Int, error) {
	if p, err := o.fixed.MarkPriceX128(id, now); err == nil {
		return p, nil
	}
	return o.board.MarkPriceX128(id, now)
}

// marginProbe is a live solvency question answered on the engine goroutine.
type marginProbe struct {
	accountID uint64
	resp      chan marginProbeResult
}

type marginProbeResult struct {
	marketValue       *big.Int
	initialMargin     *big.Int
	maintenanceMargin *big.Int
	err               error
}

type coreMarginProber struct {
	requests chan<- marginProbe
}

func (p *coreMarginProber) AccountMargin(ctx context.Context, accountID uint64) (*big.Int, *big.Int, *big.Int, error) {
	probe := marginProbe{accountID: accountID, resp: make(chan marginProbeResult, 1)}
	select {
	case p.requests <- probe:
	case <-ctx.Done():
		return nil, nil, nil, ctx.Err()
	}
	select {
	case r := <-probe.resp:
		return r.marketValue, r.initialMargin, r.maintenanceMargin, r.err
	case <-ctx.Done():
		return nil, nil, nil, ctx.Err()
	}
}

// coreLoop owns the engine goroutine: every ledger mutation and every
// ledger read runs here, in arrival order.
type coreLoop struct {
	engine           *core.DeterministicCore
	exec             *amm.VirtualExecutor
	protocol         *clearing.Protocol
	rawEvents        <-chan ingestion.RawEvent
	adminEvents      <-chan event.Event
	probes           <-chan marginProbe
	snapshotOut      chan<- *persistence.SnapshotData
	snapshotInterval int64
	logger           zerolog.Logger

	subjectTypes map[string]string
	processed    int64
}

func (cl *coreLoop) run(ctx context.Context) {
	cl.subjectTypes = make(map[string]string)
	for _, sc := range ingestion.DefaultSubjects() {
		prefix := sc.Subject
		if len(prefix) > 2 && prefix[len(prefix)-2:] == ".>" {
			prefix = prefix[:len(prefix)-2]
		}
		cl.subjectTypes[prefix] = sc.EventType
	}

	for {
		select {
		case <-ctx.Done():
			return

		case raw, ok := <-cl.rawEvents:
			if !ok {
				return
			}
			cl.handleRaw(raw)

		case evt, ok := <-cl.adminEvents:
			if !ok {
				return
			}
			cl.apply(evt)

		case probe := <-cl.probes:
			probe.resp <- cl.answerProbe(probe.accountID)
		}
	}
}

// handleRaw parses and applies one NATS message. Messages are acked once
// parsed: unparseable events are acked too, so they do not redeliver
// forever, and rejections (dedup, gaps, margin) are terminal by design.
func (cl *coreLoop) handleRaw(raw ingestion.RawEvent) {
	eventType := cl.resolveEventType(raw.Subject)
	if eventType == "" {
		cl.logger.Warn().Str("subject", raw.Subject).Msg("unknown subject")
		raw.AckFunc()
		return
	}

	evt, err := ingestion.ParseRawEvent(raw, eventType)
	if err != nil {
		cl.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse event")
		raw.AckFunc()
		return
	}
	raw.AckFunc()
	cl.apply(evt)
}

func (cl *coreLoop) apply(evt event.Event) {
	cl.exec.Advance(event.TimestampOf(evt).Unix())
	if err := cl.engine.ProcessEvent(evt); err != nil {
		cl.logger.Warn().
			Err(err).
			Str("type", evt.EventType().String()).
			Str("key", evt.IdempotencyKey()).
			Msg("event rejected")
		return
	}

	cl.processed++
	if cl.snapshotInterval > 0 && cl.processed%cl.snapshotInterval == 0 {
		snap := persistence.CaptureSnapshot(cl.engine, cl.protocol, hashSlice(cl.engine.StateHash()), nil)
		select {
		case cl.snapshotOut <- snap:
		default:
			// A save is already in flight; skip this interval.
		}
	}
}

func (cl *coreLoop) answerProbe(accountID uint64) marginProbeResult {
	now := time.Now().Unix()
	ledger := cl.engine.Ledger()

	mv, im, err := ledger.AccountValueAndRequiredMargin(accountID, clearing.MarginInitial, now)
	if err != nil {
		return marginProbeResult{err: err}
	}
	_, mm, err := ledger.AccountValueAndRequiredMargin(accountID, clearing.MarginMaintenance, now)
	if err != nil {
		return marginProbeResult{err: err}
	}
	return marginProbeResult{marketValue: mv, initialMargin: im, maintenanceMargin: mm}
}

func (cl *coreLoop) resolveEventType(subject string) string {
	best := ""
	bestType := ""
	for prefix, et := range cl.subjectTypes {
		if len(subject) >= len(prefix) && subject[:len(prefix)] == prefix && len(prefix) > len(best) {
			best = prefix
			bestType = et
		}
	}
	return bestType
}

// teeOutputs forwards core outputs to the persistence worker and mirrors
// them, non-blocking, to the outbound publisher.
func teeOutputs(
	ctx context.Context,
	in <-chan core.CoreOutput,
	persistOut chan<- core.CoreOutput,
	publishOut chan<- ingestion.PublishableEvent,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-in:
			if !ok {
				return
			}
			select {
			case persistOut <- out:
			case <-ctx.Done():
				return
			}

			env := out.Envelope
			select {
			case publishOut <- ingestion.PublishableEvent{
				Sequence:       env.Sequence,
				EventType:      env.EventType.String(),
				IdempotencyKey: env.IdempotencyKey,
				PoolID:         env.PoolID,
				Payload:        json.RawMessage(env.Payload),
				StateHash:      env.StateHash[:],
				Timestamp:      env.Timestamp,
			}:
			default:
				// Publishing is best effort; consumers replay from the log.
			}
		}
	}
}

// replayEvents drives the engine through the persisted log from
// fromSequence to the head.
func replayEvents(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	engine *core.DeterministicCore,
	exec *amm.VirtualExecutor,
	fromSequence int64,
	logger zerolog.Logger,
) (int64, error) {
	const batchSize = 1000
	var total int64

	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, fromSequence, batchSize)
		if err != nil {
			return total, fmt.Errorf("load events from %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			return total, nil
		}

		for _, row := range rows {
			raw := ingestion.RawEvent{Subject: row.EventType, Data: row.Payload}
			evt, err := ingestion.ParseRawEvent(raw, row.EventType)
			if err != nil {
				logger.Warn().Err(err).Int64("sequence", row.Sequence).Msg("skip unparseable event")
				continue
			}
			exec.Advance(event.TimestampOf(evt).Unix())
			if err := engine.ProcessEvent(evt); err != nil {
				logger.Debug().Err(err).Int64("sequence", row.Sequence).Msg("replay skip")
			}
			total++
		}
		fromSequence = rows[len(rows)-1].Sequence + 1
	}
}

// runSnapshotSaver persists captured snapshots off the engine goroutine.
func runSnapshotSaver(
	ctx context.Context,
	in <-chan *persistence.SnapshotData,
	snapMgr *persistence.SnapshotManager,
	dbChecker *persistence.PostgresIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-in:
			if !ok {
				return
			}
			start := time.Now()
			if keys, err := dbChecker.RecentKeys(ctx, 10_000); err == nil {
				snap.IdempotencyKeys = keys
			}
			if err := snapMgr.SaveSnapshot(ctx, snap); err != nil {
				logger.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("save snapshot")
				continue
			}
			if err := snapMgr.MarkVerified(ctx, snap.Sequence); err != nil {
				logger.Warn().Err(err).Msg("mark snapshot verified")
			}
			if metrics != nil {
				metrics.SnapshotTaken.Inc()
				metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
				metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
			}
			logger.Info().Int64("sequence", snap.Sequence).Msg("snapshot saved")
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func hashSlice(h [32]byte) []byte {
	out := make([]byte, 32)
	copy(out, h[:])
	return out
}
