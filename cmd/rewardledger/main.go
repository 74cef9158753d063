package main

import (
	"RewardLedger/internal/blobstore"
	"RewardLedger/internal/config"
	"RewardLedger/internal/epoch"
	"RewardLedger/internal/ingestion"
	"RewardLedger/internal/observability"
	"RewardLedger/internal/persistence"
	"RewardLedger/internal/projection"
	"RewardLedger/internal/query"
	"RewardLedger/internal/server"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
)

const usage = `Usage: rewardledger [flags] <command>

Commands:
  run       compute and finalize the program's epoch
  compute   compute the program's epoch and store the draft
  finalize  finalize a computed epoch (--epoch)
  rebuild   rebuild the distribution rows from finalized artifacts
  serve     serve the claim API

Flags:
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	envFileFlag := flag.String("env-file", ".env", "dotenv file loaded before reading REWARD_* variables")
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Program
	programFlag := flag.String("program", "", "program YAML file (or set REWARD_PROGRAM_PATH env var)")
	programNameFlag := flag.String("program-name", "", "program to load from the blob store when --program is empty (or set REWARD_PROGRAM_NAME env var)")
	epochFlag := flag.Int64("epoch", -1, "epoch to finalize")

	// Engine and servers
	workersFlag := flag.Int("workers", 0, "worker goroutines for processing and hashing (or set REWARD_WORKERS env var)")
	httpAddrFlag := flag.String("http-addr", "", "claim API listen address (or set REWARD_HTTP_ADDR env var)")
	metricsAddrFlag := flag.String("metrics-addr", "", "metrics listen address for batch commands (or set REWARD_METRICS_ADDR env var)")

	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return errors.New("exactly one command is required")
	}
	command := flag.Arg(0)

	cfg, err := config.Load(*envFileFlag)
	if err != nil {
		return err
	}

	// Flags win over the environment
	if flag.CommandLine.Changed("program") {
		cfg.ProgramPath = *programFlag
	}
	if flag.CommandLine.Changed("program-name") {
		cfg.ProgramName = *programNameFlag
	}
	if flag.CommandLine.Changed("workers") {
		if *workersFlag < 1 {
			return fmt.Errorf("--workers must be positive, got %d", *workersFlag)
		}
		cfg.Workers = *workersFlag
	}
	if flag.CommandLine.Changed("http-addr") {
		cfg.HTTPAddr = *httpAddrFlag
	}
	if flag.CommandLine.Changed("metrics-addr") {
		cfg.MetricsAddr = *metricsAddrFlag
	}

	if *verboseFlag {
		os.Setenv("REWARD_LOG_LEVEL", "debug")
	}
	log := observability.NewLogger("rewardledger")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "run", "compute":
		return runEpoch(ctx, cfg, log, command == "compute")
	case "finalize":
		if *epochFlag < 0 {
			return errors.New("--epoch is required for finalize")
		}
		return finalizeEpoch(ctx, cfg, log, *epochFlag)
	case "rebuild":
		return rebuildRows(ctx, cfg, log)
	case "serve":
		return serve(ctx, cfg, log)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// app is the wiring shared by the batch commands.
type app struct {
	db      *sql.DB
	nc      *nats.Conn
	blobs   blobstore.Store
	metrics *observability.Metrics
	health  *observability.HealthChecker
	runner  *epoch.Runner
}

func (a *app) Close() {
	if a.nc != nil {
		a.nc.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func newApp(ctx context.Context, cfg config.Config, log zerolog.Logger) (*app, error) {
	a := &app{
		metrics: observability.NewMetrics(),
		health:  observability.NewHealthChecker(),
	}

	db, err := openDB(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, err
	}
	a.db = db
	log.Info().Msg("Postgres connected")

	if err := persistence.NewMigrator(db, log).Up(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.nc = nc
	log.Info().Str("url", cfg.NATSURL).Msg("NATS connected")

	if err := ingestion.EnsureStream(ctx, js, cfg.NATSStream, log); err != nil {
		a.Close()
		return nil, err
	}
	if err := ingestion.EnsureNoticeStream(ctx, js, log); err != nil {
		a.Close()
		return nil, err
	}

	if a.blobs, err = openBlobStore(ctx, cfg, log); err != nil {
		a.Close()
		return nil, err
	}

	ingestLog := persistence.NewIngestLog(db, cfg.FetchBatchSize)
	source := ingestion.NewNATSSource(js, ingestion.SourceConfig{
		Stream:    cfg.NATSStream,
		BatchSize: cfg.FetchBatchSize,
		MaxWait:   cfg.FetchTimeout,
	}, ingestLog, a.metrics, observability.NewLogger("ingestion"))

	a.runner = epoch.NewRunner(epoch.Deps{
		Source:      source,
		Checkpoints: persistence.NewCheckpointStore(db),
		Epochs:      persistence.NewEpochStore(db),
		Ingest:      ingestLog,
		Blobs:       a.blobs,
		Projector:   projection.NewProjector(db, observability.NewLogger("projection")),
		Notifier:    ingestion.NewPublisher(js, observability.NewLogger("publisher")),
		Metrics:     a.metrics,
		Health:      a.health,
		Logger:      observability.NewLogger("epoch"),
	}, epoch.Options{
		Workers:    cfg.Workers,
		BlobPrefix: cfg.BlobPrefix,
		Retry:      persistence.DefaultRetryPolicy,
	})
	return a, nil
}

func runEpoch(ctx context.Context, cfg config.Config, log zerolog.Logger, computeOnly bool) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	go serveMetrics(ctx, cfg.MetricsAddr, log)

	program, err := loadProgram(ctx, cfg, a.blobs, log)
	if err != nil {
		return err
	}
	log.Info().
		Str("program", program.Name).
		Int64("epoch", program.Epoch).
		Int64("start", program.StartTimestamp).
		Int64("end", program.EndTimestamp).
		Int("workers", cfg.Workers).
		Msg("starting epoch")

	if computeOnly {
		res, err := a.runner.Compute(ctx, program)
		if err != nil {
			return err
		}
		log.Info().
			Int("users", res.Output.Metadata.TotalUsers).
			Str("total_amount", res.Output.Metadata.TotalAmount).
			Msg("draft stored; finalize with --epoch")
		return nil
	}

	out, err := a.runner.Run(ctx, program)
	if err != nil {
		return err
	}
	log.Info().
		Str("merkle_root", *out.Metadata.MerkleRoot).
		Int("users", out.Metadata.TotalUsers).
		Msg("epoch done")
	return nil
}

func finalizeEpoch(ctx context.Context, cfg config.Config, log zerolog.Logger, n int64) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	go serveMetrics(ctx, cfg.MetricsAddr, log)

	_, err = a.runner.Finalize(ctx, n)
	return err
}

func rebuildRows(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	db, err := openDB(ctx, cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := persistence.NewMigrator(db, log).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return projection.NewProjector(db, log).Rebuild(ctx)
}

func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	db, err := openDB(ctx, cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := persistence.NewMigrator(db, log).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()
	health.Register("postgres", db.PingContext)

	if latest, err := persistence.NewEpochStore(db).LatestFinalized(ctx); err != nil {
		log.Warn().Err(err).Msg("could not read latest finalized epoch")
	} else {
		health.SetLastFinalizedEpoch(latest)
	}

	srv := server.NewHTTPServer(cfg.HTTPAddr, &server.ServerDeps{
		Queries:       query.NewQueryService(db),
		HealthChecker: health,
		Metrics:       metrics,
		CORSOrigins:   splitOrigins(cfg.CORSOrigins),
		Logger:        observability.NewLogger("http"),
	})

	health.SetReady(true)
	err = srv.Start(ctx)
	log.Info().Msg("RewardLedger stopped")
	return err
}

func openDB(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

func openBlobStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (blobstore.Store, error) {
	if cfg.BlobBucket == "" {
		log.Warn().Msg("REWARD_BLOB_BUCKET not set, artifacts are kept in memory only")
		return blobstore.NewMemoryStore(), nil
	}
	store, err := blobstore.NewS3Store(ctx, blobstore.S3Config{
		Bucket:   cfg.BlobBucket,
		Region:   cfg.BlobRegion,
		Endpoint: cfg.BlobEndpoint,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("bucket", cfg.BlobBucket).Str("prefix", cfg.BlobPrefix).Msg("blob store ready")
	return store, nil
}

// loadProgram reads the program file and archives the exact bytes used in the blob
// store, or, without a file, reads the latest archived version by name.
func loadProgram(ctx context.Context, cfg config.Config, blobs blobstore.Store, log zerolog.Logger) (*config.Program, error) {
	if cfg.ProgramPath != "" {
		program, err := config.LoadProgram(cfg.ProgramPath)
		if err != nil {
			return nil, err
		}
		data, err := program.Marshal()
		if err != nil {
			return nil, fmt.Errorf("marshal program: %w", err)
		}
		key := blobstore.ProgramKey(cfg.BlobPrefix, program.Name)
		version, err := blobs.Put(ctx, key, data, "application/yaml")
		if err != nil {
			return nil, fmt.Errorf("archive program: %w", err)
		}
		log.Info().Str("key", key).Str("version", version).Msg("archived program")
		return program, nil
	}

	data, err := blobs.Get(ctx, blobstore.ProgramKey(cfg.BlobPrefix, cfg.ProgramName))
	if err != nil {
		return nil, fmt.Errorf("load program %q: %w", cfg.ProgramName, err)
	}
	return config.ParseProgram(data)
}

func serveMetrics(ctx context.Context, addr string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn().Err(err).Msg("metrics server stopped")
	}
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
