// Package runner assembles the ingestion worker: blob store, orchestrator,
// run reporting, the workflow runner and the HTTP surface.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/config"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/dbosruntime"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/dedupe"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/handlers"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/ingest"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/jobs"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/metrics"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/retrieval"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/storage"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/workflows"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/pkg/pipeline"
)

// Config holds the configuration for initializing the pipeline runner
type Config struct {
	DatabaseURL        string // DBOS PostgreSQL connection string; empty runs in-process
	AppName            string // Application name for DBOS
	QueueName          string // DBOS queue name
	Concurrency        int    // Number of concurrent ingestion workflows
	ApplicationVersion string // Optional: Override binary hash for version matching

	StorageDir         string // Filesystem blob store root, used when GCSBucket is empty
	GCSBucket          string
	GCSCredentialsJSON string
	ContentAPIURL      string // Read source workbooks from the content API instead of the blob store
	RedisAddress       string // Optional: cross-worker locks and run statuses
}

func (c Config) resolve() (config.Config, error) {
	cfg := config.Defaults()
	cfg.DBOSDatabaseURL = c.DatabaseURL
	cfg.DBOSAppVersion = c.ApplicationVersion
	cfg.RedisAddress = c.RedisAddress
	if c.QueueName != "" {
		cfg.DBOSQueueName = c.QueueName
	}
	if c.Concurrency > 0 {
		cfg.WorkerConcurrency = c.Concurrency
	}
	if c.StorageDir != "" {
		cfg.StorageDir = c.StorageDir
	}
	if c.GCSBucket != "" {
		cfg.StorageBackend = config.StorageGCS
		cfg.GCSBucket = c.GCSBucket
		cfg.GCSCredentialsJSON = c.GCSCredentialsJSON
	}
	if c.ContentAPIURL != "" {
		cfg.SourceBackend = config.SourceContentAPI
		cfg.ContentAPIURL = c.ContentAPIURL
	}
	return cfg, cfg.Validate()
}

// Runner provides a high-level API for running ingestion workflows, via
// DBOS when a database is configured.
type Runner struct {
	cfg     config.Config
	appName string
	logger  logrus.FieldLogger

	store     storage.BlobStore
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	rdb       redis.UniversalClient
	reporter  *jobs.Reporter
	runtime   *dbosruntime.Runtime
	runner    *workflows.WorkflowRunner
	ledger    dedupe.Ledger
	retrieval *retrieval.Service
	closers   []func()
}

// New creates and launches a runner from library configuration.
func New(cfg Config) (*Runner, error) {
	resolved, err := cfg.resolve()
	if err != nil {
		return nil, err
	}
	r, err := NewFromConfig(context.Background(), resolved, cfg.AppName, logrus.StandardLogger())
	if err != nil {
		return nil, err
	}
	if err := r.Launch(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// NewFromConfig assembles a runner from process configuration. Call Launch
// before serving.
func NewFromConfig(ctx context.Context, cfg config.Config, appName string, logger logrus.FieldLogger) (_ *Runner, err error) {
	r := &Runner{
		cfg:      cfg,
		appName:  appName,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			r.Close()
		}
	}()

	r.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.metrics = metrics.New(r.registry)

	store, closeStore, err := cfg.OpenStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	r.store = store
	r.closers = append(r.closers, closeStore)
	if fs, ok := store.(*storage.FilesystemStorage); ok && fs.EphemeralSecret() {
		logger.Warn("URL_SIGNING_SECRET is not set; signed blob URLs will not survive a restart")
	}

	source, closeSource, err := cfg.OpenSource(store)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	r.closers = append(r.closers, closeSource)

	var (
		locker  ingest.Locker = ingest.NewLocalLocker(cfg.LockWait)
		tracker jobs.Tracker  = jobs.NewMemoryTracker()
		notify  jobs.Notifier = jobs.NopNotifier{}
	)
	if cfg.RedisAddress != "" {
		r.rdb = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddress}})
		r.closers = append(r.closers, func() { _ = r.rdb.Close() })
		if err := r.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddress, err)
		}
		locker = ingest.NewRedisLocker(r.rdb, 0, cfg.LockWait, logger)
		tracker = jobs.NewRedisTracker(r.rdb, jobs.DefaultStatusTTL)
	}
	if cfg.PubSubProjectID != "" {
		n, err := jobs.NewPubSubNotifier(ctx, cfg.PubSubProjectID, cfg.PubSubTopic, cfg.GCSCredentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("open pubsub notifier: %w", err)
		}
		r.closers = append(r.closers, func() { _ = n.Close() })
		notify = n
	}

	r.retrieval = retrieval.NewService(store, retrieval.Config{SignedURLTTL: cfg.SignedURLTTL}, logger, r.metrics)
	r.reporter = jobs.NewReporter(tracker, notify, logger)
	r.reporter.OnFinish(func(s pipeline.RunStatus) {
		if s.State == pipeline.RunSucceeded {
			r.retrieval.Invalidate(s.EstimationID)
		}
	})

	orch := ingest.New(source, store, cfg.Ingest(),
		ingest.WithLogger(logger),
		ingest.WithMetrics(r.metrics),
		ingest.WithLocker(locker),
		ingest.WithProgress(r.reporter.Progress),
	)

	if cfg.DBOSDatabaseURL != "" {
		r.runtime, err = dbosruntime.NewRuntime(ctx, dbosruntime.Config{
			DatabaseURL:        cfg.DBOSDatabaseURL,
			AppName:            appName,
			QueueName:          cfg.DBOSQueueName,
			Concurrency:        cfg.WorkerConcurrency,
			ApplicationVersion: cfg.DBOSAppVersion,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize DBOS: %w", err)
		}
	}

	r.runner = workflows.NewWorkflowRunner(r.runtime, r.reporter, logger)
	wf := workflows.NewIngestionWorkflow(orch, r.reporter, logger)
	r.runner.Register(pipeline.JobIngest, wf)
	logger.WithFields(logrus.Fields{"workflow": wf.Name(), "job": pipeline.JobIngest}).Info("Registered workflow")

	r.ledger = dedupe.NewMemoryLedger()
	if r.runtime != nil {
		t, err := dedupe.NewTracker(ctx, r.runtime.DB(), logger)
		if err != nil {
			return nil, err
		}
		r.ledger = t
	}
	return r, nil
}

// Launch starts the DBOS runtime and workers. Workflows are already
// registered. It is a no-op in in-process mode.
func (r *Runner) Launch() error {
	if r.runtime == nil {
		return nil
	}
	if err := r.runtime.Launch(); err != nil {
		return fmt.Errorf("failed to launch DBOS: %w", err)
	}
	r.logger.WithFields(logrus.Fields{
		"queue":       r.runtime.QueueName(),
		"concurrency": r.runtime.Concurrency(),
	}).Info("DBOS runtime initialized")
	return nil
}

// Handler returns the HTTP surface.
func (r *Runner) Handler() http.Handler {
	rc := handlers.RouterConfig{
		Retrieval:      handlers.NewRetrievalHandler(r.retrieval),
		Async:          handlers.NewAsyncHandler(r.runner, r.store, r.ledger, r.logger),
		Metrics:        r.metrics,
		Gatherer:       r.registry,
		Logger:         r.logger,
		AllowedOrigins: r.cfg.CORSAllowedOrigins,
	}
	if signed, ok := r.store.(handlers.SignedStore); ok {
		rc.Blobs = handlers.NewBlobHandler(signed)
	}
	if r.rdb != nil && r.cfg.RateLimitPerMinute > 0 {
		rc.RateLimiter = handlers.NewRateLimiter(r.rdb, int64(r.cfg.RateLimitPerMinute), time.Minute)
	}
	return handlers.NewRouter(rc)
}

// RunIngest enqueues an ingestion of the workbook stored at objectKey.
func (r *Runner) RunIngest(ctx context.Context, estimationID, objectKey, filename string) (string, error) {
	return r.runner.RunAsync(ctx, pipeline.ProcessRequest{
		EstimationID: estimationID,
		ObjectKey:    objectKey,
		Filename:     filename,
		Job:          pipeline.JobIngest,
	})
}

// Status returns the current status of a run.
func (r *Runner) Status(ctx context.Context, runID string) (*pipeline.RunStatus, error) {
	return r.runner.GetStatus(ctx, runID)
}

// Shutdown waits for in-process runs, stops DBOS and releases clients.
func (r *Runner) Shutdown(ctx context.Context) {
	if err := r.runner.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.WithError(err).Warn("In-flight runs canceled at shutdown")
	}
	r.Close()
}

// Close stops DBOS and releases clients without waiting for runs.
func (r *Runner) Close() {
	if r.runtime != nil {
		r.runtime.Shutdown(10 * time.Second)
		r.runtime = nil
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}
