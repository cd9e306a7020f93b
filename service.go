package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/ami-platform/ami-jobs/app/api"
	"github.com/ami-platform/ami-jobs/app/clustering"
	"github.com/ami-platform/ami-jobs/app/config"
	"github.com/ami-platform/ami-jobs/app/db"
	"github.com/ami-platform/ami-jobs/app/jobs"
	"github.com/ami-platform/ami-jobs/app/meta"
	"github.com/ami-platform/ami-jobs/app/metrics"
	"github.com/ami-platform/ami-jobs/app/orchestration"
	"github.com/ami-platform/ami-jobs/app/progress"
	"github.com/ami-platform/ami-jobs/app/s3"
	"github.com/ami-platform/ami-jobs/app/taskqueue"
	"github.com/ami-platform/ami-jobs/app/tracking"
)

// infra holds the external connections a service is wired from
type infra struct {
	db       *db.DB
	rdb      redis.UniversalClient
	queue    *taskqueue.Client
	backend  jobs.Backend
	asynq    jobs.AsynqClient
	redisOpt asynq.RedisConnOpt
	uploader orchestration.Uploader
	closers  []func()
}

func (in *infra) Close() {
	for i := len(in.closers) - 1; i >= 0; i-- {
		in.closers[i]()
	}
}

// connect dials every backing service named in the environment
func connect(ctx context.Context, logger *slog.Logger, m *metrics.Metrics) (*infra, error) {
	in := &infra{}
	fail := func(err error) (*infra, error) {
		in.Close()
		return nil, err
	}

	database, err := db.Open(ctx, config.AMI_DATABASE_URL, db.PoolOptions{
		MaxConns: int32(config.AMI_DB_MAX_CONNS),
		MinConns: int32(config.AMI_DB_MIN_CONNS),
	})
	if err != nil {
		return fail(err)
	}
	in.db = database
	in.closers = append(in.closers, database.Close)
	if err := database.InitSchema(ctx); err != nil {
		return fail(err)
	}
	logger.Info("database ready")

	redisOpts, err := redis.ParseURL(config.AMI_REDIS_URL)
	if err != nil {
		return fail(fmt.Errorf("invalid AMI_REDIS_URL: %w", err))
	}
	rdb := redis.NewClient(redisOpts)
	in.rdb = rdb
	in.closers = append(in.closers, func() { _ = rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fail(fmt.Errorf("failed to reach redis: %w", err))
	}

	in.redisOpt, err = asynq.ParseRedisURI(config.AMI_REDIS_URL)
	if err != nil {
		return fail(fmt.Errorf("invalid AMI_REDIS_URL for asynq: %w", err))
	}
	client := asynq.NewClient(in.redisOpt)
	inspector := asynq.NewInspector(in.redisOpt)
	in.asynq = client
	in.closers = append(in.closers, func() {
		_ = client.Close()
		_ = inspector.Close()
	})
	in.backend = jobs.NewAsynqBackend(client, inspector, config.AMI_ASYNQ_QUEUE)

	queue, err := taskqueue.Connect(config.AMI_NATS_URL, logger, m, taskqueue.Options{
		MaxDeliver: config.AMI_TASK_MAX_DELIVER,
	})
	if err != nil {
		return fail(err)
	}
	in.queue = queue
	in.closers = append(in.closers, queue.Close)
	logger.Info("task queue ready", "url", config.AMI_NATS_URL)

	if config.S3Enabled() {
		mc, err := s3.NewClient()
		if err != nil {
			return fail(err)
		}
		uploader := s3.NewUploader(mc, config.AMI_S3_BUCKET)
		if err := uploader.EnsureBucket(ctx); err != nil {
			return fail(err)
		}
		in.uploader = uploader
		logger.Info("export storage ready", "bucket", config.AMI_S3_BUCKET)
	}
	return in, nil
}

// service is the wired job subsystem
type service struct {
	store    *meta.Store
	manager  *jobs.Manager
	ingestor *orchestration.Ingestor
	progress *progress.Tracker
	health   *meta.ServiceHealthChecker
	handler  http.Handler
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// wire builds the stores, runners, manager and API on top of in
func wire(ctx context.Context, in *infra, logger *slog.Logger, m *metrics.Metrics) (*service, error) {
	store := meta.NewStore(in.db)
	tracker := progress.NewTracker(in.rdb, config.AMI_PROGRESS_TTL)
	events := tracking.NewTracker(store, tracking.Config{CostThreshold: config.AMI_TRACKING_COST_THRESHOLD}, logger, m)

	deps := orchestration.Deps{
		Jobs:     store,
		Progress: tracker,
		Lock:     progress.NewLock(in.rdb),
		Queue:    in.queue,
		Saver:    store,
		Catalog:  store,
		Tracker:  events,
		Logger:   logger,
		Metrics:  m,
	}
	ingestor := orchestration.NewIngestor(deps, orchestration.IngestConfig{
		LockTTL:          config.AMI_LOCK_TTL,
		FailureThreshold: config.AMI_FAILURE_THRESHOLD,
	})

	var processing orchestration.ProcessingService
	if config.AMI_PROCESSING_SERVICE_URL != "" {
		processing = orchestration.NewProcessingServiceClient(config.AMI_PROCESSING_SERVICE_URL, 0)
		if err := store.RegisterProcessingService(ctx, config.AMI_PROCESSING_SERVICE_URL); err != nil {
			return nil, err
		}
	}

	registry := jobs.NewRegistry(
		jobs.NewGenericRunner(),
		orchestration.NewMLJobRunner(deps, ingestor, processing, config.AMI_TASK_TTR),
		orchestration.NewTrackingJobRunner(events),
		orchestration.NewClusteringJobRunner(clustering.NewProcessor(store, logger, m)),
	)
	if in.uploader != nil {
		registry.Register(orchestration.NewExportJobRunner(store, in.uploader))
	}

	manager := jobs.NewManager(store, in.backend, registry, logger, m)
	manager.OnCancel(deps.CancelHook())
	manager.SetDeferredResolver(ingestor)

	svc := api.Services{
		Manager:   manager,
		Tasks:     in.queue,
		Ingestor:  ingestor,
		Progress:  tracker,
		Health:    store,
		Metrics:   m,
		Logger:    logger,
		PublicURL: config.AMI_PUBLIC_URL,
	}
	if in.asynq != nil {
		svc.Results = orchestration.NewIngestQueue(in.asynq, config.AMI_ASYNQ_QUEUE)
	}
	_, handler := api.NewAPI(svc)

	logger.Info("registered job types", "keys", registry.Keys())
	return &service{
		store:    store,
		manager:  manager,
		ingestor: ingestor,
		progress: tracker,
		health:   meta.NewServiceHealthChecker(store, logger),
		handler:  handler,
		logger:   logger,
		metrics:  m,
	}, nil
}

// worker builds the asynq server executing queued jobs and results
func (s *service) worker(in *infra) (*asynq.Server, *asynq.ServeMux) {
	srv, mux := jobs.NewWorkerServer(in.redisOpt, s.manager, jobs.WorkerConfig{
		Queue:       config.AMI_ASYNQ_QUEUE,
		Concurrency: config.AMI_WORKER_CONCURRENCY,
		Logger:      s.logger,
		RetryDelay:  orchestration.RetryDelay,
	})
	s.ingestor.Register(mux)
	return srv, mux
}
