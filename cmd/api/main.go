package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bobarin/reelworks/internal/api"
	"github.com/bobarin/reelworks/internal/config"
	"github.com/bobarin/reelworks/internal/db"
	"github.com/bobarin/reelworks/internal/logging"
	"github.com/bobarin/reelworks/internal/metrics"
	"github.com/bobarin/reelworks/internal/queue"
	"github.com/bobarin/reelworks/internal/quota"
	"github.com/bobarin/reelworks/internal/render"
	"github.com/bobarin/reelworks/internal/services"
	"github.com/bobarin/reelworks/internal/storage"
	"github.com/bobarin/reelworks/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", false)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogPretty)
	logger.Info().Msg("starting reelworks API")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()
	if err := database.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare schema")
	}
	logger.Info().Msg("connected to database")

	// Connect to Redis queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to queue")
	}
	defer q.Close()
	logger.Info().Msg("connected to redis queue")

	// Provider client
	meter := quota.NewMeter(quota.WithWindow(cfg.QuotaWindow), quota.WithSoftLimit(cfg.QuotaSoftLimit))
	client := newRenderClient(ctx, cfg, meter, logger)
	if !client.Configured() {
		logger.Warn().Str("provider", client.Provider()).Msg("video provider not configured, renders will be dry runs")
	}

	// Artifact storage
	persister, local, closeSinks := newPersister(ctx, cfg, logger)
	defer closeSinks()

	// Orchestrator
	oplog, err := render.NewLRUOperationLog(cfg.OperationLogCapacity)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create operation log")
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observer := metrics.New(reg, meter)

	orchestrator := render.NewOrchestrator(client, persister,
		render.Config{PollBackoff: cfg.PollBackoff, RateLimitedDelay: cfg.RateLimitedPollDelay},
		render.WithLogger(logger),
		render.WithObserver(observer),
		render.WithOperationLog(oplog),
	)

	w := worker.New(database, q, orchestrator, cfg.Tier, logger)

	// Create API handler
	handlerDeps := api.HandlerDeps{
		Store:        database,
		Stepper:      w,
		Tiers:        cfg.Tier,
		Meter:        meter,
		OperationLog: oplog,
		Provider:     client.Provider(),
		Logger:       logger,
	}
	if cfg.WorkerEnabled {
		handlerDeps.Queue = q
	}
	router := api.NewRouter(api.NewHandler(handlerDeps), api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
		Metrics:            promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		MediaFs:            local.Fs(),
	})

	if cfg.BackendAPIKey != "" {
		logger.Info().Msg("API key authentication enabled")
	} else {
		logger.Warn().Msg("no BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	// Start worker if enabled
	workerDone := make(chan struct{})
	if cfg.WorkerEnabled {
		requeuePending(ctx, database, q, logger)
		go func() {
			defer close(workerDone)
			if err := w.Start(ctx, cfg.WorkerConcurrency); err != nil {
				logger.Error().Err(err).Msg("worker stopped")
			}
		}()
	} else {
		close(workerDone)
	}

	// Start HTTP server
	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}
	go func() {
		logger.Info().Str("port", cfg.APIPort).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	<-workerDone

	logger.Info().Msg("server exited")
}

func newRenderClient(ctx context.Context, cfg *config.Config, meter *quota.Meter, logger zerolog.Logger) *services.RenderClient {
	clientCfg := services.ClientConfig{
		ProjectOverride:    cfg.GoogleCloudProject,
		TokenRefreshMargin: cfg.TokenRefreshMargin,
		PredictBackoff:     services.NewBackoff(cfg.PredictBackoff),
		FetchBackoff:       services.NewBackoff(cfg.FetchBackoff),
	}
	guard := services.NewGuard(cfg.RenderMaxConcurrency, cfg.RenderMinSpacing)

	if cfg.VideoProvider == "gemini" {
		return services.NewRenderClient(services.NewGeminiTransport(cfg.GeminiKey, ""), nil, meter, guard, clientCfg, services.WithLogger(logger))
	}

	var credentials services.CredentialProvider
	if cfg.VertexCredentialsEnabled {
		creds, err := services.NewGoogleCredentials(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("no Google credentials found")
		} else {
			credentials = creds
		}
	}
	transport := services.NewVertexTransport(cfg.VertexLocation, cfg.VertexBaseURL, "")
	return services.NewRenderClient(transport, credentials, meter, guard, clientCfg, services.WithLogger(logger))
}

func newPersister(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*storage.Persister, *storage.LocalSink, func()) {
	local, err := storage.NewLocalSink(cfg.ArtifactOutputDir, cfg.ArtifactLocalBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare local artifact directory")
	}

	downloaderOpts := []storage.DownloaderOption{storage.WithDownloadLogger(logger)}
	var primary storage.Sink
	closeSinks := func() {}

	if cfg.ArtifactBucket != "" {
		bucket, err := storage.NewBucketSink(ctx, cfg.ArtifactBucket, cfg.ArtifactPublicBaseURL)
		if err != nil {
			logger.Warn().Err(err).Str("bucket", cfg.ArtifactBucket).Msg("bucket unavailable, writing artifacts to local disk")
		} else {
			primary = bucket
			downloaderOpts = append(downloaderOpts, storage.WithObjectReader(bucket))
			closeSinks = func() { bucket.Close() }
			logger.Info().Str("bucket", cfg.ArtifactBucket).Msg("artifact bucket enabled")
		}
	}

	downloader := storage.NewDownloader(cfg.DownloadTimeout, cfg.DownloadRetries, downloaderOpts...)
	persister := storage.NewPersister(primary, local, downloader, storage.WithPersisterLogger(logger))
	return persister, local, closeSinks
}

// requeuePending puts in-flight and never-stepped work items back on the queue after a restart.
func requeuePending(ctx context.Context, database *db.DB, q *queue.Queue, logger zerolog.Logger) {
	ids, err := database.ListPending(ctx, 1000)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list pending renders")
		return
	}
	for _, id := range ids {
		if err := q.EnqueueRender(ctx, id); err != nil {
			logger.Error().Err(err).Str("workItem", id).Msg("failed to requeue render")
		}
	}
	if len(ids) > 0 {
		logger.Info().Int("count", len(ids)).Msg("requeued pending renders")
	}
}
