package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/afero"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	jobhandler "github.com/aliskhannn/photo-pipeline/internal/api/handlers/job"
	pipelinehandler "github.com/aliskhannn/photo-pipeline/internal/api/handlers/pipeline"
	"github.com/aliskhannn/photo-pipeline/internal/api/router"
	"github.com/aliskhannn/photo-pipeline/internal/api/server"
	"github.com/aliskhannn/photo-pipeline/internal/artifact"
	"github.com/aliskhannn/photo-pipeline/internal/config"
	"github.com/aliskhannn/photo-pipeline/internal/crop"
	"github.com/aliskhannn/photo-pipeline/internal/infra/kafka/consumer"
	"github.com/aliskhannn/photo-pipeline/internal/infra/kafka/producer"
	jobmsg "github.com/aliskhannn/photo-pipeline/internal/kafka/handlers/job"
	"github.com/aliskhannn/photo-pipeline/internal/processor"
	"github.com/aliskhannn/photo-pipeline/internal/removebg"
	jobrepo "github.com/aliskhannn/photo-pipeline/internal/repository/job"
	jobsvc "github.com/aliskhannn/photo-pipeline/internal/service/job"
	"github.com/aliskhannn/photo-pipeline/internal/service/pipeline"
	"github.com/aliskhannn/photo-pipeline/internal/session"
	"github.com/aliskhannn/photo-pipeline/internal/storage/disk"
	"github.com/aliskhannn/photo-pipeline/internal/storage/file"
)

type artifactBackend interface {
	Write(ctx context.Context, key string, data []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

func main() {
	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize logger and load application configuration.
	zlog.Init()
	cfg := config.MustLoad("./config/config.yml")

	// Artifact storage: local directory tree or MinIO bucket.
	var backend artifactBackend
	switch cfg.Storage.Backend {
	case "minio":
		m := cfg.Storage.MinIO
		s, err := file.NewStorage(ctx, m.Endpoint, m.AccessKey, m.SecretKey, m.BucketName, m.UseSSL)
		if err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to connect to storage")
		}
		backend = s
	default:
		s, err := disk.NewStorage(cfg.Storage.Root)
		if err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to open storage")
		}
		backend = s
	}
	store := artifact.NewStore(backend)

	// One HTTP client for every provider call, sharing its connection pool.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = cfg.RemoveBG.MaxConnsPerHost
	transport.MaxIdleConnsPerHost = cfg.RemoveBG.MaxConnsPerHost
	httpClient := &http.Client{Transport: transport, Timeout: cfg.RemoveBG.Timeout}

	provider, err := removebg.NewClient(removebg.ClientOptions{
		URL:        cfg.RemoveBG.URL,
		APIKey:     cfg.RemoveBG.APIKey,
		Format:     cfg.RemoveBG.Format,
		HTTPClient: httpClient,
	})
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to create remove.bg client")
	}

	imageProcessor := processor.New(processor.Config{
		MinWidth:         cfg.Ingest.MinWidth,
		MinHeight:        cfg.Ingest.MinHeight,
		FallbackLongEdge: cfg.RemoveBG.Fallback.LongEdge,
		FallbackSharpen:  cfg.RemoveBG.Fallback.Sharpen,
	})

	orchestrator := removebg.NewOrchestrator(provider, imageProcessor, retry.Strategy{
		Attempts: cfg.RemoveBG.Retry.Attempts,
		Delay:    cfg.RemoveBG.Retry.Delay,
		Backoff:  cfg.RemoveBG.Retry.Backoff,
	})

	presets, err := crop.DefaultPresets().With(cfg.Crop.Presets...)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("invalid crop presets")
	}

	// Crop sessions live in their own directory tree and are swept when idle.
	sessions, err := session.NewManager(afero.NewOsFs(), cfg.Sessions.Root, cfg.Sessions.TTL)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to initialize sessions")
	}

	coordinator := pipeline.NewCoordinator(store, orchestrator, imageProcessor, sessions, pipeline.Options{
		Presets:     presets,
		Size:        cfg.RemoveBG.Size,
		Concurrency: cfg.RemoveBG.Concurrency,
	})

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		sessions.Run(ctx, cfg.Sessions.SweepInterval)
	}()

	// Optional async jobs: Postgres records plus a Kafka queue.
	var (
		db *dbpg.DB
		p  *producer.Producer
		c  *consumer.Consumer
		jh *jobhandler.Handler
	)
	if cfg.Jobs.Enabled {
		opts := &dbpg.Options{
			MaxOpenConns:    cfg.Jobs.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Jobs.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Jobs.Database.ConnMaxLifetime,
		}

		slaveDSNs := make([]string, 0, len(cfg.Jobs.Database.Slaves))
		for _, s := range cfg.Jobs.Database.Slaves {
			slaveDSNs = append(slaveDSNs, s.DSN())
		}

		db, err = dbpg.New(cfg.Jobs.Database.Master.DSN(), slaveDSNs, opts)
		if err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
		}

		if cfg.Jobs.Migrations != "" {
			if err := jobrepo.MigrateUp(db.Master, cfg.Jobs.Migrations); err != nil {
				zlog.Logger.Fatal().Err(err).Msg("failed to migrate database")
			}
		}

		strategy := retry.Strategy{
			Attempts: cfg.Jobs.Retry.Attempts,
			Delay:    cfg.Jobs.Retry.Delay,
			Backoff:  cfg.Jobs.Retry.Backoff,
		}

		p = producer.New(&cfg.Jobs.Kafka, strategy)
		jobs := jobsvc.NewService(jobrepo.NewRepository(db), p, coordinator)
		jh = jobhandler.NewHandler(jobs)

		c = consumer.New(&cfg.Jobs.Kafka, strategy, jobmsg.NewHandler(jobs))
		wg.Add(1)
		go c.Consume(ctx, &wg)
	}

	// Start HTTP server in a separate goroutine.
	r := router.Setup(pipelinehandler.NewHandler(coordinator, cfg.Server.MaxUploadMB<<20), jh)
	s := server.New(cfg.Server.HTTPPort, r)
	go func() {
		zlog.Logger.Info().Str("addr", cfg.Server.HTTPPort).Msg("starting server")
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Block until context is canceled (SIGINT/SIGTERM).
	<-ctx.Done()
	zlog.Logger.Info().Msg("context done")

	// Graceful shutdown with timeout for HTTP server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	// Wait for the session sweeper and the job consumer to stop.
	wg.Wait()

	if err := sessions.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to remove open sessions")
	}

	httpClient.CloseIdleConnections()

	if cfg.Jobs.Enabled {
		// Close master and slave databases.
		if err := db.Master.Close(); err != nil {
			zlog.Logger.Printf("failed to close master DB: %v", err)
		}
		for i, s := range db.Slaves {
			if err := s.Close(); err != nil {
				zlog.Logger.Printf("failed to close slave DB %d: %v", i, err)
			}
		}

		// Close Kafka producer and consumer clients.
		if err := p.Client.Close(); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to close kafka producer client")
		}
		if err := c.Client.Close(); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to close kafka consumer client")
		}
	}
}
