// Package main wires together the places scraper service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/placegrid/places-scraper/internal/api"
	"github.com/placegrid/places-scraper/internal/archive"
	archivegcs "github.com/placegrid/places-scraper/internal/archive/gcs"
	archivelocal "github.com/placegrid/places-scraper/internal/archive/local"
	archivenoop "github.com/placegrid/places-scraper/internal/archive/noop"
	"github.com/placegrid/places-scraper/internal/batch"
	"github.com/placegrid/places-scraper/internal/clock/system"
	"github.com/placegrid/places-scraper/internal/config"
	"github.com/placegrid/places-scraper/internal/dispatch"
	chromedpexecutor "github.com/placegrid/places-scraper/internal/executor/chromedp"
	collyexecutor "github.com/placegrid/places-scraper/internal/executor/colly"
	"github.com/placegrid/places-scraper/internal/export"
	"github.com/placegrid/places-scraper/internal/id/uuid"
	"github.com/placegrid/places-scraper/internal/logging"
	"github.com/placegrid/places-scraper/internal/notify"
	notifypubsub "github.com/placegrid/places-scraper/internal/notify/pubsub"
	"github.com/placegrid/places-scraper/internal/proxy"
	queueMemory "github.com/placegrid/places-scraper/internal/queue/memory"
	"github.com/placegrid/places-scraper/internal/ratelimit"
	"github.com/placegrid/places-scraper/internal/scrape"
	storeMemory "github.com/placegrid/places-scraper/internal/store/memory"
	storePostgres "github.com/placegrid/places-scraper/internal/store/postgres"
	"github.com/placegrid/places-scraper/internal/telemetry"
	"github.com/placegrid/places-scraper/internal/webhook"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	telemetry.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		logger.Fatal("job store init failed", zap.Error(err))
	}
	defer cleanup()

	pool := proxy.NewPool(buildProxyConfig(cfg, logger), logger.Named("proxy"))
	for _, endpoint := range cfg.Proxy.Endpoints {
		if err := pool.Add(endpoint); err != nil {
			logger.Fatal("invalid proxy endpoint", zap.String("endpoint", endpoint), zap.Error(err))
		}
	}
	go pool.RunHealthChecks(ctx)

	limiter := ratelimit.New(ratelimit.Limits{
		PerMinute: cfg.Limits.PerMinute,
		PerHour:   cfg.Limits.PerHour,
		PerDay:    cfg.Limits.PerDay,
	})
	queue := queueMemory.NewQueue(cfg.Jobs.QueueDepth)

	executor, err := buildExecutor(cfg)
	if err != nil {
		logger.Fatal("executor init failed", zap.Error(err))
	}

	archives, err := buildArchive(ctx, cfg)
	if err != nil {
		logger.Fatal("archive init failed", zap.Error(err))
	}

	var events notify.Publisher
	if cfg.Notify.Enabled {
		client, err := pubsub.NewClient(ctx, cfg.Notify.ProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		publisher := notifypubsub.New(client)
		defer publisher.Close()
		events = publisher
	}

	webhooks := webhook.New(webhook.Config{
		Workers:        cfg.Webhook.Workers,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		RequestTimeout: time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second,
		BackoffInitial: time.Duration(cfg.Webhook.BackoffInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.Webhook.BackoffMaxMs) * time.Millisecond,
		QueueDepth:     cfg.Webhook.QueueDepth,
	}, store, logger.Named("webhook"))

	dispatcher := dispatch.New(dispatch.Config{
		Workers:             cfg.Dispatch.Workers,
		MaxAttempts:         cfg.Dispatch.MaxAttempts,
		ExecutionTimeout:    cfg.ExecutionTimeout(),
		ExecutionsPerSecond: cfg.Dispatch.ExecutionsPerSecond,
		SweepInterval:       time.Duration(cfg.Dispatch.SweepIntervalSeconds) * time.Second,
		NoProxyBackoff:      time.Duration(cfg.Dispatch.NoProxyBackoffSeconds) * time.Second,
		NotifyTopic:         cfg.Notify.Topic,
		ArchiveFormat:       export.Format(cfg.Archive.Format),
	}, store, executor, pool, limiter, queue, webhooks, archives, events, logger.Named("dispatch"))

	coordinator := batch.NewCoordinator(store, uuid.New(), system.New(), dispatcher, logger.Named("batch"))
	apiServer := api.NewServer(cfg, store, coordinator, limiter, pool, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("webhook delivery started")
		webhooks.Run(ctx)
	}()
	go func() {
		logger.Info("dispatcher started", zap.Int("workers", cfg.Dispatch.Workers))
		dispatcher.Run(ctx)
	}()
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	logger.Info("shutdown complete")
}

func buildStore(ctx context.Context, cfg config.Config) (scrape.JobStore, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		db, err := storePostgres.Connect(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return storePostgres.NewJobStore(db), db.Close, nil
	default:
		return storeMemory.NewJobStore(), func() {}, nil
	}
}

func buildProxyConfig(cfg config.Config, logger *zap.Logger) proxy.Config {
	strategy, err := proxy.ParseStrategy(cfg.Proxy.Strategy)
	if err != nil {
		logger.Fatal("invalid proxy strategy", zap.Error(err))
	}
	return proxy.Config{
		Strategy:               strategy,
		MaxConsecutiveFailures: cfg.Proxy.MaxConsecutiveFailures,
		ProbeInterval:          time.Duration(cfg.Proxy.ProbeIntervalSeconds) * time.Second,
		ProbeTimeout:           time.Duration(cfg.Proxy.ProbeTimeoutSeconds) * time.Second,
		ProbeURL:               cfg.Proxy.ProbeURL,
	}
}

func buildExecutor(cfg config.Config) (scrape.Executor, error) {
	switch cfg.Executor.Kind {
	case "chromedp":
		return chromedpexecutor.New(chromedpexecutor.Config{
			UserAgent: cfg.Executor.UserAgent,
		})
	default:
		return collyexecutor.New(collyexecutor.Config{
			UserAgent: cfg.Executor.UserAgent,
		}), nil
	}
}

func buildArchive(ctx context.Context, cfg config.Config) (archive.Provider, error) {
	switch cfg.Archive.Provider {
	case "local":
		return archivelocal.New(archivelocal.Config{BaseDir: cfg.Archive.LocalDir})
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, err
		}
		return archivegcs.New(client, archivegcs.Config{Bucket: cfg.Archive.GCSBucket})
	default:
		return archivenoop.New(), nil
	}
}
