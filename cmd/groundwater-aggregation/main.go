package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/pflag"

	httpapi "github.com/i474232898/groundwater-aggregation/internal/api/http"
	"github.com/i474232898/groundwater-aggregation/internal/config"
	"github.com/i474232898/groundwater-aggregation/internal/export"
	"github.com/i474232898/groundwater-aggregation/internal/groundwater"
	"github.com/i474232898/groundwater-aggregation/internal/groundwater/gims"
	"github.com/i474232898/groundwater-aggregation/internal/pipeline"
	"github.com/i474232898/groundwater-aggregation/internal/scheduler"
	"github.com/i474232898/groundwater-aggregation/internal/store"
)

func main() {
	// Deferred first so it runs after every other deferred cleanup.
	exitCode := 0
	defer func() { os.Exit(exitCode) }()

	sitesFile := pflag.String("sites", "", "sites file (overrides SITES_FILE)")
	serve := pflag.Bool("serve", false, "run on a schedule and serve results over HTTP")
	mergeOnly := pflag.Bool("merge-only", false, "consolidate previously written site files without fetching")
	pflag.Parse()

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *sitesFile != "" {
		cfg.SitesFile = *sitesFile
	}

	runCfg, err := config.LoadRun(cfg.SitesFile, time.Now())
	if err != nil {
		log.Fatalf("failed to load sites: %v", err)
	}

	// Past this point failures return through exitCode so deferred cleanup
	// (badger in particular) still runs.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared HTTP client for outbound upstream calls; each attempt carries its
	// own timeout.
	httpClient := &http.Client{}
	defer httpClient.CloseIdleConnections()

	fetcher, err := gims.NewFetcher(gims.FetcherConfig{
		Client:  httpClient,
		Timeout: cfg.HTTPTimeout,
		Backoff: gims.BackoffConfig{
			MaxAttempts:     cfg.FetchMaxAttempts,
			InitialInterval: cfg.BackoffBase,
			MaxInterval:     cfg.BackoffMax,
		},
		Headers:          runCfg.Headers,
		RatePerSec:       cfg.RatePerSec,
		BreakerThreshold: uint32(cfg.BreakerThreshold),
	})
	if err != nil {
		log.Printf("ERROR: failed to create fetcher: %v", err)
		exitCode = 1
		return
	}

	normalizer := gims.NewNormalizer(runCfg.KeyCandidates(), runCfg.Location, runCfg.DedupPolicy)

	var clientOpts []gims.Option
	if cfg.CacheDir != "" {
		cache, err := store.OpenChunkCache(cfg.CacheDir, cfg.CacheTTL)
		if err != nil {
			log.Printf("ERROR: failed to open chunk cache: %v", err)
			exitCode = 1
			return
		}
		defer cache.Close()
		clientOpts = append(clientOpts, gims.WithCache(cache))
	}
	client := gims.NewClient(runCfg.BaseURL, fetcher, normalizer, clientOpts...)

	service := groundwater.NewService(client, runCfg.Features, groundwater.Options{
		ChunkDays: runCfg.ChunkDays,
		Dedup:     runCfg.DedupPolicy,
		Pause:     runCfg.Pause,
	})

	var sink export.Sink
	if cfg.Minio.Enabled() {
		objects, err := export.NewObjectSink(ctx, export.ObjectSinkConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		})
		if err != nil {
			log.Printf("ERROR: failed to connect object storage: %v", err)
			exitCode = 1
			return
		}
		sink = objects
	}

	// In-memory store with configured retention.
	results := store.NewMemoryStore(cfg.StoreMaxHistory)
	runner := pipeline.NewRunner(service, runCfg, export.NewWriter(cfg.OutputDir, sink), results)

	if !*serve {
		run := runner.Run
		if *mergeOnly {
			run = runner.MergeOnly
		}
		if _, err := run(ctx); err != nil {
			log.Printf("ERROR: %v", err)
			exitCode = 1
		}
		return
	}

	// Scheduler that periodically collects and consolidates.
	sched := scheduler.New(runner, cfg.ScheduleInterval, 0)
	if err := sched.Start(); err != nil {
		log.Printf("ERROR: failed to start scheduler: %v", err)
		exitCode = 1
		return
	}
	defer sched.Stop()

	// Basic app configuration
	app := fiber.New(fiber.Config{
		AppName:               "groundwater-aggregation",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "groundwater-aggregation",
			"sites":   len(runCfg.Sites),
		})
	})

	httpapi.RegisterMetrics(app)
	httpapi.RegisterRoutes(app, results, runCfg.Location)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("fiber server stopped: %v", err)
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("error during shutdown: %v", err)
	}
}
