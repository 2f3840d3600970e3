package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"surveyhub/api/internal/app"
	"surveyhub/api/internal/archive"
	"surveyhub/api/internal/cache"
	"surveyhub/api/internal/config"
	"surveyhub/api/internal/metrics"
	"surveyhub/api/internal/schedule"
	"surveyhub/api/internal/search"
	"surveyhub/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		fatal(logger, "invalid configuration", err)
	}
	ctx := context.Background()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []app.Option{
		app.WithLogger(logger),
		app.WithScheduler(schedule.NewCalendar(cfg.Location)),
		app.WithMetrics(metrics.NewEngine(registry)),
	}

	var (
		dataStore interface {
			WithinTx(ctx context.Context, fn func(context.Context, store.Tx) error) error
			Ping(ctx context.Context) error
		}
		fallback search.Searcher
	)
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		logger.Warn("using the in-memory store, data is lost on restart")
		dataStore = store.NewMemoryStore()
		fallback = search.NewLocal()
	default:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			fatal(logger, "database connection failed", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			fatal(logger, "migrations failed", err)
		}
		dataStore = store.NewPostgresStore(db)
		fallback = search.NewPgFTS(db)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, fallback, logger)
	opts = append(opts, app.WithSearch(searchService))
	go searchService.ReindexAllFromPG(ctx)

	if strings.TrimSpace(cfg.RedisURL) != "" {
		overview, err := cache.NewOverviewCache(cfg.RedisURL, cfg.OverviewTTL)
		if err != nil {
			fatal(logger, "redis connection failed", err)
		}
		defer overview.Close()
		logger.Info("caching the survey overview in redis", "ttl", cfg.OverviewTTL.String())
		opts = append(opts, app.WithOverviewCache(overview))
	}

	switch cfg.ArchiveBackend {
	case config.ArchiveGit:
		if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
			fatal(logger, "failed to create archive dir", err)
		}
		opts = append(opts, app.WithArchiver(archive.NewGitArchive(cfg.ArchiveDir)))
	case config.ArchiveS3:
		objects, err := archive.NewObjectArchive(ctx, archive.ObjectConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			fatal(logger, "object storage setup failed", err)
		}
		opts = append(opts, app.WithArchiver(objects))
	}

	service := app.New(dataStore, opts...)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin,
		app.WithHTTPLogger(logger),
		app.WithGatherer(registry),
	)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("surveyhub API listening", "addr", cfg.Addr, "store", cfg.StoreBackend, "archive", cfg.ArchiveBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
