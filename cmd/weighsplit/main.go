package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"weighsplit/internal/adapter/breaker"
	"weighsplit/internal/adapter/entity"
	adapthttp "weighsplit/internal/adapter/http"
	"weighsplit/internal/adapter/memory"
	"weighsplit/internal/adapter/natsbus"
	"weighsplit/internal/adapter/postgres"
	"weighsplit/internal/adapter/sqlite"
	"weighsplit/internal/adapter/webhook"
	"weighsplit/internal/app"
	"weighsplit/internal/config"
	"weighsplit/internal/domain"
	"weighsplit/internal/metric"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	logger.Info("starting weighsplit", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = natsbus.Connect(cfg.NATS.URL, "weighsplit", logger)
		if err != nil {
			log.Fatalf("nats connect: %v", err)
		}
		defer nc.Close()
	}

	docs, closeDocs, err := openStore(ctx, cfg, nc, logger)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer closeDocs()

	var ingest *webhook.Source
	var source domain.ReadingSource
	switch cfg.Ingest.Source {
	case "nats":
		source = natsbus.NewSource(natsbus.ConnBus{Conn: nc}, logger)
	default:
		ingest = webhook.New()
		source = ingest
	}

	registry := entity.NewRegistry(logger, entity.WithOnChange(func(c entity.Change) {
		logger.Debug("entity changed", "kind", c.Kind, "entity_id", c.Entity.EntityID)
	}))
	defer registry.Close()

	hub := adapthttp.NewHub(logger)
	notifiers := app.Notifiers{app.LogNotifier{Logger: logger}, hub}
	if nc != nil {
		notifiers = append(notifiers, natsbus.NewNotifier(natsbus.ConnBus{Conn: nc}))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	manager := app.NewManager(app.Deps{
		Documents: docs,
		Source:    source,
		Host:      registry,
		Notifier:  notifiers,
		Metrics:   metric.New(reg),
		Logger:    logger,
	})
	if err := manager.Apply(ctx, cfg.Instances); err != nil {
		// Instances that failed to start are retried in the background.
		logger.Error("starting instances", "error", err)
	}

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: adapthttp.New(app.NewSubjectService(registry), manager, adapthttp.Options{
			Ingest:      ingest,
			Hub:         hub,
			Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			TokenHash:   cfg.APITokenHash,
			IngestRate:  cfg.Ingest.Rate,
			IngestBurst: cfg.Ingest.Burst,
			Logger:      logger,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.ConfigFile != "" {
		g.Go(func() error {
			return config.WatchInstances(gctx, cfg.ConfigFile, logger, func(instances []domain.Instance) {
				if err := manager.Apply(gctx, instances); err != nil {
					logger.Error("reloading instances", "error", err)
				}
			})
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", "error", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Stop(stopCtx); err != nil {
		logger.Error("stopping instances", "error", err)
	}
	logger.Info("stopped")
}

// openStore opens the configured document store. Durable stores sit behind a
// circuit breaker.
func openStore(ctx context.Context, cfg *config.Config, nc *nats.Conn, logger *slog.Logger) (domain.DocumentStore, func(), error) {
	switch cfg.Storage.Engine {
	case "postgres":
		db, err := postgres.Open(cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return breaker.New("postgres", db, breaker.DefaultConfig(), logger), func() { _ = db.Close() }, nil
	case "sqlite":
		db, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return breaker.New("sqlite", db, breaker.DefaultConfig(), logger), func() { _ = db.Close() }, nil
	case "nats":
		kv, err := natsbus.OpenBucket(ctx, nc, cfg.NATS.Bucket)
		if err != nil {
			return nil, nil, err
		}
		store := natsbus.NewKVStore(kv, cfg.NATS.Timeout)
		return breaker.New("nats-kv", store, breaker.DefaultConfig(), logger), func() {}, nil
	default:
		logger.Warn("using in-memory storage; rosters are lost on restart")
		return memory.New(), func() {}, nil
	}
}
