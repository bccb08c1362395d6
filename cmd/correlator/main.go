package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/signalcraft/signalcraft-correlator/internal/anomaly"
	"github.com/signalcraft/signalcraft-correlator/internal/api"
	"github.com/signalcraft/signalcraft-correlator/internal/audit"
	"github.com/signalcraft/signalcraft-correlator/internal/cache"
	"github.com/signalcraft/signalcraft-correlator/internal/config"
	"github.com/signalcraft/signalcraft-correlator/internal/correlation"
	"github.com/signalcraft/signalcraft-correlator/internal/events"
	"github.com/signalcraft/signalcraft-correlator/internal/grouping"
	"github.com/signalcraft/signalcraft-correlator/internal/ingest"
	"github.com/signalcraft/signalcraft-correlator/internal/metrics"
	"github.com/signalcraft/signalcraft-correlator/internal/repo"
	"github.com/signalcraft/signalcraft-correlator/internal/scheduler"
	"github.com/signalcraft/signalcraft-correlator/internal/services"
	"github.com/signalcraft/signalcraft-correlator/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting signalcraft-correlator",
		slog.String("address", cfg.Server.Address),
		slog.String("store", cfg.Store.Driver),
		slog.String("cache", cfg.Cache.Driver),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open event store", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	cacheProvider := openCache(cfg, logger)
	defer cacheProvider.Close()

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.Kafka.Enabled && cfg.Kafka.GroupChangedTopic != "" {
		producer, err := events.NewProducer(logger, cfg.Kafka.Brokers, cfg.Kafka.GroupChangedTopic)
		if err != nil {
			logger.Error("failed to create group changed producer", slog.Any("error", err))
			os.Exit(1)
		}
		publisher = producer
	}
	defer publisher.Close()

	detector := anomaly.NewEngine(logger, store, anomaly.Options{
		WindowHours:     cfg.Anomaly.WindowHours,
		LookbackDays:    cfg.Anomaly.LookbackDays,
		MinVelocity:     cfg.Anomaly.MinVelocity,
		ZScoreThreshold: cfg.Anomaly.ZScoreThreshold,
		MinGroupCount:   cfg.Anomaly.MinGroupCount,
		ScanLimit:       cfg.Anomaly.ScanLimit,
		PageSize:        cfg.Anomaly.PageSize,
	})
	grouper := grouping.NewEngine(logger, store, detector, grouping.Options{
		Window: time.Duration(cfg.Grouping.WindowMinutes) * time.Minute,
	})
	processor := ingest.NewProcessor(logger, grouper, store, publisher)
	detector.SetAlertSink(processor)
	detector.SetAuditor(audit.NewRecorder(logger, store))

	miner := correlation.NewMiner(logger, store, store, correlation.MinerOptions{
		Window:        cfg.Correlation.MiningWindow,
		LookAhead:     cfg.Correlation.LookAhead,
		MinSupport:    cfg.Correlation.MinSupport,
		MinConfidence: cfg.Correlation.MinConfidence,
		MinEvents:     cfg.Correlation.MinEvents,
		PageSize:      cfg.Correlation.PageSize,
	})
	scorer := correlation.NewScorer(logger, store, cacheProvider, correlation.ScorerOptions{
		TimeWindow:   cfg.Correlation.TimeWindow,
		MinimumScore: cfg.Correlation.MinimumScore,
		PersistTop:   cfg.Correlation.PersistTop,
		RuleCacheTTL: cfg.Cache.RuleLookupTTL,
	})

	service := services.NewCorrelatorService(logger, services.Deps{
		Ingester: processor,
		Anomaly:  detector,
		Miner:    miner,
		Scorer:   scorer,
		Store:    store,
	})

	server, err := api.NewServer(cfg.Server, service)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	logger.Info("gRPC server listening", slog.String("address", server.Address()))
	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	var background errgroup.Group
	if cfg.Scheduler.Enabled {
		sched := scheduler.New(logger, store, cacheProvider, scheduler.Options{Concurrency: cfg.Scheduler.Concurrency})
		for _, job := range []scheduler.Job{
			scheduler.CorrelationJob(miner, cfg.Scheduler.CorrelationInterval),
			scheduler.AnomalyJob(detector, cfg.Scheduler.AnomalyInterval, cfg.Scheduler.RecordAnomalies),
		} {
			if err := sched.Register(job); err != nil {
				logger.Error("failed to register job", slog.String("job", job.Name), slog.Any("error", err))
				os.Exit(1)
			}
		}
		background.Go(func() error { return sched.Start(ctx) })
	}

	if cfg.Kafka.Enabled {
		consumer, err := events.NewConsumer(logger, cfg.Kafka.Brokers, cfg.Kafka.AlertsTopic, cfg.Kafka.ConsumerGroupID)
		if err != nil {
			logger.Error("failed to create alert consumer", slog.Any("error", err))
			os.Exit(1)
		}
		defer consumer.Close()
		background.Go(func() error { return processor.Run(ctx, consumer) })
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if err := background.Wait(); err != nil {
		logger.Warn("background workers stopped with error", slog.Any("error", err))
	}

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	logger.Info("signalcraft-correlator stopped", slog.Duration("p95_query_latency", service.LatencyP95()))
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		logger.Warn("using in-memory event store; data is lost on restart")
		return repo.NewMemory(), nil
	case "postgres":
		pg, err := repo.OpenPostgres(ctx, repo.PostgresOptions{
			DSN:             cfg.Store.DSN,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return nil, err
		}
		if cfg.Store.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return nil, err
			}
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func openCache(cfg *config.Config, logger *slog.Logger) cache.Provider {
	switch cfg.Cache.Driver {
	case "redis":
		provider, err := cache.NewRedisProvider(cache.RedisConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("redis cache unavailable, falling back to in-process cache", slog.Any("error", err))
			return cache.NewMemoryProvider(cfg.Cache.DefaultTTL, cfg.Cache.CleanupInterval)
		}
		return provider
	case "memory":
		return cache.NewMemoryProvider(cfg.Cache.DefaultTTL, cfg.Cache.CleanupInterval)
	default:
		return cache.NoopProvider{}
	}
}
