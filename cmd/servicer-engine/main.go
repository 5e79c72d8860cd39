package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reliefstack/servicer-engine/internal/adapters"
	"github.com/reliefstack/servicer-engine/internal/api"
	"github.com/reliefstack/servicer-engine/internal/cache"
	"github.com/reliefstack/servicer-engine/internal/config"
	"github.com/reliefstack/servicer-engine/internal/intel"
	"github.com/reliefstack/servicer-engine/internal/logging"
	"github.com/reliefstack/servicer-engine/internal/metrics"
	"github.com/reliefstack/servicer-engine/internal/services"
	"github.com/reliefstack/servicer-engine/internal/store"
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

	logger := logging.New(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting servicer-engine",
		slog.String("address", cfg.Server.Address),
		slog.Int("servicers", len(cfg.Servicers)),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	intelStore, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open intelligence store", slog.String("path", cfg.Store.Path), slog.Any("error", err))
		os.Exit(1)
	}
	defer intelStore.Close()

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled {
		memory := cache.NewMemoryProvider()
		defer memory.Close()
		cacheProvider = memory
	}

	engine := intel.NewEngine(logger, intelStore, cacheProvider, intel.Policy{
		ConfidenceStep:     cfg.Learning.ConfidenceStep,
		RecommendThreshold: cfg.Learning.RecommendThreshold,
		EvidenceLimit:      cfg.Learning.EvidenceLimit,
		AdviceTTL:          cfg.Cache.AdviceTTL,
	})

	var sender adapters.Sender
	if cfg.SMTP.Host != "" {
		sender = adapters.NewSMTPSender(
			cfg.SMTP.Host,
			cfg.SMTP.Port,
			cfg.SMTP.Username,
			cfg.SMTP.Password,
			cfg.SMTP.From,
			cfg.SMTP.Timeout,
		)
	}

	factory, err := adapters.NewFactoryFromConfigs(cfg.Servicers, sender, engine, logger)
	if err != nil {
		logger.Error("failed to build adapters", slog.Any("error", err))
		os.Exit(1)
	}

	submissionService := services.NewSubmissionService(logger, factory, engine)
	handler := api.NewHandler(submissionService, logger)

	server, err := api.NewServer(cfg.Server, handler.Routes())
	if err != nil {
		logger.Error("failed to create HTTP server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("HTTP server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("servicer-engine stopped")
}
