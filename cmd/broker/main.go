// Command broker starts the camflow-broker HTTP service: the subscriber
// WebSocket attach endpoint, the operator REST surface, and the background
// reaper that collects idle or zombie channels.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"camflow-broker/internal/audit"
	"camflow-broker/internal/broker"
	"camflow-broker/internal/config"
	"camflow-broker/internal/eventbus"
	"camflow-broker/internal/httpapi"
	"camflow-broker/internal/observability/logging"
	"camflow-broker/internal/observability/metrics"
)

// configureEventBus picks the event bus driver: a Redis Stream when enabled,
// otherwise an in-process memory bus. Kept separate from main so the
// selection logic is testable without a live Redis instance.
func configureEventBus(enabled bool, cfg eventbus.RedisBusConfig) (eventbus.Bus, error) {
	if !enabled {
		return eventbus.NewMemoryBus(128), nil
	}
	return eventbus.NewRedisBus(cfg)
}

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Default().Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	recorder := metrics.Default()

	publishers := broker.MultiPublisher{broker.MetricsPublisher{Recorder: recorder}}

	var auditStore *audit.Store
	if cfg.AuditEnabled() {
		auditStore, err = audit.Open(cfg.DatabaseURL, audit.WithLogger(logging.WithComponent(logger, "audit")))
		if err != nil {
			logger.Error("failed to open audit store", "error", err)
			os.Exit(1)
		}
		migrateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := auditStore.Migrate(migrateCtx); err != nil {
			cancel()
			logger.Error("failed to migrate audit store", "error", err)
			os.Exit(1)
		}
		cancel()
		publishers = append(publishers, auditStore)
	}

	bus, err := configureEventBus(cfg.EventBusEnabled(), eventbus.RedisBusConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   cfg.EventStream,
		Group:    cfg.EventGroup,
		Logger:   logging.WithComponent(logger, "eventbus"),
	})
	if err != nil {
		logger.Error("failed to configure event bus", "error", err)
		os.Exit(1)
	}
	publishers = append(publishers, bus)

	b := broker.New(broker.Config{
		TranscoderBinaryPath: cfg.TranscoderBinaryPath,
		AdvertisedHost:       cfg.AdvertisedHost,
		AdvertisedPort:       cfg.AdvertisedPort,
		BasePath:             cfg.BasePath,
		Logger:               logging.WithComponent(logger, "broker"),
		Publisher:            publishers,
	})

	reaper := broker.NewReaper(b, logging.WithComponent(logger, "reaper"), nil)
	b.AttachReaper(reaper)
	reaperCtx, reaperCancel := context.WithCancel(context.Background())
	defer reaperCancel()
	reaper.Start(reaperCtx)

	hostMon := broker.NewHostMonitor(logging.WithComponent(logger, "hostmonitor"), 0)
	hostMon.Start()
	defer hostMon.Stop()

	srv, err := httpapi.New(httpapi.Config{
		Addr:       cfg.ListenAddr,
		RateLimit:  httpapi.RateLimitConfig{RPS: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst},
		Logger:     logger,
		Metrics:    recorder,
		Broker:     b,
		HostMon:    hostMon,
		AdminToken: cfg.AdminToken,
	})
	if err != nil {
		logger.Error("failed to initialise http server", "error", err)
		os.Exit(1)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		logger.Info("camflow-broker listening", "addr", cfg.ListenAddr)
		logger.Info("metrics endpoint available", "path", "/metrics")
		errs <- srv.Run(runCtx, cfg.ShutdownTimeout)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
		cancelRun()
		if err := <-errs; err != nil {
			logger.Warn("graceful shutdown failed", "error", err)
		}
	case err := <-errs:
		cancelRun()
		if err != nil {
			logger.Error("server error", "error", err)
		}
	}

	b.ShutdownAll()

	closeCtx, cancelClose := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelClose()

	if auditStore != nil {
		if err := auditStore.Close(closeCtx); err != nil {
			logger.Warn("failed to close audit store", "error", err)
		}
	}
	if err := bus.Close(); err != nil {
		logger.Warn("failed to close event bus", "error", err)
	}

	logger.Info("broker stopped")
}
