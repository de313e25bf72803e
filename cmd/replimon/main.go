// cmd/replimon/main.go
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/FairForge/replimon/internal/alerting"
	"github.com/FairForge/replimon/internal/api"
	"github.com/FairForge/replimon/internal/config"
	"github.com/FairForge/replimon/internal/discovery"
	"github.com/FairForge/replimon/internal/metrics"
	"github.com/FairForge/replimon/internal/poller"
	"github.com/FairForge/replimon/internal/rpo"
	"github.com/FairForge/replimon/internal/session"
	"github.com/FairForge/replimon/internal/store"
	"github.com/FairForge/replimon/internal/vendorapi"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("REPLIMON_CONFIG"), "path to config file")
	flag.Parse()

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("loading config failed", zap.Error(err))
	}

	st, err := store.New(store.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		logger.Fatal("opening database failed", zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.CreateTables(ctx); err != nil {
		logger.Fatal("creating tables failed", zap.Error(err))
	}

	m := metrics.New()

	client := vendorapi.NewClient(vendorapi.Config{
		InsecureTLS:       cfg.Vendor.InsecureTLS,
		AttemptTimeout:    cfg.Vendor.Timeout(),
		RequestsPerSecond: cfg.Vendor.RequestsPerSecond,
		Observe: func(method, outcome string) {
			m.VendorRequests.WithLabelValues(method, outcome).Inc()
		},
	}, logger)

	sessions := session.NewManager(client, st, session.NewScheduler(), logger)
	sessions.SetObserver(session.Observer{
		SessionsChanged: func(live int) { m.LiveSessions.Set(float64(live)) },
		Renewed:         m.SessionRenewals.Inc,
	})
	calc := rpo.NewCalculator(rpo.Thresholds{
		UsageWarning:  cfg.Thresholds.UsageWarning,
		UsageCritical: cfg.Thresholds.UsageCritical,
		TrendRate:     cfg.Thresholds.TrendRate,
	}, logger)
	evaluator := alerting.NewEvaluator(st, logger)

	disc := discovery.NewService(client, sessions, st, discovery.TopologyConfig{
		BaseURL:  cfg.Topology.BaseURL,
		Username: cfg.Topology.Username,
		Password: cfg.Topology.Password,
	}, cfg.Poller.ReplicationType, logger)

	p := poller.New(client, sessions, st, calc, evaluator, m, poller.Config{
		IntervalMinutes: cfg.Poller.IntervalMinutes,
		ReplicationType: cfg.Poller.ReplicationType,
	}, logger)
	p.Start(ctx)

	// Threshold hot reload, active only when a config file is in use.
	if *configPath != "" {
		stopWatch, err := config.WatchThresholds(*configPath, logger, func(th config.ThresholdsConfig) {
			calc.SetThresholds(rpo.Thresholds{
				UsageWarning:  th.UsageWarning,
				UsageCritical: th.UsageCritical,
				TrendRate:     th.TrendRate,
			})
		})
		if err != nil {
			logger.Warn("threshold watch unavailable", zap.Error(err))
		} else {
			defer func() { _ = stopWatch() }()
		}
	}

	server := api.NewServer(cfg, logger, p, disc, sessions, st, m)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down")
		cancel()
		p.Stop()

		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cleanupCancel()
		sessions.CleanupAll(cleanupCtx)

		if err := server.Shutdown(cleanupCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		os.Exit(0)
	}()

	logger.Info("replimon started",
		zap.Int("port", cfg.Server.Port),
		zap.Int("pollIntervalMinutes", cfg.Poller.IntervalMinutes),
		zap.String("replicationType", cfg.Poller.ReplicationType))

	if err := server.Start(); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newLogger() *zap.Logger {
	level := zap.InfoLevel
	raw := config.GetEnvOrDefault("REPLIMON_LOG_LEVEL", "info")
	if parsed, err := zap.ParseAtomicLevel(raw); err == nil {
		level = parsed.Level()
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zcfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
