package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"inferops/internal/alerts"
	"inferops/internal/api"
	"inferops/internal/batch"
	"inferops/internal/config"
	"inferops/internal/dispatcher"
	"inferops/internal/eventbus"
	"inferops/internal/registry"
	"inferops/internal/scheduler"
	"inferops/internal/telemetry"
)

type cli struct {
	Config   string `help:"Path to YAML config file." short:"c"`
	Addr     string `help:"Override the HTTP bind address." short:"a"`
	LogLevel string `help:"Override the log level (debug, info, warn, error)."`
}

func main() {
	var c cli
	kong.Parse(&c, kong.Description("InferOps gateway: schedules chat completions across a fixed pool of GPU nodes."))

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})

	cfg, err := config.Load(c.Config)
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	if c.Addr != "" {
		cfg.Server.Addr = c.Addr
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warnf("invalid log level %q, defaulting to info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	bus := eventbus.Connect(cfg.NATSURL, logger)
	defer bus.Close()

	reg := registry.New(cfg.Nodes, cfg.OfflineFailureCount, cfg.OfflineStaleness)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller := telemetry.New(reg, bus, logger, cfg.PollInterval, cfg.TelemetryTimeout)
	go poller.Run(ctx)

	sched := scheduler.New(cfg.Nodes, cfg.Weights, cfg.PollInterval)
	dispatch := dispatcher.New(reg, sched, bus, logger, cfg)
	batchEngine := batch.New(reg, dispatch, bus, cfg)

	router := api.NewRouter(api.Deps{
		Registry: reg,
		Dispatch: dispatch,
		Batch:    batchEngine,
		Logger:   logger,
		EvalAlerts: func() []alerts.Alert {
			return alerts.Evaluate(reg.Snapshot(), time.Now(), cfg.OfflineAlertDelay)
		},
	})

	go alertLoop(ctx, reg, bus, logger, cfg.PollInterval, cfg.OfflineAlertDelay)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.WithField("addr", cfg.Server.Addr).Info("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down gateway...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("error during shutdown: %v", err)
	}

	logger.Info("gateway exited gracefully")
}

// alertLoop periodically evaluates and publishes alerts so external
// consumers on the event bus see them without polling the HTTP API.
func alertLoop(ctx context.Context, reg *registry.Registry, bus *eventbus.Bus, logger *logrus.Logger, pollInterval, offlineAlertDelay time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, a := range alerts.Evaluate(reg.Snapshot(), time.Now(), offlineAlertDelay) {
				nodeID := a.NodeID
				bus.PublishAlert(string(a.Level), a.Message, &nodeID)
				if a.Level == alerts.LevelCritical {
					logger.WithField("node_id", a.NodeID).Warn(a.Message)
				}
			}
		}
	}
}
