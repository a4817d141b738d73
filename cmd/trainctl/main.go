// trainctl is the HTTP service that creates, runs and tracks training tasks.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	"trainctl/internal/api"
	"trainctl/internal/config"
	"trainctl/internal/health"
	"trainctl/internal/notify"
	"trainctl/internal/observability"
	"trainctl/internal/runner"
	"trainctl/internal/task"
)

func main() {
	svcCfg := config.LoadServiceConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: svcCfg.SlogLevel()})))

	if err := run(svcCfg); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(svcCfg *config.ServiceConfig) error {
	ctx := context.Background()

	taskCfg := task.LoadConfigFromEnv()
	runnerCfg := runner.LoadConfigFromEnv()
	notifyCfg := notify.LoadConfigFromEnv()

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	factory, err := runner.NewFactory(runnerCfg)
	if err != nil {
		return err
	}
	defer factory.Close()
	slog.Info("Runner factory ready", "executor", runnerCfg.Executor, "tool", runnerCfg.Tool)

	if runnerCfg.RemoveOrphans {
		if removed, err := factory.Reconcile(ctx); err != nil {
			slog.Warn("Failed to reconcile executor state", "error", err)
		} else if removed > 0 {
			slog.Info("Removed orphaned runs", "count", removed)
		}
	}

	var (
		observers []task.Observer
		notifier  *notify.Notifier
	)
	if notifyCfg.Enabled() {
		notifier = notify.New(notifyCfg, metrics)
		observers = append(observers, notifier)
	} else {
		slog.Info("Task notifications disabled - no CALLBACK_URL configured")
	}

	tasks, err := task.NewManager(taskCfg, factory, metrics, observers...)
	if err != nil {
		return err
	}

	healthChecker := health.NewChecker(
		health.Check{Name: "workspace", Required: true, Probe: health.WorkspaceWritable(taskCfg.Workspace)},
		health.Check{Name: "executor", Probe: factory.Ready},
	)

	router := api.NewRouter(api.RouterConfig{
		Tasks:         tasks,
		Metrics:       metrics,
		HealthChecker: healthChecker,
	})

	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case runErr = <-serverErr:
		slog.Error("Server failed to start", "error", runErr)
	}

	// Phase 1: fail readiness so load balancers stop routing here.
	healthChecker.SetShuttingDown()
	if runErr == nil && svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: stop accepting requests, finish in-flight ones.
	slog.Info("Starting graceful shutdown")
	shutdown(svcCfg.ShutdownTimeout)

	// Phase 3: tasks do not outlive the process, so cancel them and wait.
	managerCtx, managerCancel := context.WithTimeout(context.Background(), svcCfg.ShutdownTimeout)
	defer managerCancel()
	if err := tasks.Close(managerCtx); err != nil {
		slog.Warn("Task manager shutdown incomplete", "error", err)
	}

	// Phase 4: deliver the terminal events produced above.
	if notifier != nil {
		notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer notifyCancel()
		if err := notifier.Close(notifyCtx); err != nil {
			slog.Warn("Notifier shutdown error", "error", err)
		}
		stats := notifier.Stats()
		slog.Info("Notifier stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	slog.Info("Shutdown complete")
	return runErr
}
