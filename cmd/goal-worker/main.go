// Package main provides the Temporal worker that executes goals dispatched
// by goald when temporal.enabled is set.
//
// The worker loads the same configuration and goal file as goald, so it
// resolves the implementation recorded on each goal event itself.
//
// Usage:
//
//	GOALKEEPER_TEMPORAL_ENABLED=true \
//	GOALKEEPER_TEMPORAL_HOST_PORT=localhost:7233 \
//	./goal-worker -config /etc/goalkeeper/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fyrsmithlabs/goalkeeper/internal/config"
	"github.com/fyrsmithlabs/goalkeeper/internal/daemon"
	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	"github.com/fyrsmithlabs/goalkeeper/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if !cfg.Temporal.Enabled {
		return errors.New("temporal.enabled must be set to run a goal worker")
	}

	logCfg, err := logging.FromConfig(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("worker")

	logger.Info(ctx, "goal worker starting",
		zap.String("temporal_host", cfg.Temporal.HostPort),
		zap.String("namespace", cfg.Temporal.Namespace),
	)

	// Workers do not serve /metrics, so collectors stay off the default
	// registry.
	d, err := daemon.New(ctx, cfg, logger,
		daemon.WithoutDispatch(),
		daemon.WithRegisterer(prometheus.NewRegistry()),
	)
	if err != nil {
		return fmt.Errorf("initializing goalkeeper: %w", err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Warn(context.Background(), "shutdown incomplete", zap.Error(err))
		}
	}()

	w := workflow.NewWorker(d.Temporal, cfg.Temporal.TaskQueue, d.Machine)
	logger.Info(ctx, "worker configured", zap.String("task_queue", cfg.Temporal.TaskQueue))

	workerErrors := make(chan error, 1)
	go func() {
		workerErrors <- w.Run(interruptOn(ctx))
	}()

	select {
	case err := <-workerErrors:
		if err != nil {
			return fmt.Errorf("worker error: %w", err)
		}
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received")
		if err := <-workerErrors; err != nil {
			return fmt.Errorf("worker error: %w", err)
		}
	}

	logger.Info(context.Background(), "worker stopped gracefully")
	return nil
}

// interruptOn adapts ctx to the channel worker.Run stops on.
func interruptOn(ctx context.Context) <-chan interface{} {
	ch := make(chan interface{})
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}
