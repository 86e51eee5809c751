// Goald is the goalkeeper server. It plans goals for pushed commits
// received on the GitHub webhook, executes requested goals as their state
// changes arrive over NATS and serves the goal API.
//
// Configuration is loaded from ~/.config/goalkeeper/config.yaml overlaid
// with GOALKEEPER_* environment variables. See internal/config.
//
// Usage:
//
//	# Start the server
//	goald
//
//	# Use another config file
//	goald -config /etc/goalkeeper/config.yaml
//
//	# Print version information
//	goald version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fyrsmithlabs/goalkeeper/internal/config"
	"github.com/fyrsmithlabs/goalkeeper/internal/daemon"
	gkhttp "github.com/fyrsmithlabs/goalkeeper/internal/http"
	"github.com/fyrsmithlabs/goalkeeper/internal/logging"
	"github.com/fyrsmithlabs/goalkeeper/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ~/.config/goalkeeper/config.yaml)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  goald           Start the goalkeeper server\n")
			fmt.Fprintf(os.Stderr, "  goald version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("goald by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the daemon and serves until ctx is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info(ctx, "starting goald",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Driver),
		zap.String("goals", cfg.Goals.File))

	d, err := daemon.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize goalkeeper: %w", err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Warn(context.Background(), "shutdown incomplete", zap.Error(err))
		}
	}()

	srv, err := gkhttp.NewServer(d.Machine, d.Store, logger, &gkhttp.Config{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		WebhookSecret: cfg.GitHub.WebhookSecret,
		RateLimit:     cfg.Server.WebhookRateLimit,
		Burst:         cfg.Server.WebhookBurst,
	},
		gkhttp.WithCollectors(d.Collectors),
		gkhttp.WithHTTPMetrics(gkhttp.NewHTTPMetrics(d.Telemetry.Meter(telemetry.InstrumentationName), logger)),
	)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return d.Run(gctx)
	})
	g.Go(func() error {
		path := resolveConfigPath(configPath)
		if _, err := os.Stat(path); err != nil {
			logger.Debug(gctx, "config file not watched", zap.String("path", path), zap.Error(err))
			return nil
		}
		if err := d.WatchConfig(gctx, path); err != nil {
			logger.Warn(gctx, "config file not watched", zap.String("path", path), zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info(context.Background(), "goald stopped")
	return err
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg, err := logging.FromConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(logCfg, nil)
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "goalkeeper", "config.yaml")
}
