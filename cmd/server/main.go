// Package main runs the job core: the HTTP surface, the worker pools and the
// recurring job scheduler in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/parcelhub/jobcore/internal/config"
	"github.com/parcelhub/jobcore/internal/platform/logger"
)

func main() {
	migrateOnly := flag.Bool("migrate", false, "apply database migrations and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *migrateOnly); err != nil {
		log.Printf("jobcore: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, migrateOnly bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	l, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	l.Info("Server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"queue_driver", cfg.Drivers.Queue,
		"store_driver", cfg.Drivers.Store,
		"cache_driver", cfg.Drivers.Cache)

	if migrateOnly {
		return migrate(ctx, cfg, l)
	}

	app, err := newApplication(ctx, cfg, l)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return app.Run(ctx)
}
