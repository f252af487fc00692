package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"siftworks.dev/sift/internal/cli"
	"siftworks.dev/sift/internal/config"
	"siftworks.dev/sift/internal/db"
	"siftworks.dev/sift/internal/logging"
	"siftworks.dev/sift/internal/pipeline"
)

func runRetry(args []string) int {
	fs := flag.NewFlagSet("retry", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	unitUUID := fs.String("unit", "", "Unit UUID to retry (required)")
	timeout := fs.Duration("timeout", 30*time.Minute, "Overall processing timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if strings.TrimSpace(*unitUUID) == "" {
		fmt.Fprintln(os.Stderr, "--unit is required")
		return 2
	}

	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("retry failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	svc := pipeline.NewService(pool, cfg.Pipeline, logger, nil)

	unit, err := svc.Retry(ctx, strings.TrimSpace(*unitUUID))
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			fmt.Fprintln(os.Stderr, "No such processing unit")
			return 1
		}
		if errors.Is(err, pipeline.ErrRetryExhausted) {
			fmt.Fprintln(os.Stderr, "Retry budget exhausted")
			return 1
		}
		logger.Error().Err(err).Str("unit_uuid", *unitUUID).Msg("retry failed")
		fmt.Fprintf(os.Stderr, "Retry failed: %v\n", err)
		return 1
	}

	printUnit(unit)
	if unit.Status != db.UnitStatusCompleted {
		return 1
	}
	return 0
}
