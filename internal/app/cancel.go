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

func runCancel(args []string) int {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	unitUUID := fs.String("unit", "", "Unit UUID to cancel (required)")

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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("cancel failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	svc := pipeline.NewService(pool, cfg.Pipeline, logger, nil)

	if err := svc.Cancel(ctx, strings.TrimSpace(*unitUUID)); err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			fmt.Fprintln(os.Stderr, "No such processing unit")
			return 1
		}
		fmt.Fprintf(os.Stderr, "Cancel failed: %v\n", err)
		return 1
	}

	fmt.Println("ok: cancellation requested, the run stops at the next batch boundary")
	return 0
}
