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

func runProcess(args []string) int {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	session := fs.String("session", "", "Session UUID to process (required)")
	timeout := fs.Duration("timeout", 30*time.Minute, "Overall processing timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if strings.TrimSpace(*session) == "" {
		fmt.Fprintln(os.Stderr, "--session is required")
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
		logger.Error().Err(err).Msg("process failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	svc := pipeline.NewService(pool, cfg.Pipeline, logger, nil)

	unit, err := svc.ProcessSession(ctx, strings.TrimSpace(*session))
	if err != nil {
		logger.Error().Err(err).Str("session_uuid", *session).Msg("processing failed")
		fmt.Fprintf(os.Stderr, "Processing failed: %v\n", err)
		return 1
	}

	printUnit(unit)
	if unit.Status != db.UnitStatusCompleted {
		return 1
	}
	return 0
}

func printUnit(unit db.ProcessingUnit) {
	fmt.Printf("unit:       %s\n", unit.UnitUUID)
	fmt.Printf("session:    %s\n", unit.SessionUUID)
	fmt.Printf("status:     %s (%s, %d%%)\n", unit.Status, unit.Stage, unit.Progress)
	fmt.Printf("raw:        %d\n", unit.TotalRaw)
	fmt.Printf("processed:  %d\n", unit.ProcessedCount)
	fmt.Printf("errors:     %d\n", unit.ErrorCount)
	fmt.Printf("duplicates: %d\n", unit.DuplicateCount)
	if unit.RetryCount > 0 {
		fmt.Printf("retries:    %d\n", unit.RetryCount)
	}
}
