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
)

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	unitUUID := fs.String("unit", "", "Unit UUID")
	session := fs.String("session", "", "Session UUID (alternative to --unit)")
	errorLimit := fs.Int("errors", 5, "How many recent errors to show")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if strings.TrimSpace(*unitUUID) == "" && strings.TrimSpace(*session) == "" {
		fmt.Fprintln(os.Stderr, "--unit or --session is required")
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
		logger.Error().Err(err).Msg("status failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	var unit db.ProcessingUnit
	if strings.TrimSpace(*unitUUID) != "" {
		unit, err = pool.GetUnitByUUID(ctx, strings.TrimSpace(*unitUUID))
	} else {
		unit, err = pool.GetUnitBySession(ctx, strings.TrimSpace(*session))
	}
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			fmt.Fprintln(os.Stderr, "No such processing unit")
			return 1
		}
		fmt.Fprintf(os.Stderr, "Failed to load unit: %v\n", err)
		return 1
	}

	printUnit(unit)

	if *errorLimit > 0 && unit.ErrorCount > 0 {
		entries, err := pool.ListUnitErrors(ctx, unit.UnitID, *errorLimit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load errors: %v\n", err)
			return 1
		}
		if len(entries) > 0 {
			fmt.Println("recent errors:")
			for _, e := range entries {
				fmt.Printf("  %s  %s", e.OccurredAt.Format(time.RFC3339), e.Message)
				if e.Context != "" {
					fmt.Printf("  (%s)", e.Context)
				}
				fmt.Println()
			}
		}
	}

	if unit.Status == db.UnitStatusFailed && unit.RetryCount < cfg.Pipeline.MaxRetries {
		fmt.Printf("hint: %d retries left, run \"sift retry --unit %s\"\n",
			cfg.Pipeline.MaxRetries-unit.RetryCount, unit.UnitUUID)
	}
	return 0
}
