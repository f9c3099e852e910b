// vault-inspect is an operator tool for a sessionvault data directory: it
// lists sessions, verifies attachment integrity, and vacuums unreferenced
// blobs, using the same engine code the embedding application runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/INLOpen/sessionvault/config"
	"github.com/INLOpen/sessionvault/engine"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	dataDir := flag.String("data-dir", "", "Data directory (overrides the config file)")
	op := flag.String("op", "list", "Operation: list, search, count, verify, vacuum, recovery")
	query := flag.String("query", "", "Query string for -op search")
	logLevel := flag.String("log-level", "warn", "Logging level (debug, info, warn, error)")
	flag.Parse()

	var level slog.Level
	switch strings.ToLower(*logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		fmt.Printf("Invalid log level: %s. Defaulting to warn.\n", *logLevel)
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration.", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.Engine.DataDir = *dataDir
	}

	opts, err := engine.OptionsFromConfig(cfg, logger)
	if err != nil {
		logger.Error("Invalid configuration.", "error", err)
		os.Exit(1)
	}
	opts.Logger = logger
	// Inspection never checkpoints behind the application's back.
	opts.CheckpointInterval = 0

	eng, err := engine.Open(opts)
	if err != nil {
		logger.Error("Failed to open engine.", "data_dir", cfg.Engine.DataDir, "error", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	runErr := run(ctx, eng, *op, *query, os.Stdout)
	if err := eng.Close(ctx); err != nil {
		logger.Error("Failed to close engine.", "error", err)
	}
	if runErr != nil {
		logger.Error("Operation failed.", "op", *op, "error", runErr)
		os.Exit(1)
	}
}

func run(ctx context.Context, eng *engine.Engine, op, query string, out io.Writer) error {
	switch op {
	case "list":
		return printSummaries(ctx, eng, "", out)
	case "search":
		return printSummaries(ctx, eng, query, out)
	case "count":
		count, err := eng.SessionCount(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, count)
		return nil
	case "verify":
		corrupt, err := eng.VerifyAttachments(ctx)
		if err != nil {
			return err
		}
		if len(corrupt) == 0 {
			fmt.Fprintln(out, "all attachments verified clean")
			return nil
		}
		for _, hash := range corrupt {
			fmt.Fprintf(out, "corrupt attachment: %s\n", hash)
		}
		return fmt.Errorf("%d corrupt attachment(s) found", len(corrupt))
	case "vacuum":
		removed, err := eng.VacuumAttachments(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "removed %d unreferenced blob(s)\n", removed)
		return nil
	case "recovery":
		info := eng.RecoveryInfo()
		fmt.Fprintf(out, "state=%s replayed=%d skipped=%d duration=%s\n",
			info.State, info.ReplayedEntries, info.SkippedEntries, info.Duration)
		return nil
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
}

func printSummaries(ctx context.Context, eng *engine.Engine, query string, out io.Writer) error {
	summaries, err := eng.SearchSessions(ctx, query)
	if err != nil {
		return err
	}
	for _, s := range summaries {
		fmt.Fprintf(out, "%s  %-10s  %-20s  shots=%d audio=%d video=%t  %s\n",
			s.ID, s.Status, s.StartTime.Format(time.RFC3339), s.ScreenshotCount, s.AudioCount, s.HasVideo, s.Name)
	}
	return nil
}
