package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"catalog_watcher/internal/config"
	"catalog_watcher/internal/report"
	"catalog_watcher/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	sinceFlag := flag.String("since", "", "window start, RFC3339 (default: 24h before until)")
	untilFlag := flag.String("until", "", "window end, RFC3339 (default: now)")
	formatFlag := flag.String("format", "json", "output format: json or csv")
	out := flag.String("out", "", "output file (default: stdout)")
	flag.Parse()

	logger := setupLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = setupLogger(cfg.LogLevel)

	format, err := report.ParseFormat(*formatFlag)
	if err != nil {
		logger.Error("invalid format", "error", err)
		os.Exit(1)
	}

	since, until, err := resolveWindow(*sinceFlag, *untilFlag)
	if err != nil {
		logger.Error("invalid window", "error", err)
		os.Exit(1)
	}

	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	generator := report.NewGenerator(postgres.NewChangeLogStore(db), logger)

	data, err := generator.Generate(context.Background(), since, until, format)
	if err != nil {
		logger.Error("failed to generate report", "error", err)
		os.Exit(1)
	}

	if *out == "" {
		if _, err := os.Stdout.Write(data); err != nil {
			logger.Error("failed to write report", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := os.WriteFile(*out, data, 0o644); err != nil {
		logger.Error("failed to write report", "path", *out, "error", err)
		os.Exit(1)
	}
	logger.Info("report written", "path", *out, "format", format, "bytes", len(data))
}

// resolveWindow defaults to the trailing 24 hours when flags are omitted.
func resolveWindow(sinceFlag, untilFlag string) (time.Time, time.Time, error) {
	until := time.Now().UTC()
	if untilFlag != "" {
		parsed, err := time.Parse(time.RFC3339, untilFlag)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse -until: %w", err)
		}
		until = parsed.UTC()
	}

	since := until.Add(-24 * time.Hour)
	if sinceFlag != "" {
		parsed, err := time.Parse(time.RFC3339, sinceFlag)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse -since: %w", err)
		}
		since = parsed.UTC()
	}

	return since, until, nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stderr, opts)
	return slog.New(handler)
}
