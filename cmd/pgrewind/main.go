package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/pgrewind/internal/config"
	"github.com/ashita-ai/pgrewind/internal/rewind"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env if present (non-fatal; handy for PG* connection settings
	// in development).
	_ = godotenv.Load()

	opts, err := config.Parse(os.Args[1:], version, os.Stderr)
	if err != nil {
		if errors.Is(err, config.ErrExitZero) {
			return 0
		}
		var uerr *config.UsageError
		if errors.As(err, &uerr) {
			fmt.Fprintf(os.Stderr, "pgrewind: %s\n", uerr.Msg)
			fmt.Fprintln(os.Stderr, `Try "pgrewind --help" for more information.`)
			return 1
		}
		fmt.Fprintf(os.Stderr, "pgrewind: %v\n", err)
		return 1
	}

	level := parseLogLevel(os.Getenv("PGREWIND_LOG_LEVEL"))
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rewind.Run(ctx, opts, logger, os.Stdout); err != nil {
		slog.Error("fatal error", "error", err)
		var ioErr *rewind.TargetIOError
		if errors.As(err, &ioErr) {
			return 2
		}
		return 1
	}
	return 0
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
