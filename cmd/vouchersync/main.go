package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"vouchersync/internal/cli"
	"vouchersync/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	level := slog.LevelInfo
	if os.Getenv("VOUCHERSYNC_DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	root := cli.NewRootCmd(log, os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
