package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/RPajak/kdbus/internal/bus"
	"github.com/RPajak/kdbus/internal/config"
	"github.com/RPajak/kdbus/internal/names"
	"github.com/RPajak/kdbus/internal/policy"
	"github.com/RPajak/kdbus/internal/server"
	"github.com/RPajak/kdbus/internal/watch"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:                "kdbusd",
		Short:              "Bus name registry daemon",
		Long:               "kdbusd arbitrates ownership of well-known bus names: acquisition, fair FIFO takeover, activator hand-back and ownership-change notification.",
		Version:            version,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args)
		},
	}
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kdbusd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	if cfg.Version {
		fmt.Println(version)
		return nil
	}

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	b := bus.New(cfg, log)
	reg := names.NewRegistry(cfg, log)
	wm := watch.NewManager()
	pol := policy.NewPrefixChecker(cfg.PolicyRules)
	srv := server.New(b, reg, wm, pol, cfg, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", "err", err)
		return err
	}
	return nil
}
