package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hivemesh/hivehub/internal/auth"
	"github.com/hivemesh/hivehub/internal/config"
	"github.com/hivemesh/hivehub/internal/hub"
)

func runHub() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if hostFlag != "" {
		cfg.Hub.Host = hostFlag
	}
	if portFlag != 0 {
		cfg.Hub.Port = portFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := hub.New(ctx, cfg, Version)
	if err != nil {
		slog.Error("failed to start hub", "error", err)
		os.Exit(1)
	}
	registerBuiltinTools(h)

	slog.Info("hub.starting",
		"version", Version,
		"machine_id", cfg.Hub.MachineID,
		"tools", h.Tools.Len(),
		"bridges", len(cfg.Bridges.Servers))

	if err := h.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("hub exited", "error", err)
		os.Exit(1)
	}
	slog.Info("hub.stopped")
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password PASSWORD",
		Short: "Print the sha-256 digest to put in auth.users[].password_sha256",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(auth.HashPassword(args[0]))
		},
	}
}
