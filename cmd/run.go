package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/relaydeck/internal/config"
	"github.com/nextlevelbuilder/relaydeck/internal/discord"
	"github.com/nextlevelbuilder/relaydeck/internal/relay"
	"github.com/nextlevelbuilder/relaydeck/internal/state"
	"github.com/nextlevelbuilder/relaydeck/internal/telemetry"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the relay (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runRelay()
		},
	}
}

func runRelay() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}

	store, err := state.Open(filepath.Join(cfg.StateDir, "sessions.json"), cfg.Agent.DefaultWorkdir)
	if err != nil {
		slog.Error("state open failed", "error", err)
		os.Exit(1)
	}

	// The shell and the relay reference each other; build the shell around a
	// late-bound handler.
	var core *relay.Relay
	shell, err := discord.New(cfg.Discord, func(in discord.Inbound) {
		core.HandleMessage(relay.Message{
			ConvKey:     in.ConvKey,
			IsDM:        in.IsDM,
			GuildID:     in.GuildID,
			ChannelID:   in.ChannelID,
			Content:     in.Content,
			Attachments: in.Attachments,
			Reply:       in.Pending,
		})
	})
	if err != nil {
		slog.Error("discord setup failed", "error", err)
		os.Exit(1)
	}

	core, err = relay.New(cfg, store, shell)
	if err != nil {
		slog.Error("relay setup failed", "error", err)
		os.Exit(1)
	}

	if err := shell.Start(); err != nil {
		slog.Error("discord start failed", "error", err)
		os.Exit(1)
	}
	core.Start()
	slog.Info("relaydeck running", "version", Version, "stateDir", cfg.StateDir)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		slog.Warn("supervisor exited", "error", err)
	}

	slog.Info("shutting down")
	if err := shell.Stop(); err != nil {
		slog.Warn("discord stop failed", "error", err)
	}
	core.Close()
	if err := store.Close(); err != nil {
		slog.Warn("state flush failed", "error", err)
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTelemetry(flushCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
	fmt.Println("bye")
}
