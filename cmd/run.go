package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gorpbot/gorp/internal/activity"
	"github.com/gorpbot/gorp/internal/agent"
	"github.com/gorpbot/gorp/internal/attachments"
	"github.com/gorpbot/gorp/internal/commands"
	"github.com/gorpbot/gorp/internal/config"
	"github.com/gorpbot/gorp/internal/discord"
	"github.com/gorpbot/gorp/internal/reports"
	"github.com/gorpbot/gorp/internal/telemetry"
	"github.com/gorpbot/gorp/internal/tools"
)

// runRelay wires and runs the whole relay: Discord in, tracker and
// limiter in the middle, agent out. Blocks until SIGINT or SIGTERM.
func runRelay() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using process environment")
	}

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.Discord.Token == "" {
		fmt.Println("No Discord bot token configured.")
		fmt.Println()
		fmt.Println("Run the setup wizard:   gorp onboard")
		fmt.Println("Or set the token:       export GORP_DISCORD_TOKEN=...")
		os.Exit(1)
	}
	if cfg.Agent.APIKey == "" {
		slog.Warn("no agent API key configured, relay sends will fail until GORP_AGENT_API_KEY is set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown initiated", "signal", sig)
		cancel()
	}()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}

	resolver := attachments.NewResolver(cfg.Attachments)

	channel, err := discord.New(cfg.Discord, resolver)
	if err != nil {
		slog.Error("discord setup failed", "error", err)
		os.Exit(1)
	}

	// Token check and identity in one call, before anything depends on it.
	identity, err := channel.ResolveIdentity(ctx)
	if err != nil {
		slog.Error("discord identity lookup failed, check the bot token", "error", err)
		os.Exit(1)
	}

	registry := tools.NewRegistry()
	registry.Register(tools.NewSendMessageTool(channel))
	registry.Register(tools.NewAddReactionTool(channel))
	registry.Register(tools.NewChannelHistoryTool(channel, cfg.Discord.HistoryLimit))

	agentClient := agent.New(cfg.Agent, registry)
	relay := agent.NewRelay(agentClient, channel)

	limiter := activity.NewLimiter(cfg.Relay.MaxMessagesPerHour)
	tracker := activity.NewTracker(activity.TrackerConfig{
		Identity:           identity,
		InteractionTimeout: cfg.InteractionTimeout(),
		BatchInterval:      cfg.BatchInterval(),
	}, limiter, relay, cfg)

	scheduler := activity.NewScheduler(tracker, cfg.BatchInterval())

	handler := commands.NewHandler(commands.HandlerConfig{
		Config:    cfg,
		Tracker:   tracker,
		Limiter:   limiter,
		Scheduler: scheduler,
		Relay:     relay,
		Messenger: channel,
		Identity:  identity,
		Version:   Version,
	})

	channel.OnMessage(func(ctx context.Context, msg activity.Message) {
		if handler.Maybe(ctx, msg) {
			return
		}
		tracker.Process(ctx, msg)
	})

	if err := channel.Start(ctx); err != nil {
		slog.Error("discord start failed", "error", err)
		os.Exit(1)
	}

	scheduler.Start(ctx)

	runner := reports.NewRunner(cfg, limiter, relay)
	runner.Start(ctx)

	watcher, err := config.NewWatcher(cfgPath, cfg)
	if err != nil {
		slog.Warn("config watcher unavailable, edits need a restart", "error", err)
	} else {
		watcher.Start()
	}

	slog.Info("gorp relay started",
		"version", Version,
		"bot_user_id", identity.UserID,
		"aliases", identity.Aliases,
		"forwarding", cfg.ForwardingEnabled(),
		"max_per_hour", cfg.Relay.MaxMessagesPerHour,
		"tools", registry.Names(),
	)

	<-ctx.Done()

	// Inbound stops first so nothing new lands in the queues, then the
	// background loops drain.
	if err := channel.Stop(); err != nil {
		slog.Warn("discord stop failed", "error", err)
	}
	scheduler.Stop()
	runner.Stop()
	if watcher != nil {
		_ = watcher.Close()
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := shutdownTelemetry(flushCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}

	slog.Info("gorp relay stopped")
}
