// Command agentbridge relays between a Telegram chat and the Redis-stream bus
// feeding an autonomous task worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/hollis-dev/agentbridge/internal/config"
	"github.com/hollis-dev/agentbridge/internal/dispatch"
	"github.com/hollis-dev/agentbridge/internal/protocol"
	"github.com/hollis-dev/agentbridge/internal/recovery"
	"github.com/hollis-dev/agentbridge/internal/schedule"
	"github.com/hollis-dev/agentbridge/internal/stream"
	"github.com/hollis-dev/agentbridge/internal/telegram"
	"github.com/mymmrac/telego"
	"github.com/redis/go-redis/v9"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("gateway failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis url: %w", err)
	}

	// Every blocking loop owns its connection; a blocking read on a shared
	// one would stall unrelated operations.
	newClient := func() *redis.Client { return redis.NewClient(opts) }
	producer := newClient()
	outboundRdb := newClient()
	recoveryRdb := newClient()
	backgroundRdb := newClient()
	reminderRdb := newClient()
	clients := []*redis.Client{producer, outboundRdb, recoveryRdb, backgroundRdb, reminderRdb}
	defer func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}()

	bot, err := telego.NewBot(cfg.TelegramToken, telego.WithDiscardLogger())
	if err != nil {
		return fmt.Errorf("telegram bot: %w", err)
	}

	admin := protocol.ChatRef{ChatID: cfg.AdminID}
	if admin.IsZero() {
		log.Warn("admin chat not configured; uncorrelated responses will be dropped")
	}

	pub := stream.NewPublisher(producer, cfg.StreamMaxLen)
	sender := telegram.NewSender(bot, admin, cfg.WorkspaceDir, log)
	handler := telegram.NewHandler(bot, pub, sender, cfg, log)

	pipeline := dispatch.New(
		stream.NewReader(outboundRdb, log), sender,
		dispatch.Config{
			Stream:   cfg.OutboundStream,
			Group:    cfg.ConsumerGroup,
			Consumer: cfg.ConsumerName,
			Admin:    admin,
		}, log)

	recoverer := recovery.New(
		stream.NewReader(recoveryRdb, log), pipeline,
		recovery.Config{
			Stream:   cfg.RecoveryStream,
			Group:    cfg.ConsumerGroup,
			Consumer: cfg.ConsumerName,
		}, log)

	background := schedule.NewListener(
		stream.NewReader(backgroundRdb, log),
		schedule.NewJobEventHandler(sender, log),
		schedule.Config{
			Stream:   cfg.BackgroundStream,
			Group:    cfg.ConsumerGroup,
			Consumer: cfg.ConsumerName,
		}, log)

	reminder := schedule.NewListener(
		stream.NewReader(reminderRdb, log),
		schedule.NewReminderHandler(sender, pub, cfg.InboundStream, admin, log),
		schedule.Config{
			Stream:   cfg.ReminderStream,
			Group:    cfg.ConsumerGroup,
			Consumer: cfg.ConsumerName,
		}, log)

	if err := handler.RegisterCommands(ctx); err != nil {
		log.Warn("command registration failed", "error", err)
	}

	var cron *schedule.CronTrigger
	if cfg.DkronURL != "" {
		setup := schedule.SetupConfig{
			URL:           cfg.DkronURL,
			Schedule:      cfg.RecoverySchedule,
			ControlStream: cfg.RecoveryStream,
		}
		if err := schedule.EnsureRecoveryJob(ctx, nil, setup, log); err != nil {
			log.Error("recovery job setup failed", "error", err)
		}
	} else {
		cron, err = schedule.NewCronTrigger(producer, cfg.RecoveryStream, cfg.CronSchedule, cfg.StreamMaxLen, log)
		if err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	launch := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}

	launch(func() { pipeline.Run(ctx) })
	launch(func() { recoverer.Run(ctx) })
	launch(func() { background.Run(ctx) })
	launch(func() { reminder.Run(ctx) })
	if cron != nil {
		launch(func() { cron.Run(ctx) })
	}
	launch(func() {
		if err := handler.Run(ctx); err != nil {
			log.Error("telegram update loop failed", "error", err)
			stop()
		}
	})

	log.Info("gateway started",
		"inbound", cfg.InboundStream, "outbound", cfg.OutboundStream,
		"group", cfg.ConsumerGroup, "consumer", cfg.ConsumerName)

	wg.Wait()
	log.Info("gateway stopped")
	return nil
}

func buildLogger(cfg config.Config) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "", "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", cfg.LogLevel)
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(cfg.LogFormat) {
	case "", "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", cfg.LogFormat)
	}
	return slog.New(h), nil
}
