package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"CrewRelay/internal/api"
	"CrewRelay/internal/config"
	"CrewRelay/internal/crew"
	"CrewRelay/internal/events"
	"CrewRelay/internal/execution"
	"CrewRelay/internal/observability/alerting"
	"CrewRelay/internal/observability/metrics"
	"CrewRelay/internal/relay"
	"CrewRelay/pkg/logger"
)

// main 是中继守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx)
	if err != nil {
		logger.L().Error("crewrelayd 运行失败", slog.Any("error", err))
	}
	_ = logger.Sync()
	if err != nil {
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CREWRELAY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "crewrelay.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	log := logger.Named("crewrelayd")

	warnings, err := cfg.Validate()
	if err != nil {
		return err
	}
	for _, w := range warnings {
		log.Warn(w)
	}

	crewClient, err := crew.NewHTTPClient(crew.Config{
		BaseURL:     cfg.Crew.BaseURL,
		BearerToken: cfg.Crew.BearerToken,
		Timeout:     cfg.Crew.Timeout(),
	})
	if err != nil {
		return err
	}

	journal, err := events.Open(ctx, cfg.Events)
	if err != nil {
		return err
	}

	m, err := metrics.New(nil)
	if err != nil {
		_ = journal.Close()
		return err
	}

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if sender := alerting.NewWebhookSender(cfg.Alerting.SlackWebhookURL); sender != nil {
		notifiers = append(notifiers, &alerting.SlackNotifier{Sender: sender, ChannelID: cfg.Alerting.Channel})
	}
	alerts := alerting.NewFanout(notifiers...)

	svc, err := relay.NewService(relay.Options{
		Crew:           crewClient,
		Store:          execution.NewMemoryStore(),
		Journal:        journal,
		JournalQueue:   cfg.Events.QueueSize,
		JournalTimeout: cfg.Events.PublishTimeout(),
		Alerts:         alerts,
		AlertTimeout:   cfg.Alerting.Timeout(),
		Metrics:        m,
		WebhookBaseURL: cfg.Webhook.BaseURL,
	})
	if err != nil {
		_ = journal.Close()
		return err
	}
	// 服务停止后写完队列中的事件并关闭日志。
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warn("关闭事件日志失败", slog.Any("error", err))
		}
	}()

	server := api.NewServer(svc, api.Options{
		Address:      cfg.Server.Address,
		CORSOrigins:  cfg.Server.CORSOrigins,
		CrewURL:      cfg.Crew.BaseURL,
		WebhookURL:   cfg.Webhook.BaseURL,
		Metrics:      m,
		MountMetrics: cfg.Metrics.Address == "",
	})

	log.Info("crewrelayd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("crew_url", cfg.Crew.BaseURL),
		slog.String("crew_token", logger.Mask(cfg.Crew.BearerToken)),
		slog.String("webhook_url", cfg.Webhook.BaseURL),
		slog.String("events_driver", cfg.Events.Driver),
		slog.Any("alert_channels", alerts.Channels()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	if cfg.Metrics.Address != "" {
		g.Go(func() error {
			return metrics.StartServer(gctx, cfg.Metrics.Address, m.Handler())
		})
	}
	return g.Wait()
}
