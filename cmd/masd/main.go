package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"MAS-Coordinator/internal/api"
	"MAS-Coordinator/internal/catalog"
	"MAS-Coordinator/internal/config"
	"MAS-Coordinator/internal/coordinator"
	"MAS-Coordinator/internal/events"
	"MAS-Coordinator/internal/gateway"
	"MAS-Coordinator/internal/llm/openai"
	"MAS-Coordinator/internal/observability/alerting"
	"MAS-Coordinator/internal/router"
	"MAS-Coordinator/internal/state"
	"MAS-Coordinator/pkg/logger"
)

// main 是 MAS 协调守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("masd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("MAS_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "coordinator.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Outputs: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	apiKey := cfg.LLM.ResolveAPIKey()
	if apiKey == "" {
		return errors.New("缺少大模型 API 密钥：请配置 llm.api_key 或 llm.api_key_env")
	}
	llmClient, err := openai.NewClient(openai.Config{
		APIKey:  apiKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout(),
	})
	if err != nil {
		return err
	}

	cat := catalog.Default()
	if cfg.Catalog.Path != "" {
		cat, err = catalog.Load(cfg.Catalog.Path)
		if err != nil {
			return err
		}
	}

	stateStore, err := createStateStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := stateStore.Close(); err != nil {
			logger.L().Warn("关闭状态存储失败", slog.Any("error", err))
		}
	}()

	publisher, err := createPublisher(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.L().Warn("关闭事件发布器失败", slog.Any("error", err))
		}
	}()

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}

	gateways := []gateway.Gateway{gateway.NewGPAGateway(cfg.Agents.GPA.Endpoint)}
	if cfg.Agents.UMS.Endpoint != "" {
		gateways = append(gateways, gateway.NewUMSGateway(cfg.Agents.UMS.Endpoint))
	}

	coord, err := coordinator.New(
		router.New(llmClient, cat),
		llmClient,
		gateways,
		coordinator.WithPublisher(publisher),
		coordinator.WithAlerts(alerting.NewFanout(notifiers...)),
	)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, coord, api.WithStateStore(stateStore))
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createStateStore(ctx context.Context, cfg *config.Config) (state.Store, error) {
	switch cfg.StateStore.Driver {
	case "", "memory":
		return state.NewMemoryStore(), nil
	case "redis":
		return state.NewRedisStore(state.RedisStoreConfig{
			Address:   cfg.StateStore.Redis.Address,
			Password:  cfg.StateStore.Redis.Password,
			DB:        cfg.StateStore.Redis.DB,
			KeyPrefix: cfg.StateStore.Redis.KeyPrefix,
			TTL:       time.Duration(cfg.StateStore.Redis.TTLSeconds) * time.Second,
		})
	case "mysql":
		return state.NewMySQLStore(ctx, state.MySQLStoreConfig{
			DSN: cfg.StateStore.MySQL.DSN,
		})
	default:
		return nil, fmt.Errorf("未知的状态存储驱动: %s", cfg.StateStore.Driver)
	}
}

func createPublisher(cfg *config.Config) (events.Publisher, error) {
	switch cfg.Events.Driver {
	case "", "memory":
		return events.NewMemoryPublisher(0), nil
	case "rabbitmq":
		return events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:     cfg.Events.RabbitMQ.URL,
			Queue:   cfg.Events.RabbitMQ.Queue,
			Durable: cfg.Events.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的事件发布驱动: %s", cfg.Events.Driver)
	}
}
