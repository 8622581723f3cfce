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

	"github.com/Ashish9059/MedGuardian-Edge/internal/api"
	"github.com/Ashish9059/MedGuardian-Edge/internal/config"
	"github.com/Ashish9059/MedGuardian-Edge/internal/llm/ollama"
	"github.com/Ashish9059/MedGuardian-Edge/internal/observability/alerting"
	"github.com/Ashish9059/MedGuardian-Edge/internal/observability/metrics"
	"github.com/Ashish9059/MedGuardian-Edge/internal/orchestrator"
	"github.com/Ashish9059/MedGuardian-Edge/internal/run"
	"github.com/Ashish9059/MedGuardian-Edge/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runDaemon(ctx); err != nil {
		log.Fatalf("medguardiand failed: %v", err)
	}
}

func runDaemon(ctx context.Context) error {
	configPath := os.Getenv("MEDGUARDIAN_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "medguardian.yaml")
	}

	var cfg *config.Config
	if _, err := os.Stat(configPath); err == nil {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
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

	gateway := ollama.NewClient(ollama.Config{
		BaseURL:       cfg.Ollama.BaseURL,
		Model:         cfg.Ollama.Model,
		Timeout:       cfg.Ollama.Timeout(),
		HealthTimeout: cfg.Ollama.HealthTimeout(),
	})

	// Startup probe. The daemon still starts when the model server is down;
	// requests fail fast until it comes back.
	probeCtx, probeCancel := context.WithTimeout(ctx, cfg.Ollama.HealthTimeout())
	status := gateway.HealthCheck(probeCtx)
	probeCancel()
	logger.L().Info("model backend probe",
		slog.String("ollama_status", status.OllamaStatus),
		slog.Bool("model_loaded", status.ModelLoaded),
		slog.String("model", status.ModelName),
	)

	dispatcher := alerting.NewFanout(alerting.LogNotifier{})
	pipeline := orchestrator.New(gateway, orchestrator.WithAlertDispatcher(dispatcher))

	var runStore run.Store
	switch cfg.RunStore.Driver {
	case "", "memory":
		runStore = run.NewMemoryStore()
	case "mysql":
		store, err := run.NewMySQLStore(run.MySQLConfig{
			DSN:             cfg.RunStore.DSN,
			MaxOpenConns:    cfg.RunStore.MaxOpenConns,
			MaxIdleConns:    cfg.RunStore.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.RunStore.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		runStore = store
	default:
		return fmt.Errorf("unknown run store driver: %s", cfg.RunStore.Driver)
	}
	defer func() {
		_ = runStore.Close()
	}()

	var runQueue run.Queue
	switch cfg.RunQueue.Driver {
	case "", "memory":
		runQueue = run.NewMemoryQueue(1024)
	case "redis":
		queue, err := run.NewRedisQueue(run.RedisQueueConfig{
			Address:   cfg.RunQueue.Redis.Address,
			Password:  cfg.RunQueue.Redis.Password,
			DB:        cfg.RunQueue.Redis.DB,
			Queue:     cfg.RunQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.RunQueue.Redis.BlockWaitSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		runQueue = queue
	case "rabbitmq":
		queue, err := run.NewRabbitMQQueue(run.RabbitMQConfig{
			URL:        cfg.RunQueue.RabbitMQ.URL,
			Queue:      cfg.RunQueue.RabbitMQ.Queue,
			Prefetch:   cfg.RunQueue.RabbitMQ.Prefetch,
			Durable:    cfg.RunQueue.RabbitMQ.Durable,
			AutoDelete: cfg.RunQueue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		runQueue = queue
	default:
		return fmt.Errorf("unknown run queue driver: %s", cfg.RunQueue.Driver)
	}
	defer func() {
		if err := runQueue.Close(); err != nil {
			logger.L().Warn("failed to close run queue", slog.Any("error", err))
		}
	}()

	runService := run.NewService(runStore, runQueue, cfg.RunStore.Retries)
	processor := run.NewProcessor(pipeline, runStore, runQueue, runQueue,
		run.WithWorkerCount(cfg.RunQueue.Worker),
		run.WithProcessorLogger(logger.Named("processor")),
		run.WithAlertDispatcher(dispatcher),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("run processor exited", slog.Any("error", err))
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("metrics server exited", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, pipeline, runService, gateway)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
