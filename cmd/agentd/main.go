package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"OpenACP-Chain/internal/api"
	"OpenACP-Chain/internal/broker"
	"OpenACP-Chain/internal/config"
	"OpenACP-Chain/internal/enrich"
	"OpenACP-Chain/internal/ledger"
	"OpenACP-Chain/internal/ledger/provider"
	"OpenACP-Chain/internal/llm/openai"
	"OpenACP-Chain/internal/mention"
	"OpenACP-Chain/internal/observability/alerting"
	"OpenACP-Chain/internal/social/twitter"
	"OpenACP-Chain/internal/storage/kv"
	"OpenACP-Chain/internal/storage/mysql"
	"OpenACP-Chain/pkg/logger"
)

// main 是 agentd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agentd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// .env 不存在时静默跳过，凭据也可以直接来自进程环境。
	_ = godotenv.Load()

	configPath := os.Getenv("AGENT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agent.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	socialClient, err := twitter.NewClient(twitter.Config{
		BearerToken: cfg.Social.BearerToken,
		BaseURL:     cfg.Social.BaseURL,
		UserID:      cfg.Social.UserID,
		DryRun:      cfg.Social.DryRun,
	})
	if err != nil {
		return err
	}

	llmClient, err := openai.NewClient(openai.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		SmallModel:  cfg.LLM.SmallModel,
		MediumModel: cfg.LLM.MediumModel,
		LargeModel:  cfg.LLM.LargeModel,
		Temperature: cfg.LLM.Temperature,
	})
	if err != nil {
		return err
	}

	var deliveryRepo mysql.DeliveryRepository
	switch cfg.Storage.Delivery.Driver {
	case "memory", "":
		repo, err := mysql.NewMemoryDeliveryRepository(cfg.Runtime.DataDir)
		if err != nil {
			return err
		}
		deliveryRepo = repo
	case "mysql":
		repo, err := mysql.NewSQLDeliveryRepository(ctx, mysql.Config{DSN: cfg.Storage.Delivery.DSN})
		if err != nil {
			return err
		}
		deliveryRepo = repo
	default:
		return mysql.ErrUnsupportedDriver
	}
	if closer, ok := deliveryRepo.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	var kvStore kv.Store
	switch cfg.Storage.KV.Driver {
	case "memory", "":
		kvStore = kv.NewMemoryStore()
	case "redis":
		store, err := kv.NewRedisStore(kv.RedisConfig{
			Address:   cfg.Storage.KV.Address,
			Password:  cfg.Storage.KV.Password,
			DB:        cfg.Storage.KV.DB,
			KeyPrefix: cfg.Storage.KV.Prefix,
		})
		if err != nil {
			return err
		}
		kvStore = store
	default:
		return fmt.Errorf("未知的 KV 驱动: %s", cfg.Storage.KV.Driver)
	}
	defer func() { _ = kvStore.Close() }()

	var queue mention.Queue
	switch cfg.Queue.Driver {
	case "", "none":
		queue = nil
	case "memory":
		queue = mention.NewMemoryQueue(1024)
	case "redis":
		q, err := mention.NewRedisQueue(mention.RedisQueueConfig{
			Address:  cfg.Queue.Address,
			Password: cfg.Queue.Password,
			DB:       cfg.Queue.DB,
			Queue:    cfg.Queue.Name,
		})
		if err != nil {
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := mention.NewRabbitMQQueue(mention.RabbitMQConfig{
			URL:     cfg.Queue.URL,
			Queue:   cfg.Queue.Name,
			Durable: true,
		})
		if err != nil {
			return err
		}
		queue = q
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	if queue != nil {
		defer func() {
			if err := queue.Close(); err != nil {
				logger.L().Warn("关闭队列失败", "error", err)
			}
		}()
	}

	var enricher *enrich.Adapter
	if cfg.Enrich.Enabled {
		dataClient, err := enrich.NewClient(enrich.ClientConfig{
			BaseURL:   cfg.Enrich.BaseURL,
			AuthToken: cfg.Enrich.AuthToken,
		})
		if err != nil {
			return err
		}
		enricher = enrich.NewAdapter(llmClient, dataClient)
	}

	var jobs *broker.Broker
	if cfg.Jobs.Enabled {
		var indexer ledger.Indexer
		registry, err := provider.NewRegistry(ctx, cfg.Ledger.ChainConfigPath, cfg.Ledger.DefaultChain)
		if err != nil {
			return err
		}
		defer registry.Close()
		indexer, err = registry.Default()
		if err != nil {
			return err
		}

		var market broker.MarketClient
		if cfg.Jobs.MarketBaseURL != "" {
			client, err := broker.NewMarketClient(broker.MarketConfig{
				BaseURL:    cfg.Jobs.MarketBaseURL,
				WalletAddr: cfg.Jobs.WalletAddress,
			})
			if err != nil {
				return err
			}
			market = client
		}

		var analyzer broker.Analyzer
		if enricher != nil {
			analyzer = enricher
		}

		jobs, err = broker.New(broker.Config{
			ReceivingAddress:    cfg.Jobs.ReceivingAddress,
			TokenContract:       cfg.Jobs.TokenContract,
			TokenDecimals:       cfg.Jobs.TokenDecimals,
			RecordTTL:           cfg.RecordTTL(),
			PaymentPollInterval: time.Duration(cfg.Jobs.PaymentPollSeconds) * time.Second,
			PaymentPollAttempts: cfg.Jobs.PaymentPollAttempts,
			JobPollInterval:     time.Duration(cfg.Jobs.JobPollSeconds) * time.Second,
			JobPollAttempts:     cfg.Jobs.JobPollAttempts,
			SelfServicePrice:    cfg.Jobs.SelfServicePrice,
			Requote:             cfg.Jobs.Requote,
		}, market, llmClient, indexer, analyzer, kvStore)
		if err != nil {
			return err
		}
	}

	threads := mention.NewThreadBuilder(socialClient, deliveryRepo, kvStore, cfg.Social.ThreadDepth, logger.Named("thread"))
	composer := mention.NewComposer(llmClient, mention.DefaultPolicy, nil, logger.Named("composer"))
	deliverer := mention.NewDeliverer(socialClient, deliveryRepo,
		cfg.Social.PostAttempts, cfg.PostRetryDelay(), logger.Named("delivery"))

	var enrichStage mention.Enricher
	if enricher != nil {
		enrichStage = enricher
	}
	var jobStage mention.JobBroker
	if jobs != nil {
		jobStage = jobs
	}

	pipeline := mention.NewPipeline(mention.PipelineConfig{
		PriorityHandles: cfg.Social.PriorityHandles,
	}, llmClient, threads, enrichStage, jobStage, composer, deliverer, kvStore)

	alerts := alerting.NewFanout(&alerting.LogNotifier{})

	poller := mention.NewPoller(mention.PollerConfig{
		Query:                 cfg.Social.Query,
		Interval:              cfg.PollInterval(),
		BatchLimit:            cfg.Social.BatchLimit,
		TargetUsers:           cfg.Social.TargetUsers,
		ScheduledPostInterval: cfg.ScheduledPostInterval(),
	}, socialClient, deliveryRepo, pipeline, composer, deliverer, queue, alerts)

	if cfg.Server.Enabled {
		server := api.NewServer(cfg.Server.Address, cfg.Server.Token, deliveryRepo, jobs)
		go func() {
			if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("状态服务退出", "error", err)
			}
		}()
	}

	logger.L().Info("agentd 启动", "query", cfg.Social.Query, "dry_run", cfg.Social.DryRun)
	return poller.Run(ctx)
}
