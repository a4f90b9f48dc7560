package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"KrumpKraft/internal/activity"
	"KrumpKraft/internal/agent"
	"KrumpKraft/internal/api"
	"KrumpKraft/internal/chain"
	"KrumpKraft/internal/chain/ethereum"
	"KrumpKraft/internal/chain/evvm"
	"KrumpKraft/internal/chain/krumpverify"
	"KrumpKraft/internal/config"
	"KrumpKraft/internal/decision"
	"KrumpKraft/internal/knowledge"
	"KrumpKraft/internal/llm"
	"KrumpKraft/internal/llm/openrouter"
	"KrumpKraft/internal/messaging"
	"KrumpKraft/internal/record"
	"KrumpKraft/internal/story"
	"KrumpKraft/internal/swarm"
	"KrumpKraft/pkg/logger"
)

// main 是 KrumpKraft 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("krumpkraftd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("KRUMPKRAFT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "krumpkraft.json")
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
	logg := logger.L()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 记录存储。
	var store record.Store
	switch cfg.Storage.Records.Driver {
	case "", "file":
		dir := cfg.Storage.Records.Dir
		if dir == "" {
			dir = filepath.Join(cfg.Runtime.DataDir, "records")
		}
		fileStore, err := record.NewFileStore(dir)
		if err != nil {
			return err
		}
		store = fileStore
	case "mysql":
		mysqlStore, err := record.NewMySQLStore(ctx, record.MySQLConfig{DSN: cfg.Storage.Records.DSN})
		if err != nil {
			return err
		}
		store = mysqlStore
	default:
		return fmt.Errorf("未知的记录存储驱动: %s", cfg.Storage.Records.Driver)
	}
	defer store.Close()

	// 活动流。
	var feed activity.Feed
	switch cfg.Storage.Activity.Driver {
	case "", "memory":
		feed = activity.NewMemoryFeed()
	case "redis":
		redisFeed, err := activity.NewRedisFeed(activity.RedisFeedConfig{
			Address:  cfg.Storage.Activity.Address,
			Password: cfg.Storage.Activity.Password,
			DB:       cfg.Storage.Activity.DB,
			Key:      cfg.Storage.Activity.Key,
		})
		if err != nil {
			return err
		}
		feed = redisFeed
	default:
		return fmt.Errorf("未知的活动流驱动: %s", cfg.Storage.Activity.Driver)
	}
	defer feed.Close()

	rpcURL, err := resolveRPCURL(cfg)
	if err != nil {
		return err
	}

	sw := swarm.New(logg)
	defer sw.Shutdown()

	var wallets []*chain.Wallet
	defer func() {
		for _, w := range wallets {
			w.Close()
		}
	}()

	observers := agent.MultiObserver{
		agent.SlogObserver{Log: logg},
		agent.AuditObserver{Log: logger.Audit()},
	}
	if cfg.Observability.WebhookURL != "" {
		observers = append(observers, agent.NewWebhookObserver(cfg.Observability.WebhookURL, logg))
	}

	for _, spec := range cfg.Agents {
		deps := agent.Deps{
			Store:    store,
			Bus:      messaging.NewBus(spec.ID, nil),
			Observer: observers,
			Log:      logg,
		}

		// 未配置私钥或 RPC 时 agent 仍会注册，链上指令报未配置。
		if spec.PrivateKey != "" && rpcURL != "" {
			wallet, err := chain.NewWallet(ctx, rpcURL, spec.PrivateKey)
			if err != nil {
				return fmt.Errorf("初始化 %s 钱包失败: %w", spec.ID, err)
			}
			wallets = append(wallets, wallet)

			ethClient, err := ethereum.NewClient(wallet)
			if err != nil {
				return err
			}
			deps.Wallet = ethClient

			if cfg.Chain.EVVM.CoreAddress != "" {
				adapter, err := evvm.NewAdapter(wallet, evvm.Config{
					CoreAddress:    cfg.Chain.EVVM.CoreAddress,
					X402RelayerURL: cfg.Chain.EVVM.X402RelayerURL,
					EvvmID:         parseEvvmID(cfg.Chain.EVVM.EvvmID),
				})
				if err != nil {
					return err
				}
				deps.EVVM = adapter
			}
			if cfg.Chain.KrumpVerify.VerifyAddress != "" {
				verifyClient, err := krumpverify.NewClient(wallet, krumpverify.Config{
					VerifyAddress:   cfg.Chain.KrumpVerify.VerifyAddress,
					TreasuryAddress: cfg.Chain.KrumpVerify.TreasuryAddress,
				})
				if err != nil {
					return err
				}
				deps.Verify = verifyClient
			}
		}

		a, err := agent.New(ctx, agent.Config{
			ID:             spec.ID,
			Name:           spec.Name,
			Role:           agent.Role(spec.Role),
			USDCAddress:    cfg.Chain.USDCAddress,
			IPTokenAddress: cfg.Chain.IPTokenAddress,
		}, deps)
		if err != nil {
			return fmt.Errorf("初始化 agent %s 失败: %w", spec.ID, err)
		}
		sw.Add(a)
		logg.Info("agent 已注册", "agent_id", spec.ID, "role", spec.Role)
	}

	// 跨进程消息中继。
	if cfg.Messaging.AMQP.Enabled {
		relay, err := messaging.NewAMQPRelay(messaging.AMQPConfig{
			URL:      cfg.Messaging.AMQP.URL,
			Queue:    cfg.Messaging.AMQP.Queue,
			Prefetch: cfg.Messaging.AMQP.Prefetch,
			Durable:  true,
		})
		if err != nil {
			return err
		}
		defer relay.Close()
		sw.SetRelay(relay)
		go func() {
			if err := relay.Consume(ctx, sw.Deliver); err != nil && !errors.Is(err, context.Canceled) {
				logg.Error("消息中继消费退出", "error", err)
			}
		}()
	}

	// 自主决策循环。
	if cfg.Decision.Enabled {
		llmClient, err := createLLMClient(cfg)
		if err != nil {
			return err
		}
		know, err := createKnowledgeProvider(cfg)
		if err != nil {
			return err
		}
		loop := decision.New(sw, llmClient, feed, know, nil, decision.Config{
			Interval: time.Duration(cfg.Decision.IntervalSeconds) * time.Second,
			Cooldown: time.Duration(cfg.Decision.CooldownSeconds) * time.Second,
		}, logg)
		go loop.Run(ctx)
	}

	var storyClient *story.Client
	if cfg.Story.APIKey != "" {
		storyClient = story.NewClient(story.Config{
			APIKey:  cfg.Story.APIKey,
			BaseURL: cfg.Story.BaseURL,
		})
	}

	server := api.NewServer(cfg.Server.Address, sw, api.Options{
		Feed:      feed,
		Story:     storyClient,
		AuthToken: cfg.Server.AuthToken,
		Log:       logg,
	})
	return server.Start(ctx)
}

// resolveRPCURL 优先取显式 rpc_url，否则查 chains.yaml 中的链定义。
func resolveRPCURL(cfg *config.Config) (string, error) {
	if cfg.Chain.RPCURL != "" {
		return cfg.Chain.RPCURL, nil
	}
	defs, err := chain.LoadDefinitions(cfg.Chain.DefinitionsPath)
	if err != nil {
		return "", err
	}
	if def, ok := defs.Lookup(cfg.Chain.Name); ok {
		return def.RPCURL, nil
	}
	return "", nil
}

func parseEvvmID(raw string) *big.Int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	id, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil
	}
	return id
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "openrouter":
		apiKey := strings.TrimSpace(cfg.LLM.OpenRouter.APIKey)
		if apiKey == "" {
			return nil, errors.New("OpenRouter provider 需要配置 api_key 或 OPENROUTER_API_KEY")
		}
		return openrouter.NewClient(openrouter.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenRouter.BaseURL,
			Model:   cfg.LLM.OpenRouter.Model,
			Referer: cfg.LLM.OpenRouter.Referer,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func createKnowledgeProvider(cfg *config.Config) (knowledge.Provider, error) {
	if cfg.Runtime.KnowledgePath == "" {
		return knowledge.DefaultKrumpProvider(), nil
	}
	return knowledge.LoadStaticProvider(cfg.Runtime.KnowledgePath, 0)
}
