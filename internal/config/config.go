package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述 KrumpKraft 守护进程启动所需的全部配置。
type Config struct {
	Server        ServerConfig        `json:"server"`
	Storage       StorageConfig       `json:"storage"`
	Messaging     MessagingConfig     `json:"messaging"`
	Chain         ChainConfig         `json:"chain"`
	LLM           LLMConfig           `json:"llm"`
	Story         StoryConfig         `json:"story"`
	Decision      DecisionConfig      `json:"decision"`
	Agents        []AgentConfig       `json:"agents"`
	Logging       LoggingConfig       `json:"logging"`
	Observability ObservabilityConfig `json:"observability"`
	Runtime       RuntimeConfig       `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址与写操作凭证。
type ServerConfig struct {
	Address   string `json:"address"`
	AuthToken string `json:"auth_token"`
}

// StorageConfig 汇集记录存储与活动流的后端选择。
type StorageConfig struct {
	Records  RecordStoreConfig `json:"records"`
	Activity ActivityConfig    `json:"activity"`
}

// RecordStoreConfig 选择 agent 记录的持久化后端。
type RecordStoreConfig struct {
	// Driver 取 file 或 mysql。
	Driver string `json:"driver"`
	Dir    string `json:"dir"`
	DSN    string `json:"dsn"`
}

// ActivityConfig 选择活动流后端。
type ActivityConfig struct {
	// Driver 取 memory 或 redis。
	Driver   string `json:"driver"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// MessagingConfig 配置跨进程消息中继。
type MessagingConfig struct {
	AMQP AMQPConfig `json:"amqp"`
}

// AMQPConfig 描述 RabbitMQ 中继，Enabled 为 false 时仅走进程内总线。
type AMQPConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
}

// ChainConfig 描述 Story Aeneid 节点与合约地址。
type ChainConfig struct {
	// Name 在 chains.yaml 中查找 RPC 端点，RPCURL 非空时优先生效。
	Name            string            `json:"name"`
	DefinitionsPath string            `json:"definitions_path"`
	RPCURL          string            `json:"rpc_url"`
	USDCAddress     string            `json:"usdc_address"`
	IPTokenAddress  string            `json:"ip_token_address"`
	EVVM            EVVMConfig        `json:"evvm"`
	KrumpVerify     KrumpVerifyConfig `json:"krump_verify"`
}

// EVVMConfig 描述 EVVM Core 与 x402 支付通道。
type EVVMConfig struct {
	CoreAddress    string `json:"core_address"`
	EvvmID         string `json:"evvm_id"`
	X402RelayerURL string `json:"x402_relayer_url"`
}

// KrumpVerifyConfig 描述验证与分账合约。
type KrumpVerifyConfig struct {
	VerifyAddress   string `json:"verify_address"`
	TreasuryAddress string `json:"treasury_address"`
}

// LLMConfig 配置决策模型的调用方式。
type LLMConfig struct {
	Provider   string           `json:"provider"`
	OpenRouter OpenRouterConfig `json:"openrouter"`
}

// OpenRouterConfig 描述 OpenRouter 聊天补全接口。
type OpenRouterConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	Referer string `json:"referer"`
}

// StoryConfig 描述 Story Protocol REST API，APIKey 为空时跳过 IP 资产统计。
type StoryConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

// DecisionConfig 控制自主决策循环的节奏。
type DecisionConfig struct {
	Enabled         bool `json:"enabled"`
	IntervalSeconds int  `json:"interval_seconds"`
	CooldownSeconds int  `json:"cooldown_seconds"`
}

// AgentConfig 是单个 agent 的静态定义。PrivateKeyEnv 指向存放该
// agent 钱包私钥的环境变量，未设置时复用 KRUMPKRAFT_PRIVATE_KEY。
type AgentConfig struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Role          string `json:"role"`
	PrivateKeyEnv string `json:"private_key_env"`
	PrivateKey    string `json:"-"`
}

// LoggingConfig 控制结构化日志输出。
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 控制支付/验证审计日志的独立输出。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// ObservabilityConfig 配置外部通知通道。WebhookURL 非空时，
// 指令完成与余额刷新失败事件会以 JSON POST 推送到该地址。
type ObservabilityConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// RuntimeConfig 放置运行时通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
	// KnowledgePath 指向知识卡片 JSON，留空使用内置的 Krump 文化卡片。
	KnowledgePath string `json:"knowledge_path"`
}

// Load 解析指定路径的 JSON 配置文件，并叠加默认值与环境变量。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.applyEnv()

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":3000"
	}

	if c.Storage.Records.Driver == "" {
		c.Storage.Records.Driver = "file"
	}
	if c.Storage.Activity.Driver == "" {
		c.Storage.Activity.Driver = "memory"
	}
	if c.Storage.Activity.Address == "" {
		c.Storage.Activity.Address = "127.0.0.1:6379"
	}

	if c.Messaging.AMQP.Queue == "" {
		c.Messaging.AMQP.Queue = "krumpkraft.messages"
	}
	if c.Messaging.AMQP.Prefetch <= 0 {
		c.Messaging.AMQP.Prefetch = 16
	}

	if c.Chain.Name == "" {
		c.Chain.Name = "story_aeneid"
	}
	if c.Chain.DefinitionsPath != "" && !filepath.IsAbs(c.Chain.DefinitionsPath) {
		c.Chain.DefinitionsPath = filepath.Join(baseDir, c.Chain.DefinitionsPath)
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openrouter"
	}

	if c.Decision.IntervalSeconds <= 0 {
		c.Decision.IntervalSeconds = 45
	}
	if c.Decision.CooldownSeconds <= 0 {
		c.Decision.CooldownSeconds = 5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Runtime.KnowledgePath != "" && !filepath.IsAbs(c.Runtime.KnowledgePath) {
		c.Runtime.KnowledgePath = filepath.Join(baseDir, c.Runtime.KnowledgePath)
	}
}

// applyEnv 从环境变量叠加密钥类配置，避免把私钥写进配置文件。
func (c *Config) applyEnv() {
	fallbackKey := os.Getenv("KRUMPKRAFT_PRIVATE_KEY")
	for i := range c.Agents {
		key := fallbackKey
		if c.Agents[i].PrivateKeyEnv != "" {
			if v := os.Getenv(c.Agents[i].PrivateKeyEnv); v != "" {
				key = v
			}
		}
		c.Agents[i].PrivateKey = key
	}

	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		c.LLM.OpenRouter.APIKey = v
	}
	if v := os.Getenv("X402_RELAYER_URL"); v != "" {
		c.Chain.EVVM.X402RelayerURL = v
	}
	if v := os.Getenv("STORY_API_KEY"); v != "" {
		c.Story.APIKey = v
	}
	if v := os.Getenv("KRUMPKRAFT_API_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv("KRUMPKRAFT_WEBHOOK_URL"); v != "" {
		c.Observability.WebhookURL = v
	}
	if v := os.Getenv("STORY_RPC_URL"); v != "" {
		c.Chain.RPCURL = v
	}
}
