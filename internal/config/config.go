package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 agentd 在启动阶段需要加载的核心配置。
// 凭据类字段建议通过环境变量注入（见 envOverrides）。
type Config struct {
	Social  SocialConfig  `json:"social"`
	LLM     LLMConfig     `json:"llm"`
	Enrich  EnrichConfig  `json:"enrich"`
	Jobs    JobsConfig    `json:"jobs"`
	Ledger  LedgerConfig  `json:"ledger"`
	Storage StorageConfig `json:"storage"`
	Queue   QueueConfig   `json:"queue"`
	Server  ServerConfig  `json:"server"`
	Runtime RuntimeConfig `json:"runtime"`
	Logging LoggingConfig `json:"logging"`
}

// SocialConfig 描述社交平台接入与轮询行为。
type SocialConfig struct {
	BearerToken           string   `json:"bearer_token"`
	BaseURL               string   `json:"base_url"`
	UserID                string   `json:"user_id"`
	Query                 string   `json:"query"`
	PollIntervalSeconds   int      `json:"poll_interval_seconds"`
	BatchLimit            int      `json:"batch_limit"`
	TargetUsers           []string `json:"target_users"`
	PriorityHandles       []string `json:"priority_handles"`
	ScheduledPostMinutes  int      `json:"scheduled_post_minutes"`
	PostAttempts          int      `json:"post_attempts"`
	PostRetryDelaySeconds int      `json:"post_retry_delay_seconds"`
	ThreadDepth           int      `json:"thread_depth"`
	DryRun                bool     `json:"dry_run"`
}

// LLMConfig 用于配置大模型调用。
type LLMConfig struct {
	APIKey      string  `json:"api_key"`
	BaseURL     string  `json:"base_url"`
	SmallModel  string  `json:"small_model"`
	MediumModel string  `json:"medium_model"`
	LargeModel  string  `json:"large_model"`
	Temperature float64 `json:"temperature"`
}

// EnrichConfig 描述链上数据服务的接入信息。
type EnrichConfig struct {
	Enabled   bool   `json:"enabled"`
	BaseURL   string `json:"base_url"`
	AuthToken string `json:"auth_token"`
}

// JobsConfig 描述付费任务协调器的配置。
type JobsConfig struct {
	Enabled             bool    `json:"enabled"`
	MarketBaseURL       string  `json:"market_base_url"`
	WalletAddress       string  `json:"wallet_address"`
	ReceivingAddress    string  `json:"receiving_address"`
	TokenContract       string  `json:"token_contract"`
	TokenDecimals       int     `json:"token_decimals"`
	RecordTTLHours      int     `json:"record_ttl_hours"`
	PaymentPollSeconds  int     `json:"payment_poll_seconds"`
	PaymentPollAttempts int     `json:"payment_poll_attempts"`
	JobPollSeconds      int     `json:"job_poll_seconds"`
	JobPollAttempts     int     `json:"job_poll_attempts"`
	SelfServicePrice    float64 `json:"self_service_price"`
	Requote             bool    `json:"requote"`
}

// LedgerConfig 描述链上账本索引的配置。
type LedgerConfig struct {
	ChainConfigPath string `json:"chain_config_path"`
	DefaultChain    string `json:"default_chain"`
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息。
type StorageConfig struct {
	Delivery DeliveryStoreConfig `json:"delivery"`
	KV       KVStoreConfig       `json:"kv"`
}

// DeliveryStoreConfig 描述发送记录的持久化后端。
type DeliveryStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// KVStoreConfig 描述任务记录等键值状态的后端。
type KVStoreConfig struct {
	Driver   string `json:"driver"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// QueueConfig 描述内容 ID 队列的后端。
type QueueConfig struct {
	Driver   string `json:"driver"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	URL      string `json:"url"`
	Name     string `json:"name"`
}

// ServerConfig 控制状态接口的监听地址，默认关闭。
type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
	Token   string `json:"token"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// Load 负责解析指定路径的 JSON 配置文件。
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

	cfg.envOverrides()
	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// envOverrides 用环境变量覆盖凭据类字段，
// 避免把密钥写进配置文件。
func (c *Config) envOverrides() {
	if v := os.Getenv("TWITTER_BEARER_TOKEN"); v != "" {
		c.Social.BearerToken = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("CARV_AUTH_TOKEN"); v != "" {
		c.Enrich.AuthToken = v
	}
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		c.Storage.Delivery.DSN = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Storage.KV.Password = v
		c.Queue.Password = v
	}
	if v := os.Getenv("STATUS_API_TOKEN"); v != "" {
		c.Server.Token = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Social.PollIntervalSeconds <= 0 {
		c.Social.PollIntervalSeconds = 90
	}
	if c.Social.BatchLimit <= 0 {
		c.Social.BatchLimit = 20
	}
	if c.Social.PostAttempts <= 0 {
		c.Social.PostAttempts = 3
	}
	if c.Social.PostRetryDelaySeconds <= 0 {
		c.Social.PostRetryDelaySeconds = 60
	}

	if c.Storage.Delivery.Driver == "" {
		c.Storage.Delivery.Driver = "memory"
	}
	if c.Storage.KV.Driver == "" {
		c.Storage.KV.Driver = "memory"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "none"
	}

	if c.Jobs.TokenDecimals <= 0 {
		c.Jobs.TokenDecimals = 6
	}
	if c.Jobs.RecordTTLHours <= 0 {
		c.Jobs.RecordTTLHours = 24
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Ledger.ChainConfigPath == "" {
		c.Ledger.ChainConfigPath = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Ledger.ChainConfigPath) {
		c.Ledger.ChainConfigPath = filepath.Join(baseDir, c.Ledger.ChainConfigPath)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// PollInterval 返回提及轮询间隔。
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Social.PollIntervalSeconds) * time.Second
}

// ScheduledPostInterval 返回自主发帖间隔，未配置时为零。
func (c *Config) ScheduledPostInterval() time.Duration {
	if c.Social.ScheduledPostMinutes <= 0 {
		return 0
	}
	return time.Duration(c.Social.ScheduledPostMinutes) * time.Minute
}

// PostRetryDelay 返回发布重试间隔。
func (c *Config) PostRetryDelay() time.Duration {
	return time.Duration(c.Social.PostRetryDelaySeconds) * time.Second
}

// RecordTTL 返回任务记录的存活时间。
func (c *Config) RecordTTL() time.Duration {
	return time.Duration(c.Jobs.RecordTTLHours) * time.Hour
}
