package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"social": {"query": "@agent"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Social.PollIntervalSeconds != 90 {
		t.Fatalf("轮询间隔默认值不符: %d", cfg.Social.PollIntervalSeconds)
	}
	if cfg.Storage.Delivery.Driver != "memory" {
		t.Fatalf("存储驱动默认值不符: %q", cfg.Storage.Delivery.Driver)
	}
	if cfg.Queue.Driver != "none" {
		t.Fatalf("队列驱动默认值不符: %q", cfg.Queue.Driver)
	}
	if cfg.Jobs.TokenDecimals != 6 {
		t.Fatalf("代币精度默认值不符: %d", cfg.Jobs.TokenDecimals)
	}
	if cfg.PollInterval() != 90*time.Second {
		t.Fatalf("轮询间隔换算不符: %s", cfg.PollInterval())
	}
	if cfg.ScheduledPostInterval() != 0 {
		t.Fatal("未配置自主发帖时间隔应为零")
	}
	if !filepath.IsAbs(cfg.Runtime.DataDir) {
		t.Fatalf("数据目录应是绝对路径: %q", cfg.Runtime.DataDir)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	path := writeConfig(t, `{
		"ledger": {"chain_config_path": "chains.yaml"},
		"runtime": {"data_dir": "data"}
	}`)
	baseDir := filepath.Dir(path)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Ledger.ChainConfigPath != filepath.Join(baseDir, "chains.yaml") {
		t.Fatalf("链配置路径不符: %q", cfg.Ledger.ChainConfigPath)
	}
	if cfg.Runtime.DataDir != filepath.Join(baseDir, "data") {
		t.Fatalf("数据目录不符: %q", cfg.Runtime.DataDir)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TWITTER_BEARER_TOKEN", "env-token")
	t.Setenv("OPENAI_API_KEY", "env-key")

	path := writeConfig(t, `{"social": {"bearer_token": "file-token"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Social.BearerToken != "env-token" {
		t.Fatalf("环境变量应覆盖配置文件: %q", cfg.Social.BearerToken)
	}
	if cfg.LLM.APIKey != "env-key" {
		t.Fatalf("环境变量应覆盖配置文件: %q", cfg.LLM.APIKey)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("空路径应报错")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("不存在的文件应报错")
	}
}
