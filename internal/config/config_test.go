package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/softK1T/crawler-api/internal/fetcher"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Server.Role != RoleAll {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Engine.Backend != BackendAsynq || cfg.Engine.Queue != "crawler" {
		t.Fatalf("unexpected engine defaults: %+v", cfg.Engine)
	}
	if got := cfg.ResultTTL(); got != 24*time.Hour {
		t.Fatalf("expected 24h result ttl, got %v", got)
	}
	if cfg.Fetch.MaxRetries != 3 || cfg.Fetch.Delay() != time.Second {
		t.Fatalf("unexpected fetch defaults: %+v", cfg.Fetch)
	}
	if len(cfg.Detector.BlockPhrases) != len(fetcher.DefaultBlockPhrases) {
		t.Fatalf("expected default block phrases, got %v", cfg.Detector.BlockPhrases)
	}
	if cfg.API.MaxBatchURLs != 100 || cfg.API.DefaultTimeoutSeconds != 15 || cfg.API.MaxTimeoutSeconds != 300 {
		t.Fatalf("unexpected api defaults: %+v", cfg.API)
	}
	if !cfg.RunsAPI() || !cfg.RunsWorker() {
		t.Fatal("role all must run both api and worker")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  role: worker
auth:
  enabled: true
  api_key: secret
redis:
  url: redis://cache:6379/2
  result_ttl_seconds: 600
engine:
  queue: fetches
  concurrency: 32
  task_timeout_seconds: 1800
fetch:
  max_retries: 5
  delay_seconds: 0.5
  connect_timeout_seconds: 2.5
  use_http2: false
  user_agents: ["agent-a", "agent-b"]
proxy:
  file: /etc/proxies.txt
  rotation_interval: 3
  min_success_rate: 0.5
detector:
  content_markers: ["<title"]
  content_selectors: ["#price"]
logging:
  development: false
  level: warn
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.RunsAPI() || !cfg.RunsWorker() {
		t.Fatalf("expected worker role on 9090, got %+v", cfg.Server)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Redis.URL != "redis://cache:6379/2" || cfg.ResultTTL() != 10*time.Minute {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.Engine.Queue != "fetches" || cfg.Engine.Concurrency != 32 {
		t.Fatalf("unexpected engine config: %+v", cfg.Engine)
	}
	if cfg.Fetch.Delay() != 500*time.Millisecond {
		t.Fatalf("expected 500ms delay, got %v", cfg.Fetch.Delay())
	}
	if got := cfg.Fetch.Timeouts().Connect; got != 2500*time.Millisecond {
		t.Fatalf("expected 2.5s connect timeout, got %v", got)
	}
	if cfg.Fetch.UseHTTP2 || len(cfg.Fetch.UserAgents) != 2 {
		t.Fatalf("unexpected fetch overrides: %+v", cfg.Fetch)
	}
	if cfg.Proxy.File != "/etc/proxies.txt" || cfg.Proxy.RotationInterval != 3 {
		t.Fatalf("unexpected proxy config: %+v", cfg.Proxy)
	}
	if len(cfg.Detector.ContentSelectors) != 1 || cfg.Detector.ContentSelectors[0] != "#price" {
		t.Fatalf("unexpected detector config: %+v", cfg.Detector)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "warn" {
		t.Fatalf("unexpected logging config: %+v", cfg.Logging)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CRAWLER_SERVER_ROLE", "api")
	t.Setenv("CRAWLER_ENGINE_CONCURRENCY", "4")
	t.Setenv("CRAWLER_PROXY_COOLDOWN_SECONDS", "5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Role != RoleAPI || cfg.Engine.Concurrency != 4 {
		t.Fatalf("expected env overrides, got %+v %+v", cfg.Server, cfg.Engine)
	}
	if cfg.Proxy.Cooldown() != 5*time.Second {
		t.Fatalf("expected 5s cooldown, got %v", cfg.Proxy.Cooldown())
	}
}

func TestFetchBudgetAtDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	// 3 attempts of 6+300+10+5 seconds plus two 3s block backoffs.
	if got, want := cfg.FetchBudget(), 969*time.Second; got != want {
		t.Fatalf("FetchBudget() = %v, want %v", got, want)
	}
	if cfg.TaskTimeout() < cfg.FetchBudget() {
		t.Fatalf("default task timeout %v below fetch budget %v", cfg.TaskTimeout(), cfg.FetchBudget())
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func validConfig() Config {
	return Config{
		Server:   ServerConfig{Port: 8080, Role: RoleAll},
		Redis:    RedisConfig{URL: "redis://localhost:6379/0", ResultTTLSeconds: 60},
		Engine:   EngineConfig{Backend: BackendAsynq, Concurrency: 1, MemoryQueueDepth: 1, TaskTimeoutSeconds: 400},
		Fetch:    FetchConfig{MaxRetries: 1, ConnectTimeoutSeconds: 1, ReadTimeoutSeconds: 1},
		Proxy:    ProxyConfig{MaxRequestsPerProxy: 1, RotationInterval: 1, MinSuccessRate: 0.3},
		API:      APIConfig{DefaultTimeoutSeconds: 15, MaxTimeoutSeconds: 300, MaxBatchURLs: 100},
		Detector: DetectorConfig{},
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected base config to be valid, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid role", func(c *Config) { c.Server.Role = "scheduler" }, "server.role"},
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"unknown backend", func(c *Config) { c.Engine.Backend = "celery" }, "engine.backend"},
		{"memory backend split roles", func(c *Config) {
			c.Engine.Backend = BackendMemory
			c.Server.Role = RoleWorker
		}, "requires server.role all"},
		{"asynq without redis", func(c *Config) { c.Redis.URL = "" }, "redis.url"},
		{"invalid concurrency", func(c *Config) { c.Engine.Concurrency = 0 }, "engine.concurrency"},
		{"invalid ttl", func(c *Config) { c.Redis.ResultTTLSeconds = 0 }, "result_ttl_seconds"},
		{"invalid retries", func(c *Config) { c.Fetch.MaxRetries = 0 }, "fetch.max_retries"},
		{"negative delay", func(c *Config) { c.Fetch.DelaySeconds = -1 }, "fetch.delay_seconds"},
		{"negative host rps", func(c *Config) { c.Fetch.HostRPS = -1 }, "fetch.host_rps"},
		{"invalid rotation", func(c *Config) { c.Proxy.RotationInterval = 0 }, "proxy.rotation_interval"},
		{"success rate above one", func(c *Config) { c.Proxy.MinSuccessRate = 1.5 }, "min_success_rate"},
		{"default timeout above max", func(c *Config) { c.API.DefaultTimeoutSeconds = 301 }, "default_timeout_seconds"},
		{"no batch urls", func(c *Config) { c.API.MaxBatchURLs = 0 }, "max_batch_urls"},
		{"task timeout below fetch budget", func(c *Config) { c.Engine.TaskTimeoutSeconds = 300 }, "engine.task_timeout_seconds"},
		{"retries outgrow task timeout", func(c *Config) {
			c.Fetch.MaxRetries = 3
			c.Fetch.DelaySeconds = 1
		}, "worst-case fetch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
