// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/softK1T/crawler-api/internal/fetcher"
)

// Process roles.
const (
	RoleAPI    = "api"
	RoleWorker = "worker"
	RoleAll    = "all"
)

// Task engine backends.
const (
	BackendAsynq  = "asynq"
	BackendMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Fetch        FetchConfig        `mapstructure:"fetch"`
	Proxy        ProxyConfig        `mapstructure:"proxy"`
	Detector     DetectorConfig     `mapstructure:"detector"`
	API          APIConfig          `mapstructure:"api"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
}

// ServerConfig controls the process role and HTTP listener.
type ServerConfig struct {
	Port                   int    `mapstructure:"port"`
	Role                   string `mapstructure:"role"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RedisConfig locates the shared Redis used by the result store and asynq.
type RedisConfig struct {
	URL              string `mapstructure:"url"`
	ResultTTLSeconds int    `mapstructure:"result_ttl_seconds"`
}

// EngineConfig selects and sizes the task engine.
type EngineConfig struct {
	Backend            string `mapstructure:"backend"`
	Queue              string `mapstructure:"queue"`
	Concurrency        int    `mapstructure:"concurrency"`
	TaskTimeoutSeconds int    `mapstructure:"task_timeout_seconds"`
	MemoryQueueDepth   int    `mapstructure:"memory_queue_depth"`
}

// FetchConfig governs retries, timeouts, and the HTTP transport.
type FetchConfig struct {
	MaxRetries            int      `mapstructure:"max_retries"`
	DelaySeconds          float64  `mapstructure:"delay_seconds"`
	ConnectTimeoutSeconds float64  `mapstructure:"connect_timeout_seconds"`
	ReadTimeoutSeconds    float64  `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds   float64  `mapstructure:"write_timeout_seconds"`
	PoolTimeoutSeconds    float64  `mapstructure:"pool_timeout_seconds"`
	UseHTTP2              bool     `mapstructure:"use_http2"`
	AllowDirect           bool     `mapstructure:"allow_direct"`
	MaxBodyBytes          int      `mapstructure:"max_body_bytes"`
	UserAgents            []string `mapstructure:"user_agents"`
	HostRPS               float64  `mapstructure:"host_rps"`
	HostBurst             int      `mapstructure:"host_burst"`
}

// ProxyConfig points at the proxy list and sets pool thresholds.
type ProxyConfig struct {
	File                string  `mapstructure:"file"`
	MaxRequestsPerProxy int     `mapstructure:"max_requests_per_proxy"`
	CooldownSeconds     int     `mapstructure:"cooldown_seconds"`
	RotationInterval    int     `mapstructure:"rotation_interval"`
	MinSuccessRate      float64 `mapstructure:"min_success_rate"`
}

// DetectorConfig configures block and validity classification.
type DetectorConfig struct {
	BlockMinLength   int      `mapstructure:"block_min_length"`
	BlockPhrases     []string `mapstructure:"block_phrases"`
	ContentMinLength int      `mapstructure:"content_min_length"`
	ContentMarkers   []string `mapstructure:"content_markers"`
	ContentSelectors []string `mapstructure:"content_selectors"`
}

// APIConfig bounds request validation.
type APIConfig struct {
	DefaultTimeoutSeconds int `mapstructure:"default_timeout_seconds"`
	MaxTimeoutSeconds     int `mapstructure:"max_timeout_seconds"`
	MaxBatchURLs          int `mapstructure:"max_batch_urls"`
}

// OrchestratorConfig sizes batch fan-out.
type OrchestratorConfig struct {
	Fanout int `mapstructure:"fanout"`
}

// Load builds a Config from .env, an optional file, and the environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.role", RoleAll)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.result_ttl_seconds", 86400)
	v.SetDefault("engine.backend", BackendAsynq)
	v.SetDefault("engine.queue", "crawler")
	v.SetDefault("engine.concurrency", 10)
	v.SetDefault("engine.task_timeout_seconds", 1200)
	v.SetDefault("engine.memory_queue_depth", 256)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.delay_seconds", 1.0)
	v.SetDefault("fetch.connect_timeout_seconds", 6)
	v.SetDefault("fetch.read_timeout_seconds", 15)
	v.SetDefault("fetch.write_timeout_seconds", 10)
	v.SetDefault("fetch.pool_timeout_seconds", 5)
	v.SetDefault("fetch.use_http2", true)
	v.SetDefault("fetch.allow_direct", false)
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("fetch.user_agents", []string{})
	v.SetDefault("fetch.host_rps", 0.0)
	v.SetDefault("fetch.host_burst", 1)
	v.SetDefault("proxy.file", "")
	v.SetDefault("proxy.max_requests_per_proxy", 50)
	v.SetDefault("proxy.cooldown_seconds", 60)
	v.SetDefault("proxy.rotation_interval", 10)
	v.SetDefault("proxy.min_success_rate", 0.3)
	v.SetDefault("detector.block_min_length", 64)
	v.SetDefault("detector.block_phrases", fetcher.DefaultBlockPhrases)
	v.SetDefault("detector.content_min_length", 256)
	v.SetDefault("detector.content_markers", []string{})
	v.SetDefault("detector.content_selectors", []string{})
	v.SetDefault("api.default_timeout_seconds", 15)
	v.SetDefault("api.max_timeout_seconds", 300)
	v.SetDefault("api.max_batch_urls", 100)
	v.SetDefault("orchestrator.fanout", 16)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Server.Role {
	case RoleAPI, RoleWorker, RoleAll:
	default:
		return fmt.Errorf("server.role must be one of api, worker, all; got %q", c.Server.Role)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Engine.Backend {
	case BackendAsynq:
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url must be set for the asynq backend")
		}
	case BackendMemory:
		if c.Server.Role != RoleAll {
			return fmt.Errorf("engine.backend memory requires server.role all")
		}
		if c.Engine.MemoryQueueDepth <= 0 {
			return fmt.Errorf("engine.memory_queue_depth must be > 0")
		}
	default:
		return fmt.Errorf("engine.backend must be asynq or memory; got %q", c.Engine.Backend)
	}
	if c.Engine.Concurrency <= 0 {
		return fmt.Errorf("engine.concurrency must be > 0")
	}
	if c.Redis.ResultTTLSeconds <= 0 {
		return fmt.Errorf("redis.result_ttl_seconds must be > 0")
	}
	if c.Fetch.MaxRetries <= 0 {
		return fmt.Errorf("fetch.max_retries must be > 0")
	}
	if c.Fetch.DelaySeconds < 0 {
		return fmt.Errorf("fetch.delay_seconds must be >= 0")
	}
	if c.Fetch.HostRPS < 0 {
		return fmt.Errorf("fetch.host_rps must be >= 0")
	}
	if c.Fetch.ConnectTimeoutSeconds <= 0 || c.Fetch.ReadTimeoutSeconds <= 0 {
		return fmt.Errorf("fetch connect and read timeouts must be > 0")
	}
	if c.Proxy.MaxRequestsPerProxy <= 0 {
		return fmt.Errorf("proxy.max_requests_per_proxy must be > 0")
	}
	if c.Proxy.RotationInterval <= 0 {
		return fmt.Errorf("proxy.rotation_interval must be > 0")
	}
	if c.Proxy.MinSuccessRate < 0 || c.Proxy.MinSuccessRate > 1 {
		return fmt.Errorf("proxy.min_success_rate must be within [0, 1]")
	}
	if c.API.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("api.max_timeout_seconds must be > 0")
	}
	if c.API.DefaultTimeoutSeconds <= 0 || c.API.DefaultTimeoutSeconds > c.API.MaxTimeoutSeconds {
		return fmt.Errorf("api.default_timeout_seconds must be within [1, api.max_timeout_seconds]")
	}
	if c.API.MaxBatchURLs <= 0 {
		return fmt.Errorf("api.max_batch_urls must be > 0")
	}
	if budget := c.FetchBudget(); c.TaskTimeout() < budget {
		return fmt.Errorf("engine.task_timeout_seconds must cover the worst-case fetch of %s (retries, timeouts, backoff)", budget)
	}
	return nil
}

// FetchBudget is the longest a single fetch can run: every attempt spends its
// full timeouts with the largest client read timeout, separated by block backoff.
func (c Config) FetchBudget() time.Duration {
	t := c.Fetch.Timeouts()
	read := max(t.Read, time.Duration(c.API.MaxTimeoutSeconds)*time.Second)
	perAttempt := t.Connect + read + t.Write + t.Pool
	retries := time.Duration(c.Fetch.MaxRetries)
	return retries*perAttempt + (retries-1)*c.Fetch.Delay()*3
}

// RunsAPI reports whether this process serves the HTTP API.
func (c Config) RunsAPI() bool {
	return c.Server.Role == RoleAPI || c.Server.Role == RoleAll
}

// RunsWorker reports whether this process executes fetch tasks.
func (c Config) RunsWorker() bool {
	return c.Server.Role == RoleWorker || c.Server.Role == RoleAll
}

// ResultTTL is how long payloads and batch metadata stay readable.
func (c Config) ResultTTL() time.Duration {
	return time.Duration(c.Redis.ResultTTLSeconds) * time.Second
}

// TaskTimeout bounds one task inside the engine.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.Engine.TaskTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// Delay is the base retry backoff.
func (c FetchConfig) Delay() time.Duration {
	return seconds(c.DelaySeconds)
}

// Timeouts converts the per-phase settings.
func (c FetchConfig) Timeouts() fetcher.Timeouts {
	return fetcher.Timeouts{
		Connect: seconds(c.ConnectTimeoutSeconds),
		Read:    seconds(c.ReadTimeoutSeconds),
		Write:   seconds(c.WriteTimeoutSeconds),
		Pool:    seconds(c.PoolTimeoutSeconds),
	}
}

// Cooldown is how long a proxy rests before its usage counter resets.
func (c ProxyConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
