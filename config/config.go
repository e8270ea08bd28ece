package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the askbridge system
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Query     QueryConfig     `mapstructure:"query"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai, local, etc.
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model handles which stage of a query
type LLMRoutingConfig struct {
	Reasoning  string `mapstructure:"reasoning"`  // tool-calling turns
	Formatting string `mapstructure:"formatting"` // final citation-formatting pass
	Fallback   string `mapstructure:"fallback"`
}

// BridgeConfig controls the local agent bridge broker and agent client.
type BridgeConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	LivenessWindow time.Duration `mapstructure:"liveness_window"`
	TaskTimeout    time.Duration `mapstructure:"task_timeout"`
	QueueCapacity  int           `mapstructure:"queue_capacity"`
	ServerURL      string        `mapstructure:"server_url"` // agent side: broker base URL
	MaxRetryDelay  time.Duration `mapstructure:"max_retry_delay"`
}

func (b BridgeConfig) Validate() error {
	if b.LivenessWindow > 0 && b.PollInterval > 0 && b.PollInterval >= b.LivenessWindow {
		return fmt.Errorf("bridge.poll_interval must be shorter than bridge.liveness_window")
	}
	return nil
}

// DiscoveryConfig controls tool discovery refresh behaviour.
type DiscoveryConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	RefreshCron string        `mapstructure:"refresh_cron"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
}

// QueryConfig bounds the multi-turn query loop.
type QueryConfig struct {
	MaxTurns           int           `mapstructure:"max_turns"`
	MaxWallClock       time.Duration `mapstructure:"max_wall_clock"`
	ToolCallTimeout    time.Duration `mapstructure:"tool_call_timeout"`
	MaxToolResultBytes int           `mapstructure:"max_tool_result_bytes"`
}

func (q QueryConfig) Validate() error {
	if q.MaxTurns < 0 {
		return fmt.Errorf("query.max_turns must be >= 0")
	}
	return nil
}

// StorageConfig groups durable storage settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("server.address", ":10020")
	viper.SetDefault("bridge.poll_interval", "2s")
	viper.SetDefault("bridge.liveness_window", "45s")
	viper.SetDefault("bridge.task_timeout", "30s")
	viper.SetDefault("bridge.queue_capacity", 256)
	viper.SetDefault("bridge.max_retry_delay", "8s")
	viper.SetDefault("discovery.timeout", "30s")
	viper.SetDefault("discovery.lock_ttl", "2m")
	viper.SetDefault("query.max_turns", 8)
	viper.SetDefault("query.max_wall_clock", "3m")
	viper.SetDefault("query.tool_call_timeout", "45s")
	viper.SetDefault("query.max_tool_result_bytes", 16384)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("ASKBRIDGE")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Bridge.Validate(); err != nil {
		panic(err)
	}
	if err := config.Query.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	return &config
}
