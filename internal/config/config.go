// Package config provides configuration for the orchestrator.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xiaot623/conductor/internal/domain"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	HTTPPort int `mapstructure:"http_port"`
	RPCPort  int `mapstructure:"rpc_port"`

	// Storage
	DatabaseURL string `mapstructure:"database_url"`

	// Agents
	AgentsFile  string `mapstructure:"agents_file"`
	WatchAgents bool   `mapstructure:"watch_agents"`

	LLM LLMConfig `mapstructure:"llm"`

	// Rego module defining data.tool_policy.decision; empty uses the builtin policy.
	PolicyFile string `mapstructure:"policy_file"`

	// Remote tools served over HTTP, in addition to the builtin ones.
	Tools []ToolEndpoint `mapstructure:"tools"`

	// Timeout hierarchy
	Timeouts    LayerDurations `mapstructure:"timeouts"`
	MinMargins  LayerDurations `mapstructure:"min_margins"`
	MarginRatio float64        `mapstructure:"margin_ratio"`

	// Delegation
	MaxDelegationDepth          int     `mapstructure:"max_delegation_depth"`
	MaxDelegationConcurrency    int     `mapstructure:"max_delegation_concurrency"`
	DelegateConfidenceThreshold float64 `mapstructure:"delegate_confidence_threshold"`

	// Execution
	MaxToolConcurrency    int           `mapstructure:"max_tool_concurrency"`
	MaxSteps              int           `mapstructure:"max_steps"`
	EventBufferSize       int           `mapstructure:"event_buffer_size"`
	DeadlineSweepInterval time.Duration `mapstructure:"deadline_sweep_interval"`

	// Checkpointing
	CheckpointRetry RetryPolicy `mapstructure:"checkpoint_retry"`
	CheckpointMode  string      `mapstructure:"checkpoint_mode"`
	// CheckpointStore is "sqlite" (the database) or "memory", which keeps
	// checkpoints only for the life of the process.
	CheckpointStore string `mapstructure:"checkpoint_store"`

	// HITL
	InterruptWaitTimeout time.Duration `mapstructure:"interrupt_wait_timeout"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
}

// LLMConfig configures the OpenAI-compatible model endpoint.
type LLMConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
	Mock    bool          `mapstructure:"mock"`
}

// ToolEndpoint declares a tool executed by POSTing its arguments to URL.
type ToolEndpoint struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	URL         string `mapstructure:"url"`
	Schema      string `mapstructure:"schema"`
	TimeoutMs   int    `mapstructure:"timeout_ms"`
}

// LayerDurations holds one duration per timeout layer.
type LayerDurations struct {
	Supervisor time.Duration `mapstructure:"supervisor"`
	Delegation time.Duration `mapstructure:"delegation"`
	Subagent   time.Duration `mapstructure:"subagent"`
	Tool       time.Duration `mapstructure:"tool"`
}

// For returns the duration configured for a layer.
func (l LayerDurations) For(layer domain.Layer) time.Duration {
	switch layer {
	case domain.LayerSupervisor:
		return l.Supervisor
	case domain.LayerDelegation:
		return l.Delegation
	case domain.LayerSubagent:
		return l.Subagent
	case domain.LayerTool:
		return l.Tool
	}
	return 0
}

// Checkpoint store backends.
const (
	CheckpointStoreSQLite = "sqlite"
	CheckpointStoreMemory = "memory"
)

// RetryPolicy bounds checkpoint write retries.
type RetryPolicy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 8080)
	v.SetDefault("rpc_port", 8081)
	v.SetDefault("database_url", "file:conductor.db?cache=shared&mode=rwc")
	v.SetDefault("agents_file", "")
	v.SetDefault("watch_agents", true)
	v.SetDefault("policy_file", "")

	v.SetDefault("llm.base_url", "http://localhost:4000/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.mock", false)

	v.SetDefault("timeouts.supervisor", 900*time.Second)
	v.SetDefault("timeouts.delegation", 420*time.Second)
	v.SetDefault("timeouts.subagent", 300*time.Second)
	v.SetDefault("timeouts.tool", 60*time.Second)
	v.SetDefault("min_margins.supervisor", 30*time.Second)
	v.SetDefault("min_margins.delegation", 20*time.Second)
	v.SetDefault("min_margins.subagent", 15*time.Second)
	v.SetDefault("min_margins.tool", 5*time.Second)
	v.SetDefault("margin_ratio", 0.2)

	v.SetDefault("max_delegation_depth", 3)
	v.SetDefault("max_delegation_concurrency", 4)
	v.SetDefault("delegate_confidence_threshold", 0.95)

	v.SetDefault("max_tool_concurrency", 8)
	v.SetDefault("max_steps", 16)
	v.SetDefault("event_buffer_size", 64)
	v.SetDefault("deadline_sweep_interval", 500*time.Millisecond)

	v.SetDefault("checkpoint_retry.max_attempts", 5)
	v.SetDefault("checkpoint_retry.backoff", 100*time.Millisecond)
	v.SetDefault("checkpoint_retry.max_backoff", 2*time.Second)
	v.SetDefault("checkpoint_mode", string(domain.CheckpointModeEvery))
	v.SetDefault("checkpoint_store", CheckpointStoreSQLite)

	v.SetDefault("interrupt_wait_timeout", 300*time.Second)
	v.SetDefault("log_level", "info")
}

// Load loads configuration from an optional YAML file and the environment.
// Environment variables use the key with dots replaced by underscores,
// e.g. HTTP_PORT or TIMEOUTS_SUPERVISOR.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without reading the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks option ranges.
func (c *Config) Validate() error {
	if c.MaxDelegationDepth < 0 {
		return fmt.Errorf("max_delegation_depth must be >= 0")
	}
	if c.MaxToolConcurrency <= 0 {
		return fmt.Errorf("max_tool_concurrency must be > 0")
	}
	if c.MarginRatio < 0 || c.MarginRatio >= 1 {
		return fmt.Errorf("margin_ratio must be in [0, 1)")
	}
	if c.CheckpointRetry.MaxAttempts <= 0 {
		return fmt.Errorf("checkpoint_retry.max_attempts must be > 0")
	}
	for i, t := range c.Tools {
		if t.Name == "" || t.URL == "" {
			return fmt.Errorf("tools[%d]: name and url are required", i)
		}
	}
	switch domain.CheckpointMode(c.CheckpointMode) {
	case domain.CheckpointModeEvery, domain.CheckpointModeCritical:
	default:
		return fmt.Errorf("checkpoint_mode must be %q or %q", domain.CheckpointModeEvery, domain.CheckpointModeCritical)
	}
	switch c.CheckpointStore {
	case CheckpointStoreSQLite, CheckpointStoreMemory:
	default:
		return fmt.Errorf("checkpoint_store must be %q or %q", CheckpointStoreSQLite, CheckpointStoreMemory)
	}
	return nil
}
