package config

import (
	"encoding/json"
	"time"
)

// Config represents the statsbot configuration
type Config struct {
	// DBPath is the DuckDB file opened read-only.
	DBPath string `json:"db_path" mapstructure:"db_path"`

	Discord DiscordConfig `json:"discord" mapstructure:"discord"`
	LLM     LLMConfig     `json:"llm" mapstructure:"llm"`
	Agent   AgentConfig   `json:"agent" mapstructure:"agent"`
	Query   QueryConfig   `json:"query" mapstructure:"query"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// DiscordConfig holds Discord bot configuration
type DiscordConfig struct {
	Token          string        `json:"token" mapstructure:"token"`
	GuildID        string        `json:"guild_id" mapstructure:"guild_id"`
	CommandName    string        `json:"command_name" mapstructure:"command_name"`
	FollowupWindow time.Duration `json:"followup_window" mapstructure:"followup_window"`
}

// LLMConfig describes the OpenAI-compatible chat completion endpoint.
type LLMConfig struct {
	BaseURL        string        `json:"base_url" mapstructure:"base_url"`
	APIKey         string        `json:"api_key" mapstructure:"api_key"`
	Model          string        `json:"model" mapstructure:"model"`
	Temperature    float64       `json:"temperature" mapstructure:"temperature"`
	MaxTokens      int           `json:"max_tokens" mapstructure:"max_tokens"`
	SessionField   string        `json:"session_field" mapstructure:"session_field"` // empty disables
	MaxAttempts    int           `json:"max_attempts" mapstructure:"max_attempts"`
	RetryDelay     time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
	RequestTimeout time.Duration `json:"request_timeout" mapstructure:"request_timeout"`
}

// AgentConfig controls the question answering loop.
type AgentConfig struct {
	Strictness  string        `json:"strictness" mapstructure:"strictness"` // lenient, balanced, strict
	ToolRetries int           `json:"tool_retries" mapstructure:"tool_retries"`
	MaxTurns    int           `json:"max_turns" mapstructure:"max_turns"`
	RunTimeout  time.Duration `json:"run_timeout" mapstructure:"run_timeout"`
}

// QueryConfig controls query execution and the freshness lookup.
type QueryConfig struct {
	Concurrency int    `json:"concurrency" mapstructure:"concurrency"`
	MetaTable   string `json:"meta_table" mapstructure:"meta_table"`
	MetaColumn  string `json:"meta_column" mapstructure:"meta_column"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	// AuditFile receives one JSON line per question and query; empty disables.
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// MetricsConfig holds the metrics endpoint address; empty disables it.
type MetricsConfig struct {
	Addr string `json:"addr" mapstructure:"addr"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DBPath: "activity.duckdb",
		Discord: DiscordConfig{
			CommandName:    "query",
			FollowupWindow: 15 * time.Minute,
		},
		LLM: LLMConfig{
			BaseURL:        "http://localhost:8080/v1",
			Model:          "Qwen3-Coder-30B",
			SessionField:   "session_id",
			MaxAttempts:    1,
			RetryDelay:     time.Second,
			RequestTimeout: 2 * time.Minute,
		},
		Agent: AgentConfig{
			Strictness:  "lenient",
			ToolRetries: 2,
			MaxTurns:    12,
			RunTimeout:  5 * time.Minute,
		},
		Query: QueryConfig{
			Concurrency: 4,
			MetaTable:   "meta",
			MetaColumn:  "last_updated",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			ServiceName: "statsbot",
			SampleRatio: 1,
		},
	}
}

// Secrets returns the configured credentials so the logger can mask them.
func (c *Config) Secrets() []string {
	var out []string
	for _, s := range []string{c.Discord.Token, c.LLM.APIKey} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// String returns a JSON representation of the config with credentials masked
func (c *Config) String() string {
	masked := *c
	if masked.Discord.Token != "" {
		masked.Discord.Token = "***"
	}
	if masked.LLM.APIKey != "" {
		masked.LLM.APIKey = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}
