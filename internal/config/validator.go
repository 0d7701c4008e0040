package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Requirements selects which credentials a command needs.
type Requirements struct {
	Discord bool
	LLM     bool
}

var (
	// ServeRequirements is what the long-running bot needs.
	ServeRequirements = Requirements{Discord: true, LLM: true}
	// AskRequirements is what a one-shot terminal question needs.
	AskRequirements = Requirements{LLM: true}
)

var snowflakePattern = regexp.MustCompile(`^\d{15,21}$`)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateDiscordToken checks the bot token is present and shaped like one.
func (v *Validator) ValidateDiscordToken(token string) error {
	if token == "" {
		return fmt.Errorf("discord token cannot be empty (set %s_DISCORD_TOKEN)", EnvPrefix)
	}
	if strings.HasPrefix(token, "Bot ") {
		return fmt.Errorf("discord token must not include the \"Bot \" prefix")
	}
	if strings.Count(token, ".") != 2 {
		return fmt.Errorf("invalid discord token format")
	}
	return nil
}

// ValidateGuildID checks the guild id is a Discord snowflake.
func (v *Validator) ValidateGuildID(id string) error {
	if id == "" {
		return fmt.Errorf("discord guild id cannot be empty (set %s_GUILD_ID)", EnvPrefix)
	}
	if !snowflakePattern.MatchString(id) {
		return fmt.Errorf("invalid discord guild id: %s", id)
	}
	return nil
}

// ValidateLLM checks the endpoint settings.
func (v *Validator) ValidateLLM(cfg LLMConfig) []error {
	var errs []error

	if cfg.APIKey == "" {
		errs = append(errs, fmt.Errorf("llm api key cannot be empty (set %s_LLM_API_KEY)", EnvPrefix))
	}
	if u, err := url.Parse(cfg.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid llm base url: %q", cfg.BaseURL))
	}
	if cfg.Model == "" {
		errs = append(errs, fmt.Errorf("llm model cannot be empty"))
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm temperature must be between 0 and 2, got %g", cfg.Temperature))
	}
	if cfg.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("llm max_tokens must be >= 0"))
	}
	if cfg.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("llm max_attempts must be >= 1"))
	}
	if cfg.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("llm retry_delay must be >= 0"))
	}
	if cfg.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("llm request_timeout must be > 0"))
	}

	return errs
}

// ValidateStrictness validates the answer strictness level
func (v *Validator) ValidateStrictness(level string) error {
	validLevels := []string{"lenient", "balanced", "strict"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid agent strictness: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config, req Requirements) []error {
	var errs []error

	if strings.TrimSpace(cfg.DBPath) == "" {
		errs = append(errs, fmt.Errorf("db_path cannot be empty"))
	}

	if req.Discord {
		if err := v.ValidateDiscordToken(cfg.Discord.Token); err != nil {
			errs = append(errs, err)
		}
		if err := v.ValidateGuildID(cfg.Discord.GuildID); err != nil {
			errs = append(errs, err)
		}
		if cfg.Discord.CommandName == "" {
			errs = append(errs, fmt.Errorf("discord command_name cannot be empty"))
		}
		if cfg.Discord.FollowupWindow <= 0 {
			errs = append(errs, fmt.Errorf("discord followup_window must be > 0"))
		}
	}

	if req.LLM {
		errs = append(errs, v.ValidateLLM(cfg.LLM)...)
	}

	if err := v.ValidateStrictness(cfg.Agent.Strictness); err != nil {
		errs = append(errs, err)
	}
	if cfg.Agent.ToolRetries < 0 {
		errs = append(errs, fmt.Errorf("agent tool_retries must be >= 0"))
	}
	if cfg.Agent.MaxTurns < 1 {
		errs = append(errs, fmt.Errorf("agent max_turns must be >= 1"))
	}
	if cfg.Agent.RunTimeout <= 0 {
		errs = append(errs, fmt.Errorf("agent run_timeout must be > 0"))
	}

	if cfg.Query.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("query concurrency must be >= 1"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing sample_ratio must be between 0 and 1"))
	}

	return errs
}

// Validate joins every validation failure into one error, or returns nil.
func (c *Config) Validate(req Requirements) error {
	return errors.Join(NewValidator().ValidateConfig(c, req)...)
}
