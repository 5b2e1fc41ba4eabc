// Package config loads the assistant service configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/IMBotPlatform/IMBotAssist/pkg/ai"
	"github.com/IMBotPlatform/IMBotAssist/pkg/chat"
	"github.com/IMBotPlatform/IMBotAssist/pkg/prompt"
	"github.com/IMBotPlatform/IMBotAssist/pkg/ratelimit"
	"github.com/IMBotPlatform/IMBotAssist/pkg/stats"
	"github.com/IMBotPlatform/IMBotAssist/pkg/usage"
)

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Listen         string `yaml:"listen"`
	IdentityHeader string `yaml:"identity_header"` // header carrying the caller's address
	AdminToken     string `yaml:"admin_token"`     // "env:NAME" supported; empty disables admin routes
}

// RedisConfig configures the shared store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LimitsConfig bounds inbound messages.
type LimitsConfig struct {
	MinLength          int           `yaml:"min_len"`
	MaxLength          int           `yaml:"max_len"`
	RateWindow         time.Duration `yaml:"rate_window"`
	RateBookkeepingTTL time.Duration `yaml:"rate_bookkeeping_ttl"`
}

// ConversationConfig tunes conversation storage and history.
type ConversationConfig struct {
	Retention        time.Duration `yaml:"retention"`
	HistoryLimit     int           `yaml:"history_limit"`      // default page size for message reads
	MaxHistoryPrompt int           `yaml:"max_history_prompt"` // messages injected into the prompt
}

// PromptConfig lists the static instruction files.
type PromptConfig struct {
	StaticFiles     []string `yaml:"static_files"`
	MaxOutputTokens int      `yaml:"max_output_tokens"`
}

// StatsConfig points at the per-identity stats collaborator; empty BaseURL disables it.
type StatsConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// UsageConfig tunes daily usage counters.
type UsageConfig struct {
	CostPerMillionTokens float64       `yaml:"cost_per_million_tokens"`
	Retention            time.Duration `yaml:"retention"`
}

// AuditConfig enables the local SQLite exchange archive when Path is set.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Config is the full service configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Redis        RedisConfig        `yaml:"redis"`
	Limits       LimitsConfig       `yaml:"limits"`
	Conversation ConversationConfig `yaml:"conversation"`
	Prompt       PromptConfig       `yaml:"prompt"`
	AI           ai.Config          `yaml:"ai"`
	Stats        StatsConfig        `yaml:"stats"`
	Usage        UsageConfig        `yaml:"usage"`
	Audit        AuditConfig        `yaml:"audit"`
	Log          LogConfig          `yaml:"log"`
}

// LoadOption adjusts validation in Load and Parse.
type LoadOption func(*loadOptions)

type loadOptions struct {
	withBackend bool
}

// WithoutBackend skips checks that only matter when a model backend is built
// (the ai.api_key requirement). Used by admin commands that never call a backend.
func WithoutBackend() LoadOption {
	return func(o *loadOptions) {
		o.withBackend = false
	}
}

// Load reads, parses, defaults and validates the configuration file.
func Load(path string, opts ...LoadOption) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, opts...)
}

// Parse decodes YAML bytes and applies defaults before validating.
func Parse(data []byte, opts ...LoadOption) (*Config, error) {
	o := loadOptions{withBackend: true}
	for _, opt := range opts {
		opt(&o)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.validate(o.withBackend); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.IdentityHeader == "" {
		c.Server.IdentityHeader = "X-User-Address"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Limits.MinLength <= 0 {
		c.Limits.MinLength = chat.DefaultMinLength
	}
	if c.Limits.MaxLength <= 0 {
		c.Limits.MaxLength = chat.DefaultMaxLength
	}
	if c.Limits.RateWindow <= 0 {
		c.Limits.RateWindow = ratelimit.DefaultWindow
	}
	if c.Limits.RateBookkeepingTTL <= 0 {
		c.Limits.RateBookkeepingTTL = ratelimit.DefaultBookkeepingTTL
	}
	if c.Conversation.Retention <= 0 {
		c.Conversation.Retention = chat.DefaultRetention
	}
	if c.Conversation.HistoryLimit <= 0 {
		c.Conversation.HistoryLimit = 50
	}
	if c.Conversation.MaxHistoryPrompt <= 0 {
		c.Conversation.MaxHistoryPrompt = prompt.DefaultMaxHistory
	}
	if c.AI.MaxAttempts <= 0 {
		c.AI.MaxAttempts = ai.DefaultMaxAttempts
	}
	if c.AI.RetryBase <= 0 {
		c.AI.RetryBase = ai.DefaultRetryBase
	}
	if c.AI.RetryMax <= 0 {
		c.AI.RetryMax = ai.DefaultRetryMax
	}
	if c.AI.Timeout <= 0 {
		c.AI.Timeout = ai.DefaultTimeout
	}
	if c.Stats.Timeout <= 0 {
		c.Stats.Timeout = stats.DefaultTimeout
	}
	if c.Usage.Retention <= 0 {
		c.Usage.Retention = usage.DefaultRetention
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports every missing required field at once.
func (c *Config) Validate() error {
	return c.validate(true)
}

func (c *Config) validate(withBackend bool) error {
	var errs []error
	switch c.AI.Provider {
	case ai.ProviderAnthropic, ai.ProviderOpenAI, ai.ProviderGoogle, ai.ProviderOllama:
	case "":
		errs = append(errs, errors.New("ai.provider is required"))
	default:
		errs = append(errs, fmt.Errorf("ai.provider %q is not supported", c.AI.Provider))
	}
	if c.AI.Model == "" {
		errs = append(errs, errors.New("ai.model is required"))
	}
	if withBackend && c.AI.Provider != ai.ProviderOllama && c.AI.Provider != "" && ai.ResolveSecret(c.AI.APIKey) == "" {
		errs = append(errs, errors.New("ai.api_key is required (use env:NAME to read it from the environment)"))
	}
	if c.Limits.MaxLength < c.Limits.MinLength {
		errs = append(errs, fmt.Errorf("limits.max_len (%d) is below limits.min_len (%d)", c.Limits.MaxLength, c.Limits.MinLength))
	}
	if c.Limits.RateBookkeepingTTL < c.Limits.RateWindow {
		errs = append(errs, errors.New("limits.rate_bookkeeping_ttl must not be shorter than limits.rate_window"))
	}
	if c.Usage.CostPerMillionTokens < 0 {
		errs = append(errs, errors.New("usage.cost_per_million_tokens must not be negative"))
	}
	return errors.Join(errs...)
}

// AdminToken returns the resolved admin bearer token.
func (c *Config) AdminToken() string {
	return strings.TrimSpace(ai.ResolveSecret(c.Server.AdminToken))
}
