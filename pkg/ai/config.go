package ai

import (
	"os"
	"strings"
	"time"
)

// Supported backend families.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// Config selects and tunes the single backend family active for a deployment.
type Config struct {
	Provider    string        `json:"provider" yaml:"provider"`                     // anthropic, openai, google, ollama
	Model       string        `json:"model" yaml:"model"`                           // backend model id, e.g. "claude-sonnet-4-5"
	APIKey      string        `json:"api_key" yaml:"api_key"`                       // "env:NAME" reads the key from the environment
	BaseURL     string        `json:"base_url,omitempty" yaml:"base_url,omitempty"` // Optional: for custom endpoints
	Temperature float64       `json:"temperature" yaml:"temperature"`               // 0 leaves the backend default
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`             // per request, including the first call
	RetryBase   time.Duration `json:"retry_base" yaml:"retry_base"`
	RetryMax    time.Duration `json:"retry_max" yaml:"retry_max"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"` // per attempt HTTP timeout
}

// DefaultTimeout bounds a single backend attempt.
const DefaultTimeout = 60 * time.Second

// ResolveSecret returns the environment value for "env:NAME" references and the value itself otherwise.
func ResolveSecret(value string) string {
	if strings.HasPrefix(value, "env:") {
		return os.Getenv(strings.TrimPrefix(value, "env:"))
	}
	return value
}
