package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/IMBotPlatform/IMBotAssist/pkg/ai"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("ASSIST_ANTHROPIC_KEY", "sk-test")
	path := filepath.Join(t.TempDir(), "assistantd.yaml")
	data := `
ai:
  provider: anthropic
  model: claude-test
  api_key: env:ASSIST_ANTHROPIC_KEY
  retry_base: 250ms
limits:
  rate_window: 5s
redis:
  key_prefix: "assist:"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AI.RetryBase != 250*time.Millisecond || cfg.AI.RetryMax != ai.DefaultRetryMax || cfg.AI.MaxAttempts != ai.DefaultMaxAttempts {
		t.Fatalf("ai = %+v", cfg.AI)
	}
	if cfg.Limits.RateWindow != 5*time.Second || cfg.Limits.MaxLength != 2000 {
		t.Fatalf("limits = %+v", cfg.Limits)
	}
	if cfg.Server.Listen != ":8080" || cfg.Server.IdentityHeader != "X-User-Address" {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.KeyPrefix != "assist:" {
		t.Fatalf("redis = %+v", cfg.Redis)
	}
	if cfg.Conversation.Retention != 30*24*time.Hour || cfg.Conversation.MaxHistoryPrompt != 10 {
		t.Fatalf("conversation = %+v", cfg.Conversation)
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	_, err := Parse([]byte(`
ai:
  provider: palm
limits:
  min_len: 10
  max_len: 5
`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"ai.provider", "ai.model", "limits.max_len"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestValidateRequiresAPIKeyExceptOllama(t *testing.T) {
	if _, err := Parse([]byte("ai: {provider: openai, model: gpt-test}")); err == nil || !strings.Contains(err.Error(), "ai.api_key") {
		t.Fatalf("expected api key error, got %v", err)
	}
	if _, err := Parse([]byte("ai: {provider: ollama, model: llama3}")); err != nil {
		t.Fatalf("ollama needs no key: %v", err)
	}
}

func TestWithoutBackendSkipsAPIKey(t *testing.T) {
	cfg, err := Parse([]byte("ai: {provider: anthropic, model: claude-test, api_key: env:ASSIST_UNSET_KEY}"), WithoutBackend())
	if err != nil {
		t.Fatalf("admin config should load without a key: %v", err)
	}
	if cfg.AI.Provider != ai.ProviderAnthropic {
		t.Fatalf("ai = %+v", cfg.AI)
	}
	if _, err := Parse([]byte("ai: {provider: palm, model: m}"), WithoutBackend()); err == nil {
		t.Fatal("other checks still apply without a backend")
	}
}

func TestAdminTokenResolvesEnv(t *testing.T) {
	t.Setenv("ASSIST_ADMIN", " s3cret ")
	cfg := &Config{Server: ServerConfig{AdminToken: "env:ASSIST_ADMIN"}}
	if cfg.AdminToken() != "s3cret" {
		t.Fatalf("admin token = %q", cfg.AdminToken())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error")
	}
}
