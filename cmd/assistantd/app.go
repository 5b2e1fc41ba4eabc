package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/IMBotPlatform/IMBotAssist/pkg/ai"
	"github.com/IMBotPlatform/IMBotAssist/pkg/assistant"
	"github.com/IMBotPlatform/IMBotAssist/pkg/audit"
	"github.com/IMBotPlatform/IMBotAssist/pkg/chat"
	"github.com/IMBotPlatform/IMBotAssist/pkg/config"
	"github.com/IMBotPlatform/IMBotAssist/pkg/kvstore"
	"github.com/IMBotPlatform/IMBotAssist/pkg/logging"
	"github.com/IMBotPlatform/IMBotAssist/pkg/metrics"
	"github.com/IMBotPlatform/IMBotAssist/pkg/prompt"
	"github.com/IMBotPlatform/IMBotAssist/pkg/ratelimit"
	"github.com/IMBotPlatform/IMBotAssist/pkg/stats"
	"github.com/IMBotPlatform/IMBotAssist/pkg/usage"
)

// app 持有一次进程运行所需的全部组件。
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	kv      *kvstore.RedisStore
	metrics *metrics.Metrics
	archive *audit.Archive
	service *assistant.Service
}

// idleBackend 供只读的管理命令使用，它们从不调用后端。
type idleBackend struct{}

func (idleBackend) Name() string  { return "none" }
func (idleBackend) Model() string { return "" }
func (idleBackend) Send(context.Context, prompt.Payload) (ai.Completion, error) {
	return ai.Completion{}, errors.New("no backend configured for this command")
}

// newApp 按配置装配组件。withBackend 为 false 时跳过后端、静态提示与归档（管理命令）。
//
// Load Config -> Logger -> Store(ping) -> Backend(+Dispatcher) -> Prompt -> Service
func newApp(ctx context.Context, configPath string, withBackend bool) (*app, error) {
	var loadOpts []config.LoadOption
	if !withBackend {
		loadOpts = append(loadOpts, config.WithoutBackend())
	}
	cfg, err := config.Load(configPath, loadOpts...)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	kv := kvstore.NewRedisStore(kvstore.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.KeyPrefix,
	})
	if err := kv.Ping(ctx); err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", cfg.Redis.Addr, err)
	}

	a := &app{cfg: cfg, logger: logger, kv: kv, metrics: metrics.New()}

	var backend ai.Backend = idleBackend{}
	static := []prompt.Segment{{Name: "instructions", Text: prompt.DefaultInstructions}}
	if withBackend {
		family, err := ai.NewBackend(ctx, cfg.AI)
		if err != nil {
			a.Close()
			return nil, err
		}
		backend = ai.NewDispatcher(family,
			ai.WithMaxAttempts(cfg.AI.MaxAttempts),
			ai.WithBackoff(cfg.AI.RetryBase, cfg.AI.RetryMax),
			ai.WithLogger(logger.With().Str("component", "dispatcher").Logger()),
			ai.WithMetrics(a.metrics),
		)

		if len(cfg.Prompt.StaticFiles) > 0 {
			if static, err = prompt.LoadStatic(cfg.Prompt.StaticFiles); err != nil {
				a.Close()
				return nil, err
			}
		}

		if cfg.Audit.Path != "" {
			if a.archive, err = audit.Open(cfg.Audit.Path); err != nil {
				a.Close()
				return nil, err
			}
		}
	}

	store := chat.NewStore(kv, cfg.Conversation.Retention,
		chat.WithLogger(logger.With().Str("component", "chat").Logger()),
		chat.WithModel(backend.Model()),
	)
	limiter := ratelimit.New(kv, cfg.Limits.RateWindow, cfg.Limits.RateBookkeepingTTL,
		ratelimit.WithLogger(logger.With().Str("component", "ratelimit").Logger()),
	)
	composer := prompt.NewComposer(static,
		prompt.WithMaxHistory(cfg.Conversation.MaxHistoryPrompt),
		prompt.WithMaxOutputTokens(cfg.Prompt.MaxOutputTokens),
	)
	tracker := usage.NewTracker(kv, cfg.Usage.CostPerMillionTokens,
		usage.WithRetention(cfg.Usage.Retention),
		usage.WithLogger(logger.With().Str("component", "usage").Logger()),
	)

	opts := []assistant.Option{
		assistant.WithValidator(chat.NewValidator(cfg.Limits.MinLength, cfg.Limits.MaxLength)),
		assistant.WithUsage(tracker),
		assistant.WithMetrics(a.metrics),
		assistant.WithLogger(logger.With().Str("component", "assistant").Logger()),
	}
	if cfg.Stats.BaseURL != "" {
		opts = append(opts, assistant.WithStats(stats.NewHTTPProvider(cfg.Stats.BaseURL, cfg.Stats.Timeout)))
	}
	if a.archive != nil {
		opts = append(opts, assistant.WithAudit(a.archive))
	}
	a.service = assistant.New(store, limiter, composer, backend, opts...)

	logger.Info().
		Str("backend", backend.Name()).
		Str("model", backend.Model()).
		Int("static_segments", len(static)).
		Bool("audit", a.archive != nil).
		Msg("assistant initialized")
	return a, nil
}

// Close 释放外部连接。
func (a *app) Close() {
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close audit archive failed")
		}
	}
	if err := a.kv.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close redis failed")
	}
}
