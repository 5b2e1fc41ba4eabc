// Package assistant 编排一次完整的问答交互，并向应用层暴露会话与管理操作。
package assistant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/IMBotPlatform/IMBotAssist/pkg/ai"
	"github.com/IMBotPlatform/IMBotAssist/pkg/audit"
	"github.com/IMBotPlatform/IMBotAssist/pkg/chat"
	"github.com/IMBotPlatform/IMBotAssist/pkg/metrics"
	"github.com/IMBotPlatform/IMBotAssist/pkg/prompt"
	"github.com/IMBotPlatform/IMBotAssist/pkg/ratelimit"
	"github.com/IMBotPlatform/IMBotAssist/pkg/stats"
	"github.com/IMBotPlatform/IMBotAssist/pkg/usage"
)

// FallbackReply 在后端重试耗尽或返回不可重试错误时代替真实回复。
const FallbackReply = "Sorry, I couldn't answer that right now. Please try again in a moment."

var (
	// ErrRateLimited 表示身份在限流窗口内再次发送消息。
	ErrRateLimited = errors.New("you're sending messages too quickly, please slow down")
	// ErrMissingIdentity 表示请求没有携带身份。
	ErrMissingIdentity = errors.New("missing identity")
	// ErrUsageDisabled 表示未启用用量统计。
	ErrUsageDisabled = errors.New("usage tracking is disabled")
)

// Exchange 是一次交互持久化后的两条消息。
type Exchange struct {
	ConversationID   string       `json:"conversation_id"`
	UserMessage      chat.Message `json:"user_message"`
	AssistantMessage chat.Message `json:"assistant_message"`
}

// AuditRecorder 接收完成的交互，*audit.Archive 实现该接口。
type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry) (int64, error)
}

// Service 是无状态的编排器，所有协调都经由共享存储完成，可被任意多个请求并发使用。
type Service struct {
	store     *chat.Store
	limiter   *ratelimit.Limiter
	validator chat.Validator
	composer  *prompt.Composer
	backend   ai.Backend
	stats     stats.Provider
	usage     *usage.Tracker
	audit     AuditRecorder
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// Option 自定义 Service。
type Option func(*Service)

// WithValidator 替换默认的消息长度校验。
func WithValidator(v chat.Validator) Option {
	return func(s *Service) {
		s.validator = v
	}
}

// WithStats 注入统计数据提供方。
func WithStats(p stats.Provider) Option {
	return func(s *Service) {
		if p != nil {
			s.stats = p
		}
	}
}

// WithUsage 启用用量统计。
func WithUsage(t *usage.Tracker) Option {
	return func(s *Service) {
		s.usage = t
	}
}

// WithAudit 启用交互归档。
func WithAudit(r AuditRecorder) Option {
	return func(s *Service) {
		s.audit = r
	}
}

// WithMetrics 注入指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLogger 注入日志记录器。
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithClock 替换时间源（测试用）。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New 创建编排器。backend 通常是包装了重试的 *ai.Dispatcher。
func New(store *chat.Store, limiter *ratelimit.Limiter, composer *prompt.Composer, backend ai.Backend, opts ...Option) *Service {
	s := &Service{
		store:     store,
		limiter:   limiter,
		validator: chat.NewValidator(0, 0),
		composer:  composer,
		backend:   backend,
		stats:     stats.Nop{},
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateMessage 校验消息长度，不合法时返回 *chat.ValidationError。
func (s *Service) ValidateMessage(text string) error {
	return s.validator.Validate(text)
}

// CheckRateLimit 判断身份当前是否允许发送；存储不可用时返回 false。
func (s *Service) CheckRateLimit(ctx context.Context, identity string) bool {
	return s.limiter.Allowed(ctx, chat.NormalizeIdentity(identity))
}

// UpdateRateLimit 记录身份最近一次被接受的请求。
func (s *Service) UpdateRateLimit(ctx context.Context, identity string) error {
	return s.limiter.Record(ctx, chat.NormalizeIdentity(identity))
}

// SendMessage 执行一次完整交互。
//
// 流程:
//
//	校验 -> 限流检查(通过则记录) -> 解析/创建活跃会话
//	  -> 读取近期历史(失败则无历史) -> 拉取统计(尽力而为)
//	  -> 组装载荷 -> 持久化用户消息
//	  -> 调用后端(含重试) --失败--> 兜底回复
//	  -> 持久化助手消息 -> 用量统计(尽力而为) -> 归档(尽力而为) -> 返回
//
// 用户消息总是在调用后端之前落库，后端失败不会丢失用户自己的消息。
// 返回的错误只有三类：*chat.ValidationError、ErrRateLimited 以及存储故障。
func (s *Service) SendMessage(ctx context.Context, identity, text string) (Exchange, error) {
	identity = chat.NormalizeIdentity(identity)
	if identity == "" {
		return Exchange{}, ErrMissingIdentity
	}
	log := s.logger.With().Str("identity", chat.TruncateIdentity(identity)).Logger()

	// 1. 校验
	if err := s.validator.Validate(text); err != nil {
		return Exchange{}, err
	}

	// 2. 限流
	if !s.limiter.Allowed(ctx, identity) {
		s.metrics.RecordRateLimited()
		return Exchange{}, ErrRateLimited
	}
	if err := s.limiter.Record(ctx, identity); err != nil {
		return Exchange{}, err
	}

	// 3. 会话
	conversationID, err := s.store.ResolveActiveConversation(ctx, identity, text)
	if err != nil {
		return Exchange{}, fmt.Errorf("resolve conversation: %w", err)
	}
	log = log.With().Str("conversation_id", conversationID).Logger()

	// 4. 上下文增强，读取失败均视为“无数据”
	history, err := s.store.GetMessages(ctx, conversationID, s.composer.MaxHistory())
	if err != nil {
		log.Warn().Err(err).Msg("load history failed, continuing without it")
		s.metrics.RecordBestEffortFailure("history")
		history = nil
	}
	statsBlock := s.fetchStats(ctx, identity, log)

	payload := s.composer.Compose(text, history, statsBlock)

	// 5. 用户消息先落库
	userMsg, err := s.store.AppendMessage(ctx, identity, conversationID, text, chat.MessageTypeUser, 0)
	if err != nil {
		return Exchange{}, fmt.Errorf("persist user message: %w", err)
	}
	s.metrics.RecordMessage(string(chat.MessageTypeUser))

	// 6. 调用后端
	start := s.now()
	completion, dispatchErr := s.backend.Send(ctx, payload)
	elapsed := s.now().Sub(start)

	fallback := dispatchErr != nil
	if fallback {
		log.Error().
			Err(dispatchErr).
			Str("backend", s.backend.Name()).
			Str("model", s.backend.Model()).
			Dur("elapsed", elapsed).
			Msg("backend dispatch failed, replying with fallback")
		s.metrics.RecordFallback()
		completion = ai.Completion{Text: FallbackReply}
	} else if completion.Truncated {
		log.Warn().
			Str("backend", s.backend.Name()).
			Int("tokens", completion.TokensUsed).
			Msg("reply truncated at max output tokens")
	}

	// 7. 助手消息落库；失败时仍返回本次回复
	assistantMsg, err := s.store.AppendMessage(ctx, identity, conversationID, completion.Text,
		chat.MessageTypeAssistant, completion.TokensUsed,
		chat.WithMessageModel(s.backend.Model()),
		chat.WithTruncated(completion.Truncated),
	)
	if err != nil {
		log.Error().Err(err).Msg("persist assistant message failed")
		s.metrics.RecordBestEffortFailure("assistant_message")
		assistantMsg = chat.Message{
			ConversationID: conversationID,
			OwnerIdentity:  identity,
			Type:           chat.MessageTypeAssistant,
			Content:        completion.Text,
			Timestamp:      s.now().UTC(),
			Model:          s.backend.Model(),
			TokensUsed:     completion.TokensUsed,
			Truncated:      completion.Truncated,
		}
	} else {
		s.metrics.RecordMessage(string(chat.MessageTypeAssistant))
	}

	// 8. 用量与归档
	if s.usage != nil {
		if err := s.usage.Track(ctx, identity, completion.TokensUsed, 1); err != nil {
			log.Warn().Err(err).Msg("usage tracking failed")
			s.metrics.RecordBestEffortFailure("usage")
		}
	}
	s.archive(ctx, log, audit.Entry{
		ConversationID:   conversationID,
		Identity:         identity,
		Backend:          s.backend.Name(),
		Model:            s.backend.Model(),
		Question:         userMsg.Content,
		Answer:           completion.Text,
		TokensUsed:       completion.TokensUsed,
		Fallback:         fallback,
		Truncated:        completion.Truncated,
		DispatchDuration: elapsed,
		CreatedAt:        s.now(),
	})

	log.Info().
		Int("tokens", completion.TokensUsed).
		Bool("fallback", fallback).
		Int("history", len(history)).
		Msg("message answered")

	return Exchange{
		ConversationID:   conversationID,
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
	}, nil
}

func (s *Service) fetchStats(ctx context.Context, identity string, log zerolog.Logger) string {
	snapshot, err := s.stats.FetchStats(ctx, identity)
	if err != nil {
		log.Warn().Err(err).Msg("fetch stats failed, continuing without them")
		s.metrics.RecordBestEffortFailure("stats")
		return ""
	}
	return snapshot.Render()
}

func (s *Service) archive(ctx context.Context, log zerolog.Logger, entry audit.Entry) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Record(ctx, entry); err != nil {
		log.Warn().Err(err).Msg("audit archive failed")
		s.metrics.RecordBestEffortFailure("audit")
	}
}
