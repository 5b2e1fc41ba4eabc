package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/IMBotPlatform/IMBotAssist/pkg/kvstore"
)

const (
	// DefaultWindow 是同一身份两次请求之间的最短间隔。
	DefaultWindow = 2 * time.Second
	// DefaultBookkeepingTTL 是时间戳键的过期时间，需长于窗口，用于自动清理。
	DefaultBookkeepingTTL = time.Minute
)

// Key 返回身份对应的限流键。
func Key(identity string) string {
	return "ratelimit:" + identity
}

// Limiter 基于单个带 TTL 的时间戳键实现按身份的滑动窗口限流。
// 状态全部存放在共享存储中，多个进程可同时使用。
type Limiter struct {
	store       kvstore.Store
	window      time.Duration
	bookkeeping time.Duration
	now         func() time.Time
	logger      zerolog.Logger
}

// Option 自定义 Limiter 行为。
type Option func(*Limiter)

// WithLogger 注入日志记录器。
func WithLogger(l zerolog.Logger) Option {
	return func(lim *Limiter) {
		lim.logger = l
	}
}

// WithClock 替换时间源（测试用）。
func WithClock(now func() time.Time) Option {
	return func(lim *Limiter) {
		lim.now = now
	}
}

// New 创建限流器。window 或 bookkeeping 非正时使用默认值；bookkeeping 不会短于 window。
func New(store kvstore.Store, window, bookkeeping time.Duration, opts ...Option) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if bookkeeping <= 0 {
		bookkeeping = DefaultBookkeepingTTL
	}
	if bookkeeping < window {
		bookkeeping = window
	}
	lim := &Limiter{
		store:       store,
		window:      window,
		bookkeeping: bookkeeping,
		now:         time.Now,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(lim)
	}
	return lim
}

// Window 返回限流窗口。
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Allowed 判断身份当前是否可以发送消息。
// 存储不可用时拒绝（fail closed）：放行无限流量的风险更大。
func (l *Limiter) Allowed(ctx context.Context, identity string) bool {
	raw, err := l.store.Get(ctx, Key(identity))
	if errors.Is(err, kvstore.ErrNotFound) {
		return true
	}
	if err != nil {
		l.logger.Warn().Err(err).Msg("rate limit lookup failed, denying request")
		return false
	}

	lastMillis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// 无法解析的记录视为不存在，下次 Record 会覆盖。
		l.logger.Warn().Str("value", raw).Msg("malformed rate limit record")
		return true
	}
	last := time.UnixMilli(lastMillis)
	return l.now().Sub(last) >= l.window
}

// Record 无条件覆盖身份最近一次被接受的时间戳。
func (l *Limiter) Record(ctx context.Context, identity string) error {
	stamp := strconv.FormatInt(l.now().UnixMilli(), 10)
	if err := l.store.Set(ctx, Key(identity), stamp, l.bookkeeping); err != nil {
		l.logger.Warn().Err(err).Msg("rate limit record failed")
		return fmt.Errorf("record rate limit: %w", err)
	}
	return nil
}
