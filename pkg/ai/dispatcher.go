package ai

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/IMBotPlatform/IMBotAssist/pkg/metrics"
	"github.com/IMBotPlatform/IMBotAssist/pkg/prompt"
)

// 重试默认值。
const (
	DefaultMaxAttempts = 3
	DefaultRetryBase   = 500 * time.Millisecond
	DefaultRetryMax    = 8 * time.Second
)

// Dispatcher 为单个后端家族增加有界重试。
// 同一请求内从不在家族之间切换：重试耗尽即为该请求的硬失败，由上层兜底回复。
type Dispatcher struct {
	backend     Backend
	maxAttempts int
	base        time.Duration
	max         time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	jitter      func(base time.Duration) time.Duration
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

// DispatcherOption 自定义 Dispatcher。
type DispatcherOption func(*Dispatcher)

// WithMaxAttempts 设置单次请求的最大尝试次数（含首次）。
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithBackoff 设置退避基数与上限。
func WithBackoff(base, max time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if base > 0 {
			d.base = base
		}
		if max > 0 {
			d.max = max
		}
	}
}

// WithSleeper 替换等待函数（测试用）。
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) DispatcherOption {
	return func(d *Dispatcher) {
		d.sleep = sleep
	}
}

// WithJitter 替换抖动函数（测试用）。
func WithJitter(jitter func(base time.Duration) time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.jitter = jitter
	}
}

// WithLogger 注入日志记录器。
func WithLogger(l zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithMetrics 注入指标。
func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// NewDispatcher 包装后端。
func NewDispatcher(backend Backend, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		backend:     backend,
		maxAttempts: DefaultMaxAttempts,
		base:        DefaultRetryBase,
		max:         DefaultRetryMax,
		sleep:       sleepContext,
		jitter:      randomJitter,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.max < d.base {
		d.max = d.base
	}
	return d
}

// Name 实现 Backend。
func (d *Dispatcher) Name() string { return d.backend.Name() }

// Model 实现 Backend。
func (d *Dispatcher) Model() string { return d.backend.Model() }

// Send 实现 Backend。
//
//	attempt -> 成功 -> 返回
//	   |
//	   失败 -> 不可重试(认证/请求错误/调用方取消) -> 立即返回
//	   |
//	   可重试(限流/5xx/超时) -> 等待 base*2^attempt + jitter -> 下一次 attempt
//	   |
//	   次数耗尽 -> 返回最后一次错误
func (d *Dispatcher) Send(ctx context.Context, payload prompt.Payload) (Completion, error) {
	name := d.backend.Name()
	var lastErr error

	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		start := time.Now()
		completion, err := d.backend.Send(ctx, payload)
		elapsed := time.Since(start)

		if err == nil {
			d.metrics.RecordBackendAttempt(name, "ok", elapsed)
			d.metrics.RecordTokens(name, completion.TokensUsed)
			return completion, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			d.metrics.RecordBackendAttempt(name, "terminal", elapsed)
			return Completion{}, err
		}
		d.metrics.RecordBackendAttempt(name, "retryable", elapsed)

		if attempt == d.maxAttempts-1 {
			break
		}
		delay := d.delay(attempt)
		d.metrics.RecordRetry(name)
		d.logger.Warn().
			Err(err).
			Str("backend", name).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("backend call failed, retrying")
		if err := d.sleep(ctx, delay); err != nil {
			return Completion{}, lastErr
		}
	}

	return Completion{}, fmt.Errorf("%s: %d attempts exhausted: %w", name, d.maxAttempts, lastErr)
}

// delay 计算第 attempt 次失败后的等待时间：min(base*2^attempt, max) + jitter。
func (d *Dispatcher) delay(attempt int) time.Duration {
	backoff := d.base
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= d.max {
			backoff = d.max
			break
		}
	}
	return backoff + d.jitter(d.base)
}

// randomJitter 返回 [0, base) 内的随机抖动，避免多个实例同步重试。
func randomJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return rand.N(base)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
