package usage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/IMBotPlatform/IMBotAssist/pkg/kvstore"
)

const (
	// DayLayout 是计数键中的日期格式（UTC）。
	DayLayout = "2006-01-02"
	// DefaultRetention 是日计数的保留期。
	DefaultRetention = 90 * 24 * time.Hour

	fieldTokens   = "tokens"
	fieldMessages = "messages"
	globalBucket  = "global"
)

// Key 返回 (身份, 日期) 对应的计数键。
func Key(identity, day string) string {
	return "usage:" + identity + ":" + day
}

// GlobalKey 返回日期对应的全局计数键。
func GlobalKey(day string) string {
	return Key(globalBucket, day)
}

// IndexKey 返回日期对应的计数键索引集合。
func IndexKey(day string) string {
	return "usage-index:" + day
}

// Counter 是一个 (身份, 日期) 的累计值。
type Counter struct {
	Identity string  `json:"identity"`
	Tokens   int64   `json:"tokens"`
	Messages int64   `json:"messages"`
	Cost     float64 `json:"estimated_cost"`
}

// Report 是某一天的用量汇总。
type Report struct {
	Day        string    `json:"day"`
	Global     Counter   `json:"global"`
	Identities []Counter `json:"identities"`
}

// Tracker 维护按身份与全局的日 token / 消息计数。
type Tracker struct {
	kv             kvstore.Store
	retention      time.Duration
	costPerMillion float64
	now            func() time.Time
	logger         zerolog.Logger
}

// Option 自定义 Tracker。
type Option func(*Tracker)

// WithLogger 注入日志记录器。
func WithLogger(l zerolog.Logger) Option {
	return func(t *Tracker) {
		t.logger = l
	}
}

// WithClock 替换时间源（测试用）。
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithRetention 设置日计数的保留期。
func WithRetention(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.retention = d
		}
	}
}

// NewTracker 创建用量统计器。costPerMillion 为每百万 token 的估算成本。
func NewTracker(kv kvstore.Store, costPerMillion float64, opts ...Option) *Tracker {
	t := &Tracker{
		kv:             kv,
		retention:      DefaultRetention,
		costPerMillion: costPerMillion,
		now:            time.Now,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Day 返回当前的 UTC 日期字符串。
func (t *Tracker) Day() string {
	return t.now().UTC().Format(DayLayout)
}

// Track 累加一次交互的用量。身份计数与全局计数在同一个 pipeline 中提交，
// 失败时只返回整体错误，调用方按尽力而为处理。
func (t *Tracker) Track(ctx context.Context, identity string, tokens, messages int) error {
	day := t.Day()
	idKey := Key(identity, day)
	global := GlobalKey(day)
	index := IndexKey(day)

	err := t.kv.Pipeline(ctx, func(p kvstore.Pipe) {
		p.HIncrBy(idKey, fieldTokens, int64(tokens))
		p.HIncrBy(idKey, fieldMessages, int64(messages))
		p.Expire(idKey, t.retention)

		p.HIncrBy(global, fieldTokens, int64(tokens))
		p.HIncrBy(global, fieldMessages, int64(messages))
		p.Expire(global, t.retention)

		p.SAdd(index, identity)
		p.Expire(index, t.retention)
	})
	if err != nil {
		return fmt.Errorf("track usage: %w", err)
	}
	return nil
}

// Stats 汇总指定日期的用量；day 为空时取当天。
// 通过日索引集合枚举身份，不扫描整个键空间。
func (t *Tracker) Stats(ctx context.Context, day string) (Report, error) {
	if day == "" {
		day = t.Day()
	} else if _, err := time.Parse(DayLayout, day); err != nil {
		return Report{}, fmt.Errorf("invalid day %q: %w", day, err)
	}

	report := Report{Day: day, Identities: []Counter{}}

	global, err := t.kv.HGetAll(ctx, GlobalKey(day))
	if err != nil {
		return Report{}, fmt.Errorf("read global usage: %w", err)
	}
	report.Global = t.counter(globalBucket, global)

	identities, err := t.kv.SMembers(ctx, IndexKey(day))
	if err != nil {
		return Report{}, fmt.Errorf("read usage index: %w", err)
	}
	for _, identity := range identities {
		fields, err := t.kv.HGetAll(ctx, Key(identity, day))
		if err != nil {
			return Report{}, fmt.Errorf("read usage for %s: %w", identity, err)
		}
		if len(fields) == 0 {
			t.logger.Debug().Str("identity", identity).Str("day", day).Msg("usage index member without counters")
			continue
		}
		report.Identities = append(report.Identities, t.counter(identity, fields))
	}

	sort.Slice(report.Identities, func(i, j int) bool {
		a, b := report.Identities[i], report.Identities[j]
		if a.Tokens != b.Tokens {
			return a.Tokens > b.Tokens
		}
		return strings.Compare(a.Identity, b.Identity) < 0
	})
	return report, nil
}

// EstimateCost 把 token 数换算为估算成本。
func (t *Tracker) EstimateCost(tokens int64) float64 {
	return float64(tokens) / 1e6 * t.costPerMillion
}

func (t *Tracker) counter(identity string, fields map[string]string) Counter {
	c := Counter{Identity: identity}
	c.Tokens, _ = strconv.ParseInt(fields[fieldTokens], 10, 64)
	c.Messages, _ = strconv.ParseInt(fields[fieldMessages], 10, 64)
	c.Cost = t.EstimateCost(c.Tokens)
	return c
}
