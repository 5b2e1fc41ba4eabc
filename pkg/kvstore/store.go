package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound 表示键不存在（或已过期）。
var ErrNotFound = errors.New("kvstore: key not found")

// TTL 查询的特殊返回值，与 Redis 语义一致。
const (
	NoExpiry   = time.Duration(-1) // 键存在但没有过期时间
	KeyMissing = time.Duration(-2) // 键不存在
)

// Store 抽象共享的过期键值存储。
// 每个方法对应一条存储命令，只保证单键原子性，不提供跨键事务。
type Store interface {
	// Get 读取字符串值，不存在时返回 ErrNotFound。
	Get(ctx context.Context, key string) (string, error)
	// Set 写入字符串值；ttl <= 0 表示不过期。
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX 仅在键不存在时写入，返回是否写入成功。
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	HIncrBy(ctx context.Context, key, field string, n int64) (int64, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Persist 清除键的过期时间。
	Persist(ctx context.Context, key string) error

	RPush(ctx context.Context, key string, values ...string) (int64, error)
	// LPush 依次把 values 插入表头，最后一个值位于最前。
	LPush(ctx context.Context, key string, values ...string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// MGet 批量读取；缺失的键在结果对应位置为 nil。
	MGet(ctx context.Context, keys ...string) ([]*string, error)
	Del(ctx context.Context, keys ...string) error
	// Scan 以游标方式枚举匹配 pattern 的键，不阻塞存储。
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Pipeline 批量提交写命令，仅报告整体失败，不具备回滚能力。
	Pipeline(ctx context.Context, fn func(p Pipe)) error

	Ping(ctx context.Context) error
	Close() error
}

// Pipe 是 Pipeline 中可用的写命令子集。
type Pipe interface {
	Set(key, value string, ttl time.Duration)
	Expire(key string, ttl time.Duration)
	HIncrBy(key, field string, n int64)
	RPush(key string, values ...string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	Del(keys ...string)
}
