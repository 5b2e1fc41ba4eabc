package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanBatch 是每次 SCAN 建议返回的键数量。
const scanBatch = 200

// RedisOptions 描述 Redis 连接参数。
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix 会加在所有键之前，便于多个部署共用一个实例。
	Prefix string
}

// RedisStore 基于 go-redis 实现 Store。
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore 创建 Redis 客户端。连接是惰性建立的，调用方可用 Ping 校验可用性。
func NewRedisStore(opts RedisOptions) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisStore{client: client, prefix: opts.Prefix}
}

// NewRedisStoreWithClient 复用已有客户端（测试或集群场景）。
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) k(key string) string {
	return s.prefix + key
}

func (s *RedisStore) ks(keys []string) []string {
	if s.prefix == "" {
		return keys
	}
	out := make([]string, len(keys))
	for i, key := range keys {
		out[i] = s.prefix + key
	}
	return out
}

func toArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func mapErr(err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return err
}

// Get 实现 Store。
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, s.k(key)).Result()
	if err != nil {
		return "", mapErr(err)
	}
	return val, nil
}

// Set 实现 Store。
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, s.k(key), value, normalizeTTL(ttl)).Err()
}

// SetNX 实现 Store。
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.k(key), value, normalizeTTL(ttl)).Result()
}

// IncrBy 实现 Store。
func (s *RedisStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	return s.client.IncrBy(ctx, s.k(key), n).Result()
}

// HIncrBy 实现 Store。
func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, n int64) (int64, error) {
	return s.client.HIncrBy(ctx, s.k(key), field, n).Result()
}

// HGetAll 实现 Store。键不存在时返回空 map。
func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, s.k(key)).Result()
}

// TTL 实现 Store。
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, s.k(key)).Result()
	if err != nil {
		return 0, err
	}
	switch d {
	case -1:
		return NoExpiry, nil
	case -2:
		return KeyMissing, nil
	}
	return d, nil
}

// Expire 实现 Store。
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, s.k(key), ttl).Err()
}

// Persist 实现 Store。
func (s *RedisStore) Persist(ctx context.Context, key string) error {
	return s.client.Persist(ctx, s.k(key)).Err()
}

// RPush 实现 Store。
func (s *RedisStore) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	if len(values) == 0 {
		return s.LLen(ctx, key)
	}
	return s.client.RPush(ctx, s.k(key), toArgs(values)...).Result()
}

// LPush 实现 Store。
func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	if len(values) == 0 {
		return s.LLen(ctx, key)
	}
	return s.client.LPush(ctx, s.k(key), toArgs(values)...).Result()
}

// LRange 实现 Store。
func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, s.k(key), start, stop).Result()
}

// LLen 实现 Store。
func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, s.k(key)).Result()
}

// SAdd 实现 Store。
func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return s.client.SAdd(ctx, s.k(key), toArgs(members)...).Err()
}

// SRem 实现 Store。
func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return s.client.SRem(ctx, s.k(key), toArgs(members)...).Err()
}

// SMembers 实现 Store。
func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, s.k(key)).Result()
}

// MGet 实现 Store。
func (s *RedisStore) MGet(ctx context.Context, keys ...string) ([]*string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.client.MGet(ctx, s.ks(keys)...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*string, len(vals))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[i] = &str
		}
	}
	return out, nil
}

// Del 实现 Store。
func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, s.ks(keys)...).Err()
}

// Scan 实现 Store。返回的键已去掉前缀。
func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.k(pattern), scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %q: %w", pattern, err)
		}
		for _, key := range keys {
			out = append(out, strings.TrimPrefix(key, s.prefix))
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// Pipeline 实现 Store。
func (s *RedisStore) Pipeline(ctx context.Context, fn func(p Pipe)) error {
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		fn(&redisPipe{ctx: ctx, p: p, store: s})
		return nil
	})
	return err
}

// Ping 实现 Store。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 实现 Store。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// normalizeTTL 把非正值统一为 0（go-redis 中 0 表示不过期）。
func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}

type redisPipe struct {
	ctx   context.Context
	p     redis.Pipeliner
	store *RedisStore
}

func (rp *redisPipe) Set(key, value string, ttl time.Duration) {
	rp.p.Set(rp.ctx, rp.store.k(key), value, normalizeTTL(ttl))
}

func (rp *redisPipe) Expire(key string, ttl time.Duration) {
	rp.p.Expire(rp.ctx, rp.store.k(key), ttl)
}

func (rp *redisPipe) HIncrBy(key, field string, n int64) {
	rp.p.HIncrBy(rp.ctx, rp.store.k(key), field, n)
}

func (rp *redisPipe) RPush(key string, values ...string) {
	if len(values) == 0 {
		return
	}
	rp.p.RPush(rp.ctx, rp.store.k(key), toArgs(values)...)
}

func (rp *redisPipe) SAdd(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	rp.p.SAdd(rp.ctx, rp.store.k(key), toArgs(members)...)
}

func (rp *redisPipe) SRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	rp.p.SRem(rp.ctx, rp.store.k(key), toArgs(members)...)
}

func (rp *redisPipe) Del(keys ...string) {
	if len(keys) == 0 {
		return
	}
	rp.p.Del(rp.ctx, rp.store.ks(keys)...)
}
