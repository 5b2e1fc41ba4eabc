package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/IMBotPlatform/IMBotAssist/pkg/kvstore"
)

// DefaultRetention 是会话、消息与索引共享的保留期。
const DefaultRetention = 30 * 24 * time.Hour

// ErrConversationNotFound 表示会话不存在或已过期。
var ErrConversationNotFound = errors.New("conversation not found")

// Store 在共享键值存储上维护 Conversation / Message 及其二级索引。
// Store 本身无状态，可被任意多个并发请求共享。
type Store struct {
	kv        kvstore.Store
	retention time.Duration
	model     string
	now       func() time.Time
	newID     func() string
	logger    zerolog.Logger
}

// StoreOption 自定义 Store 行为。
type StoreOption func(*Store)

// WithLogger 注入日志记录器。
func WithLogger(l zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = l
	}
}

// WithClock 替换时间源（测试用）。
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// WithIDGenerator 替换 ID 生成器（测试用）。
func WithIDGenerator(gen func() string) StoreOption {
	return func(s *Store) {
		s.newID = gen
	}
}

// WithModel 记录新建会话时生效的后端模型。
func WithModel(model string) StoreOption {
	return func(s *Store) {
		s.model = model
	}
}

// NewStore 创建会话存储。retention 非正时使用 DefaultRetention。
func NewStore(kv kvstore.Store, retention time.Duration, opts ...StoreOption) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	s := &Store{
		kv:        kv,
		retention: retention,
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveActiveConversation 返回身份当前的活跃会话 ID，不存在时新建。
//
// 流程:
//
//	pointer 存在? --是--> 返回 pointer
//	     |
//	     否
//	     v
//	生成 Conversation(标题启发式) -> 写记录 + pointer + id 映射 (同一保留期) -> 加入全局索引
//
// 同一身份几乎同时的首条消息可能创建两个会话，后写入的 pointer 生效，
// 先创建的会话不可达但不会损坏，随 TTL 自然过期。
func (s *Store) ResolveActiveConversation(ctx context.Context, identity, seed string) (string, error) {
	id, err := s.kv.Get(ctx, activePointerKey(identity))
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return "", fmt.Errorf("read active conversation: %w", err)
	}

	now := s.now().UTC()
	conv := Conversation{
		ID:            s.newID(),
		OwnerIdentity: identity,
		Title:         DeriveTitle(seed),
		CreatedAt:     now,
		LastMessageAt: now,
		Model:         s.model,
	}
	data, err := json.Marshal(conv)
	if err != nil {
		return "", fmt.Errorf("encode conversation: %w", err)
	}

	recordKey := conversationKey(identity, conv.ID)
	err = s.kv.Pipeline(ctx, func(p kvstore.Pipe) {
		p.Set(recordKey, string(data), s.retention)
		p.Set(activePointerKey(identity), conv.ID, s.retention)
		p.Set(conversationIDKey(conv.ID), recordKey, s.retention)
		p.SAdd(conversationIndexKey, recordKey)
	})
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}

	s.logger.Info().
		Str("conversation_id", conv.ID).
		Str("identity", TruncateIdentity(identity)).
		Str("title", conv.Title).
		Msg("conversation created")
	return conv.ID, nil
}

// ActiveConversationID 返回身份的活跃会话 ID，不存在时返回 ErrConversationNotFound。
func (s *Store) ActiveConversationID(ctx context.Context, identity string) (string, error) {
	id, err := s.kv.Get(ctx, activePointerKey(identity))
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", ErrConversationNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read active conversation: %w", err)
	}
	return id, nil
}

// MessageOption 为追加的消息设置可选字段。
type MessageOption func(*Message)

// WithMessageModel 记录生成该消息的模型。
func WithMessageModel(model string) MessageOption {
	return func(m *Message) {
		m.Model = model
	}
}

// WithTruncated 标记回复被最大输出长度截断。
func WithTruncated(truncated bool) MessageOption {
	return func(m *Message) {
		m.Truncated = truncated
	}
}

// AppendMessage 持久化一条消息并更新会话元数据。
//
// 顺序列表是消息的权威顺序（追加顺序，不依赖时间戳解析）；每次追加是单条 RPUSH，
// 并发下列表不会损坏。元数据是读-改-写，同一会话真正并发时可能少计，
// 该误差被接受：同一身份的请求实际上已被限流器串行化。
func (s *Store) AppendMessage(ctx context.Context, identity, conversationID, content string, msgType MessageType, tokensUsed int, opts ...MessageOption) (Message, error) {
	now := s.now().UTC()
	msg := Message{
		ID:             s.newID(),
		ConversationID: conversationID,
		OwnerIdentity:  identity,
		Type:           msgType,
		Content:        strings.TrimSpace(content),
		Timestamp:      time.UnixMilli(now.UnixMilli()).UTC(),
		TokensUsed:     tokensUsed,
	}
	for _, opt := range opts {
		opt(&msg)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("encode message: %w", err)
	}

	// 1. 写消息本体
	key := messageKey(conversationID, msg.Timestamp.UnixMilli(), msg.ID)
	if err := s.kv.Set(ctx, key, string(data), s.retention); err != nil {
		return Message{}, fmt.Errorf("store message: %w", err)
	}

	// 2. 追加到顺序列表；列表由本次追加新建时，补入可能存在的旧版消息
	n, err := s.kv.RPush(ctx, orderKey(conversationID), key)
	if err != nil {
		return Message{}, fmt.Errorf("index message: %w", err)
	}
	if n == 1 {
		s.adoptLegacyMessages(ctx, conversationID)
	}
	if err := s.kv.Expire(ctx, orderKey(conversationID), s.retention); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("refresh message order expiry failed")
	}

	// 3. 更新会话元数据（消息已落库，失败只记录）
	if err := s.touchConversation(ctx, identity, conversationID, msg.Timestamp, tokensUsed); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("update conversation metadata failed")
	}
	return msg, nil
}

func (s *Store) touchConversation(ctx context.Context, identity, conversationID string, at time.Time, tokens int) error {
	recordKey := conversationKey(identity, conversationID)
	raw, err := s.kv.Get(ctx, recordKey)
	if err != nil {
		return fmt.Errorf("read conversation: %w", err)
	}
	var conv Conversation
	if err := json.Unmarshal([]byte(raw), &conv); err != nil {
		return fmt.Errorf("decode conversation: %w", err)
	}

	conv.LastMessageAt = at
	conv.MessageCount++
	conv.TotalTokens += tokens

	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	return s.kv.Pipeline(ctx, func(p kvstore.Pipe) {
		p.Set(recordKey, string(data), s.retention)
		p.Expire(activePointerKey(identity), s.retention)
		p.Expire(conversationIDKey(conversationID), s.retention)
	})
}

// GetMessages 返回会话最近 limit 条消息（从旧到新）；limit <= 0 返回全部。
// 顺序列表为空但存在旧版逐条存储的消息时，会先重建列表（见 repairMessageOrder）。
func (s *Store) GetMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	keys, err := s.kv.LRange(ctx, orderKey(conversationID), rangeStart(limit), -1)
	if err != nil {
		return nil, fmt.Errorf("read message order: %w", err)
	}
	if len(keys) == 0 {
		return s.repairMessageOrder(ctx, conversationID, limit)
	}
	return s.loadMessages(ctx, keys)
}

func rangeStart(limit int) int64 {
	if limit <= 0 {
		return 0
	}
	return -int64(limit)
}

// loadMessages 批量读取消息内容，保持 keys 的顺序；已过期或损坏的条目被跳过。
func (s *Store) loadMessages(ctx context.Context, keys []string) ([]Message, error) {
	if len(keys) == 0 {
		return []Message{}, nil
	}
	values, err := s.kv.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	out := make([]Message, 0, len(values))
	for i, v := range values {
		if v == nil {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(*v), &msg); err != nil {
			s.logger.Warn().Err(err).Str("key", keys[i]).Msg("skipping malformed message")
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// GetConversation 按 ID 读取会话记录。
func (s *Store) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	recordKey, err := s.recordKey(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	raw, err := s.kv.Get(ctx, recordKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("read conversation: %w", err)
	}
	var conv Conversation
	if err := json.Unmarshal([]byte(raw), &conv); err != nil {
		return Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	return conv, nil
}

// recordKey 通过 id 映射定位记录键；映射缺失时回退到全局索引按后缀查找。
func (s *Store) recordKey(ctx context.Context, conversationID string) (string, error) {
	key, err := s.kv.Get(ctx, conversationIDKey(conversationID))
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, kvstore.ErrNotFound) {
		return "", fmt.Errorf("resolve conversation: %w", err)
	}
	members, err := s.kv.SMembers(ctx, conversationIndexKey)
	if err != nil {
		return "", fmt.Errorf("read conversation index: %w", err)
	}
	suffix := ":" + conversationID
	for _, m := range members {
		if strings.HasSuffix(m, suffix) {
			return m, nil
		}
	}
	return "", ErrConversationNotFound
}

// ListConversations 通过全局索引枚举所有会话（按最近消息时间倒序），无需全库扫描。
// 记录已过期的索引成员会被顺带移除。
func (s *Store) ListConversations(ctx context.Context) ([]Conversation, error) {
	members, err := s.kv.SMembers(ctx, conversationIndexKey)
	if err != nil {
		return nil, fmt.Errorf("read conversation index: %w", err)
	}
	if len(members) == 0 {
		return []Conversation{}, nil
	}
	values, err := s.kv.MGet(ctx, members...)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}

	var stale []string
	out := make([]Conversation, 0, len(values))
	for i, v := range values {
		if v == nil {
			stale = append(stale, members[i])
			continue
		}
		var conv Conversation
		if err := json.Unmarshal([]byte(*v), &conv); err != nil {
			s.logger.Warn().Err(err).Str("key", members[i]).Msg("skipping malformed conversation")
			continue
		}
		out = append(out, conv)
	}
	if len(stale) > 0 {
		if err := s.kv.SRem(ctx, conversationIndexKey, stale...); err != nil {
			s.logger.Warn().Err(err).Int("count", len(stale)).Msg("prune conversation index failed")
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

// DeleteConversation 级联删除会话：消息（含旧版键）、记录与索引成员、顺序列表、
// id 映射以及仍指向该会话的活跃指针。任一步失败都记录日志并返回 false，
// 残留数据由 TTL 兜底清理，不做补偿。
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) bool {
	log := s.logger.With().Str("conversation_id", conversationID).Logger()

	recordKey, err := s.recordKey(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, ErrConversationNotFound) {
			log.Error().Err(err).Msg("delete conversation: resolve failed")
		}
		return false
	}
	owner := ownerFromRecordKey(recordKey, conversationID)
	ok := true

	// 1. 收集消息键：顺序列表 + 旧版逐条键
	seen := make(map[string]struct{})
	var messageKeys []string
	collect := func(keys []string) {
		for _, k := range keys {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			messageKeys = append(messageKeys, k)
		}
	}
	ordered, err := s.kv.LRange(ctx, orderKey(conversationID), 0, -1)
	if err != nil {
		log.Error().Err(err).Msg("delete conversation: read message order failed")
		ok = false
	}
	collect(ordered)
	legacy, err := s.kv.Scan(ctx, messagePattern(conversationID))
	if err != nil {
		log.Error().Err(err).Msg("delete conversation: scan legacy messages failed")
		ok = false
	}
	collect(legacy)

	// 2. 删除消息
	if err := s.kv.Del(ctx, messageKeys...); err != nil {
		log.Error().Err(err).Int("messages", len(messageKeys)).Msg("delete conversation: delete messages failed")
		ok = false
	}

	// 3. 活跃指针仅在仍指向本会话时删除
	pointer, err := s.kv.Get(ctx, activePointerKey(owner))
	switch {
	case err == nil && pointer == conversationID:
		if err := s.kv.Del(ctx, activePointerKey(owner)); err != nil {
			log.Error().Err(err).Msg("delete conversation: delete active pointer failed")
			ok = false
		}
	case err != nil && !errors.Is(err, kvstore.ErrNotFound):
		log.Error().Err(err).Msg("delete conversation: read active pointer failed")
		ok = false
	}

	// 4. 记录、索引、顺序列表与 id 映射
	err = s.kv.Pipeline(ctx, func(p kvstore.Pipe) {
		p.Del(recordKey, orderKey(conversationID), conversationIDKey(conversationID))
		p.SRem(conversationIndexKey, recordKey)
	})
	if err != nil {
		log.Error().Err(err).Msg("delete conversation: delete record failed")
		ok = false
	}

	if ok {
		log.Info().Str("identity", TruncateIdentity(owner)).Int("messages", len(messageKeys)).Msg("conversation deleted")
	}
	return ok
}
