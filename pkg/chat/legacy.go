package chat

import (
	"context"
	"fmt"
	"time"
)

// migrationLockTTL 限制回填锁的持有时间，持锁进程崩溃时锁自动释放。
const migrationLockTTL = 10 * time.Second

// repairMessageOrder 处理旧版数据：消息逐条存储但没有顺序列表。
//
//	检测: 顺序列表为空 -> SCAN message:{id}:*
//	重建: 按键内时间戳(再按消息 ID)排序
//	回填: 仅 SET NX 抢到锁的读者把列表中缺失的旧键插入表头，其余读者只返回重建结果
//	返回: 与之后走顺序列表的读取结果一致
//
// 回填是幂等的，并发读者不会重复追加。
func (s *Store) repairMessageOrder(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	keys, err := s.kv.Scan(ctx, messagePattern(conversationID))
	if err != nil {
		return nil, fmt.Errorf("scan legacy messages: %w", err)
	}
	if len(keys) == 0 {
		return []Message{}, nil
	}
	sortMessageKeys(keys)
	s.backfillOrder(ctx, conversationID, keys)

	if limit > 0 && len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}
	return s.loadMessages(ctx, keys)
}

// adoptLegacyMessages 在顺序列表刚被第一条追加创建时调用：
// 若会话下还有列表之外的旧消息键，把它们补到表头。
// 覆盖读取历史失败（或被跳过）后直接追加、读取侧修复不再触发的情况。
func (s *Store) adoptLegacyMessages(ctx context.Context, conversationID string) {
	keys, err := s.kv.Scan(ctx, messagePattern(conversationID))
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("scan legacy messages failed")
		return
	}
	if len(keys) <= 1 {
		return
	}
	sortMessageKeys(keys)
	s.backfillOrder(ctx, conversationID, keys)
}

// backfillOrder 把 keys 中顺序列表尚未包含的键按原顺序插入表头，失败只记录：
// 本次读取仍返回重建结果，下次读取会重试。旧键总是早于列表中已有的键。
func (s *Store) backfillOrder(ctx context.Context, conversationID string, keys []string) {
	log := s.logger.With().Str("conversation_id", conversationID).Logger()

	lockKey := migrationLockKey(conversationID)
	acquired, err := s.kv.SetNX(ctx, lockKey, "1", migrationLockTTL)
	if err != nil {
		log.Warn().Err(err).Msg("message order backfill: lock failed")
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := s.kv.Del(ctx, lockKey); err != nil {
			log.Warn().Err(err).Msg("message order backfill: unlock failed")
		}
	}()

	// 持锁后读取当前列表，只补缺失的键；并发追加写在表尾，不受影响
	current, err := s.kv.LRange(ctx, orderKey(conversationID), 0, -1)
	if err != nil {
		log.Warn().Err(err).Msg("message order backfill: read order failed")
		return
	}
	present := make(map[string]struct{}, len(current))
	for _, k := range current {
		present[k] = struct{}{}
	}
	missing := make([]string, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if _, ok := present[keys[i]]; !ok {
			missing = append(missing, keys[i])
		}
	}
	if len(missing) == 0 {
		return
	}

	// LPUSH 逆序写入，最早的键落在表头
	if _, err := s.kv.LPush(ctx, orderKey(conversationID), missing...); err != nil {
		log.Warn().Err(err).Msg("message order backfill: push failed")
		return
	}
	if err := s.kv.Expire(ctx, orderKey(conversationID), s.retention); err != nil {
		log.Warn().Err(err).Msg("message order backfill: expire failed")
	}
	log.Info().Int("messages", len(missing)).Msg("message order backfilled from legacy keys")
}
