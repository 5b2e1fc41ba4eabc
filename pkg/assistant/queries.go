package assistant

import (
	"context"
	"errors"
	"fmt"

	"github.com/IMBotPlatform/IMBotAssist/pkg/chat"
	"github.com/IMBotPlatform/IMBotAssist/pkg/usage"
)

// GetConversationMessages 返回会话最近 limit 条消息（从旧到新）。
func (s *Service) GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]chat.Message, error) {
	return s.store.GetMessages(ctx, conversationID, limit)
}

// GetOwnedConversationMessages 与 GetConversationMessages 相同，但只允许会话所有者读取；
// 其他身份得到 chat.ErrConversationNotFound，不暴露会话是否存在。
func (s *Service) GetOwnedConversationMessages(ctx context.Context, identity, conversationID string, limit int) ([]chat.Message, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.OwnerIdentity != chat.NormalizeIdentity(identity) {
		return nil, chat.ErrConversationNotFound
	}
	return s.store.GetMessages(ctx, conversationID, limit)
}

// ActiveThread 是身份当前的活跃会话及其近期消息。
type ActiveThread struct {
	Conversation chat.Conversation `json:"conversation"`
	Messages     []chat.Message    `json:"messages"`
}

// GetActiveThread 返回身份的活跃会话；没有活跃会话时返回 chat.ErrConversationNotFound。
func (s *Service) GetActiveThread(ctx context.Context, identity string, limit int) (ActiveThread, error) {
	id, err := s.store.ActiveConversationID(ctx, chat.NormalizeIdentity(identity))
	if err != nil {
		return ActiveThread{}, err
	}
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return ActiveThread{}, err
	}
	msgs, err := s.store.GetMessages(ctx, id, limit)
	if err != nil {
		return ActiveThread{}, fmt.Errorf("load active thread: %w", err)
	}
	return ActiveThread{Conversation: conv, Messages: msgs}, nil
}

// ListAllConversations 列出所有会话（管理接口）。
func (s *Service) ListAllConversations(ctx context.Context) ([]chat.Conversation, error) {
	return s.store.ListConversations(ctx)
}

// GetUsageStats 返回指定日期（空为当天）的用量汇总（管理接口）。
func (s *Service) GetUsageStats(ctx context.Context, day string) (usage.Report, error) {
	if s.usage == nil {
		return usage.Report{}, ErrUsageDisabled
	}
	return s.usage.Stats(ctx, day)
}

// DeleteConversation 级联删除会话（管理接口），任一步失败返回 false。
func (s *Service) DeleteConversation(ctx context.Context, conversationID string) bool {
	return s.store.DeleteConversation(ctx, conversationID)
}

// IsUserError 判断错误是否可以原样展示给用户。
func IsUserError(err error) bool {
	var validation *chat.ValidationError
	return errors.As(err, &validation) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrMissingIdentity)
}
