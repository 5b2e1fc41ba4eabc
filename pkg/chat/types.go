// Package chat 管理会话与消息的生命周期：创建、索引、追加、读取与删除。
package chat

import "time"

// MessageType 区分用户消息与助手回复。
type MessageType string

const (
	MessageTypeUser      MessageType = "user"
	MessageTypeAssistant MessageType = "assistant"
)

// Conversation 是绑定到单个身份的有界消息线程。
// MessageCount / TotalTokens 只在追加消息时单调递增。
type Conversation struct {
	ID            string    `json:"id"`
	OwnerIdentity string    `json:"owner_identity"`
	Title         string    `json:"title"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	MessageCount  int       `json:"message_count"`
	TotalTokens   int       `json:"total_tokens"`
	Model         string    `json:"model,omitempty"` // 创建时生效的后端模型，仅供参考
}

// Message 创建后不可变，随保留期过期或随会话删除。
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	OwnerIdentity  string      `json:"owner_identity"`
	Type           MessageType `json:"type"`
	Content        string      `json:"content"`
	Timestamp      time.Time   `json:"timestamp"`
	Model          string      `json:"model,omitempty"`
	TokensUsed     int         `json:"tokens_used"`
	Truncated      bool        `json:"truncated,omitempty"` // 回复被最大输出长度截断
}
