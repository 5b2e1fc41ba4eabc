// Package prompt 组装发送给后端的请求载荷。
//
// 载荷分为两部分：
//   - Static：部署内跨轮次不变的说明/知识文本，可被支持缓存的后端以较低成本复用，
//     因此每次调用必须逐字节一致，绝不做按请求插值；
//   - Dynamic：当前问题、最新统计与近期历史，每轮都变化，从不缓存。
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/IMBotPlatform/IMBotAssist/pkg/chat"
)

// DefaultMaxHistory 是注入动态段的历史消息条数上限。
const DefaultMaxHistory = 10

// DefaultInstructions 在未配置说明文件时作为唯一的静态段。
const DefaultInstructions = `You are the in-app assistant of a plant-growing game.
Answer questions about the player's plants, wallet, rewards and game mechanics.
Be concise and friendly. Use the player's stats when they are provided.
If you do not know the answer, say so instead of guessing.
Never ask for private keys or seed phrases.`

// Segment 是一段静态内容。
type Segment struct {
	Name string
	Text string
}

// Payload 是与后端无关的请求载荷。
type Payload struct {
	Static    []Segment
	Dynamic   string
	MaxTokens int // 最大输出 token 数，0 表示由后端决定
}

// Composer 把静态段、统计块与历史组合成 Payload。构造后只读，可并发使用。
type Composer struct {
	static     []Segment
	maxHistory int
	maxTokens  int
}

// Option 自定义 Composer。
type Option func(*Composer)

// WithMaxHistory 设置注入的历史条数上限。
func WithMaxHistory(n int) Option {
	return func(c *Composer) {
		if n > 0 {
			c.maxHistory = n
		}
	}
}

// WithMaxOutputTokens 设置最大输出 token 数。
func WithMaxOutputTokens(n int) Option {
	return func(c *Composer) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// NewComposer 创建 Composer。static 为空时使用 DefaultInstructions。
func NewComposer(static []Segment, opts ...Option) *Composer {
	if len(static) == 0 {
		static = []Segment{{Name: "instructions", Text: DefaultInstructions}}
	}
	c := &Composer{
		static:     append([]Segment(nil), static...),
		maxHistory: DefaultMaxHistory,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoadStatic 读取说明/知识文件作为静态段，段名取文件名。
func LoadStatic(paths []string) ([]Segment, error) {
	segments := make([]Segment, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read static prompt %s: %w", p, err)
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			continue
		}
		segments = append(segments, Segment{Name: filepath.Base(p), Text: text})
	}
	return segments, nil
}

// Static 返回静态段的副本。
func (c *Composer) Static() []Segment {
	return append([]Segment(nil), c.static...)
}

// MaxHistory 返回历史条数上限，供调用方决定读取多少历史。
func (c *Composer) MaxHistory() int {
	return c.maxHistory
}

// Compose 构建载荷。history 为从旧到新的近期消息（不含当前问题），stats 可为空。
func (c *Composer) Compose(question string, history []chat.Message, stats string) Payload {
	var b strings.Builder

	if stats = strings.TrimSpace(stats); stats != "" {
		b.WriteString("<player_stats>\n")
		b.WriteString(stats)
		b.WriteString("\n</player_stats>\n\n")
	}

	if len(history) > c.maxHistory {
		history = history[len(history)-c.maxHistory:]
	}
	if len(history) > 0 {
		b.WriteString("<recent_conversation>\n")
		for _, msg := range history {
			b.WriteString(roleLabel(msg.Type))
			b.WriteString(": ")
			b.WriteString(msg.Content)
			b.WriteString("\n")
		}
		b.WriteString("</recent_conversation>\n\n")
	}

	b.WriteString("Current question: ")
	b.WriteString(strings.TrimSpace(question))

	return Payload{
		Static:    c.Static(),
		Dynamic:   b.String(),
		MaxTokens: c.maxTokens,
	}
}

func roleLabel(t chat.MessageType) string {
	if t == chat.MessageTypeAssistant {
		return "Assistant"
	}
	return "User"
}
