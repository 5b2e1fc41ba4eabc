package ai

import (
	"context"
	"fmt"
	"net/http"

	"github.com/IMBotPlatform/IMBotAssist/pkg/prompt"
)

// Usage 是后端报告的各项 token 计数。
type Usage struct {
	Input      int `json:"input"`
	CacheRead  int `json:"cache_read"`
	CacheWrite int `json:"cache_write"`
	Output     int `json:"output"`
}

// Total 汇总所有计数字段，用于与后端无关的成本统计。
func (u Usage) Total() int {
	return u.Input + u.CacheRead + u.CacheWrite + u.Output
}

// Completion 是归一化后的后端响应。
type Completion struct {
	Text       string
	Usage      Usage
	TokensUsed int
	// Truncated 表示回复因最大输出长度被截断；文本原样返回，由调用方标记。
	Truncated bool
}

// Backend 是所有后端家族的统一接口。每个实现自行负责请求/响应的映射，
// 调用方不关心具体响应结构。
type Backend interface {
	Send(ctx context.Context, payload prompt.Payload) (Completion, error)
	Name() string
	Model() string
}

// NewBackend 根据显式传入的配置构建唯一生效的后端家族。
// 这是整个服务中唯一检查 provider 字符串的地方。
//
// 逻辑流程:
//
//	cfg.Provider
//	   |-- anthropic / openai / google / ollama -> langchaingo llms.Model -> LangChainBackend
//	   `-- 其他 -> error
//
// 所有家族共用同一个带超时的 http.Client。
func NewBackend(ctx context.Context, cfg Config) (Backend, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := &http.Client{Timeout: timeout}

	switch cfg.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama:
		llm, err := newLangChainModel(ctx, cfg, httpClient)
		if err != nil {
			return nil, fmt.Errorf("failed to create model provider: %w", err)
		}
		return NewLangChainBackend(cfg.Provider, cfg.Model, llm, cfg.Temperature), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %q", cfg.Provider)
	}
}
