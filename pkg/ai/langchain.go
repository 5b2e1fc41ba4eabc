package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/IMBotPlatform/IMBotAssist/pkg/prompt"
)

// staticSeparator 用于把多个静态段拼成单个文本块（ollama 每条消息只接受一个文本部分）。
const staticSeparator = "\n\n"

// errorBodyLimit 限制写入 StatusError 的后端错误文本长度。
const errorBodyLimit = 400

// newLangChainModel 初始化 langchaingo 模型实例。
//
// Load Config -> Init Provider (Anthropic/OpenAI/Google/Ollama) -> Return
func newLangChainModel(ctx context.Context, cfg Config, httpClient *http.Client) (llms.Model, error) {
	apiKey := ResolveSecret(cfg.APIKey)

	switch cfg.Provider {
	case ProviderAnthropic:
		opts := []anthropic.Option{
			anthropic.WithToken(apiKey),
			anthropic.WithModel(cfg.Model),
			anthropic.WithHTTPClient(httpClient),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")))
		}
		return anthropic.New(opts...)
	case ProviderOpenAI:
		opts := []openai.Option{
			openai.WithToken(apiKey),
			openai.WithModel(cfg.Model),
			openai.WithHTTPClient(httpClient),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)
	case ProviderGoogle:
		return googleai.New(ctx,
			googleai.WithAPIKey(apiKey),
			googleai.WithDefaultModel(cfg.Model),
			googleai.WithHTTPClient(httpClient),
		)
	case ProviderOllama:
		opts := []ollama.Option{
			ollama.WithModel(cfg.Model),
			ollama.WithHTTPClient(httpClient),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		return ollama.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider: %q", cfg.Provider)
	}
}

// LangChainBackend 通过 langchaingo 的 llms.Model 调用全部后端家族。
// 请求映射按家族区分，见 buildMessages。
type LangChainBackend struct {
	provider    string
	model       string
	llm         llms.Model
	temperature float64
}

// NewLangChainBackend 包装一个已初始化的 llms.Model。
func NewLangChainBackend(provider, model string, llm llms.Model, temperature float64) *LangChainBackend {
	return &LangChainBackend{
		provider:    provider,
		model:       model,
		llm:         llm,
		temperature: temperature,
	}
}

// Name 实现 Backend。
func (b *LangChainBackend) Name() string { return b.provider }

// Model 实现 Backend。
func (b *LangChainBackend) Model() string { return b.model }

// buildMessages 把通用载荷映射为 langchaingo 消息。静态段原样写入，不做任何插值。
//
//	anthropic: 单条 human 消息 = 静态段 (最后一段带 ephemeral 缓存标记) + 动态段
//	ollama:    system 消息 = 静态段以 staticSeparator 拼接的单个文本块；human = 动态段
//	其他:      system 消息 = 每个静态段一个 TextPart；human = 动态段
func (b *LangChainBackend) buildMessages(payload prompt.Payload) []llms.MessageContent {
	switch b.provider {
	case ProviderAnthropic:
		// system 消息不支持缓存标记，静态前缀放在 user 轮次开头同样按前缀命中缓存。
		parts := make([]llms.ContentPart, 0, len(payload.Static)+1)
		for i, seg := range payload.Static {
			if i == len(payload.Static)-1 {
				parts = append(parts, llms.WithCacheControl(llms.TextPart(seg.Text), anthropic.EphemeralCache()))
				continue
			}
			parts = append(parts, llms.TextPart(seg.Text))
		}
		parts = append(parts, llms.TextPart(payload.Dynamic))
		return []llms.MessageContent{{Role: llms.ChatMessageTypeHuman, Parts: parts}}
	case ProviderOllama:
		messages := make([]llms.MessageContent, 0, 2)
		if len(payload.Static) > 0 {
			texts := make([]string, 0, len(payload.Static))
			for _, seg := range payload.Static {
				texts = append(texts, seg.Text)
			}
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, strings.Join(texts, staticSeparator)))
		}
		return append(messages, llms.TextParts(llms.ChatMessageTypeHuman, payload.Dynamic))
	default:
		messages := make([]llms.MessageContent, 0, 2)
		if len(payload.Static) > 0 {
			parts := make([]llms.ContentPart, 0, len(payload.Static))
			for _, seg := range payload.Static {
				parts = append(parts, llms.TextPart(seg.Text))
			}
			messages = append(messages, llms.MessageContent{Role: llms.ChatMessageTypeSystem, Parts: parts})
		}
		return append(messages, llms.TextParts(llms.ChatMessageTypeHuman, payload.Dynamic))
	}
}

// Send 实现 Backend。
func (b *LangChainBackend) Send(ctx context.Context, payload prompt.Payload) (Completion, error) {
	messages := b.buildMessages(payload)

	var opts []llms.CallOption
	if payload.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(payload.MaxTokens))
	}
	if b.temperature > 0 {
		opts = append(opts, llms.WithTemperature(b.temperature))
	}
	if b.provider == ProviderAnthropic && len(payload.Static) > 0 {
		opts = append(opts, anthropic.WithPromptCaching())
	}

	resp, err := b.llm.GenerateContent(ctx, messages, opts...)
	if errors.Is(err, anthropic.ErrEmptyResponse) {
		return Completion{}, ErrEmptyResponse
	}
	if err != nil {
		return Completion{}, classifyLangChainError(b.provider, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return Completion{}, ErrEmptyResponse
	}

	choice := resp.Choices[0]
	text := strings.TrimSpace(choice.Content)
	if text == "" {
		return Completion{}, ErrEmptyResponse
	}
	usage := usageFromGenerationInfo(choice.GenerationInfo)
	return Completion{
		Text:       text,
		Usage:      usage,
		TokensUsed: usage.Total(),
		Truncated:  isLengthStop(choice.StopReason),
	}, nil
}

// GenerationInfo 中各提供方使用的计数键名。
var (
	inputKeys      = []string{"PromptTokens", "InputTokens", "input_tokens"}
	outputKeys     = []string{"CompletionTokens", "OutputTokens", "output_tokens"}
	cacheReadKeys  = []string{"CacheReadInputTokens", "cache_read_input_tokens"}
	cacheWriteKeys = []string{"CacheCreationInputTokens", "cache_creation_input_tokens"}
	totalKeys      = []string{"TotalTokens", "total_tokens"}

	// googleai 的 PromptTokens 已包含缓存命中部分，并另给出未缓存部分。
	nonCachedKeys = []string{"NonCachedInputTokens"}
)

// usageFromGenerationInfo 从 langchaingo 的 GenerationInfo 中提取 token 计数。
// Input 只计未命中缓存的输入，使 Usage.Total 不重复计入 CacheRead。
// 只有总数可用时，把总数计入 Input，保证汇总值不丢失。
func usageFromGenerationInfo(info map[string]any) Usage {
	input := firstInt(info, inputKeys)
	if _, ok := info["NonCachedInputTokens"]; ok {
		input = firstInt(info, nonCachedKeys)
	}
	usage := Usage{
		Input:      input,
		Output:     firstInt(info, outputKeys),
		CacheRead:  firstInt(info, cacheReadKeys),
		CacheWrite: firstInt(info, cacheWriteKeys),
	}
	if usage.Total() == 0 {
		usage.Input = firstInt(info, totalKeys)
	}
	return usage
}

func firstInt(info map[string]any, keys []string) int {
	for _, k := range keys {
		v, ok := info[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case int:
			return n
		case int32:
			return int(n)
		case int64:
			return int(n)
		case float64:
			return int(n)
		case string:
			if parsed, err := strconv.Atoi(n); err == nil {
				return parsed
			}
		}
	}
	return 0
}

func isLengthStop(reason string) bool {
	r := strings.ToLower(reason)
	return r == "length" || strings.Contains(r, "max_tokens") || strings.Contains(r, "maxtokens")
}

// statusPattern 匹配 langchaingo 各客户端错误文本中的 HTTP 状态码，
// 例如 "API returned unexpected status code: 429" 或 "googleapi: Error 503"。
var statusPattern = regexp.MustCompile(`(?i)(?:status(?:\s+code)?|error)[:=\s]+(\d{3})\b`)

// classifyLangChainError 把 langchaingo 的错误映射为 StatusError，便于统一重试分类。
// 无法识别状态码的错误原样返回（传输层错误仍可被 IsRetryable 识别）。
func classifyLangChainError(provider string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	m := statusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return fmt.Errorf("%s: %w", provider, err)
	}
	code, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return fmt.Errorf("%s: %w", provider, err)
	}
	return &StatusError{
		Backend:    provider,
		StatusCode: code,
		Message:    truncate(err.Error(), errorBodyLimit),
		Err:        err,
	}
}
