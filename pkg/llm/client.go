// Package llm provides the text-generation collaborator used by the debate orchestrator.
package llm

import (
	"context"
	"debate-bot-go/internal/config"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrUnavailable 表示无法与文本生成服务通信（网络、超时、非 2xx 响应）。
	ErrUnavailable = errors.New("llm: collaborator unavailable")
	// ErrMalformedResponse 表示服务返回了无法解析或缺少字段的结果。
	ErrMalformedResponse = errors.New("llm: malformed collaborator response")
)

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为
type GenerationParams struct {
	Temperature *float64
	MaxTokens   *int
	// JSON 要求模型只返回一个 JSON 对象
	JSON bool
}

// Client defines the interface for an LLM chat client.
type Client interface {
	// ChatMessages 以 role-based 消息调用聊天接口并返回完整回复文本。
	ChatMessages(ctx context.Context, messages []Message, gen *GenerationParams) (string, error)
}

type openAIClient struct {
	cfg    config.LLMConfig
	client *openai.Client
}

// NewClient creates an OpenAI-compatible chat client from config.
func NewClient(cfg config.LLMConfig) Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &openAIClient{
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientCfg),
	}
}

func (c *openAIClient) ChatMessages(ctx context.Context, messages []Message, gen *GenerationParams) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    c.cfg.Model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if gen == nil {
		gen = &GenerationParams{}
	}
	if gen.Temperature != nil {
		req.Temperature = wireTemperature(*gen.Temperature)
	}
	if gen.MaxTokens != nil {
		req.MaxTokens = *gen.MaxTokens
	}
	if gen.JSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrMalformedResponse)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("%w: empty content", ErrMalformedResponse)
	}
	return content, nil
}

// wireTemperature 把配置的 temperature 转成请求字段。
// go-openai 的 Temperature 是带 omitempty 的 float32，0 会被省略，服务端随之回退到默认值 1；
// 因此 0 以最小正 float32 发送，效果上等同于贪心解码。
func wireTemperature(t float64) float32 {
	if t <= 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}
