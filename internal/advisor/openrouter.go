package advisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaiapi "github.com/sashabaranov/go-openai"

	"github.com/finbuddyhq/finbuddy/internal/config"
)

const openRouterProviderName = "openrouter"

// OpenRouterProvider calls hosted models through the OpenRouter
// OpenAI-compatible API.
type OpenRouterProvider struct {
	api   *openaiapi.Client
	model string
}

func NewOpenRouterProvider(cfg config.RemoteConfig, timeout time.Duration) (*OpenRouterProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("openrouter: missing api key")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = config.DefaultRemoteBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = config.DefaultRemoteModel
	}
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultAdvisorTimeoutS) * time.Second
	}

	clientCfg := openaiapi.DefaultConfig(apiKey)
	clientCfg.BaseURL = baseURL
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	return &OpenRouterProvider{
		api:   openaiapi.NewClientWithConfig(clientCfg),
		model: model,
	}, nil
}

func (p *OpenRouterProvider) Name() string { return openRouterProviderName }

func (p *OpenRouterProvider) Complete(ctx context.Context, req Request) (string, error) {
	messages := make([]openaiapi.ChatCompletionMessage, 0, len(req.History)+2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, openaiapi.ChatCompletionMessage{
			Role:    openaiapi.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, turn := range req.History {
		messages = append(messages, openaiapi.ChatCompletionMessage{
			Role:    turn.Role,
			Content: turn.Text,
		})
	}
	messages = append(messages, openaiapi.ChatCompletionMessage{
		Role:    openaiapi.ChatMessageRoleUser,
		Content: req.UserText,
	})

	resp, err := p.api.CreateChatCompletion(ctx, openaiapi.ChatCompletionRequest{
		Model:               p.model,
		MaxCompletionTokens: req.MaxTokens,
		Stream:              false,
		Messages:            messages,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openrouter returned empty response")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("openrouter returned empty content")
	}
	return content, nil
}
