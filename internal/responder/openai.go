package responder

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/casewire/internal/config"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAI replies through the chat completions API.
type OpenAI struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAI creates an OpenAI-backed Responder.
func NewOpenAI(cfg config.ResponderConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("responder: openai api key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAI{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

// Reply implements Responder.
func (o *OpenAI) Reply(ctx context.Context, prompt []Turn) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(prompt))
	for _, t := range prompt {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    t.Role,
			Content: t.Content,
		})
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     o.model,
		Messages:  msgs,
		MaxTokens: o.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("responder: openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("responder: openai: empty choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("responder: openai: empty reply")
	}
	return text, nil
}
