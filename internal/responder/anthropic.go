package responder

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/zulandar/casewire/internal/config"
)

const defaultAnthropicModel = "claude-sonnet-4-5"

// Anthropic replies through the Messages API.
type Anthropic struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic creates an Anthropic-backed Responder.
func NewAnthropic(cfg config.ResponderConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("responder: anthropic api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Anthropic{client: &client, model: model, maxTokens: maxTokens}, nil
}

// Reply implements Responder.
func (a *Anthropic) Reply(ctx context.Context, prompt []Turn) (string, error) {
	resp, err := a.client.Messages.New(ctx, a.params(prompt))
	if err != nil {
		return "", fmt.Errorf("responder: anthropic: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("responder: anthropic: empty reply")
	}
	return text, nil
}

// params maps prompt turns onto a Messages request. System turns become
// system blocks; consecutive turns with the same role are merged since the
// API requires alternating roles.
func (a *Anthropic) params(prompt []Turn) anthropic.MessageNewParams {
	var system []anthropic.TextBlockParam
	var msgs []anthropic.MessageParam
	lastRole := ""

	for _, t := range prompt {
		if t.Role == "system" {
			system = append(system, anthropic.TextBlockParam{Text: t.Content})
			continue
		}
		role := "user"
		if t.Role == "assistant" {
			role = "assistant"
		}
		block := anthropic.NewTextBlock(t.Content)
		switch {
		case role == lastRole:
			msgs[len(msgs)-1].Content = append(msgs[len(msgs)-1].Content, block)
		case role == "assistant":
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
		lastRole = role
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		Messages:  msgs,
		MaxTokens: a.maxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}
	return params
}
