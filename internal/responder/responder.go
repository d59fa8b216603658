// Package responder turns a case history plus the newest customer message
// into an automated support reply using a hosted language model.
package responder

import (
	"context"
	"fmt"

	"github.com/zulandar/casewire/internal/config"
	"github.com/zulandar/casewire/internal/models"
)

// Turn is one entry of a model prompt.
type Turn struct {
	Role    string // "system", "user" or "assistant"
	Content string
}

// Responder generates a reply for a prompt.
type Responder interface {
	Reply(ctx context.Context, prompt []Turn) (string, error)
}

const defaultInstruction = "You are a helpful support agent whose job is to answer questions about %s. " +
	"You'll be given the conversation history, alongside the latest message from the user. " +
	"You need to respond to the user's message in a way that is helpful and informative. " +
	"You can ONLY RESPOND to questions about %s, and you MUST reply in plain text."

// Instruction returns the system instruction for a product. A non-empty
// override replaces the built-in text.
func Instruction(product, override string) string {
	if override != "" {
		return override
	}
	return fmt.Sprintf(defaultInstruction, product, product)
}

// BuildPrompt assembles the model prompt: the system instruction, every
// prior message in order, then the new customer text prefixed with
// "User message: ". Admin messages are presented to the model as
// assistant turns since they speak for the support side.
func BuildPrompt(instruction string, history []models.CaseMessage, text string) []Turn {
	prompt := make([]Turn, 0, len(history)+2)
	prompt = append(prompt, Turn{Role: models.RoleSystem, Content: instruction})
	for _, m := range history {
		role := m.Role
		if role == models.RoleAdmin {
			role = models.RoleAssistant
		}
		prompt = append(prompt, Turn{Role: role, Content: m.Content})
	}
	prompt = append(prompt, Turn{Role: models.RoleUser, Content: "User message: " + text})
	return prompt
}

// New builds the Responder selected by cfg.Provider.
func New(cfg config.ResponderConfig) (Responder, error) {
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAI(cfg)
	case "anthropic":
		return NewAnthropic(cfg)
	default:
		return nil, fmt.Errorf("responder: unsupported provider %q", cfg.Provider)
	}
}
