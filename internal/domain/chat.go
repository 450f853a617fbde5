package domain

import (
	"errors"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ErrNotConfigured is returned when the upstream completion client has no API key.
var ErrNotConfigured = errors.New("completion client is not configured: missing API key")

// ChatMessage is a single conversation entry as exchanged with the UI.
type ChatMessage struct {
	ID        string    `json:"id,omitempty"`
	Role      Role      `json:"role" validate:"required,oneof=user assistant system"`
	Content   string    `json:"content" validate:"required"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PromptMessage is the provider-agnostic message shape sent to LLM integrations.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is a single chat completion call.
type CompletionRequest struct {
	Model       string
	Messages    []PromptMessage
	Temperature float64
	MaxTokens   int
}

// Completion is the part of an upstream completion the service consumes.
// Content is empty when the upstream returned no choices.
type Completion struct {
	ID      string
	Model   string
	Created int64
	Content string
}

// ToPromptMessages keeps only role and content, in history order.
func ToPromptMessages(history []ChatMessage) []PromptMessage {
	out := make([]PromptMessage, 0, len(history))
	for _, m := range history {
		out = append(out, PromptMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}
