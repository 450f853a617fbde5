package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"chat-orchestrator/internal/classify"
	"chat-orchestrator/internal/domain"
)

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2048
)

// ErrNoContent marks a syntactically valid completion without usable text.
var ErrNoContent = errors.New("no content returned")

type LLMClient interface {
	Chat(ctx context.Context, in domain.CompletionRequest) (domain.Completion, error)
}

// CompletionInvoker performs a single completion attempt against one model.
type CompletionInvoker struct {
	llm         LLMClient
	temperature float64
	maxTokens   int
}

// NewCompletionInvoker applies DefaultTemperature for a negative temperature
// and DefaultMaxTokens for a non-positive token ceiling.
func NewCompletionInvoker(llm LLMClient, temperature float64, maxTokens int) (*CompletionInvoker, error) {
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if temperature < 0 {
		temperature = DefaultTemperature
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &CompletionInvoker{llm: llm, temperature: temperature, maxTokens: maxTokens}, nil
}

// Invoke returns the assistant message, or a *classify.Error.
func (i *CompletionInvoker) Invoke(ctx context.Context, history []domain.ChatMessage, model string) (domain.ChatMessage, error) {
	completion, err := i.llm.Chat(ctx, domain.CompletionRequest{
		Model:       model,
		Messages:    domain.ToPromptMessages(history),
		Temperature: i.temperature,
		MaxTokens:   i.maxTokens,
	})
	if err != nil {
		return domain.ChatMessage{}, classify.Wrap(err)
	}

	content := strings.TrimSpace(completion.Content)
	if content == "" {
		return domain.ChatMessage{}, &classify.Error{
			Classification: classify.Classification{
				Category:    classify.CategoryUnknown,
				UserMessage: "No content returned",
				Retryable:   true,
			},
			Err: ErrNoContent,
		}
	}

	id := completion.ID
	if id == "" {
		id = newUUID()
	}
	ts := now().UTC()
	if completion.Created > 0 {
		ts = time.Unix(completion.Created, 0).UTC()
	}
	return domain.ChatMessage{
		ID:        id,
		Role:      domain.RoleAssistant,
		Content:   content,
		Model:     model,
		Timestamp: ts,
	}, nil
}

var newUUID = func() string {
	return uuid.NewString()
}

var now = time.Now
