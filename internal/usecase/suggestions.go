package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"chat-orchestrator/internal/domain"
	"chat-orchestrator/internal/logging"
)

const (
	defaultIcon = "lightbulb"

	// suggestionRetryAfter is how long defaults are served after a failed load.
	suggestionRetryAfter = 30 * time.Second
)

var knownIcons = map[string]bool{
	"lightbulb":  true,
	"code":       true,
	"trending":   true,
	"book":       true,
	"question":   true,
	"calculator": true,
	"science":    true,
	"language":   true,
}

var defaultSuggestions = []domain.Suggestion{
	{Label: "Explain quantum computing", Prompt: "Explain quantum computing in simple terms", Icon: "lightbulb"},
	{Label: "Write Python code", Prompt: "Write a Python function to sort a list", Icon: "code"},
	{Label: "Latest AI trends", Prompt: "What are the latest AI trends?", Icon: "trending"},
}

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// SuggestionService serves starter prompts for an empty chat. With a parameter
// store configured the list is read once and cached; otherwise, or on any
// failure, the built-in defaults are returned. A failed load is not retried
// for suggestionRetryAfter.
type SuggestionService struct {
	params ParamGetter
	name   string

	cacheMu  sync.RWMutex
	loaded   bool
	cached   []domain.Suggestion
	failedAt time.Time
}

// NewSuggestionService accepts a nil params to always serve the defaults.
func NewSuggestionService(params ParamGetter, name string) *SuggestionService {
	return &SuggestionService{params: params, name: strings.TrimSpace(name)}
}

func (s *SuggestionService) Suggestions(ctx context.Context) []domain.Suggestion {
	if s.params == nil || s.name == "" {
		return normalizeSuggestions(defaultSuggestions)
	}

	s.cacheMu.RLock()
	out, ok := s.cachedLocked()
	s.cacheMu.RUnlock()
	if ok {
		return out
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if out, ok := s.cachedLocked(); ok {
		return out
	}

	list, err := s.load(ctx)
	if err != nil {
		s.failedAt = now()
		logging.FromContext(ctx).Warn("using default suggestions", "err", err, "retry_after", suggestionRetryAfter)
		return normalizeSuggestions(defaultSuggestions)
	}
	s.cached = list
	s.loaded = true
	s.failedAt = time.Time{}
	return list
}

// cachedLocked must be called with cacheMu held.
func (s *SuggestionService) cachedLocked() ([]domain.Suggestion, bool) {
	if s.loaded {
		return s.cached, true
	}
	if !s.failedAt.IsZero() && now().Sub(s.failedAt) < suggestionRetryAfter {
		return normalizeSuggestions(defaultSuggestions), true
	}
	return nil, false
}

func (s *SuggestionService) load(ctx context.Context) ([]domain.Suggestion, error) {
	raw, err := s.params.GetParameter(ctx, s.name)
	if err != nil {
		return nil, fmt.Errorf("usecase: load suggestions: %w", err)
	}
	var list []domain.Suggestion
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("usecase: decode suggestions: %w", err)
	}
	out := make([]domain.Suggestion, 0, len(list))
	for _, sg := range list {
		if strings.TrimSpace(sg.Label) == "" || strings.TrimSpace(sg.Prompt) == "" {
			continue
		}
		out = append(out, sg)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("usecase: suggestions parameter %q is empty", s.name)
	}
	return normalizeSuggestions(out), nil
}

func normalizeSuggestions(in []domain.Suggestion) []domain.Suggestion {
	out := make([]domain.Suggestion, len(in))
	for i, sg := range in {
		if !knownIcons[sg.Icon] {
			sg.Icon = defaultIcon
		}
		out[i] = sg
	}
	return out
}
