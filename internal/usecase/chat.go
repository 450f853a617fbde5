package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-retry"

	"chat-orchestrator/internal/classify"
	"chat-orchestrator/internal/domain"
	"chat-orchestrator/internal/logging"
)

const (
	DefaultModel          = "openai/gpt-oss-20b"
	DefaultFallbackModel  = "llama-3.1-8b-instant"
	DefaultMaxRetries     = 2
	DefaultRetryDelayBase = time.Second

	outcomeSuccess = "success"

	// Metric label for any model other than the configured default and fallback.
	modelLabelRequested = "requested"
)

type Invoker interface {
	Invoke(ctx context.Context, history []domain.ChatMessage, model string) (domain.ChatMessage, error)
}

type MetricsRecorder interface {
	ObserveAttempt(model, outcome string, d time.Duration)
	ObserveTurn(outcome string, attempts int)
}

type ChatTurnRequest struct {
	History        []domain.ChatMessage `validate:"required,min=1,dive"`
	RequestedModel string
}

// ChatConfig holds the retry/fallback settings. Zero values select the defaults.
type ChatConfig struct {
	DefaultModel   string
	FallbackModel  string
	MaxRetries     int
	RetryDelayBase time.Duration
}

// ChatService drives a single chat turn through bounded retries, switching to
// the fallback model on the final attempt. It keeps no per-turn state and is
// safe for concurrent use.
type ChatService struct {
	invoker        Invoker
	metrics        MetricsRecorder
	defaultModel   string
	fallbackModel  string
	maxRetries     int
	retryDelayBase time.Duration
}

type ChatOption func(*ChatService)

func WithMetrics(m MetricsRecorder) ChatOption {
	return func(s *ChatService) {
		if m != nil {
			s.metrics = m
		}
	}
}

func NewChatService(invoker Invoker, cfg ChatConfig, opts ...ChatOption) (*ChatService, error) {
	if invoker == nil {
		return nil, errors.New("usecase: invoker must not be nil")
	}
	cfg.DefaultModel = strings.TrimSpace(cfg.DefaultModel)
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	cfg.FallbackModel = strings.TrimSpace(cfg.FallbackModel)
	if cfg.FallbackModel == "" {
		cfg.FallbackModel = DefaultFallbackModel
	}
	if cfg.FallbackModel == cfg.DefaultModel {
		return nil, errors.New("usecase: fallback model must differ from the default model")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = DefaultRetryDelayBase
	}
	s := &ChatService{
		invoker:        invoker,
		metrics:        noopMetrics{},
		defaultModel:   cfg.DefaultModel,
		fallbackModel:  cfg.FallbackModel,
		maxRetries:     cfg.MaxRetries,
		retryDelayBase: cfg.RetryDelayBase,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SendChatTurn returns the assistant reply or a *TurnError.
func (s *ChatService) SendChatTurn(ctx context.Context, in ChatTurnRequest) (domain.ChatMessage, error) {
	log := logging.FromContext(ctx)

	if err := validateTurn(in); err != nil {
		s.metrics.ObserveTurn(string(classify.CategoryInvalid), 0)
		return domain.ChatMessage{}, err
	}

	selected := strings.TrimSpace(in.RequestedModel)
	if selected == "" {
		selected = s.defaultModel
	}

	var (
		attempts int
		reply    domain.ChatMessage
		last     *classify.Error
	)
	backoff := retry.WithMaxRetries(uint64(s.maxRetries), newBackoff(s.retryDelayBase)) // #nosec G115 -- maxRetries is positive
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempt := attempts
		attempts++
		model := selected
		if attempt == s.maxRetries {
			model = s.fallbackModel
		}

		start := time.Now()
		msg, err := s.invoker.Invoke(ctx, in.History, model)
		if err == nil {
			s.metrics.ObserveAttempt(s.modelLabel(model), outcomeSuccess, time.Since(start))
			reply = msg
			return nil
		}

		last = classify.Wrap(err)
		s.metrics.ObserveAttempt(s.modelLabel(model), string(last.Category), time.Since(start))
		log.Warn("chat completion attempt failed",
			"attempt", attempt+1,
			"model", model,
			"category", last.Category,
			"retryable", last.Retryable,
			"err", err,
		)
		if !last.Retryable {
			return last
		}
		return retry.RetryableError(last)
	})
	if err == nil {
		if attempts > 1 {
			log.Info("chat completion succeeded after retries", "attempts", attempts, "model", reply.Model)
		}
		s.metrics.ObserveTurn(outcomeSuccess, attempts)
		return reply, nil
	}

	turnErr := s.terminalError(ctx, last, attempts)
	s.metrics.ObserveTurn(string(turnErr.Category), attempts)
	log.Error("chat turn failed",
		"category", turnErr.Category,
		"attempts", attempts,
		"retries_exhausted", turnErr.RetriesExhausted,
		"err", turnErr.Err,
	)
	return domain.ChatMessage{}, turnErr
}

// modelLabel folds every caller-chosen model into one metric label.
func (s *ChatService) modelLabel(model string) string {
	if model == s.defaultModel || model == s.fallbackModel {
		return model
	}
	return modelLabelRequested
}

func (s *ChatService) terminalError(ctx context.Context, last *classify.Error, attempts int) *TurnError {
	if ctxErr := ctx.Err(); ctxErr != nil || last == nil {
		if ctxErr == nil {
			ctxErr = context.Canceled
		}
		return &TurnError{
			Category: classify.CategoryTimeout,
			Message:  classify.MessageTimeout,
			Attempts: attempts,
			Err:      ctxErr,
		}
	}

	out := &TurnError{
		Category:         last.Category,
		Message:          last.UserMessage,
		RetriesExhausted: last.Retryable && attempts > s.maxRetries,
		Attempts:         attempts,
		Err:              last,
	}
	if errors.Is(last, ErrNoContent) {
		out.Message = messageNoContent
	}
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateTurn(in ChatTurnRequest) *TurnError {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			if fe.Field() == "History" {
				return invalidError(messageEmptyHistory, err)
			}
		}
	}
	return invalidError(messageInvalidMessage, err)
}

// linearBackoff waits base, 2*base, 3*base, ... between attempts.
func linearBackoff(base time.Duration) retry.Backoff {
	var n int64
	return retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return base * time.Duration(n), false
	})
}

var newBackoff = linearBackoff

type noopMetrics struct{}

func (noopMetrics) ObserveAttempt(string, string, time.Duration) {}
func (noopMetrics) ObserveTurn(string, int)                      {}
