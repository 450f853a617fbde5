package classify

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"chat-orchestrator/internal/domain"
	"chat-orchestrator/internal/httpclient"
)

type Category string

const (
	CategoryInvalid          Category = "INVALID"
	CategoryAuthFailure      Category = "AUTH_FAILURE"
	CategoryRateLimited      Category = "RATE_LIMITED"
	CategoryTimeout          Category = "TIMEOUT"
	CategoryNetworkFailure   Category = "NETWORK_FAILURE"
	CategoryModelUnavailable Category = "MODEL_UNAVAILABLE"
	CategoryUnknown          Category = "UNKNOWN"
)

const (
	MessageRateLimited      = "The service is busy. Please wait a moment and try again."
	MessageAuthFailure      = "Authentication error. Please check your API configuration."
	MessageTimeout          = "Request timed out. The model may be processing. Please try again."
	MessageNetworkFailure   = "Network error. Please check your connection and try again."
	MessageModelUnavailable = "Model unavailable. Trying fallback model..."
	MessageUnknown          = "An unexpected error occurred. Please try again."
)

const maxUserMessageRunes = 200

type Classification struct {
	Category    Category
	UserMessage string
	Retryable   bool
}

// Error is a failure that has already been classified.
type Error struct {
	Classification
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return string(e.Category) + ": " + e.UserMessage
	}
	return string(e.Category) + ": " + e.UserMessage + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Wrap classifies err and returns it as *Error. An err that is already an *Error is returned as is.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	return &Error{Classification: Classify(err), Err: err}
}

var (
	rateLimited = Classification{Category: CategoryRateLimited, UserMessage: MessageRateLimited, Retryable: true}
	authFailure = Classification{Category: CategoryAuthFailure, UserMessage: MessageAuthFailure, Retryable: false}
	timeout     = Classification{Category: CategoryTimeout, UserMessage: MessageTimeout, Retryable: true}
	network     = Classification{Category: CategoryNetworkFailure, UserMessage: MessageNetworkFailure, Retryable: true}
	modelGone   = Classification{Category: CategoryModelUnavailable, UserMessage: MessageModelUnavailable, Retryable: true}
)

// Substring rules in priority order; the first rule with a matching pattern wins.
var messageRules = []struct {
	patterns []string
	result   Classification
}{
	{patterns: []string{"429", "rate limit"}, result: rateLimited},
	{patterns: []string{"401", "unauthorized", "invalid"}, result: authFailure},
	{patterns: []string{"timeout", "timed out", "abort"}, result: timeout},
	{patterns: []string{"network", "fetch failed", "connection"}, result: network},
	{patterns: []string{"model", "404"}, result: modelGone},
}

// Classify maps err to a category. Structured signals (context errors, typed HTTP
// errors and upstream error codes) are consulted before message heuristics.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown, UserMessage: MessageUnknown, Retryable: true}
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Classification
	}
	if c, ok := classifyStructured(err); ok {
		return c
	}

	message := err.Error()
	shown := message
	var httpErr *httpclient.Error
	if errors.As(err, &httpErr) {
		if httpErr.Message != "" {
			message = httpErr.Message
		}
		shown = ""
		if httpErr.Structured {
			shown = httpErr.Message
		}
	}
	if c, ok := classifyMessage(message); ok {
		return c
	}
	return unknown(shown)
}

func classifyStructured(err error) (Classification, bool) {
	if errors.Is(err, domain.ErrNotConfigured) {
		return authFailure, true
	}

	var httpErr *httpclient.Error
	if errors.As(err, &httpErr) {
		switch httpErr.Kind {
		case httpclient.KindTimeout, httpclient.KindCanceled:
			return timeout, true
		case httpclient.KindNetwork:
			return network, true
		case httpclient.KindHTTP:
			return classifyStatus(httpErr)
		}
		return Classification{}, false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return timeout, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return timeout, true
		}
		return network, true
	}
	return Classification{}, false
}

func classifyStatus(e *httpclient.Error) (Classification, bool) {
	code := strings.ToLower(e.Code)
	typ := strings.ToLower(e.Type)
	switch {
	case e.StatusCode == http.StatusTooManyRequests, strings.Contains(code, "rate_limit"), strings.Contains(typ, "rate_limit"):
		return rateLimited, true
	case e.StatusCode == http.StatusUnauthorized, e.StatusCode == http.StatusForbidden,
		code == "invalid_api_key", typ == "authentication_error":
		return authFailure, true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusGatewayTimeout:
		return timeout, true
	case e.StatusCode == http.StatusNotFound, code == "model_not_found", code == "model_decommissioned":
		return modelGone, true
	}
	return Classification{}, false
}

func classifyMessage(message string) (Classification, bool) {
	lower := strings.ToLower(message)
	for _, rule := range messageRules {
		for _, p := range rule.patterns {
			if strings.Contains(lower, p) {
				return rule.result, true
			}
		}
	}
	return Classification{}, false
}

func unknown(message string) Classification {
	message = strings.TrimSpace(message)
	if message == "" {
		message = MessageUnknown
	}
	if r := []rune(message); len(r) > maxUserMessageRunes {
		message = string(r[:maxUserMessageRunes]) + "..."
	}
	return Classification{Category: CategoryUnknown, UserMessage: message, Retryable: true}
}
