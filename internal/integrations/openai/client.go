package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chat-orchestrator/internal/domain"
	"chat-orchestrator/internal/httpclient"
)

const (
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	DefaultTimeout = httpclient.DefaultTimeout
)

// chatRequest is the minimal request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model       string                 `json:"model"`
	Messages    []domain.PromptMessage `json:"messages"`
	Temperature *float64               `json:"temperature,omitempty"`
	MaxTokens   int                    `json:"max_tokens,omitempty"`
}

// chatResponse is the minimal response shape returned by the Chat Completions endpoint.
type chatResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// KeySource resolves the API key lazily, e.g. from a secret store.
type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

// Config is the explicit client configuration. APIKey takes precedence over Keys.
type Config struct {
	APIKey  string
	Keys    KeySource
	BaseURL string
	Timeout time.Duration
}

// Validate reports domain.ErrNotConfigured when no key can ever be resolved.
func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" && c.Keys == nil {
		return domain.ErrNotConfigured
	}
	return nil
}

// Client is a focused OpenAI-compatible client for chat completions.
type Client struct {
	cfg  Config
	http *httpclient.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.http = httpclient.New(httpclient.WithHTTPClient(httpClient), httpclient.WithTimeout(c.cfg.Timeout))
	}
}

// NewClient never fails on a missing key; that is surfaced by Configured and
// by Chat returning domain.ErrNotConfigured.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := &Client{cfg: cfg}
	c.http = httpclient.New(httpclient.WithTimeout(cfg.Timeout))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Configured() bool {
	return c.cfg.Validate() == nil
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	if c.cfg.APIKey != "" {
		return c.cfg.APIKey, nil
	}
	if c.cfg.Keys == nil {
		return "", domain.ErrNotConfigured
	}
	key, err := c.cfg.Keys.APIKey(ctx)
	if err != nil {
		return "", fmt.Errorf("openai: resolve api key: %w", err)
	}
	if strings.TrimSpace(key) == "" {
		return "", domain.ErrNotConfigured
	}
	return key, nil
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Chat sends one completion request. Content is empty when the upstream
// returned no choices or a null message.
func (c *Client) Chat(ctx context.Context, in domain.CompletionRequest) (domain.Completion, error) {
	if strings.TrimSpace(in.Model) == "" {
		return domain.Completion{}, errors.New("openai: model must not be empty")
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return domain.Completion{}, err
	}

	temperature := in.Temperature
	var payload chatResponse
	err = c.http.Send(ctx, httpclient.Request{
		Method: http.MethodPost,
		URL:    chatURL(c.cfg.BaseURL),
		Body: chatRequest{
			Model:       in.Model,
			Messages:    in.Messages,
			Temperature: &temperature,
			MaxTokens:   in.MaxTokens,
		},
		Header:  http.Header{"Authorization": []string{"Bearer " + apiKey}},
		Timeout: c.cfg.Timeout,
	}, &payload)
	if err != nil {
		return domain.Completion{}, fmt.Errorf("openai: request failed: %w", err)
	}

	out := domain.Completion{
		ID:      payload.ID,
		Model:   payload.Model,
		Created: payload.Created,
	}
	if len(payload.Choices) > 0 && payload.Choices[0].Message.Content != nil {
		out.Content = *payload.Choices[0].Message.Content
	}
	return out, nil
}
