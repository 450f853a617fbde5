package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"chat-orchestrator/internal/classify"
	"chat-orchestrator/internal/domain"
	"chat-orchestrator/internal/logging"
	"chat-orchestrator/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 1 << 20

	// Millisecond precision, "Z" for UTC.
	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

type ChatTurnSender interface {
	SendChatTurn(ctx context.Context, in usecase.ChatTurnRequest) (domain.ChatMessage, error)
}

type SuggestionLister interface {
	Suggestions(ctx context.Context) []domain.Suggestion
}

type Handler struct {
	chat        ChatTurnSender
	suggestions SuggestionLister
	configured  func() bool
	showDetails bool
	logger      *slog.Logger
}

type Option func(*Handler)

func WithSuggestions(s SuggestionLister) Option {
	return func(h *Handler) {
		if s != nil {
			h.suggestions = s
		}
	}
}

// WithConfiguredCheck reports upstream readiness on GET /health.
func WithConfiguredCheck(fn func() bool) Option {
	return func(h *Handler) {
		if fn != nil {
			h.configured = fn
		}
	}
}

// WithErrorDetails exposes internal error strings to clients. Keep it off in production.
func WithErrorDetails(show bool) Option {
	return func(h *Handler) { h.showDetails = show }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(chat ChatTurnSender, opts ...Option) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat service must not be nil")
	}
	h := &Handler{
		chat:        chat,
		suggestions: usecase.NewSuggestionService(nil, ""),
		configured:  func() bool { return true },
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type messageRequest struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

type chatRequest struct {
	Messages []messageRequest `json:"messages"`
	Model    string           `json:"model,omitempty"`
}

type chatResponse struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Model     string `json:"model,omitempty"`
	Timestamp string `json:"timestamp"`
}

type suggestionsResponse struct {
	Suggestions []domain.Suggestion `json:"suggestions"`
}

type healthResponse struct {
	Status     string `json:"status"`
	Configured bool   `json:"configured"`
}

type errorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
	Details  string `json:"details,omitempty"`
}

type reply struct {
	status int
	body   any
}

// Handle serves API Gateway proxy events. Paths may carry an /api prefix.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	start := time.Now()
	correlationID := correlationFromHeaders(req.Headers)
	log := h.logger.With(correlationKey, correlationID)
	ctx = logging.WithLogger(ctx, log)

	var r reply
	switch route(req.Path) {
	case "/chat":
		if req.HTTPMethod != http.MethodPost {
			r = methodNotAllowed()
			break
		}
		body, err := decodeBody(req)
		if err != nil {
			r = reply{status: http.StatusBadRequest, body: errorResponse{Error: "Invalid request body", Category: string(classify.CategoryInvalid)}}
			break
		}
		r = h.chatTurn(ctx, body)
	case "/suggestions":
		if req.HTTPMethod != http.MethodGet {
			r = methodNotAllowed()
			break
		}
		r = h.listSuggestions(ctx)
	case "/health":
		if req.HTTPMethod != http.MethodGet {
			r = methodNotAllowed()
			break
		}
		r = h.health()
	default:
		r = reply{status: http.StatusNotFound, body: errorResponse{Error: "Not found"}}
	}

	payload, err := json.Marshal(r.body)
	if err != nil {
		log.Error("failed to encode response", "err", err)
		r.status = http.StatusInternalServerError
		payload = []byte(`{"error":"Internal server error"}`)
	}
	log.Info("request handled",
		"method", req.HTTPMethod,
		"path", req.Path,
		"status", r.status,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return events.APIGatewayProxyResponse{
		StatusCode: r.status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(payload),
	}, nil
}

func (h *Handler) chatTurn(ctx context.Context, body []byte) reply {
	if len(body) > maxBodyBytes {
		return reply{status: http.StatusRequestEntityTooLarge, body: errorResponse{Error: "Request body too large", Category: string(classify.CategoryInvalid)}}
	}
	var in chatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return reply{status: http.StatusBadRequest, body: errorResponse{Error: "Invalid JSON body", Category: string(classify.CategoryInvalid)}}
	}

	history := make([]domain.ChatMessage, 0, len(in.Messages))
	for _, m := range in.Messages {
		history = append(history, domain.ChatMessage{
			ID:      m.ID,
			Role:    domain.Role(m.Role),
			Content: m.Content,
			Model:   m.Model,
		})
	}
	msg, err := h.chat.SendChatTurn(ctx, usecase.ChatTurnRequest{History: history, RequestedModel: in.Model})
	if err != nil {
		return h.errorReply(ctx, err)
	}
	return reply{status: http.StatusOK, body: chatResponse{
		ID:        msg.ID,
		Role:      string(msg.Role),
		Content:   msg.Content,
		Model:     msg.Model,
		Timestamp: msg.Timestamp.UTC().Format(timestampLayout),
	}}
}

func (h *Handler) listSuggestions(ctx context.Context) reply {
	return reply{status: http.StatusOK, body: suggestionsResponse{Suggestions: h.suggestions.Suggestions(ctx)}}
}

func (h *Handler) health() reply {
	return reply{status: http.StatusOK, body: healthResponse{Status: "ok", Configured: h.configured()}}
}

func (h *Handler) errorReply(ctx context.Context, err error) reply {
	var turnErr *usecase.TurnError
	if !errors.As(err, &turnErr) {
		logging.FromContext(ctx).Error("unexpected chat error", "err", err)
		out := errorResponse{Error: "Internal server error", Category: string(classify.CategoryUnknown)}
		if h.showDetails {
			out.Details = err.Error()
		}
		return reply{status: http.StatusInternalServerError, body: out}
	}

	out := errorResponse{Error: turnErr.Message, Category: string(turnErr.Category)}
	if h.showDetails && turnErr.Err != nil {
		out.Details = turnErr.Err.Error()
	}
	return reply{status: statusFor(turnErr.Category), body: out}
}

func statusFor(c classify.Category) int {
	switch c {
	case classify.CategoryInvalid:
		return http.StatusBadRequest
	case classify.CategoryRateLimited:
		return http.StatusServiceUnavailable
	case classify.CategoryTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func methodNotAllowed() reply {
	return reply{status: http.StatusMethodNotAllowed, body: errorResponse{Error: "Method not allowed"}}
}

func route(path string) string {
	path = strings.TrimRight(path, "/")
	if path == "/api" || strings.HasPrefix(path, "/api/") {
		path = strings.TrimPrefix(path, "/api")
	}
	return path
}

func decodeBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	if !req.IsBase64Encoded {
		return []byte(req.Body), nil
	}
	return base64.StdEncoding.DecodeString(req.Body)
}

func correlationFromHeaders(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return uuid.NewString()
}
