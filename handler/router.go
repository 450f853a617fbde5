package handler

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chat-orchestrator/internal/classify"
	"chat-orchestrator/internal/logging"
)

const correlationKey = "correlation_id"

type RouterOption func(*gin.Engine)

// WithMetricsHandler mounts a scrape endpoint at GET /metrics.
func WithMetricsHandler(m http.Handler) RouterOption {
	return func(r *gin.Engine) {
		if m != nil {
			r.GET("/metrics", gin.WrapH(m))
		}
	}
}

// NewRouter serves the handler over plain HTTP, under both / and /api.
func NewRouter(h *Handler, opts ...RouterOption) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(h.correlationMiddleware())

	for _, prefix := range []string{"", "/api"} {
		g := r.Group(prefix)
		g.POST("/chat", h.ginChat)
		g.GET("/suggestions", func(c *gin.Context) { h.write(c, h.listSuggestions(c.Request.Context())) })
		g.GET("/health", func(c *gin.Context) { h.write(c, h.health()) })
	}
	r.NoRoute(func(c *gin.Context) {
		h.write(c, reply{status: http.StatusNotFound, body: errorResponse{Error: "Not found"}})
	})

	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (h *Handler) correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := strings.TrimSpace(c.GetHeader(correlationHeader))
		if id == "" {
			id = correlationFromHeaders(nil)
		}
		log := h.logger.With(correlationKey, id)
		c.Set(correlationKey, id)
		c.Header(correlationHeader, id)
		c.Request = c.Request.WithContext(logging.WithLogger(c.Request.Context(), log))

		c.Next()

		log.Info("request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (h *Handler) ginChat(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		h.write(c, reply{status: http.StatusBadRequest, body: errorResponse{Error: "Invalid request body", Category: string(classify.CategoryInvalid)}})
		return
	}
	h.write(c, h.chatTurn(c.Request.Context(), body))
}

func (h *Handler) write(c *gin.Context, r reply) {
	c.JSON(r.status, r.body)
}
