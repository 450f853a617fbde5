package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	DefaultTimeout = 60 * time.Second

	maxBodyBytes      = 1 << 20
	maxErrorBodyBytes = 4096
	maxSnippetBytes   = 512
)

type Kind string

const (
	KindNetwork         Kind = "network"
	KindTimeout         Kind = "timeout"
	KindCanceled        Kind = "canceled"
	KindHTTP            Kind = "http"
	KindInvalidResponse Kind = "invalid_response"
)

// Error describes a failed request. StatusCode is set for KindHTTP only.
// Code and Type carry the upstream's structured error fields when present.
// Structured reports that Message was read from a JSON error body; otherwise
// Message is generic and a non-JSON body is kept in Body for logs only.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Structured bool
	Code       string
	Type       string
	Body       string
	URL        string
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Kind == KindHTTP {
		return fmt.Sprintf("httpclient: status %d from %s: %s", e.StatusCode, e.URL, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("httpclient: %s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("httpclient: %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// HTTPStatusCode reports the upstream status, zero for transport failures.
func (e *Error) HTTPStatusCode() int {
	return e.StatusCode
}

type Request struct {
	Method  string
	URL     string
	Body    any
	Header  http.Header
	Timeout time.Duration
}

// Client sends JSON requests. It never retries.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the timeout used when a Request carries none.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	return c
}

// Send performs the request and decodes a JSON response into out (which may be nil).
// All failures are returned as *Error.
func (c *Client) Send(ctx context.Context, r Request, out any) error {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	method := r.Method
	if method == "" {
		method = http.MethodPost
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if r.Body != nil {
		buf, err := json.Marshal(r.Body)
		if err != nil {
			return &Error{Kind: KindInvalidResponse, URL: r.URL, Message: "encode request body", Err: err}
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(callCtx, method, r.URL, body)
	if err != nil {
		return &Error{Kind: KindNetwork, URL: r.URL, Message: "create request", Err: err}
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(ctx, callCtx, r.URL, err)
	}
	defer func() { _ = res.Body.Close() }()

	ok := res.StatusCode >= 200 && res.StatusCode < 300
	limit := int64(maxBodyBytes)
	if !ok {
		limit = maxErrorBodyBytes
	}
	raw, err := io.ReadAll(io.LimitReader(res.Body, limit))
	if err != nil {
		return transportError(ctx, callCtx, r.URL, fmt.Errorf("read response body: %w", err))
	}

	if !isJSON(res.Header.Get("Content-Type")) {
		body := snippet(raw)
		if !ok {
			return &Error{Kind: KindHTTP, StatusCode: res.StatusCode, URL: r.URL, Message: statusMessage(res.StatusCode), Body: body}
		}
		return &Error{Kind: KindInvalidResponse, URL: r.URL, Message: "response is not JSON", Body: body}
	}

	if !ok {
		return statusError(res.StatusCode, r.URL, raw)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Kind: KindInvalidResponse, URL: r.URL, Message: "decode response", Err: err}
	}
	return nil
}

func statusError(status int, url string, raw []byte) *Error {
	e := &Error{Kind: KindHTTP, StatusCode: status, URL: url}
	if gjson.ValidBytes(raw) {
		errField := gjson.GetBytes(raw, "error")
		switch {
		case errField.IsObject():
			e.Message = errField.Get("message").String()
			e.Code = errField.Get("code").String()
			e.Type = errField.Get("type").String()
		case errField.Type == gjson.String:
			e.Message = errField.String()
		}
		if e.Message == "" {
			e.Message = gjson.GetBytes(raw, "message").String()
		}
	}
	e.Message = strings.TrimSpace(e.Message)
	e.Structured = e.Message != ""
	if !e.Structured {
		e.Message = statusMessage(status)
		e.Body = snippet(raw)
	}
	return e
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > maxSnippetBytes {
		s = strings.ToValidUTF8(s[:maxSnippetBytes], "") + "..."
	}
	return s
}

func transportError(parent, callCtx context.Context, url string, err error) *Error {
	if parent.Err() != nil {
		return &Error{Kind: KindCanceled, URL: url, Message: "request aborted", Err: parent.Err()}
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, URL: url, Message: "request timed out", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, URL: url, Message: "request timed out", Err: err}
	}
	return &Error{Kind: KindNetwork, URL: url, Message: "network error", Err: err}
}

func statusMessage(status int) string {
	return fmt.Sprintf("request failed with status %d", status)
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
