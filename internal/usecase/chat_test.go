package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/require"

	"chat-orchestrator/internal/classify"
	"chat-orchestrator/internal/domain"
	"chat-orchestrator/internal/integrations/openai"
	"chat-orchestrator/internal/metrics"
)

const (
	testDefaultModel  = "primary-model"
	testFallbackModel = "fallback-model"
)

type step struct {
	content string
	err     error
}

type scriptedInvoker struct {
	mu     sync.Mutex
	steps  []step
	models []string
}

func (f *scriptedInvoker) Invoke(_ context.Context, _ []domain.ChatMessage, model string) (domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.models)
	f.models = append(f.models, model)
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	st := f.steps[idx]
	if st.err != nil {
		return domain.ChatMessage{}, st.err
	}
	return domain.ChatMessage{ID: fmt.Sprintf("id-%d", idx), Role: domain.RoleAssistant, Content: st.content, Model: model}, nil
}

func (f *scriptedInvoker) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.models)
}

type capturingMetrics struct {
	mu       sync.Mutex
	attempts []string
	turns    []string
}

func (c *capturingMetrics) ObserveAttempt(model, outcome string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = append(c.attempts, model+":"+outcome)
}

func (c *capturingMetrics) ObserveTurn(outcome string, attempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, fmt.Sprintf("%s/%d", outcome, attempts))
}

// recordBackoff keeps the computed delays but sleeps only a millisecond.
func recordBackoff(t *testing.T) *[]time.Duration {
	t.Helper()
	var delays []time.Duration
	orig := newBackoff
	newBackoff = func(base time.Duration) retry.Backoff {
		inner := orig(base)
		return retry.BackoffFunc(func() (time.Duration, bool) {
			d, stop := inner.Next()
			delays = append(delays, d)
			return time.Millisecond, stop
		})
	}
	t.Cleanup(func() { newBackoff = orig })
	return &delays
}

func newTestChatService(t *testing.T, inv Invoker, opts ...ChatOption) *ChatService {
	t.Helper()
	svc, err := NewChatService(inv, ChatConfig{DefaultModel: testDefaultModel, FallbackModel: testFallbackModel}, opts...)
	require.NoError(t, err)
	return svc
}

func hello() ChatTurnRequest {
	return ChatTurnRequest{History: []domain.ChatMessage{{Role: domain.RoleUser, Content: "Hello"}}}
}

func expectTurnError(t *testing.T, err error, category classify.Category) *TurnError {
	t.Helper()
	var turnErr *TurnError
	require.ErrorAs(t, err, &turnErr)
	require.Equal(t, category, turnErr.Category)
	return turnErr
}

func TestNewChatService_Validates(t *testing.T) {
	_, err := NewChatService(nil, ChatConfig{})
	require.Error(t, err)

	_, err = NewChatService(&scriptedInvoker{}, ChatConfig{DefaultModel: "same", FallbackModel: "same"})
	require.Error(t, err)

	svc, err := NewChatService(&scriptedInvoker{}, ChatConfig{})
	require.NoError(t, err)
	require.Equal(t, DefaultModel, svc.defaultModel)
	require.Equal(t, DefaultFallbackModel, svc.fallbackModel)
	require.Equal(t, DefaultMaxRetries, svc.maxRetries)
	require.Equal(t, DefaultRetryDelayBase, svc.retryDelayBase)
}

func TestSendChatTurn_FirstAttemptSuccess(t *testing.T) {
	delays := recordBackoff(t)
	inv := &scriptedInvoker{steps: []step{{content: "Hi there"}}}
	svc := newTestChatService(t, inv)

	msg, err := svc.SendChatTurn(context.Background(), hello())
	require.NoError(t, err)
	require.Equal(t, "Hi there", msg.Content)
	require.Equal(t, testDefaultModel, msg.Model)
	require.Equal(t, []string{testDefaultModel}, inv.models)
	require.Empty(t, *delays)
}

func TestSendChatTurn_UsesRequestedModel(t *testing.T) {
	inv := &scriptedInvoker{steps: []step{{content: "ok"}}}
	svc := newTestChatService(t, inv)

	req := hello()
	req.RequestedModel = " custom-model "
	msg, err := svc.SendChatTurn(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "custom-model", msg.Model)
}

func TestSendChatTurn_NonRetryableStopsImmediately(t *testing.T) {
	delays := recordBackoff(t)
	inv := &scriptedInvoker{steps: []step{{err: errors.New("401 Unauthorized")}}}
	svc := newTestChatService(t, inv)

	_, err := svc.SendChatTurn(context.Background(), hello())
	turnErr := expectTurnError(t, err, classify.CategoryAuthFailure)
	require.Equal(t, classify.MessageAuthFailure, turnErr.Message)
	require.False(t, turnErr.RetriesExhausted)
	require.Equal(t, 1, turnErr.Attempts)
	require.Equal(t, []string{testDefaultModel}, inv.models, "no fallback model may be tried")
	require.Empty(t, *delays, "no backoff may occur")
}

func TestSendChatTurn_FinalAttemptUsesFallbackModel(t *testing.T) {
	recordBackoff(t)
	inv := &scriptedInvoker{steps: []step{
		{err: errors.New("upstream timeout")},
		{err: errors.New("The model is overloaded")},
		{content: "from fallback"},
	}}
	svc := newTestChatService(t, inv)

	req := hello()
	req.RequestedModel = "requested-model"
	msg, err := svc.SendChatTurn(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, testFallbackModel, msg.Model)
	require.Equal(t, []string{"requested-model", "requested-model", testFallbackModel}, inv.models)
}

func TestSendChatTurn_LastErrorWins(t *testing.T) {
	recordBackoff(t)
	inv := &scriptedInvoker{steps: []step{
		{err: errors.New("429 Too Many Requests")},
		{err: errors.New("request timed out")},
		{err: errors.New("fetch failed")},
	}}
	svc := newTestChatService(t, inv)

	_, err := svc.SendChatTurn(context.Background(), hello())
	turnErr := expectTurnError(t, err, classify.CategoryNetworkFailure)
	require.Equal(t, classify.MessageNetworkFailure, turnErr.Message)
	require.True(t, turnErr.RetriesExhausted)
	require.Equal(t, 3, turnErr.Attempts)
	require.Equal(t, 3, inv.calls())
}

func TestSendChatTurn_RateLimitedThenFallbackSucceeds(t *testing.T) {
	delays := recordBackoff(t)
	inv := &scriptedInvoker{steps: []step{
		{err: errors.New("Error: 429 rate limit exceeded")},
		{err: errors.New("Error: 429 rate limit exceeded")},
		{content: "ok"},
	}}
	svc := newTestChatService(t, inv)

	msg, err := svc.SendChatTurn(context.Background(), hello())
	require.NoError(t, err)
	require.Equal(t, "ok", msg.Content)
	require.Equal(t, testFallbackModel, msg.Model)
	require.Equal(t, []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond}, *delays)
}

func TestSendChatTurn_NoContentOnEveryAttempt(t *testing.T) {
	recordBackoff(t)
	llm := &mockLLM{completion: domain.Completion{ID: "abc", Content: "   "}}
	svc := newTestChatService(t, newTestInvoker(t, llm))

	_, err := svc.SendChatTurn(context.Background(), hello())
	turnErr := expectTurnError(t, err, classify.CategoryUnknown)
	require.Equal(t, "No content returned from the AI model", turnErr.Message)
	require.True(t, turnErr.RetriesExhausted)
	require.ErrorIs(t, err, ErrNoContent)
	require.Equal(t, 3, llm.calls)
	require.Equal(t, testFallbackModel, llm.last.Model)
}

func TestSendChatTurn_InvalidRequests(t *testing.T) {
	cases := []struct {
		name    string
		req     ChatTurnRequest
		message string
	}{
		{name: "nil history", req: ChatTurnRequest{}, message: messageEmptyHistory},
		{name: "empty history", req: ChatTurnRequest{History: []domain.ChatMessage{}}, message: messageEmptyHistory},
		{name: "empty content", req: ChatTurnRequest{History: []domain.ChatMessage{{Role: domain.RoleUser}}}, message: messageInvalidMessage},
		{name: "empty role", req: ChatTurnRequest{History: []domain.ChatMessage{{Content: "hi"}}}, message: messageInvalidMessage},
		{name: "unknown role", req: ChatTurnRequest{History: []domain.ChatMessage{{Role: "tool", Content: "hi"}}}, message: messageInvalidMessage},
		{
			name: "one bad message among good ones",
			req: ChatTurnRequest{History: []domain.ChatMessage{
				{Role: domain.RoleUser, Content: "hi"},
				{Role: domain.RoleAssistant, Content: ""},
			}},
			message: messageInvalidMessage,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inv := &scriptedInvoker{steps: []step{{content: "unused"}}}
			svc := newTestChatService(t, inv)

			_, err := svc.SendChatTurn(context.Background(), tc.req)
			turnErr := expectTurnError(t, err, classify.CategoryInvalid)
			require.Equal(t, tc.message, turnErr.Message)
			require.Zero(t, turnErr.Attempts)
			require.Zero(t, inv.calls(), "no network call may be made")
		})
	}
}

func TestSendChatTurn_CancelDuringBackoff(t *testing.T) {
	inv := &scriptedInvoker{steps: []step{{err: errors.New("503 upstream busy")}}}
	svc, err := NewChatService(inv, ChatConfig{
		DefaultModel:   testDefaultModel,
		FallbackModel:  testFallbackModel,
		RetryDelayBase: time.Hour,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err = svc.SendChatTurn(ctx, hello())
	require.Less(t, time.Since(start), 5*time.Second)

	turnErr := expectTurnError(t, err, classify.CategoryTimeout)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, inv.calls())
	require.Equal(t, 1, turnErr.Attempts)
}

func TestSendChatTurn_AlreadyCanceledMakesNoCalls(t *testing.T) {
	inv := &scriptedInvoker{steps: []step{{content: "ok"}}}
	svc := newTestChatService(t, inv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.SendChatTurn(ctx, hello())
	expectTurnError(t, err, classify.CategoryTimeout)
	require.Zero(t, inv.calls())
}

func TestSendChatTurn_RecordsMetrics(t *testing.T) {
	recordBackoff(t)
	m := &capturingMetrics{}
	inv := &scriptedInvoker{steps: []step{{err: errors.New("429")}, {content: "ok"}}}
	svc := newTestChatService(t, inv, WithMetrics(m))

	_, err := svc.SendChatTurn(context.Background(), hello())
	require.NoError(t, err)
	require.Equal(t, []string{testDefaultModel + ":RATE_LIMITED", testDefaultModel + ":success"}, m.attempts)
	require.Equal(t, []string{"success/2"}, m.turns)

	_, err = svc.SendChatTurn(context.Background(), ChatTurnRequest{})
	require.Error(t, err)
	require.Equal(t, "INVALID/0", m.turns[1])
}

func TestSendChatTurn_ConcurrentTurnsAreIndependent(t *testing.T) {
	inv := &scriptedInvoker{steps: []step{{content: "ok"}}}
	svc := newTestChatService(t, inv)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SendChatTurn(context.Background(), hello())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 20, inv.calls())
}

// Runs the whole path down to an HTTP upstream.
func TestSendChatTurn_EndToEnd(t *testing.T) {
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies <- body
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"abc","model":"primary-model","created":1700000000,"choices":[{"message":{"content":"Hi there"}}]}`))
	}))
	defer srv.Close()

	client := openai.NewClient(openai.Config{APIKey: "sk", BaseURL: srv.URL, Timeout: 2 * time.Second})
	inv, err := NewCompletionInvoker(client, DefaultTemperature, DefaultMaxTokens)
	require.NoError(t, err)
	svc := newTestChatService(t, inv)

	msg, err := svc.SendChatTurn(context.Background(), ChatTurnRequest{
		History: []domain.ChatMessage{{ID: "1700000000000", Role: domain.RoleUser, Content: "Hello", Timestamp: time.Now()}},
	})
	require.NoError(t, err)
	require.Equal(t, domain.ChatMessage{
		ID:        "abc",
		Role:      domain.RoleAssistant,
		Content:   "Hi there",
		Model:     testDefaultModel,
		Timestamp: time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC),
	}, msg)

	require.JSONEq(t, `{
		"model":"primary-model",
		"messages":[{"role":"user","content":"Hello"}],
		"temperature":0.7,
		"max_tokens":2048
	}`, string(<-bodies))
}

func TestSendChatTurn_EndToEndUnauthorized(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid API Key","type":"invalid_request_error","code":"invalid_api_key"}}`))
	}))
	defer srv.Close()

	client := openai.NewClient(openai.Config{APIKey: "bad", BaseURL: srv.URL})
	inv, err := NewCompletionInvoker(client, DefaultTemperature, DefaultMaxTokens)
	require.NoError(t, err)

	_, err = newTestChatService(t, inv).SendChatTurn(context.Background(), hello())
	expectTurnError(t, err, classify.CategoryAuthFailure)
	require.Equal(t, int32(1), calls.Load())
}

func TestSendChatTurn_HTMLErrorPageIsNotShown(t *testing.T) {
	recordBackoff(t)
	page := `<html><body><h1>502 Bad Gateway</h1><p>ray id 8a1b internal-host.corp</p></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	client := openai.NewClient(openai.Config{APIKey: "sk", BaseURL: srv.URL})
	inv, err := NewCompletionInvoker(client, DefaultTemperature, DefaultMaxTokens)
	require.NoError(t, err)

	_, err = newTestChatService(t, inv).SendChatTurn(context.Background(), hello())
	turnErr := expectTurnError(t, err, classify.CategoryUnknown)
	require.Equal(t, classify.MessageUnknown, turnErr.Message)
	require.NotContains(t, turnErr.Message, "<html>")
	require.Contains(t, turnErr.Err.Error(), "internal-host.corp", "the page stays available for logs")
}

func TestSendChatTurn_MetricsModelLabelIsBounded(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := metrics.New(reg)
	require.NoError(t, err)
	inv := &scriptedInvoker{steps: []step{{content: "ok"}}}
	svc := newTestChatService(t, inv, WithMetrics(rec))

	for i := 0; i < 50; i++ {
		req := hello()
		req.RequestedModel = fmt.Sprintf("caller-model-%d", i)
		_, err := svc.SendChatTurn(context.Background(), req)
		require.NoError(t, err)
	}
	_, err = svc.SendChatTurn(context.Background(), hello())
	require.NoError(t, err)

	series, err := testutil.GatherAndCount(reg, "chat_completion_attempts_total")
	require.NoError(t, err)
	require.Equal(t, 2, series, "one series for caller-chosen models, one for the default model")
}
