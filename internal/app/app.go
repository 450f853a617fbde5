package app

import (
	"context"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"

	"chat-orchestrator/handler"
	"chat-orchestrator/internal/config"
	"chat-orchestrator/internal/integrations/openai"
	"chat-orchestrator/internal/integrations/paramstore"
	"chat-orchestrator/internal/metrics"
	"chat-orchestrator/internal/usecase"
)

type ssmAPI interface {
	GetParameter(ctx context.Context, in *awsssm.GetParameterInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error)
}

// newSSM is replaced in tests.
var newSSM = func(ctx context.Context) (ssmAPI, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: load AWS config: %w", err)
	}
	return awsssm.NewFromConfig(cfg), nil
}

// Build wires the chat handler from cfg. reg may be nil to disable metrics.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer) (*handler.Handler, error) {
	var (
		keys   openai.KeySource
		params usecase.ParamGetter
		sugg   string
	)
	if cfg.ParamPrefix != "" {
		api, err := newSSM(ctx)
		if err != nil {
			return nil, err
		}
		store, err := paramstore.New(api, cfg.ParamPrefix)
		if err != nil {
			return nil, fmt.Errorf("app: create parameter store client: %w", err)
		}
		ks, err := paramstore.NewKeySource(store)
		if err != nil {
			return nil, fmt.Errorf("app: create key source: %w", err)
		}
		keys, params, sugg = ks, store, store.SuggestionsParameter()
	}

	client := openai.NewClient(cfg.OpenAI(keys))
	if !client.Configured() {
		logger.Warn("upstream API key is not configured; chat requests will fail until GROQ_API_KEY or PARAM_PREFIX is set")
	}

	invoker, err := usecase.NewCompletionInvoker(client, cfg.Temperature, cfg.MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("app: create completion invoker: %w", err)
	}

	var chatOpts []usecase.ChatOption
	if reg != nil {
		rec, err := metrics.New(reg)
		if err != nil {
			return nil, fmt.Errorf("app: register metrics: %w", err)
		}
		chatOpts = append(chatOpts, usecase.WithMetrics(rec))
	}
	chat, err := usecase.NewChatService(invoker, cfg.Chat(), chatOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: create chat service: %w", err)
	}

	return handler.NewHandler(chat,
		handler.WithSuggestions(usecase.NewSuggestionService(params, sugg)),
		handler.WithConfiguredCheck(client.Configured),
		handler.WithErrorDetails(!cfg.IsProduction()),
		handler.WithLogger(logger),
	)
}
