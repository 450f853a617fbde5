package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"chat-orchestrator/internal/integrations/openai"
	"chat-orchestrator/internal/usecase"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Config is read once at start-up. Durations are kept in milliseconds to
// match the environment variables.
type Config struct {
	APIKey           string
	BaseURL          string  `validate:"required,url"`
	ParamPrefix      string  `validate:"omitempty,startswith=/"`
	DefaultModel     string  `validate:"required"`
	FallbackModel    string  `validate:"required,nefield=DefaultModel"`
	MaxRetries       int     `validate:"gte=1,lte=10"`
	RetryDelayBaseMS int     `validate:"gte=1"`
	RequestTimeoutMS int     `validate:"gte=1"`
	Temperature      float64 `validate:"gte=0,lte=2"`
	MaxTokens        int     `validate:"gte=1"`
	AppEnv           string  `validate:"required"`
	Port             int     `validate:"gte=1,lte=65535"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the process environment and applies defaults.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	var errs []string
	intVar := func(key string, def int) int {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %q is not an integer", key, v))
			return def
		}
		return n
	}
	floatVar := func(key string, def float64) float64 {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return def
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %q is not a number", key, v))
			return def
		}
		return f
	}
	strVar := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := Config{
		APIKey:           strings.TrimSpace(getenv("GROQ_API_KEY")),
		BaseURL:          strVar("GROQ_BASE_URL", openai.DefaultBaseURL),
		ParamPrefix:      strings.TrimRight(strVar("PARAM_PREFIX", ""), "/"),
		DefaultModel:     strVar("DEFAULT_MODEL", usecase.DefaultModel),
		FallbackModel:    strVar("FALLBACK_MODEL", usecase.DefaultFallbackModel),
		MaxRetries:       intVar("MAX_RETRIES", usecase.DefaultMaxRetries),
		RetryDelayBaseMS: intVar("RETRY_DELAY_BASE_MS", int(usecase.DefaultRetryDelayBase/time.Millisecond)),
		RequestTimeoutMS: intVar("REQUEST_TIMEOUT_MS", int(openai.DefaultTimeout/time.Millisecond)),
		Temperature:      floatVar("TEMPERATURE", usecase.DefaultTemperature),
		MaxTokens:        intVar("MAX_TOKENS", usecase.DefaultMaxTokens),
		AppEnv:           strings.ToLower(strVar("APP_ENV", EnvDevelopment)),
		Port:             intVar("PORT", 8080),
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c Config) IsProduction() bool {
	return c.AppEnv == EnvProduction
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// OpenAI builds the upstream client config. keys may be nil.
func (c Config) OpenAI(keys openai.KeySource) openai.Config {
	return openai.Config{
		APIKey:  c.APIKey,
		Keys:    keys,
		BaseURL: c.BaseURL,
		Timeout: c.RequestTimeout(),
	}
}

func (c Config) Chat() usecase.ChatConfig {
	return usecase.ChatConfig{
		DefaultModel:   c.DefaultModel,
		FallbackModel:  c.FallbackModel,
		MaxRetries:     c.MaxRetries,
		RetryDelayBase: time.Duration(c.RetryDelayBaseMS) * time.Millisecond,
	}
}
