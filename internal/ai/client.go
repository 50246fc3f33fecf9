// Package ai answers paid questions through an OpenAI compatible chat
// completion endpoint.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	openai "github.com/sashabaranov/go-openai"

	"github.com/pendergraft/querypay/internal/config"
	"github.com/pendergraft/querypay/internal/observability/metrics"
)

// DefaultSystemPrompt frames every question.
const DefaultSystemPrompt = "You are a helpful assistant. Answer the user's question concisely and accurately."

var (
	// ErrUnavailable means the backend could not produce an answer.
	ErrUnavailable = errors.New("AI service unavailable")
	// ErrEmptyQuestion is returned for blank input.
	ErrEmptyQuestion = errors.New("question is empty")
)

// Answerer generates an answer to one question.
type Answerer interface {
	Generate(ctx context.Context, question string) (string, error)
}

// Config configures the client. Zero delays fall back to defaults.
type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	Timeout      time.Duration

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// BreakerDelay is how long the circuit stays open before probing again.
	BreakerDelay time.Duration
}

// ConfigFrom maps the service configuration onto a client Config.
func ConfigFrom(c config.AIConfig) Config {
	return Config{
		BaseURL:    c.BaseURL,
		APIKey:     c.APIKey,
		Model:      c.Model,
		Timeout:    c.Timeout,
		MaxRetries: c.MaxRetries,
	}
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = openai.GPT4oMini
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = 5 * time.Second
		if c.MaxDelay < c.BaseDelay {
			c.MaxDelay = c.BaseDelay
		}
	}
	if c.BreakerDelay <= 0 {
		c.BreakerDelay = 30 * time.Second
	}
	return c
}

// Client calls the chat completion API through a retry policy and a
// circuit breaker.
type Client struct {
	api      *openai.Client
	model    string
	prompt   string
	breaker  circuitbreaker.CircuitBreaker[string]
	executor failsafe.Executor[string]
	logger   *slog.Logger
}

// New creates a client.
func New(cfg Config, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	retry := retrypolicy.NewBuilder[string]().
		HandleIf(func(_ string, err error) bool { return retryable(err) }).
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithJitterFactor(0.1).
		WithMaxRetries(cfg.MaxRetries).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[string]) {
			logger.Warn("retrying AI completion", "attempt", e.Attempts(), "error", e.LastError())
		}).
		Build()

	breaker := circuitbreaker.NewBuilder[string]().
		HandleIf(func(_ string, err error) bool { return retryable(err) }).
		WithFailureThresholdRatio(5, 10).
		WithDelay(cfg.BreakerDelay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			logger.Warn("AI circuit breaker state change", "from", stateName(e.OldState), "to", stateName(e.NewState))
		}).
		Build()

	return &Client{
		api:      openai.NewClientWithConfig(oc),
		model:    cfg.Model,
		prompt:   cfg.SystemPrompt,
		breaker:  breaker,
		executor: failsafe.With[string](retry, breaker),
		logger:   logger,
	}
}

// Generate returns the model's answer to question.
func (c *Client) Generate(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}

	answer, err := c.executor.WithContext(ctx).Get(func() (string, error) {
		return c.complete(ctx, question)
	})
	if err != nil {
		status := "error"
		if errors.Is(err, circuitbreaker.ErrOpen) {
			status = "circuit_open"
		}
		metrics.AIRequest(status)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	metrics.AIRequest("ok")
	return answer, nil
}

func (c *Client) complete(ctx context.Context, question string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.prompt},
			{Role: openai.ChatMessageRoleUser, Content: question},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", errEmptyAnswer
	}
	return resp.Choices[0].Message.Content, nil
}

// BreakerOpen reports whether calls are currently being rejected.
func (c *Client) BreakerOpen() bool {
	return c.breaker.IsOpen()
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}

var errEmptyAnswer = errors.New("empty completion")

// retryable reports whether a completion error is worth another attempt:
// transport failures, rate limits and server errors.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	if errors.Is(err, errEmptyAnswer) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	return true
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
