// Package llm provides the chat providers backing llm-kind agents.
package llm

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Pratyay/agent-studio/errors"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"` // user, assistant, system
	Content string `json:"content"`
}

// ChatRequest is a chat request to a provider.
type ChatRequest struct {
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// ChatResponse is a provider's reply.
type ChatResponse struct {
	Content      string `json:"content"`
	StopReason   string `json:"stop_reason"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Model        string `json:"model"`
}

// Provider is the interface for LLM providers.
type Provider interface {
	// Chat sends a chat request and returns the response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider  string      `json:"provider"` // anthropic, openai, google, mock
	Model     string      `json:"model"`
	APIKey    string      `json:"api_key"`
	MaxTokens int         `json:"max_tokens"`
	BaseURL   string      `json:"base_url"`
	Retry     RetryConfig `json:"retry"`
}

// RetryConfig holds retry settings for provider calls.
type RetryConfig struct {
	MaxRetries  int           `json:"max_retries"`  // default 5
	InitBackoff time.Duration `json:"init_backoff"` // default 1s
	MaxBackoff  time.Duration `json:"max_backoff"`  // default 60s
}

const (
	defaultMaxRetries  = 5
	defaultInitBackoff = time.Second
	defaultMaxBackoff  = 60 * time.Second
	backoffFactor      = 2.0

	// DefaultMaxTokens applies when Config.MaxTokens is unset.
	DefaultMaxTokens = 4096
)

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Provider == "" {
		c.Provider = InferProvider(c.Model)
	}
	if c.Provider == "" {
		return errors.InvalidInput("provider is required")
	}
	if c.Provider != "mock" && c.Model == "" {
		return errors.InvalidInput("model is required", errors.WithMetadata("provider", c.Provider))
	}
	if c.MaxTokens < 0 {
		return errors.InvalidInput("max_tokens must not be negative")
	}
	return nil
}

// InferProvider guesses the provider from a model name.
func InferProvider(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude"):
		return "anthropic"
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return "openai"
	case strings.HasPrefix(m, "gemini"):
		return "google"
	}
	return ""
}

// APIKeyEnv returns the conventional API key variable for a provider.
func APIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	}
	return ""
}

// New creates the provider named by cfg. A missing key is read from the
// provider's conventional environment variable.
func New(ctx context.Context, cfg Config) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.APIKey == "" {
		if env := APIKeyEnv(cfg.Provider); env != "" {
			cfg.APIKey = os.Getenv(env)
		}
	}

	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicProvider(cfg)
	case "openai":
		return NewOpenAIProvider(cfg)
	case "google":
		return NewGoogleProvider(ctx, cfg)
	case "mock":
		return NewMockProvider(), nil
	default:
		return nil, errors.New(errors.ErrCodeUnsupported, "unsupported provider", errors.WithMetadata("provider", cfg.Provider))
	}
}

// withRetry runs call until it succeeds, fails permanently, or the retry
// budget is spent.
func withRetry(ctx context.Context, rc RetryConfig, provider string, call func() error) error {
	maxRetries, backoff, maxBackoff := rc.MaxRetries, rc.InitBackoff, rc.MaxBackoff
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if backoff <= 0 {
		backoff = defaultInitBackoff
	}
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}

	for attempt := 0; ; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		if isBillingError(err) {
			return errors.WrapWithCode(err, errors.ErrCodeUnavailable, provider+" billing error", errors.WithRetryable(false))
		}
		if !isRetryableError(err) {
			return errors.WrapWithCode(err, errors.ErrCodeUnavailable, provider+" request failed")
		}
		if attempt == maxRetries {
			return errors.WrapWithCode(err, errors.ErrCodeUnavailable, provider+" request failed after retries",
				errors.WithMetadata("retries", strconv.Itoa(maxRetries)))
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), provider+" request aborted")
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// isRateLimitError checks if the error is a rate limit error.
func isRateLimitError(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "rate limit") ||
		strings.Contains(s, "too many requests") ||
		strings.Contains(s, "429") ||
		strings.Contains(s, "overloaded") ||
		strings.Contains(s, "capacity")
}

// isServerError checks if the error is a transient 5xx.
func isServerError(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "500") ||
		strings.Contains(s, "502") ||
		strings.Contains(s, "503") ||
		strings.Contains(s, "504") ||
		strings.Contains(s, "internal server error") ||
		strings.Contains(s, "bad gateway") ||
		strings.Contains(s, "service unavailable") ||
		strings.Contains(s, "gateway timeout") ||
		strings.Contains(s, "temporarily unavailable")
}

func isRetryableError(err error) bool {
	return isRateLimitError(err) || isServerError(err)
}

// isBillingError checks for quota and payment failures. These never retry.
func isBillingError(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "billing") ||
		strings.Contains(s, "payment") ||
		strings.Contains(s, "credits") ||
		strings.Contains(s, "quota exceeded") ||
		strings.Contains(s, "insufficient") ||
		strings.Contains(s, "402") ||
		strings.Contains(s, "subscription")
}

// MockProvider is a scripted provider for tests and offline runs.
type MockProvider struct {
	mu        sync.Mutex
	responses []ChatResponse
	requests  []ChatRequest
	ChatFunc  func(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// NewMockProvider creates a mock that echoes the last user message unless
// responses are queued.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// AddResponse queues a response.
func (m *MockProvider) AddResponse(content string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, ChatResponse{Content: content, StopReason: "end_turn", Model: "mock"})
	return m
}

// Requests returns the requests seen so far.
func (m *MockProvider) Requests() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.requests...)
}

// Chat implements Provider.
func (m *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	fn := m.ChatFunc
	var queued *ChatResponse
	if fn == nil && len(m.responses) > 0 {
		r := m.responses[0]
		m.responses = m.responses[1:]
		queued = &r
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if queued != nil {
		return queued, nil
	}
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Content
			break
		}
	}
	return &ChatResponse{Content: last, StopReason: "end_turn", Model: "mock"}, nil
}
