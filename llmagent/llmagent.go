// Package llmagent provides the "llm" builtin unit: an agent whose entry
// point answers through a chat provider.
//
// The agent record's Config selects the backend:
//
//	provider     anthropic | openai | google | mock (inferred from model when empty)
//	model        provider model name
//	instruction  system prompt
//	max_tokens   response budget
//	api_key_env  environment variable holding the key
//	base_url     custom endpoint
//
// A locator of "builtin:llm" loads it.
package llmagent

import (
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/Pratyay/agent-studio/agent"
	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/llm"
	"github.com/Pratyay/agent-studio/loader"
	"github.com/Pratyay/agent-studio/registry"
)

// Kind is the catalog name of the llm unit.
const Kind = "llm"

// maxHistory bounds the turns kept per session.
const maxHistory = 20

// ProviderFactory builds a provider from configuration.
type ProviderFactory func(ctx context.Context, cfg llm.Config) (llm.Provider, error)

// Option configures Register.
type Option func(*options)

type options struct {
	newProvider ProviderFactory
}

// WithProviderFactory replaces llm.New.
func WithProviderFactory(f ProviderFactory) Option {
	return func(o *options) { o.newProvider = f }
}

// Register adds the llm factory to catalog.
func Register(catalog *loader.Catalog, opts ...Option) error {
	return catalog.Register(Kind, NewFactory(opts...))
}

// NewFactory returns the loader factory for llm units.
func NewFactory(opts ...Option) loader.Factory {
	o := options{newProvider: llm.New}
	for _, opt := range opts {
		opt(&o)
	}
	return func(ctx context.Context, rec *registry.AgentRecord) (agent.Agent, error) {
		cfg, instruction, err := ParseConfig(rec.Config)
		if err != nil {
			return nil, errors.Wrap(err, "invalid llm config", errors.WithAgentID(rec.ID))
		}
		p, err := o.newProvider(ctx, cfg)
		if err != nil {
			return nil, errors.Wrap(err, "create llm provider", errors.WithAgentID(rec.ID))
		}
		return New(rec.Name, instruction, p), nil
	}
}

// ParseConfig reads provider settings and the instruction from record config.
func ParseConfig(c map[string]string) (llm.Config, string, error) {
	cfg := llm.Config{
		Provider: strings.ToLower(strings.TrimSpace(c["provider"])),
		Model:    strings.TrimSpace(c["model"]),
		BaseURL:  c["base_url"],
	}
	if v := c["max_tokens"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, "", errors.InvalidInput("max_tokens must be a positive integer", errors.WithMetadata("max_tokens", v))
		}
		cfg.MaxTokens = n
	}
	if env := c["api_key_env"]; env != "" {
		cfg.APIKey = os.Getenv(env)
		if cfg.APIKey == "" {
			return cfg, "", errors.InvalidInput("api key variable is empty", errors.WithMetadata("api_key_env", env))
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, "", err
	}
	return cfg, c["instruction"], nil
}

// Agent answers invocations with one provider call per turn. It keeps a
// short per-session history.
type Agent struct {
	name        string
	instruction string
	provider    llm.Provider

	mu      sync.Mutex
	history map[string][]llm.Message
}

// New creates an llm agent.
func New(name, instruction string, p llm.Provider) *Agent {
	return &Agent{
		name:        name,
		instruction: instruction,
		provider:    p,
		history:     make(map[string][]llm.Message),
	}
}

// Name implements agent.Agent.
func (a *Agent) Name() string {
	return a.name
}

// Run implements agent.Agent. A successful run emits the reply as a text
// event followed by a final event.
func (a *Agent) Run(ctx context.Context, inv agent.Invocation) (<-chan agent.Event, error) {
	if strings.TrimSpace(inv.Content) == "" {
		return nil, errors.InvalidInput("empty message")
	}
	ch := make(chan agent.Event, 2)
	go func() {
		defer close(ch)
		reply, err := a.turn(ctx, inv)
		if err != nil {
			ch <- agent.Failed(a.name, err)
			return
		}
		ch <- agent.Text(a.name, reply)
		ch <- agent.Final(a.name, reply)
	}()
	return ch, nil
}

func (a *Agent) turn(ctx context.Context, inv agent.Invocation) (string, error) {
	user := llm.Message{Role: "user", Content: inv.Content}

	a.mu.Lock()
	past := a.history[inv.SessionID]
	a.mu.Unlock()

	msgs := make([]llm.Message, 0, len(past)+2)
	if a.instruction != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: a.instruction})
	}
	msgs = append(msgs, past...)
	msgs = append(msgs, user)

	resp, err := a.provider.Chat(ctx, llm.ChatRequest{Messages: msgs})
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	h := append(a.history[inv.SessionID], user, llm.Message{Role: "assistant", Content: resp.Content})
	if len(h) > maxHistory {
		h = h[len(h)-maxHistory:]
	}
	a.history[inv.SessionID] = h
	a.mu.Unlock()

	return resp.Content, nil
}

// Close releases the provider when it holds resources.
func (a *Agent) Close() error {
	if c, ok := a.provider.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
