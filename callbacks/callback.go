package callbacks

import (
	"context"
	"strings"

	"github.com/Pratyay/agent-studio/agent"
	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/logging"
)

// Type is the lifecycle point a callback runs at.
type Type string

const (
	BeforeAgent Type = "BEFORE_AGENT"
	AfterAgent  Type = "AFTER_AGENT"
)

// ParseType accepts either spelling case-insensitively.
func ParseType(s string) (Type, bool) {
	switch Type(strings.ToUpper(strings.TrimSpace(s))) {
	case BeforeAgent:
		return BeforeAgent, true
	case AfterAgent:
		return AfterAgent, true
	}
	return "", false
}

// Context is what a callback sees.
type Context struct {
	Type       Type
	AgentID    string
	AgentName  string
	Invocation agent.Invocation

	// Response is the agent's final text. Empty before the agent runs.
	Response string
}

// Replacement substitutes the agent's response.
type Replacement struct {
	Author string
	Text   string
}

// Callback transforms an invocation. Returning a nil replacement continues.
type Callback interface {
	Name() string
	Transform(ctx context.Context, cc *Context) (*Replacement, error)
}

// Func adapts a function into a Callback.
type Func struct {
	CallbackName string
	Fn           func(ctx context.Context, cc *Context) (*Replacement, error)
}

// Name implements Callback.
func (f *Func) Name() string { return f.CallbackName }

// Transform implements Callback.
func (f *Func) Transform(ctx context.Context, cc *Context) (*Replacement, error) {
	return f.Fn(ctx, cc)
}

// Chain runs callbacks in order until one returns a replacement.
// A zero or nil Chain runs nothing.
type Chain struct {
	callbacks []Callback
	logger    *logging.Logger
}

// NewChain creates a chain over cbs, kept in the given order.
func NewChain(logger *logging.Logger, cbs ...Callback) *Chain {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Chain{
		callbacks: append([]Callback(nil), cbs...),
		logger:    logger.WithComponent("callbacks"),
	}
}

// Len returns the number of callbacks.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.callbacks)
}

// Names returns the callback names in run order.
func (c *Chain) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, len(c.callbacks))
	for i, cb := range c.callbacks {
		names[i] = cb.Name()
	}
	return names
}

// Run executes the chain. Errors and panics are logged and the chain moves
// on to the next callback. The first non-nil replacement is returned.
func (c *Chain) Run(ctx context.Context, cc *Context) *Replacement {
	if c == nil {
		return nil
	}
	for _, cb := range c.callbacks {
		if ctx.Err() != nil {
			return nil
		}
		rep, err := c.invoke(ctx, cb, cc)
		if err != nil {
			c.logger.Warn("callback failed", map[string]interface{}{
				"callback": cb.Name(),
				"type":     string(cc.Type),
				"error":    err,
			})
			continue
		}
		if rep != nil {
			if rep.Author == "" {
				rep.Author = cb.Name()
			}
			c.logger.Debug("callback replaced response", map[string]interface{}{
				"callback":   cb.Name(),
				"type":       string(cc.Type),
				"session_id": cc.Invocation.SessionID,
			})
			return rep
		}
	}
	return nil
}

func (c *Chain) invoke(ctx context.Context, cb Callback, cc *Context) (rep *Replacement, err error) {
	defer func() {
		if r := recover(); r != nil {
			rep = nil
			err = errors.Panic(r, errors.WithMetadata("callback", cb.Name()))
		}
	}()
	return cb.Transform(ctx, cc)
}
