package callbacks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pratyay/agent-studio/agent"
)

func fn(name string, calls *[]string, rep *Replacement, err error) Callback {
	return &Func{CallbackName: name, Fn: func(ctx context.Context, cc *Context) (*Replacement, error) {
		*calls = append(*calls, name)
		return rep, err
	}}
}

func beforeCtx(content string) *Context {
	return &Context{
		Type:       BeforeAgent,
		AgentName:  "echo",
		Invocation: agent.Invocation{UserID: "u1", SessionID: "s1", Content: content},
	}
}

func TestChainRunsInOrderAndStopsAtReplacement(t *testing.T) {
	var calls []string
	chain := NewChain(nil,
		fn("first", &calls, nil, nil),
		fn("second", &calls, &Replacement{Text: "stop"}, nil),
		fn("third", &calls, nil, nil),
	)

	rep := chain.Run(context.Background(), beforeCtx("hi"))
	require.NotNil(t, rep)
	assert.Equal(t, "stop", rep.Text)
	assert.Equal(t, "second", rep.Author)
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestChainContinuesPastErrorsAndPanics(t *testing.T) {
	var calls []string
	panicky := &Func{CallbackName: "panicky", Fn: func(ctx context.Context, cc *Context) (*Replacement, error) {
		calls = append(calls, "panicky")
		panic("boom")
	}}
	chain := NewChain(nil,
		fn("failing", &calls, &Replacement{Text: "ignored"}, errors.New("bad")),
		panicky,
		fn("last", &calls, nil, nil),
	)

	rep := chain.Run(context.Background(), beforeCtx("hi"))
	assert.Nil(t, rep)
	assert.Equal(t, []string{"failing", "panicky", "last"}, calls)
}

func TestNilChain(t *testing.T) {
	var c *Chain
	assert.Equal(t, 0, c.Len())
	assert.Nil(t, c.Run(context.Background(), beforeCtx("hi")))
}

func TestParseType(t *testing.T) {
	tp, ok := ParseType("after_agent")
	assert.True(t, ok)
	assert.Equal(t, AfterAgent, tp)

	_, ok = ParseType("sometime")
	assert.False(t, ok)
}
