package callbacks

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"github.com/Pratyay/agent-studio/errors"
)

// PolicyQuery is the rule a policy module must define.
const PolicyQuery = "data.agentstudio.callbacks.decision"

// PolicyMessage replaces invocations a policy blocks.
const PolicyMessage = "Your message was blocked by policy."

// DefaultPolicy allows everything except prompt override attempts.
const DefaultPolicy = `
package agentstudio.callbacks

import rego.v1

default decision := "allow"

decision := "block" if {
	input.type == "BEFORE_AGENT"
	contains(lower(input.content), "ignore previous instructions")
}
`

// Policy evaluates an OPA rego module. The decision rule yields "allow" or
// "block"; anything else allows.
type Policy struct {
	query rego.PreparedEvalQuery
}

// NewPolicy compiles module.
func NewPolicy(ctx context.Context, module string) (*Policy, error) {
	r := rego.New(
		rego.Query(PolicyQuery),
		rego.Module("callbacks.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, errors.InvalidInput(fmt.Sprintf("preparing rego: %v", err))
	}
	return &Policy{query: query}, nil
}

// LoadPolicy compiles the module at path.
func LoadPolicy(ctx context.Context, path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading policy", errors.WithMetadata("path", path))
	}
	return NewPolicy(ctx, string(data))
}

// Name implements Callback.
func (p *Policy) Name() string { return ImplPolicy }

// Decide evaluates the policy for cc.
func (p *Policy) Decide(ctx context.Context, cc *Context) (string, error) {
	input := map[string]interface{}{
		"type":       string(cc.Type),
		"agent_id":   cc.AgentID,
		"agent_name": cc.AgentName,
		"user_id":    cc.Invocation.UserID,
		"session_id": cc.Invocation.SessionID,
		"content":    cc.Invocation.Content,
		"response":   cc.Response,
	}
	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", errors.Wrap(err, "evaluating policy")
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "allow", nil
	}
	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return "allow", nil
}

// Transform implements Callback.
func (p *Policy) Transform(ctx context.Context, cc *Context) (*Replacement, error) {
	decision, err := p.Decide(ctx, cc)
	if err != nil {
		return nil, err
	}
	if decision == "block" {
		return &Replacement{Author: ImplPolicy, Text: PolicyMessage}, nil
	}
	return nil, nil
}
