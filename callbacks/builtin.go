package callbacks

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/Pratyay/agent-studio/logging"
	"github.com/Pratyay/agent-studio/ratelimit"
)

// Built-in implementation names, as stored in Record.Implementation.
const (
	ImplLogging   = "logging"
	ImplMetrics   = "metrics"
	ImplSecurity  = "security"
	ImplRateLimit = "rate-limit"
	ImplPolicy    = "policy"
)

// --- Logging ---

// Logging records every invocation it sees and never replaces.
type Logging struct {
	logger *logging.Logger
}

// NewLogging creates a logging callback.
func NewLogging(logger *logging.Logger) *Logging {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Logging{logger: logger.WithComponent("callback.logging")}
}

// Name implements Callback.
func (l *Logging) Name() string { return ImplLogging }

// Transform implements Callback.
func (l *Logging) Transform(ctx context.Context, cc *Context) (*Replacement, error) {
	fields := map[string]interface{}{
		"type":          string(cc.Type),
		"session_id":    cc.Invocation.SessionID,
		"user_id":       cc.Invocation.UserID,
		"invocation_id": cc.Invocation.ID,
		"agent":         cc.AgentName,
	}
	if cc.Type == AfterAgent {
		fields["response_len"] = len(cc.Response)
	}
	l.logger.Info("invocation", fields)
	return nil, nil
}

// --- Metrics ---

// MetricsSnapshot is a point-in-time copy of the message counters.
type MetricsSnapshot struct {
	Total      int64
	PerSession map[string]int64
}

// Metrics counts messages in total and per session. Counts are exported
// through an OpenTelemetry meter and kept locally for Snapshot.
type Metrics struct {
	counter metric.Int64Counter

	mu         sync.Mutex
	total      int64
	perSession map[string]int64
}

// NewMetrics creates a metrics callback. A nil meter records locally only.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("agentstudio")
	}
	counter, err := meter.Int64Counter(
		"agentstudio.messages",
		metric.WithDescription("Messages dispatched to agents"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating message counter: %w", err)
	}
	return &Metrics{counter: counter, perSession: make(map[string]int64)}, nil
}

// Name implements Callback.
func (m *Metrics) Name() string { return ImplMetrics }

// Transform implements Callback.
func (m *Metrics) Transform(ctx context.Context, cc *Context) (*Replacement, error) {
	m.mu.Lock()
	m.total++
	m.perSession[cc.Invocation.SessionID]++
	m.mu.Unlock()

	m.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", cc.AgentName),
		attribute.String("callback.type", string(cc.Type)),
	))
	return nil, nil
}

// Snapshot returns the current counts.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	per := make(map[string]int64, len(m.perSession))
	for k, v := range m.perSession {
		per[k] = v
	}
	return MetricsSnapshot{Total: m.total, PerSession: per}
}

// Sessions returns the sessions seen so far, sorted.
func (m *Metrics) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.perSession))
	for k := range m.perSession {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// --- Security ---

// SecurityMessage replaces content that trips a pattern.
const SecurityMessage = "Your message has been blocked due to security concerns. " +
	"Please rephrase your request without potentially harmful content."

var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script.*?>.*?</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)eval\s*\(`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
}

// Security blocks content carrying script injection patterns.
type Security struct {
	logger *logging.Logger
}

// NewSecurity creates a security callback.
func NewSecurity(logger *logging.Logger) *Security {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Security{logger: logger.WithComponent("callback.security")}
}

// Name implements Callback.
func (s *Security) Name() string { return ImplSecurity }

// Transform implements Callback. Before the agent it checks the user
// content, after the agent the response.
func (s *Security) Transform(ctx context.Context, cc *Context) (*Replacement, error) {
	text := cc.Invocation.Content
	if cc.Type == AfterAgent {
		text = cc.Response
	}
	if text == "" {
		return nil, nil
	}
	for _, p := range blockedPatterns {
		if p.MatchString(text) {
			s.logger.Warn("content blocked", map[string]interface{}{
				"pattern":    p.String(),
				"session_id": cc.Invocation.SessionID,
			})
			return &Replacement{Author: ImplSecurity, Text: SecurityMessage}, nil
		}
	}
	return nil, nil
}

// --- Rate limit ---

// RateLimit throttles messages per session.
type RateLimit struct {
	limiter *ratelimit.KeyedLimiter
	logger  *logging.Logger
}

// NewRateLimit creates a rate limit callback over limiter. A nil limiter
// uses the defaults: 10 messages per minute.
func NewRateLimit(limiter *ratelimit.KeyedLimiter, logger *logging.Logger) *RateLimit {
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.DefaultConfig())
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &RateLimit{limiter: limiter, logger: logger.WithComponent("callback.ratelimit")}
}

// Name implements Callback.
func (r *RateLimit) Name() string { return ImplRateLimit }

// Transform implements Callback.
func (r *RateLimit) Transform(ctx context.Context, cc *Context) (*Replacement, error) {
	key := cc.Invocation.SessionID
	if key == "" {
		key = cc.Invocation.UserID
	}
	if key == "" {
		key = "anonymous"
	}

	ok, retryAfter := r.limiter.Allow(key)
	if ok {
		return nil, nil
	}
	r.logger.Warn("rate limit exceeded", map[string]interface{}{
		"session_id":  key,
		"retry_after": retryAfter,
	})
	return &Replacement{Author: ImplRateLimit, Text: RateLimitMessage(retryAfter)}, nil
}

// RateLimitMessage renders the throttling reply for a wait duration.
func RateLimitMessage(retryAfter time.Duration) string {
	secs := int64(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("Rate limit exceeded. You have sent too many messages. "+
		"Please wait %d seconds before trying again.", secs)
}
