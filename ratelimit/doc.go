// Package ratelimit provides per-key token bucket rate limiting.
//
// A KeyedLimiter keeps one golang.org/x/time/rate limiter per key (a
// session id, a user id, a remote agent id). Each key may spend Limit
// requests at once and regains one every Window/Limit:
//
//	limiter := ratelimit.New(ratelimit.Config{Limit: 10, Window: time.Minute})
//
//	if ok, retryAfter := limiter.Allow(sessionID); !ok {
//	    return fmt.Errorf("slow down, retry in %s", retryAfter)
//	}
//
// Keys idle for longer than IdleTTL are dropped by Sweep.
package ratelimit
