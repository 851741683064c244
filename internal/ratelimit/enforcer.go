// Package ratelimit limits requests per API key or client address with a
// sliding window, in memory or in redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// CheckResult is the outcome of a rate limit check.
type CheckResult struct {
	Exceeded bool
	Key      string
	Current  int
	Limit    int
	Reason   string
}

// Check compares the current count against the rate limit.
func Check(count int, limit Limit) CheckResult {
	if !limit.Enabled() {
		return CheckResult{}
	}
	if count >= limit.MaxRequests {
		return CheckResult{
			Exceeded: true,
			Current:  count,
			Limit:    limit.MaxRequests,
			Reason: fmt.Sprintf("rate limit exceeded: %d/%d requests in %s window",
				count, limit.MaxRequests, limit.Window),
		}
	}
	return CheckResult{Current: count, Limit: limit.MaxRequests}
}

// Limiter admits or rejects a request for key. A request that is admitted
// is counted; a rejected one is not.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (CheckResult, error)
}

// New builds a limiter for backend. A disabled limit yields a limiter that
// admits everything. The redis backend requires a client.
func New(backend string, limit Limit, client RedisClient, keyPrefix string) (Limiter, error) {
	if !limit.Enabled() {
		return Unlimited{}, nil
	}
	switch backend {
	case "", BackendLocal:
		return NewLocal(limit), nil
	case BackendRedis:
		r, err := NewRedis(client, limit, keyPrefix)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("ratelimit: unsupported backend %s", backend)
	}
}

// Unlimited admits every request.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string, time.Time) (CheckResult, error) {
	return CheckResult{}, nil
}
