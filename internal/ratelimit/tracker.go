package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Local is an in-process sliding-window limiter.
type Local struct {
	limit Limit

	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewLocal returns an in-memory limiter.
func NewLocal(limit Limit) *Local {
	return &Local{limit: limit, hits: make(map[string][]time.Time)}
}

// Allow admits the request if fewer than MaxRequests were admitted for key
// within the window ending at now.
func (l *Local) Allow(_ context.Context, key string, now time.Time) (CheckResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.snapshot(key, now)
	result := Check(count, l.limit)
	result.Key = key
	if result.Exceeded {
		return result, nil
	}
	l.hits[key] = append(l.hits[key], now)
	result.Current = count + 1
	return result, nil
}

// snapshot drops hits older than the window and returns the remaining count.
func (l *Local) snapshot(key string, now time.Time) int {
	hits := l.hits[key]
	cutoff := now.Add(-l.limit.Window)
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == len(hits) {
		delete(l.hits, key)
		return 0
	}
	l.hits[key] = hits[i:]
	return len(hits) - i
}
