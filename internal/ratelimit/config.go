package ratelimit

import "time"

// Backends.
const (
	BackendLocal = "local"
	BackendRedis = "redis"
)

// Limit bounds requests per key within a sliding window.
// Zero values mean no limit.
type Limit struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// PerMinute returns a one-minute limit of n requests.
func PerMinute(n int) Limit {
	return Limit{MaxRequests: n, Window: time.Minute}
}

// Enabled returns true if the limit is configured.
func (l Limit) Enabled() bool {
	return l.MaxRequests > 0 && l.Window > 0
}
