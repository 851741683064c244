package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const reserveScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
local expire = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  return {0, count}
end
redis.call('ZADD', key, now, member)
if expire > 0 then
  redis.call('PEXPIRE', key, expire)
end
return {1, count + 1}
`

// RedisClient defines the minimal redis operations required.
type RedisClient interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
	EvalSha(ctx context.Context, sha1 string, keys []string, args ...any) (any, error)
	ScriptLoad(ctx context.Context, script string) (string, error)
}

// NewRedisAdapter wraps a go-redis client to satisfy RedisClient.
func NewRedisAdapter(client redis.UniversalClient) RedisClient {
	return &redisAdapter{client: client}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ratelimit: redis %s: %w", addr, err)
	}
	return client, nil
}

type redisAdapter struct {
	client redis.UniversalClient
}

func (r *redisAdapter) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	return r.client.Eval(ctx, script, keys, args...).Result()
}

func (r *redisAdapter) EvalSha(ctx context.Context, sha1 string, keys []string, args ...any) (any, error) {
	return r.client.EvalSha(ctx, sha1, keys, args...).Result()
}

func (r *redisAdapter) ScriptLoad(ctx context.Context, script string) (string, error) {
	return r.client.ScriptLoad(ctx, script).Result()
}

// Redis is a sliding-window limiter shared by every server using the same
// redis and key prefix.
type Redis struct {
	client RedisClient
	limit  Limit
	prefix string

	shaMu sync.Mutex
	sha   string
}

// NewRedis returns a redis-backed limiter.
func NewRedis(client RedisClient, limit Limit, keyPrefix string) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("ratelimit: redis client required")
	}
	if keyPrefix == "" {
		keyPrefix = "dataguard:rl"
	}
	return &Redis{client: client, limit: limit, prefix: keyPrefix}, nil
}

// Allow reserves a slot for key, atomically in redis.
func (r *Redis) Allow(ctx context.Context, key string, now time.Time) (CheckResult, error) {
	rkey := r.prefix + ":" + key
	args := []any{now.UnixMilli(), r.limit.Window.Milliseconds(), r.limit.MaxRequests, uuid.NewString(), (r.limit.Window * 2).Milliseconds()}
	result, err := r.eval(ctx, rkey, args...)
	if err != nil {
		return CheckResult{}, fmt.Errorf("ratelimit: %w", err)
	}
	reply, ok := result.([]any)
	if !ok || len(reply) != 2 {
		return CheckResult{}, fmt.Errorf("ratelimit: unexpected redis response %v", result)
	}
	allowed, _ := toInt64(reply[0])
	count, _ := toInt64(reply[1])
	if allowed == 0 {
		res := Check(int(count), r.limit)
		res.Key = key
		return res, nil
	}
	return CheckResult{Key: key, Current: int(count), Limit: r.limit.MaxRequests}, nil
}

func (r *Redis) eval(ctx context.Context, key string, args ...any) (any, error) {
	sha := r.loadScript(ctx)
	if sha == "" {
		return r.client.Eval(ctx, reserveScript, []string{key}, args...)
	}
	res, err := r.client.EvalSha(ctx, sha, []string{key}, args...)
	if err != nil {
		return r.client.Eval(ctx, reserveScript, []string{key}, args...)
	}
	return res, nil
}

func (r *Redis) loadScript(ctx context.Context) string {
	r.shaMu.Lock()
	defer r.shaMu.Unlock()
	if r.sha != "" {
		return r.sha
	}
	sha, err := r.client.ScriptLoad(ctx, reserveScript)
	if err != nil {
		return ""
	}
	r.sha = sha
	return sha
}

func toInt64(val any) (int64, bool) {
	switch v := val.(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		var n int64
		if _, err := fmt.Sscan(v, &n); err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
