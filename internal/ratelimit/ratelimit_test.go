package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// --- Config tests ---

func TestLimitEnabled(t *testing.T) {
	tests := []struct {
		limit Limit
		want  bool
	}{
		{Limit{}, false},
		{Limit{MaxRequests: 10}, false},
		{Limit{Window: time.Minute}, false},
		{PerMinute(10), true},
	}
	for _, tt := range tests {
		if got := tt.limit.Enabled(); got != tt.want {
			t.Errorf("%+v: expected %v, got %v", tt.limit, tt.want, got)
		}
	}
}

// --- Check tests ---

func TestCheckUnderLimit(t *testing.T) {
	r := Check(4, PerMinute(5))
	if r.Exceeded {
		t.Error("expected not exceeded")
	}
}

func TestCheckAtLimit(t *testing.T) {
	r := Check(5, PerMinute(5))
	if !r.Exceeded {
		t.Fatal("expected exceeded")
	}
	if r.Current != 5 || r.Limit != 5 {
		t.Errorf("expected 5/5, got %d/%d", r.Current, r.Limit)
	}
	if !strings.Contains(r.Reason, "5/5 requests in 1m0s window") {
		t.Errorf("unexpected reason: %s", r.Reason)
	}
}

func TestCheckDisabled(t *testing.T) {
	if Check(1000, Limit{}).Exceeded {
		t.Error("expected disabled limit never exceeded")
	}
}

// --- Local tests ---

func TestLocalSlidingWindow(t *testing.T) {
	l := NewLocal(PerMinute(3))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r, err := l.Allow(ctx, "key-a", t0.Add(time.Duration(i)*10*time.Second))
		if err != nil || r.Exceeded {
			t.Fatalf("request %d: expected admitted, got %+v (%v)", i, r, err)
		}
		if r.Current != i+1 {
			t.Errorf("request %d: expected count %d, got %d", i, i+1, r.Current)
		}
	}
	r, _ := l.Allow(ctx, "key-a", t0.Add(30*time.Second))
	if !r.Exceeded || r.Key != "key-a" {
		t.Fatalf("expected key-a exceeded, got %+v", r)
	}

	// other keys are independent
	if r, _ := l.Allow(ctx, "key-b", t0.Add(30*time.Second)); r.Exceeded {
		t.Error("expected key-b admitted")
	}

	// first hit (t0) leaves the window after one minute
	if r, _ := l.Allow(ctx, "key-a", t0.Add(61*time.Second)); r.Exceeded {
		t.Error("expected admitted once the oldest hit expired")
	}
	if r, _ := l.Allow(ctx, "key-a", t0.Add(62*time.Second)); !r.Exceeded {
		t.Error("expected exceeded again")
	}
}

func TestLocalRejectedNotCounted(t *testing.T) {
	l := NewLocal(Limit{MaxRequests: 1, Window: time.Minute})
	ctx := context.Background()
	l.Allow(ctx, "k", t0)
	for i := 0; i < 5; i++ {
		l.Allow(ctx, "k", t0.Add(time.Second))
	}
	if r, _ := l.Allow(ctx, "k", t0.Add(time.Minute+time.Millisecond)); r.Exceeded {
		t.Error("expected rejected requests not to extend the window")
	}
}

func TestLocalConcurrent(t *testing.T) {
	l := NewLocal(PerMinute(50))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, _ := l.Allow(context.Background(), "shared", t0)
			if !r.Exceeded {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 50 {
		t.Errorf("expected 50 admitted, got %d", admitted)
	}
}

// --- New tests ---

func TestNewBackends(t *testing.T) {
	l, err := New("", Limit{}, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.(Unlimited); !ok {
		t.Errorf("expected Unlimited for disabled limit, got %T", l)
	}
	if l, _ := New(BackendLocal, PerMinute(1), nil, ""); l == nil {
		t.Error("expected local limiter")
	}
	if _, err := New(BackendRedis, PerMinute(1), nil, ""); err == nil {
		t.Error("expected error for redis without client")
	}
	if _, err := New("memcached", PerMinute(1), nil, ""); err == nil {
		t.Error("expected error for unknown backend")
	}
}

// --- Redis tests ---

// fakeRedis evaluates the reserve script against in-memory sorted sets.
type fakeRedis struct {
	mu        sync.Mutex
	sets      map[string][]int64
	loads     int
	shaFails  bool
	evalCalls int
	lastKey   string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{sets: map[string][]int64{}}
}

func (f *fakeRedis) Eval(_ context.Context, script string, keys []string, args ...any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evalCalls++
	return f.reserve(keys[0], args)
}

func (f *fakeRedis) EvalSha(_ context.Context, sha string, keys []string, args ...any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shaFails || sha != "sha-1" {
		return nil, errors.New("NOSCRIPT")
	}
	return f.reserve(keys[0], args)
}

func (f *fakeRedis) ScriptLoad(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return "sha-1", nil
}

func (f *fakeRedis) reserve(key string, args []any) (any, error) {
	f.lastKey = key
	now := args[0].(int64)
	window := args[1].(int64)
	limit := int64(args[2].(int))
	var kept []int64
	for _, s := range f.sets[key] {
		if s > now-window {
			kept = append(kept, s)
		}
	}
	f.sets[key] = kept
	count := int64(len(kept))
	if count >= limit {
		return []any{int64(0), count}, nil
	}
	f.sets[key] = append(kept, now)
	return []any{int64(1), count + 1}, nil
}

func TestRedisLimiter(t *testing.T) {
	fr := newFakeRedis()
	r, err := NewRedis(fr, PerMinute(2), "")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := r.Allow(ctx, "key-a", t0.Add(time.Duration(i)*time.Second))
		if err != nil || res.Exceeded {
			t.Fatalf("request %d: expected admitted, got %+v (%v)", i, res, err)
		}
	}
	res, err := r.Allow(ctx, "key-a", t0.Add(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Exceeded || res.Current != 2 {
		t.Errorf("expected exceeded at 2, got %+v", res)
	}
	if fr.lastKey != "dataguard:rl:key-a" {
		t.Errorf("expected prefixed key, got %s", fr.lastKey)
	}
	if fr.loads != 1 {
		t.Errorf("expected script loaded once, got %d", fr.loads)
	}
	if fr.evalCalls != 0 {
		t.Errorf("expected EVALSHA path, got %d EVAL calls", fr.evalCalls)
	}

	res, _ = r.Allow(ctx, "key-a", t0.Add(61*time.Second))
	if res.Exceeded {
		t.Error("expected admitted after the window slid")
	}
}

func TestRedisFallsBackToEval(t *testing.T) {
	fr := newFakeRedis()
	fr.shaFails = true
	r, _ := NewRedis(fr, PerMinute(5), "custom")
	if _, err := r.Allow(context.Background(), "k", t0); err != nil {
		t.Fatal(err)
	}
	if fr.evalCalls != 1 {
		t.Errorf("expected EVAL fallback, got %d calls", fr.evalCalls)
	}
	if fr.lastKey != "custom:k" {
		t.Errorf("expected custom prefix, got %s", fr.lastKey)
	}
}

type brokenRedis struct{}

func (brokenRedis) Eval(context.Context, string, []string, ...any) (any, error) {
	return "OK", nil
}
func (brokenRedis) EvalSha(context.Context, string, []string, ...any) (any, error) {
	return nil, errors.New("down")
}
func (brokenRedis) ScriptLoad(context.Context, string) (string, error) {
	return "", errors.New("down")
}

func TestRedisUnexpectedReply(t *testing.T) {
	r, _ := NewRedis(brokenRedis{}, PerMinute(5), "")
	if _, err := r.Allow(context.Background(), "k", t0); err == nil {
		t.Error("expected error for malformed reply")
	}
}

func TestToInt64(t *testing.T) {
	for _, v := range []any{int64(3), int32(3), 3, float64(3), "3"} {
		if n, ok := toInt64(v); !ok || n != 3 {
			t.Errorf("%T: expected 3, got %d (%v)", v, n, ok)
		}
	}
	if _, ok := toInt64([]byte("3")); ok {
		t.Error("expected unsupported type rejected")
	}
}
