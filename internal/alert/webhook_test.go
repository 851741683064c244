package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/dataguard/internal/model"
)

func init() {
	retryBackoff = 10 * time.Millisecond
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) ObserveAlert(status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[string]int{}
	}
	o.counts[status]++
}

func TestDispatchMatchesEvents(t *testing.T) {
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{"deny"}},
	})

	d.Dispatch(AlertEvent{Decision: "deny", Tool: "bash", RuleID: "deny-rm-rf"})
	d.Wait()

	if called.Load() != 1 {
		t.Errorf("expected 1 call, got %d", called.Load())
	}
}

func TestDispatchSkipsNonMatching(t *testing.T) {
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{"deny"}},
	})

	d.Dispatch(AlertEvent{Decision: "allow", Tool: "file_read"})
	d.Wait()

	if called.Load() != 0 {
		t.Errorf("expected 0 calls for non-matching event, got %d", called.Load())
	}
}

func TestDispatchMultipleWebhooks(t *testing.T) {
	var called atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	srv1 := httptest.NewServer(handler)
	defer srv1.Close()
	srv2 := httptest.NewServer(handler)
	defer srv2.Close()

	d := NewDispatcher([]AlertConfig{
		{URL: srv1.URL, Format: "generic", Events: []string{"deny"}},
		{URL: srv2.URL, Format: "generic", Events: []string{"deny", "require_approval"}},
	})

	d.Dispatch(AlertEvent{Decision: "deny", Tool: "bash"})
	d.Wait()

	if called.Load() != 2 {
		t.Errorf("expected 2 calls (both webhooks match), got %d", called.Load())
	}
}

func TestNotifyFromDecision(t *testing.T) {
	var (
		mu   sync.Mutex
		body []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		body, _ = io.ReadAll(r.Body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	obs := &countingObserver{}
	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{"require_approval"}},
	}, WithObserver(obs))

	dec := model.Decision{
		DecisionID:    "d-42",
		ProposalID:    "p-42",
		Verdict:       model.RequireApproval,
		MatchedRuleID: "require-approval-payment",
		Reason:        "Payment actions require human approval",
		Risk:          model.RiskAssessment{FinalScore: 100},
		Timestamp:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	d.Notify(context.Background(), dec,
		model.Proposal{ToolName: "stripe_charge"},
		model.CallContext{AgentID: "agent-1", TenantID: "acme"})
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	var ev AlertEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	if ev.DecisionID != "d-42" || ev.Tool != "stripe_charge" || ev.TenantID != "acme" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.Timestamp != "2026-03-01T12:00:00Z" {
		t.Errorf("expected decision timestamp, got %s", ev.Timestamp)
	}
	if obs.counts["sent"] != 1 {
		t.Errorf("expected 1 sent, got %v", obs.counts)
	}
}

func TestNotifyExpiredMatchesType(t *testing.T) {
	var expired, denied atomic.Int32
	expSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expired.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer expSrv.Close()
	denySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		denied.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer denySrv.Close()

	d := NewDispatcher([]AlertConfig{
		{URL: expSrv.URL, Events: []string{TypeApprovalExpired}},
		{URL: denySrv.URL, Events: []string{"deny"}},
	})
	d.NotifyExpired([]model.Decision{{DecisionID: "d-1", Verdict: model.Deny}})
	d.Wait()

	if expired.Load() != 1 {
		t.Errorf("expected 1 approval_expired call, got %d", expired.Load())
	}
	if denied.Load() != 0 {
		t.Errorf("expected expiry not to reach deny subscribers, got %d", denied.Load())
	}
}

func TestRetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := Send(AlertConfig{URL: srv.URL, Format: "generic"}, AlertEvent{Decision: "deny"})
	if err != nil {
		t.Errorf("expected success after retries, got: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	obs := &countingObserver{}
	d := NewDispatcher([]AlertConfig{{URL: srv.URL, Events: []string{"deny"}}}, WithObserver(obs))
	d.Dispatch(AlertEvent{Decision: "deny"})
	d.Wait()

	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", attempts.Load())
	}
	if obs.counts["failed"] != 1 {
		t.Errorf("expected 1 failed delivery, got %v", obs.counts)
	}
}

func TestHeadersForwarded(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := AlertConfig{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer hook"}}
	if err := Send(cfg, AlertEvent{Decision: "deny"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Load() != "Bearer hook" {
		t.Errorf("expected Authorization header forwarded, got %v", got.Load())
	}
}

func TestFormatGenericJSON(t *testing.T) {
	event := AlertEvent{
		Timestamp:  "2026-01-15T14:00:00Z",
		DecisionID: "d-123",
		Tool:       "bash",
		Decision:   "deny",
		RuleID:     "deny-rm-rf",
		Reason:     "Recursive delete",
		Score:      100,
	}

	data, err := FormatPayload("generic", event)
	if err != nil {
		t.Fatal(err)
	}

	var parsed AlertEvent
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("generic format is not valid JSON: %v", err)
	}
	if parsed.DecisionID != "d-123" {
		t.Errorf("expected decision_id d-123, got %s", parsed.DecisionID)
	}
	if parsed.Decision != "deny" {
		t.Errorf("expected decision deny, got %s", parsed.Decision)
	}
}

func TestFormatSlackBlockKit(t *testing.T) {
	event := AlertEvent{
		Tool:     "bash",
		Decision: "deny",
		RuleID:   "deny-rm-rf",
		Reason:   "Recursive delete",
		Score:    100,
	}

	data, err := FormatPayload("slack", event)
	if err != nil {
		t.Fatal(err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("slack format is not valid JSON: %v", err)
	}

	blocks, ok := parsed["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in slack payload")
	}
	if len(blocks) < 2 {
		t.Fatalf("expected at least 2 blocks, got %d", len(blocks))
	}

	header, _ := blocks[0].(map[string]any)
	if header["type"] != "header" {
		t.Errorf("expected header block, got %s", header["type"])
	}
	text, _ := header["text"].(map[string]any)
	if text["text"] != "dataguard: deny" {
		t.Errorf("expected header text, got %v", text["text"])
	}

	section, _ := blocks[1].(map[string]any)
	if section["type"] != "section" {
		t.Errorf("expected section block, got %s", section["type"])
	}
	fields, ok := section["fields"].([]any)
	if !ok || len(fields) < 4 {
		t.Errorf("expected at least 4 fields in section, got %v", fields)
	}
}

func TestFormatPagerDuty(t *testing.T) {
	tests := []struct {
		score    int
		severity string
	}{
		{100, "critical"},
		{70, "error"},
		{40, "warning"},
		{10, "info"},
	}
	for _, tt := range tests {
		data, err := FormatPayload("pagerduty", AlertEvent{DecisionID: "d-1", Tool: "bash", Decision: "deny", Score: tt.score})
		if err != nil {
			t.Fatal(err)
		}

		var parsed map[string]any
		if err := json.Unmarshal(data, &parsed); err != nil {
			t.Fatalf("pagerduty format is not valid JSON: %v", err)
		}
		if parsed["event_action"] != "trigger" {
			t.Errorf("expected event_action trigger, got %v", parsed["event_action"])
		}
		if parsed["dedup_key"] != "d-1" {
			t.Errorf("expected dedup_key d-1, got %v", parsed["dedup_key"])
		}
		payload, ok := parsed["payload"].(map[string]any)
		if !ok {
			t.Fatal("expected payload object")
		}
		if payload["severity"] != tt.severity {
			t.Errorf("score %d: expected severity %s, got %v", tt.score, tt.severity, payload["severity"])
		}
		if payload["source"] != "dataguard" {
			t.Errorf("expected source dataguard, got %v", payload["source"])
		}
	}
}

func TestNewDispatcherNilOnEmpty(t *testing.T) {
	d := NewDispatcher(nil)
	if d != nil {
		t.Error("expected nil dispatcher for empty configs")
	}

	d = NewDispatcher([]AlertConfig{})
	if d != nil {
		t.Error("expected nil dispatcher for zero-length configs")
	}
}
