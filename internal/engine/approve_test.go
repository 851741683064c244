package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/dataguard/internal/approval"
	"github.com/ppiankov/dataguard/internal/audit"
	"github.com/ppiankov/dataguard/internal/model"
)

func massEmail() map[string]any {
	return map[string]any{"recipients": []any{"a@x.io", "b@x.io", "c@x.io", "d@x.io", "e@x.io", "f@x.io"}}
}

func pendingDecision(t *testing.T, h *harness) model.Decision {
	t.Helper()
	d := evaluate(t, h.engine, "send_email", massEmail())
	if d.Verdict != model.RequireApproval {
		t.Fatalf("expected require_approval, got %s", d.Verdict)
	}
	return d
}

func TestResolveApprove(t *testing.T) {
	h := newHarness(t, Options{})
	d := pendingDecision(t, h)

	r, err := h.engine.ResolveApproval(context.Background(), d.DecisionID, true, "alice")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r.Verdict != model.Allow {
		t.Errorf("expected allow, got %s", r.Verdict)
	}
	if r.ReviewedBy != "alice" {
		t.Errorf("expected reviewer alice, got %q", r.ReviewedBy)
	}
	if r.RequiresHuman {
		t.Error("resolution must not require a human")
	}
	want := "Approved by alice. Original: " + d.Reason
	if r.Reason != want {
		t.Errorf("expected %q, got %q", want, r.Reason)
	}
	if r.DecisionID != d.DecisionID || r.MatchedRuleID != d.MatchedRuleID {
		t.Errorf("expected ids carried over, got %s/%s", r.DecisionID, r.MatchedRuleID)
	}
	if len(h.engine.PendingApprovals()) != 0 {
		t.Errorf("expected no pending approvals")
	}

	kinds := h.sink.kinds()
	if len(kinds) != 2 || kinds[1] != audit.KindResolution {
		t.Errorf("expected decision then resolution records, got %v", kinds)
	}
	if h.metrics.resolutions[string(approval.StatusApproved)] != 1 {
		t.Errorf("expected one approved resolution, got %v", h.metrics.resolutions)
	}
	if h.metrics.pending != 0 {
		t.Errorf("expected pending gauge 0, got %d", h.metrics.pending)
	}
}

func TestResolveReject(t *testing.T) {
	h := newHarness(t, Options{})
	d := pendingDecision(t, h)

	r, err := h.engine.ResolveApproval(context.Background(), d.DecisionID, false, "  ")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r.Verdict != model.Deny {
		t.Errorf("expected deny, got %s", r.Verdict)
	}
	if r.ReviewedBy != DefaultReviewer {
		t.Errorf("expected reviewer %s, got %q", DefaultReviewer, r.ReviewedBy)
	}
	want := "Rejected by unknown. Original: " + d.Reason
	if r.Reason != want {
		t.Errorf("expected %q, got %q", want, r.Reason)
	}
}

func TestResolveErrors(t *testing.T) {
	h := newHarness(t, Options{})
	if _, err := h.engine.ResolveApproval(context.Background(), "missing", true, "bob"); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	d := pendingDecision(t, h)
	if _, err := h.engine.ResolveApproval(context.Background(), d.DecisionID, true, "bob"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := h.engine.ResolveApproval(context.Background(), d.DecisionID, false, "carol"); !errors.Is(err, approval.ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
	a, err := h.engine.Approval(d.DecisionID)
	if err != nil {
		t.Fatalf("approval: %v", err)
	}
	if a.Status != approval.StatusApproved || a.Reviewer != "bob" {
		t.Errorf("expected approved by bob, got %s by %s", a.Status, a.Reviewer)
	}
}

func TestResolveExactlyOnce(t *testing.T) {
	h := newHarness(t, Options{})
	d := pendingDecision(t, h)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.ResolveApproval(context.Background(), d.DecisionID, i%2 == 0, "reviewer")
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, approval.ErrAlreadyResolved):
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("expected exactly one successful resolution, got %d", wins.Load())
	}
	resolutions := 0
	for _, k := range h.sink.kinds() {
		if k == audit.KindResolution {
			resolutions++
		}
	}
	if resolutions != 1 {
		t.Errorf("expected one resolution record, got %d", resolutions)
	}
}

func TestResolutionKeepsRewrite(t *testing.T) {
	resolvedAt := testTime.Add(time.Minute)
	a := approval.Approval{
		DecisionID: "d-1",
		Status:     approval.StatusApproved,
		Reviewer:   "dana",
		ResolvedAt: &resolvedAt,
		Decision: model.Decision{
			DecisionID:    "d-1",
			Verdict:       model.RequireApproval,
			Reason:        "needs eyes",
			RequiresHuman: true,
			RewrittenCall: &model.RewrittenCall{RewriteRuleID: "enforce-https"},
		},
	}
	d := Resolution(a)
	if d.Verdict != model.Rewrite {
		t.Errorf("expected rewrite, got %s", d.Verdict)
	}
	if !d.Timestamp.Equal(resolvedAt) {
		t.Errorf("expected timestamp %v, got %v", resolvedAt, d.Timestamp)
	}
	if a.Decision.Verdict != model.RequireApproval || !a.Decision.RequiresHuman {
		t.Error("original decision must be untouched")
	}

	a.Status = approval.StatusRejected
	if d := Resolution(a); d.Verdict != model.Deny || d.RewrittenCall == nil {
		t.Errorf("expected deny with the rewrite kept for the record, got %s", d.Verdict)
	}
}

func TestExpireApprovals(t *testing.T) {
	now := testTime
	h := newHarness(t, Options{Clock: func() time.Time { return now }})
	d := pendingDecision(t, h)

	if got := h.engine.ExpireApprovals(context.Background(), time.Hour); len(got) != 0 {
		t.Fatalf("expected nothing expired yet, got %d", len(got))
	}
	now = now.Add(2 * time.Hour)
	got := h.engine.ExpireApprovals(context.Background(), time.Hour)
	if len(got) != 1 {
		t.Fatalf("expected 1 expired, got %d", len(got))
	}
	if got[0].DecisionID != d.DecisionID || got[0].Verdict != model.Deny {
		t.Errorf("expected %s denied, got %s %s", d.DecisionID, got[0].DecisionID, got[0].Verdict)
	}
	if got[0].ReviewedBy != approval.ExpiredReviewer {
		t.Errorf("expected reviewer %s, got %q", approval.ExpiredReviewer, got[0].ReviewedBy)
	}
}

func TestReportOutcome(t *testing.T) {
	h := newHarness(t, Options{})
	err := h.engine.ReportOutcome(context.Background(), model.Outcome{
		ProposalID:   "p-1",
		ToolName:     "http_request",
		Success:      true,
		ResponseData: map[string]any{"token": "abc123", "status": 200},
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(h.sink.outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(h.sink.outcomes))
	}
	o := h.sink.outcomes[0]
	if o.ResponseData["token"] == "abc123" {
		t.Error("expected token masked")
	}
	if o.ResponseData["status"] != 200 {
		t.Errorf("expected status kept, got %v", o.ResponseData["status"])
	}
	if !o.Timestamp.Equal(testTime) {
		t.Errorf("expected defaulted timestamp, got %v", o.Timestamp)
	}

	if err := h.engine.ReportOutcome(context.Background(), model.Outcome{ToolName: "x"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
