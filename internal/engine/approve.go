package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/dataguard/internal/approval"
	"github.com/ppiankov/dataguard/internal/audit"
	"github.com/ppiankov/dataguard/internal/model"
	"github.com/ppiankov/dataguard/internal/redact"
)

// DefaultReviewer is recorded when a resolution names no reviewer.
const DefaultReviewer = "unknown"

// ResolveApproval settles a pending approval. Approving yields allow, or
// rewrite when the decision already carried a rewritten call; rejecting
// yields deny. The original decision is left untouched and a new resolution
// decision is returned. Unknown ids fail with approval.ErrNotFound, a
// second resolution with approval.ErrAlreadyResolved.
func (e *Engine) ResolveApproval(ctx context.Context, decisionID string, approved bool, reviewer string) (model.Decision, error) {
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		reviewer = DefaultReviewer
	}
	a, err := e.approvals.Resolve(decisionID, approved, reviewer, e.now())
	if err != nil {
		return model.Decision{}, err
	}
	return e.resolved(ctx, a), nil
}

// ExpireApprovals rejects approvals pending longer than ttl and returns the
// resulting resolutions.
func (e *Engine) ExpireApprovals(ctx context.Context, ttl time.Duration) []model.Decision {
	var out []model.Decision
	for _, a := range e.approvals.Expire(ttl, e.now()) {
		out = append(out, e.resolved(ctx, a))
	}
	return out
}

// PruneApprovals forgets approvals resolved more than retention ago and
// returns how many were dropped.
func (e *Engine) PruneApprovals(retention time.Duration) int {
	n := e.approvals.Prune(retention, e.now())
	if n > 0 {
		e.logger.Debug("approvals pruned", zap.Int("count", n), zap.Duration("retention", retention))
	}
	return n
}

// Approval returns the approval recorded for a decision id.
func (e *Engine) Approval(decisionID string) (approval.Approval, error) {
	return e.approvals.Get(decisionID)
}

func (e *Engine) resolved(ctx context.Context, a approval.Approval) model.Decision {
	d := Resolution(a)

	e.metrics.ObserveResolution(string(a.Status))
	e.metrics.SetPendingApprovals(e.approvals.PendingCount())
	e.logger.Info("approval resolved",
		zap.String("decision_id", d.DecisionID),
		zap.String("status", string(a.Status)),
		zap.String("reviewer", a.Reviewer),
		zap.String("verdict", string(d.Verdict)))

	p := model.Proposal{ProposalID: d.ProposalID, ToolName: a.ToolName}
	cc := model.CallContext{AgentID: a.AgentID, TenantID: a.TenantID}
	if err := e.sink.RecordDecision(ctx, audit.NewDecisionRecord(audit.KindResolution, p, cc, d, e.ActivePolicyHash())); err != nil {
		e.logger.Error("audit write failed", zap.String("decision_id", d.DecisionID), zap.Error(err))
	}
	return d
}

// Resolution derives the final decision from a resolved approval.
func Resolution(a approval.Approval) model.Decision {
	d := a.Decision
	d.RequiresHuman = false
	d.ReviewedBy = a.Reviewer
	if a.ResolvedAt != nil {
		d.Timestamp = *a.ResolvedAt
	}
	switch a.Status {
	case approval.StatusApproved:
		d.Verdict = model.Allow
		if d.RewrittenCall != nil {
			d.Verdict = model.Rewrite
		}
		d.Reason = fmt.Sprintf("Approved by %s. Original: %s", a.Reviewer, a.Decision.Reason)
	default:
		d.Verdict = model.Deny
		d.Reason = fmt.Sprintf("Rejected by %s. Original: %s", a.Reviewer, a.Decision.Reason)
	}
	return d
}

// ReportOutcome hands a post-execution report to the audit sink.
func (e *Engine) ReportOutcome(ctx context.Context, o model.Outcome) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = e.now()
	}
	o.ResponseData = redact.MaskSecretKeys(o.ResponseData)
	if err := e.sink.RecordOutcome(ctx, o); err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	e.logger.Debug("outcome recorded",
		zap.String("proposal_id", o.ProposalID),
		zap.String("tool", o.ToolName),
		zap.Bool("success", o.Success))
	return nil
}
