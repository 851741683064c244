package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/dataguard/internal/audit"
	"github.com/ppiankov/dataguard/internal/model"
	"github.com/ppiankov/dataguard/internal/policy"
	"github.com/ppiankov/dataguard/internal/rewrite"
)

// Evaluate runs the two-stage pipeline against spec. spec must have been
// validated; a rewrite rule naming an unregistered transform yields a
// *policy.ConfigError. A failing transform or scorer yields a *FaultError.
// In both cases no Decision is returned.
func (e *Engine) Evaluate(ctx context.Context, p model.Proposal, cc model.CallContext, spec *policy.Spec) (model.Decision, error) {
	if spec == nil {
		return model.Decision{}, &policy.ConfigError{Err: errors.New("policy is nil")}
	}
	snap := e.active.Load()
	hash := ""
	if snap.spec == spec {
		hash = snap.hash
	}
	return e.evaluate(ctx, p, cc, &snapshot{spec: spec, hash: hash})
}

// EvaluateActive evaluates against the active policy, captured once at
// call start.
func (e *Engine) EvaluateActive(ctx context.Context, p model.Proposal, cc model.CallContext) (model.Decision, error) {
	return e.evaluate(ctx, p, cc, e.active.Load())
}

func (e *Engine) evaluate(ctx context.Context, p model.Proposal, cc model.CallContext, snap *snapshot) (model.Decision, error) {
	start := e.now()

	if err := p.Validate(); err != nil {
		return model.Decision{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := cc.Validate(); err != nil {
		return model.Decision{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	p = p.Normalize()
	cc = cc.Normalize()
	if p.ProposalID == "" {
		p.ProposalID = e.newID()
	}

	spec := snap.spec
	var (
		d    model.Decision
		path string
		err  error
	)
	if rule, ok := policy.Match(p, cc, spec); ok {
		path = PathRule
		d, err = e.ruleDecision(p, spec, rule)
	} else {
		path = PathThreshold
		d, err = e.thresholdDecision(ctx, p, cc, spec)
	}
	if err != nil {
		e.fault(err, p)
		return model.Decision{}, err
	}

	d.DecisionID = e.newID()
	d.ProposalID = p.ProposalID
	d.PolicyID = spec.PolicyID
	d.PolicyVersion = spec.Version
	d.RequiresHuman = d.Verdict == model.RequireApproval
	d.Timestamp = e.now()

	if d.RequiresHuman {
		if _, err := e.approvals.Open(d, cc, p.ToolName, d.Timestamp); err != nil {
			ferr := &FaultError{Kind: FaultApproval, ProposalID: p.ProposalID, Err: err}
			e.fault(ferr, p)
			return model.Decision{}, ferr
		}
		e.metrics.SetPendingApprovals(e.approvals.PendingCount())
	}

	e.metrics.ObserveDecision(d.Verdict, path, e.now().Sub(start))
	e.logger.Debug("decision",
		zap.String("decision_id", d.DecisionID),
		zap.String("proposal_id", d.ProposalID),
		zap.String("tenant", cc.TenantID),
		zap.String("agent", cc.AgentID),
		zap.String("tool", p.ToolName),
		zap.String("verdict", string(d.Verdict)),
		zap.String("path", path),
		zap.String("rule", d.MatchedRuleID),
		zap.Int("score", d.Risk.FinalScore))

	if err := e.sink.RecordDecision(ctx, audit.NewDecisionRecord(audit.KindDecision, p, cc, d, snap.hash)); err != nil {
		e.logger.Error("audit write failed", zap.String("decision_id", d.DecisionID), zap.Error(err))
	}
	if d.Verdict == model.RequireApproval || d.Verdict == model.Deny {
		e.notifier.Notify(ctx, d, p, cc)
	}
	return d, nil
}

// ruleDecision builds the decision for a matched rule. Scores are fixed at 100.
func (e *Engine) ruleDecision(p model.Proposal, spec *policy.Spec, rule policy.Rule) (model.Decision, error) {
	d := model.Decision{
		Verdict:       rule.Action.Verdict(),
		MatchedRuleID: rule.RuleID,
		Reason:        rule.Reason,
		Risk: model.RiskAssessment{
			DeterministicScore: model.IntPtr(100),
			FinalScore:         100,
			Explanation:        "matched rule " + rule.RuleID,
		},
	}
	if d.Reason == "" {
		d.Reason = rule.Description
	}
	if d.Reason == "" {
		d.Reason = d.Risk.Explanation
	}

	if rule.Action != policy.ActionRewrite {
		return d, nil
	}
	call, err := e.registry.ApplyID(rule.RewriteRuleID, p.ToolName, p.ToolArgs)
	switch {
	case errors.Is(err, rewrite.ErrUnknownRule):
		return model.Decision{}, &policy.ConfigError{
			PolicyID: spec.PolicyID,
			Err:      fmt.Errorf("rule %q: %w", rule.RuleID, err),
		}
	case err != nil:
		return model.Decision{}, &FaultError{Kind: FaultTransform, ProposalID: p.ProposalID, Err: err}
	}
	d.RewrittenCall = call
	return d, nil
}

// thresholdDecision scores the proposal and maps the score onto the
// policy's risk thresholds.
func (e *Engine) thresholdDecision(ctx context.Context, p model.Proposal, cc model.CallContext, spec *policy.Spec) (model.Decision, error) {
	ra, err := e.scorer.Score(ctx, p, cc)
	if err != nil {
		return model.Decision{}, &FaultError{Kind: FaultScorer, ProposalID: p.ProposalID, Err: err}
	}
	ra.FinalScore = model.ClampScore(ra.FinalScore)

	d := model.Decision{Risk: ra, Reason: ra.Explanation}
	th := spec.RiskThresholds
	switch {
	case ra.FinalScore <= th.AllowMax:
		d.Verdict = model.Allow
	case ra.FinalScore <= th.RewriteConfirmMax:
		rule, ok := e.registry.FindApplicable(p.ToolName, p.ToolArgs)
		if !ok {
			d.Verdict = model.RequireApproval
			break
		}
		call, err := e.registry.Apply(rule, p.ToolName, p.ToolArgs)
		if err != nil {
			return model.Decision{}, &FaultError{Kind: FaultTransform, ProposalID: p.ProposalID, Err: err}
		}
		d.Verdict = model.Rewrite
		d.RewrittenCall = call
	default:
		d.Verdict = model.RequireApproval
	}
	return d, nil
}

func (e *Engine) fault(err error, p model.Proposal) {
	kind := "config"
	var f *FaultError
	if errors.As(err, &f) {
		kind = f.Kind
	}
	e.metrics.ObserveFault(kind)
	e.logger.Error("evaluation failed",
		zap.String("proposal_id", p.ProposalID),
		zap.String("tool", p.ToolName),
		zap.String("kind", kind),
		zap.Error(err))
}
