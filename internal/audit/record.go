package audit

import (
	"context"
	"errors"
	"time"

	"github.com/ppiankov/dataguard/internal/model"
	"github.com/ppiankov/dataguard/internal/redact"
)

// DecisionRecord is what the engine hands to a Sink for every decision and
// every approval resolution. Tool arguments are masked by NewDecisionRecord.
type DecisionRecord struct {
	Kind       string            `json:"kind"`
	Proposal   model.Proposal    `json:"proposal"`
	Context    model.CallContext `json:"context"`
	Decision   model.Decision    `json:"decision"`
	PolicyHash string            `json:"policy_hash,omitempty"`
}

// NewDecisionRecord builds a record with secret-bearing argument values
// masked in the proposal and in any rewritten call.
func NewDecisionRecord(kind string, p model.Proposal, cc model.CallContext, d model.Decision, policyHash string) DecisionRecord {
	p.ToolArgs = redact.MaskSecretKeys(p.ToolArgs)
	if d.RewrittenCall != nil {
		rc := *d.RewrittenCall
		rc.OriginalToolArgs = redact.MaskSecretKeys(rc.OriginalToolArgs)
		rc.RewrittenToolArgs = redact.MaskSecretKeys(rc.RewrittenToolArgs)
		d.RewrittenCall = &rc
	}
	return DecisionRecord{Kind: kind, Proposal: p, Context: cc, Decision: d, PolicyHash: policyHash}
}

// Sink receives audit records. Implementations must be safe for concurrent use.
type Sink interface {
	RecordDecision(ctx context.Context, rec DecisionRecord) error
	RecordOutcome(ctx context.Context, o model.Outcome) error
	Close() error
}

// Multi fans records out to several sinks. Every sink is attempted; the
// errors are joined.
type Multi []Sink

func (m Multi) RecordDecision(ctx context.Context, rec DecisionRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordDecision(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) RecordOutcome(ctx context.Context, o model.Outcome) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordOutcome(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards every record.
type Nop struct{}

func (Nop) RecordDecision(context.Context, DecisionRecord) error { return nil }
func (Nop) RecordOutcome(context.Context, model.Outcome) error   { return nil }
func (Nop) Close() error                                         { return nil }

// EntryFromDecision flattens a record into a log entry.
func EntryFromDecision(rec DecisionRecord) AuditEntry {
	d := rec.Decision
	e := AuditEntry{
		Timestamp:  formatTime(d.Timestamp),
		Kind:       rec.Kind,
		DecisionID: d.DecisionID,
		ProposalID: d.ProposalID,
		TenantID:   rec.Context.TenantID,
		AgentID:    rec.Context.AgentID,
		SessionID:  rec.Context.SessionID,
		Action: AuditAction{
			Tool:     rec.Proposal.ToolName,
			Category: string(rec.Proposal.ToolCategory),
			Args:     argsString(rec.Proposal.ToolArgs),
		},
		Decision:   string(d.Verdict),
		RuleID:     d.MatchedRuleID,
		Reason:     d.Reason,
		Score:      d.Risk.FinalScore,
		Flags:      d.Risk.Flags,
		Reviewer:   d.ReviewedBy,
		PolicyID:   d.PolicyID,
		PolicyHash: rec.PolicyHash,
	}
	if d.RewrittenCall != nil {
		e.Rewrite = d.RewrittenCall.RewriteRuleID
	}
	return e
}

// EntryFromOutcome flattens an outcome report into a log entry.
func EntryFromOutcome(o model.Outcome) AuditEntry {
	success := o.Success
	return AuditEntry{
		Timestamp:  formatTime(o.Timestamp),
		Kind:       KindOutcome,
		DecisionID: o.DecisionID,
		ProposalID: o.ProposalID,
		Action:     AuditAction{Tool: o.ToolName},
		Success:    &success,
		Error:      o.ErrorMessage,
		DurationMS: o.ExecutionDurationMS,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimestampFormat)
}
