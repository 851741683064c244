package dataguard

import (
	"fmt"

	"github.com/ppiankov/dataguard/internal/model"
)

// Verdict is the outcome of a policy evaluation.
type Verdict string

const (
	Allow           Verdict = Verdict(model.Allow)
	Rewrite         Verdict = Verdict(model.Rewrite)
	RequireApproval Verdict = Verdict(model.RequireApproval)
	Deny            Verdict = Verdict(model.Deny)
)

// Call describes the tool call an agent intends to make.
type Call struct {
	Tool            string
	Args            map[string]any
	Category        string // file_system, database, http_request, payment, ... (optional)
	IntendedOutcome string
}

// Result is a policy decision as seen by the SDK.
type Result struct {
	DecisionID    string
	ProposalID    string
	Verdict       Verdict
	Reason        string
	MatchedRuleID string
	RiskScore     int
	// Call is what runs if the verdict permits it: the original call, or
	// the rewritten one.
	Call Call
}

// Allowed returns true if the call may run.
func (r Result) Allowed() bool {
	return r.Verdict == Allow || r.Verdict == Rewrite
}

// BlockedError is returned when policy denies a call.
type BlockedError struct {
	Call          Call
	DecisionID    string
	Reason        string
	MatchedRuleID string
}

func (e *BlockedError) Error() string {
	if e.MatchedRuleID != "" {
		return fmt.Sprintf("dataguard blocked %s (%s): %s", e.Call.Tool, e.MatchedRuleID, e.Reason)
	}
	return fmt.Sprintf("dataguard blocked %s: %s", e.Call.Tool, e.Reason)
}

// ApprovalRequiredError is returned when a call is held for human review.
// DecisionID is what a reviewer approves or rejects.
type ApprovalRequiredError struct {
	Call       Call
	DecisionID string
	Reason     string
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("dataguard: %s requires approval (decision %s): %s", e.Call.Tool, e.DecisionID, e.Reason)
}

func toProposal(c Call) (model.Proposal, error) {
	category, err := model.ParseCategory(c.Category)
	if err != nil {
		return model.Proposal{}, err
	}
	return model.Proposal{
		ToolName:        c.Tool,
		ToolArgs:        c.Args,
		ToolCategory:    category,
		IntendedOutcome: c.IntendedOutcome,
	}, nil
}

func toResult(c Call, d model.Decision) Result {
	r := Result{
		DecisionID:    d.DecisionID,
		ProposalID:    d.ProposalID,
		Verdict:       Verdict(d.Verdict),
		Reason:        d.Reason,
		MatchedRuleID: d.MatchedRuleID,
		RiskScore:     d.Risk.FinalScore,
		Call:          c,
	}
	if d.Verdict == model.Rewrite && d.RewrittenCall != nil {
		r.Call.Tool = d.RewrittenCall.RewrittenToolName
		r.Call.Args = d.RewrittenCall.RewrittenToolArgs
	}
	return r
}
