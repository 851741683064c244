package mcp

import (
	"context"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/dataguard/internal/model"
	"github.com/ppiankov/dataguard/internal/policy"
)

// --- Input/Output types ---

// EvaluateInput defines parameters for the dataguard_evaluate tool.
type EvaluateInput struct {
	ToolName            string         `json:"tool_name" jsonschema:"name of the tool the agent wants to call"`
	ToolArgs            map[string]any `json:"tool_args,omitempty" jsonschema:"arguments of the call"`
	ToolCategory        string         `json:"tool_category,omitempty" jsonschema:"file_system, database, http_request, code_execution, message_send, communication, network, payment, auth, other"`
	IntendedOutcome     string         `json:"intended_outcome,omitempty" jsonschema:"what the call is meant to achieve"`
	SessionID           string         `json:"session_id,omitempty" jsonschema:"conversation or session id"`
	ConversationSummary string         `json:"conversation_summary,omitempty" jsonschema:"short summary of the conversation so far"`
}

// DecisionOutput is the decision returned to the agent.
type DecisionOutput struct {
	DecisionID        string         `json:"decision_id"`
	ProposalID        string         `json:"proposal_id"`
	Verdict           string         `json:"verdict"`
	Reason            string         `json:"reason"`
	MatchedRuleID     string         `json:"matched_rule_id,omitempty"`
	RiskScore         int            `json:"risk_score"`
	Flags             []string       `json:"flags,omitempty"`
	RequiresHuman     bool           `json:"requires_human"`
	RewrittenToolName string         `json:"rewritten_tool_name,omitempty"`
	RewrittenToolArgs map[string]any `json:"rewritten_tool_args,omitempty"`
	PolicyID          string         `json:"policy_id,omitempty"`
}

// ResolveInput defines parameters for the dataguard_resolve tool.
type ResolveInput struct {
	DecisionID string `json:"decision_id" jsonschema:"decision id returned with require_approval"`
	Approved   bool   `json:"approved" jsonschema:"true to approve, false to reject"`
	Reviewer   string `json:"reviewer,omitempty" jsonschema:"who made the call"`
}

// PendingInput is empty; no parameters needed.
type PendingInput struct{}

// PendingOutput lists all pending approvals.
type PendingOutput struct {
	Approvals []PendingItem `json:"approvals"`
}

// PendingItem describes a single approval request.
type PendingItem struct {
	DecisionID string `json:"decision_id"`
	ToolName   string `json:"tool_name"`
	AgentID    string `json:"agent_id,omitempty"`
	TenantID   string `json:"tenant_id,omitempty"`
	Reason     string `json:"reason"`
	RiskScore  int    `json:"risk_score"`
	CreatedAt  string `json:"created_at"`
}

// PolicyInput is empty.
type PolicyInput struct{}

// PolicyOutput summarizes the active policy.
type PolicyOutput struct {
	PolicyID   string            `json:"policy_id"`
	Version    int               `json:"version"`
	Hash       string            `json:"hash"`
	Rules      []RuleItem        `json:"rules"`
	Thresholds policy.Thresholds `json:"risk_thresholds"`
}

// RuleItem is one rule of the active policy.
type RuleItem struct {
	RuleID        string `json:"rule_id"`
	Action        string `json:"action"`
	Reason        string `json:"reason,omitempty"`
	RewriteRuleID string `json:"rewrite_rule_id,omitempty"`
}

// --- Handlers ---

func (s *Server) handleEvaluate(ctx context.Context, _ *mcpsdk.CallToolRequest, input EvaluateInput) (*mcpsdk.CallToolResult, DecisionOutput, error) {
	category, err := model.ParseCategory(input.ToolCategory)
	if err != nil {
		return nil, DecisionOutput{}, err
	}
	p := model.Proposal{
		ToolName:        input.ToolName,
		ToolArgs:        input.ToolArgs,
		ToolCategory:    category,
		IntendedOutcome: input.IntendedOutcome,
	}
	cc := model.CallContext{
		AgentID:             s.agentID,
		TenantID:            s.tenantID,
		SessionID:           input.SessionID,
		ConversationSummary: input.ConversationSummary,
	}

	d, err := s.engine.EvaluateActive(ctx, p, cc)
	if err != nil {
		s.logger.Warn("mcp evaluate failed", zap.String("tool", input.ToolName), zap.Error(err))
		return nil, DecisionOutput{}, err
	}
	return blockedResult(d), decisionOutput(d), nil
}

func (s *Server) handleResolve(ctx context.Context, _ *mcpsdk.CallToolRequest, input ResolveInput) (*mcpsdk.CallToolResult, DecisionOutput, error) {
	d, err := s.engine.ResolveApproval(ctx, input.DecisionID, input.Approved, input.Reviewer)
	if err != nil {
		return nil, DecisionOutput{}, err
	}
	return nil, decisionOutput(d), nil
}

func (s *Server) handlePending(_ context.Context, _ *mcpsdk.CallToolRequest, _ PendingInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	list := s.engine.PendingApprovals()
	items := make([]PendingItem, len(list))
	for i, a := range list {
		items[i] = PendingItem{
			DecisionID: a.DecisionID,
			ToolName:   a.ToolName,
			AgentID:    a.AgentID,
			TenantID:   a.TenantID,
			Reason:     a.Decision.Reason,
			RiskScore:  a.Decision.Risk.FinalScore,
			CreatedAt:  a.CreatedAt.Format(time.RFC3339),
		}
	}
	return nil, PendingOutput{Approvals: items}, nil
}

func (s *Server) handlePolicy(_ context.Context, _ *mcpsdk.CallToolRequest, _ PolicyInput) (*mcpsdk.CallToolResult, PolicyOutput, error) {
	spec := s.engine.ActivePolicy()
	rules := make([]RuleItem, len(spec.Rules))
	for i, r := range spec.Rules {
		rules[i] = RuleItem{
			RuleID:        r.RuleID,
			Action:        string(r.Action),
			Reason:        r.Reason,
			RewriteRuleID: r.RewriteRuleID,
		}
	}
	return nil, PolicyOutput{
		PolicyID:   spec.PolicyID,
		Version:    spec.Version,
		Hash:       s.engine.ActivePolicyHash(),
		Rules:      rules,
		Thresholds: spec.RiskThresholds,
	}, nil
}

// blockedResult marks deny and require_approval as tool errors so agents
// do not proceed with the call.
func blockedResult(d model.Decision) *mcpsdk.CallToolResult {
	switch d.Verdict {
	case model.Deny, model.RequireApproval:
		return &mcpsdk.CallToolResult{IsError: true}
	default:
		return nil
	}
}

func decisionOutput(d model.Decision) DecisionOutput {
	out := DecisionOutput{
		DecisionID:    d.DecisionID,
		ProposalID:    d.ProposalID,
		Verdict:       string(d.Verdict),
		Reason:        d.Reason,
		MatchedRuleID: d.MatchedRuleID,
		RiskScore:     d.Risk.FinalScore,
		Flags:         d.Risk.Flags,
		RequiresHuman: d.RequiresHuman,
		PolicyID:      d.PolicyID,
	}
	if d.RewrittenCall != nil {
		out.RewrittenToolName = d.RewrittenCall.RewrittenToolName
		out.RewrittenToolArgs = d.RewrittenCall.RewrittenToolArgs
	}
	return out
}
