package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Category is the coarse tool category used for policy matching and risk.
type Category string

const (
	CategoryFileSystem    Category = "file_system"
	CategoryDatabase      Category = "database"
	CategoryHTTPRequest   Category = "http_request"
	CategoryCodeExecution Category = "code_execution"
	CategoryMessageSend   Category = "message_send"
	CategoryCommunication Category = "communication"
	CategoryNetwork       Category = "network"
	CategoryPayment       Category = "payment"
	CategoryAuth          Category = "auth"
	CategoryOther         Category = "other"
	CategoryUnknown       Category = "unknown"
)

var knownCategories = map[Category]bool{
	CategoryFileSystem:    true,
	CategoryDatabase:      true,
	CategoryHTTPRequest:   true,
	CategoryCodeExecution: true,
	CategoryMessageSend:   true,
	CategoryCommunication: true,
	CategoryNetwork:       true,
	CategoryPayment:       true,
	CategoryAuth:          true,
	CategoryOther:         true,
	CategoryUnknown:       true,
}

// ParseCategory maps a string to a Category. Empty maps to unknown.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if c == "" {
		return CategoryUnknown, nil
	}
	if !knownCategories[c] {
		return "", fmt.Errorf("unknown tool category %q", s)
	}
	return c, nil
}

// Verdict is the outcome of an evaluation.
type Verdict string

const (
	Allow           Verdict = "allow"
	Rewrite         Verdict = "rewrite"
	RequireApproval Verdict = "require_approval"
	Deny            Verdict = "deny"
)

// DefaultTenant is used when a CallContext carries no tenant.
const DefaultTenant = "default"

// Proposal is a candidate tool invocation awaiting a verdict.
type Proposal struct {
	ProposalID      string         `json:"proposal_id,omitempty" yaml:"proposal_id,omitempty"`
	ToolName        string         `json:"tool_name" yaml:"tool_name"`
	ToolArgs        map[string]any `json:"tool_args" yaml:"tool_args"`
	ToolCategory    Category       `json:"tool_category,omitempty" yaml:"tool_category,omitempty"`
	IntendedOutcome string         `json:"intended_outcome,omitempty" yaml:"intended_outcome,omitempty"`
}

// Normalize returns a copy with a trimmed, lower-cased tool name,
// a non-nil args map and a defaulted category.
func (p Proposal) Normalize() Proposal {
	p.ToolName = strings.ToLower(strings.TrimSpace(p.ToolName))
	if p.ToolArgs == nil {
		p.ToolArgs = map[string]any{}
	}
	if p.ToolCategory == "" {
		p.ToolCategory = CategoryUnknown
	}
	return p
}

// Validate checks the required fields of a proposal.
func (p Proposal) Validate() error {
	var errs []error
	name := strings.TrimSpace(p.ToolName)
	if name == "" {
		errs = append(errs, errors.New("tool_name is required"))
	}
	if len(name) > 256 {
		errs = append(errs, errors.New("tool_name exceeds 256 characters"))
	}
	if p.ToolCategory != "" && !knownCategories[p.ToolCategory] {
		errs = append(errs, fmt.Errorf("unknown tool_category %q", p.ToolCategory))
	}
	if len(p.IntendedOutcome) > 1024 {
		errs = append(errs, errors.New("intended_outcome exceeds 1024 characters"))
	}
	return errors.Join(errs...)
}

// CallContext is the agent/session/tenant metadata accompanying a Proposal.
type CallContext struct {
	AgentID             string   `json:"agent_id" yaml:"agent_id"`
	TenantID            string   `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	SessionID           string   `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	UserID              string   `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	ConversationSummary string   `json:"conversation_summary,omitempty" yaml:"conversation_summary,omitempty"`
	PriorDecisions      []string `json:"prior_decisions,omitempty" yaml:"prior_decisions,omitempty"`
}

// Normalize returns a copy with the tenant defaulted.
func (c CallContext) Normalize() CallContext {
	if strings.TrimSpace(c.TenantID) == "" {
		c.TenantID = DefaultTenant
	}
	return c
}

// Validate checks the required fields of a call context.
func (c CallContext) Validate() error {
	if strings.TrimSpace(c.AgentID) == "" {
		return errors.New("agent_id is required")
	}
	if len(c.ConversationSummary) > 4096 {
		return errors.New("conversation_summary exceeds 4096 characters")
	}
	return nil
}

// RiskAssessment is the numeric, explained output of scoring.
type RiskAssessment struct {
	DeterministicScore *int     `json:"deterministic_score"`
	LLMScore           *int     `json:"llm_score"`
	FinalScore         int      `json:"final_score"`
	Explanation        string   `json:"explanation"`
	Flags              []string `json:"flags,omitempty"`
}

// HasFlag reports whether the named heuristic fired.
func (r RiskAssessment) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// ClampScore bounds a score to [0,100].
func ClampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// RewrittenCall is the safe alternative produced for a rewrite verdict.
type RewrittenCall struct {
	OriginalToolName  string         `json:"original_tool_name"`
	OriginalToolArgs  map[string]any `json:"original_tool_args"`
	RewrittenToolName string         `json:"rewritten_tool_name"`
	RewrittenToolArgs map[string]any `json:"rewritten_tool_args"`
	RewriteRuleID     string         `json:"rewrite_rule_id"`
	Description       string         `json:"description"`
}

// Decision is the record of a completed evaluation.
type Decision struct {
	DecisionID    string         `json:"decision_id"`
	ProposalID    string         `json:"proposal_id"`
	Verdict       Verdict        `json:"verdict"`
	Risk          RiskAssessment `json:"risk_score"`
	MatchedRuleID string         `json:"matched_rule_id,omitempty"`
	Reason        string         `json:"reason"`
	RewrittenCall *RewrittenCall `json:"rewritten_call,omitempty"`
	RequiresHuman bool           `json:"requires_human"`
	PolicyID      string         `json:"policy_id,omitempty"`
	PolicyVersion int            `json:"policy_version,omitempty"`
	ReviewedBy    string         `json:"reviewed_by,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Outcome is the post-execution report for a proposal.
type Outcome struct {
	ProposalID          string         `json:"proposal_id"`
	DecisionID          string         `json:"decision_id,omitempty"`
	ToolName            string         `json:"tool_name"`
	Success             bool           `json:"success"`
	ResponseData        map[string]any `json:"response_data,omitempty"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	ExecutionDurationMS int64          `json:"execution_duration_ms,omitempty"`
	Timestamp           time.Time      `json:"timestamp"`
}

// Validate checks the required fields of an outcome report.
func (o Outcome) Validate() error {
	if strings.TrimSpace(o.ProposalID) == "" {
		return errors.New("proposal_id is required")
	}
	if strings.TrimSpace(o.ToolName) == "" {
		return errors.New("tool_name is required")
	}
	if o.ExecutionDurationMS < 0 {
		return errors.New("execution_duration_ms must not be negative")
	}
	return nil
}
