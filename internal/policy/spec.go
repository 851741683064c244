package policy

import (
	"regexp"

	"github.com/ppiankov/dataguard/internal/model"
)

// Action is what a matching rule prescribes.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionDeny            Action = "deny"
	ActionRequireApproval Action = "require_approval"
	ActionRewrite         Action = "rewrite"
)

// Verdict maps an action to the verdict it produces. Fail-closed: unknown -> deny.
func (a Action) Verdict() model.Verdict {
	switch a {
	case ActionAllow:
		return model.Allow
	case ActionRequireApproval:
		return model.RequireApproval
	case ActionRewrite:
		return model.Rewrite
	default:
		return model.Deny
	}
}

func (a Action) valid() bool {
	switch a {
	case ActionAllow, ActionDeny, ActionRequireApproval, ActionRewrite:
		return true
	}
	return false
}

// Field check conditions.
const (
	CondLengthGT    = "length_gt"
	CondLengthLT    = "length_lt"
	CondEq          = "eq"
	CondGT          = "gt"
	CondLT          = "lt"
	CondContains    = "contains"
	CondMatches     = "matches"
	CondDomainIn    = "domain_in"
	CondDomainNotIn = "domain_not_in"
)

// StringCondition tests a string against a set. Exactly one operator is used,
// checked in the order in, eq, not_in.
type StringCondition struct {
	In    []string `yaml:"in,omitempty" json:"in,omitempty"`
	Eq    *string  `yaml:"eq,omitempty" json:"eq,omitempty"`
	NotIn []string `yaml:"not_in,omitempty" json:"not_in,omitempty"`
}

// ContainsCondition is a regex searched in the canonical JSON of tool_args.
type ContainsCondition struct {
	Pattern string `yaml:"pattern" json:"pattern"`
}

// FieldCheck tests a single tool_args field. Field may be a dotted path.
type FieldCheck struct {
	Field     string `yaml:"field" json:"field"`
	Condition string `yaml:"condition" json:"condition"`
	Value     any    `yaml:"value" json:"value"`
}

// MatchCondition is a set of predicates, all of which must hold.
// A condition with no predicates never matches.
type MatchCondition struct {
	ToolName           *StringCondition   `yaml:"tool_name,omitempty" json:"tool_name,omitempty"`
	ToolCategory       *StringCondition   `yaml:"tool_category,omitempty" json:"tool_category,omitempty"`
	ToolArgsContains   *ContainsCondition `yaml:"tool_args_contains,omitempty" json:"tool_args_contains,omitempty"`
	ToolArgsFieldCheck *FieldCheck        `yaml:"tool_args_field_check,omitempty" json:"tool_args_field_check,omitempty"`
}

// Empty reports whether no predicate is set.
func (m MatchCondition) Empty() bool {
	return m.ToolName == nil && m.ToolCategory == nil &&
		m.ToolArgsContains == nil && m.ToolArgsFieldCheck == nil
}

// Rule is one ordered, named condition-action pair.
type Rule struct {
	RuleID        string         `yaml:"rule_id" json:"rule_id"`
	Description   string         `yaml:"description,omitempty" json:"description,omitempty"`
	Match         MatchCondition `yaml:"match" json:"match"`
	Action        Action         `yaml:"action" json:"action"`
	Reason        string         `yaml:"reason,omitempty" json:"reason,omitempty"`
	RewriteRuleID string         `yaml:"rewrite_rule_id,omitempty" json:"rewrite_rule_id,omitempty"`
}

// Thresholds map a risk score to a verdict when no rule matched.
type Thresholds struct {
	AllowMax          int `yaml:"allow_max" json:"allow_max"`
	RewriteConfirmMin int `yaml:"rewrite_confirm_min" json:"rewrite_confirm_min"`
	RewriteConfirmMax int `yaml:"rewrite_confirm_max" json:"rewrite_confirm_max"`
	BlockApprovalMin  int `yaml:"block_approval_min" json:"block_approval_min"`
}

// DefaultThresholds returns 0-30 allow, 31-60 rewrite, 61-100 approval.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AllowMax:          30,
		RewriteConfirmMin: 31,
		RewriteConfirmMax: 60,
		BlockApprovalMin:  61,
	}
}

// Spec is a complete policy document and the unit of atomic replacement.
// A Spec must not be modified after it has been validated and shared.
type Spec struct {
	PolicyID       string     `yaml:"policy_id" json:"policy_id"`
	Version        int        `yaml:"version" json:"version"`
	Description    string     `yaml:"description,omitempty" json:"description,omitempty"`
	Scope          []string   `yaml:"scope,omitempty" json:"scope,omitempty"`
	ParentPolicyID string     `yaml:"parent_policy_id,omitempty" json:"parent_policy_id,omitempty"`
	Rules          []Rule     `yaml:"rules" json:"rules"`
	RiskThresholds Thresholds `yaml:"risk_thresholds" json:"risk_thresholds"`

	compiled *compiledRules
}

// compiledRules caches the regexes of a validated spec, indexed by rule.
type compiledRules struct {
	contains []*regexp.Regexp
	matches  []*regexp.Regexp
}

// Rule returns the rule with the given id.
func (s *Spec) Rule(id string) (Rule, bool) {
	for _, r := range s.Rules {
		if r.RuleID == id {
			return r, true
		}
	}
	return Rule{}, false
}

// newSpec returns a spec carrying the defaults that a document may override.
func newSpec() *Spec {
	return &Spec{
		Version:        1,
		Scope:          []string{"tool_call", "message_send"},
		RiskThresholds: DefaultThresholds(),
	}
}
