package policy

import (
	"errors"
	"fmt"
	"regexp"
)

// Resolver answers whether a rewrite transform id is registered.
type Resolver interface {
	Has(id string) bool
}

// ConfigError reports a malformed policy. Err joins every problem found.
type ConfigError struct {
	PolicyID string
	Err      error
}

func (e *ConfigError) Error() string {
	if e.PolicyID == "" {
		return fmt.Sprintf("invalid policy: %v", e.Err)
	}
	return fmt.Sprintf("invalid policy %q: %v", e.PolicyID, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

var knownConditions = map[string]bool{
	CondLengthGT:    true,
	CondLengthLT:    true,
	CondEq:          true,
	CondGT:          true,
	CondLT:          true,
	CondContains:    true,
	CondMatches:     true,
	CondDomainIn:    true,
	CondDomainNotIn: true,
}

// Validate checks the policy's invariants without modifying s.
// A nil resolver skips the rewrite_rule_id registration check.
// On failure the returned error is a *ConfigError listing every problem.
func (s *Spec) Validate(rewrites Resolver) error {
	_, err := s.Compile(rewrites)
	return err
}

// Compile validates s and returns a shallow copy carrying its compiled
// regexes. s itself is never written, so a policy already shared with
// running evaluations can be compiled again safely.
func (s *Spec) Compile(rewrites Resolver) (*Spec, error) {
	var errs []error
	if s.PolicyID == "" {
		errs = append(errs, errors.New("policy_id is required"))
	}
	if s.Version < 1 {
		errs = append(errs, fmt.Errorf("version must be >= 1, got %d", s.Version))
	}
	if err := s.RiskThresholds.Validate(); err != nil {
		errs = append(errs, err)
	}

	compiled := &compiledRules{
		contains: make([]*regexp.Regexp, len(s.Rules)),
		matches:  make([]*regexp.Regexp, len(s.Rules)),
	}
	seen := make(map[string]bool, len(s.Rules))
	for i, r := range s.Rules {
		if r.RuleID == "" {
			errs = append(errs, fmt.Errorf("rule %d: rule_id is required", i))
		} else if seen[r.RuleID] {
			errs = append(errs, fmt.Errorf("rule %q: duplicate rule_id", r.RuleID))
		}
		seen[r.RuleID] = true

		errs = append(errs, validateRule(i, r, rewrites, compiled)...)
	}

	if len(errs) > 0 {
		return nil, &ConfigError{PolicyID: s.PolicyID, Err: errors.Join(errs...)}
	}
	c := *s
	c.compiled = compiled
	return &c, nil
}

// Validate checks allow_max < rewrite_confirm_min <= rewrite_confirm_max < block_approval_min,
// all within [0,100].
func (t Thresholds) Validate() error {
	for _, f := range []struct {
		name string
		v    int
	}{
		{"allow_max", t.AllowMax},
		{"rewrite_confirm_min", t.RewriteConfirmMin},
		{"rewrite_confirm_max", t.RewriteConfirmMax},
		{"block_approval_min", t.BlockApprovalMin},
	} {
		if f.v < 0 || f.v > 100 {
			return fmt.Errorf("risk_thresholds.%s must be within [0,100], got %d", f.name, f.v)
		}
	}
	if !(t.AllowMax < t.RewriteConfirmMin &&
		t.RewriteConfirmMin <= t.RewriteConfirmMax &&
		t.RewriteConfirmMax < t.BlockApprovalMin) {
		return fmt.Errorf("risk_thresholds must satisfy allow_max < rewrite_confirm_min <= rewrite_confirm_max < block_approval_min, got %d/%d/%d/%d",
			t.AllowMax, t.RewriteConfirmMin, t.RewriteConfirmMax, t.BlockApprovalMin)
	}
	return nil
}

func validateRule(i int, r Rule, rewrites Resolver, c *compiledRules) []error {
	name := r.RuleID
	if name == "" {
		name = fmt.Sprintf("#%d", i)
	}
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("rule %q: "+format, append([]any{name}, args...)...))
	}

	if !r.Action.valid() {
		fail("unknown action %q", r.Action)
	}
	switch {
	case r.Action == ActionRewrite && r.RewriteRuleID == "":
		fail("action rewrite requires rewrite_rule_id")
	case r.Action != ActionRewrite && r.RewriteRuleID != "":
		fail("rewrite_rule_id is only valid with action rewrite")
	case r.Action == ActionRewrite && rewrites != nil && !rewrites.Has(r.RewriteRuleID):
		fail("rewrite_rule_id %q is not registered", r.RewriteRuleID)
	}

	m := r.Match
	if m.ToolName != nil && !m.ToolName.set() {
		fail("tool_name condition must set one of in, eq, not_in")
	}
	if m.ToolCategory != nil && !m.ToolCategory.set() {
		fail("tool_category condition must set one of in, eq, not_in")
	}
	if m.ToolArgsContains != nil {
		if m.ToolArgsContains.Pattern == "" {
			fail("tool_args_contains.pattern is required")
		} else if re, err := regexp.Compile(m.ToolArgsContains.Pattern); err != nil {
			fail("tool_args_contains.pattern: %v", err)
		} else {
			c.contains[i] = re
		}
	}
	if fc := m.ToolArgsFieldCheck; fc != nil {
		if fc.Field == "" {
			fail("tool_args_field_check.field is required")
		}
		if !knownConditions[fc.Condition] {
			fail("unknown field check condition %q", fc.Condition)
		}
		switch fc.Condition {
		case CondLengthGT, CondLengthLT, CondGT, CondLT:
			if _, ok := toFloat(fc.Value); !ok {
				fail("%s requires a numeric value", fc.Condition)
			}
		case CondContains:
			if _, ok := fc.Value.(string); !ok {
				fail("contains requires a string value")
			}
		case CondMatches:
			pattern, ok := fc.Value.(string)
			if !ok {
				fail("matches requires a string pattern")
				break
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				fail("matches pattern: %v", err)
				break
			}
			c.matches[i] = re
		case CondDomainIn, CondDomainNotIn:
			if _, ok := toStrings(fc.Value); !ok {
				fail("%s requires a list of domains", fc.Condition)
			}
		}
	}
	return errs
}

func (c *StringCondition) set() bool {
	return c.In != nil || c.Eq != nil || c.NotIn != nil
}
