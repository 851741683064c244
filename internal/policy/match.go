package policy

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/ppiankov/dataguard/internal/canon"
	"github.com/ppiankov/dataguard/internal/model"
)

// Match returns the first rule in list order whose predicates all hold.
// Later rules are never consulted once one matches. The call context is
// available to predicates; the shipped ones only inspect the proposal.
//
// Match has no side effects and is safe for concurrent use on a shared spec.
func Match(p model.Proposal, cc model.CallContext, spec *Spec) (Rule, bool) {
	if spec == nil {
		return Rule{}, false
	}
	m := matcher{proposal: p, spec: spec}
	for i, r := range spec.Rules {
		if m.rule(i, r.Match) {
			return r, true
		}
	}
	return Rule{}, false
}

type matcher struct {
	proposal model.Proposal
	spec     *Spec

	argsJSON string
	rendered bool
}

func (m *matcher) rule(i int, cond MatchCondition) bool {
	if cond.Empty() {
		return false
	}
	if cond.ToolName != nil && !cond.ToolName.matches(m.proposal.ToolName) {
		return false
	}
	if cond.ToolCategory != nil {
		category := string(m.proposal.ToolCategory)
		if category == "" {
			category = string(model.CategoryUnknown)
		}
		if !cond.ToolCategory.matches(category) {
			return false
		}
	}
	if cond.ToolArgsContains != nil && !m.contains(i, cond.ToolArgsContains.Pattern) {
		return false
	}
	if cond.ToolArgsFieldCheck != nil && !m.fieldCheck(i, cond.ToolArgsFieldCheck) {
		return false
	}
	return true
}

func (c *StringCondition) matches(v string) bool {
	switch {
	case c.In != nil:
		return containsString(c.In, v)
	case c.Eq != nil:
		return v == *c.Eq
	case c.NotIn != nil:
		return !containsString(c.NotIn, v)
	}
	return false
}

func (m *matcher) contains(i int, pattern string) bool {
	re := m.regex(i, pattern, func(c *compiledRules) []*regexp.Regexp { return c.contains })
	if re == nil {
		return false
	}
	if !m.rendered {
		m.argsJSON = canon.String(m.proposal.ToolArgs)
		m.rendered = true
	}
	return re.MatchString(m.argsJSON)
}

// regex returns the compiled pattern for rule i, compiling it on the spot
// when the policy was never compiled. An invalid pattern yields nil.
func (m *matcher) regex(i int, pattern string, table func(*compiledRules) []*regexp.Regexp) *regexp.Regexp {
	if m.spec.compiled != nil {
		if cached := table(m.spec.compiled); i < len(cached) && cached[i] != nil {
			return cached[i]
		}
	}
	if pattern == "" {
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	return re
}

func (m *matcher) fieldCheck(i int, fc *FieldCheck) bool {
	v, ok := LookupField(m.proposal.ToolArgs, fc.Field)
	if !ok || v == nil {
		return false
	}

	switch fc.Condition {
	case CondLengthGT, CondLengthLT:
		n, ok := listLen(v)
		if !ok {
			return false
		}
		limit, ok := toFloat(fc.Value)
		if !ok {
			return false
		}
		if fc.Condition == CondLengthGT {
			return float64(n) > limit
		}
		return float64(n) < limit

	case CondEq:
		return canon.String(v) == canon.String(fc.Value)

	case CondGT, CondLT:
		got, ok := toFloat(v)
		if !ok {
			return false
		}
		want, ok := toFloat(fc.Value)
		if !ok {
			return false
		}
		if fc.Condition == CondGT {
			return got > want
		}
		return got < want

	case CondContains:
		s, ok := v.(string)
		if !ok {
			return false
		}
		sub, ok := fc.Value.(string)
		return ok && strings.Contains(s, sub)

	case CondMatches:
		s, ok := v.(string)
		if !ok {
			return false
		}
		pattern, _ := fc.Value.(string)
		re := m.regex(i, pattern, func(c *compiledRules) []*regexp.Regexp { return c.matches })
		return re != nil && re.MatchString(s)

	case CondDomainIn, CondDomainNotIn:
		s, ok := v.(string)
		if !ok {
			return false
		}
		host, ok := hostOf(s)
		if !ok {
			return false
		}
		domains, ok := toStrings(fc.Value)
		if !ok {
			return false
		}
		in := false
		for _, d := range domains {
			if strings.EqualFold(strings.TrimSpace(d), host) {
				in = true
				break
			}
		}
		if fc.Condition == CondDomainIn {
			return in
		}
		return !in
	}
	return false
}

// LookupField resolves field in args. An exact top-level key wins; otherwise
// the field is treated as a dotted path through maps and list indexes.
func LookupField(args map[string]any, field string) (any, bool) {
	if args == nil || field == "" {
		return nil, false
	}
	if v, ok := args[field]; ok {
		return v, true
	}
	if !strings.Contains(field, ".") {
		return nil, false
	}

	var cur any = args
	for _, part := range strings.Split(field, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func hostOf(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", false
	}
	return host, true
}

func listLen(v any) (int, bool) {
	switch t := v.(type) {
	case []any:
		return len(t), true
	case []string:
		return len(t), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toStrings(v any) ([]string, bool) {
	switch t := v.(type) {
	case string:
		return []string{t}, true
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
