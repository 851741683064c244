package policy

import (
	"fmt"
	"testing"

	"github.com/ppiankov/dataguard/internal/model"
)

var testCtx = model.CallContext{AgentID: "test-agent", TenantID: "test-tenant"}

func proposal(tool string, args map[string]any) model.Proposal {
	return model.Proposal{ToolName: tool, ToolArgs: args, ToolCategory: model.CategoryUnknown}
}

func strPtr(s string) *string { return &s }

func TestDefaultDenyRmRf(t *testing.T) {
	spec := validDefault(t)
	rule, ok := Match(proposal("bash", map[string]any{"command": "rm -rf /var/data"}), testCtx, spec)
	if !ok {
		t.Fatal("expected a match")
	}
	if rule.RuleID != "deny-rm-rf" {
		t.Errorf("expected deny-rm-rf, got %s", rule.RuleID)
	}
	if rule.Action.Verdict() != model.Deny {
		t.Errorf("expected deny, got %s", rule.Action.Verdict())
	}
}

func TestDefaultDenyRmForce(t *testing.T) {
	rule, ok := Match(proposal("shell", map[string]any{"command": "rm -f important.db"}), testCtx, validDefault(t))
	if !ok || rule.Action != ActionDeny {
		t.Errorf("expected deny, got %+v (matched=%v)", rule, ok)
	}
}

func TestDefaultDenyDropTable(t *testing.T) {
	spec := validDefault(t)
	for _, q := range []string{"DROP TABLE users;", "drop database production"} {
		rule, ok := Match(proposal("sql", map[string]any{"query": q}), testCtx, spec)
		if !ok || rule.RuleID != "deny-drop-table" {
			t.Errorf("expected deny-drop-table for %q, got %+v (matched=%v)", q, rule, ok)
		}
	}
}

func TestDefaultDenySecretInURL(t *testing.T) {
	rule, ok := Match(proposal("http_request", map[string]any{
		"url": "https://api.example.com?api_key=sk-abc123",
	}), testCtx, validDefault(t))
	if !ok || rule.RuleID != "deny-secret-in-url" {
		t.Errorf("expected deny-secret-in-url, got %+v (matched=%v)", rule, ok)
	}
}

func TestDefaultRequireApprovalPayment(t *testing.T) {
	p := model.Proposal{
		ToolName:     "stripe_charge",
		ToolCategory: model.CategoryPayment,
		ToolArgs:     map[string]any{"amount": 9999, "currency": "usd"},
	}
	rule, ok := Match(p, testCtx, validDefault(t))
	if !ok || rule.RuleID != "require-approval-payment" {
		t.Fatalf("expected require-approval-payment, got %+v (matched=%v)", rule, ok)
	}
	if rule.Action.Verdict() != model.RequireApproval {
		t.Errorf("expected require_approval, got %s", rule.Action.Verdict())
	}
}

func TestDefaultRequireApprovalMassEmail(t *testing.T) {
	recipients := make([]any, 10)
	for i := range recipients {
		recipients[i] = fmt.Sprintf("user%d@example.com", i)
	}
	rule, ok := Match(proposal("send_email", map[string]any{
		"recipients": recipients,
		"subject":    "Newsletter",
	}), testCtx, validDefault(t))
	if !ok || rule.RuleID != "require-approval-mass-email" {
		t.Errorf("expected require-approval-mass-email, got %+v (matched=%v)", rule, ok)
	}
}

func TestDefaultUnknownDomain(t *testing.T) {
	spec := validDefault(t)
	rule, ok := Match(proposal("http_request", map[string]any{"url": "https://evil.com/exfiltrate"}), testCtx, spec)
	if !ok || rule.RuleID != "require-approval-unknown-domain" {
		t.Errorf("expected unknown-domain rule, got %+v (matched=%v)", rule, ok)
	}

	rule, ok = Match(proposal("http_request", map[string]any{"url": "https://API.GitHub.com/repos"}), testCtx, spec)
	if ok {
		t.Errorf("expected allowlisted domain to pass, got %s", rule.RuleID)
	}
}

func TestDefaultRewrites(t *testing.T) {
	spec := validDefault(t)
	tests := []struct {
		tool    string
		args    map[string]any
		rewrite string
	}{
		{"bash", map[string]any{"command": "git push --force origin main"}, "strip-force-flags"},
		{"bash", map[string]any{"command": "sudo apt-get install nginx"}, "neutralize-sudo"},
		{"http_request", map[string]any{"url": "http://api.github.com/repos"}, "enforce-https"},
		{"http", map[string]any{"url": "http://api.example.com"}, "enforce-https"},
		{"code_execution", map[string]any{"code": "print(1)"}, "sandbox-code-exec"},
	}
	for _, tt := range tests {
		rule, ok := Match(proposal(tt.tool, tt.args), testCtx, spec)
		if !ok {
			t.Errorf("%s %v: expected a match", tt.tool, tt.args)
			continue
		}
		if rule.Action != ActionRewrite || rule.RewriteRuleID != tt.rewrite {
			t.Errorf("%s %v: expected rewrite %s, got %s %s", tt.tool, tt.args, tt.rewrite, rule.Action, rule.RewriteRuleID)
		}
	}
}

func TestDefaultSafeCommandPasses(t *testing.T) {
	if rule, ok := Match(proposal("bash", map[string]any{"command": "ls -la /tmp"}), testCtx, validDefault(t)); ok {
		t.Errorf("expected no match, got %s", rule.RuleID)
	}
}

func TestNoConditionsNeverMatches(t *testing.T) {
	spec := &Spec{PolicyID: "test", Version: 1, RiskThresholds: DefaultThresholds(),
		Rules: []Rule{{RuleID: "empty", Action: ActionDeny}}}
	if _, ok := Match(proposal("anything", nil), testCtx, spec); ok {
		t.Error("a rule with no predicates must not match")
	}
}

func TestEmptyRulesAndNilSpec(t *testing.T) {
	if _, ok := Match(proposal("bash", nil), testCtx, &Spec{}); ok {
		t.Error("expected no match for empty rule list")
	}
	if _, ok := Match(proposal("bash", nil), testCtx, nil); ok {
		t.Error("expected no match for nil spec")
	}
}

func TestFirstMatchWins(t *testing.T) {
	spec := &Spec{
		PolicyID:       "order",
		Version:        1,
		RiskThresholds: DefaultThresholds(),
		Rules: []Rule{
			{RuleID: "broad", Match: MatchCondition{ToolName: &StringCondition{Eq: strPtr("bash")}}, Action: ActionAllow},
			{RuleID: "specific", Match: MatchCondition{
				ToolName:         &StringCondition{Eq: strPtr("bash")},
				ToolArgsContains: &ContainsCondition{Pattern: "rm -rf"},
			}, Action: ActionDeny},
		},
	}
	if err := spec.Validate(nil); err != nil {
		t.Fatal(err)
	}
	rule, ok := Match(proposal("bash", map[string]any{"command": "rm -rf /"}), testCtx, spec)
	if !ok || rule.RuleID != "broad" {
		t.Errorf("expected broad (earliest) rule, got %+v", rule)
	}
}

func TestStringConditions(t *testing.T) {
	tests := []struct {
		name string
		cond StringCondition
		v    string
		want bool
	}{
		{"in hit", StringCondition{In: []string{"a", "b"}}, "b", true},
		{"in miss", StringCondition{In: []string{"a"}}, "c", false},
		{"eq hit", StringCondition{Eq: strPtr("x")}, "x", true},
		{"eq case sensitive", StringCondition{Eq: strPtr("x")}, "X", false},
		{"not_in hit", StringCondition{NotIn: []string{"a"}}, "b", true},
		{"not_in miss", StringCondition{NotIn: []string{"a"}}, "a", false},
		{"empty", StringCondition{}, "a", false},
	}
	for _, tt := range tests {
		if got := tt.cond.matches(tt.v); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestToolCategoryDefaultsToUnknown(t *testing.T) {
	spec := &Spec{Rules: []Rule{{
		RuleID: "unknown-cat",
		Match:  MatchCondition{ToolCategory: &StringCondition{Eq: strPtr("unknown")}},
		Action: ActionRequireApproval,
	}}}
	p := model.Proposal{ToolName: "x"}
	if _, ok := Match(p, testCtx, spec); !ok {
		t.Error("empty category should match unknown")
	}
}

func TestArgsContainsSearchesCanonicalJSON(t *testing.T) {
	spec := &Spec{Rules: []Rule{{
		RuleID: "key-order",
		Match:  MatchCondition{ToolArgsContains: &ContainsCondition{Pattern: `"a":1,"b":2`}},
		Action: ActionDeny,
	}}}
	p := proposal("t", map[string]any{"b": 2, "a": 1.0})
	if _, ok := Match(p, testCtx, spec); !ok {
		t.Error("expected regex search over sorted compact JSON to match")
	}
}

func TestArgsContainsInvalidPatternNeverMatches(t *testing.T) {
	spec := &Spec{Rules: []Rule{{
		RuleID: "bad",
		Match:  MatchCondition{ToolArgsContains: &ContainsCondition{Pattern: `(?!x)`}},
		Action: ActionDeny,
	}}}
	if _, ok := Match(proposal("t", map[string]any{"x": "y"}), testCtx, spec); ok {
		t.Error("uncompilable pattern must fail closed")
	}
}

func fieldSpec(field, cond string, value any) *Spec {
	return &Spec{Rules: []Rule{{
		RuleID: "field",
		Match:  MatchCondition{ToolArgsFieldCheck: &FieldCheck{Field: field, Condition: cond, Value: value}},
		Action: ActionDeny,
	}}}
}

func TestFieldChecks(t *testing.T) {
	args := map[string]any{
		"recipients": []any{"a", "b", "c"},
		"amount":     150.0,
		"count":      3,
		"label":      "Quarterly report",
		"url":        "https://Docs.Example.com/path",
		"bad_url":    "::not a url",
		"flag":       true,
		"nested":     map[string]any{"host": "internal", "ports": []any{80.0, 443.0}},
		"dotted.key": "exact",
	}
	tests := []struct {
		name  string
		field string
		cond  string
		value any
		want  bool
	}{
		{"length_gt true", "recipients", CondLengthGT, 2, true},
		{"length_gt false", "recipients", CondLengthGT, 3, false},
		{"length_lt true", "recipients", CondLengthLT, 5, true},
		{"length on string fails closed", "label", CondLengthGT, 1, false},
		{"eq string", "label", CondEq, "Quarterly report", true},
		{"eq int vs float", "amount", CondEq, 150, true},
		{"eq mismatch", "count", CondEq, "3", false},
		{"gt float", "amount", CondGT, 100, true},
		{"gt int", "count", CondGT, 2.5, true},
		{"lt", "amount", CondLT, 100, false},
		{"gt on string fails closed", "label", CondGT, 1, false},
		{"gt on bool fails closed", "flag", CondGT, 0, false},
		{"contains", "label", CondContains, "report", true},
		{"contains on list fails closed", "recipients", CondContains, "a", false},
		{"matches", "label", CondMatches, `^Quarter`, true},
		{"matches miss", "label", CondMatches, `^Annual`, false},
		{"domain_in case-insensitive", "url", CondDomainIn, []any{"docs.example.com"}, true},
		{"domain_in miss", "url", CondDomainIn, []any{"example.com"}, false},
		{"domain_not_in", "url", CondDomainNotIn, []any{"example.com"}, true},
		{"domain_not_in allowlisted", "url", CondDomainNotIn, []any{"DOCS.example.com"}, false},
		{"domain_not_in unparseable fails closed", "bad_url", CondDomainNotIn, []any{"example.com"}, false},
		{"domain_in unparseable fails closed", "bad_url", CondDomainIn, []any{"example.com"}, false},
		{"missing field", "absent", CondEq, "x", false},
		{"dotted path", "nested.host", CondEq, "internal", true},
		{"dotted list index", "nested.ports.1", CondEq, 443, true},
		{"dotted index out of range", "nested.ports.5", CondEq, 443, false},
		{"exact key wins over path", "dotted.key", CondEq, "exact", true},
		{"unknown condition", "label", "starts_with", "Q", false},
	}
	for _, tt := range tests {
		spec := fieldSpec(tt.field, tt.cond, tt.value)
		_, got := Match(proposal("t", args), testCtx, spec)
		if got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestLookupField(t *testing.T) {
	args := map[string]any{"a": map[string]any{"b": []any{"x", "y"}}}
	if v, ok := LookupField(args, "a.b.1"); !ok || v != "y" {
		t.Errorf("expected y, got %v (ok=%v)", v, ok)
	}
	if _, ok := LookupField(args, "a.c"); ok {
		t.Error("expected missing path")
	}
	if _, ok := LookupField(nil, "a"); ok {
		t.Error("expected missing on nil args")
	}
	if _, ok := LookupField(args, "a.b.x"); ok {
		t.Error("expected non-numeric index to miss")
	}
}

func TestMatchConcurrentReaders(t *testing.T) {
	spec := validDefault(t)
	done := make(chan bool)
	for i := 0; i < 16; i++ {
		go func(i int) {
			for j := 0; j < 200; j++ {
				rule, ok := Match(proposal("bash", map[string]any{"command": fmt.Sprintf("rm -rf /tmp/%d", j)}), testCtx, spec)
				if !ok || rule.RuleID != "deny-rm-rf" {
					t.Errorf("goroutine %d: unexpected result %+v", i, rule)
				}
			}
			done <- true
		}(i)
	}
	for i := 0; i < 16; i++ {
		<-done
	}
}
