package policydiff

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ppiankov/dataguard/internal/policy"
)

// Change represents a scalar field change.
type Change struct {
	Field   string `json:"field"`
	Old     string `json:"old"`
	New     string `json:"new"`
	Comment string `json:"comment,omitempty"`
}

// RuleChange represents a rule addition, removal, modification or move.
type RuleChange struct {
	Type   string `json:"type"` // "added", "removed", "changed", "moved"
	RuleID string `json:"rule_id"`
	Rule   string `json:"rule"`
}

// DiffResult holds the comparison of two policy specs.
type DiffResult struct {
	OldPath     string       `json:"old_path"`
	NewPath     string       `json:"new_path"`
	Changes     []Change     `json:"changes"`
	RuleChanges []RuleChange `json:"rule_changes"`
	HasChanges  bool         `json:"has_changes"`
}

// Diff compares two policy specs and returns the differences.
// Rules are keyed by rule_id; because the first matching rule wins,
// a rule whose position changes is reported as moved.
func Diff(old, new *policy.Spec) *DiffResult {
	r := &DiffResult{}

	if old.PolicyID != new.PolicyID {
		r.Changes = append(r.Changes, Change{Field: "policy_id", Old: old.PolicyID, New: new.PolicyID})
	}
	if old.Version != new.Version {
		r.Changes = append(r.Changes, Change{
			Field: "version",
			Old:   strconv.Itoa(old.Version),
			New:   strconv.Itoa(new.Version),
		})
	}

	// Lower thresholds send more proposals to rewrite or approval.
	diffInt(r, "risk_thresholds.allow_max",
		old.RiskThresholds.AllowMax, new.RiskThresholds.AllowMax)
	diffInt(r, "risk_thresholds.rewrite_confirm_min",
		old.RiskThresholds.RewriteConfirmMin, new.RiskThresholds.RewriteConfirmMin)
	diffInt(r, "risk_thresholds.rewrite_confirm_max",
		old.RiskThresholds.RewriteConfirmMax, new.RiskThresholds.RewriteConfirmMax)
	diffInt(r, "risk_thresholds.block_approval_min",
		old.RiskThresholds.BlockApprovalMin, new.RiskThresholds.BlockApprovalMin)

	diffRules(r, old.Rules, new.Rules)

	r.HasChanges = len(r.Changes) > 0 || len(r.RuleChanges) > 0
	return r
}

func diffInt(r *DiffResult, field string, old, new int) {
	if old == new {
		return
	}
	comment := "looser"
	if new < old {
		comment = "stricter"
	}
	r.Changes = append(r.Changes, Change{
		Field:   field,
		Old:     strconv.Itoa(old),
		New:     strconv.Itoa(new),
		Comment: comment,
	})
}

func ruleLabel(r policy.Rule) string {
	if r.Action == policy.ActionRewrite {
		return fmt.Sprintf("%s → %s (%s)", r.RuleID, r.Action, r.RewriteRuleID)
	}
	return fmt.Sprintf("%s → %s", r.RuleID, r.Action)
}

func diffRules(r *DiffResult, oldRules, newRules []policy.Rule) {
	oldIdx := make(map[string]int, len(oldRules))
	for i, rule := range oldRules {
		oldIdx[rule.RuleID] = i
	}
	newIdx := make(map[string]int, len(newRules))
	for i, rule := range newRules {
		newIdx[rule.RuleID] = i
	}

	// Relative order among rules present in both specs.
	var oldCommon, newCommon []string
	for _, rule := range oldRules {
		if _, ok := newIdx[rule.RuleID]; ok {
			oldCommon = append(oldCommon, rule.RuleID)
		}
	}
	for _, rule := range newRules {
		if _, ok := oldIdx[rule.RuleID]; ok {
			newCommon = append(newCommon, rule.RuleID)
		}
	}
	oldRank := make(map[string]int, len(oldCommon))
	for i, id := range oldCommon {
		oldRank[id] = i
	}

	for _, rule := range newRules {
		j, exists := oldIdx[rule.RuleID]
		if !exists {
			r.RuleChanges = append(r.RuleChanges, RuleChange{Type: "added", RuleID: rule.RuleID, Rule: ruleLabel(rule)})
			continue
		}
		oldRule := oldRules[j]
		if what := ruleDelta(oldRule, rule); what != "" {
			r.RuleChanges = append(r.RuleChanges, RuleChange{
				Type:   "changed",
				RuleID: rule.RuleID,
				Rule:   fmt.Sprintf("%s (%s)", ruleLabel(rule), what),
			})
		}
	}

	for i, id := range newCommon {
		if oldRank[id] != i {
			r.RuleChanges = append(r.RuleChanges, RuleChange{
				Type:   "moved",
				RuleID: id,
				Rule:   fmt.Sprintf("%s position %d → %d", id, oldIdx[id]+1, newIdx[id]+1),
			})
		}
	}

	for _, rule := range oldRules {
		if _, exists := newIdx[rule.RuleID]; !exists {
			r.RuleChanges = append(r.RuleChanges, RuleChange{Type: "removed", RuleID: rule.RuleID, Rule: ruleLabel(rule)})
		}
	}
}

func ruleDelta(old, new policy.Rule) string {
	switch {
	case old.Action != new.Action:
		return fmt.Sprintf("was: %s", old.Action)
	case old.RewriteRuleID != new.RewriteRuleID:
		return fmt.Sprintf("rewrite was: %s", old.RewriteRuleID)
	case !sameMatch(old.Match, new.Match):
		return "match changed"
	case old.Reason != new.Reason:
		return "reason changed"
	}
	return ""
}

func sameMatch(a, b policy.MatchCondition) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
