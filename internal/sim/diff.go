package sim

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ppiankov/dataguard/internal/model"
)

// DiffEntry represents one recorded decision that would change.
type DiffEntry struct {
	Timestamp   string `json:"ts"`
	DecisionID  string `json:"decision_id"`
	Tool        string `json:"tool"`
	Args        string `json:"args,omitempty"`
	OldDecision string `json:"old_decision"`
	NewDecision string `json:"new_decision"`
	OldRule     string `json:"old_rule,omitempty"`
	NewRule     string `json:"new_rule,omitempty"`
	OldReason   string `json:"old_reason"`
	NewReason   string `json:"new_reason"`
	OldScore    int    `json:"old_score"`
	NewScore    int    `json:"new_score"`
}

// SimResult holds the complete simulation output.
type SimResult struct {
	PolicyPath     string      `json:"policy_path"`
	TotalActions   int         `json:"total_actions"`
	ChangedActions int         `json:"changed_actions"`
	NewlyBlocked   int         `json:"newly_blocked"`
	NewlyAllowed   int         `json:"newly_allowed"`
	Changes        []DiffEntry `json:"changes"`
}

// isPermissive returns true for verdicts that let the call run.
func isPermissive(decision string) bool {
	switch model.Verdict(decision) {
	case model.Allow, model.Rewrite:
		return true
	default:
		return false
	}
}

// isRestrictive returns true for verdicts that stop the call.
func isRestrictive(decision string) bool {
	switch model.Verdict(decision) {
	case model.Deny, model.RequireApproval:
		return true
	default:
		return false
	}
}

// FormatText renders the simulation result as human-readable text.
func FormatText(r *SimResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Simulating %s against %d recorded decisions...\n", r.PolicyPath, r.TotalActions)

	if len(r.Changes) == 0 {
		b.WriteString("\nNo changes detected.\n")
		return b.String()
	}

	b.WriteString("\n")
	for _, d := range r.Changes {
		ts := d.Timestamp
		if len(ts) >= 19 {
			// HH:MM:SS
			ts = ts[11:19]
		}
		args := d.Args
		if len(args) > 40 {
			args = args[:37] + "..."
		}
		fmt.Fprintf(&b, "  CHANGED  %s  %-14s %-40s %s → %s",
			ts, d.Tool, args, d.OldDecision, d.NewDecision)
		if d.NewRule != "" && d.NewRule != d.OldRule {
			fmt.Fprintf(&b, " (%s)", d.NewRule)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\n%d of %d decisions changed.", r.ChangedActions, r.TotalActions)
	if r.NewlyBlocked > 0 || r.NewlyAllowed > 0 {
		fmt.Fprintf(&b, " %d newly blocked, %d newly allowed.", r.NewlyBlocked, r.NewlyAllowed)
	}
	b.WriteString("\n")

	return b.String()
}

// FormatJSON renders the simulation result as JSON.
func FormatJSON(r *SimResult) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal sim result: %w", err)
	}
	return string(data), nil
}
