package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a ReplayResult as a human-readable text timeline.
func FormatTimeline(result *ReplayResult) string {
	if len(result.Entries) == 0 {
		return fmt.Sprintf("Filter: %s | No entries found.\n", result.Filter)
	}

	var b strings.Builder

	// Header
	firstTime := formatDateRange(result.Summary.FirstTimestamp)
	lastTime := formatTimeOnly(result.Summary.LastTimestamp)
	b.WriteString(fmt.Sprintf("Filter: %s | %s–%s UTC\n", result.Filter, firstTime, lastTime))
	b.WriteString(separator + "\n")

	// Entries
	for _, e := range result.Entries {
		ts := formatTimeOnly(e.Timestamp)
		score := fmt.Sprintf("%3d", e.Score)
		label := strings.ToUpper(e.Decision)
		if e.Kind == KindOutcome {
			label = "OUTCOME:OK"
			if e.Success != nil && !*e.Success {
				label = "OUTCOME:FAIL"
			}
		}
		tool := truncate(e.Action.Tool, 14)
		detail := truncate(e.Reason, 40)
		if e.Kind == KindOutcome && e.Error != "" {
			detail = truncate(e.Error, 40)
		}

		tag := ""
		switch {
		case e.Kind == KindResolution:
			tag = "  [reviewed by " + e.Reviewer + "]"
		case e.RuleID != "":
			tag = "  [" + e.RuleID + "]"
		case e.Rewrite != "":
			tag = "  [" + e.Rewrite + "]"
		}

		b.WriteString(fmt.Sprintf("%-10s %s %-18s %-15s %-40s%s\n",
			ts, score, label, tool, detail, tag))
	}

	// Footer
	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))

	return b.String()
}

// FormatJSON renders a ReplayResult as indented JSON.
func FormatJSON(result *ReplayResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay result: %w", err)
	}
	return string(data), nil
}

func formatDateRange(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func formatSummary(s ReplaySummary) string {
	parts := []string{}
	add := func(n int, label string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, label))
		}
	}
	add(s.AllowCount, "allow")
	add(s.RewriteCount, "rewrite")
	add(s.ApprovalCount, "approval")
	add(s.DenyCount, "deny")
	add(s.ResolvedCount, "resolved")
	add(s.OutcomeCount, "outcome")
	add(s.FailureCount, "failed")

	return fmt.Sprintf("Summary: %s | Max score: %d (%s)\n",
		strings.Join(parts, ", "), s.MaxScore, scoreBand(s.MaxScore))
}

func scoreBand(score int) string {
	switch {
	case score <= 30:
		return "low"
	case score <= 60:
		return "elevated"
	case score < 100:
		return "high"
	default:
		return "rule"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
