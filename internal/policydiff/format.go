package policydiff

import (
	"encoding/json"
	"fmt"
	"strings"
)

const thresholdPrefix = "risk_thresholds."

var ruleMarks = map[string]string{
	"added":   "+",
	"removed": "-",
	"changed": "~",
	"moved":   "↕",
}

// FormatText renders the diff result as human-readable text.
func FormatText(r *DiffResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Policy diff: %s → %s\n", r.OldPath, r.NewPath)
	if !r.HasChanges {
		b.WriteString("\nNo changes detected.\n")
		return b.String()
	}

	var header, thresholds []Change
	for _, c := range r.Changes {
		if strings.HasPrefix(c.Field, thresholdPrefix) {
			thresholds = append(thresholds, c)
		} else {
			header = append(header, c)
		}
	}

	if len(header) > 0 {
		b.WriteString("\n")
		for _, c := range header {
			writeChange(&b, "  ", c.Field, 24, c)
		}
	}
	if len(thresholds) > 0 {
		b.WriteString("\n  Risk Thresholds:\n")
		for _, c := range thresholds {
			writeChange(&b, "    ", strings.TrimPrefix(c.Field, thresholdPrefix), 22, c)
		}
	}
	if len(r.RuleChanges) > 0 {
		b.WriteString("\n  Rules:\n")
		for _, rc := range r.RuleChanges {
			if mark, ok := ruleMarks[rc.Type]; ok {
				fmt.Fprintf(&b, "    %s %s\n", mark, rc.Rule)
			}
		}
	}
	return b.String()
}

func writeChange(b *strings.Builder, indent, name string, width int, c Change) {
	fmt.Fprintf(b, "%s%-*s %s → %s", indent, width, name+":", c.Old, c.New)
	if c.Comment != "" {
		fmt.Fprintf(b, "  (%s)", c.Comment)
	}
	b.WriteString("\n")
}

// FormatJSON renders the diff result as JSON.
func FormatJSON(r *DiffResult) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal diff result: %w", err)
	}
	return string(data), nil
}
