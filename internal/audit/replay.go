package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimestampFormat is the layout used in audit entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// ReplayFilter holds filtering criteria for replaying the log. Empty
// fields do not filter.
type ReplayFilter struct {
	DecisionID string
	ProposalID string
	TenantID   string
	AgentID    string
	SessionID  string
	From       time.Time // zero value = no lower bound
	To         time.Time // zero value = no upper bound
}

// Label names the filter for display.
func (f ReplayFilter) Label() string {
	switch {
	case f.DecisionID != "":
		return "decision " + f.DecisionID
	case f.ProposalID != "":
		return "proposal " + f.ProposalID
	case f.SessionID != "":
		return "session " + f.SessionID
	case f.AgentID != "":
		return "agent " + f.AgentID
	case f.TenantID != "":
		return "tenant " + f.TenantID
	default:
		return "all"
	}
}

// ReplaySummary holds decision counts and metadata for a replayed slice of the log.
type ReplaySummary struct {
	Total          int    `json:"total"`
	AllowCount     int    `json:"allow_count"`
	RewriteCount   int    `json:"rewrite_count"`
	ApprovalCount  int    `json:"approval_count"`
	DenyCount      int    `json:"deny_count"`
	ResolvedCount  int    `json:"resolved_count"`
	OutcomeCount   int    `json:"outcome_count"`
	FailureCount   int    `json:"failure_count"`
	MaxScore       int    `json:"max_score"`
	FirstTimestamp string `json:"first_timestamp"`
	LastTimestamp  string `json:"last_timestamp"`
}

// ReplayResult holds filtered entries and summary for a replay.
type ReplayResult struct {
	Filter  string        `json:"filter"`
	Entries []AuditEntry  `json:"entries"`
	Summary ReplaySummary `json:"summary"`
}

// Replay reads the audit log and returns entries matching the filter.
// Malformed lines are skipped.
func Replay(path string, filter ReplayFilter) (*ReplayResult, error) {
	result := &ReplayResult{Filter: filter.Label()}
	err := eachLine(path, func(_ int, line []byte) error {
		var entry AuditEntry
		if json.Unmarshal(line, &entry) != nil || !filter.matches(entry) {
			return nil
		}
		result.Entries = append(result.Entries, entry)
		updateSummary(&result.Summary, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}
	return result, nil
}

func (f ReplayFilter) matches(e AuditEntry) bool {
	check := func(want, got string) bool { return want == "" || want == got }
	if !check(f.DecisionID, e.DecisionID) ||
		!check(f.ProposalID, e.ProposalID) ||
		!check(f.TenantID, e.TenantID) ||
		!check(f.AgentID, e.AgentID) ||
		!check(f.SessionID, e.SessionID) {
		return false
	}
	if f.From.IsZero() && f.To.IsZero() {
		return true
	}
	ts, err := time.Parse(TimestampFormat, e.Timestamp)
	if err != nil {
		return false
	}
	return !ts.Before(f.From) && (f.To.IsZero() || !ts.After(f.To))
}

func updateSummary(s *ReplaySummary, entry AuditEntry) {
	s.Total++

	switch entry.Kind {
	case KindOutcome:
		s.OutcomeCount++
		if entry.Success != nil && !*entry.Success {
			s.FailureCount++
		}
	case KindResolution:
		s.ResolvedCount++
	default:
		switch entry.Decision {
		case "allow":
			s.AllowCount++
		case "rewrite":
			s.RewriteCount++
		case "require_approval":
			s.ApprovalCount++
		case "deny":
			s.DenyCount++
		}
	}

	if entry.Score > s.MaxScore {
		s.MaxScore = entry.Score
	}

	if s.FirstTimestamp == "" {
		s.FirstTimestamp = entry.Timestamp
	}
	s.LastTimestamp = entry.Timestamp
}
