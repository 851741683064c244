package audit

// Entry kinds.
const (
	KindDecision   = "decision"
	KindResolution = "resolution"
	KindOutcome    = "outcome"
)

// AuditAction is the flattened tool call recorded in each audit entry.
// Args holds the canonical JSON of the arguments with secrets masked.
type AuditAction struct {
	Tool     string `json:"tool"`
	Category string `json:"category,omitempty"`
	Args     string `json:"args,omitempty"`
}

// AuditEntry is one line in the hash-chained JSONL audit log.
// All fields are structs (no map[string]any) to guarantee deterministic
// json.Marshal field order for reproducible hashing.
type AuditEntry struct {
	Timestamp  string      `json:"ts"`
	Kind       string      `json:"kind"`
	DecisionID string      `json:"decision_id,omitempty"`
	ProposalID string      `json:"proposal_id,omitempty"`
	TenantID   string      `json:"tenant_id,omitempty"`
	AgentID    string      `json:"agent_id,omitempty"`
	SessionID  string      `json:"session_id,omitempty"`
	Action     AuditAction `json:"action"`
	Decision   string      `json:"decision,omitempty"`
	RuleID     string      `json:"rule_id,omitempty"`
	Rewrite    string      `json:"rewrite,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Score      int         `json:"score"`
	Flags      []string    `json:"flags,omitempty"`
	Reviewer   string      `json:"reviewer,omitempty"`
	Success    *bool       `json:"success,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMS int64       `json:"duration_ms,omitempty"`
	PolicyID   string      `json:"policy_id,omitempty"`
	PolicyHash string      `json:"policy_hash,omitempty"`
	PrevHash   string      `json:"prev_hash"`
}
