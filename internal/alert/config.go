package alert

// AlertConfig defines a webhook alert destination.
type AlertConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"` // ["deny", "require_approval", "approval_expired"]
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// AlertEvent is the payload sent to webhook endpoints.
type AlertEvent struct {
	Timestamp  string `json:"timestamp"`
	DecisionID string `json:"decision_id"`
	ProposalID string `json:"proposal_id,omitempty"`
	TenantID   string `json:"tenant_id,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	Tool       string `json:"tool"`
	Decision   string `json:"decision"`
	RuleID     string `json:"rule_id,omitempty"`
	Reason     string `json:"reason"`
	Score      int    `json:"score"`
	PolicyID   string `json:"policy_id,omitempty"`
	Type       string `json:"type,omitempty"` // "approval_expired" etc.
}
