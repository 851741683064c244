package alert

import (
	"encoding/json"
	"fmt"
)

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type pagerDutyEvent struct {
	EventAction string           `json:"event_action"`
	DedupKey    string           `json:"dedup_key"`
	Payload     pagerDutyPayload `json:"payload"`
}

type pagerDutyPayload struct {
	Summary       string     `json:"summary"`
	Severity      string     `json:"severity"`
	Source        string     `json:"source"`
	CustomDetails AlertEvent `json:"custom_details"`
}

// FormatPayload builds the webhook body for the given format.
// Unknown formats fall back to the generic event JSON.
func FormatPayload(format string, event AlertEvent) ([]byte, error) {
	var v any = event
	switch format {
	case "slack":
		v = slackMessage(event)
	case "pagerduty":
		v = pagerDutyEvent{
			EventAction: "trigger",
			DedupKey:    event.DecisionID,
			Payload: pagerDutyPayload{
				Summary:       fmt.Sprintf("dataguard %s: %s", event.Decision, event.Tool),
				Severity:      severityFor(event.Score),
				Source:        "dataguard",
				CustomDetails: event,
			},
		}
	}
	return json.Marshal(v)
}

func slackMessage(event AlertEvent) map[string][]slackBlock {
	title := event.Decision
	if event.Type != "" {
		title = event.Type
	}
	rule := event.RuleID
	if rule == "" {
		rule = "none (risk threshold)"
	}
	field := func(format string, args ...any) slackText {
		return slackText{Type: "mrkdwn", Text: fmt.Sprintf(format, args...)}
	}
	return map[string][]slackBlock{"blocks": {
		{Type: "header", Text: &slackText{Type: "plain_text", Text: "dataguard: " + title}},
		{Type: "section", Fields: []slackText{
			field("*Tool:* %s", event.Tool),
			field("*Rule:* %s", rule),
			field("*Score:* %d (%s)", event.Score, severityFor(event.Score)),
			field("*Reason:* %s", event.Reason),
			field("*Decision:* `%s`", event.DecisionID),
		}},
	}}
}

// severityFor maps a final risk score onto PagerDuty severities.
func severityFor(score int) string {
	switch {
	case score >= 90:
		return "critical"
	case score >= 61:
		return "error"
	case score >= 31:
		return "warning"
	default:
		return "info"
	}
}
