// Package risk scores tool calls that no policy rule matched.
package risk

import (
	"context"
	"strings"

	"github.com/ppiankov/dataguard/internal/canon"
	"github.com/ppiankov/dataguard/internal/model"
	"github.com/ppiankov/dataguard/internal/redact"
)

// Flags emitted by the heuristic scorer.
const (
	FlagPII            = "pii_detected"
	FlagInjection      = "prompt_injection"
	FlagCategory       = "category_risk"
	FlagLLMUnavailable = "llm_unavailable"
)

// Score contributions of each heuristic signal.
const (
	PIIWeight       = 20
	InjectionWeight = 40
	CategoryWeight  = 15
)

// Scorer assigns a risk assessment to a proposal.
// Implementations must not fail on malformed arguments.
type Scorer interface {
	Score(ctx context.Context, p model.Proposal, cc model.CallContext) (model.RiskAssessment, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, p model.Proposal, cc model.CallContext) (model.RiskAssessment, error)

func (f ScorerFunc) Score(ctx context.Context, p model.Proposal, cc model.CallContext) (model.RiskAssessment, error) {
	return f(ctx, p, cc)
}

// Heuristic is the deterministic, regex-based scorer. It never returns an error.
type Heuristic struct{}

// NewHeuristic returns the heuristic scorer.
func NewHeuristic() *Heuristic { return &Heuristic{} }

// Score sums the contributions of every signal found in the proposal's
// arguments, intended outcome and the conversation summary.
func (h *Heuristic) Score(_ context.Context, p model.Proposal, cc model.CallContext) (model.RiskAssessment, error) {
	return Assess(p, cc), nil
}

// Assess is the heuristic scoring function. The PII signal uses the
// extended pattern set (redact.ScanAllPII), so phone numbers, IPv4
// addresses, JWTs and AWS keys add PIIWeight as well as SSNs, emails,
// card numbers and passwords.
func Assess(p model.Proposal, cc model.CallContext) model.RiskAssessment {
	text := scanText(p, cc)

	score := 0
	var flags []string
	var notes []string

	if pii := redact.ScanAllPII(text); len(pii) > 0 {
		score += PIIWeight
		flags = append(flags, FlagPII)
		types := redact.Types(pii)
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		notes = append(notes, "possible PII in arguments ("+strings.Join(names, ", ")+")")
	}
	if len(redact.ScanInjection(text)) > 0 {
		score += InjectionWeight
		flags = append(flags, FlagInjection)
		notes = append(notes, "prompt injection pattern detected")
	}
	switch p.ToolCategory {
	case model.CategoryPayment, model.CategoryAuth:
		score += CategoryWeight
		flags = append(flags, FlagCategory)
		notes = append(notes, "high-impact category "+string(p.ToolCategory))
	}

	explanation := "no risk indicators"
	if len(notes) > 0 {
		explanation = strings.Join(notes, "; ")
	}
	return model.RiskAssessment{
		FinalScore:  model.ClampScore(score),
		Explanation: explanation,
		Flags:       flags,
	}
}

func scanText(p model.Proposal, cc model.CallContext) string {
	parts := []string{canon.String(p.ToolArgs)}
	parts = append(parts, redact.CollectText(p.ToolArgs)...)
	if p.IntendedOutcome != "" {
		parts = append(parts, p.IntendedOutcome)
	}
	if cc.ConversationSummary != "" {
		parts = append(parts, cc.ConversationSummary)
	}
	return strings.Join(parts, "\n")
}
