// Package scenario runs policy regression cases: proposed calls paired with
// the verdict the active policy must produce.
package scenario

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/dataguard/internal/engine"
	"github.com/ppiankov/dataguard/internal/model"
)

// DefaultAgent is used for cases that name no agent.
const DefaultAgent = "scenario"

// Run evaluates all cases in a scenario against the engine's active policy.
// Cases are independent; an evaluation error fails the case with actual "error".
func Run(ctx context.Context, s *Scenario, eng *engine.Engine) *RunResult {
	result := &RunResult{
		Name:  s.Name,
		Total: len(s.Cases),
	}

	for i, c := range s.Cases {
		expected := strings.ToLower(strings.TrimSpace(c.Expect))
		cr := CaseResult{
			Index:        i + 1,
			Tool:         c.Call.Tool,
			Expected:     expected,
			ExpectedRule: c.Rule,
		}

		d, err := evaluate(ctx, eng, s, c, i)
		if err != nil {
			cr.Actual = "error"
			cr.Reason = err.Error()
		} else {
			cr.Actual = string(d.Verdict)
			cr.MatchedRule = d.MatchedRuleID
			cr.Reason = d.Reason
			cr.Passed = cr.Actual == expected && (c.Rule == "" || c.Rule == d.MatchedRuleID)
		}

		if cr.Passed {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Cases = append(result.Cases, cr)
	}

	return result
}

func evaluate(ctx context.Context, eng *engine.Engine, s *Scenario, c Case, i int) (model.Decision, error) {
	category, err := model.ParseCategory(c.Call.Category)
	if err != nil {
		return model.Decision{}, err
	}
	agent := c.Agent
	if agent == "" {
		agent = s.Agent
	}
	if agent == "" {
		agent = DefaultAgent
	}
	p := model.Proposal{
		ProposalID:      fmt.Sprintf("scenario-%d", i+1),
		ToolName:        c.Call.Tool,
		ToolArgs:        c.Call.Args,
		ToolCategory:    category,
		IntendedOutcome: c.Call.IntendedOutcome,
	}
	cc := model.CallContext{AgentID: agent, TenantID: c.Tenant}
	return eng.EvaluateActive(ctx, p, cc)
}

// Load reads a scenario YAML file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}

	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	return &s, nil
}

// LoadAndRun loads a scenario YAML file and runs it against eng.
func LoadAndRun(ctx context.Context, path string, eng *engine.Engine) (*RunResult, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}

	result := Run(ctx, s, eng)
	result.File = path

	return result, nil
}
