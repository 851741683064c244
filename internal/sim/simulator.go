// Package sim replays recorded decisions against a candidate policy to
// preview what a policy change would do.
package sim

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ppiankov/dataguard/internal/audit"
	"github.com/ppiankov/dataguard/internal/engine"
	"github.com/ppiankov/dataguard/internal/model"
	"github.com/ppiankov/dataguard/internal/policy"
)

// Simulate replays every decision entry of an audit log against the policy
// at policyPath and returns the decisions that would change. Resolutions
// and outcomes are skipped. Arguments are replayed as logged, so masked
// secrets are evaluated in masked form. Scoring is heuristic only.
func Simulate(ctx context.Context, logPath, policyPath, agentOverride string) (*SimResult, error) {
	eng, err := candidateEngine(policyPath)
	if err != nil {
		return nil, err
	}

	entries, err := readDecisions(logPath)
	if err != nil {
		return nil, err
	}

	result := &SimResult{
		PolicyPath: policyPath,
	}

	for _, entry := range entries {
		result.TotalActions++

		p, cc := replayInput(entry)
		if agentOverride != "" {
			cc.AgentID = agentOverride
		}

		oldDecision := entry.Decision
		newDecision, newReason, newRule, newScore := "error", "", "", 0
		d, err := eng.EvaluateActive(ctx, p, cc)
		if err != nil {
			newReason = err.Error()
		} else {
			newDecision = string(d.Verdict)
			newReason = d.Reason
			newRule = d.MatchedRuleID
			newScore = d.Risk.FinalScore
		}

		if newDecision == oldDecision && newRule == entry.RuleID {
			continue
		}
		result.Changes = append(result.Changes, DiffEntry{
			Timestamp:   entry.Timestamp,
			DecisionID:  entry.DecisionID,
			Tool:        entry.Action.Tool,
			Args:        entry.Action.Args,
			OldDecision: oldDecision,
			NewDecision: newDecision,
			OldRule:     entry.RuleID,
			NewRule:     newRule,
			OldReason:   entry.Reason,
			NewReason:   newReason,
			OldScore:    entry.Score,
			NewScore:    newScore,
		})
		result.ChangedActions++

		if isPermissive(oldDecision) && isRestrictive(newDecision) {
			result.NewlyBlocked++
		}
		if isRestrictive(oldDecision) && isPermissive(newDecision) {
			result.NewlyAllowed++
		}
	}

	return result, nil
}

// candidateEngine builds a side-effect free engine around the policy file.
func candidateEngine(policyPath string) (*engine.Engine, error) {
	data, err := os.ReadFile(policyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	spec, err := policy.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	eng, err := engine.New(engine.Options{Policy: spec, PolicyHash: policy.Hash(data)})
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	return eng, nil
}

func replayInput(e audit.AuditEntry) (model.Proposal, model.CallContext) {
	var args map[string]any
	if e.Action.Args != "" {
		// Args that fail to decode replay as empty.
		_ = json.Unmarshal([]byte(e.Action.Args), &args)
	}
	p := model.Proposal{
		ProposalID:   e.ProposalID,
		ToolName:     e.Action.Tool,
		ToolArgs:     args,
		ToolCategory: model.Category(e.Action.Category),
	}
	cc := model.CallContext{
		AgentID:   e.AgentID,
		TenantID:  e.TenantID,
		SessionID: e.SessionID,
	}
	if cc.AgentID == "" {
		cc.AgentID = "replay"
	}
	return p, cc
}

// readDecisions returns the decision entries of the audit log in order.
// Lines that do not decode are skipped.
func readDecisions(logPath string) ([]audit.AuditEntry, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var entries []audit.AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry audit.AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry.Kind != audit.KindDecision {
			continue
		}
		entries = append(entries, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return entries, nil
}
