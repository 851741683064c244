package dataguard

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/dataguard/internal/model"
)

// ToolFunc is the function signature that Wrap guards.
type ToolFunc func(ctx context.Context, call Call) (any, error)

// Wrap returns a ToolFunc that evaluates policy before calling fn.
// Denied calls return a *BlockedError and calls held for review an
// *ApprovalRequiredError; fn is not called for either. Rewritten calls
// reach fn with the rewritten tool and arguments. After fn returns, the
// outcome is reported.
func (c *Client) Wrap(fn ToolFunc, opts ...WrapOption) ToolFunc {
	wcfg := wrapConfig{sessionID: c.base.SessionID}
	for _, o := range opts {
		o(&wcfg)
	}
	cc := c.base
	cc.SessionID = wcfg.sessionID
	cc.ConversationSummary = wcfg.summary

	return func(ctx context.Context, call Call) (any, error) {
		r, err := c.check(ctx, call, cc)
		if err != nil {
			return nil, err
		}

		switch r.Verdict {
		case Deny:
			return nil, &BlockedError{
				Call:          call,
				DecisionID:    r.DecisionID,
				Reason:        r.Reason,
				MatchedRuleID: r.MatchedRuleID,
			}
		case RequireApproval:
			return nil, &ApprovalRequiredError{
				Call:       call,
				DecisionID: r.DecisionID,
				Reason:     r.Reason,
			}
		}

		start := time.Now()
		out, err := fn(ctx, r.Call)
		c.report(ctx, r, out, err, time.Since(start))
		return out, err
	}
}

// report sends the outcome of an executed call. Failures are logged and
// never change what the tool returned.
func (c *Client) report(ctx context.Context, r Result, out any, callErr error, elapsed time.Duration) {
	o := model.Outcome{
		ProposalID:          r.ProposalID,
		DecisionID:          r.DecisionID,
		ToolName:            r.Call.Tool,
		Success:             callErr == nil,
		ExecutionDurationMS: elapsed.Milliseconds(),
	}
	if callErr != nil {
		o.ErrorMessage = callErr.Error()
	}
	if m, ok := out.(map[string]any); ok {
		o.ResponseData = m
	}
	if err := c.eval.ReportOutcome(ctx, o); err != nil {
		c.logger.Warn("outcome report failed",
			zap.String("decision_id", r.DecisionID),
			zap.String("tool", r.Call.Tool),
			zap.Error(err))
	}
}
