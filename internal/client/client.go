// Package client talks to a dataguard policy server over gRPC.
package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	guardianv1 "github.com/ppiankov/dataguard/api/guardian/v1"
	"github.com/ppiankov/dataguard/internal/approval"
	"github.com/ppiankov/dataguard/internal/model"
	"github.com/ppiankov/dataguard/internal/policy"
)

// DefaultTimeout bounds each RPC.
const DefaultTimeout = 5 * time.Second

// FailClosedRuleID marks decisions synthesized because the server could
// not be reached.
const FailClosedRuleID = "failclosed.unreachable"

// Client connects to a dataguard gRPC policy server.
type Client struct {
	conn    *grpc.ClientConn
	client  *guardianv1.GuardianClient
	apiKey  string
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key in the x-api-key metadata of every call.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New creates a gRPC client connected to the given address.
// Fail-closed: if the server cannot be reached, Evaluate returns Deny.
func New(addr string, opts ...Option) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to policy server: %w", err)
	}
	c := &Client{
		conn:    conn,
		client:  guardianv1.NewGuardianClient(conn),
		timeout: DefaultTimeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.apiKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, guardianv1.APIKeyHeader, c.apiKey)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Evaluate sends a proposal to the remote policy server.
// Fail-closed: an unreachable or failing server yields a deny decision and
// no error. Rejections of the request itself (invalid input, auth, rate
// limit) are returned as errors.
func (c *Client) Evaluate(ctx context.Context, p model.Proposal, cc model.CallContext) (model.Decision, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	resp, err := c.client.Evaluate(ctx, &guardianv1.EvaluateRequest{Proposal: p, Context: cc})
	if err != nil {
		if Unreachable(err) {
			return c.failClosed(p, err), nil
		}
		return model.Decision{}, err
	}
	return resp.Decision, nil
}

// EvaluateBatch evaluates several proposals in one call. Every item of an
// unreachable server's batch is a fail-closed deny.
func (c *Client) EvaluateBatch(ctx context.Context, items []guardianv1.EvaluateRequest) ([]guardianv1.BatchResult, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	resp, err := c.client.EvaluateBatch(ctx, &guardianv1.EvaluateBatchRequest{Items: items})
	if err != nil {
		if !Unreachable(err) {
			return nil, err
		}
		out := make([]guardianv1.BatchResult, len(items))
		for i, it := range items {
			d := c.failClosed(it.Proposal, err)
			out[i] = guardianv1.BatchResult{Decision: &d}
		}
		return out, nil
	}
	return resp.Results, nil
}

// Resolve approves or rejects a pending decision.
func (c *Client) Resolve(ctx context.Context, decisionID string, approved bool, reviewer string) (model.Decision, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	resp, err := c.client.ResolveApproval(ctx, &guardianv1.ResolveApprovalRequest{
		DecisionID: decisionID,
		Approved:   approved,
		Reviewer:   reviewer,
	})
	if err != nil {
		return model.Decision{}, err
	}
	return resp.Decision, nil
}

// ListPending returns pending approvals, optionally for one tenant.
func (c *Client) ListPending(ctx context.Context, tenantID string) ([]approval.Approval, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	resp, err := c.client.ListPending(ctx, &guardianv1.ListPendingRequest{TenantID: tenantID})
	if err != nil {
		return nil, err
	}
	return resp.Approvals, nil
}

// Policy returns the server's active policy and its hash.
func (c *Client) Policy(ctx context.Context) (*policy.Spec, string, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	resp, err := c.client.GetActivePolicy(ctx, &guardianv1.GetActivePolicyRequest{})
	if err != nil {
		return nil, "", err
	}
	return resp.Policy, resp.Hash, nil
}

// ReplacePolicy uploads a YAML or JSON policy document.
func (c *Client) ReplacePolicy(ctx context.Context, document []byte) (*policy.Spec, string, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	resp, err := c.client.ReplaceActivePolicy(ctx, &guardianv1.ReplaceActivePolicyRequest{Document: string(document)})
	if err != nil {
		return nil, "", err
	}
	return resp.Policy, resp.Hash, nil
}

// ReportOutcome reports the result of an executed tool call.
func (c *Client) ReportOutcome(ctx context.Context, o model.Outcome) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	_, err := c.client.ReportOutcome(ctx, &guardianv1.ReportOutcomeRequest{Outcome: o})
	return err
}

// Health returns the server's health summary.
func (c *Client) Health(ctx context.Context) (*guardianv1.HealthResponse, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	return c.client.Health(ctx, &guardianv1.HealthRequest{})
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Unreachable reports whether err means no decision could be obtained from
// the server, as opposed to the server rejecting the request.
func Unreachable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Internal, codes.Unknown:
		return true
	default:
		return false
	}
}

func (c *Client) failClosed(p model.Proposal, err error) model.Decision {
	return model.Decision{
		ProposalID:    p.ProposalID,
		Verdict:       model.Deny,
		MatchedRuleID: FailClosedRuleID,
		Reason:        fmt.Sprintf("policy server unreachable: %v", status.Convert(err).Message()),
		Risk: model.RiskAssessment{
			DeterministicScore: model.IntPtr(100),
			FinalScore:         100,
			Explanation:        "no decision available from policy server",
		},
		Timestamp: c.now(),
	}
}
