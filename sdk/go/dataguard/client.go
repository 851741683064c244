package dataguard

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/dataguard/internal/client"
	"github.com/ppiankov/dataguard/internal/engine"
	"github.com/ppiankov/dataguard/internal/model"
	"github.com/ppiankov/dataguard/internal/policy"
)

// DefaultAgentID identifies SDK callers that set no agent.
const DefaultAgentID = "dataguard-go"

// Evaluator is the decision backend of a Client.
type Evaluator interface {
	Evaluate(ctx context.Context, p model.Proposal, cc model.CallContext) (model.Decision, error)
	ReportOutcome(ctx context.Context, o model.Outcome) error
}

// Client evaluates tool calls before they run. Safe for concurrent use.
type Client struct {
	eval   Evaluator
	closer func() error
	base   model.CallContext
	logger *zap.Logger
}

// New creates a Client with the given options.
func New(opts ...Option) (*Client, error) {
	cfg := clientConfig{agentID: DefaultAgentID}
	for _, o := range opts {
		o(&cfg)
	}

	c := &Client{
		closer: func() error { return nil },
		base: model.CallContext{
			AgentID:   cfg.agentID,
			TenantID:  cfg.tenantID,
			SessionID: cfg.sessionID,
		},
		logger: cfg.logger,
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	switch {
	case cfg.evaluator != nil:
		c.eval = cfg.evaluator
	case cfg.serverAddr != "":
		remote, err := client.New(cfg.serverAddr, client.WithAPIKey(cfg.apiKey), client.WithTimeout(cfg.timeout))
		if err != nil {
			return nil, fmt.Errorf("dataguard: %w", err)
		}
		c.eval = remote
		c.closer = remote.Close
	default:
		spec, hash, err := policy.LoadWithHash(cfg.policyPath)
		if err != nil {
			return nil, fmt.Errorf("dataguard: failed to load policy: %w", err)
		}
		eng, err := engine.New(engine.Options{Policy: spec, PolicyHash: hash, Logger: c.logger})
		if err != nil {
			return nil, fmt.Errorf("dataguard: %w", err)
		}
		c.eval = localEvaluator{eng}
	}
	return c, nil
}

// Check evaluates a call without executing anything.
func (c *Client) Check(ctx context.Context, call Call) (Result, error) {
	return c.check(ctx, call, c.base)
}

func (c *Client) check(ctx context.Context, call Call, cc model.CallContext) (Result, error) {
	p, err := toProposal(call)
	if err != nil {
		return Result{}, fmt.Errorf("dataguard: %w", err)
	}
	d, err := c.eval.Evaluate(ctx, p, cc)
	if err != nil {
		return Result{}, fmt.Errorf("dataguard: %w", err)
	}
	return toResult(call, d), nil
}

// Close releases the connection to a policy server, if any.
func (c *Client) Close() error {
	return c.closer()
}

// localEvaluator adapts an in-process engine.
type localEvaluator struct {
	eng *engine.Engine
}

func (l localEvaluator) Evaluate(ctx context.Context, p model.Proposal, cc model.CallContext) (model.Decision, error) {
	return l.eng.EvaluateActive(ctx, p, cc)
}

func (l localEvaluator) ReportOutcome(ctx context.Context, o model.Outcome) error {
	return l.eng.ReportOutcome(ctx, o)
}
