package dataguard

import (
	"time"

	"go.uber.org/zap"
)

// Option configures a Client at creation time.
type Option func(*clientConfig)

type clientConfig struct {
	serverAddr string
	apiKey     string
	timeout    time.Duration
	policyPath string
	evaluator  Evaluator
	agentID    string
	tenantID   string
	sessionID  string
	logger     *zap.Logger
}

// WithServer evaluates through a remote policy server. An unreachable
// server denies every call.
func WithServer(addr, apiKey string) Option {
	return func(c *clientConfig) {
		c.serverAddr = addr
		c.apiKey = apiKey
	}
}

// WithTimeout bounds each remote evaluation.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.timeout = d }
}

// WithPolicy sets the policy file for in-process evaluation.
func WithPolicy(path string) Option {
	return func(c *clientConfig) { c.policyPath = path }
}

// WithEvaluator uses e instead of a server or local engine.
func WithEvaluator(e Evaluator) Option {
	return func(c *clientConfig) { c.evaluator = e }
}

// WithAgent sets the agent id sent with every call.
func WithAgent(id string) Option {
	return func(c *clientConfig) { c.agentID = id }
}

// WithTenant sets the tenant id sent with every call.
func WithTenant(id string) Option {
	return func(c *clientConfig) { c.tenantID = id }
}

// WithSession sets the session id sent with every call.
func WithSession(id string) Option {
	return func(c *clientConfig) { c.sessionID = id }
}

// WithLogger receives outcome reporting failures.
func WithLogger(l *zap.Logger) Option {
	return func(c *clientConfig) { c.logger = l }
}

// WrapOption configures a single Wrap call.
type WrapOption func(*wrapConfig)

type wrapConfig struct {
	sessionID string
	summary   string
}

// WrapWithSession overrides the client-level session for this wrap.
func WrapWithSession(id string) WrapOption {
	return func(w *wrapConfig) { w.sessionID = id }
}

// WrapWithSummary attaches a conversation summary to every evaluation.
func WrapWithSummary(summary string) WrapOption {
	return func(w *wrapConfig) { w.summary = summary }
}
