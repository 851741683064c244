// Package engine is the decision orchestrator: deterministic policy rules
// first, risk scoring and thresholds second, approvals for what needs a human.
package engine

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/dataguard/internal/approval"
	"github.com/ppiankov/dataguard/internal/audit"
	"github.com/ppiankov/dataguard/internal/policy"
	"github.com/ppiankov/dataguard/internal/rewrite"
	"github.com/ppiankov/dataguard/internal/risk"
)

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Registry   *rewrite.Registry
	Scorer     risk.Scorer
	Policy     *policy.Spec
	PolicyHash string
	Approvals  *approval.Table
	Logger     *zap.Logger
	Metrics    Recorder
	Notifier   Notifier
	Sink       audit.Sink
	// IDs mints decision and proposal ids. Defaults to random UUIDs.
	IDs   func() string
	Clock func() time.Time
	// Workers bounds EvaluateBatch parallelism. Defaults to GOMAXPROCS.
	Workers int
}

// Engine evaluates proposals against the active policy. It is safe for
// concurrent use.
type Engine struct {
	registry  *rewrite.Registry
	scorer    risk.Scorer
	approvals *approval.Table
	logger    *zap.Logger
	metrics   Recorder
	notifier  Notifier
	sink      audit.Sink
	newID     func() string
	now       func() time.Time
	workers   int

	active atomic.Pointer[snapshot]
}

// snapshot is an immutable (spec, hash) pair swapped as a whole.
type snapshot struct {
	spec *policy.Spec
	hash string
}

// New builds an engine. The initial policy is validated against the
// registry; an invalid policy yields a *policy.ConfigError.
func New(opts Options) (*Engine, error) {
	e := &Engine{
		registry:  opts.Registry,
		scorer:    opts.Scorer,
		approvals: opts.Approvals,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		notifier:  opts.Notifier,
		sink:      opts.Sink,
		newID:     opts.IDs,
		now:       opts.Clock,
		workers:   opts.Workers,
	}
	if e.registry == nil {
		e.registry = rewrite.NewDefaultRegistry()
	}
	if e.scorer == nil {
		e.scorer = risk.NewHeuristic()
	}
	if e.approvals == nil {
		e.approvals = approval.NewTable()
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.metrics == nil {
		e.metrics = nopRecorder{}
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	if e.sink == nil {
		e.sink = audit.Nop{}
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.workers <= 0 {
		e.workers = runtime.GOMAXPROCS(0)
	}

	spec := opts.Policy
	hash := opts.PolicyHash
	if spec == nil {
		spec = policy.DefaultSpec()
		hash = ""
	}
	if hash == "" {
		var err error
		if hash, err = specHash(spec); err != nil {
			return nil, err
		}
	}
	compiled, err := spec.Compile(e.registry)
	if err != nil {
		return nil, err
	}
	e.active.Store(&snapshot{spec: compiled, hash: hash})
	e.metrics.SetPendingApprovals(e.approvals.PendingCount())
	return e, nil
}

// ActivePolicy returns the policy new evaluations run against.
func (e *Engine) ActivePolicy() *policy.Spec {
	return e.active.Load().spec
}

// ActivePolicyHash returns the hash recorded with the active policy.
func (e *Engine) ActivePolicyHash() string {
	return e.active.Load().hash
}

// ReplaceActivePolicy validates spec and swaps it in atomically.
// Evaluations already running keep the policy they started with.
func (e *Engine) ReplaceActivePolicy(spec *policy.Spec) error {
	hash, err := specHash(spec)
	if err != nil {
		return err
	}
	return e.ReplaceActivePolicyWithHash(spec, hash)
}

// ReplaceActivePolicyWithHash is ReplaceActivePolicy with the hash of the
// file the policy was loaded from.
func (e *Engine) ReplaceActivePolicyWithHash(spec *policy.Spec, hash string) error {
	if spec == nil {
		e.metrics.ObservePolicyReload("invalid")
		return &policy.ConfigError{Err: errors.New("policy is nil")}
	}
	compiled, err := spec.Compile(e.registry)
	if err != nil {
		e.metrics.ObservePolicyReload("invalid")
		e.logger.Error("policy rejected", zap.String("policy_id", spec.PolicyID), zap.Error(err))
		return err
	}
	prev := e.active.Swap(&snapshot{spec: compiled, hash: hash})
	e.metrics.ObservePolicyReload("applied")
	e.logger.Info("policy replaced",
		zap.String("policy_id", spec.PolicyID),
		zap.Int("version", spec.Version),
		zap.String("hash", hash),
		zap.String("previous_hash", prev.hash))
	return nil
}

// RegisterRewrite adds a custom transform. It fails once the registry is frozen.
func (e *Engine) RegisterRewrite(rule rewrite.Rule) error {
	return e.registry.Register(rule)
}

// Freeze makes the rewrite registry read-only.
func (e *Engine) Freeze() {
	e.registry.Freeze()
}

// Registry exposes the rewrite registry for listing.
func (e *Engine) Registry() *rewrite.Registry {
	return e.registry
}

// PendingApprovalCount returns the number of pending approvals.
func (e *Engine) PendingApprovalCount() int {
	return e.approvals.PendingCount()
}

// PendingApprovals returns every pending approval, oldest first.
func (e *Engine) PendingApprovals() []approval.Approval {
	return e.approvals.Pending()
}

func specHash(spec *policy.Spec) (string, error) {
	if spec == nil {
		return "", &policy.ConfigError{Err: errors.New("policy is nil")}
	}
	data, err := policy.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("hash policy: %w", err)
	}
	return policy.Hash(data), nil
}
