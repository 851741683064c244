package alert

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/dataguard/internal/model"
)

// TypeApprovalExpired marks an alert for an approval that timed out.
const TypeApprovalExpired = "approval_expired"

// Observer counts deliveries. *metrics.Recorder satisfies it.
type Observer interface {
	ObserveAlert(status string)
}

// Dispatcher fans out alert events to matching webhook configurations.
// It implements the engine's Notifier.
type Dispatcher struct {
	configs  []AlertConfig
	client   *http.Client
	logger   *zap.Logger
	observer Observer
	wg       sync.WaitGroup
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithLogger logs failed deliveries.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithObserver counts deliveries.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewDispatcher(configs []AlertConfig, opts ...Option) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	d := &Dispatcher{
		configs: configs,
		client:  httpClient,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends the event to all webhooks whose Events list matches.
// Matching is based on event.Decision or event.Type (for approval_expired).
// Fires goroutines; does not block the caller.
func (d *Dispatcher) Dispatch(event AlertEvent) {
	for _, cfg := range d.configs {
		if !matches(cfg.Events, event) {
			continue
		}
		d.wg.Add(1)
		go func(cfg AlertConfig) {
			defer d.wg.Done()
			err := sendWith(d.client, cfg, event)
			status := "sent"
			if err != nil {
				status = "failed"
				d.logger.Warn("alert delivery failed",
					zap.String("url", cfg.URL),
					zap.String("decision_id", event.DecisionID),
					zap.Error(err))
			}
			if d.observer != nil {
				d.observer.ObserveAlert(status)
			}
		}(cfg)
	}
}

// Notify turns a decision into an alert event and dispatches it.
func (d *Dispatcher) Notify(_ context.Context, dec model.Decision, p model.Proposal, cc model.CallContext) {
	d.Dispatch(EventFromDecision(dec, p, cc))
}

// NotifyExpired dispatches approval_expired alerts for expired approvals.
func (d *Dispatcher) NotifyExpired(decisions []model.Decision) {
	for _, dec := range decisions {
		ev := EventFromDecision(dec, model.Proposal{}, model.CallContext{})
		ev.Type = TypeApprovalExpired
		d.Dispatch(ev)
	}
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// EventFromDecision flattens a decision into an alert payload.
func EventFromDecision(dec model.Decision, p model.Proposal, cc model.CallContext) AlertEvent {
	ts := dec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return AlertEvent{
		Timestamp:  ts.UTC().Format(time.RFC3339),
		DecisionID: dec.DecisionID,
		ProposalID: dec.ProposalID,
		TenantID:   cc.TenantID,
		AgentID:    cc.AgentID,
		Tool:       p.ToolName,
		Decision:   string(dec.Verdict),
		RuleID:     dec.MatchedRuleID,
		Reason:     dec.Reason,
		Score:      dec.Risk.FinalScore,
		PolicyID:   dec.PolicyID,
	}
}

func matches(events []string, event AlertEvent) bool {
	for _, e := range events {
		if event.Type != "" {
			if e == event.Type {
				return true
			}
			continue
		}
		if e == event.Decision {
			return true
		}
	}
	return false
}
