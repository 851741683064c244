package cli

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/dataguard/internal/alert"
	"github.com/ppiankov/dataguard/internal/approval"
	"github.com/ppiankov/dataguard/internal/audit"
	"github.com/ppiankov/dataguard/internal/audit/kafka"
	"github.com/ppiankov/dataguard/internal/audit/sqlstore"
	"github.com/ppiankov/dataguard/internal/config"
	"github.com/ppiankov/dataguard/internal/engine"
	"github.com/ppiankov/dataguard/internal/metrics"
	"github.com/ppiankov/dataguard/internal/policy"
	"github.com/ppiankov/dataguard/internal/risk"
)

// stack is an engine with the sinks and notifier it was built with.
type stack struct {
	engine     *engine.Engine
	dispatcher *alert.Dispatcher
	sinks      audit.Multi
	policyPath string
}

// Close waits for in-flight alerts and closes every sink.
func (s *stack) Close() error {
	if s.dispatcher != nil {
		s.dispatcher.Wait()
	}
	return s.sinks.Close()
}

// buildStack assembles the engine from cfg. rec may be nil.
func buildStack(cfg config.Config, logger *zap.Logger, rec *metrics.Recorder) (*stack, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	st := &stack{policyPath: cfg.PolicyPath}
	if st.policyPath == "" {
		st.policyPath = policy.DefaultPath()
	}

	spec, hash, err := policy.LoadWithHash(cfg.PolicyPath)
	if err != nil {
		return nil, err
	}

	sinks, err := openSinks(cfg.Audit, logger)
	if err != nil {
		return nil, err
	}
	st.sinks = sinks

	approvals := approval.NewTable()
	if cfg.Approvals.Dir != "" {
		if approvals, err = approval.NewStore(cfg.Approvals.Dir); err != nil {
			sinks.Close()
			return nil, fmt.Errorf("open approval store: %w", err)
		}
	}

	opts := engine.Options{
		Policy:     spec,
		PolicyHash: hash,
		Approvals:  approvals,
		Logger:     logger,
		Sink:       sinks,
	}
	if rec != nil {
		opts.Metrics = rec
	}

	if cfg.LLM.Enabled() {
		blend, err := risk.ParseBlend(cfg.LLM.Blend, cfg.LLM.BlendWeight)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		scorer, err := risk.NewLLM(risk.LLMConfig{
			Provider: cfg.LLM.Provider,
			APIKey:   cfg.LLM.APIKey,
			BaseURL:  cfg.LLM.BaseURL,
			Model:    cfg.LLM.Model,
			Timeout:  cfg.LLM.Timeout,
			Blend:    blend,
			Logger:   logger.Named("llm"),
		})
		if err != nil {
			sinks.Close()
			return nil, err
		}
		opts.Scorer = scorer
	}

	st.dispatcher = alert.NewDispatcher(cfg.Alerts,
		alert.WithLogger(logger.Named("alert")),
		alert.WithObserver(rec))
	if st.dispatcher != nil {
		opts.Notifier = st.dispatcher
	}

	eng, err := engine.New(opts)
	if err != nil {
		sinks.Close()
		return nil, fmt.Errorf("policy %s: %w", st.policyPath, err)
	}
	eng.Freeze()
	st.engine = eng
	return st, nil
}

// openSinks opens every configured audit sink. On error the sinks opened
// so far are closed.
func openSinks(cfg config.Audit, logger *zap.Logger) (audit.Multi, error) {
	var sinks audit.Multi
	fail := func(err error) (audit.Multi, error) {
		return nil, errors.Join(err, sinks.Close())
	}

	if cfg.LogPath != "" {
		l, err := audit.Open(cfg.LogPath)
		if err != nil {
			return fail(fmt.Errorf("open audit log: %w", err))
		}
		sinks = append(sinks, l)
	}
	if cfg.SQLitePath != "" {
		s, err := sqlstore.Open(cfg.SQLitePath)
		if err != nil {
			return fail(fmt.Errorf("open audit db: %w", err))
		}
		sinks = append(sinks, s)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		p, err := kafka.Dial(cfg.Kafka, logger.Named("kafka"))
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, p)
	}
	return sinks, nil
}
