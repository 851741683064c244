package engine

import (
	"context"
	"time"

	"github.com/ppiankov/dataguard/internal/model"
)

// Decision paths reported to the Recorder.
const (
	PathRule      = "rule"
	PathThreshold = "threshold"
)

// Recorder receives engine metrics.
type Recorder interface {
	ObserveDecision(verdict model.Verdict, path string, elapsed time.Duration)
	ObserveResolution(status string)
	ObserveFault(kind string)
	SetPendingApprovals(n int)
	ObservePolicyReload(result string)
}

// Notifier is told about decisions worth a human's attention.
// Implementations must not block the caller.
type Notifier interface {
	Notify(ctx context.Context, d model.Decision, p model.Proposal, cc model.CallContext)
}

type nopRecorder struct{}

func (nopRecorder) ObserveDecision(model.Verdict, string, time.Duration) {}
func (nopRecorder) ObserveResolution(string)                             {}
func (nopRecorder) ObserveFault(string)                                  {}
func (nopRecorder) SetPendingApprovals(int)                              {}
func (nopRecorder) ObservePolicyReload(string)                           {}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, model.Decision, model.Proposal, model.CallContext) {}
