// Package metrics exposes Prometheus metrics for the decision engine and
// its outer surfaces.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ppiankov/dataguard/internal/model"
)

// Recorder implements engine.Recorder on top of a Prometheus registry.
type Recorder struct {
	decisions   *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	resolutions *prometheus.CounterVec
	faults      *prometheus.CounterVec
	pending     prometheus.Gauge
	reloads     *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	alerts      *prometheus.CounterVec
}

// NewRecorder registers metrics with provided registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataguard_decisions_total",
			Help: "Decisions by verdict and path (rule or threshold)",
		}, []string{"verdict", "path"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dataguard_evaluation_duration_seconds",
			Help:    "Time spent evaluating a proposal",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"path"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataguard_approval_resolutions_total",
			Help: "Approval resolutions by resulting state",
		}, []string{"status"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataguard_evaluation_faults_total",
			Help: "Evaluations that produced no decision, by fault kind",
		}, []string{"kind"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dataguard_pending_approvals",
			Help: "Approvals awaiting a human decision",
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataguard_policy_reloads_total",
			Help: "Active policy replacements by result",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataguard_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by method",
		}, []string{"method"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataguard_alerts_total",
			Help: "Webhook alert deliveries by status",
		}, []string{"status"}),
	}
	reg.MustRegister(r.decisions, r.latency, r.resolutions, r.faults, r.pending, r.reloads, r.rateLimited, r.alerts)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ObserveDecision counts a decision and records its latency.
func (r *Recorder) ObserveDecision(verdict model.Verdict, path string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(string(verdict), path).Inc()
	r.latency.WithLabelValues(path).Observe(elapsed.Seconds())
}

func (r *Recorder) ObserveResolution(status string) {
	if r == nil {
		return
	}
	r.resolutions.WithLabelValues(status).Inc()
}

func (r *Recorder) ObserveFault(kind string) {
	if r == nil {
		return
	}
	r.faults.WithLabelValues(kind).Inc()
}

func (r *Recorder) SetPendingApprovals(n int) {
	if r == nil {
		return
	}
	r.pending.Set(float64(n))
}

func (r *Recorder) ObservePolicyReload(result string) {
	if r == nil {
		return
	}
	r.reloads.WithLabelValues(result).Inc()
}

// ObserveRateLimited counts a request rejected by the limiter.
func (r *Recorder) ObserveRateLimited(method string) {
	if r == nil {
		return
	}
	r.rateLimited.WithLabelValues(method).Inc()
}

// ObserveAlert counts a webhook delivery attempt outcome ("sent" or "failed").
func (r *Recorder) ObserveAlert(status string) {
	if r == nil {
		return
	}
	r.alerts.WithLabelValues(status).Inc()
}
