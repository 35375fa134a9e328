// Package metrics collects run-level counters and timings on a private
// prometheus registry. Nothing is served over HTTP; the text exposition
// can be written to a file at the end of a run for offline scraping.
// A nil *RunMetrics is safe to use; all methods are no-ops on nil receiver.
package metrics

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// RunMetrics holds the collectors for one sampling run.
type RunMetrics struct {
	registry *prometheus.Registry

	tokensSeen        prometheus.Counter
	tokensKept        prometheus.Counter
	reservoirReplaced prometheus.Counter
	budgetEvictions   prometheus.Counter
	forwardPasses     prometheus.Counter
	reduceSeconds     prometheus.Histogram
}

// New creates a RunMetrics with its own registry.
func New() *RunMetrics {
	reg := prometheus.NewRegistry()
	m := &RunMetrics{
		registry: reg,
		tokensSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "glassbox_tokens_seen_total",
			Help: "Token positions observed at hooked layers.",
		}),
		tokensKept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "glassbox_tokens_kept_total",
			Help: "Token positions retained after the Bernoulli keep decision.",
		}),
		reservoirReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "glassbox_reservoir_replacements_total",
			Help: "Samples replaced by reservoir sampling in full buffers.",
		}),
		budgetEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "glassbox_budget_evictions_total",
			Help: "Samples evicted to hold the global byte budget.",
		}),
		forwardPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "glassbox_forward_passes_total",
			Help: "Forward passes executed, including paired base passes.",
		}),
		reduceSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "glassbox_reduce_duration_seconds",
			Help:    "Wall time of per-layer geometry reduction.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.tokensSeen,
		m.tokensKept,
		m.reservoirReplaced,
		m.budgetEvictions,
		m.forwardPasses,
		m.reduceSeconds,
	)
	return m
}

// AddTokensSeen records n observed token positions.
func (m *RunMetrics) AddTokensSeen(n int) {
	if m == nil {
		return
	}
	m.tokensSeen.Add(float64(n))
}

// AddTokensKept records n retained token positions.
func (m *RunMetrics) AddTokensKept(n int) {
	if m == nil {
		return
	}
	m.tokensKept.Add(float64(n))
}

// IncReservoirReplacement records one reservoir replacement.
func (m *RunMetrics) IncReservoirReplacement() {
	if m == nil {
		return
	}
	m.reservoirReplaced.Inc()
}

// IncBudgetEviction records one byte-budget eviction.
func (m *RunMetrics) IncBudgetEviction() {
	if m == nil {
		return
	}
	m.budgetEvictions.Inc()
}

// IncForwardPass records one forward pass.
func (m *RunMetrics) IncForwardPass() {
	if m == nil {
		return
	}
	m.forwardPasses.Inc()
}

// ObserveReduceSeconds records one reduction duration.
func (m *RunMetrics) ObserveReduceSeconds(s float64) {
	if m == nil {
		return
	}
	m.reduceSeconds.Observe(s)
}

// WriteText writes the text exposition of all collectors to w.
func (m *RunMetrics) WriteText(w io.Writer) error {
	if m == nil {
		return nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encoding metric family %q: %w", mf.GetName(), err)
		}
	}
	return nil
}
