// Package metrics exposes settlement counters. A nil *Recorder is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Recorder struct {
	ticks        *prometheus.CounterVec
	tickDuration *prometheus.HistogramVec
	itemFailures *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	ledgerOps    *prometheus.CounterVec
	commissions  *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_worker_ticks_total",
			Help: "Worker ticks by worker and outcome.",
		}, []string{"worker", "outcome"}),
		tickDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settlement_worker_tick_duration_seconds",
			Help:    "Duration of one worker tick.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 15, 30},
		}, []string{"worker"}),
		itemFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_item_failures_total",
			Help: "Per-item failures isolated inside a tick.",
		}, []string{"worker", "reason"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_transitions_total",
			Help: "Applied transaction state transitions.",
		}, []string{"transition"}),
		ledgerOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_ledger_operations_total",
			Help: "Wallet ledger operations by kind and outcome.",
		}, []string{"op", "outcome"}),
		commissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_commissions_total",
			Help: "Referral commissions by level and outcome.",
		}, []string{"level", "outcome"}),
	}
}

func (r *Recorder) Tick(worker string, started time.Time, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.ticks.WithLabelValues(worker, outcome).Inc()
	r.tickDuration.WithLabelValues(worker).Observe(time.Since(started).Seconds())
}

func (r *Recorder) ItemFailed(worker, reason string) {
	if r == nil {
		return
	}
	r.itemFailures.WithLabelValues(worker, reason).Inc()
}

func (r *Recorder) Transition(name string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(name).Inc()
}

func (r *Recorder) LedgerOp(op, outcome string) {
	if r == nil {
		return
	}
	r.ledgerOps.WithLabelValues(op, outcome).Inc()
}

func (r *Recorder) Commission(level, outcome string) {
	if r == nil {
		return
	}
	r.commissions.WithLabelValues(level, outcome).Inc()
}
