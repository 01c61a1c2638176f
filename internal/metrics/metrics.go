// Package metrics declares the Prometheus collectors shared by the control
// plane. Collectors register on the default registry at init and are served
// by the admin listener's /metrics handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Update engine
	AdjustmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safety_weight_adjustments_total",
		Help: "Weight adjustment attempts by outcome",
	}, []string{"action"})

	// Learning controller
	LearningRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "safety_learning_rate_effective",
		Help: "Effective learning rate last handed to the update engine",
	})
	HealthScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "safety_learning_health_score",
		Help: "Learning controller health score in [0, 1]",
	})
	MaxDrift = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "safety_weight_max_abs_drift",
		Help: "Largest |current - base| across the ledger at the last drift check",
	})
	FrozenWeights = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "safety_weights_frozen",
		Help: "Frozen weight records at the last drift check",
	})
	LearningStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "safety_learning_status",
		Help: "1 for the learning controller's current status, 0 otherwise",
	}, []string{"status"})
	FreezeEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "safety_learning_freeze_events_total",
		Help: "System-wide learning freezes",
	})
	VersionConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "safety_learning_version_conflicts_total",
		Help: "Optimistic version conflicts on the learning control record",
	})

	// Gate
	GateRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safety_gate_runs_total",
		Help: "Readiness gate runs by horizon and final status",
	}, []string{"horizon", "status"})
	TrainingAllowed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "safety_gate_training_allowed",
		Help: "1 when the latest gate run for the horizon permits production training",
	}, []string{"horizon"})

	// Shadow kill-switch
	ShadowComparisonsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safety_shadow_comparisons_total",
		Help: "Shadow comparisons by window and whether the decision flipped",
	}, []string{"window", "changed"})
	ShadowAgreementRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "safety_shadow_agreement_rate",
		Help: "Agreement rate between reference and current engine over the rolling window",
	}, []string{"window"})
	KillSwitchVerdict = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "safety_kill_switch_verdict",
		Help: "1 for the window's latest kill-switch verdict, 0 otherwise",
	}, []string{"window", "verdict"})

	// Best-effort side effects
	AuditFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "safety_audit_failures_total",
		Help: "Audit log writes that failed and were dropped",
	})
)

// SetOneHot sets label to 1 and every other value in all to 0.
func SetOneHot(vec *prometheus.GaugeVec, all []string, current string, prefix ...string) {
	for _, v := range all {
		labels := append(append([]string{}, prefix...), v)
		val := 0.0
		if v == current {
			val = 1
		}
		vec.WithLabelValues(labels...).Set(val)
	}
}
