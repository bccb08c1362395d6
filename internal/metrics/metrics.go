package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
	// OutcomeDuplicate labels alerts dropped because their source event was already ingested.
	OutcomeDuplicate = "duplicate"
	// OutcomeSkipped labels scheduler runs skipped because another replica held the lock.
	OutcomeSkipped = "skipped"
)

const namespace = "signalcraft"

var (
	alertsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_ingested_total",
			Help:      "Normalized alerts handled by the ingestion path, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	groupsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incident_groups_created_total",
			Help:      "Incident groups opened by the grouping engine.",
		},
	)

	severityEscalationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "severity_escalations_total",
			Help:      "Groups auto-escalated to HIGH after a velocity spike.",
		},
	)

	anomalyCheckFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomaly_check_failures_total",
			Help:      "Spike checks that failed and were treated as not anomalous.",
		},
	)

	anomaliesDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Anomalies found by the batch scan (recorded=false) and synthetic groups written for them (recorded=true).",
		},
		[]string{"recorded"},
	)

	correlationRulesUpsertedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlation_rules_upserted_total",
			Help:      "Directional correlation rules written by the pair-mining job.",
		},
	)

	correlationScoringSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "correlation_scoring_seconds",
			Help:      "Real-time correlation scoring latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	schedulerJobSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_job_seconds",
			Help:      "Background job duration per workspace run in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"job", "outcome"},
	)
)

// Register attaches correlator collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		alertsIngestedTotal,
		groupsCreatedTotal,
		severityEscalationsTotal,
		anomalyCheckFailuresTotal,
		anomaliesDetectedTotal,
		correlationRulesUpsertedTotal,
		correlationScoringSeconds,
		schedulerJobSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveIngest counts one handled alert.
func ObserveIngest(outcome string) {
	switch outcome {
	case OutcomeSuccess, OutcomeDuplicate:
	default:
		outcome = OutcomeError
	}
	alertsIngestedTotal.WithLabelValues(outcome).Inc()
}

// ObserveGroupCreated counts a newly opened group.
func ObserveGroupCreated() { groupsCreatedTotal.Inc() }

// ObserveEscalation counts an auto-escalation.
func ObserveEscalation() { severityEscalationsTotal.Inc() }

// ObserveAnomalyCheckFailure counts a fail-open spike check.
func ObserveAnomalyCheckFailure() { anomalyCheckFailuresTotal.Inc() }

// ObserveAnomalies counts anomalies from one scan.
func ObserveAnomalies(n int, recorded bool) {
	if n <= 0 {
		return
	}
	label := "false"
	if recorded {
		label = "true"
	}
	anomaliesDetectedTotal.WithLabelValues(label).Add(float64(n))
}

// ObserveRulesUpserted counts rules written by one mining run.
func ObserveRulesUpserted(n int) {
	if n > 0 {
		correlationRulesUpsertedTotal.Add(float64(n))
	}
}

// ObserveScoring records real-time scorer latency.
func ObserveScoring(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	correlationScoringSeconds.Observe(duration.Seconds())
}

// ObserveJob records a scheduler job run.
func ObserveJob(job string, duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeSuccess, OutcomeSkipped:
	default:
		outcome = OutcomeError
	}
	if duration < 0 {
		duration = 0
	}
	schedulerJobSeconds.WithLabelValues(job, outcome).Observe(duration.Seconds())
}
