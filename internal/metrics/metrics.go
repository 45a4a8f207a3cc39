package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations (backend or delivery issues).
	OutcomeError = "error"
)

var (
	snapshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "topdeck",
			Name:      "diagnostics_snapshots_total",
			Help:      "Live diagnostics snapshots produced, partitioned by overall health.",
		},
		[]string{"overall_health"},
	)

	snapshotDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "topdeck",
			Name:      "diagnostics_snapshot_seconds",
			Help:      "Live diagnostics snapshot latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "topdeck",
			Name:      "anomalies_detected_total",
			Help:      "Anomalies detected, partitioned by severity.",
		},
		[]string{"severity"},
	)

	analysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "topdeck",
			Name:      "rootcause_analyses_total",
			Help:      "Root cause analyses, partitioned by root cause type.",
		},
		[]string{"root_cause_type"},
	)

	analysisDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "topdeck",
			Name:      "rootcause_analysis_seconds",
			Help:      "Root cause analysis latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 10},
		},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "topdeck",
			Name:      "alerts_triggered_total",
			Help:      "Alerts created by rule evaluation, partitioned by trigger type.",
		},
		[]string{"trigger_type"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "topdeck",
			Name:      "notifications_total",
			Help:      "Notification deliveries, partitioned by destination type and outcome.",
		},
		[]string{"destination_type", "outcome"},
	)

	errorsCapturedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "topdeck",
			Name:      "errors_captured_total",
			Help:      "Error snapshots captured, partitioned by severity.",
		},
		[]string{"severity"},
	)
)

// Register attaches topdeck collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		snapshotsTotal,
		snapshotDurationSeconds,
		anomaliesTotal,
		analysesTotal,
		analysisDurationSeconds,
		alertsTotal,
		notificationsTotal,
		errorsCapturedTotal,
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

// ObserveSnapshot records a snapshot duration and its overall health label.
func ObserveSnapshot(duration time.Duration, overallHealth string) {
	snapshotsTotal.WithLabelValues(overallHealth).Inc()
	snapshotDurationSeconds.Observe(clamp(duration).Seconds())
}

// ObserveAnomaly counts one detected anomaly.
func ObserveAnomaly(severity string) {
	anomaliesTotal.WithLabelValues(severity).Inc()
}

// ObserveAnalysis records a root cause analysis.
func ObserveAnalysis(duration time.Duration, rootCauseType string) {
	analysesTotal.WithLabelValues(rootCauseType).Inc()
	analysisDurationSeconds.Observe(clamp(duration).Seconds())
}

// ObserveAlert counts an alert created for the trigger type.
func ObserveAlert(triggerType string) {
	alertsTotal.WithLabelValues(triggerType).Inc()
}

// ObserveNotification counts a delivery attempt.
func ObserveNotification(destinationType string, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	notificationsTotal.WithLabelValues(destinationType, outcome).Inc()
}

// ObserveErrorCaptured counts a captured error snapshot.
func ObserveErrorCaptured(severity string) {
	errorsCapturedTotal.WithLabelValues(severity).Inc()
}

func clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
