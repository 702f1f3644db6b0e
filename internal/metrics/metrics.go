package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/miradorstack/fraud-monitor/internal/models"
)

const (
	// OutcomeSuccess labels cycles that produced a ready snapshot.
	OutcomeSuccess = "success"
	// OutcomeError labels cycles where the source was unavailable.
	OutcomeError = "error"
	// OutcomeDiscarded labels cycles whose result arrived after stop.
	OutcomeDiscarded = "discarded"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraud_monitor",
			Name:      "cycles_total",
			Help:      "Total number of sampling cycles, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	fetchDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fraud_monitor",
			Name:      "fetch_seconds",
			Help:      "Transaction source fetch latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		},
	)

	flaggedTransactions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fraud_monitor",
			Name:      "flagged_transactions",
			Help:      "Flagged transactions in the current snapshot.",
		},
	)

	batchTransactions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fraud_monitor",
			Name:      "batch_transactions",
			Help:      "Transactions in the current snapshot.",
		},
	)

	splitCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fraud_monitor",
			Name:      "classification_split",
			Help:      "Classification split reported by the source, by class.",
		},
		[]string{"class"},
	)

	matrixCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fraud_monitor",
			Name:      "confusion_matrix",
			Help:      "Confusion matrix counts for the current window, by cell.",
		},
		[]string{"cell"},
	)

	publishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraud_monitor",
			Name:      "publish_total",
			Help:      "Views mirrored to the external cache, partitioned by result.",
		},
		[]string{"result"},
	)

	lastSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fraud_monitor",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last ready snapshot.",
		},
	)
)

// Register attaches fraud-monitor collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		cyclesTotal,
		fetchDurationSeconds,
		flaggedTransactions,
		batchTransactions,
		splitCount,
		matrixCount,
		publishTotal,
		lastSuccess,
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

// ObserveCycle records a cycle outcome and the time spent waiting on the source.
func ObserveCycle(fetch time.Duration, outcome string) {
	switch outcome {
	case OutcomeSuccess, OutcomeError, OutcomeDiscarded:
	default:
		outcome = OutcomeError
	}
	cyclesTotal.WithLabelValues(outcome).Inc()
	if fetch < 0 {
		fetch = 0
	}
	fetchDurationSeconds.Observe(fetch.Seconds())
}

// ObserveView mirrors the published view into gauges. Errored views carry a
// zeroed snapshot, so the gauges drop to zero alongside them.
func ObserveView(view models.View) {
	snap := view.Snapshot
	flaggedTransactions.Set(float64(len(snap.Flagged)))
	batchTransactions.Set(float64(len(snap.Transactions)))
	splitCount.WithLabelValues("fraudulent").Set(float64(snap.Split.FraudulentCount))
	splitCount.WithLabelValues("legitimate").Set(float64(snap.Split.LegitimateCount))
	matrixCount.WithLabelValues("TP").Set(float64(snap.Matrix.TP))
	matrixCount.WithLabelValues("FP").Set(float64(snap.Matrix.FP))
	matrixCount.WithLabelValues("TN").Set(float64(snap.Matrix.TN))
	matrixCount.WithLabelValues("FN").Set(float64(snap.Matrix.FN))
	if view.State == models.StateReady {
		lastSuccess.Set(float64(view.UpdatedAt.Unix()))
	}
}

// ObservePublish counts one attempt to mirror a view into the cache.
func ObservePublish(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	publishTotal.WithLabelValues(result).Inc()
}
