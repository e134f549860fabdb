package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type MetricsGenerator interface {
	IncOpReceived()
	IncOpAdmitted()
	IncOpReplaced()
	IncOpRejected(reason string)
	SetPoolSize(float64)

	IncSimulation(outcome string)

	IncBundleSubmitted(opCount int)
	IncBundleOutcome(outcome string)
	IncEscalation()
}

const apNamespace = "ap"

// BundlerMetrics contains instrumented metrics incremented across the
// admission, bundling and submission pipeline.
type BundlerMetrics struct {
	numOpsReceived prometheus.Counter
	numOpsAdmitted prometheus.Counter
	numOpsReplaced prometheus.Counter
	numOpsRejected *prometheus.CounterVec
	poolSize       prometheus.Gauge

	numSimulations *prometheus.CounterVec

	numBundlesSubmitted prometheus.Counter
	numOpsBundled       prometheus.Counter
	// if confirmed + failed + dropped doesn't catch up with submitted, the
	// submitter is leaking in-flight transactions
	numBundleOutcomes *prometheus.CounterVec
	numEscalations    prometheus.Counter
}

func NewBundlerMetrics(reg prometheus.Registerer) *BundlerMetrics {
	return &BundlerMetrics{
		numOpsReceived: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "num_userops_received_total",
				Help:      "The number of user operations submitted to this bundler",
			}),

		numOpsAdmitted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "num_userops_admitted_total",
				Help:      "The number of user operations accepted into the pool",
			}),

		numOpsReplaced: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "num_userops_replaced_total",
				Help:      "The number of pooled operations superseded by a higher fee replacement",
			}),

		numOpsRejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "num_userops_rejected_total",
				Help:      "The number of rejected user operations, labelled by rejection reason",
			}, []string{"reason"}),

		poolSize: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: apNamespace,
				Name:      "mempool_size",
				Help:      "The number of operations currently pooled",
			}),

		numSimulations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "num_simulations_total",
				Help:      "The number of validation simulations, labelled by outcome",
			}, []string{"outcome"}),

		numBundlesSubmitted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "num_bundles_submitted_total",
				Help:      "The number of bundle transactions sent to the entrypoint",
			}),

		numOpsBundled: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "num_userops_bundled_total",
				Help:      "The number of user operations included in submitted bundles",
			}),

		numBundleOutcomes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "num_bundle_outcomes_total",
				Help:      "Terminal states of submitted bundles (confirmed, failed, dropped)",
			}, []string{"outcome"}),

		numEscalations: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "num_fee_escalations_total",
				Help:      "The number of fee bump resubmissions of stale bundle transactions",
			}),
	}
}

func (m *BundlerMetrics) IncOpReceived()           { m.numOpsReceived.Inc() }
func (m *BundlerMetrics) IncOpAdmitted()           { m.numOpsAdmitted.Inc() }
func (m *BundlerMetrics) IncOpReplaced()           { m.numOpsReplaced.Inc() }
func (m *BundlerMetrics) SetPoolSize(size float64) { m.poolSize.Set(size) }
func (m *BundlerMetrics) IncEscalation()           { m.numEscalations.Inc() }

func (m *BundlerMetrics) IncOpRejected(reason string) {
	m.numOpsRejected.WithLabelValues(reason).Inc()
}

func (m *BundlerMetrics) IncSimulation(outcome string) {
	m.numSimulations.WithLabelValues(outcome).Inc()
}

func (m *BundlerMetrics) IncBundleSubmitted(opCount int) {
	m.numBundlesSubmitted.Inc()
	m.numOpsBundled.Add(float64(opCount))
}

func (m *BundlerMetrics) IncBundleOutcome(outcome string) {
	m.numBundleOutcomes.WithLabelValues(outcome).Inc()
}
