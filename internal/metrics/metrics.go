// Package metrics holds the Prometheus collectors for the payment and order flows.
// Collectors are registered on the default registry and served by the /metrics route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokopay_gateway_callbacks_total",
		Help: "Gateway callbacks by provider and ledger decision.",
	}, []string{"provider", "decision"})

	verificationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokopay_callback_verification_failures_total",
		Help: "Callbacks rejected because the signature did not verify.",
	}, []string{"provider"})

	initiationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokopay_payment_initiations_total",
		Help: "Payment initiations by provider and result.",
	}, []string{"provider", "result"})

	orderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokopay_order_transitions_total",
		Help: "Order state transitions by trigger.",
	}, []string{"trigger", "to"})

	versionConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokopay_version_conflicts_total",
		Help: "Optimistic write conflicts by record kind.",
	}, []string{"record"})

	reconcileChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokopay_reconcile_checks_total",
		Help: "Status polls issued by the reconciliation worker, by resulting state.",
	}, []string{"provider", "state"})

	gatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tokopay_gateway_request_duration_seconds",
		Help:    "Latency of outbound gateway calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "call"})
)

func ObserveCallback(provider, decision string) {
	callbacksTotal.WithLabelValues(provider, decision).Inc()
}

func ObserveVerificationFailure(provider string) {
	verificationFailuresTotal.WithLabelValues(provider).Inc()
}

func ObserveInitiation(provider, result string) {
	initiationsTotal.WithLabelValues(provider, result).Inc()
}

func ObserveTransition(trigger, to string) {
	orderTransitionsTotal.WithLabelValues(trigger, to).Inc()
}

func ObserveConflict(record string) {
	versionConflictsTotal.WithLabelValues(record).Inc()
}

func ObserveReconcileCheck(provider, state string) {
	reconcileChecksTotal.WithLabelValues(provider, state).Inc()
}

// ObserveGatewayCall records the duration in seconds of one outbound provider call.
func ObserveGatewayCall(provider, call string, seconds float64) {
	gatewayLatency.WithLabelValues(provider, call).Observe(seconds)
}

// Getters expose the collectors to tests.

func CallbacksTotal() *prometheus.CounterVec { return callbacksTotal }
func VerificationFailuresTotal() *prometheus.CounterVec { return verificationFailuresTotal }
func InitiationsTotal() *prometheus.CounterVec { return initiationsTotal }
func OrderTransitionsTotal() *prometheus.CounterVec { return orderTransitionsTotal }
func VersionConflictsTotal() *prometheus.CounterVec { return versionConflictsTotal }
func ReconcileChecksTotal() *prometheus.CounterVec { return reconcileChecksTotal }
func GatewayRequestDuration() *prometheus.HistogramVec { return gatewayLatency }
