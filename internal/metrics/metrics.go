// Package metrics exposes Prometheus counters for conversation turns and their failures.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

const namespace = "coachpipe"

var (
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_total",
		Help:      "Conversation turns processed, by the step the turn started at.",
	}, []string{"step"})
	turnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "turn_duration_seconds",
		Help:      "Wall time spent processing one inbound utterance.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})
	acksSilenced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "acknowledgements_silenced_total",
		Help:      "Inbound acknowledgements absorbed without a reply.",
	})
	providerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_failures_total",
		Help:      "Insight provider failures, by operation.",
	}, []string{"operation"})
	sendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "send_failures_total",
		Help:      "Replies that could not be delivered by the chat transport.",
	})
	persistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persist_failures_total",
		Help:      "State documents that could not be saved.",
	})
	plansGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "plans_generated_total",
		Help:      "Daily plans that passed validation and were stored.",
	})
	checkInsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "check_ins_sent_total",
		Help:      "Scheduled check-ins delivered, by kind.",
	}, []string{"kind"})
)

func init() {
	// Every step is exported from the first scrape, at zero until a turn starts there.
	for _, step := range models.Steps() {
		turnsTotal.WithLabelValues(string(step))
	}
}

// RecordTurn counts a processed turn and its duration.
func RecordTurn(step string, elapsed time.Duration) {
	turnsTotal.WithLabelValues(step).Inc()
	turnDuration.Observe(elapsed.Seconds())
}

// RecordAckSilenced counts an absorbed acknowledgement.
func RecordAckSilenced() {
	acksSilenced.Inc()
}

// RecordProviderFailure counts an insight provider failure for an operation.
func RecordProviderFailure(operation string) {
	providerFailures.WithLabelValues(operation).Inc()
}

// RecordSendFailure counts a failed outbound message.
func RecordSendFailure() {
	sendFailures.Inc()
}

// RecordPersistFailure counts a failed state write.
func RecordPersistFailure() {
	persistFailures.Inc()
}

// RecordPlanGenerated counts a stored plan.
func RecordPlanGenerated() {
	plansGenerated.Inc()
}

// RecordCheckIn counts a delivered scheduled check-in.
func RecordCheckIn(kind string) {
	checkInsSent.WithLabelValues(kind).Inc()
}

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
