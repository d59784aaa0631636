package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	possumCoordinator = "possum_coordinator"

	jobsSubmittedTotal = "jobs_submitted_total"
	eventsHandledTotal = "events_handled_total"
	eventsFailedTotal  = "events_failed_total"
	ticksFailedTotal   = "ticks_failed_total"

	// Labels
	jobFamilyLabel = "family"
	eventKindLabel = "kind"
)

/**
* Metrics definition
**/
var jobsSubmittedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: possumCoordinator,
		Name:      jobsSubmittedTotal,
		Help:      "number of job submission requests published, by job family",
	},
	[]string{jobFamilyLabel},
)

var eventsHandledTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: possumCoordinator,
		Name:      eventsHandledTotal,
		Help:      "number of consumed messages handled successfully, by event kind",
	},
	[]string{eventKindLabel},
)

var eventsFailedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: possumCoordinator,
		Name:      eventsFailedTotal,
		Help:      "number of consumed messages that failed and were requeued, by event kind",
	},
	[]string{eventKindLabel},
)

var ticksFailedTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: possumCoordinator,
		Name:      ticksFailedTotal,
		Help:      "number of scheduling ticks abandoned after a failure",
	},
)

func IncreaseJobsSubmittedMetric(family string) {
	jobsSubmittedTotalMetric.With(prometheus.Labels{jobFamilyLabel: family}).Inc()
}

func IncreaseEventsHandledMetric(kind string) {
	eventsHandledTotalMetric.With(prometheus.Labels{eventKindLabel: kind}).Inc()
}

func IncreaseEventsFailedMetric(kind string) {
	eventsFailedTotalMetric.With(prometheus.Labels{eventKindLabel: kind}).Inc()
}

func IncreaseTicksFailedMetric() {
	ticksFailedTotalMetric.Inc()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(jobsSubmittedTotalMetric)
	prometheus.MustRegister(eventsHandledTotalMetric)
	prometheus.MustRegister(eventsFailedTotalMetric)
	prometheus.MustRegister(ticksFailedTotalMetric)
}
