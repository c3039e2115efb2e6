// Package prometheus provides Prometheus metrics exporters for the runtime's
// pipeline orchestrator and LLM engine.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "slabrun"

var (
	// stageDuration is a histogram of stage processing duration in seconds.
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Histogram of stage processing duration in seconds",
			Buckets:   prometheus.DefBuckets, // .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10
		},
		[]string{"stage", "stage_type"},
	)

	// stageElementsTotal is a counter of elements processed by stage.
	stageElementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_elements_total",
			Help:      "Total number of elements processed by stage",
		},
		[]string{"stage", "status"}, // status: success, error
	)

	// tasksActive is a gauge of currently active orchestrator tasks.
	tasksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_active",
			Help:      "Number of currently active pipeline tasks",
		},
	)

	// taskDuration is a histogram of total task execution duration.
	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Histogram of total task execution duration in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"status"}, // status: succeeded, failed, cancelled
	)

	// backendQueueDepth is a gauge of pending requests in a backend's
	// ingress queue, sampled at dispatch time.
	backendQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_queue_depth",
			Help:      "Number of requests queued in a backend's ingress channel",
		},
		[]string{"backend"},
	)

	// backendAdmissionRejectionsTotal counts requests rejected by a
	// backend's admission semaphore or a full ingress channel.
	backendAdmissionRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_admission_rejections_total",
			Help:      "Total number of requests rejected by backend admission control",
		},
		[]string{"backend"},
	)

	// backendRequestDuration is a histogram of backend request duration.
	backendRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Duration of backend requests in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"backend", "op"},
	)

	// backendRequestsTotal is a counter of backend requests.
	backendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Total number of backend requests",
		},
		[]string{"backend", "op", "status"}, // status: success, error
	)

	// workerStepDuration is a histogram of one continuous-batching step's
	// wall-clock duration for an LLM worker.
	workerStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_step_duration_seconds",
			Help:      "Duration of one LLM worker batching step in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"worker"},
	)

	// workerBatchSize is a histogram of the number of sequences batched
	// together in a single decode call.
	workerBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_batch_size",
			Help:      "Number of sequences included in one decode batch",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"worker"},
	)

	// workerDecodeFailuresTotal counts batched decode calls that failed,
	// each of which errors every active generation on the worker.
	workerDecodeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_decode_failures_total",
			Help:      "Total number of failed batched decode calls",
		},
		[]string{"worker"},
	)

	// sessionsActive is a gauge of currently pinned LLM sessions.
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active, worker-pinned LLM sessions",
		},
	)

	// sessionsTotal counts sessions by how they ended their lifecycle.
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions by lifecycle event",
		},
		[]string{"event"}, // event: created, ended
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		stageDuration,
		stageElementsTotal,
		tasksActive,
		taskDuration,
		backendQueueDepth,
		backendAdmissionRejectionsTotal,
		backendRequestDuration,
		backendRequestsTotal,
		workerStepDuration,
		workerBatchSize,
		workerDecodeFailuresTotal,
		sessionsActive,
		sessionsTotal,
	}
)

// RecordStageDuration records the duration of a stage.
func RecordStageDuration(stageName, stageType string, durationSeconds float64) {
	stageDuration.WithLabelValues(stageName, stageType).Observe(durationSeconds)
}

// RecordStageElement records a processed element.
func RecordStageElement(stageName, status string) {
	stageElementsTotal.WithLabelValues(stageName, status).Inc()
}

// RecordTaskStart records a task start.
func RecordTaskStart() {
	tasksActive.Inc()
}

// RecordTaskEnd records a task reaching a terminal status.
func RecordTaskEnd(status string, durationSeconds float64) {
	tasksActive.Dec()
	taskDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordBackendQueueDepth samples the current depth of a backend's
// ingress channel.
func RecordBackendQueueDepth(backend string, depth int) {
	backendQueueDepth.WithLabelValues(backend).Set(float64(depth))
}

// RecordBackendAdmissionRejection records an admission-control rejection.
func RecordBackendAdmissionRejection(backend string) {
	backendAdmissionRejectionsTotal.WithLabelValues(backend).Inc()
}

// RecordBackendRequest records a completed backend request.
func RecordBackendRequest(backend, op, status string, durationSeconds float64) {
	backendRequestDuration.WithLabelValues(backend, op).Observe(durationSeconds)
	backendRequestsTotal.WithLabelValues(backend, op, status).Inc()
}

// RecordWorkerStep records one continuous-batching step.
func RecordWorkerStep(worker string, batchSize int, durationSeconds float64) {
	workerStepDuration.WithLabelValues(worker).Observe(durationSeconds)
	workerBatchSize.WithLabelValues(worker).Observe(float64(batchSize))
}

// RecordWorkerDecodeFailure records a failed batched decode call.
func RecordWorkerDecodeFailure(worker string) {
	workerDecodeFailuresTotal.WithLabelValues(worker).Inc()
}

// RecordSessionCreated records the creation of a new session.
func RecordSessionCreated() {
	sessionsActive.Inc()
	sessionsTotal.WithLabelValues("created").Inc()
}

// RecordSessionEnded records the end of a session's lifecycle.
func RecordSessionEnded() {
	sessionsActive.Dec()
	sessionsTotal.WithLabelValues("ended").Inc()
}
