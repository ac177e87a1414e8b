package submitter

import "github.com/prometheus/client_golang/prometheus"

// Metrics is an optional bundle of instrumentation the submitter
// records into. A nil *Metrics disables instrumentation entirely;
// every recording call on the Submitter checks for nil first, so the
// core never pays for metrics it wasn't given anywhere to put.
//
// Unlike the teacher's package-level counters, these are instance
// fields: a process embedding more than one Submitter (e.g. one per
// job) can give each its own registry, or share one across all of
// them by passing the same *Metrics, created by a single
// NewMetrics() call, to every Submitter.
type Metrics struct {
	tasksSubmittedTotal *prometheus.CounterVec
	tasksPushedTotal    *prometheus.CounterVec
	tasksCompletedTotal *prometheus.CounterVec
	tasksStolenTotal    prometheus.Counter
	leaseRequestsTotal  *prometheus.CounterVec
	tasksInFlight       *prometheus.GaugeVec
	taskQueuedDuration  *prometheus.HistogramVec
}

// NewMetrics creates a Metrics bundle and registers its collectors
// with registry. Passing the same registry to multiple Submitters
// will panic on the second call, matching the failure mode of
// prometheus.MustRegister elsewhere in this codebase's ancestry; call
// it once per registry and share the result.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		tasksSubmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ray",
				Subsystem: "direct_task_submitter",
				Name:      "tasks_submitted_total",
				Help:      "Number of tasks submitted, by scheduling class.",
			},
			[]string{"scheduling_class"}),
		tasksPushedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ray",
				Subsystem: "direct_task_submitter",
				Name:      "tasks_pushed_total",
				Help:      "Number of PushNormalTask calls issued to leased workers.",
			},
			[]string{"scheduling_class"}),
		tasksCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ray",
				Subsystem: "direct_task_submitter",
				Name:      "tasks_completed_total",
				Help:      "Number of tasks that reached a terminal outcome, by result.",
			},
			[]string{"scheduling_class", "result"}),
		tasksStolenTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ray",
				Subsystem: "direct_task_submitter",
				Name:      "tasks_stolen_total",
				Help:      "Number of tasks moved from one leased worker to another through work stealing.",
			}),
		leaseRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ray",
				Subsystem: "direct_task_submitter",
				Name:      "lease_requests_total",
				Help:      "Number of RequestWorkerLease replies received without an RPC error, by outcome.",
			},
			[]string{"outcome"}),
		tasksInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "ray",
				Subsystem: "direct_task_submitter",
				Name:      "tasks_in_flight",
				Help:      "Number of tasks currently pushed to a leased worker and awaiting a reply, by scheduling class.",
			},
			[]string{"scheduling_class"}),
		taskQueuedDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ray",
				Subsystem: "direct_task_submitter",
				Name:      "task_queued_duration_seconds",
				Help:      "Time a task spent queued for a scheduling key before being pushed to a worker.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"scheduling_class"}),
	}
	registry.MustRegister(
		m.tasksSubmittedTotal,
		m.tasksPushedTotal,
		m.tasksCompletedTotal,
		m.tasksStolenTotal,
		m.leaseRequestsTotal,
		m.tasksInFlight,
		m.taskQueuedDuration,
	)
	return m
}
