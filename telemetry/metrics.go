package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// OperationBuckets for membership operations (several instance round-trips)
	OperationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	// WaitBuckets for convergence waits and lock acquisition
	WaitBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120}
)

// Operation Metrics
var (
	// OperationsTotal counts operations by name and result (success, failed)
	OperationsTotal CounterVec = noopCounterVec{}

	// OperationDurationSeconds measures operation latency by name
	OperationDurationSeconds HistogramVec = noopHistogramVec{}

	// ClusterLockWaitSeconds measures time waiting for the per-cluster lock
	ClusterLockWaitSeconds Histogram = NoopStat{}

	// PrivilegeChecksTotal counts instance validations by result (compliant, missing)
	PrivilegeChecksTotal CounterVec = noopCounterVec{}

	// ReadOnlyChangesTotal counts super_read_only flips by direction (on, off)
	ReadOnlyChangesTotal CounterVec = noopCounterVec{}
)

// Cluster Health Metrics
var (
	// ClustersByState tracks registered clusters by lifecycle state
	ClustersByState GaugeVec = noopGaugeVec{}

	// ClusterMembers tracks members per cluster by observed state
	ClusterMembers GaugeVec = noopGaugeVec{}

	// MonitorPollsTotal counts group polls by outcome (authority, no_authority)
	MonitorPollsTotal CounterVec = noopCounterVec{}

	// MonitorWaitSeconds measures WaitForState duration
	MonitorWaitSeconds Histogram = NoopStat{}
)

// Publishing Metrics
var (
	// EventsPublishedTotal counts membership events delivered by sink and result
	EventsPublishedTotal CounterVec = noopCounterVec{}

	// EventsDroppedTotal counts events dropped because a subscriber was full
	EventsDroppedTotal Counter = NoopStat{}

	// MetaStoreOpsTotal counts registry operations by op and result
	MetaStoreOpsTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	OperationsTotal = NewCounterVec(
		"operations_total",
		"Total orchestration operations by name and result",
		[]string{"op", "result"},
	)
	OperationDurationSeconds = NewHistogramVec(
		"operation_duration_seconds",
		"Orchestration operation duration in seconds",
		[]string{"op"},
		OperationBuckets,
	)
	ClusterLockWaitSeconds = NewHistogramWithBuckets(
		"cluster_lock_wait_seconds",
		"Time waiting for the per-cluster lock in seconds",
		WaitBuckets,
	)
	PrivilegeChecksTotal = NewCounterVec(
		"privilege_checks_total",
		"Instance privilege validations by result",
		[]string{"result"},
	)
	ReadOnlyChangesTotal = NewCounterVec(
		"read_only_changes_total",
		"super_read_only changes by direction",
		[]string{"direction"},
	)

	ClustersByState = NewGaugeVec(
		"clusters",
		"Number of registered clusters by state",
		[]string{"state"},
	)
	ClusterMembers = NewGaugeVec(
		"cluster_members",
		"Number of cluster members by observed state",
		[]string{"cluster", "state"},
	)
	MonitorPollsTotal = NewCounterVec(
		"monitor_polls_total",
		"Group state polls by outcome",
		[]string{"outcome"},
	)
	MonitorWaitSeconds = NewHistogramWithBuckets(
		"monitor_wait_seconds",
		"WaitForState duration in seconds",
		WaitBuckets,
	)

	EventsPublishedTotal = NewCounterVec(
		"events_published_total",
		"Membership events delivered to sinks by result",
		[]string{"sink", "result"},
	)
	EventsDroppedTotal = NewCounter(
		"events_dropped_total",
		"Membership events dropped for slow subscribers",
	)
	MetaStoreOpsTotal = NewCounterVec(
		"metastore_ops_total",
		"Cluster registry operations by op and result",
		[]string{"op", "result"},
	)
}

// Result maps an error to a metric result label
func Result(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}
