package submitter

import "time"

// Config holds the tunable settings of a Submitter (§6 of the
// configuration options). Unlike the teacher's build queue, this is
// not a protobuf message: it has no wire format, so it is populated
// directly by whoever constructs a Submitter (typically the
// config package, after decoding a YAML file).
type Config struct {
	// MaxTasksInFlightPerWorker bounds how many tasks may be
	// pipelined onto a single leased worker at once. A value of 1
	// disables work stealing, since a worker with at most one
	// task in flight can never hold a surplus to give away.
	MaxTasksInFlightPerWorker int

	// MaxPendingLeaseRequestsPerSchedulingCategory bounds how many
	// RequestWorkerLease calls may be outstanding at once for a
	// single scheduling key.
	MaxPendingLeaseRequestsPerSchedulingCategory int

	// LeaseTimeout is how long a granted lease remains valid
	// before the worker must be returned.
	LeaseTimeout time.Duration

	// CancellationRetry is how long to wait before re-issuing a
	// CancelTask call whose previous attempt did not report
	// success.
	CancellationRetry time.Duration

	// Role governs what happens when the local raylet becomes
	// unreachable: a worker process exits immediately, while a
	// driver drains its queues and fails the affected tasks.
	Role WorkerRole

	// LocalRayletAddress is this process's own raylet, used to
	// detect when a lease failure is local rather than remote.
	LocalRayletAddress RayletAddress

	// JobID identifies the job this submitter is acting on behalf
	// of.
	JobID string
}

// DefaultConfig returns a Config with conservative, commonly useful
// defaults.
func DefaultConfig() Config {
	return Config{
		MaxTasksInFlightPerWorker:                    1,
		MaxPendingLeaseRequestsPerSchedulingCategory: 10,
		LeaseTimeout:                                 time.Minute,
		CancellationRetry:                            2 * time.Second,
		Role:                                         RoleWorker,
	}
}
