package submitter

import (
	"context"
	"time"
)

// Clock is the time source the submitter depends on, used to stamp
// lease expirations and compare them against the present. It is
// satisfied by clock.SystemClock and clock.Mock from
// github.com/buildbarn/bb-storage/pkg/clock, the time abstraction
// used elsewhere in this codebase, but the submitter only ever calls
// Now, so it depends on nothing more than that.
type Clock interface {
	Now() time.Time
}

// ActorCreateReply carries the result of creating an actor.
type ActorCreateReply struct {
	ActorAddress WorkerAddress
	BorrowedRefs []ObjectID
}

// DependencyResolver resolves a task's unresolved arguments into
// plasma object ids, invoking onComplete once resolution finishes
// (successfully or not). onComplete may be invoked from any
// goroutine; the submitter re-acquires its own lock before acting on
// it.
type DependencyResolver interface {
	Resolve(ctx context.Context, task *TaskSpec, onComplete func(err error))
}

// ActorCreator routes actor-creation tasks through the cluster's
// actor placement subsystem.
type ActorCreator interface {
	AsyncCreate(ctx context.Context, task *TaskSpec, onComplete func(reply *ActorCreateReply, err error))
}

// PushTaskReply is the outcome of pushing a normal task to a leased
// worker.
type PushTaskReply struct {
	// WorkerExiting indicates the worker reported that it is
	// shutting down and should not be reused.
	WorkerExiting bool
	// TaskWasStolen indicates the task was handed to a different
	// worker by a steal that raced with this push's reply.
	TaskWasStolen bool
	// IsApplicationError indicates the task ran but raised an
	// application-level exception, as opposed to a transport or
	// worker-crash failure.
	IsApplicationError bool
}

// TaskFinisher records the terminal outcome of a task on behalf of
// the wider task-execution subsystem (retry bookkeeping, future
// resolution, reference counting).
type TaskFinisher interface {
	CompletePendingTask(taskID TaskID, reply *PushTaskReply, actorAddress WorkerAddress)
	FailOrRetryPendingTask(taskID TaskID, kind ErrorKind, err error)
	FailPendingTask(taskID TaskID, kind ErrorKind, err error)
	MarkTaskCanceled(taskID TaskID) bool
	RetryTaskIfPossible(taskID TaskID) bool
	GetTaskSpec(taskID TaskID) (*TaskSpec, bool)
}

// LeaseCancelReason further classifies a canceled lease reply.
type LeaseCancelReason int

const (
	LeaseCancelOther LeaseCancelReason = iota
	LeaseCancelRuntimeEnvSetupFailed
	LeaseCancelPlacementGroupRemoved
)

// LeaseOutcome classifies a lease reply.
type LeaseOutcome int

const (
	LeaseGranted LeaseOutcome = iota
	LeaseCanceled
	LeaseRejected
	LeaseRedirect
)

// LeaseReply is the raylet's answer to a RequestWorkerLease call.
type LeaseReply struct {
	Outcome LeaseOutcome

	// Set when Outcome == LeaseCanceled.
	CancelReason LeaseCancelReason

	// Set when Outcome == LeaseGranted.
	WorkerAddress     WorkerAddress
	WorkerID          WorkerID
	AssignedResources ResourceSpec

	// Set when Outcome == LeaseRedirect.
	RetryAtRayletAddress RayletAddress
}

// BacklogReport is one scheduling class's worth of backlog, as
// reported to the local raylet.
type BacklogReport struct {
	SchedulingClass uint64
	BacklogSize     int64
	ResourceSpec    ResourceSpec
}

// LeaseClient is the submitter's view of a single raylet: a handle
// through which worker leases are requested, canceled, and returned.
type LeaseClient interface {
	RequestWorkerLease(ctx context.Context, spec ResourceSpec, backlogSize int64, onReply func(reply *LeaseReply, err error))
	CancelWorkerLease(ctx context.Context, taskID TaskID, onReply func(attemptSucceeded bool, err error))
	ReturnWorker(ctx context.Context, workerAddress WorkerAddress, workerID WorkerID, wasError bool) error
	ReportWorkerBacklog(ctx context.Context, workerID WorkerID, reports []BacklogReport) error
}

// LeaseClientFactory opens a LeaseClient to the raylet at address.
type LeaseClientFactory func(address RayletAddress) (LeaseClient, error)

// StealTasksReply is a worker's answer to a StealTasks call.
type StealTasksReply struct {
	StolenTaskIDs []TaskID
}

// WorkerClient is the submitter's view of a single leased worker.
type WorkerClient interface {
	PushNormalTask(ctx context.Context, task *TaskSpec, onReply func(reply *PushTaskReply, err error))
	StealTasks(ctx context.Context, onReply func(reply *StealTasksReply, err error))
	CancelTask(ctx context.Context, taskID TaskID, forceKill, recursive bool, onReply func(attemptSucceeded bool, err error))
	RemoteCancelTask(ctx context.Context, objectID ObjectID, forceKill, recursive bool, onReply func(err error))
}

// WorkerClientFactory opens a WorkerClient to the leased worker at
// address, which reports the given worker id.
type WorkerClientFactory func(address WorkerAddress, workerID WorkerID) (WorkerClient, error)

// LeasePolicy picks which raylet should be asked for a worker lease
// to run a task with the given resource requirements.
type LeasePolicy interface {
	GetBestNodeForTask(ctx context.Context, spec ResourceSpec) (RayletAddress, error)
}

// ProcessExit terminates the current process. It exists so that the
// fatal local-raylet-death path (§4.3, worker role) is something a
// test can observe instead of something that tears down the test
// binary.
type ProcessExit func(code int)
