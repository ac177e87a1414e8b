package submitter

import (
	"time"

	"github.com/buildbarn/bonanza/pkg/taskqueue"
)

// leaseEntry tracks one leased worker: the handle needed to return
// it, its lease deadline, and its current pipeline occupancy.
type leaseEntry struct {
	leaseClient       LeaseClient
	workerClient      WorkerClient
	workerID          WorkerID
	leaseExpiration   time.Time
	assignedResources ResourceSpec
	schedulingKey     SchedulingKey
	tasksInFlight     int
	// isStealing is true while this worker, acting as a thief, has
	// an outstanding StealTasks RPC against some victim.
	isStealing bool
}

// schedulingKeyEntry holds everything the submitter tracks for one
// SchedulingKey: the queue of tasks waiting for a worker, the set of
// workers currently leased to serve it, and the lease requests
// outstanding on its behalf.
type schedulingKeyEntry struct {
	taskQueue            taskqueue.Deque[*TaskSpec]
	activeWorkers        map[WorkerAddress]*leaseEntry
	pendingLeaseRequests map[TaskID]RayletAddress
	totalTasksInFlight   int
	resourceSpec         ResourceSpec
	lastReportedBacklog  int64
}

func newSchedulingKeyEntry() *schedulingKeyEntry {
	return &schedulingKeyEntry{
		activeWorkers:        map[WorkerAddress]*leaseEntry{},
		pendingLeaseRequests: map[TaskID]RayletAddress{},
	}
}

// isEmpty reports whether this entry has nothing left to do and may
// be dropped from the submitter's map (invariant I5).
func (e *schedulingKeyEntry) isEmpty() bool {
	return e.taskQueue.Len() == 0 && len(e.activeWorkers) == 0 && len(e.pendingLeaseRequests) == 0
}

// backlogSize is the number of queued tasks that do not yet have a
// pending lease request working on their behalf, floored at zero.
//
// This resolves the ambiguity left open about backlog accounting
// (see DESIGN.md): rather than the source's raw queue length, each
// outstanding lease request is treated as already "spoken for" so
// that re-reporting after issuing a lease request does not
// double-count work that is already being acted on.
func (e *schedulingKeyEntry) backlogSize() int64 {
	backlog := e.taskQueue.Len() - len(e.pendingLeaseRequests)
	if backlog < 0 {
		return 0
	}
	return int64(backlog)
}

// stealableTasks reports whether the key's in-flight tasks number at
// least two per active worker (§4.6), in which case some active
// worker must hold at least two and could surrender one to an idle
// peer. It is a sufficient test, not an exact one: a single busy
// worker beside idle peers (e.g. 3 and 0 in flight) reports false.
// With no active workers it reports true.
func (e *schedulingKeyEntry) stealableTasks() bool {
	return e.totalTasksInFlight >= 2*len(e.activeWorkers)
}

// firstNonFullWorker returns an active worker whose pipeline is not
// yet at capacity, if one exists.
func (e *schedulingKeyEntry) firstNonFullWorker(maxTasksInFlightPerWorker int) (WorkerAddress, *leaseEntry, bool) {
	for addr, le := range e.activeWorkers {
		if le.tasksInFlight < maxTasksInFlightPerWorker {
			return addr, le, true
		}
	}
	return "", nil, false
}
