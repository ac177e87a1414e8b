package submitter

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/google/uuid"
)

// Submitter is the client-side scheduling core: it accepts submitted
// tasks, leases workers from raylets, pipelines tasks onto those
// workers, and rebalances load between workers of the same
// scheduling class through work stealing.
//
// All of its exported methods are safe to call concurrently. A
// single mutex guards every state transition; RPCs issued to
// collaborators are non-blocking, and their reply callbacks
// re-acquire the same mutex before touching any state.
type Submitter struct {
	config        Config
	clock         Clock
	uuidGenerator util.UUIDGenerator

	dependencyResolver DependencyResolver
	actorCreator       ActorCreator
	taskFinisher       TaskFinisher
	leasePolicy        LeasePolicy
	leaseClients       leaseClientSource
	workerClients      workerClientSource
	processExit        ProcessExit
	metrics            *Metrics

	mu  sync.Mutex
	now time.Time

	schedulingKeyEntries map[SchedulingKey]*schedulingKeyEntry
	cancelledTasks       map[TaskID]struct{}
	executingTasks       map[TaskID]WorkerAddress

	// cancelRetryTimers holds the most recently armed retry timer for
	// a task whose CancelTask RPC reported a soft failure, keyed by
	// task id. A later soft-failure reply for the same task stops that
	// timer before arming a new one; neither a new Cancel call nor the
	// task finishing stops it, and entries are not removed.
	cancelRetryTimers map[TaskID]*time.Timer

	// taskQueuedAt records when a task first joined a scheduling
	// key's queue, so taskQueuedDuration can report how long it
	// waited once it is finally pushed to a worker. Entries are
	// removed as soon as they are consumed, whether by a push or by
	// the task being cancelled or failed out of the queue.
	taskQueuedAt map[TaskID]time.Time
}

// leaseClientSource resolves a raylet address to a LeaseClient. It
// is satisfied by *leaseclient.Pool; the submitter depends only on
// this narrower interface to avoid an import cycle between the two
// packages.
type leaseClientSource interface {
	GetOrConnect(address RayletAddress) (LeaseClient, error)
}

// workerClientSource resolves a leased worker to a WorkerClient. It
// is satisfied by *workerclient.Cache.
type workerClientSource interface {
	GetOrConnect(address WorkerAddress, workerID WorkerID) (WorkerClient, error)
	GetByID(workerID WorkerID) (WorkerClient, bool)
}

// Collaborators bundles every external dependency a Submitter needs.
type Collaborators struct {
	Clock              Clock
	UUIDGenerator      util.UUIDGenerator
	DependencyResolver DependencyResolver
	ActorCreator       ActorCreator
	TaskFinisher       TaskFinisher
	LeasePolicy        LeasePolicy
	LeaseClients       leaseClientSource
	WorkerClients      workerClientSource
	ProcessExit        ProcessExit
	Metrics            *Metrics
}

// NewSubmitter creates a Submitter with no scheduling keys and no
// leased workers.
func NewSubmitter(config Config, collaborators Collaborators) *Submitter {
	return &Submitter{
		config:                config,
		clock:                 collaborators.Clock,
		uuidGenerator:         collaborators.UUIDGenerator,
		dependencyResolver:    collaborators.DependencyResolver,
		actorCreator:          collaborators.ActorCreator,
		taskFinisher:          collaborators.TaskFinisher,
		leasePolicy:           collaborators.LeasePolicy,
		leaseClients:          collaborators.LeaseClients,
		workerClients:         collaborators.WorkerClients,
		processExit:           collaborators.ProcessExit,
		metrics:               collaborators.Metrics,
		now:                   collaborators.Clock.Now(),
		schedulingKeyEntries:  map[SchedulingKey]*schedulingKeyEntry{},
		cancelledTasks:        map[TaskID]struct{}{},
		executingTasks:        map[TaskID]WorkerAddress{},
		cancelRetryTimers:     map[TaskID]*time.Timer{},
		taskQueuedAt:          map[TaskID]time.Time{},
	}
}

// enter acquires the submitter's lock and refreshes the cached
// "now", mirroring the single entry point the build queue uses to
// keep clock reads off the hot path.
func (s *Submitter) enter() {
	s.mu.Lock()
	s.now = s.clock.Now()
}

// leave releases the submitter's lock.
func (s *Submitter) leave() {
	s.mu.Unlock()
}

// newTaskID generates a fresh, never-reused id, used both for
// lease-request bookkeeping keys and wherever else this package
// needs an identifier with no collaborator-assigned meaning.
func (s *Submitter) newTaskID() TaskID {
	return TaskID(uuid.Must(s.uuidGenerator()).String())
}

func (s *Submitter) getOrCreateSchedulingKeyEntry(key SchedulingKey) *schedulingKeyEntry {
	entry, ok := s.schedulingKeyEntries[key]
	if !ok {
		entry = newSchedulingKeyEntry()
		s.schedulingKeyEntries[key] = entry
	}
	return entry
}

// removeSchedulingKeyEntryIfEmpty drops the entry for key once it
// has no queued tasks, no active workers, and no pending lease
// requests (invariant I5).
func (s *Submitter) removeSchedulingKeyEntryIfEmpty(key SchedulingKey) {
	if entry, ok := s.schedulingKeyEntries[key]; ok && entry.isEmpty() {
		delete(s.schedulingKeyEntries, key)
	}
}

// Submit accepts a task for execution. It returns immediately;
// dependency resolution, lease acquisition, and execution all happen
// asynchronously, reporting their outcome to the TaskFinisher.
func (s *Submitter) Submit(ctx context.Context, task *TaskSpec) {
	if s.metrics != nil {
		s.metrics.tasksSubmittedTotal.WithLabelValues(schedulingClassLabel(task.SchedulingClass)).Inc()
	}
	s.dependencyResolver.Resolve(ctx, task, func(err error) {
		s.onDependenciesResolved(ctx, task, err)
	})
}

// onDependenciesResolved is the continuation of Submit, invoked once
// the task's arguments have been rewritten to reference only
// resolved plasma objects (§4.1 steps 1-6).
func (s *Submitter) onDependenciesResolved(ctx context.Context, task *TaskSpec, err error) {
	if err != nil {
		s.taskFinisher.FailOrRetryPendingTask(task.ID, ErrorDependencyResolutionFailed, err)
		return
	}

	if task.IsActorCreation {
		s.actorCreator.AsyncCreate(ctx, task, func(reply *ActorCreateReply, err error) {
			if err != nil {
				s.taskFinisher.FailOrRetryPendingTask(task.ID, ErrorActorCreationFailed, err)
				return
			}
			var actorAddress WorkerAddress
			if reply != nil {
				actorAddress = reply.ActorAddress
			}
			s.taskFinisher.CompletePendingTask(task.ID, &PushTaskReply{}, actorAddress)
		})
		return
	}

	s.enter()
	defer s.leave()

	if _, cancelled := s.cancelledTasks[task.ID]; cancelled {
		delete(s.cancelledTasks, task.ID)
		s.taskFinisher.FailOrRetryPendingTask(task.ID, ErrorTaskCancelled, nil)
		return
	}

	key := task.SchedulingKey()
	entry := s.getOrCreateSchedulingKeyEntry(key)
	entry.taskQueue.PushBack(task)
	entry.resourceSpec = task.ResourceSpec
	s.taskQueuedAt[task.ID] = s.now

	// If some active worker for this key is not yet at capacity,
	// it must be the only thing to dispatch: any other non-full
	// worker would already have drained the queue down to this
	// task.
	if addr, _, ok := entry.firstNonFullWorker(s.config.MaxTasksInFlightPerWorker); ok {
		s.onWorkerIdle(ctx, addr, key, false, nil)
	}

	s.requestNewWorkerIfNeeded(ctx, key, "")
}

// ReportBacklog sends a fresh backlog report for every scheduling
// class this submitter currently has entries for, regardless of
// whether the reported size has changed since the last report. It is
// meant to be driven by an external ticker, independent of the
// change-triggered reports reportWorkerBacklogIfNeeded issues inline
// with lease requests.
func (s *Submitter) ReportBacklog(ctx context.Context) {
	s.enter()
	defer s.leave()

	seen := map[uint64]struct{}{}
	for key := range s.schedulingKeyEntries {
		if _, ok := seen[key.SchedulingClass]; ok {
			continue
		}
		seen[key.SchedulingClass] = struct{}{}
		s.reportWorkerBacklog(ctx, key.SchedulingClass)
	}
}

func schedulingClassLabel(class uint64) string {
	return strconv.FormatUint(class, 10)
}
