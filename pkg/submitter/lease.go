package submitter

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// requestNewWorkerIfNeeded implements §4.3: decide whether the
// scheduling key needs another worker leased, and if so, issue the
// RequestWorkerLease call. forceRaylet, when non-empty, pins the
// request to a specific raylet (used for spillback and redirect
// retries); otherwise the lease policy picks a target.
//
// Must be called with s.mu held.
func (s *Submitter) requestNewWorkerIfNeeded(ctx context.Context, key SchedulingKey, forceRaylet RayletAddress) {
	entry, ok := s.schedulingKeyEntries[key]
	if !ok {
		return
	}

	if len(entry.pendingLeaseRequests) >= s.config.MaxPendingLeaseRequestsPerSchedulingCategory {
		return
	}

	stealingDisabled := s.config.MaxTasksInFlightPerWorker == 1
	if stealingDisabled {
		if _, _, nonFull := entry.firstNonFullWorker(s.config.MaxTasksInFlightPerWorker); nonFull {
			// An active worker still has room in its pipeline,
			// and without stealing there is no use for another.
			return
		}
	}

	if entry.taskQueue.Len() == 0 {
		if !entry.stealableTasks() {
			s.removeSchedulingKeyEntryIfEmpty(key)
			return
		}
		// Eager worker requesting: no task is waiting, but a
		// future thief may need a worker to steal into.
	} else if int64(entry.taskQueue.Len()) <= int64(len(entry.pendingLeaseRequests)) {
		// Every queued task already has a lease request working
		// on its behalf.
		return
	}

	leaseRequestID := s.newTaskID()
	representative := entry.resourceSpec

	var raylet RayletAddress
	var err error
	if forceRaylet != "" {
		raylet = forceRaylet
	} else {
		raylet, err = s.leasePolicy.GetBestNodeForTask(ctx, representative)
		if err != nil {
			// No node to ask; try again once something changes.
			return
		}
	}

	client, err := s.leaseClients.GetOrConnect(raylet)
	if err != nil {
		return
	}

	entry.pendingLeaseRequests[leaseRequestID] = raylet
	isSpillback := forceRaylet != ""

	client.RequestWorkerLease(ctx, representative, entry.backlogSize(), func(reply *LeaseReply, err error) {
		s.onLeaseReply(ctx, key, leaseRequestID, raylet, isSpillback, reply, err)
	})

	s.reportWorkerBacklogIfNeeded(ctx, key)
}

// onLeaseReply dispatches on the outcome table in §4.3.
func (s *Submitter) onLeaseReply(ctx context.Context, key SchedulingKey, leaseRequestID TaskID, raylet RayletAddress, wasSpillback bool, reply *LeaseReply, err error) {
	s.enter()
	defer s.leave()

	entry, ok := s.schedulingKeyEntries[key]
	if !ok {
		return
	}
	delete(entry.pendingLeaseRequests, leaseRequestID)

	if err != nil {
		if raylet != s.config.LocalRayletAddress {
			// Remote raylet failure: retry against whatever the
			// policy picks next, typically the local raylet.
			s.requestNewWorkerIfNeeded(ctx, key, "")
			return
		}
		if status.Code(err) == codes.Unavailable {
			if s.config.Role == RoleWorker {
				if s.processExit != nil {
					s.processExit(1)
				}
				return
			}
			s.failAllQueued(key, ErrorLocalRayletDied, err)
			s.removeSchedulingKeyEntryIfEmpty(key)
			return
		}
		// Local raylet reachable but returned some other error;
		// treat as transient and retry locally.
		s.requestNewWorkerIfNeeded(ctx, key, "")
		return
	}

	if s.metrics != nil {
		s.metrics.leaseRequestsTotal.WithLabelValues(leaseOutcomeLabel(reply.Outcome)).Inc()
	}

	switch reply.Outcome {
	case LeaseCanceled:
		switch reply.CancelReason {
		case LeaseCancelRuntimeEnvSetupFailed:
			s.failAllQueued(key, ErrorRuntimeEnvSetupFailed, nil)
			s.removeSchedulingKeyEntryIfEmpty(key)
		case LeaseCancelPlacementGroupRemoved:
			if key.ActorCreationID != "" {
				s.failAllQueued(key, ErrorActorPlacementGroupRemoved, nil)
			} else {
				s.failAllQueued(key, ErrorTaskPlacementGroupRemoved, nil)
			}
			s.removeSchedulingKeyEntryIfEmpty(key)
		default:
			s.requestNewWorkerIfNeeded(ctx, key, "")
		}

	case LeaseRejected:
		// A rejection is only expected in response to a spillback
		// request; retry through the normal policy path.
		s.requestNewWorkerIfNeeded(ctx, key, "")

	case LeaseGranted:
		s.addWorkerLeaseClient(ctx, key, reply)
		s.onWorkerIdle(ctx, reply.WorkerAddress, key, false, reply.AssignedResources)

	case LeaseRedirect:
		if !wasSpillback {
			s.requestNewWorkerIfNeeded(ctx, key, reply.RetryAtRayletAddress)
		}
	}
}

func leaseOutcomeLabel(outcome LeaseOutcome) string {
	switch outcome {
	case LeaseGranted:
		return "granted"
	case LeaseCanceled:
		return "canceled"
	case LeaseRejected:
		return "rejected"
	case LeaseRedirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// failAllQueued drains every queued task for key and reports kind to
// the finisher for each of them.
func (s *Submitter) failAllQueued(key SchedulingKey, kind ErrorKind, err error) {
	entry, ok := s.schedulingKeyEntries[key]
	if !ok {
		return
	}
	for _, task := range entry.taskQueue.Drain() {
		delete(s.taskQueuedAt, task.ID)
		s.taskFinisher.FailOrRetryPendingTask(task.ID, kind, err)
	}
}

// addWorkerLeaseClient installs a freshly granted lease: it opens
// (or reuses) the worker's RPC stub, records the lease entry, and
// marks the worker active for key (§4.4).
//
// Must be called with s.mu held.
func (s *Submitter) addWorkerLeaseClient(ctx context.Context, key SchedulingKey, reply *LeaseReply) {
	entry := s.getOrCreateSchedulingKeyEntry(key)

	workerClient, err := s.workerClients.GetOrConnect(reply.WorkerAddress, reply.WorkerID)
	if err != nil {
		// Can't talk to the worker we were just granted; return it
		// so the raylet can offer it to someone else, and ask for
		// a fresh lease.
		if localLeaseClient, lcErr := s.leaseClients.GetOrConnect(s.config.LocalRayletAddress); lcErr == nil {
			_ = localLeaseClient.ReturnWorker(ctx, reply.WorkerAddress, reply.WorkerID, true)
		}
		s.requestNewWorkerIfNeeded(ctx, key, "")
		return
	}

	leaseClient, err := s.leaseClients.GetOrConnect(s.config.LocalRayletAddress)
	if err != nil {
		return
	}

	entry.activeWorkers[reply.WorkerAddress] = &leaseEntry{
		leaseClient:       leaseClient,
		workerClient:      workerClient,
		workerID:          reply.WorkerID,
		leaseExpiration:   s.now.Add(s.config.LeaseTimeout),
		assignedResources: reply.AssignedResources,
		schedulingKey:     key,
	}
}

// returnWorker implements §4.4: give a worker back to its raylet. It
// requires the worker to be fully idle (no tasks in flight, not
// stealing).
//
// Must be called with s.mu held.
func (s *Submitter) returnWorker(ctx context.Context, addr WorkerAddress, key SchedulingKey, wasError bool) {
	entry, ok := s.schedulingKeyEntries[key]
	if !ok {
		return
	}
	le, ok := entry.activeWorkers[addr]
	if !ok {
		return
	}

	delete(entry.activeWorkers, addr)
	s.removeSchedulingKeyEntryIfEmpty(key)

	if err := le.leaseClient.ReturnWorker(ctx, addr, le.workerID, wasError); err != nil {
		// Transport failures returning a worker are swallowed: the
		// raylet will eventually reclaim it through its own
		// liveness checks (§7).
		_ = err
	}
}

// reportWorkerBacklogIfNeeded implements §4.8: send an updated
// backlog report for key's scheduling class if its backlog size has
// changed since the last report.
//
// Must be called with s.mu held.
func (s *Submitter) reportWorkerBacklogIfNeeded(ctx context.Context, key SchedulingKey) {
	entry, ok := s.schedulingKeyEntries[key]
	if !ok {
		return
	}
	if entry.backlogSize() == entry.lastReportedBacklog {
		return
	}
	s.reportWorkerBacklog(ctx, key.SchedulingClass)
}

// reportWorkerBacklog aggregates backlog across every scheduling key
// sharing schedulingClass and sends a single report.
//
// Must be called with s.mu held.
func (s *Submitter) reportWorkerBacklog(ctx context.Context, schedulingClass uint64) {
	leaseClient, err := s.leaseClients.GetOrConnect(s.config.LocalRayletAddress)
	if err != nil {
		return
	}

	var total int64
	var representative ResourceSpec
	var keysInClass []SchedulingKey
	for key, entry := range s.schedulingKeyEntries {
		if key.SchedulingClass != schedulingClass {
			continue
		}
		if representative == nil {
			representative = entry.resourceSpec
		}
		total += entry.backlogSize()
		keysInClass = append(keysInClass, key)
	}

	report := BacklogReport{
		SchedulingClass: schedulingClass,
		BacklogSize:     total,
		ResourceSpec:    representative,
	}
	if err := leaseClient.ReportWorkerBacklog(ctx, localWorkerID, []BacklogReport{report}); err != nil {
		return
	}
	for _, key := range keysInClass {
		s.schedulingKeyEntries[key].lastReportedBacklog = s.schedulingKeyEntries[key].backlogSize()
	}
}

// localWorkerID identifies this process to its local raylet when
// reporting backlog. It has no bearing on leased-worker identity.
const localWorkerID = WorkerID("self")
