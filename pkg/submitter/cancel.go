package submitter

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Cancel implements §4.7: cancel a submitted task, whether it is
// still queued, in flight, or has a pending lease request working on
// its behalf.
func (s *Submitter) Cancel(ctx context.Context, task *TaskSpec, forceKill, recursive bool) {
	s.enter()

	if _, alreadyCancelled := s.cancelledTasks[task.ID]; alreadyCancelled {
		s.leave()
		return
	}
	if !s.taskFinisher.MarkTaskCanceled(task.ID) {
		s.leave()
		return
	}

	key := task.SchedulingKey()
	if entry, ok := s.schedulingKeyEntries[key]; ok {
		if _, removed := entry.taskQueue.RemoveFunc(func(t *TaskSpec) bool { return t.ID == task.ID }); removed {
			delete(s.taskQueuedAt, task.ID)
			if entry.taskQueue.Len() == 0 {
				s.cancelWorkerLeaseIfNeeded(ctx, key)
			}
			s.leave()
			s.taskFinisher.FailOrRetryPendingTask(task.ID, ErrorTaskCancelled, nil)
			return
		}
	}

	s.cancelledTasks[task.ID] = struct{}{}

	addr, executing := s.executingTasks[task.ID]
	if !executing {
		s.leave()
		return
	}

	entry, ok := s.schedulingKeyEntries[key]
	if !ok {
		s.leave()
		return
	}
	le, ok := entry.activeWorkers[addr]
	if !ok || le.workerClient == nil {
		s.leave()
		return
	}
	workerClient := le.workerClient
	s.leave()

	workerClient.CancelTask(ctx, task.ID, forceKill, recursive, func(attemptSucceeded bool, err error) {
		s.onCancelTaskReply(ctx, task, forceKill, recursive, attemptSucceeded, err)
	})
}

// onCancelTaskReply implements the cancel-reply handling of §4.7. A
// soft failure (attempt not yet successful) is retried after
// CancellationRetry; an RPC error is not retried, since a forced kill
// may have torn the worker down before it could reply.
func (s *Submitter) onCancelTaskReply(ctx context.Context, task *TaskSpec, forceKill, recursive, attemptSucceeded bool, err error) {
	s.enter()
	defer s.leave()

	// Preserves the source's behavior of dropping the cancelled-tasks
	// entry unconditionally on reply, even when a retry is about to
	// be scheduled (§9 open question).
	delete(s.cancelledTasks, task.ID)

	if err != nil || attemptSucceeded || s.config.CancellationRetry <= 0 {
		return
	}

	if timer, ok := s.cancelRetryTimers[task.ID]; ok {
		timer.Stop()
	}
	s.cancelRetryTimers[task.ID] = time.AfterFunc(s.config.CancellationRetry, func() {
		s.Cancel(ctx, task, forceKill, recursive)
	})
}

// CancelRemote implements §4.7: a fire-and-forget cancellation of a
// task by the object id its result is expected to populate, directed
// at a specific worker rather than looked up by task id. It is used
// when the caller only knows which worker is executing the task, not
// this submitter's own bookkeeping for it.
func (s *Submitter) CancelRemote(ctx context.Context, objectID ObjectID, workerID WorkerID, forceKill, recursive bool) error {
	client, ok := s.workerClients.GetByID(workerID)
	if !ok {
		return status.Errorf(codes.InvalidArgument, "no cached RPC client for worker %q", workerID)
	}
	client.RemoteCancelTask(ctx, objectID, forceKill, recursive, nil)
	return nil
}

// cancelWorkerLeaseIfNeeded implements §4.7: once a scheduling key's
// queue has drained and it holds no stealable surplus, any lease
// requests still outstanding on its behalf are no longer wanted.
//
// Must be called with s.mu held.
func (s *Submitter) cancelWorkerLeaseIfNeeded(ctx context.Context, key SchedulingKey) {
	entry, ok := s.schedulingKeyEntries[key]
	if !ok {
		return
	}
	if entry.taskQueue.Len() > 0 || entry.stealableTasks() {
		return
	}

	for taskID, raylet := range entry.pendingLeaseRequests {
		client, err := s.leaseClients.GetOrConnect(raylet)
		if err != nil {
			continue
		}
		client.CancelWorkerLease(ctx, taskID, func(success bool, err error) {
			s.onCancelWorkerLeaseReply(ctx, key, success, err)
		})
	}
}

// onCancelWorkerLeaseReply retries cancelWorkerLeaseIfNeeded when the
// raylet reports it does not (yet) know about the lease request being
// cancelled, since it may simply not have received it yet.
func (s *Submitter) onCancelWorkerLeaseReply(ctx context.Context, key SchedulingKey, success bool, err error) {
	s.enter()
	defer s.leave()

	if err == nil && !success {
		s.cancelWorkerLeaseIfNeeded(ctx, key)
	}
}
