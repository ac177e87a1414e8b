package submitter

import "context"

// onWorkerIdle drives a single leased worker forward: it either
// pipelines more queued tasks onto it, or decides the worker should
// stop serving this key and hands it to StealTasksOrReturnWorker
// (§4.2).
//
// Must be called with s.mu held. resources is only meaningful when
// the worker was just leased (it carries the grant's assigned
// resources); on later calls it may be nil.
func (s *Submitter) onWorkerIdle(ctx context.Context, addr WorkerAddress, key SchedulingKey, wasError bool, resources ResourceSpec) {
	entry, ok := s.schedulingKeyEntries[key]
	if !ok {
		return
	}
	le, ok := entry.activeWorkers[addr]
	if !ok {
		return
	}
	if resources != nil {
		le.assignedResources = resources
	}

	expired := s.now.After(le.leaseExpiration)
	shouldStopServing := wasError || expired || (entry.taskQueue.Len() == 0 && !le.isStealing)

	if shouldStopServing {
		if le.tasksInFlight == 0 {
			s.stealTasksOrReturnWorker(ctx, addr, wasError, key, le.assignedResources)
		}
		// Otherwise wait for the outstanding pushes to finish;
		// their replies will call back into onWorkerIdle.
		return
	}

	for entry.taskQueue.Len() > 0 && le.tasksInFlight < s.config.MaxTasksInFlightPerWorker {
		task, _ := entry.taskQueue.Front()
		entry.taskQueue.PopFront()
		le.tasksInFlight++
		entry.totalTasksInFlight++
		s.executingTasks[task.ID] = addr
		if queuedAt, ok := s.taskQueuedAt[task.ID]; ok {
			delete(s.taskQueuedAt, task.ID)
			if s.metrics != nil {
				s.metrics.taskQueuedDuration.WithLabelValues(schedulingClassLabel(task.SchedulingClass)).Observe(s.now.Sub(queuedAt).Seconds())
			}
		}
		s.pushNormalTask(ctx, addr, key, task)
	}

	if s.config.MaxTasksInFlightPerWorker == 1 {
		s.cancelWorkerLeaseIfNeeded(ctx, key)
	}

	s.requestNewWorkerIfNeeded(ctx, key, "")
}

// pushNormalTask issues the RPC that hands task to the worker at
// addr (§4.5). The reply is processed by onPushNormalTaskReply.
//
// Must be called with s.mu held.
func (s *Submitter) pushNormalTask(ctx context.Context, addr WorkerAddress, key SchedulingKey, task *TaskSpec) {
	entry := s.schedulingKeyEntries[key]
	le := entry.activeWorkers[addr]

	if s.metrics != nil {
		s.metrics.tasksPushedTotal.WithLabelValues(schedulingClassLabel(task.SchedulingClass)).Inc()
		s.metrics.tasksInFlight.WithLabelValues(schedulingClassLabel(task.SchedulingClass)).Inc()
	}

	le.workerClient.PushNormalTask(ctx, task, func(reply *PushTaskReply, err error) {
		s.onPushNormalTaskReply(ctx, addr, key, task, reply, err)
	})
}

// onPushNormalTaskReply implements the push-reply handling of §4.5.
func (s *Submitter) onPushNormalTaskReply(ctx context.Context, addr WorkerAddress, key SchedulingKey, task *TaskSpec, reply *PushTaskReply, err error) {
	s.enter()

	delete(s.executingTasks, task.ID)
	if entry, ok := s.schedulingKeyEntries[key]; ok {
		if le, ok := entry.activeWorkers[addr]; ok {
			le.tasksInFlight--
			entry.totalTasksInFlight--

			if reply != nil && reply.WorkerExiting {
				delete(entry.activeWorkers, addr)
				s.removeSchedulingKeyEntryIfEmpty(key)
			} else if reply != nil && reply.TaskWasStolen {
				// Nothing to do here: the steal-reply path has
				// already re-queued the task and driven the
				// thief.
			} else if err != nil || !task.IsActorCreation {
				s.onWorkerIdle(ctx, addr, key, err != nil, nil)
			}
		}
	}

	s.leave()

	if s.metrics != nil {
		s.metrics.tasksInFlight.WithLabelValues(schedulingClassLabel(task.SchedulingClass)).Dec()
	}

	if reply != nil && reply.TaskWasStolen {
		return
	}

	if err != nil {
		kind := ErrorWorkerDied
		if task.IsActorCreation {
			kind = ErrorActorDied
		}
		s.taskFinisher.FailOrRetryPendingTask(task.ID, kind, err)
		s.recordCompletion(task, "error")
		return
	}

	if reply != nil && reply.IsApplicationError && task.RetryExceptions {
		if s.taskFinisher.RetryTaskIfPossible(task.ID) {
			s.recordCompletion(task, "retried")
			return
		}
	}

	s.taskFinisher.CompletePendingTask(task.ID, reply, "")
	s.recordCompletion(task, "ok")
}

func (s *Submitter) recordCompletion(task *TaskSpec, result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.tasksCompletedTotal.WithLabelValues(schedulingClassLabel(task.SchedulingClass), result).Inc()
}
