package submitter

import "context"

// findOptimalVictimForStealing implements §4.6: pick the busiest
// active worker other than thief to steal from. It returns false if
// no worker qualifies as a victim.
//
// Must be called with s.mu held.
func findOptimalVictimForStealing(entry *schedulingKeyEntry, thief WorkerAddress) (WorkerAddress, *leaseEntry, bool) {
	if len(entry.activeWorkers) < 2 || !entry.stealableTasks() {
		return "", nil, false
	}

	var victimAddr WorkerAddress
	var victim *leaseEntry
	for addr, le := range entry.activeWorkers {
		switch {
		case victim == nil:
			victimAddr, victim = addr, le
		case victimAddr == thief:
			victimAddr, victim = addr, le
		case le.tasksInFlight > victim.tasksInFlight && addr != thief:
			victimAddr, victim = addr, le
		}
	}

	if victimAddr == thief || victim.tasksInFlight/2 < 1 {
		return "", nil, false
	}
	return victimAddr, victim, true
}

// stealTasksOrReturnWorker implements §4.6: an idle worker with an
// empty pipeline either steals half of a busier peer's in-flight
// tasks, or is handed back to its raylet if there is nothing to
// steal.
//
// Must be called with s.mu held.
func (s *Submitter) stealTasksOrReturnWorker(ctx context.Context, thiefAddr WorkerAddress, wasError bool, key SchedulingKey, resources ResourceSpec) {
	entry, ok := s.schedulingKeyEntries[key]
	if !ok {
		return
	}
	thief, ok := entry.activeWorkers[thiefAddr]
	if !ok || thief.tasksInFlight != 0 || thief.isStealing {
		return
	}

	if wasError || s.now.After(thief.leaseExpiration) {
		s.returnWorker(ctx, thiefAddr, key, wasError)
		return
	}

	victimAddr, victim, ok := findOptimalVictimForStealing(entry, thiefAddr)
	if !ok {
		if s.config.MaxTasksInFlightPerWorker > 1 {
			s.cancelWorkerLeaseIfNeeded(ctx, key)
		}
		s.returnWorker(ctx, thiefAddr, key, false)
		return
	}

	thief.isStealing = true
	victim.workerClient.StealTasks(ctx, func(reply *StealTasksReply, err error) {
		s.onStealTasksReply(ctx, thiefAddr, victimAddr, key, resources, reply, err)
	})
}

// onStealTasksReply implements the steal-reply handling of §4.6: the
// stolen task ids are re-queued ahead of anything still waiting, and
// the thief is driven forward again now that it may have work.
func (s *Submitter) onStealTasksReply(ctx context.Context, thiefAddr, victimAddr WorkerAddress, key SchedulingKey, resources ResourceSpec, reply *StealTasksReply, err error) {
	s.enter()
	defer s.leave()

	entry, ok := s.schedulingKeyEntries[key]
	if !ok {
		return
	}
	thief, ok := entry.activeWorkers[thiefAddr]
	if !ok || !thief.isStealing {
		return
	}

	if reply != nil {
		requeued := 0
		// Push stolen tasks front-to-back in reverse so that, after
		// all PushFront calls, they appear in the queue in the same
		// relative order the victim reports them in.
		for i := len(reply.StolenTaskIDs) - 1; i >= 0; i-- {
			taskID := reply.StolenTaskIDs[i]
			task, ok := s.taskFinisher.GetTaskSpec(taskID)
			if !ok {
				// The finisher has no record of this task: the
				// reply is untrusted RPC input, so skip it rather
				// than assert (§9 open question).
				continue
			}
			delete(s.executingTasks, taskID)
			entry.taskQueue.PushFront(task)
			requeued++
		}
		if s.metrics != nil && requeued > 0 {
			s.metrics.tasksStolenTotal.Add(float64(requeued))
		}
	}

	thief.isStealing = false
	s.onWorkerIdle(ctx, thiefAddr, key, err != nil, resources)
}
