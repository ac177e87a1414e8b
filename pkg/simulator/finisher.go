package simulator

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/buildbarn/bonanza/pkg/submitter"
)

// ImmediateDependencyResolver resolves every task as soon as it is
// asked to, matching a driver whose object dependencies are already
// local. It satisfies submitter.DependencyResolver.
type ImmediateDependencyResolver struct{}

func (ImmediateDependencyResolver) Resolve(ctx context.Context, task *submitter.TaskSpec, onComplete func(err error)) {
	onComplete(nil)
}

// NoActorCreator rejects actor-creation tasks, since the simulator
// only demonstrates normal task pipelining and stealing.
type NoActorCreator struct{}

func (NoActorCreator) AsyncCreate(ctx context.Context, task *submitter.TaskSpec, onComplete func(reply *submitter.ActorCreateReply, err error)) {
	onComplete(nil, status.Error(codes.Unimplemented, "the simulated cluster does not support actor creation"))
}

// Finisher records every task's terminal outcome and lets a caller
// block until a target number of tasks have finished, so the
// "simulate" command can wait for its workload before exiting.
type Finisher struct {
	mu        sync.Mutex
	specs     map[submitter.TaskID]*submitter.TaskSpec
	completed int
	done      chan struct{}
	want      int
}

// NewFinisher creates a Finisher that closes its Done channel once
// want tasks have reached a terminal state.
func NewFinisher(want int) *Finisher {
	return &Finisher{
		specs: map[submitter.TaskID]*submitter.TaskSpec{},
		done:  make(chan struct{}),
		want:  want,
	}
}

// RegisterSpec makes task retrievable via GetTaskSpec, required for
// the steal path to re-enqueue a task the finisher didn't originate.
func (f *Finisher) RegisterSpec(task *submitter.TaskSpec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs[task.ID] = task
}

// Done returns a channel that closes once the number of completion
// and failure reports reaches the count passed to NewFinisher.
func (f *Finisher) Done() <-chan struct{} {
	return f.done
}

func (f *Finisher) markTerminal(taskID submitter.TaskID) {
	f.mu.Lock()
	f.completed++
	completed, want := f.completed, f.want
	f.mu.Unlock()
	if completed == want {
		close(f.done)
	}
}

func (f *Finisher) CompletePendingTask(taskID submitter.TaskID, reply *submitter.PushTaskReply, actorAddress submitter.WorkerAddress) {
	logrus.WithField("task_id", taskID).Info("task completed")
	f.markTerminal(taskID)
}

func (f *Finisher) FailOrRetryPendingTask(taskID submitter.TaskID, kind submitter.ErrorKind, err error) {
	logrus.WithFields(logrus.Fields{"task_id": taskID, "kind": kind.String()}).WithError(err).Warn("task failed")
	f.markTerminal(taskID)
}

func (f *Finisher) FailPendingTask(taskID submitter.TaskID, kind submitter.ErrorKind, err error) {
	logrus.WithFields(logrus.Fields{"task_id": taskID, "kind": kind.String()}).WithError(err).Error("task failed permanently")
	f.markTerminal(taskID)
}

func (f *Finisher) MarkTaskCanceled(taskID submitter.TaskID) bool {
	return true
}

func (f *Finisher) RetryTaskIfPossible(taskID submitter.TaskID) bool {
	return false
}

func (f *Finisher) GetTaskSpec(taskID submitter.TaskID) (*submitter.TaskSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.specs[taskID]
	return spec, ok
}
