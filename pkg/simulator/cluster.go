// Package simulator provides an in-memory stand-in for a raylet and
// its leased workers, used by the ray-submit "simulate" subcommand to
// exercise the submitter core end-to-end without a real cluster or
// wire protocol. None of this package is part of the scheduling core;
// it only implements the core's collaborator interfaces.
package simulator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/buildbarn/bonanza/pkg/submitter"
)

// Cluster simulates a single raylet fronting a fixed pool of workers.
// Leases are granted from whichever workers are currently idle, the
// most recently returned worker first. A lease request that arrives
// when every worker is busy is never answered and stays pending; the
// submitter keeps such tasks queued until one of its leased workers
// has room for them or a later lease request finds an idle worker.
type Cluster struct {
	mu      sync.Mutex
	address submitter.RayletAddress
	workers []*simulatedWorker
	idle    []int

	processingLatency time.Duration
}

// NewCluster creates a simulated raylet fronting numWorkers workers,
// each of which takes processingLatency to "execute" a pushed task.
func NewCluster(address submitter.RayletAddress, numWorkers int, processingLatency time.Duration) *Cluster {
	c := &Cluster{
		address:           address,
		processingLatency: processingLatency,
	}
	for i := 0; i < numWorkers; i++ {
		c.workers = append(c.workers, &simulatedWorker{
			id:      submitter.WorkerID(fmt.Sprintf("sim-worker-%d", i)),
			address: submitter.WorkerAddress(fmt.Sprintf("sim-worker-%d:0", i)),
			latency: processingLatency,
		})
		c.idle = append(c.idle, i)
	}
	return c
}

// GetBestNodeForTask implements submitter.LeasePolicy by always
// recommending this cluster's single simulated raylet.
func (c *Cluster) GetBestNodeForTask(ctx context.Context, spec submitter.ResourceSpec) (submitter.RayletAddress, error) {
	return c.address, nil
}

// LeaseClientFactory returns a submitter.LeaseClientFactory that
// connects to this cluster regardless of the address requested,
// since the simulated cluster only ever has one raylet.
func (c *Cluster) LeaseClientFactory() submitter.LeaseClientFactory {
	return func(address submitter.RayletAddress) (submitter.LeaseClient, error) {
		return &simulatedLeaseClient{cluster: c}, nil
	}
}

// WorkerClientFactory returns a submitter.WorkerClientFactory that
// looks up the simulated worker behind the requested address.
func (c *Cluster) WorkerClientFactory() submitter.WorkerClientFactory {
	return func(address submitter.WorkerAddress, workerID submitter.WorkerID) (submitter.WorkerClient, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, w := range c.workers {
			if w.address == address {
				return w, nil
			}
		}
		return nil, fmt.Errorf("simulated cluster has no worker at %q", address)
	}
}

func (c *Cluster) leaseIdleWorker() (*simulatedWorker, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.idle) == 0 {
		return nil, false
	}
	i := c.idle[len(c.idle)-1]
	c.idle = c.idle[:len(c.idle)-1]
	return c.workers[i], true
}

func (c *Cluster) returnWorker(id submitter.WorkerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.workers {
		if w.id == id {
			c.idle = append(c.idle, i)
			return
		}
	}
}

// simulatedLeaseClient is the submitter.LeaseClient view of the
// cluster's single raylet.
type simulatedLeaseClient struct {
	cluster *Cluster
}

func (l *simulatedLeaseClient) RequestWorkerLease(ctx context.Context, spec submitter.ResourceSpec, backlogSize int64, onReply func(reply *submitter.LeaseReply, err error)) {
	logrus.WithField("backlog_size", backlogSize).Debug("simulated raylet received lease request")
	worker, ok := l.cluster.leaseIdleWorker()
	if !ok {
		// No capacity right now; in a real cluster this would
		// park the request until a worker frees up or another
		// raylet is tried. The simulator simply never replies,
		// mirroring a lease request that is still pending.
		return
	}
	go onReply(&submitter.LeaseReply{
		Outcome:           submitter.LeaseGranted,
		WorkerAddress:     worker.address,
		WorkerID:          worker.id,
		AssignedResources: spec,
	}, nil)
}

func (l *simulatedLeaseClient) CancelWorkerLease(ctx context.Context, taskID submitter.TaskID, onReply func(attemptSucceeded bool, err error)) {
	go onReply(true, nil)
}

func (l *simulatedLeaseClient) ReturnWorker(ctx context.Context, workerAddress submitter.WorkerAddress, workerID submitter.WorkerID, wasError bool) error {
	l.cluster.returnWorker(workerID)
	logrus.WithFields(logrus.Fields{"worker_address": workerAddress, "was_error": wasError}).Debug("simulated worker returned")
	return nil
}

func (l *simulatedLeaseClient) ReportWorkerBacklog(ctx context.Context, workerID submitter.WorkerID, reports []submitter.BacklogReport) error {
	logrus.WithField("reports", reports).Debug("simulated backlog report")
	return nil
}

// simulatedWorker is the submitter.WorkerClient view of one worker
// slot: it "executes" pushed tasks after a fixed latency and never
// fails or steals on its own.
type simulatedWorker struct {
	mu      sync.Mutex
	id      submitter.WorkerID
	address submitter.WorkerAddress
	latency time.Duration
	queue   []submitter.TaskID
}

func (w *simulatedWorker) PushNormalTask(ctx context.Context, task *submitter.TaskSpec, onReply func(reply *submitter.PushTaskReply, err error)) {
	w.mu.Lock()
	w.queue = append(w.queue, task.ID)
	w.mu.Unlock()

	time.AfterFunc(w.latency, func() {
		logrus.WithFields(logrus.Fields{"task_id": task.ID, "worker_address": w.address}).Info("simulated task completed")
		onReply(&submitter.PushTaskReply{}, nil)
	})
}

func (w *simulatedWorker) StealTasks(ctx context.Context, onReply func(reply *submitter.StealTasksReply, err error)) {
	// The simulator keeps one worker per lease with no surplus to
	// steal; a richer simulation could drain w.queue here.
	go onReply(&submitter.StealTasksReply{}, nil)
}

func (w *simulatedWorker) CancelTask(ctx context.Context, taskID submitter.TaskID, forceKill, recursive bool, onReply func(attemptSucceeded bool, err error)) {
	go onReply(true, nil)
}

func (w *simulatedWorker) RemoteCancelTask(ctx context.Context, objectID submitter.ObjectID, forceKill, recursive bool, onReply func(err error)) {
	go onReply(nil)
}
