package submitter_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/buildbarn/bonanza/pkg/submitter"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fakeClock is a settable time source, avoiding a dependency on the
// exact method set of bb-storage's clock.Mock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// sequentialUUIDGenerator returns a util.UUIDGenerator-compatible
// closure that hands out distinct, deterministic ids.
func sequentialUUIDGenerator() func() (uuid.UUID, error) {
	var n int
	return func() (uuid.UUID, error) {
		n++
		return uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-%012d", n)), nil
	}
}

// fakeDependencyResolver resolves every task successfully as soon as
// Resolve is called, synchronously, matching a resolver whose
// dependencies are already available in the local object store.
type fakeDependencyResolver struct{}

func (fakeDependencyResolver) Resolve(ctx context.Context, task *submitter.TaskSpec, onComplete func(err error)) {
	onComplete(nil)
}

// fakeActorCreator is unused by the tests in this package, which
// exercise only normal tasks, but must be supplied to satisfy
// Collaborators.
type fakeActorCreator struct{}

func (fakeActorCreator) AsyncCreate(ctx context.Context, task *submitter.TaskSpec, onComplete func(reply *submitter.ActorCreateReply, err error)) {
	onComplete(&submitter.ActorCreateReply{}, nil)
}

// finisherCall records one call made against fakeTaskFinisher, for
// assertions on ordering and arguments.
type finisherCall struct {
	method       string
	taskID       submitter.TaskID
	kind         submitter.ErrorKind
	err          error
	reply        *submitter.PushTaskReply
	actorAddress submitter.WorkerAddress
}

// fakeTaskFinisher records every call it receives and lets tests
// register task specs to be returned by GetTaskSpec, as the steal
// path requires.
type fakeTaskFinisher struct {
	mu    sync.Mutex
	calls []finisherCall

	specs     map[submitter.TaskID]*submitter.TaskSpec
	cancelOK  map[submitter.TaskID]bool
	retryOK   map[submitter.TaskID]bool
	cancelled map[submitter.TaskID]bool
}

func newFakeTaskFinisher() *fakeTaskFinisher {
	return &fakeTaskFinisher{
		specs:     map[submitter.TaskID]*submitter.TaskSpec{},
		cancelOK:  map[submitter.TaskID]bool{},
		retryOK:   map[submitter.TaskID]bool{},
		cancelled: map[submitter.TaskID]bool{},
	}
}

func (f *fakeTaskFinisher) registerSpec(task *submitter.TaskSpec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs[task.ID] = task
}

func (f *fakeTaskFinisher) CompletePendingTask(taskID submitter.TaskID, reply *submitter.PushTaskReply, actorAddress submitter.WorkerAddress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, finisherCall{method: "Complete", taskID: taskID, reply: reply, actorAddress: actorAddress})
}

func (f *fakeTaskFinisher) FailOrRetryPendingTask(taskID submitter.TaskID, kind submitter.ErrorKind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, finisherCall{method: "FailOrRetry", taskID: taskID, kind: kind, err: err})
}

func (f *fakeTaskFinisher) FailPendingTask(taskID submitter.TaskID, kind submitter.ErrorKind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, finisherCall{method: "Fail", taskID: taskID, kind: kind, err: err})
}

func (f *fakeTaskFinisher) MarkTaskCanceled(taskID submitter.TaskID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled[taskID] {
		return false
	}
	f.cancelled[taskID] = true
	if ok, set := f.cancelOK[taskID]; set {
		return ok
	}
	return true
}

func (f *fakeTaskFinisher) RetryTaskIfPossible(taskID submitter.TaskID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retryOK[taskID]
}

func (f *fakeTaskFinisher) GetTaskSpec(taskID submitter.TaskID) (*submitter.TaskSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.specs[taskID]
	return spec, ok
}

func (f *fakeTaskFinisher) callsFor(taskID submitter.TaskID) []finisherCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []finisherCall
	for _, c := range f.calls {
		if c.taskID == taskID {
			out = append(out, c)
		}
	}
	return out
}

// fakeLeasePolicy always recommends the same raylet.
type fakeLeasePolicy struct {
	address submitter.RayletAddress
}

func (p fakeLeasePolicy) GetBestNodeForTask(ctx context.Context, spec submitter.ResourceSpec) (submitter.RayletAddress, error) {
	return p.address, nil
}

// leaseRequest records one RequestWorkerLease call so a test can
// invoke its reply whenever it likes.
type leaseRequest struct {
	spec        submitter.ResourceSpec
	backlogSize int64
	onReply     func(reply *submitter.LeaseReply, err error)
}

// fakeLeaseClient is a hand-written fake for submitter.LeaseClient
// that records every call. Lease requests are not answered
// automatically, so tests can drive their replies at the moment they
// want to; CancelWorkerLease replies success immediately.
type fakeLeaseClient struct {
	mu sync.Mutex

	leaseRequests  []*leaseRequest
	cancelRequests []submitter.TaskID
	returned       []submitter.WorkerAddress
	backlogReports [][]submitter.BacklogReport
}

func (c *fakeLeaseClient) RequestWorkerLease(ctx context.Context, spec submitter.ResourceSpec, backlogSize int64, onReply func(reply *submitter.LeaseReply, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaseRequests = append(c.leaseRequests, &leaseRequest{spec: spec, backlogSize: backlogSize, onReply: onReply})
}

func (c *fakeLeaseClient) CancelWorkerLease(ctx context.Context, taskID submitter.TaskID, onReply func(attemptSucceeded bool, err error)) {
	c.mu.Lock()
	c.cancelRequests = append(c.cancelRequests, taskID)
	c.mu.Unlock()
	onReply(true, nil)
}

func (c *fakeLeaseClient) ReturnWorker(ctx context.Context, workerAddress submitter.WorkerAddress, workerID submitter.WorkerID, wasError bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.returned = append(c.returned, workerAddress)
	return nil
}

func (c *fakeLeaseClient) ReportWorkerBacklog(ctx context.Context, workerID submitter.WorkerID, reports []submitter.BacklogReport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backlogReports = append(c.backlogReports, reports)
	return nil
}

func (c *fakeLeaseClient) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.leaseRequests {
		if r != nil {
			n++
		}
	}
	return n
}

// leaseRequestAt returns the i'th lease request recorded, so callers
// can invoke its onReply whenever they like.
func (c *fakeLeaseClient) leaseRequestAt(i int) *leaseRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaseRequests[i]
}

// fakeLeaseClientPool hands out one fakeLeaseClient per raylet
// address, creating it lazily, playing the role of leaseclient.Pool.
type fakeLeaseClientPool struct {
	mu      sync.Mutex
	clients map[submitter.RayletAddress]*fakeLeaseClient
}

func newFakeLeaseClientPool() *fakeLeaseClientPool {
	return &fakeLeaseClientPool{clients: map[submitter.RayletAddress]*fakeLeaseClient{}}
}

func (p *fakeLeaseClientPool) GetOrConnect(address submitter.RayletAddress) (submitter.LeaseClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[address]
	if !ok {
		c = &fakeLeaseClient{}
		p.clients[address] = c
	}
	return c, nil
}

func (p *fakeLeaseClientPool) get(address submitter.RayletAddress) *fakeLeaseClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clients[address]
}

// pushRequest records one PushNormalTask call.
type pushRequest struct {
	task    *submitter.TaskSpec
	onReply func(reply *submitter.PushTaskReply, err error)
}

// fakeWorkerClient is a hand-written fake for submitter.WorkerClient.
type fakeWorkerClient struct {
	mu sync.Mutex

	pushes      []*pushRequest
	stealReply  func(onReply func(reply *submitter.StealTasksReply, err error))
	cancels     []submitter.TaskID
	remoteCalls []submitter.ObjectID
}

func newFakeWorkerClient() *fakeWorkerClient {
	return &fakeWorkerClient{}
}

func (c *fakeWorkerClient) PushNormalTask(ctx context.Context, task *submitter.TaskSpec, onReply func(reply *submitter.PushTaskReply, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushes = append(c.pushes, &pushRequest{task: task, onReply: onReply})
}

func (c *fakeWorkerClient) StealTasks(ctx context.Context, onReply func(reply *submitter.StealTasksReply, err error)) {
	c.mu.Lock()
	reply := c.stealReply
	c.mu.Unlock()
	if reply != nil {
		reply(onReply)
	} else {
		onReply(&submitter.StealTasksReply{}, nil)
	}
}

func (c *fakeWorkerClient) CancelTask(ctx context.Context, taskID submitter.TaskID, forceKill, recursive bool, onReply func(attemptSucceeded bool, err error)) {
	c.mu.Lock()
	c.cancels = append(c.cancels, taskID)
	c.mu.Unlock()
	onReply(true, nil)
}

func (c *fakeWorkerClient) RemoteCancelTask(ctx context.Context, objectID submitter.ObjectID, forceKill, recursive bool, onReply func(err error)) {
	c.mu.Lock()
	c.remoteCalls = append(c.remoteCalls, objectID)
	c.mu.Unlock()
	if onReply != nil {
		onReply(nil)
	}
}

func (c *fakeWorkerClient) pushCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pushes)
}

func (c *fakeWorkerClient) pushAt(i int) *pushRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushes[i]
}

// fakeWorkerClientCache maps worker address/id to fakeWorkerClient,
// playing the role of workerclient.Cache.
type fakeWorkerClientCache struct {
	mu        sync.Mutex
	byAddress map[submitter.WorkerAddress]*fakeWorkerClient
	byID      map[submitter.WorkerID]*fakeWorkerClient
}

func newFakeWorkerClientCache() *fakeWorkerClientCache {
	return &fakeWorkerClientCache{
		byAddress: map[submitter.WorkerAddress]*fakeWorkerClient{},
		byID:      map[submitter.WorkerID]*fakeWorkerClient{},
	}
}

func (c *fakeWorkerClientCache) GetOrConnect(address submitter.WorkerAddress, workerID submitter.WorkerID) (submitter.WorkerClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	client, ok := c.byAddress[address]
	if !ok {
		client = newFakeWorkerClient()
		c.byAddress[address] = client
		c.byID[workerID] = client
	}
	return client, nil
}

func (c *fakeWorkerClientCache) GetByID(workerID submitter.WorkerID) (submitter.WorkerClient, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	client, ok := c.byID[workerID]
	return client, ok
}

func (c *fakeWorkerClientCache) get(address submitter.WorkerAddress) *fakeWorkerClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byAddress[address]
}

// testHarness bundles a Submitter with its fakes for convenient
// assertions.
type testHarness struct {
	submitter     *submitter.Submitter
	clock         *fakeClock
	finisher      *fakeTaskFinisher
	leaseClients  *fakeLeaseClientPool
	workerClients *fakeWorkerClientCache
	config        submitter.Config
}

const localRaylet = submitter.RayletAddress("raylet-local:1")

func newTestHarness(configure func(*submitter.Config)) *testHarness {
	config := submitter.DefaultConfig()
	config.LocalRayletAddress = localRaylet
	config.MaxTasksInFlightPerWorker = 4
	config.MaxPendingLeaseRequestsPerSchedulingCategory = 10
	config.Role = submitter.RoleDriver
	if configure != nil {
		configure(&config)
	}

	h := &testHarness{
		clock:         newFakeClock(time.Unix(0, 0)),
		finisher:      newFakeTaskFinisher(),
		leaseClients:  newFakeLeaseClientPool(),
		workerClients: newFakeWorkerClientCache(),
		config:        config,
	}
	h.submitter = submitter.NewSubmitter(config, submitter.Collaborators{
		Clock:              h.clock,
		UUIDGenerator:      sequentialUUIDGenerator(),
		DependencyResolver: fakeDependencyResolver{},
		ActorCreator:       fakeActorCreator{},
		TaskFinisher:       h.finisher,
		LeasePolicy:        fakeLeasePolicy{address: localRaylet},
		LeaseClients:       h.leaseClients,
		WorkerClients:      h.workerClients,
	})
	return h
}

func newTask(id string, schedulingClass uint64) *submitter.TaskSpec {
	return &submitter.TaskSpec{
		ID:              submitter.TaskID(id),
		SchedulingClass: schedulingClass,
		ResourceSpec:    submitter.ResourceSpec{"CPU": 1},
	}
}

// zeroTime is a fixed reference time for tests that don't care about
// lease expiry.
func zeroTime() time.Time {
	return time.Unix(0, 0)
}

// unavailableErr constructs a gRPC status error with codes.Unavailable,
// the way a real transport reports the local raylet being down.
func unavailableErr() error {
	return status.Error(codes.Unavailable, "raylet unavailable")
}

// grantLease drives one pending lease request on localClient through
// to a grant, installing a worker at addr, and returns the reply used
// so tests can reuse its resources.
func grantLease(localClient *fakeLeaseClient, index int, addr submitter.WorkerAddress) *submitter.LeaseReply {
	req := localClient.leaseRequestAt(index)
	reply := &submitter.LeaseReply{
		Outcome:           submitter.LeaseGranted,
		WorkerAddress:     addr,
		WorkerID:          submitter.WorkerID(addr),
		AssignedResources: submitter.ResourceSpec{"CPU": 1},
	}
	req.onReply(reply, nil)
	return reply
}
