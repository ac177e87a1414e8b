// Package submitter implements the client-side scheduling core that
// accepts submitted compute tasks, leases workers from raylets on
// their behalf, pipelines tasks onto those workers, and rebalances
// load between workers of the same scheduling class through work
// stealing.
//
// The package intentionally knows nothing about wire formats,
// textual logging, or configuration files: it is driven entirely
// through the collaborator interfaces declared in collaborators.go,
// and reports into an optional Metrics bundle rather than any global
// registry.
package submitter

import (
	"slices"
	"sort"
	"strconv"
	"strings"
)

// TaskID uniquely identifies a submitted task.
type TaskID string

// ActorID uniquely identifies an actor.
type ActorID string

// ObjectID identifies a value stored in the object store, used both
// as a task dependency and as the handle passed to CancelRemote.
type ObjectID string

// WorkerID uniquely identifies a leased worker process, independent
// of its network address.
type WorkerID string

// RayletAddress is the network address of a raylet that can grant
// worker leases.
type RayletAddress string

// WorkerAddress is the network address of a leased worker process.
type WorkerAddress string

// ResourceSpec describes a quantity of each named resource (CPU,
// GPU, memory, custom resources) required or granted.
type ResourceSpec map[string]float64

// WorkerRole distinguishes the two kinds of process that can host a
// submitter: a long-lived driver, or a worker executing on behalf of
// some other task.
type WorkerRole int

const (
	RoleDriver WorkerRole = iota
	RoleWorker
)

// ErrorKind classifies why a task ultimately failed, for reporting
// to the TaskFinisher.
type ErrorKind int

const (
	ErrorDependencyResolutionFailed ErrorKind = iota
	ErrorActorCreationFailed
	ErrorTaskCancelled
	ErrorRuntimeEnvSetupFailed
	ErrorActorPlacementGroupRemoved
	ErrorTaskPlacementGroupRemoved
	ErrorLocalRayletDied
	ErrorActorDied
	ErrorWorkerDied
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorDependencyResolutionFailed:
		return "dependency_resolution_failed"
	case ErrorActorCreationFailed:
		return "actor_creation_failed"
	case ErrorTaskCancelled:
		return "task_cancelled"
	case ErrorRuntimeEnvSetupFailed:
		return "runtime_env_setup_failed"
	case ErrorActorPlacementGroupRemoved:
		return "actor_placement_group_removed"
	case ErrorTaskPlacementGroupRemoved:
		return "task_placement_group_removed"
	case ErrorLocalRayletDied:
		return "local_raylet_died"
	case ErrorActorDied:
		return "actor_died"
	case ErrorWorkerDied:
		return "worker_died"
	default:
		return "unknown"
	}
}

// SchedulingKey groups tasks that are mutually interchangeable on the
// same leased worker: same scheduling class, same set of unresolved
// dependencies, same actor (if any), and same runtime environment.
//
// It is comparable, so it may be used directly as a map key.
type SchedulingKey struct {
	SchedulingClass  uint64
	dependencyIDsKey string
	ActorCreationID  ActorID
	RuntimeEnvHash   uint64
}

// NewSchedulingKey builds a SchedulingKey from a task's shape. The
// dependency id set is canonicalized (sorted, deduplicated) so that
// two tasks depending on the same objects in a different order share
// a key.
func NewSchedulingKey(schedulingClass uint64, dependencyIDs []ObjectID, actorCreationID ActorID, runtimeEnvHash uint64) SchedulingKey {
	ids := make([]string, len(dependencyIDs))
	for i, id := range dependencyIDs {
		ids[i] = string(id)
	}
	sort.Strings(ids)
	ids = slices.Compact(ids)
	return SchedulingKey{
		SchedulingClass:  schedulingClass,
		dependencyIDsKey: strings.Join(ids, ","),
		ActorCreationID:  actorCreationID,
		RuntimeEnvHash:   runtimeEnvHash,
	}
}

// String renders the key for logging and metric labels.
func (k SchedulingKey) String() string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(k.SchedulingClass, 10))
	if k.dependencyIDsKey != "" {
		b.WriteByte('/')
		b.WriteString(k.dependencyIDsKey)
	}
	if k.ActorCreationID != "" {
		b.WriteString("/actor=")
		b.WriteString(string(k.ActorCreationID))
	}
	return b.String()
}

// TaskSpec is the durable description of a submitted task, as it
// flows through dependency resolution and lease acquisition.
type TaskSpec struct {
	ID               TaskID
	JobID            string
	SchedulingClass  uint64
	DependencyIDs    []ObjectID
	ActorCreationID  ActorID
	RuntimeEnvHash   uint64
	IsActorCreation  bool
	RetryExceptions  bool
	ResourceSpec     ResourceSpec
}

// SchedulingKey derives the scheduling key that this task belongs to.
func (t *TaskSpec) SchedulingKey() SchedulingKey {
	return NewSchedulingKey(t.SchedulingClass, t.DependencyIDs, t.ActorCreationID, t.RuntimeEnvHash)
}
