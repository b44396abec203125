// Package queue defines the public data model shared between a MasterQueue
// and the code that submits and consumes jobs: queries, job status, and the
// worker bookkeeping fields surfaced through Report.
package queue

import "time"

// Query identifies a unit of work. A query is opaque to the queue itself;
// only the registered Executor gives it meaning.
type Query string

// JobStatus is the state of a job tracked by a MasterQueue. Jobs move
// through these states in one direction only, except for the
// Running <-> Waiting oscillation a job performs while it blocks on a
// dependency, and the return to Queued when its worker rejects it or is
// evicted.
type JobStatus string

const (
	// StatusUnknown is returned for a query the registry has never seen.
	StatusUnknown JobStatus = "UNKNOWN"
	// StatusNotInQueue is a status value distinct from StatusUnknown for
	// "the job existed, it just isn't live". MasterQueue never assigns it:
	// terminal jobs stay in the registry with their terminal status.
	StatusNotInQueue JobStatus = "NOT_IN_QUEUE"
	// StatusQueued is the initial state: submitted, waiting for a worker.
	StatusQueued JobStatus = "QUEUED"
	// StatusAssigned is set the instant the master hands the job to a
	// worker, before that worker has confirmed it accepted the job.
	StatusAssigned JobStatus = "ASSIGNED"
	// StatusRunning is set once the worker confirms it accepted the job.
	StatusRunning JobStatus = "RUNNING"
	// StatusWaiting is set while the assigned worker is blocked inside
	// WaitFor on one of the job's dependencies.
	StatusWaiting JobStatus = "WAITING"
	// StatusCompleted is terminal: Result is populated, Error is nil.
	StatusCompleted JobStatus = "COMPLETED"
	// StatusFailed is terminal: Error is populated, Result is nil.
	StatusFailed JobStatus = "FAILED"
)

// IsDone reports whether status is one of the two terminal states.
func (s JobStatus) IsDone() bool {
	return s == StatusCompleted || s == StatusFailed
}

// JobInfo is the bookkeeping record a MasterQueue keeps for one query.
// Concurrency: callers only ever see a copy (Result/Wait return values,
// never live pointers), so there is no aliasing hazard across goroutines.
type JobInfo struct {
	Query          Query
	Status         JobStatus
	WorkerID       string
	Dependency     Query // "" if the job has no dependency
	Result         interface{}
	Error          error
	Message        string // last human-readable status note, for Report
	SubmitTime     time.Time
	StartTime      time.Time
	LastUpdateTime time.Time
}

// WorkerStatus is the lifecycle state of one worker as tracked by the
// WorkerRegistry.
type WorkerStatus string

const (
	// WorkerSpawned marks a worker goroutine that has been started but
	// has not yet sent WorkerStarting.
	WorkerSpawned WorkerStatus = "SPAWNED"
	// WorkerStarting marks a worker that announced itself but has not
	// yet announced readiness.
	WorkerStarting WorkerStatus = "STARTING"
	// WorkerReady marks an idle worker eligible for dispatch.
	WorkerReady WorkerStatus = "READY"
	// WorkerBusy marks a worker currently assigned a job (running or
	// waiting on a dependency).
	WorkerBusy WorkerStatus = "BUSY"
)

// WorkerInfo is the bookkeeping record a MasterQueue keeps for one worker,
// as surfaced through Report.
type WorkerInfo struct {
	WorkerID       string
	Status         WorkerStatus
	CurrentQuery   Query
	StartTime      time.Time
	LastReadyTime  time.Time
	LastUpdateTime time.Time
	CrashCount     int
}
