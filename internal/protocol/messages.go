// Package protocol defines the message set passed between a MasterQueue
// and its workers. It exists as its own package, separate from both
// internal/queue and internal/worker, purely to break the import cycle
// that would otherwise result: the master needs to address messages at a
// worker, and a worker needs to interpret messages from the master,
// without either package depending on the other.
package protocol

import "github.com/dagqueue/dagqueue/pkg/queue"

// Message is the common envelope for everything sent over a worker's
// inbound channel or the shared toMaster channel. Every message carries
// the worker id it concerns so the master can demultiplex the shared
// channel and a worker can ignore messages aimed at a different job.
//
// This mirrors the original design's Pipe-delivered message objects; see
// SPEC_FULL.md §0 for why a channel pair replaces the pipe.
type Message interface {
	worker() string
}

type base struct {
	WorkerID string
}

func (b base) worker() string { return b.WorkerID }

// --- master -> worker ---

// SubmitJob assigns a query to a worker. The worker replies with either
// WorkerAcceptedJob or WorkerRejectedJob.
type SubmitJob struct {
	base
	Query      queue.Query
	Dependency queue.Query
}

// JobInfoSnapshot answers a worker's WorkerWaiting request for the current
// state of the dependency it is blocked on.
type JobInfoSnapshot struct {
	base
	Info queue.JobInfo
}

// Ping asks a worker to prove liveness; the worker replies with Pong.
type Ping struct {
	base
}

// Stop asks a worker's goroutine to exit after finishing any in-flight
// message handling.
type Stop struct {
	base
}

// CancelJob asks a worker to abandon the query it is currently running,
// checked cooperatively at the worker's next suspension point.
type CancelJob struct {
	base
	Query queue.Query
}

// --- worker -> master ---

// WorkerStarting announces a new worker goroutine has begun initializing.
type WorkerStarting struct {
	base
}

// WorkerReady announces a worker is idle and eligible for dispatch.
type WorkerReady struct {
	base
}

// WorkerAcceptedJob confirms a worker began executing the query it was
// given.
type WorkerAcceptedJob struct {
	base
	Query queue.Query
}

// WorkerRejectedJob reports a worker refused the query it was given
// because it is already busy with another query.
type WorkerRejectedJob struct {
	base
	Query  queue.Query
	Reason string
}

// WorkerWaiting reports a worker has suspended the current query to wait
// on a dependency, and asks the master for that dependency's current
// JobInfo (and to be notified later if it is not yet terminal).
type WorkerWaiting struct {
	base
	Query      queue.Query
	Dependency queue.Query
}

// WorkerResuming reports a worker's wait has been satisfied and it has
// resumed executing the original query.
type WorkerResuming struct {
	base
	Query queue.Query
}

// WorkerFinishedJob reports a query completed successfully.
type WorkerFinishedJob struct {
	base
	Query  queue.Query
	Result interface{}
}

// WorkerFailedJob reports a query's executor returned an error.
type WorkerFailedJob struct {
	base
	Query queue.Query
	Err   error
}

// WorkerWrongRequest is sent back for any message kind a worker does not
// recognize or cannot act on in its current state. It exists so a worker
// never silently drops a message it cannot honor.
type WorkerWrongRequest struct {
	base
	Original Message
}

// Pong answers Ping.
type Pong struct {
	base
}

// Heartbeat is sent by a worker on its own ticker, independent of any job
// activity, so the master's health monitor can tell a quiet-but-alive
// worker apart from a dead one.
type Heartbeat struct {
	base
}
