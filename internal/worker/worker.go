// ============================================================================
// Dagqueue Worker - Dependency-Aware Job Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: executes queries assigned by a master, suspending and resuming
//   on dependencies without blocking any other worker.
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the
//   following loop, reading from its own addressable inbound channel:
//   1. Receive a message from toWorker (blocking wait, alongside a
//      heartbeat ticker and the caller's context)
//   2. On SubmitJob, accept it and run the configured Executor (a
//      SubmitJob arriving while a job is suspended in WaitFor is rejected)
//   3. The Executor may call back into WaitFor one or more times. If the
//      dependency is still unclaimed, the master hands it to this same
//      worker rather than requiring a second idle one; WaitFor then runs
//      it inline, recursing down the chain on this goroutine's own stack
//      the way original_source/queue/design4.py's wait_for does, instead
//      of parking until some other worker happens to pick it up. Only a
//      dependency another worker already owns makes this one truly
//      suspend, ticking its own heartbeat while it waits.
//   4. Report the terminal result (WorkerFinishedJob/WorkerFailedJob) and
//      announce WorkerReady again
//
// Message-driven, not task-channel-driven:
//   The teacher's worker pool fed work through a single shared taskCh;
//   this worker's inbound channel instead carries the full message
//   protocol (messages.go), because a worker here must also receive
//   JobInfoSnapshot/Ping/Stop/CancelJob while busy, not just at the top
//   of its loop.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dagqueue/dagqueue/internal/protocol"
	"github.com/dagqueue/dagqueue/internal/executor"
	"github.com/dagqueue/dagqueue/pkg/queue"
)

// ErrCancelled is returned by WaitFor (and surfaces as the job's error)
// when CancelJob arrives for the query currently running.
var ErrCancelled = errors.New("worker: job cancelled")

// ErrStopped is returned by WaitFor when Stop arrives while the worker is
// suspended on a dependency.
var ErrStopped = errors.New("worker: stop requested")

// Worker executes queries on behalf of a master, one at a time, over its
// own addressable inbound channel plus the shared outbound channel every
// worker fans into.
type Worker struct {
	id       string
	toWorker <-chan protocol.Message
	toMaster chan<- protocol.Message
	exec     executor.Executor
	heartbeat time.Duration
	log      *slog.Logger
}

// New builds a Worker. toWorker is this worker's own addressable inbound
// channel; toMaster is the channel shared by every worker in the pool.
func New(id string, toWorker <-chan protocol.Message, toMaster chan<- protocol.Message, exec executor.Executor, heartbeat time.Duration) *Worker {
	return &Worker{
		id:        id,
		toWorker:  toWorker,
		toMaster:  toMaster,
		exec:      exec,
		heartbeat: heartbeat,
		log:       slog.Default().With("worker_id", id),
	}
}

// Run is the Worker's main loop. It returns when ctx is cancelled or
// toWorker is closed, after announcing WorkerStarting/WorkerReady and
// before that, a Heartbeat on every tick.
func (w *Worker) Run(ctx context.Context) {
	w.send(protocol.WorkerStarting{})
	w.send(protocol.WorkerReady{})
	w.log.Info("worker ready")

	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.send(protocol.Heartbeat{})
		case msg, ok := <-w.toWorker:
			if !ok {
				return
			}
			if w.handleTop(ctx, msg) {
				return
			}
		}
	}
}

// handleTop dispatches a message received at the top of the loop, i.e.
// while the worker is idle. It returns true if the worker should exit.
func (w *Worker) handleTop(ctx context.Context, msg protocol.Message) bool {
	switch m := msg.(type) {
	case protocol.SubmitJob:
		w.runJob(ctx, m)
		w.send(protocol.WorkerReady{})
		return false
	case protocol.Ping:
		w.send(protocol.Pong{})
		return false
	case protocol.Stop:
		return true
	default:
		w.send(protocol.WorkerWrongRequest{Original: msg})
		return false
	}
}

// runJob accepts and executes one query, reporting its terminal outcome.
func (w *Worker) runJob(ctx context.Context, m protocol.SubmitJob) {
	w.runInline(ctx, m)
}

// runInline accepts and executes m.Query to completion, reporting its
// outcome, and returns the resulting JobInfo so a caller already holding a
// result in hand (WaitFor claiming its own dependency) does not need a
// round trip back through the master to learn it. Used both for a
// top-level SubmitJob and for a dependency this worker claims for itself
// inside WaitFor.
func (w *Worker) runInline(ctx context.Context, m protocol.SubmitJob) queue.JobInfo {
	w.send(protocol.WorkerAcceptedJob{Query: m.Query})

	handle := &jobHandle{worker: w, query: m.Query}
	result, err := w.exec.Execute(ctx, handle, m.Query, m.Dependency)
	if err != nil {
		w.send(protocol.WorkerFailedJob{Query: m.Query, Err: err})
		return queue.JobInfo{Query: m.Query, Status: queue.StatusFailed, Error: err}
	}
	w.send(protocol.WorkerFinishedJob{Query: m.Query, Result: result})
	return queue.JobInfo{Query: m.Query, Status: queue.StatusCompleted, Result: result}
}

func (w *Worker) send(m protocol.Message) {
	switch v := m.(type) {
	case protocol.WorkerStarting:
		v.WorkerID = w.id
		w.toMaster <- v
	case protocol.WorkerReady:
		v.WorkerID = w.id
		w.toMaster <- v
	case protocol.Heartbeat:
		v.WorkerID = w.id
		w.toMaster <- v
	case protocol.Pong:
		v.WorkerID = w.id
		w.toMaster <- v
	case protocol.WorkerAcceptedJob:
		v.WorkerID = w.id
		w.toMaster <- v
	case protocol.WorkerRejectedJob:
		v.WorkerID = w.id
		w.toMaster <- v
	case protocol.WorkerWaiting:
		v.WorkerID = w.id
		w.toMaster <- v
	case protocol.WorkerResuming:
		v.WorkerID = w.id
		w.toMaster <- v
	case protocol.WorkerFinishedJob:
		v.WorkerID = w.id
		w.toMaster <- v
	case protocol.WorkerFailedJob:
		v.WorkerID = w.id
		w.toMaster <- v
	case protocol.WorkerWrongRequest:
		v.WorkerID = w.id
		w.toMaster <- v
	default:
		w.log.Warn("dropping unaddressable message", "type", m)
	}
}

// jobHandle implements executor.QueueHandle for one query's Execute call.
type jobHandle struct {
	worker *Worker
	query  queue.Query
}

// WaitFor suspends the current query on dependency dep. It announces
// WorkerWaiting, then performs a nested receive loop on the same
// goroutine's inbound channel: Ping is answered inline, a Heartbeat ticks
// on this worker's own schedule the whole time it is parked (so the
// health monitor does not mistake a legitimately waiting worker for a
// dead one), messages for a different query are defensively rejected, and
// the loop returns once either a JobInfoSnapshot naming dep arrives (some
// other worker already owns it) or a SubmitJob naming dep arrives (no one
// owns it yet, so the master handed it to this same worker to run
// inline, recursing down the dependency chain on this call stack exactly
// as original_source/queue/design4.py's wait_for does).
func (h *jobHandle) WaitFor(ctx context.Context, dep queue.Query) (queue.JobInfo, error) {
	w := h.worker
	w.send(protocol.WorkerWaiting{Query: h.query, Dependency: dep})

	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return queue.JobInfo{}, ctx.Err()
		case <-ticker.C:
			w.send(protocol.Heartbeat{})
		case msg, ok := <-w.toWorker:
			if !ok {
				return queue.JobInfo{}, ErrStopped
			}
			switch m := msg.(type) {
			case protocol.JobInfoSnapshot:
				if m.Info.Query != dep {
					w.send(protocol.WorkerWrongRequest{Original: msg})
					continue
				}
				w.send(protocol.WorkerResuming{Query: h.query})
				return m.Info, nil
			case protocol.Ping:
				w.send(protocol.Pong{})
			case protocol.SubmitJob:
				if m.Query != dep {
					// Already busy with h.query; a SubmitJob naming some
					// other query arriving here means the master thinks
					// this worker is idle.
					w.send(protocol.WorkerRejectedJob{Query: m.Query, Reason: "worker busy"})
					continue
				}
				info := w.runInline(ctx, m)
				w.send(protocol.WorkerResuming{Query: h.query})
				return info, nil
			case protocol.CancelJob:
				if m.Query == h.query {
					return queue.JobInfo{}, ErrCancelled
				}
				w.send(protocol.WorkerWrongRequest{Original: msg})
			case protocol.Stop:
				return queue.JobInfo{}, ErrStopped
			default:
				w.send(protocol.WorkerWrongRequest{Original: msg})
			}
		}
	}
}
