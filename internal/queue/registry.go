package queue

import (
	"sync"
	"time"

	"github.com/dagqueue/dagqueue/pkg/queue"
)

// jobRegistry is the master's bookkeeping store for every query it has
// ever seen: the JobInfo state machine, a FIFO ready queue of queries
// waiting for a worker, and the RequestTable of workers blocked on a
// query's result.
//
// Concurrency: protected by mu. Every exported method takes the lock for
// its own duration and never calls back into jobRegistry while held,
// mirroring internal/jobmanager/job_manager.go's locking discipline.
type jobRegistry struct {
	mu    sync.RWMutex
	jobs  map[queue.Query]*queue.JobInfo
	ready []queue.Query // FIFO of StatusQueued queries

	// requests maps a query to the set of worker ids blocked in WaitFor
	// on it, so completion/failure can notify every waiter, not just the
	// first.
	requests map[queue.Query]map[string]struct{}

	// done holds one channel per query, closed the moment that query
	// reaches a terminal status. External callers use this through
	// MasterQueue.Wait; it is the host-facing equivalent of requests,
	// which serves worker-side WaitFor instead.
	done map[queue.Query]chan struct{}
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{
		jobs:     make(map[queue.Query]*queue.JobInfo),
		requests: make(map[queue.Query]map[string]struct{}),
		done:     make(map[queue.Query]chan struct{}),
	}
}

// submit records a new query as QUEUED. It returns false without
// modifying anything if the query is already known, matching spec.md's
// choice to treat resubmission as a no-op that shares the existing
// result.
func (r *jobRegistry) submit(q queue.Query, dependency queue.Query, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[q]; ok {
		return false
	}
	r.jobs[q] = &queue.JobInfo{
		Query:          q,
		Status:         queue.StatusQueued,
		Dependency:     dependency,
		SubmitTime:     now,
		LastUpdateTime: now,
	}
	r.ready = append(r.ready, q)
	r.done[q] = make(chan struct{})
	return true
}

// doneChan returns the channel that closes when q reaches a terminal
// status, or (nil, false) if q is unknown.
func (r *jobRegistry) doneChan(q queue.Query) (chan struct{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.done[q]
	return ch, ok
}

// get returns a copy of the JobInfo for q, or (zero, false) if unknown.
func (r *jobRegistry) get(q queue.Query) (queue.JobInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.jobs[q]
	if !ok {
		return queue.JobInfo{}, false
	}
	return *info, true
}

// status returns StatusUnknown for a query the registry has never seen,
// distinct from StatusNotInQueue which callers use to mean "was here, is
// no longer live" — the registry itself never produces NOT_IN_QUEUE
// (spec.md leaves eviction of terminal jobs out of scope), so status
// only ever reports StatusUnknown or a job's real status.
func (r *jobRegistry) status(q queue.Query) queue.JobStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.jobs[q]
	if !ok {
		return queue.StatusUnknown
	}
	return info.Status
}

// popReady removes and returns the oldest query from the ready queue, or
// ("", false) if it is empty.
func (r *jobRegistry) popReady() (queue.Query, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ready) == 0 {
		return "", false
	}
	q := r.ready[0]
	r.ready = r.ready[1:]
	return q, true
}

// pushReady re-enqueues q at the tail of the ready queue without touching
// its JobInfo. Used for crash-requeue.
func (r *jobRegistry) pushReady(q queue.Query) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = append(r.ready, q)
}

// pushReadyHead re-enqueues q at the head of the ready queue, so it is
// the next query dispatched rather than the last. Used for a worker's
// own rejection of a job it was mistakenly handed.
func (r *jobRegistry) pushReadyHead(q queue.Query) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = append([]queue.Query{q}, r.ready...)
}

// claimReady removes q from the ready queue wherever it sits, if it is
// there at all, and reports whether it found it. Used to hand an
// unclaimed dependency straight to the worker already blocked waiting on
// it instead of requiring dispatch to find it a separate idle worker,
// which is what makes a dependency chain deeper than the worker pool
// resolve instead of deadlock.
func (r *jobRegistry) claimReady(q queue.Query) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.ready {
		if cur == q {
			r.ready = append(r.ready[:i], r.ready[i+1:]...)
			return true
		}
	}
	return false
}

func (r *jobRegistry) transition(q queue.Query, from map[queue.JobStatus]bool, to queue.JobStatus, transition string, mutate func(*queue.JobInfo), now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.jobs[q]
	if !ok {
		return queue.ErrNotFound
	}
	if !from[info.Status] {
		return &queue.InvalidStateError{Query: q, From: info.Status, Transition: transition}
	}
	info.Status = to
	info.LastUpdateTime = now
	if mutate != nil {
		mutate(info)
	}
	return nil
}

// assign moves q from QUEUED to ASSIGNED, records the worker it was
// handed to, and takes q off the ready queue if it is still there.
func (r *jobRegistry) assign(q queue.Query, workerID string, now time.Time) error {
	err := r.transition(q, map[queue.JobStatus]bool{queue.StatusQueued: true}, queue.StatusAssigned, "assign",
		func(info *queue.JobInfo) { info.WorkerID = workerID }, now)
	if err != nil {
		return err
	}
	r.claimReady(q)
	return nil
}

// accept moves q from ASSIGNED to RUNNING once the worker confirms it
// took the job.
func (r *jobRegistry) accept(q queue.Query, now time.Time) error {
	return r.transition(q, map[queue.JobStatus]bool{queue.StatusAssigned: true}, queue.StatusRunning, "accept", func(info *queue.JobInfo) {
		info.StartTime = now
	}, now)
}

// reject moves q back from ASSIGNED to QUEUED and places it at the head
// of the ready queue, since dispatch already popped it off once.
func (r *jobRegistry) reject(q queue.Query, reason string, now time.Time) error {
	err := r.transition(q, map[queue.JobStatus]bool{queue.StatusAssigned: true}, queue.StatusQueued, "reject", func(info *queue.JobInfo) {
		info.WorkerID = ""
		info.Message = reason
	}, now)
	if err != nil {
		return err
	}
	r.pushReadyHead(q)
	return nil
}

// waiting moves q from RUNNING to WAITING while its worker blocks on
// dependency.
func (r *jobRegistry) waiting(q, dependency queue.Query, now time.Time) error {
	return r.transition(q, map[queue.JobStatus]bool{queue.StatusRunning: true}, queue.StatusWaiting, "wait", func(info *queue.JobInfo) {
		info.Dependency = dependency
	}, now)
}

// resuming moves q from WAITING back to RUNNING once its dependency has
// terminated.
func (r *jobRegistry) resuming(q queue.Query, now time.Time) error {
	return r.transition(q, map[queue.JobStatus]bool{queue.StatusWaiting: true}, queue.StatusRunning, "resume", nil, now)
}

// completed moves q from RUNNING to the terminal COMPLETED state and
// closes its done channel.
func (r *jobRegistry) completed(q queue.Query, result interface{}, now time.Time) error {
	err := r.transition(q, map[queue.JobStatus]bool{queue.StatusRunning: true}, queue.StatusCompleted, "complete", func(info *queue.JobInfo) {
		info.Result = result
	}, now)
	if err == nil {
		r.closeDone(q)
	}
	return err
}

// failed moves q from ASSIGNED, RUNNING or WAITING to the terminal FAILED
// state and closes its done channel. WAITING is included because a cycle
// or a dependency failure can fail a job while it is still blocked in
// WaitFor; ASSIGNED because a worker can be evicted before it accepted a
// job it was handed.
// Calling failed on a query that is already terminal is a no-op: a
// worker's own WorkerFailedJob report can race a cycle-detection failure
// that beat it to the punch, and the second report must not panic.
func (r *jobRegistry) failed(q queue.Query, err error, now time.Time) error {
	terr := r.transition(q, map[queue.JobStatus]bool{queue.StatusAssigned: true, queue.StatusRunning: true, queue.StatusWaiting: true}, queue.StatusFailed, "fail", func(info *queue.JobInfo) {
		info.Error = err
	}, now)
	if terr == nil {
		r.closeDone(q)
		return nil
	}
	if r.status(q).IsDone() {
		return nil
	}
	return terr
}

func (r *jobRegistry) closeDone(q queue.Query) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.done[q]; ok {
		close(ch)
	}
}

// requeue moves q from any non-terminal, non-queued state back to QUEUED
// after its worker crashes, and places it at the tail of the ready queue.
func (r *jobRegistry) requeue(q queue.Query, now time.Time) error {
	err := r.transition(q, map[queue.JobStatus]bool{queue.StatusAssigned: true, queue.StatusRunning: true, queue.StatusWaiting: true}, queue.StatusQueued, "requeue", func(info *queue.JobInfo) {
		info.WorkerID = ""
	}, now)
	if err != nil {
		return err
	}
	r.pushReady(q)
	return nil
}

// addWaiter records that workerID is blocked waiting on q's result.
func (r *jobRegistry) addWaiter(q queue.Query, workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.requests[q]
	if !ok {
		set = make(map[string]struct{})
		r.requests[q] = set
	}
	set[workerID] = struct{}{}
}

// takeWaiters removes and returns every worker id waiting on q.
func (r *jobRegistry) takeWaiters(q queue.Query) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.requests[q]
	if !ok {
		return nil
	}
	delete(r.requests, q)
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// waitingJobs returns a copy of every job currently in WAITING, keyed by
// query, for the health monitor's cycle-detection walk.
func (r *jobRegistry) waitingJobs() map[queue.Query]queue.JobInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[queue.Query]queue.JobInfo)
	for q, info := range r.jobs {
		if info.Status == queue.StatusWaiting {
			out[q] = *info
		}
	}
	return out
}

// jobsForWorker returns every non-terminal query currently attributed to
// workerID, for the health monitor to requeue on eviction. A worker can
// hold more than one at a time: its top-level query (left WAITING while
// parked) plus however many dependencies it has claimed and is running
// inline down its own call stack.
func (r *jobRegistry) jobsForWorker(workerID string) []queue.Query {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []queue.Query
	for q, info := range r.jobs {
		if info.WorkerID == workerID && !info.Status.IsDone() {
			out = append(out, q)
		}
	}
	return out
}

// all returns a copy of every JobInfo the registry holds, for Report.
func (r *jobRegistry) all() []queue.JobInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]queue.JobInfo, 0, len(r.jobs))
	for _, info := range r.jobs {
		out = append(out, *info)
	}
	return out
}
