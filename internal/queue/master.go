// ============================================================================
// Dagqueue Master - Dependency-Aware Job Scheduling
// ============================================================================
//
// Package: internal/queue
// File: master.go
// Function: owns every query's state machine and every worker's lifecycle;
//   dispatches ready queries to idle workers and resolves dependency waits
//   by relaying JobInfoSnapshot messages between them.
//
// Concurrency model:
//   One masterLoop goroutine is the only reader of the shared toMaster
//   channel and the only writer of status transitions; Submit and Cancel
//   hand their work to masterLoop through cmds. jobRegistry and
//   workerRegistry are themselves mutex-protected so Status/Result/Report
//   can be called concurrently from any goroutine without going through
//   masterLoop. dispatch() is called synchronously at the end of every
//   event that can free a worker or add to the ready queue, since this
//   design is push-based rather than the teacher's polling dispatchLoop
//   (internal/controller/controller.go).
//
// Shutdown order, mirroring controller.go's Stop():
//   close stopCh (which also cancels every worker's context) -> wait for
//   every worker goroutine and masterLoop to exit -> done. No Stop message
//   is sent to workers. Closing stopCh first ensures masterLoop does not
//   try to dispatch to a worker that is already exiting.
// ============================================================================

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dagqueue/dagqueue/internal/executor"
	"github.com/dagqueue/dagqueue/internal/protocol"
	"github.com/dagqueue/dagqueue/internal/worker"
	"github.com/dagqueue/dagqueue/pkg/queue"
)

var log = slog.Default()

// Config controls a MasterQueue's worker pool and liveness timing.
type Config struct {
	NWorkers          int
	HeartbeatInterval time.Duration
	DeadWorkerTimeout time.Duration
	JobTimeout        time.Duration
	// MaxCrashRequeues is the number of times a job may be silently
	// requeued after its assigned worker crashes before it is failed
	// with a WorkerCrashError.
	MaxCrashRequeues int
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		NWorkers:          4,
		HeartbeatInterval: 2 * time.Second,
		DeadWorkerTimeout: 10 * time.Second,
		JobTimeout:        30 * time.Second,
		MaxCrashRequeues:  3,
	}
}

// MetricsSink receives the events a MasterQueue emits, so
// internal/metrics can observe it without MasterQueue depending on
// Prometheus directly. A nil sink is valid; every call site nil-checks.
type MetricsSink interface {
	RecordSubmit()
	RecordDispatch()
	RecordCompleted(durationSeconds float64)
	RecordFailed(durationSeconds float64)
	RecordCancelled()
	RecordCycleFailed()
	SetStatusCounts(counts map[string]int)
	SetWorkerCounts(ready, busy int)
}

// MasterQueue is the embeddable dependency-aware job queue: submit
// queries, let it dispatch them to a pool of worker goroutines, and read
// back results as they complete.
type MasterQueue struct {
	cfg     Config
	exec    executor.Executor
	metrics MetricsSink

	jobs    *jobRegistry
	workers *workerRegistry

	toMaster chan protocol.Message
	cmds     chan func()

	mu       sync.Mutex
	started  bool
	stopped  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	crashCnt map[queue.Query]int
}

// NewMasterQueue builds a MasterQueue that will run exec for every
// dispatched query, once Start is called.
func NewMasterQueue(cfg Config, exec executor.Executor) *MasterQueue {
	return &MasterQueue{
		cfg:      cfg,
		exec:     exec,
		jobs:     newJobRegistry(),
		workers:  newWorkerRegistry(),
		toMaster: make(chan protocol.Message, 64),
		cmds:     make(chan func(), 64),
		stopCh:   make(chan struct{}),
		crashCnt: make(map[queue.Query]int),
	}
}

// WithMetrics attaches a MetricsSink. Call before Start.
func (m *MasterQueue) WithMetrics(sink MetricsSink) *MasterQueue {
	m.metrics = sink
	return m
}

// Start spawns cfg.NWorkers worker goroutines and the master's own event
// and health-monitor loops. Calling Start a second time returns an error.
func (m *MasterQueue) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("queue: already started")
	}
	m.started = true

	for i := 0; i < m.cfg.NWorkers; i++ {
		m.spawnWorker()
	}

	m.wg.Add(2)
	go m.masterLoop()
	go m.healthMonitor()
	return nil
}

// spawnWorker registers a new worker id and starts its goroutine. Called
// both at Start and by the health monitor when replacing an evicted
// worker.
func (m *MasterQueue) spawnWorker() {
	id := newWorkerID()
	toWorker := make(chan protocol.Message, 8)
	m.workers.register(id, toWorker, time.Now())

	w := worker.New(id, toWorker, m.toMaster, m.exec, m.cfg.HeartbeatInterval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		w.Run(workerCtx(m.stopCh))
	}()
}

// workerCtx adapts stopCh to a context so Worker.Run's select can share
// the same shutdown signal used everywhere else in MasterQueue.
func workerCtx(stopCh <-chan struct{}) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-stopCh
		cancel()
	}()
	return ctx
}

// Submit registers a new query with an optional dependency. It returns
// false without effect if the query is already known (spec.md's chosen
// behavior for resubmission: share the one result) or if the queue has
// already been stopped. The actual mutation and dispatch pass run inside
// masterLoop, reached through cmds, so Submit never races a concurrent
// dispatch() triggered by an in-flight protocol message.
func (m *MasterQueue) Submit(q queue.Query, dependency queue.Query) bool {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return false
	}

	result := make(chan bool, 1)
	cmd := func() { result <- m.submitLocked(q, dependency) }
	select {
	case m.cmds <- cmd:
	case <-m.stopCh:
		return false
	}
	select {
	case created := <-result:
		return created
	case <-m.stopCh:
		return false
	}
}

// submitLocked performs Submit's actual work. Only ever called from
// masterLoop.
func (m *MasterQueue) submitLocked(q, dependency queue.Query) bool {
	created := m.jobs.submit(q, dependency, time.Now())
	if !created {
		return false
	}
	if m.metrics != nil {
		m.metrics.RecordSubmit()
	}
	m.dispatch()
	return true
}

// Status returns the current JobStatus for q, or StatusUnknown.
func (m *MasterQueue) Status(q queue.Query) queue.JobStatus {
	return m.jobs.status(q)
}

// Result returns q's JobInfo. The bool is false if q is unknown.
func (m *MasterQueue) Result(q queue.Query) (queue.JobInfo, bool) {
	return m.jobs.get(q)
}

// Wait blocks until q reaches a terminal status or ctx is done, then
// returns its JobInfo.
func (m *MasterQueue) Wait(ctx context.Context, q queue.Query) (queue.JobInfo, error) {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return queue.JobInfo{}, queue.ErrQueueStopped
	}

	ch, ok := m.jobs.doneChan(q)
	if !ok {
		return queue.JobInfo{}, queue.ErrNotFound
	}
	select {
	case <-ch:
		info, _ := m.jobs.get(q)
		return info, nil
	case <-ctx.Done():
		return queue.JobInfo{}, ctx.Err()
	}
}

// Cancel asks the queue to abandon q. A still-queued query is removed
// from the ready queue and failed immediately; an in-flight query's
// worker is sent CancelJob and will fail it cooperatively the next time
// it checks (spec.md's Open Question resolution: cooperative only). Like
// Submit, the actual work runs inside masterLoop via cmds so it never
// races dispatch().
func (m *MasterQueue) Cancel(q queue.Query) error {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return queue.ErrQueueStopped
	}

	result := make(chan error, 1)
	cmd := func() { result <- m.cancelLocked(q) }
	select {
	case m.cmds <- cmd:
	case <-m.stopCh:
		return queue.ErrQueueStopped
	}
	select {
	case err := <-result:
		return err
	case <-m.stopCh:
		return queue.ErrQueueStopped
	}
}

// cancelLocked performs Cancel's actual work. Only ever called from
// masterLoop.
func (m *MasterQueue) cancelLocked(q queue.Query) error {
	info, ok := m.jobs.get(q)
	if !ok {
		return queue.ErrNotFound
	}
	if info.Status.IsDone() {
		return nil
	}
	if info.Status == queue.StatusQueued {
		m.jobs.claimReady(q)
		queuedOnly := map[queue.JobStatus]bool{queue.StatusQueued: true}
		if err := m.jobs.transition(q, queuedOnly, queue.StatusFailed, "cancel", func(j *queue.JobInfo) {
			j.Error = context.Canceled
		}, time.Now()); err != nil {
			return err
		}
		m.jobs.closeDone(q)
		if m.metrics != nil {
			m.metrics.RecordCancelled()
		}
		return nil
	}
	if ch, ok := m.workers.channelFor(info.WorkerID); ok {
		ch <- protocol.CancelJob{Query: q}
	}
	if m.metrics != nil {
		m.metrics.RecordCancelled()
	}
	return nil
}

// Report renders a fixed-width human-readable dump of every job and
// worker the queue knows about, in the style of the teacher CLI's
// showStatus().
func (m *MasterQueue) Report() string {
	var b strings.Builder

	jobs := m.jobs.all()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Query < jobs[j].Query })
	fmt.Fprintf(&b, "Jobs (%d):\n", len(jobs))
	fmt.Fprintf(&b, "  %-20s %-12s %-20s %-20s %s\n", "QUERY", "STATUS", "WORKER", "DEPENDENCY", "RESULT/ERROR")
	for _, j := range jobs {
		outcome := j.Message
		if j.Status == queue.StatusCompleted {
			outcome = fmt.Sprintf("%v", j.Result)
		} else if j.Status == queue.StatusFailed && j.Error != nil {
			outcome = j.Error.Error()
		}
		fmt.Fprintf(&b, "  %-20s %-12s %-20s %-20s %s\n", j.Query, j.Status, j.WorkerID, j.Dependency, outcome)
	}

	workers := m.workers.all()
	sort.Slice(workers, func(i, j int) bool { return workers[i].WorkerID < workers[j].WorkerID })
	fmt.Fprintf(&b, "Workers (%d):\n", len(workers))
	fmt.Fprintf(&b, "  %-40s %-10s %-20s %s\n", "WORKER", "STATUS", "QUERY", "CRASHES")
	for _, w := range workers {
		fmt.Fprintf(&b, "  %-40s %-10s %-20s %d\n", w.WorkerID, w.Status, w.CurrentQuery, w.CrashCount)
	}

	return b.String()
}

// Stop shuts the queue down: signal every worker to stop, wait for them
// and the master's own loops to exit.
func (m *MasterQueue) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

// --- master event loop ---

// masterLoop never closes or ranges over toMaster: worker goroutines keep
// sending on it (a heartbeat, an in-flight job's final report) until their
// own ctx.Done() fires, which can race Stop's close(stopCh). Selecting on
// both channels lets masterLoop drain whatever is already in flight and
// still exit the instant stopCh closes, with no send-on-closed-channel
// hazard on the shared channel.
//
// cmds carries Submit/Cancel's actual work in, as closures, so that every
// state mutation and every dispatch() pass happens on this one goroutine
// — the single-master-loop model spec.md §5 calls for — rather than
// racing a protocol-message-triggered dispatch() from the caller's own
// goroutine.
func (m *MasterQueue) masterLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case msg := <-m.toMaster:
			m.handle(msg)
		case cmd := <-m.cmds:
			cmd()
		}
	}
}

func (m *MasterQueue) handle(msg protocol.Message) {
	now := time.Now()
	switch msg := msg.(type) {
	case protocol.WorkerStarting:
		m.workers.setStatus(msg.WorkerID, queue.WorkerStarting, "", now)
	case protocol.WorkerReady:
		m.workers.setStatus(msg.WorkerID, queue.WorkerReady, "", now)
		m.dispatch()
	case protocol.WorkerAcceptedJob:
		if err := m.jobs.accept(msg.Query, now); err != nil {
			log.Warn("accept transition failed", "query", msg.Query, "err", err)
		}
		// A worker's CurrentQuery must keep naming its top-level job, not
		// whichever dependency it has claimed and is running inline down
		// its own call stack: only record it here the first time (no
		// CurrentQuery yet) or when this accept genuinely is the
		// top-level job. Overwriting it with an inline dependency's query
		// would make handleFinished/handleFailed below mistake that
		// dependency's completion for the worker itself going idle.
		if info, ok := m.workers.get(msg.WorkerID); ok && (info.CurrentQuery == "" || info.CurrentQuery == msg.Query) {
			m.workers.setStatus(msg.WorkerID, queue.WorkerBusy, msg.Query, now)
		}
	case protocol.WorkerRejectedJob:
		if err := m.jobs.reject(msg.Query, msg.Reason, now); err != nil {
			log.Warn("reject transition failed", "query", msg.Query, "err", err)
		}
		// The rejecting worker is still busy with another job; its
		// status is left untouched so dispatch does not hand it a
		// second job on top of the one it is already running.
		m.dispatch()
	case protocol.WorkerWaiting:
		m.handleWaiting(msg, now)
	case protocol.WorkerResuming:
		if err := m.jobs.resuming(msg.Query, now); err != nil {
			log.Warn("resume transition failed", "query", msg.Query, "err", err)
		}
	case protocol.WorkerFinishedJob:
		m.handleFinished(msg, now)
	case protocol.WorkerFailedJob:
		m.handleFailed(msg, now)
	case protocol.Pong:
		m.workers.touch(msg.WorkerID, now)
	case protocol.Heartbeat:
		m.workers.touch(msg.WorkerID, now)
	case protocol.WorkerWrongRequest:
		log.Warn("worker reported unrecognized message", "worker_id", msg.WorkerID)
	default:
		log.Warn("master received unknown message type")
	}
	m.publishMetrics()
}

func (m *MasterQueue) handleWaiting(msg protocol.WorkerWaiting, now time.Time) {
	if err := m.jobs.waiting(msg.Query, msg.Dependency, now); err != nil {
		log.Warn("waiting transition failed", "query", msg.Query, "err", err)
		return
	}
	// spec.md §4.1: "If dep is unknown, submit(dep)." A dependency
	// discovered at runtime by the executor (rather than pre-declared at
	// Submit time) has no JobInfo yet; queue it now so it is eligible for
	// dispatch instead of leaving this worker waiting on a query nothing
	// will ever run.
	if m.jobs.submit(msg.Dependency, "", now) {
		if m.metrics != nil {
			m.metrics.RecordSubmit()
		}
	}
	depInfo, ok := m.jobs.get(msg.Dependency)
	if ok && depInfo.Status.IsDone() {
		m.sendSnapshot(msg.WorkerID, depInfo)
		return
	}
	// Deadlock-freedom does not depend on a second idle worker existing:
	// if dep is still sitting unclaimed in the ready queue, hand it
	// straight back to the very worker that is blocked on it. That worker
	// runs it inline, recursing down the dependency chain on its own call
	// stack (original_source/queue/design4.py's wait_for/assign_to), so a
	// chain deeper than the worker pool still resolves. Only a dependency
	// some other worker already owns makes this one truly wait.
	if m.jobs.claimReady(msg.Dependency) {
		if err := m.jobs.assign(msg.Dependency, msg.WorkerID, now); err != nil {
			log.Warn("inline-claim assign failed", "query", msg.Dependency, "err", err)
			m.jobs.pushReady(msg.Dependency)
		} else {
			if m.metrics != nil {
				m.metrics.RecordDispatch()
			}
			if ch, ok := m.workers.channelFor(msg.WorkerID); ok {
				ch <- protocol.SubmitJob{Query: msg.Dependency, Dependency: depInfo.Dependency}
				return
			}
			// Worker vanished between claimReady and channelFor (evicted
			// concurrently); put the claim back and fall through to the
			// normal wait path below.
			_ = m.jobs.requeue(msg.Dependency, now)
		}
	}
	m.jobs.addWaiter(msg.Dependency, msg.WorkerID)
	m.detectCycles(now)
	m.dispatch()
}

func (m *MasterQueue) handleFinished(msg protocol.WorkerFinishedJob, now time.Time) {
	info, _ := m.jobs.get(msg.Query)
	if err := m.jobs.completed(msg.Query, msg.Result, now); err != nil {
		log.Warn("completed transition failed", "query", msg.Query, "err", err)
	} else if m.metrics != nil {
		m.metrics.RecordCompleted(now.Sub(info.SubmitTime).Seconds())
	}
	m.notifyWaiters(msg.Query)
	// Only free the worker if this report is for its top-level job. An
	// inline-claimed dependency finishing leaves the worker still busy
	// resuming the query that claimed it.
	if w, ok := m.workers.get(msg.WorkerID); ok && w.CurrentQuery == msg.Query {
		m.workers.setStatus(msg.WorkerID, queue.WorkerReady, "", now)
	}
	m.dispatch()
}

func (m *MasterQueue) handleFailed(msg protocol.WorkerFailedJob, now time.Time) {
	info, _ := m.jobs.get(msg.Query)
	if err := m.jobs.failed(msg.Query, msg.Err, now); err != nil {
		log.Warn("failed transition failed", "query", msg.Query, "err", err)
	} else if m.metrics != nil {
		m.metrics.RecordFailed(now.Sub(info.SubmitTime).Seconds())
	}
	m.notifyWaiters(msg.Query)
	if w, ok := m.workers.get(msg.WorkerID); ok && w.CurrentQuery == msg.Query {
		m.workers.setStatus(msg.WorkerID, queue.WorkerReady, "", now)
	}
	m.dispatch()
}

// notifyWaiters relays q's now-terminal JobInfo to every worker blocked
// in WaitFor on it.
func (m *MasterQueue) notifyWaiters(q queue.Query) {
	info, ok := m.jobs.get(q)
	if !ok {
		return
	}
	for _, workerID := range m.jobs.takeWaiters(q) {
		m.sendSnapshot(workerID, info)
	}
}

func (m *MasterQueue) sendSnapshot(workerID string, info queue.JobInfo) {
	ch, ok := m.workers.channelFor(workerID)
	if !ok {
		return
	}
	ch <- protocol.JobInfoSnapshot{Info: info}
}

// dispatch hands as many QUEUED queries to idle workers as it can,
// oldest-idle worker first, per spec.md §4.1.
func (m *MasterQueue) dispatch() {
	for {
		ready := m.workers.readyWorkers()
		if len(ready) == 0 {
			return
		}
		q, ok := m.jobs.popReady()
		if !ok {
			return
		}
		workerID := ready[0]
		info, _ := m.jobs.get(q)
		if err := m.jobs.assign(q, workerID, time.Now()); err != nil {
			log.Warn("assign transition failed", "query", q, "err", err)
			continue
		}
		m.workers.setStatus(workerID, queue.WorkerBusy, q, time.Now())
		if m.metrics != nil {
			m.metrics.RecordDispatch()
		}
		if ch, ok := m.workers.channelFor(workerID); ok {
			ch <- protocol.SubmitJob{Query: q, Dependency: info.Dependency}
		}
	}
}

// --- health monitor ---

func (m *MasterQueue) healthMonitor() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.evictDead(now)
			m.detectCycles(now)
			m.publishMetrics()
		}
	}
}

// evictDead requeues (or fails, past MaxCrashRequeues) every job held by
// any worker that has gone silent past DeadWorkerTimeout, then replaces
// the evicted worker so the pool stays at full strength. A worker parked
// in WaitFor can hold more than one live job at once — its own top-level
// query plus whatever dependency it claimed and is running inline down
// its call stack — so this walks jobsForWorker rather than trusting the
// single CurrentQuery the worker registry tracks for Report().
func (m *MasterQueue) evictDead(now time.Time) {
	for _, id := range m.workers.deadWorkers(m.cfg.DeadWorkerTimeout, now) {
		for _, q := range m.jobs.jobsForWorker(id) {
			m.crashCnt[q]++
			count := m.crashCnt[q]
			if count > m.cfg.MaxCrashRequeues {
				info, _ := m.jobs.get(q)
				err := &queue.WorkerCrashError{Query: q, CrashCount: count}
				_ = m.jobs.failed(q, err, now)
				m.notifyWaiters(q)
				if m.metrics != nil {
					m.metrics.RecordFailed(now.Sub(info.SubmitTime).Seconds())
				}
			} else {
				_ = m.jobs.requeue(q, now)
			}
		}
		m.workers.remove(id)
		log.Warn("evicted dead worker", "worker_id", id)
		m.spawnWorker()
	}
	m.dispatch()
}

// detectCycles walks the dependency edges among WAITING jobs looking for
// a cycle. The teacher's/original prototype's source never implements
// this; it is new code (see DESIGN.md). Every job found on a cycle is
// failed in one pass and its waiting workers are sent CancelJob so they
// unblock instead of waiting forever.
func (m *MasterQueue) detectCycles(now time.Time) {
	waiting := m.jobs.waitingJobs()
	visited := make(map[queue.Query]bool)

	for start := range waiting {
		if visited[start] {
			continue
		}
		path := []queue.Query{}
		onPath := make(map[queue.Query]int)
		cur := start
		for {
			info, ok := waiting[cur]
			if !ok {
				break
			}
			if idx, seen := onPath[cur]; seen {
				cycle := append([]queue.Query{}, path[idx:]...)
				m.failCycle(cycle, now)
				break
			}
			onPath[cur] = len(path)
			path = append(path, cur)
			visited[cur] = true
			if info.Dependency == "" {
				break
			}
			cur = info.Dependency
		}
	}
}

func (m *MasterQueue) failCycle(cycle []queue.Query, now time.Time) {
	cycleErr := queue.NewDependencyCycleError(cycle)
	for _, q := range cycle {
		if err := m.jobs.failed(q, cycleErr, now); err != nil {
			continue
		}
		if m.metrics != nil {
			m.metrics.RecordCycleFailed()
		}
		info, _ := m.jobs.get(q)
		if ch, ok := m.workers.channelFor(info.WorkerID); ok {
			ch <- protocol.CancelJob{Query: q}
		}
		m.notifyWaiters(q)
	}
}

func (m *MasterQueue) publishMetrics() {
	if m.metrics == nil {
		return
	}
	counts := make(map[string]int)
	for _, j := range m.jobs.all() {
		counts[string(j.Status)]++
	}
	m.metrics.SetStatusCounts(counts)

	ready, busy := 0, 0
	for _, w := range m.workers.all() {
		switch w.Status {
		case queue.WorkerReady:
			ready++
		case queue.WorkerBusy:
			busy++
		}
	}
	m.metrics.SetWorkerCounts(ready, busy)
}
