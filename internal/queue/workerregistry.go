package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dagqueue/dagqueue/internal/protocol"
	"github.com/dagqueue/dagqueue/pkg/queue"
)

// workerHandle is the master-side view of one worker goroutine: its
// inbound channel and its WorkerInfo bookkeeping.
type workerHandle struct {
	info   queue.WorkerInfo
	toChan chan<- protocol.Message
}

// workerRegistry tracks every worker goroutine the master has spawned:
// its channel endpoint, its WorkerStatus, and the timestamps that drive
// both oldest-idle-first dispatch and dead-worker eviction.
//
// Concurrency: protected by mu, same discipline as jobRegistry.
type workerRegistry struct {
	mu      sync.RWMutex
	workers map[string]*workerHandle
}

func newWorkerRegistry() *workerRegistry {
	return &workerRegistry{workers: make(map[string]*workerHandle)}
}

// newWorkerID mints a collision-proof worker id. Using uuid instead of a
// sequential counter matters once workers can be evicted and replaced:
// a stale message addressed to a reused sequential id could be mistaken
// for one addressed to its replacement.
func newWorkerID() string {
	return "worker-" + uuid.NewString()
}

func (wr *workerRegistry) register(id string, toChan chan<- protocol.Message, now time.Time) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	wr.workers[id] = &workerHandle{
		toChan: toChan,
		info: queue.WorkerInfo{
			WorkerID:       id,
			Status:         queue.WorkerSpawned,
			StartTime:      now,
			LastUpdateTime: now,
		},
	}
}

func (wr *workerRegistry) remove(id string) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	delete(wr.workers, id)
}

func (wr *workerRegistry) channelFor(id string) (chan<- protocol.Message, bool) {
	wr.mu.RLock()
	defer wr.mu.RUnlock()
	h, ok := wr.workers[id]
	if !ok {
		return nil, false
	}
	return h.toChan, true
}

// setStatus updates a worker's status and bookkeeping timestamp. Moving
// into WorkerReady refreshes LastReadyTime, which readyWorkers uses for
// the oldest-idle-first tie-break; moving into WorkerBusy records the
// query it was given.
func (wr *workerRegistry) setStatus(id string, status queue.WorkerStatus, query queue.Query, now time.Time) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	h, ok := wr.workers[id]
	if !ok {
		return
	}
	h.info.Status = status
	h.info.LastUpdateTime = now
	if status == queue.WorkerReady {
		h.info.LastReadyTime = now
		h.info.CurrentQuery = ""
	}
	if status == queue.WorkerBusy {
		h.info.CurrentQuery = query
	}
}

func (wr *workerRegistry) touch(id string, now time.Time) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	if h, ok := wr.workers[id]; ok {
		h.info.LastUpdateTime = now
	}
}

// readyWorkers returns the ids of every WorkerReady worker, oldest
// LastReadyTime first — the tie-break spec.md §4.1 requires for
// dispatch.
func (wr *workerRegistry) readyWorkers() []string {
	wr.mu.RLock()
	defer wr.mu.RUnlock()
	var ids []string
	for id, h := range wr.workers {
		if h.info.Status == queue.WorkerReady {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return wr.workers[ids[i]].info.LastReadyTime.Before(wr.workers[ids[j]].info.LastReadyTime)
	})
	return ids
}

// deadWorkers returns the ids of every worker whose LastUpdateTime is
// older than timeout, as of now.
func (wr *workerRegistry) deadWorkers(timeout time.Duration, now time.Time) []string {
	wr.mu.RLock()
	defer wr.mu.RUnlock()
	var ids []string
	for id, h := range wr.workers {
		if now.Sub(h.info.LastUpdateTime) > timeout {
			ids = append(ids, id)
		}
	}
	return ids
}

// all returns a copy of every WorkerInfo the registry holds, for Report.
func (wr *workerRegistry) all() []queue.WorkerInfo {
	wr.mu.RLock()
	defer wr.mu.RUnlock()
	out := make([]queue.WorkerInfo, 0, len(wr.workers))
	for _, h := range wr.workers {
		out = append(out, h.info)
	}
	return out
}

func (wr *workerRegistry) get(id string) (queue.WorkerInfo, bool) {
	wr.mu.RLock()
	defer wr.mu.RUnlock()
	h, ok := wr.workers[id]
	if !ok {
		return queue.WorkerInfo{}, false
	}
	return h.info, true
}
