package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dagqueue/dagqueue/internal/executor"
	"github.com/dagqueue/dagqueue/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		NWorkers:          2,
		HeartbeatInterval: 20 * time.Millisecond,
		DeadWorkerTimeout: 200 * time.Millisecond,
		JobTimeout:        time.Second,
		MaxCrashRequeues:  3,
	}
}

func waitFor(t *testing.T, m *MasterQueue, q queue.Query) queue.JobInfo {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := m.Wait(ctx, q)
	require.NoError(t, err, "query %q did not complete in time", q)
	return info
}

func TestMasterQueue_SubmitIsIdempotent(t *testing.T) {
	m := NewMasterQueue(testConfig(), executor.Chain())
	require.NoError(t, m.Start())
	defer m.Stop()

	assert.True(t, m.Submit("Job0", ""))
	assert.False(t, m.Submit("Job0", ""), "resubmitting a known query must be a no-op")

	info := waitFor(t, m, "Job0")
	assert.Equal(t, queue.StatusCompleted, info.Status)
	assert.Equal(t, "Result-Job0(~)", info.Result)
}

func TestMasterQueue_ChainDependencyResolution(t *testing.T) {
	m := NewMasterQueue(testConfig(), executor.Chain())
	require.NoError(t, m.Start())
	defer m.Stop()

	m.Submit("Job0", "")
	m.Submit("Job1", "Job0")
	m.Submit("Job2", "Job1")

	info := waitFor(t, m, "Job2")
	assert.Equal(t, queue.StatusCompleted, info.Status)
	assert.Equal(t, "Result-Job2(Result-Job1(Result-Job0(~)))", info.Result)
}

// TestMasterQueue_UndeclaredChainDependencyIsAutoSubmitted exercises
// spec.md §8 scenario 2 literally: a single Submit of the chain's tail,
// with every intermediate dependency discovered only at runtime via
// WaitFor, never pre-declared. handleWaiting's "If dep is unknown,
// submit(dep)" (spec.md §4.1) is what makes this terminate instead of
// leaving every worker parked in WAITING forever.
func TestMasterQueue_UndeclaredChainDependencyIsAutoSubmitted(t *testing.T) {
	cfg := testConfig()
	cfg.NWorkers = 2
	m := NewMasterQueue(cfg, executor.ReferenceChain())
	require.NoError(t, m.Start())
	defer m.Stop()

	m.Submit("Job3", "")

	info := waitFor(t, m, "Job3")
	assert.Equal(t, queue.StatusCompleted, info.Status)
	assert.Equal(t, "Result-Job3(Result-Job2(Result-Job1(Result-Job0(~))))", info.Result)

	for _, q := range []queue.Query{"Job0", "Job1", "Job2", "Job3"} {
		waitFor(t, m, q)
		assert.Equal(t, queue.StatusCompleted, m.Status(q))
	}
}

// TestMasterQueue_SingleWorkerResolvesDeepChainInline proves the
// dependency-wait protocol does not depend on a second idle worker
// existing: with exactly one worker and a chain four deep, the only way
// this can ever complete is if the worker blocked in WaitFor on each
// dependency claims and runs it inline instead of waiting for a worker
// that will never show up.
func TestMasterQueue_SingleWorkerResolvesDeepChainInline(t *testing.T) {
	cfg := testConfig()
	cfg.NWorkers = 1
	m := NewMasterQueue(cfg, executor.ReferenceChain())
	require.NoError(t, m.Start())
	defer m.Stop()

	// Other0 is submitted alongside the chain so the only worker in the
	// pool has somewhere else it could wrongly be sent if an inline claim
	// ever freed it early (see DESIGN.md's note on CurrentQuery guarding
	// handleFinished/handleFailed): both must still resolve correctly.
	m.Submit("Job3", "")
	m.Submit("Other0", "")

	info := waitFor(t, m, "Job3")
	assert.Equal(t, queue.StatusCompleted, info.Status)
	assert.Equal(t, "Result-Job3(Result-Job2(Result-Job1(Result-Job0(~))))", info.Result)

	other := waitFor(t, m, "Other0")
	assert.Equal(t, queue.StatusCompleted, other.Status)
}

// TestMasterQueue_IndependentQueryDoesNotBlockChain is spec.md §8 scenario
// 4: a second, unrelated query submitted alongside a dependency chain must
// not wait on that chain or prevent it from progressing.
func TestMasterQueue_IndependentQueryDoesNotBlockChain(t *testing.T) {
	cfg := testConfig()
	cfg.NWorkers = 2
	m := NewMasterQueue(cfg, executor.ReferenceChain())
	require.NoError(t, m.Start())
	defer m.Stop()

	m.Submit("Job5", "")
	m.Submit("Other0", "")

	job5 := waitFor(t, m, "Job5")
	other0 := waitFor(t, m, "Other0")

	assert.Equal(t, queue.StatusCompleted, job5.Status)
	assert.Equal(t, queue.StatusCompleted, other0.Status)
	assert.Equal(t, "Result-Other0(~)", other0.Result)
}

// TestMasterQueue_DuplicateSubmitExecutesOnce is spec.md §8 scenario 3:
// submitting the same query twice while it is in flight must result in
// exactly one Execute call, instrumented here with a counter the way the
// spec's source does.
func TestMasterQueue_DuplicateSubmitExecutesOnce(t *testing.T) {
	var calls int32
	exec := executor.Func(func(ctx context.Context, handle executor.QueueHandle, query, dependency queue.Query) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "ok", nil
	})

	m := NewMasterQueue(testConfig(), exec)
	require.NoError(t, m.Start())
	defer m.Stop()

	assert.True(t, m.Submit("Job0", ""))
	assert.False(t, m.Submit("Job0", ""))

	waitFor(t, m, "Job0")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestMasterQueue_ConcurrentIndependentChains(t *testing.T) {
	cfg := testConfig()
	cfg.NWorkers = 4
	m := NewMasterQueue(cfg, executor.Chain())
	require.NoError(t, m.Start())
	defer m.Stop()

	for i := 0; i < 3; i++ {
		a := queue.Query(fmt.Sprintf("ChainA-%d", i))
		b := queue.Query(fmt.Sprintf("ChainB-%d", i))
		m.Submit(a, "")
		m.Submit(b, a)
	}

	for i := 0; i < 3; i++ {
		b := queue.Query(fmt.Sprintf("ChainB-%d", i))
		info := waitFor(t, m, b)
		assert.Equal(t, queue.StatusCompleted, info.Status)
	}
}

func TestMasterQueue_DependencyFailurePropagates(t *testing.T) {
	failing := executor.Func(func(ctx context.Context, handle executor.QueueHandle, query, dependency queue.Query) (interface{}, error) {
		if dependency == "" {
			return nil, assertErr("boom")
		}
		info, err := handle.WaitFor(ctx, dependency)
		if err != nil {
			return nil, err
		}
		if info.Status == queue.StatusFailed {
			return nil, fmt.Errorf("dependency failed: %w", info.Error)
		}
		return "ok", nil
	})

	m := NewMasterQueue(testConfig(), failing)
	require.NoError(t, m.Start())
	defer m.Stop()

	m.Submit("Job0", "")
	m.Submit("Job1", "Job0")

	info := waitFor(t, m, "Job1")
	assert.Equal(t, queue.StatusFailed, info.Status)
	require.Error(t, info.Error)
}

func TestMasterQueue_DependencyCycleIsDetectedAndFailed(t *testing.T) {
	m := NewMasterQueue(testConfig(), executor.Chain())
	require.NoError(t, m.Start())
	defer m.Stop()

	// Job0 depends on Job1 and Job1 depends on Job0: neither can ever
	// become ready on its own, so both must land in WAITING and the
	// health monitor's cycle detector must fail them.
	m.Submit("Job0", "Job1")
	m.Submit("Job1", "Job0")

	info0 := waitFor(t, m, "Job0")
	info1 := waitFor(t, m, "Job1")

	assert.Equal(t, queue.StatusFailed, info0.Status)
	assert.Equal(t, queue.StatusFailed, info1.Status)

	var cycleErr *queue.DependencyCycleError
	assert.True(t, errors.As(info0.Error, &cycleErr) || errors.As(info1.Error, &cycleErr))
}

// TestMasterQueue_WorkerCrashRequeuesJobToAnotherWorker is spec.md §8
// scenario 6. A worker is simulated as crashed by having its executor
// block without heartbeating (the one way spec.md §5 says a worker stalls
// the health monitor): the health monitor evicts it past
// DeadWorkerTimeout, requeues its job, and a second worker picks it up to
// completion.
func TestMasterQueue_WorkerCrashRequeuesJobToAnotherWorker(t *testing.T) {
	var stuckOnce int32
	exec := executor.Func(func(ctx context.Context, handle executor.QueueHandle, query, dependency queue.Query) (interface{}, error) {
		if query == "Job2" && atomic.CompareAndSwapInt32(&stuckOnce, 0, 1) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return fmt.Sprintf("Result-%s(~)", query), nil
	})

	cfg := testConfig()
	cfg.NWorkers = 2
	cfg.DeadWorkerTimeout = 60 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	m := NewMasterQueue(cfg, exec)
	require.NoError(t, m.Start())
	defer m.Stop()

	m.Submit("Job2", "")

	info := waitFor(t, m, "Job2")
	assert.Equal(t, queue.StatusCompleted, info.Status)
	assert.Equal(t, "Result-Job2(~)", info.Result)
	assert.NotEmpty(t, info.WorkerID, "the worker that finally completed the job should be recorded")
}

func TestMasterQueue_UnknownQueryReportsUnknownStatus(t *testing.T) {
	m := NewMasterQueue(testConfig(), executor.Chain())
	require.NoError(t, m.Start())
	defer m.Stop()

	assert.Equal(t, queue.StatusUnknown, m.Status("NeverSubmitted"))
	_, ok := m.Result("NeverSubmitted")
	assert.False(t, ok)
}

func TestMasterQueue_CancelQueuedJob(t *testing.T) {
	cfg := testConfig()
	cfg.NWorkers = 0 // nothing will ever dispatch, so Job0 stays QUEUED
	m := NewMasterQueue(cfg, executor.Chain())
	require.NoError(t, m.Start())
	defer m.Stop()

	m.Submit("Job0", "")
	require.NoError(t, m.Cancel("Job0"))

	info, _ := m.Result("Job0")
	assert.Equal(t, queue.StatusFailed, info.Status)
}

func TestMasterQueue_CancelUnknownQueryReturnsErrNotFound(t *testing.T) {
	m := NewMasterQueue(testConfig(), executor.Chain())
	require.NoError(t, m.Start())
	defer m.Stop()

	assert.ErrorIs(t, m.Cancel("Ghost"), queue.ErrNotFound)
}

func TestMasterQueue_OperationsAfterStopAreRejected(t *testing.T) {
	m := NewMasterQueue(testConfig(), executor.Chain())
	require.NoError(t, m.Start())
	m.Stop()

	assert.False(t, m.Submit("Job0", ""))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := m.Wait(ctx, "Job0")
	assert.ErrorIs(t, err, queue.ErrQueueStopped)

	assert.ErrorIs(t, m.Cancel("Job0"), queue.ErrQueueStopped)
}

func TestMasterQueue_StopIsIdempotent(t *testing.T) {
	m := NewMasterQueue(testConfig(), executor.Chain())
	require.NoError(t, m.Start())
	m.Stop()
	assert.NotPanics(t, func() { m.Stop() })
}

func TestMasterQueue_StartTwiceErrors(t *testing.T) {
	m := NewMasterQueue(testConfig(), executor.Chain())
	require.NoError(t, m.Start())
	defer m.Stop()
	assert.Error(t, m.Start())
}

func TestMasterQueue_ReportIncludesJobsAndWorkers(t *testing.T) {
	m := NewMasterQueue(testConfig(), executor.Chain())
	require.NoError(t, m.Start())
	defer m.Stop()

	m.Submit("Job0", "")
	waitFor(t, m, "Job0")

	report := m.Report()
	assert.Contains(t, report, "Job0")
	assert.Contains(t, report, "Jobs (")
	assert.Contains(t, report, "Workers (")
}

// assertErr is a tiny inline error constructor for table-free test bodies.
type assertErrT string

func (e assertErrT) Error() string { return string(e) }
func assertErr(msg string) error   { return assertErrT(msg) }
