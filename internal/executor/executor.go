// Package executor defines the embedding API a host program implements to
// give queries meaning, and reference executors used by this module's own
// tests and CLI demo mode.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"time"

	"github.com/dagqueue/dagqueue/pkg/queue"
)

// QueueHandle is the interface a worker exposes to the Executor running
// inside it, letting the executor suspend on a dependency without the
// worker goroutine itself needing to know anything about executor logic.
//
// WaitFor blocks the calling goroutine until dep reaches a terminal
// status, then returns its JobInfo. Calling WaitFor is what moves the
// current job from RUNNING to WAITING and back; it may be called more
// than once by the same Execute call (a query may depend on a chain, not
// just one job), which is why it is reentrant rather than a one-shot
// setup step.
type QueueHandle interface {
	WaitFor(ctx context.Context, dep queue.Query) (queue.JobInfo, error)
}

// Executor runs one query to completion, given a handle back into the
// queue for dependency resolution. dependency is "" if the query was
// submitted without one. Execute returns the query's result or an error;
// exactly one of the two ends up on the job's JobInfo.
type Executor interface {
	Execute(ctx context.Context, handle QueueHandle, query, dependency queue.Query) (interface{}, error)
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, handle QueueHandle, query, dependency queue.Query) (interface{}, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, handle QueueHandle, query, dependency queue.Query) (interface{}, error) {
	return f(ctx, handle, query, dependency)
}

// Chain is the reference executor used throughout this module's tests: a
// query with no dependency resolves immediately to "Result-<query>(~)";
// a query with a dependency waits for it and folds its result in,
// producing "Result-<query>(<dependency result>)". This reproduces the
// chain scenario used to validate dependency ordering.
func Chain() Executor {
	return Func(func(ctx context.Context, handle QueueHandle, query, dependency queue.Query) (interface{}, error) {
		if dependency == "" {
			return fmt.Sprintf("Result-%s(~)", query), nil
		}
		info, err := handle.WaitFor(ctx, dependency)
		if err != nil {
			return nil, err
		}
		if info.Status == queue.StatusFailed {
			return nil, fmt.Errorf("executor: dependency %q failed: %w", dependency, info.Error)
		}
		return fmt.Sprintf("Result-%s(%v)", query, info.Result), nil
	})
}

var jobIndexPattern = regexp.MustCompile(`^Job(\d+)$`)

// ReferenceChain reproduces spec.md §8's literal execute(q) example exactly,
// deriving its own dependency from the query string instead of being told
// one at Submit time: "JobN" depends on "Job{N-1}" and "Job0" has none. A
// query that does not match the JobN pattern (e.g. "Other0") resolves
// immediately with no dependency, which is what the "Other0 does not block
// the Job5 chain" scenario requires. This is the executor a host uses when
// it wants the queue itself to discover the dependency graph at runtime
// (via MasterQueue's auto-submit of an unknown dependency) rather than
// pre-declaring it; Chain above is the convenience form for callers that
// already know the graph up front.
func ReferenceChain() Executor {
	return Func(func(ctx context.Context, handle QueueHandle, query, _ queue.Query) (interface{}, error) {
		m := jobIndexPattern.FindStringSubmatch(string(query))
		if m == nil {
			return fmt.Sprintf("Result-%s(~)", query), nil
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("executor: malformed job index in %q: %w", query, err)
		}
		if n == 0 {
			return fmt.Sprintf("Result-%s(~)", query), nil
		}
		dep := queue.Query(fmt.Sprintf("Job%d", n-1))
		info, err := handle.WaitFor(ctx, dep)
		if err != nil {
			return nil, err
		}
		if info.Status == queue.StatusFailed {
			return nil, fmt.Errorf("executor: dependency %q failed: %w", dep, info.Error)
		}
		return fmt.Sprintf("Result-%s(%v)", query, info.Result), nil
	})
}

// errSimulated is returned by Demo's simulated 10% failure rate.
var errSimulated = errors.New("executor: simulated execution failure")

// Demo is the CLI's standalone reference executor: it waits for a
// dependency if one was given, then simulates CPU-bound work with a
// random delay and a 10% failure rate, the same simulation the teacher's
// worker.execute used for its task-pool demo.
func Demo() Executor {
	return Func(func(ctx context.Context, handle QueueHandle, query, dependency queue.Query) (interface{}, error) {
		if dependency != "" {
			info, err := handle.WaitFor(ctx, dependency)
			if err != nil {
				return nil, err
			}
			if info.Status == queue.StatusFailed {
				return nil, fmt.Errorf("executor: dependency %q failed: %w", dependency, info.Error)
			}
		}

		workDuration := time.Duration(rand.Intn(500)) * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(workDuration):
			if rand.Intn(100) < 10 {
				return nil, errSimulated
			}
			return fmt.Sprintf("Result-%s(~)", query), nil
		}
	})
}
