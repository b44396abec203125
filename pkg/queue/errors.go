package queue

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/xerrors"
)

// Sentinel errors returned by MasterQueue and JobRegistry operations.
var (
	// ErrNotFound is returned when a query has no known JobInfo.
	ErrNotFound = xerrors.New("queue: query not found")
	// ErrInvalidTransition is returned when a state-machine method is
	// called from a status that does not permit it.
	ErrInvalidTransition = xerrors.New("queue: invalid status transition")
	// ErrQueueStopped is returned by Wait/Cancel once Stop has been
	// called; Submit reports false instead.
	ErrQueueStopped = xerrors.New("queue: stopped")
)

// InvalidStateError reports an illegal JobStatus transition, naming the
// query, the status it was in, and the transition attempted.
type InvalidStateError struct {
	Query      Query
	From       JobStatus
	Transition string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("queue: %q: cannot %s from status %s", e.Query, e.Transition, e.From)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidTransition }

// DependencyCycleError reports a set of jobs found mutually waiting on
// each other. Every job on the cycle is failed in the same pass with this
// error, so a caller inspecting any one of them sees the whole cycle.
type DependencyCycleError struct {
	Cycle []Query
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("queue: dependency cycle detected: %v", e.Cycle)
}

// NewDependencyCycleError builds the *multierror.Error a cycle failure
// reports, one member error per job on the cycle, wrapped with xerrors so
// %+v on the aggregate shows where each member was produced.
func NewDependencyCycleError(cycle []Query) error {
	var result *multierror.Error
	for _, q := range cycle {
		result = multierror.Append(result, xerrors.Errorf("job %q: %w", q, &DependencyCycleError{Cycle: cycle}))
	}
	return result.ErrorOrNil()
}

// WorkerCrashError is the terminal failure set on a job after its worker
// has crashed mid-run enough times that the queue gives up retrying it.
type WorkerCrashError struct {
	Query      Query
	CrashCount int
}

func (e *WorkerCrashError) Error() string {
	return fmt.Sprintf("queue: %q: worker crashed %d times, giving up", e.Query, e.CrashCount)
}
