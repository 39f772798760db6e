package orchestrator

import "fmt"

// ErrorKind classifies a task failure so the orchestrator knows how to
// react: retry as-is, escalate tier, defer and retry, or give up.
type ErrorKind string

const (
	// KindTransient covers provider timeouts and rate limits: retry the
	// same tier without counting it as an escalation.
	KindTransient ErrorKind = "transient"

	// KindValidation covers a failed Syntax/Build/Test/Lint stage:
	// escalate to the next tier and retry. The retry starts from the
	// subtask description; the failure output is not passed back to the
	// provider.
	KindValidation ErrorKind = "validation"

	// KindConflict covers a workspace.ConflictError or filelock
	// contention: retry at the same tier right away. The retry does not
	// wait for the conflicting owner to release, and it counts against
	// the task's retry budget, so sustained contention ends in failure.
	KindConflict ErrorKind = "conflict"

	// KindMalformed covers a parsed tool call that the dispatcher failed
	// to execute: escalate to the next tier and retry, as for
	// KindValidation. A response with no parsable tool call is not an
	// error; it is taken as the subtask's final answer.
	KindMalformed ErrorKind = "malformed"

	// KindFatal covers anything unretriable: configuration errors,
	// exhausted retries, escalation past the top tier.
	KindFatal ErrorKind = "fatal"

	// KindCancelled covers context cancellation: the caller walked away
	// or the run was cancelled.
	KindCancelled ErrorKind = "cancelled"
)

// TaskError wraps an underlying error with the kind the orchestrator
// should use to decide retry/escalate/defer/abort behavior.
type TaskError struct {
	Kind ErrorKind
	Task string
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %s: %v", e.Task, e.Kind, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

func newTaskError(kind ErrorKind, taskID string, err error) *TaskError {
	return &TaskError{Kind: kind, Task: taskID, Err: err}
}
