package protocol

import "fmt"

// JobErrorKind partitions job failures for the broker and for retry policy.
type JobErrorKind uint8

const (
	// ErrArtifactFetch: an artifact the job depends on could not be
	// downloaded. The cache entry is removed so a later job retries.
	ErrArtifactFetch JobErrorKind = iota

	// ErrExecution: the program could not be spawned or the sandbox could
	// not be established.
	ErrExecution

	// ErrSystem: an OS-level failure that questions worker integrity.
	ErrSystem
)

func (k JobErrorKind) String() string {
	switch k {
	case ErrArtifactFetch:
		return "artifact-fetch"
	case ErrExecution:
		return "execution"
	case ErrSystem:
		return "system"
	default:
		return fmt.Sprintf("JobErrorKind(%d)", uint8(k))
	}
}

// JobError is a job-scoped failure reported via JobCompleted. It never
// escalates to process exit.
type JobError struct {
	Kind   JobErrorKind
	Detail string
}

func (e *JobError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Detail) }

// ExitStatus describes how a process stopped.
type ExitStatus struct {
	// Code is valid when Signaled is false.
	Code int
	// Signal is the terminating signal number when Signaled is true.
	Signal   int
	Signaled bool
}

func (s ExitStatus) String() string {
	if s.Signaled {
		return fmt.Sprintf("signal %d", s.Signal)
	}
	return fmt.Sprintf("exit %d", s.Code)
}

// CapturedOutput holds up to the inline limit of one stdio stream. Truncated
// counts the bytes that were dropped beyond First.
type CapturedOutput struct {
	First     []byte
	Truncated uint64
}

// JobEffects is what the job left behind: its captured stdio.
type JobEffects struct {
	Stdout CapturedOutput
	Stderr CapturedOutput
}

// OutcomeKind discriminates JobOutcome.
type OutcomeKind uint8

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeTimedOut
	OutcomeCanceled
)

// JobOutcome is the successful (in the protocol sense) end of a job: it ran
// to completion, timed out, or was canceled on request.
type JobOutcome struct {
	Kind    OutcomeKind
	Exit    ExitStatus // valid for OutcomeCompleted
	Effects JobEffects
}

// JobResult is either an outcome or a job error; exactly one is set.
type JobResult struct {
	Outcome *JobOutcome
	Err     *JobError
}

func CompletedResult(exit ExitStatus, effects JobEffects) JobResult {
	return JobResult{Outcome: &JobOutcome{Kind: OutcomeCompleted, Exit: exit, Effects: effects}}
}

func TimedOutResult(effects JobEffects) JobResult {
	return JobResult{Outcome: &JobOutcome{Kind: OutcomeTimedOut, Effects: effects}}
}

func CanceledResult() JobResult {
	return JobResult{Outcome: &JobOutcome{Kind: OutcomeCanceled}}
}

func ErrorResult(kind JobErrorKind, detail string) JobResult {
	return JobResult{Err: &JobError{Kind: kind, Detail: detail}}
}

// WorkerJobStatus is the coarse execution state reported to the broker in
// JobStateTransition messages.
type WorkerJobStatus uint8

const (
	StatusExecuting WorkerJobStatus = iota
	StatusCompleted
	StatusTimedOut
	StatusCanceled
	StatusFailed
)

func (s WorkerJobStatus) String() string {
	switch s {
	case StatusExecuting:
		return "executing"
	case StatusCompleted:
		return "completed"
	case StatusTimedOut:
		return "timed-out"
	case StatusCanceled:
		return "canceled"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("WorkerJobStatus(%d)", uint8(s))
	}
}
