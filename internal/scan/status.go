// Package scan defines the core data model for bulk scans: targets, job
// descriptions, results, the job status taxonomy, and the scanner registry
// used by workers to construct probe engines per scan config kind.
package scan

import "fmt"

// JobStatus describes where a scan job is in its lifecycle and, for
// finished jobs, why it ended. The set is closed; workers and the
// progress monitor rely on every status being one of these values.
type JobStatus string

const (
	// StatusToBeExecuted marks a job that has been published but not yet
	// executed. It is never persisted and never counted.
	StatusToBeExecuted JobStatus = "TO_BE_EXECUTED"

	// Pre-execution error statuses, assigned by the publisher before a
	// job ever reaches the bus.
	StatusUnresolvable    JobStatus = "UNRESOLVABLE"
	StatusResolutionError JobStatus = "RESOLUTION_ERROR"
	StatusDenylisted      JobStatus = "DENYLISTED"

	// Post-execution statuses, assigned by the worker router.
	StatusSuccess            JobStatus = "SUCCESS"
	StatusEmpty              JobStatus = "EMPTY"
	StatusError              JobStatus = "ERROR"
	StatusSerializationError JobStatus = "SERIALIZATION_ERROR"
	StatusCancelled          JobStatus = "CANCELLED"
	StatusInternalError      JobStatus = "INTERNAL_ERROR"
	StatusCrawlerError       JobStatus = "CRAWLER_ERROR"
)

// TerminalStatuses lists every status a job can carry once it is done,
// i.e. everything except TO_BE_EXECUTED. The monitor initializes its
// per-bulk counters over exactly this set.
func TerminalStatuses() []JobStatus {
	return []JobStatus{
		StatusUnresolvable,
		StatusResolutionError,
		StatusDenylisted,
		StatusSuccess,
		StatusEmpty,
		StatusError,
		StatusSerializationError,
		StatusCancelled,
		StatusInternalError,
		StatusCrawlerError,
	}
}

// IsError reports whether the status represents a failed job. Every
// status except TO_BE_EXECUTED, SUCCESS and EMPTY is an error.
func (s JobStatus) IsError() bool {
	switch s {
	case StatusToBeExecuted, StatusSuccess, StatusEmpty:
		return false
	default:
		return true
	}
}

// IsPreExecution reports whether the status is assigned by the publisher
// before a job is dispatched over the bus.
func (s JobStatus) IsPreExecution() bool {
	switch s {
	case StatusUnresolvable, StatusResolutionError, StatusDenylisted:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status marks a finished job.
func (s JobStatus) IsTerminal() bool {
	return s != StatusToBeExecuted
}

// ParseJobStatus converts a string into a JobStatus, rejecting values
// outside the closed set.
func ParseJobStatus(s string) (JobStatus, error) {
	switch JobStatus(s) {
	case StatusToBeExecuted, StatusUnresolvable, StatusResolutionError,
		StatusDenylisted, StatusSuccess, StatusEmpty, StatusError,
		StatusSerializationError, StatusCancelled, StatusInternalError,
		StatusCrawlerError:
		return JobStatus(s), nil
	default:
		return "", fmt.Errorf("unknown job status: %q", s)
	}
}

// String implements fmt.Stringer.
func (s JobStatus) String() string {
	return string(s)
}
