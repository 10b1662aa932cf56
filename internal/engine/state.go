package engine

import (
	"time"

	"github.com/acearchive/keeper/internal/download"
)

// State is the lifecycle position of a backup session.
type State string

const (
	StatePlanning   State = "planning"
	StateFetching   State = "fetching"
	StateCancelling State = "cancelling"
	StateFinalizing State = "finalizing"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	}
	return false
}

// Outcome is the termination reason handed to callers.
type Outcome string

const (
	OutcomeCompleted             Outcome = "completed"
	OutcomeCompletedWithWarnings Outcome = "completed_with_warnings"
	OutcomeCancelled             Outcome = "cancelled"
	OutcomeFailed                Outcome = "failed"
)

// Result describes a finished session.
type Result struct {
	SessionID string
	State     State
	Outcome   Outcome

	ItemsPlanned int
	ItemsFetched int
	ItemsSkipped int
	Failed       []download.FailedItem

	// BytesTransferred counts verified item bytes written in this session.
	BytesTransferred int64
	// ContentBytes is the sum of item sizes in the committed archive.
	ContentBytes int64
	// Size is the size of the committed archive file, as reported to the registry.
	Size     int64
	Checksum string
	// Committed is false when the destination was left untouched.
	Committed bool

	// Err is the cause for OutcomeFailed and the *download.AggregateFetchError
	// for OutcomeCompletedWithWarnings.
	Err error
	// ReportErr joins the *report.StorageError and *report.ReportingError of
	// the reporting step. The backup itself is valid when it is set.
	ReportErr error

	StartTime time.Time
	EndTime   time.Time
}

// Duration returns how long the session ran.
func (r *Result) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// EventKind identifies a session event.
type EventKind string

const (
	EventState       EventKind = "state"
	EventItemSkipped EventKind = "item_skipped"
	EventItemFetched EventKind = "item_fetched"
	EventItemFailed  EventKind = "item_failed"
	EventItemRetry   EventKind = "item_retry"
)

// Event is emitted to Options.OnEvent as the session progresses. Events are
// delivered one at a time.
type Event struct {
	Kind    EventKind
	State   State
	Path    string
	Size    int64
	Attempt int
	Err     error

	// Running totals at the time of the event.
	ItemsFetched     int
	BytesTransferred int64
}
