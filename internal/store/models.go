package store

import "time"

// BackupRecord is the local record of a completed backup. Records are
// append-only: once written they are never updated.
type BackupRecord struct {
	ID          string // backup id, shared with the session that produced it
	KeeperID    string
	Checksum    string
	Size        int64
	Contact     string // empty when the keeper gave no contact
	ContactType string // "email" when Contact is set
	CreatedAt   time.Time
}

// SessionRecord is the run log of one backup session. It is updated as the
// session progresses.
type SessionRecord struct {
	ID               string
	OutputPath       string
	State            string // session state name
	Outcome          string // "completed", "completed_with_warnings", "cancelled", "failed"
	StartTime        time.Time
	EndTime          time.Time
	ItemsPlanned     int
	ItemsFetched     int
	ItemsSkipped     int
	ItemsFailed      int
	BytesTransferred int64
	ContentBytes     int64
	ArchiveSize      int64
	Checksum         string
	ErrorMessage     string
	Reported         bool
}

// FailedItemRecord is an item that exhausted its retry budget during a session.
type FailedItemRecord struct {
	ID           int64
	SessionID    string
	Path         string
	URL          string
	ExpectedHash string
	Error        string
	Attempts     int
	FailedAt     time.Time
}
