// Package report submits completed backups to the Ace Archive registry and
// keeps a local record of them.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/acearchive/keeper/internal/download"
	"github.com/acearchive/keeper/internal/store"
)

// PayloadFormatVersion is the registry payload version.
const PayloadFormatVersion = 1

// ReportingError means the registry did not accept the submission. The backup
// itself is unaffected and the submission can be retried later.
type ReportingError struct {
	Err error
}

func (e *ReportingError) Error() string { return "failed to report backup: " + e.Err.Error() }

func (e *ReportingError) Unwrap() error { return e.Err }

// StorageError means the local record could not be written.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string { return "failed to record backup locally: " + e.Err.Error() }

func (e *StorageError) Unwrap() error { return e.Err }

// Submission describes a completed backup.
type Submission struct {
	BackupID string
	KeeperID string
	Checksum string
	Size     int64
	Contact  string // optional email address
}

type payload struct {
	FormatVersion int    `json:"format_version"`
	KeeperID      string `json:"keeper_id"`
	BackupID      string `json:"backup_id"`
	Checksum      string `json:"checksum"`
	Size          int64  `json:"size"`
	Email         string `json:"email,omitempty"`
}

// Poster is the transport used to reach the registry.
type Poster interface {
	PostJSON(ctx context.Context, rawURL string, payload any, limit int64) ([]byte, error)
}

// Recorder persists backup records and the reported flag.
type Recorder interface {
	InsertBackup(rec *store.BackupRecord) (bool, error)
	MarkSessionReported(id string) error
}

// Reporter sends submissions to the registry and records them locally.
type Reporter struct {
	client      Poster
	recorder    Recorder
	registryURL string
	logger      *slog.Logger
}

// NewReporter creates a Reporter. An empty registryURL disables the remote
// submission; recorder may be nil to disable the local record.
func NewReporter(client Poster, recorder Recorder, registryURL string, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		client:      client,
		recorder:    recorder,
		registryURL: registryURL,
		logger:      logger,
	}
}

// Validate checks the fields the registry validates.
func (s Submission) Validate() error {
	id, err := uuid.Parse(s.KeeperID)
	if err != nil || id == uuid.Nil {
		return fmt.Errorf("invalid keeper id %q", s.KeeperID)
	}
	if len(s.Checksum) != 64 {
		return fmt.Errorf("invalid checksum %q", s.Checksum)
	}
	if s.BackupID == "" {
		return errors.New("missing backup id")
	}
	if s.Size < 0 {
		return fmt.Errorf("invalid size %d", s.Size)
	}
	return nil
}

// Report writes the local record and submits the backup to the registry. The
// two steps are independent: a failure of one does not prevent the other.
// The returned error joins a *StorageError and/or a *ReportingError.
func (r *Reporter) Report(ctx context.Context, sub Submission) error {
	var errs []error
	if err := r.Record(sub); err != nil {
		errs = append(errs, err)
	}
	if err := r.Submit(ctx, sub); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Record appends the local BackupRecord. Recording the same backup twice is a no-op.
func (r *Reporter) Record(sub Submission) error {
	if r.recorder == nil {
		return nil
	}
	rec := &store.BackupRecord{
		ID:       sub.BackupID,
		KeeperID: sub.KeeperID,
		Checksum: sub.Checksum,
		Size:     sub.Size,
	}
	if sub.Contact != "" {
		rec.Contact = sub.Contact
		rec.ContactType = "email"
	}
	inserted, err := r.recorder.InsertBackup(rec)
	if err != nil {
		r.logger.Error("failed to store backup record", "backup_id", sub.BackupID, "error", err)
		return &StorageError{Err: err}
	}
	if !inserted {
		r.logger.Debug("backup record already stored", "backup_id", sub.BackupID)
	}
	return nil
}

// Submit validates the submission, posts it to the registry and marks the
// session as reported on success. A 409 response means the registry already has it.
func (r *Reporter) Submit(ctx context.Context, sub Submission) error {
	if r.registryURL == "" {
		r.logger.Info("registry reporting disabled", "backup_id", sub.BackupID)
		return nil
	}
	if err := sub.Validate(); err != nil {
		r.logger.Error("backup report is not valid for the registry", "backup_id", sub.BackupID, "error", err)
		return &ReportingError{Err: err}
	}

	p := payload{
		FormatVersion: PayloadFormatVersion,
		KeeperID:      sub.KeeperID,
		BackupID:      sub.BackupID,
		Checksum:      sub.Checksum,
		Size:          sub.Size,
		Email:         sub.Contact,
	}

	_, err := r.client.PostJSON(ctx, r.registryURL, p, 64<<10)
	if err != nil {
		var netErr *download.NetworkError
		if !errors.As(err, &netErr) || netErr.StatusCode != http.StatusConflict {
			r.logger.Error("registry rejected backup report", "backup_id", sub.BackupID, "error", err)
			return &ReportingError{Err: err}
		}
		r.logger.Info("registry already has this backup", "backup_id", sub.BackupID)
	} else {
		r.logger.Info("backup reported to registry", "backup_id", sub.BackupID, "checksum", sub.Checksum)
	}

	if r.recorder != nil {
		if err := r.recorder.MarkSessionReported(sub.BackupID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return &StorageError{Err: err}
		}
	}
	return nil
}
