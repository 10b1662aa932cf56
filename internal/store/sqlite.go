package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides SQLite-backed persistence
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("Store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// BackupRecord Operations
// ============================================================================

// InsertBackup appends a BackupRecord. Inserting an id that already exists is
// not an error and leaves the stored record unchanged; inserted reports
// whether a new row was written.
func (s *Store) InsertBackup(rec *BackupRecord) (inserted bool, err error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO backups (id, keeper_id, checksum, size, contact, contact_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	result, err := s.db.Exec(
		query,
		rec.ID, rec.KeeperID, rec.Checksum, rec.Size,
		rec.Contact, rec.ContactType, rec.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert backup record: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

const backupColumns = `id, keeper_id, checksum, size, COALESCE(contact, ''), COALESCE(contact_type, ''), created_at`

func scanBackup(row interface{ Scan(...any) error }) (*BackupRecord, error) {
	rec := &BackupRecord{}
	err := row.Scan(&rec.ID, &rec.KeeperID, &rec.Checksum, &rec.Size, &rec.Contact, &rec.ContactType, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetBackup retrieves a BackupRecord by ID
func (s *Store) GetBackup(id string) (*BackupRecord, error) {
	rec, err := scanBackup(s.db.QueryRow(`SELECT `+backupColumns+` FROM backups WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("backup %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query backup: %w", err)
	}
	return rec, nil
}

// ListBackups returns BackupRecords, newest first
func (s *Store) ListBackups(limit int) ([]BackupRecord, error) {
	query := `SELECT ` + backupColumns + ` FROM backups ORDER BY created_at DESC, id`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query backups: %w", err)
	}
	defer rows.Close()

	var records []BackupRecord
	for rows.Next() {
		rec, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan backup: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backups: %w", err)
	}
	return records, nil
}

// LatestUnreportedBackup returns the newest BackupRecord whose session has not
// been acknowledged by the registry.
func (s *Store) LatestUnreportedBackup() (*BackupRecord, error) {
	const query = `
		SELECT b.id, b.keeper_id, b.checksum, b.size, COALESCE(b.contact, ''), COALESCE(b.contact_type, ''), b.created_at
		FROM backups b
		LEFT JOIN sessions s ON s.id = b.id
		WHERE COALESCE(s.reported, 0) = 0
		ORDER BY b.created_at DESC
		LIMIT 1
	`
	rec, err := scanBackup(s.db.QueryRow(query))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("unreported backup: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query unreported backup: %w", err)
	}
	return rec, nil
}

// ============================================================================
// SessionRecord Operations
// ============================================================================

// CreateSession inserts a new SessionRecord
func (s *Store) CreateSession(rec *SessionRecord) error {
	const query = `
		INSERT INTO sessions (
			id, output_path, state, outcome, start_time, end_time, items_planned,
			items_fetched, items_skipped, items_failed, bytes_transferred,
			content_bytes, archive_size, checksum, error_message, reported
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(
		query,
		rec.ID, rec.OutputPath, rec.State, rec.Outcome, rec.StartTime, rec.EndTime,
		rec.ItemsPlanned, rec.ItemsFetched, rec.ItemsSkipped, rec.ItemsFailed,
		rec.BytesTransferred, rec.ContentBytes, rec.ArchiveSize, rec.Checksum,
		rec.ErrorMessage, rec.Reported,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// UpdateSession updates an existing SessionRecord by ID
func (s *Store) UpdateSession(rec *SessionRecord) error {
	const query = `
		UPDATE sessions SET
			output_path = ?, state = ?, outcome = ?, start_time = ?, end_time = ?,
			items_planned = ?, items_fetched = ?, items_skipped = ?, items_failed = ?,
			bytes_transferred = ?, content_bytes = ?, archive_size = ?, checksum = ?,
			error_message = ?, reported = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		rec.OutputPath, rec.State, rec.Outcome, rec.StartTime, rec.EndTime,
		rec.ItemsPlanned, rec.ItemsFetched, rec.ItemsSkipped, rec.ItemsFailed,
		rec.BytesTransferred, rec.ContentBytes, rec.ArchiveSize, rec.Checksum,
		rec.ErrorMessage, rec.Reported, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("session %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

// MarkSessionReported records that the registry accepted the session's backup.
func (s *Store) MarkSessionReported(id string) error {
	result, err := s.db.Exec(`UPDATE sessions SET reported = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark session reported: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

const sessionColumns = `
	id, output_path, state, COALESCE(outcome, ''), start_time, end_time,
	items_planned, items_fetched, items_skipped, items_failed, bytes_transferred,
	content_bytes, archive_size, COALESCE(checksum, ''), COALESCE(error_message, ''), reported
`

func scanSession(row interface{ Scan(...any) error }) (*SessionRecord, error) {
	rec := &SessionRecord{}
	var endTime sql.NullTime
	err := row.Scan(
		&rec.ID, &rec.OutputPath, &rec.State, &rec.Outcome, &rec.StartTime, &endTime,
		&rec.ItemsPlanned, &rec.ItemsFetched, &rec.ItemsSkipped, &rec.ItemsFailed,
		&rec.BytesTransferred, &rec.ContentBytes, &rec.ArchiveSize, &rec.Checksum,
		&rec.ErrorMessage, &rec.Reported,
	)
	if err != nil {
		return nil, err
	}
	if endTime.Valid {
		rec.EndTime = endTime.Time
	}
	return rec, nil
}

// GetSession retrieves a SessionRecord by ID
func (s *Store) GetSession(id string) (*SessionRecord, error) {
	rec, err := scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return rec, nil
}

// ListSessions returns SessionRecords, most recently started first
func (s *Store) ListSessions(limit int) ([]SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY start_time DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return records, nil
}

// ============================================================================
// FailedItemRecord Operations
// ============================================================================

// AddFailedItems records the permanently failed items of a session in one transaction.
func (s *Store) AddFailedItems(items []FailedItemRecord) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO failed_items (session_id, path, url, expected_hash, error, attempts, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	for i := range items {
		rec := &items[i]
		if rec.FailedAt.IsZero() {
			rec.FailedAt = time.Now().UTC()
		}
		result, err := tx.Exec(query, rec.SessionID, rec.Path, rec.URL, rec.ExpectedHash, rec.Error, rec.Attempts, rec.FailedAt)
		if err != nil {
			return fmt.Errorf("failed to insert failed item %s: %w", rec.Path, err)
		}
		if id, err := result.LastInsertId(); err == nil {
			rec.ID = id
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit failed items: %w", err)
	}
	return nil
}

// ListFailedItems retrieves the failed items of a session
func (s *Store) ListFailedItems(sessionID string) ([]FailedItemRecord, error) {
	const query = `
		SELECT id, session_id, path, COALESCE(url, ''), COALESCE(expected_hash, ''),
		       COALESCE(error, ''), attempts, failed_at
		FROM failed_items WHERE session_id = ? ORDER BY id
	`

	rows, err := s.db.Query(query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed items: %w", err)
	}
	defer rows.Close()

	var records []FailedItemRecord
	for rows.Next() {
		rec := FailedItemRecord{}
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Path, &rec.URL, &rec.ExpectedHash, &rec.Error, &rec.Attempts, &rec.FailedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failed item: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed items: %w", err)
	}
	return records, nil
}
