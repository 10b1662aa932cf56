package store

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

// newTestStore creates an in-memory SQLite store for testing
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew(t *testing.T) {
	store, err := New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Expected db to be initialized")
	}
	if store.logger == nil {
		t.Error("Expected logger to be initialized")
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "keeper.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s1, err := New(dbPath, logger)
	if err != nil {
		t.Fatalf("first New() failed: %v", err)
	}
	if _, err := s1.InsertBackup(&BackupRecord{ID: "b1", KeeperID: "k", Checksum: "c", Size: 1}); err != nil {
		t.Fatalf("InsertBackup failed: %v", err)
	}
	s1.Close()

	s2, err := New(dbPath, logger)
	if err != nil {
		t.Fatalf("second New() failed: %v", err)
	}
	defer s2.Close()

	if _, err := s2.GetBackup("b1"); err != nil {
		t.Fatalf("record lost after reopening: %v", err)
	}
}

func TestClose(t *testing.T) {
	store, err := New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if _, err := store.ListBackups(0); err == nil {
		t.Error("Expected error when using closed store, but got nil")
	}
}

// ============================================================================
// BackupRecord Tests
// ============================================================================

func TestInsertBackupIsAppendOnly(t *testing.T) {
	s := newTestStore(t)

	rec := &BackupRecord{
		ID:          "0b6a1c9e-5a7f-4c1b-9c4e-1f2d3e4f5a6b",
		KeeperID:    "keeper-1",
		Checksum:    "abc",
		Size:        1024,
		Contact:     "keeper@example.com",
		ContactType: "email",
	}
	inserted, err := s.InsertBackup(rec)
	if err != nil || !inserted {
		t.Fatalf("InsertBackup = %v, %v", inserted, err)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	dup := *rec
	dup.Checksum = "changed"
	dup.CreatedAt = time.Time{}
	inserted, err = s.InsertBackup(&dup)
	if err != nil {
		t.Fatalf("duplicate insert should not fail: %v", err)
	}
	if inserted {
		t.Error("duplicate insert should not write a row")
	}

	got, err := s.GetBackup(rec.ID)
	if err != nil {
		t.Fatalf("GetBackup failed: %v", err)
	}
	if got.Checksum != "abc" || got.Size != 1024 || got.Contact != "keeper@example.com" || got.ContactType != "email" {
		t.Errorf("stored record changed: %+v", got)
	}
}

func TestGetBackupNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetBackup("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListBackups(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		_, err := s.InsertBackup(&BackupRecord{ID: id, KeeperID: "k", Checksum: "c", Size: int64(i), CreatedAt: base.Add(time.Duration(i) * time.Hour)})
		if err != nil {
			t.Fatalf("InsertBackup failed: %v", err)
		}
	}

	all, err := s.ListBackups(0)
	if err != nil {
		t.Fatalf("ListBackups failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "new" || all[2].ID != "old" {
		t.Errorf("unexpected order: %+v", all)
	}

	limited, err := s.ListBackups(1)
	if err != nil {
		t.Fatalf("ListBackups failed: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "new" {
		t.Errorf("unexpected limited result: %+v", limited)
	}
}

func TestLatestUnreportedBackup(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := s.LatestUnreportedBackup(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty store, got %v", err)
	}

	for i, id := range []string{"first", "second"} {
		if err := s.CreateSession(&SessionRecord{ID: id, OutputPath: "/tmp/b.zip", State: "completed", StartTime: base}); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		if _, err := s.InsertBackup(&BackupRecord{ID: id, KeeperID: "k", Checksum: "c", CreatedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("InsertBackup failed: %v", err)
		}
	}

	got, err := s.LatestUnreportedBackup()
	if err != nil || got.ID != "second" {
		t.Fatalf("LatestUnreportedBackup = %+v, %v", got, err)
	}

	if err := s.MarkSessionReported("second"); err != nil {
		t.Fatalf("MarkSessionReported failed: %v", err)
	}
	got, err = s.LatestUnreportedBackup()
	if err != nil || got.ID != "first" {
		t.Fatalf("LatestUnreportedBackup = %+v, %v", got, err)
	}

	if err := s.MarkSessionReported("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown session, got %v", err)
	}
}

// ============================================================================
// SessionRecord Tests
// ============================================================================

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)

	rec := &SessionRecord{
		ID:         "s1",
		OutputPath: "/backups/acearchive.zip",
		State:      "planning",
		StartTime:  time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateSession(rec); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	rec.State = "completed"
	rec.Outcome = "completed_with_warnings"
	rec.EndTime = rec.StartTime.Add(time.Minute)
	rec.ItemsPlanned = 10
	rec.ItemsFetched = 7
	rec.ItemsSkipped = 2
	rec.ItemsFailed = 1
	rec.BytesTransferred = 4096
	rec.ContentBytes = 8192
	rec.ArchiveSize = 9000
	rec.Checksum = "deadbeef"
	if err := s.UpdateSession(rec); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	got, err := s.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.State != "completed" || got.Outcome != "completed_with_warnings" || got.ItemsFetched != 7 ||
		got.ArchiveSize != 9000 || got.Checksum != "deadbeef" || got.Reported {
		t.Errorf("unexpected session %+v", got)
	}
	if !got.EndTime.Equal(rec.EndTime) {
		t.Errorf("end time %v, want %v", got.EndTime, rec.EndTime)
	}

	if err := s.UpdateSession(&SessionRecord{ID: "missing", StartTime: time.Now()}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	sessions, err := s.ListSessions(5)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("ListSessions = %+v, %v", sessions, err)
	}
}

// ============================================================================
// FailedItemRecord Tests
// ============================================================================

func TestFailedItems(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateSession(&SessionRecord{ID: "s1", OutputPath: "/b.zip", State: "fetching", StartTime: time.Now()}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	items := []FailedItemRecord{
		{SessionID: "s1", Path: "artifacts/a/x.pdf", URL: "https://example.com/x", ExpectedHash: "aa", Error: "checksum mismatch", Attempts: 3},
		{SessionID: "s1", Path: "artifacts/b/y.pdf", URL: "https://example.com/y", ExpectedHash: "bb", Error: "http error 404", Attempts: 1},
	}
	if err := s.AddFailedItems(items); err != nil {
		t.Fatalf("AddFailedItems failed: %v", err)
	}
	if items[0].ID == 0 || items[0].FailedAt.IsZero() {
		t.Errorf("expected ID and FailedAt to be set: %+v", items[0])
	}
	if err := s.AddFailedItems(nil); err != nil {
		t.Errorf("empty batch should be a no-op: %v", err)
	}

	got, err := s.ListFailedItems("s1")
	if err != nil {
		t.Fatalf("ListFailedItems failed: %v", err)
	}
	if len(got) != 2 || got[0].Path != "artifacts/a/x.pdf" || got[1].Attempts != 1 {
		t.Errorf("unexpected failed items %+v", got)
	}

	other, err := s.ListFailedItems("s2")
	if err != nil || len(other) != 0 {
		t.Errorf("expected no items for other session, got %+v, %v", other, err)
	}
}
