package main

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/acearchive/keeper/internal/backupzip"
	"github.com/acearchive/keeper/internal/config"
	"github.com/acearchive/keeper/internal/download"
	"github.com/acearchive/keeper/internal/engine"
	"github.com/acearchive/keeper/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Fatalf("failed to close store: %v", err)
		}
	})
	return st
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	_ = w.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading captured stdout: %v", err)
	}
	_ = r.Close()
	return string(data)
}

func TestMoveAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup.zip")
	if err := os.WriteFile(path, []byte("not a zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1700000000, 0)

	moved, err := moveAside(path, now)
	if err != nil {
		t.Fatalf("moveAside failed: %v", err)
	}
	if want := path + ".1700000000.bak"; moved != want {
		t.Errorf("moved to %q, want %q", moved, want)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("original file should be gone, stat err = %v", err)
	}
	data, err := os.ReadFile(moved)
	if err != nil || string(data) != "not a zip" {
		t.Errorf("moved file content = %q, %v", data, err)
	}

	// A second move in the same second must not overwrite the first.
	if err := os.WriteFile(path, []byte("again"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := moveAside(path, now); err == nil {
		t.Error("expected error when the target already exists")
	}
}

func TestPrintResult(t *testing.T) {
	var sb strings.Builder
	printResult(&sb, &engine.Result{
		SessionID:        "s1",
		State:            engine.StateCompleted,
		Outcome:          engine.OutcomeCompletedWithWarnings,
		ItemsPlanned:     3,
		ItemsFetched:     2,
		Failed:           []download.FailedItem{{Path: "artifacts/a/broken.pdf", Err: errors.New("hash mismatch")}},
		BytesTransferred: 2048,
		Size:             4096,
		Checksum:         strings.Repeat("c", 64),
		Committed:        true,
		ReportErr:        errors.New("registry down"),
		StartTime:        time.Now().Add(-time.Minute),
		EndTime:          time.Now(),
	})
	out := sb.String()

	for _, want := range []string{
		"completed_with_warnings",
		"3 planned, 2 fetched, 0 already present, 1 failed",
		"2.0 kB",
		strings.Repeat("c", 64),
		"artifacts/a/broken.pdf: hash mismatch",
		"keeper report",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}

	sb.Reset()
	printResult(&sb, &engine.Result{SessionID: "s2", Outcome: engine.OutcomeCancelled})
	if !strings.Contains(sb.String(), "unchanged") {
		t.Errorf("uncommitted result should report the archive unchanged:\n%s", sb.String())
	}
}

func TestProgressPrinter(t *testing.T) {
	var sb strings.Builder
	var current atomic.Pointer[engine.Session]
	onEvent := progressPrinter(&sb, &current)

	onEvent(engine.Event{Kind: engine.EventState, State: engine.StateFetching})
	onEvent(engine.Event{Kind: engine.EventItemFetched, Path: "artifacts/a/file.txt", Size: 1500, ItemsFetched: 1})
	onEvent(engine.Event{Kind: engine.EventItemSkipped, Path: "artifacts/a/metadata.json"})
	onEvent(engine.Event{Kind: engine.EventItemFailed, Path: "artifacts/b/file.txt", Err: errors.New("boom")})

	out := sb.String()
	for _, want := range []string{"==> fetching", "[1/0] artifacts/a/file.txt (1.5 kB)", "FAILED artifacts/b/file.txt: boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "metadata.json") {
		t.Errorf("skipped items should not be printed:\n%s", out)
	}
}

func TestStatusRun(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.InsertBackup(&store.BackupRecord{
		ID:       "b1",
		KeeperID: "2f1c7a4e-8d3b-4f6a-9e21-5c0b7d8a9f10",
		Checksum: strings.Repeat("a", 64),
		Size:     3000,
	}); err != nil {
		t.Fatalf("InsertBackup: %v", err)
	}
	if err := st.CreateSession(&store.SessionRecord{
		ID:         "b1",
		OutputPath: "/tmp/backup.zip",
		State:      string(engine.StateFailed),
		Outcome:    string(engine.OutcomeFailed),
		StartTime:  time.Now(),
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	origStore, origCfg, origLimit := globalStore, globalCfg, statusLimit
	globalStore = st
	globalCfg = config.DefaultConfig()
	statusLimit = 10
	t.Cleanup(func() {
		globalStore, globalCfg, statusLimit = origStore, origCfg, origLimit
	})

	out := captureStdout(t, func() {
		if err := statusRun(nil, nil); err != nil {
			t.Fatalf("statusRun returned error: %v", err)
		}
	})

	for _, want := range []string{"b1", strings.Repeat("a", 16), "3.0 kB", "failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusRunEmpty(t *testing.T) {
	st := newTestStore(t)
	origStore, origCfg, origLimit := globalStore, globalCfg, statusLimit
	globalStore = st
	globalCfg = config.DefaultConfig()
	statusLimit = 10
	t.Cleanup(func() {
		globalStore, globalCfg, statusLimit = origStore, origCfg, origLimit
	})

	out := captureStdout(t, func() {
		if err := statusRun(nil, nil); err != nil {
			t.Fatalf("statusRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, "No backups recorded") || !strings.Contains(out, "No sessions recorded") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestVerifyRunPointsAtBackupVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acearchive.zip")
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	members := [][2]string{
		{backupzip.MarkerName, `{"format_version": 1, "keeper_id": "k", "items": {"artifacts/a/f.txt": "` + strings.Repeat("0", 64) + `"}}`},
		{"artifacts/a/f.txt", "tampered"},
	}
	for _, m := range members {
		fw, err := zw.Create(m[0])
		if err != nil {
			t.Fatalf("create member: %v", err)
		}
		_, _ = fw.Write([]byte(m[1]))
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write zip: %v", err)
	}

	origCfg, origOffline := globalCfg, verifyOffline
	globalCfg = config.DefaultConfig()
	globalCfg.Backup.ZipFile = path
	verifyOffline = true
	t.Cleanup(func() {
		globalCfg, verifyOffline = origCfg, origOffline
	})

	var err error
	out := captureStdout(t, func() {
		err = verifyRun(newVerifyCmd(), nil)
	})
	if err == nil || !strings.Contains(err.Error(), "keeper backup --verify") {
		t.Errorf("expected a hint to run backup --verify, got %v", err)
	}
	if !strings.Contains(out, "artifacts/a/f.txt") {
		t.Errorf("corrupt item not listed:\n%s", out)
	}

	if newBackupCmd().Flags().Lookup("verify") == nil {
		t.Error("backup command has no --verify flag")
	}
}

func TestShouldSkipComponentInit(t *testing.T) {
	for _, name := range []string{"version", "config", "show", "verify"} {
		if !shouldSkipComponentInit(name) {
			t.Errorf("%s should not open the store", name)
		}
	}
	for _, name := range []string{"backup", "report", "status"} {
		if shouldSkipComponentInit(name) {
			t.Errorf("%s needs the store", name)
		}
	}
}
