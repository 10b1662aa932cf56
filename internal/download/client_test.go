package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/acearchive/keeper/internal/safety"
)

// newTestClient creates a client with near-zero backoff for fast tests.
func newTestClient(logger *slog.Logger) *Client {
	c := NewClient(logger)
	c.RetryBaseDelay = time.Millisecond
	return c
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestNewClient(t *testing.T) {
	client := NewClient(discardLogger())

	if client.httpClient == nil {
		t.Fatal("expected httpClient to be initialized")
	}
	if client.userAgent != "acearchive-keeper/1.0" {
		t.Errorf("unexpected userAgent %q", client.userAgent)
	}
	if client.RetryBaseDelay != defaultRetryBaseDelay {
		t.Errorf("expected default retry delay, got %v", client.RetryBaseDelay)
	}
	if client.StallTimeout != defaultStallTimeout {
		t.Errorf("expected default stall timeout, got %v", client.StallTimeout)
	}
}

func TestFetchVerifiesDigest(t *testing.T) {
	content := []byte("This is test file content for fetch verification")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "acearchive-keeper/1.0" {
			t.Errorf("unexpected User-Agent %q", ua)
		}
		_, _ = w.Write(content)
	}))
	defer server.Close()

	spool := filepath.Join(t.TempDir(), "spool", "item.part")
	client := newTestClient(discardLogger())

	result, err := client.Fetch(context.Background(), FetchOptions{
		Path:         "artifacts/a/file.txt",
		URL:          server.URL,
		ExpectedHash: strings.ToUpper(sha256Hex(content)),
		ExpectedSize: int64(len(content)),
		SpoolPath:    spool,
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.SHA256 != sha256Hex(content) {
		t.Errorf("unexpected digest %s", result.SHA256)
	}
	if result.Size != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), result.Size)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}

	rc, err := result.Open()
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != string(content) {
		t.Errorf("content mismatch: %q", got)
	}
}

func TestFetchInline(t *testing.T) {
	content := []byte(`{"id":"a"}`)
	client := newTestClient(discardLogger())

	result, err := client.Fetch(context.Background(), FetchOptions{
		Path:         "artifacts/a/metadata.json",
		Inline:       content,
		ExpectedHash: sha256Hex(content),
		ExpectedSize: int64(len(content)),
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.SpoolPath != "" {
		t.Errorf("inline item should not be spooled, got %q", result.SpoolPath)
	}
	rc, _ := result.Open()
	got, _ := io.ReadAll(rc)
	if string(got) != string(content) {
		t.Errorf("content mismatch: %q", got)
	}

	_, err = client.Fetch(context.Background(), FetchOptions{
		Path:         "artifacts/a/metadata.json",
		Inline:       content,
		ExpectedHash: sha256Hex([]byte("other")),
	})
	var integrityErr *IntegrityError
	if !errors.As(err, &integrityErr) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
}

func TestFetchChecksumMismatchIsRetried(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = w.Write([]byte("corrupted bytes"))
	}))
	defer server.Close()

	spool := filepath.Join(t.TempDir(), "item.part")
	client := newTestClient(discardLogger())

	var retries []int
	result, err := client.Fetch(context.Background(), FetchOptions{
		Path:         "artifacts/a/file.bin",
		URL:          server.URL,
		ExpectedHash: sha256Hex([]byte("expected bytes")),
		SpoolPath:    spool,
		OnRetry:      func(attempt int, err error) { retries = append(retries, attempt) },
	})
	if result != nil {
		t.Fatal("expected result to be nil on error")
	}

	var integrityErr *IntegrityError
	if !errors.As(err, &integrityErr) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if integrityErr.Path != "artifacts/a/file.bin" {
		t.Errorf("unexpected path %q", integrityErr.Path)
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("expected 3 requests, got %d", got)
	}
	if len(retries) != 2 {
		t.Errorf("expected 2 retry callbacks, got %v", retries)
	}
	if _, err := os.Stat(spool); !os.IsNotExist(err) {
		t.Error("expected spool file to be removed after failure")
	}
}

func TestFetchNotFoundIsNotRetried(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := newTestClient(discardLogger())
	_, err := client.Fetch(context.Background(), FetchOptions{
		URL:        server.URL,
		SpoolPath:  filepath.Join(t.TempDir(), "item.part"),
		RetryCount: 5,
	})

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if netErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", netErr.StatusCode)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("expected 1 request, got %d", got)
	}
}

func TestFetchRetryOnServerError(t *testing.T) {
	content := []byte("Content after retries")
	var requests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("Service unavailable"))
			return
		}
		_, _ = w.Write(content)
	}))
	defer server.Close()

	client := newTestClient(discardLogger())
	result, err := client.Fetch(context.Background(), FetchOptions{
		URL:          server.URL,
		ExpectedHash: sha256Hex(content),
		SpoolPath:    filepath.Join(t.TempDir(), "item.part"),
		RetryCount:   5,
	})
	if err != nil {
		t.Fatalf("expected no error after retries, got %v", err)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestFetchResume(t *testing.T) {
	full := []byte("This is the complete file content for resume testing")
	var rangeHeader atomic.Value

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rh := r.Header.Get("Range")
		rangeHeader.Store(rh)
		if rh != "" {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes 20-%d/%d", len(full)-1, len(full)))
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(full[20:])
			return
		}
		_, _ = w.Write(full)
	}))
	defer server.Close()

	spool := filepath.Join(t.TempDir(), "item.part")
	if err := os.WriteFile(spool, full[:20], 0o600); err != nil {
		t.Fatalf("failed to create partial file: %v", err)
	}

	client := newTestClient(discardLogger())
	result, err := client.Fetch(context.Background(), FetchOptions{
		URL:          server.URL,
		ExpectedHash: sha256Hex(full),
		ExpectedSize: int64(len(full)),
		SpoolPath:    spool,
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if got := rangeHeader.Load().(string); got != "bytes=20-" {
		t.Errorf("expected Range bytes=20-, got %q", got)
	}
	if !result.Resumed {
		t.Error("expected result to be marked resumed")
	}

	content, _ := os.ReadFile(spool)
	if string(content) != string(full) {
		t.Errorf("content mismatch: %q", content)
	}
}

func TestFetchResumeIgnoredByServer(t *testing.T) {
	full := []byte("server always returns the whole body")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(full)
	}))
	defer server.Close()

	spool := filepath.Join(t.TempDir(), "item.part")
	if err := os.WriteFile(spool, full[:10], 0o600); err != nil {
		t.Fatalf("failed to create partial file: %v", err)
	}

	client := newTestClient(discardLogger())
	result, err := client.Fetch(context.Background(), FetchOptions{
		URL:          server.URL,
		ExpectedHash: sha256Hex(full),
		ExpectedSize: int64(len(full)),
		SpoolPath:    spool,
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.Size != int64(len(full)) {
		t.Errorf("expected size %d, got %d", len(full), result.Size)
	}
	content, _ := os.ReadFile(spool)
	if string(content) != string(full) {
		t.Errorf("content mismatch: %q", content)
	}
}

func TestFetchStallTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("first chunk"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	client := newTestClient(discardLogger())
	client.StallTimeout = 50 * time.Millisecond

	_, err := client.Fetch(context.Background(), FetchOptions{
		URL:        server.URL,
		SpoolPath:  filepath.Join(t.TempDir(), "item.part"),
		RetryCount: 1,
	})
	if !errors.Is(err, ErrStalled) {
		t.Fatalf("expected ErrStalled, got %v", err)
	}
	var netErr *NetworkError
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected timeout NetworkError, got %v", err)
	}
}

func TestFetchContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 50; i++ {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(10 * time.Millisecond):
				_, _ = w.Write([]byte("chunk"))
				w.(http.Flusher).Flush()
			}
		}
	}))
	defer server.Close()

	spool := filepath.Join(t.TempDir(), "item.part")
	client := newTestClient(discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, err := client.Fetch(ctx, FetchOptions{URL: server.URL, SpoolPath: spool})
	if result != nil {
		t.Fatal("expected result to be nil on cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		t.Fatalf("cancellation must not be reported as a network failure: %v", err)
	}
	if _, err := os.Stat(spool); !os.IsNotExist(err) {
		t.Error("expected spool file to be removed after cancellation")
	}
}

func TestFetchProgress(t *testing.T) {
	content := []byte("Content for progress tracking")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
		_, _ = w.Write(content)
	}))
	defer server.Close()

	var last, total int64
	client := newTestClient(discardLogger())
	_, err := client.Fetch(context.Background(), FetchOptions{
		URL:       server.URL,
		SpoolPath: filepath.Join(t.TempDir(), "item.part"),
		OnProgress: func(downloaded, totalBytes int64) {
			last, total = downloaded, totalBytes
		},
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if last != int64(len(content)) || total != int64(len(content)) {
		t.Errorf("unexpected progress %d/%d", last, total)
	}
}

func TestGetAndPostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/small":
			_, _ = w.Write([]byte(`{"ok":true}`))
		case "/large":
			_, _ = w.Write([]byte(strings.Repeat("x", 100)))
		case "/post":
			if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			body, _ := io.ReadAll(r.Body)
			if string(body) != `{"a":1}` {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	client := newTestClient(discardLogger())
	ctx := context.Background()

	data, err := client.Get(ctx, server.URL+"/small", 1024)
	if err != nil || string(data) != `{"ok":true}` {
		t.Fatalf("Get = %q, %v", data, err)
	}

	if _, err := client.Get(ctx, server.URL+"/large", 10); !errors.Is(err, safety.ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}

	if _, err := client.PostJSON(ctx, server.URL+"/post", map[string]int{"a": 1}, 1024); err != nil {
		t.Fatalf("PostJSON failed: %v", err)
	}

	_, err = client.PostJSON(ctx, server.URL+"/broken", map[string]int{"a": 1}, 1024)
	var netErr *NetworkError
	if !errors.As(err, &netErr) || netErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 NetworkError, got %v", err)
	}
	if !netErr.Retryable() {
		t.Error("expected 500 to be retryable")
	}
}

func TestNetworkErrorRetryable(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{0, true},
		{http.StatusBadRequest, false},
		{http.StatusForbidden, false},
		{http.StatusNotFound, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		e := &NetworkError{Op: "get", URL: "https://example.com", StatusCode: tt.status}
		if got := e.Retryable(); got != tt.want {
			t.Errorf("Retryable() for status %d = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestCalculateBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	for attempt := 1; attempt <= 4; attempt++ {
		lo := base * time.Duration(1<<(attempt-1))
		hi := lo + lo/2
		for i := 0; i < 20; i++ {
			d := calculateBackoffDelay(base, attempt)
			if d < lo || d >= hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v)", attempt, d, lo, hi)
			}
		}
	}
	if d := calculateBackoffDelay(0, 1); d < defaultRetryBaseDelay {
		t.Errorf("zero base should fall back to default, got %v", d)
	}
}
