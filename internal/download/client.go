package download

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/acearchive/keeper/internal/safety"
)

const (
	chunkSize             = 128 * 1024
	defaultRetryCount     = 3
	defaultRetryBaseDelay = 250 * time.Millisecond
	defaultStallTimeout   = 60 * time.Second
	defaultRequestTimeout = 30 * time.Second
	maxErrorBody          = 4 << 10
)

// ProgressFunc is called after every chunk with the bytes received so far and
// the expected total (0 if unknown).
type ProgressFunc func(bytesDownloaded, totalBytes int64)

// RetryFunc is called before each retry with the attempt that just failed.
type RetryFunc func(attempt int, err error)

// FetchOptions describes one item fetch.
type FetchOptions struct {
	Path         string // archive member path, used in errors and logs
	URL          string
	Inline       []byte // locally generated content; no network activity
	ExpectedHash string // sha256 hex
	ExpectedSize int64  // 0 to skip the size comparison
	SpoolPath    string // where remote bytes are staged until verified
	RetryCount   int    // 0 defaults to 3
	OnProgress   ProgressFunc
	OnRetry      RetryFunc
}

// FetchResult is a verified item ready to be written to the archive.
type FetchResult struct {
	Path      string
	SpoolPath string // empty for inline items
	Inline    []byte
	Size      int64
	SHA256    string
	Resumed   bool
	Attempts  int
	Duration  time.Duration
}

// Open returns a reader over the verified bytes.
func (r *FetchResult) Open() (io.ReadCloser, error) {
	if r.SpoolPath == "" {
		return io.NopCloser(bytes.NewReader(r.Inline)), nil
	}
	return os.Open(r.SpoolPath)
}

// Client performs HTTP requests against the archive and registry with bounded
// timeouts, and streams item bodies through a running sha256 digest.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string

	// RequestTimeout bounds Get and PostJSON end to end.
	RequestTimeout time.Duration
	// StallTimeout bounds the gap between two chunks of an item body.
	StallTimeout time.Duration
	// RetryBaseDelay is the first backoff delay; it doubles per attempt.
	RetryBaseDelay time.Duration
}

// NewClient creates a new client with the given logger.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		// No overall Timeout: item bodies can take as long as they keep moving.
		httpClient:     safety.NewHTTPClient(0),
		logger:         logger,
		userAgent:      "acearchive-keeper/1.0",
		RequestTimeout: defaultRequestTimeout,
		StallTimeout:   defaultStallTimeout,
		RetryBaseDelay: defaultRetryBaseDelay,
	}
}

// Get fetches a small document, failing if the body exceeds limit bytes.
func (c *Client) Get(ctx context.Context, rawURL string, limit int64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(ctx, "get", req, limit)
}

// PostJSON posts payload as JSON and returns the response body.
func (c *Client) PostJSON(ctx context.Context, rawURL string, payload any, limit int64) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(ctx, "post", req, limit)
}

func (c *Client) do(ctx context.Context, op string, req *http.Request, limit int64) ([]byte, error) {
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, URL: req.URL.Redacted(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := safety.ReadAllWithLimit(resp.Body, maxErrorBody)
		return nil, &NetworkError{
			Op:         op,
			URL:        req.URL.Redacted(),
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}

	data, err := safety.ReadAllWithLimit(resp.Body, limit)
	if err != nil {
		if errors.Is(err, safety.ErrBodyTooLarge) {
			return nil, fmt.Errorf("%s %s: %w", op, req.URL.Redacted(), err)
		}
		return nil, &NetworkError{Op: op, URL: req.URL.Redacted(), Err: err}
	}
	return data, nil
}

// Fetch streams one item into its spool file, verifying the digest as bytes
// arrive. Network failures and integrity mismatches are retried with
// exponential backoff; a partially received body is resumed with a Range
// request when the server supports it.
func (c *Client) Fetch(ctx context.Context, opts FetchOptions) (*FetchResult, error) {
	if opts.RetryCount <= 0 {
		opts.RetryCount = defaultRetryCount
	}
	if opts.Inline != nil {
		return fetchInline(opts)
	}

	startTime := time.Now()
	var lastErr error
	var resumed bool

	for attempt := 1; attempt <= opts.RetryCount; attempt++ {
		if err := ctx.Err(); err != nil {
			_ = os.Remove(opts.SpoolPath)
			return nil, fmt.Errorf("fetch cancelled: %w", err)
		}

		// Resume only when a previous attempt left fewer bytes than declared.
		offset := int64(0)
		if fi, err := os.Stat(opts.SpoolPath); err == nil {
			if opts.ExpectedSize > 0 && fi.Size() > 0 && fi.Size() < opts.ExpectedSize {
				offset = fi.Size()
				resumed = true
			}
		}

		if dir := filepath.Dir(opts.SpoolPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create spool directory %s: %w", dir, err)
			}
		}

		flags := os.O_CREATE | os.O_RDWR
		if offset == 0 {
			flags |= os.O_TRUNC
		}
		file, err := os.OpenFile(opts.SpoolPath, flags, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open spool file: %w", err)
		}

		result, err := c.fetchAttempt(ctx, file, opts, offset)
		file.Close()

		if err == nil {
			result.Resumed = resumed
			result.Attempts = attempt
			result.Duration = time.Since(startTime)
			return result, nil
		}

		lastErr = err

		if isCancellation(ctx, err) {
			_ = os.Remove(opts.SpoolPath)
			return nil, fmt.Errorf("fetch cancelled: %w", ctx.Err())
		}

		var netErr *NetworkError
		var integrityErr *IntegrityError
		switch {
		case errors.As(err, &integrityErr):
			// Corrupt bytes are never resumed from.
			_ = os.Remove(opts.SpoolPath)
		case errors.As(err, &netErr):
			if !netErr.Retryable() {
				_ = os.Remove(opts.SpoolPath)
				return nil, err
			}
		default:
			// Local I/O failures are not helped by retrying.
			_ = os.Remove(opts.SpoolPath)
			return nil, err
		}

		c.logger.Warn("fetch attempt failed", "path", opts.Path, "attempt", attempt, "error", err)

		if attempt < opts.RetryCount {
			if opts.OnRetry != nil {
				opts.OnRetry(attempt, err)
			}
			delay := calculateBackoffDelay(c.RetryBaseDelay, attempt)
			c.logger.Debug("retrying fetch", "path", opts.Path, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				_ = os.Remove(opts.SpoolPath)
				return nil, fmt.Errorf("fetch cancelled during retry: %w", ctx.Err())
			}
		}
	}

	_ = os.Remove(opts.SpoolPath)
	return nil, fmt.Errorf("fetch failed after %d attempts: %w", opts.RetryCount, lastErr)
}

// fetchAttempt performs a single streaming attempt.
func (c *Client) fetchAttempt(ctx context.Context, file *os.File, opts FetchOptions, offset int64) (*FetchResult, error) {
	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()

	var stalled atomic.Bool
	stall := c.StallTimeout
	if stall <= 0 {
		stall = defaultStallTimeout
	}
	timer := time.AfterFunc(stall, func() {
		stalled.Store(true)
		cancelReq()
	})
	defer timer.Stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, opts.URL, err, &stalled)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := safety.ReadAllWithLimit(resp.Body, maxErrorBody)
		return nil, &NetworkError{
			Op:         "fetch",
			URL:        opts.URL,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}

	h := sha256.New()
	if resp.StatusCode == http.StatusPartialContent && offset > 0 {
		// Fold the bytes kept from the previous attempt into the digest.
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to rewind spool file: %w", err)
		}
		if _, err := io.CopyN(h, file, offset); err != nil {
			return nil, fmt.Errorf("failed to rehash spool prefix: %w", err)
		}
	} else if offset > 0 {
		// Server ignored the range; start from scratch.
		if err := file.Truncate(0); err != nil {
			return nil, fmt.Errorf("failed to truncate spool file: %w", err)
		}
		offset = 0
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek spool file: %w", err)
	}

	totalSize := resp.ContentLength
	if totalSize > 0 && offset > 0 {
		totalSize += offset
	}
	if totalSize < 0 {
		totalSize = opts.ExpectedSize
	}

	current := offset
	buf := make([]byte, chunkSize)
	for {
		// Cancellation is observed between chunks.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			timer.Reset(stall)
			if _, err := file.Write(buf[:n]); err != nil {
				return nil, fmt.Errorf("failed to write spool file: %w", err)
			}
			h.Write(buf[:n])
			current += int64(n)
			if opts.OnProgress != nil {
				opts.OnProgress(current, totalSize)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, transportError(ctx, opts.URL, rerr, &stalled)
		}
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if err := verify(opts, sum, current); err != nil {
		return nil, err
	}
	if opts.ExpectedSize > 0 && current != opts.ExpectedSize {
		// The digest is authoritative; stale size metadata is only worth a warning.
		c.logger.Warn("size differs from manifest but checksum matches, accepting item",
			"path", opts.Path, "got_size", current, "expected_size", opts.ExpectedSize)
	}

	return &FetchResult{
		Path:      opts.Path,
		SpoolPath: opts.SpoolPath,
		Size:      current,
		SHA256:    sum,
	}, nil
}

// fetchInline verifies locally generated content. Retrying cannot change the
// outcome, so a mismatch fails immediately.
func fetchInline(opts FetchOptions) (*FetchResult, error) {
	sum := sha256.Sum256(opts.Inline)
	hexSum := hex.EncodeToString(sum[:])
	if err := verify(opts, hexSum, int64(len(opts.Inline))); err != nil {
		return nil, err
	}
	return &FetchResult{
		Path:     opts.Path,
		Inline:   opts.Inline,
		Size:     int64(len(opts.Inline)),
		SHA256:   hexSum,
		Attempts: 1,
	}, nil
}

func verify(opts FetchOptions, sum string, size int64) error {
	if opts.ExpectedHash != "" && !strings.EqualFold(sum, opts.ExpectedHash) {
		return &IntegrityError{
			Path:         opts.Path,
			Expected:     strings.ToLower(opts.ExpectedHash),
			Actual:       sum,
			ExpectedSize: opts.ExpectedSize,
			ActualSize:   size,
		}
	}
	if opts.ExpectedHash == "" && opts.ExpectedSize > 0 && size != opts.ExpectedSize {
		// Without a digest the size is the only integrity check.
		return &IntegrityError{Path: opts.Path, ExpectedSize: opts.ExpectedSize, ActualSize: size}
	}
	return nil
}

// transportError classifies a failed request or body read.
func transportError(ctx context.Context, rawURL string, err error, stalled *atomic.Bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if stalled.Load() {
		return &NetworkError{Op: "fetch", URL: rawURL, Err: ErrStalled}
	}
	return &NetworkError{Op: "fetch", URL: rawURL, Err: err}
}

// calculateBackoffDelay calculates exponential backoff with jitter.
// The delay doubles each attempt, plus random jitter up to half the delay.
func calculateBackoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = defaultRetryBaseDelay
	}
	exponentialDelay := time.Duration(math.Pow(2, float64(attempt-1))) * base
	maxJitter := exponentialDelay / 2
	if maxJitter <= 0 {
		return exponentialDelay
	}
	jitter := time.Duration(rand.Int63n(int64(maxJitter)))
	return exponentialDelay + jitter
}
