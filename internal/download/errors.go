package download

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrStalled is returned when a response body stops delivering data for longer
// than the client's stall timeout.
var ErrStalled = errors.New("transfer stalled")

// NetworkError is a transport failure, timeout or unexpected HTTP status.
type NetworkError struct {
	Op         string // "get", "post", "fetch"
	URL        string
	StatusCode int // 0 when no response was received
	Status     string
	Body       string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: http error %d: %s", e.Op, e.URL, e.StatusCode, e.Status)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline, stall or dial timeout.
func (e *NetworkError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) || errors.Is(e.Err, ErrStalled) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// Retryable reports whether repeating the request may succeed.
// 4xx responses other than 408 and 429 are permanent.
func (e *NetworkError) Retryable() bool {
	if e.StatusCode == 0 {
		return true
	}
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return e.StatusCode >= 500
}

// IntegrityError means the streamed bytes did not match the declared digest or size.
type IntegrityError struct {
	Path         string
	Expected     string
	Actual       string
	ExpectedSize int64
	ActualSize   int64
}

func (e *IntegrityError) Error() string {
	if e.Expected != e.Actual {
		return fmt.Sprintf("checksum mismatch for %s: got %s, expected %s", e.Path, e.Actual, e.Expected)
	}
	return fmt.Sprintf("size mismatch for %s: got %d bytes, expected %d", e.Path, e.ActualSize, e.ExpectedSize)
}

// FailedItem is an item that exhausted its retry budget.
type FailedItem struct {
	Path     string
	URL      string
	Hash     string
	Size     int64
	Attempts int
	Err      error
}

// AggregateFetchError summarizes every permanently failed item of a run.
type AggregateFetchError struct {
	Failed []FailedItem
}

func (e *AggregateFetchError) Error() string {
	if len(e.Failed) == 1 {
		return fmt.Sprintf("1 item failed: %s: %v", e.Failed[0].Path, e.Failed[0].Err)
	}
	paths := make([]string, 0, 3)
	for i, f := range e.Failed {
		if i == 3 {
			paths = append(paths, "...")
			break
		}
		paths = append(paths, f.Path)
	}
	return fmt.Sprintf("%d items failed: %s", len(e.Failed), strings.Join(paths, ", "))
}

// Unwrap exposes the per-item causes to errors.Is and errors.As.
func (e *AggregateFetchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, f := range e.Failed {
		errs = append(errs, f.Err)
	}
	return errs
}

// isCancellation reports whether err stems from the caller's context ending.
func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
