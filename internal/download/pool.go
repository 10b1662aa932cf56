package download

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/acearchive/keeper/internal/plan"
)

// ItemFunc consumes one verified item. Calls are serialized: the pool never
// invokes it from more than one goroutine at a time, so it may write to a
// single-owner sink such as an archive writer. A non-nil error stops the run.
type ItemFunc func(op plan.DiffOp, res *FetchResult) error

// Summary describes a finished run.
type Summary struct {
	Fetched   int
	Skipped   int
	Bytes     int64
	Failed    []FailedItem
	Cancelled bool
}

// Pool executes the fetch operations of a plan with a fixed number of workers.
type Pool struct {
	client  *Client
	workers int
	logger  *slog.Logger

	// SpoolDir holds in-flight item bodies. It must exist and be private to the run.
	SpoolDir   string
	RetryCount int

	OnSkip     func(op plan.DiffOp)
	OnStart    func(op plan.DiffOp)
	OnProgress func(path string, downloaded, total int64)
	OnRetry    func(path string, attempt int, err error)
	OnFailure  func(item FailedItem)
}

// NewPool creates a new fetch pool with the specified number of worker goroutines.
func NewPool(client *Client, workers int, spoolDir string, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		client:     client,
		workers:    workers,
		logger:     logger,
		SpoolDir:   spoolDir,
		RetryCount: defaultRetryCount,
	}
}

type fetchJob struct {
	op    plan.DiffOp
	index int
}

type fetchOutcome struct {
	job      fetchJob
	result   *FetchResult
	err      error
	attempts int
}

// Run reports every skip through OnSkip, then fetches the remaining operations
// concurrently and hands each verified item to onItem.
//
// The returned error is the first onItem error if any, otherwise the context
// error if the run was cancelled, otherwise an *AggregateFetchError when items
// failed permanently. The summary is always returned.
func (p *Pool) Run(ctx context.Context, ops []plan.DiffOp, onItem ItemFunc) (*Summary, error) {
	summary := &Summary{}

	var jobs []fetchJob
	for i, op := range ops {
		if op.Kind == plan.OpSkip {
			summary.Skipped++
			if p.OnSkip != nil {
				p.OnSkip(op)
			}
			continue
		}
		jobs = append(jobs, fetchJob{op: op, index: i})
	}

	if len(jobs) == 0 {
		if err := ctx.Err(); err != nil {
			summary.Cancelled = true
			return summary, fmt.Errorf("fetch run cancelled: %w", err)
		}
		return summary, nil
	}

	// runCtx additionally ends when the consumer fails.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	jobsChan := make(chan fetchJob, len(jobs))
	resultsChan := make(chan fetchOutcome, p.workers)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go p.worker(runCtx, jobsChan, resultsChan, &wg)
	}

	for _, job := range jobs {
		jobsChan <- job
	}
	close(jobsChan)

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	var fatal error
	for out := range resultsChan {
		if out.err == nil {
			if fatal == nil {
				if err := onItem(out.job.op, out.result); err != nil {
					fatal = err
					cancelRun()
				} else {
					summary.Fetched++
					summary.Bytes += out.result.Size
				}
			}
			if out.result.SpoolPath != "" {
				_ = os.Remove(out.result.SpoolPath)
			}
			continue
		}

		if runCtx.Err() != nil && isCancellation(runCtx, out.err) {
			continue
		}

		item := FailedItem{
			Path:     out.job.op.Path(),
			URL:      out.job.op.Entry.URL,
			Hash:     out.job.op.Entry.Hash,
			Size:     out.job.op.Entry.Size,
			Attempts: out.attempts,
			Err:      out.err,
		}
		summary.Failed = append(summary.Failed, item)
		if p.OnFailure != nil {
			p.OnFailure(item)
		}
	}

	if fatal != nil {
		return summary, fatal
	}
	if err := ctx.Err(); err != nil {
		summary.Cancelled = true
		return summary, fmt.Errorf("fetch run cancelled: %w", err)
	}
	if len(summary.Failed) > 0 {
		return summary, &AggregateFetchError{Failed: summary.Failed}
	}
	return summary, nil
}

// worker processes jobs from the jobs channel until it is drained or the run ends.
func (p *Pool) worker(ctx context.Context, jobsChan <-chan fetchJob, resultsChan chan<- fetchOutcome, wg *sync.WaitGroup) {
	defer wg.Done()

	for job := range jobsChan {
		// Operations not yet started are never started after cancellation.
		if ctx.Err() != nil {
			return
		}

		if p.OnStart != nil {
			p.OnStart(job.op)
		}

		entry := job.op.Entry
		path := job.op.Path()
		attempts := 1
		opts := FetchOptions{
			Path:         path,
			URL:          entry.URL,
			Inline:       entry.Inline,
			ExpectedHash: entry.Hash,
			ExpectedSize: entry.Size,
			SpoolPath:    filepath.Join(p.SpoolDir, fmt.Sprintf("%06d.part", job.index)),
			RetryCount:   p.RetryCount,
			OnRetry: func(attempt int, err error) {
				attempts = attempt + 1
				if p.OnRetry != nil {
					p.OnRetry(path, attempt, err)
				}
			},
		}
		if p.OnProgress != nil {
			opts.OnProgress = func(downloaded, total int64) {
				p.OnProgress(path, downloaded, total)
			}
		}

		res, err := p.client.Fetch(ctx, opts)
		if err != nil {
			if !isCancellation(ctx, err) {
				p.logger.Error("fetch failed", "path", path, "attempts", attempts, "error", err)
			}
		} else {
			p.logger.Debug("item fetched", "path", path, "size", res.Size, "attempts", res.Attempts)
		}

		resultsChan <- fetchOutcome{job: job, result: res, err: err, attempts: attempts}
	}
}
