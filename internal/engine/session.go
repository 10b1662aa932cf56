package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acearchive/keeper/internal/archive"
	"github.com/acearchive/keeper/internal/backupzip"
	"github.com/acearchive/keeper/internal/download"
	"github.com/acearchive/keeper/internal/metrics"
	"github.com/acearchive/keeper/internal/plan"
	"github.com/acearchive/keeper/internal/report"
	"github.com/acearchive/keeper/internal/store"
)

// DefaultWorkers is the fetch concurrency used when Options.Workers is unset.
const DefaultWorkers = 4

// Lister captures the remote archive state.
type Lister interface {
	List(ctx context.Context) (*archive.Listing, error)
}

// Reporter submits and records a completed backup.
type Reporter interface {
	Report(ctx context.Context, sub report.Submission) error
}

// SessionStore keeps the run log.
type SessionStore interface {
	CreateSession(rec *store.SessionRecord) error
	UpdateSession(rec *store.SessionRecord) error
	AddFailedItems(items []store.FailedItemRecord) error
}

// Deps are the collaborators of a session.
type Deps struct {
	Lister   Lister
	Client   *download.Client
	Reporter Reporter     // nil skips reporting
	Store    SessionStore // nil skips the run log
	Logger   *slog.Logger
}

// Options configure one session.
type Options struct {
	OutputPath string
	KeeperID   string
	Contact    string

	Workers       int
	RetryAttempts int
	// MaxFailedItems is the number of permanently failed items a session
	// tolerates before it ends as Failed. -1 tolerates any number.
	MaxFailedItems int
	// SpoolDir is where the session creates its private spool directory.
	// Empty uses the system temp directory.
	SpoolDir string
	// VerifyExisting re-hashes the items of an existing archive before
	// planning, so corrupt members are fetched again.
	VerifyExisting bool

	OnEvent func(Event)
}

// Session is one backup run against one output archive. It is an owned
// handle: callers start it, may cancel it, and wait for its terminal state.
type Session struct {
	id      string
	deps    Deps
	opts    Options
	logger  *slog.Logger
	tracker *Tracker

	mu              sync.Mutex
	state           State
	started         bool
	cancelRequested bool
	cancelRun       context.CancelFunc

	eventMu sync.Mutex

	// Mutated only by the goroutine running the session.
	itemsFetched     int
	bytesTransferred int64

	done   chan struct{}
	result *Result

	// afterFetch, when set, runs between the end of the fetch phase and
	// finalizing.
	afterFetch func()
}

// NewSession validates deps and opts and returns an unstarted session.
func NewSession(deps Deps, opts Options) (*Session, error) {
	if deps.Lister == nil {
		return nil, errors.New("session requires a lister")
	}
	if deps.Client == nil {
		return nil, errors.New("session requires a download client")
	}
	if opts.OutputPath == "" {
		return nil, errors.New("session requires an output path")
	}
	if opts.KeeperID == "" {
		return nil, errors.New("session requires a keeper id")
	}
	if id, err := uuid.Parse(opts.KeeperID); err != nil || id == uuid.Nil {
		return nil, fmt.Errorf("keeper id %q is not a uuid", opts.KeeperID)
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxFailedItems < -1 {
		return nil, fmt.Errorf("invalid max failed items %d", opts.MaxFailedItems)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.NewString()
	return &Session{
		id:      id,
		deps:    deps,
		opts:    opts,
		logger:  logger.With("session_id", id),
		tracker: NewTracker(id, opts.OutputPath),
		state:   StatePlanning,
		done:    make(chan struct{}),
	}, nil
}

// ID returns the session id. A completed session's backup carries the same id.
func (s *Session) ID() string { return s.id }

// Tracker returns the progress tracker of the session.
func (s *Session) Tracker() *Tracker { return s.tracker }

// Snapshot returns the current progress of the session.
func (s *Session) Snapshot() Progress { return s.tracker.Snapshot() }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reached a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start runs the session in the background. ctx bounds the whole session,
// including reporting; cancelling it has the same effect as Cancel.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel
	requested := s.cancelRequested
	s.mu.Unlock()

	if requested {
		cancel()
	}

	go func() {
		defer cancel()
		s.run(ctx, runCtx)
	}()
	return nil
}

// Run starts the session and waits for its terminal state.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s.Wait(context.WithoutCancel(ctx))
}

// Cancel requests cooperative cancellation. No new fetches start and
// in-flight transfers are abandoned; their partial bytes stay in the spool and
// never reach the archive. Items already verified are kept. Cancel
// does not wait; use Wait for the terminal state. Cancelling a finalizing or
// finished session has no effect.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.cancelRequested || s.state.Terminal() || s.state == StateFinalizing {
		s.mu.Unlock()
		return
	}
	s.cancelRequested = true
	cancel := s.cancelRun
	moved := false
	if s.state == StateFetching {
		s.state = StateCancelling
		moved = true
	}
	s.mu.Unlock()

	s.logger.Info("cancellation requested")
	if cancel != nil {
		cancel()
	}
	// The state event is emitted by the session goroutine so OnEvent may call Cancel.
	if moved {
		s.tracker.SetState(StateCancelling)
	}
}

// Wait blocks until the session reaches a terminal state or ctx is done. The
// error is the cause of a Failed session, or ctx's error.
func (s *Session) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.result.Outcome == OutcomeFailed {
		return s.result, s.result.Err
	}
	return s.result, nil
}

// setState moves the session to state unless a cancellation already moved it
// to Cancelling. It reports whether the state changed.
func (s *Session) setState(state State) bool {
	s.mu.Lock()
	if s.state == state || (s.state == StateCancelling && !state.Terminal()) {
		s.mu.Unlock()
		return false
	}
	s.state = state
	s.mu.Unlock()

	s.logger.Debug("session state changed", "state", state)
	s.tracker.SetState(state)
	s.emit(Event{Kind: EventState, State: state})
	return true
}

func (s *Session) emit(ev Event) {
	if s.opts.OnEvent == nil {
		return
	}
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	if ev.State == "" {
		ev.State = s.State()
	}
	s.opts.OnEvent(ev)
}

func (s *Session) run(ctx, runCtx context.Context) {
	res := &Result{SessionID: s.id, StartTime: time.Now()}
	rec := &store.SessionRecord{
		ID:         s.id,
		OutputPath: s.opts.OutputPath,
		State:      string(StatePlanning),
		StartTime:  res.StartTime,
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.CreateSession(rec); err != nil {
			s.logger.Warn("failed to record session start", "error", err)
		}
	}

	s.logger.Info("backup session started", "output", s.opts.OutputPath, "workers", s.opts.Workers)
	s.execute(runCtx, res)
	res.EndTime = time.Now()

	s.persist(rec, res)
	s.mu.Lock()
	s.result = res
	s.mu.Unlock()
	s.setState(res.State)

	if res.State == StateCompleted && s.deps.Reporter != nil {
		res.ReportErr = s.deps.Reporter.Report(ctx, report.Submission{
			BackupID: s.id,
			KeeperID: s.opts.KeeperID,
			Checksum: res.Checksum,
			Size:     res.Size,
			Contact:  s.opts.Contact,
		})
		metrics.RecordReport(res.ReportErr == nil)
		if res.ReportErr != nil {
			s.logger.Warn("backup completed but reporting failed", "error", res.ReportErr)
		}
	}

	metrics.RecordSession(string(res.Outcome), res.Duration(), res.Size, res.State == StateCompleted)
	s.logger.Info("backup session finished",
		"outcome", res.Outcome,
		"fetched", res.ItemsFetched,
		"skipped", res.ItemsSkipped,
		"failed", len(res.Failed),
		"bytes", res.BytesTransferred,
		"size", res.Size,
		"duration", res.Duration().Truncate(time.Millisecond),
	)
	close(s.done)
}

// execute drives the session to a terminal state and fills in res.
func (s *Session) execute(runCtx context.Context, res *Result) {
	listing, idx, err := s.plan(runCtx)
	if err != nil {
		if runCtx.Err() != nil && errors.Is(err, context.Canceled) {
			s.finish(res, StateCancelled, OutcomeCancelled, nil)
			return
		}
		s.logger.Error("planning failed", "error", err)
		s.finish(res, StateFailed, OutcomeFailed, err)
		return
	}

	p := plan.Build(listing.Entries, idx.Entries)
	res.ItemsPlanned = len(p.Ops)
	s.tracker.SetPlan(len(p.Ops), p.FetchCount, p.FetchBytes)
	s.logger.Info("backup planned",
		"items", len(p.Ops),
		"fetch", p.FetchCount,
		"skip", p.SkipCount,
		"fetch_bytes", p.FetchBytes,
		"existing", idx.Exists,
	)

	w, err := backupzip.Create(s.opts.OutputPath, idx, s.logger)
	if err != nil {
		s.finish(res, StateFailed, OutcomeFailed, err)
		return
	}

	spoolDir, err := os.MkdirTemp(s.opts.SpoolDir, "keeper-spool-")
	if err != nil {
		w.Abort()
		s.finish(res, StateFailed, OutcomeFailed, fmt.Errorf("failed to create spool directory: %w", err))
		return
	}
	defer os.RemoveAll(spoolDir)

	s.setState(StateFetching)
	summary, fetchErr := s.fetch(runCtx, p, w, spoolDir)
	res.ItemsFetched = summary.Fetched
	res.ItemsSkipped = summary.Skipped
	res.Failed = summary.Failed
	res.BytesTransferred = s.bytesTransferred

	var aggErr *download.AggregateFetchError
	hasFailures := errors.As(fetchErr, &aggErr)
	if fetchErr != nil && !summary.Cancelled && !hasFailures {
		// The writer failed; what it holds cannot be trusted.
		w.Abort()
		s.finish(res, StateFailed, OutcomeFailed, fmt.Errorf("failed to write archive: %w", fetchErr))
		return
	}
	if s.afterFetch != nil {
		s.afterFetch()
	}
	partial := len(summary.Failed) > 0 || summary.Fetched < p.FetchCount

	// A cancellation that lands after the pool drained still wins: setState
	// refuses to leave Cancelling for Finalizing.
	if summary.Cancelled || !s.setState(StateFinalizing) {
		if !s.setState(StateCancelling) {
			s.emit(Event{Kind: EventState, State: StateCancelling})
		}
		if summary.Fetched == 0 {
			w.Abort()
			s.finish(res, StateCancelled, OutcomeCancelled, nil)
			return
		}
		if err := s.commit(w, listing, res, partial); err != nil {
			s.finish(res, StateFailed, OutcomeFailed, err)
			return
		}
		s.finish(res, StateCancelled, OutcomeCancelled, nil)
		return
	}

	if err := s.commit(w, listing, res, partial); err != nil {
		s.finish(res, StateFailed, OutcomeFailed, err)
		return
	}
	switch {
	case !hasFailures:
		s.finish(res, StateCompleted, OutcomeCompleted, nil)
	case s.opts.MaxFailedItems >= 0 && len(aggErr.Failed) > s.opts.MaxFailedItems:
		s.finish(res, StateFailed, OutcomeFailed, aggErr)
	default:
		s.finish(res, StateCompleted, OutcomeCompletedWithWarnings, aggErr)
	}
}

func (s *Session) finish(res *Result, state State, outcome Outcome, err error) {
	res.State = state
	res.Outcome = outcome
	res.Err = err
}

// plan captures the remote manifest and the local index concurrently.
func (s *Session) plan(ctx context.Context) (*archive.Listing, *backupzip.Index, error) {
	s.tracker.SetMessage("listing archive and indexing " + s.opts.OutputPath)

	var (
		wg      sync.WaitGroup
		listing *archive.Listing
		listErr error
		idx     *backupzip.Index
		idxErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		listing, listErr = s.deps.Lister.List(ctx)
	}()
	go func() {
		defer wg.Done()
		idx, idxErr = s.readIndex()
	}()
	wg.Wait()

	s.tracker.SetMessage("")
	if idxErr != nil {
		return nil, nil, idxErr
	}
	if listErr != nil {
		return nil, nil, listErr
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return listing, idx, nil
}

// readIndex reads the existing archive, dropping members whose content no
// longer matches their recorded hash when VerifyExisting is set.
func (s *Session) readIndex() (*backupzip.Index, error) {
	idx, err := backupzip.ReadIndex(s.opts.OutputPath)
	if err != nil || !idx.Exists || !s.opts.VerifyExisting {
		return idx, err
	}
	mismatched, err := backupzip.VerifyMembers(s.opts.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to verify existing archive: %w", err)
	}
	if n := idx.Exclude(mismatched); n > 0 {
		s.logger.Warn("existing archive has corrupt items, fetching them again", "count", n, "items", mismatched)
	}
	return idx, nil
}

// fetch runs the worker pool. Every verified item is written from the pool's
// collector goroutine, which is also the only place counters change.
func (s *Session) fetch(ctx context.Context, p *plan.Plan, w *backupzip.Writer, spoolDir string) (*download.Summary, error) {
	pool := download.NewPool(s.deps.Client, s.opts.Workers, spoolDir, s.logger)
	if s.opts.RetryAttempts > 0 {
		pool.RetryCount = s.opts.RetryAttempts
	}

	pool.OnSkip = func(op plan.DiffOp) {
		metrics.RecordItem("skipped", 0)
		s.emit(Event{Kind: EventItemSkipped, Path: op.Path(), Size: op.Entry.Size})
	}
	pool.OnStart = func(op plan.DiffOp) {
		s.tracker.ItemStarted(op.Path(), op.Entry.Size)
	}
	pool.OnProgress = s.tracker.UpdateItemProgress
	pool.OnRetry = func(path string, attempt int, err error) {
		s.tracker.AddRetry()
		metrics.RecordRetry()
		s.emit(Event{Kind: EventItemRetry, Path: path, Attempt: attempt, Err: err})
	}
	pool.OnFailure = func(item download.FailedItem) {
		s.tracker.ItemFailed(item.Path, item.Err.Error())
		metrics.RecordItem("failed", 0)
		s.emit(Event{Kind: EventItemFailed, Path: item.Path, Attempt: item.Attempts, Err: item.Err})
	}

	return pool.Run(ctx, p.Ops, func(op plan.DiffOp, fr *download.FetchResult) error {
		rc, err := fr.Open()
		if err != nil {
			return err
		}
		defer rc.Close()

		if err := w.Add(op.Path(), fr.SHA256, rc); err != nil {
			return err
		}

		s.itemsFetched++
		s.bytesTransferred += fr.Size
		s.tracker.ItemFetched(op.Path(), fr.Size)
		metrics.RecordItem("fetched", fr.Size)
		s.emit(Event{
			Kind:             EventItemFetched,
			Path:             op.Path(),
			Size:             fr.Size,
			ItemsFetched:     s.itemsFetched,
			BytesTransferred: s.bytesTransferred,
		})
		return nil
	})
}

// commit finalizes the archive and fills in the checksum and sizes.
func (s *Session) commit(w *backupzip.Writer, listing *archive.Listing, res *Result, partial bool) error {
	checksum, err := s.checksum(w, listing)
	if err != nil {
		w.Abort()
		return err
	}

	marker := backupzip.NewMarker(s.opts.KeeperID, s.id)
	marker.Checksum = checksum
	marker.Email = s.opts.Contact
	marker.Partial = partial

	cr, err := w.Commit(marker)
	if err != nil {
		return err
	}
	res.Committed = true
	res.Checksum = checksum
	res.Size = cr.Size
	res.ContentBytes = cr.ContentBytes
	return nil
}

// checksum computes the backup checksum over the metadata of every artifact
// whose metadata member the committed archive will hold.
func (s *Session) checksum(w *backupzip.Writer, listing *archive.Listing) (string, error) {
	meta := make(map[string][]byte)
	var prior []string
	for _, m := range w.Members() {
		id := archive.ArtifactIDFromPath(m.Path)
		if id == "" || m.Path != archive.MetadataPath(id) {
			continue
		}
		if data, ok := listing.Metadata[id]; ok && sha256Hex(data) == m.Hash {
			meta[id] = data
			continue
		}
		prior = append(prior, m.Path)
	}

	if len(prior) > 0 {
		contents, err := w.ReadPrior(prior)
		if err != nil {
			return "", fmt.Errorf("failed to read stored metadata: %w", err)
		}
		for name, data := range contents {
			meta[archive.ArtifactIDFromPath(name)] = data
		}
	}
	return archive.Checksum(meta), nil
}

// persist writes the final run log. Failures here never change the outcome.
func (s *Session) persist(rec *store.SessionRecord, res *Result) {
	if s.deps.Store == nil {
		return
	}
	rec.State = string(res.State)
	rec.Outcome = string(res.Outcome)
	rec.EndTime = res.EndTime
	rec.ItemsPlanned = res.ItemsPlanned
	rec.ItemsFetched = res.ItemsFetched
	rec.ItemsSkipped = res.ItemsSkipped
	rec.ItemsFailed = len(res.Failed)
	rec.BytesTransferred = res.BytesTransferred
	rec.ContentBytes = res.ContentBytes
	rec.ArchiveSize = res.Size
	rec.Checksum = res.Checksum
	if res.Err != nil {
		rec.ErrorMessage = res.Err.Error()
	}
	if err := s.deps.Store.UpdateSession(rec); err != nil {
		s.logger.Warn("failed to record session result", "error", err)
	}

	if len(res.Failed) == 0 {
		return
	}
	items := make([]store.FailedItemRecord, 0, len(res.Failed))
	for _, f := range res.Failed {
		items = append(items, store.FailedItemRecord{
			SessionID:    s.id,
			Path:         f.Path,
			URL:          f.URL,
			ExpectedHash: f.Hash,
			Error:        f.Err.Error(),
			Attempts:     f.Attempts,
			FailedAt:     res.EndTime,
		})
	}
	if err := s.deps.Store.AddFailedItems(items); err != nil {
		s.logger.Warn("failed to record failed items", "error", err)
	}
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
