package engine

import (
	"sort"
	"sync"
	"time"
)

const (
	maxRecentEvents      = 20
	itemProgressInterval = 250 * time.Millisecond
)

// ItemEvent records a fetched or failed item for the recent activity log.
type ItemEvent struct {
	Path   string    `json:"path"`
	Status string    `json:"status"` // "fetched", "failed"
	Error  string    `json:"error,omitempty"`
	Size   int64     `json:"size,omitempty"`
	Time   time.Time `json:"time"`
}

// ItemProgress tracks the transfer of an in-flight item.
type ItemProgress struct {
	Path            string `json:"path"`
	BytesDownloaded int64  `json:"bytes_downloaded"`
	TotalBytes      int64  `json:"total_bytes"`
}

// Progress is a snapshot of a session, safe for JSON serialization.
type Progress struct {
	SessionID        string         `json:"session_id"`
	OutputPath       string         `json:"output_path"`
	State            State          `json:"state"`
	TotalItems       int            `json:"total_items"`
	FetchItems       int            `json:"fetch_items"`
	FetchedItems     int            `json:"fetched_items"`
	FailedItems      int            `json:"failed_items"`
	SkippedItems     int            `json:"skipped_items"`
	FetchBytes       int64          `json:"fetch_bytes"`
	BytesTransferred int64          `json:"bytes_transferred"`
	BytesInFlight    int64          `json:"bytes_in_flight"`
	Percent          float64        `json:"percent"`
	CurrentItems     []ItemProgress `json:"current_items,omitempty"`
	RecentEvents     []ItemEvent    `json:"recent_events,omitempty"`
	TotalRetries     int            `json:"total_retries"`
	BytesPerSecond   int64          `json:"bytes_per_second"`
	ETA              string         `json:"eta,omitempty"`
	StartTime        time.Time      `json:"start_time"`
	Elapsed          string         `json:"elapsed"`
	Message          string         `json:"message,omitempty"`
}

// Tracker accumulates session progress in a thread-safe manner.
// Watchers use Wait() to block until new updates are available.
type Tracker struct {
	mu sync.Mutex

	sessionID        string
	outputPath       string
	state            State
	totalItems       int
	fetchItems       int
	fetchedItems     int
	failedItems      int
	skippedItems     int
	fetchBytes       int64
	bytesTransferred int64
	totalRetries     int
	startTime        time.Time
	endTime          time.Time
	message          string

	// In-flight items keyed by member path.
	items        map[string]*ItemProgress
	lastUpdate   map[string]time.Time
	recentEvents []ItemEvent

	// Close-and-replace: every update closes notify and installs a new channel.
	notify chan struct{}
}

// NewTracker creates a tracker for a session writing to outputPath.
func NewTracker(sessionID, outputPath string) *Tracker {
	return &Tracker{
		sessionID:  sessionID,
		outputPath: outputPath,
		state:      StatePlanning,
		startTime:  time.Now(),
		items:      make(map[string]*ItemProgress),
		lastUpdate: make(map[string]time.Time),
		notify:     make(chan struct{}),
	}
}

// Snapshot returns a copy of the current progress state.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pct float64
	if t.fetchItems > 0 {
		pct = float64(t.fetchedItems+t.failedItems) / float64(t.fetchItems) * 100
	} else if t.state != StatePlanning {
		pct = 100
	}

	current := make([]ItemProgress, 0, len(t.items))
	var inFlight int64
	for _, ip := range t.items {
		current = append(current, *ip)
		inFlight += ip.BytesDownloaded
	}
	sort.Slice(current, func(i, j int) bool {
		return current[i].Path < current[j].Path
	})

	recent := make([]ItemEvent, len(t.recentEvents))
	copy(recent, t.recentEvents)

	end := time.Now()
	if !t.endTime.IsZero() {
		end = t.endTime
	}
	elapsed := end.Sub(t.startTime)

	var bytesPerSecond int64
	var eta string
	if elapsed > time.Second && t.bytesTransferred > 0 {
		bytesPerSecond = int64(float64(t.bytesTransferred) / elapsed.Seconds())
		if bytesPerSecond > 0 && t.fetchBytes > t.bytesTransferred && !t.state.Terminal() {
			remaining := t.fetchBytes - t.bytesTransferred
			etaDuration := time.Duration(float64(remaining) / float64(bytesPerSecond) * float64(time.Second))
			eta = etaDuration.Truncate(time.Second).String()
		}
	}

	return Progress{
		SessionID:        t.sessionID,
		OutputPath:       t.outputPath,
		State:            t.state,
		TotalItems:       t.totalItems,
		FetchItems:       t.fetchItems,
		FetchedItems:     t.fetchedItems,
		FailedItems:      t.failedItems,
		SkippedItems:     t.skippedItems,
		FetchBytes:       t.fetchBytes,
		BytesTransferred: t.bytesTransferred,
		BytesInFlight:    inFlight,
		Percent:          pct,
		CurrentItems:     current,
		RecentEvents:     recent,
		TotalRetries:     t.totalRetries,
		BytesPerSecond:   bytesPerSecond,
		ETA:              eta,
		StartTime:        t.startTime,
		Elapsed:          elapsed.Truncate(time.Second).String(),
		Message:          t.message,
	}
}

// Wait returns a channel that will be closed when the next update occurs.
// Callers should select on it alongside a timeout for heartbeats.
func (t *Tracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// signal must be called with t.mu held.
func (t *Tracker) signal() {
	close(t.notify)
	t.notify = make(chan struct{})
}

// SetState records a state transition.
func (t *Tracker) SetState(state State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	if state.Terminal() {
		t.endTime = time.Now()
		t.items = make(map[string]*ItemProgress)
	}
	t.signal()
}

// SetPlan records the plan totals once planning is done.
func (t *Tracker) SetPlan(totalItems, fetchItems int, fetchBytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalItems = totalItems
	t.fetchItems = fetchItems
	t.skippedItems = totalItems - fetchItems
	t.fetchBytes = fetchBytes
	t.signal()
}

// SetMessage sets a short status message.
func (t *Tracker) SetMessage(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.message = msg
	t.signal()
}

// ItemStarted registers an in-flight item.
func (t *Tracker) ItemStarted(path string, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[path] = &ItemProgress{Path: path, TotalBytes: total}
	t.signal()
}

// UpdateItemProgress updates the byte-level progress of an in-flight item.
// Updates are throttled per item.
func (t *Tracker) UpdateItemProgress(path string, downloaded, total int64) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.lastUpdate[path]; ok && now.Sub(last) < itemProgressInterval {
		return
	}
	t.lastUpdate[path] = now

	ip, ok := t.items[path]
	if !ok {
		// Late update for an item that already finished.
		return
	}
	ip.BytesDownloaded = downloaded
	if total > 0 {
		ip.TotalBytes = total
	}
	t.signal()
}

func (t *Tracker) addRecentEvent(ev ItemEvent) {
	t.recentEvents = append([]ItemEvent{ev}, t.recentEvents...)
	if len(t.recentEvents) > maxRecentEvents {
		t.recentEvents = t.recentEvents[:maxRecentEvents]
	}
}

// ItemFetched marks an item as verified and written.
func (t *Tracker) ItemFetched(path string, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.items, path)
	delete(t.lastUpdate, path)
	t.fetchedItems++
	t.bytesTransferred += size
	t.addRecentEvent(ItemEvent{Path: path, Status: "fetched", Size: size, Time: time.Now()})
	t.signal()
}

// ItemFailed marks an item as permanently failed.
func (t *Tracker) ItemFailed(path, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.items, path)
	delete(t.lastUpdate, path)
	t.failedItems++
	t.addRecentEvent(ItemEvent{Path: path, Status: "failed", Error: errMsg, Time: time.Now()})
	t.signal()
}

// AddRetry increments the retry counter.
func (t *Tracker) AddRetry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalRetries++
	t.signal()
}
