package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/acearchive/keeper/internal/engine"
)

const defaultListLimit = 50

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	_ = writeJSON(w, status, map[string]string{"error": msg})
}

// listLimit parses the optional ?limit= query parameter.
func listLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

// handleAPIStatus returns a snapshot of the current session.
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	sess := s.activeSession()
	if sess == nil {
		writeError(w, http.StatusNotFound, "no backup session")
		return
	}
	if err := writeJSON(w, http.StatusOK, sess.Snapshot()); err != nil {
		s.logger.Error("failed to encode status response", "error", err)
	}
}

// handleAPIProgress streams snapshots as server-sent events until the session
// ends or the client goes away.
func (s *Server) handleAPIProgress(w http.ResponseWriter, r *http.Request) {
	sess := s.activeSession()
	if sess == nil {
		writeError(w, http.StatusNotFound, "no backup session")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	sendEvent := func(event string, data interface{}) {
		jsonData, _ := json.Marshal(data)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
		flusher.Flush()
	}

	tracker := sess.Tracker()
	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		// Grab the channel before the snapshot so no update is missed.
		updated := tracker.Wait()
		snap := tracker.Snapshot()
		if snap.State.Terminal() {
			sendEvent("done", snap)
			return
		}
		sendEvent("progress", snap)

		select {
		case <-r.Context().Done():
			return
		case <-updated:
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

// handleAPICancel requests cancellation of the current session. The response
// does not wait for the session to drain.
func (s *Server) handleAPICancel(w http.ResponseWriter, r *http.Request) {
	sess := s.activeSession()
	if sess == nil {
		writeError(w, http.StatusNotFound, "no backup session")
		return
	}
	if sess.State().Terminal() {
		writeError(w, http.StatusConflict, "backup session already finished")
		return
	}
	sess.Cancel()
	s.logger.Info("cancellation requested over HTTP", "remote", r.RemoteAddr)
	_ = writeJSON(w, http.StatusAccepted, map[string]engine.State{"state": sess.State()})
}

// BackupJSON is the JSON representation of a stored backup record.
type BackupJSON struct {
	ID          string    `json:"id"`
	KeeperID    string    `json:"keeper_id"`
	Checksum    string    `json:"checksum"`
	Size        int64     `json:"size"`
	Contact     string    `json:"contact,omitempty"`
	ContactType string    `json:"contact_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// handleAPIBackups lists stored backup records, newest first.
func (s *Server) handleAPIBackups(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		writeError(w, http.StatusServiceUnavailable, "no local store")
		return
	}
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	backups, err := s.records.ListBackups(limit)
	if err != nil {
		s.logger.Error("failed to list backups", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list backups")
		return
	}

	response := make([]BackupJSON, 0, len(backups))
	for _, b := range backups {
		response = append(response, BackupJSON{
			ID:          b.ID,
			KeeperID:    b.KeeperID,
			Checksum:    b.Checksum,
			Size:        b.Size,
			Contact:     b.Contact,
			ContactType: b.ContactType,
			CreatedAt:   b.CreatedAt,
		})
	}
	if err := writeJSON(w, http.StatusOK, response); err != nil {
		s.logger.Error("failed to encode backups response", "error", err)
	}
}

// SessionJSON is the JSON representation of a session run log.
type SessionJSON struct {
	ID               string    `json:"id"`
	OutputPath       string    `json:"output_path"`
	State            string    `json:"state"`
	Outcome          string    `json:"outcome,omitempty"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time,omitempty"`
	ItemsPlanned     int       `json:"items_planned"`
	ItemsFetched     int       `json:"items_fetched"`
	ItemsSkipped     int       `json:"items_skipped"`
	ItemsFailed      int       `json:"items_failed"`
	BytesTransferred int64     `json:"bytes_transferred"`
	ArchiveSize      int64     `json:"archive_size"`
	Checksum         string    `json:"checksum,omitempty"`
	Error            string    `json:"error,omitempty"`
	Reported         bool      `json:"reported"`
}

// handleAPISessions lists recent sessions, newest first.
func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		writeError(w, http.StatusServiceUnavailable, "no local store")
		return
	}
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sessions, err := s.records.ListSessions(limit)
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	response := make([]SessionJSON, 0, len(sessions))
	for _, rec := range sessions {
		response = append(response, SessionJSON{
			ID:               rec.ID,
			OutputPath:       rec.OutputPath,
			State:            rec.State,
			Outcome:          rec.Outcome,
			StartTime:        rec.StartTime,
			EndTime:          rec.EndTime,
			ItemsPlanned:     rec.ItemsPlanned,
			ItemsFetched:     rec.ItemsFetched,
			ItemsSkipped:     rec.ItemsSkipped,
			ItemsFailed:      rec.ItemsFailed,
			BytesTransferred: rec.BytesTransferred,
			ArchiveSize:      rec.ArchiveSize,
			Checksum:         rec.Checksum,
			Error:            rec.ErrorMessage,
			Reported:         rec.Reported,
		})
	}
	if err := writeJSON(w, http.StatusOK, response); err != nil {
		s.logger.Error("failed to encode sessions response", "error", err)
	}
}
