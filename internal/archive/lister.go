package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/acearchive/keeper/internal/download"
	"github.com/acearchive/keeper/internal/plan"
	"github.com/acearchive/keeper/internal/safety"
)

const (
	// DefaultPageSize is the number of artifacts requested per page.
	DefaultPageSize = 100
	maxPageBytes    = 32 << 20
)

var acceptedHashAlgorithms = map[string]bool{
	"sha256":   true,
	"sha2-256": true,
	"sha-256":  true,
}

// ManifestFormatError means the listing could not be turned into a valid
// manifest. The whole listing is rejected; a partial manifest would make the
// planner treat missing items as up to date.
type ManifestFormatError struct {
	Item   string // artifact id or JSON location, empty when the page itself is bad
	Reason string
	Err    error
}

func (e *ManifestFormatError) Error() string {
	msg := "invalid archive listing"
	if e.Item != "" {
		msg += " at " + e.Item
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ManifestFormatError) Unwrap() error { return e.Err }

// Listing is the archive state captured at session start.
type Listing struct {
	Artifacts []Artifact
	Entries   []plan.ManifestEntry
	// Metadata maps artifact id to its canonical metadata.json content.
	Metadata map[string][]byte
}

// Getter is the transport used by the lister.
type Getter interface {
	Get(ctx context.Context, rawURL string, limit int64) ([]byte, error)
}

// Lister pages through the artifacts endpoint of the archive API.
type Lister struct {
	client   Getter
	baseURL  string
	pageSize int
	logger   *slog.Logger
}

// NewLister creates a lister for the API rooted at baseURL.
func NewLister(client Getter, baseURL string, pageSize int, logger *slog.Logger) *Lister {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lister{
		client:   client,
		baseURL:  strings.TrimRight(baseURL, "/"),
		pageSize: pageSize,
		logger:   logger,
	}
}

type artifactsPage struct {
	Items      []Artifact `json:"items"`
	NextCursor *string    `json:"next_cursor"`
}

// List fetches every page and returns the validated manifest. Transport
// failures are returned as *download.NetworkError and are not retried here.
func (l *Lister) List(ctx context.Context) (*Listing, error) {
	listing := &Listing{Metadata: make(map[string][]byte)}
	seenCursors := make(map[string]bool)
	cursor := ""

	for page := 1; ; page++ {
		pageURL, err := l.pageURL(cursor)
		if err != nil {
			return nil, err
		}

		l.logger.Debug("fetching artifacts page", "page", page, "url", pageURL)
		body, err := l.client.Get(ctx, pageURL, maxPageBytes)
		if err != nil {
			if errors.Is(err, safety.ErrBodyTooLarge) {
				return nil, &ManifestFormatError{Item: fmt.Sprintf("page %d", page), Reason: "response too large", Err: err}
			}
			return nil, fmt.Errorf("failed to list artifacts: %w", err)
		}

		var resp artifactsPage
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, &ManifestFormatError{Item: fmt.Sprintf("page %d", page), Reason: "undecodable response", Err: err}
		}

		for i := range resp.Items {
			a := resp.Items[i]
			if err := validateArtifact(&a); err != nil {
				return nil, err
			}
			if _, dup := listing.Metadata[a.ID]; dup {
				l.logger.Warn("artifact listed twice, keeping last occurrence", "id", a.ID)
			}
			entries, meta, err := a.Entries()
			if err != nil {
				return nil, err
			}
			listing.Artifacts = append(listing.Artifacts, a)
			listing.Entries = append(listing.Entries, entries...)
			listing.Metadata[a.ID] = meta
		}
		l.logger.Debug("artifacts page decoded", "page", page, "artifacts", len(resp.Items))

		if resp.NextCursor == nil || *resp.NextCursor == "" {
			break
		}
		cursor = *resp.NextCursor
		if seenCursors[cursor] {
			return nil, &ManifestFormatError{Item: fmt.Sprintf("page %d", page), Reason: fmt.Sprintf("cursor %q repeats", cursor)}
		}
		seenCursors[cursor] = true
	}

	l.logger.Info("archive listed", "artifacts", len(listing.Artifacts), "entries", len(listing.Entries))
	return listing, nil
}

func (l *Lister) pageURL(cursor string) (string, error) {
	u, err := url.Parse(l.baseURL + "/artifacts/")
	if err != nil {
		return "", fmt.Errorf("invalid archive URL %q: %w", l.baseURL, err)
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(l.pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func validateArtifact(a *Artifact) error {
	if a.ID == "" {
		return &ManifestFormatError{Reason: "artifact without id"}
	}
	if !safety.IsSafeSegment(a.ID) {
		return &ManifestFormatError{Item: a.ID, Reason: "artifact id is not a safe path segment"}
	}

	for i, f := range a.Files {
		item := fmt.Sprintf("%s/files[%d]", a.ID, i)
		if f.Filename == "" {
			return &ManifestFormatError{Item: item, Reason: "empty filename"}
		}
		if !isHexDigest(f.Hash) {
			return &ManifestFormatError{Item: item, Reason: fmt.Sprintf("malformed hash %q", f.Hash)}
		}
		if !acceptedHashAlgorithms[strings.ToLower(f.HashAlgorithm)] {
			return &ManifestFormatError{Item: item, Reason: fmt.Sprintf("unsupported hash algorithm %q", f.HashAlgorithm)}
		}
		if _, err := safety.ValidateHTTPURL(f.URL); err != nil {
			return &ManifestFormatError{Item: item, Reason: "invalid file url", Err: err}
		}
		if f.Size < 0 {
			return &ManifestFormatError{Item: item, Reason: "negative size"}
		}
	}
	return nil
}

// isHexDigest reports whether s is a 64 character hex sha256 digest.
func isHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}

var _ Getter = (*download.Client)(nil)
