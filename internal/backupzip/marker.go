// Package backupzip reads and writes backup archives: a zip with one
// directory per artifact, a README and a backup.json marker that identifies
// the file as a backup made by this tool.
package backupzip

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

const (
	// MarkerName is the member that identifies a backup archive.
	MarkerName = "backup.json"
	// ReadmeName is the human readable description of the layout.
	ReadmeName = "README.md"
	// FormatVersion is the newest marker format this package understands.
	FormatVersion = 1
	// ToolName is recorded in markers written by this package.
	ToolName = "acearchive-keeper"

	hashCommentPrefix = "sha256:"
)

// Marker is the content of backup.json.
//
// Archives written by the first keeper releases carry only format_version,
// keeper_id, checksum, size, email and created_at; the remaining fields are
// optional so those archives are still recognized.
type Marker struct {
	FormatVersion int    `json:"format_version"`
	Tool          string `json:"tool,omitempty"`
	KeeperID      string `json:"keeper_id"`
	BackupID      string `json:"backup_id,omitempty"`
	Checksum      string `json:"checksum,omitempty"`
	// Size is the total size of the archived items, excluding container overhead.
	Size      int64  `json:"size"`
	Email     string `json:"email,omitempty"`
	CreatedAt string `json:"created_at"`
	// Partial is set when the run that wrote the archive stopped before
	// fetching every item.
	Partial bool              `json:"partial,omitempty"`
	Items   map[string]string `json:"items,omitempty"`
}

// NewMarker returns a marker stamped with the current time.
func NewMarker(keeperID, backupID string) *Marker {
	return &Marker{
		FormatVersion: FormatVersion,
		Tool:          ToolName,
		KeeperID:      keeperID,
		BackupID:      backupID,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
}

// Encode returns the marker as canonical, indented JSON.
func (m *Marker) Encode() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode marker: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize marker: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, canonical, "", "  "); err != nil {
		return nil, fmt.Errorf("failed to indent marker: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func decodeMarker(data []byte) (*Marker, error) {
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

const readme = `# Ace Archive backup

This archive is a backup of Ace Archive (https://acearchive.lgbt) made with
the acearchive-keeper tool.

Layout:

- artifacts/<id>/metadata.json  canonical JSON metadata of one artifact
- artifacts/<id>/<filename>     the files of that artifact
- backup.json                   information about this backup

The checksum in backup.json is the sha256 of the JSON array of every
metadata.json in this archive, sorted by artifact id and canonicalized with
RFC 8785. It can be compared with the checksum published by the archive.

Each artifact file carries its sha256 digest in its zip member comment.
`
