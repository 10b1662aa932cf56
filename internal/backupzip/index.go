package backupzip

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/acearchive/keeper/internal/plan"
	"github.com/acearchive/keeper/internal/safety"
)

// ErrExistingFileNotRecognized is returned when the destination exists but is
// not a backup written by this tool. Callers must move the file aside instead
// of overwriting it.
var ErrExistingFileNotRecognized = errors.New("existing file is not a recognized backup")

// NotRecognizedError carries the reason a destination was not recognized.
type NotRecognizedError struct {
	Path   string
	Reason string
	Err    error
}

func (e *NotRecognizedError) Error() string {
	msg := fmt.Sprintf("%s: %v: %s", e.Path, ErrExistingFileNotRecognized, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NotRecognizedError) Is(target error) bool { return target == ErrExistingFileNotRecognized }

func (e *NotRecognizedError) Unwrap() error { return e.Err }

// Index is the content of an existing backup archive.
type Index struct {
	Path    string
	Exists  bool
	Marker  *Marker
	Entries []plan.LocalEntry

	positions map[string]int
}

// Lookup returns the entry stored under path.
func (idx *Index) Lookup(path string) (plan.LocalEntry, bool) {
	if idx.positions == nil {
		idx.reindex()
	}
	pos, ok := idx.positions[path]
	if !ok {
		return plan.LocalEntry{}, false
	}
	return idx.Entries[pos], true
}

// Exclude drops the named entries so a plan built from the index fetches them
// again, and a writer built from it does not carry them over. It returns the
// number of entries removed.
func (idx *Index) Exclude(paths []string) int {
	drop := make(map[string]bool, len(paths))
	for _, p := range paths {
		drop[p] = true
	}
	kept := idx.Entries[:0]
	for _, e := range idx.Entries {
		if !drop[e.Path] {
			kept = append(kept, e)
		}
	}
	removed := len(idx.Entries) - len(kept)
	idx.Entries = kept
	idx.reindex()
	return removed
}

func (idx *Index) reindex() {
	idx.positions = make(map[string]int, len(idx.Entries))
	for i, e := range idx.Entries {
		idx.positions[e.Path] = i
	}
}

// IsReserved reports whether name is a bookkeeping member rather than an item.
func IsReserved(name string) bool {
	return name == MarkerName || name == ReadmeName
}

// ReadIndex lists the items of the backup archive at path. A missing file
// yields an empty index. A file that is not a zip, lacks the marker, or
// carries an unknown marker version yields ErrExistingFileNotRecognized.
// The file is only read.
func ReadIndex(path string) (*Index, error) {
	idx := &Index{Path: path}

	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if fi.IsDir() {
		return nil, &NotRecognizedError{Path: path, Reason: "is a directory"}
	}
	idx.Exists = true

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, &NotRecognizedError{Path: path, Reason: "not a zip archive", Err: err}
	}
	defer zr.Close()

	marker, err := readMarker(zr.File)
	if err != nil {
		return nil, &NotRecognizedError{Path: path, Reason: "unreadable marker", Err: err}
	}
	if marker == nil {
		return nil, &NotRecognizedError{Path: path, Reason: "no " + MarkerName + " marker"}
	}
	if marker.FormatVersion < 1 || marker.FormatVersion > FormatVersion {
		return nil, &NotRecognizedError{Path: path, Reason: fmt.Sprintf("unsupported format version %d", marker.FormatVersion)}
	}
	if marker.Tool != "" && marker.Tool != ToolName {
		return nil, &NotRecognizedError{Path: path, Reason: fmt.Sprintf("written by %q", marker.Tool)}
	}
	idx.Marker = marker

	positions := make(map[string]int)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || IsReserved(f.Name) {
			continue
		}
		name, err := safety.CleanMemberPath(f.Name)
		if err != nil || name != f.Name {
			return nil, &NotRecognizedError{Path: path, Reason: fmt.Sprintf("unsafe member name %q", f.Name)}
		}

		hash, err := memberHash(f, marker)
		if err != nil {
			return nil, fmt.Errorf("failed to hash member %s of %s: %w", f.Name, path, err)
		}
		entry := plan.LocalEntry{Path: name, Hash: hash, Size: int64(f.UncompressedSize64)}

		// Later members shadow earlier ones with the same name.
		if pos, ok := positions[name]; ok {
			idx.Entries[pos] = entry
			continue
		}
		positions[name] = len(idx.Entries)
		idx.Entries = append(idx.Entries, entry)
	}
	idx.positions = positions

	return idx, nil
}

func readMarker(files []*zip.File) (*Marker, error) {
	var found *zip.File
	for _, f := range files {
		if f.Name == MarkerName {
			found = f
		}
	}
	if found == nil {
		return nil, nil
	}
	rc, err := found.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := safety.ReadAllWithLimit(rc, 64<<20)
	if err != nil {
		return nil, err
	}
	return decodeMarker(data)
}

// memberHash prefers the digest recorded in the member comment, then the
// marker's item map, and finally recomputes it from the member content.
func memberHash(f *zip.File, marker *Marker) (string, error) {
	if h, ok := strings.CutPrefix(f.Comment, hashCommentPrefix); ok && len(h) == 64 {
		return strings.ToLower(h), nil
	}
	if h, ok := marker.Items[f.Name]; ok && len(h) == 64 {
		return strings.ToLower(h), nil
	}
	return hashMember(f)
}

func hashMember(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyMembers recomputes the digest of every item member and returns the
// paths whose content does not match the recorded hash.
func VerifyMembers(path string) (mismatched []string, err error) {
	idx, err := ReadIndex(path)
	if err != nil {
		return nil, err
	}
	if !idx.Exists {
		return nil, fmt.Errorf("%s does not exist", path)
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer zr.Close()

	latest := make(map[string]*zip.File)
	for _, f := range zr.File {
		latest[f.Name] = f
	}
	for _, e := range idx.Entries {
		actual, err := hashMember(latest[e.Path])
		if err != nil {
			return nil, fmt.Errorf("failed to read member %s: %w", e.Path, err)
		}
		if actual != e.Hash {
			mismatched = append(mismatched, e.Path)
		}
	}
	return mismatched, nil
}

// ReadMembers returns the content of the named members of the archive at
// path. Missing names are omitted from the result.
func ReadMembers(path string, names []string) (map[string][]byte, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer zr.Close()
	return readMembers(zr.File, names)
}

func readMembers(files []*zip.File, names []string) (map[string][]byte, error) {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	latest := make(map[string]*zip.File)
	for _, f := range files {
		if wanted[f.Name] {
			latest[f.Name] = f
		}
	}

	out := make(map[string][]byte, len(latest))
	for name, f := range latest {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open member %s: %w", name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read member %s: %w", name, err)
		}
		out[name] = data
	}
	return out, nil
}
