package backupzip

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/acearchive/keeper/internal/safety"
)

// PartialSuffix is appended to the destination path while an archive is being written.
const PartialSuffix = ".partial"

// storedExtensions are formats that are already compressed; deflating them
// again costs time for no gain.
var storedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".mp3": true, ".mp4": true, ".m4a": true, ".ogg": true, ".webm": true,
	".zip": true, ".gz": true, ".xz": true, ".zst": true, ".7z": true,
}

// Member describes an item that will be part of the committed archive.
type Member struct {
	Path  string
	Hash  string
	Size  int64
	Prior bool // carried over from the existing archive
}

// CommitResult describes a committed archive.
type CommitResult struct {
	Path         string
	Size         int64 // size of the zip file
	ContentBytes int64 // sum of item sizes
	Members      int
}

// Writer builds a new version of a backup archive next to the destination
// and atomically replaces the destination on Commit. Items of the existing
// archive that are not rewritten are copied over without recompression.
//
// A Writer is not safe for concurrent use; a single goroutine must own it.
type Writer struct {
	dest    string
	tmpPath string
	file    *os.File
	zw      *zip.Writer
	prior   *zip.ReadCloser
	index   *Index
	logger  *slog.Logger

	written map[string]Member
	order   []string
	done    bool
}

// Create starts a new archive for dest. When idx describes an existing
// recognized archive its items are carried over on Commit; otherwise a fresh
// archive is built and dest must not exist.
func Create(dest string, idx *Index, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if idx == nil {
		idx = &Index{Path: dest}
	}

	w := &Writer{
		dest:    dest,
		tmpPath: dest + PartialSuffix,
		index:   idx,
		logger:  logger,
		written: make(map[string]Member),
	}

	if idx.Exists {
		prior, err := zip.OpenReader(dest)
		if err != nil {
			return nil, &NotRecognizedError{Path: dest, Reason: "not a zip archive", Err: err}
		}
		w.prior = prior
	} else if _, err := os.Stat(dest); err == nil {
		return nil, &NotRecognizedError{Path: dest, Reason: "exists but was not indexed"}
	}

	if dir := filepath.Dir(dest); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			w.closePrior()
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	file, err := os.OpenFile(w.tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		w.closePrior()
		return nil, fmt.Errorf("failed to create %s: %w", w.tmpPath, err)
	}
	w.file = file
	w.zw = zip.NewWriter(file)
	w.zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})

	logger.Debug("archive writer created", "dest", dest, "append", idx.Exists, "prior_items", len(idx.Entries))
	return w, nil
}

// Add writes one verified item. The content is written completely or the
// call fails; it is never interrupted by cancellation.
func (w *Writer) Add(name, hash string, r io.Reader) error {
	if w.done {
		return errors.New("archive writer is closed")
	}
	clean, err := safety.CleanMemberPath(name)
	if err != nil {
		return fmt.Errorf("invalid member name: %w", err)
	}
	if IsReserved(clean) {
		return fmt.Errorf("member name %q is reserved", clean)
	}
	if _, dup := w.written[clean]; dup {
		w.logger.Warn("member written twice in one run, last write wins", "path", clean)
	}

	method := zip.Deflate
	if storedExtensions[strings.ToLower(path.Ext(clean))] {
		method = zip.Store
	}

	fw, err := w.zw.CreateHeader(&zip.FileHeader{
		Name:     clean,
		Method:   method,
		Modified: time.Now().UTC(),
		Comment:  hashCommentPrefix + strings.ToLower(hash),
	})
	if err != nil {
		return fmt.Errorf("failed to create member %s: %w", clean, err)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(fw, h), r)
	if err != nil {
		return fmt.Errorf("failed to write member %s: %w", clean, err)
	}
	if sum := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(sum, hash) {
		// The bytes were verified before reaching the writer; a mismatch here
		// means the spool file changed underneath us.
		return fmt.Errorf("member %s changed while writing: got %s, expected %s", clean, sum, hash)
	}

	if _, seen := w.written[clean]; !seen {
		w.order = append(w.order, clean)
	}
	w.written[clean] = Member{Path: clean, Hash: strings.ToLower(hash), Size: n}
	return nil
}

// Members returns the items the archive would contain if committed now: prior
// items not rewritten in this run, then the items added in this run.
func (w *Writer) Members() []Member {
	var out []Member
	for _, e := range w.index.Entries {
		if _, rewritten := w.written[e.Path]; rewritten {
			continue
		}
		out = append(out, Member{Path: e.Path, Hash: e.Hash, Size: e.Size, Prior: true})
	}
	for _, name := range w.order {
		out = append(out, w.written[name])
	}
	return out
}

// ReadPrior returns the content of members of the existing archive.
func (w *Writer) ReadPrior(names []string) (map[string][]byte, error) {
	if w.prior == nil {
		return map[string][]byte{}, nil
	}
	return readMembers(w.prior.File, names)
}

// Commit carries over every indexed prior item not rewritten in this run, writes the
// README and the marker, and atomically replaces the destination. The marker's
// item map is filled in from the final member set.
func (w *Writer) Commit(marker *Marker) (*CommitResult, error) {
	if w.done {
		return nil, errors.New("archive writer is closed")
	}

	members := w.Members()
	result := &CommitResult{Path: w.dest, Members: len(members)}
	marker.Items = make(map[string]string, len(members))
	for _, m := range members {
		marker.Items[m.Path] = m.Hash
		result.ContentBytes += m.Size
	}
	if marker.Size == 0 {
		marker.Size = result.ContentBytes
	}

	if err := w.copyPrior(); err != nil {
		w.Abort()
		return nil, err
	}
	if err := w.writeMeta(ReadmeName, []byte(readme)); err != nil {
		w.Abort()
		return nil, err
	}
	encoded, err := marker.Encode()
	if err != nil {
		w.Abort()
		return nil, err
	}
	if err := w.writeMeta(MarkerName, encoded); err != nil {
		w.Abort()
		return nil, err
	}

	if err := w.zw.Close(); err != nil {
		w.Abort()
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.Abort()
		return nil, fmt.Errorf("failed to sync archive: %w", err)
	}
	if err := w.file.Close(); err != nil {
		w.Abort()
		return nil, fmt.Errorf("failed to close archive: %w", err)
	}
	w.closePrior()

	if err := os.Rename(w.tmpPath, w.dest); err != nil {
		w.Abort()
		return nil, fmt.Errorf("failed to replace %s: %w", w.dest, err)
	}
	w.done = true
	syncDir(filepath.Dir(w.dest))

	fi, err := os.Stat(w.dest)
	if err != nil {
		return nil, fmt.Errorf("failed to stat committed archive: %w", err)
	}
	result.Size = fi.Size()

	w.logger.Info("archive committed", "dest", w.dest, "members", result.Members, "size", result.Size)
	return result, nil
}

func (w *Writer) copyPrior() error {
	if w.prior == nil {
		return nil
	}
	// Only the last member of a given name is live.
	last := make(map[string]*zip.File)
	for _, f := range w.prior.File {
		last[f.Name] = f
	}
	for _, f := range w.prior.File {
		if last[f.Name] != f || f.FileInfo().IsDir() || IsReserved(f.Name) {
			continue
		}
		if _, rewritten := w.written[f.Name]; rewritten {
			continue
		}
		// Entries excluded from the index are dropped.
		if _, live := w.index.Lookup(f.Name); !live {
			continue
		}
		if err := w.zw.Copy(f); err != nil {
			return fmt.Errorf("failed to carry over member %s: %w", f.Name, err)
		}
	}
	return nil
}

func (w *Writer) writeMeta(name string, data []byte) error {
	fw, err := w.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// Abort discards the partial archive. The destination is left untouched.
// Calling Abort after Commit is a no-op.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	if w.file != nil {
		_ = w.file.Close()
	}
	w.closePrior()
	if err := os.Remove(w.tmpPath); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("failed to remove partial archive", "path", w.tmpPath, "error", err)
	}
}

func (w *Writer) closePrior() {
	if w.prior != nil {
		_ = w.prior.Close()
		w.prior = nil
	}
}

// syncDir flushes a rename to disk where the platform supports it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
