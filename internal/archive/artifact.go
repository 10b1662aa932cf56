// Package archive reads the live Ace Archive: it lists artifacts through the
// public API, turns them into a backup manifest and computes the backup
// checksum shared with the registry.
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/acearchive/keeper/internal/plan"
	"github.com/acearchive/keeper/internal/safety"
)

const (
	// ArtifactsDir is the top-level archive directory holding one directory per artifact.
	ArtifactsDir = "artifacts"
	// MetadataName is the per-artifact metadata member.
	MetadataName = "metadata.json"
)

// File is a file of an artifact as returned by the API.
type File struct {
	Name          string  `json:"name"`
	Filename      string  `json:"filename"`
	MediaType     *string `json:"media_type"`
	Hash          string  `json:"hash"`
	HashAlgorithm string  `json:"hash_algorithm"`
	URL           string  `json:"url"`
	Lang          *string `json:"lang"`
	Hidden        bool    `json:"hidden"`
	// Size is not part of the public schema yet; zero means unknown.
	Size int64 `json:"size,omitempty"`
}

// Link is an external link attached to an artifact.
type Link struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Artifact is one item of the artifacts listing.
type Artifact struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Summary     string   `json:"summary"`
	Description *string  `json:"description"`
	URL         string   `json:"url"`
	URLAliases  []string `json:"url_aliases"`
	Files       []File   `json:"files"`
	Links       []Link   `json:"links"`
	People      []string `json:"people"`
	Identities  []string `json:"identities"`
	FromYear    int      `json:"from_year"`
	ToYear      *int     `json:"to_year"`
	Decades     []int    `json:"decades"`
	Collections []string `json:"collections"`
}

// fileMetadata and metadata are the stored shape of an artifact. The registry
// computes the backup checksum over the same shape, so fields must not be
// added or renamed here without bumping the format version.
type fileMetadata struct {
	Name          string  `json:"name"`
	Filename      string  `json:"filename"`
	MediaType     *string `json:"media_type"`
	Hash          string  `json:"hash"`
	HashAlgorithm string  `json:"hash_algorithm"`
	URL           string  `json:"url"`
	Lang          *string `json:"lang"`
	Hidden        bool    `json:"hidden"`
}

type metadata struct {
	ID          string         `json:"id"`
	URL         string         `json:"url"`
	Title       string         `json:"title"`
	Summary     string         `json:"summary"`
	Description *string        `json:"description"`
	Files       []fileMetadata `json:"files"`
	Links       []Link         `json:"links"`
	People      []string       `json:"people"`
	Identities  []string       `json:"identities"`
	FromYear    int            `json:"from_year"`
	ToYear      *int           `json:"to_year"`
	Decades     []int          `json:"decades"`
	Collections []string       `json:"collections"`
}

// CanonicalMetadata returns the RFC 8785 canonical JSON of the artifact's
// metadata. This is the content of its metadata.json member.
func (a *Artifact) CanonicalMetadata() ([]byte, error) {
	m := metadata{
		ID:          a.ID,
		URL:         a.URL,
		Title:       a.Title,
		Summary:     a.Summary,
		Description: a.Description,
		Files:       make([]fileMetadata, 0, len(a.Files)),
		Links:       nonNil(a.Links),
		People:      nonNil(a.People),
		Identities:  nonNil(a.Identities),
		FromYear:    a.FromYear,
		ToYear:      a.ToYear,
		Decades:     nonNil(a.Decades),
		Collections: nonNil(a.Collections),
	}
	for _, f := range a.Files {
		m.Files = append(m.Files, fileMetadata{
			Name:          f.Name,
			Filename:      f.Filename,
			MediaType:     f.MediaType,
			Hash:          f.Hash,
			HashAlgorithm: f.HashAlgorithm,
			URL:           f.URL,
			Lang:          f.Lang,
			Hidden:        f.Hidden,
		})
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata for %s: %w", a.ID, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize metadata for %s: %w", a.ID, err)
	}
	return canonical, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// MetadataPath returns the member path of an artifact's metadata.
func MetadataPath(id string) string {
	return ArtifactsDir + "/" + id + "/" + MetadataName
}

// FilePath returns the member path of an artifact file, sanitizing the
// API-provided filename into a single safe path segment.
func FilePath(id, filename string) (string, error) {
	name, err := safety.SanitizeSegment(filename)
	if err != nil {
		return "", err
	}
	return safety.JoinMember(ArtifactsDir, id, name)
}

// ArtifactIDFromPath returns the artifact id of a member path under
// artifacts/, or "" for paths outside the layout.
func ArtifactIDFromPath(p string) string {
	rest, ok := strings.CutPrefix(p, ArtifactsDir+"/")
	if !ok {
		return ""
	}
	id, _, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	return id
}

// Entries expands a validated artifact into its manifest entries: one per
// file, then the inline metadata member.
func (a *Artifact) Entries() ([]plan.ManifestEntry, []byte, error) {
	entries := make([]plan.ManifestEntry, 0, len(a.Files)+1)
	for i, f := range a.Files {
		p, err := FilePath(a.ID, f.Filename)
		if err != nil {
			return nil, nil, &ManifestFormatError{
				Item:   fmt.Sprintf("%s/files[%d]", a.ID, i),
				Reason: fmt.Sprintf("unusable filename %q: %v", f.Filename, err),
			}
		}
		if p == MetadataPath(a.ID) {
			return nil, nil, &ManifestFormatError{
				Item:   fmt.Sprintf("%s/files[%d]", a.ID, i),
				Reason: "filename collides with the metadata member",
			}
		}
		entries = append(entries, plan.ManifestEntry{
			Path:       p,
			Hash:       f.Hash,
			Size:       f.Size,
			URL:        f.URL,
			ArtifactID: a.ID,
		})
	}

	meta, err := a.CanonicalMetadata()
	if err != nil {
		return nil, nil, err
	}
	sum := sha256.Sum256(meta)
	entries = append(entries, plan.ManifestEntry{
		Path:       MetadataPath(a.ID),
		Hash:       hex.EncodeToString(sum[:]),
		Size:       int64(len(meta)),
		Inline:     meta,
		ArtifactID: a.ID,
	})
	return entries, meta, nil
}
