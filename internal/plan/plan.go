// Package plan holds the backup data model and the diff planner that decides,
// per manifest item, whether it must be fetched or is already up to date.
package plan

import "strings"

// ManifestEntry is one item of the remote archive as seen at session start.
type ManifestEntry struct {
	Path string // archive-relative member path, unique key
	Hash string // remote-declared sha256, lowercase hex
	Size int64  // declared size in bytes, 0 when unknown

	// Exactly one source is set: URL for remote items, Inline for content
	// generated locally from the listing (artifact metadata documents).
	URL    string
	Inline []byte

	// ArtifactID groups items that belong to the same archive artifact.
	ArtifactID string
}

// LocalEntry is one member already stored in the destination zip.
type LocalEntry struct {
	Path string
	Hash string
	Size int64
}

// OpKind tags a DiffOp.
type OpKind string

const (
	OpSkip  OpKind = "skip"
	OpFetch OpKind = "fetch"
)

// Reason explains why a Fetch op exists.
type Reason string

const (
	ReasonNew     Reason = "new"
	ReasonChanged Reason = "changed"
)

// DiffOp is a single planned decision for one manifest path.
type DiffOp struct {
	Kind   OpKind
	Entry  ManifestEntry
	Reason Reason // empty for skips
}

// Path returns the member path the op applies to.
func (op DiffOp) Path() string { return op.Entry.Path }

// Plan is the ordered set of decisions for one session.
type Plan struct {
	Ops        []DiffOp
	FetchCount int
	SkipCount  int
	FetchBytes int64 // declared bytes of fetch ops
}

// Build computes the plan for a manifest against the entries already stored.
//
// Ops follow manifest order. When the manifest lists a path more than once only
// the last occurrence is planned, at the position of that last occurrence.
// Local entries missing from the manifest never produce an op.
func Build(manifest []ManifestEntry, local []LocalEntry) *Plan {
	stored := make(map[string]LocalEntry, len(local))
	for _, le := range local {
		stored[le.Path] = le
	}

	last := make(map[string]int, len(manifest))
	for i, me := range manifest {
		last[me.Path] = i
	}

	p := &Plan{Ops: make([]DiffOp, 0, len(last))}
	for i, me := range manifest {
		if last[me.Path] != i {
			continue
		}

		le, ok := stored[me.Path]
		switch {
		case !ok:
			p.Ops = append(p.Ops, DiffOp{Kind: OpFetch, Entry: me, Reason: ReasonNew})
		case !strings.EqualFold(le.Hash, me.Hash):
			p.Ops = append(p.Ops, DiffOp{Kind: OpFetch, Entry: me, Reason: ReasonChanged})
		default:
			p.Ops = append(p.Ops, DiffOp{Kind: OpSkip, Entry: me})
			p.SkipCount++
			continue
		}
		p.FetchCount++
		p.FetchBytes += me.Size
	}
	return p
}
