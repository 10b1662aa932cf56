package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// ChecksumFormatVersion is the version of the checksum scheme implemented here.
const ChecksumFormatVersion = 1

// Checksum computes the backup checksum: the sha256 of the canonical JSON
// array of artifact metadata sorted by artifact id. Values must already be
// canonical, as produced by CanonicalMetadata or read back from metadata.json
// members. The result matches the registry's own computation for the same
// artifact set.
func Checksum(metadata map[string][]byte) string {
	ids := make([]string, 0, len(metadata))
	for id := range metadata {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha256.New()
	h.Write([]byte{'['})
	for i, id := range ids {
		if i > 0 {
			h.Write([]byte{','})
		}
		h.Write(bytes.TrimSpace(metadata[id]))
	}
	h.Write([]byte{']'})
	return hex.EncodeToString(h.Sum(nil))
}

// ServerChecksum is the registry's view of the live archive.
type ServerChecksum struct {
	FormatVersion int    `json:"format_version"`
	Checksum      string `json:"checksum"`
}

// FetchServerChecksum asks the registry for the checksum of the current archive.
func FetchServerChecksum(ctx context.Context, client Getter, checksumURL string) (*ServerChecksum, error) {
	body, err := client.Get(ctx, checksumURL, 64<<10)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch server checksum: %w", err)
	}
	var sc ServerChecksum
	if err := json.Unmarshal(body, &sc); err != nil {
		return nil, fmt.Errorf("failed to decode server checksum: %w", err)
	}
	if sc.FormatVersion != ChecksumFormatVersion {
		return nil, fmt.Errorf("unsupported checksum format version %d", sc.FormatVersion)
	}
	if !isHexDigest(sc.Checksum) {
		return nil, fmt.Errorf("malformed server checksum %q", sc.Checksum)
	}
	return &sc, nil
}
