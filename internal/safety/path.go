package safety

import (
	"fmt"
	"path"
	"strings"
	"unicode"
)

// invalidSegmentChars are stripped from names that become zip member segments.
// The set matches what Windows, macOS and Linux filesystems reject so an
// extracted backup is portable.
const invalidSegmentChars = `\/:*?"<>|`

// SanitizeSegment turns an upstream file name into a single safe path segment.
// Invalid characters and control characters are removed, and trailing dots and
// spaces are trimmed.
func SanitizeSegment(name string) (string, error) {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsControl(r) || strings.ContainsRune(invalidSegmentChars, r) {
			continue
		}
		b.WriteRune(r)
	}
	clean := strings.TrimRight(strings.TrimSpace(b.String()), ". ")
	if clean == "" {
		return "", fmt.Errorf("name %q is empty after sanitizing", name)
	}
	if clean == "." || clean == ".." {
		return "", fmt.Errorf("name %q resolves to a directory reference", name)
	}
	return clean, nil
}

// IsSafeSegment reports whether s can be used verbatim as one path segment.
func IsSafeSegment(s string) bool {
	clean, err := SanitizeSegment(s)
	return err == nil && clean == s
}

// CleanMemberPath validates and normalizes a slash-separated archive member path.
// It rejects absolute paths, parent traversal, backslashes and NUL bytes.
func CleanMemberPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.ContainsAny(p, "\\\x00") {
		return "", fmt.Errorf("path contains a backslash or NUL: %q", p)
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("absolute paths are not allowed: %q", p)
	}

	clean := path.Clean(p)
	if clean == "." {
		return "", fmt.Errorf("path resolves to current directory")
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("parent traversal is not allowed: %q", p)
	}
	return clean, nil
}

// JoinMember joins segments into a member path and validates the result.
func JoinMember(segments ...string) (string, error) {
	return CleanMemberPath(path.Join(segments...))
}
