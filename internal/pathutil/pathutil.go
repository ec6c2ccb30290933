// Package pathutil provides path comparison, reserved-segment escaping, and
// branch-link name sanitization for the merged tree and its link directories.
package pathutil

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// maxComponentBytes is the largest file name component most filesystems
// accept. Sanitized link names must never exceed it.
const maxComponentBytes = 255

// hashSuffixHexDigits is the number of sha256 hex digits appended when a
// label must be shortened or disambiguated.
const hashSuffixHexDigits = 12

// Normalize cleans p and strips a single trailing separator so that two
// spellings of the same directory compare equal.
func Normalize(p string) string {
	if p == "" {
		return ""
	}

	cleaned := filepath.Clean(p)
	if cleaned != string(filepath.Separator) {
		cleaned = strings.TrimSuffix(cleaned, string(filepath.Separator))
	}

	return cleaned
}

// Equal reports whether two paths refer to the same location after
// normalization.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// IsStrictChild reports whether child lies strictly below parent: equal paths
// and `..` escapes both return false.
func IsStrictChild(parent, child string) bool {
	parentNorm := Normalize(parent)
	childNorm := Normalize(child)

	if parentNorm == childNorm {
		return false
	}

	rel, err := filepath.Rel(parentNorm, childNorm)
	if err != nil {
		return false
	}

	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}

	return !filepath.IsAbs(rel)
}

// reservedSegmentReplacements maps characters that cannot appear in a single
// merged-tree path segment to harmless lookalikes. The separator itself and
// the NUL byte are the only bytes Linux rejects; the remainder keep titles
// from producing surprising shell or findmnt output.
var reservedSegmentReplacements = strings.NewReplacer(
	"/", "⧸", // big solidus
	"\x00", "",
)

// EscapeSegment converts an arbitrary title into a single safe path segment.
// Dot-only names collide with directory navigation and are prefixed instead
// of dropped, keeping the result non-empty and deterministic.
func EscapeSegment(title string) string {
	escaped := reservedSegmentReplacements.Replace(strings.TrimSpace(title))

	switch escaped {
	case "":
		return "_"
	case ".", "..":
		return "_" + escaped
	default:
		return escaped
	}
}

// SanitizeLabel rewrites label so that the result plus a 4-character index
// suffix always fits in one path component. Characters outside [A-Za-z0-9_]
// become underscores; empty results become "x". Labels that would overflow
// are truncated and made collision-resistant with a sha256 tail, so two long
// labels sharing a prefix still sanitize to distinct names.
func SanitizeLabel(label string) string {
	var b strings.Builder

	b.Grow(len(label))

	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	sanitized := b.String()
	if sanitized == "" {
		sanitized = "x"
	}

	// Reserve room for the longest caller-applied decoration: the
	// "01_override_" link prefix plus a "_NNN" index suffix.
	const linkNameReserve = 16

	budget := maxComponentBytes - linkNameReserve
	if len(sanitized) <= budget {
		return sanitized
	}

	digest := sha256.Sum256([]byte(label))
	tail := "_" + hex.EncodeToString(digest[:])[:hashSuffixHexDigits]

	return sanitized[:budget-len(tail)] + tail
}

// ShortHash returns the first 12 hex digits of sha256(input), the stable
// short-identity digest used for group ids and desired mount identities.
func ShortHash(input string) string {
	digest := sha256.Sum256([]byte(input))

	return hex.EncodeToString(digest[:])[:hashSuffixHexDigits]
}
