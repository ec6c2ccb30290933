// Package normalize folds raw manga titles into the keys that group, match,
// and cooldown logic agree on: a compact title key for identity and a
// token key that preserves word boundaries for similarity scoring.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sawamura-io/ssmerge/internal/pathutil"
)

// keyHashPrefix marks keys produced by the hash fallback so they can never
// collide with a folded title.
const keyHashPrefix = "h:"

// foldTransformer decomposes, strips combining marks, and recomposes, which
// reduces accented Latin to its base letters.
var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// foldDiacritics removes combining marks from s. On transform failure the
// input is returned unchanged; a worse key is better than no key.
func foldDiacritics(s string) string {
	folded, _, err := transform.String(foldTransformer, s)
	if err != nil {
		return s
	}

	return folded
}

// TitleKey returns the compact identity key for a title: lowercased,
// diacritic-folded, with every non-alphanumeric rune removed. Returns ""
// when nothing survives folding.
func TitleKey(title string) string {
	folded := strings.ToLower(foldDiacritics(title))

	var b strings.Builder

	b.Grow(len(folded))

	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}

	return b.String()
}

// TokenKey returns the comparison key used for similarity scoring: the same
// folding as TitleKey but with non-alphanumeric runs collapsed to single
// spaces so word boundaries survive.
func TokenKey(title string) string {
	folded := strings.ToLower(foldDiacritics(title))

	var b strings.Builder

	b.Grow(len(folded))

	pendingSpace := false

	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}

			pendingSpace = false

			b.WriteRune(r)
		} else {
			pendingSpace = true
		}
	}

	return b.String()
}

// GroupKey derives the group identity for a canonical title resolved from a
// raw source directory name. A title that folds to nothing (all symbols,
// all stripped) falls back to a deterministic digest of canonical|raw so the
// group key is never empty.
func GroupKey(canonical, raw string) string {
	key := TitleKey(canonical)
	if key != "" {
		return key
	}

	return keyHashPrefix + pathutil.ShortHash(canonical + "|" + raw)
}
