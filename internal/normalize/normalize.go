// Package normalize canonicalizes place names so that every cache layer and
// the places table key on one spelling: lowercase ASCII with no separators.
// Display layers keep the user's original input; only keys go through here.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var foldTransformer = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))

// Normalize converts a place name in any script to its canonical form.
// Known non-Latin names resolve through the curated transliteration table;
// everything else is decomposed, stripped to ASCII alphanumerics, and
// lowercased with all whitespace removed. Idempotent by construction:
// a canonical form contains only characters the pipeline passes through.
func Normalize(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}

	if known, ok := knownTranslations[strings.ToLower(trimmed)]; ok {
		return known
	}

	folded, _, err := transform.String(foldTransformer, trimmed)
	if err != nil {
		folded = trimmed
	}

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		}
	}
	return b.String()
}
