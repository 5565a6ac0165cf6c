// Package textnorm canonicalizes document text and derives the content
// fingerprint used for caching and deduplication.
package textnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalize canonicalizes raw UTF-8 text: Unicode NFKC normalization,
// case folding to lower case, and whitespace runs collapsed to single
// spaces with leading/trailing whitespace trimmed.
//
// Identical content that differs only in case or whitespace normalizes to
// the same string, which is what makes the fingerprint a stable cache key.
// Empty or whitespace-only input normalizes to the empty string.
func Normalize(raw string) string {
	folded := strings.ToLower(norm.NFKC.String(raw))

	var b strings.Builder
	b.Grow(len(folded))
	inSpace := false
	for _, r := range folded {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// Fingerprint returns the hex SHA-256 digest of the normalized text.
func Fingerprint(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// NormalizeAndFingerprint is the common one-shot path used at scan time.
func NormalizeAndFingerprint(raw string) (normalized, fingerprint string) {
	normalized = Normalize(raw)
	return normalized, Fingerprint(normalized)
}
