package util

import (
	"strings"
	"unicode"
)

// Slugify lowercases s and joins its letter and digit runs with dashes,
// for use in file names. It returns fallback when nothing remains.
func Slugify(s, fallback string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		dash = true
	}
	out := b.String()
	if runes := []rune(out); len(runes) > 80 {
		out = strings.TrimRight(string(runes[:80]), "-")
	}
	if out == "" {
		return fallback
	}
	return out
}
