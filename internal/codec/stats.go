package codec

import (
	"encoding/hex"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"
)

// WordsPerMinute is the reading speed used for ReadTime.
const WordsPerMinute = 200

// WordCount counts whitespace separated tokens that contain at least one
// letter or digit, so bare markup such as "#" or "-" is not a word.
func WordCount(text string) int {
	count := 0
	for _, field := range strings.Fields(text) {
		if strings.IndexFunc(field, func(r rune) bool {
			return unicode.IsLetter(r) || unicode.IsDigit(r)
		}) >= 0 {
			count++
		}
	}
	return count
}

// ReadTime returns whole minutes needed to read wordCount words, rounded up.
func ReadTime(wordCount int) int {
	if wordCount <= 0 {
		return 0
	}
	return int(math.Ceil(float64(wordCount) / WordsPerMinute))
}

type Stats struct {
	HasContent     bool     `json:"hasContent"`
	WordCount      int      `json:"wordCount"`
	ReadTime       int      `json:"readTime"`
	CharacterCount int      `json:"characterCount"`
	Formats        []Format `json:"formats"`
	PrimaryFormat  Format   `json:"primaryFormat"`
}

// ComputeStats derives the metrics stored alongside a section.
func ComputeStats(c Content) Stats {
	stats := Stats{
		HasContent:    !c.IsEmpty(),
		Formats:       c.Formats(),
		PrimaryFormat: c.PrimaryFormat(),
	}
	if !stats.HasContent {
		return stats
	}
	plain := PlainText(c.PrimaryText(), c.PrimaryFormat())
	stats.WordCount = WordCount(plain)
	stats.ReadTime = ReadTime(stats.WordCount)
	stats.CharacterCount = utf8.RuneCountInString(plain)
	return stats
}

// Fingerprint is a short stable hash of text, used for cache keys and
// change detection.
func Fingerprint(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return hex.EncodeToString(sum[:16])
}
