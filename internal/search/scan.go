package search

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"coursecore/api/internal/apperr"
	"coursecore/api/internal/codec"
	"coursecore/api/internal/store"
)

// snippetRadius is the number of runes kept on each side of the first match.
const snippetRadius = 40

// SectionLister is the slice of the store the scanner reads from.
type SectionLister interface {
	ListSections(ctx context.Context, filter store.SectionFilter) ([]store.Section, error)
}

// Scan implements Searcher by reading every section of the course and
// matching its text directly. It is always healthy and answers every query
// shape, which makes it the fallback for the index.
type Scan struct {
	store SectionLister
}

func NewScan(st SectionLister) *Scan {
	return &Scan{store: st}
}

func (s *Scan) Healthy() bool {
	return true
}

// Search matches case-insensitively, as a substring or as a regular
// expression. Hits follow the course's reading order.
func (s *Scan) Search(ctx context.Context, q Query) ([]Hit, int, error) {
	match, err := compile(q)
	if err != nil {
		return nil, 0, err
	}
	var format codec.Format
	if q.Format != "" {
		if format, err = codec.ParseFormat(q.Format); err != nil {
			return nil, 0, err
		}
	}

	sections, err := s.store.ListSections(ctx, store.SectionFilter{CourseID: q.CourseID})
	if err != nil {
		return nil, 0, err
	}

	var hits []Hit
	for _, sec := range readingOrder(sections) {
		f := format
		if f == "" {
			f = sec.Content.PrimaryFormat()
		}
		text, ok := searchableText(sec.Content, f)
		if !ok {
			continue
		}
		locs := match(text)
		if len(locs) == 0 {
			continue
		}
		hits = append(hits, Hit{
			SectionID: sec.ID,
			CourseID:  sec.CourseID,
			Title:     sec.Title,
			Format:    string(f),
			Snippet:   snippet(text, locs[0]),
			Matches:   len(locs),
		})
	}

	total := len(hits)
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, total, nil
}

// Verify re-checks index candidates against the stored sections with the
// same matching rules as Search. Candidates that are gone, belong to another
// course, or whose primary text does not match are dropped; the rest get
// their title, format, snippet and match count from the stored text.
func (s *Scan) Verify(ctx context.Context, q Query, candidates []Hit) ([]Hit, error) {
	match, err := compile(q)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(candidates))
	for _, hit := range candidates {
		ids = append(ids, hit.SectionID)
	}
	sections, err := s.store.ListSections(ctx, store.SectionFilter{CourseID: q.CourseID, IDs: ids})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]store.Section, len(sections))
	for _, sec := range sections {
		byID[sec.ID] = sec
	}

	var verified []Hit
	seen := map[string]bool{}
	for _, hit := range candidates {
		sec, ok := byID[hit.SectionID]
		if !ok || seen[sec.ID] {
			continue
		}
		f := sec.Content.PrimaryFormat()
		text, ok := searchableText(sec.Content, f)
		if !ok {
			continue
		}
		locs := match(text)
		if len(locs) == 0 {
			continue
		}
		seen[sec.ID] = true
		verified = append(verified, Hit{
			SectionID: sec.ID,
			CourseID:  sec.CourseID,
			Title:     sec.Title,
			Format:    string(f),
			Snippet:   snippet(text, locs[0]),
			Matches:   len(locs),
		})
	}
	return verified, nil
}

// compile returns a function reporting the byte ranges of every match. A
// plain query is matched literally.
func compile(q Query) (func(string) [][]int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, apperr.Validation("search query is required")
	}
	pattern := regexp.QuoteMeta(q.Text)
	if q.Regex {
		pattern = q.Text
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, apperr.Validation("invalid regular expression: %v", err).
			WithDetails(map[string]any{"query": q.Text})
	}
	return func(text string) [][]int {
		var locs [][]int
		for _, loc := range re.FindAllStringIndex(text, -1) {
			if loc[1] > loc[0] {
				locs = append(locs, loc)
			}
		}
		return locs
	}, nil
}

// searchableText returns the text of c in format f. The text format and
// absent slots are derived from the primary text.
func searchableText(c codec.Content, f codec.Format) (string, bool) {
	if c.IsEmpty() || f == "" {
		return "", false
	}
	if text, ok := c.Text(f); ok {
		return text, true
	}
	if f == codec.Text {
		return codec.PlainText(c.PrimaryText(), c.PrimaryFormat()), true
	}
	text, err := codec.Convert(c.PrimaryText(), c.PrimaryFormat(), f)
	if err != nil {
		return "", false
	}
	return text, true
}

func snippet(text string, loc []int) string {
	start, end := loc[0], loc[1]
	for i := 0; i < snippetRadius && start > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(text[:start])
		start -= size
	}
	for i := 0; i < snippetRadius && end < len(text); i++ {
		_, size := utf8.DecodeRuneInString(text[end:])
		end += size
	}
	out := strings.Join(strings.Fields(text[start:end]), " ")
	if start > 0 {
		out = "…" + out
	}
	if end < len(text) {
		out += "…"
	}
	return out
}

// readingOrder arranges sections depth-first in sibling order.
func readingOrder(sections []store.Section) []store.Section {
	kids := map[string][]store.Section{}
	for _, sec := range sections {
		key := ""
		if sec.ParentID != nil {
			key = *sec.ParentID
		}
		kids[key] = append(kids[key], sec)
	}
	out := make([]store.Section, 0, len(sections))
	var walk func(key string)
	walk = func(key string) {
		for _, sec := range kids[key] {
			out = append(out, sec)
			walk(sec.ID)
		}
	}
	walk("")
	return out
}
