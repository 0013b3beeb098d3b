package legacy

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark/ast"

	"coursecore/api/internal/codec"
)

const IntroductionTitle = "Introduction"

var atxOpening = regexp.MustCompile(`^ {0,3}#{1,6}(?:[ \t]|$)`)

// Unit is one section detected in a legacy blob. Body is markdown.
type Unit struct {
	Title string
	Body  string
}

type heading struct {
	level int
	title string
	// first and last are the 0-based source lines the heading occupies.
	first, last int
}

// SplitBlob cuts a flat markdown blob into units at its shallowest heading
// level. Text before the first such heading becomes an Introduction unit.
// A blob without headings is one unit titled fallbackTitle; a blank blob
// has no units. Headings inside code blocks and other containers are never
// split points.
func SplitBlob(blob, fallbackTitle string) []Unit {
	blob = strings.ReplaceAll(blob, "\r\n", "\n")
	if strings.TrimSpace(blob) == "" {
		return nil
	}
	doc, source := codec.ParseMarkdown(blob)
	lines := strings.Split(blob, "\n")

	var found []heading
	shallowest := 7
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Lines().Len() == 0 {
			continue
		}
		first := lineOf(source, h.Lines().At(0).Start)
		last := lineOf(source, h.Lines().At(h.Lines().Len()-1).Start)
		if !atxOpening.MatchString(lines[first]) {
			// Setext heading: the underline is the line after the text.
			last++
		}
		found = append(found, heading{level: h.Level, title: codec.HeadingText(h, source), first: first, last: last})
		shallowest = min(shallowest, h.Level)
	}

	var splits []heading
	for _, h := range found {
		if h.level == shallowest {
			splits = append(splits, h)
		}
	}
	if len(splits) == 0 {
		return []Unit{{Title: fallbackTitle, Body: strings.TrimSpace(blob)}}
	}

	var units []Unit
	if preamble := strings.TrimSpace(strings.Join(lines[:splits[0].first], "\n")); preamble != "" {
		units = append(units, Unit{Title: IntroductionTitle, Body: preamble})
	}
	for i, h := range splits {
		end := len(lines)
		if i+1 < len(splits) {
			end = splits[i+1].first
		}
		start := min(h.last+1, end)
		title := h.title
		if title == "" {
			title = fmt.Sprintf("Section %d", len(units)+1)
		}
		units = append(units, Unit{
			Title: title,
			Body:  strings.TrimSpace(strings.Join(lines[start:end], "\n")),
		})
	}
	return units
}

func lineOf(source []byte, offset int) int {
	return bytes.Count(source[:offset], []byte("\n"))
}

// looksLikeHTML reports whether a legacy blob was stored as HTML rather
// than markdown.
func looksLikeHTML(blob string) bool {
	trimmed := strings.TrimSpace(blob)
	if !strings.HasPrefix(trimmed, "<") {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, tag := range []string{"<p", "<h1", "<h2", "<h3", "<div", "<ul", "<ol", "<section", "<article", "<!doctype", "<html"} {
		if strings.HasPrefix(lower, tag) {
			return true
		}
	}
	return false
}
