package codec

import (
	"strings"
	"unicode/utf8"

	"coursecore/api/internal/apperr"
)

// Convert transforms text from one format to another. Converting a format
// to itself returns the input unchanged. Text is never a valid source.
func Convert(text string, from, to Format) (string, error) {
	if from == to {
		return text, nil
	}
	if !from.Storable() || (!to.Storable() && to != Text) {
		return "", apperr.ConversionUnsupported(string(from), string(to))
	}

	if from == Markdown && to == HTML {
		out, err := markdownToHTML(text)
		if err != nil {
			return "", apperr.Wrap(apperr.KindConversionUnsupported, err, "render markdown")
		}
		return out, nil
	}

	doc, err := toDoc(text, from)
	if err != nil {
		return "", err
	}
	return fromDoc(doc, to), nil
}

func toDoc(text string, from Format) (Node, error) {
	switch from {
	case Markdown:
		return markdownToDoc(text), nil
	case HTML:
		return htmlToDoc(text), nil
	case Structured:
		return parseStructured(text)
	default:
		return Node{}, apperr.ConversionUnsupported(string(from), "structured")
	}
}

func fromDoc(doc Node, to Format) string {
	switch to {
	case Markdown:
		return docToMarkdown(doc)
	case HTML:
		return docToHTML(doc)
	case Structured:
		return renderStructured(doc)
	default:
		return renderText(doc)
	}
}

// ToMultiFormat builds content whose primary slot holds text verbatim and
// whose other stored slots are derived from it. Blank text produces only the
// primary slot.
func ToMultiFormat(text string, source Format) (Content, error) {
	if !source.Storable() {
		return Content{}, apperr.ConversionUnsupported(string(source), "multi-format")
	}
	now := nowFunc()
	var c Content
	*c.slotFor(source) = &slot{text: text, lastUpdated: now}
	c.primary = source
	if strings.TrimSpace(text) == "" {
		return c, nil
	}

	for _, f := range StoredFormats {
		if f == source {
			continue
		}
		derived, err := Convert(text, source, f)
		if err != nil {
			return Content{}, err
		}
		*c.slotFor(f) = &slot{text: derived, lastUpdated: now}
	}
	return c, nil
}

// PlainText renders text of the given format with markup removed.
func PlainText(text string, f Format) string {
	if f == Text {
		return text
	}
	out, err := Convert(text, f, Text)
	if err != nil {
		return text
	}
	return out
}

// Concat appends b after a in format f, separated the way blocks of that
// format are separated. Structured documents are merged node-wise.
func Concat(a, b string, f Format) (string, error) {
	if strings.TrimSpace(a) == "" {
		return b, nil
	}
	if strings.TrimSpace(b) == "" {
		return a, nil
	}
	switch f {
	case Markdown, Text:
		return strings.TrimRight(a, "\n") + "\n\n" + strings.TrimLeft(b, "\n"), nil
	case HTML:
		return strings.TrimRight(a, "\n") + "\n" + strings.TrimLeft(b, "\n"), nil
	case Structured:
		left, err := parseStructured(a)
		if err != nil {
			return "", err
		}
		right, err := parseStructured(b)
		if err != nil {
			return "", err
		}
		left.Content = append(left.Content, right.Content...)
		return renderStructured(left), nil
	default:
		return "", apperr.ConversionUnsupported(string(f), string(f))
	}
}

// SplitAt cuts text at the given rune offsets. Offsets must be strictly
// increasing and lie strictly inside the text.
func SplitAt(text string, points []int) ([]string, error) {
	if len(points) == 0 {
		return nil, apperr.Validation("at least one split point is required")
	}
	length := utf8.RuneCountInString(text)
	prev := 0
	for i, p := range points {
		if p <= prev || p >= length {
			return nil, apperr.Validation("split point %d (%d) must be in (%d, %d)", i, p, prev, length).
				WithDetails(map[string]any{"index": i, "point": p, "length": length})
		}
		prev = p
	}

	runes := []rune(text)
	pieces := make([]string, 0, len(points)+1)
	start := 0
	for _, p := range points {
		pieces = append(pieces, string(runes[start:p]))
		start = p
	}
	pieces = append(pieces, string(runes[start:]))
	return pieces, nil
}
