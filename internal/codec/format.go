// Package codec converts section content between its stored formats and
// computes the metrics derived from it. It is the only package that can
// build the format slots of a Content value.
package codec

import (
	"strings"

	"coursecore/api/internal/apperr"
)

type Format string

const (
	Markdown   Format = "markdown"
	HTML       Format = "html"
	Structured Format = "structured"
	// Text is an output-only rendering with all markup removed. It can be
	// requested but never stored or used as a conversion source.
	Text Format = "text"
)

// StoredFormats lists the slot formats in canonical order.
var StoredFormats = []Format{Markdown, HTML, Structured}

// ParseFormat normalizes a caller-supplied format name.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case Markdown, HTML, Structured, Text:
		return f, nil
	case "md":
		return Markdown, nil
	case "json", "prosemirror":
		return Structured, nil
	case "plain", "txt":
		return Text, nil
	default:
		return "", apperr.Validation("unsupported content format %q", name).
			WithDetails(map[string]any{"format": name, "supported": []Format{Markdown, HTML, Structured, Text}})
	}
}

// ParseStoredFormat is ParseFormat restricted to formats that can hold a slot.
func ParseStoredFormat(name string) (Format, error) {
	f, err := ParseFormat(name)
	if err != nil {
		return "", err
	}
	if !f.Storable() {
		return "", apperr.Validation("format %q cannot be stored", f)
	}
	return f, nil
}

func (f Format) Storable() bool {
	return f == Markdown || f == HTML || f == Structured
}

func (f Format) MimeType() string {
	switch f {
	case Markdown:
		return "text/markdown; charset=utf-8"
	case HTML:
		return "text/html; charset=utf-8"
	case Structured:
		return "application/json"
	default:
		return "text/plain; charset=utf-8"
	}
}

func (f Format) Extension() string {
	switch f {
	case Markdown:
		return ".md"
	case HTML:
		return ".html"
	case Structured:
		return ".json"
	default:
		return ".txt"
	}
}
