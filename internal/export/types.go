// Package export turns whole courses into portable artifacts: JSON bundles
// that can be re-imported, and printable PDF and DOCX documents.
package export

import (
	"errors"

	"coursecore/api/internal/apperr"
)

// Format represents the export output format
type Format string

const (
	FormatBundle Format = "bundle"
	FormatPDF    Format = "pdf"
	FormatDOCX   Format = "docx"
	FormatHTML   Format = "html"
)

func ParseFormat(name string) (Format, error) {
	switch f := Format(name); f {
	case FormatBundle, FormatPDF, FormatDOCX, FormatHTML:
		return f, nil
	case "":
		return FormatBundle, nil
	default:
		return "", apperr.Validation("unsupported export format %q", name).
			WithDetails(map[string]any{"format": name, "supported": []Format{FormatBundle, FormatPDF, FormatDOCX, FormatHTML}})
	}
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
