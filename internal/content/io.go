package content

import (
	"bytes"
	"context"
	"strings"
	"unicode/utf8"

	"coursecore/api/internal/apperr"
	"coursecore/api/internal/codec"
	"coursecore/api/internal/store"
	"coursecore/api/internal/util"
)

// MaxImportBytes bounds the size of an imported document.
const MaxImportBytes = 5 << 20

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type ImportInput struct {
	Format      string
	Data        []byte
	SaveVersion bool
}

// Import replaces a section's content with an uploaded document. The data
// goes through the same path as UpdateContent.
func (s *Service) Import(ctx context.Context, sectionID string, in ImportInput, userID string) (UpdateResult, error) {
	f, err := codec.ParseFormat(in.Format)
	if err != nil {
		return UpdateResult{}, err
	}
	if !f.Storable() {
		return UpdateResult{}, apperr.ConversionUnsupported(string(f), "multi-format")
	}
	if len(in.Data) > MaxImportBytes {
		return UpdateResult{}, apperr.Validation("import is %d bytes, limit is %d", len(in.Data), MaxImportBytes)
	}
	data := bytes.TrimPrefix(in.Data, utf8BOM)
	if !utf8.Valid(data) {
		return UpdateResult{}, apperr.Validation("import data is not valid UTF-8")
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")

	return s.UpdateContent(ctx, sectionID, UpdateInput{
		Content:           text,
		Format:            string(f),
		SaveVersion:       in.SaveVersion,
		ChangeDescription: "Imported " + string(f),
	}, userID)
}

// Export is a downloadable rendering of a section.
type Export struct {
	Data     string `json:"data"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
}

// Export renders a section in format, or its primary format when empty.
func (s *Service) Export(ctx context.Context, sectionID, format string) (Export, error) {
	view, err := s.GetContent(ctx, sectionID, format, GetOptions{})
	if err != nil {
		return Export{}, err
	}
	section, err := s.store.GetSection(ctx, sectionID)
	if err != nil {
		return Export{}, store.NotFoundAs(err, "section", sectionID)
	}
	f := view.Format
	if f == "" {
		f = codec.Markdown
	}
	return Export{
		Data:     view.Content,
		Filename: util.Slugify(section.Title, "section") + f.Extension(),
		MimeType: f.MimeType(),
	}, nil
}
