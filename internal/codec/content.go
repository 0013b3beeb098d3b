package codec

import (
	"encoding/json"
	"maps"
	"strings"
	"time"

	"coursecore/api/internal/apperr"
)

// nowFunc is replaced in tests that need deterministic timestamps.
var nowFunc = func() time.Time { return time.Now().UTC() }

type slot struct {
	text        string
	lastUpdated time.Time
}

// Content holds one section's content in up to three stored formats. The
// zero value is empty content with no primary format. Slots can only be
// created by this package, so PrimaryFormat always names a present slot.
type Content struct {
	markdown   *slot
	html       *slot
	structured *slot
	primary    Format
	metadata   map[string]any
}

func (c *Content) slotFor(f Format) **slot {
	switch f {
	case Markdown:
		return &c.markdown
	case HTML:
		return &c.html
	case Structured:
		return &c.structured
	default:
		return nil
	}
}

func (c Content) get(f Format) *slot {
	ptr := c.slotFor(f)
	if ptr == nil {
		return nil
	}
	return *ptr
}

// Has reports whether the slot for f is present.
func (c Content) Has(f Format) bool {
	return c.get(f) != nil
}

// Text returns the stored text for f.
func (c Content) Text(f Format) (string, bool) {
	s := c.get(f)
	if s == nil {
		return "", false
	}
	return s.text, true
}

func (c Content) LastUpdated(f Format) (time.Time, bool) {
	s := c.get(f)
	if s == nil {
		return time.Time{}, false
	}
	return s.lastUpdated, true
}

func (c Content) PrimaryFormat() Format {
	return c.primary
}

func (c Content) PrimaryText() string {
	text, _ := c.Text(c.primary)
	return text
}

// Formats lists the present slots in canonical order.
func (c Content) Formats() []Format {
	var out []Format
	for _, f := range StoredFormats {
		if c.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

// IsEmpty reports whether no present slot holds non-blank text.
func (c Content) IsEmpty() bool {
	for _, f := range StoredFormats {
		if s := c.get(f); s != nil && !blankSlot(f, s.text) {
			return false
		}
	}
	return true
}

func blankSlot(f Format, text string) bool {
	if strings.TrimSpace(text) == "" {
		return true
	}
	return strings.TrimSpace(PlainText(text, f)) == ""
}

func (c Content) Metadata() map[string]any {
	if c.metadata == nil {
		return map[string]any{}
	}
	return maps.Clone(c.metadata)
}

// WithMetadata returns a copy of c carrying metadata.
func (c Content) WithMetadata(metadata map[string]any) Content {
	out := c.Clone()
	out.metadata = maps.Clone(metadata)
	return out
}

func (c Content) Clone() Content {
	out := c
	for _, f := range StoredFormats {
		if s := c.get(f); s != nil {
			cp := *s
			*out.slotFor(f) = &cp
		}
	}
	out.metadata = maps.Clone(c.metadata)
	return out
}

// WithPrimary returns a copy of c whose primary format is f. A missing slot
// is derived from the current primary text; when that is impossible the
// result is FormatUnavailable.
func (c Content) WithPrimary(f Format) (Content, error) {
	if !f.Storable() {
		return Content{}, apperr.FormatUnavailable(string(f))
	}
	out := c.Clone()
	if out.Has(f) {
		out.primary = f
		return out, nil
	}
	if out.primary == "" {
		return Content{}, apperr.FormatUnavailable(string(f))
	}
	text, err := Convert(out.PrimaryText(), out.primary, f)
	if err != nil {
		return Content{}, apperr.FormatUnavailable(string(f)).WithDetails(map[string]any{
			"format": f,
			"reason": err.Error(),
		})
	}
	*out.slotFor(f) = &slot{text: text, lastUpdated: nowFunc()}
	out.primary = f
	return out, nil
}

type slotJSON struct {
	Text        string    `json:"text"`
	LastUpdated time.Time `json:"lastUpdated"`
}

type contentJSON struct {
	Markdown      *slotJSON      `json:"markdown,omitempty"`
	HTML          *slotJSON      `json:"html,omitempty"`
	Structured    *slotJSON      `json:"structured,omitempty"`
	PrimaryFormat Format         `json:"primaryFormat,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func (c Content) MarshalJSON() ([]byte, error) {
	toJSON := func(s *slot) *slotJSON {
		if s == nil {
			return nil
		}
		return &slotJSON{Text: s.text, LastUpdated: s.lastUpdated}
	}
	return json.Marshal(contentJSON{
		Markdown:      toJSON(c.markdown),
		HTML:          toJSON(c.html),
		Structured:    toJSON(c.structured),
		PrimaryFormat: c.primary,
		Metadata:      c.metadata,
	})
}

// UnmarshalJSON decodes persisted content. A primary format that names an
// absent slot falls back to the first present slot.
func (c *Content) UnmarshalJSON(data []byte) error {
	var raw contentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fromJSON := func(s *slotJSON) *slot {
		if s == nil {
			return nil
		}
		return &slot{text: s.Text, lastUpdated: s.LastUpdated}
	}
	decoded := Content{
		markdown:   fromJSON(raw.Markdown),
		html:       fromJSON(raw.HTML),
		structured: fromJSON(raw.Structured),
		metadata:   raw.Metadata,
	}
	if raw.PrimaryFormat.Storable() && decoded.Has(raw.PrimaryFormat) {
		decoded.primary = raw.PrimaryFormat
	} else if formats := decoded.Formats(); len(formats) > 0 {
		decoded.primary = formats[0]
	}
	*c = decoded
	return nil
}
