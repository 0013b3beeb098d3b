package export

import (
	"encoding/json"
	"strings"
	"time"

	"coursecore/api/internal/apperr"
	"coursecore/api/internal/codec"
	"coursecore/api/internal/hierarchy"
	"coursecore/api/internal/store"
	"coursecore/api/internal/util"
)

const (
	BundleKind    = "coursecore.bundle"
	BundleVersion = 1
	bundleMime    = "application/json"
)

// Bundle is a self-contained copy of a course and its section tree.
type Bundle struct {
	Kind       string          `json:"kind"`
	Version    int             `json:"version"`
	ExportedAt time.Time       `json:"exportedAt"`
	Course     BundleCourse    `json:"course"`
	Sections   []BundleSection `json:"sections"`
}

type BundleCourse struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Public       bool    `json:"public"`
	Architecture string  `json:"architecture"`
	Content      *string `json:"content,omitempty"`
}

type BundleSection struct {
	Title    string          `json:"title"`
	Content  codec.Content   `json:"content"`
	Children []BundleSection `json:"children,omitempty"`
}

// NewBundle captures a course and its tree, which must include content.
func NewBundle(course store.Course, tree []store.SectionNode, now time.Time) Bundle {
	return Bundle{
		Kind:       BundleKind,
		Version:    BundleVersion,
		ExportedAt: now,
		Course: BundleCourse{
			ID:           course.ID,
			Title:        course.Title,
			Public:       course.Public,
			Architecture: course.Architecture,
			Content:      course.Content,
		},
		Sections: bundleSections(tree),
	}
}

func bundleSections(nodes []store.SectionNode) []BundleSection {
	out := make([]BundleSection, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, BundleSection{
			Title:    n.Title,
			Content:  n.Content,
			Children: bundleSections(n.Children),
		})
	}
	return out
}

func EncodeBundle(b Bundle) ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}

// DecodeBundle parses and checks a bundle. Structural problems are
// ValidationErrors.
func DecodeBundle(data []byte) (Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return Bundle{}, apperr.Validation("bundle is not valid JSON: %v", err)
	}
	if b.Kind != BundleKind {
		return Bundle{}, apperr.Validation("not a course bundle (kind %q)", b.Kind)
	}
	if b.Version != BundleVersion {
		return Bundle{}, apperr.Validation("unsupported bundle version %d", b.Version)
	}
	if strings.TrimSpace(b.Course.Title) == "" {
		return Bundle{}, apperr.Validation("bundle course has no title")
	}
	return b, nil
}

// Count returns the number of sections in the bundle.
func (b Bundle) Count() int {
	var count func([]BundleSection) int
	count = func(sections []BundleSection) int {
		n := len(sections)
		for _, s := range sections {
			n += count(s.Children)
		}
		return n
	}
	return count(b.Sections)
}

// createInputs flattens the bundle tree into hierarchy inputs with fresh
// ids, parents first. Every section's slots are rebuilt from its primary
// text so a hand-edited bundle cannot carry slots that disagree.
func (b Bundle) createInputs() ([]hierarchy.CreateInput, error) {
	var inputs []hierarchy.CreateInput
	var walk func(sections []BundleSection, parentID *string) error
	walk = func(sections []BundleSection, parentID *string) error {
		for _, s := range sections {
			content, err := rebuild(s.Content)
			if err != nil {
				return err
			}
			in := hierarchy.CreateInput{ID: util.NewID("sec"), ParentID: parentID, Title: s.Title, Content: content}
			inputs = append(inputs, in)
			if err := walk(s.Children, store.StringPtr(in.ID)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(b.Sections, nil); err != nil {
		return nil, err
	}
	return inputs, nil
}

func rebuild(c codec.Content) (codec.Content, error) {
	if c.IsEmpty() {
		return codec.Content{}, nil
	}
	out, err := codec.ToMultiFormat(c.PrimaryText(), c.PrimaryFormat())
	if err != nil {
		return codec.Content{}, err
	}
	if md := c.Metadata(); len(md) > 0 {
		out = out.WithMetadata(md)
	}
	return out, nil
}
