package store

import (
	"time"

	"coursecore/api/internal/codec"
)

const (
	ArchitectureLegacy   = "legacy"
	ArchitectureSections = "sections"
)

type Course struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`
	Title   string `json:"title"`
	Public  bool   `json:"public"`
	// Content is the flat legacy blob. Only legacy write paths touch it.
	Content      *string `json:"content,omitempty"`
	Architecture string  `json:"architecture"`
	// SectionIDs lists the root sections in order.
	SectionIDs []string   `json:"sectionIds"`
	ForkedFrom *string    `json:"forkedFrom,omitempty"`
	ForkedAt   *time.Time `json:"forkedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

type Section struct {
	ID         string        `json:"id"`
	CourseID   string        `json:"courseId"`
	ParentID   *string       `json:"parentId"`
	Order      int           `json:"order"`
	Level      int           `json:"level"`
	Title      string        `json:"title"`
	Content    codec.Content `json:"content"`
	HasContent bool          `json:"hasContent"`
	WordCount  int           `json:"wordCount"`
	ReadTime   int           `json:"readTime"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// SectionNode is a section with its loaded subtree.
type SectionNode struct {
	Section
	Children []SectionNode `json:"children,omitempty"`
}

// Placement is the structural position of a section.
type Placement struct {
	ID       string
	ParentID *string
	Order    int
	Level    int
}

type Version struct {
	ID                string        `json:"id"`
	SectionID         string        `json:"sectionId"`
	Seq               int64         `json:"seq"`
	Content           codec.Content `json:"content"`
	UserID            string        `json:"userId"`
	ChangeDescription string        `json:"changeDescription,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
}

// ApplyStats copies the metrics derived from the section content.
func (s *Section) ApplyStats() {
	stats := codec.ComputeStats(s.Content)
	s.HasContent = stats.HasContent
	s.WordCount = stats.WordCount
	s.ReadTime = stats.ReadTime
}

func SameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func StringPtr(s string) *string {
	return &s
}
