// Package search finds text across a course's sections. A Meilisearch index
// answers plain queries when it is reachable; everything else, and every
// index failure, is answered by scanning the stored sections.
package search

import "context"

// Sources reported in Response.Source.
const (
	SourceIndex = "index"
	SourceScan  = "scan"
)

// Hit is one matching section.
type Hit struct {
	SectionID string `json:"sectionId"`
	CourseID  string `json:"courseId"`
	Title     string `json:"title"`
	Format    string `json:"format"`
	Snippet   string `json:"snippet"`
	// Matches counts occurrences in the searched text. Index hits leave it 0.
	Matches int `json:"matches,omitempty"`
}

// Query describes a search request scoped to one course.
type Query struct {
	CourseID string
	Text     string
	// Format selects the slot to search; empty means each section's
	// primary format.
	Format string
	Regex  bool
	Limit  int
}

// Response is the envelope returned to callers.
type Response struct {
	Hits   []Hit  `json:"results"`
	Total  int    `json:"total"`
	Query  string `json:"query"`
	Source string `json:"source"`
}

// Searcher can execute a search over one course.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Hit, int, error)
	Healthy() bool
}

// SectionRecord is the data indexed for a section. Text is the plain text of
// the section's primary content.
type SectionRecord struct {
	ID       string `json:"id"`
	CourseID string `json:"courseId"`
	Title    string `json:"title"`
	Text     string `json:"text"`
	Format   string `json:"format"`
}

// Indexer can push sections into a search index.
type Indexer interface {
	IndexSection(rec SectionRecord) error
	IndexSections(recs []SectionRecord) error
	DeleteSection(id string) error
}
