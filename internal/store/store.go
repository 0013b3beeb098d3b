package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"coursecore/api/internal/apperr"
)

var ErrNotFound = errors.New("not found")

// NotFoundAs converts ErrNotFound into an apperr NotFound naming the missing
// record. Other errors pass through unchanged.
func NotFoundAs(err error, what, id string) error {
	if errors.Is(err, ErrNotFound) {
		return apperr.NotFound("%s %s not found", what, id).WithDetails(map[string]any{what + "Id": id})
	}
	return err
}

// Querier is the set of record operations available both on a store and
// inside one of its transactions.
type Querier interface {
	GetCourse(ctx context.Context, id string) (Course, error)
	// LockCourse reads a course and holds it until the enclosing transaction
	// ends, serializing structural changes to its section tree.
	LockCourse(ctx context.Context, id string) (Course, error)
	InsertCourse(ctx context.Context, course Course) error
	UpdateCourse(ctx context.Context, course Course) error
	DeleteCourse(ctx context.Context, id string) error

	GetSection(ctx context.Context, id string) (Section, error)
	LockSection(ctx context.Context, id string) (Section, error)
	ListSections(ctx context.Context, filter SectionFilter) ([]Section, error)
	InsertSection(ctx context.Context, section Section) error
	UpdateSection(ctx context.Context, section Section) error
	UpdatePlacements(ctx context.Context, placements []Placement) error
	DeleteSections(ctx context.Context, ids []string) error

	// InsertVersion assigns the next sequence number for the section.
	InsertVersion(ctx context.Context, version Version) (Version, error)
	// ListVersions returns a section's versions oldest first.
	ListVersions(ctx context.Context, sectionID string) ([]Version, error)
	// DeleteVersionsBefore removes versions with seq < beforeSeq.
	DeleteVersionsBefore(ctx context.Context, sectionID string, beforeSeq int64) (int, error)
}

type Store interface {
	Querier
	// InTx runs fn in one transaction; an error from fn rolls it back. The
	// context handed to fn is detached from ctx's cancellation so a caller
	// that goes away cannot abort a half-applied change.
	InTx(ctx context.Context, fn func(ctx context.Context, q Querier) error) error
	Ping(ctx context.Context) error
}

// SectionFilter selects sections. Empty fields do not constrain the result.
// Results are ordered by parent then order.
type SectionFilter struct {
	CourseID  string
	ParentID  *string
	RootsOnly bool
	IDs       []string
}

func (f SectionFilter) Match(s Section) bool {
	if f.CourseID != "" && s.CourseID != f.CourseID {
		return false
	}
	if f.RootsOnly && s.ParentID != nil {
		return false
	}
	if f.ParentID != nil && !SameParent(f.ParentID, s.ParentID) {
		return false
	}
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if id == s.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// where renders the filter as a SQL predicate with positional arguments.
func (f SectionFilter) where() (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.CourseID != "" {
		add("course_id = $%d", f.CourseID)
	}
	if f.RootsOnly {
		clauses = append(clauses, "parent_id IS NULL")
	}
	if f.ParentID != nil {
		add("parent_id = $%d", *f.ParentID)
	}
	if len(f.IDs) > 0 {
		add("id = ANY($%d)", f.IDs)
	}
	if len(clauses) == 0 {
		return "TRUE", nil
	}
	return strings.Join(clauses, " AND "), args
}

// Siblings returns the filter for the sibling group under parentID.
func Siblings(courseID string, parentID *string) SectionFilter {
	if parentID == nil {
		return SectionFilter{CourseID: courseID, RootsOnly: true}
	}
	return SectionFilter{CourseID: courseID, ParentID: parentID}
}
