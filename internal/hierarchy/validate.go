package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"coursecore/api/internal/store"
)

// Issue codes reported by ValidateHierarchy.
const (
	IssueOrderGap         = "order_gap"
	IssueDuplicateOrder   = "duplicate_order"
	IssueLevelMismatch    = "level_mismatch"
	IssueOrphanedParent   = "orphaned_parent"
	IssueCrossCourse      = "cross_course_parent"
	IssueCycle            = "cycle"
	IssueDepthExceeded    = "depth_exceeded"
	IssueStaleSectionList = "stale_section_ids"
)

type Issue struct {
	Code      string `json:"code"`
	SectionID string `json:"sectionId,omitempty"`
	Message   string `json:"message"`
}

type Report struct {
	CourseID     string  `json:"courseId"`
	SectionCount int     `json:"sectionCount"`
	Valid        bool    `json:"valid"`
	Issues       []Issue `json:"issues"`
}

// ValidateHierarchy inspects a course's stored sections without changing
// them and reports every structural problem found.
func (s *Service) ValidateHierarchy(ctx context.Context, courseID string) (Report, error) {
	course, err := s.store.GetCourse(ctx, courseID)
	if err != nil {
		return Report{}, store.NotFoundAs(err, "course", courseID)
	}
	sections, err := s.store.ListSections(ctx, store.SectionFilter{CourseID: courseID})
	if err != nil {
		return Report{}, err
	}

	report := Report{CourseID: courseID, SectionCount: len(sections), Issues: []Issue{}}
	add := func(code, sectionID, format string, args ...any) {
		report.Issues = append(report.Issues, Issue{Code: code, SectionID: sectionID, Message: fmt.Sprintf(format, args...)})
	}

	byID := make(map[string]store.Section, len(sections))
	groups := map[string][]store.Section{}
	for _, sec := range sections {
		byID[sec.ID] = sec
		key := parentKey(sec.ParentID)
		groups[key] = append(groups[key], sec)
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		checkOrders(groups[key], key, add)
	}

	for _, sec := range sections {
		if sec.ParentID == nil {
			if sec.Level != 0 {
				add(IssueLevelMismatch, sec.ID, "root section has level %d, want 0", sec.Level)
			}
			continue
		}
		parent, ok := byID[*sec.ParentID]
		if !ok {
			other, err := s.store.GetSection(ctx, *sec.ParentID)
			switch {
			case err == nil:
				add(IssueCrossCourse, sec.ID, "parent %s belongs to course %s", other.ID, other.CourseID)
			case errors.Is(err, store.ErrNotFound):
				add(IssueOrphanedParent, sec.ID, "parent %s does not exist", *sec.ParentID)
			default:
				return Report{}, err
			}
			continue
		}
		if sec.Level != parent.Level+1 {
			add(IssueLevelMismatch, sec.ID, "level %d, parent %s has level %d", sec.Level, parent.ID, parent.Level)
		}
	}

	for _, sec := range sections {
		depth, cyclic := chainDepth(sec.ID, byID)
		if cyclic {
			add(IssueCycle, sec.ID, "parent chain of %s loops", sec.ID)
			continue
		}
		if depth > s.maxDepth {
			add(IssueDepthExceeded, sec.ID, "depth %d exceeds limit %d", depth, s.maxDepth)
		}
	}

	roots := groups[""]
	rootIDs := make([]string, 0, len(roots))
	for _, r := range roots {
		rootIDs = append(rootIDs, r.ID)
	}
	if !slices.Equal(rootIDs, course.SectionIDs) {
		add(IssueStaleSectionList, "", "course lists %v, root sections are %v", course.SectionIDs, rootIDs)
	}

	report.Valid = len(report.Issues) == 0
	return report, nil
}

// checkOrders reports gaps and duplicates in one sibling group, which must
// hold exactly the orders 0..n-1. group arrives sorted by order.
func checkOrders(group []store.Section, parent string, add func(code, sectionID, format string, args ...any)) {
	where := "root"
	if parent != "" {
		where = "children of " + parent
	}
	seen := map[int]string{}
	for _, sec := range group {
		if prev, dup := seen[sec.Order]; dup {
			add(IssueDuplicateOrder, sec.ID, "%s: order %d shared with %s", where, sec.Order, prev)
			continue
		}
		seen[sec.Order] = sec.ID
	}
	for i := 0; i < len(group); i++ {
		if _, ok := seen[i]; !ok {
			add(IssueOrderGap, "", "%s: order %d is missing", where, i)
		}
	}
}

// chainDepth follows parent links from id. It returns the number of levels
// including id, and whether the chain revisits a section.
func chainDepth(id string, byID map[string]store.Section) (int, bool) {
	seen := map[string]bool{}
	depth := 0
	for cur, ok := byID[id]; ok; cur, ok = byID[parentKey(cur.ParentID)] {
		if seen[cur.ID] {
			return depth, true
		}
		seen[cur.ID] = true
		depth++
		if cur.ParentID == nil {
			break
		}
	}
	return depth, false
}
