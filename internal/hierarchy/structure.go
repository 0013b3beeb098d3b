package hierarchy

import (
	"context"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"coursecore/api/internal/apperr"
	"coursecore/api/internal/store"
	"coursecore/api/internal/util"
)

// MoveSection re-parents and/or reorders a section. The ancestor chain of
// the new parent is read inside the transaction, with the course locked, so
// a concurrent move cannot slip a cycle past the check.
func (s *Service) MoveSection(ctx context.Context, id string, newParentID *string, newOrder *int) (store.Section, error) {
	ctx, span := tracer.Start(ctx, "hierarchy.MoveSection", trace.WithAttributes(attribute.String("section.id", id)))
	defer span.End()

	var done *change
	err := s.mutate(ctx, id, func(ctx context.Context, c *change) error {
		done = c
		return s.moveIn(c, id, newParentID, newOrder)
	})
	if err != nil {
		return store.Section{}, err
	}
	return *done.t.nodes[id], nil
}

func (s *Service) moveIn(c *change, id string, newParentID *string, newOrder *int) error {
	if _, err := c.section(id); err != nil {
		return err
	}
	level := 0
	if newParentID != nil {
		if *newParentID == id || c.t.isAncestor(id, *newParentID) {
			return apperr.Conflict("moving section %s under %s would create a cycle", id, *newParentID).
				WithDetails(map[string]any{"sectionId": id, "parentId": *newParentID})
		}
		if _, ok := c.t.nodes[*newParentID]; !ok {
			return apperr.NotFound("parent section %s not found in course %s", *newParentID, c.course.ID).
				WithDetails(map[string]any{"parentId": *newParentID, "courseId": c.course.ID})
		}
		level = c.t.depth(*newParentID) + 1
	}
	if err := s.checkDepth(level, c.t.height(id)); err != nil {
		return err
	}

	order := -1
	if newOrder != nil {
		order = max(*newOrder, 0)
	}
	c.t.detach(id)
	c.t.attach(id, newParentID, order)
	return nil
}

// ReorderSections sets the order of one sibling group. orderedIDs must name
// exactly the current members of the group.
func (s *Service) ReorderSections(ctx context.Context, courseID string, parentID *string, orderedIDs []string) ([]store.Section, error) {
	ctx, span := tracer.Start(ctx, "hierarchy.ReorderSections", trace.WithAttributes(attribute.String("course.id", courseID)))
	defer span.End()

	var done *change
	err := s.mutateCourse(ctx, courseID, func(ctx context.Context, c *change) error {
		done = c
		if parentID != nil {
			if _, err := c.section(*parentID); err != nil {
				return err
			}
		}
		current := c.t.siblings(parentID)
		if !samePermutation(current, orderedIDs) {
			return apperr.Validation("orderedIds must list each of the %d sibling sections exactly once", len(current)).
				WithDetails(map[string]any{"expected": current, "got": orderedIDs})
		}
		c.t.kids[parentKey(parentID)] = slices.Clone(orderedIDs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]store.Section, 0, len(orderedIDs))
	for _, id := range orderedIDs {
		out = append(out, *done.t.nodes[id])
	}
	return out, nil
}

func samePermutation(current, proposed []string) bool {
	if len(current) != len(proposed) {
		return false
	}
	want := make(map[string]bool, len(current))
	for _, id := range current {
		want[id] = true
	}
	for _, id := range proposed {
		if !want[id] {
			return false
		}
		delete(want, id)
	}
	return len(want) == 0
}

type DuplicateOptions struct {
	IncludeChildren bool
	// NewParentID places the copy at the end of that section's children.
	// When nil the copy goes directly after the original.
	NewParentID *string
}

// DuplicateSection copies a section, optionally with its subtree. The copy
// of the section itself is titled "<title> (Copy)"; version history is not
// copied.
func (s *Service) DuplicateSection(ctx context.Context, id string, opts DuplicateOptions) (store.Section, error) {
	ctx, span := tracer.Start(ctx, "hierarchy.DuplicateSection", trace.WithAttributes(attribute.String("section.id", id)))
	defer span.End()

	var (
		done   *change
		copyID string
	)
	err := s.mutate(ctx, id, func(ctx context.Context, c *change) error {
		var err error
		copyID, err = s.duplicateIn(c, id, opts)
		done = c
		return err
	})
	if err != nil {
		return store.Section{}, err
	}
	return *done.t.nodes[copyID], nil
}

func (s *Service) duplicateIn(c *change, id string, opts DuplicateOptions) (string, error) {
	original, err := c.section(id)
	if err != nil {
		return "", err
	}

	parentID := original.ParentID
	order := c.t.position(id) + 1
	if opts.NewParentID != nil {
		if _, err := c.section(*opts.NewParentID); err != nil {
			return "", err
		}
		if opts.IncludeChildren && (*opts.NewParentID == id || c.t.isAncestor(id, *opts.NewParentID)) {
			return "", apperr.Conflict("cannot copy section %s with its children into its own subtree", id)
		}
		parentID = opts.NewParentID
		order = -1
	}

	level := 0
	if parentID != nil {
		level = c.t.depth(*parentID) + 1
	}
	height := 0
	if opts.IncludeChildren {
		height = c.t.height(id)
	}
	if err := s.checkDepth(level, height); err != nil {
		return "", err
	}

	var copyNode func(srcID string, parent *string, order int, title string) string
	copyNode = func(srcID string, parent *string, order int, title string) string {
		src := c.t.nodes[srcID]
		dup := store.Section{
			ID:        util.NewID("sec"),
			CourseID:  src.CourseID,
			Title:     title,
			Content:   src.Content.Clone(),
			CreatedAt: c.now,
			UpdatedAt: c.now,
		}
		dup.ApplyStats()
		children := c.t.children(srcID)
		c.insert(dup, parent, order)
		if opts.IncludeChildren {
			for _, child := range children {
				copyNode(child, store.StringPtr(dup.ID), -1, c.t.nodes[child].Title)
			}
		}
		return dup.ID
	}
	return copyNode(id, parentID, order, original.Title+" (Copy)"), nil
}

// Bulk operation names.
const (
	BulkDelete    = "delete"
	BulkMove      = "move"
	BulkDuplicate = "duplicate"
)

type BulkOptions struct {
	NewParentID     *string
	Order           *int
	IncludeChildren bool
}

type BulkResult struct {
	Operation string   `json:"operation"`
	Affected  []string `json:"affected"`
	// Created lists the ids of copies made by a duplicate operation.
	Created []string `json:"created,omitempty"`
}

// BulkOperation applies one operation to several sections of a course. It
// is all-or-nothing: any failure leaves the course untouched. Moves with an
// explicit order place the sections consecutively starting at that index.
func (s *Service) BulkOperation(ctx context.Context, op string, ids []string, opts BulkOptions) (BulkResult, error) {
	ctx, span := tracer.Start(ctx, "hierarchy.BulkOperation", trace.WithAttributes(
		attribute.String("bulk.op", op),
		attribute.Int("bulk.count", len(ids)),
	))
	defer span.End()

	switch op {
	case BulkDelete, BulkMove, BulkDuplicate:
	default:
		return BulkResult{}, apperr.Validation("unknown bulk operation %q", op)
	}
	if len(ids) == 0 {
		return BulkResult{}, apperr.Validation("at least one section id is required")
	}
	if dup := firstDuplicate(ids); dup != "" {
		return BulkResult{}, apperr.Validation("section %s is listed more than once", dup)
	}

	result := BulkResult{Operation: op, Affected: slices.Clone(ids)}
	err := s.mutate(ctx, ids[0], func(ctx context.Context, c *change) error {
		for _, id := range ids {
			if _, err := c.section(id); err != nil {
				return err
			}
		}
		for i, id := range ids {
			switch op {
			case BulkDelete:
				// An earlier delete may already have removed id as a descendant.
				if !c.t.has(id) {
					continue
				}
				if _, err := s.deleteIn(c, id); err != nil {
					return err
				}
			case BulkMove:
				order := opts.Order
				if order != nil {
					next := *order + i
					order = &next
				}
				if err := s.moveIn(c, id, opts.NewParentID, order); err != nil {
					return err
				}
			case BulkDuplicate:
				copyID, err := s.duplicateIn(c, id, DuplicateOptions{IncludeChildren: opts.IncludeChildren, NewParentID: opts.NewParentID})
				if err != nil {
					return err
				}
				result.Created = append(result.Created, copyID)
			}
		}
		return nil
	})
	if err != nil {
		return BulkResult{}, err
	}
	s.log.Info("bulk operation applied", "op", op, "count", len(ids), "created", len(result.Created))
	return result, nil
}

func firstDuplicate(ids []string) string {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return id
		}
		seen[id] = true
	}
	return ""
}
