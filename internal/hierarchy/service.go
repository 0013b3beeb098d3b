package hierarchy

import (
	"context"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"coursecore/api/internal/apperr"
	"coursecore/api/internal/codec"
	"coursecore/api/internal/logger"
	"coursecore/api/internal/store"
	"coursecore/api/internal/util"
)

// DefaultMaxDepth is the number of nesting levels allowed when the service
// is built without an explicit limit. Roots count as the first level.
const DefaultMaxDepth = 6

var tracer = otel.Tracer("coursecore/api/internal/hierarchy")

// Service owns the section trees of all courses and keeps their structure
// valid: contiguous sibling orders, levels matching depth, no cycles and a
// bounded depth.
type Service struct {
	store    store.Store
	maxDepth int
	log      *logger.Logger
	now      func() time.Time
}

func NewService(st store.Store, maxDepth int, log *logger.Logger) *Service {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Service{
		store:    st,
		maxDepth: maxDepth,
		log:      logger.OrNop(log).With("service", "HierarchyStore"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) MaxDepth() int {
	return s.maxDepth
}

// change is one structural edit of a course in progress inside a
// transaction. Operations mutate the tree and record inserts, content
// updates and deletes; flush writes them in an order the foreign keys
// accept.
type change struct {
	q        store.Querier
	course   store.Course
	t        *tree
	inserted []string
	updated  []string
	deleted  []string
	now      time.Time
}

func (s *Service) begin(ctx context.Context, q store.Querier, courseID string) (*change, error) {
	course, err := q.LockCourse(ctx, courseID)
	if err != nil {
		return nil, store.NotFoundAs(err, "course", courseID)
	}
	sections, err := q.ListSections(ctx, store.SectionFilter{CourseID: courseID})
	if err != nil {
		return nil, err
	}
	return &change{q: q, course: course, t: newTree(sections), now: s.now()}, nil
}

// section returns the working copy of id, or NotFound.
func (c *change) section(id string) (*store.Section, error) {
	node, ok := c.t.nodes[id]
	if !ok {
		return nil, apperr.NotFound("section %s not found", id).WithDetails(map[string]any{"sectionId": id})
	}
	return node, nil
}

func (c *change) insert(section store.Section, parentID *string, order int) {
	c.t.add(section)
	c.t.attach(section.ID, parentID, order)
	c.inserted = append(c.inserted, section.ID)
}

func (c *change) touch(id string) {
	if !slices.Contains(c.updated, id) {
		c.updated = append(c.updated, id)
	}
}

func (c *change) drop(id string) {
	c.t.remove(id)
	c.deleted = append(c.deleted, id)
}

func (c *change) flush(ctx context.Context) error {
	layout := c.t.layout()
	for id, p := range layout {
		node := c.t.nodes[id]
		node.ParentID, node.Order, node.Level = p.ParentID, p.Order, p.Level
	}

	for _, id := range c.inserted {
		node, ok := c.t.nodes[id]
		if !ok {
			continue
		}
		if err := c.q.InsertSection(ctx, *node); err != nil {
			return err
		}
	}

	moved := c.t.changes(layout)
	for _, p := range moved {
		c.t.nodes[p.ID].UpdatedAt = c.now
	}
	if err := c.q.UpdatePlacements(ctx, moved); err != nil {
		return err
	}

	for _, id := range c.updated {
		node, ok := c.t.nodes[id]
		if !ok || slices.Contains(c.inserted, id) {
			continue
		}
		node.UpdatedAt = c.now
		if err := c.q.UpdateSection(ctx, *node); err != nil {
			return err
		}
	}

	if len(c.deleted) > 0 {
		if err := c.q.DeleteSections(ctx, c.deleted); err != nil {
			return err
		}
	}

	if roots := c.t.roots(); !slices.Equal(roots, c.course.SectionIDs) {
		c.course.SectionIDs = roots
		c.course.UpdatedAt = c.now
		if err := c.q.UpdateCourse(ctx, c.course); err != nil {
			return err
		}
	}
	return nil
}

// mutate runs fn against the tree of the course owning sectionID and
// flushes the result in the same transaction.
func (s *Service) mutate(ctx context.Context, sectionID string, fn func(ctx context.Context, c *change) error) error {
	return s.store.InTx(ctx, func(ctx context.Context, q store.Querier) error {
		sec, err := q.GetSection(ctx, sectionID)
		if err != nil {
			return store.NotFoundAs(err, "section", sectionID)
		}
		c, err := s.begin(ctx, q, sec.CourseID)
		if err != nil {
			return err
		}
		if err := fn(ctx, c); err != nil {
			return err
		}
		return c.flush(ctx)
	})
}

func (s *Service) mutateCourse(ctx context.Context, courseID string, fn func(ctx context.Context, c *change) error) error {
	return s.store.InTx(ctx, func(ctx context.Context, q store.Querier) error {
		c, err := s.begin(ctx, q, courseID)
		if err != nil {
			return err
		}
		if err := fn(ctx, c); err != nil {
			return err
		}
		return c.flush(ctx)
	})
}

// checkDepth fails when a subtree of the given height placed at level would
// exceed the depth limit.
func (s *Service) checkDepth(level, height int) error {
	if depth := level + height + 1; depth > s.maxDepth {
		return apperr.DepthExceeded(depth, s.maxDepth)
	}
	return nil
}

func normalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", apperr.Validation("title is required")
	}
	return title, nil
}

type CreateInput struct {
	// ID is generated when empty. Bulk builders set it so later inputs can
	// name earlier ones as parents.
	ID       string
	CourseID string
	ParentID *string
	// Order is the index among the new siblings. Nil appends; out of range
	// values are clamped.
	Order   *int
	Title   string
	Content codec.Content
}

// CreateSection adds a section under a course root or an existing section.
func (s *Service) CreateSection(ctx context.Context, in CreateInput) (store.Section, error) {
	var (
		done *change
		id   string
	)
	err := s.mutateCourse(ctx, in.CourseID, func(ctx context.Context, c *change) error {
		var err error
		id, err = s.create(c, in)
		done = c
		return err
	})
	if err != nil {
		return store.Section{}, err
	}
	created := *done.t.nodes[id]
	s.log.Debug("section created", "sectionId", created.ID, "courseId", created.CourseID, "order", created.Order)
	return created, nil
}

// CreateSectionsTx creates sections in order inside an open transaction,
// typically under the course root. Used by migrations and forks that build
// many sections at once.
func (s *Service) CreateSectionsTx(ctx context.Context, q store.Querier, courseID string, inputs []CreateInput) ([]store.Section, error) {
	c, err := s.begin(ctx, q, courseID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(inputs))
	for _, in := range inputs {
		in.CourseID = courseID
		id, err := s.create(c, in)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := c.flush(ctx); err != nil {
		return nil, err
	}
	out := make([]store.Section, 0, len(ids))
	for _, id := range ids {
		out = append(out, *c.t.nodes[id])
	}
	return out, nil
}

func (s *Service) create(c *change, in CreateInput) (string, error) {
	title, err := normalizeTitle(in.Title)
	if err != nil {
		return "", err
	}
	level := 0
	if in.ParentID != nil {
		parent, ok := c.t.nodes[*in.ParentID]
		if !ok {
			return "", apperr.NotFound("parent section %s not found in course %s", *in.ParentID, c.course.ID).
				WithDetails(map[string]any{"parentId": *in.ParentID, "courseId": c.course.ID})
		}
		level = c.t.depth(parent.ID) + 1
	}
	if err := s.checkDepth(level, 0); err != nil {
		return "", err
	}

	order := -1
	if in.Order != nil {
		order = max(*in.Order, 0)
	}
	id := in.ID
	if id == "" {
		id = util.NewID("sec")
	} else if c.t.has(id) {
		return "", apperr.Conflict("section %s already exists", id)
	}
	section := store.Section{
		ID:        id,
		CourseID:  c.course.ID,
		Title:     title,
		Content:   in.Content.Clone(),
		CreatedAt: c.now,
		UpdatedAt: c.now,
	}
	section.ApplyStats()
	c.insert(section, in.ParentID, order)
	return section.ID, nil
}

type GetOptions struct {
	IncludeChildren bool
	IncludeContent  bool
}

// GetSection returns a section, optionally with its direct children. Content
// is stripped unless requested; derived fields are always present.
func (s *Service) GetSection(ctx context.Context, id string, opts GetOptions) (store.SectionNode, error) {
	section, err := s.store.GetSection(ctx, id)
	if err != nil {
		return store.SectionNode{}, store.NotFoundAs(err, "section", id)
	}
	node := store.SectionNode{Section: section}
	if !opts.IncludeContent {
		node.Content = codec.Content{}
	}
	if opts.IncludeChildren {
		children, err := s.store.ListSections(ctx, store.Siblings(section.CourseID, store.StringPtr(id)))
		if err != nil {
			return store.SectionNode{}, err
		}
		node.Children = make([]store.SectionNode, 0, len(children))
		for _, child := range children {
			if !opts.IncludeContent {
				child.Content = codec.Content{}
			}
			node.Children = append(node.Children, store.SectionNode{Section: child})
		}
	}
	return node, nil
}

type UpdateInput struct {
	Title *string
}

// UpdateSection changes section attributes other than content and
// placement.
func (s *Service) UpdateSection(ctx context.Context, id string, in UpdateInput) (store.Section, error) {
	var updated store.Section
	err := s.store.InTx(ctx, func(ctx context.Context, q store.Querier) error {
		section, err := q.LockSection(ctx, id)
		if err != nil {
			return store.NotFoundAs(err, "section", id)
		}
		if in.Title != nil {
			title, err := normalizeTitle(*in.Title)
			if err != nil {
				return err
			}
			section.Title = title
		}
		section.UpdatedAt = s.now()
		if err := q.UpdateSection(ctx, section); err != nil {
			return err
		}
		updated = section
		return nil
	})
	if err != nil {
		return store.Section{}, err
	}
	return updated, nil
}

// DeleteSection removes a section with all its descendants and closes the
// gap among its siblings. It returns the ids removed.
func (s *Service) DeleteSection(ctx context.Context, id string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "hierarchy.DeleteSection")
	defer span.End()

	var removed []string
	err := s.mutate(ctx, id, func(ctx context.Context, c *change) error {
		var err error
		removed, err = s.deleteIn(c, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("section deleted", "sectionId", id, "removed", len(removed))
	return removed, nil
}

func (s *Service) deleteIn(c *change, id string) ([]string, error) {
	if _, err := c.section(id); err != nil {
		return nil, err
	}
	removed := c.t.subtree(id)
	c.drop(id)
	return removed, nil
}

type DescendantsOptions struct {
	// MaxDepth limits how many levels below the section are returned;
	// 0 returns all of them.
	MaxDepth int
}

// GetDescendants lists the descendants of a section in pre-order.
func (s *Service) GetDescendants(ctx context.Context, id string, opts DescendantsOptions) ([]store.Section, error) {
	if opts.MaxDepth < 0 {
		return nil, apperr.Validation("maxDepth must not be negative")
	}
	section, err := s.store.GetSection(ctx, id)
	if err != nil {
		return nil, store.NotFoundAs(err, "section", id)
	}
	sections, err := s.store.ListSections(ctx, store.SectionFilter{CourseID: section.CourseID})
	if err != nil {
		return nil, err
	}
	t := newTree(sections)

	out := []store.Section{}
	var walk func(parent string, depth int)
	walk = func(parent string, depth int) {
		if opts.MaxDepth > 0 && depth > opts.MaxDepth {
			return
		}
		for _, child := range t.kids[parent] {
			out = append(out, *t.nodes[child])
			walk(child, depth+1)
		}
	}
	walk(id, 1)
	return out, nil
}

// GetCourseTree loads the full section tree of a course, roots first.
func (s *Service) GetCourseTree(ctx context.Context, courseID string, includeContent bool) ([]store.SectionNode, error) {
	if _, err := s.store.GetCourse(ctx, courseID); err != nil {
		return nil, store.NotFoundAs(err, "course", courseID)
	}
	sections, err := s.store.ListSections(ctx, store.SectionFilter{CourseID: courseID})
	if err != nil {
		return nil, err
	}
	t := newTree(sections)

	seen := map[string]bool{}
	var build func(parent string) []store.SectionNode
	build = func(parent string) []store.SectionNode {
		nodes := make([]store.SectionNode, 0, len(t.kids[parent]))
		for _, id := range t.kids[parent] {
			if seen[id] {
				continue
			}
			seen[id] = true
			node := store.SectionNode{Section: *t.nodes[id]}
			if !includeContent {
				node.Content = codec.Content{}
			}
			node.Children = build(id)
			nodes = append(nodes, node)
		}
		return nodes
	}
	return build(""), nil
}
