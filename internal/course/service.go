// Package course manages course records: creation, access, deletion and
// forking a course together with its whole section tree.
package course

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"coursecore/api/internal/apperr"
	"coursecore/api/internal/hierarchy"
	"coursecore/api/internal/logger"
	"coursecore/api/internal/rbac"
	"coursecore/api/internal/search"
	"coursecore/api/internal/store"
	"coursecore/api/internal/util"
)

var tracer = otel.Tracer("coursecore/api/internal/course")

// Index is the part of the search index that follows course lifecycle.
type Index interface {
	IndexSection(rec search.SectionRecord)
	DeleteSections(ids []string)
}

// Invalidator drops cached renderings of a section.
type Invalidator interface {
	Invalidate(ctx context.Context, sectionID string) error
}

type Service struct {
	store store.Store
	tree  *hierarchy.Service
	index Index
	cache Invalidator
	log   *logger.Logger
	now   func() time.Time
}

// NewService builds the catalog. index and cache may be nil.
func NewService(st store.Store, tree *hierarchy.Service, index Index, cache Invalidator, log *logger.Logger) *Service {
	return &Service{
		store: st,
		tree:  tree,
		index: index,
		cache: cache,
		log:   logger.OrNop(log).With("service", "CourseCatalog"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

type View struct {
	ID           string              `json:"id"`
	OwnerID      string              `json:"ownerId"`
	Title        string              `json:"title"`
	Public       bool                `json:"public"`
	Architecture string              `json:"architecture"`
	SectionIDs   []string            `json:"sectionIds"`
	ForkedFrom   *string             `json:"forkedFrom,omitempty"`
	ForkedAt     *time.Time          `json:"forkedAt,omitempty"`
	Role         rbac.Role           `json:"role"`
	Tree         []store.SectionNode `json:"tree,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

func toView(c store.Course, userID string) View {
	ids := c.SectionIDs
	if ids == nil {
		ids = []string{}
	}
	return View{
		ID:           c.ID,
		OwnerID:      c.OwnerID,
		Title:        c.Title,
		Public:       c.Public,
		Architecture: c.Architecture,
		SectionIDs:   ids,
		ForkedFrom:   c.ForkedFrom,
		ForkedAt:     c.ForkedAt,
		Role:         rbac.RoleFor(c, userID),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

type CreateInput struct {
	Title  string
	Public bool
}

// Create stores an empty course that uses sections from the start.
func (s *Service) Create(ctx context.Context, in CreateInput, ownerID string) (View, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return View{}, apperr.Validation("title is required")
	}
	if strings.TrimSpace(ownerID) == "" {
		return View{}, apperr.Unauthorized("an owner is required to create a course")
	}
	now := s.now()
	c := store.Course{
		ID:           util.NewID("crs"),
		OwnerID:      ownerID,
		Title:        title,
		Public:       in.Public,
		Architecture: store.ArchitectureSections,
		SectionIDs:   []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.InsertCourse(ctx, c); err != nil {
		return View{}, err
	}
	s.log.Info("course created", "courseId", c.ID, "ownerId", ownerID)
	return toView(c, ownerID), nil
}

type GetOptions struct {
	IncludeTree    bool
	IncludeContent bool
}

// Get returns a course the user may read, optionally with its section tree.
func (s *Service) Get(ctx context.Context, id, userID string, opts GetOptions) (View, error) {
	c, err := s.Authorize(ctx, id, userID, rbac.ActionRead)
	if err != nil {
		return View{}, err
	}
	view := toView(c, userID)
	if opts.IncludeTree {
		if view.Tree, err = s.tree.GetCourseTree(ctx, id, opts.IncludeContent); err != nil {
			return View{}, err
		}
	}
	return view, nil
}

// Authorize loads a course and checks that userID may perform action on it.
func (s *Service) Authorize(ctx context.Context, id, userID string, action rbac.Action) (store.Course, error) {
	c, err := s.store.GetCourse(ctx, id)
	if err != nil {
		return store.Course{}, store.NotFoundAs(err, "course", id)
	}
	if err := rbac.Authorize(c, userID, action); err != nil {
		return store.Course{}, err
	}
	return c, nil
}

type UpdateInput struct {
	Title  *string
	Public *bool
}

// Update changes the course title and visibility.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput, userID string) (View, error) {
	var updated store.Course
	err := s.store.InTx(ctx, func(ctx context.Context, q store.Querier) error {
		c, err := q.LockCourse(ctx, id)
		if err != nil {
			return store.NotFoundAs(err, "course", id)
		}
		if err := rbac.Authorize(c, userID, rbac.ActionWrite); err != nil {
			return err
		}
		if in.Title != nil {
			title := strings.TrimSpace(*in.Title)
			if title == "" {
				return apperr.Validation("title must not be empty")
			}
			c.Title = title
		}
		if in.Public != nil {
			c.Public = *in.Public
		}
		c.UpdatedAt = s.now()
		updated = c
		return q.UpdateCourse(ctx, c)
	})
	if err != nil {
		return View{}, err
	}
	return toView(updated, userID), nil
}

// Delete removes a course with all of its sections and their versions.
func (s *Service) Delete(ctx context.Context, id, userID string) error {
	var removed []string
	err := s.store.InTx(ctx, func(ctx context.Context, q store.Querier) error {
		c, err := q.LockCourse(ctx, id)
		if err != nil {
			return store.NotFoundAs(err, "course", id)
		}
		if err := rbac.Authorize(c, userID, rbac.ActionAdmin); err != nil {
			return err
		}
		sections, err := q.ListSections(ctx, store.SectionFilter{CourseID: id})
		if err != nil {
			return err
		}
		for _, sec := range sections {
			removed = append(removed, sec.ID)
		}
		return q.DeleteCourse(ctx, id)
	})
	if err != nil {
		return err
	}

	if s.index != nil && len(removed) > 0 {
		s.index.DeleteSections(removed)
	}
	if s.cache != nil {
		for _, sid := range removed {
			if err := s.cache.Invalidate(ctx, sid); err != nil {
				s.log.Warn("conversion cache invalidation failed", "sectionId", sid, "error", err)
			}
		}
	}
	s.log.Info("course deleted", "courseId", id, "sections", len(removed), "userId", userID)
	return nil
}

type ForkInput struct {
	// Title defaults to the source title.
	Title  string
	Public bool
}

// Fork copies a course and its whole section tree into a new course, private
// unless asked, owned by userID. Section content is copied; version history
// is not.
func (s *Service) Fork(ctx context.Context, sourceID, userID string, in ForkInput) (View, error) {
	ctx, span := tracer.Start(ctx, "course.Fork", trace.WithAttributes(attribute.String("course.id", sourceID)))
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return View{}, apperr.Unauthorized("sign in to fork a course")
	}

	var (
		forked   store.Course
		sections []store.Section
	)
	err := s.store.InTx(ctx, func(ctx context.Context, q store.Querier) error {
		source, err := q.GetCourse(ctx, sourceID)
		if err != nil {
			return store.NotFoundAs(err, "course", sourceID)
		}
		if err := rbac.Authorize(source, userID, rbac.ActionFork); err != nil {
			return err
		}
		tree, err := q.ListSections(ctx, store.SectionFilter{CourseID: sourceID})
		if err != nil {
			return err
		}

		now := s.now()
		title := strings.TrimSpace(in.Title)
		if title == "" {
			title = source.Title
		}
		forked = store.Course{
			ID:           util.NewID("crs"),
			OwnerID:      userID,
			Title:        title,
			Public:       in.Public,
			Architecture: source.Architecture,
			SectionIDs:   []string{},
			ForkedFrom:   &source.ID,
			ForkedAt:     &now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if source.Content != nil {
			content := *source.Content
			forked.Content = &content
		}
		if err := q.InsertCourse(ctx, forked); err != nil {
			return err
		}
		if len(tree) == 0 {
			return nil
		}

		if sections, err = s.tree.CreateSectionsTx(ctx, q, forked.ID, copyPlan(tree)); err != nil {
			return err
		}
		forked, err = q.GetCourse(ctx, forked.ID)
		return err
	})
	if err != nil {
		return View{}, err
	}

	if s.index != nil {
		for _, sec := range sections {
			s.index.IndexSection(search.RecordFor(sec))
		}
	}
	s.log.Info("course forked", "sourceId", sourceID, "courseId", forked.ID, "sections", len(sections), "userId", userID)
	return toView(forked, userID), nil
}

// copyPlan lists the inputs that rebuild sections under fresh ids, parents
// before children and siblings in order.
func copyPlan(sections []store.Section) []hierarchy.CreateInput {
	kids := map[string][]store.Section{}
	for _, sec := range sections {
		key := ""
		if sec.ParentID != nil {
			key = *sec.ParentID
		}
		kids[key] = append(kids[key], sec)
	}

	ids := make(map[string]string, len(sections))
	plan := make([]hierarchy.CreateInput, 0, len(sections))
	var walk func(parent string)
	walk = func(parent string) {
		for _, sec := range kids[parent] {
			ids[sec.ID] = util.NewID("sec")
			in := hierarchy.CreateInput{ID: ids[sec.ID], Title: sec.Title, Content: sec.Content}
			if sec.ParentID != nil {
				in.ParentID = store.StringPtr(ids[*sec.ParentID])
			}
			plan = append(plan, in)
			walk(sec.ID)
		}
	}
	walk("")
	return plan
}
