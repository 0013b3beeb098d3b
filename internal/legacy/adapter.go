// Package legacy bridges the old one-blob-per-course model and the section
// tree. Legacy writes touch only the course's flat content; the tree is
// built from it only by an explicit conversion.
package legacy

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"coursecore/api/internal/apperr"
	"coursecore/api/internal/archive"
	"coursecore/api/internal/codec"
	"coursecore/api/internal/hierarchy"
	"coursecore/api/internal/logger"
	"coursecore/api/internal/rbac"
	"coursecore/api/internal/search"
	"coursecore/api/internal/store"
	"coursecore/api/internal/util"
)

// PreMigrationTag names the archive commit holding the blob a course was
// converted from.
const PreMigrationTag = "pre-migration"

var tracer = otel.Tracer("coursecore/api/internal/legacy")

// Archiver stores legacy blobs before they are converted.
type Archiver interface {
	ArchiveLegacy(courseID, content, author, message string) (archive.Commit, error)
	Tag(courseID, hash, name string) error
}

// SectionIndexer receives sections created by a conversion.
type SectionIndexer interface {
	IndexSection(rec search.SectionRecord)
}

type Service struct {
	store   store.Store
	tree    *hierarchy.Service
	archive Archiver
	index   SectionIndexer
	log     *logger.Logger
	now     func() time.Time
}

// NewService builds the adapter. archive and index may be nil.
func NewService(st store.Store, tree *hierarchy.Service, arch Archiver, index SectionIndexer, log *logger.Logger) *Service {
	return &Service{
		store:   st,
		tree:    tree,
		archive: arch,
		index:   index,
		log:     logger.OrNop(log).With("service", "LegacyAdapter"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Course is the shape old clients expect: one content string per course.
type Course struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"ownerId"`
	Title        string     `json:"title"`
	Public       bool       `json:"public"`
	Architecture string     `json:"architecture"`
	Content      *string    `json:"content,omitempty"`
	SectionCount int        `json:"sectionCount"`
	ForkedFrom   *string    `json:"forkedFrom,omitempty"`
	ForkedAt     *time.Time `json:"forkedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

type ToLegacyOptions struct {
	IncludeContent bool
}

// CourseToLegacyFormat flattens a course for old clients. Sections are
// rendered in reading order, each title as a heading one deeper than its
// level. A course without sections returns its flat content.
func (s *Service) CourseToLegacyFormat(ctx context.Context, courseID string, opts ToLegacyOptions) (Course, error) {
	course, err := s.store.GetCourse(ctx, courseID)
	if err != nil {
		return Course{}, store.NotFoundAs(err, "course", courseID)
	}
	sections, err := s.store.ListSections(ctx, store.SectionFilter{CourseID: courseID})
	if err != nil {
		return Course{}, err
	}

	out := toLegacy(course, len(sections))
	if !opts.IncludeContent {
		return out, nil
	}
	if len(sections) == 0 {
		out.Content = course.Content
		return out, nil
	}
	flat, err := flatten(sections)
	if err != nil {
		return Course{}, err
	}
	out.Content = &flat
	return out, nil
}

func toLegacy(course store.Course, sectionCount int) Course {
	return Course{
		ID:           course.ID,
		OwnerID:      course.OwnerID,
		Title:        course.Title,
		Public:       course.Public,
		Architecture: course.Architecture,
		SectionCount: sectionCount,
		ForkedFrom:   course.ForkedFrom,
		ForkedAt:     course.ForkedAt,
		CreatedAt:    course.CreatedAt,
		UpdatedAt:    course.UpdatedAt,
	}
}

// flatten renders sections depth-first as one markdown document.
func flatten(sections []store.Section) (string, error) {
	kids := map[string][]store.Section{}
	for _, sec := range sections {
		key := ""
		if sec.ParentID != nil {
			key = *sec.ParentID
		}
		kids[key] = append(kids[key], sec)
	}

	var blocks []string
	var walk func(key string) error
	walk = func(key string) error {
		for _, sec := range kids[key] {
			blocks = append(blocks, strings.Repeat("#", min(sec.Level+1, 6))+" "+codec.EscapeMarkdown(sec.Title))
			body, err := markdownOf(sec.Content)
			if err != nil {
				return err
			}
			if strings.TrimSpace(body) != "" {
				blocks = append(blocks, strings.TrimSpace(body))
			}
			if err := walk(sec.ID); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(""); err != nil {
		return "", err
	}
	return strings.Join(blocks, "\n\n") + "\n", nil
}

func markdownOf(c codec.Content) (string, error) {
	if c.IsEmpty() {
		return "", nil
	}
	if text, ok := c.Text(codec.Markdown); ok {
		return text, nil
	}
	return codec.Convert(c.PrimaryText(), c.PrimaryFormat(), codec.Markdown)
}

type CreateInput struct {
	Title   string
	Content string
	Public  bool
}

// CreateLegacyCourse stores a course in the flat model. No sections are
// created.
func (s *Service) CreateLegacyCourse(ctx context.Context, in CreateInput, ownerID string) (Course, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return Course{}, apperr.Validation("title is required")
	}
	if strings.TrimSpace(ownerID) == "" {
		return Course{}, apperr.Unauthorized("an owner is required to create a course")
	}
	now := s.now()
	content := in.Content
	course := store.Course{
		ID:           util.NewID("crs"),
		OwnerID:      ownerID,
		Title:        title,
		Public:       in.Public,
		Content:      &content,
		Architecture: store.ArchitectureLegacy,
		SectionIDs:   []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.InsertCourse(ctx, course); err != nil {
		return Course{}, err
	}
	s.log.Info("legacy course created", "courseId", course.ID, "ownerId", ownerID)
	out := toLegacy(course, 0)
	out.Content = course.Content
	return out, nil
}

type UpdateInput struct {
	Title   *string
	Content *string
	Public  *bool
}

// UpdateLegacyCourse changes the flat fields of a course. Sections are never
// touched, even on a converted course.
func (s *Service) UpdateLegacyCourse(ctx context.Context, courseID string, in UpdateInput, userID string) (Course, error) {
	var updated store.Course
	err := s.store.InTx(ctx, func(ctx context.Context, q store.Querier) error {
		course, err := q.LockCourse(ctx, courseID)
		if err != nil {
			return store.NotFoundAs(err, "course", courseID)
		}
		if err := rbac.Authorize(course, userID, rbac.ActionWrite); err != nil {
			return err
		}
		if in.Title != nil {
			title := strings.TrimSpace(*in.Title)
			if title == "" {
				return apperr.Validation("title must not be empty")
			}
			course.Title = title
		}
		if in.Content != nil {
			content := *in.Content
			course.Content = &content
		}
		if in.Public != nil {
			course.Public = *in.Public
		}
		course.UpdatedAt = s.now()
		updated = course
		return q.UpdateCourse(ctx, course)
	})
	if err != nil {
		return Course{}, err
	}
	if updated.Architecture == store.ArchitectureSections && in.Content != nil {
		s.log.Warn("flat content updated on a converted course", "courseId", courseID)
	}
	out := toLegacy(updated, len(updated.SectionIDs))
	out.Content = updated.Content
	return out, nil
}

// Conversion is the outcome of ConvertLegacyCourse.
type Conversion struct {
	Course   Course          `json:"course"`
	Sections []store.Section `json:"sections"`
	// ArchiveCommit is empty when the blob could not be archived.
	ArchiveCommit string `json:"archiveCommit,omitempty"`
}

// ConvertLegacyCourse migrates a course's flat content into root sections
// and marks it as using sections. The conversion is one-way: a second call
// fails with Conflict. The blob is archived first on a best-effort basis and
// kept on the course.
func (s *Service) ConvertLegacyCourse(ctx context.Context, courseID, userID string) (Conversion, error) {
	ctx, span := tracer.Start(ctx, "legacy.ConvertLegacyCourse", trace.WithAttributes(attribute.String("course.id", courseID)))
	defer span.End()

	course, err := s.store.GetCourse(ctx, courseID)
	if err != nil {
		return Conversion{}, store.NotFoundAs(err, "course", courseID)
	}
	if err := rbac.Authorize(course, userID, rbac.ActionWrite); err != nil {
		return Conversion{}, err
	}
	if course.Architecture == store.ArchitectureSections {
		return Conversion{}, alreadyConverted(courseID)
	}

	blob := ""
	if course.Content != nil {
		blob = *course.Content
	}
	result := Conversion{ArchiveCommit: s.archiveBlob(courseID, blob, userID)}

	inputs := s.plan(blob, course.Title)
	err = s.store.InTx(ctx, func(ctx context.Context, q store.Querier) error {
		locked, err := q.LockCourse(ctx, courseID)
		if err != nil {
			return store.NotFoundAs(err, "course", courseID)
		}
		if locked.Architecture == store.ArchitectureSections {
			return alreadyConverted(courseID)
		}
		if result.Sections, err = s.tree.CreateSectionsTx(ctx, q, courseID, inputs); err != nil {
			return err
		}
		// Re-read so the root list written by the hierarchy is kept.
		locked, err = q.LockCourse(ctx, courseID)
		if err != nil {
			return err
		}
		locked.Architecture = store.ArchitectureSections
		locked.UpdatedAt = s.now()
		if err := q.UpdateCourse(ctx, locked); err != nil {
			return err
		}
		result.Course = toLegacy(locked, len(locked.SectionIDs))
		return nil
	})
	if err != nil {
		return Conversion{}, err
	}

	if s.index != nil {
		for _, sec := range result.Sections {
			s.index.IndexSection(search.RecordFor(sec))
		}
	}
	s.log.Info("legacy course converted", "courseId", courseID, "sections", len(result.Sections), "userId", userID)
	return result, nil
}

func alreadyConverted(courseID string) error {
	return apperr.Conflict("course %s already uses sections", courseID).
		WithDetails(map[string]any{"courseId": courseID})
}

// plan turns a blob into section inputs. HTML blobs are converted to
// markdown first; when that fails the blob is used as is.
func (s *Service) plan(blob, courseTitle string) []hierarchy.CreateInput {
	if looksLikeHTML(blob) {
		if md, err := codec.Convert(blob, codec.HTML, codec.Markdown); err == nil {
			blob = md
		} else {
			s.log.Warn("legacy html blob could not be converted, splitting as markdown", "error", err)
		}
	}

	if strings.TrimSpace(courseTitle) == "" {
		courseTitle = "Content"
	}
	units := SplitBlob(blob, courseTitle)
	inputs := make([]hierarchy.CreateInput, 0, len(units))
	for _, unit := range units {
		content, err := codec.ToMultiFormat(unit.Body, codec.Markdown)
		if err != nil {
			s.log.Warn("legacy unit kept as empty content", "title", unit.Title, "error", err)
			content = codec.Content{}
		}
		inputs = append(inputs, hierarchy.CreateInput{Title: unit.Title, Content: content})
	}
	return inputs
}

func (s *Service) archiveBlob(courseID, blob, userID string) string {
	if s.archive == nil || strings.TrimSpace(blob) == "" {
		return ""
	}
	commit, err := s.archive.ArchiveLegacy(courseID, blob, userID, "Archive legacy content before conversion")
	if err != nil {
		s.log.Warn("legacy archive failed", "courseId", courseID, "error", err)
		return ""
	}
	if err := s.archive.Tag(courseID, commit.Hash, PreMigrationTag); err != nil {
		s.log.Warn("legacy archive tag failed", "courseId", courseID, "error", err)
	}
	return commit.Hash
}
