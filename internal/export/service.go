package export

import (
	"context"
	"fmt"
	"html/template"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

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

var tracer = otel.Tracer("coursecore/api/internal/export")

// BundleArchiver keeps published bundles in a course's history.
type BundleArchiver interface {
	ArchiveBundle(courseID string, bundle []byte, author, message string) (archive.Commit, error)
}

// SectionIndexer receives sections created by an import.
type SectionIndexer interface {
	IndexSection(rec search.SectionRecord)
}

// Service provides course export functionality
type Service struct {
	store    store.Store
	tree     *hierarchy.Service
	renderer Renderer
	archive  BundleArchiver
	sink     ObjectSink
	index    SectionIndexer
	log      *logger.Logger
	now      func() time.Time
}

type Options struct {
	// Renderer defaults to ToolRenderer.
	Renderer Renderer
	Archive  BundleArchiver
	Sink     ObjectSink
	Index    SectionIndexer
}

// NewService creates a new export service
func NewService(st store.Store, tree *hierarchy.Service, opts Options, log *logger.Logger) *Service {
	renderer := opts.Renderer
	if renderer == nil {
		renderer = ToolRenderer{}
	}
	return &Service{
		store:    st,
		tree:     tree,
		renderer: renderer,
		archive:  opts.Archive,
		sink:     opts.Sink,
		index:    opts.Index,
		log:      logger.OrNop(log).With("service", "Export"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) load(ctx context.Context, courseID, userID string) (store.Course, []store.SectionNode, error) {
	course, err := s.store.GetCourse(ctx, courseID)
	if err != nil {
		return store.Course{}, nil, store.NotFoundAs(err, "course", courseID)
	}
	if err := rbac.Authorize(course, userID, rbac.ActionRead); err != nil {
		return store.Course{}, nil, err
	}
	tree, err := s.tree.GetCourseTree(ctx, courseID, true)
	if err != nil {
		return store.Course{}, nil, err
	}
	return course, tree, nil
}

// Export generates a course export in the requested format
func (s *Service) Export(ctx context.Context, courseID, userID string, format Format) (Result, error) {
	ctx, span := tracer.Start(ctx, "export.Export", trace.WithAttributes(
		attribute.String("course.id", courseID),
		attribute.String("export.format", string(format)),
	))
	defer span.End()

	course, tree, err := s.load(ctx, courseID, userID)
	if err != nil {
		return Result{}, err
	}
	base := util.Slugify(course.Title, "course")

	if format == FormatBundle {
		data, err := EncodeBundle(NewBundle(course, tree, s.now()))
		if err != nil {
			return Result{}, fmt.Errorf("encode bundle: %w", err)
		}
		return Result{Data: data, Filename: base + ".bundle.json", MimeType: bundleMime}, nil
	}

	html, err := s.renderHTML(course, tree)
	if err != nil {
		return Result{}, err
	}
	switch format {
	case FormatHTML:
		return Result{Data: []byte(html), Filename: base + ".html", MimeType: "text/html"}, nil
	case FormatPDF:
		data, err := s.renderer.PDF(ctx, html)
		if err != nil {
			return Result{}, err
		}
		return Result{Data: data, Filename: base + ".pdf", MimeType: "application/pdf"}, nil
	case FormatDOCX:
		data, err := s.renderer.DOCX(ctx, html)
		if err != nil {
			return Result{}, err
		}
		return Result{Data: data, Filename: base + ".docx", MimeType: docxMime}, nil
	default:
		return Result{}, apperr.Validation("unsupported export format %q", format)
	}
}

// renderHTML lays the tree out in reading order. Sections without an HTML
// slot are converted from their primary format.
func (s *Service) renderHTML(course store.Course, tree []store.SectionNode) (string, error) {
	data := TemplateData{Title: course.Title, Owner: course.OwnerID, ExportedAt: s.now()}
	var walk func(nodes []store.SectionNode) error
	walk = func(nodes []store.SectionNode) error {
		for _, n := range nodes {
			body, err := sectionHTML(n.Content)
			if err != nil {
				return fmt.Errorf("render section %s: %w", n.ID, err)
			}
			data.Sections = append(data.Sections, TemplateSection{
				Anchor:  n.ID,
				Heading: min(n.Level+1, 6),
				Title:   n.Title,
				Body:    template.HTML(body),
				Words:   n.WordCount,
			})
			if err := walk(n.Children); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(tree); err != nil {
		return "", err
	}
	html, err := RenderCourseHTML(data)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return html, nil
}

func sectionHTML(c codec.Content) (string, error) {
	if c.IsEmpty() {
		return "", nil
	}
	if text, ok := c.Text(codec.HTML); ok {
		return text, nil
	}
	return codec.Convert(c.PrimaryText(), c.PrimaryFormat(), codec.HTML)
}

// Publication records where a published bundle was stored. Fields are
// empty for destinations that are not configured.
type Publication struct {
	Commit    string `json:"commit,omitempty"`
	ObjectURL string `json:"objectUrl,omitempty"`
	Sections  int    `json:"sections"`
}

// PublishBundle snapshots a course into its git archive and the object
// store concurrently. Either destination failing fails the publication.
func (s *Service) PublishBundle(ctx context.Context, courseID, userID string) (Publication, error) {
	ctx, span := tracer.Start(ctx, "export.PublishBundle", trace.WithAttributes(attribute.String("course.id", courseID)))
	defer span.End()

	if s.archive == nil && s.sink == nil {
		return Publication{}, apperr.Validation("no publication destination is configured")
	}
	course, tree, err := s.load(ctx, courseID, userID)
	if err != nil {
		return Publication{}, err
	}
	if err := rbac.Authorize(course, userID, rbac.ActionWrite); err != nil {
		return Publication{}, err
	}
	bundle := NewBundle(course, tree, s.now())
	data, err := EncodeBundle(bundle)
	if err != nil {
		return Publication{}, fmt.Errorf("encode bundle: %w", err)
	}

	pub := Publication{Sections: bundle.Count()}
	g, gctx := errgroup.WithContext(ctx)
	if s.archive != nil {
		g.Go(func() error {
			commit, err := s.archive.ArchiveBundle(courseID, data, userID, "Publish course bundle")
			if err != nil {
				return fmt.Errorf("archive bundle: %w", err)
			}
			pub.Commit = commit.Hash
			return nil
		})
	}
	if s.sink != nil {
		g.Go(func() error {
			key := fmt.Sprintf("courses/%s/%s.bundle.json", courseID, bundle.ExportedAt.Format("20060102T150405Z"))
			url, err := s.sink.Put(gctx, key, data, bundleMime)
			if err != nil {
				return err
			}
			pub.ObjectURL = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Publication{}, err
	}
	s.log.Info("bundle published", "courseId", courseID, "commit", pub.Commit, "object", pub.ObjectURL)
	return pub, nil
}

// Imported is the course created from a bundle.
type Imported struct {
	CourseID string          `json:"courseId"`
	Sections []store.Section `json:"sections"`
}

// ImportBundle creates a new course owned by ownerID from bundle data, in
// one transaction. Ids in the bundle are not reused.
func (s *Service) ImportBundle(ctx context.Context, data []byte, ownerID string) (Imported, error) {
	ctx, span := tracer.Start(ctx, "export.ImportBundle")
	defer span.End()

	if ownerID == "" {
		return Imported{}, apperr.Unauthorized("an owner is required to import a course")
	}
	bundle, err := DecodeBundle(data)
	if err != nil {
		return Imported{}, err
	}
	inputs, err := bundle.createInputs()
	if err != nil {
		return Imported{}, err
	}

	now := s.now()
	course := store.Course{
		ID:           util.NewID("crs"),
		OwnerID:      ownerID,
		Title:        bundle.Course.Title,
		Public:       bundle.Course.Public,
		Content:      bundle.Course.Content,
		Architecture: bundle.Course.Architecture,
		SectionIDs:   []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if course.Architecture != store.ArchitectureLegacy {
		course.Architecture = store.ArchitectureSections
	}

	var out Imported
	err = s.store.InTx(ctx, func(ctx context.Context, q store.Querier) error {
		if err := q.InsertCourse(ctx, course); err != nil {
			return err
		}
		if len(inputs) == 0 {
			return nil
		}
		out.Sections, err = s.tree.CreateSectionsTx(ctx, q, course.ID, inputs)
		return err
	})
	if err != nil {
		return Imported{}, err
	}
	out.CourseID = course.ID

	if s.index != nil {
		for _, sec := range out.Sections {
			s.index.IndexSection(search.RecordFor(sec))
		}
	}
	s.log.Info("bundle imported", "courseId", course.ID, "sourceCourseId", bundle.Course.ID, "sections", len(out.Sections))
	return out, nil
}
