// Package content is the gate through which section content is read and
// written. Every write expands the content to all stored formats, refreshes
// the derived metrics and, when asked, records a version in the same
// transaction.
package content

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"coursecore/api/internal/apperr"
	"coursecore/api/internal/codec"
	"coursecore/api/internal/ledger"
	"coursecore/api/internal/logger"
	"coursecore/api/internal/rbac"
	"coursecore/api/internal/search"
	"coursecore/api/internal/store"
)

var tracer = otel.Tracer("coursecore/api/internal/content")

// ConversionCache holds text converted on the fly, keyed by section, source
// fingerprint and target format.
type ConversionCache interface {
	Get(ctx context.Context, sectionID, fingerprint, format string) (string, bool, error)
	Set(ctx context.Context, sectionID, fingerprint, format, text string) error
	Invalidate(ctx context.Context, sectionID string) error
}

// SearchIndex answers course searches and accepts updated sections.
type SearchIndex interface {
	Search(ctx context.Context, q search.Query) (search.Response, error)
	IndexSection(rec search.SectionRecord)
}

type Service struct {
	store    store.Store
	versions *ledger.Service
	cache    ConversionCache
	index    SearchIndex
	log      *logger.Logger
	now      func() time.Time
	flight   singleflight.Group
}

// NewService wires the content manager. cache may be nil; a nil index
// searches by scanning the store.
func NewService(st store.Store, versions *ledger.Service, cache ConversionCache, index SearchIndex, log *logger.Logger) *Service {
	log = logger.OrNop(log).With("service", "ContentManager")
	if index == nil {
		index = search.NewService(nil, search.NewScan(st), log)
	}
	return &Service{
		store:    st,
		versions: versions,
		cache:    cache,
		index:    index,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type GetOptions struct {
	IncludeVersions bool
	IncludeStats    bool
}

// View is a section's content rendered in one format.
type View struct {
	SectionID     string         `json:"sectionId"`
	Format        codec.Format   `json:"format"`
	Content       string         `json:"content"`
	PrimaryFormat codec.Format   `json:"primaryFormat"`
	Formats       []codec.Format `json:"availableFormats"`
	// Converted is set when the text was derived because no slot holds it.
	Converted   bool            `json:"converted"`
	LastUpdated *time.Time      `json:"lastUpdated,omitempty"`
	Metadata    map[string]any  `json:"metadata"`
	Stats       *codec.Stats    `json:"stats,omitempty"`
	Versions    *ledger.History `json:"versions,omitempty"`
}

// GetContent returns the section's content in format, or in its primary
// format when format is empty.
func (s *Service) GetContent(ctx context.Context, sectionID, format string, opts GetOptions) (View, error) {
	section, err := s.store.GetSection(ctx, sectionID)
	if err != nil {
		return View{}, store.NotFoundAs(err, "section", sectionID)
	}
	f := section.Content.PrimaryFormat()
	if format != "" {
		if f, err = codec.ParseFormat(format); err != nil {
			return View{}, err
		}
	}

	view := View{
		SectionID:     section.ID,
		Format:        f,
		PrimaryFormat: section.Content.PrimaryFormat(),
		Formats:       section.Content.Formats(),
		Metadata:      section.Content.Metadata(),
	}
	if view.Formats == nil {
		view.Formats = []codec.Format{}
	}
	if text, ok := section.Content.Text(f); ok {
		view.Content = text
		if at, ok := section.Content.LastUpdated(f); ok {
			view.LastUpdated = &at
		}
	} else if !section.Content.IsEmpty() {
		if view.Content, err = s.convert(ctx, section, f); err != nil {
			return View{}, err
		}
		view.Converted = true
	}

	if opts.IncludeStats {
		stats := codec.ComputeStats(section.Content)
		view.Stats = &stats
	}
	if opts.IncludeVersions {
		history, err := s.versions.GetHistory(ctx, sectionID, ledger.HistoryOptions{})
		if err != nil {
			return View{}, err
		}
		view.Versions = &history
	}
	return view, nil
}

// convert derives section's text in f from its primary slot. Concurrent
// requests for the same conversion share one run, and results are cached
// when a cache is configured.
func (s *Service) convert(ctx context.Context, section store.Section, f codec.Format) (string, error) {
	primary := section.Content.PrimaryFormat()
	fp := codec.Fingerprint(string(primary) + "\x00" + section.Content.PrimaryText())
	key := section.ID + ":" + fp + ":" + string(f)

	v, err, _ := s.flight.Do(key, func() (any, error) {
		if s.cache != nil {
			text, ok, err := s.cache.Get(ctx, section.ID, fp, string(f))
			if err != nil {
				s.log.Warn("conversion cache read failed", "sectionId", section.ID, "error", err)
			} else if ok {
				return text, nil
			}
		}
		text, err := codec.Convert(section.Content.PrimaryText(), primary, f)
		if err != nil {
			return "", err
		}
		if s.cache != nil {
			if err := s.cache.Set(ctx, section.ID, fp, string(f), text); err != nil {
				s.log.Warn("conversion cache write failed", "sectionId", section.ID, "error", err)
			}
		}
		return text, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type UpdateInput struct {
	Content           string
	Format            string
	SaveVersion       bool
	ChangeDescription string
	// Metadata replaces the section's metadata when non-nil.
	Metadata map[string]any
}

// UpdateResult is the stored section and the version recorded with it, if
// any. A requested version is skipped for empty content.
type UpdateResult struct {
	Section store.Section  `json:"section"`
	Version *store.Version `json:"version,omitempty"`
}

// UpdateContent replaces a section's content. Only the course owner may
// write.
func (s *Service) UpdateContent(ctx context.Context, sectionID string, in UpdateInput, userID string) (UpdateResult, error) {
	ctx, span := tracer.Start(ctx, "content.UpdateContent", trace.WithAttributes(
		attribute.String("section.id", sectionID),
		attribute.String("content.format", in.Format),
	))
	defer span.End()

	var result UpdateResult
	err := s.store.InTx(ctx, func(ctx context.Context, q store.Querier) error {
		var err error
		result, err = s.updateIn(ctx, q, newOwnerCheck(q, userID), sectionID, in, userID)
		return err
	})
	if err != nil {
		return UpdateResult{}, err
	}
	s.afterWrite(ctx, result.Section)
	return result, nil
}

func (s *Service) updateIn(ctx context.Context, q store.Querier, owner *ownerCheck, sectionID string, in UpdateInput, userID string) (UpdateResult, error) {
	format, err := codec.ParseStoredFormat(in.Format)
	if err != nil {
		return UpdateResult{}, err
	}
	section, err := q.LockSection(ctx, sectionID)
	if err != nil {
		return UpdateResult{}, store.NotFoundAs(err, "section", sectionID)
	}
	if err := owner.check(ctx, section.CourseID); err != nil {
		return UpdateResult{}, err
	}

	expanded, err := codec.ToMultiFormat(in.Content, format)
	if err != nil {
		return UpdateResult{}, err
	}
	metadata := section.Content.Metadata()
	if in.Metadata != nil {
		metadata = in.Metadata
	}
	section.Content = expanded.WithMetadata(metadata)
	section.ApplyStats()
	section.UpdatedAt = s.now()
	if err := q.UpdateSection(ctx, section); err != nil {
		return UpdateResult{}, err
	}

	result := UpdateResult{Section: section}
	if in.SaveVersion {
		version, err := s.versions.SaveVersionTx(ctx, q, section, userID, in.ChangeDescription)
		switch {
		case errors.Is(err, apperr.ErrNoContentToVersion):
			s.log.Debug("version skipped for empty content", "sectionId", sectionID)
		case err != nil:
			return UpdateResult{}, err
		default:
			result.Version = &version
		}
	}
	return result, nil
}

// afterWrite drops stale conversions and refreshes the search index. Both
// are best effort; the write has already committed.
func (s *Service) afterWrite(ctx context.Context, section store.Section) {
	if s.cache != nil {
		if err := s.cache.Invalidate(context.WithoutCancel(ctx), section.ID); err != nil {
			s.log.Warn("conversion cache invalidation failed", "sectionId", section.ID, "error", err)
		}
	}
	s.index.IndexSection(search.RecordFor(section))
}

// ownerCheck remembers which courses a user has already been cleared for
// within one transaction.
type ownerCheck struct {
	q       store.Querier
	userID  string
	cleared map[string]bool
}

func newOwnerCheck(q store.Querier, userID string) *ownerCheck {
	return &ownerCheck{q: q, userID: userID, cleared: map[string]bool{}}
}

func (o *ownerCheck) check(ctx context.Context, courseID string) error {
	if o.cleared[courseID] {
		return nil
	}
	course, err := o.q.GetCourse(ctx, courseID)
	if err != nil {
		return store.NotFoundAs(err, "course", courseID)
	}
	if err := rbac.Authorize(course, o.userID, rbac.ActionWrite); err != nil {
		return err
	}
	o.cleared[courseID] = true
	return nil
}

// SwitchPrimaryFormat makes format the section's primary format, deriving
// its slot from the current primary text when absent.
func (s *Service) SwitchPrimaryFormat(ctx context.Context, sectionID, format, userID string) (store.Section, error) {
	f, err := codec.ParseFormat(format)
	if err != nil {
		return store.Section{}, err
	}

	var section store.Section
	err = s.store.InTx(ctx, func(ctx context.Context, q store.Querier) error {
		var err error
		section, err = q.LockSection(ctx, sectionID)
		if err != nil {
			return store.NotFoundAs(err, "section", sectionID)
		}
		if err := newOwnerCheck(q, userID).check(ctx, section.CourseID); err != nil {
			return err
		}
		if section.Content.PrimaryFormat() == f {
			return nil
		}
		switched, err := section.Content.WithPrimary(f)
		if err != nil {
			return err
		}
		section.Content = switched
		section.ApplyStats()
		section.UpdatedAt = s.now()
		return q.UpdateSection(ctx, section)
	})
	if err != nil {
		return store.Section{}, err
	}
	s.log.Info("primary format switched", "sectionId", sectionID, "format", f)
	s.afterWrite(ctx, section)
	return section, nil
}

type BulkItem struct {
	SectionID string `json:"sectionId"`
	UpdateInput
}

// BulkUpdate applies several content updates in one transaction. Any
// failure leaves every section untouched.
func (s *Service) BulkUpdate(ctx context.Context, items []BulkItem, userID string) ([]UpdateResult, error) {
	ctx, span := tracer.Start(ctx, "content.BulkUpdate", trace.WithAttributes(attribute.Int("bulk.count", len(items))))
	defer span.End()

	if len(items) == 0 {
		return nil, apperr.Validation("at least one update is required")
	}
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.SectionID) == "" {
			return nil, apperr.Validation("every update needs a sectionId")
		}
		if seen[item.SectionID] {
			return nil, apperr.Validation("section %s is listed more than once", item.SectionID)
		}
		seen[item.SectionID] = true
	}

	var results []UpdateResult
	err := s.store.InTx(ctx, func(ctx context.Context, q store.Querier) error {
		results = make([]UpdateResult, 0, len(items))
		owner := newOwnerCheck(q, userID)
		for _, item := range items {
			result, err := s.updateIn(ctx, q, owner, item.SectionID, item.UpdateInput, userID)
			if err != nil {
				return err
			}
			results = append(results, result)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, result := range results {
		s.afterWrite(ctx, result.Section)
	}
	s.log.Info("bulk content update applied", "count", len(results), "userId", userID)
	return results, nil
}

// RestoreVersion restores a ledger version as the owner and refreshes the
// derived caches.
func (s *Service) RestoreVersion(ctx context.Context, sectionID string, index int, userID string, opts ledger.RestoreOptions) (store.Section, error) {
	if _, err := s.Authorize(ctx, sectionID, userID, rbac.ActionWrite); err != nil {
		return store.Section{}, err
	}
	section, err := s.versions.RestoreVersion(ctx, sectionID, index, userID, opts)
	if err != nil {
		return store.Section{}, err
	}
	s.afterWrite(ctx, section)
	return section, nil
}

// Authorize loads the section and checks userID may perform action on its
// course.
func (s *Service) Authorize(ctx context.Context, sectionID, userID string, action rbac.Action) (store.Section, error) {
	section, err := s.store.GetSection(ctx, sectionID)
	if err != nil {
		return store.Section{}, store.NotFoundAs(err, "section", sectionID)
	}
	course, err := s.store.GetCourse(ctx, section.CourseID)
	if err != nil {
		return store.Section{}, store.NotFoundAs(err, "course", section.CourseID)
	}
	if err := rbac.Authorize(course, userID, action); err != nil {
		return store.Section{}, err
	}
	return section, nil
}

type SearchOptions struct {
	Format string
	Limit  int
	Regex  bool
}

// SearchContent finds sections of a course whose text matches query.
func (s *Service) SearchContent(ctx context.Context, courseID, query string, opts SearchOptions) (search.Response, error) {
	if _, err := s.store.GetCourse(ctx, courseID); err != nil {
		return search.Response{}, store.NotFoundAs(err, "course", courseID)
	}
	return s.index.Search(ctx, search.Query{
		CourseID: courseID,
		Text:     query,
		Format:   opts.Format,
		Regex:    opts.Regex,
		Limit:    opts.Limit,
	})
}
