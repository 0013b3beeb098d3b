// Package app wires the content store components together and exposes them
// over HTTP.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"coursecore/api/internal/archive"
	"coursecore/api/internal/cache"
	"coursecore/api/internal/config"
	"coursecore/api/internal/content"
	"coursecore/api/internal/course"
	"coursecore/api/internal/export"
	"coursecore/api/internal/hierarchy"
	"coursecore/api/internal/ledger"
	"coursecore/api/internal/legacy"
	"coursecore/api/internal/logger"
	"coursecore/api/internal/search"
	"coursecore/api/internal/store"
)

// Service holds every component of a running content store.
type Service struct {
	cfg   config.Config
	log   *logger.Logger
	store store.Store

	Tree     *hierarchy.Service
	Versions *ledger.Service
	Content  *content.Service
	Courses  *course.Service
	Legacy   *legacy.Service
	Export   *export.Service
	Search   *search.Service
	Archive  *archive.Service

	closers []func() error
}

// Deps are the optional backends a Service can use. Nil fields disable the
// feature they back.
type Deps struct {
	Cache   *cache.RedisCache
	Meili   *search.Meili
	Archive *archive.Service
	Sink    export.ObjectSink
	// Renderer defaults to export.ToolRenderer.
	Renderer export.Renderer
}

// New builds the components on top of st. It never opens or closes st.
func New(cfg config.Config, st store.Store, deps Deps, log *logger.Logger) *Service {
	log = logger.OrNop(log)

	var convCache content.ConversionCache
	var invalidator course.Invalidator
	if deps.Cache != nil {
		convCache = deps.Cache
		invalidator = deps.Cache
	}

	svc := &Service{cfg: cfg, log: log, store: st, Archive: deps.Archive}
	svc.Search = search.NewService(deps.Meili, search.NewScan(st), log)
	svc.Tree = hierarchy.NewService(st, cfg.MaxSectionDepth, log)
	svc.Versions = ledger.NewService(st, cfg.VersionRetention, log)
	svc.Content = content.NewService(st, svc.Versions, convCache, svc.Search, log)
	svc.Courses = course.NewService(st, svc.Tree, svc.Search, invalidator, log)

	var archiver legacy.Archiver
	var bundleArchiver export.BundleArchiver
	if deps.Archive != nil {
		archiver = deps.Archive
		bundleArchiver = deps.Archive
	}
	svc.Legacy = legacy.NewService(st, svc.Tree, archiver, svc.Search, log)
	svc.Export = export.NewService(st, svc.Tree, export.Options{
		Renderer: deps.Renderer,
		Archive:  bundleArchiver,
		Sink:     deps.Sink,
		Index:    svc.Search,
	}, log)
	return svc
}

// Open connects every backend named by cfg and builds the Service. The
// returned Service owns those connections; Close releases them.
func Open(ctx context.Context, cfg config.Config, log *logger.Logger) (*Service, error) {
	log = logger.OrNop(log)
	var (
		closers []func() error
		deps    Deps
		st      store.Store
	)
	fail := func(err error) (*Service, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	if cfg.UsesMemoryStore() {
		log.Warn("using in-memory store; data is lost on exit")
		st = store.NewMemoryStore()
	} else {
		db, err := OpenDatabase(ctx, cfg, log)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, db.Close)
		st = store.NewPostgresStore(db)
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		c, err := cache.NewRedisCache(cfg.RedisURL, cfg.ConversionCacheTTL)
		if err != nil {
			return fail(fmt.Errorf("redis connection failed: %w", err))
		}
		closers = append(closers, c.Close)
		deps.Cache = c
	}

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		m := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		closers = append(closers, func() error { m.Close(); return nil })
		deps.Meili = m
	}

	if strings.TrimSpace(cfg.ArchiveDir) != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
			return fail(fmt.Errorf("create archive dir: %w", err))
		}
		deps.Archive = archive.New(cfg.ArchiveDir)
	}

	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		sink, err := export.NewMinioSink(ctx, export.MinioConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			// Publishing is optional; the rest of the service still works.
			log.Warn("object storage unavailable, bundle publishing to S3 disabled", "error", err)
		} else {
			deps.Sink = sink
		}
	}

	svc := New(cfg, st, deps, log)
	svc.closers = closers
	return svc, nil
}

// OpenDatabase connects to Postgres and applies pending migrations.
func OpenDatabase(ctx context.Context, cfg config.Config, log *logger.Logger) (*sql.DB, error) {
	log = logger.OrNop(log)
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	for _, name := range applied {
		log.Info("migration applied", "migration", name)
	}
	return db, nil
}

func (s *Service) Store() store.Store {
	return s.store
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close releases the backends opened by Open in reverse order.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// PruneVersions applies keep to every section of a course and returns the
// number of versions removed.
func (s *Service) PruneVersions(ctx context.Context, courseID string, keep int) (int, error) {
	if _, err := s.store.GetCourse(ctx, courseID); err != nil {
		return 0, store.NotFoundAs(err, "course", courseID)
	}
	sections, err := s.store.ListSections(ctx, store.SectionFilter{CourseID: courseID})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, sec := range sections {
		n, err := s.Versions.Cleanup(ctx, sec.ID, keep)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

// Reindex pushes every section of a course to the search index. It reports
// false when no index is available.
func (s *Service) Reindex(ctx context.Context, courseID string) (bool, int, error) {
	if _, err := s.store.GetCourse(ctx, courseID); err != nil {
		return false, 0, store.NotFoundAs(err, "course", courseID)
	}
	sections, err := s.store.ListSections(ctx, store.SectionFilter{CourseID: courseID})
	if err != nil {
		return false, 0, err
	}
	recs := make([]search.SectionRecord, 0, len(sections))
	for _, sec := range sections {
		recs = append(recs, search.RecordFor(sec))
	}
	ok, err := s.Search.Reindex(recs)
	return ok, len(recs), err
}

// syncIndex pushes the current state of changed sections to the search
// index and drops removed ones. Index failures never fail the request.
func (s *Service) syncIndex(ctx context.Context, removed []string, changed ...string) {
	if len(removed) > 0 {
		s.Search.DeleteSections(removed)
	}
	if len(changed) == 0 {
		return
	}
	sections, err := s.store.ListSections(ctx, store.SectionFilter{IDs: changed})
	if err != nil {
		s.log.Warn("search sync skipped", "error", err)
		return
	}
	for _, sec := range sections {
		s.Search.IndexSection(search.RecordFor(sec))
	}
}
