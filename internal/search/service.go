package search

import (
	"context"

	"coursecore/api/internal/codec"
	"coursecore/api/internal/logger"
	"coursecore/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to a
// scan of the stored sections.
type Service struct {
	meili *Meili
	scan  *Scan
	log   *logger.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, scan *Scan, log *logger.Logger) *Service {
	return &Service{meili: meili, scan: scan, log: logger.OrNop(log).With("service", "Search")}
}

// Search answers paged plain queries from the index when it is healthy and
// every other query, or any index failure, with a scan. Index hits are only
// candidates: each is re-checked against the stored text, and unless the
// verified hits fill the requested page the query is answered by a scan.
func (s *Service) Search(ctx context.Context, q Query) (Response, error) {
	if s.indexable(q) {
		resp, ok, err := s.searchIndex(ctx, q)
		if err != nil {
			return Response{}, err
		}
		if ok {
			return resp, nil
		}
	}

	hits, total, err := s.scan.Search(ctx, q)
	if err != nil {
		return Response{}, err
	}
	return Response{Hits: nonNil(hits), Total: total, Query: q.Text, Source: SourceScan}, nil
}

func (s *Service) searchIndex(ctx context.Context, q Query) (Response, bool, error) {
	candidates, total, err := s.meili.Search(ctx, q)
	if err != nil {
		s.log.Warn("meilisearch error, falling back to scan", "courseId", q.CourseID, "error", err)
		return Response{}, false, nil
	}
	hits, err := s.scan.Verify(ctx, q, candidates)
	if err != nil {
		return Response{}, false, err
	}
	if len(hits) < q.Limit {
		s.log.Debug("index page incomplete, scanning", "courseId", q.CourseID, "candidates", len(candidates), "verified", len(hits))
		return Response{}, false, nil
	}
	// The index total counts candidates; discount the ones that failed
	// verification.
	total = max(total-(len(candidates)-len(hits)), len(hits))
	hits = hits[:q.Limit]
	return Response{Hits: hits, Total: total, Query: q.Text, Source: SourceIndex}, true, nil
}

func (s *Service) indexable(q Query) bool {
	return s.meili != nil && s.meili.Healthy() && !q.Regex && q.Format == "" && q.Limit > 0
}

// IndexSection indexes a section (fire-and-forget to Meilisearch).
func (s *Service) IndexSection(rec SectionRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexSection(rec); err != nil {
			s.log.Warn("index section", "sectionId", rec.ID, "error", err)
		}
	}()
}

// DeleteSections removes sections from the index (fire-and-forget).
func (s *Service) DeleteSections(ids []string) {
	if s.meili == nil || !s.meili.Healthy() || len(ids) == 0 {
		return
	}
	go func() {
		for _, id := range ids {
			if err := s.meili.DeleteSection(id); err != nil {
				s.log.Warn("delete section from index", "sectionId", id, "error", err)
			}
		}
	}()
}

// Reindex pushes records to Meilisearch synchronously. It reports whether
// the index was available.
func (s *Service) Reindex(recs []SectionRecord) (bool, error) {
	if s.meili == nil || !s.meili.Healthy() {
		return false, nil
	}
	if err := s.meili.IndexSections(recs); err != nil {
		return true, err
	}
	return true, nil
}

func nonNil(h []Hit) []Hit {
	if h == nil {
		return []Hit{}
	}
	return h
}

// RecordFor builds the index record of a section.
func RecordFor(sec store.Section) SectionRecord {
	return SectionRecord{
		ID:       sec.ID,
		CourseID: sec.CourseID,
		Title:    sec.Title,
		Text:     codec.PlainText(sec.Content.PrimaryText(), sec.Content.PrimaryFormat()),
		Format:   string(sec.Content.PrimaryFormat()),
	}
}
