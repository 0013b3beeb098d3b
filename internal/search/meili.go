package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"coursecore/api/internal/logger"
)

const idxSections = "coursecore_sections"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     *logger.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the section index.
// An unreachable server is not an error: the client starts unhealthy and a
// background loop picks it up once it answers.
func NewMeili(url, apiKey string, log *logger.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		log:    logger.OrNop(log).With("service", "SearchIndex"),
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		m.log.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxSections,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug("create index (may already exist)", "index", idxSections, "error", err)
	}

	index := m.client.Index(idxSections)
	filterable := []interface{}{"courseId", "format"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("update filterable attributes", "index", idxSections, "error", err)
	}
	searchable := []string{"text"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("update searchable attributes", "index", idxSections, "error", err)
	}
	// Searches match literally; typo hits would only be dropped again.
	if _, err := index.UpdateTypoTolerance(&meili.TypoTolerance{Enabled: false}); err != nil {
		m.log.Warn("update typo tolerance", "index", idxSections, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the section index restricted to q.CourseID. Regex and
// per-format queries are not supported by the index.
func (m *Meili) Search(_ context.Context, q Query) ([]Hit, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	if q.Regex || q.Format != "" {
		return nil, 0, fmt.Errorf("meilisearch: unsupported query shape")
	}

	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 20
	}
	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:              idxSections,
			Query:                 q.Text,
			Limit:                 limit,
			Filter:                []string{fmt.Sprintf("courseId = %q", q.CourseID)},
			AttributesToHighlight: []string{"text"},
			AttributesToCrop:      []string{"text"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var hits []Hit
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			hits = append(hits, hitToResult(hit))
		}
	}
	return hits, total, nil
}

func hitToResult(hit meili.Hit) Hit {
	return Hit{
		SectionID: decodeString(hit, "id"),
		CourseID:  decodeString(hit, "courseId"),
		Title:     decodeString(hit, "title"),
		Format:    decodeString(hit, "format"),
		Snippet:   firstNonBlank(decodeFormattedString(hit, "text"), decodeString(hit, "text")),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexSection adds or updates a section in the index.
func (m *Meili) IndexSection(rec SectionRecord) error {
	_, err := m.client.Index(idxSections).AddDocuments([]SectionRecord{rec}, nil)
	return err
}

// IndexSections bulk-indexes sections.
func (m *Meili) IndexSections(recs []SectionRecord) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxSections).AddDocuments(recs, nil)
	return err
}

func (m *Meili) DeleteSection(id string) error {
	_, err := m.client.Index(idxSections).DeleteDocument(id, nil)
	return err
}
