package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"coursecore/api/internal/apperr"
	"coursecore/api/internal/codec"
	"coursecore/api/internal/logger"
	"coursecore/api/internal/store"
	"coursecore/api/internal/util"
)

// DefaultRetention is the number of versions kept per section when the
// service is built without an explicit policy.
const DefaultRetention = 50

var tracer = otel.Tracer("coursecore/api/internal/ledger")

// Service keeps a bounded history of content snapshots for each section.
type Service struct {
	store     store.Store
	retention int
	log       *logger.Logger
	now       func() time.Time
}

func NewService(st store.Store, retention int, log *logger.Logger) *Service {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Service{
		store:     st,
		retention: retention,
		log:       logger.OrNop(log).With("service", "VersionLedger"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Retention() int {
	return s.retention
}

// Entry is one version as seen through the ledger. Index is its position in
// the retained history ordered oldest to newest.
type Entry struct {
	Index             int            `json:"index"`
	ID                string         `json:"id"`
	Seq               int64          `json:"seq"`
	UserID            string         `json:"userId"`
	ChangeDescription string         `json:"changeDescription,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	PrimaryFormat     codec.Format   `json:"primaryFormat"`
	WordCount         int            `json:"wordCount"`
	Content           *codec.Content `json:"content,omitempty"`
}

type HistoryOptions struct {
	Limit          int
	Offset         int
	IncludeContent bool
}

// History is a page of entries, newest first, plus the retained total.
type History struct {
	Entries []Entry `json:"versions"`
	Total   int     `json:"total"`
}

type RestoreOptions struct {
	// ExpectedVersionID, when set, must be the id of the version at the
	// requested index, otherwise the restore fails with Conflict.
	ExpectedVersionID string
}

// SaveVersion snapshots the section's current content. Empty content is not
// recorded and yields NoContentToVersion.
func (s *Service) SaveVersion(ctx context.Context, sectionID, userID, changeDescription string) (store.Version, error) {
	ctx, span := tracer.Start(ctx, "ledger.SaveVersion", trace.WithAttributes(attribute.String("section.id", sectionID)))
	defer span.End()

	var saved store.Version
	err := s.store.InTx(ctx, func(ctx context.Context, q store.Querier) error {
		section, err := q.LockSection(ctx, sectionID)
		if err != nil {
			return store.NotFoundAs(err, "section", sectionID)
		}
		saved, err = s.SaveVersionTx(ctx, q, section, userID, changeDescription)
		return err
	})
	if err != nil {
		return store.Version{}, err
	}
	return saved, nil
}

// SaveVersionTx records section's content inside an open transaction and
// applies the retention policy. The caller must hold the section row.
func (s *Service) SaveVersionTx(ctx context.Context, q store.Querier, section store.Section, userID, changeDescription string) (store.Version, error) {
	if section.Content.IsEmpty() {
		return store.Version{}, apperr.NoContentToVersion(section.ID)
	}
	return s.appendVersion(ctx, q, section, userID, changeDescription)
}

func (s *Service) appendVersion(ctx context.Context, q store.Querier, section store.Section, userID, changeDescription string) (store.Version, error) {
	saved, err := q.InsertVersion(ctx, store.Version{
		ID:                util.NewID("ver"),
		SectionID:         section.ID,
		Content:           section.Content.Clone(),
		UserID:            userID,
		ChangeDescription: strings.TrimSpace(changeDescription),
		CreatedAt:         s.now(),
	})
	if err != nil {
		return store.Version{}, err
	}
	if _, err := s.prune(ctx, q, section.ID, s.retention); err != nil {
		return store.Version{}, err
	}
	return saved, nil
}

// GetHistory lists retained versions newest first.
func (s *Service) GetHistory(ctx context.Context, sectionID string, opts HistoryOptions) (History, error) {
	if opts.Offset < 0 || opts.Limit < 0 {
		return History{}, apperr.Validation("limit and offset must not be negative")
	}
	if _, err := s.store.GetSection(ctx, sectionID); err != nil {
		return History{}, store.NotFoundAs(err, "section", sectionID)
	}
	versions, err := s.store.ListVersions(ctx, sectionID)
	if err != nil {
		return History{}, err
	}

	history := History{Entries: []Entry{}, Total: len(versions)}
	for i := len(versions) - 1 - opts.Offset; i >= 0; i-- {
		if opts.Limit > 0 && len(history.Entries) >= opts.Limit {
			break
		}
		history.Entries = append(history.Entries, toEntry(i, versions[i], opts.IncludeContent))
	}
	return history, nil
}

func toEntry(index int, v store.Version, includeContent bool) Entry {
	entry := Entry{
		Index:             index,
		ID:                v.ID,
		Seq:               v.Seq,
		UserID:            v.UserID,
		ChangeDescription: v.ChangeDescription,
		CreatedAt:         v.CreatedAt,
		PrimaryFormat:     v.Content.PrimaryFormat(),
		WordCount:         codec.ComputeStats(v.Content).WordCount,
	}
	if includeContent {
		content := v.Content.Clone()
		entry.Content = &content
	}
	return entry
}

// RestoreVersion makes the snapshot at index the live content. The state
// being replaced is appended to the history first, so a restore never loses
// anything.
func (s *Service) RestoreVersion(ctx context.Context, sectionID string, index int, userID string, opts RestoreOptions) (store.Section, error) {
	ctx, span := tracer.Start(ctx, "ledger.RestoreVersion", trace.WithAttributes(
		attribute.String("section.id", sectionID),
		attribute.Int("version.index", index),
	))
	defer span.End()

	var restored store.Section
	err := s.store.InTx(ctx, func(ctx context.Context, q store.Querier) error {
		section, err := q.LockSection(ctx, sectionID)
		if err != nil {
			return store.NotFoundAs(err, "section", sectionID)
		}
		versions, err := q.ListVersions(ctx, sectionID)
		if err != nil {
			return err
		}
		if index < 0 || index >= len(versions) {
			return apperr.InvalidVersionIndex(index, len(versions))
		}
		target := versions[index]
		if opts.ExpectedVersionID != "" && opts.ExpectedVersionID != target.ID {
			return apperr.Conflict("version at index %d is %s, expected %s", index, target.ID, opts.ExpectedVersionID).
				WithDetails(map[string]any{"index": index, "versionId": target.ID})
		}

		if _, err := s.appendVersion(ctx, q, section, userID, "Before restore to "+target.ID); err != nil {
			return err
		}

		section.Content = target.Content.Clone()
		section.ApplyStats()
		section.UpdatedAt = s.now()
		if err := q.UpdateSection(ctx, section); err != nil {
			return err
		}
		restored = section
		s.log.Info("version restored", "sectionId", sectionID, "versionId", target.ID, "index", index, "userId", userID)
		return nil
	})
	if err != nil {
		return store.Section{}, err
	}
	return restored, nil
}

// DiffOp is one run of a text diff.
type DiffOp struct {
	Op   string `json:"op"`
	Text string `json:"text"`
}

type Comparison struct {
	From           int          `json:"from"`
	To             int          `json:"to"`
	Format         codec.Format `json:"format"`
	LengthDelta    int          `json:"lengthDelta"`
	WordCountDelta int          `json:"wordCountDelta"`
	Diff           []DiffOp     `json:"diff"`
	Patch          string       `json:"patch"`
}

// CompareVersions describes how version j differs from version i. The diff
// is computed on the primary format of i; j is converted into that format
// when its primary differs. A snapshot with no content, such as the state
// recorded before restoring into an empty section, diffs as empty text in
// the other side's format.
func (s *Service) CompareVersions(ctx context.Context, sectionID string, i, j int) (Comparison, error) {
	if _, err := s.store.GetSection(ctx, sectionID); err != nil {
		return Comparison{}, store.NotFoundAs(err, "section", sectionID)
	}
	versions, err := s.store.ListVersions(ctx, sectionID)
	if err != nil {
		return Comparison{}, err
	}
	for _, idx := range []int{i, j} {
		if idx < 0 || idx >= len(versions) {
			return Comparison{}, apperr.InvalidVersionIndex(idx, len(versions))
		}
	}

	from, to := versions[i].Content, versions[j].Content
	format := from.PrimaryFormat()
	if format == "" {
		format = to.PrimaryFormat()
	}
	if format == "" {
		format = codec.Markdown
	}
	fromText, err := textIn(from, format)
	if err != nil {
		return Comparison{}, err
	}
	toText, err := textIn(to, format)
	if err != nil {
		return Comparison{}, err
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(fromText, toText, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	ops := make([]DiffOp, 0, len(diffs))
	for _, d := range diffs {
		ops = append(ops, DiffOp{Op: opName(d.Type), Text: d.Text})
	}
	return Comparison{
		From:           i,
		To:             j,
		Format:         format,
		LengthDelta:    len([]rune(toText)) - len([]rune(fromText)),
		WordCountDelta: codec.ComputeStats(to).WordCount - codec.ComputeStats(from).WordCount,
		Diff:           ops,
		Patch:          dmp.PatchToText(dmp.PatchMake(fromText, diffs)),
	}, nil
}

func textIn(c codec.Content, f codec.Format) (string, error) {
	if text, ok := c.Text(f); ok {
		return text, nil
	}
	if c.PrimaryFormat() == "" || c.IsEmpty() {
		return "", nil
	}
	return codec.Convert(c.PrimaryText(), c.PrimaryFormat(), f)
}

func opName(op diffmatchpatch.Operation) string {
	switch op {
	case diffmatchpatch.DiffInsert:
		return "insert"
	case diffmatchpatch.DiffDelete:
		return "delete"
	default:
		return "equal"
	}
}

// Cleanup deletes the oldest versions beyond keepCount and reports how many
// were removed.
func (s *Service) Cleanup(ctx context.Context, sectionID string, keepCount int) (int, error) {
	if keepCount < 0 {
		return 0, apperr.Validation("keepCount must not be negative")
	}
	var pruned int
	err := s.store.InTx(ctx, func(ctx context.Context, q store.Querier) error {
		if _, err := q.LockSection(ctx, sectionID); err != nil {
			return store.NotFoundAs(err, "section", sectionID)
		}
		var err error
		pruned, err = s.prune(ctx, q, sectionID, keepCount)
		return err
	})
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		s.log.Info("versions pruned", "sectionId", sectionID, "pruned", pruned, "kept", keepCount)
	}
	return pruned, nil
}

// prune snapshots the seq boundary from the current listing and deletes only
// versions older than it. A version inserted after the listing always has a
// higher seq and survives.
func (s *Service) prune(ctx context.Context, q store.Querier, sectionID string, keepCount int) (int, error) {
	versions, err := q.ListVersions(ctx, sectionID)
	if err != nil {
		return 0, err
	}
	if len(versions) <= keepCount {
		return 0, nil
	}
	var boundary int64
	if keepCount == 0 {
		boundary = versions[len(versions)-1].Seq + 1
	} else {
		boundary = versions[len(versions)-keepCount].Seq
	}
	return q.DeleteVersionsBefore(ctx, sectionID, boundary)
}
