package course

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"coursecore/api/internal/apperr"
	"coursecore/api/internal/codec"
	"coursecore/api/internal/hierarchy"
	"coursecore/api/internal/ledger"
	"coursecore/api/internal/rbac"
	"coursecore/api/internal/search"
	"coursecore/api/internal/store"
)

type recordingIndex struct {
	mu      sync.Mutex
	indexed []string
	deleted []string
}

func (r *recordingIndex) IndexSection(rec search.SectionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexed = append(r.indexed, rec.ID)
}

func (r *recordingIndex) DeleteSections(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, ids...)
}

type recordingCache struct {
	invalidated []string
}

func (c *recordingCache) Invalidate(_ context.Context, sectionID string) error {
	c.invalidated = append(c.invalidated, sectionID)
	return nil
}

type fixture struct {
	st      *store.MemoryStore
	tree    *hierarchy.Service
	index   *recordingIndex
	cache   *recordingCache
	catalog *Service
}

func newFixture() *fixture {
	st := store.NewMemoryStore()
	tree := hierarchy.NewService(st, 0, nil)
	index := &recordingIndex{}
	cache := &recordingCache{}
	return &fixture{st: st, tree: tree, index: index, cache: cache, catalog: NewService(st, tree, index, cache, nil)}
}

func markdown(t *testing.T, text string) codec.Content {
	t.Helper()
	c, err := codec.ToMultiFormat(text, codec.Markdown)
	if err != nil {
		t.Fatalf("ToMultiFormat: %v", err)
	}
	return c
}

// buildTree creates Intro, Body{Part 1, Part 2{Deep}} and returns ids by title.
func (f *fixture) buildTree(t *testing.T, courseID string) map[string]string {
	t.Helper()
	ctx := context.Background()
	ids := map[string]string{}
	add := func(title string, parent string, text string) {
		in := hierarchy.CreateInput{CourseID: courseID, Title: title, Content: markdown(t, text)}
		if parent != "" {
			in.ParentID = store.StringPtr(ids[parent])
		}
		sec, err := f.tree.CreateSection(ctx, in)
		if err != nil {
			t.Fatalf("CreateSection %s: %v", title, err)
		}
		ids[title] = sec.ID
	}
	add("Intro", "", "Welcome")
	add("Body", "", "")
	add("Part 1", "Body", "First part")
	add("Part 2", "Body", "Second part")
	add("Deep", "Part 2", "Deep **dive**")
	return ids
}

func TestCreateAndGet(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	created, err := f.catalog.Create(ctx, CreateInput{Title: "  Algebra "}, "usr_1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Title != "Algebra" || created.Architecture != store.ArchitectureSections || created.Role != rbac.RoleOwner {
		t.Fatalf("unexpected course %+v", created)
	}
	f.buildTree(t, created.ID)

	view, err := f.catalog.Get(ctx, created.ID, "usr_1", GetOptions{IncludeTree: true})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(view.SectionIDs) != 2 || len(view.Tree) != 2 || len(view.Tree[1].Children) != 2 {
		t.Fatalf("unexpected tree %+v", view.Tree)
	}
	if !view.Tree[0].Content.IsEmpty() {
		t.Fatal("content must be stripped unless requested")
	}

	if _, err := f.catalog.Get(ctx, created.ID, "usr_2", GetOptions{}); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("private course should be hidden from others, got %v", err)
	}
	public := true
	if _, err := f.catalog.Update(ctx, created.ID, UpdateInput{Public: &public}, "usr_1"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	view, err = f.catalog.Get(ctx, created.ID, "usr_2", GetOptions{})
	if err != nil || view.Role != rbac.RoleReader {
		t.Fatalf("public course should be readable: %+v %v", view, err)
	}

	if _, err := f.catalog.Get(ctx, "crs_missing", "usr_1", GetOptions{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.catalog.Create(ctx, CreateInput{Title: " "}, "usr_1"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	blank := ""
	if _, err := f.catalog.Update(ctx, created.ID, UpdateInput{Title: &blank}, "usr_1"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.catalog.Update(ctx, created.ID, UpdateInput{Public: &public}, "usr_2"); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("readers must not update, got %v", err)
	}
}

func TestDeleteCascades(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	created, err := f.catalog.Create(ctx, CreateInput{Title: "Doomed"}, "usr_1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ids := f.buildTree(t, created.ID)
	versions := ledger.NewService(f.st, 0, nil)
	if _, err := versions.SaveVersion(ctx, ids["Deep"], "usr_1", "snapshot"); err != nil {
		t.Fatalf("SaveVersion: %v", err)
	}

	if err := f.catalog.Delete(ctx, created.ID, "usr_2"); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := f.catalog.Delete(ctx, created.ID, "usr_1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := f.st.GetCourse(ctx, created.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("course should be gone, got %v", err)
	}
	for title, id := range ids {
		if _, err := f.st.GetSection(ctx, id); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("section %s should be gone, got %v", title, err)
		}
	}
	if left, _ := f.st.ListVersions(ctx, ids["Deep"]); len(left) != 0 {
		t.Fatalf("versions should cascade, %d left", len(left))
	}
	if len(f.index.deleted) != len(ids) || len(f.cache.invalidated) != len(ids) {
		t.Fatalf("index and cache should drop every section: %v %v", f.index.deleted, f.cache.invalidated)
	}

	if err := f.catalog.Delete(ctx, created.ID, "usr_1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestForkCopiesTree(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	source, err := f.catalog.Create(ctx, CreateInput{Title: "Physics", Public: true}, "usr_1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ids := f.buildTree(t, source.ID)

	forked, err := f.catalog.Fork(ctx, source.ID, "usr_2", ForkInput{})
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if forked.ID == source.ID || forked.OwnerID != "usr_2" || forked.Public || forked.Title != "Physics" {
		t.Fatalf("unexpected fork %+v", forked)
	}
	if forked.ForkedFrom == nil || *forked.ForkedFrom != source.ID || forked.ForkedAt == nil {
		t.Fatalf("lineage not recorded: %+v", forked)
	}

	srcTree, err := f.tree.GetCourseTree(ctx, source.ID, true)
	if err != nil {
		t.Fatalf("GetCourseTree: %v", err)
	}
	forkTree, err := f.tree.GetCourseTree(ctx, forked.ID, true)
	if err != nil {
		t.Fatalf("GetCourseTree: %v", err)
	}
	assertSameShape(t, srcTree, forkTree, ids)

	report, err := f.tree.ValidateHierarchy(ctx, forked.ID)
	if err != nil || !report.Valid {
		t.Fatalf("fork should validate: %+v %v", report, err)
	}

	if len(f.index.indexed) != len(ids) {
		t.Fatalf("expected %d sections indexed, got %d", len(ids), len(f.index.indexed))
	}

	// Edits to the fork leave the source alone.
	if _, err := f.tree.DeleteSection(ctx, forkTree[1].ID); err != nil {
		t.Fatalf("DeleteSection: %v", err)
	}
	if _, err := f.st.GetSection(ctx, ids["Body"]); err != nil {
		t.Fatalf("source section affected by fork edit: %v", err)
	}
}

func assertSameShape(t *testing.T, src, dst []store.SectionNode, sourceIDs map[string]string) {
	t.Helper()
	if len(src) != len(dst) {
		t.Fatalf("sibling count differs: %d vs %d", len(src), len(dst))
	}
	known := make([]string, 0, len(sourceIDs))
	for _, id := range sourceIDs {
		known = append(known, id)
	}
	sort.Strings(known)
	for i := range src {
		a, b := src[i], dst[i]
		if a.Title != b.Title || a.Order != b.Order || a.Level != b.Level || a.WordCount != b.WordCount {
			t.Fatalf("section mismatch: %+v vs %+v", a.Section, b.Section)
		}
		if a.Content.PrimaryText() != b.Content.PrimaryText() {
			t.Fatalf("content mismatch for %s", a.Title)
		}
		if idx := sort.SearchStrings(known, b.ID); idx < len(known) && known[idx] == b.ID {
			t.Fatalf("fork reused source id %s", b.ID)
		}
		assertSameShape(t, a.Children, b.Children, sourceIDs)
	}
}

func TestForkPermissions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	private, err := f.catalog.Create(ctx, CreateInput{Title: "Secret"}, "usr_1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := f.catalog.Fork(ctx, private.ID, "usr_2", ForkInput{}); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("private course must not be forked by others, got %v", err)
	}
	if _, err := f.catalog.Fork(ctx, private.ID, "", ForkInput{}); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("anonymous fork must fail, got %v", err)
	}
	own, err := f.catalog.Fork(ctx, private.ID, "usr_1", ForkInput{Title: "Secret v2"})
	if err != nil {
		t.Fatalf("owner fork: %v", err)
	}
	if own.Title != "Secret v2" || len(own.SectionIDs) != 0 {
		t.Fatalf("unexpected fork %+v", own)
	}
	if _, err := f.catalog.Fork(ctx, "crs_missing", "usr_1", ForkInput{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCopyPlanKeepsParentsFirst(t *testing.T) {
	parent := "a"
	sections := []store.Section{
		{ID: "a", Title: "A"},
		{ID: "b", Title: "B"},
		{ID: "c", Title: "C", ParentID: &parent},
	}
	plan := copyPlan(sections)
	if len(plan) != 3 {
		t.Fatalf("expected 3 inputs, got %d", len(plan))
	}
	if plan[0].Title != "A" || plan[1].Title != "C" || plan[2].Title != "B" {
		t.Fatalf("unexpected order %v %v %v", plan[0].Title, plan[1].Title, plan[2].Title)
	}
	if plan[1].ParentID == nil || *plan[1].ParentID != plan[0].ID {
		t.Fatal("child should point at the new parent id")
	}
	if plan[0].ID == "a" {
		t.Fatal("ids must be fresh")
	}
}
