package legacy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"coursecore/api/internal/apperr"
	"coursecore/api/internal/archive"
	"coursecore/api/internal/codec"
	"coursecore/api/internal/hierarchy"
	"coursecore/api/internal/search"
	"coursecore/api/internal/store"
)

func TestSplitBlob(t *testing.T) {
	cases := []struct {
		name   string
		blob   string
		titles []string
		bodies []string
	}{
		{
			name:   "shallowest level with preamble",
			blob:   "Welcome text.\n\n## Basics\n\nIntro body.\n\n### Detail\n\nNested.\n\n## Advanced\n\nMore.",
			titles: []string{"Introduction", "Basics", "Advanced"},
			bodies: []string{"Welcome text.", "Intro body.\n\n### Detail\n\nNested.", "More."},
		},
		{
			name:   "no headings",
			blob:   "Just some text.\nAcross lines.",
			titles: []string{"Fallback"},
			bodies: []string{"Just some text.\nAcross lines."},
		},
		{
			name:   "headings in code fences are ignored",
			blob:   "# One\n\n```\n# not a heading\n```\n\n# Two\n\nbody",
			titles: []string{"One", "Two"},
			bodies: []string{"```\n# not a heading\n```", "body"},
		},
		{
			name:   "setext headings",
			blob:   "First\n=====\n\nalpha\n\nSecond\n======\nbeta",
			titles: []string{"First", "Second"},
			bodies: []string{"alpha", "beta"},
		},
		{
			name:   "setext heading starting with a hash",
			blob:   "#1 priority\n===\n\nbody\n\n#2 next\n---\nmore",
			titles: []string{"#1 priority", "#2 next"},
			bodies: []string{"body", "more"},
		},
		{
			name:   "crlf and empty section",
			blob:   "# A\r\n# B\r\ntext",
			titles: []string{"A", "B"},
			bodies: []string{"", "text"},
		},
		{
			name:   "inline markup in heading",
			blob:   "# Using **Go** `fmt`\n\nx",
			titles: []string{"Using Go fmt"},
			bodies: []string{"x"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			units := SplitBlob(tc.blob, "Fallback")
			if len(units) != len(tc.titles) {
				t.Fatalf("expected %d units, got %d: %+v", len(tc.titles), len(units), units)
			}
			for i, unit := range units {
				if unit.Title != tc.titles[i] {
					t.Errorf("unit %d title = %q, want %q", i, unit.Title, tc.titles[i])
				}
				if unit.Body != tc.bodies[i] {
					t.Errorf("unit %d body = %q, want %q", i, unit.Body, tc.bodies[i])
				}
			}
		})
	}

	if units := SplitBlob("  \n ", "Fallback"); len(units) != 0 {
		t.Fatalf("blank blob should have no units, got %+v", units)
	}
}

type fixture struct {
	st      *store.MemoryStore
	tree    *hierarchy.Service
	archive *archive.Service
	legacy  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	tree := hierarchy.NewService(st, 0, nil)
	arch := archive.New(t.TempDir())
	return &fixture{
		st:      st,
		tree:    tree,
		archive: arch,
		legacy:  NewService(st, tree, arch, search.NewService(nil, search.NewScan(st), nil), nil),
	}
}

func TestLegacyCreateAndUpdateTouchOnlyFlatContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.legacy.CreateLegacyCourse(ctx, CreateInput{Title: " Go 101 ", Content: "# Intro\n\nHello"}, "usr_1")
	if err != nil {
		t.Fatalf("CreateLegacyCourse: %v", err)
	}
	if created.Title != "Go 101" || created.Architecture != store.ArchitectureLegacy || created.Content == nil {
		t.Fatalf("unexpected course: %+v", created)
	}
	if sections, _ := f.st.ListSections(ctx, store.SectionFilter{CourseID: created.ID}); len(sections) != 0 {
		t.Fatalf("legacy create must not build sections, got %d", len(sections))
	}

	content := "# Intro\n\nUpdated"
	updated, err := f.legacy.UpdateLegacyCourse(ctx, created.ID, UpdateInput{Content: &content}, "usr_1")
	if err != nil {
		t.Fatalf("UpdateLegacyCourse: %v", err)
	}
	if *updated.Content != content || updated.Title != "Go 101" {
		t.Fatalf("unexpected update: %+v", updated)
	}

	if _, err := f.legacy.UpdateLegacyCourse(ctx, created.ID, UpdateInput{Content: &content}, "usr_2"); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := f.legacy.CreateLegacyCourse(ctx, CreateInput{Title: "  "}, "usr_1"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	view, err := f.legacy.CourseToLegacyFormat(ctx, created.ID, ToLegacyOptions{IncludeContent: true})
	if err != nil {
		t.Fatalf("CourseToLegacyFormat: %v", err)
	}
	if view.Content == nil || *view.Content != content {
		t.Fatalf("a course without sections returns its flat content, got %+v", view)
	}
	view, _ = f.legacy.CourseToLegacyFormat(ctx, created.ID, ToLegacyOptions{})
	if view.Content != nil {
		t.Fatal("content must be omitted unless requested")
	}
}

func TestConvertLegacyCourse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	blob := "Course overview.\n\n# Setup\n\nInstall Go.\n\n## Editors\n\nAny will do.\n\n# Hello World\n\nWrite main.go."

	created, err := f.legacy.CreateLegacyCourse(ctx, CreateInput{Title: "Go 101", Content: blob}, "usr_1")
	if err != nil {
		t.Fatalf("CreateLegacyCourse: %v", err)
	}

	if _, err := f.legacy.ConvertLegacyCourse(ctx, created.ID, "usr_2"); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	result, err := f.legacy.ConvertLegacyCourse(ctx, created.ID, "usr_1")
	if err != nil {
		t.Fatalf("ConvertLegacyCourse: %v", err)
	}
	if result.Course.Architecture != store.ArchitectureSections || result.Course.SectionCount != 3 {
		t.Fatalf("unexpected course after conversion: %+v", result.Course)
	}
	var titles []string
	for i, sec := range result.Sections {
		titles = append(titles, sec.Title)
		if sec.Order != i || sec.Level != 0 || sec.ParentID != nil {
			t.Errorf("section %s should be root %d, got order=%d level=%d", sec.Title, i, sec.Order, sec.Level)
		}
		if sec.Content.PrimaryFormat() != codec.Markdown || !sec.Content.Has(codec.HTML) {
			t.Errorf("section %s should hold multi-format markdown content", sec.Title)
		}
	}
	if strings.Join(titles, "|") != "Introduction|Setup|Hello World" {
		t.Fatalf("unexpected titles %v", titles)
	}
	if !strings.Contains(result.Sections[1].Content.PrimaryText(), "## Editors") {
		t.Fatalf("deeper headings stay inside the body, got %q", result.Sections[1].Content.PrimaryText())
	}

	course, err := f.st.GetCourse(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetCourse: %v", err)
	}
	if len(course.SectionIDs) != 3 || course.SectionIDs[0] != result.Sections[0].ID {
		t.Fatalf("course root list not updated: %v", course.SectionIDs)
	}
	if course.Content == nil || *course.Content != blob {
		t.Fatal("flat content is retained after conversion")
	}

	if result.ArchiveCommit == "" {
		t.Fatal("expected the blob to be archived")
	}
	archived, err := f.archive.ReadFile(created.ID, PreMigrationTag, archive.LegacyFile)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(archived) != blob {
		t.Fatalf("archived blob mismatch: %q", archived)
	}

	if _, err := f.legacy.ConvertLegacyCourse(ctx, created.ID, "usr_1"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("second conversion should conflict, got %v", err)
	}

	report, err := f.tree.ValidateHierarchy(ctx, created.ID)
	if err != nil || !report.Valid {
		t.Fatalf("converted tree should validate: %+v %v", report, err)
	}
}

func TestConvertDegradesToSingleSection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.legacy.CreateLegacyCourse(ctx, CreateInput{Title: "Notes", Content: "no structure at all"}, "usr_1")
	if err != nil {
		t.Fatalf("CreateLegacyCourse: %v", err)
	}
	result, err := f.legacy.ConvertLegacyCourse(ctx, created.ID, "usr_1")
	if err != nil {
		t.Fatalf("ConvertLegacyCourse: %v", err)
	}
	if len(result.Sections) != 1 || result.Sections[0].Title != "Notes" || result.Sections[0].WordCount != 4 {
		t.Fatalf("expected one section holding the blob, got %+v", result.Sections)
	}
}

func TestConvertHTMLBlob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.legacy.CreateLegacyCourse(ctx, CreateInput{Title: "Web", Content: "<h1>One</h1><p>first</p><h1>Two</h1><p>second</p>"}, "usr_1")
	if err != nil {
		t.Fatalf("CreateLegacyCourse: %v", err)
	}
	result, err := f.legacy.ConvertLegacyCourse(ctx, created.ID, "usr_1")
	if err != nil {
		t.Fatalf("ConvertLegacyCourse: %v", err)
	}
	if len(result.Sections) != 2 || result.Sections[0].Title != "One" || result.Sections[1].Content.PrimaryText() != "second" {
		t.Fatalf("unexpected sections: %+v", result.Sections)
	}
}

func TestConvertHTMLBlobKeepsLiteralText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	blob := "<h1>Tags &amp; #1</h1><p>&lt;b&gt;not bold&lt;/b&gt;</p><p># not a heading</p><p>1. not a list</p>"
	created, err := f.legacy.CreateLegacyCourse(ctx, CreateInput{Title: "Web", Content: blob}, "usr_1")
	if err != nil {
		t.Fatalf("CreateLegacyCourse: %v", err)
	}
	result, err := f.legacy.ConvertLegacyCourse(ctx, created.ID, "usr_1")
	if err != nil {
		t.Fatalf("ConvertLegacyCourse: %v", err)
	}
	if len(result.Sections) != 1 || result.Sections[0].Title != "Tags & #1" {
		t.Fatalf("unexpected sections: %+v", result.Sections)
	}
	html, _ := result.Sections[0].Content.Text(codec.HTML)
	for _, banned := range []string{"<b>", "<h1", "<ol"} {
		if strings.Contains(html, banned) {
			t.Fatalf("literal text became markup %q in %q", banned, html)
		}
	}
	if !strings.Contains(html, "&lt;b&gt;not bold&lt;/b&gt;") {
		t.Fatalf("html slot lost the literal tag text: %q", html)
	}
}

func TestFlattenEscapesTitles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.legacy.CreateLegacyCourse(ctx, CreateInput{Title: "Titles"}, "usr_1")
	if err != nil {
		t.Fatalf("CreateLegacyCourse: %v", err)
	}
	titles := []string{"1. Setup", "<b> & friends #"}
	for _, title := range titles {
		if _, err := f.tree.CreateSection(ctx, hierarchy.CreateInput{CourseID: created.ID, Title: title}); err != nil {
			t.Fatalf("CreateSection: %v", err)
		}
	}
	view, err := f.legacy.CourseToLegacyFormat(ctx, created.ID, ToLegacyOptions{IncludeContent: true})
	if err != nil {
		t.Fatalf("CourseToLegacyFormat: %v", err)
	}
	units := SplitBlob(*view.Content, "Fallback")
	if len(units) != len(titles) {
		t.Fatalf("expected %d units from %q, got %+v", len(titles), *view.Content, units)
	}
	for i, unit := range units {
		if unit.Title != titles[i] {
			t.Errorf("title %d read back as %q, want %q", i, unit.Title, titles[i])
		}
	}
}

func TestConvertEmptyBlobFlipsArchitecture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.legacy.CreateLegacyCourse(ctx, CreateInput{Title: "Empty"}, "usr_1")
	if err != nil {
		t.Fatalf("CreateLegacyCourse: %v", err)
	}
	result, err := f.legacy.ConvertLegacyCourse(ctx, created.ID, "usr_1")
	if err != nil {
		t.Fatalf("ConvertLegacyCourse: %v", err)
	}
	if len(result.Sections) != 0 || result.Course.Architecture != store.ArchitectureSections || result.ArchiveCommit != "" {
		t.Fatalf("unexpected conversion: %+v", result)
	}
}

func TestCourseToLegacyFormatFlattensTree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.legacy.CreateLegacyCourse(ctx, CreateInput{Title: "Tree"}, "usr_1")
	if err != nil {
		t.Fatalf("CreateLegacyCourse: %v", err)
	}
	md := func(text string) codec.Content {
		c, err := codec.ToMultiFormat(text, codec.Markdown)
		if err != nil {
			t.Fatalf("ToMultiFormat: %v", err)
		}
		return c
	}
	html, err := codec.ToMultiFormat("<p>Child <em>body</em></p>", codec.HTML)
	if err != nil {
		t.Fatalf("ToMultiFormat: %v", err)
	}
	parent, err := f.tree.CreateSection(ctx, hierarchy.CreateInput{CourseID: created.ID, Title: "Parent", Content: md("Parent body")})
	if err != nil {
		t.Fatalf("CreateSection: %v", err)
	}
	if _, err := f.tree.CreateSection(ctx, hierarchy.CreateInput{CourseID: created.ID, ParentID: &parent.ID, Title: "Child", Content: html}); err != nil {
		t.Fatalf("CreateSection: %v", err)
	}
	if _, err := f.tree.CreateSection(ctx, hierarchy.CreateInput{CourseID: created.ID, Title: "Empty"}); err != nil {
		t.Fatalf("CreateSection: %v", err)
	}

	view, err := f.legacy.CourseToLegacyFormat(ctx, created.ID, ToLegacyOptions{IncludeContent: true})
	if err != nil {
		t.Fatalf("CourseToLegacyFormat: %v", err)
	}
	want := "# Parent\n\nParent body\n\n## Child\n\nChild *body*\n\n# Empty\n"
	if view.Content == nil || *view.Content != want {
		t.Fatalf("unexpected flattening:\n%q\nwant\n%q", *view.Content, want)
	}
	if view.SectionCount != 3 {
		t.Fatalf("expected 3 sections, got %d", view.SectionCount)
	}

	if _, err := f.legacy.CourseToLegacyFormat(ctx, "crs_missing", ToLegacyOptions{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
