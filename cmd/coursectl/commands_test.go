package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"coursecore/api/internal/app"
	"coursecore/api/internal/auth"
	"coursecore/api/internal/config"
	"coursecore/api/internal/course"
	"coursecore/api/internal/hierarchy"
	"coursecore/api/internal/logger"
	"coursecore/api/internal/store"
)

func testConfig() config.Config {
	return config.Config{
		DatabaseURL:      "memory://",
		TokenSecret:      "cli-secret",
		LogMode:          "prod",
		MaxSectionDepth:  6,
		VersionRetention: 50,
	}
}

// useService points every command at svc for the rest of the test.
func useService(t *testing.T, svc *app.Service) {
	t.Helper()
	prevLoad, prevOpen := loadConfig, openService
	loadConfig = testConfig
	openService = func(context.Context, config.Config, *logger.Logger) (*app.Service, error) {
		return svc, nil
	}
	t.Cleanup(func() {
		loadConfig, openService = prevLoad, prevOpen
		actingUser, exportFormat, exportOut, pruneKeep = "", "bundle", "", -1
	})
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seedCourse(t *testing.T, svc *app.Service) string {
	t.Helper()
	ctx := context.Background()
	c, err := svc.Courses.Create(ctx, course.CreateInput{Title: "CLI Course"}, "usr_1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, title := range []string{"One", "Two"} {
		if _, err := svc.Tree.CreateSection(ctx, hierarchy.CreateInput{CourseID: c.ID, Title: title}); err != nil {
			t.Fatalf("CreateSection: %v", err)
		}
	}
	return c.ID
}

func TestIssueTokenCommand(t *testing.T) {
	useService(t, nil)
	out, err := run(t, "issue-token", "usr_9", "--ttl", "1h")
	if err != nil {
		t.Fatalf("issue-token: %v", err)
	}
	claims, err := auth.ParseToken([]byte("cli-secret"), strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.Sub != "usr_9" || claims.Exp > time.Now().Add(time.Hour+time.Minute).Unix() {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestValidateCommand(t *testing.T) {
	svc := app.New(testConfig(), store.NewMemoryStore(), app.Deps{}, nil)
	useService(t, svc)
	courseID := seedCourse(t, svc)

	out, err := run(t, "validate", courseID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, `"valid": true`) {
		t.Fatalf("expected a valid report, got %s", out)
	}

	if _, err := run(t, "validate", "crs_missing"); err == nil {
		t.Fatal("expected an error for a missing course")
	}
}

func TestExportImportCommands(t *testing.T) {
	svc := app.New(testConfig(), store.NewMemoryStore(), app.Deps{}, nil)
	useService(t, svc)
	courseID := seedCourse(t, svc)
	path := filepath.Join(t.TempDir(), "course.json")

	if _, err := run(t, "export", courseID, "--user", "usr_1", "--out", path); err != nil {
		t.Fatalf("export: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || !bytes.Contains(data, []byte(`"CLI Course"`)) {
		t.Fatalf("expected a bundle on disk, err=%v", err)
	}

	out, err := run(t, "import", path, "--user", "usr_2")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.Contains(out, "with 2 sections") {
		t.Fatalf("unexpected import output %q", out)
	}

	if _, err := run(t, "export", courseID, "--user", "usr_2", "--out", path); err == nil {
		t.Fatal("a private course should not export for another user")
	}
}

func TestPruneAndReindexCommands(t *testing.T) {
	svc := app.New(testConfig(), store.NewMemoryStore(), app.Deps{}, nil)
	useService(t, svc)
	courseID := seedCourse(t, svc)

	out, err := run(t, "prune-versions", courseID, "--keep", "3")
	if err != nil {
		t.Fatalf("prune-versions: %v", err)
	}
	if !strings.Contains(out, "removed 0 versions") {
		t.Fatalf("unexpected prune output %q", out)
	}

	out, err = run(t, "reindex", courseID)
	if err != nil {
		t.Fatalf("reindex: %v", err)
	}
	if !strings.Contains(out, "no search index configured") {
		t.Fatalf("unexpected reindex output %q", out)
	}
}

func TestMigrateRejectsMemoryStore(t *testing.T) {
	useService(t, nil)
	if _, err := run(t, "migrate"); err == nil {
		t.Fatal("migrate should refuse the in-memory store")
	}
}
