package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestLegacyArchiveLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	first, err := svc.ArchiveLegacy("crs-1", "# Intro\n\nHello", "Avery", "Archive legacy content")
	if err != nil {
		t.Fatalf("ArchiveLegacy() error = %v", err)
	}
	if first.Hash == "" || first.Author != "Avery" {
		t.Fatalf("unexpected commit: %+v", first)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "crs-1", ".git")); err != nil {
		t.Fatalf("repo missing: %v", err)
	}

	second, err := svc.ArchiveLegacy("crs-1", "# Intro\n\nHello again", "Avery", "Update")
	if err != nil {
		t.Fatalf("ArchiveLegacy() second error = %v", err)
	}

	old, err := svc.ReadFile("crs-1", first.Hash, LegacyFile)
	if err != nil {
		t.Fatalf("ReadFile(first) error = %v", err)
	}
	if string(old) != "# Intro\n\nHello" {
		t.Fatalf("unexpected archived content %q", old)
	}
	head, err := svc.ReadFile("crs-1", "", LegacyFile)
	if err != nil {
		t.Fatalf("ReadFile(head) error = %v", err)
	}
	if !strings.HasSuffix(string(head), "again") {
		t.Fatalf("head should hold the latest blob, got %q", head)
	}

	history, err := svc.History("crs-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Hash != second.Hash {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestCommitUnchangedReturnsHead(t *testing.T) {
	svc := New(t.TempDir())
	first, err := svc.ArchiveBundle("crs-1", []byte(`{"v":1}`), "Avery", "Bundle")
	if err != nil {
		t.Fatalf("ArchiveBundle() error = %v", err)
	}
	again, err := svc.ArchiveBundle("crs-1", []byte(`{"v":1}`), "Avery", "Bundle again")
	if err != nil {
		t.Fatalf("ArchiveBundle() repeat error = %v", err)
	}
	if again.Hash != first.Hash {
		t.Fatalf("unchanged data should not create a commit: %s vs %s", again.Hash, first.Hash)
	}
}

func TestHistoryWithoutRepo(t *testing.T) {
	svc := New(t.TempDir())
	history, err := svc.History("missing", 5)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d", len(history))
	}
}

func TestTagIsIdempotent(t *testing.T) {
	svc := New(t.TempDir())
	commit, err := svc.ArchiveLegacy("crs-1", "blob", "Avery", "Archive")
	if err != nil {
		t.Fatalf("ArchiveLegacy() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := svc.Tag("crs-1", commit.Hash, "pre-migration"); err != nil {
			t.Fatalf("Tag() #%d error = %v", i, err)
		}
	}
	data, err := svc.ReadFile("crs-1", "pre-migration", LegacyFile)
	if err != nil {
		t.Fatalf("ReadFile(tag) error = %v", err)
	}
	if string(data) != "blob" {
		t.Fatalf("unexpected tagged content %q", data)
	}
}

func TestConcurrentCommitsSameCourse(t *testing.T) {
	svc := New(t.TempDir())

	const writers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if _, err := svc.ArchiveLegacy("crs-1", fmt.Sprintf("blob-%02d", idx), "Avery", fmt.Sprintf("Commit %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("ArchiveLegacy() concurrent error = %v", err)
	}

	history, err := svc.History("crs-1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers {
		t.Fatalf("expected %d commits, got %d", writers, len(history))
	}
}

func TestSanitizeEmail(t *testing.T) {
	cases := map[string]string{"Avery Stone": "Avery.Stone", "usr_1": "usr.1", "@@@": "user"}
	for in, want := range cases {
		if got := sanitizeEmail(in); got != want {
			t.Errorf("sanitizeEmail(%q) = %q, want %q", in, got, want)
		}
	}
}
