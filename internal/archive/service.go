// Package archive keeps a git history of course artifacts that leave the
// database: legacy blobs before migration and exported bundles. Each course
// gets its own repository under the base directory.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// File names committed to a course repository.
const (
	LegacyFile = "legacy.md"
	BundleFile = "bundle.json"
)

type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// ArchiveLegacy commits a course's flat content blob.
func (s *Service) ArchiveLegacy(courseID, content, author, message string) (Commit, error) {
	return s.CommitFile(courseID, LegacyFile, []byte(content), author, message)
}

// ArchiveBundle commits an encoded course bundle.
func (s *Service) ArchiveBundle(courseID string, bundle []byte, author, message string) (Commit, error) {
	return s.CommitFile(courseID, BundleFile, bundle, author, message)
}

// CommitFile writes name into the course repository and commits it on
// main. Committing unchanged data returns the current head commit.
func (s *Service) CommitFile(courseID, name string, data []byte, author, message string) (Commit, error) {
	lock := s.courseLock(courseID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(courseID)
	if err != nil {
		return Commit{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, fmt.Errorf("open worktree: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, name), data, 0o644); err != nil {
		return Commit{}, fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := worktree.Add(name); err != nil {
		return Commit{}, fmt.Errorf("git add %s: %w", name, err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@archive.coursecore.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		head, herr := repo.Head()
		if herr != nil {
			return Commit{}, fmt.Errorf("resolve head: %w", herr)
		}
		hash, err = head.Hash(), nil
	}
	if err != nil {
		return Commit{}, fmt.Errorf("commit %s: %w", name, err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj), nil
}

// ReadFile returns name as of the commit identified by hash, which may be
// abbreviated. An empty hash reads the head of main.
func (s *Service) ReadFile(courseID, hash, name string) ([]byte, error) {
	lock := s.courseLock(courseID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(courseID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	rev := plumbing.Revision(hash)
	if hash == "" {
		rev = plumbing.Revision(plumbing.Main)
	}
	resolved, err := repo.ResolveRevision(rev)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", rev, err)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commitObj.File(name)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", name, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// History lists commits on main, newest first. A course without a
// repository has no history.
func (s *Service) History(courseID string, limit int) ([]Commit, error) {
	lock := s.courseLock(courseID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(courseID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Commit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.Main, true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0, max(limit, 0))
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommit(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Tag names a commit, typically the last legacy state before migration.
// Re-tagging with an existing name is a no-op.
func (s *Service) Tag(courseID, hash, name string) error {
	lock := s.courseLock(courseID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(courseID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	_, err = repo.CreateTag(name, *resolved, &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "coursecore",
			Email: "archive@coursecore.local",
			When:  time.Now(),
		},
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

func (s *Service) ensureRepo(courseID string) (*git.Repository, error) {
	path := s.repoPath(courseID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(courseID string) string {
	return filepath.Join(s.baseDir, courseID)
}

func (s *Service) courseLock(courseID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[courseID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[courseID] = lock
	return lock
}

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
