package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const snapshotFile = "survey.json"

// GitArchive keeps one repository per survey family. Each release commits
// survey.json on main and tags the commit with v<version>.
type GitArchive struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewGitArchive(baseDir string) *GitArchive {
	return &GitArchive{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (a *GitArchive) Archive(ctx context.Context, release Release) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := a.familyLock(release.NameID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.openOrInit(release.NameID)
	if err != nil {
		return err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	path := filepath.Join(worktree.Filesystem.Root(), snapshotFile)
	if err := os.WriteFile(path, append(release.Document, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return fmt.Errorf("git add snapshot: %w", err)
	}

	hash, err := worktree.Commit(fmt.Sprintf("Release %s %s\n\nsurvey: %s", release.NameID, release.Tag(), release.SurveyID), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(release),
	})
	if err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}

	_, err = repo.CreateTag(release.Tag(), hash, &git.CreateTagOptions{
		Tagger:  signature(release),
		Message: release.Title,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

// Versions lists the archived versions of a family in release order. A family
// that was never released has none.
func (a *GitArchive) Versions(ctx context.Context, nameID string) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lock := a.familyLock(nameID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(a.repoPath(nameID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []int{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	iter, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer iter.Close()

	var versions []int
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if version, ok := parseVersionTag(ref.Name().Short()); ok {
			versions = append(versions, version)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return sortedVersions(versions), nil
}

// Snapshot returns the survey.json archived under the given version.
func (a *GitArchive) Snapshot(ctx context.Context, nameID string, version int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lock := a.familyLock(nameID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(a.repoPath(nameID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%s %s: %w", nameID, versionTag(version), ErrNotArchived)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Tag(versionTag(version))
	if errors.Is(err, git.ErrTagNotFound) {
		return nil, fmt.Errorf("%s %s: %w", nameID, versionTag(version), ErrNotArchived)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve tag %s: %w", versionTag(version), err)
	}
	commitHash := ref.Hash()
	if tagObj, err := repo.TagObject(commitHash); err == nil {
		commitHash = tagObj.Target
	}
	commitObj, err := repo.CommitObject(commitHash)
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read snapshot bytes: %w", err)
	}
	return []byte(strings.TrimSuffix(string(payload), "\n")), nil
}

func (a *GitArchive) openOrInit(nameID string) (*git.Repository, error) {
	path := a.repoPath(nameID)
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
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (a *GitArchive) repoPath(nameID string) string {
	return filepath.Join(a.baseDir, sanitizeName(nameID))
}

func (a *GitArchive) familyLock(nameID string) *sync.Mutex {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()
	lock, ok := a.locks[nameID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	a.locks[nameID] = lock
	return lock
}

func signature(release Release) *object.Signature {
	return &object.Signature{
		Name:  "surveyhub",
		Email: "releases@surveyhub.local",
		When:  release.ReleasedAt,
	}
}

// sanitizeName keeps nameIds usable as directory names and object prefixes.
func sanitizeName(nameID string) string {
	out := make([]rune, 0, len(nameID))
	for _, r := range nameID {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			out = append(out, r)
			continue
		}
		out = append(out, '_')
	}
	if len(out) == 0 || string(out) == "." || string(out) == ".." {
		return "_"
	}
	return string(out)
}
