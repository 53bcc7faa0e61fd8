// Package archive keeps a git history of report snapshots, one repository per
// report, so every committed state can be reviewed later as evidence.
package archive

import (
	"encoding/json"
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

	"vigil/internal/store"
)

const (
	snapshotFile = "report.json"
	branchName   = "main"
	authorName   = "vigil"
	authorEmail  = "vigil@localhost"
)

// ErrNoArchive is returned when a report has no repository yet.
var ErrNoArchive = errors.New("no archive for report")

type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

type Archive struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Archive {
	return &Archive{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Snapshot commits the current state of r. An unchanged report yields the
// existing head commit instead of an empty commit.
func (a *Archive) Snapshot(r store.Report, message string, at time.Time) (Commit, error) {
	lock := a.reportLock(r.ID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.openOrInit(r.ID)
	if err != nil {
		return Commit{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return Commit{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return Commit{}, fmt.Errorf("write snapshot: %w", err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return Commit{}, fmt.Errorf("git add snapshot: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: authorName, Email: authorEmail, When: at},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		head, headErr := repo.Head()
		if headErr != nil {
			return Commit{}, fmt.Errorf("resolve head: %w", headErr)
		}
		hash = head.Hash()
	} else if err != nil {
		return Commit{}, fmt.Errorf("commit snapshot: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj), nil
}

// History lists snapshots newest first. limit <= 0 returns all of them.
func (a *Archive) History(reportID string, limit int) ([]Commit, error) {
	lock := a.reportLock(reportID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.open(reportID)
	if err != nil {
		return nil, err
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
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

// At returns the report as it was at the given commit.
func (a *Archive) At(reportID, hash string) (store.Report, error) {
	lock := a.reportLock(reportID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.open(reportID)
	if err != nil {
		return store.Report{}, err
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return store.Report{}, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return store.Report{}, fmt.Errorf("read commit %s: %w", hash, err)
	}

	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return store.Report{}, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return store.Report{}, fmt.Errorf("read snapshot: %w", err)
	}
	return store.UnmarshalReport([]byte(contents))
}

// Remove deletes the whole history of a report. Missing archives are not an error.
func (a *Archive) Remove(reportID string) error {
	lock := a.reportLock(reportID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(a.repoPath(reportID)); err != nil {
		return fmt.Errorf("remove archive %s: %w", reportID, err)
	}

	a.lockMu.Lock()
	delete(a.locks, reportID)
	a.lockMu.Unlock()
	return nil
}

func (a *Archive) open(reportID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(a.repoPath(reportID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoArchive
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (a *Archive) openOrInit(reportID string) (*git.Repository, error) {
	path := a.repoPath(reportID)
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
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(branchName)},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (a *Archive) repoPath(reportID string) string {
	return filepath.Join(a.baseDir, filepath.Base(reportID))
}

func (a *Archive) reportLock(reportID string) *sync.Mutex {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()
	lock, ok := a.locks[reportID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	a.locks[reportID] = lock
	return lock
}

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		CreatedAt: commitObj.Author.When,
	}
}
