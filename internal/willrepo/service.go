// Package willrepo versions will content. Each will gets its own git
// repository with a single main branch; every save is a commit, and
// finalized versions are pinned with tags. Git buys us tamper-evident
// history and point-in-time reads without a bespoke versions table.
package willrepo

import (
	"bytes"
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

	"heirloom/api/internal/store"
	"heirloom/api/internal/willdoc"
)

// ErrNotFound covers unknown wills and unknown versions alike.
var ErrNotFound = errors.New("will version not found")

const contentFile = "content.json"

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

// Init creates the will's repository with an empty document as the
// first commit. Calling it for an existing will is a no-op.
func (s *Service) Init(willID, author string) error {
	lock := s.willLock(willID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(willID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	payload, err := marshalContent(willdoc.Content{})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(path, contentFile), payload, 0o644); err != nil {
		return fmt.Errorf("write initial content: %w", err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return fmt.Errorf("git add initial content: %w", err)
	}
	hash, err := worktree.Commit("Create will", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit initial content: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// Save commits new content on main. Saving identical content is a
// no-op returning the current head, so clients can hammer save without
// polluting history.
func (s *Service) Save(willID string, content willdoc.Content, author, message string) (store.CommitInfo, error) {
	lock := s.willLock(willID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(willID)
	if err != nil {
		return store.CommitInfo{}, err
	}

	headContent, headInfo, err := readHead(repo)
	if err != nil {
		return store.CommitInfo{}, err
	}
	if same, err := sameContent(headContent, content); err != nil {
		return store.CommitInfo{}, err
	} else if same {
		return headInfo, nil
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := marshalContent(content)
	if err != nil {
		return store.CommitInfo{}, err
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), contentFile), payload, 0o644); err != nil {
		return store.CommitInfo{}, fmt.Errorf("write content.json: %w", err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return store.CommitInfo{}, fmt.Errorf("git add content: %w", err)
	}

	if message == "" {
		message = "Update will"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("commit content: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// Head returns the current content and the commit it came from.
func (s *Service) Head(willID string) (willdoc.Content, store.CommitInfo, error) {
	lock := s.willLock(willID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(willID)
	if err != nil {
		return willdoc.Content{}, store.CommitInfo{}, err
	}
	return readHead(repo)
}

// ContentAt reads the document as of a commit. Short hashes work.
func (s *Service) ContentAt(willID, hash string) (willdoc.Content, error) {
	lock := s.willLock(willID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(willID)
	if err != nil {
		return willdoc.Content{}, err
	}

	commitObj, err := commitByHash(repo, hash)
	if err != nil {
		return willdoc.Content{}, err
	}
	return readContentFromCommit(commitObj)
}

// CommitAt resolves a commit's metadata.
func (s *Service) CommitAt(willID, hash string) (store.CommitInfo, error) {
	lock := s.willLock(willID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(willID)
	if err != nil {
		return store.CommitInfo{}, err
	}

	commitObj, err := commitByHash(repo, hash)
	if err != nil {
		return store.CommitInfo{}, err
	}
	return toCommitInfo(commitObj), nil
}

// History lists commits newest first, up to limit (0 = all).
func (s *Service) History(willID string, limit int) ([]store.CommitInfo, error) {
	lock := s.willLock(willID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(willID)
	if err != nil {
		return nil, err
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Tag pins a commit under a name. Re-tagging the same name is a no-op.
func (s *Service) Tag(willID, hash, name string) error {
	lock := s.willLock(willID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(willID)
	if err != nil {
		return err
	}
	commitObj, err := commitByHash(repo, hash)
	if err != nil {
		return err
	}

	_, err = repo.CreateTag(name, commitObj.Hash, &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "Heirloom",
			Email: "vault@heirloom.local",
			When:  time.Now(),
		},
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

func (s *Service) repoPath(willID string) string {
	return filepath.Join(s.baseDir, willID)
}

func (s *Service) open(willID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(willID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) willLock(willID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[willID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[willID] = lock
	return lock
}

func readHead(repo *git.Repository) (willdoc.Content, store.CommitInfo, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return willdoc.Content{}, store.CommitInfo{}, fmt.Errorf("resolve main: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return willdoc.Content{}, store.CommitInfo{}, fmt.Errorf("load head commit: %w", err)
	}
	content, err := readContentFromCommit(commitObj)
	if err != nil {
		return willdoc.Content{}, store.CommitInfo{}, err
	}
	return content, toCommitInfo(commitObj), nil
}

func commitByHash(repo *git.Repository, hash string) (*object.Commit, error) {
	var resolved plumbing.Hash
	if len(hash) == 40 {
		resolved = plumbing.NewHash(hash)
	} else {
		rev, err := repo.ResolveRevision(plumbing.Revision(hash))
		if err != nil {
			return nil, ErrNotFound
		}
		resolved = *rev
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return nil, ErrNotFound
	}
	return commitObj, nil
}

func readContentFromCommit(commitObj *object.Commit) (willdoc.Content, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return willdoc.Content{}, fmt.Errorf("load content.json from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return willdoc.Content{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return willdoc.Content{}, fmt.Errorf("read content bytes: %w", err)
	}

	var content willdoc.Content
	if err := json.Unmarshal(raw, &content); err != nil {
		return willdoc.Content{}, fmt.Errorf("decode commit content: %w", err)
	}
	return content, nil
}

func marshalContent(content willdoc.Content) ([]byte, error) {
	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	return append(payload, '\n'), nil
}

func sameContent(a, b willdoc.Content) (bool, error) {
	rawA, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("marshal content: %w", err)
	}
	rawB, err := json.Marshal(b)
	if err != nil {
		return false, fmt.Errorf("marshal content: %w", err)
	}
	return bytes.Equal(rawA, rawB), nil
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@wills.heirloom.local", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func sanitizeEmail(input string) string {
	runes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			runes = append(runes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			runes = append(runes, '.')
		}
	}
	if len(runes) == 0 {
		return "user"
	}
	return string(runes)
}
