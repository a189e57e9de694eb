// Package gitrepo keeps a git history of document snapshots. Each commit
// holds the document tree and its comment threads side by side.
package gitrepo

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

	"marginalia/api/internal/comments"
)

const (
	mainBranch  = "main"
	docFile     = "document.json"
	threadsFile = "threads.json"
)

var ErrRepoNotFound = errors.New("document repository not found")

type Content struct {
	Title   string            `json:"title"`
	Doc     json.RawMessage   `json:"doc,omitempty"`
	Threads []comments.Thread `json:"threads"`
}

type documentFile struct {
	Title string          `json:"title"`
	Doc   json.RawMessage `json:"doc,omitempty"`
}

// CommitInfo describes one snapshot. Added and Removed count threads that
// appeared or disappeared relative to the parent snapshot.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Added     int       `json:"threadsAdded"`
	Removed   int       `json:"threadsRemoved"`
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

func (s *Service) EnsureDocumentRepo(documentID string, initial Content, author string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(documentID)
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

	hash, err := s.commit(repo, initial, author, "Import document baseline", true)
	if err != nil {
		return err
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(mainBranch), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// CommitContent records a snapshot. When nothing changed since the head the
// head is returned and changed is false.
func (s *Service) CommitContent(documentID string, content Content, author, message string) (info CommitInfo, changed bool, err error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return CommitInfo{}, false, err
	}

	head, err := headCommit(repo)
	if err != nil {
		return CommitInfo{}, false, err
	}
	previous, err := readContentFromCommit(head)
	if err != nil {
		return CommitInfo{}, false, err
	}
	if !HasChanges(previous, content) {
		info, err := toCommitInfo(head)
		return info, false, err
	}

	hash, err := s.commit(repo, content, author, message, false)
	if err != nil {
		return CommitInfo{}, false, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("read commit object: %w", err)
	}
	info, err = toCommitInfo(commitObj)
	return info, true, err
}

func (s *Service) GetHeadContent(documentID string) (Content, CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return Content{}, CommitInfo{}, err
	}
	commitObj, err := headCommit(repo)
	if err != nil {
		return Content{}, CommitInfo{}, err
	}
	content, err := readContentFromCommit(commitObj)
	if err != nil {
		return Content{}, CommitInfo{}, err
	}
	info, err := toCommitInfo(commitObj)
	return content, info, err
}

func (s *Service) GetContentByHash(documentID, hash string) (Content, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return Content{}, err
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return Content{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return Content{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readContentFromCommit(commitObj)
}

func (s *Service) History(documentID string, limit int) ([]CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, err
	}
	head, err := headCommit(repo)
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		info, err := toCommitInfo(commitObj)
		if err != nil {
			return err
		}
		items = append(items, info)
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

// CreateTag names a snapshot. Re-tagging with an existing name is a no-op.
func (s *Service) CreateTag(documentID, hash, name, tagger string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return err
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return err
	}

	_, err = repo.CreateTag(name, resolvedHash, &git.CreateTagOptions{
		Tagger:  signature(tagger),
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) open(documentID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrRepoNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func (s *Service) commit(repo *git.Repository, content Content, author, message string, allowEmpty bool) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	threads := content.Threads
	if threads == nil {
		threads = []comments.Thread{}
	}
	files := map[string]any{
		docFile:     documentFile{Title: content.Title, Doc: content.Doc},
		threadsFile: threads,
	}
	for name, value := range files {
		payload, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("marshal %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(root, name), append(payload, '\n'), 0o644); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("write %s: %w", name, err)
		}
		if _, err := worktree.Add(name); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("git add %s: %w", name, err)
		}
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: allowEmpty,
		Author:            signature(author),
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func readContentFromCommit(commitObj *object.Commit) (Content, error) {
	var doc documentFile
	if err := readJSON(commitObj, docFile, &doc); err != nil {
		return Content{}, err
	}
	threads := []comments.Thread{}
	if err := readJSON(commitObj, threadsFile, &threads); err != nil {
		return Content{}, err
	}
	return Content{Title: doc.Title, Doc: doc.Doc, Threads: threads}, nil
}

func readJSON(commitObj *object.Commit, name string, out any) error {
	file, err := commitObj.File(name)
	if err != nil {
		return fmt.Errorf("load %s from commit: %w", name, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return fmt.Errorf("open %s reader: %w", name, err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// HasChanges compares title, document and threads structurally.
func HasChanges(from, to Content) bool {
	if from.Title != to.Title {
		return true
	}
	if !bytes.Equal(normalizeJSON(from.Doc), normalizeJSON(to.Doc)) {
		return true
	}
	return !bytes.Equal(marshalThreads(from.Threads), marshalThreads(to.Threads))
}

// ThreadDiff lists thread ids present only in to (added) or only in from
// (removed).
func ThreadDiff(from, to []comments.Thread) (added, removed []string) {
	before := map[string]bool{}
	for _, t := range from {
		before[t.ID] = true
	}
	after := map[string]bool{}
	for _, t := range to {
		after[t.ID] = true
		if !before[t.ID] {
			added = append(added, t.ID)
		}
	}
	for _, t := range from {
		if !after[t.ID] {
			removed = append(removed, t.ID)
		}
	}
	return added, removed
}

func toCommitInfo(commitObj *object.Commit) (CommitInfo, error) {
	info := CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
	current, err := readContentFromCommit(commitObj)
	if err != nil {
		return CommitInfo{}, err
	}
	var previous []comments.Thread
	if commitObj.NumParents() > 0 {
		parent, err := commitObj.Parent(0)
		if err != nil {
			return CommitInfo{}, fmt.Errorf("load parent of %s: %w", info.Hash, err)
		}
		parentContent, err := readContentFromCommit(parent)
		if err != nil {
			return CommitInfo{}, err
		}
		previous = parentContent.Threads
	}
	added, removed := ThreadDiff(previous, current.Threads)
	info.Added, info.Removed = len(added), len(removed)
	return info, nil
}

func signature(name string) *object.Signature {
	if name == "" {
		name = "Marginalia"
	}
	return &object.Signature{
		Name:  name,
		Email: fmt.Sprintf("%s@local.marginalia.dev", sanitizeEmail(name)),
		When:  time.Now(),
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

func normalizeJSON(doc json.RawMessage) []byte {
	if len(doc) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil
	}
	return normalized
}

func marshalThreads(threads []comments.Thread) []byte {
	if len(threads) == 0 {
		return nil
	}
	raw, err := json.Marshal(threads)
	if err != nil {
		return nil
	}
	return raw
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
