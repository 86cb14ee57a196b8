package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	gitstorage "github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/onexay/modelhub/internal/types"
)

const lfsPointerVersion = "version https://git-lfs.github.com/spec/v1"

// gitStore keeps every repository as a bare git repository. Large files are
// committed as Git LFS pointer blobs so a plain git client sees the same tree.
type gitStore struct {
	dir   string // empty keeps repositories in memory
	clock func() time.Time

	mu    sync.Mutex
	repos map[string]*gitRepo
}

type gitRepo struct {
	mu   sync.RWMutex
	repo *gogit.Repository
}

// NewGitStore opens a git-backed Store rooted at dir. An empty dir keeps all
// repositories in memory.
func NewGitStore(dir string) (Store, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create git root: %w", err)
		}
	}
	return &gitStore{dir: dir, clock: time.Now, repos: make(map[string]*gitRepo)}, nil
}

func (s *gitStore) path(repo string) string {
	return filepath.Join(s.dir, filepath.FromSlash(repo)+".git")
}

func (s *gitStore) open(repo string) (*gitRepo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.repos[repo]; ok {
		return r, nil
	}
	if s.dir == "" {
		return nil, &NotFoundError{Resource: "repository", Key: repo}
	}
	r, err := gogit.PlainOpen(s.path(repo))
	if errors.Is(err, gogit.ErrRepositoryNotExists) {
		return nil, &NotFoundError{Resource: "repository", Key: repo}
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", repo, err)
	}
	gr := &gitRepo{repo: r}
	s.repos[repo] = gr
	return gr, nil
}

func (s *gitStore) InitRepository(ctx context.Context, repo, defaultBranch string, author types.Author) (types.Commit, error) {
	if repo == "" || !ValidRefName(defaultBranch) {
		return types.Commit{}, &ValidationError{Message: "repo and a valid default branch are required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repos[repo]; ok {
		return types.Commit{}, &ConflictError{Resource: "repository", Key: repo}
	}

	var (
		r   *gogit.Repository
		err error
	)
	if s.dir == "" {
		r, err = gogit.Init(memory.NewStorage(), nil)
	} else {
		r, err = gogit.PlainInit(s.path(repo), true)
	}
	if errors.Is(err, gogit.ErrRepositoryAlreadyExists) {
		return types.Commit{}, &ConflictError{Resource: "repository", Key: repo}
	}
	if err != nil {
		return types.Commit{}, fmt.Errorf("init %s: %w", repo, err)
	}

	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(defaultBranch))
	if err := r.Storer.SetReference(head); err != nil {
		return types.Commit{}, err
	}
	gr := &gitRepo{repo: r}
	hash, err := gr.writeCommit(types.Tree{}, nil, author, initialCommitMessage, "", s.clock())
	if err != nil {
		return types.Commit{}, err
	}
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(defaultBranch), hash)
	if err := r.Storer.SetReference(ref); err != nil {
		return types.Commit{}, err
	}
	s.repos[repo] = gr
	return gr.commit(repo, hash)
}

func (s *gitStore) DeleteRepository(ctx context.Context, repo string) error {
	if _, err := s.open(repo); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.repos, repo)
	if s.dir == "" {
		return nil
	}
	return os.RemoveAll(s.path(repo))
}

func (s *gitStore) GetCommit(ctx context.Context, repo, hash string) (types.Commit, error) {
	gr, err := s.open(repo)
	if err != nil {
		return types.Commit{}, err
	}
	if !plumbing.IsHash(hash) {
		return types.Commit{}, &NotFoundError{Resource: "commit", Key: hash}
	}
	gr.mu.RLock()
	defer gr.mu.RUnlock()
	return gr.commit(repo, plumbing.NewHash(hash))
}

func (s *gitStore) GetTree(ctx context.Context, repo, commitHash string) (types.Tree, error) {
	gr, err := s.open(repo)
	if err != nil {
		return nil, err
	}
	if !plumbing.IsHash(commitHash) {
		return nil, &NotFoundError{Resource: "commit", Key: commitHash}
	}
	gr.mu.RLock()
	defer gr.mu.RUnlock()
	c, err := gr.repo.CommitObject(plumbing.NewHash(commitHash))
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, &NotFoundError{Resource: "commit", Key: commitHash}
	}
	if err != nil {
		return nil, err
	}
	gt, err := c.Tree()
	if err != nil {
		return nil, err
	}
	tree := types.Tree{}
	err = gt.Files().ForEach(func(f *object.File) error {
		rd, err := f.Reader()
		if err != nil {
			return err
		}
		defer rd.Close()
		content, err := io.ReadAll(rd)
		if err != nil {
			return err
		}
		tree[f.Name] = entryFromBlob(f.Name, content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read tree %s: %w", c.TreeHash, err)
	}
	return tree, nil
}

func (s *gitStore) CommitTree(ctx context.Context, req CommitRequest) (types.Commit, error) {
	if err := validateCommitRequest(req); err != nil {
		return types.Commit{}, err
	}
	gr, err := s.open(req.Repo)
	if err != nil {
		return types.Commit{}, err
	}
	gr.mu.Lock()
	defer gr.mu.Unlock()

	name := plumbing.NewBranchReferenceName(req.Branch)
	old, err := gr.repo.Storer.Reference(name)
	if err != nil && !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return types.Commit{}, err
	}
	head := ""
	if old != nil {
		head = old.Hash().String()
	}
	if head != req.ExpectedHead {
		return types.Commit{}, &ConflictError{Resource: "branch", Key: req.Branch}
	}

	parents := make([]plumbing.Hash, 0, len(req.Parents))
	for _, p := range req.Parents {
		h := plumbing.NewHash(p)
		if !plumbing.IsHash(p) {
			return types.Commit{}, &NotFoundError{Resource: "commit", Key: p}
		}
		if _, err := gr.repo.CommitObject(h); err != nil {
			return types.Commit{}, &NotFoundError{Resource: "commit", Key: p}
		}
		parents = append(parents, h)
	}

	hash, err := gr.writeCommit(req.Tree, parents, req.Author, req.Message, req.Description, s.clock())
	if err != nil {
		return types.Commit{}, err
	}
	ref := plumbing.NewHashReference(name, hash)
	if err := gr.repo.Storer.CheckAndSetReference(ref, old); err != nil {
		if errors.Is(err, gitstorage.ErrReferenceHasChanged) {
			return types.Commit{}, &ConflictError{Resource: "branch", Key: req.Branch}
		}
		return types.Commit{}, err
	}
	return gr.commit(req.Repo, hash)
}

func (s *gitStore) ListBranches(ctx context.Context, repo string) ([]types.Branch, error) {
	gr, err := s.open(repo)
	if err != nil {
		return nil, err
	}
	gr.mu.RLock()
	defer gr.mu.RUnlock()
	iter, err := gr.repo.Branches()
	if err != nil {
		return nil, err
	}
	var result []types.Branch
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		result = append(result, gr.branch(repo, ref))
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(result, func(a, b types.Branch) int { return strings.Compare(a.Name, b.Name) })
	return result, nil
}

func (s *gitStore) GetBranch(ctx context.Context, repo, name string) (types.Branch, error) {
	if repo == "" || name == "" {
		return types.Branch{}, &ValidationError{Message: "repo and name are required"}
	}
	gr, err := s.open(repo)
	if err != nil {
		return types.Branch{}, err
	}
	gr.mu.RLock()
	defer gr.mu.RUnlock()
	ref, err := gr.repo.Storer.Reference(plumbing.NewBranchReferenceName(name))
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return types.Branch{}, &NotFoundError{Resource: "branch", Key: name}
	}
	if err != nil {
		return types.Branch{}, err
	}
	return gr.branch(repo, ref), nil
}

func (s *gitStore) CreateBranch(ctx context.Context, req BranchRequest) (types.Branch, error) {
	if req.Repo == "" || req.Commit == "" || !ValidRefName(req.Name) {
		return types.Branch{}, &ValidationError{Message: "repo, a valid name, and commit are required"}
	}
	gr, err := s.open(req.Repo)
	if err != nil {
		return types.Branch{}, err
	}
	gr.mu.Lock()
	defer gr.mu.Unlock()
	if !plumbing.IsHash(req.Commit) {
		return types.Branch{}, &NotFoundError{Resource: "commit", Key: req.Commit}
	}
	h := plumbing.NewHash(req.Commit)
	if _, err := gr.repo.CommitObject(h); err != nil {
		return types.Branch{}, &NotFoundError{Resource: "commit", Key: req.Commit}
	}
	name := plumbing.NewBranchReferenceName(req.Name)
	if _, err := gr.repo.Storer.Reference(name); err == nil {
		return types.Branch{}, &ConflictError{Resource: "branch", Key: req.Name}
	}
	ref := plumbing.NewHashReference(name, h)
	if err := gr.repo.Storer.SetReference(ref); err != nil {
		return types.Branch{}, err
	}
	return gr.branch(req.Repo, ref), nil
}

func (s *gitStore) DeleteBranch(ctx context.Context, repo, name string) error {
	gr, err := s.open(repo)
	if err != nil {
		return err
	}
	gr.mu.Lock()
	defer gr.mu.Unlock()
	ref := plumbing.NewBranchReferenceName(name)
	if _, err := gr.repo.Storer.Reference(ref); err != nil {
		return &NotFoundError{Resource: "branch", Key: name}
	}
	return gr.repo.Storer.RemoveReference(ref)
}

func (s *gitStore) ListTags(ctx context.Context, repo string) ([]types.Tag, error) {
	gr, err := s.open(repo)
	if err != nil {
		return nil, err
	}
	gr.mu.RLock()
	defer gr.mu.RUnlock()
	iter, err := gr.repo.Tags()
	if err != nil {
		return nil, err
	}
	var result []types.Tag
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		tag, err := gr.tag(repo, ref)
		if err != nil {
			return err
		}
		result = append(result, tag)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(result, func(a, b types.Tag) int { return strings.Compare(a.Name, b.Name) })
	return result, nil
}

func (s *gitStore) GetTag(ctx context.Context, repo, name string) (types.Tag, error) {
	if repo == "" || name == "" {
		return types.Tag{}, &ValidationError{Message: "repo and name are required"}
	}
	gr, err := s.open(repo)
	if err != nil {
		return types.Tag{}, err
	}
	gr.mu.RLock()
	defer gr.mu.RUnlock()
	ref, err := gr.repo.Tag(name)
	if errors.Is(err, gogit.ErrTagNotFound) {
		return types.Tag{}, &NotFoundError{Resource: "tag", Key: name}
	}
	if err != nil {
		return types.Tag{}, err
	}
	return gr.tag(repo, ref)
}

func (s *gitStore) CreateTag(ctx context.Context, req TagRequest) (types.Tag, error) {
	if req.Repo == "" || req.Commit == "" || !ValidRefName(req.Name) {
		return types.Tag{}, &ValidationError{Message: "repo, a valid name, and commit are required"}
	}
	gr, err := s.open(req.Repo)
	if err != nil {
		return types.Tag{}, err
	}
	gr.mu.Lock()
	defer gr.mu.Unlock()
	if !plumbing.IsHash(req.Commit) {
		return types.Tag{}, &NotFoundError{Resource: "commit", Key: req.Commit}
	}
	h := plumbing.NewHash(req.Commit)
	if _, err := gr.repo.CommitObject(h); err != nil {
		return types.Tag{}, &NotFoundError{Resource: "commit", Key: req.Commit}
	}
	var opts *gogit.CreateTagOptions
	if req.Note != "" {
		opts = &gogit.CreateTagOptions{
			Tagger:  &object.Signature{Name: "modelhub", Email: "modelhub@localhost", When: s.clock()},
			Message: req.Note,
		}
	}
	ref, err := gr.repo.CreateTag(req.Name, h, opts)
	if errors.Is(err, gogit.ErrTagExists) {
		return types.Tag{}, &ConflictError{Resource: "tag", Key: req.Name}
	}
	if err != nil {
		return types.Tag{}, err
	}
	return gr.tag(req.Repo, ref)
}

func (s *gitStore) DeleteTag(ctx context.Context, repo, name string) error {
	gr, err := s.open(repo)
	if err != nil {
		return err
	}
	gr.mu.Lock()
	defer gr.mu.Unlock()
	err = gr.repo.DeleteTag(name)
	if errors.Is(err, gogit.ErrTagNotFound) {
		return &NotFoundError{Resource: "tag", Key: name}
	}
	return err
}

func (s *gitStore) Close() error { return nil }

// writeCommit stores the tree and a commit object and returns the commit hash.
// The caller holds gr.mu.
func (gr *gitRepo) writeCommit(tree types.Tree, parents []plumbing.Hash, author types.Author, message, description string, when time.Time) (plumbing.Hash, error) {
	root := newDirNode()
	for path, e := range tree {
		root.insert(strings.Split(path, "/"), e)
	}
	treeHash, err := gr.writeDir(root)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	sig := object.Signature{Name: author.Name, Email: author.ID, When: when}
	msg := message
	if description != "" {
		msg += "\n\n" + description
	}
	c := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      msg,
		TreeHash:     treeHash,
		ParentHashes: parents,
	}
	obj := gr.repo.Storer.NewEncodedObject()
	if err := c.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return gr.repo.Storer.SetEncodedObject(obj)
}

func (gr *gitRepo) writeDir(n *dirNode) (plumbing.Hash, error) {
	var entries []object.TreeEntry
	for name, child := range n.dirs {
		h, err := gr.writeDir(child)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: h})
	}
	for name, e := range n.files {
		h, err := gr.writeBlob(blobContent(e))
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: h})
	}
	// git orders directories as if their name had a trailing slash.
	slices.SortFunc(entries, func(a, b object.TreeEntry) int {
		return strings.Compare(gitSortName(a), gitSortName(b))
	})
	obj := gr.repo.Storer.NewEncodedObject()
	if err := (&object.Tree{Entries: entries}).Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return gr.repo.Storer.SetEncodedObject(obj)
}

func (gr *gitRepo) writeBlob(content []byte) (plumbing.Hash, error) {
	obj := gr.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return gr.repo.Storer.SetEncodedObject(obj)
}

func (gr *gitRepo) commit(repo string, h plumbing.Hash) (types.Commit, error) {
	c, err := gr.repo.CommitObject(h)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return types.Commit{}, &NotFoundError{Resource: "commit", Key: h.String()}
	}
	if err != nil {
		return types.Commit{}, err
	}
	subject, body, _ := strings.Cut(c.Message, "\n\n")
	parents := make([]string, 0, len(c.ParentHashes))
	for _, p := range c.ParentHashes {
		parents = append(parents, p.String())
	}
	return types.Commit{
		Repo:        repo,
		Hash:        c.Hash.String(),
		Parents:     parents,
		AuthorName:  c.Author.Name,
		AuthorID:    c.Author.Email,
		Message:     subject,
		Description: body,
		TreeHash:    c.TreeHash.String(),
		Timestamp:   c.Committer.When.UTC(),
	}, nil
}

func (gr *gitRepo) branch(repo string, ref *plumbing.Reference) types.Branch {
	b := types.Branch{Repo: repo, Name: ref.Name().Short(), Commit: ref.Hash().String()}
	if c, err := gr.repo.CommitObject(ref.Hash()); err == nil {
		b.UpdatedAt = c.Committer.When.UTC()
	}
	return b
}

func (gr *gitRepo) tag(repo string, ref *plumbing.Reference) (types.Tag, error) {
	t := types.Tag{Repo: repo, Name: ref.Name().Short(), Commit: ref.Hash().String()}
	if obj, err := gr.repo.TagObject(ref.Hash()); err == nil {
		t.Commit = obj.Target.String()
		t.Note = strings.TrimSpace(obj.Message)
		t.CreatedAt = obj.Tagger.When.UTC()
		return t, nil
	} else if !errors.Is(err, plumbing.ErrObjectNotFound) {
		return types.Tag{}, err
	}
	if c, err := gr.repo.CommitObject(ref.Hash()); err == nil {
		t.CreatedAt = c.Committer.When.UTC()
	}
	return t, nil
}

type dirNode struct {
	dirs  map[string]*dirNode
	files map[string]types.Entry
}

func newDirNode() *dirNode {
	return &dirNode{dirs: make(map[string]*dirNode), files: make(map[string]types.Entry)}
}

func (n *dirNode) insert(parts []string, e types.Entry) {
	if len(parts) == 1 {
		n.files[parts[0]] = e
		return
	}
	child, ok := n.dirs[parts[0]]
	if !ok {
		child = newDirNode()
		n.dirs[parts[0]] = child
	}
	child.insert(parts[1:], e)
}

func gitSortName(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

// LFSPointer renders the Git LFS pointer file for an object.
func LFSPointer(oid string, size int64) []byte {
	return []byte(fmt.Sprintf("%s\noid sha256:%s\nsize %d\n", lfsPointerVersion, oid, size))
}

func blobContent(e types.Entry) []byte {
	if e.Class == types.StorageLFS {
		return LFSPointer(e.OID, e.Size)
	}
	return e.Content
}

// ParseLFSPointer extracts oid and size from a pointer file.
func ParseLFSPointer(content []byte) (oid string, size int64, ok bool) {
	if len(content) > 1024 || !bytes.HasPrefix(content, []byte(lfsPointerVersion+"\n")) {
		return "", 0, false
	}
	for _, line := range strings.Split(string(content), "\n") {
		key, value, _ := strings.Cut(line, " ")
		switch key {
		case "oid":
			oid = strings.TrimPrefix(value, "sha256:")
		case "size":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return "", 0, false
			}
			size = n
		}
	}
	return oid, size, len(oid) == 64
}

func entryFromBlob(path string, content []byte) types.Entry {
	if oid, size, ok := ParseLFSPointer(content); ok {
		return types.Entry{Path: path, Size: size, OID: oid, Class: types.StorageLFS}
	}
	sum := sha256.Sum256(content)
	return types.Entry{
		Path:    path,
		Size:    int64(len(content)),
		OID:     hex.EncodeToString(sum[:]),
		Class:   types.StorageInline,
		Content: content,
	}
}
