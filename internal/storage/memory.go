package storage

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/onexay/modelhub/internal/types"
)

type memoryRepo struct {
	commits  map[string]types.Commit
	branches map[string]types.Branch
	tags     map[string]types.Tag
}

// memoryStore provides an in-memory backend for development and testing.
type memoryStore struct {
	mu    sync.RWMutex
	clock func() time.Time
	repos map[string]*memoryRepo
	trees map[string]types.Tree // tree hash -> tree, shared across repositories
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() Store {
	return &memoryStore{
		clock: time.Now,
		repos: make(map[string]*memoryRepo),
		trees: make(map[string]types.Tree),
	}
}

func (m *memoryStore) repo(name string) (*memoryRepo, error) {
	r, ok := m.repos[name]
	if !ok {
		return nil, &NotFoundError{Resource: "repository", Key: name}
	}
	return r, nil
}

func (m *memoryStore) InitRepository(ctx context.Context, repo, defaultBranch string, author types.Author) (types.Commit, error) {
	if repo == "" || !ValidRefName(defaultBranch) {
		return types.Commit{}, &ValidationError{Message: "repo and a valid default branch are required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.repos[repo]; ok {
		return types.Commit{}, &ConflictError{Resource: "repository", Key: repo}
	}
	now := m.clock().UTC()
	treeHash := TreeHash(types.Tree{})
	commit := types.Commit{
		Repo:       repo,
		AuthorName: author.Name,
		AuthorID:   author.ID,
		Message:    initialCommitMessage,
		TreeHash:   treeHash,
		Timestamp:  now,
	}
	commit.Hash = computeCommitHash(repo, treeHash, nil, author, commit.Message, now)
	m.trees[treeHash] = types.Tree{}
	m.repos[repo] = &memoryRepo{
		commits:  map[string]types.Commit{commit.Hash: commit},
		branches: map[string]types.Branch{defaultBranch: {Repo: repo, Name: defaultBranch, Commit: commit.Hash, UpdatedAt: now}},
		tags:     make(map[string]types.Tag),
	}
	return commit, nil
}

func (m *memoryStore) DeleteRepository(ctx context.Context, repo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.repo(repo); err != nil {
		return err
	}
	delete(m.repos, repo)
	return nil
}

func (m *memoryStore) GetCommit(ctx context.Context, repo, hash string) (types.Commit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.repo(repo)
	if err != nil {
		return types.Commit{}, err
	}
	c, ok := r.commits[hash]
	if !ok {
		return types.Commit{}, &NotFoundError{Resource: "commit", Key: hash}
	}
	return c, nil
}

func (m *memoryStore) GetTree(ctx context.Context, repo, commitHash string) (types.Tree, error) {
	c, err := m.GetCommit(ctx, repo, commitHash)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	tree, ok := m.trees[c.TreeHash]
	if !ok {
		return nil, &NotFoundError{Resource: "tree", Key: c.TreeHash}
	}
	return tree.Clone(), nil
}

func (m *memoryStore) CommitTree(ctx context.Context, req CommitRequest) (types.Commit, error) {
	if err := validateCommitRequest(req); err != nil {
		return types.Commit{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.repo(req.Repo)
	if err != nil {
		return types.Commit{}, err
	}
	head := ""
	if b, ok := r.branches[req.Branch]; ok {
		head = b.Commit
	}
	if head != req.ExpectedHead {
		return types.Commit{}, &ConflictError{Resource: "branch", Key: req.Branch}
	}
	for _, p := range req.Parents {
		if _, ok := r.commits[p]; !ok {
			return types.Commit{}, &NotFoundError{Resource: "commit", Key: p}
		}
	}

	now := m.clock().UTC()
	treeHash := TreeHash(req.Tree)
	commit := types.Commit{
		Repo:        req.Repo,
		Parents:     slices.Clone(req.Parents),
		AuthorName:  req.Author.Name,
		AuthorID:    req.Author.ID,
		Message:     req.Message,
		Description: req.Description,
		TreeHash:    treeHash,
		Timestamp:   now,
	}
	commit.Hash = computeCommitHash(req.Repo, treeHash, req.Parents, req.Author, req.Message, now)
	if _, ok := r.commits[commit.Hash]; ok {
		return types.Commit{}, &ConflictError{Resource: "commit", Key: commit.Hash}
	}

	if _, ok := m.trees[treeHash]; !ok {
		m.trees[treeHash] = req.Tree.Clone()
	}
	r.commits[commit.Hash] = commit
	r.branches[req.Branch] = types.Branch{Repo: req.Repo, Name: req.Branch, Commit: commit.Hash, UpdatedAt: now}
	return commit, nil
}

func (m *memoryStore) ListBranches(ctx context.Context, repo string) ([]types.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.repo(repo)
	if err != nil {
		return nil, err
	}
	result := make([]types.Branch, 0, len(r.branches))
	for _, b := range r.branches {
		result = append(result, b)
	}
	slices.SortFunc(result, func(a, b types.Branch) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return result, nil
}

func (m *memoryStore) GetBranch(ctx context.Context, repo, name string) (types.Branch, error) {
	if repo == "" || name == "" {
		return types.Branch{}, &ValidationError{Message: "repo and name are required"}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.repo(repo)
	if err != nil {
		return types.Branch{}, err
	}
	b, ok := r.branches[name]
	if !ok {
		return types.Branch{}, &NotFoundError{Resource: "branch", Key: name}
	}
	return b, nil
}

func (m *memoryStore) CreateBranch(ctx context.Context, req BranchRequest) (types.Branch, error) {
	if req.Repo == "" || req.Commit == "" || !ValidRefName(req.Name) {
		return types.Branch{}, &ValidationError{Message: "repo, a valid name, and commit are required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo(req.Repo)
	if err != nil {
		return types.Branch{}, err
	}
	if _, ok := r.commits[req.Commit]; !ok {
		return types.Branch{}, &NotFoundError{Resource: "commit", Key: req.Commit}
	}
	if _, ok := r.branches[req.Name]; ok {
		return types.Branch{}, &ConflictError{Resource: "branch", Key: req.Name}
	}
	branch := types.Branch{Repo: req.Repo, Name: req.Name, Commit: req.Commit, UpdatedAt: m.clock().UTC()}
	r.branches[req.Name] = branch
	return branch, nil
}

func (m *memoryStore) DeleteBranch(ctx context.Context, repo, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo(repo)
	if err != nil {
		return err
	}
	if _, ok := r.branches[name]; !ok {
		return &NotFoundError{Resource: "branch", Key: name}
	}
	delete(r.branches, name)
	return nil
}

func (m *memoryStore) ListTags(ctx context.Context, repo string) ([]types.Tag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.repo(repo)
	if err != nil {
		return nil, err
	}
	result := make([]types.Tag, 0, len(r.tags))
	for _, t := range r.tags {
		result = append(result, t)
	}
	slices.SortFunc(result, func(a, b types.Tag) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return result, nil
}

func (m *memoryStore) GetTag(ctx context.Context, repo, name string) (types.Tag, error) {
	if repo == "" || name == "" {
		return types.Tag{}, &ValidationError{Message: "repo and name are required"}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, err := m.repo(repo)
	if err != nil {
		return types.Tag{}, err
	}
	t, ok := r.tags[name]
	if !ok {
		return types.Tag{}, &NotFoundError{Resource: "tag", Key: name}
	}
	return t, nil
}

func (m *memoryStore) CreateTag(ctx context.Context, req TagRequest) (types.Tag, error) {
	if req.Repo == "" || req.Commit == "" || !ValidRefName(req.Name) {
		return types.Tag{}, &ValidationError{Message: "repo, a valid name, and commit are required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo(req.Repo)
	if err != nil {
		return types.Tag{}, err
	}
	if _, ok := r.commits[req.Commit]; !ok {
		return types.Tag{}, &NotFoundError{Resource: "commit", Key: req.Commit}
	}
	if _, ok := r.tags[req.Name]; ok {
		return types.Tag{}, &ConflictError{Resource: "tag", Key: req.Name}
	}
	tag := types.Tag{Repo: req.Repo, Name: req.Name, Commit: req.Commit, Note: req.Note, CreatedAt: m.clock().UTC()}
	r.tags[req.Name] = tag
	return tag, nil
}

func (m *memoryStore) DeleteTag(ctx context.Context, repo, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo(repo)
	if err != nil {
		return err
	}
	if _, ok := r.tags[name]; !ok {
		return &NotFoundError{Resource: "tag", Key: name}
	}
	delete(r.tags, name)
	return nil
}

func (m *memoryStore) Close() error { return nil }

