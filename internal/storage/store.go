package storage

import (
	"context"
	"errors"
	"regexp"
	"slices"
	"strings"

	"github.com/onexay/modelhub/internal/types"
)

// Store is the branch-aware versioned content store the engine orchestrates.
// Implementations must make CommitTree a compare-and-set on the branch head.
type Store interface {
	InitRepository(ctx context.Context, repo, defaultBranch string, author types.Author) (types.Commit, error)
	DeleteRepository(ctx context.Context, repo string) error
	GetCommit(ctx context.Context, repo, hash string) (types.Commit, error)
	GetTree(ctx context.Context, repo, commitHash string) (types.Tree, error)
	CommitTree(ctx context.Context, req CommitRequest) (types.Commit, error)
	ListBranches(ctx context.Context, repo string) ([]types.Branch, error)
	GetBranch(ctx context.Context, repo, name string) (types.Branch, error)
	CreateBranch(ctx context.Context, req BranchRequest) (types.Branch, error)
	DeleteBranch(ctx context.Context, repo, name string) error
	ListTags(ctx context.Context, repo string) ([]types.Tag, error)
	GetTag(ctx context.Context, repo, name string) (types.Tag, error)
	CreateTag(ctx context.Context, req TagRequest) (types.Tag, error)
	DeleteTag(ctx context.Context, repo, name string) error
	Close() error
}

// NotFoundError signals missing records.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " " + e.Key + " not found"
}

// ConflictError signals concurrent modification or duplicate creation attempts.
type ConflictError struct {
	Resource string
	Key      string
}

func (e *ConflictError) Error() string {
	return e.Resource + " " + e.Key + " conflicts with existing state"
}

// ValidationError represents invalid input supplied by clients.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

var (
	refNameRE    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]{0,127}$`)
	commitHashRE = regexp.MustCompile(`^[0-9a-f]{40,64}$`)
)

// ValidRefName reports whether name is usable as a branch or tag name.
func ValidRefName(name string) bool {
	if !refNameRE.MatchString(name) {
		return false
	}
	for i := 1; i < len(name); i++ {
		if name[i] == '.' && name[i-1] == '.' || name[i] == '/' && name[i-1] == '/' {
			return false
		}
	}
	return name[len(name)-1] != '/' && name[len(name)-1] != '.'
}

func validateCommitRequest(req CommitRequest) error {
	if req.Repo == "" || req.Branch == "" {
		return &ValidationError{Message: "repo and branch are required"}
	}
	if req.Author.Name == "" || req.Author.ID == "" {
		return &ValidationError{Message: "author name and id are required"}
	}
	for path, e := range req.Tree {
		if path != e.Path {
			return &ValidationError{Message: "tree entry path mismatch for " + path}
		}
	}
	if file, nested, ok := PathCollision(req.Tree); ok {
		return &ValidationError{Message: "file " + file + " collides with directory of " + nested}
	}
	return nil
}

// PathCollision finds a file whose path is also a directory of another file,
// such as "a" and "a/b". It reports the lexically first such pair.
func PathCollision(t types.Tree) (file, nested string, ok bool) {
	paths := make([]string, 0, len(t))
	for p := range t {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	for _, p := range paths {
		for i := strings.IndexByte(p, '/'); i >= 0; i = nextSlash(p, i) {
			if _, isFile := t[p[:i]]; isFile {
				return p[:i], p, true
			}
		}
	}
	return "", "", false
}

func nextSlash(p string, i int) int {
	j := strings.IndexByte(p[i+1:], '/')
	if j < 0 {
		return -1
	}
	return i + 1 + j
}

// ResolveRevision resolves a branch name, tag name, or commit hash to a commit.
// Branches take precedence over tags, tags over commit hashes.
func ResolveRevision(ctx context.Context, s Store, repo, rev string) (types.Commit, error) {
	if rev == "" {
		return types.Commit{}, &ValidationError{Message: "revision is required"}
	}
	branch, err := s.GetBranch(ctx, repo, rev)
	if err == nil {
		return s.GetCommit(ctx, repo, branch.Commit)
	}
	if !IsNotFound(err) {
		return types.Commit{}, err
	}
	tag, err := s.GetTag(ctx, repo, rev)
	if err == nil {
		return s.GetCommit(ctx, repo, tag.Commit)
	}
	if !IsNotFound(err) {
		return types.Commit{}, err
	}
	if commitHashRE.MatchString(rev) {
		c, err := s.GetCommit(ctx, repo, rev)
		if err == nil {
			return c, nil
		}
		if !IsNotFound(err) {
			return types.Commit{}, err
		}
	}
	return types.Commit{}, &NotFoundError{Resource: "revision", Key: rev}
}

// Log walks the first-parent chain starting at from, newest first.
// A limit of zero or less returns the whole chain.
func Log(ctx context.Context, s Store, repo, from string, limit int) ([]types.Commit, error) {
	var out []types.Commit
	seen := make(map[string]bool)
	for hash := from; hash != ""; {
		if seen[hash] {
			return nil, &ValidationError{Message: "commit cycle detected at " + hash}
		}
		seen[hash] = true
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := s.GetCommit(ctx, repo, hash)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
		hash = c.Parent()
	}
	return out, nil
}

// Ancestors returns every commit reachable from hash, including hash itself.
func Ancestors(ctx context.Context, s Store, repo, hash string) (map[string]types.Commit, error) {
	out := make(map[string]types.Commit)
	queue := []string{hash}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if h == "" {
			continue
		}
		if _, ok := out[h]; ok {
			continue
		}
		c, err := s.GetCommit(ctx, repo, h)
		if err != nil {
			return nil, err
		}
		out[h] = c
		queue = append(queue, c.Parents...)
	}
	return out, nil
}

// MergeBase returns the nearest common ancestor of a and b, or "" if the
// histories are unrelated.
func MergeBase(ctx context.Context, s Store, repo, a, b string) (string, error) {
	ancestors, err := Ancestors(ctx, s, repo, a)
	if err != nil {
		return "", err
	}
	seen := make(map[string]bool)
	queue := []string{b}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		if _, ok := ancestors[h]; ok {
			return h, nil
		}
		c, err := s.GetCommit(ctx, repo, h)
		if err != nil {
			return "", err
		}
		queue = append(queue, c.Parents...)
	}
	return "", nil
}
