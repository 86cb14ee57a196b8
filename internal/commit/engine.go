// Package commit applies NDJSON commit requests to a branch as one atomic
// revision.
package commit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/onexay/modelhub/internal/apierr"
	"github.com/onexay/modelhub/internal/branchlock"
	"github.com/onexay/modelhub/internal/objstore"
	"github.com/onexay/modelhub/internal/quota"
	"github.com/onexay/modelhub/internal/registry"
	"github.com/onexay/modelhub/internal/stats"
	"github.com/onexay/modelhub/internal/storage"
	"github.com/onexay/modelhub/internal/tree"
	"github.com/onexay/modelhub/internal/types"
)

// DefaultLFSThreshold is the inline size at which files must go through LFS.
const DefaultLFSThreshold = 10 << 20

// Objects reports stored large objects.
type Objects interface {
	Stat(ctx context.Context, oid string) (size int64, ok bool, err error)
}

// Options configure the engine.
type Options struct {
	// LFSThreshold is the smallest inline file rejected with UseLFS.
	LFSThreshold int64
	// LFSSuffixes are file suffixes that always go through LFS, e.g. ".safetensors".
	LFSSuffixes []string
	Stats       *stats.Stats
}

// Engine validates operation sequences and submits them to the content store.
type Engine struct {
	store   storage.Store
	reg     registry.Registry
	objects Objects
	quota   *quota.Accountant
	locks   *branchlock.Locker
	opts    Options
}

// NewEngine wires an Engine. locks is shared with every other component that
// moves branch heads.
func NewEngine(store storage.Store, reg registry.Registry, objects Objects, acct *quota.Accountant, locks *branchlock.Locker, opts Options) *Engine {
	if opts.LFSThreshold <= 0 {
		opts.LFSThreshold = DefaultLFSThreshold
	}
	return &Engine{store: store, reg: reg, objects: objects, quota: acct, locks: locks, opts: opts}
}

// Result is the outcome of a commit. Created is false for a no-op commit, in
// which case Commit is the unchanged head.
type Result struct {
	Commit  types.Commit
	Created bool
}

// RequiresLFS reports whether a file of this path and size must be stored in LFS.
func (e *Engine) RequiresLFS(p string, size int64) bool {
	if size >= e.opts.LFSThreshold {
		return true
	}
	lower := strings.ToLower(p)
	for _, s := range e.opts.LFSSuffixes {
		if strings.HasSuffix(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// Commit applies req on top of branch. The whole sequence is validated and
// the new tree computed before anything is written.
func (e *Engine) Commit(ctx context.Context, id types.RepoID, branch string, author types.Author, req Request) (res Result, err error) {
	sp := e.opts.Stats.StartSpan("commit")
	defer func() { sp.End(err) }()

	if author.Name == "" || author.ID == "" {
		return Result{}, apierr.Validation("author name and id are required")
	}
	if _, err := e.reg.GetRepository(ctx, id); err != nil {
		return Result{}, apierr.From(err)
	}
	repo := id.String()
	if _, err := e.store.GetBranch(ctx, repo, branch); err != nil {
		return Result{}, apierr.From(err)
	}

	unlock, err := e.locks.Lock(ctx, repo, branch)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	head, err := e.store.GetBranch(ctx, repo, branch)
	if err != nil {
		return Result{}, apierr.From(err)
	}
	if req.Header.ParentCommit != "" && req.Header.ParentCommit != head.Commit {
		return Result{}, apierr.New(apierr.KindConflict, "branch %s has moved: head is %s, not %s", branch, head.Commit, req.Header.ParentCommit).
			WithDetail("head", head.Commit)
	}
	base, err := e.store.GetTree(ctx, repo, head.Commit)
	if err != nil {
		return Result{}, err
	}
	next, err := e.apply(ctx, repo, base, req.Operations)
	if err != nil {
		return Result{}, err
	}

	if tree.Equal(base, next) {
		parent, err := e.store.GetCommit(ctx, repo, head.Commit)
		if err != nil {
			return Result{}, err
		}
		slog.DebugContext(ctx, "commit is a no-op", "repo", repo, "branch", branch, "head", head.Commit)
		return Result{Commit: parent}, nil
	}

	if err := e.quota.CheckTree(ctx, id, branch, next); err != nil {
		return Result{}, err
	}
	c, err := e.store.CommitTree(ctx, storage.CommitRequest{
		Repo:         repo,
		Branch:       branch,
		ExpectedHead: head.Commit,
		Parents:      []string{head.Commit},
		Tree:         next,
		Author:       author,
		Message:      req.Header.Summary,
		Description:  req.Header.Description,
	})
	if err != nil {
		return Result{}, apierr.From(err)
	}
	e.quota.Settle(ctx, id)
	slog.InfoContext(ctx, "commit created", "repo", repo, "branch", branch, "commit", c.Hash, "operations", len(req.Operations))
	return Result{Commit: c, Created: true}, nil
}

// apply computes the tree produced by ops on top of base. It does not write.
func (e *Engine) apply(ctx context.Context, repo string, base types.Tree, ops []Operation) (types.Tree, error) {
	next := base.Clone()
	sources := map[string]types.Tree{}
	for i, op := range ops {
		p, err := CleanPath(op.Path)
		if err != nil {
			return nil, err
		}
		switch op.Key {
		case OpFile:
			size := int64(len(op.Content))
			if e.RequiresLFS(p, size) {
				return nil, apierr.New(apierr.KindUseLFS, "%s (%d bytes) must be uploaded with LFS", p, size).
					WithDetail("path", p).
					WithDetail("threshold", e.opts.LFSThreshold)
			}
			sum := sha256.Sum256(op.Content)
			next[p] = types.Entry{Path: p, Size: size, OID: hex.EncodeToString(sum[:]), Class: types.StorageInline, Content: op.Content}

		case OpLFSFile:
			if !objstore.ValidOID(op.OID) || op.Size < 0 {
				return nil, apierr.Validation("%s: invalid lfs pointer", p)
			}
			stored, ok, err := e.objects.Stat(ctx, op.OID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, apierr.NotFound("lfs object", op.OID).WithDetail("path", p)
			}
			if stored != op.Size {
				return nil, apierr.New(apierr.KindSizeMismatch, "%s: object %s is %d bytes, declared %d", p, op.OID, stored, op.Size).
					WithDetail("path", p).
					WithDetail("expected", op.Size).
					WithDetail("actual", stored)
			}
			next[p] = types.Entry{Path: p, Size: op.Size, OID: op.OID, Class: types.StorageLFS}

		case OpDeletedFile:
			if _, ok := next[p]; !ok {
				return nil, apierr.NotFound("file", p)
			}
			delete(next, p)

		case OpDeletedFolder:
			sub := tree.Subtree(next, p)
			if len(sub) == 0 {
				return nil, apierr.NotFound("folder", p)
			}
			for q := range sub {
				delete(next, q)
			}

		case OpCopyFile:
			src, err := CleanPath(op.SrcPath)
			if err != nil {
				return nil, err
			}
			from := next
			if op.SrcRevision != "" {
				if from, err = e.revisionTree(ctx, repo, op.SrcRevision, sources); err != nil {
					return nil, err
				}
			}
			entry, ok := from[src]
			if !ok {
				return nil, apierr.NotFound("file", src)
			}
			entry.Path = p
			next[p] = entry

		default:
			return nil, apierr.Validation("operation %d: unknown key %q", i+1, op.Key)
		}
	}
	if file, nested, ok := storage.PathCollision(next); ok {
		return nil, apierr.Validation("%s is a file and cannot also be a directory of %s", file, nested).
			WithDetail("path", file).
			WithDetail("conflicting_path", nested)
	}
	return next, nil
}

func (e *Engine) revisionTree(ctx context.Context, repo, rev string, cache map[string]types.Tree) (types.Tree, error) {
	if t, ok := cache[rev]; ok {
		return t, nil
	}
	c, err := storage.ResolveRevision(ctx, e.store, repo, rev)
	if err != nil {
		return nil, apierr.From(err)
	}
	t, err := e.store.GetTree(ctx, repo, c.Hash)
	if err != nil {
		return nil, fmt.Errorf("read tree of %s: %w", rev, err)
	}
	cache[rev] = t
	return t, nil
}

// FolderPaths lists the files a folder deletion would remove.
func (e *Engine) FolderPaths(ctx context.Context, id types.RepoID, revision, dir string) ([]string, error) {
	dir, err := CleanPath(dir)
	if err != nil {
		return nil, err
	}
	t, err := e.revisionTree(ctx, id.String(), revision, map[string]types.Tree{})
	if err != nil {
		return nil, err
	}
	sub := tree.Subtree(t, dir)
	if len(sub) == 0 {
		return nil, apierr.NotFound("folder", dir)
	}
	return tree.SortedPaths(sub), nil
}
