// Package refs moves branch and tag pointers: branch and tag lifecycle,
// merge, revert, reset and history squashing.
package refs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onexay/modelhub/internal/apierr"
	"github.com/onexay/modelhub/internal/branchlock"
	"github.com/onexay/modelhub/internal/confirm"
	"github.com/onexay/modelhub/internal/quota"
	"github.com/onexay/modelhub/internal/registry"
	"github.com/onexay/modelhub/internal/stats"
	"github.com/onexay/modelhub/internal/storage"
	"github.com/onexay/modelhub/internal/tree"
	"github.com/onexay/modelhub/internal/types"
)

// Objects reports whether large objects are still stored.
type Objects interface {
	Exists(ctx context.Context, oid string) (bool, error)
}

// Mutator implements the ref operations for every repository.
type Mutator struct {
	store   storage.Store
	reg     registry.Registry
	objects Objects
	quota   *quota.Accountant
	locks   *branchlock.Locker
	confirm *confirm.Issuer
	stats   *stats.Stats
}

// New wires a Mutator. locks must be the same Locker the commit engine uses.
func New(store storage.Store, reg registry.Registry, objects Objects, acct *quota.Accountant, locks *branchlock.Locker, issuer *confirm.Issuer, st *stats.Stats) *Mutator {
	return &Mutator{store: store, reg: reg, objects: objects, quota: acct, locks: locks, confirm: issuer, stats: st}
}

func (m *Mutator) repository(ctx context.Context, id types.RepoID) (types.Repository, error) {
	repo, err := m.reg.GetRepository(ctx, id)
	if err != nil {
		return types.Repository{}, apierr.From(err)
	}
	return repo, nil
}

func (m *Mutator) resolve(ctx context.Context, id types.RepoID, rev string) (types.Commit, error) {
	c, err := storage.ResolveRevision(ctx, m.store, id.String(), rev)
	if err != nil {
		return types.Commit{}, apierr.From(err)
	}
	return c, nil
}

func (m *Mutator) treeOf(ctx context.Context, id types.RepoID, commit string) (types.Tree, error) {
	if commit == "" {
		return types.Tree{}, nil
	}
	t, err := m.store.GetTree(ctx, id.String(), commit)
	if err != nil {
		return nil, fmt.Errorf("read tree of %s: %w", commit, err)
	}
	return t, nil
}

// CreateBranch points a new branch at revision, or at the default branch
// head when revision is empty.
func (m *Mutator) CreateBranch(ctx context.Context, id types.RepoID, name, revision string) (types.Branch, error) {
	if !storage.ValidRefName(name) {
		return types.Branch{}, apierr.Validation("invalid branch name %q", name)
	}
	repo, err := m.repository(ctx, id)
	if err != nil {
		return types.Branch{}, err
	}
	if revision == "" {
		revision = repo.DefaultBranch
	}
	from, err := m.resolve(ctx, id, revision)
	if err != nil {
		return types.Branch{}, err
	}
	if _, err := m.store.GetTag(ctx, id.String(), name); err == nil {
		return types.Branch{}, apierr.New(apierr.KindConflict, "a tag named %s already exists", name)
	}
	b, err := m.store.CreateBranch(ctx, storage.BranchRequest{Repo: id.String(), Name: name, Commit: from.Hash})
	if err != nil {
		return types.Branch{}, apierr.From(err)
	}
	m.quota.Settle(ctx, id)
	slog.InfoContext(ctx, "branch created", "repo", id.String(), "branch", name, "commit", from.Hash)
	return b, nil
}

// DeleteBranch removes a branch. The default branch is protected.
func (m *Mutator) DeleteBranch(ctx context.Context, id types.RepoID, name string) error {
	repo, err := m.repository(ctx, id)
	if err != nil {
		return err
	}
	if name == repo.DefaultBranch {
		return apierr.New(apierr.KindProtectedRef, "cannot delete the default branch %s", name)
	}
	unlock, err := m.locks.Lock(ctx, id.String(), name)
	if err != nil {
		return err
	}
	defer unlock()
	if err := m.store.DeleteBranch(ctx, id.String(), name); err != nil {
		return apierr.From(err)
	}
	m.quota.Settle(ctx, id)
	slog.InfoContext(ctx, "branch deleted", "repo", id.String(), "branch", name)
	return nil
}

// CreateTag anchors an immutable tag at revision.
func (m *Mutator) CreateTag(ctx context.Context, id types.RepoID, name, revision, message string) (types.Tag, error) {
	if !storage.ValidRefName(name) {
		return types.Tag{}, apierr.Validation("invalid tag name %q", name)
	}
	if _, err := m.repository(ctx, id); err != nil {
		return types.Tag{}, err
	}
	at, err := m.resolve(ctx, id, revision)
	if err != nil {
		return types.Tag{}, err
	}
	if _, err := m.store.GetBranch(ctx, id.String(), name); err == nil {
		return types.Tag{}, apierr.New(apierr.KindConflict, "a branch named %s already exists", name)
	}
	tag, err := m.store.CreateTag(ctx, storage.TagRequest{Repo: id.String(), Name: name, Commit: at.Hash, Note: message})
	if err != nil {
		return types.Tag{}, apierr.From(err)
	}
	m.quota.Settle(ctx, id)
	return tag, nil
}

// DeleteTag removes a tag.
func (m *Mutator) DeleteTag(ctx context.Context, id types.RepoID, name string) error {
	if _, err := m.repository(ctx, id); err != nil {
		return err
	}
	if err := m.store.DeleteTag(ctx, id.String(), name); err != nil {
		return apierr.From(err)
	}
	m.quota.Settle(ctx, id)
	return nil
}

// MergeRequest merges Source into the Destination branch.
type MergeRequest struct {
	Source      string
	Destination string
	Strategy    tree.Strategy
	// Force resolves remaining conflicts toward the source.
	Force      bool
	AllowEmpty bool
	// Squash records a single-parent commit instead of a merge commit.
	Squash  bool
	Message string
}

// Merge performs a three-way merge of source into destination on their merge
// base and records the result on destination.
func (m *Mutator) Merge(ctx context.Context, id types.RepoID, author types.Author, req MergeRequest) (c types.Commit, err error) {
	sp := m.stats.StartSpan("refs.merge")
	defer func() { sp.End(err) }()

	if _, err := m.repository(ctx, id); err != nil {
		return types.Commit{}, err
	}
	repo := id.String()
	src, err := m.resolve(ctx, id, req.Source)
	if err != nil {
		return types.Commit{}, err
	}
	unlock, err := m.locks.Lock(ctx, repo, req.Destination)
	if err != nil {
		return types.Commit{}, err
	}
	defer unlock()

	dst, err := m.store.GetBranch(ctx, repo, req.Destination)
	if err != nil {
		return types.Commit{}, apierr.From(err)
	}
	base, err := storage.MergeBase(ctx, m.store, repo, dst.Commit, src.Hash)
	if err != nil {
		return types.Commit{}, err
	}
	baseTree, err := m.treeOf(ctx, id, base)
	if err != nil {
		return types.Commit{}, err
	}
	ours, err := m.treeOf(ctx, id, dst.Commit)
	if err != nil {
		return types.Commit{}, err
	}
	theirs, err := m.treeOf(ctx, id, src.Hash)
	if err != nil {
		return types.Commit{}, err
	}

	merged, conflicts := tree.Merge3(baseTree, ours, theirs, req.Strategy)
	if len(conflicts) > 0 {
		if !req.Force {
			return types.Commit{}, apierr.New(apierr.KindMergeConflict, "%d conflicting paths between %s and %s", len(conflicts), req.Source, req.Destination).
				WithDetail("conflicts", conflicts)
		}
		merged, _ = tree.Merge3(baseTree, ours, theirs, tree.StrategyTheirs)
	}
	if !req.AllowEmpty && (base == src.Hash || tree.Equal(merged, ours)) {
		return types.Commit{}, apierr.New(apierr.KindNoChanges, "merging %s into %s changes nothing", req.Source, req.Destination)
	}
	if err := m.quota.CheckTree(ctx, id, req.Destination, merged); err != nil {
		return types.Commit{}, err
	}

	parents := []string{dst.Commit, src.Hash}
	if req.Squash {
		parents = parents[:1]
	}
	msg := req.Message
	if msg == "" {
		msg = fmt.Sprintf("Merge %s into %s", req.Source, req.Destination)
	}
	c, err = m.store.CommitTree(ctx, storage.CommitRequest{
		Repo:         repo,
		Branch:       req.Destination,
		ExpectedHead: dst.Commit,
		Parents:      parents,
		Tree:         merged,
		Author:       author,
		Message:      msg,
	})
	if err != nil {
		return types.Commit{}, apierr.From(err)
	}
	m.quota.Settle(ctx, id)
	slog.InfoContext(ctx, "merged", "repo", repo, "source", req.Source, "destination", req.Destination, "commit", c.Hash, "squash", req.Squash)
	return c, nil
}

// RevertRequest reverts Commit on a branch. ParentNumber (1-based) picks the
// mainline of a merge commit and is required for one.
type RevertRequest struct {
	Commit       string
	ParentNumber int
	Message      string
}

// Revert applies the inverse of a commit's changes on top of branch. It only
// reintroduces content the target's parent referenced, so it does not run the
// recoverability check.
func (m *Mutator) Revert(ctx context.Context, id types.RepoID, branch string, author types.Author, req RevertRequest) (c types.Commit, err error) {
	sp := m.stats.StartSpan("refs.revert")
	defer func() { sp.End(err) }()

	if _, err := m.repository(ctx, id); err != nil {
		return types.Commit{}, err
	}
	repo := id.String()
	target, err := m.resolve(ctx, id, req.Commit)
	if err != nil {
		return types.Commit{}, err
	}
	parent, err := mainline(target, req.ParentNumber)
	if err != nil {
		return types.Commit{}, err
	}

	unlock, err := m.locks.Lock(ctx, repo, branch)
	if err != nil {
		return types.Commit{}, err
	}
	defer unlock()

	head, err := m.store.GetBranch(ctx, repo, branch)
	if err != nil {
		return types.Commit{}, apierr.From(err)
	}
	targetTree, err := m.treeOf(ctx, id, target.Hash)
	if err != nil {
		return types.Commit{}, err
	}
	parentTree, err := m.treeOf(ctx, id, parent)
	if err != nil {
		return types.Commit{}, err
	}
	ours, err := m.treeOf(ctx, id, head.Commit)
	if err != nil {
		return types.Commit{}, err
	}

	reverted, conflicts := tree.Merge3(targetTree, ours, parentTree, tree.StrategyNone)
	if len(conflicts) > 0 {
		return types.Commit{}, apierr.New(apierr.KindMergeConflict, "reverting %s conflicts with %s", short(target.Hash), branch).
			WithDetail("conflicts", conflicts)
	}
	if tree.Equal(reverted, ours) {
		return types.Commit{}, apierr.New(apierr.KindNoChanges, "reverting %s changes nothing on %s", short(target.Hash), branch)
	}
	if err := m.quota.CheckTree(ctx, id, branch, reverted); err != nil {
		return types.Commit{}, err
	}
	msg := req.Message
	if msg == "" {
		msg = fmt.Sprintf("Revert %q", target.Message)
	}
	c, err = m.store.CommitTree(ctx, storage.CommitRequest{
		Repo:         repo,
		Branch:       branch,
		ExpectedHead: head.Commit,
		Parents:      []string{head.Commit},
		Tree:         reverted,
		Author:       author,
		Message:      msg,
		Description:  "This reverts commit " + target.Hash + ".",
	})
	if err != nil {
		return types.Commit{}, apierr.From(err)
	}
	m.quota.Settle(ctx, id)
	slog.InfoContext(ctx, "reverted", "repo", repo, "branch", branch, "target", target.Hash, "commit", c.Hash)
	return c, nil
}

// mainline returns the parent a revert diffs against.
func mainline(c types.Commit, number int) (string, error) {
	switch {
	case len(c.Parents) == 0:
		if number > 0 {
			return "", apierr.Validation("commit %s has no parents", short(c.Hash))
		}
		return "", nil
	case len(c.Parents) > 1 && number == 0:
		return "", apierr.Validation("commit %s is a merge; parent_number is required", short(c.Hash))
	case number == 0:
		return c.Parents[0], nil
	case number < 0 || number > len(c.Parents):
		return "", apierr.Validation("commit %s has %d parents, parent_number %d is out of range", short(c.Hash), len(c.Parents), number)
	}
	return c.Parents[number-1], nil
}

// ResetRequest makes a branch's tree match Commit.
type ResetRequest struct {
	Commit string
	// Force skips the recoverability check and is required on the default branch.
	Force   bool
	Message string
}

// Reset records a new commit on branch whose tree equals the target's. History
// is kept. Unless forced, it fails with LfsUnrecoverable when large objects the
// result would reference are gone.
func (m *Mutator) Reset(ctx context.Context, id types.RepoID, branch string, author types.Author, req ResetRequest) (c types.Commit, err error) {
	sp := m.stats.StartSpan("refs.reset")
	defer func() { sp.End(err) }()

	repoRow, err := m.repository(ctx, id)
	if err != nil {
		return types.Commit{}, err
	}
	if branch == repoRow.DefaultBranch && !req.Force {
		return types.Commit{}, apierr.New(apierr.KindProtectedRef, "resetting the default branch %s requires force", branch)
	}
	repo := id.String()
	target, err := m.resolve(ctx, id, req.Commit)
	if err != nil {
		return types.Commit{}, err
	}

	unlock, err := m.locks.Lock(ctx, repo, branch)
	if err != nil {
		return types.Commit{}, err
	}
	defer unlock()

	head, err := m.store.GetBranch(ctx, repo, branch)
	if err != nil {
		return types.Commit{}, apierr.From(err)
	}
	if !req.Force {
		report, err := m.checkRecoverable(ctx, id, head.Commit, target)
		if err != nil {
			return types.Commit{}, err
		}
		if !report.Recoverable {
			return types.Commit{}, apierr.New(apierr.KindLfsUnrecoverable, "%d large files at %s are no longer stored", len(report.MissingPaths), short(target.Hash)).
				WithDetail("missing_paths", report.MissingPaths).
				WithDetail("affected_commits", report.AffectedCommits)
		}
	}

	targetTree, err := m.treeOf(ctx, id, target.Hash)
	if err != nil {
		return types.Commit{}, err
	}
	current, err := m.treeOf(ctx, id, head.Commit)
	if err != nil {
		return types.Commit{}, err
	}
	if tree.Equal(targetTree, current) {
		return m.store.GetCommit(ctx, repo, head.Commit)
	}
	if err := m.quota.CheckTree(ctx, id, branch, targetTree); err != nil {
		return types.Commit{}, err
	}
	msg := req.Message
	if msg == "" {
		msg = "Reset " + branch + " to " + short(target.Hash)
	}
	c, err = m.store.CommitTree(ctx, storage.CommitRequest{
		Repo:         repo,
		Branch:       branch,
		ExpectedHead: head.Commit,
		Parents:      []string{head.Commit},
		Tree:         targetTree,
		Author:       author,
		Message:      msg,
	})
	if err != nil {
		return types.Commit{}, apierr.From(err)
	}
	m.quota.Settle(ctx, id)
	slog.InfoContext(ctx, "branch reset", "repo", repo, "branch", branch, "target", target.Hash, "commit", c.Hash, "force", req.Force)
	return c, nil
}

// SquashHistory replaces branch with a single root commit holding its current
// tree. token must confirm a squash of exactly this branch.
func (m *Mutator) SquashHistory(ctx context.Context, id types.RepoID, branch string, author types.Author, message, token string) (c types.Commit, err error) {
	sp := m.stats.StartSpan("refs.squash")
	defer func() { sp.End(err) }()

	if _, err := m.repository(ctx, id); err != nil {
		return types.Commit{}, err
	}
	repo := id.String()
	if err := m.confirm.Check(token, repo, confirm.KindSquash, branch); err != nil {
		return types.Commit{}, err
	}
	unlock, err := m.locks.Lock(ctx, repo, branch)
	if err != nil {
		return types.Commit{}, err
	}
	defer unlock()

	head, err := m.store.GetBranch(ctx, repo, branch)
	if err != nil {
		return types.Commit{}, apierr.From(err)
	}
	current, err := m.treeOf(ctx, id, head.Commit)
	if err != nil {
		return types.Commit{}, err
	}
	if message == "" {
		message = "Squash history of " + branch
	}
	c, err = m.store.CommitTree(ctx, storage.CommitRequest{
		Repo:         repo,
		Branch:       branch,
		ExpectedHead: head.Commit,
		Tree:         current,
		Author:       author,
		Message:      message,
	})
	if err != nil {
		return types.Commit{}, apierr.From(err)
	}
	m.quota.Settle(ctx, id)
	slog.InfoContext(ctx, "history squashed", "repo", repo, "branch", branch, "commit", c.Hash)
	return c, nil
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
