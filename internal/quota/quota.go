// Package quota computes live repository usage and enforces effective limits.
//
// A repository's usage is the total size of the distinct content oids
// referenced by the trees of its branch and tag heads. The effective limit is
// the tighter of the repository override and the namespace bucket matching
// the repository's visibility.
package quota

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onexay/modelhub/internal/apierr"
	"github.com/onexay/modelhub/internal/registry"
	"github.com/onexay/modelhub/internal/stats"
	"github.com/onexay/modelhub/internal/storage"
	"github.com/onexay/modelhub/internal/tree"
	"github.com/onexay/modelhub/internal/types"
)

// Accountant reads live usage from the content store and keeps the registry
// ledger in line with it.
type Accountant struct {
	store storage.Store
	reg   registry.Registry
	stats *stats.Stats
}

// New returns an Accountant.
func New(store storage.Store, reg registry.Registry, st *stats.Stats) *Accountant {
	return &Accountant{store: store, reg: reg, stats: st}
}

// Report describes where a repository stands against its limits.
type Report struct {
	Repo           string `json:"repo"`
	Private        bool   `json:"private"`
	UsedBytes      int64  `json:"usedBytes"`
	RepoLimit      *int64 `json:"repoLimit"`
	NamespaceLimit *int64 `json:"namespaceLimit"`
	NamespaceUsed  int64  `json:"namespaceUsed"`
	// Remaining is nil when no limit applies.
	Remaining *int64 `json:"remaining"`
}

// Report returns the quota position of a repository.
func (a *Accountant) Report(ctx context.Context, id types.RepoID) (Report, error) {
	repo, err := a.reg.GetRepository(ctx, id)
	if err != nil {
		return Report{}, err
	}
	ns, err := a.reg.GetNamespace(ctx, id.Namespace)
	if err != nil {
		return Report{}, err
	}
	r := Report{
		Repo:           id.String(),
		Private:        repo.Private,
		UsedBytes:      repo.UsedBytes,
		RepoLimit:      repo.QuotaBytes,
		NamespaceLimit: ns.Limit(repo.Private),
		NamespaceUsed:  ns.Used(repo.Private),
	}
	if r.RepoLimit != nil {
		r.Remaining = nonNegative(*r.RepoLimit - r.UsedBytes)
	}
	if r.NamespaceLimit != nil {
		left := nonNegative(*r.NamespaceLimit - r.NamespaceUsed)
		if r.Remaining == nil || *left < *r.Remaining {
			r.Remaining = left
		}
	}
	return r, nil
}

func nonNegative(v int64) *int64 {
	v = max(v, 0)
	return &v
}

// Remaining returns the effective remaining bytes, or nil for unlimited.
func (a *Accountant) Remaining(ctx context.Context, id types.RepoID) (*int64, error) {
	r, err := a.Report(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.Remaining, nil
}

// CheckAdd fails with QuotaExceeded when adding delta bytes would exceed the
// effective limit. Non-positive deltas always pass.
func (a *Accountant) CheckAdd(ctx context.Context, id types.RepoID, delta int64) error {
	if delta <= 0 {
		return nil
	}
	remaining, err := a.Remaining(ctx, id)
	if err != nil {
		return err
	}
	if remaining != nil && delta > *remaining {
		return apierr.New(apierr.KindQuotaExceeded, "%s needs %d more bytes but only %d remain", id.FullName(), delta, *remaining).
			WithDetail("required", delta).
			WithDetail("remaining", *remaining)
	}
	return nil
}

// LiveContent returns the distinct content oids referenced by all branch and
// tag heads. Entries in override replace the named branch's tree, which lets
// callers price a commit before submitting it.
func (a *Accountant) LiveContent(ctx context.Context, id types.RepoID, override map[string]types.Tree) (map[string]int64, error) {
	repo := id.String()
	heads := make(map[string]bool)
	live := make(map[string]int64)

	branches, err := a.store.ListBranches(ctx, repo)
	if err != nil {
		return nil, err
	}
	for _, b := range branches {
		if t, ok := override[b.Name]; ok {
			mergeContent(live, t)
			continue
		}
		heads[b.Commit] = true
	}
	for name, t := range override {
		if !containsBranch(branches, name) {
			mergeContent(live, t)
		}
	}
	tags, err := a.store.ListTags(ctx, repo)
	if err != nil {
		return nil, err
	}
	for _, t := range tags {
		heads[t.Commit] = true
	}
	for commit := range heads {
		t, err := a.store.GetTree(ctx, repo, commit)
		if err != nil {
			return nil, fmt.Errorf("read tree of %s: %w", commit, err)
		}
		mergeContent(live, t)
	}
	return live, nil
}

func containsBranch(branches []types.Branch, name string) bool {
	for _, b := range branches {
		if b.Name == name {
			return true
		}
	}
	return false
}

func mergeContent(dst map[string]int64, t types.Tree) {
	for oid, size := range tree.Contents(t) {
		dst[oid] = size
	}
}

func total(content map[string]int64) int64 {
	var n int64
	for _, size := range content {
		n += size
	}
	return n
}

// LiveUsage returns the exact live usage of a repository.
func (a *Accountant) LiveUsage(ctx context.Context, id types.RepoID) (int64, error) {
	live, err := a.LiveContent(ctx, id, nil)
	if err != nil {
		return 0, err
	}
	return total(live), nil
}

// Delta returns how much live usage changes if branch points at next.
func (a *Accountant) Delta(ctx context.Context, id types.RepoID, branch string, next types.Tree) (int64, error) {
	before, err := a.LiveContent(ctx, id, nil)
	if err != nil {
		return 0, err
	}
	after, err := a.LiveContent(ctx, id, map[string]types.Tree{branch: next})
	if err != nil {
		return 0, err
	}
	return total(after) - total(before), nil
}

// CheckTree prices branch pointing at next and fails with QuotaExceeded when
// the growth does not fit.
func (a *Accountant) CheckTree(ctx context.Context, id types.RepoID, branch string, next types.Tree) error {
	delta, err := a.Delta(ctx, id, branch, next)
	if err != nil {
		return err
	}
	return a.CheckAdd(ctx, id, delta)
}

// Settle recomputes the repository's live usage after a mutation and writes
// it to the ledger. Failures are logged; the next recalculation reconciles.
func (a *Accountant) Settle(ctx context.Context, id types.RepoID) {
	if _, err := a.Recalculate(ctx, id); err != nil {
		slog.WarnContext(ctx, "quota ledger update failed", "repo", id.String(), "err", err)
	}
}

// Recalculate recomputes a repository's usage from live content. It is
// idempotent.
func (a *Accountant) Recalculate(ctx context.Context, id types.RepoID) (repo types.Repository, err error) {
	sp := a.stats.StartSpan("quota.recalculate")
	defer func() { sp.End(err) }()

	used, err := a.LiveUsage(ctx, id)
	if err != nil {
		return types.Repository{}, err
	}
	return a.reg.SetUsage(ctx, id, used)
}

// RecalculateNamespace recomputes every repository in the namespace and
// resets the namespace buckets to their sums.
func (a *Accountant) RecalculateNamespace(ctx context.Context, namespace string) (types.NamespaceQuota, error) {
	repos, err := a.reg.ListRepositories(ctx, namespace)
	if err != nil {
		return types.NamespaceQuota{}, err
	}
	var public, private int64
	for _, r := range repos {
		updated, err := a.Recalculate(ctx, r.ID)
		if err != nil {
			return types.NamespaceQuota{}, fmt.Errorf("recalculate %s: %w", r.ID, err)
		}
		if updated.Private {
			private += updated.UsedBytes
		} else {
			public += updated.UsedBytes
		}
	}
	ns, err := a.reg.ResetNamespaceUsage(ctx, namespace, public, private)
	if err != nil {
		return types.NamespaceQuota{}, err
	}
	slog.InfoContext(ctx, "namespace usage recalculated", "namespace", namespace, "repos", len(repos), "public", public, "private", private)
	return ns, nil
}
