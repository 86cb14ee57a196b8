package refs

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/onexay/modelhub/internal/apierr"
	"github.com/onexay/modelhub/internal/storage"
	"github.com/onexay/modelhub/internal/tree"
	"github.com/onexay/modelhub/internal/types"
)

// existenceChecks bounds concurrent object-store lookups per check.
const existenceChecks = 16

// Recoverability is the result of a GC safety check.
type Recoverability struct {
	Recoverable bool `json:"recoverable"`
	// MissingPaths are the paths, in any walked tree, whose objects are gone.
	// Sorted.
	MissingPaths []string `json:"missing_paths"`
	// AffectedCommits are the walked commits, newest first, whose trees
	// reference a missing object.
	AffectedCommits []string `json:"affected_commits"`
}

// CheckRecoverable reports whether resetting branch to revision would
// reference large objects that are no longer stored.
func (m *Mutator) CheckRecoverable(ctx context.Context, id types.RepoID, branch, revision string) (Recoverability, error) {
	if _, err := m.repository(ctx, id); err != nil {
		return Recoverability{}, err
	}
	head, err := m.store.GetBranch(ctx, id.String(), branch)
	if err != nil {
		return Recoverability{}, apierr.From(err)
	}
	target, err := m.resolve(ctx, id, revision)
	if err != nil {
		return Recoverability{}, err
	}
	return m.checkRecoverable(ctx, id, head.Commit, target)
}

// checkRecoverable walks first parents from head back to target inclusive.
// A target off the first-parent chain is checked after the whole chain.
func (m *Mutator) checkRecoverable(ctx context.Context, id types.RepoID, head string, target types.Commit) (rep Recoverability, err error) {
	sp := m.stats.StartSpan("refs.check-recoverable")
	defer func() { sp.End(err) }()

	repo := id.String()
	chain, err := storage.Log(ctx, m.store, repo, head, 0)
	if err != nil {
		return Recoverability{}, err
	}
	walked := make([]types.Commit, 0, len(chain))
	reached := false
	for _, c := range chain {
		walked = append(walked, c)
		if c.Hash == target.Hash {
			reached = true
			break
		}
	}
	if !reached {
		walked = append(walked, target)
	}

	trees := make(map[string]types.Tree, len(walked))
	referenced := make(map[string]bool)
	for _, c := range walked {
		t, err := m.store.GetTree(ctx, repo, c.Hash)
		if err != nil {
			return Recoverability{}, fmt.Errorf("read tree of %s: %w", c.Hash, err)
		}
		trees[c.Hash] = t
		for oid := range tree.LargeObjects(t) {
			referenced[oid] = true
		}
	}

	missing, err := m.missingObjects(ctx, referenced)
	if err != nil {
		return Recoverability{}, err
	}

	rep = Recoverability{Recoverable: len(missing) == 0, MissingPaths: []string{}, AffectedCommits: []string{}}
	if rep.Recoverable {
		return rep, nil
	}
	paths := make(map[string]bool)
	for _, c := range walked {
		affected := false
		for p, e := range trees[c.Hash] {
			if e.Class == types.StorageLFS && missing[e.OID] {
				paths[p] = true
				affected = true
			}
		}
		if affected {
			rep.AffectedCommits = append(rep.AffectedCommits, c.Hash)
		}
	}
	for p := range paths {
		rep.MissingPaths = append(rep.MissingPaths, p)
	}
	slices.Sort(rep.MissingPaths)
	return rep, nil
}

func (m *Mutator) missingObjects(ctx context.Context, oids map[string]bool) (map[string]bool, error) {
	var (
		mu      sync.Mutex
		missing = make(map[string]bool)
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(existenceChecks)
	for oid := range oids {
		g.Go(func() error {
			ok, err := m.objects.Exists(ctx, oid)
			if err != nil {
				return fmt.Errorf("check object %s: %w", oid, err)
			}
			if !ok {
				mu.Lock()
				missing[oid] = true
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return missing, nil
}
