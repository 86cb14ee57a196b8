package refs

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/onexay/modelhub/internal/apierr"
	"github.com/onexay/modelhub/internal/branchlock"
	"github.com/onexay/modelhub/internal/confirm"
	"github.com/onexay/modelhub/internal/quota"
	"github.com/onexay/modelhub/internal/registry"
	"github.com/onexay/modelhub/internal/storage"
	"github.com/onexay/modelhub/internal/tree"
	"github.com/onexay/modelhub/internal/types"
)

var (
	alice  = types.Author{Name: "Alice", ID: "alice"}
	repoID = types.RepoID{Type: types.RepoTypeModel, Namespace: "acme", Name: "bert"}
)

type objects struct {
	mu     sync.Mutex
	purged map[string]bool
}

func (o *objects) Exists(_ context.Context, oid string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.purged[oid], nil
}

func (o *objects) purge(oids ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, oid := range oids {
		o.purged[oid] = true
	}
}

type fixture struct {
	m      *Mutator
	store  storage.Store
	reg    registry.Registry
	objs   *objects
	issuer *confirm.Issuer
	root   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	reg := registry.NewMemoryRegistry(registry.NamespaceDefaults{})
	root, err := store.InitRepository(ctx, repoID.String(), "main", alice)
	if err != nil {
		t.Fatalf("InitRepository: %v", err)
	}
	if err := reg.CreateRepository(ctx, types.Repository{ID: repoID, DefaultBranch: "main", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}
	issuer, err := confirm.NewIssuer("secret", 0)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	objs := &objects{purged: map[string]bool{}}
	m := New(store, reg, objs, quota.New(store, reg, nil), branchlock.New(), issuer, nil)
	return &fixture{m: m, store: store, reg: reg, objs: objs, issuer: issuer, root: root.Hash}
}

func inline(path, content string) types.Entry {
	return types.Entry{Path: path, Size: int64(len(content)), OID: "inline-" + content, Class: types.StorageInline, Content: []byte(content)}
}

func lfs(path, oid string) types.Entry {
	return types.Entry{Path: path, Size: 100, OID: oid, Class: types.StorageLFS}
}

// commit writes tr on top of branch and returns the new head.
func (f *fixture) commit(t *testing.T, branch string, entries ...types.Entry) string {
	t.Helper()
	ctx := context.Background()
	b, err := f.store.GetBranch(ctx, repoID.String(), branch)
	if err != nil {
		t.Fatalf("GetBranch: %v", err)
	}
	tr := types.Tree{}
	for _, e := range entries {
		tr[e.Path] = e
	}
	c, err := f.store.CommitTree(ctx, storage.CommitRequest{
		Repo: repoID.String(), Branch: branch, ExpectedHead: b.Commit, Parents: []string{b.Commit},
		Tree: tr, Author: alice, Message: "update " + branch,
	})
	if err != nil {
		t.Fatalf("CommitTree: %v", err)
	}
	return c.Hash
}

func (f *fixture) tree(t *testing.T, commit string) types.Tree {
	t.Helper()
	tr, err := f.store.GetTree(context.Background(), repoID.String(), commit)
	if err != nil {
		t.Fatalf("GetTree: %v", err)
	}
	return tr
}

func TestBranchAndTagLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.commit(t, "main", inline("a.txt", "a"))

	if _, err := f.m.CreateBranch(ctx, repoID, "dev", ""); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if _, err := f.m.CreateBranch(ctx, repoID, "dev", "main"); !apierr.Is(err, apierr.KindConflict) {
		t.Fatalf("expected Conflict for duplicate branch, got %v", err)
	}
	if _, err := f.m.CreateBranch(ctx, repoID, "bad..name", "main"); !apierr.Is(err, apierr.KindValidation) {
		t.Fatalf("expected Validation, got %v", err)
	}
	if _, err := f.m.CreateBranch(ctx, repoID, "x", "no-such-rev"); !apierr.Is(err, apierr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if err := f.m.DeleteBranch(ctx, repoID, "main"); !apierr.Is(err, apierr.KindProtectedRef) {
		t.Fatalf("expected ProtectedRef, got %v", err)
	}
	if err := f.m.DeleteBranch(ctx, repoID, "dev"); err != nil {
		t.Fatalf("DeleteBranch: %v", err)
	}

	if _, err := f.m.CreateTag(ctx, repoID, "v1", "main", "first release"); err != nil {
		t.Fatalf("CreateTag: %v", err)
	}
	if _, err := f.m.CreateTag(ctx, repoID, "v1", "main", ""); !apierr.Is(err, apierr.KindConflict) {
		t.Fatalf("expected Conflict for duplicate tag, got %v", err)
	}
	if _, err := f.m.CreateBranch(ctx, repoID, "v1", "main"); !apierr.Is(err, apierr.KindConflict) {
		t.Fatalf("expected Conflict for branch named like a tag, got %v", err)
	}
	if err := f.m.DeleteTag(ctx, repoID, "v1"); err != nil {
		t.Fatalf("DeleteTag: %v", err)
	}
}

func TestMergeStrategies(t *testing.T) {
	cases := []struct {
		name     string
		strategy tree.Strategy
		force    bool
		want     string
		wantErr  apierr.Kind
	}{
		{name: "dest-wins", strategy: tree.StrategyOurs, want: "main"},
		{name: "source-wins", strategy: tree.StrategyTheirs, want: "dev"},
		{name: "none", strategy: tree.StrategyNone, wantErr: apierr.KindMergeConflict},
		{name: "none forced", strategy: tree.StrategyNone, force: true, want: "dev"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.commit(t, "main", inline("config.json", "base"), inline("keep.txt", "k"))
			if _, err := f.m.CreateBranch(ctx, repoID, "dev", "main"); err != nil {
				t.Fatalf("CreateBranch: %v", err)
			}
			mainHead := f.commit(t, "main", inline("config.json", "main"), inline("keep.txt", "k"))
			devHead := f.commit(t, "dev", inline("config.json", "dev"), inline("keep.txt", "k"), inline("new.txt", "n"))

			c, err := f.m.Merge(ctx, repoID, alice, MergeRequest{Source: "dev", Destination: "main", Strategy: tc.strategy, Force: tc.force})
			if tc.wantErr != "" {
				if !apierr.Is(err, tc.wantErr) {
					t.Fatalf("expected %s, got %v", tc.wantErr, err)
				}
				if got := apierr.From(err).Details["conflicts"]; !cmp.Equal(got, []string{"config.json"}) {
					t.Fatalf("conflicts = %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Merge: %v", err)
			}
			if diff := cmp.Diff([]string{mainHead, devHead}, c.Parents); diff != "" {
				t.Fatalf("merge parents mismatch (-want +got):\n%s", diff)
			}
			merged := f.tree(t, c.Hash)
			if got := string(merged["config.json"].Content); got != tc.want {
				t.Fatalf("config.json = %q, want %q", got, tc.want)
			}
			if _, ok := merged["new.txt"]; !ok {
				t.Fatalf("clean addition from source missing")
			}
		})
	}
}

func TestMergeSquashAndNoChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.commit(t, "main", inline("a.txt", "a"))
	if _, err := f.m.CreateBranch(ctx, repoID, "dev", "main"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if _, err := f.m.Merge(ctx, repoID, alice, MergeRequest{Source: "dev", Destination: "main"}); !apierr.Is(err, apierr.KindNoChanges) {
		t.Fatalf("expected NoChanges, got %v", err)
	}
	mainHead, _ := f.store.GetBranch(ctx, repoID.String(), "main")
	empty, err := f.m.Merge(ctx, repoID, alice, MergeRequest{Source: "dev", Destination: "main", AllowEmpty: true})
	if err != nil || len(empty.Parents) != 2 {
		t.Fatalf("allow_empty merge = %+v, %v", empty, err)
	}
	if empty.Parents[0] != mainHead.Commit {
		t.Fatalf("first parent %s, want %s", empty.Parents[0], mainHead.Commit)
	}

	f.commit(t, "dev", inline("a.txt", "a"), inline("b.txt", "b"))
	c, err := f.m.Merge(ctx, repoID, alice, MergeRequest{Source: "dev", Destination: "main", Squash: true, Message: "squash dev"})
	if err != nil {
		t.Fatalf("squash Merge: %v", err)
	}
	if len(c.Parents) != 1 || c.Message != "squash dev" || c.AuthorID != alice.ID {
		t.Fatalf("unexpected squash commit %+v", c)
	}
}

func TestRevert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.commit(t, "main", inline("a.txt", "1"), inline("b.txt", "b"))
	bad := f.commit(t, "main", inline("a.txt", "2"), inline("b.txt", "b"), lfs("w.bin", "oid-w"))
	f.commit(t, "main", inline("a.txt", "2"), inline("b.txt", "b2"), lfs("w.bin", "oid-w"))

	// Revert does not consult object existence.
	f.objs.purge("oid-w")
	c, err := f.m.Revert(ctx, repoID, "main", alice, RevertRequest{Commit: bad})
	if err != nil {
		t.Fatalf("Revert: %v", err)
	}
	got := f.tree(t, c.Hash)
	want := types.Tree{"a.txt": inline("a.txt", "1"), "b.txt": inline("b.txt", "b2")}
	if !tree.Equal(got, want) {
		t.Fatalf("reverted tree mismatch: %v", tree.Diff(want, got))
	}
	if !strings.Contains(c.Description, bad) {
		t.Fatalf("description %q does not name the reverted commit", c.Description)
	}

	if _, err := f.m.Revert(ctx, repoID, "main", alice, RevertRequest{Commit: bad}); !apierr.Is(err, apierr.KindNoChanges) {
		t.Fatalf("expected NoChanges on second revert, got %v", err)
	}
	if _, err := f.m.Revert(ctx, repoID, "main", alice, RevertRequest{Commit: bad, ParentNumber: 2}); !apierr.Is(err, apierr.KindValidation) {
		t.Fatalf("expected Validation for out of range parent, got %v", err)
	}
}

func TestRevertMergeCommitNeedsParentNumber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.commit(t, "main", inline("a.txt", "a"))
	if _, err := f.m.CreateBranch(ctx, repoID, "dev", "main"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	f.commit(t, "dev", inline("a.txt", "a"), inline("feature.txt", "f"))
	merge, err := f.m.Merge(ctx, repoID, alice, MergeRequest{Source: "dev", Destination: "main"})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if _, err := f.m.Revert(ctx, repoID, "main", alice, RevertRequest{Commit: merge.Hash}); !apierr.Is(err, apierr.KindValidation) {
		t.Fatalf("expected Validation without parent_number, got %v", err)
	}
	c, err := f.m.Revert(ctx, repoID, "main", alice, RevertRequest{Commit: merge.Hash, ParentNumber: 1})
	if err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if _, ok := f.tree(t, c.Hash)["feature.txt"]; ok {
		t.Fatalf("reverting the merge against its mainline should drop feature.txt")
	}
}

func TestResetRecoverability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.m.CreateBranch(ctx, repoID, "dev", "main"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	target := f.commit(t, "dev", lfs("model.bin", "oid-old"), lfs("tok.bin", "oid-tok"))
	middle := f.commit(t, "dev", lfs("model.bin", "oid-mid"), lfs("tok.bin", "oid-tok"))
	head := f.commit(t, "dev", lfs("model.bin", "oid-new"), lfs("tok.bin", "oid-tok"))
	f.objs.purge("oid-old", "oid-mid")

	rep, err := f.m.CheckRecoverable(ctx, repoID, "dev", target)
	if err != nil {
		t.Fatalf("CheckRecoverable: %v", err)
	}
	want := Recoverability{
		MissingPaths:    []string{"model.bin"},
		AffectedCommits: []string{middle, target},
	}
	if diff := cmp.Diff(want, rep); diff != "" {
		t.Fatalf("recoverability mismatch (-want +got):\n%s", diff)
	}

	_, err = f.m.Reset(ctx, repoID, "dev", alice, ResetRequest{Commit: target})
	if !apierr.Is(err, apierr.KindLfsUnrecoverable) {
		t.Fatalf("expected LfsUnrecoverable, got %v", err)
	}
	details := apierr.From(err).Details
	if !cmp.Equal(details["missing_paths"], []string{"model.bin"}) || !cmp.Equal(details["affected_commits"], []string{middle, target}) {
		t.Fatalf("unexpected details %v", details)
	}
	if b, _ := f.store.GetBranch(ctx, repoID.String(), "dev"); b.Commit != head {
		t.Fatalf("head moved after rejected reset")
	}

	c, err := f.m.Reset(ctx, repoID, "dev", alice, ResetRequest{Commit: target, Force: true})
	if err != nil {
		t.Fatalf("forced Reset: %v", err)
	}
	if c.Parent() != head {
		t.Fatalf("reset must append to history, parent %s want %s", c.Parent(), head)
	}
	if !tree.Equal(f.tree(t, c.Hash), f.tree(t, target)) {
		t.Fatalf("reset tree differs from target")
	}
}

func TestResetReportsObjectsMissingFromIntermediateCommits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.m.CreateBranch(ctx, repoID, "dev", "main"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	target := f.commit(t, "dev", lfs("model.bin", "oid-old"))
	middle := f.commit(t, "dev", lfs("model.bin", "oid-mid"), lfs("adapter.bin", "oid-adapter"))
	f.commit(t, "dev", lfs("model.bin", "oid-new"))
	f.objs.purge("oid-mid", "oid-adapter")

	rep, err := f.m.CheckRecoverable(ctx, repoID, "dev", target)
	if err != nil {
		t.Fatalf("CheckRecoverable: %v", err)
	}
	want := Recoverability{
		MissingPaths:    []string{"adapter.bin", "model.bin"},
		AffectedCommits: []string{middle},
	}
	if diff := cmp.Diff(want, rep); diff != "" {
		t.Fatalf("recoverability mismatch (-want +got):\n%s", diff)
	}
	_, err = f.m.Reset(ctx, repoID, "dev", alice, ResetRequest{Commit: target})
	if !apierr.Is(err, apierr.KindLfsUnrecoverable) {
		t.Fatalf("expected LfsUnrecoverable, got %v", err)
	}
	if got := apierr.From(err).Details["missing_paths"]; !cmp.Equal(got, want.MissingPaths) {
		t.Fatalf("missing_paths = %v", got)
	}
}

func TestResetDefaultBranchNeedsForce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.commit(t, "main", inline("a.txt", "a"))
	if _, err := f.m.Reset(ctx, repoID, "main", alice, ResetRequest{Commit: f.root}); !apierr.Is(err, apierr.KindProtectedRef) {
		t.Fatalf("expected ProtectedRef, got %v", err)
	}
	c, err := f.m.Reset(ctx, repoID, "main", alice, ResetRequest{Commit: f.root, Force: true})
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if len(f.tree(t, c.Hash)) != 0 {
		t.Fatalf("expected empty tree after reset to root")
	}
}

func TestSquashHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.commit(t, "main", inline("a.txt", "1"))
	head := f.commit(t, "main", inline("a.txt", "2"))

	if _, err := f.m.SquashHistory(ctx, repoID, "main", alice, "", "bogus"); !apierr.Is(err, apierr.KindForbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
	wrong, _, _ := f.issuer.Issue(repoID.String(), confirm.KindSquash, "dev")
	if _, err := f.m.SquashHistory(ctx, repoID, "main", alice, "", wrong); !apierr.Is(err, apierr.KindForbidden) {
		t.Fatalf("expected Forbidden for token scoped to another branch, got %v", err)
	}
	token, _, err := f.issuer.Issue(repoID.String(), confirm.KindSquash, "main")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	c, err := f.m.SquashHistory(ctx, repoID, "main", alice, "", token)
	if err != nil {
		t.Fatalf("SquashHistory: %v", err)
	}
	if len(c.Parents) != 0 || !tree.Equal(f.tree(t, c.Hash), f.tree(t, head)) {
		t.Fatalf("unexpected squashed commit %+v", c)
	}
}

func TestCompare(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := f.commit(t, "main", inline("a.txt", "one\ntwo\n"), lfs("w.bin", "oid-1"))
	head := f.commit(t, "main", inline("a.txt", "one\nthree\n"), lfs("w.bin", "oid-2"), inline("n.txt", "new\n"))

	cmpRes, err := f.m.Compare(ctx, repoID, base, head)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if cmpRes.MergeBase != base || len(cmpRes.Files) != 3 {
		t.Fatalf("unexpected comparison %+v", cmpRes)
	}
	byPath := map[string]FileChange{}
	for _, fc := range cmpRes.Files {
		byPath[fc.Path] = fc
	}
	if p := byPath["a.txt"].Patch; !strings.Contains(p, "-two") || !strings.Contains(p, "+three") {
		t.Fatalf("unexpected patch %q", p)
	}
	if byPath["w.bin"].Kind != tree.Modified || byPath["w.bin"].Patch != "" {
		t.Fatalf("lfs change should carry no patch: %+v", byPath["w.bin"])
	}
	if byPath["n.txt"].Kind != tree.Added {
		t.Fatalf("n.txt should be added: %+v", byPath["n.txt"])
	}
}
