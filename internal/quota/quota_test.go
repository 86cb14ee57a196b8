package quota

import (
	"context"
	"testing"
	"time"

	"github.com/onexay/modelhub/internal/apierr"
	"github.com/onexay/modelhub/internal/registry"
	"github.com/onexay/modelhub/internal/storage"
	"github.com/onexay/modelhub/internal/types"
)

var author = types.Author{Name: "Alice", ID: "alice@id"}

func limit(n int64) *int64 { return &n }

func lfs(path, oid string, size int64) types.Entry {
	return types.Entry{Path: path, OID: oid, Size: size, Class: types.StorageLFS}
}

func setup(t *testing.T, defaults registry.NamespaceDefaults) (storage.Store, registry.Registry, *Accountant, types.RepoID, string) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	reg := registry.NewMemoryRegistry(defaults)
	id := types.RepoID{Type: types.RepoTypeModel, Namespace: "acme", Name: "bert"}
	root, err := store.InitRepository(ctx, id.String(), "main", author)
	if err != nil {
		t.Fatalf("InitRepository: %v", err)
	}
	if err := reg.CreateRepository(ctx, types.Repository{ID: id, DefaultBranch: "main", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}
	return store, reg, New(store, reg, nil), id, root.Hash
}

func commit(t *testing.T, store storage.Store, repo, branch, head string, tr types.Tree) string {
	t.Helper()
	c, err := store.CommitTree(context.Background(), storage.CommitRequest{
		Repo: repo, Branch: branch, ExpectedHead: head, Parents: []string{head},
		Tree: tr, Author: author, Message: "update",
	})
	if err != nil {
		t.Fatalf("CommitTree: %v", err)
	}
	return c.Hash
}

func TestLiveUsageCountsDistinctContentAcrossHeads(t *testing.T) {
	store, _, acct, id, root := setup(t, registry.NamespaceDefaults{})
	ctx := context.Background()
	repo := id.String()

	head := commit(t, store, repo, "main", root, types.Tree{
		"a.bin":      lfs("a.bin", "aaa", 100),
		"copy/a.bin": lfs("copy/a.bin", "aaa", 100),
		"b.bin":      lfs("b.bin", "bbb", 50),
	})
	if _, err := store.CreateTag(ctx, storage.TagRequest{Repo: repo, Name: "v1", Commit: head}); err != nil {
		t.Fatalf("CreateTag: %v", err)
	}
	commit(t, store, repo, "main", head, types.Tree{"c.bin": lfs("c.bin", "ccc", 10)})

	used, err := acct.LiveUsage(ctx, id)
	if err != nil {
		t.Fatalf("LiveUsage: %v", err)
	}
	// v1 keeps aaa and bbb alive, main holds ccc.
	if used != 160 {
		t.Fatalf("LiveUsage = %d, want 160", used)
	}

	repoRow, err := acct.Recalculate(ctx, id)
	if err != nil || repoRow.UsedBytes != 160 {
		t.Fatalf("Recalculate = %+v, %v", repoRow, err)
	}
	again, err := acct.Recalculate(ctx, id)
	if err != nil || again.UsedBytes != 160 {
		t.Fatalf("Recalculate is not idempotent: %+v, %v", again, err)
	}
}

func TestQuotaAdmissionAndRecovery(t *testing.T) {
	store, reg, acct, id, root := setup(t, registry.NamespaceDefaults{PublicLimit: limit(1000)})
	ctx := context.Background()
	repo := id.String()

	big := types.Tree{"w.bin": lfs("w.bin", "www", 900)}
	if err := acct.CheckTree(ctx, id, "main", big); err != nil {
		t.Fatalf("900 bytes should fit: %v", err)
	}
	head := commit(t, store, repo, "main", root, big)
	acct.Settle(ctx, id)

	more := types.Tree{"w.bin": big["w.bin"], "x.bin": lfs("x.bin", "xxx", 200)}
	if err := acct.CheckTree(ctx, id, "main", more); !apierr.Is(err, apierr.KindQuotaExceeded) {
		t.Fatalf("expected QuotaExceeded, got %v", err)
	}

	// Deleting the large file frees room for the new one.
	commit(t, store, repo, "main", head, types.Tree{})
	acct.Settle(ctx, id)
	if err := acct.CheckTree(ctx, id, "main", types.Tree{"x.bin": more["x.bin"]}); err != nil {
		t.Fatalf("expected admission after deletion, got %v", err)
	}

	// A repository override tighter than the namespace wins.
	if _, err := reg.SetRepoQuota(ctx, id, limit(100)); err != nil {
		t.Fatalf("SetRepoQuota: %v", err)
	}
	if err := acct.CheckAdd(ctx, id, 150); !apierr.Is(err, apierr.KindQuotaExceeded) {
		t.Fatalf("expected override to apply, got %v", err)
	}
}

func TestRecalculateNamespaceReconcilesDrift(t *testing.T) {
	store, reg, acct, id, root := setup(t, registry.NamespaceDefaults{})
	ctx := context.Background()
	commit(t, store, id.String(), "main", root, types.Tree{"a": lfs("a", "aaa", 40)})

	if _, err := reg.ResetNamespaceUsage(ctx, "acme", 9999, 7); err != nil {
		t.Fatalf("ResetNamespaceUsage: %v", err)
	}
	ns, err := acct.RecalculateNamespace(ctx, "acme")
	if err != nil {
		t.Fatalf("RecalculateNamespace: %v", err)
	}
	if ns.PublicUsedBytes != 40 || ns.PrivateUsedBytes != 0 {
		t.Fatalf("unexpected namespace usage: %+v", ns)
	}

	if _, err := reg.SetPrivate(ctx, id, true); err != nil {
		t.Fatalf("SetPrivate: %v", err)
	}
	report, err := acct.Report(ctx, id)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if !report.Private || report.NamespaceUsed != 40 || report.Remaining != nil {
		t.Fatalf("unexpected report: %+v", report)
	}
}
