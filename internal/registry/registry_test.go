package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/onexay/modelhub/internal/storage"
	"github.com/onexay/modelhub/internal/types"
)

func limit(n int64) *int64 { return &n }

func registries(t *testing.T) map[string]Registry {
	defaults := NamespaceDefaults{PublicLimit: limit(1000)}
	bolt, err := NewBoltRegistry(filepath.Join(t.TempDir(), "registry.db"), defaults)
	if err != nil {
		t.Fatalf("NewBoltRegistry: %v", err)
	}
	t.Cleanup(func() { _ = bolt.Close() })
	return map[string]Registry{
		"memory": NewMemoryRegistry(defaults),
		"bolt":   bolt,
	}
}

func TestRegistryLedger(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := types.RepoID{Type: types.RepoTypeModel, Namespace: "acme", Name: "bert"}
			other := types.RepoID{Type: types.RepoTypeDataset, Namespace: "acme", Name: "squad"}

			ns, err := reg.GetNamespace(ctx, "acme")
			if err != nil {
				t.Fatalf("GetNamespace: %v", err)
			}
			if ns.PublicLimit == nil || *ns.PublicLimit != 1000 || ns.PrivateLimit != nil {
				t.Fatalf("defaults not applied: %+v", ns)
			}

			for _, r := range []types.RepoID{id, other} {
				if err := reg.CreateRepository(ctx, types.Repository{ID: r, DefaultBranch: "main", CreatedAt: time.Now()}); err != nil {
					t.Fatalf("CreateRepository: %v", err)
				}
			}
			if err := reg.CreateRepository(ctx, types.Repository{ID: id}); !storage.IsConflict(err) {
				t.Fatalf("expected conflict, got %v", err)
			}

			if _, err := reg.AddUsage(ctx, id, 300); err != nil {
				t.Fatalf("AddUsage: %v", err)
			}
			if _, err := reg.AddUsage(ctx, other, 200); err != nil {
				t.Fatalf("AddUsage: %v", err)
			}
			repo, err := reg.AddUsage(ctx, id, -500)
			if err != nil {
				t.Fatalf("AddUsage: %v", err)
			}
			if repo.UsedBytes != 0 {
				t.Fatalf("usage should clamp at zero, got %d", repo.UsedBytes)
			}
			if _, err := reg.SetUsage(ctx, id, 400); err != nil {
				t.Fatalf("SetUsage: %v", err)
			}
			ns, _ = reg.GetNamespace(ctx, "acme")
			if ns.PublicUsedBytes != 600 || ns.PrivateUsedBytes != 0 {
				t.Fatalf("unexpected namespace usage: %+v", ns)
			}

			if _, err := reg.SetPrivate(ctx, id, true); err != nil {
				t.Fatalf("SetPrivate: %v", err)
			}
			ns, _ = reg.GetNamespace(ctx, "acme")
			if ns.PublicUsedBytes != 200 || ns.PrivateUsedBytes != 400 {
				t.Fatalf("privacy toggle should move usage: %+v", ns)
			}

			repo, err = reg.SetRepoQuota(ctx, id, limit(50))
			if err != nil || repo.QuotaBytes == nil || *repo.QuotaBytes != 50 {
				t.Fatalf("SetRepoQuota = %+v, %v", repo, err)
			}
			repo, err = reg.SetRepoQuota(ctx, id, nil)
			if err != nil || repo.QuotaBytes != nil {
				t.Fatalf("clearing quota = %+v, %v", repo, err)
			}

			if _, err := reg.DeleteRepository(ctx, id); err != nil {
				t.Fatalf("DeleteRepository: %v", err)
			}
			ns, _ = reg.GetNamespace(ctx, "acme")
			if ns.PublicUsedBytes != 200 || ns.PrivateUsedBytes != 0 {
				t.Fatalf("delete should release usage: %+v", ns)
			}
			if _, err := reg.GetRepository(ctx, id); !storage.IsNotFound(err) {
				t.Fatalf("expected not found, got %v", err)
			}

			repos, err := reg.ListRepositories(ctx, "acme")
			if err != nil || len(repos) != 1 || repos[0].ID != other {
				t.Fatalf("ListRepositories = %+v, %v", repos, err)
			}
		})
	}
}

func TestRegistryObjectsAndSessions(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := types.LargeObject{OID: "abc", Size: 10, FirstRepo: "models/acme/a", CreatedAt: time.Unix(1, 0).UTC()}
			if _, err := reg.PutObject(ctx, first); err != nil {
				t.Fatalf("PutObject: %v", err)
			}
			got, err := reg.PutObject(ctx, types.LargeObject{OID: "abc", Size: 10, FirstRepo: "models/acme/b"})
			if err != nil {
				t.Fatalf("PutObject again: %v", err)
			}
			if diff := cmp.Diff(first, got); diff != "" {
				t.Fatalf("first row should win (-want +got):\n%s", diff)
			}
			if _, err := reg.GetObject(ctx, "missing"); !storage.IsNotFound(err) {
				t.Fatalf("expected not found, got %v", err)
			}

			s := types.UploadSession{ID: "u1", OID: "abc", Size: 10, Parts: 2, Driver: "blob"}
			if err := reg.PutSession(ctx, s); err != nil {
				t.Fatalf("PutSession: %v", err)
			}
			s.Completed = true
			if err := reg.PutSession(ctx, s); err != nil {
				t.Fatalf("PutSession: %v", err)
			}
			loaded, err := reg.GetSession(ctx, "u1")
			if err != nil || !loaded.Completed {
				t.Fatalf("GetSession = %+v, %v", loaded, err)
			}
		})
	}
}
