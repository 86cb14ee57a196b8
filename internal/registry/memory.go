package registry

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/onexay/modelhub/internal/storage"
	"github.com/onexay/modelhub/internal/types"
)

// MemoryRegistry is a map-backed registry used for development and tests.
type MemoryRegistry struct {
	mu         sync.RWMutex
	defaults   NamespaceDefaults
	repos      map[string]types.Repository
	namespaces map[string]types.NamespaceQuota
	objects    map[string]types.LargeObject
	sessions   map[string]types.UploadSession
}

// NewMemoryRegistry constructs an empty in-memory registry.
func NewMemoryRegistry(defaults NamespaceDefaults) *MemoryRegistry {
	return &MemoryRegistry{
		defaults:   defaults,
		repos:      make(map[string]types.Repository),
		namespaces: make(map[string]types.NamespaceQuota),
		objects:    make(map[string]types.LargeObject),
		sessions:   make(map[string]types.UploadSession),
	}
}

func (m *MemoryRegistry) namespace(name string) types.NamespaceQuota {
	if ns, ok := m.namespaces[name]; ok {
		return ns
	}
	return m.defaults.row(name)
}

func (m *MemoryRegistry) mutateRepo(id types.RepoID, fn func(repo *types.Repository, ns *types.NamespaceQuota)) (types.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, ok := m.repos[id.String()]
	if !ok {
		return types.Repository{}, &storage.NotFoundError{Resource: "repository", Key: id.String()}
	}
	ns := m.namespace(id.Namespace)
	fn(&repo, &ns)
	m.repos[id.String()] = repo
	m.namespaces[id.Namespace] = ns
	return repo, nil
}

func (m *MemoryRegistry) CreateRepository(ctx context.Context, repo types.Repository) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := repo.ID.String()
	if _, ok := m.repos[key]; ok {
		return &storage.ConflictError{Resource: "repository", Key: key}
	}
	ns := m.namespace(repo.ID.Namespace)
	addToBucket(&ns, repo.Private, repo.UsedBytes)
	m.namespaces[repo.ID.Namespace] = ns
	m.repos[key] = repo
	return nil
}

func (m *MemoryRegistry) GetRepository(ctx context.Context, id types.RepoID) (types.Repository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	repo, ok := m.repos[id.String()]
	if !ok {
		return types.Repository{}, &storage.NotFoundError{Resource: "repository", Key: id.String()}
	}
	return repo, nil
}

func (m *MemoryRegistry) ListRepositories(ctx context.Context, namespace string) ([]types.Repository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []types.Repository
	for _, repo := range m.repos {
		if namespace == "" || repo.ID.Namespace == namespace {
			result = append(result, repo)
		}
	}
	slices.SortFunc(result, func(a, b types.Repository) int {
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	return result, nil
}

func (m *MemoryRegistry) DeleteRepository(ctx context.Context, id types.RepoID) (types.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, ok := m.repos[id.String()]
	if !ok {
		return types.Repository{}, &storage.NotFoundError{Resource: "repository", Key: id.String()}
	}
	ns := m.namespace(id.Namespace)
	addToBucket(&ns, repo.Private, -repo.UsedBytes)
	m.namespaces[id.Namespace] = ns
	delete(m.repos, id.String())
	return repo, nil
}

func (m *MemoryRegistry) SetPrivate(ctx context.Context, id types.RepoID, private bool) (types.Repository, error) {
	return m.mutateRepo(id, func(repo *types.Repository, ns *types.NamespaceQuota) {
		if repo.Private == private {
			return
		}
		addToBucket(ns, repo.Private, -repo.UsedBytes)
		addToBucket(ns, private, repo.UsedBytes)
		repo.Private = private
	})
}

func (m *MemoryRegistry) SetRepoQuota(ctx context.Context, id types.RepoID, limit *int64) (types.Repository, error) {
	return m.mutateRepo(id, func(repo *types.Repository, _ *types.NamespaceQuota) {
		repo.QuotaBytes = copyLimit(limit)
	})
}

func (m *MemoryRegistry) AddUsage(ctx context.Context, id types.RepoID, delta int64) (types.Repository, error) {
	return m.mutateRepo(id, func(repo *types.Repository, ns *types.NamespaceQuota) {
		next := clamp(repo.UsedBytes + delta)
		addToBucket(ns, repo.Private, next-repo.UsedBytes)
		repo.UsedBytes = next
	})
}

func (m *MemoryRegistry) SetUsage(ctx context.Context, id types.RepoID, used int64) (types.Repository, error) {
	return m.mutateRepo(id, func(repo *types.Repository, ns *types.NamespaceQuota) {
		used = clamp(used)
		addToBucket(ns, repo.Private, used-repo.UsedBytes)
		repo.UsedBytes = used
	})
}

func (m *MemoryRegistry) GetNamespace(ctx context.Context, namespace string) (types.NamespaceQuota, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.namespace(namespace), nil
}

func (m *MemoryRegistry) SetNamespaceLimits(ctx context.Context, namespace string, public, private *int64) (types.NamespaceQuota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns := m.namespace(namespace)
	ns.PublicLimit = copyLimit(public)
	ns.PrivateLimit = copyLimit(private)
	m.namespaces[namespace] = ns
	return ns, nil
}

func (m *MemoryRegistry) ResetNamespaceUsage(ctx context.Context, namespace string, public, private int64) (types.NamespaceQuota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns := m.namespace(namespace)
	ns.PublicUsedBytes = clamp(public)
	ns.PrivateUsedBytes = clamp(private)
	m.namespaces[namespace] = ns
	return ns, nil
}

func (m *MemoryRegistry) PutObject(ctx context.Context, obj types.LargeObject) (types.LargeObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.objects[obj.OID]; ok {
		return existing, nil
	}
	m.objects[obj.OID] = obj
	return obj, nil
}

func (m *MemoryRegistry) GetObject(ctx context.Context, oid string) (types.LargeObject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[oid]
	if !ok {
		return types.LargeObject{}, &storage.NotFoundError{Resource: "object", Key: oid}
	}
	return obj, nil
}

func (m *MemoryRegistry) PutSession(ctx context.Context, s types.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryRegistry) GetSession(ctx context.Context, id string) (types.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return types.UploadSession{}, &storage.NotFoundError{Resource: "upload", Key: id}
	}
	return s, nil
}

func (m *MemoryRegistry) Close() error { return nil }
