package registry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/onexay/modelhub/internal/storage"
	"github.com/onexay/modelhub/internal/types"
)

var (
	reposBucket      = []byte("repos")
	objectsBucket    = []byte("objects")
	namespacesBucket = []byte("namespaces")
	sessionsBucket   = []byte("sessions")
)

// BoltRegistry stores registry rows inside a BoltDB file. bbolt serializes
// writers, so each ledger update is a single compare-and-update transaction.
type BoltRegistry struct {
	db       *bolt.DB
	defaults NamespaceDefaults
	once     sync.Once
}

// NewBoltRegistry opens (or creates) a BoltDB registry at the provided path.
func NewBoltRegistry(path string, defaults NamespaceDefaults) (*BoltRegistry, error) {
	if path == "" {
		return nil, errors.New("registry path is required")
	}

	cleaned := filepath.Clean(path)
	if dir := filepath.Dir(cleaned); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := bolt.Open(cleaned, 0o600, nil)
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{reposBucket, objectsBucket, namespacesBucket, sessionsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltRegistry{db: db, defaults: defaults}, nil
}

func getJSON(b *bolt.Bucket, key string, v any) (bool, error) {
	data := b.Get([]byte(key))
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func (r *BoltRegistry) update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(tx)
	})
}

func (r *BoltRegistry) view(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	return r.db.View(func(tx *bolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(tx)
	})
}

func (r *BoltRegistry) loadNamespace(tx *bolt.Tx, namespace string) (types.NamespaceQuota, error) {
	var ns types.NamespaceQuota
	found, err := getJSON(tx.Bucket(namespacesBucket), namespace, &ns)
	if err != nil {
		return ns, err
	}
	if !found {
		return r.defaults.row(namespace), nil
	}
	return ns, nil
}

// mutateRepo loads a repository and its namespace row, applies fn and writes
// both back in the same transaction.
func (r *BoltRegistry) mutateRepo(ctx context.Context, id types.RepoID, fn func(repo *types.Repository, ns *types.NamespaceQuota) error) (types.Repository, error) {
	var result types.Repository
	err := r.update(ctx, func(tx *bolt.Tx) error {
		repos := tx.Bucket(reposBucket)
		var repo types.Repository
		found, err := getJSON(repos, id.String(), &repo)
		if err != nil {
			return err
		}
		if !found {
			return &storage.NotFoundError{Resource: "repository", Key: id.String()}
		}
		ns, err := r.loadNamespace(tx, id.Namespace)
		if err != nil {
			return err
		}
		if err := fn(&repo, &ns); err != nil {
			return err
		}
		if err := putJSON(repos, id.String(), repo); err != nil {
			return err
		}
		result = repo
		return putJSON(tx.Bucket(namespacesBucket), id.Namespace, ns)
	})
	return result, err
}

func (r *BoltRegistry) CreateRepository(ctx context.Context, repo types.Repository) error {
	return r.update(ctx, func(tx *bolt.Tx) error {
		repos := tx.Bucket(reposBucket)
		key := repo.ID.String()
		if repos.Get([]byte(key)) != nil {
			return &storage.ConflictError{Resource: "repository", Key: key}
		}
		ns, err := r.loadNamespace(tx, repo.ID.Namespace)
		if err != nil {
			return err
		}
		addToBucket(&ns, repo.Private, repo.UsedBytes)
		if err := putJSON(tx.Bucket(namespacesBucket), repo.ID.Namespace, ns); err != nil {
			return err
		}
		return putJSON(repos, key, repo)
	})
}

func (r *BoltRegistry) GetRepository(ctx context.Context, id types.RepoID) (types.Repository, error) {
	var repo types.Repository
	err := r.view(ctx, func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(reposBucket), id.String(), &repo)
		if err != nil {
			return err
		}
		if !found {
			return &storage.NotFoundError{Resource: "repository", Key: id.String()}
		}
		return nil
	})
	return repo, err
}

func (r *BoltRegistry) ListRepositories(ctx context.Context, namespace string) ([]types.Repository, error) {
	var result []types.Repository
	err := r.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(reposBucket).ForEach(func(_, v []byte) error {
			var repo types.Repository
			if err := json.Unmarshal(v, &repo); err != nil {
				return err
			}
			if namespace == "" || repo.ID.Namespace == namespace {
				result = append(result, repo)
			}
			return nil
		})
	})
	return result, err
}

func (r *BoltRegistry) DeleteRepository(ctx context.Context, id types.RepoID) (types.Repository, error) {
	var removed types.Repository
	err := r.update(ctx, func(tx *bolt.Tx) error {
		repos := tx.Bucket(reposBucket)
		found, err := getJSON(repos, id.String(), &removed)
		if err != nil {
			return err
		}
		if !found {
			return &storage.NotFoundError{Resource: "repository", Key: id.String()}
		}
		ns, err := r.loadNamespace(tx, id.Namespace)
		if err != nil {
			return err
		}
		addToBucket(&ns, removed.Private, -removed.UsedBytes)
		if err := putJSON(tx.Bucket(namespacesBucket), id.Namespace, ns); err != nil {
			return err
		}
		return repos.Delete([]byte(id.String()))
	})
	return removed, err
}

func (r *BoltRegistry) SetPrivate(ctx context.Context, id types.RepoID, private bool) (types.Repository, error) {
	return r.mutateRepo(ctx, id, func(repo *types.Repository, ns *types.NamespaceQuota) error {
		if repo.Private == private {
			return nil
		}
		addToBucket(ns, repo.Private, -repo.UsedBytes)
		addToBucket(ns, private, repo.UsedBytes)
		repo.Private = private
		return nil
	})
}

func (r *BoltRegistry) SetRepoQuota(ctx context.Context, id types.RepoID, limit *int64) (types.Repository, error) {
	return r.mutateRepo(ctx, id, func(repo *types.Repository, _ *types.NamespaceQuota) error {
		repo.QuotaBytes = copyLimit(limit)
		return nil
	})
}

func (r *BoltRegistry) AddUsage(ctx context.Context, id types.RepoID, delta int64) (types.Repository, error) {
	return r.mutateRepo(ctx, id, func(repo *types.Repository, ns *types.NamespaceQuota) error {
		next := clamp(repo.UsedBytes + delta)
		addToBucket(ns, repo.Private, next-repo.UsedBytes)
		repo.UsedBytes = next
		return nil
	})
}

func (r *BoltRegistry) SetUsage(ctx context.Context, id types.RepoID, used int64) (types.Repository, error) {
	return r.mutateRepo(ctx, id, func(repo *types.Repository, ns *types.NamespaceQuota) error {
		used = clamp(used)
		addToBucket(ns, repo.Private, used-repo.UsedBytes)
		repo.UsedBytes = used
		return nil
	})
}

func (r *BoltRegistry) GetNamespace(ctx context.Context, namespace string) (types.NamespaceQuota, error) {
	var ns types.NamespaceQuota
	err := r.view(ctx, func(tx *bolt.Tx) error {
		var err error
		ns, err = r.loadNamespace(tx, namespace)
		return err
	})
	return ns, err
}

func (r *BoltRegistry) SetNamespaceLimits(ctx context.Context, namespace string, public, private *int64) (types.NamespaceQuota, error) {
	var ns types.NamespaceQuota
	err := r.update(ctx, func(tx *bolt.Tx) error {
		var err error
		if ns, err = r.loadNamespace(tx, namespace); err != nil {
			return err
		}
		ns.PublicLimit = copyLimit(public)
		ns.PrivateLimit = copyLimit(private)
		return putJSON(tx.Bucket(namespacesBucket), namespace, ns)
	})
	return ns, err
}

func (r *BoltRegistry) ResetNamespaceUsage(ctx context.Context, namespace string, public, private int64) (types.NamespaceQuota, error) {
	var ns types.NamespaceQuota
	err := r.update(ctx, func(tx *bolt.Tx) error {
		var err error
		if ns, err = r.loadNamespace(tx, namespace); err != nil {
			return err
		}
		ns.PublicUsedBytes = clamp(public)
		ns.PrivateUsedBytes = clamp(private)
		return putJSON(tx.Bucket(namespacesBucket), namespace, ns)
	})
	return ns, err
}

func (r *BoltRegistry) PutObject(ctx context.Context, obj types.LargeObject) (types.LargeObject, error) {
	result := obj
	err := r.update(ctx, func(tx *bolt.Tx) error {
		objects := tx.Bucket(objectsBucket)
		found, err := getJSON(objects, obj.OID, &result)
		if err != nil || found {
			return err
		}
		result = obj
		return putJSON(objects, obj.OID, obj)
	})
	return result, err
}

func (r *BoltRegistry) GetObject(ctx context.Context, oid string) (types.LargeObject, error) {
	var obj types.LargeObject
	err := r.view(ctx, func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(objectsBucket), oid, &obj)
		if err != nil {
			return err
		}
		if !found {
			return &storage.NotFoundError{Resource: "object", Key: oid}
		}
		return nil
	})
	return obj, err
}

func (r *BoltRegistry) PutSession(ctx context.Context, s types.UploadSession) error {
	return r.update(ctx, func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(sessionsBucket), s.ID, s)
	})
}

func (r *BoltRegistry) GetSession(ctx context.Context, id string) (types.UploadSession, error) {
	var s types.UploadSession
	err := r.view(ctx, func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(sessionsBucket), id, &s)
		if err != nil {
			return err
		}
		if !found {
			return &storage.NotFoundError{Resource: "upload", Key: id}
		}
		return nil
	})
	return s, err
}

// Close shuts down the Bolt DB.
func (r *BoltRegistry) Close() error {
	var err error
	r.once.Do(func() {
		err = r.db.Close()
	})
	return err
}
