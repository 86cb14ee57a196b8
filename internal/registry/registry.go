// Package registry keeps hub metadata that lives beside the content store:
// repository rows, the LFS object index, the quota ledger and multipart
// upload sessions.
package registry

import (
	"context"

	"github.com/onexay/modelhub/internal/types"
)

// Registry is implemented by the bbolt and in-memory backends. Every method
// that changes usage updates the repository row and its namespace bucket in a
// single transaction.
type Registry interface {
	CreateRepository(ctx context.Context, repo types.Repository) error
	GetRepository(ctx context.Context, id types.RepoID) (types.Repository, error)
	ListRepositories(ctx context.Context, namespace string) ([]types.Repository, error)
	// DeleteRepository removes the row and releases its usage from the namespace.
	DeleteRepository(ctx context.Context, id types.RepoID) (types.Repository, error)
	// SetPrivate toggles visibility and moves the usage between buckets.
	SetPrivate(ctx context.Context, id types.RepoID, private bool) (types.Repository, error)
	// SetRepoQuota sets or clears (nil) the repository override.
	SetRepoQuota(ctx context.Context, id types.RepoID, limit *int64) (types.Repository, error)
	// AddUsage applies delta to the repository and its namespace, clamping at zero.
	AddUsage(ctx context.Context, id types.RepoID, delta int64) (types.Repository, error)
	// SetUsage replaces the repository usage and adjusts the namespace by the difference.
	SetUsage(ctx context.Context, id types.RepoID, used int64) (types.Repository, error)

	GetNamespace(ctx context.Context, namespace string) (types.NamespaceQuota, error)
	SetNamespaceLimits(ctx context.Context, namespace string, public, private *int64) (types.NamespaceQuota, error)
	// ResetNamespaceUsage overwrites both usage buckets.
	ResetNamespaceUsage(ctx context.Context, namespace string, public, private int64) (types.NamespaceQuota, error)

	// PutObject records a verified object. The first row for an oid wins.
	PutObject(ctx context.Context, obj types.LargeObject) (types.LargeObject, error)
	GetObject(ctx context.Context, oid string) (types.LargeObject, error)

	PutSession(ctx context.Context, s types.UploadSession) error
	GetSession(ctx context.Context, id string) (types.UploadSession, error)

	Close() error
}

// NamespaceDefaults are the limits given to a namespace row when it is first
// materialized. Nil means unlimited.
type NamespaceDefaults struct {
	PublicLimit  *int64 `yaml:"publicLimit"`
	PrivateLimit *int64 `yaml:"privateLimit"`
}

func (d NamespaceDefaults) row(namespace string) types.NamespaceQuota {
	return types.NamespaceQuota{
		Namespace:    namespace,
		PublicLimit:  copyLimit(d.PublicLimit),
		PrivateLimit: copyLimit(d.PrivateLimit),
	}
}

func copyLimit(v *int64) *int64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// addToBucket adjusts the bucket matching the repository visibility.
func addToBucket(ns *types.NamespaceQuota, private bool, delta int64) {
	if private {
		ns.PrivateUsedBytes = clamp(ns.PrivateUsedBytes + delta)
	} else {
		ns.PublicUsedBytes = clamp(ns.PublicUsedBytes + delta)
	}
}
