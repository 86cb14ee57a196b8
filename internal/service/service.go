package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onexay/modelhub/internal/apierr"
	"github.com/onexay/modelhub/internal/branchlock"
	"github.com/onexay/modelhub/internal/commit"
	"github.com/onexay/modelhub/internal/config"
	"github.com/onexay/modelhub/internal/confirm"
	"github.com/onexay/modelhub/internal/lfs"
	"github.com/onexay/modelhub/internal/objstore"
	"github.com/onexay/modelhub/internal/quota"
	"github.com/onexay/modelhub/internal/refs"
	"github.com/onexay/modelhub/internal/registry"
	"github.com/onexay/modelhub/internal/stats"
	"github.com/onexay/modelhub/internal/storage"
	"github.com/onexay/modelhub/internal/types"
)

// Service holds business logic and storage dependencies.
type Service struct {
	store     storage.Store
	reg       registry.Registry
	gw        *objstore.Gateway
	transfer  http.Handler
	lfs       *lfs.Handler
	engine    *commit.Engine
	refs      *refs.Mutator
	quota     *quota.Accountant
	confirm   *confirm.Issuer
	stats     *stats.Stats
	publicURL string
}

const defaultBranchName = "main"
const (
	headerAuthorName = "X-Author-Name"
	headerAuthorID   = "X-Author-ID"
)

// New opens the configured backends and wires the engine components.
func New(ctx context.Context, cfg config.Config, st *stats.Stats) (*Service, error) {
	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	reg, err := openRegistry(cfg.Registry, cfg.Quota)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	backend, err := objstore.Open(ctx, cfg.ObjectStore)
	if err != nil {
		_ = store.Close()
		_ = reg.Close()
		return nil, err
	}
	issuer, err := confirm.NewIssuer(cfg.TokenSecret, confirm.DefaultTTL)
	if err != nil {
		_ = store.Close()
		_ = reg.Close()
		_ = backend.Bucket.Close()
		return nil, err
	}

	gw := objstore.NewGateway(backend.Bucket, backend.Driver, reg, objstore.Options{
		KeyPrefix:          cfg.LFS.KeyPrefix,
		MultipartThreshold: cfg.LFS.MultipartThreshold,
		ChunkSize:          cfg.LFS.ChunkSize,
		UploadExpiry:       cfg.LFS.UploadExpiry,
		DownloadExpiry:     cfg.LFS.DownloadExpiry,
		Stats:              st,
		UploadsHashed:      backend.UploadsHashed,
	})
	acct := quota.New(store, reg, st)
	locks := branchlock.New()

	slog.InfoContext(ctx, "service ready",
		"storage", cfg.Storage.Backend,
		"registry", cfg.Registry.Path,
		"bucket", cfg.ObjectStore.BucketURL,
		"multipart", backend.Driver.Name())

	return &Service{
		store:    store,
		reg:      reg,
		gw:       gw,
		transfer: backend.Transfer,
		lfs:      lfs.NewHandler(gw, lfs.NewDedupIndex(reg, gw), acct, st),
		engine: commit.NewEngine(store, reg, gw, acct, locks, commit.Options{
			LFSThreshold: cfg.LFS.Threshold,
			LFSSuffixes:  cfg.LFS.Suffixes,
			Stats:        st,
		}),
		refs:      refs.New(store, reg, gw, acct, locks, issuer, st),
		quota:     acct,
		confirm:   issuer,
		stats:     st,
		publicURL: strings.TrimSuffix(cfg.PublicURL, "/"),
	}, nil
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case config.StorageBackendKeyDB:
		return storage.NewKeyDBStore(cfg.KeyDB)
	case config.StorageBackendGit:
		return storage.NewGitStore(cfg.GitDir)
	default:
		return storage.NewMemoryStore(), nil
	}
}

func openRegistry(cfg config.RegistryConfig, defaults registry.NamespaceDefaults) (registry.Registry, error) {
	if cfg.Path == "" {
		return registry.NewMemoryRegistry(defaults), nil
	}
	reg, err := registry.NewBoltRegistry(cfg.Path, defaults)
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// Transfer serves locally signed object URLs. It is nil for S3 buckets.
func (s *Service) Transfer() http.Handler {
	return s.transfer
}

// Close releases every backend.
func (s *Service) Close() error {
	return errors.Join(s.gw.Close(), s.reg.Close(), s.store.Close())
}

func authorFromHeaders(r *http.Request) (types.Author, error) {
	name := strings.TrimSpace(r.Header.Get(headerAuthorName))
	id := strings.TrimSpace(r.Header.Get(headerAuthorID))
	if name == "" || id == "" {
		return types.Author{}, apierr.Validation("%s and %s headers are required", headerAuthorName, headerAuthorID)
	}
	return types.Author{Name: name, ID: id}, nil
}

// repoFromPath reads the {type}/{ns}/{name} wildcards of an /api route.
func repoFromPath(r *http.Request) (types.RepoID, error) {
	kind, ok := types.ParseRepoType(r.PathValue("type"))
	if !ok {
		return types.RepoID{}, apierr.NotFound("repository type", r.PathValue("type"))
	}
	id := types.RepoID{Type: kind, Namespace: r.PathValue("ns"), Name: r.PathValue("name")}
	if err := id.Validate(); err != nil {
		return types.RepoID{}, apierr.Validation("%v", err)
	}
	return id, nil
}

// lfsURL is the base of the LFS endpoints for a repository, as git clients
// address it.
func (s *Service) lfsURL(id types.RepoID) string {
	prefix := ""
	if id.Type != types.RepoTypeModel {
		prefix = id.Type.Plural() + "/"
	}
	return fmt.Sprintf("%s/%s%s.git/info/lfs", s.publicURL, prefix, id.FullName())
}
