package service

import (
	"context"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/onexay/modelhub/internal/apierr"
	"github.com/onexay/modelhub/internal/commit"
	"github.com/onexay/modelhub/internal/confirm"
	"github.com/onexay/modelhub/internal/quota"
	"github.com/onexay/modelhub/internal/storage"
	"github.com/onexay/modelhub/internal/tree"
	"github.com/onexay/modelhub/internal/types"
)

// RepoRequest names a repository in the body of /api/repos calls. Name may be
// "namespace/name" or a bare name with Organization set. A bare name without
// organization lives in the author's namespace.
type RepoRequest struct {
	Type         string `json:"type"`
	Name         string `json:"name"`
	Organization string `json:"organization"`
	Private      bool   `json:"private"`
	Token        string `json:"token"`
}

func (req RepoRequest) id(author types.Author) (types.RepoID, error) {
	kind, ok := types.ParseRepoType(req.Type)
	if !ok {
		return types.RepoID{}, apierr.Validation("unknown repository type %q", req.Type)
	}
	ns, name := req.Organization, req.Name
	if before, after, found := strings.Cut(req.Name, "/"); found {
		ns, name = before, after
	}
	if ns == "" {
		ns = author.ID
	}
	id := types.RepoID{Type: kind, Namespace: ns, Name: name}
	if err := id.Validate(); err != nil {
		return types.RepoID{}, apierr.Validation("%v", err)
	}
	return id, nil
}

// CreatedRepo is returned by CreateRepository.
type CreatedRepo struct {
	URL        string           `json:"url"`
	Repository types.Repository `json:"repository"`
	Commit     string           `json:"commit"`
}

// CreateRepository registers a repository and records its initial commit on
// the default branch.
func (s *Service) CreateRepository(ctx context.Context, id types.RepoID, private bool, author types.Author) (CreatedRepo, error) {
	repo := types.Repository{ID: id, DefaultBranch: defaultBranchName, Private: private, CreatedAt: time.Now().UTC()}
	if err := s.reg.CreateRepository(ctx, repo); err != nil {
		return CreatedRepo{}, apierr.From(err)
	}
	c, err := s.store.InitRepository(ctx, id.String(), defaultBranchName, author)
	if err != nil {
		if _, rerr := s.reg.DeleteRepository(ctx, id); rerr != nil {
			slog.ErrorContext(ctx, "roll back repository row", "repo", id.String(), "err", rerr)
		}
		return CreatedRepo{}, apierr.From(err)
	}
	slog.InfoContext(ctx, "repository created", "repo", id.String(), "private", private, "author", author.ID)
	prefix := ""
	if id.Type != types.RepoTypeModel {
		prefix = id.Type.Plural() + "/"
	}
	return CreatedRepo{URL: s.publicURL + "/" + prefix + id.FullName(), Repository: repo, Commit: c.Hash}, nil
}

// DeleteRepository removes a repository once token confirms it. Stored large
// objects are left for garbage collection.
func (s *Service) DeleteRepository(ctx context.Context, id types.RepoID, token string) error {
	if err := s.confirm.Check(token, id.String(), confirm.KindRepository, id.String()); err != nil {
		return err
	}
	if _, err := s.reg.GetRepository(ctx, id); err != nil {
		return apierr.From(err)
	}
	if err := s.store.DeleteRepository(ctx, id.String()); err != nil && !storage.IsNotFound(err) {
		return apierr.From(err)
	}
	if _, err := s.reg.DeleteRepository(ctx, id); err != nil {
		return apierr.From(err)
	}
	slog.InfoContext(ctx, "repository deleted", "repo", id.String())
	return nil
}

// snapshot resolves revision (the default branch when empty) to a commit and
// its tree.
func (s *Service) snapshot(ctx context.Context, id types.RepoID, revision string) (types.Repository, types.Commit, types.Tree, error) {
	repo, err := s.reg.GetRepository(ctx, id)
	if err != nil {
		return types.Repository{}, types.Commit{}, nil, apierr.From(err)
	}
	if revision == "" {
		revision = repo.DefaultBranch
	}
	c, err := storage.ResolveRevision(ctx, s.store, id.String(), revision)
	if err != nil {
		return types.Repository{}, types.Commit{}, nil, apierr.From(err)
	}
	t, err := s.store.GetTree(ctx, id.String(), c.Hash)
	if err != nil {
		return types.Repository{}, types.Commit{}, nil, apierr.From(err)
	}
	return repo, c, t, nil
}

// Sibling is one file of a repository as listed in RepoInfo.
type Sibling struct {
	RFilename string `json:"rfilename"`
	Size      int64  `json:"size"`
	LFS       *LFS   `json:"lfs,omitempty"`
}

// LFS describes the pointer of an LFS entry.
type LFS struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

// RepoInfo is the repository metadata document.
type RepoInfo struct {
	ID            string         `json:"id"`
	Type          types.RepoType `json:"type"`
	SHA           string         `json:"sha"`
	Private       bool           `json:"private"`
	DefaultBranch string         `json:"defaultBranch"`
	UsedBytes     int64          `json:"usedBytes"`
	CreatedAt     time.Time      `json:"createdAt"`
	LastModified  time.Time      `json:"lastModified"`
	Siblings      []Sibling      `json:"siblings"`
}

// RepoInfo describes a repository at revision.
func (s *Service) RepoInfo(ctx context.Context, id types.RepoID, revision string) (RepoInfo, error) {
	repo, c, t, err := s.snapshot(ctx, id, revision)
	if err != nil {
		return RepoInfo{}, err
	}
	info := RepoInfo{
		ID:            id.FullName(),
		Type:          id.Type,
		SHA:           c.Hash,
		Private:       repo.Private,
		DefaultBranch: repo.DefaultBranch,
		UsedBytes:     repo.UsedBytes,
		CreatedAt:     repo.CreatedAt,
		LastModified:  c.Timestamp,
		Siblings:      make([]Sibling, 0, len(t)),
	}
	for _, p := range tree.SortedPaths(t) {
		info.Siblings = append(info.Siblings, sibling(t[p]))
	}
	return info, nil
}

func sibling(e types.Entry) Sibling {
	sb := Sibling{RFilename: e.Path, Size: e.Size}
	if e.Class == types.StorageLFS {
		sb.LFS = &LFS{OID: e.OID, Size: e.Size}
	}
	return sb
}

// SettingsRequest updates repository settings. Nil fields are unchanged.
type SettingsRequest struct {
	Private *bool `json:"private"`
}

// UpdateSettings applies req. Changing visibility moves the repository's
// usage between its namespace's public and private buckets.
func (s *Service) UpdateSettings(ctx context.Context, id types.RepoID, req SettingsRequest) (types.Repository, error) {
	repo, err := s.reg.GetRepository(ctx, id)
	if err != nil {
		return types.Repository{}, apierr.From(err)
	}
	if req.Private == nil || *req.Private == repo.Private {
		return repo, nil
	}
	repo, err = s.reg.SetPrivate(ctx, id, *req.Private)
	if err != nil {
		return types.Repository{}, apierr.From(err)
	}
	slog.InfoContext(ctx, "repository visibility changed", "repo", id.String(), "private", repo.Private)
	return repo, nil
}

// RefInfo is one branch or tag.
type RefInfo struct {
	Name         string `json:"name"`
	Ref          string `json:"ref"`
	TargetCommit string `json:"targetCommit"`
}

// Refs lists the branches and tags of a repository.
type Refs struct {
	Branches []RefInfo `json:"branches"`
	Tags     []RefInfo `json:"tags"`
}

// ListRefs returns all branches and tags, sorted by name.
func (s *Service) ListRefs(ctx context.Context, id types.RepoID) (Refs, error) {
	if _, err := s.reg.GetRepository(ctx, id); err != nil {
		return Refs{}, apierr.From(err)
	}
	branches, err := s.store.ListBranches(ctx, id.String())
	if err != nil {
		return Refs{}, apierr.From(err)
	}
	tags, err := s.store.ListTags(ctx, id.String())
	if err != nil {
		return Refs{}, apierr.From(err)
	}
	out := Refs{Branches: make([]RefInfo, 0, len(branches)), Tags: make([]RefInfo, 0, len(tags))}
	for _, b := range branches {
		out.Branches = append(out.Branches, RefInfo{Name: b.Name, Ref: "refs/heads/" + b.Name, TargetCommit: b.Commit})
	}
	for _, t := range tags {
		out.Tags = append(out.Tags, RefInfo{Name: t.Name, Ref: "refs/tags/" + t.Name, TargetCommit: t.Commit})
	}
	byName := func(a, b RefInfo) int { return strings.Compare(a.Name, b.Name) }
	slices.SortFunc(out.Branches, byName)
	slices.SortFunc(out.Tags, byName)
	return out, nil
}

// ListCommits returns the first-parent history of revision, newest first.
func (s *Service) ListCommits(ctx context.Context, id types.RepoID, revision string, limit int) ([]types.Commit, error) {
	_, c, _, err := s.snapshot(ctx, id, revision)
	if err != nil {
		return nil, err
	}
	commits, err := storage.Log(ctx, s.store, id.String(), c.Hash, limit)
	if err != nil {
		return nil, apierr.From(err)
	}
	return commits, nil
}

// TreeItem is one file or directory in a tree listing.
type TreeItem struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size,omitempty"`
	OID  string `json:"oid,omitempty"`
	LFS  *LFS   `json:"lfs,omitempty"`
}

// ListTree lists the entries under dir at revision. Without recursive, only
// direct children are returned and deeper paths collapse into directories.
func (s *Service) ListTree(ctx context.Context, id types.RepoID, revision, dir string, recursive bool) ([]TreeItem, error) {
	dir = strings.Trim(dir, "/")
	_, _, t, err := s.snapshot(ctx, id, revision)
	if err != nil {
		return nil, err
	}
	sub := tree.Subtree(t, dir)
	if dir != "" && len(sub) == 0 {
		return nil, apierr.NotFound("path", dir)
	}
	if e, ok := sub[dir]; ok && dir != "" {
		return []TreeItem{fileItem(e)}, nil
	}

	items := []TreeItem{}
	dirs := make(map[string]bool)
	for _, p := range tree.SortedPaths(sub) {
		rel := strings.TrimPrefix(strings.TrimPrefix(p, dir), "/")
		if recursive {
			for d := path.Dir(rel); d != "."; d = path.Dir(d) {
				dirs[path.Join(dir, d)] = true
			}
			items = append(items, fileItem(sub[p]))
			continue
		}
		if first, _, nested := strings.Cut(rel, "/"); nested {
			dirs[path.Join(dir, first)] = true
			continue
		}
		items = append(items, fileItem(sub[p]))
	}
	for d := range dirs {
		items = append(items, TreeItem{Type: "directory", Path: d})
	}
	slices.SortFunc(items, func(a, b TreeItem) int { return strings.Compare(a.Path, b.Path) })
	return items, nil
}

func fileItem(e types.Entry) TreeItem {
	item := TreeItem{Type: "file", Path: e.Path, Size: e.Size, OID: e.OID}
	if e.Class == types.StorageLFS {
		item.LFS = &LFS{OID: e.OID, Size: e.Size}
	}
	return item
}

// PrepareDeleteRequest asks for a confirmation token.
type PrepareDeleteRequest struct {
	Kind     string `json:"kind"`
	Revision string `json:"revision"`
	Path     string `json:"path"`
}

// Confirmation is a token together with what it would affect.
type Confirmation struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Paths     []string  `json:"paths"`
}

// PrepareDelete issues a token for a folder deletion, a repository deletion
// or a history squash, listing the paths it affects.
func (s *Service) PrepareDelete(ctx context.Context, id types.RepoID, req PrepareDeleteRequest) (Confirmation, error) {
	kind, ok := confirm.ParseKind(req.Kind)
	if !ok {
		return Confirmation{}, apierr.Validation("unknown confirmation kind %q", req.Kind)
	}
	repo, _, t, err := s.snapshot(ctx, id, req.Revision)
	if err != nil {
		return Confirmation{}, err
	}
	revision := req.Revision
	if revision == "" {
		revision = repo.DefaultBranch
	}

	var target string
	paths := []string{}
	switch kind {
	case confirm.KindFolder:
		dir, err := commit.CleanPath(req.Path)
		if err != nil {
			return Confirmation{}, err
		}
		if paths, err = s.engine.FolderPaths(ctx, id, revision, dir); err != nil {
			return Confirmation{}, err
		}
		target = folderTarget(revision, dir)
	case confirm.KindRepository:
		target = id.String()
		paths = tree.SortedPaths(t)
	case confirm.KindSquash:
		if _, err := s.store.GetBranch(ctx, id.String(), revision); err != nil {
			return Confirmation{}, apierr.From(err)
		}
		target = revision
	}

	token, exp, err := s.confirm.Issue(id.String(), kind, target)
	if err != nil {
		return Confirmation{}, err
	}
	return Confirmation{Token: token, ExpiresAt: exp, Paths: paths}, nil
}

func folderTarget(revision, dir string) string {
	return revision + ":" + dir
}

// DeleteFolder removes every file under dir on branch as one commit.
func (s *Service) DeleteFolder(ctx context.Context, id types.RepoID, branch, dir, token string, author types.Author) (commit.Result, error) {
	dir, err := commit.CleanPath(dir)
	if err != nil {
		return commit.Result{}, err
	}
	if err := s.confirm.Check(token, id.String(), confirm.KindFolder, folderTarget(branch, dir)); err != nil {
		return commit.Result{}, err
	}
	return s.engine.Commit(ctx, id, branch, author, commit.Request{
		Header:     commit.Header{Summary: "Delete folder " + dir},
		Operations: []commit.Operation{{Key: commit.OpDeletedFolder, Path: dir}},
	})
}

// NamespaceReport is the ledger row of a namespace and its repositories.
type NamespaceReport struct {
	types.NamespaceQuota
	Repositories []types.Repository `json:"repositories"`
}

// NamespaceQuota reports a namespace's limits and usage.
func (s *Service) NamespaceQuota(ctx context.Context, namespace string) (NamespaceReport, error) {
	ns, err := s.reg.GetNamespace(ctx, namespace)
	if err != nil {
		return NamespaceReport{}, apierr.From(err)
	}
	repos, err := s.reg.ListRepositories(ctx, namespace)
	if err != nil {
		return NamespaceReport{}, apierr.From(err)
	}
	if repos == nil {
		repos = []types.Repository{}
	}
	return NamespaceReport{NamespaceQuota: ns, Repositories: repos}, nil
}

// NamespaceLimits replaces both limits of a namespace. Nil is unlimited.
type NamespaceLimits struct {
	PublicLimit  *int64 `json:"publicLimit"`
	PrivateLimit *int64 `json:"privateLimit"`
}

// SetNamespaceLimits updates the limits of a namespace.
func (s *Service) SetNamespaceLimits(ctx context.Context, namespace string, req NamespaceLimits) (types.NamespaceQuota, error) {
	for _, l := range []*int64{req.PublicLimit, req.PrivateLimit} {
		if l != nil && *l < 0 {
			return types.NamespaceQuota{}, apierr.Validation("limits must not be negative")
		}
	}
	ns, err := s.reg.SetNamespaceLimits(ctx, namespace, req.PublicLimit, req.PrivateLimit)
	if err != nil {
		return types.NamespaceQuota{}, apierr.From(err)
	}
	slog.InfoContext(ctx, "namespace limits set", "namespace", namespace)
	return ns, nil
}

// RecalculateNamespace recomputes the usage of every repository in namespace.
func (s *Service) RecalculateNamespace(ctx context.Context, namespace string) (types.NamespaceQuota, error) {
	ns, err := s.quota.RecalculateNamespace(ctx, namespace)
	if err != nil {
		return types.NamespaceQuota{}, apierr.From(err)
	}
	return ns, nil
}

// RepoQuota reports the quota position of a repository.
func (s *Service) RepoQuota(ctx context.Context, id types.RepoID) (quota.Report, error) {
	r, err := s.quota.Report(ctx, id)
	if err != nil {
		return quota.Report{}, apierr.From(err)
	}
	return r, nil
}

// RepoLimit sets or clears (nil) a repository override.
type RepoLimit struct {
	Limit *int64 `json:"limit"`
}

// SetRepoQuota applies req to the repository.
func (s *Service) SetRepoQuota(ctx context.Context, id types.RepoID, req RepoLimit) (types.Repository, error) {
	if req.Limit != nil && *req.Limit < 0 {
		return types.Repository{}, apierr.Validation("limit must not be negative")
	}
	repo, err := s.reg.SetRepoQuota(ctx, id, req.Limit)
	if err != nil {
		return types.Repository{}, apierr.From(err)
	}
	return repo, nil
}

// RecalculateRepo recomputes the usage of one repository.
func (s *Service) RecalculateRepo(ctx context.Context, id types.RepoID) (types.Repository, error) {
	repo, err := s.quota.Recalculate(ctx, id)
	if err != nil {
		return types.Repository{}, apierr.From(err)
	}
	return repo, nil
}
