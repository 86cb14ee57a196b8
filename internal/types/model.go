package types

import (
	"fmt"
	"strings"
	"time"
)

// RepoType enumerates the kinds of repositories the hub hosts.
type RepoType string

const (
	RepoTypeModel   RepoType = "model"
	RepoTypeDataset RepoType = "dataset"
	RepoTypeSpace   RepoType = "space"
)

// ParseRepoType accepts both the singular form and the plural URL segment
// ("models", "datasets", "spaces").
func ParseRepoType(s string) (RepoType, bool) {
	switch strings.TrimSuffix(strings.ToLower(s), "s") {
	case "", "model":
		return RepoTypeModel, true
	case "dataset":
		return RepoTypeDataset, true
	case "space":
		return RepoTypeSpace, true
	}
	return "", false
}

// Plural returns the URL segment for the type.
func (t RepoType) Plural() string {
	return string(t) + "s"
}

// RepoID identifies a repository.
type RepoID struct {
	Type      RepoType `json:"type"`
	Namespace string   `json:"namespace"`
	Name      string   `json:"name"`
}

// String is the storage key of the repository, e.g. "models/acme/bert".
func (id RepoID) String() string {
	return id.Type.Plural() + "/" + id.Namespace + "/" + id.Name
}

// FullName is the HF-style "namespace/name".
func (id RepoID) FullName() string {
	return id.Namespace + "/" + id.Name
}

// Validate checks that namespace and name are usable path segments.
func (id RepoID) Validate() error {
	if _, ok := ParseRepoType(string(id.Type)); !ok {
		return fmt.Errorf("unknown repository type %q", id.Type)
	}
	for _, s := range []string{id.Namespace, id.Name} {
		if s == "" || s == "." || s == ".." || strings.ContainsAny(s, "/\\ ") {
			return fmt.Errorf("invalid repository segment %q", s)
		}
	}
	return nil
}

// Repository captures per-repository metadata kept by the registry.
type Repository struct {
	ID            RepoID    `json:"id"`
	DefaultBranch string    `json:"defaultBranch"`
	Private       bool      `json:"private"`
	QuotaBytes    *int64    `json:"quotaBytes,omitempty"` // nil inherits the namespace quota
	UsedBytes     int64     `json:"usedBytes"`
	CreatedAt     time.Time `json:"createdAt"`
}

// StorageClass tells where an entry's bytes live.
type StorageClass string

const (
	StorageInline StorageClass = "inline"
	StorageLFS    StorageClass = "lfs"
)

// Entry is the content of one path at one commit.
type Entry struct {
	Path    string       `json:"path"`
	Size    int64        `json:"size"`
	OID     string       `json:"oid"` // sha256 hex of the file content
	Class   StorageClass `json:"class"`
	Content []byte       `json:"content,omitempty"` // inline entries only
}

// Equal reports whether two entries describe identical content.
func (e Entry) Equal(o Entry) bool {
	return e.Path == o.Path && e.Size == o.Size && e.OID == o.OID && e.Class == o.Class
}

// Tree maps paths to entries.
type Tree map[string]Entry

// Clone returns a shallow copy of the tree.
func (t Tree) Clone() Tree {
	out := make(Tree, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Commit captures a repository version entry.
type Commit struct {
	Repo        string    `json:"repo"`
	Hash        string    `json:"hash"`
	Parents     []string  `json:"parents,omitempty"`
	AuthorName  string    `json:"author"`
	AuthorID    string    `json:"authorId"`
	Message     string    `json:"message,omitempty"`
	Description string    `json:"description,omitempty"`
	TreeHash    string    `json:"treeHash"`
	Timestamp   time.Time `json:"timestamp"`
}

// Parent returns the first parent, or "" for a root commit.
func (c Commit) Parent() string {
	if len(c.Parents) == 0 {
		return ""
	}
	return c.Parents[0]
}

// Branch points to the latest commit for a repository branch.
type Branch struct {
	Repo      string    `json:"repo"`
	Name      string    `json:"name"`
	Commit    string    `json:"commit"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Tag anchors a commit to a friendly label within a repository.
type Tag struct {
	Repo      string    `json:"repo"`
	Name      string    `json:"name"`
	Commit    string    `json:"commit"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// LargeObject is an index row for a verified LFS object.
type LargeObject struct {
	OID       string    `json:"oid"`
	Size      int64     `json:"size"`
	FirstRepo string    `json:"firstRepo,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NamespaceQuota is the per-namespace ledger row. Nil limits are unlimited.
type NamespaceQuota struct {
	Namespace        string `json:"namespace"`
	PublicLimit      *int64 `json:"publicLimit,omitempty"`
	PrivateLimit     *int64 `json:"privateLimit,omitempty"`
	PublicUsedBytes  int64  `json:"publicUsedBytes"`
	PrivateUsedBytes int64  `json:"privateUsedBytes"`
}

// Limit returns the limit that applies to the given visibility.
func (q NamespaceQuota) Limit(private bool) *int64 {
	if private {
		return q.PrivateLimit
	}
	return q.PublicLimit
}

// Used returns the usage for the given visibility.
func (q NamespaceQuota) Used(private bool) int64 {
	if private {
		return q.PrivateUsedBytes
	}
	return q.PublicUsedBytes
}

// Author identifies who performs a mutation.
type Author struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// UploadSession tracks a multipart upload from creation to completion.
type UploadSession struct {
	ID        string    `json:"id"`
	Repo      string    `json:"repo,omitempty"`
	OID       string    `json:"oid"`
	Size      int64     `json:"size"`
	ChunkSize int64     `json:"chunkSize"`
	Parts     int       `json:"parts"`
	Driver    string    `json:"driver"`
	DriverID  string    `json:"driverId,omitempty"` // backend upload id, e.g. the S3 UploadId
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"createdAt"`
}
