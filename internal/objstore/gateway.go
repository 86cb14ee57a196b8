// Package objstore is the content-addressed large-object store. Clients move
// bytes directly through signed URLs; the gateway only stages, completes and
// verifies transfers.
package objstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
	"golang.org/x/sync/singleflight"

	"github.com/onexay/modelhub/internal/apierr"
	"github.com/onexay/modelhub/internal/stats"
	"github.com/onexay/modelhub/internal/types"
)

const (
	mib = int64(1) << 20

	// DefaultMultipartThreshold is the size at which uploads switch to multipart.
	DefaultMultipartThreshold = 100 * mib
	// DefaultChunkSize is the preferred multipart part size.
	DefaultChunkSize = 50 * mib
	// MinChunkSize is the smallest part size object stores accept.
	MinChunkSize = 5 * mib
	// MaxParts is the upper bound on parts per upload.
	MaxParts = 10000

	DefaultUploadExpiry   = time.Hour
	DefaultDownloadExpiry = 24 * time.Hour
	DefaultKeyPrefix      = "lfs/"
)

// Sessions persists multipart session records.
type Sessions interface {
	PutSession(ctx context.Context, s types.UploadSession) error
	GetSession(ctx context.Context, id string) (types.UploadSession, error)
}

// Options tune the gateway. Zero values take the defaults above.
type Options struct {
	KeyPrefix          string
	MultipartThreshold int64
	ChunkSize          int64
	UploadExpiry       time.Duration
	DownloadExpiry     time.Duration
	Stats              *stats.Stats
	Clock              func() time.Time
	// UploadsHashed is set when signed single-PUT uploads are rejected unless
	// their sha256 matches the key, as Transfer does. Otherwise objects are
	// hashed when verified.
	UploadsHashed bool
}

func (o *Options) setDefaults() {
	if o.KeyPrefix == "" {
		o.KeyPrefix = DefaultKeyPrefix
	}
	if o.MultipartThreshold <= 0 {
		o.MultipartThreshold = DefaultMultipartThreshold
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.UploadExpiry <= 0 {
		o.UploadExpiry = DefaultUploadExpiry
	}
	if o.DownloadExpiry <= 0 {
		o.DownloadExpiry = DefaultDownloadExpiry
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Gateway stages uploads and downloads against a blob bucket.
type Gateway struct {
	bucket   *blob.Bucket
	driver   MultipartDriver
	sessions Sessions
	opts     Options
	group    singleflight.Group
}

// NewGateway wires a bucket, a multipart driver and a session store.
func NewGateway(bucket *blob.Bucket, driver MultipartDriver, sessions Sessions, opts Options) *Gateway {
	opts.setDefaults()
	return &Gateway{bucket: bucket, driver: driver, sessions: sessions, opts: opts}
}

// Bucket exposes the underlying bucket.
func (g *Gateway) Bucket() *blob.Bucket { return g.bucket }

// MultipartThreshold returns the size at which uploads become multipart.
func (g *Gateway) MultipartThreshold() int64 { return g.opts.MultipartThreshold }

// Key returns the persisted object key for a sha256 hex oid.
func (g *Gateway) Key(oid string) string {
	return g.opts.KeyPrefix + oid[0:2] + "/" + oid[2:4] + "/" + oid
}

// oidFromKey returns the oid of a content-addressed key ending in
// aa/bb/<oid>.
func oidFromKey(key string) (string, bool) {
	parts := strings.Split(key, "/")
	if len(parts) < 3 {
		return "", false
	}
	n := len(parts)
	oid := parts[n-1]
	if !ValidOID(oid) || parts[n-3] != oid[0:2] || parts[n-2] != oid[2:4] {
		return "", false
	}
	return oid, true
}

// ValidOID reports whether oid is a lowercase sha256 hex digest.
func ValidOID(oid string) bool {
	if len(oid) != 64 {
		return false
	}
	for _, c := range oid {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}

// ChunkSize returns the part size for an upload of size bytes.
func ChunkSize(size, preferred int64) int64 {
	chunk := max(preferred, MinChunkSize)
	if minChunk := (size + MaxParts - 1) / MaxParts; chunk < minChunk {
		chunk = minChunk
	}
	return chunk
}

// Stat returns the stored size of oid, or ok=false when absent.
func (g *Gateway) Stat(ctx context.Context, oid string) (size int64, ok bool, err error) {
	attrs, err := g.bucket.Attributes(ctx, g.Key(oid))
	if gcerrors.Code(err) == gcerrors.NotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("stat %s: %w", oid, err)
	}
	return attrs.Size, true, nil
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
	ETag string `json:"etag,omitempty"`
}

// Object returns the stored size and etag of oid, or ok=false when absent.
func (g *Gateway) Object(ctx context.Context, oid string) (ObjectInfo, bool, error) {
	attrs, err := g.bucket.Attributes(ctx, g.Key(oid))
	if gcerrors.Code(err) == gcerrors.NotFound {
		return ObjectInfo{}, false, nil
	}
	if err != nil {
		return ObjectInfo{}, false, fmt.Errorf("stat %s: %w", oid, err)
	}
	return ObjectInfo{OID: oid, Size: attrs.Size, ETag: etagOf(attrs)}, true, nil
}

// Exists reports whether oid is stored.
func (g *Gateway) Exists(ctx context.Context, oid string) (bool, error) {
	_, ok, err := g.Stat(ctx, oid)
	return ok, err
}

// UploadRequest asks for transfer URLs for one object.
type UploadRequest struct {
	Repo string
	OID  string
	Size int64
	// Remaining is the caller's effective remaining quota; nil is unlimited.
	Remaining *int64
}

// UploadPlan tells the client where to send bytes.
type UploadPlan struct {
	Href      string // single PUT URL; empty for multipart
	Multipart bool
	UploadID  string
	ChunkSize int64
	PartURLs  []string // PartURLs[i] uploads part i+1
	ExpiresAt time.Time
}

// StageUpload issues a signed PUT URL, or one signed URL per part for objects
// at or above the multipart threshold.
func (g *Gateway) StageUpload(ctx context.Context, req UploadRequest) (plan UploadPlan, err error) {
	sp := g.opts.Stats.StartSpan("objstore.stage-upload")
	defer func() { sp.End(err) }()

	if !ValidOID(req.OID) {
		return UploadPlan{}, apierr.Validation("invalid oid %q", req.OID)
	}
	if req.Size < 0 {
		return UploadPlan{}, apierr.Validation("negative size for %s", req.OID)
	}
	if req.Remaining != nil && *req.Remaining < req.Size {
		return UploadPlan{}, apierr.New(apierr.KindQuotaExceeded, "object of %d bytes exceeds remaining quota of %d bytes", req.Size, *req.Remaining).
			WithDetail("required", req.Size).
			WithDetail("remaining", *req.Remaining)
	}

	expires := g.opts.Clock().Add(g.opts.UploadExpiry)
	key := g.Key(req.OID)
	if req.Size < g.opts.MultipartThreshold || g.driver == nil {
		href, err := g.bucket.SignedURL(ctx, key, &blob.SignedURLOptions{Method: "PUT", Expiry: g.opts.UploadExpiry})
		if err != nil {
			return UploadPlan{}, fmt.Errorf("sign upload %s: %w", req.OID, err)
		}
		return UploadPlan{Href: href, ExpiresAt: expires}, nil
	}

	chunk := ChunkSize(req.Size, g.opts.ChunkSize)
	parts := int((req.Size + chunk - 1) / chunk)
	session := types.UploadSession{
		ID:        uuid.NewString(),
		Repo:      req.Repo,
		OID:       req.OID,
		Size:      req.Size,
		ChunkSize: chunk,
		Parts:     parts,
		Driver:    g.driver.Name(),
		CreatedAt: g.opts.Clock().UTC(),
	}
	if session.DriverID, err = g.driver.Create(ctx, key, session.ID); err != nil {
		return UploadPlan{}, fmt.Errorf("create multipart upload %s: %w", req.OID, err)
	}
	urls := make([]string, parts)
	for i := range urls {
		if urls[i], err = g.driver.PartURL(ctx, key, session, i+1, g.opts.UploadExpiry); err != nil {
			return UploadPlan{}, fmt.Errorf("sign part %d of %s: %w", i+1, req.OID, err)
		}
	}
	if err := g.sessions.PutSession(ctx, session); err != nil {
		return UploadPlan{}, fmt.Errorf("record upload %s: %w", session.ID, err)
	}
	slog.DebugContext(ctx, "multipart upload staged", "oid", req.OID, "upload_id", session.ID, "parts", parts, "chunk_size", chunk)
	return UploadPlan{
		Multipart: true,
		UploadID:  session.ID,
		ChunkSize: chunk,
		PartURLs:  urls,
		ExpiresAt: expires,
	}, nil
}

// CompleteMultipart assembles an uploaded multipart object. A negative size
// takes the size recorded when the upload was staged. Completing an already
// completed upload succeeds; concurrent calls for one upload collapse into one.
func (g *Gateway) CompleteMultipart(ctx context.Context, uploadID, oid string, size int64, parts []Part) error {
	_, err, _ := g.group.Do(uploadID, func() (any, error) {
		return nil, g.completeMultipart(ctx, uploadID, oid, size, parts)
	})
	return err
}

func (g *Gateway) completeMultipart(ctx context.Context, uploadID, oid string, size int64, parts []Part) (err error) {
	sp := g.opts.Stats.StartSpan("objstore.complete-multipart")
	defer func() { sp.End(err) }()

	session, err := g.sessions.GetSession(ctx, uploadID)
	if err != nil {
		return apierr.From(err)
	}
	if size < 0 {
		size = session.Size
	}
	if session.OID != oid {
		return apierr.New(apierr.KindInvalidParts, "upload %s is for %s, not %s", uploadID, session.OID, oid)
	}
	if session.Size != size {
		return apierr.New(apierr.KindSizeMismatch, "upload %s was staged for %d bytes, not %d", uploadID, session.Size, size).
			WithDetail("expected", session.Size).
			WithDetail("actual", size)
	}
	if session.Completed {
		return g.Verify(ctx, oid, size)
	}
	if g.driver == nil || g.driver.Name() != session.Driver {
		return apierr.New(apierr.KindInvalidParts, "upload %s was created by driver %q", uploadID, session.Driver)
	}

	key := g.Key(oid)
	if len(parts) == 0 {
		if parts, err = g.driver.ListParts(ctx, key, session); err != nil {
			return fmt.Errorf("list parts of %s: %w", uploadID, err)
		}
	}
	parts, err = checkParts(session, parts)
	if err != nil {
		return err
	}
	if err := g.driver.Complete(ctx, key, session, parts); err != nil {
		return err
	}
	if g.driver.HashesContent() {
		err = g.Verify(ctx, oid, size)
	} else {
		err = g.checkContent(ctx, oid, size)
	}
	if err != nil {
		return err
	}
	session.Completed = true
	if err := g.sessions.PutSession(ctx, session); err != nil {
		return fmt.Errorf("record completion of %s: %w", uploadID, err)
	}
	slog.InfoContext(ctx, "multipart upload completed", "oid", oid, "upload_id", uploadID, "size", size)
	return nil
}

// checkParts sorts parts by number and checks they form 1..n with etags.
func checkParts(session types.UploadSession, parts []Part) ([]Part, error) {
	parts = slices.Clone(parts)
	slices.SortFunc(parts, func(a, b Part) int { return a.PartNumber - b.PartNumber })
	if len(parts) != session.Parts {
		return nil, apierr.New(apierr.KindInvalidParts, "expected %d parts, got %d", session.Parts, len(parts))
	}
	for i, p := range parts {
		if p.PartNumber != i+1 {
			return nil, apierr.New(apierr.KindInvalidParts, "part numbers must run from 1 to %d without gaps", session.Parts)
		}
		if strings.Trim(p.ETag, `"`) == "" {
			return nil, apierr.New(apierr.KindInvalidParts, "part %d has no etag", p.PartNumber)
		}
	}
	return parts, nil
}

// Verify checks that oid is stored with the declared size.
func (g *Gateway) Verify(ctx context.Context, oid string, size int64) (err error) {
	sp := g.opts.Stats.StartSpan("objstore.verify")
	defer func() { sp.End(err) }()

	if !ValidOID(oid) {
		return apierr.Validation("invalid oid %q", oid)
	}
	stored, ok, err := g.Stat(ctx, oid)
	if err != nil {
		return err
	}
	if !ok {
		return apierr.NotFound("object", oid)
	}
	if stored != size {
		return apierr.New(apierr.KindSizeMismatch, "object %s is %d bytes, expected %d", oid, stored, size).
			WithDetail("expected", size).
			WithDetail("actual", stored)
	}
	return nil
}

// VerifyUpload completes a pending multipart upload when uploadID is set,
// then verifies the stored object.
func (g *Gateway) VerifyUpload(ctx context.Context, uploadID, oid string, size int64, parts []Part) error {
	if uploadID != "" {
		return g.CompleteMultipart(ctx, uploadID, oid, size, parts)
	}
	return g.VerifyContent(ctx, oid, size)
}

// VerifyContent is Verify plus a sha256 check of the stored bytes when
// uploads are not hashed on the way in. Objects whose content does not match
// their oid are deleted.
func (g *Gateway) VerifyContent(ctx context.Context, oid string, size int64) error {
	if g.opts.UploadsHashed {
		return g.Verify(ctx, oid, size)
	}
	return g.checkContent(ctx, oid, size)
}

func (g *Gateway) checkContent(ctx context.Context, oid string, size int64) (err error) {
	if err := g.Verify(ctx, oid, size); err != nil {
		return err
	}
	sp := g.opts.Stats.StartSpan("objstore.hash")
	defer func() { sp.End(err) }()

	r, err := g.bucket.NewReader(ctx, g.Key(oid), nil)
	if err != nil {
		return fmt.Errorf("read %s: %w", oid, err)
	}
	defer r.Close()
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return fmt.Errorf("hash %s: %w", oid, err)
	}
	if sum := hex.EncodeToString(h.Sum(nil)); sum != oid {
		slog.WarnContext(ctx, "stored content does not match oid, deleting", "oid", oid, "sha256", sum)
		if err := g.Delete(ctx, oid); err != nil {
			return fmt.Errorf("delete corrupt object %s: %w", oid, err)
		}
		return apierr.Validation("content stored under %s hashes to %s", oid, sum).
			WithDetail("expected", oid).
			WithDetail("actual", sum)
	}
	return nil
}

// StageDownload returns a time-limited signed GET URL for oid.
func (g *Gateway) StageDownload(ctx context.Context, oid string) (href string, expires time.Time, err error) {
	sp := g.opts.Stats.StartSpan("objstore.stage-download")
	defer func() { sp.End(err) }()

	ok, err := g.Exists(ctx, oid)
	if err != nil {
		return "", time.Time{}, err
	}
	if !ok {
		return "", time.Time{}, apierr.NotFound("object", oid)
	}
	href, err = g.bucket.SignedURL(ctx, g.Key(oid), &blob.SignedURLOptions{Method: "GET", Expiry: g.opts.DownloadExpiry})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign download %s: %w", oid, err)
	}
	return href, g.opts.Clock().Add(g.opts.DownloadExpiry), nil
}

// Delete removes an object. Missing objects are not an error.
func (g *Gateway) Delete(ctx context.Context, oid string) error {
	err := g.bucket.Delete(ctx, g.Key(oid))
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return err
	}
	return nil
}

// Close releases the bucket.
func (g *Gateway) Close() error {
	return g.bucket.Close()
}
