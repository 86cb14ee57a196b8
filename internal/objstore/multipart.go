package objstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/onexay/modelhub/internal/apierr"
	"github.com/onexay/modelhub/internal/types"
)

// Part is one uploaded part as reported by the client or the backend.
type Part struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

// MultipartDriver creates, signs and assembles multipart uploads for one
// kind of backend.
type MultipartDriver interface {
	Name() string
	// Create starts an upload for key and returns the backend upload id.
	Create(ctx context.Context, key, sessionID string) (string, error)
	PartURL(ctx context.Context, key string, s types.UploadSession, part int, expiry time.Duration) (string, error)
	// ListParts reports the parts the backend has received, in order.
	ListParts(ctx context.Context, key string, s types.UploadSession) ([]Part, error)
	Complete(ctx context.Context, key string, s types.UploadSession, parts []Part) error
	// HashesContent reports whether Complete rejects assembled content whose
	// sha256 is not the session's oid.
	HashesContent() bool
}

// BlobParts stores each part as its own blob under .multipart/<id>/<n> and
// concatenates them on completion. It works with every gocloud driver that
// can sign URLs.
type BlobParts struct {
	Bucket *blob.Bucket
}

func (d *BlobParts) Name() string { return "blob" }

func (d *BlobParts) HashesContent() bool { return true }

func partKey(sessionID string, n int) string {
	return ".multipart/" + sessionID + "/" + strconv.Itoa(n)
}

func (d *BlobParts) Create(ctx context.Context, key, sessionID string) (string, error) {
	return sessionID, nil
}

func (d *BlobParts) PartURL(ctx context.Context, key string, s types.UploadSession, part int, expiry time.Duration) (string, error) {
	return d.Bucket.SignedURL(ctx, partKey(s.ID, part), &blob.SignedURLOptions{Method: "PUT", Expiry: expiry})
}

func (d *BlobParts) ListParts(ctx context.Context, key string, s types.UploadSession) ([]Part, error) {
	var parts []Part
	for n := 1; n <= s.Parts; n++ {
		attrs, err := d.Bucket.Attributes(ctx, partKey(s.ID, n))
		if gcerrors.Code(err) == gcerrors.NotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		parts = append(parts, Part{PartNumber: n, ETag: etagOf(attrs)})
	}
	return parts, nil
}

func etagOf(attrs *blob.Attributes) string {
	if len(attrs.MD5) > 0 {
		return hex.EncodeToString(attrs.MD5)
	}
	return strings.Trim(attrs.ETag, `"`)
}

func (d *BlobParts) Complete(ctx context.Context, key string, s types.UploadSession, parts []Part) (err error) {
	var total int64
	for _, p := range parts {
		attrs, err := d.Bucket.Attributes(ctx, partKey(s.ID, p.PartNumber))
		if gcerrors.Code(err) == gcerrors.NotFound {
			return apierr.New(apierr.KindInvalidParts, "part %d was not uploaded", p.PartNumber)
		}
		if err != nil {
			return err
		}
		if !strings.EqualFold(etagOf(attrs), strings.Trim(p.ETag, `"`)) {
			return apierr.New(apierr.KindInvalidParts, "etag mismatch for part %d", p.PartNumber)
		}
		if p.PartNumber < s.Parts && attrs.Size != s.ChunkSize {
			return apierr.New(apierr.KindInvalidParts, "part %d is %d bytes, expected %d", p.PartNumber, attrs.Size, s.ChunkSize)
		}
		total += attrs.Size
	}
	if total != s.Size {
		return apierr.New(apierr.KindSizeMismatch, "parts hold %d bytes, expected %d", total, s.Size).
			WithDetail("expected", s.Size).
			WithDetail("actual", total)
	}

	w, err := d.Bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return err
	}
	h := sha256.New()
	for _, p := range parts {
		if err := d.copyPart(ctx, io.MultiWriter(w, h), s.ID, p.PartNumber); err != nil {
			_ = w.Close()
			_ = d.Bucket.Delete(ctx, key)
			return err
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("assemble %s: %w", s.OID, err)
	}
	if sum := hex.EncodeToString(h.Sum(nil)); sum != s.OID {
		_ = d.Bucket.Delete(ctx, key)
		return apierr.Validation("assembled content hashes to %s, expected %s", sum, s.OID)
	}
	for _, p := range parts {
		_ = d.Bucket.Delete(ctx, partKey(s.ID, p.PartNumber))
	}
	return nil
}

func (d *BlobParts) copyPart(ctx context.Context, dst io.Writer, sessionID string, n int) error {
	r, err := d.Bucket.NewReader(ctx, partKey(sessionID, n), nil)
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.Copy(dst, r)
	return err
}
