// Package lfs implements the Git LFS batch protocol on top of the object
// store gateway, including the HuggingFace multipart extension.
package lfs

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onexay/modelhub/internal/apierr"
	"github.com/onexay/modelhub/internal/objstore"
	"github.com/onexay/modelhub/internal/quota"
	"github.com/onexay/modelhub/internal/stats"
	"github.com/onexay/modelhub/internal/types"
)

// MediaType is the content type of batch requests and responses.
const MediaType = "application/vnd.git-lfs+json"

const hashAlgo = "sha256"

// Pointer is an object reference in a batch request.
type Pointer struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

// BatchRequest is the body of POST …/info/lfs/objects/batch.
type BatchRequest struct {
	Operation string    `json:"operation"`
	Transfers []string  `json:"transfers,omitempty"`
	Ref       *Ref      `json:"ref,omitempty"`
	Objects   []Pointer `json:"objects"`
	HashAlgo  string    `json:"hash_algo,omitempty"`
}

// Ref names the ref a batch targets.
type Ref struct {
	Name string `json:"name"`
}

// Action is one transfer step for the client.
type Action struct {
	Href      string            `json:"href"`
	Header    map[string]string `json:"header,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

// ObjectError is a per-object failure.
type ObjectError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ObjectResponse describes what to do for one object. An object with no
// actions and no error is already stored.
type ObjectResponse struct {
	OID           string             `json:"oid"`
	Size          int64              `json:"size"`
	Authenticated bool               `json:"authenticated,omitempty"`
	Actions       map[string]*Action `json:"actions,omitempty"`
	Error         *ObjectError       `json:"error,omitempty"`
}

// BatchResponse is the reply to a batch request.
type BatchResponse struct {
	Transfer string           `json:"transfer"`
	Objects  []ObjectResponse `json:"objects"`
	HashAlgo string           `json:"hash_algo"`
}

// VerifyRequest is the body of POST …/info/lfs/verify. UploadID and Parts are
// set by clients finishing a multipart upload through verify.
type VerifyRequest struct {
	OID      string          `json:"oid"`
	Size     int64           `json:"size"`
	UploadID string          `json:"upload_id,omitempty"`
	Parts    []objstore.Part `json:"parts,omitempty"`
}

// CompleteRequest is the body of POST …/info/lfs/complete/{upload_id}. A nil
// Size completes with the size the upload was staged for.
type CompleteRequest struct {
	OID      string          `json:"oid"`
	Size     *int64          `json:"size,omitempty"`
	UploadID string          `json:"upload_id,omitempty"`
	Parts    []objstore.Part `json:"parts"`
}

// Handler serves the batch protocol for one hub.
type Handler struct {
	gw    *objstore.Gateway
	dedup *DedupIndex
	quota *quota.Accountant
	stats *stats.Stats
}

// NewHandler wires the batch handler.
func NewHandler(gw *objstore.Gateway, dedup *DedupIndex, acct *quota.Accountant, st *stats.Stats) *Handler {
	return &Handler{gw: gw, dedup: dedup, quota: acct, stats: st}
}

// Batch negotiates transfers. lfsURL is the repository's …/info/lfs base URL
// used for verify and completion actions.
func (h *Handler) Batch(ctx context.Context, id types.RepoID, lfsURL string, req BatchRequest) (resp BatchResponse, err error) {
	sp := h.stats.StartSpan("lfs.batch." + req.Operation)
	defer func() { sp.End(err) }()

	if req.HashAlgo != "" && req.HashAlgo != hashAlgo {
		return BatchResponse{}, apierr.Validation("unsupported hash algorithm %q", req.HashAlgo)
	}
	resp = BatchResponse{Transfer: "basic", HashAlgo: hashAlgo, Objects: make([]ObjectResponse, 0, len(req.Objects))}
	switch req.Operation {
	case "download":
		for _, p := range req.Objects {
			resp.Objects = append(resp.Objects, h.download(ctx, p))
		}
		return resp, nil
	case "upload":
		return h.upload(ctx, id, lfsURL, req.Objects, resp)
	}
	return BatchResponse{}, apierr.Validation("unsupported operation %q", req.Operation)
}

func invalid(p Pointer) *ObjectError {
	if !objstore.ValidOID(p.OID) {
		return &ObjectError{Code: http.StatusUnprocessableEntity, Message: "invalid oid"}
	}
	if p.Size < 0 {
		return &ObjectError{Code: http.StatusUnprocessableEntity, Message: "invalid size"}
	}
	return nil
}

func (h *Handler) download(ctx context.Context, p Pointer) ObjectResponse {
	out := ObjectResponse{OID: p.OID, Size: p.Size}
	if out.Error = invalid(p); out.Error != nil {
		return out
	}
	size, ok, err := h.gw.Stat(ctx, p.OID)
	switch {
	case err != nil:
		slog.ErrorContext(ctx, "stat object", "oid", p.OID, "err", err)
		out.Error = &ObjectError{Code: http.StatusInternalServerError, Message: "object store unavailable"}
		return out
	case !ok:
		out.Error = &ObjectError{Code: http.StatusNotFound, Message: "object does not exist"}
		return out
	case size != p.Size:
		out.Error = &ObjectError{Code: http.StatusUnprocessableEntity, Message: "size does not match stored object"}
		return out
	}
	href, expires, err := h.gw.StageDownload(ctx, p.OID)
	if err != nil {
		slog.ErrorContext(ctx, "stage download", "oid", p.OID, "err", err)
		out.Error = &ObjectError{Code: http.StatusInternalServerError, Message: "could not sign download"}
		return out
	}
	out.Actions = map[string]*Action{"download": {Href: href, ExpiresAt: &expires}}
	return out
}

func (h *Handler) upload(ctx context.Context, id types.RepoID, lfsURL string, objects []Pointer, resp BatchResponse) (BatchResponse, error) {
	pending := make([]bool, len(objects))
	var need int64
	for i, p := range objects {
		out := ObjectResponse{OID: p.OID, Size: p.Size}
		if out.Error = invalid(p); out.Error == nil {
			obj, ok, err := h.dedup.Lookup(ctx, p.OID)
			if err != nil {
				return BatchResponse{}, err
			}
			switch {
			case ok && obj.Size != p.Size:
				out.Error = &ObjectError{Code: http.StatusUnprocessableEntity, Message: "size does not match stored object"}
			case !ok:
				pending[i] = true
				need += p.Size
			}
		}
		resp.Objects = append(resp.Objects, out)
	}

	// Nothing is signed unless the whole batch fits.
	if err := h.quota.CheckAdd(ctx, id, need); err != nil {
		return BatchResponse{}, err
	}

	for i, p := range objects {
		if !pending[i] {
			continue
		}
		plan, err := h.gw.StageUpload(ctx, objstore.UploadRequest{Repo: id.String(), OID: p.OID, Size: p.Size})
		if err != nil {
			return BatchResponse{}, err
		}
		upload := &Action{Href: plan.Href, ExpiresAt: &plan.ExpiresAt}
		if plan.Multipart {
			upload.Href = lfsURL + "/complete/" + plan.UploadID
			upload.Header = map[string]string{
				"chunk_size": strconv.FormatInt(plan.ChunkSize, 10),
				"upload_id":  plan.UploadID,
			}
			for n, u := range plan.PartURLs {
				upload.Header[strconv.Itoa(n+1)] = u
			}
		}
		resp.Objects[i].Actions = map[string]*Action{
			"upload": upload,
			"verify": {Href: lfsURL + "/verify"},
		}
	}
	return resp, nil
}

// Verify confirms an upload landed intact and records it in the index.
func (h *Handler) Verify(ctx context.Context, id types.RepoID, req VerifyRequest) (obj objstore.ObjectInfo, err error) {
	sp := h.stats.StartSpan("lfs.verify")
	defer func() { sp.End(err) }()

	if !objstore.ValidOID(req.OID) || req.Size < 0 {
		return objstore.ObjectInfo{}, apierr.Validation("invalid object %q", req.OID)
	}
	if err := h.gw.VerifyUpload(ctx, req.UploadID, req.OID, req.Size, req.Parts); err != nil {
		return objstore.ObjectInfo{}, err
	}
	if err := h.dedup.Record(ctx, id.String(), req.OID, req.Size); err != nil {
		return objstore.ObjectInfo{}, err
	}
	return objstore.ObjectInfo{OID: req.OID, Size: req.Size}, nil
}

// Complete assembles a multipart upload, records the object and returns it as
// stored.
func (h *Handler) Complete(ctx context.Context, id types.RepoID, uploadID string, req CompleteRequest) (obj objstore.ObjectInfo, err error) {
	sp := h.stats.StartSpan("lfs.complete")
	defer func() { sp.End(err) }()

	if !objstore.ValidOID(req.OID) {
		return objstore.ObjectInfo{}, apierr.Validation("invalid oid %q", req.OID)
	}
	if req.UploadID != "" && req.UploadID != uploadID {
		return objstore.ObjectInfo{}, apierr.New(apierr.KindInvalidParts, "body names upload %s, url names %s", req.UploadID, uploadID)
	}
	size := int64(-1)
	if req.Size != nil {
		if *req.Size < 0 {
			return objstore.ObjectInfo{}, apierr.Validation("negative size for %s", req.OID)
		}
		size = *req.Size
	}
	if err := h.gw.CompleteMultipart(ctx, uploadID, req.OID, size, req.Parts); err != nil {
		return objstore.ObjectInfo{}, err
	}
	obj, ok, err := h.gw.Object(ctx, req.OID)
	if err != nil {
		return objstore.ObjectInfo{}, err
	}
	if !ok {
		return objstore.ObjectInfo{}, apierr.NotFound("object", req.OID)
	}
	slog.InfoContext(ctx, "lfs object completed", "repo", id.String(), "oid", req.OID, "size", obj.Size)
	return obj, h.dedup.Record(ctx, id.String(), req.OID, obj.Size)
}
