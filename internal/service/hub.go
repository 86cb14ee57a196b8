package service

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/onexay/modelhub/internal/apierr"
	"github.com/onexay/modelhub/internal/commit"
	"github.com/onexay/modelhub/internal/lfs"
	"github.com/onexay/modelhub/internal/objstore"
	"github.com/onexay/modelhub/internal/types"
)

// hubPath is a git-style repository path: [datasets/|spaces/]ns/name[.git]/rest.
// Segments are unescaped individually so revisions may carry %2F.
type hubPath struct {
	id   types.RepoID
	rest []string
}

func parseHubPath(escaped string) (hubPath, bool) {
	segs := strings.Split(strings.Trim(escaped, "/"), "/")
	for i, seg := range segs {
		s, err := url.PathUnescape(seg)
		if err != nil {
			return hubPath{}, false
		}
		segs[i] = s
	}
	kind := types.RepoTypeModel
	switch segs[0] {
	case "datasets", "spaces", "models":
		kind, _ = types.ParseRepoType(segs[0])
		segs = segs[1:]
	}
	if len(segs) < 3 {
		return hubPath{}, false
	}
	id := types.RepoID{Type: kind, Namespace: segs[0], Name: strings.TrimSuffix(segs[1], ".git")}
	if id.Validate() != nil {
		return hubPath{}, false
	}
	return hubPath{id: id, rest: segs[2:]}, true
}

func (p hubPath) is(parts ...string) bool {
	if len(p.rest) != len(parts) {
		return false
	}
	for i, s := range parts {
		if s != "*" && p.rest[i] != s {
			return false
		}
	}
	return true
}

// handleHub dispatches the LFS and resolve endpoints git and hub clients use.
func (s *Service) handleHub(w http.ResponseWriter, r *http.Request) {
	p, ok := parseHubPath(r.URL.EscapedPath())
	if !ok {
		writeError(w, r, apierr.New(apierr.KindNotFound, "unknown endpoint %s", r.URL.Path))
		return
	}

	switch {
	case p.is("info", "lfs", "objects", "batch"):
		s.hubMethod(w, r, http.MethodPost, func() { s.handleLFSBatch(w, r, p.id) })
	case p.is("info", "lfs", "verify"):
		s.hubMethod(w, r, http.MethodPost, func() { s.handleLFSVerify(w, r, p.id) })
	case p.is("info", "lfs", "complete", "*"):
		s.hubMethod(w, r, http.MethodPost, func() { s.handleLFSComplete(w, r, p.id, p.rest[3]) })
	case len(p.rest) >= 3 && p.rest[0] == "resolve":
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeError(w, r, apierr.New(apierr.KindValidation, "method %s not allowed", r.Method))
			return
		}
		s.handleResolve(w, r, p.id, p.rest[1], strings.Join(p.rest[2:], "/"))
	default:
		writeError(w, r, apierr.New(apierr.KindNotFound, "unknown endpoint %s", r.URL.Path))
	}
}

func (s *Service) hubMethod(w http.ResponseWriter, r *http.Request, method string, fn func()) {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeError(w, r, apierr.New(apierr.KindValidation, "method %s not allowed", r.Method))
		return
	}
	fn()
}

// decodeLFS reads an LFS JSON body. Unknown fields are ignored since clients
// add extensions.
func decodeLFS[In any](w http.ResponseWriter, r *http.Request) (In, error) {
	var in In
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
		return in, apierr.Validation("invalid LFS request: %v", err)
	}
	return in, nil
}

func (s *Service) handleLFSBatch(w http.ResponseWriter, r *http.Request, id types.RepoID) {
	w.Header().Set("Content-Type", lfs.MediaType)
	req, err := decodeLFS[lfs.BatchRequest](w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.lfs.Batch(r.Context(), id, s.lfsURL(id), req)
	respond(w, r, http.StatusOK, out, err)
}

func (s *Service) handleLFSVerify(w http.ResponseWriter, r *http.Request, id types.RepoID) {
	w.Header().Set("Content-Type", lfs.MediaType)
	req, err := decodeLFS[lfs.VerifyRequest](w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	obj, err := s.lfs.Verify(r.Context(), id, req)
	respond(w, r, http.StatusOK, lfsResult{Success: true, ObjectInfo: obj}, err)
}

func (s *Service) handleLFSComplete(w http.ResponseWriter, r *http.Request, id types.RepoID, uploadID string) {
	w.Header().Set("Content-Type", lfs.MediaType)
	req, err := decodeLFS[lfs.CompleteRequest](w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	obj, err := s.lfs.Complete(r.Context(), id, uploadID, req)
	respond(w, r, http.StatusOK, lfsResult{Success: true, ObjectInfo: obj}, err)
}

// lfsResult is the reply to verify and complete.
type lfsResult struct {
	Success bool `json:"success"`
	objstore.ObjectInfo
}

// handleResolve serves a file at revision: inline bytes directly, LFS
// objects as a redirect to a signed download URL.
func (s *Service) handleResolve(w http.ResponseWriter, r *http.Request, id types.RepoID, revision, file string) {
	ctx := r.Context()
	file, err := commit.CleanPath(file)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_, c, t, err := s.snapshot(ctx, id, revision)
	if err != nil {
		writeError(w, r, err)
		return
	}
	e, ok := t[file]
	if !ok {
		writeError(w, r, apierr.NotFound("file", file))
		return
	}

	h := w.Header()
	h.Set("X-Repo-Commit", c.Hash)
	h.Set("ETag", `"`+e.OID+`"`)
	if e.Class == types.StorageLFS {
		href, _, err := s.gw.StageDownload(ctx, e.OID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		h.Set("X-Linked-Size", strconv.FormatInt(e.Size, 10))
		h.Set("X-Linked-ETag", `"`+e.OID+`"`)
		http.Redirect(w, r, href, http.StatusFound)
		return
	}
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.Itoa(len(e.Content)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(e.Content)
	}
}
