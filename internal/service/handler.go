package service

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/onexay/modelhub/internal/apierr"
	"github.com/onexay/modelhub/internal/commit"
	"github.com/onexay/modelhub/internal/refs"
	"github.com/onexay/modelhub/internal/tree"
	"github.com/onexay/modelhub/internal/types"
)

const repoPath = "/api/{type}/{ns}/{name}"

// Handler builds the REST routes for the service. /api routes are matched by
// pattern; everything else goes through the hub dispatcher for git-style
// paths.
func Handler(svc *Service) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/repos/create", svc.handleCreateRepo)
	mux.HandleFunc("DELETE /api/repos/delete", svc.handleDeleteRepo)

	mux.HandleFunc("GET /api/quota/{namespace}", svc.handleNamespaceQuota)
	mux.HandleFunc("PUT /api/quota/{namespace}", svc.handleSetNamespaceLimits)
	mux.HandleFunc("POST /api/quota/{namespace}/recalculate", svc.handleRecalculateNamespace)

	repo := func(method, tail string, fn func(http.ResponseWriter, *http.Request, types.RepoID)) {
		mux.HandleFunc(method+" "+repoPath+tail, svc.withRepo(fn))
	}
	repo("GET", "", svc.handleRepoInfo)
	repo("PUT", "/settings", svc.handleSettings)
	repo("GET", "/quota", svc.handleRepoQuota)
	repo("PUT", "/quota", svc.handleSetRepoQuota)
	repo("POST", "/quota/recalculate", svc.handleRecalculateRepo)

	repo("POST", "/commit/{revision}", svc.handleCommit)
	repo("POST", "/preupload/{revision}", svc.handlePreupload)
	repo("POST", "/prepare-delete", svc.handlePrepareDelete)
	repo("DELETE", "/folder/{revision}/{path...}", svc.handleDeleteFolder)

	repo("POST", "/branch/{branch}", svc.handleCreateBranch)
	repo("DELETE", "/branch/{branch}", svc.handleDeleteBranch)
	repo("POST", "/branch/{branch}/revert", svc.handleRevert)
	repo("POST", "/branch/{branch}/reset", svc.handleReset)
	repo("POST", "/branch/{branch}/squash", svc.handleSquash)
	repo("GET", "/branch/{branch}/recoverable", svc.handleRecoverable)
	repo("POST", "/tag/{revision}", svc.handleCreateTag)
	repo("DELETE", "/tag/{tag}", svc.handleDeleteTag)
	repo("POST", "/merge/{source}/into/{destination}", svc.handleMerge)

	repo("GET", "/refs", svc.handleRefs)
	repo("GET", "/commits/{revision}", svc.handleCommits)
	repo("GET", "/tree/{revision}", svc.handleTree)
	repo("GET", "/tree/{revision}/{path...}", svc.handleTree)
	repo("GET", "/compare/{base}/{head}", svc.handleCompare)

	mux.HandleFunc("GET /swagger/{file...}", svc.handleSwagger)
	mux.Handle("/", http.HandlerFunc(svc.handleHub))
	return mux
}

func (s *Service) withRepo(fn func(http.ResponseWriter, *http.Request, types.RepoID)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := repoFromPath(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		fn(w, r, id)
	}
}

func (s *Service) handleCreateRepo(w http.ResponseWriter, r *http.Request) {
	author, err := authorFromHeaders(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := decodeBody[RepoRequest](w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := req.id(author)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.CreateRepository(r.Context(), id, req.Private, author)
	respond(w, r, http.StatusCreated, out, err)
}

func (s *Service) handleDeleteRepo(w http.ResponseWriter, r *http.Request) {
	author, err := authorFromHeaders(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := decodeBody[RepoRequest](w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := req.id(author)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.DeleteRepository(r.Context(), id, req.Token); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleNamespaceQuota(w http.ResponseWriter, r *http.Request) {
	out, err := s.NamespaceQuota(r.Context(), r.PathValue("namespace"))
	respond(w, r, http.StatusOK, out, err)
}

func (s *Service) handleSetNamespaceLimits(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBody[NamespaceLimits](w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.SetNamespaceLimits(r.Context(), r.PathValue("namespace"), req)
	respond(w, r, http.StatusOK, out, err)
}

func (s *Service) handleRecalculateNamespace(w http.ResponseWriter, r *http.Request) {
	out, err := s.RecalculateNamespace(r.Context(), r.PathValue("namespace"))
	respond(w, r, http.StatusOK, out, err)
}

func (s *Service) handleRepoInfo(w http.ResponseWriter, r *http.Request, id types.RepoID) {
	out, err := s.RepoInfo(r.Context(), id, r.URL.Query().Get("revision"))
	respond(w, r, http.StatusOK, out, err)
}

func (s *Service) handleSettings(w http.ResponseWriter, r *http.Request, id types.RepoID) {
	req, err := decodeBody[SettingsRequest](w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.UpdateSettings(r.Context(), id, req)
	respond(w, r, http.StatusOK, out, err)
}

func (s *Service) handleRepoQuota(w http.ResponseWriter, r *http.Request, id types.RepoID) {
	out, err := s.RepoQuota(r.Context(), id)
	respond(w, r, http.StatusOK, out, err)
}

func (s *Service) handleSetRepoQuota(w http.ResponseWriter, r *http.Request, id types.RepoID) {
	req, err := decodeBody[RepoLimit](w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.SetRepoQuota(r.Context(), id, req)
	respond(w, r, http.StatusOK, out, err)
}

func (s *Service) handleRecalculateRepo(w http.ResponseWriter, r *http.Request, id types.RepoID) {
	out, err := s.RecalculateRepo(r.Context(), id)
	respond(w, r, http.StatusOK, out, err)
}

type commitResponse struct {
	Success        bool    `json:"success"`
	CommitOID      string  `json:"commitOid"`
	CommitURL      string  `json:"commitUrl"`
	PullRequestURL *string `json:"pullRequestUrl"`
	Created        bool    `json:"created"`
}

func (s *Service) committed(id types.RepoID, res commit.Result) commitResponse {
	return commitResponse{
		Success:   true,
		CommitOID: res.Commit.Hash,
		CommitURL: s.publicURL + "/api/" + id.String() + "/commits/" + res.Commit.Hash,
		Created:   res.Created,
	}
}

func (s *Service) handleCommit(w http.ResponseWriter, r *http.Request, id types.RepoID) {
	author, err := authorFromHeaders(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, commit.MediaType) {
		writeError(w, r, apierr.Validation("commit bodies must be %s", commit.MediaType))
		return
	}
	req, err := commit.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.engine.Commit(r.Context(), id, r.PathValue("revision"), author, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.committed(id, res))
}

type preuploadRequest struct {
	Files []commit.PreuploadFile `json:"files"`
}

type preuploadResponse struct {
	Files []commit.PreuploadResult `json:"files"`
}

func (s *Service) handlePreupload(w http.ResponseWriter, r *http.Request, id types.RepoID) {
	req, err := decodeBody[preuploadRequest](w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	files, err := s.engine.Preupload(r.Context(), id, r.PathValue("revision"), req.Files)
	respond(w, r, http.StatusOK, preuploadResponse{Files: files}, err)
}

func (s *Service) handlePrepareDelete(w http.ResponseWriter, r *http.Request, id types.RepoID) {
	req, err := decodeBody[PrepareDeleteRequest](w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.PrepareDelete(r.Context(), id, req)
	respond(w, r, http.StatusOK, out, err)
}

func (s *Service) handleDeleteFolder(w http.ResponseWriter, r *http.Request, id types.RepoID) {
	author, err := authorFromHeaders(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.DeleteFolder(r.Context(), id, r.PathValue("revision"), r.PathValue("path"), r.URL.Query().Get("token"), author)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.committed(id, res))
}

type createBranchRequest struct {
	StartingPoint string `json:"startingPoint"`
}

func (s *Service) handleCreateBranch(w http.ResponseWriter, r *http.Request, id types.RepoID) {
	req, err := decodeBody[createBranchRequest](w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.refs.CreateBranch(r.Context(), id, r.PathValue("branch"), req.StartingPoint)
	respond(w, r, http.StatusCreated, out, err)
}

func (s *Service) handleDeleteBranch(w http.ResponseWriter, r *http.Request, id types.RepoID) {
	if err := s.refs.DeleteBranch(r.Context(), id, r.PathValue("branch")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createTagRequest struct {
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

func (s *Service) handleCreateTag(w http.ResponseWriter, r *http.Request, id types.RepoID) {
	req, err := decodeBody[createTagRequest](w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.refs.CreateTag(r.Context(), id, req.Tag, r.PathValue("revision"), req.Message)
	respond(w, r, http.StatusCreated, out, err)
}

func (s *Service) handleDeleteTag(w http.ResponseWriter, r *http.Request, id types.RepoID) {
	if err := s.refs.DeleteTag(r.Context(), id, r.PathValue("tag")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type mergeRequest struct {
	Strategy   string `json:"strategy"`
	Force      bool   `json:"force"`
	AllowEmpty bool   `json:"allowEmpty"`
	Squash     bool   `json:"squash"`
	Message    string `json:"message"`
}

func (s *Service) handleMerge(w http.ResponseWriter, r *http.Request, id types.RepoID) {
	author, err := authorFromHeaders(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := decodeBody[mergeRequest](w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	strategy, ok := tree.ParseStrategy(req.Strategy)
	if !ok {
		writeError(w, r, apierr.Validation("unknown merge strategy %q", req.Strategy))
		return
	}
	out, err := s.refs.Merge(r.Context(), id, author, refs.MergeRequest{
		Source:      r.PathValue("source"),
		Destination: r.PathValue("destination"),
		Strategy:    strategy,
		Force:       req.Force,
		AllowEmpty:  req.AllowEmpty,
		Squash:      req.Squash,
		Message:     req.Message,
	})
	respond(w, r, http.StatusOK, out, err)
}

type revertRequest struct {
	Commit       string `json:"commit"`
	ParentNumber int    `json:"parentNumber"`
	Message      string `json:"message"`
}

func (s *Service) handleRevert(w http.ResponseWriter, r *http.Request, id types.RepoID) {
	author, err := authorFromHeaders(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := decodeBody[revertRequest](w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.refs.Revert(r.Context(), id, r.PathValue("branch"), author, refs.RevertRequest(req))
	respond(w, r, http.StatusOK, out, err)
}

type resetRequest struct {
	Commit  string `json:"commit"`
	Force   bool   `json:"force"`
	Message string `json:"message"`
}

func (s *Service) handleReset(w http.ResponseWriter, r *http.Request, id types.RepoID) {
	author, err := authorFromHeaders(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := decodeBody[resetRequest](w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.refs.Reset(r.Context(), id, r.PathValue("branch"), author, refs.ResetRequest(req))
	respond(w, r, http.StatusOK, out, err)
}

type squashRequest struct {
	Message string `json:"message"`
	Token   string `json:"token"`
}

func (s *Service) handleSquash(w http.ResponseWriter, r *http.Request, id types.RepoID) {
	author, err := authorFromHeaders(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := decodeBody[squashRequest](w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.refs.SquashHistory(r.Context(), id, r.PathValue("branch"), author, req.Message, req.Token)
	respond(w, r, http.StatusOK, out, err)
}

func (s *Service) handleRecoverable(w http.ResponseWriter, r *http.Request, id types.RepoID) {
	revision := r.URL.Query().Get("revision")
	if revision == "" {
		writeError(w, r, apierr.Validation("revision query parameter required"))
		return
	}
	out, err := s.refs.CheckRecoverable(r.Context(), id, r.PathValue("branch"), revision)
	respond(w, r, http.StatusOK, out, err)
}

func (s *Service) handleRefs(w http.ResponseWriter, r *http.Request, id types.RepoID) {
	out, err := s.ListRefs(r.Context(), id)
	respond(w, r, http.StatusOK, out, err)
}

func (s *Service) handleCommits(w http.ResponseWriter, r *http.Request, id types.RepoID) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, apierr.Validation("invalid limit %q", v))
			return
		}
		limit = n
	}
	out, err := s.ListCommits(r.Context(), id, r.PathValue("revision"), limit)
	respond(w, r, http.StatusOK, out, err)
}

func (s *Service) handleTree(w http.ResponseWriter, r *http.Request, id types.RepoID) {
	recursive, _ := strconv.ParseBool(r.URL.Query().Get("recursive"))
	out, err := s.ListTree(r.Context(), id, r.PathValue("revision"), r.PathValue("path"), recursive)
	respond(w, r, http.StatusOK, out, err)
}

func (s *Service) handleCompare(w http.ResponseWriter, r *http.Request, id types.RepoID) {
	out, err := s.refs.Compare(r.Context(), id, r.PathValue("base"), r.PathValue("head"))
	respond(w, r, http.StatusOK, out, err)
}
