package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/onexay/modelhub/internal/config"
	"github.com/onexay/modelhub/internal/lfs"
	"github.com/onexay/modelhub/internal/objstore"
)

type harness struct {
	t   *testing.T
	url string
	svc *Service
}

func newHarness(t *testing.T, tweaks ...func(*config.Config)) *harness {
	t.Helper()
	var h http.Handler = http.NotFoundHandler()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	cfg := config.Config{
		PublicURL: ts.URL,
		Storage:   config.StorageConfig{Backend: config.StorageBackendMemory},
		ObjectStore: objstore.Config{
			BucketURL:     "file://" + t.TempDir(),
			PublicBaseURL: ts.URL,
			SigningSecret: "signing-secret",
		},
		LFS:         config.LFSConfig{Threshold: 1 << 10, Suffixes: []string{".bin"}},
		TokenSecret: "token-secret",
	}
	for _, tweak := range tweaks {
		tweak(&cfg)
	}
	svc, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })

	mux := http.NewServeMux()
	mux.Handle(objstore.TransferPath, svc.Transfer())
	mux.Handle("/", Handler(svc))
	h = mux
	return &harness{t: t, url: ts.URL, svc: svc}
}

// do sends a request as alice and returns the status and body.
func (h *harness) do(method, path, contentType string, body io.Reader) (int, []byte) {
	h.t.Helper()
	req, err := http.NewRequest(method, h.url+path, body)
	if err != nil {
		h.t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set(headerAuthorName, "Alice")
	req.Header.Set(headerAuthorID, "alice")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, out
}

func (h *harness) call(method, path string, in, out any) int {
	h.t.Helper()
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			h.t.Fatalf("Marshal: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	status, raw := h.do(method, path, "application/json", body)
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			h.t.Fatalf("decode %s %s (%d): %v: %s", method, path, status, err, raw)
		}
	}
	return status
}

func (h *harness) createRepo() {
	h.t.Helper()
	if status := h.call(http.MethodPost, "/api/repos/create", RepoRequest{Type: "model", Name: "acme/bert"}, nil); status != http.StatusCreated {
		h.t.Fatalf("create status %d", status)
	}
}

func ndjson(t *testing.T, summary string, ops ...map[string]any) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	lines := append([]map[string]any{{"key": "header", "value": map[string]any{"summary": summary}}}, ops...)
	for _, l := range lines {
		if err := enc.Encode(l); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}
	return &buf
}

func fileOp(path, content string) map[string]any {
	return map[string]any{"key": "file", "value": map[string]any{
		"path": path, "content": base64.StdEncoding.EncodeToString([]byte(content)), "encoding": "base64",
	}}
}

func (h *harness) commit(body io.Reader) (int, commitResponse, errorBody) {
	h.t.Helper()
	status, raw := h.do(http.MethodPost, "/api/models/acme/bert/commit/main", "application/x-ndjson", body)
	var ok commitResponse
	var fail errorBody
	if status == http.StatusOK {
		_ = json.Unmarshal(raw, &ok)
	} else {
		_ = json.Unmarshal(raw, &fail)
	}
	return status, ok, fail
}

func TestCommitThenReadBack(t *testing.T) {
	h := newHarness(t)
	h.createRepo()

	status, res, fail := h.commit(ndjson(t, "add files", fileOp("README.md", "hello"), fileOp("configs/a.json", "{}")))
	if status != http.StatusOK || !res.Created {
		t.Fatalf("commit status %d, %+v, %+v", status, res, fail)
	}

	status, body := h.do(http.MethodGet, "/acme/bert/resolve/main/README.md", "", nil)
	if status != http.StatusOK || string(body) != "hello" {
		t.Fatalf("resolve = %d %q", status, body)
	}

	var items []TreeItem
	if status := h.call(http.MethodGet, "/api/models/acme/bert/tree/main", nil, &items); status != http.StatusOK {
		t.Fatalf("tree status %d", status)
	}
	var got []string
	for _, it := range items {
		got = append(got, it.Type+":"+it.Path)
	}
	if diff := cmp.Diff([]string{"file:README.md", "directory:configs"}, got); diff != "" {
		t.Fatalf("tree mismatch (-want +got):\n%s", diff)
	}

	var info RepoInfo
	h.call(http.MethodGet, "/api/models/acme/bert", nil, &info)
	if info.SHA != res.CommitOID || len(info.Siblings) != 2 {
		t.Fatalf("repo info = %+v", info)
	}

	var commits []map[string]any
	h.call(http.MethodGet, "/api/models/acme/bert/commits/main?limit=1", nil, &commits)
	if len(commits) != 1 || commits[0]["hash"] != res.CommitOID {
		t.Fatalf("commits = %+v", commits)
	}
}

func TestErrorBodyShape(t *testing.T) {
	h := newHarness(t)
	h.createRepo()

	status, _, fail := h.commit(ndjson(t, "too big", fileOp("weights.bin", "0101")))
	if status != http.StatusBadRequest || fail.Error.Code != "UseLFS" {
		t.Fatalf("inline .bin = %d %+v", status, fail)
	}

	status, raw := h.do(http.MethodGet, "/api/models/acme/missing", "", nil)
	var nf errorBody
	if err := json.Unmarshal(raw, &nf); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status != http.StatusNotFound || nf.Error.Code != "NotFound" || nf.Details == nil {
		t.Fatalf("missing repo = %d %s", status, raw)
	}
}

func TestLFSUploadCommitAndResolve(t *testing.T) {
	h := newHarness(t)
	h.createRepo()
	content := []byte("model weights")
	sum := sha256.Sum256(content)
	oid := hex.EncodeToString(sum[:])

	var batch lfs.BatchResponse
	req := lfs.BatchRequest{Operation: "upload", Objects: []lfs.Pointer{{OID: oid, Size: int64(len(content))}}}
	if status := h.call(http.MethodPost, "/acme/bert.git/info/lfs/objects/batch", req, &batch); status != http.StatusOK {
		t.Fatalf("batch status %d", status)
	}
	actions := batch.Objects[0].Actions
	if actions["upload"] == nil || actions["verify"] == nil {
		t.Fatalf("batch actions = %+v", batch.Objects[0])
	}
	if want := h.url + "/acme/bert.git/info/lfs/verify"; actions["verify"].Href != want {
		t.Fatalf("verify href = %q, want %q", actions["verify"].Href, want)
	}

	put, err := http.NewRequest(http.MethodPut, actions["upload"].Href, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(put)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("upload: %v %v", err, resp)
	}
	resp.Body.Close()

	verify := strings.TrimPrefix(actions["verify"].Href, h.url)
	var verified map[string]any
	if status := h.call(http.MethodPost, verify, lfs.VerifyRequest{OID: oid, Size: int64(len(content))}, &verified); status != http.StatusOK {
		t.Fatalf("verify status %d", status)
	}
	want := map[string]any{"success": true, "oid": oid, "size": float64(len(content))}
	if diff := cmp.Diff(want, verified); diff != "" {
		t.Fatalf("verify body mismatch (-want +got):\n%s", diff)
	}

	lfsOp := map[string]any{"key": "lfsFile", "value": map[string]any{"path": "model.bin", "algo": "sha256", "oid": oid, "size": len(content)}}
	if status, _, fail := h.commit(ndjson(t, "add weights", lfsOp)); status != http.StatusOK {
		t.Fatalf("lfs commit = %d %+v", status, fail)
	}

	status, body := h.do(http.MethodGet, "/acme/bert/resolve/main/model.bin", "", nil)
	if status != http.StatusOK || !bytes.Equal(body, content) {
		t.Fatalf("resolve through redirect = %d %q", status, body)
	}

	var report map[string]any
	h.call(http.MethodGet, "/api/models/acme/bert/quota", nil, &report)
	if report["usedBytes"] != float64(len(content)) {
		t.Fatalf("quota report = %+v", report)
	}
}

func TestMultipartUploadFinishedThroughVerify(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.LFS.MultipartThreshold = 1 << 20
		cfg.LFS.ChunkSize = objstore.MinChunkSize
	})
	h.createRepo()
	content := bytes.Repeat([]byte("w"), 6<<20)
	sum := sha256.Sum256(content)
	oid := hex.EncodeToString(sum[:])

	var batch lfs.BatchResponse
	req := lfs.BatchRequest{Operation: "upload", Objects: []lfs.Pointer{{OID: oid, Size: int64(len(content))}}}
	if status := h.call(http.MethodPost, "/acme/bert.git/info/lfs/objects/batch", req, &batch); status != http.StatusOK {
		t.Fatalf("batch status %d", status)
	}
	upload := batch.Objects[0].Actions["upload"]
	uploadID := upload.Header["upload_id"]
	if uploadID == "" {
		t.Fatalf("expected a multipart upload, got %+v", upload)
	}

	var parts []map[string]any
	for n, chunk := range [][]byte{content[:5<<20], content[5<<20:]} {
		put, err := http.NewRequest(http.MethodPut, upload.Header[fmt.Sprint(n+1)], bytes.NewReader(chunk))
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		resp, err := http.DefaultClient.Do(put)
		if err != nil || resp.StatusCode != http.StatusOK {
			t.Fatalf("PUT part %d: %v %v", n+1, err, resp)
		}
		resp.Body.Close()
		parts = append(parts, map[string]any{"partNumber": n + 1, "etag": resp.Header.Get("ETag")})
	}

	body := map[string]any{"oid": oid, "size": len(content), "upload_id": uploadID, "parts": parts}
	var verified map[string]any
	if status := h.call(http.MethodPost, "/acme/bert.git/info/lfs/verify", body, &verified); status != http.StatusOK {
		t.Fatalf("verify = %d %+v", status, verified)
	}
	if verified["success"] != true || verified["oid"] != oid || verified["size"] != float64(len(content)) {
		t.Fatalf("verify body = %+v", verified)
	}

	lfsOp := map[string]any{"key": "lfsFile", "value": map[string]any{"path": "big.bin", "algo": "sha256", "oid": oid, "size": len(content)}}
	if status, _, fail := h.commit(ndjson(t, "add big weights", lfsOp)); status != http.StatusOK {
		t.Fatalf("lfs commit = %d %+v", status, fail)
	}
}

func TestBatchOverNamespaceQuota(t *testing.T) {
	h := newHarness(t)
	h.createRepo()
	limit := int64(4)
	if status := h.call(http.MethodPut, "/api/quota/acme", NamespaceLimits{PublicLimit: &limit}, nil); status != http.StatusOK {
		t.Fatalf("set limits status %d", status)
	}
	req := lfs.BatchRequest{Operation: "upload", Objects: []lfs.Pointer{{OID: strings.Repeat("a", 64), Size: 5}}}
	var fail errorBody
	if status := h.call(http.MethodPost, "/datasets/acme/bert/info/lfs/objects/batch", req, &fail); status != http.StatusNotFound {
		t.Fatalf("dataset with model name = %d %+v", status, fail)
	}
	if status := h.call(http.MethodPost, "/acme/bert/info/lfs/objects/batch", req, &fail); status != http.StatusRequestEntityTooLarge {
		t.Fatalf("batch status %d", status)
	}
	if fail.Error.Code != "QuotaExceeded" || fail.Details["required"] != float64(5) || fail.Details["remaining"] != float64(4) {
		t.Fatalf("quota error = %+v", fail)
	}
}

func TestFolderDeleteNeedsMatchingToken(t *testing.T) {
	h := newHarness(t)
	h.createRepo()
	h.commit(ndjson(t, "add", fileOp("data/a.txt", "a"), fileOp("data/b.txt", "b"), fileOp("keep.txt", "k")))

	var conf Confirmation
	if status := h.call(http.MethodPost, "/api/models/acme/bert/prepare-delete",
		PrepareDeleteRequest{Kind: "folder", Revision: "main", Path: "data"}, &conf); status != http.StatusOK {
		t.Fatalf("prepare status %d", status)
	}
	if diff := cmp.Diff([]string{"data/a.txt", "data/b.txt"}, conf.Paths); diff != "" {
		t.Fatalf("paths mismatch (-want +got):\n%s", diff)
	}

	var other Confirmation
	h.call(http.MethodPost, "/api/models/acme/bert/prepare-delete", PrepareDeleteRequest{Kind: "repository"}, &other)
	if status, _ := h.do(http.MethodDelete, "/api/models/acme/bert/folder/main/data?token="+other.Token, "", nil); status != http.StatusForbidden {
		t.Fatalf("mismatched token status %d", status)
	}
	if status, raw := h.do(http.MethodDelete, "/api/models/acme/bert/folder/main/data?token="+conf.Token, "", nil); status != http.StatusOK {
		t.Fatalf("delete folder = %d %s", status, raw)
	}

	var items []TreeItem
	h.call(http.MethodGet, "/api/models/acme/bert/tree/main?recursive=true", nil, &items)
	if len(items) != 1 || items[0].Path != "keep.txt" {
		t.Fatalf("tree after delete = %+v", items)
	}
}

func TestMergeConflictDetails(t *testing.T) {
	h := newHarness(t)
	h.createRepo()
	h.commit(ndjson(t, "base", fileOp("a.txt", "base")))
	if status := h.call(http.MethodPost, "/api/models/acme/bert/branch/dev", nil, nil); status != http.StatusCreated {
		t.Fatalf("create branch status %d", status)
	}
	h.commit(ndjson(t, "ours", fileOp("a.txt", "main side")))
	status, raw := h.do(http.MethodPost, "/api/models/acme/bert/commit/dev", "application/x-ndjson", ndjson(t, "theirs", fileOp("a.txt", "dev side")))
	if status != http.StatusOK {
		t.Fatalf("commit on dev = %d %s", status, raw)
	}

	var fail errorBody
	if status := h.call(http.MethodPost, "/api/models/acme/bert/merge/dev/into/main", mergeRequest{}, &fail); status != http.StatusConflict {
		t.Fatalf("merge status %d", status)
	}
	if fail.Error.Code != "MergeConflict" || fmt.Sprint(fail.Details["conflicts"]) != "[a.txt]" {
		t.Fatalf("merge error = %+v", fail)
	}

	var merged map[string]any
	if status := h.call(http.MethodPost, "/api/models/acme/bert/merge/dev/into/main", mergeRequest{Strategy: "source-wins"}, &merged); status != http.StatusOK {
		t.Fatalf("source-wins merge status %d", status)
	}
	_, body := h.do(http.MethodGet, "/acme/bert/resolve/main/a.txt", "", nil)
	if string(body) != "dev side" {
		t.Fatalf("merged content = %q", body)
	}
}

func TestRepositoryDeletion(t *testing.T) {
	h := newHarness(t)
	h.createRepo()
	var conf Confirmation
	h.call(http.MethodPost, "/api/models/acme/bert/prepare-delete", PrepareDeleteRequest{Kind: "repository"}, &conf)
	if status := h.call(http.MethodDelete, "/api/repos/delete", RepoRequest{Type: "model", Name: "acme/bert"}, nil); status != http.StatusForbidden {
		t.Fatalf("delete without token = %d", status)
	}
	if status := h.call(http.MethodDelete, "/api/repos/delete", RepoRequest{Type: "model", Name: "acme/bert", Token: conf.Token}, nil); status != http.StatusNoContent {
		t.Fatalf("delete = %d", status)
	}
	if status, _ := h.do(http.MethodGet, "/api/models/acme/bert", "", nil); status != http.StatusNotFound {
		t.Fatalf("repo still visible: %d", status)
	}
}

func TestParseHubPath(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want string
		rest []string
		ok   bool
	}{
		{"/acme/bert.git/info/lfs/verify", "models/acme/bert", []string{"info", "lfs", "verify"}, true},
		{"/datasets/acme/squad/resolve/refs%2Fpr%2F1/train.csv", "datasets/acme/squad", []string{"resolve", "refs/pr/1", "train.csv"}, true},
		{"/spaces/acme/demo/resolve/main/app.py", "spaces/acme/demo", []string{"resolve", "main", "app.py"}, true},
		{"/acme", "", nil, false},
	} {
		p, ok := parseHubPath(tc.in)
		if ok != tc.ok {
			t.Fatalf("%s: ok = %v", tc.in, ok)
		}
		if !ok {
			continue
		}
		if p.id.String() != tc.want {
			t.Fatalf("%s: id = %s", tc.in, p.id)
		}
		if diff := cmp.Diff(tc.rest, p.rest); diff != "" {
			t.Fatalf("%s: rest mismatch (-want +got):\n%s", tc.in, diff)
		}
	}
}

func TestSwaggerAssets(t *testing.T) {
	h := newHarness(t)
	if status, body := h.do(http.MethodGet, "/swagger/", "", nil); status != http.StatusOK || !bytes.Contains(body, []byte("SwaggerUIBundle")) {
		t.Fatalf("swagger page = %d", status)
	}
	if status, body := h.do(http.MethodGet, "/swagger/openapi.yaml", "", nil); status != http.StatusOK || !bytes.HasPrefix(body, []byte("openapi:")) {
		t.Fatalf("openapi document = %d %.40s", status, body)
	}
	if status, _ := h.do(http.MethodGet, "/swagger/missing.txt", "", nil); status != http.StatusNotFound {
		t.Fatalf("missing asset = %d", status)
	}
}
