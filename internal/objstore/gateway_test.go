package objstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	"github.com/onexay/modelhub/internal/apierr"
	"github.com/onexay/modelhub/internal/registry"
)

func oidOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func newTestGateway(t *testing.T, opts Options) *Gateway {
	t.Helper()
	var handler http.Handler = http.NotFoundHandler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	backend, err := Open(context.Background(), Config{
		BucketURL:     "file://" + t.TempDir(),
		PublicBaseURL: srv.URL,
		SigningSecret: "test-secret",
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle(TransferPath, backend.Transfer)
	handler = mux

	g := NewGateway(backend.Bucket, backend.Driver, registry.NewMemoryRegistry(registry.NamespaceDefaults{}), opts)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func put(t *testing.T, url string, body []byte) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status %d", resp.StatusCode)
	}
	return resp.Header.Get("ETag")
}

func get(t *testing.T, url string) []byte {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return b
}

func TestSingleUploadRoundTrip(t *testing.T) {
	g := newTestGateway(t, Options{})
	ctx := context.Background()
	content := []byte("hello large world")
	oid := oidOf(content)

	if err := g.Verify(ctx, oid, int64(len(content))); !apierr.Is(err, apierr.KindNotFound) {
		t.Fatalf("expected NotFound before upload, got %v", err)
	}

	plan, err := g.StageUpload(ctx, UploadRequest{OID: oid, Size: int64(len(content))})
	if err != nil {
		t.Fatalf("StageUpload: %v", err)
	}
	if plan.Multipart || plan.Href == "" {
		t.Fatalf("expected single-part plan, got %+v", plan)
	}
	if etag := put(t, plan.Href, content); etag == "" {
		t.Fatalf("expected ETag from transfer endpoint")
	}

	if err := g.Verify(ctx, oid, int64(len(content))); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := g.Verify(ctx, oid, 1); !apierr.Is(err, apierr.KindSizeMismatch) {
		t.Fatalf("expected SizeMismatch, got %v", err)
	}

	href, _, err := g.StageDownload(ctx, oid)
	if err != nil {
		t.Fatalf("StageDownload: %v", err)
	}
	if got := get(t, href); !bytes.Equal(got, content) {
		t.Fatalf("downloaded %q, want %q", got, content)
	}

	// The download URL must not authorize writes.
	req, _ := http.NewRequest(http.MethodPut, href, bytes.NewReader([]byte("x")))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for PUT on GET URL, got %d", resp.StatusCode)
	}
}

func TestStageUploadQuota(t *testing.T) {
	g := newTestGateway(t, Options{})
	remaining := int64(4)
	_, err := g.StageUpload(context.Background(), UploadRequest{OID: oidOf([]byte("12345")), Size: 5, Remaining: &remaining})
	if !apierr.Is(err, apierr.KindQuotaExceeded) {
		t.Fatalf("expected QuotaExceeded, got %v", err)
	}
}

func TestMultipartRoundTrip(t *testing.T) {
	g := newTestGateway(t, Options{MultipartThreshold: 1 << 20, ChunkSize: MinChunkSize})
	ctx := context.Background()

	content := bytes.Repeat([]byte("0123456789abcdef"), (11<<20)/16)
	oid := oidOf(content)
	size := int64(len(content))

	plan, err := g.StageUpload(ctx, UploadRequest{OID: oid, Size: size})
	if err != nil {
		t.Fatalf("StageUpload: %v", err)
	}
	if !plan.Multipart || plan.ChunkSize != MinChunkSize || len(plan.PartURLs) != 3 {
		t.Fatalf("unexpected plan: multipart=%v chunk=%d parts=%d", plan.Multipart, plan.ChunkSize, len(plan.PartURLs))
	}

	var parts []Part
	for i, u := range plan.PartURLs {
		start := int64(i) * plan.ChunkSize
		end := min(start+plan.ChunkSize, size)
		parts = append(parts, Part{PartNumber: i + 1, ETag: put(t, u, content[start:end])})
	}

	if err := g.CompleteMultipart(ctx, plan.UploadID, oid, size, parts[:2]); !apierr.Is(err, apierr.KindInvalidParts) {
		t.Fatalf("expected InvalidParts for missing part, got %v", err)
	}

	slices.Reverse(parts)
	if err := g.CompleteMultipart(ctx, plan.UploadID, oid, size, parts); err != nil {
		t.Fatalf("CompleteMultipart: %v", err)
	}
	// Completing twice is a no-op.
	if err := g.CompleteMultipart(ctx, plan.UploadID, oid, size, nil); err != nil {
		t.Fatalf("second CompleteMultipart: %v", err)
	}
	if err := g.VerifyUpload(ctx, plan.UploadID, oid, size, nil); err != nil {
		t.Fatalf("VerifyUpload: %v", err)
	}

	href, _, err := g.StageDownload(ctx, oid)
	if err != nil {
		t.Fatalf("StageDownload: %v", err)
	}
	if got := get(t, href); !bytes.Equal(got, content) {
		t.Fatalf("assembled object differs from upload")
	}
}

func TestChunkSize(t *testing.T) {
	if got := ChunkSize(200*mib, DefaultChunkSize); got != DefaultChunkSize {
		t.Fatalf("ChunkSize = %d", got)
	}
	if got := ChunkSize(10*mib, mib); got != MinChunkSize {
		t.Fatalf("chunk size below floor: %d", got)
	}
	huge := int64(1000) << 30
	if got := ChunkSize(huge, DefaultChunkSize); (huge+got-1)/got > MaxParts {
		t.Fatalf("too many parts with chunk %d", got)
	}
}

func TestTransferRejectsContentNotMatchingOID(t *testing.T) {
	g := newTestGateway(t, Options{})
	ctx := context.Background()
	genuine := []byte("genuine!")
	oid := oidOf(genuine)

	plan, err := g.StageUpload(ctx, UploadRequest{OID: oid, Size: int64(len(genuine))})
	if err != nil {
		t.Fatalf("StageUpload: %v", err)
	}
	req, err := http.NewRequest(http.MethodPut, plan.Href, bytes.NewReader([]byte("FORGED!!")))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for forged content, got %d", resp.StatusCode)
	}
	if ok, err := g.Exists(ctx, oid); err != nil || ok {
		t.Fatalf("forged content was stored: %v, %v", ok, err)
	}

	put(t, plan.Href, genuine)
	if err := g.VerifyUpload(ctx, "", oid, int64(len(genuine)), nil); err != nil {
		t.Fatalf("VerifyUpload: %v", err)
	}
}

func TestVerifyHashesUnhashedUploads(t *testing.T) {
	g := newTestGateway(t, Options{})
	ctx := context.Background()
	oid := oidOf([]byte("genuine!"))

	// A direct bucket write stands in for a backend that takes PUTs without
	// looking at the bytes.
	if err := g.Bucket().WriteAll(ctx, g.Key(oid), []byte("FORGED!!"), nil); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	err := g.VerifyUpload(ctx, "", oid, 8, nil)
	if !apierr.Is(err, apierr.KindValidation) {
		t.Fatalf("expected Validation for forged content, got %v", err)
	}
	if ok, _ := g.Exists(ctx, oid); ok {
		t.Fatalf("forged object was not deleted")
	}

	// With hashed uploads the gateway trusts what is stored.
	trusting := NewGateway(g.Bucket(), nil, nil, Options{UploadsHashed: true})
	if err := g.Bucket().WriteAll(ctx, g.Key(oid), []byte("FORGED!!"), nil); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if err := trusting.VerifyContent(ctx, oid, 8); err != nil {
		t.Fatalf("VerifyContent: %v", err)
	}
}

func TestOIDFromKey(t *testing.T) {
	oid := oidOf([]byte("x"))
	cases := map[string]bool{
		"lfs/" + oid[0:2] + "/" + oid[2:4] + "/" + oid: true,
		oid[0:2] + "/" + oid[2:4] + "/" + oid:          true,
		"lfs/00/00/" + oid:                             false,
		".multipart/0b1c/1":                            false,
		oid:                                            false,
	}
	for key, want := range cases {
		if got, ok := oidFromKey(key); ok != want || (ok && got != oid) {
			t.Fatalf("oidFromKey(%q) = %q, %v", key, got, ok)
		}
	}
}
