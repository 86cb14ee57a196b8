package objstore

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// TransferPath is where locally signed URLs point.
const TransferPath = "/_transfer"

// Config selects and configures the bucket.
type Config struct {
	// BucketURL is file:///dir, mem:// or s3://bucket.
	BucketURL string `yaml:"bucketURL"`
	// PublicBaseURL is how clients reach this server; file buckets sign URLs
	// against it.
	PublicBaseURL string   `yaml:"publicBaseURL"`
	SigningSecret string   `yaml:"signingSecret"`
	S3            S3Config `yaml:"s3"`
}

// S3Config holds S3 connection settings. Empty credentials fall back to the
// default AWS chain.
type S3Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"accessKeyID"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	PathStyle       bool   `yaml:"pathStyle"`
}

// Backend is an opened bucket with its multipart driver. Transfer is non-nil
// for file buckets and must be mounted at TransferPath.
type Backend struct {
	Bucket   *blob.Bucket
	Driver   MultipartDriver
	Transfer http.Handler
	// UploadsHashed is true when no signed upload can store bytes that do not
	// match their oid. See Options.UploadsHashed.
	UploadsHashed bool
}

// Open opens the bucket described by cfg.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	u, err := url.Parse(cfg.BucketURL)
	if err != nil {
		return nil, fmt.Errorf("parse bucket url: %w", err)
	}
	switch u.Scheme {
	case "file":
		return openFile(u.Path, cfg)
	case "mem":
		bucket := memblob.OpenBucket(nil)
		return &Backend{Bucket: bucket, Driver: &BlobParts{Bucket: bucket}, UploadsHashed: true}, nil
	case "s3":
		return openS3(ctx, u.Host, cfg.S3)
	}
	return nil, fmt.Errorf("unsupported bucket scheme %q", u.Scheme)
}

func openFile(dir string, cfg Config) (*Backend, error) {
	if cfg.SigningSecret == "" {
		return nil, errors.New("file buckets need a signing secret")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.PublicBaseURL, "/") + TransferPath)
	if err != nil {
		return nil, fmt.Errorf("parse public base url: %w", err)
	}
	signer := fileblob.NewURLSignerHMAC(base, []byte(cfg.SigningSecret))
	bucket, err := fileblob.OpenBucket(dir, &fileblob.Options{URLSigner: signer, CreateDir: true})
	if err != nil {
		return nil, fmt.Errorf("open file bucket %s: %w", dir, err)
	}
	return &Backend{
		Bucket:   bucket,
		Driver:   &BlobParts{Bucket: bucket},
		Transfer: &Transfer{Bucket: bucket, Signer: signer},

		UploadsHashed: true,
	}, nil
}

func openS3(ctx context.Context, bucketName string, cfg S3Config) (*Backend, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	bucket, err := s3blob.OpenBucketV2(ctx, client, bucketName, nil)
	if err != nil {
		return nil, fmt.Errorf("open s3 bucket %s: %w", bucketName, err)
	}
	return &Backend{Bucket: bucket, Driver: NewS3Parts(client, bucketName)}, nil
}

// Transfer serves PUT and GET for URLs signed by a fileblob HMAC signer.
type Transfer struct {
	Bucket *blob.Bucket
	Signer *fileblob.URLSignerHMAC
}

func (t *Transfer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key, err := t.Signer.KeyFromURL(ctx, r.URL)
	if err != nil {
		http.Error(w, "invalid or expired signature", http.StatusForbidden)
		return
	}
	method := r.Method
	if method == http.MethodHead {
		method = http.MethodGet
	}
	if signed := r.URL.Query().Get("method"); signed != "" && !strings.EqualFold(signed, method) {
		http.Error(w, "signature does not cover "+r.Method, http.StatusForbidden)
		return
	}

	switch r.Method {
	case http.MethodPut:
		t.put(w, r, key)
	case http.MethodGet, http.MethodHead:
		t.get(w, r, key)
	default:
		w.Header().Set("Allow", "GET, HEAD, PUT")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// put stores the request body under key. Content-addressed keys only accept
// bytes whose sha256 is the key's oid; anything else is discarded.
func (t *Transfer) put(w http.ResponseWriter, r *http.Request, key string) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	bw, err := t.Bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: "application/octet-stream"})
	if err != nil {
		slog.ErrorContext(ctx, "open transfer writer", "key", key, "err", err)
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	etag, digest := md5.New(), sha256.New()
	if _, err := io.Copy(io.MultiWriter(bw, etag, digest), r.Body); err != nil {
		cancel()
		_ = bw.Close()
		slog.WarnContext(ctx, "transfer upload aborted", "key", key, "err", err)
		http.Error(w, "upload interrupted", http.StatusBadRequest)
		return
	}
	if oid, ok := oidFromKey(key); ok {
		if sum := hex.EncodeToString(digest.Sum(nil)); sum != oid {
			cancel()
			_ = bw.Close()
			slog.WarnContext(r.Context(), "transfer content does not match oid", "key", key, "sha256", sum)
			http.Error(w, "content sha256 "+sum+" does not match "+oid, http.StatusBadRequest)
			return
		}
	}
	if err := bw.Close(); err != nil {
		slog.ErrorContext(ctx, "close transfer writer", "key", key, "err", err)
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("ETag", `"`+hex.EncodeToString(etag.Sum(nil))+`"`)
	w.WriteHeader(http.StatusOK)
}

func (t *Transfer) get(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()
	br, err := t.Bucket.NewReader(ctx, key, nil)
	if gcerrors.Code(err) == gcerrors.NotFound {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "open transfer reader", "key", key, "err", err)
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	defer br.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(br.Size(), 10))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, br); err != nil {
		slog.WarnContext(ctx, "transfer download aborted", "key", key, "err", err)
	}
}
