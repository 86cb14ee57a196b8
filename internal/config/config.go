package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/onexay/modelhub/internal/objstore"
	"github.com/onexay/modelhub/internal/registry"
	"github.com/onexay/modelhub/internal/storage"
)

// StorageBackend enumerates supported content-store backends.
type StorageBackend string

const (
	// StorageBackendMemory keeps data in-process.
	StorageBackendMemory StorageBackend = "memory"
	// StorageBackendKeyDB persists data to KeyDB/Redis.
	StorageBackendKeyDB StorageBackend = "keydb"
	// StorageBackendGit keeps one git repository per hub repository.
	StorageBackendGit StorageBackend = "git"
)

// Config aggregates runtime configuration.
type Config struct {
	APIAddr string `yaml:"apiAddr"`
	// PublicURL is the externally visible base URL used in hrefs.
	PublicURL   string                     `yaml:"publicURL"`
	LogLevel    string                     `yaml:"logLevel"`
	Storage     StorageConfig              `yaml:"storage"`
	Registry    RegistryConfig             `yaml:"registry"`
	ObjectStore objstore.Config            `yaml:"objectStore"`
	LFS         LFSConfig                  `yaml:"lfs"`
	Quota       registry.NamespaceDefaults `yaml:"quota"`
	// TokenSecret signs confirmation tokens.
	TokenSecret string          `yaml:"tokenSecret"`
	RateLimit   RateLimitConfig `yaml:"rateLimit"`
}

// StorageConfig contains backend selection and nested settings.
type StorageConfig struct {
	Backend StorageBackend `yaml:"backend"`
	KeyDB   storage.Config `yaml:"keydb"`
	// GitDir holds bare repositories; empty keeps them in memory.
	GitDir string `yaml:"gitDir"`
}

// RegistryConfig locates the bbolt registry. An empty path keeps it in memory.
type RegistryConfig struct {
	Path string `yaml:"path"`
}

// LFSConfig tunes large-file handling.
type LFSConfig struct {
	// Threshold is the inline size at which commits must use LFS.
	Threshold          int64         `yaml:"threshold"`
	Suffixes           []string      `yaml:"suffixes"`
	MultipartThreshold int64         `yaml:"multipartThreshold"`
	ChunkSize          int64         `yaml:"chunkSize"`
	KeyPrefix          string        `yaml:"keyPrefix"`
	UploadExpiry       time.Duration `yaml:"uploadExpiry"`
	DownloadExpiry     time.Duration `yaml:"downloadExpiry"`
}

// RateLimitConfig bounds requests per client. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// Load reads configuration from environment variables, then overlays the
// YAML file named by MODELHUB_CONFIG when set.
func Load() (Config, error) {
	publicURL := envDefault("PUBLIC_URL", "http://localhost:8080")
	cfg := Config{
		APIAddr:   envDefault("API_ADDR", ":8080"),
		PublicURL: publicURL,
		LogLevel:  envDefault("LOG_LEVEL", "info"),
		Storage: StorageConfig{
			Backend: StorageBackend(strings.ToLower(envDefault("STORAGE_BACKEND", string(StorageBackendMemory)))),
			KeyDB: storage.Config{
				Addr:     os.Getenv("KEYDB_ADDR"),
				Username: os.Getenv("KEYDB_USERNAME"),
				Password: os.Getenv("KEYDB_PASSWORD"),
				Database: envInt("KEYDB_DB", 0),
			},
			GitDir: os.Getenv("GIT_DIR_ROOT"),
		},
		Registry: RegistryConfig{Path: envDefault("REGISTRY_PATH", "data/registry.db")},
		ObjectStore: objstore.Config{
			BucketURL:     envDefault("BUCKET_URL", "file://data/objects"),
			PublicBaseURL: envDefault("OBJECT_PUBLIC_URL", publicURL),
			SigningSecret: os.Getenv("SIGNING_SECRET"),
			S3: objstore.S3Config{
				Region:          os.Getenv("S3_REGION"),
				Endpoint:        os.Getenv("S3_ENDPOINT"),
				AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
				SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
				PathStyle:       envBool("S3_PATH_STYLE", false),
			},
		},
		LFS: LFSConfig{
			Threshold:          envInt64("LFS_THRESHOLD", 10<<20),
			Suffixes:           envList("LFS_SUFFIXES", []string{".safetensors", ".bin", ".pt", ".pth", ".ckpt", ".h5", ".onnx", ".gguf", ".parquet", ".arrow"}),
			MultipartThreshold: envInt64("LFS_MULTIPART_THRESHOLD", objstore.DefaultMultipartThreshold),
			ChunkSize:          envInt64("LFS_CHUNK_SIZE", objstore.DefaultChunkSize),
			KeyPrefix:          envDefault("LFS_KEY_PREFIX", objstore.DefaultKeyPrefix),
			UploadExpiry:       envDuration("LFS_UPLOAD_EXPIRY", objstore.DefaultUploadExpiry),
			DownloadExpiry:     envDuration("LFS_DOWNLOAD_EXPIRY", objstore.DefaultDownloadExpiry),
		},
		Quota: registry.NamespaceDefaults{
			PublicLimit:  envLimit("QUOTA_PUBLIC_BYTES"),
			PrivateLimit: envLimit("QUOTA_PRIVATE_BYTES"),
		},
		TokenSecret: os.Getenv("TOKEN_SECRET"),
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloat("RATE_LIMIT_RPS", 0),
			Burst:             envInt("RATE_LIMIT_BURST", 50),
		},
	}

	if path := os.Getenv("MODELHUB_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return cfg, cfg.Validate()
}

// Validate reports settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case StorageBackendMemory, StorageBackendGit:
	case StorageBackendKeyDB:
		if c.Storage.KeyDB.Addr == "" {
			errs = append(errs, errors.New("keydb backend needs storage.keydb.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if c.TokenSecret == "" {
		errs = append(errs, errors.New("tokenSecret is required"))
	}
	if strings.HasPrefix(c.ObjectStore.BucketURL, "file://") && c.ObjectStore.SigningSecret == "" {
		errs = append(errs, errors.New("file buckets need objectStore.signingSecret"))
	}
	if c.LFS.Threshold <= 0 {
		errs = append(errs, errors.New("lfs.threshold must be positive"))
	}
	return errors.Join(errs...)
}

func envDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func envInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return def
}

// envLimit parses a byte limit; unset or negative means unlimited.
func envLimit(key string) *int64 {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

func envList(key string, def []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(val, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
