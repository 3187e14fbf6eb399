package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/anthanhphan/gosdk/conflux"
	"github.com/anthanhphan/gosdk/logger"

	"github.com/anthanhphan/gridfs-upload/internal/uploader/domain"
)

// MemoryURL selects the in-process store instead of MongoDB.
const MemoryURL = "memory://"

// Config holds the upload gateway configuration
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	App     AppConfig     `json:"app" yaml:"app"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Upload  UploadConfig  `json:"upload" yaml:"upload"`
	Redis   RedisConfig   `json:"redis" yaml:"redis"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Logger  logger.Config `json:"logger" yaml:"logger"`
}

type ServerConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"` // empty disables the health service
	// BodyLimit caps a request body in bytes. Bodies are streamed, never held whole.
	BodyLimit int `json:"body_limit" yaml:"body_limit"`
}

type AppConfig struct {
	NodeID int64 `json:"node_id" yaml:"node_id"`
}

type StorageConfig struct {
	URL              string `json:"url" yaml:"url"`
	Database         string `json:"database" yaml:"database"`
	BucketName       string `json:"bucket_name" yaml:"bucket_name"`
	ChunkSizeBytes   int32  `json:"chunk_size_bytes" yaml:"chunk_size_bytes"`
	ConnectTimeoutMS int    `json:"connect_timeout_ms" yaml:"connect_timeout_ms"`
	AppName          string `json:"app_name" yaml:"app_name"`
	// LazyConnect defers the connect to the first upload.
	LazyConnect bool `json:"lazy_connect" yaml:"lazy_connect"`
}

type UploadConfig struct {
	FieldName        string         `json:"field_name" yaml:"field_name"` // empty accepts any field
	MaxFiles         int            `json:"max_files" yaml:"max_files"`   // 0 means unlimited
	FailurePolicy    string         `json:"failure_policy" yaml:"failure_policy"`
	CleanupTimeoutMS int            `json:"cleanup_timeout_ms" yaml:"cleanup_timeout_ms"`
	BufferSize       int            `json:"buffer_size" yaml:"buffer_size"`
	RollbackWorkers  int            `json:"rollback_workers" yaml:"rollback_workers"`
	StaticMetadata   map[string]any `json:"static_metadata" yaml:"static_metadata"`
}

type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"` // empty uses the local clock for request IDs
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	TimeoutMS int    `json:"timeout_ms" yaml:"timeout_ms"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// DefaultConfig returns configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      ":8090",
			BodyLimit: 4 * 1024 * 1024 * 1024, // 4GB
		},
		App: AppConfig{
			NodeID: 1,
		},
		Storage: StorageConfig{
			URL:              "mongodb://localhost:27017/uploads",
			BucketName:       domain.DefaultBucketName,
			ChunkSizeBytes:   domain.DefaultChunkSizeBytes,
			ConnectTimeoutMS: 10000,
			AppName:          "gridfs-upload",
		},
		Upload: UploadConfig{
			FailurePolicy:    string(domain.FailurePolicyKeep),
			CleanupTimeoutMS: 30000,
			BufferSize:       64 * 1024,
			RollbackWorkers:  4,
		},
		Redis: RedisConfig{
			TimeoutMS: 200,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "gridfs_upload",
		},
		Logger: logger.Config{
			LogLevel:    logger.LevelInfo,
			LogEncoding: logger.EncodingJSON,
		},
	}
}

// Load loads configuration from file. path must be relative to the working
// directory; conflux rejects absolute paths.
func Load(path string) (*Config, error) {
	configPath := path
	if configPath == "" {
		env := os.Getenv("ENV")
		if env == "" {
			env = "local"
		}
		configPath = filepath.Join("internal", "uploader", "config", env+".yaml")
	}

	cfg := DefaultConfig()

	parsedCfg, err := conflux.ParseConfig(configPath, cfg)
	if err != nil {
		// The logger is configured from this file, so it is not usable yet.
		log.Printf("Config file not found or failed to parse. Path: %s, Error: %v", configPath, err)
		if path != "" {
			return nil, err
		}
		parsedCfg = cfg
	}

	if err := parsedCfg.Validate(); err != nil {
		return nil, err
	}
	return parsedCfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if c.Storage.URL == "" {
		return domain.ConfigError("storage.url is required")
	}
	if c.Storage.URL != MemoryURL && !strings.HasPrefix(c.Storage.URL, "mongodb://") && !strings.HasPrefix(c.Storage.URL, "mongodb+srv://") {
		return domain.ConfigError("storage.url %q must be mongodb://, mongodb+srv:// or %s", c.Storage.URL, MemoryURL)
	}
	if c.Storage.ChunkSizeBytes < 0 {
		return domain.ConfigError("storage.chunk_size_bytes must be positive, got %d", c.Storage.ChunkSizeBytes)
	}
	if c.Upload.MaxFiles < 0 {
		return domain.ConfigError("upload.max_files must not be negative, got %d", c.Upload.MaxFiles)
	}
	if c.Upload.BufferSize < 0 {
		return domain.ConfigError("upload.buffer_size must not be negative, got %d", c.Upload.BufferSize)
	}

	switch domain.FailurePolicy(c.Upload.FailurePolicy) {
	case "", domain.FailurePolicyKeep, domain.FailurePolicyRollback:
	default:
		return domain.ConfigError("upload.failure_policy %q is not one of keep, rollback", c.Upload.FailurePolicy)
	}
	return nil
}

// Policy returns the configured failure policy, keep when unset.
func (u UploadConfig) Policy() domain.FailurePolicy {
	if u.FailurePolicy == "" {
		return domain.FailurePolicyKeep
	}
	return domain.FailurePolicy(u.FailurePolicy)
}

// CleanupTimeout returns the cleanup bound with a safe default.
func (u UploadConfig) CleanupTimeout() time.Duration {
	if u.CleanupTimeoutMS > 0 {
		return time.Duration(u.CleanupTimeoutMS) * time.Millisecond
	}
	return 30 * time.Second
}

// Buffer returns the copy buffer size with a safe default.
func (u UploadConfig) Buffer() int {
	if u.BufferSize > 0 {
		return u.BufferSize
	}
	return 64 * 1024
}

// ConnectTimeout returns the storage connect bound; zero means none.
func (s StorageConfig) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutMS) * time.Millisecond
}

// Timeout returns the per-call Redis timeout with a safe default.
func (r RedisConfig) Timeout() time.Duration {
	if r.TimeoutMS > 0 {
		return time.Duration(r.TimeoutMS) * time.Millisecond
	}
	return 200 * time.Millisecond
}
