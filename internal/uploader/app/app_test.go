package app

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthanhphan/gridfs-upload/internal/uploader/config"
	"github.com/anthanhphan/gridfs-upload/internal/uploader/domain"
)

// writeConfig writes body to test.yaml in a fresh working directory and
// returns the relative path; conflux refuses absolute ones.
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	t.Chdir(t.TempDir())
	require.NoError(t, os.WriteFile("test.yaml", []byte(body), 0o600))
	return "test.yaml"
}

func TestNew_MemoryStorage(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: "127.0.0.1:0"
storage:
  url: "memory://"
  bucket_name: "uploads"
metrics:
  enabled: true
  namespace: "app_test"
`)

	a, err := New(path)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionReady, a.manager.State())
	assert.Nil(t, a.health)
	assert.Nil(t, a.redis)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Shutdown(ctx)
	assert.Equal(t, domain.ConnectionClosed, a.manager.State())
}

func TestNew_InvalidConfig(t *testing.T) {
	path := writeConfig(t, `
storage:
  url: "postgres://localhost"
`)

	_, err := New(path)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestNewConnection_LazyDoesNotDial(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.URL = "mongodb://127.0.0.1:1/uploads"
	cfg.Storage.LazyConnect = true

	manager, err := newConnection(cfg)
	require.NoError(t, err)
	defer func() { _ = manager.Close(context.Background()) }()

	assert.Equal(t, domain.ConnectionPending, manager.State())
}

func TestStaticResolver(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.BucketName = "photos"
	cfg.Upload.StaticMetadata = map[string]any{"source": "gateway"}

	static := staticResolver(cfg)
	assert.Equal(t, "photos", static.BucketName)
	assert.Equal(t, cfg.Storage.ChunkSizeBytes, static.ChunkSizeBytes)
	assert.Equal(t, map[string]any{"source": "gateway"}, static.Metadata)

	cfg.Upload.StaticMetadata = nil
	assert.Nil(t, staticResolver(cfg).Metadata)
}
