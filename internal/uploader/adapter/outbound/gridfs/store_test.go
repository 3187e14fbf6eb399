package gridfs

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/anthanhphan/gridfs-upload/internal/uploader/domain"
)

// connectForTest dials GRIDFS_TEST_URL, e.g. mongodb://localhost:27017/gridfs_upload_test.
func connectForTest(t *testing.T) *Store {
	t.Helper()

	url := os.Getenv("GRIDFS_TEST_URL")
	if url == "" {
		t.Skip("GRIDFS_TEST_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := Connect(ctx, url, Options{AppName: "gridfs-upload-test", ConnectTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.db.Drop(context.Background())
		_ = store.Disconnect(context.Background())
	})
	return store
}

func TestConnectRejectsInvalidURL(t *testing.T) {
	_, err := Connect(context.Background(), "postgres://localhost", Options{})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestStoreWriteAndConfirm(t *testing.T) {
	store := connectForTest(t)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("gridfs-chunk-"), 4096)
	sink, err := store.OpenWrite(ctx, domain.ResolvedMetadata{
		Filename:       "payload.bin",
		Metadata:       map[string]any{"tag": "x"},
		BucketName:     "photos",
		ChunkSizeBytes: 1024,
		ContentType:    "application/octet-stream",
	})
	require.NoError(t, err)

	_, err = sink.Write(payload)
	require.NoError(t, err)

	file, err := sink.Close()
	require.NoError(t, err)

	sum := md5.Sum(payload)
	assert.Equal(t, sink.ID(), file.ID)
	assert.Equal(t, hex.EncodeToString(sum[:]), file.MD5)
	assert.Equal(t, int64(len(payload)), file.Length)
	assert.Equal(t, int32(1024), file.ChunkSize)
	assert.Equal(t, "application/octet-stream", file.ContentType)

	oid, _ := bson.ObjectIDFromHex(file.ID)
	chunks, err := store.db.Collection("photos.chunks").CountDocuments(ctx, bson.D{{Key: "files_id", Value: oid}})
	require.NoError(t, err)
	assert.Equal(t, int64((len(payload)+1023)/1024), chunks)

	require.NoError(t, store.Delete(ctx, "photos", file.ID))
	files, err := store.db.Collection("photos.files").CountDocuments(ctx, bson.D{{Key: "_id", Value: oid}})
	require.NoError(t, err)
	assert.Zero(t, files)
}

func TestStoreAbortLeavesNothing(t *testing.T) {
	store := connectForTest(t)
	ctx := context.Background()

	sink, err := store.OpenWrite(ctx, domain.ResolvedMetadata{
		Filename:       "aborted.bin",
		BucketName:     domain.DefaultBucketName,
		ChunkSizeBytes: domain.DefaultChunkSizeBytes,
	})
	require.NoError(t, err)

	_, err = sink.Write(bytes.Repeat([]byte{1}, 1<<20))
	require.NoError(t, err)
	require.NoError(t, sink.Abort(ctx))

	oid, _ := bson.ObjectIDFromHex(sink.ID())
	chunks, err := store.db.Collection("fs.chunks").CountDocuments(ctx, bson.D{{Key: "files_id", Value: oid}})
	require.NoError(t, err)
	assert.Zero(t, chunks)
	files, err := store.db.Collection("fs.files").CountDocuments(ctx, bson.D{{Key: "filename", Value: "aborted.bin"}})
	require.NoError(t, err)
	assert.Zero(t, files)
}
