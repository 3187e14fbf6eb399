package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthanhphan/gridfs-upload/internal/uploader/domain"
)

func meta(name string, chunk int32) domain.ResolvedMetadata {
	return domain.ResolvedMetadata{
		Filename:       name,
		BucketName:     domain.DefaultBucketName,
		ChunkSizeBytes: chunk,
		ContentType:    "text/plain",
	}
}

func TestSinkSplitsIntoChunks(t *testing.T) {
	store := NewStore()
	payload := bytes.Repeat([]byte("abc"), 10) // 30 bytes

	sink, err := store.OpenWrite(context.Background(), meta("a.txt", 8))
	require.NoError(t, err)

	// Uneven writes must not change chunk boundaries.
	for _, part := range [][]byte{payload[:5], payload[5:21], payload[21:]} {
		n, err := sink.Write(part)
		require.NoError(t, err)
		assert.Equal(t, len(part), n)
	}
	assert.Equal(t, 3, store.ChunkCount("fs", sink.ID()), "full chunks are visible before close")
	_, found := store.FindByName("fs", "a.txt")
	assert.False(t, found, "files document only appears on close")

	file, err := sink.Close()
	require.NoError(t, err)

	sum := md5.Sum(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), file.MD5)
	assert.Equal(t, int64(30), file.Length)
	assert.Equal(t, 4, store.ChunkCount("fs", file.ID))

	content, ok := store.Content("fs", file.ID)
	require.True(t, ok)
	assert.Equal(t, payload, content)
}

func TestSinkAbortRemovesChunks(t *testing.T) {
	store := NewStore()
	sink, err := store.OpenWrite(context.Background(), meta("b.txt", 4))
	require.NoError(t, err)

	_, err = sink.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.Equal(t, 2, store.TotalChunks("fs"))

	require.NoError(t, sink.Abort(context.Background()))
	assert.Zero(t, store.TotalChunks("fs"))

	_, err = sink.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrSinkClosed)
}

func TestSinkHonoursContext(t *testing.T) {
	store := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	sink, err := store.OpenWrite(ctx, meta("c.txt", 4))
	require.NoError(t, err)

	cancel()
	_, err = sink.Write([]byte("data"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHooksInjectFaults(t *testing.T) {
	boom := errors.New("disk full")
	store := NewStore(WithHooks(Hooks{
		BeforeChunk: func(bucket, filename string, n int) error {
			if n == 1 {
				return boom
			}
			return nil
		},
	}))

	sink, err := store.OpenWrite(context.Background(), meta("d.txt", 2))
	require.NoError(t, err)

	_, err = sink.Write([]byte("abcd"))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, store.ChunkCount("fs", sink.ID()))
}

func TestDisconnectRejectsWrites(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Disconnect(context.Background()))
	assert.True(t, store.Disconnected())

	_, err := store.OpenWrite(context.Background(), meta("e.txt", 4))
	assert.ErrorIs(t, err, ErrDisconnected)
}
