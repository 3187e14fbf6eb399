package port

import (
	"context"

	"github.com/anthanhphan/gridfs-upload/internal/uploader/domain"
)

//go:generate mockgen -destination=../service/mocks/store_mock.go -package=mocks -source=store.go

// Store is a connected chunked object store. It is shared read-only by all
// writers of one connection manager; writers never disconnect it.
type Store interface {
	// OpenWrite opens a chunk sink for a new file described by meta.
	OpenWrite(ctx context.Context, meta domain.ResolvedMetadata) (ChunkSink, error)

	// Delete removes the files document and every chunk of id in bucket.
	// Deleting a file whose files document was never written still removes its chunks.
	Delete(ctx context.Context, bucket string, id string) error

	// Disconnect releases the underlying connection.
	Disconnect(ctx context.Context) error
}

// ChunkSink receives the bytes of one file. It is used by a single writer.
type ChunkSink interface {
	// ID returns the identifier the file will be stored under.
	ID() string

	// Write forwards bytes to the chunk writer.
	Write(p []byte) (int, error)

	// Close flushes the remaining chunk and writes the files document. The
	// returned GridFile is what the store durably confirmed.
	Close() (*domain.GridFile, error)

	// Abort discards every chunk written so far.
	Abort(ctx context.Context) error
}
