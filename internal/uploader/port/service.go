package port

import (
	"context"

	"github.com/anthanhphan/gridfs-upload/internal/uploader/domain"
)

// UploadService defines the ingestion use cases exposed to inbound adapters.
type UploadService interface {
	// Begin opens a session for one request. Files are added as they arrive.
	Begin(ctx context.Context, rc domain.RequestContext) (UploadSession, error)

	// Handle uploads every file of req and waits for all of them.
	Handle(ctx context.Context, req *domain.UploadRequest) (*domain.UploadResult, error)

	// Cancel aborts the in-flight request with the given ID.
	Cancel(requestID string) bool

	// ConnectionState reports the state of the storage connection.
	ConnectionState() domain.ConnectionState
}

// UploadSession collects the files of one request.
type UploadSession interface {
	// ID returns the request ID.
	ID() string

	// SetField records a non-file form value visible to later resolvers.
	SetField(name, value string)

	// Add starts a writer for file. It fails once the session is cancelled
	// or a request limit is hit; the file is then reported as failed.
	Add(file domain.FileStream) error

	// Done is closed when the session has been cancelled.
	Done() <-chan struct{}

	// Wait blocks until every added writer finished and returns the result.
	Wait() *domain.UploadResult
}
