package domain

import (
	"io"
	"time"
)

const (
	// DefaultBucketName is the GridFS bucket used when no resolver picks one.
	DefaultBucketName = "fs"

	// DefaultChunkSizeBytes matches the GridFS default of 255KiB.
	DefaultChunkSizeBytes int32 = 261120
)

// FileInfo describes one incoming file part.
type FileInfo struct {
	FieldName        string
	OriginalFilename string
	ContentType      string
}

// FileStream is a file part together with its unread bytes. The stream is
// consumed exactly once by a writer.
type FileStream struct {
	FileInfo
	Stream io.Reader
}

// RequestContext is forwarded unchanged to resolvers.
type RequestContext struct {
	RequestID string
	Header    map[string]string
	// Fields holds the non-file form values received before the file part.
	Fields map[string]string
}

// UploadRequest is the ordered set of file parts of one request.
type UploadRequest struct {
	Context RequestContext
	Files   []FileStream
}

// ResolvedMetadata is computed once per file before any byte is written.
type ResolvedMetadata struct {
	Filename       string
	Metadata       any
	BucketName     string
	ChunkSizeBytes int32
	ContentType    string
}

// GridFile is the files-collection document confirmed by the store.
type GridFile struct {
	ID          string    `json:"_id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType"`
	Length      int64     `json:"length"`
	ChunkSize   int32     `json:"chunkSize"`
	MD5         string    `json:"md5"`
	UploadDate  time.Time `json:"uploadDate"`
}

// StoredFileRecord is returned to the caller once a file is durable.
type StoredFileRecord struct {
	ID        string    `json:"id"`
	FieldName string    `json:"fieldname"`
	Filename  string    `json:"filename"`
	Bucket    string    `json:"bucketName"`
	Metadata  any       `json:"metadata"`
	Grid      *GridFile `json:"grid"`
}

// FileFailure reports why one file of a request did not commit.
type FileFailure struct {
	Index            int       `json:"index"`
	FieldName        string    `json:"field"`
	OriginalFilename string    `json:"filename"`
	Kind             ErrorKind `json:"kind"`
	Message          string    `json:"message"`
}

// UploadResult aggregates the outcome of every file of a request.
type UploadResult struct {
	RequestID  string              `json:"request_id"`
	Files      []*StoredFileRecord `json:"files"`
	Failed     []FileFailure       `json:"failed,omitempty"`
	RolledBack []*StoredFileRecord `json:"rolled_back,omitempty"`
	Err        *UploadError        `json:"-"`
}
