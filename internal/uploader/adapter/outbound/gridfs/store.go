package gridfs

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/anthanhphan/gridfs-upload/internal/uploader/domain"
	"github.com/anthanhphan/gridfs-upload/internal/uploader/port"
)

// Store writes files into GridFS buckets of one database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database

	mu      sync.Mutex
	buckets map[string]*bucketHandle
}

// bucketHandle serializes upload opens on one bucket: the driver lazily
// creates the GridFS indexes on the first open without synchronization.
type bucketHandle struct {
	mu     sync.Mutex
	bucket *mongo.GridFSBucket
}

// Ensure Store implements port.Store.
var _ port.Store = (*Store)(nil)

// NewStore wraps an already connected client.
func NewStore(client *mongo.Client, database string) *Store {
	return &Store{
		client:  client,
		db:      client.Database(database),
		buckets: make(map[string]*bucketHandle),
	}
}

// filesDocument is the subset of a <bucket>.files document returned to callers.
type filesDocument struct {
	ID          bson.ObjectID `bson:"_id"`
	Filename    string        `bson:"filename"`
	ContentType string        `bson:"contentType"`
	Length      int64         `bson:"length"`
	ChunkSize   int32         `bson:"chunkSize"`
	MD5         string        `bson:"md5"`
	UploadDate  time.Time     `bson:"uploadDate"`
}

func (d filesDocument) gridFile() *domain.GridFile {
	return &domain.GridFile{
		ID:          d.ID.Hex(),
		Filename:    d.Filename,
		ContentType: d.ContentType,
		Length:      d.Length,
		ChunkSize:   d.ChunkSize,
		MD5:         d.MD5,
		UploadDate:  d.UploadDate.UTC(),
	}
}

func (s *Store) handle(name string) *bucketHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.buckets[name]
	if !ok {
		h = &bucketHandle{bucket: s.db.GridFSBucket(options.GridFSBucket().SetName(name))}
		s.buckets[name] = h
	}
	return h
}

// OpenWrite starts a GridFS upload stream. The stream is bound to ctx: once
// ctx is cancelled every further chunk insert fails.
func (s *Store) OpenWrite(ctx context.Context, meta domain.ResolvedMetadata) (port.ChunkSink, error) {
	h := s.handle(meta.BucketName)

	opts := options.GridFSUpload().SetChunkSizeBytes(meta.ChunkSizeBytes)
	if meta.Metadata != nil {
		opts.SetMetadata(meta.Metadata)
	}

	id := bson.NewObjectID()
	h.mu.Lock()
	stream, err := h.bucket.OpenUploadStreamWithID(ctx, id, meta.Filename, opts)
	h.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open upload stream on bucket %s: %w", meta.BucketName, err)
	}

	return &sink{
		ctx:         ctx,
		id:          id,
		stream:      stream,
		bucket:      h.bucket,
		contentType: meta.ContentType,
		hash:        md5.New(),
	}, nil
}

// Delete removes a file and its chunks. A missing files document is not an
// error: the driver still deletes orphaned chunks for the ID.
func (s *Store) Delete(ctx context.Context, bucket string, id string) error {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("invalid file id %q: %w", id, err)
	}

	err = s.handle(bucket).bucket.Delete(ctx, oid)
	if err != nil && !errors.Is(err, mongo.ErrFileNotFound) {
		return fmt.Errorf("delete file %s from bucket %s: %w", id, bucket, err)
	}
	return nil
}

func (s *Store) Disconnect(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

type sink struct {
	ctx         context.Context
	id          bson.ObjectID
	stream      *mongo.GridFSUploadStream
	bucket      *mongo.GridFSBucket
	contentType string
	hash        hash.Hash
}

func (s *sink) ID() string {
	return s.id.Hex()
}

func (s *sink) Write(p []byte) (int, error) {
	n, err := s.stream.Write(p)
	s.hash.Write(p[:n])
	return n, err
}

// Close flushes the last chunk, lets the driver insert the files document and
// then records the legacy md5 and contentType fields on it.
func (s *sink) Close() (*domain.GridFile, error) {
	if err := s.stream.Close(); err != nil {
		return nil, fmt.Errorf("close upload stream: %w", err)
	}

	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "md5", Value: hex.EncodeToString(s.hash.Sum(nil))},
		{Key: "contentType", Value: s.contentType},
	}}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc filesDocument
	err := s.bucket.GetFilesCollection().
		FindOneAndUpdate(s.ctx, bson.D{{Key: "_id", Value: s.id}}, update, opts).
		Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("confirm files document %s: %w", s.id.Hex(), err)
	}
	return doc.gridFile(), nil
}

// Abort discards written chunks. The upload stream aborts with its own
// context, which is usually the cancelled request; ctx is used to delete by
// ID when that fails or the stream was already closed.
func (s *sink) Abort(ctx context.Context) error {
	if err := s.stream.Abort(); err == nil {
		return nil
	}

	err := s.bucket.Delete(ctx, s.id)
	if err != nil && !errors.Is(err, mongo.ErrFileNotFound) {
		return fmt.Errorf("abort file %s: %w", s.id.Hex(), err)
	}
	return nil
}
