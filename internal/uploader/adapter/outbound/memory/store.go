// Package memory is an in-process chunked object store with GridFS
// semantics: chunks become visible as they are written, the files document
// only on Close.
package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anthanhphan/gridfs-upload/internal/uploader/domain"
	"github.com/anthanhphan/gridfs-upload/internal/uploader/port"
)

var (
	ErrDisconnected = errors.New("memory store disconnected")
	ErrSinkClosed   = errors.New("chunk sink is closed or aborted")
)

// File is a stored files document.
type File struct {
	domain.GridFile
	Bucket   string
	Metadata any
}

// Hooks inject faults. A non-nil error from a hook fails the operation.
type Hooks struct {
	// BeforeChunk runs before chunk n of filename is stored.
	BeforeChunk func(bucket, filename string, n int) error
	// BeforeClose runs before the files document of filename is written.
	BeforeClose func(bucket, filename string) error
}

// Store keeps buckets in memory. It is safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	files  map[string]map[string]*File
	chunks map[string]map[string][][]byte
	hooks  Hooks
	now    func() time.Time

	seq          atomic.Uint64
	disconnected atomic.Bool
}

// Ensure Store implements port.Store.
var _ port.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithHooks installs fault injection hooks.
func WithHooks(h Hooks) Option {
	return func(s *Store) { s.hooks = h }
}

// WithClock overrides the upload date source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		files:  make(map[string]map[string]*File),
		chunks: make(map[string]map[string][][]byte),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) nextID() string {
	// 12 bytes rendered like an ObjectID: unix seconds + counter.
	return fmt.Sprintf("%08x%016x", uint32(s.now().Unix()), s.seq.Add(1))
}

func (s *Store) OpenWrite(ctx context.Context, meta domain.ResolvedMetadata) (port.ChunkSink, error) {
	if s.disconnected.Load() {
		return nil, ErrDisconnected
	}
	if meta.ChunkSizeBytes <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", meta.ChunkSizeBytes)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &sink{
		store: s,
		ctx:   ctx,
		id:    s.nextID(),
		meta:  meta,
		hash:  md5.New(),
	}, nil
}

func (s *Store) Delete(_ context.Context, bucket string, id string) error {
	if s.disconnected.Load() {
		return ErrDisconnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files[bucket], id)
	delete(s.chunks[bucket], id)
	return nil
}

func (s *Store) Disconnect(context.Context) error {
	s.disconnected.Store(true)
	return nil
}

// Disconnected reports whether Disconnect was called.
func (s *Store) Disconnected() bool {
	return s.disconnected.Load()
}

// Files returns the files documents of bucket ordered by upload date then ID.
func (s *Store) Files(bucket string) []File {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]File, 0, len(s.files[bucket]))
	for _, f := range s.files[bucket] {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UploadDate.Equal(out[j].UploadDate) {
			return out[i].UploadDate.Before(out[j].UploadDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// FindByName returns the files document named filename in bucket.
func (s *Store) FindByName(bucket, filename string) (File, bool) {
	for _, f := range s.Files(bucket) {
		if f.Filename == filename {
			return f, true
		}
	}
	return File{}, false
}

// ChunkCount returns how many chunks are stored for id, with or without a files document.
func (s *Store) ChunkCount(bucket, id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks[bucket][id])
}

// TotalChunks counts every chunk in bucket, orphaned or not.
func (s *Store) TotalChunks(bucket string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, c := range s.chunks[bucket] {
		total += len(c)
	}
	return total
}

// Content reassembles the chunks of a committed file.
func (s *Store) Content(bucket, id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[bucket][id]; !ok {
		return nil, false
	}
	return bytes.Join(s.chunks[bucket][id], nil), true
}

func (s *Store) putChunk(bucket, id string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chunks[bucket] == nil {
		s.chunks[bucket] = make(map[string][][]byte)
	}
	s.chunks[bucket][id] = append(s.chunks[bucket][id], data)
}

func (s *Store) putFile(f *File) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.files[f.Bucket] == nil {
		s.files[f.Bucket] = make(map[string]*File)
	}
	s.files[f.Bucket][f.ID] = f
}

type sink struct {
	store  *Store
	ctx    context.Context
	id     string
	meta   domain.ResolvedMetadata
	hash   hash.Hash
	buf    []byte
	length int64
	n      int
	closed bool
}

func (k *sink) ID() string {
	return k.id
}

func (k *sink) Write(p []byte) (int, error) {
	if k.closed {
		return 0, ErrSinkClosed
	}
	if err := k.ctx.Err(); err != nil {
		return 0, err
	}

	written := 0
	chunkSize := int(k.meta.ChunkSizeBytes)
	for len(p) > 0 {
		take := min(chunkSize-len(k.buf), len(p))
		k.buf = append(k.buf, p[:take]...)
		p = p[take:]
		if len(k.buf) == chunkSize {
			if err := k.flush(); err != nil {
				return written, err
			}
		}
		written += take
	}
	return written, nil
}

func (k *sink) flush() error {
	if len(k.buf) == 0 {
		return nil
	}
	if hook := k.store.hooks.BeforeChunk; hook != nil {
		if err := hook(k.meta.BucketName, k.meta.Filename, k.n); err != nil {
			return err
		}
	}
	if k.store.disconnected.Load() {
		return ErrDisconnected
	}

	chunk := make([]byte, len(k.buf))
	copy(chunk, k.buf)
	k.store.putChunk(k.meta.BucketName, k.id, chunk)
	k.hash.Write(chunk)
	k.length += int64(len(chunk))
	k.n++
	k.buf = k.buf[:0]
	return nil
}

func (k *sink) Close() (*domain.GridFile, error) {
	if k.closed {
		return nil, ErrSinkClosed
	}
	if err := k.ctx.Err(); err != nil {
		return nil, err
	}
	if err := k.flush(); err != nil {
		return nil, err
	}
	if hook := k.store.hooks.BeforeClose; hook != nil {
		if err := hook(k.meta.BucketName, k.meta.Filename); err != nil {
			return nil, err
		}
	}
	k.closed = true

	f := &File{
		GridFile: domain.GridFile{
			ID:          k.id,
			Filename:    k.meta.Filename,
			ContentType: k.meta.ContentType,
			Length:      k.length,
			ChunkSize:   k.meta.ChunkSizeBytes,
			MD5:         hex.EncodeToString(k.hash.Sum(nil)),
			UploadDate:  k.store.now().UTC(),
		},
		Bucket:   k.meta.BucketName,
		Metadata: k.meta.Metadata,
	}
	k.store.putFile(f)

	out := f.GridFile
	return &out, nil
}

func (k *sink) Abort(ctx context.Context) error {
	k.closed = true
	return k.store.Delete(ctx, k.meta.BucketName, k.id)
}
