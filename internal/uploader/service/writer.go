package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"sync"
	"time"

	"github.com/anthanhphan/gridfs-upload/internal/uploader/domain"
	"github.com/anthanhphan/gridfs-upload/internal/uploader/port"
	"github.com/anthanhphan/gridfs-upload/pkg/resilience"
	"github.com/anthanhphan/gosdk/logger"
)

// StoreProvider gates writers on a usable store.
type StoreProvider interface {
	AwaitReady(ctx context.Context) (port.Store, error)
}

// writerEnv holds what every writer of a service shares.
type writerEnv struct {
	resolver       *MetadataResolver
	stores         StoreProvider
	breaker        *resilience.CircuitBreaker
	pool           *sync.Pool
	cleanupTimeout time.Duration
	observer       Observer
}

// fileWriter moves one file part from its source stream into the store.
type fileWriter struct {
	env   *writerEnv
	index int
	file  domain.FileStream
	rc    domain.RequestContext

	events writerEvents

	state   domain.WriterState
	meta    domain.ResolvedMetadata
	store   port.Store
	sink    port.ChunkSink
	hash    hash.Hash
	written int64
	closed  bool
}

// writerEvents are optional callbacks into the owner of a writer.
type writerEvents struct {
	// onState is called after every transition.
	onState func(index int, state domain.WriterState)
	// onFail is called as soon as the writer fails, before its cleanup.
	onFail func(err *domain.FileError)
}

func newFileWriter(env *writerEnv, index int, file domain.FileStream, rc domain.RequestContext, events writerEvents) *fileWriter {
	return &fileWriter{
		env:    env,
		index:  index,
		file:   file,
		rc:     rc,
		events: events,
		state:  domain.WriterCreated,
		hash:   md5.New(),
	}
}

func (w *fileWriter) transition(to domain.WriterState) {
	logger.Debugw("Writer state changed",
		"request_id", w.rc.RequestID,
		"index", w.index,
		"field", w.file.FieldName,
		"from", string(w.state),
		"to", string(to),
	)
	w.state = to
	if w.events.onState != nil {
		w.events.onState(w.index, to)
	}
}

// run drives the writer to committed or failed. Exactly one of the return
// values is non-nil.
func (w *fileWriter) run(ctx context.Context) (*domain.StoredFileRecord, *domain.FileError) {
	started := time.Now()

	// A source blocked on its producer is released when the request is cancelled.
	stop := context.AfterFunc(ctx, w.closeSource)
	defer stop()

	record, ferr := w.execute(ctx)
	if ferr != nil {
		if w.events.onFail != nil {
			w.events.onFail(ferr)
		}
		w.cleanup(ctx)
		w.closeSource()
		w.transition(domain.WriterFailed)
		w.env.observer.RecordFile(time.Since(started), w.written, ferr)

		logger.Warnw("File upload failed",
			"request_id", w.rc.RequestID,
			"field", w.file.FieldName,
			"file_name", w.file.OriginalFilename,
			"kind", string(ferr.Kind),
			"error", ferr.Err.Error(),
		)
		return nil, ferr
	}

	w.transition(domain.WriterCommitted)
	w.env.observer.RecordFile(time.Since(started), w.written, nil)
	logger.Infow("File upload committed",
		"request_id", w.rc.RequestID,
		"field", w.file.FieldName,
		"file_id", record.ID,
		"file_name", record.Filename,
		"bucket", record.Bucket,
		"size_bytes", record.Grid.Length,
	)
	return record, nil
}

func (w *fileWriter) execute(ctx context.Context) (*domain.StoredFileRecord, *domain.FileError) {
	meta, err := w.env.resolver.Resolve(ctx, w.rc, w.file.FileInfo)
	if err != nil {
		return nil, w.fail(ctx, domain.KindResolution, err)
	}
	w.meta = meta
	w.transition(domain.WriterMetadataResolved)

	w.transition(domain.WriterConnecting)
	store, err := w.env.stores.AwaitReady(ctx)
	if err != nil {
		return nil, w.fail(ctx, domain.KindConnection, err)
	}
	w.store = store

	err = w.env.breaker.Execute(ctx, func(ctx context.Context) error {
		sink, err := store.OpenWrite(ctx, meta)
		if err != nil {
			return err
		}
		w.sink = sink
		return nil
	})
	if err != nil {
		return nil, w.fail(ctx, domain.KindStore, fmt.Errorf("open write: %w", err))
	}
	w.transition(domain.WriterStreaming)

	if ferr := w.stream(ctx); ferr != nil {
		return nil, ferr
	}

	return w.commit(ctx)
}

// stream forwards the source to the sink one pooled buffer at a time.
func (w *fileWriter) stream(ctx context.Context) *domain.FileError {
	buffer := w.env.pool.Get().(*[]byte)
	defer w.env.pool.Put(buffer)
	buf := *buffer

	for {
		if err := ctx.Err(); err != nil {
			return w.fail(ctx, domain.KindCancelled, err)
		}

		n, readErr := w.file.Stream.Read(buf)
		if n > 0 {
			w.hash.Write(buf[:n])
			if _, err := w.sink.Write(buf[:n]); err != nil {
				return w.fail(ctx, domain.KindStore, fmt.Errorf("write chunk: %w", err))
			}
			w.written += int64(n)
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return w.fail(ctx, domain.KindStream, readErr)
		}
	}
}

// commit closes the sink and checks what the store confirmed against what
// was sent.
func (w *fileWriter) commit(ctx context.Context) (*domain.StoredFileRecord, *domain.FileError) {
	if err := ctx.Err(); err != nil {
		return nil, w.fail(ctx, domain.KindCancelled, err)
	}

	var grid *domain.GridFile
	err := w.env.breaker.Execute(ctx, func(context.Context) error {
		var err error
		grid, err = w.sink.Close()
		return err
	})
	if err != nil {
		return nil, w.fail(ctx, domain.KindStore, fmt.Errorf("close: %w", err))
	}
	w.closed = true

	digest := hex.EncodeToString(w.hash.Sum(nil))
	if grid.Length != w.written || (grid.MD5 != "" && grid.MD5 != digest) {
		mismatch := fmt.Errorf("store confirmed length=%d md5=%s, sent length=%d md5=%s",
			grid.Length, grid.MD5, w.written, digest)
		return nil, domain.NewFileError(domain.KindStore, w.index, w.file.FileInfo, mismatch)
	}
	if grid.MD5 == "" {
		grid.MD5 = digest
	}
	if grid.ContentType == "" {
		grid.ContentType = w.meta.ContentType
	}

	return &domain.StoredFileRecord{
		ID:        grid.ID,
		FieldName: w.file.FieldName,
		Filename:  grid.Filename,
		Bucket:    w.meta.BucketName,
		Metadata:  w.meta.Metadata,
		Grid:      grid,
	}, nil
}

// fail classifies err. A failure caused by the request being cancelled is
// reported as cancelled whatever step observed it.
func (w *fileWriter) fail(ctx context.Context, kind domain.ErrorKind, err error) *domain.FileError {
	if ctx.Err() != nil {
		kind = domain.KindCancelled
		if cause := context.Cause(ctx); errors.Is(cause, domain.ErrCancelled) {
			err = cause
		} else {
			err = fmt.Errorf("%w: %v", domain.ErrCancelled, cause)
		}
	}
	return domain.NewFileError(kind, w.index, w.file.FileInfo, err)
}

// cleanup removes every chunk written for this file. It runs on a context
// detached from the request, which is usually already cancelled.
func (w *fileWriter) cleanup(ctx context.Context) {
	if w.sink == nil {
		return
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.env.cleanupTimeout)
	defer cancel()

	id := w.sink.ID()
	var abortErr error
	if !w.closed {
		if abortErr = w.sink.Abort(cleanupCtx); abortErr == nil {
			return
		}
	}
	// Abort cannot undo a files document already written by Close.
	if err := w.store.Delete(cleanupCtx, w.meta.BucketName, id); err != nil {
		logger.Errorw("Cleanup of partial file failed",
			"request_id", w.rc.RequestID,
			"file_id", id,
			"bucket", w.meta.BucketName,
			"abort_error", errString(abortErr),
			"error", err.Error(),
		)
		return
	}
	logger.Infow("Partial file removed", "request_id", w.rc.RequestID, "file_id", id, "bucket", w.meta.BucketName)
}

func (w *fileWriter) closeSource() {
	if closer, ok := w.file.Stream.(io.Closer); ok {
		_ = closer.Close()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
