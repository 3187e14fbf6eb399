package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anthanhphan/gridfs-upload/internal/uploader/domain"
	"github.com/anthanhphan/gridfs-upload/internal/uploader/port"
	"github.com/anthanhphan/gridfs-upload/pkg/resilience"
	"github.com/anthanhphan/gosdk/logger"
)

// ErrSessionSealed is returned by Add after Wait was called.
var ErrSessionSealed = errors.New("upload session no longer accepts files")

// session runs the writers of one request.
type session struct {
	svc     *UploadServiceImpl
	id      string
	header  map[string]string
	started time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
	group  *errgroup.Group

	mu       sync.Mutex
	fields   map[string]string
	records  []*domain.StoredFileRecord
	failures []*domain.FileError
	first    *domain.FileError
	admitted int
	sealed   bool

	waitOnce sync.Once
	result   *domain.UploadResult
}

// Ensure session implements port.UploadSession.
var _ port.UploadSession = (*session)(nil)

func newSession(ctx context.Context, svc *UploadServiceImpl, rc domain.RequestContext) *session {
	base, cancel := context.WithCancelCause(ctx)
	group, groupCtx := errgroup.WithContext(base)

	fields := make(map[string]string, len(rc.Fields))
	for k, v := range rc.Fields {
		fields[k] = v
	}

	return &session{
		svc:     svc,
		id:      rc.RequestID,
		header:  rc.Header,
		started: time.Now(),
		ctx:     groupCtx,
		cancel:  cancel,
		group:   group,
		fields:  fields,
	}
}

func (s *session) ID() string {
	return s.id
}

func (s *session) SetField(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields[name] = value
}

func (s *session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Add starts a writer for file right away. The writer sees the form fields
// set so far.
func (s *session) Add(file domain.FileStream) error {
	s.mu.Lock()
	if s.sealed {
		s.mu.Unlock()
		return ErrSessionSealed
	}

	index := len(s.records)
	s.records = append(s.records, nil)
	if ferr := s.admitLocked(index, file.FileInfo); ferr != nil {
		s.recordFailureLocked(ferr)
		s.mu.Unlock()

		logger.Warnw("File rejected",
			"request_id", s.id,
			"field", file.FieldName,
			"file_name", file.OriginalFilename,
			"kind", string(ferr.Kind),
			"error", ferr.Err.Error(),
		)
		s.svc.observer.RecordFile(0, 0, ferr)
		return ferr
	}
	s.admitted++
	rc := s.requestContextLocked()
	s.mu.Unlock()

	w := newFileWriter(s.svc.env, index, file, rc, writerEvents{onFail: s.recordFailure})
	s.group.Go(func() error {
		record, ferr := w.run(s.ctx)
		if ferr != nil {
			if ferr.Kind.CancelsSiblings() {
				return ferr
			}
			return nil
		}

		s.mu.Lock()
		s.records[index] = record
		s.mu.Unlock()
		return nil
	})
	return nil
}

// admitLocked applies the request limits to the file at index.
func (s *session) admitLocked(index int, file domain.FileInfo) *domain.FileError {
	if s.ctx.Err() != nil {
		cause := context.Cause(s.ctx)
		if !errors.Is(cause, domain.ErrCancelled) {
			cause = fmt.Errorf("%w: %v", domain.ErrCancelled, cause)
		}
		return domain.NewFileError(domain.KindCancelled, index, file, cause)
	}

	cfg := s.svc.cfg
	if cfg.FieldName != "" && file.FieldName != cfg.FieldName {
		return domain.NewFileError(domain.KindLimit, index, file,
			fmt.Errorf("%w: unexpected field %q, files are accepted on %q", domain.ErrLimit, file.FieldName, cfg.FieldName))
	}
	if cfg.MaxFiles > 0 && s.admitted >= cfg.MaxFiles {
		return domain.NewFileError(domain.KindLimit, index, file,
			fmt.Errorf("%w: more than %d files", domain.ErrLimit, cfg.MaxFiles))
	}
	return nil
}

func (s *session) requestContextLocked() domain.RequestContext {
	fields := make(map[string]string, len(s.fields))
	for k, v := range s.fields {
		fields[k] = v
	}
	return domain.RequestContext{RequestID: s.id, Header: s.header, Fields: fields}
}

// recordFailure keeps every failure and remembers the earliest. A failure
// that affects the whole request cancels the other writers immediately.
func (s *session) recordFailure(ferr *domain.FileError) {
	s.mu.Lock()
	s.recordFailureLocked(ferr)
	s.mu.Unlock()

	if ferr.Kind.CancelsSiblings() {
		s.cancel(ferr)
	}
}

func (s *session) recordFailureLocked(ferr *domain.FileError) {
	s.failures = append(s.failures, ferr)
	if s.first == nil {
		s.first = ferr
	}
}

// abort cancels every writer of the session with cause.
func (s *session) abort(cause error) {
	s.cancel(cause)
}

// Wait seals the session, waits for its writers and builds the result. Later
// calls return the same result.
func (s *session) Wait() *domain.UploadResult {
	s.waitOnce.Do(func() {
		s.mu.Lock()
		s.sealed = true
		s.mu.Unlock()

		_ = s.group.Wait()
		s.result = s.finish()
		s.cancel(context.Canceled)
		s.svc.release(s)

		fields := []any{
			"request_id", s.id,
			"committed", len(s.result.Files),
			"failed", len(s.result.Failed),
			"rolled_back", len(s.result.RolledBack),
			"duration_ms", time.Since(s.started).Milliseconds(),
		}
		if s.result.Err != nil {
			logger.Warnw("Upload request finished with errors", append(fields, "error", s.result.Err.Error())...)
		} else {
			logger.Infow("Upload request finished", fields...)
		}
	})
	return s.result
}

func (s *session) finish() *domain.UploadResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &domain.UploadResult{
		RequestID: s.id,
		Files:     make([]*domain.StoredFileRecord, 0, len(s.records)),
	}
	for _, record := range s.records {
		if record != nil {
			result.Files = append(result.Files, record)
		}
	}

	if s.first == nil {
		return result
	}

	failures := append([]*domain.FileError(nil), s.failures...)
	sort.SliceStable(failures, func(i, j int) bool { return failures[i].Index < failures[j].Index })
	for _, f := range failures {
		result.Failed = append(result.Failed, f.Failure())
	}

	if s.svc.cfg.Policy() == domain.FailurePolicyRollback && len(result.Files) > 0 {
		result.Files, result.RolledBack = s.rollback(result.Files)
	}

	result.Err = &domain.UploadError{
		First:     s.first,
		Failed:    len(failures),
		Committed: len(result.Files),
	}
	return result
}

// rollback deletes committed files of a failed request. Files whose delete
// fails stay in kept.
func (s *session) rollback(committed []*domain.StoredFileRecord) (kept, removed []*domain.StoredFileRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.svc.cfg.CleanupTimeout())
	defer cancel()

	store, err := s.svc.env.stores.AwaitReady(ctx)
	if err != nil {
		logger.Errorw("Rollback skipped, store unavailable", "request_id", s.id, "error", err.Error())
		return committed, nil
	}

	workers := s.svc.cfg.RollbackWorkers
	if workers <= 0 {
		workers = 4
	}
	pool := resilience.NewWorkerPool(workers, len(committed))

	deleted := make([]bool, len(committed))
	for i, record := range committed {
		err := pool.Submit(ctx, func(ctx context.Context) error {
			if err := store.Delete(ctx, record.Bucket, record.ID); err != nil {
				return fmt.Errorf("delete %s/%s: %w", record.Bucket, record.ID, err)
			}
			deleted[i] = true
			return nil
		})
		if err != nil {
			logger.Warnw("Rollback job not scheduled", "request_id", s.id, "file_id", record.ID, "error", err.Error())
		}
	}
	pool.Close()
	if err := pool.Wait(); err != nil {
		logger.Errorw("Rollback incomplete", "request_id", s.id, "error", err.Error())
	}

	kept = make([]*domain.StoredFileRecord, 0, len(committed))
	for i, record := range committed {
		if deleted[i] {
			removed = append(removed, record)
		} else {
			kept = append(kept, record)
		}
	}
	logger.Infow("Committed files rolled back", "request_id", s.id, "removed", len(removed), "kept", len(kept))
	return kept, removed
}
