package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anthanhphan/gridfs-upload/internal/uploader/config"
	"github.com/anthanhphan/gridfs-upload/internal/uploader/domain"
	"github.com/anthanhphan/gridfs-upload/internal/uploader/port"
	"github.com/anthanhphan/gridfs-upload/pkg/resilience"
	"github.com/anthanhphan/gosdk/logger"
)

// ErrShuttingDown rejects requests that arrive after Shutdown started.
var ErrShuttingDown = fmt.Errorf("%w: service shutting down", domain.ErrCancelled)

// RequestIDs allocates request identifiers.
type RequestIDs interface {
	NextID() (string, error)
}

// StoreGate is the storage connection as seen by the service.
type StoreGate interface {
	StoreProvider
	State() domain.ConnectionState
}

// UploadServiceImpl accepts upload requests and runs one writer per file.
type UploadServiceImpl struct {
	cfg      config.UploadConfig
	gate     StoreGate
	ids      RequestIDs
	observer Observer
	env      *writerEnv
	registry *registry

	mu       sync.Mutex
	closing  bool
	inFlight sync.WaitGroup
}

// Ensure UploadServiceImpl implements port.UploadService.
var _ port.UploadService = (*UploadServiceImpl)(nil)

// NewUploadService builds the service. A nil observer disables metrics.
func NewUploadService(cfg config.UploadConfig, gate StoreGate, resolver *MetadataResolver, ids RequestIDs, observer Observer) *UploadServiceImpl {
	if observer == nil {
		observer = nopObserver{}
	}

	bufferSize := cfg.Buffer()
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "chunk-store",
		FailureThreshold: 5,
		OpenTimeout:      5 * time.Second,
		OnStateChange: func(name string, from, to resilience.CircuitBreakerState) {
			logger.Warnw("Store circuit breaker changed state", "breaker", name, "from", string(from), "to", string(to))
		},
	})

	return &UploadServiceImpl{
		cfg:      cfg,
		gate:     gate,
		ids:      ids,
		observer: observer,
		registry: newRegistry(),
		env: &writerEnv{
			resolver:       resolver,
			stores:         gate,
			breaker:        breaker,
			cleanupTimeout: cfg.CleanupTimeout(),
			observer:       observer,
			pool: &sync.Pool{
				New: func() interface{} {
					// One copy buffer per streaming writer.
					b := make([]byte, bufferSize)
					return &b
				},
			},
		},
	}
}

// Begin opens a session. The request ID of rc is kept when set, otherwise
// one is allocated.
func (s *UploadServiceImpl) Begin(ctx context.Context, rc domain.RequestContext) (port.UploadSession, error) {
	return s.begin(ctx, rc)
}

func (s *UploadServiceImpl) begin(ctx context.Context, rc domain.RequestContext) (*session, error) {
	if rc.RequestID == "" {
		id, err := s.ids.NextID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate request id: %w", err)
		}
		rc.RequestID = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, ErrShuttingDown
	}

	sess := newSession(ctx, s, rc)
	if !s.registry.add(sess) {
		sess.cancel(context.Canceled)
		return nil, fmt.Errorf("request %s is already in flight", rc.RequestID)
	}
	s.inFlight.Add(1)
	s.observer.RequestStarted()

	logger.Infow("Upload request started", "request_id", sess.id)
	return sess, nil
}

// release is called once by a finished session.
func (s *UploadServiceImpl) release(sess *session) {
	s.registry.remove(sess)
	s.observer.RequestFinished(sess.result)
	s.inFlight.Done()
}

// Handle uploads every file of req concurrently. The returned error is the
// result's *domain.UploadError when any file failed.
func (s *UploadServiceImpl) Handle(ctx context.Context, req *domain.UploadRequest) (*domain.UploadResult, error) {
	sess, err := s.begin(ctx, req.Context)
	if err != nil {
		return nil, err
	}

	for _, file := range req.Files {
		if err := sess.Add(file); err != nil && errors.Is(err, ErrSessionSealed) {
			break
		}
	}

	result := sess.Wait()
	if result.Err != nil {
		return result, result.Err
	}
	return result, nil
}

// Cancel aborts the in-flight request requestID.
func (s *UploadServiceImpl) Cancel(requestID string) bool {
	sess, ok := s.registry.get(requestID)
	if !ok {
		return false
	}

	logger.Infow("Upload request cancelled", "request_id", requestID)
	sess.abort(fmt.Errorf("%w: request %s cancelled", domain.ErrCancelled, requestID))
	return true
}

// InFlight returns the IDs of the requests currently running.
func (s *UploadServiceImpl) InFlight() []string {
	return s.registry.ids()
}

func (s *UploadServiceImpl) ConnectionState() domain.ConnectionState {
	return s.gate.State()
}

// Shutdown rejects new requests, cancels the running ones and waits until
// they released their resources or ctx ends.
func (s *UploadServiceImpl) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	sessions := s.registry.all()
	for _, sess := range sessions {
		sess.abort(ErrShuttingDown)
	}
	logger.Infow("Upload service shutting down", "in_flight", len(sessions))

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("upload service shutdown: %w", ctx.Err())
	}
}
