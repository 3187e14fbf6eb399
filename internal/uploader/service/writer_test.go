package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anthanhphan/gridfs-upload/internal/uploader/adapter/outbound/memory"
	"github.com/anthanhphan/gridfs-upload/internal/uploader/domain"
	"github.com/anthanhphan/gridfs-upload/internal/uploader/port"
	"github.com/anthanhphan/gridfs-upload/internal/uploader/service/mocks"
	"github.com/anthanhphan/gridfs-upload/pkg/idgen"
	"github.com/anthanhphan/gridfs-upload/pkg/resilience"
)

// staticGate hands out one store, or one error, to every writer.
type staticGate struct {
	store port.Store
	err   error
}

func (g staticGate) AwaitReady(context.Context) (port.Store, error) {
	return g.store, g.err
}

func (g staticGate) State() domain.ConnectionState {
	if g.err != nil {
		return domain.ConnectionErrored
	}
	return domain.ConnectionReady
}

// closingReader records whether the writer released its source.
type closingReader struct {
	io.Reader
	closed atomic.Bool
}

func (r *closingReader) Close() error {
	r.closed.Store(true)
	return nil
}

func newTestEnv(t *testing.T, gate StoreProvider, resolvers ...Resolver) *writerEnv {
	t.Helper()

	namer, err := idgen.NewHexNamer(0, nil)
	require.NoError(t, err)

	return &writerEnv{
		resolver:       NewMetadataResolver(namer, resolvers...),
		stores:         gate,
		breaker:        resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "test"}),
		cleanupTimeout: time.Second,
		observer:       nopObserver{},
		pool: &sync.Pool{
			New: func() interface{} {
				b := make([]byte, 16)
				return &b
			},
		},
	}
}

func fileStream(field, name string, r io.Reader) domain.FileStream {
	return domain.FileStream{
		FileInfo: domain.FileInfo{FieldName: field, OriginalFilename: name, ContentType: "image/jpeg"},
		Stream:   r,
	}
}

func TestFileWriter_CommitTransitions(t *testing.T) {
	store := memory.NewStore()
	env := newTestEnv(t, staticGate{store: store}, Static{ChunkSizeBytes: 8})

	var states []domain.WriterState
	w := newFileWriter(env, 0, fileStream("photo", "a.jpg", bytes.NewReader([]byte("twenty-one bytes long"))),
		domain.RequestContext{RequestID: "r1"},
		writerEvents{onState: func(_ int, s domain.WriterState) { states = append(states, s) }},
	)

	record, ferr := w.run(context.Background())
	require.Nil(t, ferr)
	require.NotNil(t, record)

	assert.Equal(t, []domain.WriterState{
		domain.WriterMetadataResolved,
		domain.WriterConnecting,
		domain.WriterStreaming,
		domain.WriterCommitted,
	}, states)
	assert.Equal(t, "photo", record.FieldName)
	assert.Equal(t, int64(21), record.Grid.Length)
	assert.Equal(t, int32(8), record.Grid.ChunkSize)
	assert.Equal(t, "image/jpeg", record.Grid.ContentType)
	assert.Equal(t, 3, store.ChunkCount(domain.DefaultBucketName, record.ID))
}

func TestFileWriter_Failures(t *testing.T) {
	payload := []byte("hello world")

	type mockSetup func(store *mocks.MockStore, sink *mocks.MockChunkSink)

	tests := []struct {
		name     string
		source   io.Reader
		setup    mockSetup
		wantKind domain.ErrorKind
		wantErr  string
	}{
		{
			name:   "OpenWriteRejected",
			source: bytes.NewReader(payload),
			setup: func(store *mocks.MockStore, sink *mocks.MockChunkSink) {
				store.EXPECT().OpenWrite(gomock.Any(), gomock.Any()).Return(nil, errors.New("not primary"))
			},
			wantKind: domain.KindStore,
			wantErr:  "not primary",
		},
		{
			name:   "ChunkWriteRejectedIsAborted",
			source: bytes.NewReader(payload),
			setup: func(store *mocks.MockStore, sink *mocks.MockChunkSink) {
				store.EXPECT().OpenWrite(gomock.Any(), gomock.Any()).Return(sink, nil)
				sink.EXPECT().ID().Return("f1").AnyTimes()
				sink.EXPECT().Write(gomock.Any()).Return(0, errors.New("disk full"))
				sink.EXPECT().Abort(gomock.Any()).Return(nil)
			},
			wantKind: domain.KindStore,
			wantErr:  "disk full",
		},
		{
			name:   "FailedAbortFallsBackToDelete",
			source: io.MultiReader(bytes.NewReader(payload), errReader{errors.New("connection reset")}),
			setup: func(store *mocks.MockStore, sink *mocks.MockChunkSink) {
				store.EXPECT().OpenWrite(gomock.Any(), gomock.Any()).Return(sink, nil)
				sink.EXPECT().ID().Return("f1").AnyTimes()
				sink.EXPECT().Write(gomock.Any()).DoAndReturn(func(p []byte) (int, error) { return len(p), nil })
				sink.EXPECT().Abort(gomock.Any()).Return(errors.New("stream closed"))
				store.EXPECT().Delete(gomock.Any(), domain.DefaultBucketName, "f1").Return(nil)
			},
			wantKind: domain.KindStream,
			wantErr:  "connection reset",
		},
		{
			name:   "ChecksumMismatchDeletesCommittedFile",
			source: bytes.NewReader(payload),
			setup: func(store *mocks.MockStore, sink *mocks.MockChunkSink) {
				store.EXPECT().OpenWrite(gomock.Any(), gomock.Any()).Return(sink, nil)
				sink.EXPECT().ID().Return("f1").AnyTimes()
				sink.EXPECT().Write(gomock.Any()).DoAndReturn(func(p []byte) (int, error) { return len(p), nil })
				sink.EXPECT().Close().Return(&domain.GridFile{ID: "f1", Length: int64(len(payload)), MD5: "00ff"}, nil)
				store.EXPECT().Delete(gomock.Any(), domain.DefaultBucketName, "f1").Return(nil)
			},
			wantKind: domain.KindStore,
			wantErr:  "md5=00ff",
		},
		{
			name:   "CloseRejectedIsAborted",
			source: bytes.NewReader(payload),
			setup: func(store *mocks.MockStore, sink *mocks.MockChunkSink) {
				store.EXPECT().OpenWrite(gomock.Any(), gomock.Any()).Return(sink, nil)
				sink.EXPECT().ID().Return("f1").AnyTimes()
				sink.EXPECT().Write(gomock.Any()).DoAndReturn(func(p []byte) (int, error) { return len(p), nil })
				sink.EXPECT().Close().Return(nil, errors.New("write concern timeout"))
				sink.EXPECT().Abort(gomock.Any()).Return(nil)
			},
			wantKind: domain.KindStore,
			wantErr:  "write concern timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			store := mocks.NewMockStore(ctrl)
			sink := mocks.NewMockChunkSink(ctrl)
			tt.setup(store, sink)

			var states []domain.WriterState
			source := &closingReader{Reader: tt.source}
			w := newFileWriter(newTestEnv(t, staticGate{store: store}), 2, fileStream("photo", "a.jpg", source),
				domain.RequestContext{RequestID: "r1"},
				writerEvents{onState: func(_ int, s domain.WriterState) { states = append(states, s) }},
			)

			record, ferr := w.run(context.Background())
			assert.Nil(t, record)
			require.NotNil(t, ferr)
			assert.Equal(t, tt.wantKind, ferr.Kind)
			assert.Equal(t, 2, ferr.Index)
			assert.Equal(t, "photo", ferr.Field)
			assert.Equal(t, "a.jpg", ferr.Filename)
			assert.ErrorContains(t, ferr, tt.wantErr)
			assert.Equal(t, domain.WriterFailed, states[len(states)-1])
			assert.True(t, source.closed.Load(), "source must be released on failure")
		})
	}
}

func TestFileWriter_ConnectionError(t *testing.T) {
	gate := staticGate{err: domain.ErrManagerClosed}
	w := newFileWriter(newTestEnv(t, gate), 0, fileStream("f", "a.jpg", bytes.NewReader(nil)), domain.RequestContext{}, writerEvents{})

	_, ferr := w.run(context.Background())
	require.NotNil(t, ferr)
	assert.Equal(t, domain.KindConnection, ferr.Kind)
	assert.ErrorIs(t, ferr, domain.ErrConnection)
	assert.ErrorIs(t, ferr, domain.ErrManagerClosed)
}

func TestFileWriter_ResolverPanicIsScoped(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl) // never reached

	panicking := ResolverFunc(func(context.Context, domain.RequestContext, domain.FileInfo) (Overrides, error) {
		panic("boom")
	})
	w := newFileWriter(newTestEnv(t, staticGate{store: store}, panicking), 0, fileStream("f", "a.jpg", bytes.NewReader(nil)), domain.RequestContext{}, writerEvents{})

	_, ferr := w.run(context.Background())
	require.NotNil(t, ferr)
	assert.Equal(t, domain.KindResolution, ferr.Kind)
	assert.ErrorContains(t, ferr, "boom")
}

func TestFileWriter_CancelledWhileStreaming(t *testing.T) {
	store := memory.NewStore()
	env := newTestEnv(t, staticGate{store: store}, Static{ChunkSizeBytes: 4})

	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancelCause(context.Background())

	var failed atomic.Pointer[domain.FileError]
	w := newFileWriter(env, 0, fileStream("f", "slow.bin", pr), domain.RequestContext{RequestID: "r1"},
		writerEvents{onFail: func(e *domain.FileError) { failed.Store(e) }},
	)

	done := make(chan *domain.FileError, 1)
	go func() {
		_, ferr := w.run(ctx)
		done <- ferr
	}()

	_, err := pw.Write([]byte("0123456789"))
	require.NoError(t, err)
	cancel(errors.New("sibling failed"))

	var ferr *domain.FileError
	select {
	case ferr = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not react to cancellation")
	}

	require.NotNil(t, ferr)
	assert.Equal(t, domain.KindCancelled, ferr.Kind)
	assert.ErrorIs(t, ferr, domain.ErrCancelled)
	assert.ErrorContains(t, ferr, "sibling failed")
	assert.Same(t, ferr, failed.Load())
	assert.Zero(t, store.TotalChunks(domain.DefaultBucketName), "partial chunks must be removed")
	assert.Empty(t, store.Files(domain.DefaultBucketName))

	// The producer is released once the writer closed its end.
	_, err = pw.Write([]byte("more"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestFileWriter_BreakerFailsFast(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	// Default threshold of the test breaker is 3 failures.
	store.EXPECT().OpenWrite(gomock.Any(), gomock.Any()).Return(nil, errors.New("db down")).Times(3)

	env := newTestEnv(t, staticGate{store: store})
	for i := 0; i < 3; i++ {
		w := newFileWriter(env, i, fileStream("f", "a.jpg", bytes.NewReader(nil)), domain.RequestContext{}, writerEvents{})
		_, ferr := w.run(context.Background())
		require.NotNil(t, ferr)
		assert.ErrorContains(t, ferr, "db down")
	}

	w := newFileWriter(env, 3, fileStream("f", "a.jpg", bytes.NewReader(nil)), domain.RequestContext{}, writerEvents{})
	_, ferr := w.run(context.Background())
	require.NotNil(t, ferr)
	assert.Equal(t, domain.KindStore, ferr.Kind)
	assert.ErrorIs(t, ferr, resilience.ErrCircuitOpen)
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) {
	return 0, r.err
}
