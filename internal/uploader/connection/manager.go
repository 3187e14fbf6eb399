package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anthanhphan/gridfs-upload/internal/uploader/domain"
	"github.com/anthanhphan/gridfs-upload/internal/uploader/port"
	"github.com/anthanhphan/gosdk/logger"
)

// Connector dials a store from a connection URL.
type Connector func(ctx context.Context, url string) (port.Store, error)

// Factory provides a store on first use.
type Factory func(ctx context.Context) (port.Store, error)

// Options select exactly one construction mode.
type Options struct {
	// Store is a pre-built, already usable handle. The caller keeps ownership.
	Store port.Store

	// URL is dialed with Connector as soon as the manager is created.
	URL       string
	Connector Connector

	// Factory is invoked once, on the first AwaitReady.
	Factory Factory

	// ConnectTimeout bounds the URL or factory connect. Zero means no bound.
	ConnectTimeout time.Duration

	// Name identifies the storage target in logs.
	Name string
}

func (o Options) validate() error {
	modes := 0
	if o.Store != nil {
		modes++
	}
	if o.URL != "" {
		modes++
		if o.Connector == nil {
			return domain.ConfigError("url %q given without a connector", o.URL)
		}
	}
	if o.Factory != nil {
		modes++
	}

	switch modes {
	case 0:
		return domain.ConfigError("one of store, url or factory is required")
	case 1:
		return nil
	default:
		return domain.ConfigError("store, url and factory are mutually exclusive")
	}
}

// Manager owns one storage connection and gates every writer on it.
type Manager struct {
	name    string
	timeout time.Duration
	connect func(ctx context.Context) (port.Store, error)
	owned   bool

	startOnce sync.Once
	settled   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	// connectCtx is cancelled by Close to abandon a connect in progress.
	connectCtx    context.Context
	cancelConnect context.CancelFunc

	mu    sync.Mutex
	state domain.ConnectionState
	store port.Store
	err   error
}

// New validates opts and creates a manager. In URL mode the connect starts
// immediately in the background.
func New(opts Options) (*Manager, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	name := opts.Name
	if name == "" {
		name = "default"
	}

	connectCtx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		name:          name,
		timeout:       opts.ConnectTimeout,
		settled:       make(chan struct{}),
		closed:        make(chan struct{}),
		connectCtx:    connectCtx,
		cancelConnect: cancel,
		state:         domain.ConnectionPending,
	}

	switch {
	case opts.Store != nil:
		m.startOnce.Do(func() {})
		m.settle(opts.Store, nil)
	case opts.URL != "":
		m.owned = true
		m.connect = func(ctx context.Context) (port.Store, error) {
			return opts.Connector(ctx, opts.URL)
		}
		m.start()
	default:
		m.owned = true
		m.connect = opts.Factory
	}

	return m, nil
}

// start runs the single connect attempt of this manager.
func (m *Manager) start() {
	m.startOnce.Do(func() {
		m.mu.Lock()
		if m.state == domain.ConnectionPending {
			m.state = domain.ConnectionConnecting
		}
		m.mu.Unlock()

		logger.Infow("Storage connection starting", "storage", m.name)
		go func() {
			ctx := m.connectCtx
			if m.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, m.timeout)
				defer cancel()
			}

			store, err := m.connect(ctx)
			if err == nil && store == nil {
				err = fmt.Errorf("connect returned no store")
			}
			m.settle(store, err)
		}()
	})
}

// settle records the one outcome of the connect.
func (m *Manager) settle(store port.Store, err error) {
	m.mu.Lock()
	closed := m.state == domain.ConnectionClosed
	switch {
	case closed:
		if err == nil {
			m.store = store
		}
	case err != nil:
		m.state = domain.ConnectionErrored
		m.err = fmt.Errorf("%w: %s: %v", domain.ErrConnection, m.name, err)
	default:
		m.state = domain.ConnectionReady
		m.store = store
	}
	m.mu.Unlock()
	close(m.settled)

	switch {
	case closed:
		if err == nil && m.owned {
			// Close already ran; nobody else will release this handle.
			_ = m.disconnect(context.Background(), store)
		}
	case err != nil:
		logger.Errorw("Storage connection failed", "storage", m.name, "error", err.Error())
	default:
		logger.Infow("Storage connection ready", "storage", m.name)
	}
}

// AwaitReady blocks until the connection is usable. Every caller observes the
// same outcome; a failed connect is returned to all of them.
func (m *Manager) AwaitReady(ctx context.Context) (port.Store, error) {
	select {
	case <-m.closed:
		return nil, domain.ErrManagerClosed
	default:
	}

	m.start()

	select {
	case <-m.closed:
		return nil, domain.ErrManagerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.settled:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case domain.ConnectionReady:
		return m.store, nil
	case domain.ConnectionClosed:
		return nil, domain.ErrManagerClosed
	default:
		return nil, m.err
	}
}

// State returns the current connection state.
func (m *Manager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Settled is closed once the connect attempt finished, successfully or not.
func (m *Manager) Settled() <-chan struct{} {
	return m.settled
}

// Close marks the manager closed, wakes pending waiters with
// ErrManagerClosed and disconnects a handle the manager created. Repeated
// calls return nil and do nothing.
func (m *Manager) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.state = domain.ConnectionClosed
		store := m.store
		m.mu.Unlock()

		close(m.closed)
		m.cancelConnect()

		if store != nil && m.owned {
			err = m.disconnect(ctx, store)
		}
		logger.Infow("Storage connection closed", "storage", m.name)
	})
	return err
}

func (m *Manager) disconnect(ctx context.Context, store port.Store) error {
	if err := store.Disconnect(ctx); err != nil {
		logger.Warnw("Storage disconnect failed", "storage", m.name, "error", err.Error())
		return fmt.Errorf("disconnect %s: %w", m.name, err)
	}
	return nil
}
