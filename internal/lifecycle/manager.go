package lifecycle

import (
	"context"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// Manager closes the resources an app owns in reverse registration order.
type Manager struct {
	mu        sync.Mutex
	resources []resource
	closed    bool
	logger    zerolog.Logger
}

type resource struct {
	name   string
	closer io.Closer
}

// NewManager creates a new resource lifecycle manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		resources: make([]resource, 0),
		logger:    log,
	}
}

// Register adds a resource to be closed when the manager is closed.
// Resources are closed in reverse order of registration (LIFO).
func (m *Manager) Register(name string, closer io.Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = append(m.resources, resource{name: name, closer: closer})
}

// RegisterFunc wraps a cleanup function as a Closer for convenience.
func (m *Manager) RegisterFunc(name string, fn func() error) {
	m.Register(name, closerFunc(fn))
}

// RegisterShutdown registers a context-aware stop function, such as
// (*http.Server).Shutdown. ctx bounds it when the manager closes.
func (m *Manager) RegisterShutdown(ctx context.Context, name string, fn func(context.Context) error) {
	m.RegisterFunc(name, func() error { return fn(ctx) })
}

// Close closes all registered resources in reverse order, attempting every
// one, and returns the first error. Calling Close again is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	for i := len(m.resources) - 1; i >= 0; i-- {
		res := m.resources[i]
		if err := res.closer.Close(); err != nil {
			m.logger.Error().
				Err(err).
				Str("resource", res.name).
				Msg("lifecycle.close_resource_failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.logger.Debug().Str("resource", res.name).Msg("lifecycle.resource_closed")
	}

	return firstErr
}

// closerFunc adapts a function to the io.Closer interface.
type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
