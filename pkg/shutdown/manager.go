// Package shutdown runs a set of long lived components together and stops
// them together.
//
// On SIGTERM, SIGINT or SIGQUIT, or when any component returns an error, the
// shared context is canceled and every component is expected to return.
// Cleanups then run in reverse registration order, each bounded by the
// cleanup timeout.
package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultCleanupTimeout bounds each cleanup function.
const DefaultCleanupTimeout = 5 * time.Second

// Server represents any component that runs until its context is canceled.
type Server interface {
	Run(context.Context) error
}

// ServerFunc adapts a function to Server.
type ServerFunc func(context.Context) error

func (f ServerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// CleanupFunc releases a resource after every server stopped.
type CleanupFunc func(context.Context) error

// CloseFunc adapts an io.Closer style method.
func CloseFunc(closeFn func() error) CleanupFunc {
	return func(context.Context) error { return closeFn() }
}

type serverEntry struct {
	name   string
	server Server
}

type cleanupEntry struct {
	name    string
	cleanup CleanupFunc
}

// Manager coordinates startup and shutdown of servers and cleanups.
type Manager struct {
	servers        []serverEntry
	cleanups       []cleanupEntry
	signals        []os.Signal
	cleanupTimeout time.Duration
	log            logrus.FieldLogger
}

// NewManager creates a new shutdown manager with default OS signals.
func NewManager(log logrus.FieldLogger) *Manager {
	return &Manager{
		// syscall.SIGHUP is left to the process default
		signals:        []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT},
		cleanupTimeout: DefaultCleanupTimeout,
		log:            log,
	}
}

// AddServer registers a server. Servers start in parallel.
func (m *Manager) AddServer(name string, server Server) *Manager {
	m.servers = append(m.servers, serverEntry{name: name, server: server})
	return m
}

// AddCleanup registers a cleanup. Cleanups run in reverse order (LIFO) after
// all servers stop.
func (m *Manager) AddCleanup(name string, cleanup CleanupFunc) *Manager {
	m.cleanups = append(m.cleanups, cleanupEntry{name: name, cleanup: cleanup})
	return m
}

// WithSignals overrides the default OS signals to listen for.
func (m *Manager) WithSignals(signals ...os.Signal) *Manager {
	m.signals = signals
	return m
}

// WithCleanupTimeout overrides DefaultCleanupTimeout. Non-positive values are ignored.
func (m *Manager) WithCleanupTimeout(timeout time.Duration) *Manager {
	if timeout > 0 {
		m.cleanupTimeout = timeout
	}
	return m
}

// Run starts all servers and blocks until they have all returned, then runs
// the cleanups. A signal or context cancellation is a normal shutdown and
// returns nil; otherwise the first server error is returned.
func (m *Manager) Run(ctx context.Context) error {
	if len(m.servers) == 0 {
		return errors.New("no servers configured")
	}

	ctx, stop := signal.NotifyContext(ctx, m.signals...)
	defer stop()
	defer m.cleanup()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, entry := range m.servers {
		group.Go(func() error {
			log := m.log.WithField("server", entry.name)
			log.Info("Starting server")
			if err := entry.server.Run(groupCtx); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				return NewServerError(entry.name, err)
			}
			log.Info("Server stopped")
			// a server returning early takes the others down with it
			if groupCtx.Err() == nil {
				return NewServerError(entry.name, errStoppedEarly)
			}
			return nil
		})
	}

	err := group.Wait()
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		m.log.Info("Servers stopped due to shutdown signal")
		return nil
	default:
		m.log.WithError(err).Error("Server stopped with error")
		return err
	}
}

var errStoppedEarly = errors.New("stopped before shutdown was requested")

func (m *Manager) cleanup() {
	for i := len(m.cleanups) - 1; i >= 0; i-- {
		entry := m.cleanups[i]
		ctx, cancel := context.WithTimeout(context.Background(), m.cleanupTimeout)
		if err := entry.cleanup(ctx); err != nil {
			m.log.WithError(err).Errorf("Cleanup error for %s", entry.name)
		}
		cancel()
	}
}

// ServerError wraps an error with server identification.
type ServerError struct {
	ServerName string
	Err        error
}

func NewServerError(serverName string, err error) *ServerError {
	return &ServerError{ServerName: serverName, Err: err}
}

func (e *ServerError) Error() string {
	return e.ServerName + " server: " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
