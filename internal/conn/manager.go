// Package conn manages the CLI-side connection to the daemon. Binding
// discovers the daemon's control port, spawns the daemon when it is not
// running, and watches the event stream to detect a lost daemon.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pocketmint-io/pocketmint/internal/config"
	"github.com/pocketmint-io/pocketmint/internal/eventbus"
)

// State describes the manager's relationship to the daemon.
type State string

const (
	StateUnbound State = "unbound"
	StateBinding State = "binding"
	StateBound   State = "bound"
	StateLost    State = "lost"
)

var (
	// ErrBindFailed indicates the daemon could not be reached within the
	// bind retry window.
	ErrBindFailed = errors.New("conn: could not bind to daemon")

	// ErrNotBound indicates an operation that requires a bound daemon.
	ErrNotBound = errors.New("conn: daemon not bound")
)

// Spawner launches the daemon process. It returns once the process has
// been handed to the OS, not once the daemon is ready.
type Spawner func(ctx context.Context) error

// Bind retry schedule: four probes spaced 5s, 5s and 3s apart, so the
// whole window closes after roughly thirteen seconds.
var defaultRetryDelays = []time.Duration{5 * time.Second, 5 * time.Second, 3 * time.Second}

const probeTimeout = 2 * time.Second

// Options configures a Manager.
type Options struct {
	// Paths locates the instance's port file.
	Paths config.InstancePaths

	// Token is attached to every daemon request.
	Token string

	// Spawn launches the daemon when the first probe fails. Nil disables
	// spawning.
	Spawn Spawner

	// RetryDelays overrides the bind retry schedule.
	RetryDelays []time.Duration

	// Bus receives connection state events. Optional.
	Bus *eventbus.Bus

	// Logger defaults to the standard logger.
	Logger *log.Logger
}

// Manager tracks a single daemon connection. Bind is idempotent; callers
// observe the outcome through WaitBound and the event bus.
type Manager struct {
	opts        Options
	logger      *log.Logger
	retryDelays []time.Duration

	mu          sync.Mutex
	state       State
	handle      *Handle
	lastErr     error
	bindDone    chan struct{}
	watchCancel context.CancelFunc
}

// NewManager creates a manager in the unbound state.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	delays := opts.RetryDelays
	if delays == nil {
		delays = defaultRetryDelays
	}
	return &Manager{
		opts:        opts,
		logger:      logger,
		retryDelays: delays,
		state:       StateUnbound,
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Handle returns the bound daemon handle.
func (m *Manager) Handle() (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateBound || m.handle == nil {
		return nil, ErrNotBound
	}
	return m.handle, nil
}

// Bind starts an asynchronous bind attempt. Calling Bind while a bind is
// in flight or the daemon is already bound is a no-op.
func (m *Manager) Bind(ctx context.Context) {
	m.mu.Lock()
	if m.state == StateBound || m.state == StateBinding {
		m.mu.Unlock()
		return
	}
	m.state = StateBinding
	m.lastErr = nil
	done := make(chan struct{})
	m.bindDone = done
	m.mu.Unlock()

	m.publishState(ctx, StateBinding, "")
	go m.bind(ctx, done)
}

// WaitBound blocks until the current bind attempt resolves. When no bind
// is in flight one is started. Returns nil once bound.
func (m *Manager) WaitBound(ctx context.Context) error {
	m.Bind(ctx)

	m.mu.Lock()
	if m.state == StateBound {
		m.mu.Unlock()
		return nil
	}
	done := m.bindDone
	m.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateBound {
		return nil
	}
	if m.lastErr != nil {
		return m.lastErr
	}
	return ErrBindFailed
}

// Close drops the connection and stops the event watcher. The daemon
// itself keeps running.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel := m.watchCancel
	m.watchCancel = nil
	m.handle = nil
	m.state = StateUnbound
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (m *Manager) bind(ctx context.Context, done chan struct{}) {
	defer close(done)

	spawned := false
	for attempt := 1; ; attempt++ {
		handle, err := m.tryConnect(ctx)
		if err == nil {
			m.becomeBound(ctx, handle)
			return
		}
		m.logger.Printf("[ConnManager] bind attempt %d failed: %v", attempt, err)

		if !spawned && m.opts.Spawn != nil {
			spawned = true
			m.logger.Printf("[ConnManager] daemon not reachable, spawning")
			if spawnErr := m.opts.Spawn(ctx); spawnErr != nil {
				m.logger.Printf("[ConnManager] spawn failed: %v", spawnErr)
			}
		}

		if attempt > len(m.retryDelays) {
			m.failBind(ctx, fmt.Errorf("%w after %d attempts: %v", ErrBindFailed, attempt, err))
			return
		}

		select {
		case <-ctx.Done():
			m.failBind(ctx, ctx.Err())
			return
		case <-time.After(m.retryDelays[attempt-1]):
		}
	}
}

func (m *Manager) tryConnect(ctx context.Context) (*Handle, error) {
	port, err := readPortFile(m.opts.Paths.PortFile)
	if err != nil {
		return nil, err
	}

	handle := NewHandle(fmt.Sprintf("http://127.0.0.1:%d", port), m.opts.Token)

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := handle.Healthz(probeCtx); err != nil {
		return nil, fmt.Errorf("health probe: %w", err)
	}
	return handle, nil
}

func (m *Manager) becomeBound(ctx context.Context, handle *Handle) {
	watchCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.state = StateBound
	m.handle = handle
	m.lastErr = nil
	if m.watchCancel != nil {
		m.watchCancel()
	}
	m.watchCancel = cancel
	m.mu.Unlock()

	m.logger.Printf("[ConnManager] bound to daemon at %s", handle.BaseURL())
	m.publishState(ctx, StateBound, handle.BaseURL())
	go m.watch(watchCtx, handle)
}

func (m *Manager) failBind(ctx context.Context, err error) {
	m.mu.Lock()
	m.state = StateUnbound
	m.lastErr = err
	m.mu.Unlock()

	m.publishState(ctx, StateUnbound, err.Error())
}

// watch holds the event stream open. A stream that ends without Close
// being called means the daemon went away.
func (m *Manager) watch(ctx context.Context, handle *Handle) {
	stream, err := handle.Events(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.markLost(fmt.Errorf("event stream: %w", err))
		}
		return
	}
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-stream.C():
			if !ok {
				if ctx.Err() == nil {
					m.markLost(stream.Err())
				}
				return
			}
		}
	}
}

func (m *Manager) markLost(cause error) {
	m.mu.Lock()
	if m.state != StateBound {
		m.mu.Unlock()
		return
	}
	m.state = StateLost
	m.handle = nil
	m.watchCancel = nil
	m.mu.Unlock()

	detail := "daemon connection lost"
	if cause != nil {
		detail = cause.Error()
	}
	m.logger.Printf("[ConnManager] %s", detail)
	m.publishState(context.Background(), StateLost, detail)
}

func (m *Manager) publishState(ctx context.Context, state State, detail string) {
	eventbus.Publish(ctx, m.opts.Bus, eventbus.Conn.State, eventbus.SourceConnManager,
		eventbus.ConnStateEvent{State: string(state), Detail: detail})
}

// readPortFile parses the daemon's advertised control port.
func readPortFile(path string) (int, error) {
	if path == "" {
		return 0, fmt.Errorf("conn: port file path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("conn: read port file: %w", err)
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("conn: invalid port file contents %q", strings.TrimSpace(string(data)))
	}
	return port, nil
}
