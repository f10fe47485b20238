// Package controller drives the mint service lifecycle from the CLI
// side: configuration handling, daemon binding, engine start and stop,
// and mode switches between plain and hidden operation.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pocketmint-io/pocketmint/internal/config"
	"github.com/pocketmint-io/pocketmint/internal/conn"
	"github.com/pocketmint-io/pocketmint/internal/eventbus"
	"github.com/pocketmint-io/pocketmint/internal/mint"
	"github.com/pocketmint-io/pocketmint/internal/onion"
	"github.com/pocketmint-io/pocketmint/internal/store"
)

// Store is the subset of the account store the controller needs.
type Store interface {
	GetIdentity(ctx context.Context) (mint.OperatorIdentity, error)
	LastMode(ctx context.Context) (mint.Mode, error)
	SetLastMode(ctx context.Context, mode mint.Mode) error
}

// DaemonHandle is the daemon surface the controller drives. Satisfied by
// *conn.Handle.
type DaemonHandle interface {
	StartEngine(ctx context.Context, req conn.StartEngineRequest) error
	StopEngine(ctx context.Context) error
	EngineStatus(ctx context.Context) (mint.ServiceStatus, error)
	OnionAddress(ctx context.Context) (string, error)
}

// BindFunc resolves a bound daemon handle, spawning and waiting for the
// daemon as its wiring dictates.
type BindFunc func(ctx context.Context) (DaemonHandle, error)

// Timing groups the controller's delay knobs. Production code uses
// DefaultTiming; tests compress the intervals.
type Timing struct {
	// SettleDelay is the pause between stop and start during a mode
	// switch, giving the engine time to release its listeners.
	SettleDelay time.Duration

	// Address acquisition polling for hidden mode.
	AcquireInterval      time.Duration
	AcquireMaxAttempts   int
	AcquireProgressEvery int
}

// DefaultTiming returns the production delays.
func DefaultTiming() Timing {
	return Timing{
		SettleDelay:          5 * time.Second,
		AcquireInterval:      onion.DefaultInterval,
		AcquireMaxAttempts:   onion.DefaultMaxAttempts,
		AcquireProgressEvery: onion.DefaultProgressEvery,
	}
}

// Options configures a Controller.
type Options struct {
	// ConfigPath locates the engine configuration file.
	ConfigPath string

	// Store provides the operator identity and mode preference.
	Store Store

	// Bind resolves the daemon connection.
	Bind BindFunc

	// Timing defaults to DefaultTiming when zero.
	Timing Timing

	// Bus receives lifecycle events. Optional.
	Bus *eventbus.Bus

	// Logger defaults to the standard logger.
	Logger *log.Logger
}

// StartResult reports the outcome of a start request. Generation tags
// the start cycle; events carrying an older generation are stale.
type StartResult struct {
	Status     mint.ServiceStatus
	Generation uint64
}

// Controller serialises lifecycle operations on a single mint instance.
type Controller struct {
	opts   Options
	timing Timing
	logger *log.Logger

	opMu       sync.Mutex
	generation atomic.Uint64

	acquireMu     sync.Mutex
	acquireCancel context.CancelFunc
}

// New validates opts and creates a controller.
func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("controller: store is required")
	}
	if opts.Bind == nil {
		return nil, fmt.Errorf("controller: bind func is required")
	}
	if opts.ConfigPath == "" {
		return nil, fmt.Errorf("controller: config path is required")
	}

	timing := opts.Timing
	defaults := DefaultTiming()
	if timing.SettleDelay <= 0 {
		timing.SettleDelay = defaults.SettleDelay
	}
	if timing.AcquireInterval <= 0 {
		timing.AcquireInterval = defaults.AcquireInterval
	}
	if timing.AcquireMaxAttempts <= 0 {
		timing.AcquireMaxAttempts = defaults.AcquireMaxAttempts
	}
	if timing.AcquireProgressEvery <= 0 {
		timing.AcquireProgressEvery = defaults.AcquireProgressEvery
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Controller{opts: opts, timing: timing, logger: logger}, nil
}

// RequestStart starts the mint in the given mode. Returns ErrBusy when
// another lifecycle operation is in flight.
func (c *Controller) RequestStart(ctx context.Context, mode mint.Mode) (StartResult, error) {
	if !c.opMu.TryLock() {
		return StartResult{}, ErrBusy
	}
	defer c.opMu.Unlock()

	return c.doStart(ctx, mode)
}

// RequestStop stops the mint. Stopping an already stopped mint is a
// no-op. Returns ErrBusy when another lifecycle operation is in flight.
func (c *Controller) RequestStop(ctx context.Context) error {
	if !c.opMu.TryLock() {
		return ErrBusy
	}
	defer c.opMu.Unlock()

	return c.doStop(ctx)
}

// RequestModeSwitch stops the mint, waits for the settle delay, and
// starts it in the requested mode. Switching a stopped mint just starts
// it; switching to the current mode is a no-op.
func (c *Controller) RequestModeSwitch(ctx context.Context, mode mint.Mode) (StartResult, error) {
	if !c.opMu.TryLock() {
		return StartResult{}, ErrBusy
	}
	defer c.opMu.Unlock()

	if !mode.Valid() {
		return StartResult{}, fmt.Errorf("controller: invalid mode %q", mode)
	}

	status, err := c.currentStatus(ctx)
	if err == nil && status.Running() {
		if status.Mode == mode {
			return StartResult{Status: status, Generation: c.generation.Load()}, nil
		}

		if err := c.doStop(ctx); err != nil {
			return StartResult{}, fmt.Errorf("controller: stop before mode switch: %w", err)
		}

		c.logger.Printf("[Controller] settling %s before restart in %s mode",
			c.timing.SettleDelay, mode)
		select {
		case <-ctx.Done():
			return StartResult{}, ctx.Err()
		case <-time.After(c.timing.SettleDelay):
		}
	}

	return c.doStart(ctx, mode)
}

// Status reports the current engine status. An unreachable daemon means
// a stopped mint, not an error.
func (c *Controller) Status(ctx context.Context) (mint.ServiceStatus, error) {
	status, err := c.currentStatus(ctx)
	if err != nil {
		return mint.ServiceStatus{State: mint.StateStopped}, nil
	}
	return status, nil
}

// Generation returns the current start generation.
func (c *Controller) Generation() uint64 {
	return c.generation.Load()
}

func (c *Controller) currentStatus(ctx context.Context) (mint.ServiceStatus, error) {
	handle, err := c.opts.Bind(ctx)
	if err != nil {
		return mint.ServiceStatus{}, err
	}
	return handle.EngineStatus(ctx)
}

func (c *Controller) doStart(ctx context.Context, mode mint.Mode) (StartResult, error) {
	if !mode.Valid() {
		return StartResult{}, fmt.Errorf("controller: invalid mode %q", mode)
	}

	cfg, err := c.loadOrInitConfig()
	if err != nil {
		return StartResult{}, err
	}

	identity, err := c.opts.Store.GetIdentity(ctx)
	if err != nil {
		if store.IsNotFound(err) {
			return StartResult{}, ErrNoIdentity
		}
		return StartResult{}, fmt.Errorf("controller: load identity: %w", err)
	}

	handle, err := c.opts.Bind(ctx)
	if err != nil {
		return StartResult{}, &ReasonError{
			Reason: mint.ReasonBindFailed,
			Err:    fmt.Errorf("controller: bind daemon: %w", err),
		}
	}

	if status, err := handle.EngineStatus(ctx); err == nil && status.Running() {
		return StartResult{}, ErrAlreadyRunning
	}

	generation := c.generation.Add(1)
	opID := uuid.NewString()

	err = handle.StartEngine(ctx, conn.StartEngineRequest{
		Config:   cfg,
		Identity: identity,
		Mode:     mode,
	})
	if err != nil {
		return StartResult{}, err
	}

	if err := c.opts.Store.SetLastMode(ctx, mode); err != nil {
		c.logger.Printf("[Controller] persist last mode: %v", err)
	}

	status, err := handle.EngineStatus(ctx)
	if err != nil {
		status = mint.ServiceStatus{Mode: mode, State: mint.StateStarting}
	}
	c.publishStatus(ctx, status, generation, opID)
	c.logger.Printf("[Controller] mint started in %s mode (generation %d, op %s)", mode, generation, opID)

	if mode == mint.ModeHidden {
		c.launchAcquirer(handle, generation)
	}

	return StartResult{Status: status, Generation: generation}, nil
}

func (c *Controller) doStop(ctx context.Context) error {
	c.stopAcquirer()

	handle, err := c.opts.Bind(ctx)
	if err != nil {
		// No reachable daemon means no running mint.
		c.logger.Printf("[Controller] stop with unreachable daemon: %v", err)
		return nil
	}

	if err := handle.StopEngine(ctx); err != nil {
		return fmt.Errorf("controller: stop engine: %w", err)
	}

	c.publishStatus(ctx, mint.ServiceStatus{State: mint.StateStopped}, c.generation.Load(), uuid.NewString())
	c.logger.Printf("[Controller] mint stopped")
	return nil
}

// loadOrInitConfig loads the engine configuration. A missing file is
// replaced with defaults; a corrupted file is removed and surfaced as a
// reconfigure-required failure rather than silently patched.
func (c *Controller) loadOrInitConfig() (config.EngineConfig, error) {
	cfg, err := config.Load(c.opts.ConfigPath)
	if err == nil {
		return cfg, nil
	}

	if errors.Is(err, config.ErrNotFound) {
		cfg = config.Default()
		if saveErr := config.Save(c.opts.ConfigPath, cfg); saveErr != nil {
			return config.EngineConfig{}, fmt.Errorf("controller: write default config: %w", saveErr)
		}
		c.logger.Printf("[Controller] no engine config found, wrote defaults to %s", c.opts.ConfigPath)
		return cfg, nil
	}

	if errors.Is(err, config.ErrCorrupted) {
		if removeErr := config.Remove(c.opts.ConfigPath); removeErr != nil {
			c.logger.Printf("[Controller] remove corrupted config: %v", removeErr)
		}
		c.logger.Printf("[Controller] engine config corrupted, removed: %v", err)
		return config.EngineConfig{}, &ReasonError{
			Reason: mint.ReasonReconfigureNeeded,
			Err:    fmt.Errorf("controller: engine config was corrupted and has been removed, run init again: %w", err),
		}
	}

	return config.EngineConfig{}, fmt.Errorf("controller: load config: %w", err)
}

// launchAcquirer polls for the hidden-service address in the background.
// A previous acquirer, if any, is cancelled first.
func (c *Controller) launchAcquirer(handle DaemonHandle, generation uint64) {
	acquirer, err := onion.New(onion.Options{
		Status:        handle.OnionAddress,
		Interval:      c.timing.AcquireInterval,
		MaxAttempts:   c.timing.AcquireMaxAttempts,
		ProgressEvery: c.timing.AcquireProgressEvery,
		Bus:           c.opts.Bus,
		Logger:        c.logger,
	})
	if err != nil {
		c.logger.Printf("[Controller] acquirer setup: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.acquireMu.Lock()
	if c.acquireCancel != nil {
		c.acquireCancel()
	}
	c.acquireCancel = cancel
	c.acquireMu.Unlock()

	go func() {
		defer cancel()

		_, err := acquirer.Acquire(ctx, generation)
		if !errors.Is(err, onion.ErrTimeout) {
			return
		}
		if c.generation.Load() != generation {
			return
		}
		// The mint keeps serving; only the address remains unknown.
		c.publishStatus(ctx, mint.ServiceStatus{
			Mode:      mint.ModeHidden,
			State:     mint.StateRunning,
			Reason:    mint.ReasonAddressUnavailable,
			LastError: "hidden service address not published in time",
		}, generation, uuid.NewString())
	}()
}

func (c *Controller) stopAcquirer() {
	c.acquireMu.Lock()
	cancel := c.acquireCancel
	c.acquireCancel = nil
	c.acquireMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (c *Controller) publishStatus(ctx context.Context, status mint.ServiceStatus, generation uint64, opID string) {
	eventbus.PublishWithOpts(ctx, c.opts.Bus, eventbus.Engine.Status, eventbus.SourceController,
		eventbus.EngineStatusEvent{Status: status, Generation: generation},
		eventbus.WithCorrelationID(opID))
}
