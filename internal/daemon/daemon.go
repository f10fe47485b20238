// Package daemon wires the mint engine and the control API into a
// long-running background process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pocketmint-io/pocketmint/internal/bridge"
	"github.com/pocketmint-io/pocketmint/internal/config"
	"github.com/pocketmint-io/pocketmint/internal/eventbus"
	"github.com/pocketmint-io/pocketmint/internal/procutil"
	daemonruntime "github.com/pocketmint-io/pocketmint/internal/runtime"
	"github.com/pocketmint-io/pocketmint/internal/store"
	"github.com/pocketmint-io/pocketmint/internal/version"
)

// serviceOpTimeout bounds context deadlines for service lifecycle
// operations (graceful shutdown).
const serviceOpTimeout = 5 * time.Second

// Options groups dependencies required to construct a Daemon.
type Options struct {
	// Store is the instance's account store. Required.
	Store *store.Store

	// EngineLog receives the engine's stdout and stderr. Defaults to
	// io.Discard.
	EngineLog io.Writer

	// Logger defaults to the standard logger.
	Logger *log.Logger
}

// Daemon represents the main daemon process: the wasm mint engine plus
// the loopback control API.
type Daemon struct {
	store         *store.Store
	engine        *EngineService
	apiServer     *APIServer
	serviceHost   *daemonruntime.ServiceHost
	runtimeInfo   *RuntimeInfo
	lifecycle     *daemonruntime.Lifecycle
	instancePaths config.InstancePaths
	eventBus      *eventbus.Bus
	logger        *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	errMu  sync.Mutex
	runErr error
}

// New creates a daemon bound to the provided account store.
func New(opts Options) (*Daemon, error) {
	if opts.Store == nil {
		return nil, errors.New("daemon: account store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	paths := config.GetInstancePaths(opts.Store.InstanceName())
	bus := eventbus.New(eventbus.WithLogger(logger))

	gateway := bridge.New(bridge.Options{
		EngineDir: paths.EngineDir,
		LogOutput: opts.EngineLog,
		Logger:    logger,
	})
	engine := newEngineService(gateway, bus, logger)

	listenPort, err := opts.Store.ListenPort(context.Background())
	if err != nil {
		return nil, fmt.Errorf("daemon: load listen port: %w", err)
	}

	apiServer := newAPIServer(apiOptions{
		Engine:      engine,
		Tokens:      opts.Store,
		RuntimeInfo: &RuntimeInfo{},
		Bus:         bus,
		PortFile:    paths.PortFile,
		ListenPort:  listenPort,
		Version:     version.String(),
		Logger:      logger,
	})

	host := daemonruntime.NewServiceHost()
	if err := host.Register("engine", func(ctx context.Context) (daemonruntime.Service, error) {
		return engine, nil
	}); err != nil {
		return nil, err
	}
	if err := host.Register("api", func(ctx context.Context) (daemonruntime.Service, error) {
		return apiServer, nil
	}); err != nil {
		return nil, err
	}

	d := &Daemon{
		store:         opts.Store,
		engine:        engine,
		apiServer:     apiServer,
		serviceHost:   host,
		runtimeInfo:   apiServer.opts.RuntimeInfo,
		lifecycle:     daemonruntime.NewLifecycle(),
		instancePaths: paths,
		eventBus:      bus,
		logger:        logger,
	}

	apiServer.SetShutdownFunc(func(ctx context.Context) error {
		go func() {
			if err := d.Shutdown(); err != nil {
				logger.Printf("[Daemon] shutdown via API returned error: %v", err)
			}
		}()
		return nil
	})

	return d, nil
}

// Start runs the daemon until Shutdown is called. It blocks.
func (d *Daemon) Start() error {
	if err := daemonruntime.WritePIDFile(d.instancePaths.Lock, os.Getpid()); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}
	defer daemonruntime.RemovePIDFile(d.instancePaths.Lock)

	d.runtimeInfo.SetStartTime(time.Now())
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if err := d.serviceHost.Start(d.ctx); err != nil {
		if d.cancel != nil {
			d.cancel()
		}
		return fmt.Errorf("daemon: start services: %w", err)
	}
	d.watchHostErrors()

	d.logger.Printf("[Daemon] instance %q ready (pid %d)", d.store.InstanceName(), os.Getpid())

	<-d.lifecycle.Done()

	if d.cancel != nil {
		d.cancel()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), serviceOpTimeout)
	if err := d.serviceHost.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "daemon: service shutdown error: %v\n", err)
		d.setRunError(err)
	}
	cancel()

	if err := d.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: store close error: %v\n", err)
	}

	return d.getRunError()
}

// Shutdown signals the daemon to stop.
func (d *Daemon) Shutdown() error {
	d.lifecycle.Shutdown()
	if d.cancel != nil {
		d.cancel()
	}
	if d.eventBus != nil {
		d.eventBus.Shutdown()
	}
	return nil
}

// HTTPPort returns the bound control API port once started.
func (d *Daemon) HTTPPort() int {
	return d.runtimeInfo.HTTPPort()
}

func (d *Daemon) watchHostErrors() {
	go func() {
		for err := range d.serviceHost.Errors() {
			if err == nil {
				continue
			}
			d.setRunError(err)
			fmt.Fprintf(os.Stderr, "%v\n", err)
			d.lifecycle.Shutdown()
			if d.cancel != nil {
				d.cancel()
			}
		}
	}()
}

func (d *Daemon) setRunError(err error) {
	d.errMu.Lock()
	if d.runErr == nil {
		d.runErr = err
	}
	d.errMu.Unlock()
}

func (d *Daemon) getRunError() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.runErr
}

// IsRunning reports whether a daemon for the instance is alive, based
// on its pid file.
func IsRunning(instanceName string) (bool, int) {
	paths := config.GetInstancePaths(instanceName)

	data, err := os.ReadFile(paths.Lock)
	if err != nil {
		return false, 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false, 0
	}
	if !procutil.IsProcessAlive(pid) {
		return false, 0
	}
	return true, pid
}
