package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/pocketmint-io/pocketmint/internal/config"
	"github.com/pocketmint-io/pocketmint/internal/conn"
	"github.com/pocketmint-io/pocketmint/internal/controller"
	"github.com/pocketmint-io/pocketmint/internal/eventbus"
	"github.com/pocketmint-io/pocketmint/internal/store"
)

// cliTokenFile holds the raw API token the CLI authenticates with once
// tokens are provisioned on the daemon. Tokens are stored hashed in the
// database, so the raw value is kept here at creation time.
const cliTokenFile = "cli.token"

// cliEnv bundles the per-invocation wiring shared by service commands:
// the instance store, the daemon connection and the lifecycle controller.
type cliEnv struct {
	paths config.InstancePaths
	store *store.Store
	bus   *eventbus.Bus
	mgr   *conn.Manager
	ctrl  *controller.Controller
}

func newCLIEnv() (*cliEnv, error) {
	paths, err := config.EnsureInstanceDirs(config.DefaultInstance)
	if err != nil {
		return nil, fmt.Errorf("prepare instance directories: %w", err)
	}

	st, err := store.Open(store.Options{InstanceName: config.DefaultInstance})
	if err != nil {
		return nil, fmt.Errorf("open instance store: %w", err)
	}

	logger := log.New(io.Discard, "", 0)
	if os.Getenv("POCKETMINT_DEBUG") != "" {
		logger = log.Default()
	}

	bus := eventbus.New(eventbus.WithLogger(logger))
	mgr := conn.NewManager(conn.Options{
		Paths:  paths,
		Token:  loadCLIToken(paths),
		Spawn:  conn.DaemonSpawner(),
		Bus:    bus,
		Logger: logger,
	})

	ctrl, err := controller.New(controller.Options{
		ConfigPath: paths.EngineConfig,
		Store:      st,
		Bind: func(ctx context.Context) (controller.DaemonHandle, error) {
			if err := mgr.WaitBound(ctx); err != nil {
				return nil, err
			}
			return mgr.Handle()
		},
		Bus:    bus,
		Logger: logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &cliEnv{paths: paths, store: st, bus: bus, mgr: mgr, ctrl: ctrl}, nil
}

func (e *cliEnv) Close() {
	e.mgr.Close()
	e.bus.Shutdown()
	e.store.Close()
}

// handle binds to the daemon and returns a direct handle, for commands
// that talk to the daemon without going through the controller.
func (e *cliEnv) handle(ctx context.Context) (*conn.Handle, error) {
	if err := e.mgr.WaitBound(ctx); err != nil {
		return nil, err
	}
	return e.mgr.Handle()
}

func cliTokenPath(paths config.InstancePaths) string {
	return filepath.Join(paths.Home, cliTokenFile)
}

func loadCLIToken(paths config.InstancePaths) string {
	data, err := os.ReadFile(cliTokenPath(paths))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func saveCLIToken(paths config.InstancePaths, raw string) error {
	return os.WriteFile(cliTokenPath(paths), []byte(raw+"\n"), 0o600)
}

func removeCLIToken(paths config.InstancePaths) {
	_ = os.Remove(cliTokenPath(paths))
}
