package controller

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pocketmint-io/pocketmint/internal/config"
	"github.com/pocketmint-io/pocketmint/internal/conn"
	"github.com/pocketmint-io/pocketmint/internal/eventbus"
	"github.com/pocketmint-io/pocketmint/internal/mint"
	"github.com/pocketmint-io/pocketmint/internal/store"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type fakeStore struct {
	mu          sync.Mutex
	identity    mint.OperatorIdentity
	hasIdentity bool
	lastMode    mint.Mode
}

func (s *fakeStore) GetIdentity(ctx context.Context) (mint.OperatorIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasIdentity {
		return mint.OperatorIdentity{}, store.NotFoundError{Entity: "operator identity", Key: "test"}
	}
	return s.identity, nil
}

func (s *fakeStore) LastMode(ctx context.Context) (mint.Mode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastMode == "" {
		return mint.ModePlain, nil
	}
	return s.lastMode, nil
}

func (s *fakeStore) SetLastMode(ctx context.Context, mode mint.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMode = mode
	return nil
}

func (s *fakeStore) savedMode() mint.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMode
}

type fakeHandle struct {
	mu         sync.Mutex
	running    bool
	mode       mint.Mode
	startCalls int
	stopCalls  int
	startErr   error
	onionAddr  string
	onionPolls int

	startEntered chan struct{}
	startRelease chan struct{}
}

func (h *fakeHandle) StartEngine(ctx context.Context, req conn.StartEngineRequest) error {
	h.mu.Lock()
	h.startCalls++
	entered := h.startEntered
	release := h.startRelease
	h.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if release != nil {
		<-release
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.startErr != nil {
		return h.startErr
	}
	h.running = true
	h.mode = req.Mode
	return nil
}

func (h *fakeHandle) StopEngine(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopCalls++
	h.running = false
	return nil
}

func (h *fakeHandle) EngineStatus(ctx context.Context) (mint.ServiceStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return mint.ServiceStatus{State: mint.StateStopped}, nil
	}
	return mint.ServiceStatus{State: mint.StateRunning, Mode: h.mode}, nil
}

func (h *fakeHandle) OnionAddress(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onionPolls++
	return h.onionAddr, nil
}

func (h *fakeHandle) counts() (starts, stops int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startCalls, h.stopCalls
}

func (h *fakeHandle) polls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.onionPolls
}

func (h *fakeHandle) setOnionAddr(addr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onionAddr = addr
}

type testEnv struct {
	ctrl    *Controller
	store   *fakeStore
	handle  *fakeHandle
	bus     *eventbus.Bus
	cfgPath string
}

func newTestEnv(t *testing.T, opts ...func(*Options)) *testEnv {
	t.Helper()

	env := &testEnv{
		store:   &fakeStore{hasIdentity: true, identity: mint.OperatorIdentity{PublicKey: "npub1t", SecretKey: "nsec1t"}},
		handle:  &fakeHandle{},
		bus:     eventbus.New(eventbus.WithLogger(quietLogger())),
		cfgPath: filepath.Join(t.TempDir(), "engine.json"),
	}
	t.Cleanup(env.bus.Shutdown)

	options := Options{
		ConfigPath: env.cfgPath,
		Store:      env.store,
		Bind: func(ctx context.Context) (DaemonHandle, error) {
			return env.handle, nil
		},
		Timing: Timing{
			SettleDelay:          time.Millisecond,
			AcquireInterval:      time.Millisecond,
			AcquireMaxAttempts:   200,
			AcquireProgressEvery: 50,
		},
		Bus:    env.bus,
		Logger: quietLogger(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	ctrl, err := New(options)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	env.ctrl = ctrl
	return env
}

func TestStartPlainWritesDefaultConfig(t *testing.T) {
	env := newTestEnv(t)

	sub := eventbus.SubscribeTo(env.bus, eventbus.Engine.Status)
	defer sub.Close()

	result, err := env.ctrl.RequestStart(context.Background(), mint.ModePlain)
	if err != nil {
		t.Fatalf("RequestStart returned error: %v", err)
	}
	if result.Generation != 1 {
		t.Fatalf("expected generation 1, got %d", result.Generation)
	}
	if result.Status.State != mint.StateRunning {
		t.Fatalf("unexpected status %+v", result.Status)
	}

	// A missing config is replaced with defaults on disk.
	cfg, err := config.Load(env.cfgPath)
	if err != nil {
		t.Fatalf("expected default config on disk: %v", err)
	}
	if cfg.Port != config.DefaultPort {
		t.Fatalf("unexpected default config %+v", cfg)
	}

	if got := env.store.savedMode(); got != mint.ModePlain {
		t.Fatalf("expected last mode plain, got %s", got)
	}

	select {
	case evt := <-sub.C():
		if evt.Payload.Generation != 1 || evt.Payload.Status.State != mint.StateRunning {
			t.Fatalf("unexpected status event %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for status event")
	}
}

func TestStartWithoutIdentity(t *testing.T) {
	env := newTestEnv(t)
	env.store.hasIdentity = false

	_, err := env.ctrl.RequestStart(context.Background(), mint.ModePlain)
	if !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
	if starts, _ := env.handle.counts(); starts != 0 {
		t.Fatalf("engine must not start without an identity")
	}
}

func TestStartCorruptedConfigRemovedAndReported(t *testing.T) {
	env := newTestEnv(t)
	if err := os.WriteFile(env.cfgPath, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupted config: %v", err)
	}

	_, err := env.ctrl.RequestStart(context.Background(), mint.ModePlain)
	if err == nil {
		t.Fatalf("expected error for corrupted config")
	}
	if ReasonOf(err) != mint.ReasonReconfigureNeeded {
		t.Fatalf("expected reconfigure reason, got %s (%v)", ReasonOf(err), err)
	}
	if _, statErr := os.Stat(env.cfgPath); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("corrupted config must be removed, stat err=%v", statErr)
	}
	if starts, _ := env.handle.counts(); starts != 0 {
		t.Fatalf("engine must not start with corrupted config")
	}

	// Defaults are never silently substituted: the next start succeeds
	// only because it writes a fresh default file.
	if _, err := env.ctrl.RequestStart(context.Background(), mint.ModePlain); err != nil {
		t.Fatalf("start after reconfigure returned error: %v", err)
	}
}

func TestStartBindFailure(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Bind = func(ctx context.Context) (DaemonHandle, error) {
			return nil, conn.ErrBindFailed
		}
	})

	_, err := env.ctrl.RequestStart(context.Background(), mint.ModePlain)
	if ReasonOf(err) != mint.ReasonBindFailed {
		t.Fatalf("expected bind failed reason, got %s (%v)", ReasonOf(err), err)
	}
}

func TestStartAlreadyRunning(t *testing.T) {
	env := newTestEnv(t)
	env.handle.running = true
	env.handle.mode = mint.ModePlain

	_, err := env.ctrl.RequestStart(context.Background(), mint.ModePlain)
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestBusyRejection(t *testing.T) {
	env := newTestEnv(t)
	env.handle.startEntered = make(chan struct{})
	env.handle.startRelease = make(chan struct{})

	firstDone := make(chan error, 1)
	go func() {
		_, err := env.ctrl.RequestStart(context.Background(), mint.ModePlain)
		firstDone <- err
	}()

	select {
	case <-env.handle.startEntered:
	case <-time.After(time.Second):
		t.Fatalf("first start never reached the engine")
	}

	if _, err := env.ctrl.RequestStart(context.Background(), mint.ModePlain); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := env.ctrl.RequestStop(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for stop, got %v", err)
	}

	close(env.handle.startRelease)
	if err := <-firstDone; err != nil {
		t.Fatalf("first start returned error: %v", err)
	}

	if starts, _ := env.handle.counts(); starts != 1 {
		t.Fatalf("expected exactly one engine start, got %d", starts)
	}
}

func TestHiddenStartAcquiresAddress(t *testing.T) {
	env := newTestEnv(t)

	sub := eventbus.SubscribeTo(env.bus, eventbus.Engine.Address)
	defer sub.Close()

	result, err := env.ctrl.RequestStart(context.Background(), mint.ModeHidden)
	if err != nil {
		t.Fatalf("RequestStart returned error: %v", err)
	}

	// The address shows up a few polls in.
	time.AfterFunc(5*time.Millisecond, func() { env.handle.setOnionAddr("mint.onion") })

	select {
	case event := <-sub.C():
		if event.Payload.Address != "mint.onion" {
			t.Fatalf("unexpected address %q", event.Payload.Address)
		}
		if event.Payload.Generation != result.Generation {
			t.Fatalf("address event generation %d, want %d",
				event.Payload.Generation, result.Generation)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for address event")
	}
}

func TestStopCancelsAcquirer(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.ctrl.RequestStart(context.Background(), mint.ModeHidden); err != nil {
		t.Fatalf("RequestStart returned error: %v", err)
	}

	// Let the acquirer poll a few times, then stop.
	deadline := time.Now().Add(time.Second)
	for env.handle.polls() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("acquirer never started polling")
		}
		time.Sleep(time.Millisecond)
	}

	if err := env.ctrl.RequestStop(context.Background()); err != nil {
		t.Fatalf("RequestStop returned error: %v", err)
	}

	settled := env.handle.polls()
	time.Sleep(20 * time.Millisecond)
	if got := env.handle.polls(); got > settled+1 {
		t.Fatalf("acquirer still polling after stop: %d -> %d", settled, got)
	}
}

func TestModeSwitchRestartsInNewMode(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.ctrl.RequestStart(context.Background(), mint.ModeHidden); err != nil {
		t.Fatalf("RequestStart returned error: %v", err)
	}

	result, err := env.ctrl.RequestModeSwitch(context.Background(), mint.ModePlain)
	if err != nil {
		t.Fatalf("RequestModeSwitch returned error: %v", err)
	}
	if result.Status.Mode != mint.ModePlain {
		t.Fatalf("expected plain mode after switch, got %+v", result.Status)
	}
	if result.Generation != 2 {
		t.Fatalf("expected generation 2 after switch, got %d", result.Generation)
	}

	starts, stops := env.handle.counts()
	if starts != 2 || stops != 1 {
		t.Fatalf("expected 2 starts and 1 stop, got %d/%d", starts, stops)
	}

	// The hidden-mode acquirer must not survive the switch to plain.
	settled := env.handle.polls()
	time.Sleep(20 * time.Millisecond)
	if got := env.handle.polls(); got > settled+1 {
		t.Fatalf("acquirer still polling after switch to plain: %d -> %d", settled, got)
	}

	if got := env.store.savedMode(); got != mint.ModePlain {
		t.Fatalf("expected last mode plain, got %s", got)
	}
}

func TestModeSwitchSameModeIsNoOp(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.ctrl.RequestStart(context.Background(), mint.ModePlain); err != nil {
		t.Fatalf("RequestStart returned error: %v", err)
	}

	if _, err := env.ctrl.RequestModeSwitch(context.Background(), mint.ModePlain); err != nil {
		t.Fatalf("RequestModeSwitch returned error: %v", err)
	}

	starts, stops := env.handle.counts()
	if starts != 1 || stops != 0 {
		t.Fatalf("same-mode switch must not restart, got %d starts %d stops", starts, stops)
	}
}

func TestModeSwitchOnStoppedMintJustStarts(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.ctrl.RequestModeSwitch(context.Background(), mint.ModeHidden)
	if err != nil {
		t.Fatalf("RequestModeSwitch returned error: %v", err)
	}
	if result.Status.Mode != mint.ModeHidden {
		t.Fatalf("unexpected status %+v", result.Status)
	}

	starts, stops := env.handle.counts()
	if starts != 1 || stops != 0 {
		t.Fatalf("expected a bare start, got %d starts %d stops", starts, stops)
	}
}

func TestStopWithUnreachableDaemon(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Bind = func(ctx context.Context) (DaemonHandle, error) {
			return nil, conn.ErrBindFailed
		}
	})

	if err := env.ctrl.RequestStop(context.Background()); err != nil {
		t.Fatalf("stop with unreachable daemon must be a no-op, got %v", err)
	}
}

func TestStatusWithUnreachableDaemon(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Bind = func(ctx context.Context) (DaemonHandle, error) {
			return nil, conn.ErrBindFailed
		}
	})

	status, err := env.ctrl.Status(context.Background())
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if status.State != mint.StateStopped {
		t.Fatalf("expected stopped status, got %+v", status)
	}
}
