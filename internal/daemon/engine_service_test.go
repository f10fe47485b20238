package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pocketmint-io/pocketmint/internal/bridge"
	"github.com/pocketmint-io/pocketmint/internal/config"
	"github.com/pocketmint-io/pocketmint/internal/eventbus"
	"github.com/pocketmint-io/pocketmint/internal/mint"
)

type fakeGateway struct {
	mu sync.Mutex

	loadErr  error
	startErr error
	stopErr  error
	status   mint.ServiceStatus
	address  string

	loadCalls  int
	startCalls int
	stopCalls  int
	closeCalls int
}

func (f *fakeGateway) Load(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCalls++
	return f.loadErr
}

func (f *fakeGateway) Start(ctx context.Context, cfg config.EngineConfig, identity mint.OperatorIdentity, mode mint.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return f.startErr
	}
	f.status = mint.ServiceStatus{Mode: mode, State: mint.StateRunning}
	return nil
}

func (f *fakeGateway) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	if f.stopErr != nil {
		return f.stopErr
	}
	f.status = mint.ServiceStatus{State: mint.StateStopped}
	return nil
}

func (f *fakeGateway) Status(ctx context.Context) (mint.ServiceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeGateway) OnionAddress(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.address, nil
}

func (f *fakeGateway) CreateAccount(ctx context.Context) (mint.OperatorIdentity, error) {
	return mint.OperatorIdentity{PublicKey: "pub", SecretKey: "sec"}, nil
}

func (f *fakeGateway) ImportAccount(ctx context.Context, secretKey string) (mint.OperatorIdentity, error) {
	return mint.OperatorIdentity{PublicKey: "pub", SecretKey: secretKey, Imported: true}, nil
}

func (f *fakeGateway) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func testIdentity() mint.OperatorIdentity {
	return mint.OperatorIdentity{PublicKey: "pub", SecretKey: "sec"}
}

func TestEngineServiceStartLoadsModule(t *testing.T) {
	gw := &fakeGateway{}
	svc := newEngineService(gw, eventbus.New(), nil)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if gw.loadCalls != 1 {
		t.Fatalf("expected one load, got %d", gw.loadCalls)
	}
}

func TestEngineServiceStartPropagatesLoadFatal(t *testing.T) {
	gw := &fakeGateway{loadErr: bridge.ErrLoadFatal}
	svc := newEngineService(gw, eventbus.New(), nil)

	err := svc.Start(context.Background())
	if !errors.Is(err, bridge.ErrLoadFatal) {
		t.Fatalf("expected load fatal error, got %v", err)
	}
}

func TestEngineServiceStartEnginePublishesStatus(t *testing.T) {
	gw := &fakeGateway{}
	bus := eventbus.New()
	defer bus.Shutdown()
	svc := newEngineService(gw, bus, nil)

	sub := eventbus.SubscribeTo(bus, eventbus.Engine.Status)
	defer sub.Close()

	if err := svc.StartEngine(context.Background(), config.Default(), testIdentity(), mint.ModePlain); err != nil {
		t.Fatalf("StartEngine returned error: %v", err)
	}
	if got := svc.Generation(); got != 1 {
		t.Fatalf("expected generation 1, got %d", got)
	}

	select {
	case evt := <-sub.C():
		if evt.Payload.Status.State != mint.StateRunning {
			t.Fatalf("expected running status, got %s", evt.Payload.Status.State)
		}
		if evt.Payload.Generation != 1 {
			t.Fatalf("expected generation 1 in event, got %d", evt.Payload.Generation)
		}
	case <-time.After(time.Second):
		t.Fatal("no status event published")
	}
}

func TestEngineServiceStopEngineIdempotent(t *testing.T) {
	gw := &fakeGateway{stopErr: bridge.ErrNotRunning}
	svc := newEngineService(gw, eventbus.New(), nil)

	if err := svc.StopEngine(context.Background()); err != nil {
		t.Fatalf("stopping a stopped engine should be a no-op, got %v", err)
	}
}

func TestEngineServiceShutdownClosesGateway(t *testing.T) {
	gw := &fakeGateway{stopErr: bridge.ErrNotRunning}
	svc := newEngineService(gw, eventbus.New(), nil)

	if err := svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	if gw.closeCalls != 1 {
		t.Fatalf("expected gateway close, got %d calls", gw.closeCalls)
	}
}
