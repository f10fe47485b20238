package conn

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pocketmint-io/pocketmint/internal/config"
	"github.com/pocketmint-io/pocketmint/internal/eventbus"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// daemonStub serves the minimal daemon surface the manager touches.
type daemonStub struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	probes int
}

func newDaemonStub(t *testing.T) *daemonStub {
	t.Helper()

	stub := &daemonStub{}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.probes++
		stub.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := stub.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Hold the stream open until the peer or the server goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	stub.server = httptest.NewServer(mux)
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *daemonStub) port(t *testing.T) string {
	t.Helper()
	u, err := url.Parse(s.server.URL)
	if err != nil {
		t.Fatalf("parse stub url: %v", err)
	}
	return u.Port()
}

func (s *daemonStub) probeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probes
}

func writePortFile(t *testing.T, path, port string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(port+"\n"), 0o600); err != nil {
		t.Fatalf("write port file: %v", err)
	}
}

func testPaths(t *testing.T) config.InstancePaths {
	t.Helper()
	return config.InstancePaths{PortFile: filepath.Join(t.TempDir(), "daemon.port")}
}

func fastDelays() []time.Duration {
	return []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
}

func TestWaitBoundAgainstRunningDaemon(t *testing.T) {
	stub := newDaemonStub(t)
	paths := testPaths(t)
	writePortFile(t, paths.PortFile, stub.port(t))

	m := NewManager(Options{Paths: paths, RetryDelays: fastDelays(), Logger: quietLogger()})
	defer m.Close()

	if err := m.WaitBound(context.Background()); err != nil {
		t.Fatalf("WaitBound returned error: %v", err)
	}
	if m.State() != StateBound {
		t.Fatalf("expected bound state, got %s", m.State())
	}
	if _, err := m.Handle(); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	// A second wait resolves immediately without another bind cycle.
	if err := m.WaitBound(context.Background()); err != nil {
		t.Fatalf("second WaitBound returned error: %v", err)
	}
}

func TestBindSpawnsDaemonOnFirstFailure(t *testing.T) {
	stub := newDaemonStub(t)
	paths := testPaths(t)

	var spawnCalls int
	spawn := func(ctx context.Context) error {
		spawnCalls++
		// The daemon advertises its port once it is up.
		writePortFile(t, paths.PortFile, stub.port(t))
		return nil
	}

	m := NewManager(Options{
		Paths:       paths,
		Spawn:       spawn,
		RetryDelays: fastDelays(),
		Logger:      quietLogger(),
	})
	defer m.Close()

	if err := m.WaitBound(context.Background()); err != nil {
		t.Fatalf("WaitBound returned error: %v", err)
	}
	if spawnCalls != 1 {
		t.Fatalf("expected exactly one spawn, got %d", spawnCalls)
	}
}

func TestBindFailsAfterRetryWindow(t *testing.T) {
	paths := testPaths(t)

	var spawnCalls int
	spawn := func(ctx context.Context) error {
		spawnCalls++
		return nil
	}

	m := NewManager(Options{
		Paths:       paths,
		Spawn:       spawn,
		RetryDelays: fastDelays(),
		Logger:      quietLogger(),
	})
	defer m.Close()

	err := m.WaitBound(context.Background())
	if !errors.Is(err, ErrBindFailed) {
		t.Fatalf("expected ErrBindFailed, got %v", err)
	}
	if spawnCalls != 1 {
		t.Fatalf("expected exactly one spawn, got %d", spawnCalls)
	}
	if m.State() != StateUnbound {
		t.Fatalf("expected unbound state after failure, got %s", m.State())
	}
	if _, err := m.Handle(); !errors.Is(err, ErrNotBound) {
		t.Fatalf("expected ErrNotBound, got %v", err)
	}
}

func TestLostDaemonDetection(t *testing.T) {
	stub := newDaemonStub(t)
	paths := testPaths(t)
	writePortFile(t, paths.PortFile, stub.port(t))

	bus := eventbus.New(eventbus.WithLogger(quietLogger()))
	defer bus.Shutdown()

	sub := eventbus.SubscribeTo(bus, eventbus.Conn.State,
		eventbus.WithSubscriptionBuffer(16))
	defer sub.Close()

	m := NewManager(Options{
		Paths:       paths,
		RetryDelays: fastDelays(),
		Bus:         bus,
		Logger:      quietLogger(),
	})
	defer m.Close()

	if err := m.WaitBound(context.Background()); err != nil {
		t.Fatalf("WaitBound returned error: %v", err)
	}

	stub.server.CloseClientConnections()
	stub.server.Close()

	deadline := time.Now().Add(5 * time.Second)
	for m.State() != StateLost {
		if time.Now().After(deadline) {
			t.Fatalf("manager never reached lost state, still %s", m.State())
		}
		time.Sleep(10 * time.Millisecond)
	}

	var states []string
	timeout := time.After(2 * time.Second)
	for len(states) < 3 {
		select {
		case env := <-sub.C():
			states = append(states, env.Payload.State)
		case <-timeout:
			t.Fatalf("timeout collecting state events, got %v", states)
		}
	}
	want := []string{"binding", "bound", "lost"}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("unexpected state sequence %v, want %v", states, want)
		}
	}
}

func TestWaitBoundHonoursContext(t *testing.T) {
	m := NewManager(Options{
		Paths:       testPaths(t),
		RetryDelays: []time.Duration{time.Hour},
		Logger:      quietLogger(),
	})
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := m.WaitBound(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestReadPortFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "daemon.port")
	if err := os.WriteFile(path, []byte("4480\n"), 0o600); err != nil {
		t.Fatalf("write port file: %v", err)
	}
	port, err := readPortFile(path)
	if err != nil {
		t.Fatalf("readPortFile returned error: %v", err)
	}
	if port != 4480 {
		t.Fatalf("expected port 4480, got %d", port)
	}

	if _, err := readPortFile(filepath.Join(dir, "missing.port")); err == nil {
		t.Fatalf("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.port")
	if err := os.WriteFile(bad, []byte("not-a-port"), 0o600); err != nil {
		t.Fatalf("write port file: %v", err)
	}
	if _, err := readPortFile(bad); err == nil {
		t.Fatalf("expected error for garbage contents")
	}
}
