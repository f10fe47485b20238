package conn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pocketmint-io/pocketmint/internal/mint"
)

func TestHealthzAttachesBearerToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	h := NewHandle(server.URL, "secret-token")
	if err := h.Healthz(context.Background()); err != nil {
		t.Fatalf("Healthz returned error: %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
}

func TestStartEnginePreservesReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/engine/start" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"error":  "listen address already in use",
			"reason": string(mint.ReasonBindFailed),
		})
	}))
	defer server.Close()

	h := NewHandle(server.URL, "")
	err := h.StartEngine(context.Background(), StartEngineRequest{Mode: mint.ModePlain})
	if err == nil {
		t.Fatalf("expected error")
	}

	var engineErr *EngineError
	if !errors.As(err, &engineErr) {
		t.Fatalf("expected EngineError, got %v", err)
	}
	if engineErr.Reason != mint.ReasonBindFailed {
		t.Fatalf("unexpected reason %s", engineErr.Reason)
	}
	if engineErr.Message != "listen address already in use" {
		t.Fatalf("unexpected message %q", engineErr.Message)
	}
}

func TestEngineStatusDecodes(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(mint.ServiceStatus{
			Mode:      mint.ModeHidden,
			State:     mint.StateRunning,
			Address:   "abc.onion",
			StartedAt: &started,
		})
	}))
	defer server.Close()

	h := NewHandle(server.URL, "")
	status, err := h.EngineStatus(context.Background())
	if err != nil {
		t.Fatalf("EngineStatus returned error: %v", err)
	}
	if status.State != mint.StateRunning || status.Address != "abc.onion" {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.StartedAt == nil || !status.StartedAt.Equal(started) {
		t.Fatalf("unexpected started_at %v", status.StartedAt)
	}
}

func TestShutdownDaemon(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}))
		defer server.Close()

		h := NewHandle(server.URL, "")
		if err := h.ShutdownDaemon(context.Background()); err != nil {
			t.Fatalf("ShutdownDaemon returned error: %v", err)
		}
	})

	t.Run("unavailable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}))
		defer server.Close()

		h := NewHandle(server.URL, "")
		err := h.ShutdownDaemon(context.Background())
		if !errors.Is(err, ErrShutdownUnavailable) {
			t.Fatalf("expected ErrShutdownUnavailable, got %v", err)
		}
	})
}

func TestCreateAndImportAccount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		switch r.URL.Path {
		case "/account/new":
			json.NewEncoder(w).Encode(mint.OperatorIdentity{PublicKey: "npub1new", SecretKey: "nsec1new"})
		case "/account/import":
			var req struct {
				SecretKey string `json:"secret_key"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			json.NewEncoder(w).Encode(mint.OperatorIdentity{
				PublicKey: "npub1imp",
				SecretKey: req.SecretKey,
				Imported:  true,
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	h := NewHandle(server.URL, "")

	id, err := h.CreateAccount(context.Background())
	if err != nil {
		t.Fatalf("CreateAccount returned error: %v", err)
	}
	if id.PublicKey != "npub1new" {
		t.Fatalf("unexpected identity %+v", id)
	}

	imported, err := h.ImportAccount(context.Background(), "nsec1x")
	if err != nil {
		t.Fatalf("ImportAccount returned error: %v", err)
	}
	if !imported.Imported || imported.SecretKey != "nsec1x" {
		t.Fatalf("unexpected identity %+v", imported)
	}
}

func TestEventsStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteJSON(Event{Topic: "engine.status", Source: "daemon"})
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}))
	defer server.Close()

	h := NewHandle(server.URL, "")
	stream, err := h.Events(context.Background())
	if err != nil {
		t.Fatalf("Events returned error: %v", err)
	}
	defer stream.Close()

	select {
	case event, ok := <-stream.C():
		if !ok {
			t.Fatalf("stream closed before delivering event")
		}
		if event.Topic != "engine.status" {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for event")
	}

	select {
	case _, ok := <-stream.C():
		if ok {
			t.Fatalf("expected stream closure")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for stream closure")
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("expected clean closure, got %v", err)
	}
}
