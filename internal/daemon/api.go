package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pocketmint-io/pocketmint/internal/bridge"
	"github.com/pocketmint-io/pocketmint/internal/config"
	"github.com/pocketmint-io/pocketmint/internal/eventbus"
	"github.com/pocketmint-io/pocketmint/internal/mint"
	"github.com/pocketmint-io/pocketmint/internal/store"
)

const (
	eventWriteTimeout = 5 * time.Second
	eventPingInterval = 30 * time.Second
	maxRequestBody    = 1 << 20
)

// engineAPI is the engine surface the HTTP layer exposes. Satisfied by
// *EngineService.
type engineAPI interface {
	StartEngine(ctx context.Context, cfg config.EngineConfig, identity mint.OperatorIdentity, mode mint.Mode) error
	StopEngine(ctx context.Context) error
	Status(ctx context.Context) (mint.ServiceStatus, error)
	OnionAddress(ctx context.Context) (string, error)
	CreateAccount(ctx context.Context) (mint.OperatorIdentity, error)
	ImportAccount(ctx context.Context, secretKey string) (mint.OperatorIdentity, error)
}

// tokenStore is the credential surface the HTTP layer checks against.
// Satisfied by *store.Store.
type tokenStore interface {
	VerifyAPIToken(ctx context.Context, raw string) (bool, error)
	ListAPITokens(ctx context.Context) ([]store.APIToken, error)
}

type apiOptions struct {
	Engine      engineAPI
	Tokens      tokenStore
	RuntimeInfo *RuntimeInfo
	Bus         *eventbus.Bus
	PortFile    string
	ListenPort  int
	Version     string
	Logger      *log.Logger
}

// APIServer serves the daemon control API on loopback: JSON over HTTP
// for commands and a WebSocket stream for events.
type APIServer struct {
	opts     apiOptions
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu           sync.Mutex
	listener     net.Listener
	httpServer   *http.Server
	shutdownFunc func(ctx context.Context) error
}

func newAPIServer(opts apiOptions) *APIServer {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &APIServer{opts: opts, logger: logger}
}

// SetShutdownFunc wires the daemon-wide shutdown trigger used by the
// shutdown endpoint.
func (s *APIServer) SetShutdownFunc(fn func(ctx context.Context) error) {
	s.mu.Lock()
	s.shutdownFunc = fn
	s.mu.Unlock()
}

// Start binds the loopback listener and advertises the bound port
// through the port file. Port zero asks the OS for an ephemeral port.
func (s *APIServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.opts.ListenPort))
	if err != nil {
		return fmt.Errorf("api: listen: %w", err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	if err := writePortFile(s.opts.PortFile, port); err != nil {
		listener.Close()
		return err
	}
	if s.opts.RuntimeInfo != nil {
		s.opts.RuntimeInfo.SetHTTPPort(port)
	}

	server := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = server
	s.mu.Unlock()

	s.logger.Printf("[API] control API listening on 127.0.0.1:%d", port)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("[API] serve: %v", err)
		}
	}()
	return nil
}

// Shutdown stops the HTTP server and removes the port file.
func (s *APIServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	if s.opts.PortFile != "" {
		_ = os.Remove(s.opts.PortFile)
	}
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (s *APIServer) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /daemon/status", s.auth(s.handleDaemonStatus))
	mux.HandleFunc("POST /daemon/shutdown", s.auth(s.handleShutdown))
	mux.HandleFunc("POST /engine/start", s.auth(s.handleEngineStart))
	mux.HandleFunc("POST /engine/stop", s.auth(s.handleEngineStop))
	mux.HandleFunc("GET /engine/status", s.auth(s.handleEngineStatus))
	mux.HandleFunc("GET /engine/onion", s.auth(s.handleOnionAddress))
	mux.HandleFunc("POST /account/new", s.auth(s.handleAccountNew))
	mux.HandleFunc("POST /account/import", s.auth(s.handleAccountImport))
	mux.HandleFunc("GET /events", s.auth(s.handleEvents))

	return mux
}

// auth gates a handler behind bearer-token verification. Until the
// first token is provisioned the loopback API is open, so a fresh
// install works before `pocketmint daemon tokens create` was ever run.
func (s *APIServer) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, err := s.authorize(r)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "token verification failed", mint.ReasonNone)
			return
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or invalid API token", mint.ReasonNone)
			return
		}
		next(w, r)
	}
}

func (s *APIServer) authorize(r *http.Request) (bool, error) {
	tokens, err := s.opts.Tokens.ListAPITokens(r.Context())
	if err != nil {
		return false, err
	}
	if len(tokens) == 0 {
		return true, nil
	}

	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, nil
	}
	return s.opts.Tokens.VerifyAPIToken(r.Context(), raw)
}

func (s *APIServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *APIServer) handleDaemonStatus(w http.ResponseWriter, r *http.Request) {
	engine, err := s.opts.Engine.Status(r.Context())
	if err != nil {
		engine = mint.ServiceStatus{State: mint.StateStopped, LastError: err.Error()}
	}

	var started time.Time
	var port int
	if s.opts.RuntimeInfo != nil {
		started = s.opts.RuntimeInfo.StartTime()
		port = s.opts.RuntimeInfo.HTTPPort()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version":    s.opts.Version,
		"pid":        os.Getpid(),
		"started_at": started,
		"port":       port,
		"engine":     engine,
	})
}

func (s *APIServer) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	fn := s.shutdownFunc
	s.mu.Unlock()

	if fn == nil {
		writeError(w, http.StatusNotImplemented, "shutdown not available", mint.ReasonNone)
		return
	}

	s.logger.Printf("[API] shutdown requested by %s", r.RemoteAddr)
	w.WriteHeader(http.StatusAccepted)

	go func() {
		if err := fn(context.Background()); err != nil {
			s.logger.Printf("[API] shutdown: %v", err)
		}
	}()
}

type engineStartRequest struct {
	Config   config.EngineConfig   `json:"config"`
	Identity mint.OperatorIdentity `json:"identity"`
	Mode     mint.Mode             `json:"mode"`
}

func (s *APIServer) handleEngineStart(w http.ResponseWriter, r *http.Request) {
	var req engineStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), mint.ReasonNone)
		return
	}

	if err := s.opts.Engine.StartEngine(r.Context(), req.Config, req.Identity, req.Mode); err != nil {
		status, reason := engineErrorStatus(err)
		writeError(w, status, err.Error(), reason)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *APIServer) handleEngineStop(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Engine.StopEngine(r.Context()); err != nil {
		status, reason := engineErrorStatus(err)
		writeError(w, status, err.Error(), reason)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *APIServer) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.opts.Engine.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), mint.ReasonNone)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *APIServer) handleOnionAddress(w http.ResponseWriter, r *http.Request) {
	address, err := s.opts.Engine.OnionAddress(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), mint.ReasonNone)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": address})
}

func (s *APIServer) handleAccountNew(w http.ResponseWriter, r *http.Request) {
	identity, err := s.opts.Engine.CreateAccount(r.Context())
	if err != nil {
		status, reason := engineErrorStatus(err)
		writeError(w, status, err.Error(), reason)
		return
	}
	writeJSON(w, http.StatusCreated, identity)
}

func (s *APIServer) handleAccountImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SecretKey string `json:"secret_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), mint.ReasonNone)
		return
	}

	identity, err := s.opts.Engine.ImportAccount(r.Context(), req.SecretKey)
	if err != nil {
		status, reason := engineErrorStatus(err)
		writeError(w, status, err.Error(), reason)
		return
	}
	writeJSON(w, http.StatusCreated, identity)
}

// wireEvent is the JSON shape of one event on the /events stream.
type wireEvent struct {
	Topic         string          `json:"topic"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

var streamedTopics = []eventbus.Topic{
	eventbus.TopicEngineStatus,
	eventbus.TopicEngineAddress,
	eventbus.TopicAcquireProgress,
	eventbus.TopicConnState,
}

func (s *APIServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	s.logger.Printf("[API] event stream %s connected (%s)", connID, r.RemoteAddr)
	defer s.logger.Printf("[API] event stream %s closed", connID)

	events := make(chan eventbus.Envelope, 64)
	done := make(chan struct{})
	defer close(done)

	for _, topic := range streamedTopics {
		sub := s.opts.Bus.Subscribe(topic, eventbus.WithSubscriptionName("api-"+connID))
		defer sub.Close()
		go func(sub *eventbus.Subscription) {
			for env := range sub.C() {
				select {
				case events <- env:
				case <-done:
					return
				}
			}
		}(sub)
	}

	// The read loop only exists to notice the peer going away.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-clientGone:
			return
		case env := <-events:
			payload, err := json.Marshal(env.Payload)
			if err != nil {
				s.logger.Printf("[API] encode event payload on %s: %v", env.Topic, err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(wireEvent{
				Topic:         string(env.Topic),
				Source:        string(env.Source),
				Timestamp:     env.Timestamp,
				CorrelationID: env.CorrelationID,
				Payload:       payload,
			}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(eventWriteTimeout)); err != nil {
				return
			}
		}
	}
}

// engineErrorStatus maps bridge sentinels onto HTTP status codes and
// client-facing reason codes.
func engineErrorStatus(err error) (int, mint.ReasonCode) {
	switch {
	case errors.Is(err, bridge.ErrInvalidConfig):
		return http.StatusBadRequest, mint.ReasonReconfigureNeeded
	case errors.Is(err, bridge.ErrBindFailed):
		return http.StatusConflict, mint.ReasonBindFailed
	case errors.Is(err, bridge.ErrStartRejected):
		return http.StatusConflict, mint.ReasonStartRejected
	case errors.Is(err, bridge.ErrAlreadyRunning):
		return http.StatusConflict, mint.ReasonNone
	case errors.Is(err, bridge.ErrNotRunning):
		return http.StatusConflict, mint.ReasonNone
	case errors.Is(err, bridge.ErrLoadFatal), errors.Is(err, bridge.ErrNotInitialized):
		return http.StatusInternalServerError, mint.ReasonEngineLoadFatal
	default:
		return http.StatusInternalServerError, mint.ReasonNone
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody)).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, reason mint.ReasonCode) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": msg}
	if reason != mint.ReasonNone {
		body["reason"] = string(reason)
	}
	_ = json.NewEncoder(w).Encode(body)
}

// writePortFile advertises the bound control port for local clients.
func writePortFile(path string, port int) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("api: create port directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(port)), 0o600); err != nil {
		return fmt.Errorf("api: write port file: %w", err)
	}
	return nil
}
