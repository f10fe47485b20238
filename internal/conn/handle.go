package conn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pocketmint-io/pocketmint/internal/config"
	"github.com/pocketmint-io/pocketmint/internal/mint"
)

const (
	defaultHTTPTimeout        = 10 * time.Second
	websocketHandshakeTimeout = 10 * time.Second
	maxErrorBody              = 8 << 10
)

// ErrShutdownUnavailable indicates the daemon does not expose the shutdown
// endpoint.
var ErrShutdownUnavailable = errors.New("daemon shutdown endpoint unavailable")

// EngineError is an engine lifecycle failure reported by the daemon. The
// Reason survives the HTTP round trip so callers can branch on it.
type EngineError struct {
	Reason  mint.ReasonCode
	Message string
}

func (e *EngineError) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return e.Message
}

// Handle is a bound connection to a running daemon. It speaks HTTP JSON
// for commands and a WebSocket stream for events.
type Handle struct {
	baseURL    string
	token      string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewHandle builds a handle for the daemon at baseURL. The token is
// attached as a bearer credential when non-empty.
func NewHandle(baseURL, token string) *Handle {
	return &Handle{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		dialer: &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  websocketHandshakeTimeout,
			EnableCompression: true,
		},
	}
}

// BaseURL returns the base HTTP URL the handle is bound to.
func (h *Handle) BaseURL() string {
	return h.baseURL
}

// Healthz probes the daemon liveness endpoint.
func (h *Handle) Healthz(ctx context.Context) error {
	return h.doJSON(ctx, http.MethodGet, "/healthz", nil, nil, http.StatusOK)
}

// DaemonStatus describes the daemon process and its engine.
type DaemonStatus struct {
	Version   string             `json:"version"`
	PID       int                `json:"pid"`
	StartedAt time.Time          `json:"started_at"`
	Engine    mint.ServiceStatus `json:"engine"`
}

// Status fetches daemon metadata.
func (h *Handle) Status(ctx context.Context) (DaemonStatus, error) {
	var status DaemonStatus
	if err := h.doJSON(ctx, http.MethodGet, "/daemon/status", nil, &status, http.StatusOK); err != nil {
		return DaemonStatus{}, fmt.Errorf("daemon status: %w", err)
	}
	return status, nil
}

// StartEngineRequest is the payload for the engine start endpoint.
type StartEngineRequest struct {
	Config   config.EngineConfig   `json:"config"`
	Identity mint.OperatorIdentity `json:"identity"`
	Mode     mint.Mode             `json:"mode"`
}

// StartEngine asks the daemon to configure and start the mint engine.
func (h *Handle) StartEngine(ctx context.Context, req StartEngineRequest) error {
	if err := h.doJSON(ctx, http.MethodPost, "/engine/start", req, nil, http.StatusOK); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	return nil
}

// StopEngine asks the daemon to stop the mint engine.
func (h *Handle) StopEngine(ctx context.Context) error {
	if err := h.doJSON(ctx, http.MethodPost, "/engine/stop", nil, nil, http.StatusOK); err != nil {
		return fmt.Errorf("stop engine: %w", err)
	}
	return nil
}

// EngineStatus fetches the current engine lifecycle snapshot.
func (h *Handle) EngineStatus(ctx context.Context) (mint.ServiceStatus, error) {
	var status mint.ServiceStatus
	if err := h.doJSON(ctx, http.MethodGet, "/engine/status", nil, &status, http.StatusOK); err != nil {
		return mint.ServiceStatus{}, fmt.Errorf("engine status: %w", err)
	}
	return status, nil
}

// OnionAddress returns the hidden-service address, or an empty string
// while publication is pending.
func (h *Handle) OnionAddress(ctx context.Context) (string, error) {
	var resp struct {
		Address string `json:"address"`
	}
	if err := h.doJSON(ctx, http.MethodGet, "/engine/onion", nil, &resp, http.StatusOK); err != nil {
		return "", fmt.Errorf("onion address: %w", err)
	}
	return resp.Address, nil
}

// CreateAccount asks the daemon to generate a fresh operator identity.
func (h *Handle) CreateAccount(ctx context.Context) (mint.OperatorIdentity, error) {
	var id mint.OperatorIdentity
	if err := h.doJSON(ctx, http.MethodPost, "/account/new", nil, &id, http.StatusCreated); err != nil {
		return mint.OperatorIdentity{}, fmt.Errorf("create account: %w", err)
	}
	return id, nil
}

// ImportAccount derives an operator identity from an existing secret key.
func (h *Handle) ImportAccount(ctx context.Context, secretKey string) (mint.OperatorIdentity, error) {
	req := struct {
		SecretKey string `json:"secret_key"`
	}{SecretKey: secretKey}

	var id mint.OperatorIdentity
	if err := h.doJSON(ctx, http.MethodPost, "/account/import", req, &id, http.StatusCreated); err != nil {
		return mint.OperatorIdentity{}, fmt.Errorf("import account: %w", err)
	}
	return id, nil
}

// ShutdownDaemon requests a graceful daemon shutdown.
func (h *Handle) ShutdownDaemon(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/daemon/shutdown", http.NoBody)
	if err != nil {
		return err
	}
	h.attachToken(req)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return nil
	}

	errResp := readAPIError(resp)
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented {
		return fmt.Errorf("shutdown daemon: %w: %w", ErrShutdownUnavailable, errResp)
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("shutdown daemon unauthorized: %w", errResp)
	}
	return fmt.Errorf("shutdown daemon: %w", errResp)
}

func (h *Handle) doJSON(ctx context.Context, method, path string, in, out any, wantStatus int) error {
	var body io.Reader = http.NoBody
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	h.attachToken(req)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return readAPIError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (h *Handle) attachToken(req *http.Request) {
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
}

// readAPIError converts an error response into a Go error, preserving the
// machine-readable reason code when the daemon supplies one.
func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if len(body) == 0 {
		return errors.New(resp.Status)
	}
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		var payload struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
			msg := strings.TrimSpace(payload.Error)
			if payload.Reason != "" {
				return &EngineError{Reason: mint.ReasonCode(payload.Reason), Message: msg}
			}
			if msg != "" {
				return errors.New(msg)
			}
		}
	}
	return errors.New(trimmed)
}

// Event is a single daemon event as delivered over the /events stream.
type Event struct {
	Topic         string          `json:"topic"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// EventStream is a live subscription to the daemon event feed. The
// channel closes when the daemon goes away; Err reports whether the
// closure was abnormal.
type EventStream struct {
	conn *websocket.Conn
	ch   chan Event

	done    chan struct{}
	readErr error
}

// Events opens the daemon event stream.
func (h *Handle) Events(ctx context.Context) (*EventStream, error) {
	wsURL, err := websocketURL(h.baseURL, "/events")
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if h.token != "" {
		header.Set("Authorization", "Bearer "+h.token)
	}

	conn, resp, err := h.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("events dial: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	stream := &EventStream{
		conn: conn,
		ch:   make(chan Event, 32),
		done: make(chan struct{}),
	}
	go stream.readLoop()
	return stream, nil
}

// C returns the event channel. It closes when the stream ends.
func (s *EventStream) C() <-chan Event {
	return s.ch
}

// Err returns the terminal stream error, if any. Valid after C closes.
func (s *EventStream) Err() error {
	<-s.done
	return s.readErr
}

// Close terminates the stream.
func (s *EventStream) Close() error {
	err := s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(2*time.Second))
	if closeErr := s.conn.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (s *EventStream) readLoop() {
	defer close(s.ch)
	defer close(s.done)

	for {
		var event Event
		if err := s.conn.ReadJSON(&event); err != nil {
			if !isNormalClose(err) {
				s.readErr = err
			}
			return
		}
		select {
		case s.ch <- event:
		default:
			// Slow consumers lose events rather than stalling the read
			// loop and tripping daemon-side write deadlines.
		}
	}
}

func isNormalClose(err error) bool {
	if err == nil {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, io.EOF)
}

func websocketURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}
