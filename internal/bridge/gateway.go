package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pocketmint-io/pocketmint/internal/config"
	"github.com/pocketmint-io/pocketmint/internal/mint"
)

// Engine artifact file names, resolved relative to Options.EngineDir.
// The compat build is tried when the primary module fails to load.
const (
	engineModuleFile = "mintd.wasm"
	engineCompatFile = "mintd_compat.wasm"
)

// Exported operation names on the engine module.
const (
	opConfigure     = "mint_configure"
	opStart         = "mint_start"
	opStop          = "mint_stop"
	opStatus        = "mint_status"
	opOnionAddress  = "onion_address"
	opAccountCreate = "account_create"
	opAccountImport = "account_import"
)

// Options configures a Gateway.
type Options struct {
	// EngineDir is the directory holding the engine wasm artifacts.
	EngineDir string

	// MemoryLimitPages caps guest memory in 64KB pages. Zero means the
	// runtime default.
	MemoryLimitPages uint32

	// LogOutput receives the engine's stdout and stderr. Defaults to
	// io.Discard.
	LogOutput io.Writer

	// Logger receives gateway-level log lines. Defaults to the standard
	// logger.
	Logger *log.Logger
}

// caller abstracts the instantiated engine module so tests can swap in a
// fake without a wasm runtime.
type caller interface {
	call(ctx context.Context, op string, payload []byte) ([]byte, error)
	close(ctx context.Context) error
}

// Gateway owns the engine module instance and translates between Go types
// and the engine's JSON-over-linear-memory calling convention. All calls
// are serialised; the engine instance is not reentrant.
type Gateway struct {
	opts   Options
	logger *log.Logger

	mu     sync.Mutex
	caller caller
	source string
}

// New creates a gateway. The engine is not loaded until Load is called.
func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if opts.LogOutput == nil {
		opts.LogOutput = io.Discard
	}
	return &Gateway{opts: opts, logger: logger}
}

// Load reads, compiles and instantiates the engine module. The primary
// artifact is tried first; on any failure the compat build is tried. When
// neither loads the returned error wraps ErrLoadFatal and the gateway is
// unusable.
func (g *Gateway) Load(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.caller != nil {
		return nil
	}

	var lastErr error
	for _, name := range []string{engineModuleFile, engineCompatFile} {
		path := filepath.Join(g.opts.EngineDir, name)

		data, err := os.ReadFile(path)
		if err != nil {
			lastErr = fmt.Errorf("read %s: %w", name, err)
			continue
		}

		c, err := newWazeroCaller(ctx, data, g.opts)
		if err != nil {
			g.logger.Printf("[Bridge] engine artifact %s unusable: %v", name, err)
			lastErr = fmt.Errorf("instantiate %s: %w", name, err)
			continue
		}

		g.caller = c
		g.source = name
		g.logger.Printf("[Bridge] engine module loaded from %s", path)
		return nil
	}

	return fmt.Errorf("%w: %v", ErrLoadFatal, lastErr)
}

// Source returns the artifact file name the engine was loaded from.
func (g *Gateway) Source() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.source
}

// Close releases the engine module and its runtime.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.caller == nil {
		return nil
	}
	err := g.caller.close(ctx)
	g.caller = nil
	g.source = ""
	return err
}

// startRequest is the payload for mint_start.
type startRequest struct {
	Mode mint.Mode `json:"mode"`
}

// configureRequest is the payload for mint_configure.
type configureRequest struct {
	Config   config.EngineConfig   `json:"config"`
	Identity mint.OperatorIdentity `json:"identity"`
}

// Start configures the engine and starts serving in the given mode. A
// configuration the engine rejects maps to ErrInvalidConfig, a listener
// bind failure to ErrBindFailed, and any other refusal to ErrStartRejected.
func (g *Gateway) Start(ctx context.Context, cfg config.EngineConfig, identity mint.OperatorIdentity, mode mint.Mode) error {
	if identity.Empty() {
		return fmt.Errorf("%w: operator identity required", ErrInvalidConfig)
	}
	if !mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, mode)
	}

	if _, err := g.invoke(ctx, opConfigure, configureRequest{Config: cfg, Identity: identity}); err != nil {
		return fmt.Errorf("bridge: configure: %w", err)
	}

	_, code, msg, err := g.exec(ctx, opStart, startRequest{Mode: mode})
	if err != nil {
		return fmt.Errorf("bridge: start: %w", err)
	}
	switch code {
	case codeOK:
		return nil
	case codeServiceError:
		// A generic service error at start time means the engine
		// refused to come up.
		if msg == "" {
			return ErrStartRejected
		}
		return fmt.Errorf("%w: %s", ErrStartRejected, msg)
	default:
		return fmt.Errorf("bridge: start: %w", errorForCode(code, msg))
	}
}

// Stop stops the running engine. Stopping an engine that is not running
// returns ErrNotRunning.
func (g *Gateway) Stop(ctx context.Context) error {
	if _, err := g.invoke(ctx, opStop, nil); err != nil {
		return fmt.Errorf("bridge: stop: %w", err)
	}
	return nil
}

// engineStatus is the raw status payload reported by the engine.
type engineStatus struct {
	State     string `json:"state"`
	Mode      string `json:"mode"`
	Address   string `json:"address"`
	LastError string `json:"last_error"`
	StartedAt int64  `json:"started_at"`
}

// Status queries the engine for a lifecycle snapshot. A gateway whose
// engine was never started reports a stopped status rather than an error.
func (g *Gateway) Status(ctx context.Context) (mint.ServiceStatus, error) {
	data, err := g.invoke(ctx, opStatus, nil)
	if err != nil {
		return mint.ServiceStatus{}, fmt.Errorf("bridge: status: %w", err)
	}

	var raw engineStatus
	if err := json.Unmarshal(data, &raw); err != nil {
		return mint.ServiceStatus{}, fmt.Errorf("bridge: decode status: %w", err)
	}

	status := mint.ServiceStatus{
		Mode:      mint.Mode(raw.Mode),
		State:     mint.State(raw.State),
		Address:   raw.Address,
		LastError: raw.LastError,
	}
	if status.State == "" {
		status.State = mint.StateStopped
	}
	if raw.StartedAt > 0 {
		t := time.Unix(raw.StartedAt, 0).UTC()
		status.StartedAt = &t
	}
	return status, nil
}

// onionAddressResponse is the data payload of onion_address.
type onionAddressResponse struct {
	Address string `json:"address"`
}

// OnionAddress returns the engine's hidden service address. An empty
// string with a nil error means publication is still in progress.
func (g *Gateway) OnionAddress(ctx context.Context) (string, error) {
	data, err := g.invoke(ctx, opOnionAddress, nil)
	if err != nil {
		return "", fmt.Errorf("bridge: onion address: %w", err)
	}
	var resp onionAddressResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("bridge: decode onion address: %w", err)
	}
	return resp.Address, nil
}

// CreateAccount asks the engine to generate a fresh operator identity.
func (g *Gateway) CreateAccount(ctx context.Context) (mint.OperatorIdentity, error) {
	data, err := g.invoke(ctx, opAccountCreate, nil)
	if err != nil {
		return mint.OperatorIdentity{}, fmt.Errorf("bridge: create account: %w", err)
	}
	var id mint.OperatorIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return mint.OperatorIdentity{}, fmt.Errorf("bridge: decode account: %w", err)
	}
	return id, nil
}

// importRequest is the payload for account_import.
type importRequest struct {
	SecretKey string `json:"secret_key"`
}

// ImportAccount derives an operator identity from an existing secret key.
func (g *Gateway) ImportAccount(ctx context.Context, secretKey string) (mint.OperatorIdentity, error) {
	if secretKey == "" {
		return mint.OperatorIdentity{}, fmt.Errorf("%w: secret key required", ErrInvalidConfig)
	}
	data, err := g.invoke(ctx, opAccountImport, importRequest{SecretKey: secretKey})
	if err != nil {
		return mint.OperatorIdentity{}, fmt.Errorf("bridge: import account: %w", err)
	}
	var id mint.OperatorIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return mint.OperatorIdentity{}, fmt.Errorf("bridge: decode account: %w", err)
	}
	id.Imported = true
	return id, nil
}

// response is the envelope every engine operation returns.
type response struct {
	Code  int             `json:"code"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// invoke runs an operation and applies the default code-to-error mapping.
func (g *Gateway) invoke(ctx context.Context, op string, payload any) (json.RawMessage, error) {
	data, code, msg, err := g.exec(ctx, op, payload)
	if err != nil {
		return nil, err
	}
	if err := errorForCode(code, msg); err != nil {
		return nil, err
	}
	return data, nil
}

// exec serialises the payload, calls the engine and decodes the response
// envelope. The result code is returned unmapped for per-operation
// handling.
func (g *Gateway) exec(ctx context.Context, op string, payload any) (json.RawMessage, int, string, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, 0, "", fmt.Errorf("bridge: encode %s payload: %w", op, err)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.caller == nil {
		return nil, 0, "", fmt.Errorf("%w: engine module not loaded", ErrNotInitialized)
	}

	raw, err := g.caller.call(ctx, op, body)
	if err != nil {
		return nil, 0, "", err
	}

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, 0, "", fmt.Errorf("bridge: decode %s response: %w", op, err)
	}
	return resp.Data, resp.Code, resp.Error, nil
}
