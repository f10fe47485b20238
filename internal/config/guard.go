package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sentinel errors for engine configuration loading. ErrNotFound is
// recoverable (callers may generate defaults); ErrCorrupted is not and
// requires operator reconfiguration.
var (
	ErrNotFound  = errors.New("config: engine configuration not found")
	ErrCorrupted = errors.New("config: engine configuration corrupted")
)

// Settlement backends accepted by the engine.
const (
	BackendFake   = "fakewallet"
	BackendLNbits = "lnbits"
	BackendCLN    = "cln"
)

const (
	DefaultPort     = 3338
	DefaultHost     = "0.0.0.0"
	DefaultMintName = "PocketMint"
)

// LNbitsCredentials carry the keys needed for the LNbits settlement backend.
type LNbitsCredentials struct {
	AdminAPIKey    string `json:"adminApiKey,omitempty"`
	InvoiceReadKey string `json:"invoiceReadKey,omitempty"`
	APIURL         string `json:"apiUrl,omitempty"`
}

// CLNCredentials carry the connection settings for a Core Lightning node.
type CLNCredentials struct {
	RPCPath     string `json:"rpcPath,omitempty"`
	BOLT12      bool   `json:"bolt12,omitempty"`
	FeePercent  float64 `json:"feePercent,omitempty"`
	ReserveMsat uint64  `json:"reserveFeeMin,omitempty"`
}

// HiddenNetwork configures the optional hidden-service transport. The
// transport itself lives inside the engine; these values are passed through.
type HiddenNetwork struct {
	Enabled       bool   `json:"enabled"`
	DataDir       string `json:"dataDir,omitempty"`
	SocksPort     int    `json:"socksPort,omitempty"`
	HiddenService bool   `json:"hiddenService,omitempty"`
}

// EngineConfig is the complete configuration artifact handed to the engine
// at start. It is stored as JSON and validated before every use; invalid
// JSON never crosses the engine boundary.
type EngineConfig struct {
	Port        int    `json:"port"`
	Host        string `json:"host"`
	MintName    string `json:"mintName"`
	Description string `json:"description,omitempty"`
	Backend     string `json:"lightningBackend"`

	LNbits *LNbitsCredentials `json:"lnbits,omitempty"`
	CLN    *CLNCredentials    `json:"cln,omitempty"`

	DatabasePath string `json:"databasePath,omitempty"`
	LogsPath     string `json:"logsPath,omitempty"`

	Hidden HiddenNetwork `json:"hidden"`
}

// Default returns a deterministic default configuration. It never fails.
func Default() EngineConfig {
	return EngineConfig{
		Port:     DefaultPort,
		Host:     DefaultHost,
		MintName: DefaultMintName,
		Backend:  BackendFake,
	}
}

// Validate parses and validates a raw configuration payload. A parse
// failure yields ErrCorrupted, never ErrNotFound and never a silent
// fallback to defaults.
func Validate(raw []byte) (EngineConfig, error) {
	var cfg EngineConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if err := cfg.Check(); err != nil {
		return EngineConfig{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return cfg, nil
}

// Check validates the decoded values without touching the filesystem.
func (c EngineConfig) Check() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if strings.TrimSpace(c.Host) == "" {
		return errors.New("host is empty")
	}
	if strings.TrimSpace(c.MintName) == "" {
		return errors.New("mint name is empty")
	}
	switch c.Backend {
	case BackendFake:
	case BackendLNbits:
		if c.LNbits == nil || c.LNbits.AdminAPIKey == "" || c.LNbits.APIURL == "" {
			return errors.New("lnbits backend requires adminApiKey and apiUrl")
		}
	case BackendCLN:
		if c.CLN == nil || c.CLN.RPCPath == "" {
			return errors.New("cln backend requires rpcPath")
		}
	default:
		return fmt.Errorf("unknown settlement backend %q", c.Backend)
	}
	if c.Hidden.Enabled && c.Hidden.SocksPort != 0 &&
		(c.Hidden.SocksPort <= 0 || c.Hidden.SocksPort > 65535) {
		return fmt.Errorf("hidden socks port %d out of range", c.Hidden.SocksPort)
	}
	return nil
}

// Load reads and validates the configuration artifact at path.
// A missing file yields ErrNotFound; unreadable or invalid content
// yields ErrCorrupted wrapping the parse detail.
func Load(path string) (EngineConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return EngineConfig{}, ErrNotFound
		}
		return EngineConfig{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return Validate(raw)
}

// Save validates cfg and writes it atomically (temp file + rename) so a
// crash mid-write never leaves a torn artifact behind.
func Save(path string, cfg EngineConfig) error {
	if err := cfg.Check(); err != nil {
		return fmt.Errorf("config: refusing to save invalid configuration: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode engine configuration: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".engine.json.tmp.*")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: write engine configuration: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: chmod engine configuration: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: replace engine configuration: %w", err)
	}
	return nil
}

// Remove deletes the configuration artifact. Used for corruption recovery;
// the caller surfaces the reconfigure-required condition to the operator.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("config: remove engine configuration: %w", err)
	}
	return nil
}
