package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.json")

	cfg := Default()
	cfg.Description = "unit test mint"
	cfg.Hidden = HiddenNetwork{Enabled: true, SocksPort: 9050, HiddenService: true}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if loaded != cfg {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", loaded, cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "engine.json"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestValidateGarbageIsCorrupted(t *testing.T) {
	for _, raw := range []string{"{not json", "", "[]", `{"port":"x"}`} {
		_, err := Validate([]byte(raw))
		if !errors.Is(err, ErrCorrupted) {
			t.Fatalf("Validate(%q): expected ErrCorrupted, got %v", raw, err)
		}
		if errors.Is(err, ErrNotFound) {
			t.Fatalf("Validate(%q): corrupted input must not map to ErrNotFound", raw)
		}
	}
}

func TestValidateNeverSubstitutesDefaults(t *testing.T) {
	cfg, err := Validate([]byte(`{"port":9999,"host":"127.0.0.1","mintName":"Other","lightningBackend":"fakewallet","hidden":{"enabled":false}}`))
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if cfg.Port != 9999 || cfg.MintName != "Other" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestCheckBackendCredentials(t *testing.T) {
	cfg := Default()
	cfg.Backend = BackendLNbits
	if err := cfg.Check(); err == nil {
		t.Fatalf("expected error for lnbits backend without credentials")
	}
	cfg.LNbits = &LNbitsCredentials{AdminAPIKey: "key", APIURL: "https://lnbits.local"}
	if err := cfg.Check(); err != nil {
		t.Fatalf("unexpected error with complete lnbits credentials: %v", err)
	}

	cfg = Default()
	cfg.Backend = BackendCLN
	if err := cfg.Check(); err == nil {
		t.Fatalf("expected error for cln backend without rpc path")
	}
	cfg.CLN = &CLNCredentials{RPCPath: "/run/lightning/lightning-rpc"}
	if err := cfg.Check(); err != nil {
		t.Fatalf("unexpected error with cln rpc path: %v", err)
	}

	cfg = Default()
	cfg.Backend = "eclair"
	if err := cfg.Check(); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestLoadCorruptedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.json")
	if err := os.WriteFile(path, []byte("{{{{"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	_, err := Load(path)
	if !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}

	if err := Remove(path); err != nil {
		t.Fatalf("Remove returned error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected artifact to be deleted, stat err: %v", err)
	}
	if err := Remove(path); err != nil {
		t.Fatalf("Remove of missing file should be a no-op, got %v", err)
	}
}

func TestSaveRejectsInvalidConfig(t *testing.T) {
	cfg := Default()
	cfg.Port = -1
	if err := Save(filepath.Join(t.TempDir(), "engine.json"), cfg); err == nil {
		t.Fatalf("expected Save to reject invalid configuration")
	}
}
