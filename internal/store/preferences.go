package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/pocketmint-io/pocketmint/internal/mint"
)

// Preference keys.
const (
	PrefLastMode   = "service.last_mode"
	PrefListenPort = "service.listen_port"
)

// SetPreference stores a string preference for the instance.
func (s *Store) SetPreference(ctx context.Context, key, value string) error {
	if s.readOnly {
		return errors.New("store: cannot set preference in read-only mode")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO preferences (instance_name, key, value, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(instance_name, key) DO UPDATE SET
				value = excluded.value,
				updated_at = CURRENT_TIMESTAMP`,
			s.instanceName, key, value)
		return err
	})
}

// GetPreference loads a string preference. Returns a NotFoundError when
// the key has never been set.
func (s *Store) GetPreference(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM preferences WHERE instance_name = ? AND key = ?`,
		s.instanceName, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", NotFoundError{Entity: "preference", Key: key}
	}
	if err != nil {
		return "", fmt.Errorf("store: load preference %s: %w", key, err)
	}
	return value, nil
}

// LastMode returns the most recently requested service mode, defaulting
// to plain when none was recorded.
func (s *Store) LastMode(ctx context.Context) (mint.Mode, error) {
	value, err := s.GetPreference(ctx, PrefLastMode)
	if IsNotFound(err) {
		return mint.ModePlain, nil
	}
	if err != nil {
		return "", err
	}
	mode := mint.Mode(value)
	if !mode.Valid() {
		return mint.ModePlain, nil
	}
	return mode, nil
}

// SetLastMode records the most recently requested service mode.
func (s *Store) SetLastMode(ctx context.Context, mode mint.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("store: invalid mode %q", mode)
	}
	return s.SetPreference(ctx, PrefLastMode, string(mode))
}

// ListenPort returns the preferred daemon control port, or 0 when unset.
func (s *Store) ListenPort(ctx context.Context) (int, error) {
	value, err := s.GetPreference(ctx, PrefListenPort)
	if IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(value)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("store: invalid listen port preference %q", value)
	}
	return port, nil
}

// SetListenPort records the preferred daemon control port.
func (s *Store) SetListenPort(ctx context.Context, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("store: listen port %d out of range", port)
	}
	return s.SetPreference(ctx, PrefListenPort, strconv.Itoa(port))
}
