package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pocketmint-io/pocketmint/internal/mint"
)

// SaveIdentity persists the operator identity, encrypting the secret key
// at rest. An existing identity for the instance is replaced.
func (s *Store) SaveIdentity(ctx context.Context, id mint.OperatorIdentity) error {
	if s.readOnly {
		return errors.New("store: cannot save identity in read-only mode")
	}
	if id.Empty() {
		return errors.New("store: refusing to save empty identity")
	}
	if s.encryptionKey == nil {
		return errors.New("store: encryption key unavailable")
	}

	encrypted, err := encryptValue(s.encryptionKey, id.SecretKey)
	if err != nil {
		return fmt.Errorf("store: encrypt operator secret: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO operator_identity (instance_name, pubkey, secret_key, imported, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(instance_name) DO UPDATE SET
				pubkey = excluded.pubkey,
				secret_key = excluded.secret_key,
				imported = excluded.imported,
				updated_at = CURRENT_TIMESTAMP`,
			s.instanceName, id.PublicKey, encrypted, boolToInt(id.Imported))
		return err
	})
}

// GetIdentity loads the operator identity with the secret key decrypted.
// Returns a NotFoundError when no identity exists.
func (s *Store) GetIdentity(ctx context.Context) (mint.OperatorIdentity, error) {
	var (
		id       mint.OperatorIdentity
		secret   string
		imported int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT pubkey, secret_key, imported FROM operator_identity WHERE instance_name = ?`,
		s.instanceName).Scan(&id.PublicKey, &secret, &imported)
	if errors.Is(err, sql.ErrNoRows) {
		return mint.OperatorIdentity{}, NotFoundError{Entity: "operator identity"}
	}
	if err != nil {
		return mint.OperatorIdentity{}, fmt.Errorf("store: load operator identity: %w", err)
	}

	if s.encryptionKey == nil {
		return mint.OperatorIdentity{}, errors.New("store: encryption key unavailable, cannot decrypt operator secret")
	}
	plain, err := decryptValue(s.encryptionKey, secret)
	if err != nil {
		return mint.OperatorIdentity{}, err
	}

	id.SecretKey = plain
	id.Imported = imported != 0
	return id, nil
}

// ClearIdentity removes the operator identity. Used at logout.
func (s *Store) ClearIdentity(ctx context.Context) error {
	if s.readOnly {
		return errors.New("store: cannot clear identity in read-only mode")
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM operator_identity WHERE instance_name = ?`, s.instanceName)
	if err != nil {
		return fmt.Errorf("store: clear operator identity: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
