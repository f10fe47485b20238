package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// APIToken describes a daemon API token. The raw token is only returned
// once, at creation; afterwards only the hint survives.
type APIToken struct {
	ID        string
	Name      string
	Hint      string
	CreatedAt string
}

const tokenBytes = 32

// CreateAPIToken mints a new bearer token for the daemon control API and
// stores its bcrypt hash. The raw token is returned exactly once.
func (s *Store) CreateAPIToken(ctx context.Context, name string) (raw string, tok APIToken, err error) {
	if s.readOnly {
		return "", APIToken{}, errors.New("store: cannot create token in read-only mode")
	}

	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", APIToken{}, fmt.Errorf("store: generate token: %w", err)
	}
	raw = hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", APIToken{}, fmt.Errorf("store: hash token: %w", err)
	}

	tok = APIToken{
		ID:   uuid.NewString(),
		Name: name,
		Hint: raw[:8],
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO api_tokens (id, name, token_hash, token_hint)
			VALUES (?, ?, ?, ?)`,
			tok.ID, tok.Name, string(hash), tok.Hint)
		return err
	})
	if err != nil {
		return "", APIToken{}, fmt.Errorf("store: save token: %w", err)
	}
	return raw, tok, nil
}

// VerifyAPIToken reports whether raw matches any stored token hash.
func (s *Store) VerifyAPIToken(ctx context.Context, raw string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT token_hash FROM api_tokens`)
	if err != nil {
		return false, fmt.Errorf("store: load token hashes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return false, fmt.Errorf("store: scan token hash: %w", err)
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)) == nil {
			return true, nil
		}
	}
	return false, rows.Err()
}

// ListAPITokens returns token metadata. Raw tokens are never recoverable.
func (s *Store) ListAPITokens(ctx context.Context) ([]APIToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, token_hint, created_at FROM api_tokens ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []APIToken
	for rows.Next() {
		var tok APIToken
		if err := rows.Scan(&tok.ID, &tok.Name, &tok.Hint, &tok.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan token: %w", err)
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

// DeleteAPIToken removes a token by ID. Returns a NotFoundError when the
// ID does not exist.
func (s *Store) DeleteAPIToken(ctx context.Context, id string) error {
	if s.readOnly {
		return errors.New("store: cannot delete token in read-only mode")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_tokens WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFoundError{Entity: "api token", Key: id}
	}
	return nil
}
