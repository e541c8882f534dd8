package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// Vault seals provider API keys with a symmetric secretbox key.
type Vault struct {
	key [32]byte
}

// NewVault parses a hex encoded 32 byte key.
func NewVault(hexKey string) (*Vault, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("decode vault key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("vault key must be 32 bytes, got %d", len(raw))
	}
	v := &Vault{}
	copy(v.key[:], raw)
	return v, nil
}

// Seal encrypts plaintext, prefixing the random nonce.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &v.key), nil
}

// Open decrypts a value produced by Seal.
func (v *Vault) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, errors.New("sealed value too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &v.key)
	if !ok {
		return nil, errors.New("sealed value failed authentication")
	}
	return out, nil
}

// PutProviderKey stores an organisation's key for a provider, encrypted.
func (s *Store) PutProviderKey(ctx context.Context, org, provider, secret string) error {
	if s.vault == nil {
		return ErrVaultNotConfigured
	}
	sealed, err := s.vault.Seal([]byte(secret))
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO provider_keys (org_id, provider, sealed_key, updated_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (org_id, provider) DO UPDATE SET
  sealed_key = EXCLUDED.sealed_key,
  updated_at = NOW()`, org, provider, sealed)
	return err
}

// DeleteProviderKey removes a stored key.
func (s *Store) DeleteProviderKey(ctx context.Context, org, provider string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM provider_keys WHERE org_id=$1 AND provider=$2`, org, provider)
	return err
}

// GetKey resolves an organisation's provider key. The bool is false when no
// key is stored.
func (s *Store) GetKey(ctx context.Context, org, provider string) (string, bool, error) {
	if s.vault == nil {
		return "", false, nil
	}
	var sealed []byte
	err := s.DB.QueryRowContext(ctx, `SELECT sealed_key FROM provider_keys WHERE org_id=$1 AND provider=$2`, org, provider).Scan(&sealed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	plain, err := s.vault.Open(sealed)
	if err != nil {
		return "", false, fmt.Errorf("open key for %s/%s: %w", org, provider, err)
	}
	return string(plain), true, nil
}

// ListProviders returns the providers an organisation has keys for.
func (s *Store) ListProviders(ctx context.Context, org string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT provider FROM provider_keys WHERE org_id=$1 ORDER BY provider`, org)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
