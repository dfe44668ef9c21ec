// Package securestore is the encrypted key/value store holding the live
// access and refresh tokens and the authenticator secret. Values are sealed with AES-256-GCM under a key
// derived with argon2id from a device secret and a persisted random salt.
package securestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/sessionkeeper/internal/client/repositories/kv"
	"github.com/dmitrijs2005/sessionkeeper/internal/common"
	"github.com/dmitrijs2005/sessionkeeper/internal/cryptox"
)

// Keys under which the auth service mirrors tokens.
const (
	KeyAccessToken   = "access_token"
	KeyRefreshToken  = "refresh_token"
	KeyGoogleIDToken = "google_id_token"
)

// Second-factor material kept by the account service.
const (
	KeyMFASecret      = "mfa_secret"
	KeyMFABackupCodes = "mfa_backup_codes"
)

const (
	namespace = "secure:"
	saltKey   = namespace + "salt"
	saltSize  = 16
)

var ErrEmptySecret = errors.New("secure store secret is empty")

type Store struct {
	repo kv.Repository
	key  []byte
}

// New opens the store over repo, creating the salt on first use. The secret
// is not retained.
func New(ctx context.Context, repo kv.Repository, secret []byte) (*Store, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}

	salt, err := repo.Get(ctx, saltKey)
	if err != nil {
		return nil, fmt.Errorf("load secure store salt: %w", err)
	}
	if salt == nil {
		salt = common.GenerateRandByteArray(saltSize)
		if err := repo.Set(ctx, saltKey, salt); err != nil {
			return nil, fmt.Errorf("save secure store salt: %w", err)
		}
	}

	return &Store{repo: repo, key: cryptox.DeriveKey(secret, salt)}, nil
}

// Get returns the decrypted value, or (nil, nil) when key is absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.repo.Get(ctx, namespace+key)
	if err != nil {
		return nil, fmt.Errorf("secure get %s: %w", key, err)
	}
	if sealed == nil {
		return nil, nil
	}
	plain, err := cryptox.Open(sealed, s.key)
	if err != nil {
		return nil, fmt.Errorf("secure get %s: decrypt: %w", key, err)
	}
	return plain, nil
}

// GetString is Get for string values; absent keys yield "".
func (s *Store) GetString(ctx context.Context, key string) (string, error) {
	v, err := s.Get(ctx, key)
	return string(v), err
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	sealed, err := cryptox.Seal(value, s.key)
	if err != nil {
		return fmt.Errorf("secure set %s: encrypt: %w", key, err)
	}
	if err := s.repo.Set(ctx, namespace+key, sealed); err != nil {
		return fmt.Errorf("secure set %s: %w", key, err)
	}
	return nil
}

func (s *Store) SetString(ctx context.Context, key, value string) error {
	return s.Set(ctx, key, []byte(value))
}

// Delete removes keys; missing keys are ignored.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = namespace + k
	}
	if err := s.repo.DeleteMany(ctx, full...); err != nil {
		return fmt.Errorf("secure delete: %w", err)
	}
	return nil
}

// Close wipes the derived key from memory.
func (s *Store) Close() {
	common.WipeByteArray(s.key)
}
