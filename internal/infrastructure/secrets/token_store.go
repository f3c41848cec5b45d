// Package secrets keeps the provider access token between runs.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"banksync/internal/infrastructure/crypto"
	"banksync/internal/infrastructure/filestore"
	"banksync/internal/infrastructure/gocardless"
)

var (
	ErrNoToken      = errors.New("no access token stored; run `banksync token` or set GOCARDLESS_ACCESS_TOKEN")
	ErrTokenExpired = errors.New("stored access token has expired; run `banksync token` again")
)

// Token is an access/refresh pair with absolute expiry times.
type Token struct {
	Access           string    `json:"access"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	Refresh          string    `json:"refresh"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	Encrypted        bool      `json:"encrypted"`
}

// TokenStore persists tokens at a single path. When an Encryptor is set the
// token strings are sealed before they reach the disk.
type TokenStore struct {
	files     *filestore.Store
	path      string
	encryptor *crypto.Encryptor
	now       func() time.Time
}

func NewTokenStore(files *filestore.Store, path string, encryptor *crypto.Encryptor) *TokenStore {
	return &TokenStore{
		files:     files,
		path:      path,
		encryptor: encryptor,
		now:       time.Now,
	}
}

// Save stores a freshly issued pair. Expiry offsets are turned into absolute
// times relative to now.
func (s *TokenStore) Save(ctx context.Context, pair *gocardless.TokenPair) (*Token, error) {
	now := s.now().UTC()
	tok := Token{
		Access:           pair.Access,
		AccessExpiresAt:  now.Add(time.Duration(pair.AccessExpires) * time.Second),
		Refresh:          pair.Refresh,
		RefreshExpiresAt: now.Add(time.Duration(pair.RefreshExpires) * time.Second),
	}

	stored := tok
	if s.encryptor != nil {
		var err error
		if stored.Access, err = s.encryptor.Encrypt(tok.Access); err != nil {
			return nil, fmt.Errorf("failed to encrypt access token: %w", err)
		}
		if stored.Refresh, err = s.encryptor.Encrypt(tok.Refresh); err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		stored.Encrypted = true
	}

	if err := s.files.WriteJSON(ctx, s.path, stored); err != nil {
		return nil, fmt.Errorf("failed to save token: %w", err)
	}
	return &tok, nil
}

// Load reads the stored token and decrypts it if needed.
func (s *TokenStore) Load(ctx context.Context) (*Token, error) {
	var tok Token
	if err := s.files.ReadJSON(ctx, s.path, &tok); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	if tok.Encrypted {
		if s.encryptor == nil {
			return nil, fmt.Errorf("token file %s is encrypted but ENCRYPTION_KEY is not set", s.path)
		}
		var err error
		if tok.Access, err = s.encryptor.Decrypt(tok.Access); err != nil {
			return nil, fmt.Errorf("failed to decrypt access token: %w", err)
		}
		if tok.Refresh, err = s.encryptor.Decrypt(tok.Refresh); err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		tok.Encrypted = false
	}
	return &tok, nil
}

// AccessToken returns override when set, otherwise the stored access token if
// it has not expired.
func (s *TokenStore) AccessToken(ctx context.Context, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	tok, err := s.Load(ctx)
	if err != nil {
		return "", err
	}
	if tok.Access == "" {
		return "", ErrNoToken
	}
	if !tok.AccessExpiresAt.IsZero() && !s.now().Before(tok.AccessExpiresAt) {
		return "", ErrTokenExpired
	}
	return tok.Access, nil
}
