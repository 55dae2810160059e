// Package tokencipher encrypts individual token fields at rest. The key is
// derived once from the long-term secret; each field gets its own random
// nonce so two ciphertexts under the same key never share one.
package tokencipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/agentworkforce/edge-relay/domain"
	"github.com/agentworkforce/edge-relay/errors"
)

const (
	// keySalt is a fixed application salt for PBKDF2. The secret itself
	// must still come from configuration; the salt only separates this
	// application's key space from other users of the same secret.
	keySalt = "edge-relay-token-encryption-v1"

	keyIterations = 120_000
	keyLength     = 32 // AES-256
	nonceLength   = 12 // 96-bit GCM nonce
)

// Cipher performs authenticated encryption of token fields. Construct one
// at startup and hand it to the token store; the derived key lives for the
// process lifetime.
type Cipher struct {
	aead cipher.AEAD
}

// New derives a 256-bit key from secret with PBKDF2-SHA256 and prepares an
// AES-GCM AEAD. The secret must never be used directly as a key.
func New(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("token encryption secret is empty")
	}
	key := pbkdf2.Key([]byte(secret), []byte(keySalt), keyIterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// EncryptField encrypts one field under a fresh random nonce. Returns the
// ciphertext and nonce, both base64-encoded.
func (c *Cipher) EncryptField(plaintext string) (ciphertext, nonce string, err error) {
	raw := make([]byte, nonceLength)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, raw, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), base64.StdEncoding.EncodeToString(raw), nil
}

// DecryptField decrypts one field. Any authentication-tag mismatch or
// malformed input yields a DecryptionError; callers must treat the record
// as unreadable, not retry.
func (c *Cipher) DecryptField(ciphertext, nonce string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.NewDecryption(fmt.Errorf("decode ciphertext: %w", err))
	}
	raw, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return "", errors.NewDecryption(fmt.Errorf("decode nonce: %w", err))
	}
	if len(raw) != nonceLength {
		return "", errors.NewDecryption(fmt.Errorf("nonce length %d", len(raw)))
	}
	plaintext, err := c.aead.Open(nil, raw, sealed, nil)
	if err != nil {
		return "", errors.NewDecryption(err)
	}
	return string(plaintext), nil
}

// EncryptToken encrypts the secret fields of token. The access and refresh
// tokens are sealed independently, each under its own nonce.
func (c *Cipher) EncryptToken(token *domain.OAuthToken) (*domain.EncryptedOAuthToken, error) {
	access, accessIV, err := c.EncryptField(token.AccessToken)
	if err != nil {
		return nil, err
	}
	enc := &domain.EncryptedOAuthToken{
		WorkspaceID: token.WorkspaceID,
		AccessToken: access,
		IV:          accessIV,
		ExpiresAt:   token.ExpiresAt,
		ObtainedAt:  token.ObtainedAt,
		Scope:       token.Scope,
	}
	if token.RefreshToken != "" {
		refresh, refreshIV, err := c.EncryptField(token.RefreshToken)
		if err != nil {
			return nil, err
		}
		enc.RefreshToken = refresh
		enc.RefreshTokenIV = refreshIV
	}
	return enc, nil
}

// DecryptToken reverses EncryptToken. Records written before per-field
// nonces existed carry no refresh-token nonce; those are decrypted by
// reusing the access-token nonce.
func (c *Cipher) DecryptToken(enc *domain.EncryptedOAuthToken) (*domain.OAuthToken, error) {
	access, err := c.DecryptField(enc.AccessToken, enc.IV)
	if err != nil {
		return nil, err
	}
	token := &domain.OAuthToken{
		WorkspaceID: enc.WorkspaceID,
		AccessToken: access,
		ExpiresAt:   enc.ExpiresAt,
		ObtainedAt:  enc.ObtainedAt,
		Scope:       enc.Scope,
	}
	if enc.RefreshToken != "" {
		refreshIV := enc.RefreshTokenIV
		if refreshIV == "" {
			refreshIV = enc.IV // legacy record
		}
		refresh, err := c.DecryptField(enc.RefreshToken, refreshIV)
		if err != nil {
			return nil, err
		}
		token.RefreshToken = refresh
	}
	return token, nil
}

// sealWithNonce exists for white-box tests that need a deterministic nonce
// (legacy-record construction). Production writes always go through
// EncryptField.
func (c *Cipher) sealWithNonce(nonce []byte, plaintext string) string {
	return base64.StdEncoding.EncodeToString(c.aead.Seal(nil, nonce, []byte(plaintext), nil))
}
