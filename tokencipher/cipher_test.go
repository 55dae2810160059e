package tokencipher

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/edge-relay/domain"
	relayerrors "github.com/agentworkforce/edge-relay/errors"
)

func newCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := New("unit-test-secret")
	require.NoError(t, err)
	return c
}

func TestNewRejectsEmptySecret(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestFieldRoundTrip(t *testing.T) {
	c := newCipher(t)

	ciphertext, nonce, err := c.EncryptField("lin_api_secret_value")
	require.NoError(t, err)
	require.NotEmpty(t, ciphertext)
	require.NotEmpty(t, nonce)

	plaintext, err := c.DecryptField(ciphertext, nonce)
	require.NoError(t, err)
	assert.Equal(t, "lin_api_secret_value", plaintext)
}

func TestTokenRoundTrip(t *testing.T) {
	c := newCipher(t)

	token := &domain.OAuthToken{
		WorkspaceID:  "ws-1",
		AccessToken:  "access-secret",
		RefreshToken: "refresh-secret",
		ExpiresAt:    1_700_000_000_000,
		ObtainedAt:   1_699_990_000_000,
		Scope:        []string{"read", "write"},
	}

	enc, err := c.EncryptToken(token)
	require.NoError(t, err)
	assert.NotEqual(t, token.AccessToken, enc.AccessToken)
	assert.NotEmpty(t, enc.RefreshTokenIV)

	got, err := c.DecryptToken(enc)
	require.NoError(t, err)
	assert.Equal(t, token, got)
}

func TestTokenRoundTripWithoutRefreshToken(t *testing.T) {
	c := newCipher(t)

	token := &domain.OAuthToken{
		WorkspaceID: "ws-1",
		AccessToken: "access-secret",
		ObtainedAt:  1_699_990_000_000,
	}

	enc, err := c.EncryptToken(token)
	require.NoError(t, err)
	assert.Empty(t, enc.RefreshToken)
	assert.Empty(t, enc.RefreshTokenIV)

	got, err := c.DecryptToken(enc)
	require.NoError(t, err)
	assert.Equal(t, token, got)
}

func TestNonceUniqueness(t *testing.T) {
	c := newCipher(t)

	token := &domain.OAuthToken{
		WorkspaceID:  "ws-1",
		AccessToken:  "access-secret",
		RefreshToken: "refresh-secret",
	}

	first, err := c.EncryptToken(token)
	require.NoError(t, err)
	second, err := c.EncryptToken(token)
	require.NoError(t, err)

	// Encrypting the same token twice must never repeat a nonce or a
	// ciphertext, and the two fields of one record must not share a nonce.
	assert.NotEqual(t, first.IV, second.IV)
	assert.NotEqual(t, first.RefreshTokenIV, second.RefreshTokenIV)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.NotEqual(t, first.IV, first.RefreshTokenIV)
}

func TestLegacyRecordReusesAccessNonce(t *testing.T) {
	c := newCipher(t)

	nonce := []byte("012345678901") // 12 bytes
	enc := &domain.EncryptedOAuthToken{
		WorkspaceID:  "ws-legacy",
		AccessToken:  c.sealWithNonce(nonce, "access-secret"),
		RefreshToken: c.sealWithNonce(nonce, "refresh-secret"),
		IV:           base64.StdEncoding.EncodeToString(nonce),
		// RefreshTokenIV intentionally absent: pre-migration record.
		ObtainedAt: 1_699_990_000_000,
	}

	got, err := c.DecryptToken(enc)
	require.NoError(t, err)
	assert.Equal(t, "access-secret", got.AccessToken)
	assert.Equal(t, "refresh-secret", got.RefreshToken)
}

func TestDecryptFailsOnTamper(t *testing.T) {
	c := newCipher(t)

	ciphertext, nonce, err := c.EncryptField("secret")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	require.NoError(t, err)
	raw[0] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = c.DecryptField(tampered, nonce)
	require.Error(t, err)
	var decErr *relayerrors.DecryptionError
	assert.ErrorAs(t, err, &decErr)
}

func TestDecryptFailsOnMalformedInput(t *testing.T) {
	c := newCipher(t)

	var decErr *relayerrors.DecryptionError

	_, err := c.DecryptField("not-base64!!", "also-not-base64!!")
	assert.ErrorAs(t, err, &decErr)

	_, err = c.DecryptField(base64.StdEncoding.EncodeToString([]byte("x")), base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorAs(t, err, &decErr)
}

func TestDifferentSecretsCannotDecrypt(t *testing.T) {
	c1 := newCipher(t)
	c2, err := New("another-secret")
	require.NoError(t, err)

	ciphertext, nonce, err := c1.EncryptField("secret")
	require.NoError(t, err)

	_, err = c2.DecryptField(ciphertext, nonce)
	var decErr *relayerrors.DecryptionError
	assert.ErrorAs(t, err, &decErr)
}
