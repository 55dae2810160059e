package domain

import "time"

// expiryBuffer is subtracted from the stored expiry so tokens are refreshed
// before they actually lapse upstream.
const expiryBuffer = 5 * time.Minute

// OAuthToken is the plaintext per-workspace credential obtained from the
// upstream. It is replaced wholesale by a successful refresh and deleted
// when revoked or found corrupt on read.
type OAuthToken struct {
	WorkspaceID  string   `json:"workspaceId"`
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken,omitempty"`
	ExpiresAt    int64    `json:"expiresAt,omitempty"` // epoch millis, 0 when unknown
	ObtainedAt   int64    `json:"obtainedAt"`          // epoch millis
	Scope        []string `json:"scope,omitempty"`
}

// ExpiresIn returns the remaining lifetime of the token, or 0 when no
// expiry is known.
func (t *OAuthToken) ExpiresIn() time.Duration {
	if t.ExpiresAt == 0 {
		return 0
	}
	return time.Until(time.UnixMilli(t.ExpiresAt))
}

// IsExpired reports whether the token is expired or will expire within the
// refresh-ahead buffer. Tokens without a known expiry never report expired.
func (t *OAuthToken) IsExpired() bool {
	if t.ExpiresAt == 0 {
		return false
	}
	return time.Now().After(time.UnixMilli(t.ExpiresAt).Add(-expiryBuffer))
}

// EncryptedOAuthToken is the storage form of OAuthToken. Both secret fields
// are encrypted independently, each under its own nonce. RefreshTokenIV is
// optional for records written before per-field nonces existed; such
// records are decrypted by reusing the access-token nonce.
type EncryptedOAuthToken struct {
	WorkspaceID    string   `json:"workspaceId"`
	AccessToken    string   `json:"accessToken"`
	RefreshToken   string   `json:"refreshToken,omitempty"`
	IV             string   `json:"iv"`
	RefreshTokenIV string   `json:"refreshTokenIv,omitempty"`
	ExpiresAt      int64    `json:"expiresAt,omitempty"`
	ObtainedAt     int64    `json:"obtainedAt"`
	Scope          []string `json:"scope,omitempty"`
}
