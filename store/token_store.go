// Package store persists encrypted per-workspace OAuth tokens in the
// shared key-value service.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentworkforce/edge-relay/domain"
	relayerrors "github.com/agentworkforce/edge-relay/errors"
	"github.com/agentworkforce/edge-relay/kv"
	"github.com/agentworkforce/edge-relay/tokencipher"
)

const tokenKeyPrefix = "oauth:token:"

// minTokenTTL keeps a record readable at least briefly even when the
// token is already at the edge of its lifetime.
const minTokenTTL = time.Second

// TokenStore is the storage contract for workspace credentials. Defined as
// an interface so alternate backends can be substituted without touching
// the OAuth service.
type TokenStore interface {
	// Save encrypts and persists the token, keyed by workspace, with a
	// TTL matching the token's remaining lifetime when one is known.
	Save(ctx context.Context, token *domain.OAuthToken) error
	// Get returns the decrypted token, or found=false when absent. A
	// record that fails decryption is deleted and reported as absent.
	Get(ctx context.Context, workspaceID string) (token *domain.OAuthToken, found bool, err error)
	// Delete removes the stored token. Idempotent.
	Delete(ctx context.Context, workspaceID string) error
}

// KVTokenStore implements TokenStore on the shared key-value service.
type KVTokenStore struct {
	store  kv.Store
	cipher *tokencipher.Cipher
}

var _ TokenStore = (*KVTokenStore)(nil)

// NewKVTokenStore creates a new [KVTokenStore].
func NewKVTokenStore(store kv.Store, cipher *tokencipher.Cipher) *KVTokenStore {
	return &KVTokenStore{store: store, cipher: cipher}
}

func tokenKey(workspaceID string) string {
	return tokenKeyPrefix + workspaceID
}

func (s *KVTokenStore) Save(ctx context.Context, token *domain.OAuthToken) error {
	enc, err := s.cipher.EncryptToken(token)
	if err != nil {
		return fmt.Errorf("encrypt token for %s: %w", token.WorkspaceID, err)
	}
	payload, err := json.Marshal(enc)
	if err != nil {
		return fmt.Errorf("marshal token for %s: %w", token.WorkspaceID, err)
	}

	var ttl time.Duration
	if token.ExpiresAt > 0 {
		ttl = time.Until(time.UnixMilli(token.ExpiresAt))
		if ttl < minTokenTTL {
			ttl = minTokenTTL
		}
	}
	return s.store.Put(ctx, tokenKey(token.WorkspaceID), payload, ttl)
}

func (s *KVTokenStore) Get(ctx context.Context, workspaceID string) (*domain.OAuthToken, bool, error) {
	payload, found, err := s.store.Get(ctx, tokenKey(workspaceID))
	if err != nil {
		return nil, false, fmt.Errorf("load token for %s: %w", workspaceID, err)
	}
	if !found {
		return nil, false, nil
	}

	var enc domain.EncryptedOAuthToken
	if err := json.Unmarshal(payload, &enc); err != nil {
		return nil, false, s.discardCorrupt(ctx, workspaceID, relayerrors.NewDecryption(err))
	}
	token, err := s.cipher.DecryptToken(&enc)
	if err != nil {
		return nil, false, s.discardCorrupt(ctx, workspaceID, err)
	}
	return token, true, nil
}

func (s *KVTokenStore) Delete(ctx context.Context, workspaceID string) error {
	return s.store.Delete(ctx, tokenKey(workspaceID))
}

// discardCorrupt deletes an unreadable record so subsequent reads see a
// clean miss instead of re-attempting decryption of stale bytes.
func (s *KVTokenStore) discardCorrupt(ctx context.Context, workspaceID string, cause error) error {
	log.Warn().
		Err(cause).
		Str("workspace_id", workspaceID).
		Msg("Stored token unreadable, deleting corrupted record")

	if err := s.store.Delete(ctx, tokenKey(workspaceID)); err != nil {
		log.Error().Err(err).
			Str("workspace_id", workspaceID).
			Msg("Failed to delete corrupted token record")
	}
	return nil
}
