// Package services holds the OAuth protocol orchestration: the
// authorize/callback exchange with the upstream and the refresh flow with
// its retry and deduplication policies.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/edge-relay/domain"
	relayerrors "github.com/agentworkforce/edge-relay/errors"
	"github.com/agentworkforce/edge-relay/kv"
	"github.com/agentworkforce/edge-relay/store"
)

const (
	stateKeyPrefix = "oauth:state:"
	stateTTL       = 10 * time.Minute

	// refreshMaxAttempts bounds the upstream call budget per refresh:
	// the first try plus two retries.
	refreshMaxAttempts = 3
)

// UpstreamConfig describes the upstream OAuth endpoints and this relay's
// client credentials.
type UpstreamConfig struct {
	ClientID     string
	ClientSecret string
	AuthorizeURL string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
}

// OAuthService owns the token lifecycle for all workspaces: the
// authorize/callback exchange, and refresh with retry, backoff and
// in-process deduplication.
//
// The deduplication is best-effort and instance-local: concurrent Refresh
// calls for one workspace within this process collapse into a single
// upstream call, but separate service instances each keep their own
// in-flight state. Cross-instance exclusivity would need a lease in the
// shared store and is intentionally not provided.
type OAuthService struct {
	tokens   store.TokenStore
	state    kv.Store
	upstream UpstreamConfig

	httpClient   *http.Client
	refreshGroup singleflight.Group

	// retryBaseInterval is the first backoff delay; tests shrink it.
	retryBaseInterval time.Duration
	now               func() time.Time
}

// NewOAuthService creates a new [OAuthService]. The state store is the
// shared key-value service; anti-forgery state lives there under a short
// TTL so any instance can complete a callback.
func NewOAuthService(tokens store.TokenStore, state kv.Store, upstream UpstreamConfig) *OAuthService {
	return &OAuthService{
		tokens:            tokens,
		state:             state,
		upstream:          upstream,
		httpClient:        &http.Client{Timeout: 30 * time.Second},
		retryBaseInterval: time.Second,
		now:               time.Now,
	}
}

// stateRecord is the transient anti-forgery record persisted during the
// authorize redirect and consumed by the callback.
type stateRecord struct {
	WorkspaceID string `json:"workspaceId,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

// tokenResponse is the upstream token endpoint's JSON body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	WorkspaceID  string `json:"workspace_id,omitempty"`
}

// AuthorizeURL generates a single-use anti-forgery state value, persists
// it under a short TTL, and returns the upstream authorization URL to
// redirect the caller to.
func (s *OAuthService) AuthorizeURL(ctx context.Context, workspaceID string) (string, error) {
	state := uuid.NewString()
	record, err := json.Marshal(stateRecord{WorkspaceID: workspaceID, CreatedAt: s.now().UnixMilli()})
	if err != nil {
		return "", fmt.Errorf("encode state record: %w", err)
	}
	if err := s.state.Put(ctx, stateKeyPrefix+state, record, stateTTL); err != nil {
		return "", fmt.Errorf("persist oauth state: %w", err)
	}

	authorize, err := url.Parse(s.upstream.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("parse authorize url: %w", err)
	}
	query := authorize.Query()
	query.Set("client_id", s.upstream.ClientID)
	query.Set("redirect_uri", s.upstream.RedirectURL)
	query.Set("response_type", "code")
	query.Set("scope", strings.Join(s.upstream.Scopes, " "))
	query.Set("state", state)
	authorize.RawQuery = query.Encode()
	return authorize.String(), nil
}

// HandleCallback validates the returned state (single use), exchanges the
// authorization code for tokens and persists the result. Upstream error
// detail is logged, never returned; callers show a generic failure page.
func (s *OAuthService) HandleCallback(ctx context.Context, code, state string) error {
	if code == "" {
		return relayerrors.NewValidation("code", "missing authorization code")
	}
	if state == "" {
		return relayerrors.NewInvalidState()
	}

	payload, found, err := s.state.Get(ctx, stateKeyPrefix+state)
	if err != nil {
		return fmt.Errorf("load oauth state: %w", err)
	}
	if !found {
		return relayerrors.NewInvalidState()
	}
	// Single use: the state is consumed whether or not the exchange
	// succeeds.
	if err := s.state.Delete(ctx, stateKeyPrefix+state); err != nil {
		log.Error().Err(err).Msg("Failed to delete consumed oauth state")
	}

	var record stateRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return relayerrors.NewInvalidState()
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", s.upstream.RedirectURL)
	form.Set("client_id", s.upstream.ClientID)
	form.Set("client_secret", s.upstream.ClientSecret)

	resp, status, err := s.tokenRequest(ctx, form)
	if err != nil {
		log.Error().Err(err).Int("status", status).Msg("Authorization code exchange failed")
		return &relayerrors.AuthError{Reason: "authorization failed"}
	}

	workspaceID := resp.WorkspaceID
	if workspaceID == "" {
		workspaceID = record.WorkspaceID
	}
	token, err := s.buildToken(workspaceID, resp, "")
	if err != nil {
		log.Error().Err(err).Msg("Authorization code exchange returned incomplete token")
		return &relayerrors.AuthError{Reason: "authorization failed"}
	}

	if err := s.tokens.Save(ctx, token); err != nil {
		return fmt.Errorf("persist token for %s: %w", token.WorkspaceID, err)
	}
	log.Info().
		Str("workspace_id", token.WorkspaceID).
		Strs("scope", token.Scope).
		Msg("Workspace authorized")
	return nil
}

// Refresh exchanges the stored refresh token for a fresh credential.
// Concurrent calls for the same workspace within this instance attach to
// one in-flight exchange. Transient upstream failures (5xx, 429, network)
// are retried with exponential backoff and jitter up to the attempt
// budget; other 4xx responses fail immediately.
func (s *OAuthService) Refresh(ctx context.Context, workspaceID string) (*domain.OAuthToken, error) {
	result, err, shared := s.refreshGroup.Do(workspaceID, func() (any, error) {
		return s.doRefresh(ctx, workspaceID)
	})
	if shared {
		log.Debug().Str("workspace_id", workspaceID).Msg("Refresh attached to in-flight exchange")
	}
	if err != nil {
		return nil, err
	}
	return result.(*domain.OAuthToken), nil
}

func (s *OAuthService) doRefresh(ctx context.Context, workspaceID string) (*domain.OAuthToken, error) {
	current, found, err := s.tokens.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, relayerrors.NewNotFound("token", workspaceID)
	}
	if current.RefreshToken == "" {
		return nil, relayerrors.NewNotFound("refresh token", workspaceID)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", current.RefreshToken)
	form.Set("client_id", s.upstream.ClientID)
	form.Set("client_secret", s.upstream.ClientSecret)

	operation := func() (*domain.OAuthToken, error) {
		resp, status, err := s.tokenRequest(ctx, form)
		if err != nil {
			if status == 0 || status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
				log.Warn().Err(err).
					Int("status", status).
					Str("workspace_id", workspaceID).
					Msg("Transient refresh failure, will retry")
				return nil, relayerrors.NewTransientUpstream(status, err)
			}
			// Any other 4xx means the refresh token is invalid or
			// revoked; retrying cannot help.
			log.Warn().Err(err).
				Int("status", status).
				Str("workspace_id", workspaceID).
				Msg("Upstream rejected refresh token")
			return nil, backoff.Permanent(relayerrors.NewPermanentRefresh(status, "refresh token rejected"))
		}

		token, err := s.buildToken(workspaceID, resp, current.RefreshToken)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if !scopesEqual(current.Scope, token.Scope) {
			// Monitored security event; the new grant is still accepted.
			log.Warn().
				Str("workspace_id", workspaceID).
				Strs("previous_scope", current.Scope).
				Strs("granted_scope", token.Scope).
				Msg("Granted scope changed on refresh")
		}
		if err := s.tokens.Save(ctx, token); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("persist refreshed token: %w", err))
		}
		return token, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryBaseInterval
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.25

	token, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(refreshMaxAttempts),
	)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("workspace_id", workspaceID).
		Int64("expires_at", token.ExpiresAt).
		Msg("Token refreshed")
	return token, nil
}

// tokenRequest posts the form to the upstream token endpoint. The returned
// status is 0 for transport failures. Response body detail stays in the
// error for server-side logging only.
func (s *OAuthService) tokenRequest(ctx context.Context, form url.Values) (*tokenResponse, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.upstream.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode token response: %w", err)
	}
	return &parsed, resp.StatusCode, nil
}

// buildToken validates the upstream response and assembles the stored
// credential. fallbackRefresh carries the previous refresh token forward
// when the upstream omits one from the response.
func (s *OAuthService) buildToken(workspaceID string, resp *tokenResponse, fallbackRefresh string) (*domain.OAuthToken, error) {
	if workspaceID == "" {
		return nil, relayerrors.NewValidation("workspaceId", "upstream response carries no workspace")
	}
	if resp.AccessToken == "" {
		return nil, relayerrors.NewValidation("access_token", "missing from upstream response")
	}
	if resp.ExpiresIn <= 0 {
		return nil, relayerrors.NewValidation("expires_in", "missing from upstream response")
	}

	refresh := resp.RefreshToken
	if refresh == "" {
		refresh = fallbackRefresh
	}
	now := s.now()
	return &domain.OAuthToken{
		WorkspaceID:  workspaceID,
		AccessToken:  resp.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(time.Duration(resp.ExpiresIn) * time.Second).UnixMilli(),
		ObtainedAt:   now.UnixMilli(),
		Scope:        strings.Fields(resp.Scope),
	}, nil
}

func scopesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, scope := range a {
		seen[scope]++
	}
	for _, scope := range b {
		seen[scope]--
		if seen[scope] < 0 {
			return false
		}
	}
	return true
}
