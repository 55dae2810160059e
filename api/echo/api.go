package echo

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/agentworkforce/edge-relay/domain"
	relayerrors "github.com/agentworkforce/edge-relay/errors"
	"github.com/agentworkforce/edge-relay/ratelimit"
	"github.com/agentworkforce/edge-relay/registry"
	"github.com/agentworkforce/edge-relay/services"
	"github.com/agentworkforce/edge-relay/webhook"
)

// maxWebhookBody bounds the raw body read for signature verification.
const maxWebhookBody = 1 << 20

// RelayAPI struct to hold dependencies.
type RelayAPI struct {
	oauth    *services.OAuthService
	limiter  *ratelimit.Limiter
	registry *registry.Registry
	receiver *webhook.Receiver
	sender   *webhook.Sender

	successURL string
	failureURL string

	refreshLimit  int
	refreshWindow time.Duration
}

// Options carries the handler-level settings the API needs beyond its
// service dependencies.
type Options struct {
	SuccessURL    string
	FailureURL    string
	RefreshLimit  int
	RefreshWindow time.Duration
}

// NewRelayAPI initializes the relay HTTP API.
func NewRelayAPI(
	oauth *services.OAuthService,
	limiter *ratelimit.Limiter,
	reg *registry.Registry,
	receiver *webhook.Receiver,
	sender *webhook.Sender,
	opts Options,
) *RelayAPI {
	return &RelayAPI{
		oauth:         oauth,
		limiter:       limiter,
		registry:      reg,
		receiver:      receiver,
		sender:        sender,
		successURL:    opts.SuccessURL,
		failureURL:    opts.FailureURL,
		refreshLimit:  opts.RefreshLimit,
		refreshWindow: opts.RefreshWindow,
	}
}

// RegisterRoutes registers the relay routes.
func (a *RelayAPI) RegisterRoutes(e *echo.Echo) {
	e.GET("/oauth/authorize", a.AuthorizeHandler)
	e.GET("/oauth/callback", a.CallbackHandler)
	e.POST("/oauth/refresh-token", a.RefreshHandler)

	e.POST("/webhook", a.WebhookHandler)
	e.POST("/edge/register", a.RegisterEdgeHandler)
	e.POST("/events/status", a.StatusHandler)

	e.GET("/healthz", a.HealthzHandler)
}

// AuthorizeHandler starts the OAuth flow: it persists an anti-forgery
// state and redirects the browser to the upstream authorization endpoint.
func (a *RelayAPI) AuthorizeHandler(c echo.Context) error {
	redirect, err := a.oauth.AuthorizeURL(c.Request().Context(), c.QueryParam("workspaceId"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to build authorize redirect")
		return c.JSON(http.StatusInternalServerError, errorBody("authorization unavailable"))
	}
	return c.Redirect(http.StatusFound, redirect)
}

// CallbackHandler completes the OAuth flow. Every failure redirects to the
// generic failure page; internal detail is only logged.
func (a *RelayAPI) CallbackHandler(c echo.Context) error {
	if upstreamErr := c.QueryParam("error"); upstreamErr != "" {
		log.Warn().Str("error", upstreamErr).Msg("Upstream denied authorization")
		return c.Redirect(http.StatusFound, a.failureURL)
	}

	err := a.oauth.HandleCallback(c.Request().Context(), c.QueryParam("code"), c.QueryParam("state"))
	if err != nil {
		log.Error().Err(err).Msg("OAuth callback failed")
		return c.Redirect(http.StatusFound, a.failureURL)
	}
	return c.Redirect(http.StatusFound, a.successURL)
}

type refreshRequest struct {
	WorkspaceID string `json:"workspaceId"`
}

// RefreshHandler refreshes the stored token for one workspace. The rate
// limiter runs here, at the boundary, before the service is invoked.
func (a *RelayAPI) RefreshHandler(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil || req.WorkspaceID == "" {
		return c.JSON(http.StatusBadRequest, errorBody("workspaceId is required"))
	}

	ctx := c.Request().Context()
	res, err := a.limiter.Check(ctx, "refresh:"+req.WorkspaceID, a.refreshLimit, a.refreshWindow)
	if err != nil {
		log.Error().Err(err).Str("workspace_id", req.WorkspaceID).Msg("Rate limit check failed")
		return c.JSON(http.StatusInternalServerError, errorBody("token refresh failed"))
	}
	if !res.Allowed {
		c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
		return c.JSON(http.StatusTooManyRequests, errorBody("rate limit exceeded"))
	}

	token, err := a.oauth.Refresh(ctx, req.WorkspaceID)
	if err != nil {
		return a.refreshError(c, req.WorkspaceID, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success":     true,
		"accessToken": token.AccessToken,
		"expiresAt":   token.ExpiresAt,
		"obtainedAt":  token.ObtainedAt,
	})
}

// refreshError maps the domain error taxonomy to the refresh endpoint's
// status codes. Full detail stays in the server log.
func (a *RelayAPI) refreshError(c echo.Context, workspaceID string, err error) error {
	log.Error().Err(err).Str("workspace_id", workspaceID).Msg("Token refresh failed")

	var notFound *relayerrors.NotFoundError
	var permanent *relayerrors.PermanentRefreshError
	var rateLimited *relayerrors.RateLimitedError
	switch {
	case errors.As(err, &notFound):
		return c.JSON(http.StatusNotFound, errorBody("no refresh token available"))
	case errors.As(err, &permanent):
		return c.JSON(http.StatusUnauthorized, errorBody("refresh token invalid or expired"))
	case errors.As(err, &rateLimited):
		c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rateLimited.RetryAfter)))
		return c.JSON(http.StatusTooManyRequests, errorBody("rate limit exceeded"))
	default:
		return c.JSON(http.StatusInternalServerError, errorBody("token refresh failed"))
	}
}

// WebhookHandler verifies and accepts an upstream webhook. The 200
// acknowledgement never waits for fan-out; delivery runs in a detached
// task wired into the receiver callback.
func (a *RelayAPI) WebhookHandler(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("unreadable body"))
	}

	_, err = a.receiver.Handle(c.Request().Context(), body, c.Request().Header.Get(webhook.SignatureHeader))
	if err != nil {
		var authErr *relayerrors.AuthError
		if errors.As(err, &authErr) {
			return c.JSON(http.StatusUnauthorized, errorBody("invalid signature"))
		}
		return c.JSON(http.StatusBadRequest, errorBody("malformed payload"))
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

type registerRequest struct {
	WorkspaceID string `json:"workspaceId"`
	EndpointURL string `json:"endpointUrl"`
	AuthToken   string `json:"authToken"`
}

// RegisterEdgeHandler upserts an edge-worker registration.
func (a *RelayAPI) RegisterEdgeHandler(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("malformed registration"))
	}
	if req.WorkspaceID == "" || req.EndpointURL == "" || req.AuthToken == "" {
		return c.JSON(http.StatusBadRequest, errorBody("workspaceId, endpointUrl and authToken are required"))
	}
	endpoint, err := url.Parse(req.EndpointURL)
	if err != nil || (endpoint.Scheme != "http" && endpoint.Scheme != "https") || endpoint.Host == "" {
		return c.JSON(http.StatusBadRequest, errorBody("endpointUrl must be an absolute http(s) URL"))
	}

	stored, created, err := a.registry.Register(c.Request().Context(), &domain.EdgeWorkerRegistration{
		WorkspaceID: req.WorkspaceID,
		EndpointURL: req.EndpointURL,
		AuthToken:   req.AuthToken,
	})
	if err != nil {
		log.Error().Err(err).Str("workspace_id", req.WorkspaceID).Msg("Edge registration failed")
		return c.JSON(http.StatusInternalServerError, errorBody("registration failed"))
	}
	log.Info().
		Str("workspace_id", stored.WorkspaceID).
		Str("endpoint", stored.EndpointURL).
		Bool("created", created).
		Msg("Edge worker registered")
	return c.JSON(http.StatusOK, map[string]any{
		"registration": stored,
		"created":      created,
	})
}

// StatusHandler records an edge worker status callback.
func (a *RelayAPI) StatusHandler(c echo.Context) error {
	var update domain.StatusUpdate
	if err := c.Bind(&update); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("malformed status update"))
	}

	if err := a.sender.HandleStatusUpdate(c.Request().Context(), &update); err != nil {
		var validation *relayerrors.ValidationError
		var notFound *relayerrors.NotFoundError
		switch {
		case errors.As(err, &validation):
			return c.JSON(http.StatusBadRequest, errorBody("malformed status update"))
		case errors.As(err, &notFound):
			return c.JSON(http.StatusNotFound, errorBody("unknown registration"))
		default:
			log.Error().Err(err).Str("workspace_id", update.WorkspaceID).Msg("Status update failed")
			return c.JSON(http.StatusInternalServerError, errorBody("status update failed"))
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

// HealthzHandler reports liveness.
func (a *RelayAPI) HealthzHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

func errorBody(message string) map[string]any {
	return map[string]any{"success": false, "error": message}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(d.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}
