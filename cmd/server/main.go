package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	relayapi "github.com/agentworkforce/edge-relay/api/echo"
	"github.com/agentworkforce/edge-relay/config"
	"github.com/agentworkforce/edge-relay/domain"
	"github.com/agentworkforce/edge-relay/kv"
	"github.com/agentworkforce/edge-relay/ratelimit"
	"github.com/agentworkforce/edge-relay/registry"
	"github.com/agentworkforce/edge-relay/services"
	"github.com/agentworkforce/edge-relay/store"
	"github.com/agentworkforce/edge-relay/tokencipher"
	"github.com/agentworkforce/edge-relay/webhook"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logLevel, parseErr := zerolog.ParseLevel(cfg.LogLevel)
	if parseErr != nil {
		logLevel = zerolog.InfoLevel
		log.Warn().
			Str("configured_log_level", cfg.LogLevel).
			Msg("Invalid LOG_LEVEL configured, defaulting to 'info'")
	}
	zerolog.SetGlobalLevel(logLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	log.Info().
		Str("http_port", cfg.HTTPPort).
		Str("redis_addr", cfg.RedisAddr).
		Str("log_level", logLevel.String()).
		Msg("Starting edge-relay server")

	ctx := context.Background()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to redis")
	}

	cipher, err := tokencipher.New(cfg.TokenEncryptionSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize token cipher")
	}

	kvStore := kv.NewRedisStore(redisClient, cfg.RedisPrefix)
	tokens := store.NewKVTokenStore(kvStore, cipher)
	limiter := ratelimit.NewLimiter(kvStore)
	edgeRegistry := registry.NewRegistry(kvStore)

	oauthService := services.NewOAuthService(tokens, kvStore, services.UpstreamConfig{
		ClientID:     cfg.UpstreamClientID,
		ClientSecret: cfg.UpstreamClientSecret,
		AuthorizeURL: cfg.UpstreamAuthorizeURL,
		TokenURL:     cfg.UpstreamTokenURL,
		RedirectURL:  cfg.OAuthRedirectURL,
		Scopes:       cfg.Scopes(),
	})

	sender := webhook.NewSender(edgeRegistry)
	receiver := webhook.NewReceiver(cfg.WebhookSecret, func(ctx context.Context, wh *domain.Webhook) {
		if _, err := sender.Dispatch(ctx, sender.Transform(wh)); err != nil {
			log.Error().Err(err).
				Str("workspace_id", wh.OrganizationID).
				Str("type", wh.Type).
				Msg("Webhook fan-out failed")
		}
	})

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v echomw.RequestLoggerValues) error {
			log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Msg("Request handled")
			return nil
		},
	}))

	api := relayapi.NewRelayAPI(oauthService, limiter, edgeRegistry, receiver, sender, relayapi.Options{
		SuccessURL:    cfg.OAuthSuccessURL,
		FailureURL:    cfg.OAuthFailureURL,
		RefreshLimit:  cfg.RefreshRateLimit,
		RefreshWindow: time.Duration(cfg.RefreshRateWindowSec) * time.Second,
	})
	api.RegisterRoutes(e)

	go func() {
		if err := e.Start(":" + cfg.HTTPPort); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := redisClient.Close(); err != nil {
		log.Error().Err(err).Msg("Redis client close failed")
	}
}
