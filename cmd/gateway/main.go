package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/authgw/authheaders"
	"go.pilab.hu/authgw/config"
	"go.pilab.hu/authgw/gateway"
	"go.pilab.hu/authgw/internal/secretbox"
	"go.pilab.hu/authgw/login"
	"go.pilab.hu/authgw/oidc"
	"go.pilab.hu/authgw/providers"
	"go.pilab.hu/authgw/proxy"
	"go.pilab.hu/authgw/tokencache"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogger(cfg)
	log.Info().
		Str("http_port", cfg.HTTPPort).
		Str("external_url", cfg.ExternalURL).
		Str("redis_addr", cfg.RedisAddr).
		Str("log_level", cfg.LogLevel).
		Msg("Starting auth gateway")

	ctx := context.Background()

	codec, err := secretbox.New(cfg.SecretKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize encryption")
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.RedisAddr},
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Cannot reach redis")
	}
	tokens := tokencache.NewStore(tokencache.NewRedisStore(rdb), codec)

	registry, err := buildRegistry(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure providers")
	}

	verifier := oidc.NewVerifier(cfg.OIDCIssuer, cfg.OIDCClientID)
	if !verifier.Ready(ctx) {
		// Not fatal: the provider may come up after us. Requests answer
		// 500 until the signing keys load.
		log.Warn().Str("issuer", cfg.OIDCIssuer).Msg("Identity provider not reachable yet")
	}

	externalURL := cfg.ParsedExternalURL()
	loginServer := login.NewServer(login.Config{
		ExternalURL:      externalURL,
		CLILoginTimeout:  cfg.CLILoginTimeout(),
		MaxTokenLifetime: cfg.MaxTokenLifetimeSec,
	}, registry, tokens, verifier)

	resolver := authheaders.NewResolver(tokens)
	forwarder := proxy.NewForwarder(externalURL, cfg.ProxyTimeout(), tokens)

	routes, err := buildRoutes(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid backend URL in configuration")
	}
	gw := gateway.New(routes, verifier, resolver, forwarder, cfg.GitLabAdminToken)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(requestLogger())
	loginServer.RegisterRoutes(e)
	gw.RegisterRoutes(e)

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("HTTP server listening")
		if err := e.Start(":" + cfg.HTTPPort); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := rdb.Close(); err != nil {
		log.Error().Err(err).Msg("Redis close error")
	}
	log.Info().Msg("Stopped")
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	var logger zerolog.Logger
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	log.Logger = logger.With().Timestamp().Logger()
}

// buildRegistry assembles the provider applications: identity via discovery,
// source control and compute from static endpoints when configured.
func buildRegistry(ctx context.Context, cfg *config.Config) (*providers.Registry, error) {
	identity, err := providers.NewIdentityApp(ctx, cfg.OIDCIssuer, cfg.OIDCClientID, cfg.OIDCClientSecret)
	if err != nil {
		return nil, err
	}
	apps := []providers.App{identity}
	if cfg.GitLabURL != "" {
		apps = append(apps, providers.NewSourceControlApp(cfg.GitLabURL, cfg.GitLabClientID, cfg.GitLabClientSecret))
	}
	if cfg.ComputeURL != "" {
		apps = append(apps, providers.NewComputeApp(cfg.ComputeURL, cfg.ComputeClientID, cfg.ComputeClientSecret))
	}
	return providers.NewRegistry(apps...), nil
}

func buildRoutes(cfg *config.Config) ([]gateway.Route, error) {
	var routes []gateway.Route
	add := func(prefix, raw string, strategy gateway.StrategyKind, strict bool) error {
		if raw == "" {
			return nil
		}
		backend, err := url.Parse(raw)
		if err != nil {
			return err
		}
		routes = append(routes, gateway.Route{
			Prefix: prefix, Backend: backend, Strategy: strategy, StrictAuth: strict,
		})
		return nil
	}
	if err := add("/api/repos", cfg.GitLabURL, gateway.StrategySourceControl, false); err != nil {
		return nil, err
	}
	if err := add("/api/renku", cfg.CoreServiceURL, gateway.StrategyCoreAPI, false); err != nil {
		return nil, err
	}
	if err := add("/api/notebooks", cfg.ComputeURL, gateway.StrategyCompute, false); err != nil {
		return nil, err
	}
	if cfg.GitLabAdminToken != "" {
		if err := add("/api/graph", cfg.GitLabURL, gateway.StrategyAdmin, true); err != nil {
			return nil, err
		}
	}
	return routes, nil
}

// requestLogger emits one structured line per request and threads the logger
// through the request context for handlers to enrich.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			logger := log.With().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Logger()
			c.SetRequest(req.WithContext(logger.WithContext(req.Context())))

			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Info().
				Int("status", c.Response().Status).
				Dur("elapsed", time.Since(start)).
				Msg("request")
			return err
		}
	}
}
