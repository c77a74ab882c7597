package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/auth"
	"github.com/rhuss/chatrelay/pkg/auth/apikey"
	"github.com/rhuss/chatrelay/pkg/auth/jwt"
	"github.com/rhuss/chatrelay/pkg/auth/noop"
	"github.com/rhuss/chatrelay/pkg/config"
	"github.com/rhuss/chatrelay/pkg/engine"
	"github.com/rhuss/chatrelay/pkg/provider"
	"github.com/rhuss/chatrelay/pkg/provider/cloudapi"
	"github.com/rhuss/chatrelay/pkg/provider/generate"
	"github.com/rhuss/chatrelay/pkg/provider/openaicompat"
	"github.com/rhuss/chatrelay/pkg/session"
	"github.com/rhuss/chatrelay/pkg/storage"
	"github.com/rhuss/chatrelay/pkg/storage/memory"
	"github.com/rhuss/chatrelay/pkg/storage/postgres"
	"github.com/rhuss/chatrelay/pkg/storage/sqlite"
	transporthttp "github.com/rhuss/chatrelay/pkg/transport/http"
	"github.com/rhuss/chatrelay/pkg/transport/ws"
)

// buildProviders creates one adapter per enabled backend.
func buildProviders(cfg *config.Config) (*provider.Registry, error) {
	reg := provider.NewRegistry()

	if b := cfg.Backends.RawGenerate; b.Enabled {
		p, err := generate.New(generate.Config{
			BaseURL:            b.BaseURL,
			APIKey:             b.APIKey,
			Timeout:            b.Timeout,
			ReadTimeout:        b.ReadTimeout,
			MaxMalformedFrames: b.MaxMalformedFrames,
		})
		if err != nil {
			return nil, err
		}
		reg.Register(p)
	}

	if b := cfg.Backends.OpenAICompatible; b.Enabled {
		p, err := openaicompat.New(openaicompat.Config{
			Runtime:            b.Runtime,
			BaseURL:            b.BaseURL,
			APIKey:             b.APIKey,
			Timeout:            b.Timeout,
			ReadTimeout:        b.ReadTimeout,
			MaxMalformedFrames: b.MaxMalformedFrames,
			ModelMapping:       b.ModelMapping,
		})
		if err != nil {
			return nil, err
		}
		reg.Register(p)
	}

	if b := cfg.Backends.VendorAPI; b.Enabled {
		p, err := cloudapi.New(cloudapi.Config{
			BaseURL:            b.BaseURL,
			APIKey:             b.APIKey,
			Organization:       b.Organization,
			Timeout:            b.Timeout,
			ReadTimeout:        b.ReadTimeout,
			MaxMalformedFrames: b.MaxMalformedFrames,
		})
		if err != nil {
			return nil, err
		}
		reg.Register(p)
	}

	if len(reg.Backends()) == 0 {
		return nil, fmt.Errorf("no backend enabled")
	}
	return reg, nil
}

// buildStore opens the configured conversation store.
func buildStore(ctx context.Context, cfg *config.Config) (storage.ConversationStore, error) {
	switch cfg.Storage.Type {
	case "postgres":
		pg := cfg.Storage.Postgres
		s, err := postgres.New(ctx, postgres.Config{
			DSN:             pg.DSN,
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnLifetime: pg.MaxConnLifetime,
			MigrateOnStart:  pg.MigrateOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.New(cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return s, nil
	default:
		return memory.New(cfg.Storage.Memory.MaxSize), nil
	}
}

func sessionConfig(cfg *config.Config) session.Config {
	backend, _ := api.ParseBackend(cfg.Engine.DefaultBackend)
	models := make(map[api.Backend]string)
	for b, bc := range cfg.Backends.Enabled() {
		if bc.DefaultModel != "" {
			models[b] = bc.DefaultModel
		}
	}
	return session.Config{
		DefaultBackend: backend,
		DefaultModel:   cfg.Engine.DefaultModel,
		DefaultModels:  models,
		Retry: session.RetryConfig{
			InitialInterval: cfg.Storage.Retry.InitialInterval,
			MaxInterval:     cfg.Storage.Retry.MaxInterval,
			MaxElapsed:      cfg.Storage.Retry.MaxElapsed,
		},
		Engine: engine.Config{
			ExchangeTimeout: cfg.Engine.ExchangeTimeout,
			EventBuffer:     cfg.Engine.EventBuffer,
			DefaultParams:   cfg.Engine.Params.GenerationParams(),
		},
	}
}

func serverOptions(cfg *config.Config, logger *slog.Logger) []transporthttp.ServerOption {
	metricsPath := ""
	if cfg.Observability.Metrics.Enabled {
		metricsPath = cfg.Observability.Metrics.Path
	}
	return []transporthttp.ServerOption{
		transporthttp.WithAddr(fmt.Sprintf(":%d", cfg.Server.Port)),
		transporthttp.WithMaxBodySize(cfg.Server.MaxBodySize),
		transporthttp.WithMetricsPath(metricsPath),
		transporthttp.WithReadHeaderTimeout(cfg.Server.ReadHeaderTimeout),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithLogger(logger),
	}
}

func wsConfig(cfg *config.Config) ws.Config {
	return ws.Config{
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		PingInterval:   cfg.WebSocket.PingInterval,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
	}
}

// buildAuth returns the HTTP auth middleware for the configured type.
func buildAuth(cfg *config.Config, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	ac := cfg.Auth

	var keys []apikey.Key
	for _, k := range ac.Keys {
		keys = append(keys, apikey.Key{
			Key:     k.Key,
			Subject: k.Subject,
			Tenant:  k.Tenant,
			Tier:    k.Tier,
			Scopes:  k.Scopes,
		})
	}

	var chain *auth.Chain
	switch ac.Type {
	case "apikey":
		chain = auth.NewChain(apikey.New(keys))
	case "jwt":
		jc := jwt.Config{
			Issuer:      ac.JWT.Issuer,
			Audience:    ac.JWT.Audience,
			UserClaim:   ac.JWT.UserClaim,
			TenantClaim: ac.JWT.TenantClaim,
			Leeway:      ac.JWT.Leeway,
		}
		if ac.JWT.Secret != "" {
			jc.Secret = []byte(ac.JWT.Secret)
		} else {
			pem, err := os.ReadFile(ac.JWT.PublicKeyFile)
			if err != nil {
				return nil, fmt.Errorf("auth.jwt.public_key_file: %w", err)
			}
			jc.PublicKeyPEM = pem
		}
		j, err := jwt.New(jc)
		if err != nil {
			return nil, err
		}
		// API keys, when configured, work next to tokens.
		authenticators := []auth.Authenticator{j}
		if len(keys) > 0 {
			authenticators = append(authenticators, apikey.New(keys))
		}
		chain = auth.NewChain(authenticators...)
	default:
		chain = auth.NewChain(noop.Authenticator{})
	}

	var limiter auth.Limiter
	if rl := ac.RateLimit; rl.RequestsPerMinute > 0 || len(rl.Tiers) > 0 {
		tiers := make(map[string]auth.TierLimit, len(rl.Tiers))
		for name, t := range rl.Tiers {
			tiers[name] = auth.TierLimit{RequestsPerMinute: t.RequestsPerMinute, Burst: t.Burst}
		}
		limiter = auth.NewTokenBucketLimiter(tiers, auth.TierLimit{RequestsPerMinute: rl.RequestsPerMinute, Burst: rl.Burst})
	}

	bypass := append([]string(nil), auth.DefaultBypassEndpoints...)
	if p := cfg.Observability.Metrics.Path; p != "" {
		bypass = append(bypass, p)
	}
	return auth.Middleware(chain, limiter, bypass, logger), nil
}
