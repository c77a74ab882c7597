// Command server runs the chatrelay chat gateway.
//
// Configuration is read from a YAML file (--config, CHATRELAY_CONFIG,
// ./config.yaml or /etc/chatrelay/config.yaml) with CHATRELAY_*
// environment overrides. See pkg/config for the full list.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/rhuss/chatrelay/pkg/config"
	"github.com/rhuss/chatrelay/pkg/debug"
	"github.com/rhuss/chatrelay/pkg/session"
	"github.com/rhuss/chatrelay/pkg/transport"
	transporthttp "github.com/rhuss/chatrelay/pkg/transport/http"
	"github.com/rhuss/chatrelay/pkg/transport/ws"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logCfg := cfg.Observability.Logging
	debug.Init(logCfg.Debug, logCfg.Level, logCfg.Format)
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := buildProviders(cfg)
	if err != nil {
		return err
	}
	defer providers.Close()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	manager, err := session.New(store, providers, sessionConfig(cfg))
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}

	srv := transporthttp.NewServer(manager, manager, serverOptions(cfg, logger)...)

	if cfg.WebSocket.Enabled {
		chat := transport.Chain(
			transport.Recovery(),
			transport.RequestID(),
			transport.Logging(logger),
		)(manager)
		wsSrv := ws.NewServer(chat, manager, nil, wsConfig(cfg), logger)
		srv.Adapter().Handle("GET "+cfg.WebSocket.Path, wsSrv)
		srv.RegisterOnShutdown(func() {
			if n := wsSrv.Connections().CancelAll(); n > 0 {
				logger.Info("closed websocket connections", "count", n)
			}
		})
	}

	authMW, err := buildAuth(cfg, logger)
	if err != nil {
		return err
	}
	srv.Adapter().Use(authMW)

	logger.Info("chatrelay starting",
		"port", cfg.Server.Port,
		"backends", providers.Backends(),
		"default_backend", cfg.Engine.DefaultBackend,
		"storage", cfg.Storage.Type,
		"auth", cfg.Auth.Type,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := manager.Close(closeCtx); err != nil {
			logger.Warn("session manager did not drain", "error", err)
		}
		return nil
	})
	return g.Wait()
}
