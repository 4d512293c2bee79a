package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"oidc-demo/internal/api"
	"oidc-demo/internal/auth"
	"oidc-demo/internal/conf"
	"oidc-demo/internal/data"
	"oidc-demo/internal/metrics"
	"oidc-demo/internal/server"
)

var flagconf string

func init() {
	flag.StringVar(&flagconf, "conf", "configs/bff.yaml", "config path, eg: -conf bff.yaml")
}

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := conf.Load(flagconf)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := server.NewLogger(cfg.Log)
	if err := cfg.Validate(conf.AppBFF); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("bff stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *conf.Config, logger *slog.Logger) error {
	sessionRepo, err := data.NewSessionRepo(cfg.Session)
	if err != nil {
		return err
	}
	defer sessionRepo.Close()

	oidcClient, err := auth.NewOIDCClient(ctx, &cfg.OIDC)
	if err != nil {
		return err
	}

	m := metrics.New(string(conf.AppBFF))
	sessions := api.NewSessionManager(sessionRepo, cfg.Session, logger)
	handler := api.NewBFFHandler(oidcClient, sessions, api.BFFConfig{
		SPAURL:   cfg.BFF.SPAURL,
		Scopes:   cfg.BFF.Scopes,
		StateTTL: cfg.Session.StateTTL,
	}, m, logger)

	var origins []string
	if cfg.BFF.SPAOrigin != "" {
		origins = []string{cfg.BFF.SPAOrigin}
	}
	h := api.WithCORS(api.NewRouter(m, handler), origins)

	logger.Info("bff configured", "spa_url", cfg.BFF.SPAURL, "auth_url", oidcClient.AuthURL())
	return server.Run(ctx, cfg.Server.Addr(), server.Middleware(h, logger), logger, cfg.Server.ShutdownTimeout)
}
