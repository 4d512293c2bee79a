package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"oidc-demo/internal/api"
	"oidc-demo/internal/auth"
	"oidc-demo/internal/biz"
	"oidc-demo/internal/conf"
	"oidc-demo/internal/data"
	"oidc-demo/internal/metrics"
	"oidc-demo/internal/server"
)

var flagconf string

func init() {
	flag.StringVar(&flagconf, "conf", "configs/objectstore.yaml", "config path, eg: -conf objectstore.yaml")
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
	if err := cfg.Validate(conf.AppObjectStore); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("object store stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *conf.Config, logger *slog.Logger) error {
	repo, err := data.NewSQLiteObjectRepo(cfg.ObjectStore.DBPath)
	if err != nil {
		return err
	}
	defer repo.Close()

	objects := biz.NewObjectUsecase(repo, logger)
	seed, err := objects.Seed(ctx)
	if err != nil {
		return err
	}
	logger.Info("seeded test object", "id", seed.ID)

	m := metrics.New(string(conf.AppObjectStore))
	var handler api.RouteRegistrar
	switch cfg.ObjectStore.Mode {
	case conf.ObjectStoreModeAPI:
		verifier, err := auth.NewAccessTokenVerifier(ctx, auth.AccessTokenConfig{
			IssuerURL:  cfg.OIDC.IssuerURL,
			JWKSURL:    cfg.OIDC.JWKSURL,
			Audience:   cfg.ObjectStore.Audience,
			Algorithms: cfg.ObjectStore.Algorithms,
		}, logger)
		if err != nil {
			return err
		}
		handler = api.NewObjectsHandler(objects, verifier.Middleware(), cfg.ObjectStore.WriteScope, m, logger)
	case conf.ObjectStoreModeWeb:
		var csrf *api.CSRFGuard
		if cfg.ObjectStore.CSRFProtection {
			csrf = api.NewCSRFGuard(cfg.ObjectStore.CookieSecret)
		}
		page := api.Page{Title: cfg.ObjectStore.Title, StyleFile: cfg.ObjectStore.StyleFile}
		handler = api.NewObjectsWebHandler(objects, csrf, page, m, logger)
	}

	var h http.Handler = api.NewRouter(m, handler)
	h = api.WithCORS(h, cfg.ObjectStore.AllowedOrigins)

	logger.Info("object store configured",
		"mode", cfg.ObjectStore.Mode,
		"db_path", cfg.ObjectStore.DBPath,
		"csrf_protection", cfg.ObjectStore.CSRFProtection)
	return server.Run(ctx, cfg.Server.Addr(), server.Middleware(h, logger), logger, cfg.Server.ShutdownTimeout)
}
