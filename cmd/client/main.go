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
	"oidc-demo/internal/biz"
	"oidc-demo/internal/conf"
	"oidc-demo/internal/data"
	"oidc-demo/internal/exchange"
	"oidc-demo/internal/metrics"
	"oidc-demo/internal/server"
)

var flagconf string

func init() {
	flag.StringVar(&flagconf, "conf", "configs/client.yaml", "config path, eg: -conf client.yaml")
}

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// load config
	cfg, err := conf.Load(flagconf)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := server.NewLogger(cfg.Log)
	if err := cfg.Validate(conf.AppClient); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("client stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *conf.Config, logger *slog.Logger) error {
	// 手动依赖注入
	// data 层
	sessionRepo, err := data.NewSessionRepo(cfg.Session)
	if err != nil {
		return err
	}
	defer sessionRepo.Close()

	// auth 层
	oidcClient, err := auth.NewOIDCClient(ctx, &cfg.OIDC)
	if err != nil {
		return err
	}
	exchanger := exchange.NewClient(exchange.Config{
		TokenURL:     oidcClient.TokenURL(),
		ClientID:     cfg.OIDC.ClientID,
		ClientSecret: cfg.OIDC.ClientSecret,
		Timeout:      cfg.Client.TokenTimeout,
		Retries:      cfg.Client.Retries(),
	}, logger)

	// biz 层
	login := biz.NewLoginUsecase(biz.LoginConfig{
		ClientID:      cfg.OIDC.ClientID,
		AuthURL:       oidcClient.AuthURL(),
		RedirectURL:   cfg.RedirectURL(),
		DefaultScope:  cfg.Client.DefaultScope,
		EndSessionURL: oidcClient.EndSessionURL(),
		PostLogoutURL: cfg.Server.BaseURL + "/",
		StateTTL:      cfg.Session.StateTTL,
	}, exchanger, oidcClient, oidcClient, logger)

	// api 层
	m := metrics.New(string(conf.AppClient))
	sessions := api.NewSessionManager(sessionRepo, cfg.Session, logger)
	handler := api.NewClientHandler(login, sessions, oidcClient, api.ClientPage{
		Page:         api.Page{Title: cfg.Client.Title, StyleFile: cfg.Client.StyleFile},
		ClientID:     cfg.OIDC.ClientID,
		AuthURL:      oidcClient.AuthURL(),
		DefaultScope: cfg.Client.DefaultScope,
	}, m, logger)
	router := api.NewRouter(m, handler)

	logger.Info("client configured",
		"base_url", cfg.Server.BaseURL,
		"redirect_url", cfg.RedirectURL(),
		"auth_url", oidcClient.AuthURL(),
		"token_url", oidcClient.TokenURL())
	return server.Run(ctx, cfg.Server.Addr(), server.Middleware(router, logger), logger, cfg.Server.ShutdownTimeout)
}
