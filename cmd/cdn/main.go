package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"oidc-demo/internal/api"
	"oidc-demo/internal/conf"
	"oidc-demo/internal/metrics"
	"oidc-demo/internal/server"
)

var flagconf string

func init() {
	flag.StringVar(&flagconf, "conf", "configs/cdn.yaml", "config path, eg: -conf cdn.yaml")
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
	if err := cfg.Validate(conf.AppCDN); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	m := metrics.New(string(conf.AppCDN))
	handler := api.NewCDNHandler(api.CDNConfig{
		StaticDir:      cfg.CDN.StaticDir,
		ConnectSources: cfg.CDN.CSPConnectSources,
		ScriptSources:  cfg.CDN.CSPScriptSources,
		DisableCaching: !cfg.IsProduction(),
	})
	router := api.NewRouter(m, handler)

	logger.Info("cdn configured", "static_dir", cfg.CDN.StaticDir, "caching", cfg.IsProduction())
	if err := server.Run(ctx, cfg.Server.Addr(), server.Middleware(router, logger), logger, cfg.Server.ShutdownTimeout); err != nil {
		logger.Error("cdn stopped", "error", err)
		os.Exit(1)
	}
}
