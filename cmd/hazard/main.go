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
	flag.StringVar(&flagconf, "conf", "configs/hazard.yaml", "config path, eg: -conf hazard.yaml")
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
	if err := cfg.Validate(conf.AppHazard); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	m := metrics.New(string(conf.AppHazard))
	page := api.Page{Title: cfg.Hazard.Title, StyleFile: cfg.Hazard.StyleFile}
	router := api.NewRouter(m, api.NewHazardHandler(page, cfg.Hazard.LegitClientURL, logger))

	logger.Info("hazard service configured", "legit_client_url", cfg.Hazard.LegitClientURL)
	if err := server.Run(ctx, cfg.Server.Addr(), server.Middleware(router, logger), logger, cfg.Server.ShutdownTimeout); err != nil {
		logger.Error("hazard service stopped", "error", err)
		os.Exit(1)
	}
}
