package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"oidc-demo/internal/conf"
	"oidc-demo/internal/fakeidp"
	"oidc-demo/internal/server"
)

var flagconf string

func init() {
	flag.StringVar(&flagconf, "conf", "configs/fakeidp.yaml", "config path, eg: -conf fakeidp.yaml")
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
	if err := cfg.Validate(conf.AppFakeIDP); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	provider, err := fakeidp.NewProvider(cfg.FakeIDP, logger)
	if err != nil {
		logger.Error("failed to create provider", "error", err)
		os.Exit(1)
	}

	logger.Warn("fake identity provider for local development only", "issuer", provider.Issuer())
	if err := server.Run(ctx, cfg.Server.Addr(), server.Middleware(provider.Handler(), logger), logger, cfg.Server.ShutdownTimeout); err != nil {
		logger.Error("fake provider stopped", "error", err)
		os.Exit(1)
	}
}
