package main

import (
	"context"
	"flag"

	"go.uber.org/zap"

	"github.com/zoravur/crossview/internal/app"
	"github.com/zoravur/crossview/internal/config"
)

func main() {
	cfgPath := flag.String("config", "crossview.yaml", "Path to the YAML or JSON configuration")
	addr := flag.String("addr", "", "Listen address, overrides the configuration")
	dsn := flag.String("dsn", "", "Engine DSN, overrides the configuration")
	static := flag.String("static", "", "Directory of UI assets to serve at /")
	dev := flag.Bool("dev", false, "Human readable debug logging")
	flag.Parse()

	logger := zap.Must(zap.NewProduction())
	if *dev {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	if *addr != "" {
		cfg.Listen = *addr
	}
	if *dsn != "" {
		cfg.Engine.DSN = *dsn
	}

	ctx := context.Background()
	srv, err := app.NewServer(ctx, cfg, app.Options{StaticDir: *static, Logger: logger})
	if err != nil {
		logger.Fatal("startup", zap.Error(err))
	}
	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}
