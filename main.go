package main

import (
	"embed"
	"log"
	"time"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
	"go.uber.org/zap"

	"livescribe/internal/config"
	"livescribe/internal/observe"
)

//go:embed all:frontend/dist
var assets embed.FS

func main() {
	cfg, loadErr := config.Load()
	if loadErr != nil {
		cfg = config.Defaults()
	}

	logger, err := observe.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	reporter, err := observe.InitReporter(cfg.Sentry.DSN, cfg.Sentry.Environment)
	if err != nil {
		logger.Warn("sentry disabled", zap.Error(err))
	}
	defer reporter.Flush(2 * time.Second)

	app := NewApp(cfg, loadErr, logger, reporter)
	err = wails.Run(&options.App{
		Title:     "livescribe",
		Width:     720,
		Height:    540,
		MinWidth:  480,
		MinHeight: 360,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		OnStartup:  app.startup,
		OnShutdown: app.shutdown,
		Bind: []interface{}{
			app,
		},
	})
	if err != nil {
		logger.Fatal("wails run failed", zap.Error(err))
	}
}
