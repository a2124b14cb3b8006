package main

import (
	"context"

	"github.com/merchlytics/merchlytics/internal/bookmark"
	"github.com/merchlytics/merchlytics/internal/clock"
	"github.com/merchlytics/merchlytics/internal/config"
	"github.com/merchlytics/merchlytics/internal/fxrate"
	"github.com/merchlytics/merchlytics/internal/loader"
	"github.com/merchlytics/merchlytics/internal/migration"
	"github.com/merchlytics/merchlytics/internal/observability"
	"github.com/merchlytics/merchlytics/internal/pipeline"
	"github.com/merchlytics/merchlytics/internal/warehouse"
	"github.com/merchlytics/merchlytics/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		db.Module,
		clock.Module,
		migration.Module,

		warehouse.Module,
		bookmark.Module,
		fxrate.Module,
		loader.Module,
		pipeline.Module,

		fx.Invoke(StartPipeline),
	)
	app.Run()
}

// StartPipeline runs one sweep and exits in RUN_ONCE mode, otherwise loops
// on the configured interval until shutdown.
func StartPipeline(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg config.Config, runner *pipeline.Runner, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if cfg.RunOnce {
					runCtx, cancel := context.WithTimeout(context.Background(), cfg.RunTimeout)
					defer cancel()
					if _, err := runner.RunAll(runCtx); err != nil {
						log.Error("sweep finished with failures", zap.Error(err))
					}
					if err := shutdowner.Shutdown(); err != nil {
						log.Error("shutdown failed", zap.Error(err))
					}
					return
				}
				runner.RunForever(context.Background(), cfg.RunInterval, cfg.RunTimeout)
			}()
			return nil
		},
	})
}
