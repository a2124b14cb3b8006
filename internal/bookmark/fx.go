package bookmark

import (
	"github.com/merchlytics/merchlytics/internal/bookmark/domain"
	"github.com/merchlytics/merchlytics/internal/bookmark/store"
	"github.com/merchlytics/merchlytics/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("bookmark",
	fx.Provide(func(cfg config.Config, log *zap.Logger) domain.Store {
		return store.Provide(cfg.BookmarksPath, log)
	}),
)
