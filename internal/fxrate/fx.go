package fxrate

import (
	"github.com/merchlytics/merchlytics/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("fxrate",
	fx.Provide(func(holder *config.PipelineConfigHolder, log *zap.Logger) Provider {
		return NewProvider(holder.Get().Rates, nil, log)
	}),
)
