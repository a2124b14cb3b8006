package warehouse

import (
	"github.com/merchlytics/merchlytics/internal/warehouse/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("warehouse",
	fx.Provide(repository.Provide),
)
