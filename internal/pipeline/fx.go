package pipeline

import (
	"time"

	"github.com/merchlytics/merchlytics/internal/config"
	idomain "github.com/merchlytics/merchlytics/internal/ingest/domain"
	"github.com/merchlytics/merchlytics/internal/ingest/staging"
	"go.uber.org/fx"
)

var Module = fx.Module("pipeline",
	fx.Provide(provideSources, NewRunner),
)

// provideSources builds a staging-directory connector per configured source.
// The source list is read once at startup; changing it requires a restart.
func provideSources(cfg config.Config, holder *config.PipelineConfigHolder) ([]idomain.Source, error) {
	pipelineCfg := holder.Get()
	loc, err := time.LoadLocation(pipelineCfg.DefaultTimezone)
	if err != nil {
		return nil, err
	}
	sources := make([]idomain.Source, 0, len(pipelineCfg.Sources))
	for _, name := range pipelineCfg.Sources {
		sources = append(sources, staging.New(name, cfg.StagingDir, loc))
	}
	return sources, nil
}
