package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/scenecast-backend/internal/jobs/orchestrator"
	"github.com/yungbote/scenecast-backend/internal/jobs/pipeline"
	"github.com/yungbote/scenecast-backend/internal/jobs/stages"
	"github.com/yungbote/scenecast-backend/internal/jobs/statemachine"
	"github.com/yungbote/scenecast-backend/internal/platform/envutil"
	"github.com/yungbote/scenecast-backend/internal/platform/gcp"
	"github.com/yungbote/scenecast-backend/internal/platform/localmedia"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
	"github.com/yungbote/scenecast-backend/internal/realtime"
	"github.com/yungbote/scenecast-backend/internal/realtime/bus"
)

// Pipeline is everything that moves a job forward, independent of which
// task queue delivers it.
type Pipeline struct {
	Bus          bus.Bus
	Hub          *realtime.Hub
	Stages       *stages.Holder
	Machine      *statemachine.Machine
	Runner       *pipeline.Runner
	Orchestrator *orchestrator.Orchestrator
	Store        gcp.ArtifactStore
}

func wireBus(log *logger.Logger) (bus.Bus, error) {
	var inner bus.Bus
	if envutil.String("REDIS_ADDR", "") != "" {
		rb, err := bus.NewRedisBus(log)
		if err != nil {
			return nil, fmt.Errorf("init redis bus: %w", err)
		}
		inner = rb
		log.Info("progress bus: redis")
	} else {
		inner = bus.NewMemoryBus()
		log.Info("progress bus: in-process")
	}
	return bus.NewAsync(inner, log, envutil.Int("PROGRESS_BUS_BUFFER", 1024)), nil
}

func stageFactory(log *logger.Logger) func() (*stages.Registry, error) {
	path := envutil.String("STAGES_CONFIG", "configs/stages.yaml")
	return func() (*stages.Registry, error) {
		cfg, err := stages.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("load stage config: %w", err)
		}
		return stages.NewRegistry(log, cfg, localmedia.New(log, cfg.WorkDir))
	}
}

func wirePipeline(ctx context.Context, db *gorm.DB, log *logger.Logger, repos Repos, progress bus.Bus) (*Pipeline, error) {
	log.Info("Wiring pipeline...")
	p := &Pipeline{Bus: progress}

	// The hub reads snapshots through the machine, which is built after it.
	p.Hub = realtime.NewHub(log, realtime.SnapshotFunc(func(ctx context.Context, jobID uuid.UUID) (realtime.ProgressEvent, error) {
		return p.Machine.Snapshot(ctx, jobID)
	}))
	p.Machine = statemachine.New(db, repos.Jobs, repos.Scenes, progress, log)

	holder, err := stages.NewHolder(log, stageFactory(log))
	if err != nil {
		return nil, fmt.Errorf("init stages: %w", err)
	}
	p.Stages = holder

	storeCfg, err := gcp.StoreConfigFromEnv()
	if err != nil {
		_ = holder.Close()
		return nil, fmt.Errorf("artifact store config: %w", err)
	}
	store, err := gcp.NewArtifactStore(ctx, log, storeCfg)
	if err != nil {
		_ = holder.Close()
		return nil, fmt.Errorf("init artifact store: %w", err)
	}
	p.Store = store

	p.Runner = pipeline.NewRunner(db, p.Machine, repos.Scenes, repos.Artifacts, holder, log)
	p.Orchestrator = orchestrator.New(db, p.Machine, repos.orchestrator(), p.Runner, holder, store, log)
	return p, nil
}
