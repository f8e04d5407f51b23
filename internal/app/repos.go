package app

import (
	"gorm.io/gorm"

	jobrepo "github.com/yungbote/scenecast-backend/internal/data/repos/jobs"
	mediarepo "github.com/yungbote/scenecast-backend/internal/data/repos/media"
	"github.com/yungbote/scenecast-backend/internal/jobs/orchestrator"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

type Repos struct {
	Jobs      jobrepo.GenerationJobRepo
	Projects  mediarepo.ProjectRepo
	Scenes    mediarepo.SceneRepo
	Artifacts mediarepo.ArtifactRepo
	Outputs   mediarepo.OutputRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Jobs:      jobrepo.NewGenerationJobRepo(db, log),
		Projects:  mediarepo.NewProjectRepo(db, log),
		Scenes:    mediarepo.NewSceneRepo(db, log),
		Artifacts: mediarepo.NewArtifactRepo(db, log),
		Outputs:   mediarepo.NewOutputRepo(db, log),
	}
}

func (r Repos) orchestrator() orchestrator.Repos {
	return orchestrator.Repos{
		Jobs:      r.Jobs,
		Projects:  r.Projects,
		Scenes:    r.Scenes,
		Artifacts: r.Artifacts,
		Outputs:   r.Outputs,
	}
}
