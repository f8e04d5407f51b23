package app

import (
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
	"github.com/yungbote/scenecast-backend/internal/services"
)

type Services struct {
	Projects services.ProjectService
	Scenes   services.SceneService
	Jobs     services.JobService
}

func wireServices(log *logger.Logger, repos Repos, p *Pipeline, q *Queue) Services {
	log.Info("Wiring services...")
	jobs := services.NewJobService(log, repos.Jobs, repos.Projects, repos.Scenes, p.Machine, q.Dispatcher, p.Hub)
	return Services{
		Projects: services.NewProjectService(log, repos.Projects, repos.Outputs),
		Scenes:   services.NewSceneService(log, repos.Projects, repos.Scenes, p.Runner, jobs),
		Jobs:     jobs,
	}
}
