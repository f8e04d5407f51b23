package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/scenecast-backend/internal/http/handlers"
	httpMW "github.com/yungbote/scenecast-backend/internal/http/middleware"
	"github.com/yungbote/scenecast-backend/internal/observability"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log         *logger.Logger
	Metrics     *observability.Metrics
	ServiceName string

	ProjectHandler *httpH.ProjectHandler
	JobHandler     *httpH.JobHandler
	WSHandler      *httpH.WSHandler
	HealthHandler  *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS())

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
		r.GET("/healthz/stages", cfg.HealthHandler.Stages)
	}

	api := r.Group("/api")
	{
		// Projects and scenes
		if cfg.ProjectHandler != nil {
			api.POST("/projects", cfg.ProjectHandler.CreateProject)
			api.GET("/projects/:id", cfg.ProjectHandler.GetProject)
			api.GET("/projects/:id/output", cfg.ProjectHandler.GetOutput)
			api.POST("/projects/:id/scenes", cfg.ProjectHandler.CreateScene)
			api.GET("/projects/:id/scenes", cfg.ProjectHandler.ListScenes)
			api.POST("/scenes/:id/regenerate", cfg.ProjectHandler.RegenerateScene)
		}

		// Jobs
		if cfg.JobHandler != nil {
			api.POST("/projects/:id/jobs", cfg.JobHandler.SubmitJob)
			api.GET("/projects/:id/jobs", cfg.JobHandler.ListJobs)
			api.GET("/jobs/:id", cfg.JobHandler.GetJob)
			api.POST("/jobs/:id/cancel", cfg.JobHandler.CancelJob)
			api.GET("/jobs/:id/events", cfg.JobHandler.Events)
		}

		// Realtime
		if cfg.WSHandler != nil {
			api.GET("/ws/jobs/:id", cfg.WSHandler.Serve)
		}
	}

	return r
}
