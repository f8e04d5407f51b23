package app

import (
	httpapi "github.com/yungbote/scenecast-backend/internal/http"
	httpH "github.com/yungbote/scenecast-backend/internal/http/handlers"
	"github.com/yungbote/scenecast-backend/internal/jobs/stages"
	"github.com/yungbote/scenecast-backend/internal/observability"
	"github.com/yungbote/scenecast-backend/internal/platform/envutil"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

func wireServer(log *logger.Logger, svc Services, holder *stages.Holder, metrics *observability.Metrics) *httpapi.Server {
	log.Info("Wiring HTTP server...")
	return httpapi.NewServer(httpapi.RouterConfig{
		Log:            log,
		Metrics:        metrics,
		ServiceName:    otelServiceName(),
		ProjectHandler: httpH.NewProjectHandler(svc.Projects, svc.Scenes),
		JobHandler:     httpH.NewJobHandler(log, svc.Jobs),
		WSHandler:      httpH.NewWSHandler(log, svc.Jobs, httpH.WSConfigFromEnv()),
		HealthHandler: httpH.NewHealthHandler(func() httpH.StageHealth {
			return holder.Registry()
		}),
	})
}

// otelServiceName is empty when tracing is off, which leaves otelgin out of the chain.
func otelServiceName() string {
	if !envutil.Bool("OTEL_ENABLED", false) {
		return ""
	}
	return envutil.String("OTEL_SERVICE_NAME", "scenecast-api")
}
