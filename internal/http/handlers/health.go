package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/scenecast-backend/internal/jobs/stages"
)

// StageHealth is satisfied by *stages.Registry.
type StageHealth interface {
	Health(ctx context.Context) []stages.Health
}

type HealthHandler struct {
	stages func() StageHealth
}

// NewHealthHandler takes a getter so a recycled stage registry is picked up.
func NewHealthHandler(current func() StageHealth) *HealthHandler {
	return &HealthHandler{stages: current}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// GET /healthz/stages answers 503 while any stage is not ready.
func (h *HealthHandler) Stages(c *gin.Context) {
	var reg StageHealth
	if h.stages != nil {
		reg = h.stages()
	}
	if reg == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "stages": []stages.Health{}})
		return
	}
	list := reg.Health(c.Request.Context())
	ready := true
	for _, s := range list {
		if !s.Ready {
			ready = false
			break
		}
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "stages": list})
}
