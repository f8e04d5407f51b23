package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/scenecast-backend/internal/http/response"
	"github.com/yungbote/scenecast-backend/internal/services"
)

type ProjectHandler struct {
	projects services.ProjectService
	scenes   services.SceneService
}

func NewProjectHandler(projects services.ProjectService, scenes services.SceneService) *ProjectHandler {
	return &ProjectHandler{projects: projects, scenes: scenes}
}

// POST /api/projects
func (h *ProjectHandler) CreateProject(c *gin.Context) {
	var req services.CreateProjectRequest
	if err := bindJSON(c, &req); err != nil {
		response.RespondFromError(c, err)
		return
	}
	p, err := h.projects.CreateProject(dbcOf(c), req)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"project": p})
}

// GET /api/projects/:id
func (h *ProjectHandler) GetProject(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	p, err := h.projects.GetProject(dbcOf(c), id)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"project": p})
}

// GET /api/projects/:id/output
func (h *ProjectHandler) GetOutput(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	out, err := h.projects.GetOutput(dbcOf(c), id)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"output": out})
}

// POST /api/projects/:id/scenes
func (h *ProjectHandler) CreateScene(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	var req services.CreateSceneRequest
	if err := bindJSON(c, &req); err != nil {
		response.RespondFromError(c, err)
		return
	}
	scene, err := h.scenes.CreateScene(dbcOf(c), id, req)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"scene": scene})
}

// GET /api/projects/:id/scenes
func (h *ProjectHandler) ListScenes(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	scenes, err := h.scenes.ListScenes(dbcOf(c), id)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"scenes": scenes})
}

// POST /api/scenes/:id/regenerate
func (h *ProjectHandler) RegenerateScene(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	var req services.RegenerateSceneRequest
	if err := bindJSON(c, &req); err != nil {
		response.RespondFromError(c, err)
		return
	}
	res, err := h.scenes.RegenerateScene(dbcOf(c), id, req)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	if res.Job != nil {
		c.JSON(http.StatusAccepted, res)
		return
	}
	response.RespondOK(c, res)
}
