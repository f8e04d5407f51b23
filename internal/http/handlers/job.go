package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/scenecast-backend/internal/domain/jobs"
	"github.com/yungbote/scenecast-backend/internal/http/response"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
	"github.com/yungbote/scenecast-backend/internal/services"
)

const sseHeartbeat = 15 * time.Second

type JobHandler struct {
	log  *logger.Logger
	jobs services.JobService
}

func NewJobHandler(log *logger.Logger, jobs services.JobService) *JobHandler {
	return &JobHandler{log: log.With("handler", "JobHandler"), jobs: jobs}
}

// POST /api/projects/:id/jobs
func (h *JobHandler) SubmitJob(c *gin.Context) {
	projectID, err := idParam(c, "id")
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	var req services.SubmitJobRequest
	if err := bindJSON(c, &req); err != nil {
		response.RespondFromError(c, err)
		return
	}
	job, err := h.jobs.SubmitJob(dbcOf(c), projectID, req)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

// GET /api/projects/:id/jobs?status=QUEUED,PROCESSING
func (h *JobHandler) ListJobs(c *gin.Context) {
	projectID, err := idParam(c, "id")
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	list, err := h.jobs.ListJobs(dbcOf(c), projectID, statusFilter(c))
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"jobs": list})
}

func statusFilter(c *gin.Context) []jobs.Status {
	var out []jobs.Status
	for _, raw := range c.QueryArray("status") {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
				out = append(out, jobs.Status(part))
			}
		}
	}
	return out
}

// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, err := idParam(c, "id")
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	job, err := h.jobs.GetJob(dbcOf(c), jobID)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// POST /api/jobs/:id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, err := idParam(c, "id")
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	job, err := h.jobs.CancelJob(dbcOf(c), jobID)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// GET /api/jobs/:id/events streams progress as server-sent events. The
// stream ends after a terminal status.
func (h *JobHandler) Events(c *gin.Context) {
	jobID, err := idParam(c, "id")
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	sub, err := h.jobs.Subscribe(dbcOf(c), jobID, 64)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	defer sub.Close()

	w := c.Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		response.RespondError(c, http.StatusInternalServerError, "streaming_unsupported", nil)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			// Padding pushes the comment through proxies that buffer small chunks.
			const pad = 2*1024 - len(": ping \n\n")
			_, _ = fmt.Fprint(w, ": ping "+strings.Repeat("#", pad)+"\n\n")
			flusher.Flush()
		case ev, ok := <-sub.C():
			if !ok {
				h.log.Debug("sse observer dropped", "job_id", jobID)
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				h.log.Warn("marshal progress event", "job_id", jobID, "error", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b)
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}
