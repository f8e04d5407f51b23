package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/yungbote/scenecast-backend/internal/http/response"
	"github.com/yungbote/scenecast-backend/internal/platform/envutil"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
	"github.com/yungbote/scenecast-backend/internal/realtime"
	"github.com/yungbote/scenecast-backend/internal/services"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 512
	wsBuffer         = 64
)

type WSConfig struct {
	PongWait     time.Duration
	PingEvery    time.Duration
	RefreshEvery time.Duration
	RefreshBurst int
	CheckOrigin  func(r *http.Request) bool
}

func WSConfigFromEnv() WSConfig {
	pong := envutil.Seconds("WS_PONG_WAIT_SECONDS", 60*time.Second)
	return WSConfig{
		PongWait:     pong,
		PingEvery:    pong * 9 / 10,
		RefreshEvery: envutil.Millis("WS_REFRESH_INTERVAL_MS", time.Second),
		RefreshBurst: envutil.Int("WS_REFRESH_BURST", 2),
	}
}

// controlFrame is what the socket sends besides progress events.
type controlFrame struct {
	Type    realtime.EventType `json:"type"`
	JobID   uuid.UUID          `json:"job_id"`
	Message string             `json:"message,omitempty"`
	At      time.Time          `json:"at"`
}

type WSHandler struct {
	log      *logger.Logger
	jobs     services.JobService
	cfg      WSConfig
	upgrader websocket.Upgrader
}

func NewWSHandler(log *logger.Logger, jobs services.JobService, cfg WSConfig) *WSHandler {
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingEvery <= 0 || cfg.PingEvery >= cfg.PongWait {
		cfg.PingEvery = cfg.PongWait * 9 / 10
	}
	if cfg.RefreshEvery <= 0 {
		cfg.RefreshEvery = time.Second
	}
	if cfg.RefreshBurst <= 0 {
		cfg.RefreshBurst = 1
	}
	check := cfg.CheckOrigin
	if check == nil {
		check = func(r *http.Request) bool { return true }
	}
	return &WSHandler{
		log:  log.With("handler", "WSHandler"),
		jobs: jobs,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     check,
		},
	}
}

// GET /api/ws/jobs/:id
//
// The first frame is the job snapshot. Text frames "ping" and "refresh" (or
// {"type":"ping"} / {"type":"refresh"}) get a pong or a fresh snapshot.
// Everything written to the socket goes through one writer goroutine.
func (h *WSHandler) Serve(c *gin.Context) {
	jobID, err := idParam(c, "id")
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	// Subscribe before upgrading so an unknown job is a plain 404.
	sub, err := h.jobs.Subscribe(dbcOf(c), jobID, wsBuffer)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "job_id", jobID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	control := make(chan controlFrame, 8)
	go h.read(ctx, cancel, conn, sub, control)
	h.write(ctx, conn, sub, control)
	h.log.Debug("websocket closed", "job_id", jobID)
}

func (h *WSHandler) read(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sub *services.Subscription, control chan<- controlFrame) {
	defer cancel()
	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})
	limiter := rate.NewLimiter(rate.Every(h.cfg.RefreshEvery), h.cfg.RefreshBurst)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read", "job_id", sub.JobID(), "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

		var frame controlFrame
		switch command(msg) {
		case "ping":
			frame = controlFrame{Type: realtime.EventPong}
		case "refresh":
			if !limiter.Allow() {
				frame = controlFrame{Type: realtime.EventError, Message: "refresh rate limited"}
				break
			}
			if err := sub.Refresh(ctx); err != nil {
				frame = controlFrame{Type: realtime.EventError, Message: err.Error()}
				break
			}
			continue
		default:
			frame = controlFrame{Type: realtime.EventError, Message: "unknown command"}
		}
		frame.JobID = sub.JobID()
		frame.At = time.Now().UTC()
		select {
		case control <- frame:
		case <-ctx.Done():
			return
		default:
			// Writer is behind; drop the control reply.
		}
	}
}

func command(msg []byte) string {
	raw := strings.TrimSpace(string(msg))
	if strings.HasPrefix(raw, "{") {
		var in struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(raw), &in); err == nil {
			raw = in.Type
		}
	}
	return strings.ToLower(strings.TrimSpace(raw))
}

func (h *WSHandler) write(ctx context.Context, conn *websocket.Conn, sub *services.Subscription, control <-chan controlFrame) {
	ping := time.NewTicker(h.cfg.PingEvery)
	defer ping.Stop()

	send := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(v); err != nil {
			h.log.Debug("websocket write", "job_id", sub.JobID(), "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		case ev, ok := <-sub.C():
			if !ok {
				// The hub dropped us for falling behind.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "observer too slow"), time.Now().Add(wsWriteWait))
				return
			}
			if !send(ev) {
				return
			}
		case frame := <-control:
			if !send(frame) {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
