package bus

import (
	"context"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/scenecast-backend/internal/realtime"
)

// Bus carries progress events between the processes that change job state and
// the processes that hold observer connections.
type Bus interface {
	Publish(ctx context.Context, ev realtime.ProgressEvent) error
	StartForwarder(ctx context.Context, onMsg func(ev realtime.ProgressEvent)) error
	Close() error
}

func channelPrefix() string {
	p := strings.TrimSpace(os.Getenv("REDIS_CHANNEL_PREFIX"))
	if p == "" {
		return "job"
	}
	return p
}

// Topic names the channel for a job's events.
func Topic(jobID uuid.UUID) string {
	return channelPrefix() + ":" + jobID.String()
}
