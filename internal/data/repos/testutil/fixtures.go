package testutil

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/scenecast-backend/internal/domain/jobs"
	"github.com/yungbote/scenecast-backend/internal/domain/media"
)

// SeedProject inserts a project with n pending scenes. Scene i has dialogue
// when withDialogue(i) is true (1-based); pass nil for no dialogue anywhere.
func SeedProject(tb testing.TB, db *gorm.DB, n int, withDialogue func(i int) bool) (*media.Project, []*media.Scene) {
	tb.Helper()
	p := &media.Project{Title: "fixture", Script: "INT. LAB - NIGHT"}
	if err := db.Create(p).Error; err != nil {
		tb.Fatalf("seed project: %v", err)
	}
	scenes := make([]*media.Scene, 0, n)
	for i := 1; i <= n; i++ {
		s := &media.Scene{
			ProjectID:      p.ID,
			SequenceNumber: i,
			Description:    fmt.Sprintf("scene %d", i),
			ImagePrompt:    fmt.Sprintf("image %d", i),
			MotionPrompt:   "pan left",
			Duration:       4,
		}
		if withDialogue != nil && withDialogue(i) {
			s.Dialogue = fmt.Sprintf("line %d", i)
		}
		if err := db.Create(s).Error; err != nil {
			tb.Fatalf("seed scene %d: %v", i, err)
		}
		scenes = append(scenes, s)
	}
	return p, scenes
}

// SeedJob inserts a QUEUED job for project.
func SeedJob(tb testing.TB, db *gorm.DB, projectID uuid.UUID, kind jobs.Kind) *jobs.GenerationJob {
	tb.Helper()
	j := &jobs.GenerationJob{
		ProjectID:    projectID,
		Kind:         kind,
		Status:       jobs.StatusQueued,
		CurrentStage: "Queued",
	}
	if err := db.Create(j).Error; err != nil {
		tb.Fatalf("seed job: %v", err)
	}
	return j
}

// MissingID returns an id that no fixture uses.
func MissingID() uuid.UUID {
	return uuid.New()
}
