package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"gorm.io/datatypes"

	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
)

const (
	DefaultResolution  = "1080p"
	DefaultAspectRatio = "16:9"
	DefaultFPS         = 24
	DefaultImageSize   = 1024
	DefaultVoice       = "default"
	DefaultLanguage    = "en"
)

// Settings are the caller-supplied generation options stored on a job.
type Settings struct {
	Resolution  string `json:"resolution,omitempty" validate:"omitempty,oneof=480p 720p 1080p 4k"`
	AspectRatio string `json:"aspect_ratio,omitempty" validate:"omitempty,oneof=16:9 9:16 1:1 4:3"`
	FPS         int    `json:"fps,omitempty" validate:"omitempty,min=1,max=60"`
	Width       int    `json:"width,omitempty" validate:"omitempty,min=64,max=4096"`
	Height      int    `json:"height,omitempty" validate:"omitempty,min=64,max=4096"`
	Seed        *int64 `json:"seed,omitempty"`
	Voice       string `json:"voice,omitempty" validate:"omitempty,max=64"`
	Language    string `json:"language,omitempty" validate:"omitempty,min=2,max=16"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags. Failures are ErrInput.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return apperr.Wrap(apperr.ErrInput, "", "settings", "", err)
	}
	return nil
}

// WithDefaults fills every unset option.
func (s Settings) WithDefaults() Settings {
	if s.Resolution == "" {
		s.Resolution = DefaultResolution
	}
	if s.AspectRatio == "" {
		s.AspectRatio = DefaultAspectRatio
	}
	if s.FPS == 0 {
		s.FPS = DefaultFPS
	}
	if s.Width == 0 {
		s.Width = DefaultImageSize
	}
	if s.Height == 0 {
		s.Height = DefaultImageSize
	}
	if s.Voice == "" {
		s.Voice = DefaultVoice
	}
	if s.Language == "" {
		s.Language = DefaultLanguage
	}
	return s
}

// Overlay returns s with every option set in over replacing its own.
func (s Settings) Overlay(over Settings) Settings {
	if over.Resolution != "" {
		s.Resolution = over.Resolution
	}
	if over.AspectRatio != "" {
		s.AspectRatio = over.AspectRatio
	}
	if over.FPS != 0 {
		s.FPS = over.FPS
	}
	if over.Width != 0 {
		s.Width = over.Width
	}
	if over.Height != 0 {
		s.Height = over.Height
	}
	if over.Seed != nil {
		s.Seed = over.Seed
	}
	if over.Voice != "" {
		s.Voice = over.Voice
	}
	if over.Language != "" {
		s.Language = over.Language
	}
	return s
}

// ResolveSettings layers job settings over project settings and fills the
// rest with defaults.
func ResolveSettings(job, project datatypes.JSON) (Settings, error) {
	base, err := DecodeSettings(project)
	if err != nil {
		return Settings{}, fmt.Errorf("project settings: %w", err)
	}
	over, err := DecodeSettings(job)
	if err != nil {
		return Settings{}, fmt.Errorf("job settings: %w", err)
	}
	return base.Overlay(over).WithDefaults(), nil
}

func DecodeSettings(raw datatypes.JSON) (Settings, error) {
	var s Settings
	if len(raw) == 0 || string(raw) == "null" {
		return s, nil
	}
	err := json.Unmarshal(raw, &s)
	return s, err
}

func (s Settings) Encode() datatypes.JSON {
	b, _ := json.Marshal(s)
	return datatypes.JSON(b)
}
