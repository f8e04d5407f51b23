package stages

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/scenecast-backend/internal/platform/envutil"
)

// Endpoint is where one stage's service lives.
type Endpoint struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     *int   `yaml:"max_retries"`
}

type Config struct {
	Defaults Endpoint            `yaml:"defaults"`
	Stages   map[string]Endpoint `yaml:"stages"`
	// Assembler is "ffmpeg" (local) or "http".
	Assembler string `yaml:"assembler"`
	// LockPath, when set, serializes accelerator-bound stages across processes on one host.
	LockPath string `yaml:"accelerator_lock_path"`
	WorkDir  string `yaml:"work_dir"`
}

// LoadConfig reads the YAML file at path (a missing file is fine) and applies
// STAGE_* env overrides on top.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	}
	if cfg.Stages == nil {
		cfg.Stages = map[string]Endpoint{}
	}

	cfg.Defaults.BaseURL = envutil.String("STAGE_BASE_URL", cfg.Defaults.BaseURL)
	cfg.Defaults.APIKey = envutil.String("STAGE_API_KEY", cfg.Defaults.APIKey)
	cfg.Defaults.TimeoutSeconds = envutil.Int("STAGE_TIMEOUT_SECONDS", cfg.Defaults.TimeoutSeconds)
	cfg.Assembler = strings.ToLower(envutil.String("STAGES_ASSEMBLER", cfg.Assembler))
	cfg.LockPath = envutil.String("ACCELERATOR_LOCK_PATH", cfg.LockPath)
	cfg.WorkDir = envutil.String("STAGES_WORK_DIR", cfg.WorkDir)

	for _, s := range []Stage{StageScriptParse, StagePrompt, StageImage, StageAnimate, StageVoice, StageLipSync, StageAssemble} {
		key := "STAGE_" + strings.ToUpper(string(s))
		ep := cfg.Stages[string(s)]
		ep.BaseURL = envutil.String(key+"_URL", ep.BaseURL)
		ep.TimeoutSeconds = envutil.Int(key+"_TIMEOUT_SECONDS", ep.TimeoutSeconds)
		if ep != (Endpoint{}) {
			cfg.Stages[string(s)] = ep
		}
	}
	if cfg.Assembler == "" {
		cfg.Assembler = "ffmpeg"
	}
	return cfg, nil
}

// Endpoint merges a stage's settings over the defaults.
func (c Config) Endpoint(s Stage) Endpoint {
	ep := c.Stages[string(s)]
	if ep.BaseURL == "" {
		ep.BaseURL = c.Defaults.BaseURL
	}
	if ep.APIKey == "" {
		ep.APIKey = c.Defaults.APIKey
	}
	if ep.TimeoutSeconds <= 0 {
		ep.TimeoutSeconds = c.Defaults.TimeoutSeconds
	}
	if ep.MaxRetries == nil {
		ep.MaxRetries = c.Defaults.MaxRetries
	}
	return ep
}

func (c Config) client(s Stage) (*Client, error) {
	ep := c.Endpoint(s)
	if ep.BaseURL == "" {
		return nil, fmt.Errorf("no endpoint configured for stage %s", s)
	}
	retries := 2
	if ep.MaxRetries != nil {
		retries = *ep.MaxRetries
	}
	return NewClient(ClientOptions{
		BaseURL:    ep.BaseURL,
		APIKey:     ep.APIKey,
		Timeout:    time.Duration(ep.TimeoutSeconds) * time.Second,
		MaxRetries: retries,
	})
}
