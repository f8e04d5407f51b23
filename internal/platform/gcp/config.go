package gcp

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/yungbote/scenecast-backend/internal/platform/envutil"
)

type StorageMode string

const (
	StorageModeLocal       StorageMode = "local"
	StorageModeGCS         StorageMode = "gcs"
	StorageModeGCSEmulator StorageMode = "gcs_emulator"
)

// StoreConfig selects where finished outputs are kept.
type StoreConfig struct {
	Mode         StorageMode
	Bucket       string
	EmulatorHost string
	// PublicBaseURL, when set, replaces gs:// URIs with browsable URLs.
	PublicBaseURL string
	LocalDir      string
}

// StoreConfigFromEnv picks GCS when ARTIFACT_GCS_BUCKET is set and the local
// directory store otherwise. STORAGE_EMULATOR_HOST switches GCS to the emulator.
func StoreConfigFromEnv() (StoreConfig, error) {
	cfg := StoreConfig{
		Bucket:        envutil.String("ARTIFACT_GCS_BUCKET", ""),
		EmulatorHost:  strings.TrimRight(envutil.String("STORAGE_EMULATOR_HOST", ""), "/"),
		PublicBaseURL: strings.TrimRight(envutil.String("OBJECT_STORAGE_PUBLIC_BASE_URL", ""), "/"),
		LocalDir:      envutil.String("ARTIFACT_LOCAL_DIR", "./data/artifacts"),
	}
	switch {
	case cfg.Bucket == "":
		cfg.Mode = StorageModeLocal
	case cfg.EmulatorHost != "":
		cfg.Mode = StorageModeGCSEmulator
	default:
		cfg.Mode = StorageModeGCS
	}
	return cfg, cfg.Validate()
}

func (c StoreConfig) Validate() error {
	switch c.Mode {
	case StorageModeLocal:
		if strings.TrimSpace(c.LocalDir) == "" {
			return fmt.Errorf("local artifact store requires ARTIFACT_LOCAL_DIR")
		}
		return nil
	case StorageModeGCS:
	case StorageModeGCSEmulator:
		if !absoluteURL(c.EmulatorHost) {
			return fmt.Errorf("invalid STORAGE_EMULATOR_HOST=%q; expected absolute URL like http://fake-gcs:4443", c.EmulatorHost)
		}
	default:
		return fmt.Errorf("unknown storage mode %q", c.Mode)
	}
	if c.Bucket == "" {
		return fmt.Errorf("storage mode %q requires ARTIFACT_GCS_BUCKET", c.Mode)
	}
	if c.PublicBaseURL != "" && !absoluteURL(c.PublicBaseURL) {
		return fmt.Errorf("invalid OBJECT_STORAGE_PUBLIC_BASE_URL=%q", c.PublicBaseURL)
	}
	return nil
}

func absoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}
