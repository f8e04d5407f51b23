package gcp

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/dustin/go-humanize"
	"google.golang.org/api/option"

	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

// ArtifactStore keeps finished media somewhere durable.
type ArtifactStore interface {
	Put(ctx context.Context, key, localPath string) (string, error)
}

// NewArtifactStore builds the store cfg selects.
func NewArtifactStore(ctx context.Context, log *logger.Logger, cfg StoreConfig) (ArtifactStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == StorageModeLocal {
		return NewLocalStore(log, cfg.LocalDir)
	}
	return NewGCSStore(ctx, log, cfg)
}

type GCSStore struct {
	log    *logger.Logger
	client *storage.Client
	bucket string
	public string
}

func NewGCSStore(ctx context.Context, log *logger.Logger, cfg StoreConfig) (*GCSStore, error) {
	var opts []option.ClientOption
	if cfg.Mode == StorageModeGCSEmulator {
		// The storage client reads the emulator endpoint from the environment.
		_ = os.Setenv("STORAGE_EMULATOR_HOST", cfg.EmulatorHost)
		opts = append(opts, option.WithoutAuthentication())
		if cfg.PublicBaseURL == "" {
			cfg.PublicBaseURL = cfg.EmulatorHost
		}
	} else {
		opts = append(ClientOptionsFromEnv(), option.WithScopes(storage.ScopeReadWrite))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	s := &GCSStore{
		log:    log.With("service", "GCSArtifactStore"),
		client: client,
		bucket: cfg.Bucket,
		public: cfg.PublicBaseURL,
	}
	s.log.Info("artifact store initialized", "mode", cfg.Mode, "bucket", cfg.Bucket, "public_base_url", cfg.PublicBaseURL)
	return s, nil
}

func (s *GCSStore) Put(ctx context.Context, key, localPath string) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	f, err := os.Open(localPath)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrInput, "", "artifact_put", localPath, err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentTypeForKey(key)
	n, err := io.Copy(w, f)
	if err != nil {
		_ = w.Close()
		return "", apperr.Wrap(apperr.ErrInfrastructure, "", "artifact_put", key, err)
	}
	if err := w.Close(); err != nil {
		return "", apperr.Wrap(apperr.ErrInfrastructure, "", "artifact_put", key, err)
	}
	s.log.Info("artifact uploaded", "bucket", s.bucket, "key", key, "size", humanize.Bytes(uint64(n)))
	return s.URI(key), nil
}

// URI is the public URL when one is configured, gs://bucket/key otherwise.
func (s *GCSStore) URI(key string) string {
	if s.public != "" {
		return fmt.Sprintf("%s/%s/%s", s.public, s.bucket, key)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, key)
}

func (s *GCSStore) Close() error { return s.client.Close() }

// LocalStore copies files under a root directory and returns file:// URIs.
type LocalStore struct {
	log  *logger.Logger
	root string
}

func NewLocalStore(log *logger.Logger, root string) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &LocalStore{log: log.With("service", "LocalArtifactStore"), root: abs}, nil
}

func (s *LocalStore) Put(_ context.Context, key, localPath string) (string, error) {
	dst := filepath.Join(s.root, filepath.FromSlash(strings.TrimLeft(key, "/")))
	if !strings.HasPrefix(dst, s.root+string(os.PathSeparator)) {
		return "", apperr.New(apperr.ErrInput, "artifact key escapes store root")
	}
	if filepath.Clean(localPath) == dst {
		return "file://" + dst, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", apperr.Wrap(apperr.ErrInfrastructure, "", "artifact_put", key, err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrInput, "", "artifact_put", localPath, err)
	}
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrInfrastructure, "", "artifact_put", key, err)
	}
	n, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", apperr.Wrap(apperr.ErrInfrastructure, "", "artifact_put", key, err)
	}
	s.log.Debug("artifact stored", "path", dst, "size", humanize.Bytes(uint64(n)))
	return "file://" + dst, nil
}

func contentTypeForKey(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mov":
		return "video/quicktime"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}
