package db

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/scenecast-backend/internal/domain/jobs"
	"github.com/yungbote/scenecast-backend/internal/domain/media"
	"github.com/yungbote/scenecast-backend/internal/platform/envutil"
	"github.com/yungbote/scenecast-backend/internal/platform/logger"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

type Service struct {
	db      *gorm.DB
	log     *logger.Logger
	dialect Dialect
}

// Open picks Postgres when POSTGRES_HOST is set, otherwise the SQLite file at SQLITE_PATH.
func Open(log *logger.Logger) (*Service, error) {
	if strings.TrimSpace(os.Getenv("POSTGRES_HOST")) != "" {
		return NewPostgresService(log)
	}
	return NewSQLiteService(log, envutil.String("SQLITE_PATH", "scenecast.db"))
}

func NewPostgresService(baseLog *logger.Logger) (*Service, error) {
	serviceLog := baseLog.With("service", "PostgresService")

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		envutil.String("POSTGRES_USER", "postgres"),
		os.Getenv("POSTGRES_PASSWORD"),
		envutil.String("POSTGRES_HOST", "localhost"),
		envutil.String("POSTGRES_PORT", "5432"),
		envutil.String("POSTGRES_NAME", "scenecast"),
		envutil.String("POSTGRES_SSLMODE", "disable"),
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return nil, fmt.Errorf("failed to enable uuid-ossp extension: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(envutil.Int("POSTGRES_MAX_OPEN_CONNS", 20))
	sqlDB.SetMaxIdleConns(envutil.Int("POSTGRES_MAX_IDLE_CONNS", 5))
	sqlDB.SetConnMaxLifetime(envutil.Seconds("POSTGRES_CONN_MAX_LIFETIME_SECONDS", 30*time.Minute))

	serviceLog.Info("Connected to Postgres", "host", envutil.String("POSTGRES_HOST", "localhost"))
	return &Service{db: db, log: serviceLog, dialect: DialectPostgres}, nil
}

// NewSQLiteService opens a SQLite database. Use ":memory:" or a file path.
func NewSQLiteService(baseLog *logger.Logger, path string) (*Service, error) {
	serviceLog := baseLog.With("service", "SQLiteService")
	if strings.TrimSpace(path) == "" {
		path = "scenecast.db"
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite %s: %w", path, err)
	}
	// SQLite serializes writers; a single connection keeps FOR UPDATE emulation honest.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	serviceLog.Info("Opened SQLite", "path", path)
	return &Service{db: db, log: serviceLog, dialect: DialectSQLite}, nil
}

func gormLog() gormLogger.Interface {
	return gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

// Models lists every table owned by this service.
func Models() []interface{} {
	return []interface{}{
		&media.Project{},
		&media.Scene{},
		&media.Artifact{},
		&media.SceneArtifact{},
		&media.ProjectOutput{},
		&jobs.GenerationJob{},
	}
}

func (s *Service) AutoMigrateAll() error {
	s.log.Info("Auto migrating tables...")
	if err := s.db.AutoMigrate(Models()...); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	if s.dialect != DialectPostgres {
		return nil
	}
	// Children cascade with their project; deletion itself is owned elsewhere.
	fks := []struct{ name, table, column, ref string }{
		{"fk_scene_project", "scene", "project_id", "project"},
		{"fk_job_project", "generation_job", "project_id", "project"},
		{"fk_artifact_project", "artifact", "project_id", "project"},
		{"fk_scene_artifact_scene", "scene_artifact", "scene_id", "scene"},
		{"fk_output_project", "project_output", "project_id", "project"},
	}
	for _, fk := range fks {
		stmt := fmt.Sprintf(`
			DO $$ BEGIN
				ALTER TABLE %q ADD CONSTRAINT %q FOREIGN KEY (%q) REFERENCES %q("id") ON DELETE CASCADE;
			EXCEPTION WHEN duplicate_object THEN NULL;
			END $$;`, fk.table, fk.name, fk.column, fk.ref)
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("add %s: %w", fk.name, err)
		}
	}
	return nil
}

func (s *Service) DB() *gorm.DB { return s.db }

func (s *Service) Dialect() Dialect { return s.dialect }

func (s *Service) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
