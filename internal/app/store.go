// Package app holds the wiring shared by the server and worker binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gameon/recorder/config"
	"github.com/gameon/recorder/internal/models"
	"github.com/gameon/recorder/internal/store/postgres"
	"github.com/gameon/recorder/internal/store/sqlite"
	"github.com/gameon/recorder/pkg/database"
)

// Store is everything the binaries need from persistence. Both the SQLite and
// PostgreSQL stores satisfy it.
type Store interface {
	Ping(ctx context.Context) error

	CreateSession(ctx context.Context, sess *models.Session) error
	CompleteSession(ctx context.Context, r models.SessionResult) error
	FailSession(ctx context.Context, r models.SessionResult) error
	Heartbeat(ctx context.Context, id uuid.UUID, at time.Time) error
	ListOrphaned(ctx context.Context, before time.Time) ([]models.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	ListSessions(ctx context.Context, f models.SessionFilter) ([]models.Session, error)
	SetArchiveKey(ctx context.Context, id uuid.UUID, key string) error

	WriteBatch(ctx context.Context, b models.Batch) error
	InputEvents(ctx context.Context, sessionID uuid.UUID, fromMs, toMs *int64) ([]models.InputEvent, error)
	FrameTimestamps(ctx context.Context, sessionID uuid.UUID) ([]models.FrameTimestamp, error)
	HealthChecks(ctx context.Context, sessionID uuid.UUID) ([]models.SessionHealth, error)

	ActionCode(ctx context.Context, device models.InputDevice, raw string) (*models.ActionCode, error)
	CreateActionCode(ctx context.Context, device models.InputDevice, raw, description, category string) (*models.ActionCode, error)
	ListActionCodes(ctx context.Context, device models.InputDevice) ([]models.ActionCode, error)

	Stats(ctx context.Context) (*models.SessionStats, error)
}

var (
	_ Store = (*sqlite.Store)(nil)
	_ Store = (*postgres.Store)(nil)
)

// OpenStore connects the configured database, migrates it and returns the
// store plus a close function.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (Store, func(), error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := database.NewPostgresPool(ctx, cfg.DSN(), int32(cfg.MaxConns), true, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		return postgres.New(pool), pool.Close, nil
	case config.DriverSQLite, "":
		db, err := database.OpenSQLite(database.SQLiteConfig{Path: cfg.SQLitePath}, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := database.MigrateSQLite(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return sqlite.New(db), func() { _ = db.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}
