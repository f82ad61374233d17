package recorder

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gameon/recorder/internal/models"
)

// Store is the persistence the engine writes through. Both the SQLite and
// PostgreSQL stores implement it.
type Store interface {
	CreateSession(ctx context.Context, sess *models.Session) error
	CompleteSession(ctx context.Context, r models.SessionResult) error
	FailSession(ctx context.Context, r models.SessionResult) error
	Heartbeat(ctx context.Context, id uuid.UUID, at time.Time) error
	ListOrphaned(ctx context.Context, before time.Time) ([]models.Session, error)
	WriteBatch(ctx context.Context, b models.Batch) error
}

// Resolver turns a raw input into its action code.
type Resolver interface {
	Resolve(ctx context.Context, device models.InputDevice, raw string) (models.ActionCode, error)
}

// clock converts wall times to session-relative milliseconds. start is the
// stored start_time, so stored offsets are relative to that exact value.
type clock struct {
	start time.Time
	now   func() time.Time
}

func (c clock) ms(t time.Time) int64 {
	return t.Sub(c.start).Milliseconds()
}

func (c clock) sinceMs() int64 {
	return c.ms(c.now())
}
