package archive

import (
	"context"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/gameon/recorder/internal/models"
	"github.com/gameon/recorder/pkg/queue"
)

// Enqueuer returns an orchestrator finish hook that queues completed
// sessions for archival. Failed sessions stay local.
func Enqueuer(q *queue.Queue, logger *zap.Logger) func(models.Session) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(sess models.Session) {
		if sess.Status != models.SessionStatusCompleted || sess.VideoPath == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		jobID, err := q.EnqueueArchive(ctx, queue.ArchivePayload{
			SessionID: sess.ID,
			GameName:  sess.GameName,
			Dir:       filepath.Dir(*sess.VideoPath),
		})
		if err != nil {
			logger.Error("Enqueue archive job failed", zap.String("session_id", sess.ID.String()), zap.Error(err))
			return
		}
		logger.Info("Archive job enqueued", zap.String("session_id", sess.ID.String()), zap.String("job_id", jobID))
	}
}
