// Package archive uploads finished session folders to object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gameon/recorder/internal/metrics"
	"github.com/gameon/recorder/internal/models"
	"github.com/gameon/recorder/pkg/queue"
	"github.com/gameon/recorder/pkg/storage"
)

// Artifact names written next to the media files.
const (
	SessionFile = "session.json"
	EventsFile  = "events.jsonl"
)

// Uploader is the object storage the processor writes to.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) error
	SessionPrefix(game, sessionID string) string
}

// Store is the session persistence the processor reads and updates.
type Store interface {
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	InputEvents(ctx context.Context, sessionID uuid.UUID, fromMs, toMs *int64) ([]models.InputEvent, error)
	SetArchiveKey(ctx context.Context, id uuid.UUID, key string) error
}

// Options tunes the processor.
type Options struct {
	// DeleteLocal removes the session folder after a successful upload.
	DeleteLocal  bool
	RetryBackoff time.Duration
}

// Processor runs archive jobs: upload session artifacts, export the input
// events, then record the archive key.
type Processor struct {
	store    Store
	uploader Uploader
	queue    *queue.Queue
	opts     Options
	logger   *zap.Logger
}

// NewProcessor creates an archive processor.
func NewProcessor(store Store, uploader Uploader, q *queue.Queue, opts Options, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = queue.RetryBackoff
	}
	return &Processor{store: store, uploader: uploader, queue: q, opts: opts, logger: logger}
}

// Process executes one archive job.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeArchiveSession {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	sess, err := p.store.GetSession(ctx, payload.SessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("session not found: %s", payload.SessionID)
	}
	if sess.ArchiveKey != nil {
		p.logger.Info("Session already archived", zap.String("session_id", sess.ID.String()), zap.String("archive_key", *sess.ArchiveKey))
		return nil
	}
	if sess.Status != models.SessionStatusCompleted {
		return fmt.Errorf("session %s is %s, not completed", sess.ID, sess.Status)
	}

	prefix := p.uploader.SessionPrefix(filepath.Base(payload.Dir), sess.ID.String())
	uploaded, err := p.uploadDir(ctx, payload.Dir, prefix)
	if err != nil {
		return err
	}

	meta, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := p.uploadBytes(ctx, prefix+"/"+SessionFile, meta); err != nil {
		return err
	}

	events, err := p.store.InputEvents(ctx, sess.ID, nil, nil)
	if err != nil {
		return fmt.Errorf("load input events: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return fmt.Errorf("encode input event: %w", err)
		}
	}
	if err := p.uploadBytes(ctx, prefix+"/"+EventsFile, buf.Bytes()); err != nil {
		return err
	}

	if err := p.store.SetArchiveKey(ctx, sess.ID, prefix); err != nil {
		return fmt.Errorf("set archive key: %w", err)
	}
	if p.opts.DeleteLocal {
		if err := os.RemoveAll(payload.Dir); err != nil {
			p.logger.Warn("Remove archived session folder failed", zap.String("dir", payload.Dir), zap.Error(err))
		}
	}

	metrics.ArchiveJobs.WithLabelValues("uploaded").Inc()
	p.logger.Info("Session archived",
		zap.String("session_id", sess.ID.String()),
		zap.String("archive_key", prefix),
		zap.Int("files", uploaded),
		zap.Int("input_events", len(events)),
	)
	return nil
}

func (p *Processor) uploadDir(ctx context.Context, dir, prefix string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read session folder: %w", err)
	}
	n := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := p.uploadFile(ctx, filepath.Join(dir, e.Name()), prefix+"/"+e.Name()); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (p *Processor) uploadFile(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}
	if err := p.uploader.Upload(ctx, key, storage.ContentTypeForFilename(path), f, info.Size()); err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	return nil
}

func (p *Processor) uploadBytes(ctx context.Context, key string, data []byte) error {
	if err := p.uploader.Upload(ctx, key, storage.ContentTypeForFilename(key), bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	return nil
}

// Run is the worker loop: dequeue, process, retry on error. It returns when
// ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			p.logger.Info("Archive worker stopping")
			return
		}

		job, err := p.queue.Dequeue(ctx, queue.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("Dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("Processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)), zap.Int("attempt", job.Attempt))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("Archive job failed", zap.String("job_id", job.ID), zap.Error(err))
			dead, reErr := p.queue.Retry(ctx, job, err)
			switch {
			case reErr != nil:
				p.logger.Error("Retry enqueue failed", zap.Error(reErr))
			case dead:
				metrics.ArchiveJobs.WithLabelValues("dead").Inc()
			default:
				metrics.ArchiveJobs.WithLabelValues("retried").Inc()
			}
			p.sleep(ctx)
		}
	}
}

func (p *Processor) sleep(ctx context.Context) {
	t := time.NewTimer(p.opts.RetryBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
