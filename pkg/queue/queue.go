// Package queue is a Redis list job queue with bounded retries and a
// dead-letter list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueArchive is the Redis list key for session archive jobs.
	QueueArchive = "recorder:archive"
	// QueueArchiveDLQ receives archive jobs that exhausted their attempts.
	QueueArchiveDLQ = "recorder:archive:dlq"
	// MaxAttempts is how many times a job runs before it goes to the DLQ.
	MaxAttempts = 3
	// RetryBackoff is the delay the worker waits after a failed job.
	RetryBackoff = 10 * time.Second
	// PollTimeout bounds one blocking pop so shutdown is noticed.
	PollTimeout = 2 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeArchiveSession JobType = "archive_session"
)

// ArchivePayload names a finished session folder to archive.
type ArchivePayload struct {
	SessionID uuid.UUID `json:"session_id"`
	GameName  string    `json:"game_name"`
	Dir       string    `json:"dir"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client redis.Cmdable
	key    string
	dlq    string
	logger *zap.Logger
}

// NewQueue creates the archive job queue.
func NewQueue(client redis.Cmdable, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, key: QueueArchive, dlq: QueueArchiveDLQ, logger: logger}
}

// EnqueueArchive enqueues a session archive job and returns its id.
func (q *Queue) EnqueueArchive(ctx context.Context, payload ArchivePayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      JobTypeArchiveSession,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}
	if err := q.push(ctx, q.key, &job); err != nil {
		return "", err
	}
	q.logger.Debug("Enqueued archive job", zap.String("job_id", job.ID), zap.String("session_id", payload.SessionID.String()))
	return job.ID, nil
}

func (q *Queue) push(ctx context.Context, key string, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", key, err)
	}
	return nil
}

// Dequeue waits up to timeout for a job. It returns nil, nil when none
// arrived. Undecodable entries are moved to the DLQ.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("Invalid job payload, moved to DLQ", zap.String("raw", result[1]), zap.Error(err))
		if pushErr := q.client.RPush(ctx, q.dlq, result[1]).Err(); pushErr != nil {
			return nil, fmt.Errorf("rpush %s: %w", q.dlq, pushErr)
		}
		return nil, nil
	}
	return &job, nil
}

// Retry records the failure and re-enqueues the job, or moves it to the DLQ
// once it has run MaxAttempts times. It reports whether the job was
// dead-lettered.
func (q *Queue) Retry(ctx context.Context, job *Job, cause error) (bool, error) {
	job.Attempt++
	if cause != nil {
		job.LastError = cause.Error()
	}
	if job.Attempt >= MaxAttempts {
		if err := q.push(ctx, q.dlq, job); err != nil {
			q.logger.Error("DLQ push failed", zap.Error(err), zap.String("job_id", job.ID))
			return false, err
		}
		q.logger.Warn("Job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.String("last_error", job.LastError))
		return true, nil
	}
	if err := q.push(ctx, q.key, job); err != nil {
		return false, err
	}
	q.logger.Info("Job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return false, nil
}

// Len is the number of waiting jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// DeadLetters returns the jobs in the DLQ, oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]Job, error) {
	raws, err := q.client.LRange(ctx, q.dlq, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
