package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "tgcast/pkg/logx"
)

// Store is the job state API used by the broadcast orchestrator and the janitor.
//
// CreateJob persists every chunk before the job record, so a visible job always has its chunks.
// ClaimChunk and CompleteChunk are conditional updates: they only apply when the chunk is in the
// expected state and report whether they did.
type Store interface {
	CreateJob(ctx context.Context, job *Job, chunks []*Chunk) error
	GetJob(ctx context.Context, id string) (*Job, error)
	PutJob(ctx context.Context, job *Job) error
	GetChunk(ctx context.Context, jobID string, index int) (*Chunk, error)
	ListChunks(ctx context.Context, jobID string) ([]*Chunk, error)

	// ClaimChunk moves a claimable chunk to processing and stamps ClaimedAt.
	ClaimChunk(ctx context.Context, jobID string, index int, now time.Time, lease time.Duration) (*Chunk, bool, error)
	// CompleteChunk writes the finished chunk, then adds its counters to the job
	// and increments CompletedChunks. A chunk that is already completed is left alone.
	CompleteChunk(ctx context.Context, chunk *Chunk) (*Job, bool, error)

	// ListJobs returns jobs with the given status.
	ListJobs(ctx context.Context, status JobStatus) ([]*Job, error)
	// ListExpired returns ids of jobs whose CleanupAt is at or before now.
	ListExpired(ctx context.Context, now time.Time) ([]string, error)
	DeleteJob(ctx context.Context, id string) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func applyCompletion(job *Job, chunk *Chunk) {
	job.CompletedChunks++
	job.SentCount += chunk.SentCount
	job.FailedCount += chunk.FailedCount
	job.BlockedCount += chunk.BlockedCount
}
