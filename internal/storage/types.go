package storage

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("record not found")
)

type JobStatus string

const (
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
)

type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkProcessing ChunkStatus = "processing"
	ChunkCompleted  ChunkStatus = "completed"
)

// Job is one broadcast request and its aggregate progress.
type Job struct {
	ID              string          `json:"broadcast_id"`
	Credential      string          `json:"bot_token"`
	OwnerID         string          `json:"owner_id"`
	Message         json.RawMessage `json:"message"`
	SourceKind      string          `json:"source_kind"`
	TotalRecipients int             `json:"total_subscribers"`
	ChunkSize       int             `json:"chunk_size"`
	TotalChunks     int             `json:"total_chunks"`
	CompletedChunks int             `json:"completed_chunks"`
	SentCount       int             `json:"sent_count"`
	FailedCount     int             `json:"failed_count"`
	BlockedCount    int             `json:"blocked_count"`
	Status          JobStatus       `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     time.Time       `json:"completed_at,omitzero"`
	CleanupAt       time.Time       `json:"cleanup_at,omitzero"`
}

// Chunk is a contiguous slice of a job's recipients processed in one invocation.
type Chunk struct {
	JobID        string      `json:"broadcast_id"`
	Index        int         `json:"chunk_index"`
	RecipientIDs []string    `json:"user_ids"`
	Status       ChunkStatus `json:"status"`
	SentCount    int         `json:"sent_count"`
	FailedCount  int         `json:"failed_count"`
	BlockedCount int         `json:"blocked_count"`
	BlockedIDs   []string    `json:"blocked_ids,omitempty"`
	ClaimedAt    time.Time   `json:"claimed_at,omitzero"`
	CompletedAt  time.Time   `json:"completed_at,omitzero"`
}

// Claimable reports whether a worker may start this chunk at now.
// A processing chunk becomes claimable again once its lease has expired; lease <= 0 disables reclaim.
func (c *Chunk) Claimable(now time.Time, lease time.Duration) bool {
	switch c.Status {
	case ChunkPending:
		return true
	case ChunkProcessing:
		return lease > 0 && !c.ClaimedAt.IsZero() && now.Sub(c.ClaimedAt) >= lease
	default:
		return false
	}
}

// Config configures storage.
//
// Driver values:
//   - "file": Path is the state directory
//   - "sqlite" / "sqlite3": Path is the database file
//   - "redis": Redis is the client, KeyPrefix namespaces the keys
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	Redis     redis.UniversalClient
	KeyPrefix string
}
