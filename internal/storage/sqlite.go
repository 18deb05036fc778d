package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "tgcast/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also makes conditional updates race-free in-process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path), logx.Duration("busy_timeout", busy))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateJob(ctx context.Context, job *Job, chunks []*Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range chunks {
		if err := putChunk(ctx, tx, c); err != nil {
			return err
		}
	}
	if err := putJob(ctx, tx, job); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	return getJob(ctx, s.db, id)
}

func (s *sqliteStore) PutJob(ctx context.Context, job *Job) error {
	return putJob(ctx, s.db, job)
}

func (s *sqliteStore) GetChunk(ctx context.Context, jobID string, index int) (*Chunk, error) {
	return getChunk(ctx, s.db, jobID, index)
}

func (s *sqliteStore) ListChunks(ctx context.Context, jobID string) ([]*Chunk, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE job_id = ? ORDER BY idx`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClaimChunk(ctx context.Context, jobID string, index int, now time.Time, lease time.Duration) (*Chunk, bool, error) {
	expiredBefore := int64(0)
	if lease > 0 {
		expiredBefore = now.Add(-lease).UnixMilli()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET status = ?, claimed_at = ?
		 WHERE job_id = ? AND idx = ?
		   AND (status = ? OR (status = ? AND claimed_at > 0 AND claimed_at <= ?))`,
		ChunkProcessing, now.UnixMilli(), jobID, index,
		ChunkPending, ChunkProcessing, expiredBefore,
	)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	c, err := getChunk(ctx, s.db, jobID, index)
	if err != nil {
		return nil, false, err
	}
	return c, n == 1, nil
}

func (s *sqliteStore) CompleteChunk(ctx context.Context, chunk *Chunk) (*Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	blocked, err := json.Marshal(nonNil(chunk.BlockedIDs))
	if err != nil {
		return nil, false, err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE chunks SET status = ?, sent_count = ?, failed_count = ?, blocked_count = ?, blocked_ids = ?, completed_at = ?
		 WHERE job_id = ? AND idx = ? AND status <> ?`,
		ChunkCompleted, chunk.SentCount, chunk.FailedCount, chunk.BlockedCount, string(blocked), unixMilli(chunk.CompletedAt),
		chunk.JobID, chunk.Index, ChunkCompleted,
	)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		if _, err := getChunk(ctx, tx, chunk.JobID, chunk.Index); err != nil {
			return nil, false, err
		}
		job, err := getJob(ctx, tx, chunk.JobID)
		return job, false, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET completed_chunks = completed_chunks + 1,
		   sent_count = sent_count + ?, failed_count = failed_count + ?, blocked_count = blocked_count + ?
		 WHERE id = ?`,
		chunk.SentCount, chunk.FailedCount, chunk.BlockedCount, chunk.JobID,
	); err != nil {
		return nil, false, err
	}
	job, err := getJob(ctx, tx, chunk.JobID)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	chunk.Status = ChunkCompleted
	return job, true, nil
}

func (s *sqliteStore) ListJobs(ctx context.Context, status JobStatus) ([]*Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM jobs WHERE cleanup_at > 0 AND cleanup_at <= ? ORDER BY id`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE job_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

const jobColumns = `id, credential, owner_id, message, source_kind, total_recipients, chunk_size, total_chunks,
	completed_chunks, sent_count, failed_count, blocked_count, status, created_at, completed_at, cleanup_at`

const chunkColumns = `job_id, idx, recipients, status, sent_count, failed_count, blocked_count, blocked_ids, claimed_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func putJob(ctx context.Context, q querier, j *Job) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   completed_chunks = excluded.completed_chunks, sent_count = excluded.sent_count,
		   failed_count = excluded.failed_count, blocked_count = excluded.blocked_count,
		   status = excluded.status, completed_at = excluded.completed_at, cleanup_at = excluded.cleanup_at`,
		j.ID, j.Credential, j.OwnerID, string(j.Message), j.SourceKind, j.TotalRecipients, j.ChunkSize, j.TotalChunks,
		j.CompletedChunks, j.SentCount, j.FailedCount, j.BlockedCount, j.Status,
		j.CreatedAt.UnixMilli(), unixMilli(j.CompletedAt), unixMilli(j.CleanupAt),
	)
	return err
}

func getJob(ctx context.Context, q querier, id string) (*Job, error) {
	j, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func scanJob(r rowScanner) (*Job, error) {
	var (
		j                               Job
		msg, status                     string
		createdAt, completedAt, cleanup int64
	)
	if err := r.Scan(&j.ID, &j.Credential, &j.OwnerID, &msg, &j.SourceKind, &j.TotalRecipients, &j.ChunkSize, &j.TotalChunks,
		&j.CompletedChunks, &j.SentCount, &j.FailedCount, &j.BlockedCount, &status, &createdAt, &completedAt, &cleanup); err != nil {
		return nil, err
	}
	j.Message = json.RawMessage(msg)
	j.Status = JobStatus(status)
	j.CreatedAt = fromMilli(createdAt)
	j.CompletedAt = fromMilli(completedAt)
	j.CleanupAt = fromMilli(cleanup)
	return &j, nil
}

func putChunk(ctx context.Context, q querier, c *Chunk) error {
	recipients, err := json.Marshal(nonNil(c.RecipientIDs))
	if err != nil {
		return err
	}
	blocked, err := json.Marshal(nonNil(c.BlockedIDs))
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT OR REPLACE INTO chunks(`+chunkColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		c.JobID, c.Index, string(recipients), c.Status, c.SentCount, c.FailedCount, c.BlockedCount, string(blocked),
		unixMilli(c.ClaimedAt), unixMilli(c.CompletedAt),
	)
	return err
}

func getChunk(ctx context.Context, q querier, jobID string, index int) (*Chunk, error) {
	c, err := scanChunk(q.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE job_id = ? AND idx = ?`, jobID, index))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func scanChunk(r rowScanner) (*Chunk, error) {
	var (
		c                       Chunk
		recipients, blocked, st string
		claimedAt, completedAt  int64
	)
	if err := r.Scan(&c.JobID, &c.Index, &recipients, &st, &c.SentCount, &c.FailedCount, &c.BlockedCount, &blocked,
		&claimedAt, &completedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(recipients), &c.RecipientIDs); err != nil {
		return nil, fmt.Errorf("decode chunk recipients: %w", err)
	}
	if err := json.Unmarshal([]byte(blocked), &c.BlockedIDs); err != nil {
		return nil, fmt.Errorf("decode chunk blocked ids: %w", err)
	}
	if len(c.BlockedIDs) == 0 {
		c.BlockedIDs = nil
	}
	c.Status = ChunkStatus(st)
	c.ClaimedAt = fromMilli(claimedAt)
	c.CompletedAt = fromMilli(completedAt)
	return &c, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
