package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "tgcast/pkg/logx"
)

// fileStore keeps one JSON document per record in a flat directory:
//   - broadcast_<id>.json
//   - chunk_<id>_<n>.json
//   - cleanup_<id>.txt (unix seconds after which the job may be evicted)
//
// Writes go through a temp file + rename so readers never see partial documents.
// Conditional updates are serialized by an in-process mutex only.
type fileStore struct {
	dir string
	log logx.Logger

	mu sync.Mutex
}

var reJobID = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{dir: dir, log: log}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) jobPath(id string) string { return filepath.Join(s.dir, "broadcast_"+id+".json") }
func (s *fileStore) chunkPath(id string, n int) string {
	return filepath.Join(s.dir, "chunk_"+id+"_"+strconv.Itoa(n)+".json")
}
func (s *fileStore) cleanupPath(id string) string { return filepath.Join(s.dir, "cleanup_"+id+".txt") }

func (s *fileStore) CreateJob(ctx context.Context, job *Job, chunks []*Chunk) error {
	if !reJobID.MatchString(job.ID) {
		return fmt.Errorf("invalid job id %q", job.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeJSONAtomic(s.chunkPath(c.JobID, c.Index), c); err != nil {
			return err
		}
	}
	return writeJSONAtomic(s.jobPath(job.ID), job)
}

func (s *fileStore) GetJob(ctx context.Context, id string) (*Job, error) {
	_ = ctx
	if !reJobID.MatchString(id) {
		return nil, ErrNotFound
	}
	var j Job
	if err := readJSON(s.jobPath(id), &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *fileStore) PutJob(ctx context.Context, job *Job) error {
	_ = ctx
	if !reJobID.MatchString(job.ID) {
		return fmt.Errorf("invalid job id %q", job.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putJobLocked(job)
}

func (s *fileStore) putJobLocked(job *Job) error {
	if err := writeJSONAtomic(s.jobPath(job.ID), job); err != nil {
		return err
	}
	if job.CleanupAt.IsZero() {
		return nil
	}
	return writeFileAtomic(s.cleanupPath(job.ID), []byte(strconv.FormatInt(job.CleanupAt.Unix(), 10)))
}

func (s *fileStore) GetChunk(ctx context.Context, jobID string, index int) (*Chunk, error) {
	_ = ctx
	if !reJobID.MatchString(jobID) || index < 0 {
		return nil, ErrNotFound
	}
	var c Chunk
	if err := readJSON(s.chunkPath(jobID, index), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *fileStore) ListChunks(ctx context.Context, jobID string) ([]*Chunk, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make([]*Chunk, 0, job.TotalChunks)
	for i := 0; i < job.TotalChunks; i++ {
		c, err := s.GetChunk(ctx, jobID, i)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *fileStore) ClaimChunk(ctx context.Context, jobID string, index int, now time.Time, lease time.Duration) (*Chunk, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.GetChunk(ctx, jobID, index)
	if err != nil {
		return nil, false, err
	}
	if !c.Claimable(now, lease) {
		return c, false, nil
	}
	c.Status = ChunkProcessing
	c.ClaimedAt = now
	if err := writeJSONAtomic(s.chunkPath(jobID, index), c); err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (s *fileStore) CompleteChunk(ctx context.Context, chunk *Chunk) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.GetChunk(ctx, chunk.JobID, chunk.Index)
	if err != nil {
		return nil, false, err
	}
	job, err := s.GetJob(ctx, chunk.JobID)
	if err != nil {
		return nil, false, err
	}
	if cur.Status == ChunkCompleted {
		return job, false, nil
	}
	chunk.Status = ChunkCompleted
	if err := writeJSONAtomic(s.chunkPath(chunk.JobID, chunk.Index), chunk); err != nil {
		return nil, false, err
	}
	applyCompletion(job, chunk)
	if err := s.putJobLocked(job); err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func (s *fileStore) ListJobs(ctx context.Context, status JobStatus) ([]*Job, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "broadcast_*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	out := make([]*Job, 0, len(matches))
	for _, p := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var j Job
		if err := readJSON(p, &j); err != nil {
			s.log.Debug("skipping unreadable job file", logx.String("path", p), logx.Err(err))
			continue
		}
		if status == "" || j.Status == status {
			out = append(out, &j)
		}
	}
	return out, nil
}

func (s *fileStore) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	_ = ctx
	matches, err := filepath.Glob(filepath.Join(s.dir, "cleanup_*.txt"))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range matches {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		at, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
		if err != nil || at > now.Unix() {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(p), "cleanup_"), ".txt")
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) DeleteJob(ctx context.Context, id string) error {
	_ = ctx
	if !reJobID.MatchString(id) {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	chunks, err := filepath.Glob(filepath.Join(s.dir, "chunk_"+id+"_*.json"))
	if err != nil {
		return err
	}
	// Job record goes first so a partially deleted job is never reported as present.
	paths := append([]string{s.jobPath(id)}, chunks...)
	paths = append(paths, s.cleanupPath(id))
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func readJSON(path string, out any) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, b)
}

func writeFileAtomic(path string, b []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
