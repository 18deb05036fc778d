package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	logx "tgcast/pkg/logx"
)

// redisStore keeps JSON documents under:
//   - <prefix>job:<id>
//   - <prefix>chunk:<id>:<n>
//   - <prefix>jobs (set of live job ids)
//
// Conditional updates use WATCH/MULTI. Eviction is delegated to key expiry:
// PutJob with a CleanupAt sets EXPIREAT on the job and all of its chunks.
type redisStore struct {
	rdb    redis.UniversalClient
	prefix string
	log    logx.Logger
}

const redisTxRetries = 8

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	if cfg.Redis == nil {
		return nil, errors.New("redis client is required for redis driver")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "tgcast:"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cfg.Redis.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &redisStore{rdb: cfg.Redis, prefix: prefix, log: log}, nil
}

// Close is a no-op: the client is owned by the caller.
func (s *redisStore) Close() error { return nil }

func (s *redisStore) jobKey(id string) string { return s.prefix + "job:" + id }
func (s *redisStore) indexKey() string        { return s.prefix + "jobs" }
func (s *redisStore) chunkKey(id string, n int) string {
	return s.prefix + "chunk:" + id + ":" + strconv.Itoa(n)
}

func (s *redisStore) CreateJob(ctx context.Context, job *Job, chunks []*Chunk) error {
	pipe := s.rdb.TxPipeline()
	for _, c := range chunks {
		b, err := json.Marshal(c)
		if err != nil {
			return err
		}
		pipe.Set(ctx, s.chunkKey(c.JobID, c.Index), b, 0)
	}
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	pipe.Set(ctx, s.jobKey(job.ID), b, 0)
	pipe.SAdd(ctx, s.indexKey(), job.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) GetJob(ctx context.Context, id string) (*Job, error) {
	return getRedisJSON[Job](ctx, s.rdb, s.jobKey(id))
}

func (s *redisStore) PutJob(ctx context.Context, job *Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.jobKey(job.ID), b, 0)
	s.expireLocked(ctx, pipe, job)
	_, err = pipe.Exec(ctx)
	return err
}

// expireLocked queues EXPIREAT for every key of a job that has a cleanup time.
func (s *redisStore) expireLocked(ctx context.Context, pipe redis.Pipeliner, job *Job) {
	if job.CleanupAt.IsZero() {
		return
	}
	pipe.ExpireAt(ctx, s.jobKey(job.ID), job.CleanupAt)
	for i := 0; i < job.TotalChunks; i++ {
		pipe.ExpireAt(ctx, s.chunkKey(job.ID, i), job.CleanupAt)
	}
	pipe.SRem(ctx, s.indexKey(), job.ID)
}

func (s *redisStore) GetChunk(ctx context.Context, jobID string, index int) (*Chunk, error) {
	return getRedisJSON[Chunk](ctx, s.rdb, s.chunkKey(jobID, index))
}

func (s *redisStore) ListChunks(ctx context.Context, jobID string) ([]*Chunk, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.TotalChunks == 0 {
		return nil, nil
	}
	keys := make([]string, job.TotalChunks)
	for i := range keys {
		keys[i] = s.chunkKey(jobID, i)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Chunk, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var c Chunk
		if err := json.Unmarshal([]byte(str), &c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, nil
}

func (s *redisStore) ClaimChunk(ctx context.Context, jobID string, index int, now time.Time, lease time.Duration) (*Chunk, bool, error) {
	key := s.chunkKey(jobID, index)
	var (
		out     *Chunk
		claimed bool
	)
	txf := func(tx *redis.Tx) error {
		c, err := getRedisJSON[Chunk](ctx, tx, key)
		if err != nil {
			return err
		}
		out, claimed = c, false
		if !c.Claimable(now, lease) {
			return nil
		}
		c.Status = ChunkProcessing
		c.ClaimedAt = now
		b, err := json.Marshal(c)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, b, redis.KeepTTL)
			return nil
		})
		if err == nil {
			claimed = true
		}
		return err
	}
	if err := s.watchRetry(ctx, txf, key); err != nil {
		return nil, false, err
	}
	return out, claimed, nil
}

func (s *redisStore) CompleteChunk(ctx context.Context, chunk *Chunk) (*Job, bool, error) {
	ckey := s.chunkKey(chunk.JobID, chunk.Index)
	jkey := s.jobKey(chunk.JobID)
	var (
		out     *Job
		applied bool
	)
	txf := func(tx *redis.Tx) error {
		cur, err := getRedisJSON[Chunk](ctx, tx, ckey)
		if err != nil {
			return err
		}
		job, err := getRedisJSON[Job](ctx, tx, jkey)
		if err != nil {
			return err
		}
		out, applied = job, false
		if cur.Status == ChunkCompleted {
			return nil
		}
		done := *chunk
		done.Status = ChunkCompleted
		applyCompletion(job, &done)
		cb, err := json.Marshal(&done)
		if err != nil {
			return err
		}
		jb, err := json.Marshal(job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, ckey, cb, redis.KeepTTL)
			p.Set(ctx, jkey, jb, redis.KeepTTL)
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}
	if err := s.watchRetry(ctx, txf, ckey, jkey); err != nil {
		return nil, false, err
	}
	if applied {
		chunk.Status = ChunkCompleted
	}
	return out, applied, nil
}

func (s *redisStore) watchRetry(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < redisTxRetries; i++ {
		err = s.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		s.log.Debug("redis transaction conflict; retrying", logx.String("key", keys[0]), logx.Int("attempt", i+1))
	}
	return err
}

func (s *redisStore) ListJobs(ctx context.Context, status JobStatus) ([]*Job, error) {
	ids, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.GetJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if status == "" || j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

// ListExpired always returns nothing: redis evicts expired keys itself.
func (s *redisStore) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	return nil, nil
}

func (s *redisStore) DeleteJob(ctx context.Context, id string) error {
	job, err := s.GetJob(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	keys := []string{s.jobKey(id)}
	for i := 0; i < job.TotalChunks; i++ {
		keys = append(keys, s.chunkKey(id, i))
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.SRem(ctx, s.indexKey(), id)
	_, err = pipe.Exec(ctx)
	return err
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getRedisJSON[T any](ctx context.Context, c redisGetter, key string) (*T, error) {
	b, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &v, nil
}
