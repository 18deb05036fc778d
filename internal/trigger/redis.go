package trigger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	logx "tgcast/pkg/logx"
)

const DefaultQueueKey = "tgcast:chunks"

// Redis is a durable queue: Trigger LPUSHes "<job>:<index>" and Run's consumers BRPOP it.
// A chunk task can be delivered more than once; Process ignores chunks already claimed.
type Redis struct {
	rdb     redis.UniversalClient
	key     string
	process ProcessFunc
	workers int
	block   time.Duration
	log     logx.Logger
}

func NewRedis(rdb redis.UniversalClient, key string, process ProcessFunc, workers int, log logx.Logger) *Redis {
	if key == "" {
		key = DefaultQueueKey
	}
	if workers <= 0 {
		workers = 2
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Redis{rdb: rdb, key: key, process: process, workers: workers, block: 5 * time.Second, log: log}
}

func (q *Redis) Trigger(ctx context.Context, jobID string, index int) error {
	return q.rdb.LPush(context.WithoutCancel(ctx), q.key, encodeTask(jobID, index)).Err()
}

// Run consumes the queue until ctx is done.
func (q *Redis) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, q.workers)
	wg.Add(q.workers)
	for i := 0; i < q.workers; i++ {
		go func() {
			defer wg.Done()
			if err := q.consume(ctx, i); err != nil {
				errs <- err
			}
		}()
	}
	q.log.Info("redis trigger started", logx.String("key", q.key), logx.Int("workers", q.workers))
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return err
	}
	return ctx.Err()
}

func (q *Redis) consume(ctx context.Context, idx int) error {
	failures := 0
	for ctx.Err() == nil {
		res, err := q.rdb.BRPop(ctx, q.block, q.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if failures >= 5 {
				return err
			}
			q.log.Warn("redis dequeue failed", logx.Int("worker", idx), logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Duration(failures) * time.Second):
			}
			continue
		}
		failures = 0
		if len(res) != 2 {
			continue
		}
		jobID, index, err := decodeTask(res[1])
		if err != nil {
			q.log.Warn("dropping queue entry", logx.String("entry", res[1]), logx.Err(err))
			continue
		}
		if err := q.process(ctx, jobID, index); err != nil {
			q.log.Warn("chunk processing failed", logx.String("job", jobID), logx.Int("chunk", index), logx.Int("worker", idx), logx.Err(err))
		}
	}
	return nil
}
