package trigger

import (
	"context"
	"runtime/debug"
	"sync"

	logx "tgcast/pkg/logx"
)

type task struct {
	jobID string
	index int
}

// Local runs chunks on a bounded in-process worker pool. Queued tasks are lost on exit;
// the janitor re-triggers stalled jobs after a restart.
type Local struct {
	process ProcessFunc
	workers int
	log     logx.Logger

	mu      sync.Mutex
	queue   chan task
	running bool
}

func NewLocal(process ProcessFunc, workers, queueSize int, log logx.Logger) *Local {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Local{process: process, workers: workers, log: log, queue: make(chan task, queueSize)}
}

func (l *Local) Trigger(_ context.Context, jobID string, index int) error {
	l.mu.Lock()
	q := l.queue
	l.mu.Unlock()
	select {
	case q <- task{jobID: jobID, index: index}:
		l.log.Debug("chunk enqueued", logx.String("job", jobID), logx.Int("chunk", index), logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is done and every worker has returned.
func (l *Local) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	queue := l.queue
	l.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(l.workers)
	for i := 0; i < l.workers; i++ {
		go func() {
			defer wg.Done()
			l.worker(ctx, queue, i)
		}()
	}
	l.log.Info("local trigger started", logx.Int("workers", l.workers))
	wg.Wait()

	l.mu.Lock()
	l.running = false
	l.mu.Unlock()
	return ctx.Err()
}

func (l *Local) worker(ctx context.Context, queue <-chan task, idx int) {
	for {
		// stop wins over queued work
		select {
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case t := <-queue:
			l.exec(ctx, t, idx)
		}
	}
}

func (l *Local) exec(ctx context.Context, t task, idx int) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("panic in chunk worker", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	if err := l.process(ctx, t.jobID, t.index); err != nil {
		l.log.Warn("chunk processing failed", logx.String("job", t.jobID), logx.Int("chunk", t.index), logx.Int("worker", idx), logx.Err(err))
	}
}
