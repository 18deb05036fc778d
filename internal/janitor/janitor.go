// Package janitor periodically evicts expired broadcast state and restarts broadcasts whose
// chunk chain has stopped.
package janitor

import (
	"context"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"tgcast/internal/storage"
	logx "tgcast/pkg/logx"
)

type Trigger interface {
	Trigger(ctx context.Context, jobID string, index int) error
}

// Finalizer completes a job whose chunks are all done but whose own record never was.
type Finalizer interface {
	Finalize(ctx context.Context, jobID string) (bool, error)
}

type Config struct {
	Schedule string // default "@every 5m"
	// RetriggerStalled re-fires the next chunk of jobs idle for longer than Lease.
	RetriggerStalled bool
	Lease            time.Duration // default 5m
}

// Report summarizes one sweep.
type Report struct {
	Evicted     int
	Retriggered int
	Finalized   int
}

type Janitor struct {
	store     storage.Store
	trigger   Trigger
	finalizer Finalizer
	cfg       Config
	log       logx.Logger
	now       func() time.Time
}

func New(cfg Config, store storage.Store, trigger Trigger, log logx.Logger) *Janitor {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5m"
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Janitor{store: store, trigger: trigger, cfg: cfg, log: log, now: time.Now}
}

// SetFinalizer enables finalizing idle jobs whose chunks have all completed.
func (j *Janitor) SetFinalizer(f Finalizer) { j.finalizer = f }

// Run schedules Sweep until ctx is done. Overlapping sweeps are skipped.
func (j *Janitor) Run(ctx context.Context) error {
	spec, err := ParseSchedule(j.cfg.Schedule)
	if err != nil {
		return err
	}
	clog := cronLogger{log: j.log}
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		cron.WithLogger(clog),
	)
	if _, err := c.AddFunc(spec, func() { j.Sweep(ctx) }); err != nil {
		return err
	}
	c.Start()
	j.log.Info("janitor started", logx.String("schedule", spec), logx.Bool("retrigger_stalled", j.cfg.RetriggerStalled))

	<-ctx.Done()
	<-c.Stop().Done()
	j.log.Info("janitor stopped")
	return nil
}

// Sweep deletes expired jobs and, when enabled, re-triggers stalled ones.
func (j *Janitor) Sweep(ctx context.Context) Report {
	var rep Report
	now := j.now()

	ids, err := j.store.ListExpired(ctx, now)
	if err != nil {
		j.log.Warn("list expired broadcasts failed", logx.Err(err))
	}
	for _, id := range ids {
		if err := j.store.DeleteJob(ctx, id); err != nil {
			j.log.Warn("evict broadcast failed", logx.String("job", id), logx.Err(err))
			continue
		}
		rep.Evicted++
	}

	retrigger := j.cfg.RetriggerStalled && j.trigger != nil
	if retrigger || j.finalizer != nil {
		j.recoverStalled(ctx, now, retrigger, &rep)
	}
	if rep.Evicted > 0 || rep.Retriggered > 0 || rep.Finalized > 0 {
		j.log.Info("janitor sweep", logx.Int("evicted", rep.Evicted), logx.Int("retriggered", rep.Retriggered), logx.Int("finalized", rep.Finalized))
	}
	return rep
}

// recoverStalled looks at idle processing jobs: fully completed ones are finalized, the rest get their
// next chunk re-triggered when retrigger is set.
func (j *Janitor) recoverStalled(ctx context.Context, now time.Time, retrigger bool, rep *Report) {
	jobs, err := j.store.ListJobs(ctx, storage.JobProcessing)
	if err != nil {
		j.log.Warn("list processing broadcasts failed", logx.Err(err))
		return
	}
	for _, job := range jobs {
		chunks, err := j.store.ListChunks(ctx, job.ID)
		if err != nil {
			j.log.Warn("list chunks failed", logx.String("job", job.ID), logx.Err(err))
			continue
		}
		if now.Sub(lastActivity(job, chunks)) < j.cfg.Lease {
			continue
		}

		if allCompleted(job, chunks) {
			if j.finalizer == nil {
				continue
			}
			ok, err := j.finalizer.Finalize(ctx, job.ID)
			if err != nil {
				j.log.Warn("finalize failed", logx.String("job", job.ID), logx.Err(err))
				continue
			}
			if ok {
				j.log.Info("unfinalized broadcast completed", logx.String("job", job.ID))
				rep.Finalized++
			}
			continue
		}

		if !retrigger {
			continue
		}
		idx, ok := stalledChunk(job, chunks, now, j.cfg.Lease)
		if !ok {
			continue
		}
		if err := j.trigger.Trigger(ctx, job.ID, idx); err != nil {
			j.log.Warn("re-trigger failed", logx.String("job", job.ID), logx.Int("chunk", idx), logx.Err(err))
			continue
		}
		j.log.Info("stalled broadcast re-triggered", logx.String("job", job.ID), logx.Int("chunk", idx))
		rep.Retriggered++
	}
}

func lastActivity(job *storage.Job, chunks []*storage.Chunk) time.Time {
	last := job.CreatedAt
	for _, c := range chunks {
		if c.ClaimedAt.After(last) {
			last = c.ClaimedAt
		}
		if c.CompletedAt.After(last) {
			last = c.CompletedAt
		}
	}
	return last
}

func allCompleted(job *storage.Job, chunks []*storage.Chunk) bool {
	if len(chunks) != job.TotalChunks {
		return false
	}
	for _, c := range chunks {
		if c.Status != storage.ChunkCompleted {
			return false
		}
	}
	return true
}

// stalledChunk returns the first unfinished chunk of a job that has shown no activity for lease.
func stalledChunk(job *storage.Job, chunks []*storage.Chunk, now time.Time, lease time.Duration) (int, bool) {
	if now.Sub(lastActivity(job, chunks)) < lease {
		return 0, false
	}
	sort.Slice(chunks, func(a, b int) bool { return chunks[a].Index < chunks[b].Index })
	for _, c := range chunks {
		if c.Status == storage.ChunkCompleted {
			continue
		}
		if c.Claimable(now, lease) {
			return c.Index, true
		}
		return 0, false
	}
	return 0, false
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
