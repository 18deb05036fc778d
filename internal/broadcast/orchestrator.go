// Package broadcast splits a broadcast into chunks, dispatches each chunk in parallel batches
// and keeps job progress in the state store between invocations.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tgcast/internal/message"
	"tgcast/internal/notifier"
	"tgcast/internal/recipients"
	"tgcast/internal/storage"
	logx "tgcast/pkg/logx"
)

const (
	SourceInline = "inline"
	SourceURL    = "url"
)

// Trigger starts processing of one chunk somewhere else. Implementations must not block
// on the chunk's delivery; failures are logged by the caller and otherwise ignored.
type Trigger interface {
	Trigger(ctx context.Context, jobID string, index int) error
}

type Notifier interface {
	NotifyCompleted(ctx context.Context, sum notifier.Summary)
}

// Resolver produces recipient ids; *recipients.Resolver satisfies it.
type Resolver interface {
	Inline(raw string) ([]string, error)
	Fetch(ctx context.Context, rawURL string) ([]string, error)
}

// Request is one broadcast order as received from the caller.
type Request struct {
	Credential string
	OwnerID    string
	Message    json.RawMessage
	// Exactly one of InlineIDs and SourceURL is used; InlineIDs wins when both are set.
	InlineIDs string
	SourceURL string
}

type Config struct {
	ChunkSize    int           // default 30
	ChunkLease   time.Duration // default 5m; negative disables reclaim
	CleanupAfter time.Duration // default 1h
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 30
	}
	if c.ChunkLease == 0 {
		c.ChunkLease = 5 * time.Minute
	}
	if c.CleanupAfter <= 0 {
		c.CleanupAfter = time.Hour
	}
	return c
}

// ChunkResult is what one Process call reports.
type ChunkResult struct {
	Skipped         bool
	Index           int
	TotalChunks     int
	CompletedChunks int
	Sent            int
	Failed          int
	Blocked         int
	Progress        float64
	JobCompleted    bool
}

// StatusView is a point-in-time view of a job. Counters are summed from completed chunks.
type StatusView struct {
	ID              string
	Status          storage.JobStatus
	Progress        float64
	TotalRecipients int
	Sent            int
	Failed          int
	Blocked         int
	CompletedChunks int
	TotalChunks     int
	CreatedAt       time.Time
	CompletedAt     time.Time
}

// DirectResult is the outcome of a single-invocation broadcast.
type DirectResult struct {
	Total   int
	Sent    int
	Failed  int
	Blocked int
	Elapsed time.Duration
}

type Orchestrator struct {
	store      storage.Store
	resolver   Resolver
	dispatcher *Dispatcher
	trigger    Trigger
	notifier   Notifier
	log        logx.Logger

	mu  sync.Mutex
	cfg Config

	now func() time.Time
}

func NewOrchestrator(cfg Config, store storage.Store, resolver Resolver, dispatcher *Dispatcher, trigger Trigger, n Notifier, log logx.Logger) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{
		store:      store,
		resolver:   resolver,
		dispatcher: dispatcher,
		trigger:    trigger,
		notifier:   n,
		log:        log,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
	}
}

// SetTrigger replaces the trigger. Used when the trigger itself needs the orchestrator.
func (o *Orchestrator) SetTrigger(t Trigger) {
	o.mu.Lock()
	o.trigger = t
	o.mu.Unlock()
}

func (o *Orchestrator) Apply(cfg Config) {
	o.mu.Lock()
	o.cfg = cfg.withDefaults()
	o.mu.Unlock()
}

func (o *Orchestrator) snapshot() (Config, Trigger) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg, o.trigger
}

// Create validates req, persists the job with all its chunks and triggers chunk 0.
func (o *Orchestrator) Create(ctx context.Context, req Request) (*storage.Job, error) {
	cfg, trig := o.snapshot()
	msg, ids, source, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	stored, err := json.Marshal(msg)
	if err != nil {
		return nil, newError(KindInternal, err, "encode message")
	}

	now := o.now()
	parts := Split(ids, cfg.ChunkSize)
	job := &storage.Job{
		ID:              uuid.NewString(),
		Credential:      req.Credential,
		OwnerID:         strings.TrimSpace(req.OwnerID),
		Message:         stored,
		SourceKind:      source,
		TotalRecipients: len(ids),
		ChunkSize:       cfg.ChunkSize,
		TotalChunks:     len(parts),
		Status:          storage.JobProcessing,
		CreatedAt:       now,
	}
	chunks := make([]*storage.Chunk, len(parts))
	for i, p := range parts {
		chunks[i] = &storage.Chunk{JobID: job.ID, Index: i, RecipientIDs: p, Status: storage.ChunkPending}
	}
	if err := o.store.CreateJob(ctx, job, chunks); err != nil {
		return nil, newError(KindStateStore, err, "persist broadcast")
	}

	o.log.Info("broadcast created", logx.String("job", job.ID), logx.Int("recipients", job.TotalRecipients), logx.Int("chunks", job.TotalChunks), logx.String("source", source))
	o.fire(ctx, trig, job.ID, 0)
	return job, nil
}

// Process runs one chunk: claim, deliver, complete, then finalize the job or trigger the next chunk.
// Calling it again for a chunk that is already claimed or completed is a no-op.
func (o *Orchestrator) Process(ctx context.Context, jobID string, index int) (ChunkResult, error) {
	cfg, trig := o.snapshot()
	log := o.log.With(logx.String("job", jobID), logx.Int("chunk", index))

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return ChunkResult{}, o.storeErr(err, "load broadcast")
	}
	chunk, err := o.store.GetChunk(ctx, jobID, index)
	if err != nil {
		return ChunkResult{}, o.storeErr(err, "load chunk")
	}
	skipped := ChunkResult{Skipped: true, Index: index, TotalChunks: job.TotalChunks, CompletedChunks: job.CompletedChunks, Progress: progress(job.CompletedChunks, job.TotalChunks)}

	now := o.now()
	if !chunk.Claimable(now, cfg.ChunkLease) {
		log.Debug("chunk not claimable", logx.String("status", string(chunk.Status)))
		return skipped, nil
	}
	msg, err := message.Decode(job.Message)
	if err != nil {
		return ChunkResult{}, newError(KindInternal, err, "stored message unreadable")
	}
	claimed, ok, err := o.store.ClaimChunk(ctx, jobID, index, now, cfg.ChunkLease)
	if err != nil {
		return ChunkResult{}, o.storeErr(err, "claim chunk")
	}
	if !ok {
		log.Debug("chunk claimed elsewhere")
		return skipped, nil
	}

	start := o.now()
	res := o.dispatcher.DispatchAll(ctx, job.Credential, claimed.RecipientIDs, *msg)
	if err := ctx.Err(); err != nil {
		// The chunk stays processing; once its lease expires a later Process call
		// (or the janitor) claims it again and delivers the whole chunk.
		log.Warn("chunk interrupted; left for reclaim",
			logx.Int("sent", res.Delivered),
			logx.Int("not_attempted", res.NotAttempted),
			logx.Err(err),
		)
		return ChunkResult{}, newError(KindInternal, err, "chunk %d interrupted", index)
	}
	claimed.Status = storage.ChunkCompleted
	claimed.SentCount = res.Delivered
	claimed.FailedCount = res.Failed
	claimed.BlockedCount = res.Blocked
	claimed.BlockedIDs = res.BlockedIDs
	claimed.CompletedAt = o.now()

	// The chunk result must be stored even if the caller has gone away.
	persistCtx := context.WithoutCancel(ctx)
	updated, applied, err := o.store.CompleteChunk(persistCtx, claimed)
	if err != nil {
		return ChunkResult{}, o.storeErr(err, "complete chunk")
	}
	if !applied {
		log.Warn("chunk completed concurrently; result discarded", logx.Int("sent", res.Delivered))
		return skipped, nil
	}
	log.Info("chunk processed",
		logx.Int("sent", res.Delivered),
		logx.Int("failed", res.Failed),
		logx.Int("blocked", res.Blocked),
		logx.Int("completed_chunks", updated.CompletedChunks),
		logx.Int("total_chunks", updated.TotalChunks),
		logx.Duration("took", o.now().Sub(start)),
	)

	out := ChunkResult{
		Index:           index,
		TotalChunks:     updated.TotalChunks,
		CompletedChunks: updated.CompletedChunks,
		Sent:            res.Delivered,
		Failed:          res.Failed,
		Blocked:         res.Blocked,
		Progress:        progress(updated.CompletedChunks, updated.TotalChunks),
	}

	// CompleteChunk increments CompletedChunks atomically, so exactly one call observes the final value.
	if updated.CompletedChunks == updated.TotalChunks {
		if err := o.finalize(persistCtx, updated, cfg); err != nil {
			return out, err
		}
		out.JobCompleted = true
		return out, nil
	}
	if next := index + 1; next < updated.TotalChunks {
		o.fire(ctx, trig, jobID, next)
	}
	return out, nil
}

func (o *Orchestrator) finalize(ctx context.Context, job *storage.Job, cfg Config) error {
	now := o.now()
	job.Status = storage.JobCompleted
	job.CompletedAt = now
	job.CleanupAt = now.Add(cfg.CleanupAfter)
	if err := o.store.PutJob(ctx, job); err != nil {
		return o.storeErr(err, "finalize broadcast")
	}
	o.log.Info("broadcast completed",
		logx.String("job", job.ID),
		logx.Int("sent", job.SentCount),
		logx.Int("failed", job.FailedCount),
		logx.Int("blocked", job.BlockedCount),
		logx.Duration("took", now.Sub(job.CreatedAt)),
	)
	if o.notifier != nil {
		o.notifier.NotifyCompleted(ctx, notifier.Summary{
			JobID:       job.ID,
			Credential:  job.Credential,
			OwnerID:     job.OwnerID,
			Total:       job.TotalRecipients,
			Sent:        job.SentCount,
			Failed:      job.FailedCount,
			Blocked:     job.BlockedCount,
			Elapsed:     now.Sub(job.CreatedAt),
			SourceKind:  job.SourceKind,
			CompletedAt: now,
		})
	}
	return nil
}

// Finalize completes a job whose chunks are all completed but whose own record is still
// processing, which happens when the store fails between the last chunk and the job update.
// Counters are rebuilt from the chunk records. It reports whether the job was finalized.
func (o *Orchestrator) Finalize(ctx context.Context, jobID string) (bool, error) {
	cfg, _ := o.snapshot()
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return false, o.storeErr(err, "load broadcast")
	}
	if job.Status == storage.JobCompleted {
		return false, nil
	}
	chunks, err := o.store.ListChunks(ctx, jobID)
	if err != nil {
		return false, o.storeErr(err, "load chunks")
	}
	if len(chunks) != job.TotalChunks {
		return false, nil
	}
	job.SentCount, job.FailedCount, job.BlockedCount = 0, 0, 0
	for _, c := range chunks {
		if c.Status != storage.ChunkCompleted {
			return false, nil
		}
		job.SentCount += c.SentCount
		job.FailedCount += c.FailedCount
		job.BlockedCount += c.BlockedCount
	}
	job.CompletedChunks = job.TotalChunks
	if err := o.finalize(ctx, job, cfg); err != nil {
		return false, err
	}
	return true, nil
}

// Status reports a job's progress without mutating it.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (StatusView, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return StatusView{}, o.storeErr(err, "load broadcast")
	}
	chunks, err := o.store.ListChunks(ctx, jobID)
	if err != nil {
		return StatusView{}, o.storeErr(err, "load chunks")
	}
	v := StatusView{
		ID:              job.ID,
		Status:          job.Status,
		TotalRecipients: job.TotalRecipients,
		TotalChunks:     job.TotalChunks,
		CreatedAt:       job.CreatedAt,
		CompletedAt:     job.CompletedAt,
	}
	for _, c := range chunks {
		if c.Status != storage.ChunkCompleted {
			continue
		}
		v.CompletedChunks++
		v.Sent += c.SentCount
		v.Failed += c.FailedCount
		v.Blocked += c.BlockedCount
	}
	v.Progress = progress(v.CompletedChunks, v.TotalChunks)
	return v, nil
}

// RunDirect delivers the whole broadcast within the current call and keeps no state.
func (o *Orchestrator) RunDirect(ctx context.Context, req Request) (DirectResult, error) {
	msg, ids, source, err := o.prepare(ctx, req)
	if err != nil {
		return DirectResult{}, err
	}
	start := o.now()
	res := o.dispatcher.DispatchAll(ctx, req.Credential, ids, *msg)
	end := o.now()
	// Direct mode keeps no state to resume from, so unattempted recipients are reported as failed.
	out := DirectResult{Total: len(ids), Sent: res.Delivered, Failed: res.Failed + res.NotAttempted, Blocked: res.Blocked, Elapsed: end.Sub(start)}

	o.log.Info("direct broadcast finished", logx.Int("recipients", out.Total), logx.Int("sent", out.Sent), logx.Int("failed", out.Failed), logx.Duration("took", out.Elapsed))
	if o.notifier != nil {
		o.notifier.NotifyCompleted(ctx, notifier.Summary{
			Credential:  req.Credential,
			OwnerID:     strings.TrimSpace(req.OwnerID),
			Total:       out.Total,
			Sent:        out.Sent,
			Failed:      out.Failed,
			Blocked:     out.Blocked,
			Elapsed:     out.Elapsed,
			SourceKind:  source,
			CompletedAt: end,
		})
	}
	return out, nil
}

func (o *Orchestrator) prepare(ctx context.Context, req Request) (*message.Message, []string, string, error) {
	if strings.TrimSpace(req.Credential) == "" {
		return nil, nil, "", newError(KindValidation, nil, "missing bot token")
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, nil, "", newError(KindValidation, nil, "missing owner id")
	}
	if len(req.Message) == 0 {
		return nil, nil, "", newError(KindValidation, nil, "missing message")
	}
	msg, err := message.Parse(req.Message)
	if err != nil {
		return nil, nil, "", newError(KindValidation, err, "invalid message")
	}

	var (
		ids    []string
		source string
	)
	switch {
	case strings.TrimSpace(req.InlineIDs) != "":
		source = SourceInline
		ids, err = o.resolver.Inline(req.InlineIDs)
	case strings.TrimSpace(req.SourceURL) != "":
		source = SourceURL
		ids, err = o.resolver.Fetch(ctx, req.SourceURL)
	default:
		return nil, nil, "", newError(KindValidation, nil, "missing userids or userids_url")
	}
	switch {
	case errors.Is(err, recipients.ErrSource):
		return nil, nil, "", newError(KindSource, err, "recipient list unavailable")
	case err != nil:
		return nil, nil, "", newError(KindValidation, err, "no recipients")
	}
	return msg, ids, source, nil
}

func (o *Orchestrator) fire(ctx context.Context, trig Trigger, jobID string, index int) {
	if trig == nil {
		return
	}
	if err := trig.Trigger(ctx, jobID, index); err != nil {
		o.log.Warn("chunk trigger failed", logx.String("job", jobID), logx.Int("chunk", index), logx.Err(err))
	}
}

func (o *Orchestrator) storeErr(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return newError(KindNotFound, err, "broadcast not found")
	}
	return newError(KindStateStore, err, "%s", what)
}

// Split partitions ids into consecutive chunks of at most size elements.
func Split(ids []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	out := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		out = append(out, ids[start:min(start+size, len(ids))])
	}
	return out
}

func progress(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(done)/float64(total)*10000) / 100
}
