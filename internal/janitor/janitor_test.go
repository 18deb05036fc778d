package janitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tgcast/internal/storage"
	logx "tgcast/pkg/logx"
)

type recordingTrigger struct {
	mu    sync.Mutex
	fired []string
}

func (r *recordingTrigger) Trigger(_ context.Context, jobID string, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, jobID+":"+string(rune('0'+index)))
	return nil
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"*/5 * * * *", "*/5 * * * *", false},
		{"@hourly", "@hourly", false},
		{"5m", "@every 5m0s", false},
		{"00:10", "@every 10m0s", false},
		{"", "", true},
		{"0s", "", true},
		{"01:75", "", true},
		{"soon", "", true},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseSchedule(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseSchedule(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func createJob(t *testing.T, st storage.Store, id string, created time.Time, chunks int) *storage.Job {
	t.Helper()
	job := &storage.Job{ID: id, Credential: "t", OwnerID: "1", Message: []byte(`{"kind":"text","text":"x"}`), TotalRecipients: chunks, ChunkSize: 1, TotalChunks: chunks, Status: storage.JobProcessing, CreatedAt: created}
	cs := make([]*storage.Chunk, chunks)
	for i := range cs {
		cs[i] = &storage.Chunk{JobID: id, Index: i, RecipientIDs: []string{"1"}, Status: storage.ChunkPending}
	}
	if err := st.CreateJob(context.Background(), job, cs); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func TestSweepEvictsExpired(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	ctx := context.Background()
	now := time.Now()

	done := createJob(t, st, "done-1", now.Add(-3*time.Hour), 1)
	done.Status = storage.JobCompleted
	done.CompletedAt = now.Add(-2 * time.Hour)
	done.CleanupAt = now.Add(-time.Hour)
	if err := st.PutJob(ctx, done); err != nil {
		t.Fatalf("PutJob: %v", err)
	}
	fresh := createJob(t, st, "fresh-1", now, 1)
	fresh.Status = storage.JobCompleted
	fresh.CleanupAt = now.Add(time.Hour)
	if err := st.PutJob(ctx, fresh); err != nil {
		t.Fatalf("PutJob: %v", err)
	}

	j := New(Config{}, st, nil, logx.Nop())
	j.now = func() time.Time { return now }
	rep := j.Sweep(ctx)
	if rep.Evicted != 1 {
		t.Fatalf("evicted = %d, want 1", rep.Evicted)
	}
	if _, err := st.GetJob(ctx, "done-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expired job still present: %v", err)
	}
	if _, err := st.GetJob(ctx, "fresh-1"); err != nil {
		t.Fatalf("fresh job evicted: %v", err)
	}
}

func TestSweepRetriggersStalled(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	ctx := context.Background()
	now := time.Now()

	createJob(t, st, "stalled-1", now.Add(-time.Hour), 2)
	createJob(t, st, "young-1", now.Add(-time.Minute), 2)

	busy := createJob(t, st, "busy-1", now.Add(-time.Hour), 2)
	if _, ok, err := st.ClaimChunk(ctx, busy.ID, 0, now.Add(-time.Minute), 5*time.Minute); err != nil || !ok {
		t.Fatalf("ClaimChunk: ok=%v err=%v", ok, err)
	}

	trig := &recordingTrigger{}
	j := New(Config{RetriggerStalled: true, Lease: 5 * time.Minute}, st, trig, logx.Nop())
	j.now = func() time.Time { return now }
	rep := j.Sweep(ctx)
	if rep.Retriggered != 1 || len(trig.fired) != 1 || trig.fired[0] != "stalled-1:0" {
		t.Fatalf("report = %+v fired = %v", rep, trig.fired)
	}
}

type recordingFinalizer struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingFinalizer) Finalize(_ context.Context, jobID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, jobID)
	return true, nil
}

func completeAll(t *testing.T, st storage.Store, job *storage.Job, at time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < job.TotalChunks; i++ {
		c, ok, err := st.ClaimChunk(ctx, job.ID, i, at, 5*time.Minute)
		if err != nil || !ok {
			t.Fatalf("ClaimChunk(%d): ok=%v err=%v", i, ok, err)
		}
		c.Status = storage.ChunkCompleted
		c.SentCount = 1
		c.CompletedAt = at
		if _, applied, err := st.CompleteChunk(ctx, c); err != nil || !applied {
			t.Fatalf("CompleteChunk(%d): applied=%v err=%v", i, applied, err)
		}
	}
}

func TestSweepFinalizesIdleCompletedJobs(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	ctx := context.Background()
	now := time.Now()

	orphan := createJob(t, st, "orphan-1", now.Add(-time.Hour), 2)
	completeAll(t, st, orphan, now.Add(-30*time.Minute))
	recent := createJob(t, st, "recent-1", now.Add(-time.Hour), 2)
	completeAll(t, st, recent, now.Add(-time.Minute))
	createJob(t, st, "pending-1", now.Add(-time.Hour), 2)

	fin := &recordingFinalizer{}
	trig := &recordingTrigger{}
	j := New(Config{Lease: 5 * time.Minute}, st, trig, logx.Nop())
	j.SetFinalizer(fin)
	j.now = func() time.Time { return now }

	rep := j.Sweep(ctx)
	if rep.Finalized != 1 || len(fin.ids) != 1 || fin.ids[0] != "orphan-1" {
		t.Fatalf("report = %+v finalized = %v", rep, fin.ids)
	}
	if rep.Retriggered != 0 || len(trig.fired) != 0 {
		t.Fatalf("re-triggered without retrigger_stalled: %v", trig.fired)
	}
}

func TestStalledChunkSkipsCompleted(t *testing.T) {
	t.Parallel()
	now := time.Now()
	job := &storage.Job{ID: "j", CreatedAt: now.Add(-time.Hour)}
	chunks := []*storage.Chunk{
		{Index: 1, Status: storage.ChunkPending},
		{Index: 0, Status: storage.ChunkCompleted, CompletedAt: now.Add(-10 * time.Minute)},
	}
	idx, ok := stalledChunk(job, chunks, now, 5*time.Minute)
	if !ok || idx != 1 {
		t.Fatalf("stalledChunk = %d, %v", idx, ok)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	j := New(Config{Schedule: "1h"}, openStore(t), nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop")
	}

	if err := New(Config{Schedule: "whenever"}, nil, nil, logx.Nop()).Run(context.Background()); err == nil {
		t.Fatal("expected schedule error")
	}
}
