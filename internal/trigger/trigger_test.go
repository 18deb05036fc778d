package trigger

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	logx "tgcast/pkg/logx"
)

func TestTaskCodec(t *testing.T) {
	t.Parallel()
	id, idx, err := decodeTask(encodeTask("3f1c-aa", 12))
	if err != nil || id != "3f1c-aa" || idx != 12 {
		t.Fatalf("round trip = %q %d %v", id, idx, err)
	}
	for _, bad := range []string{"", "noindex", ":3", "job:x", "job:-1"} {
		if _, _, err := decodeTask(bad); err == nil {
			t.Fatalf("decodeTask(%q) accepted", bad)
		}
	}
}

func TestHTTPTriggerCallsProcessChunk(t *testing.T) {
	t.Parallel()
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.URL.Path + "?" + r.URL.RawQuery
	}))
	defer srv.Close()

	h, err := NewHTTP(srv.URL+"/", time.Second, srv.Client(), logx.Nop())
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	if err := h.Trigger(context.Background(), "job-1", 2); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if want := "/api/process-chunk?broadcast_id=job-1&chunk_index=2"; <-got != want {
		t.Fatalf("request differs from %q", want)
	}
}

func TestHTTPTriggerDoesNotWaitForSlowChunk(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	h, err := NewHTTP(srv.URL, 50*time.Millisecond, srv.Client(), logx.Nop())
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	start := time.Now()
	if err := h.Trigger(context.Background(), "job-1", 0); err != nil {
		t.Fatalf("Trigger on slow server = %v, want nil", err)
	}
	if took := time.Since(start); took > time.Second {
		t.Fatalf("Trigger blocked for %s", took)
	}
}

func TestNewHTTPRejectsRelativeURL(t *testing.T) {
	t.Parallel()
	for _, bad := range []string{"", "/api", "ftp://host"} {
		if _, err := NewHTTP(bad, 0, nil, logx.Nop()); err == nil {
			t.Fatalf("NewHTTP(%q) accepted", bad)
		}
	}
}

func TestLocalRunsQueuedChunks(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		seen []int
		wg   sync.WaitGroup
	)
	wg.Add(3)
	l := NewLocal(func(_ context.Context, jobID string, index int) error {
		defer wg.Done()
		mu.Lock()
		seen = append(seen, index)
		mu.Unlock()
		if index == 1 {
			panic("worker must survive this")
		}
		return nil
	}, 1, 4, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	for i := 0; i < 3; i++ {
		if err := l.Trigger(ctx, "job", i); err != nil {
			t.Fatalf("Trigger(%d): %v", i, err)
		}
	}
	wg.Wait()
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("processed %v", seen)
	}
}

func TestLocalQueueFull(t *testing.T) {
	t.Parallel()
	l := NewLocal(func(context.Context, string, int) error { return nil }, 1, 1, logx.Nop())
	if err := l.Trigger(context.Background(), "job", 0); err != nil {
		t.Fatalf("first Trigger: %v", err)
	}
	if err := l.Trigger(context.Background(), "job", 1); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second Trigger = %v, want ErrQueueFull", err)
	}
}

func TestRedisQueue(t *testing.T) {
	addr := os.Getenv("TGCAST_TEST_REDIS")
	if addr == "" {
		t.Skip("TGCAST_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	key := "tgcast:test:chunks:" + time.Now().Format("150405.000000")
	defer rdb.Del(context.Background(), key)

	got := make(chan string, 2)
	q := NewRedis(rdb, key, func(_ context.Context, jobID string, index int) error {
		got <- encodeTask(jobID, index)
		return nil
	}, 1, logx.Nop())
	q.block = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	for i := 0; i < 2; i++ {
		if err := q.Trigger(ctx, "job-r", i); err != nil {
			t.Fatalf("Trigger: %v", err)
		}
	}
	for _, want := range []string{"job-r:0", "job-r:1"} {
		select {
		case v := <-got:
			if v != want {
				t.Fatalf("dequeued %q, want %q", v, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}
