package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"tgcast/internal/broadcast"
	"tgcast/internal/storage"
	logx "tgcast/pkg/logx"
)

type fakeService struct {
	lastReq    broadcast.Request
	createErr  error
	processRes broadcast.ChunkResult
	processErr error
	processCtx context.Context
	status     broadcast.StatusView
	statusErr  error
	direct     broadcast.DirectResult
}

func (f *fakeService) Create(_ context.Context, req broadcast.Request) (*storage.Job, error) {
	f.lastReq = req
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &storage.Job{ID: "job-1", TotalRecipients: 75, TotalChunks: 3, ChunkSize: 30}, nil
}

func (f *fakeService) Process(ctx context.Context, _ string, _ int) (broadcast.ChunkResult, error) {
	f.processCtx = ctx
	return f.processRes, f.processErr
}

func (f *fakeService) Status(context.Context, string) (broadcast.StatusView, error) {
	return f.status, f.statusErr
}

func (f *fakeService) RunDirect(_ context.Context, req broadcast.Request) (broadcast.DirectResult, error) {
	f.lastReq = req
	return f.direct, nil
}

func serve(t *testing.T, h http.Handler, method, target string) (int, map[string]any, http.Header) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s %s: body is not JSON: %q", method, target, rec.Body.String())
		}
	}
	return rec.Code, body, rec.Header()
}

func TestBroadcastChunked(t *testing.T) {
	t.Parallel()
	f := &fakeService{}
	h := NewRouter(Config{}, f, nil, logx.Nop())

	msg := url.QueryEscape(url.QueryEscape(`{"text":"hi"}`))
	code, body, _ := serve(t, h, http.MethodGet, "/api/broadcast?bot=123:abc&owner=42&userids=1,2&message="+msg)
	if code != http.StatusAccepted {
		t.Fatalf("status = %d body=%v", code, body)
	}
	if body["broadcast_id"] != "job-1" || body["status"] != "queued" || body["total_chunks"] != float64(3) || body["success"] != true {
		t.Fatalf("body = %v", body)
	}
	if string(f.lastReq.Message) != `{"text":"hi"}` || f.lastReq.Credential != "123:abc" || f.lastReq.OwnerID != "42" || f.lastReq.InlineIDs != "1,2" {
		t.Fatalf("request = %+v", f.lastReq)
	}
}

func TestBroadcastPostForm(t *testing.T) {
	t.Parallel()
	f := &fakeService{}
	h := NewRouter(Config{}, f, nil, logx.Nop())

	form := url.Values{"bot": {"t"}, "owner": {"1"}, "message": {`{"text":"x"}`}, "userids_url": {"https://example.com/ids.txt"}}
	req := httptest.NewRequest(http.MethodPost, "/api/broadcast", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.lastReq.SourceURL != "https://example.com/ids.txt" {
		t.Fatalf("request = %+v", f.lastReq)
	}
}

func TestBroadcastDirect(t *testing.T) {
	t.Parallel()
	f := &fakeService{direct: broadcast.DirectResult{Total: 3, Sent: 2, Failed: 1, Blocked: 1, Elapsed: 2500 * time.Millisecond}}
	h := NewRouter(Config{}, f, nil, logx.Nop())

	code, body, _ := serve(t, h, http.MethodGet, `/api/broadcast?mode=direct&bot=t&owner=1&userids=1,2,3&message={}`)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["sent_count"] != float64(2) || body["blocked_count"] != float64(1) || body["total_time_seconds"] != float64(2) {
		t.Fatalf("body = %v", body)
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &broadcast.Error{Kind: broadcast.KindValidation, Msg: "missing bot token"}, http.StatusBadRequest},
		{"source", &broadcast.Error{Kind: broadcast.KindSource, Msg: "recipient list unavailable", Err: errors.New("HTTP 404")}, http.StatusBadRequest},
		{"store", &broadcast.Error{Kind: broadcast.KindStateStore, Msg: "persist broadcast", Err: errors.New("disk full")}, http.StatusInternalServerError},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := NewRouter(Config{}, &fakeService{createErr: tt.err}, nil, logx.Nop())
			code, body, _ := serve(t, h, http.MethodGet, "/api/broadcast?bot=t")
			if code != tt.want {
				t.Fatalf("status = %d, want %d", code, tt.want)
			}
			if body["success"] != false || body["error"] == "" {
				t.Fatalf("body = %v", body)
			}
			if msg, _ := body["error"].(string); strings.Contains(msg, "disk full") {
				t.Fatalf("internal cause leaked: %q", msg)
			}
		})
	}
}

func TestProcessChunk(t *testing.T) {
	t.Parallel()
	f := &fakeService{processRes: broadcast.ChunkResult{Index: 1, TotalChunks: 3, Sent: 29, Failed: 1, Progress: 66.67}}
	h := NewRouter(Config{}, f, nil, logx.Nop())

	code, body, _ := serve(t, h, http.MethodGet, "/api/process-chunk?broadcast_id=job-1&chunk_index=1")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["chunk_completed"] != float64(2) || body["progress"] != "66.67%" || body["sent"] != float64(29) {
		t.Fatalf("body = %v", body)
	}
	if _, ok := f.processCtx.Deadline(); !ok {
		t.Fatal("process context has no deadline")
	}

	f.processRes = broadcast.ChunkResult{Skipped: true}
	_, body, _ = serve(t, h, http.MethodGet, "/api/process-chunk?broadcast_id=job-1&chunk_index=1")
	if body["skipped"] != true || body["message"] != "Chunk already processed" {
		t.Fatalf("skipped body = %v", body)
	}

	for _, q := range []string{"", "?broadcast_id=x", "?broadcast_id=x&chunk_index=-1", "?broadcast_id=x&chunk_index=a"} {
		if code, _, _ := serve(t, h, http.MethodGet, "/api/process-chunk"+q); code != http.StatusBadRequest {
			t.Fatalf("query %q status = %d, want 400", q, code)
		}
	}

	f.processErr = &broadcast.Error{Kind: broadcast.KindNotFound, Msg: "broadcast not found"}
	if code, _, _ := serve(t, h, http.MethodGet, "/api/process-chunk?broadcast_id=nope&chunk_index=0"); code != http.StatusNotFound {
		t.Fatalf("unknown broadcast status = %d", code)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	f := &fakeService{status: broadcast.StatusView{
		ID: "job-1", Status: storage.JobCompleted, Progress: 100, TotalRecipients: 75,
		Sent: 73, Failed: 2, Blocked: 1, CompletedChunks: 3, TotalChunks: 3,
		CreatedAt: created, CompletedAt: created.Add(time.Minute),
	}}
	h := NewRouter(Config{}, f, nil, logx.Nop())

	code, body, _ := serve(t, h, http.MethodGet, "/api/status?broadcast_id=job-1")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["progress"] != "100%" || body["status"] != "completed" || body["created_at"] != "2024-05-01 10:00:00" || body["completed_at"] != "2024-05-01 10:01:00" {
		t.Fatalf("body = %v", body)
	}

	f.statusErr = &broadcast.Error{Kind: broadcast.KindNotFound, Msg: "broadcast not found"}
	if code, _, _ := serve(t, h, http.MethodGet, "/api/status?broadcast_id=x"); code != http.StatusNotFound {
		t.Fatalf("missing status = %d", code)
	}
	if code, _, _ := serve(t, h, http.MethodGet, "/api/status"); code != http.StatusBadRequest {
		t.Fatalf("no id status = %d", code)
	}
}

func TestMethodNotAllowedAndCORS(t *testing.T) {
	t.Parallel()
	h := NewRouter(Config{CORS: true}, &fakeService{}, func() any { return map[string]int{"active": 1} }, logx.Nop())

	code, body, _ := serve(t, h, http.MethodDelete, "/api/broadcast")
	if code != http.StatusMethodNotAllowed || body["error"] != "Method not allowed" {
		t.Fatalf("DELETE status = %d body = %v", code, body)
	}
	if code, _, _ := serve(t, h, http.MethodPost, "/api/status"); code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /api/status = %d", code)
	}

	code, _, hdr := serve(t, h, http.MethodOptions, "/api/broadcast")
	if code != http.StatusOK || hdr.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("OPTIONS status = %d headers = %v", code, hdr)
	}

	code, body, _ = serve(t, h, http.MethodGet, "/healthz")
	if code != http.StatusOK || body["success"] != true || body["runtime"] == nil {
		t.Fatalf("healthz = %d %v", code, body)
	}
}

func TestServerRunStops(t *testing.T) {
	t.Parallel()
	s := NewServer(Config{Addr: "127.0.0.1:0"}, NewRouter(Config{}, &fakeService{}, nil, logx.Nop()), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
