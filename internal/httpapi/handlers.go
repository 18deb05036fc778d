package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tgcast/internal/broadcast"
	"tgcast/internal/storage"
	logx "tgcast/pkg/logx"
)

// Service is the orchestrator surface served over HTTP.
type Service interface {
	Create(ctx context.Context, req broadcast.Request) (*storage.Job, error)
	Process(ctx context.Context, jobID string, index int) (broadcast.ChunkResult, error)
	Status(ctx context.Context, jobID string) (broadcast.StatusView, error)
	RunDirect(ctx context.Context, req broadcast.Request) (broadcast.DirectResult, error)
}

const timeLayout = "2006-01-02 15:04:05"

type handlers struct {
	svc            Service
	log            logx.Logger
	processTimeout time.Duration
	health         func() any
}

type createResponse struct {
	Success          bool   `json:"success"`
	BroadcastID      string `json:"broadcast_id"`
	TotalSubscribers int    `json:"total_subscribers"`
	TotalChunks      int    `json:"total_chunks"`
	ChunkSize        int    `json:"chunk_size"`
	Status           string `json:"status"`
	Message          string `json:"message"`
}

type directResponse struct {
	Success          bool   `json:"success"`
	TotalSubscribers int    `json:"total_subscribers"`
	SentCount        int    `json:"sent_count"`
	FailedCount      int    `json:"failed_count"`
	BlockedCount     int    `json:"blocked_count"`
	TotalTimeSeconds int64  `json:"total_time_seconds"`
	Message          string `json:"message"`
}

type processResponse struct {
	Success        bool   `json:"success"`
	ChunkCompleted int    `json:"chunk_completed"`
	TotalChunks    int    `json:"total_chunks"`
	Sent           int    `json:"sent"`
	Failed         int    `json:"failed"`
	Blocked        int    `json:"blocked"`
	Progress       string `json:"progress"`
}

type skippedResponse struct {
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped"`
	Message string `json:"message"`
}

type statusResponse struct {
	Success          bool   `json:"success"`
	BroadcastID      string `json:"broadcast_id"`
	Status           string `json:"status"`
	Progress         string `json:"progress"`
	TotalSubscribers int    `json:"total_subscribers"`
	SentCount        int    `json:"sent_count"`
	FailedCount      int    `json:"failed_count"`
	BlockedCount     int    `json:"blocked_count"`
	CompletedChunks  int    `json:"completed_chunks"`
	TotalChunks      int    `json:"total_chunks"`
	CreatedAt        string `json:"created_at"`
	CompletedAt      string `json:"completed_at,omitempty"`
}

func (h *handlers) broadcast(w http.ResponseWriter, r *http.Request) {
	req := broadcast.Request{
		Credential: strings.TrimSpace(r.FormValue("bot")),
		OwnerID:    strings.TrimSpace(r.FormValue("owner")),
		Message:    messageParam(r.FormValue("message")),
		InlineIDs:  r.FormValue("userids"),
		SourceURL:  strings.TrimSpace(r.FormValue("userids_url")),
	}

	switch mode := strings.ToLower(strings.TrimSpace(r.FormValue("mode"))); mode {
	case "", "chunked":
		job, err := h.svc.Create(r.Context(), req)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, createResponse{
			Success:          true,
			BroadcastID:      job.ID,
			TotalSubscribers: job.TotalRecipients,
			TotalChunks:      job.TotalChunks,
			ChunkSize:        job.ChunkSize,
			Status:           "queued",
			Message:          "Broadcast queued for processing",
		})
	case "direct":
		ctx, cancel := h.detached(r)
		defer cancel()
		res, err := h.svc.RunDirect(ctx, req)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, directResponse{
			Success:          true,
			TotalSubscribers: res.Total,
			SentCount:        res.Sent,
			FailedCount:      res.Failed,
			BlockedCount:     res.Blocked,
			TotalTimeSeconds: int64(res.Elapsed / time.Second),
			Message:          "Broadcast completed successfully",
		})
	default:
		writeError(w, http.StatusBadRequest, "unknown mode: "+mode)
	}
}

func (h *handlers) processChunk(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.FormValue("broadcast_id"))
	rawIdx := strings.TrimSpace(r.FormValue("chunk_index"))
	if id == "" || rawIdx == "" {
		writeError(w, http.StatusBadRequest, "Missing broadcast_id or chunk_index")
		return
	}
	idx, err := strconv.Atoi(rawIdx)
	if err != nil || idx < 0 {
		writeError(w, http.StatusBadRequest, "Invalid chunk_index")
		return
	}

	// The trigger hangs up almost immediately; the chunk must still run to completion.
	ctx, cancel := h.detached(r)
	defer cancel()
	res, err := h.svc.Process(ctx, id, idx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if res.Skipped {
		writeJSON(w, http.StatusOK, skippedResponse{Success: true, Skipped: true, Message: "Chunk already processed"})
		return
	}
	writeJSON(w, http.StatusOK, processResponse{
		Success:        true,
		ChunkCompleted: res.Index + 1,
		TotalChunks:    res.TotalChunks,
		Sent:           res.Sent,
		Failed:         res.Failed,
		Blocked:        res.Blocked,
		Progress:       formatProgress(res.Progress),
	})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("broadcast_id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing broadcast_id")
		return
	}
	v, err := h.svc.Status(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := statusResponse{
		Success:          true,
		BroadcastID:      v.ID,
		Status:           string(v.Status),
		Progress:         formatProgress(v.Progress),
		TotalSubscribers: v.TotalRecipients,
		SentCount:        v.Sent,
		FailedCount:      v.Failed,
		BlockedCount:     v.Blocked,
		CompletedChunks:  v.CompletedChunks,
		TotalChunks:      v.TotalChunks,
		CreatedAt:        v.CreatedAt.Format(timeLayout),
	}
	if !v.CompletedAt.IsZero() {
		out.CompletedAt = v.CompletedAt.Format(timeLayout)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"success": true}
	if h.health != nil {
		body["runtime"] = h.health()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	fields := []logx.Field{logx.String("path", r.URL.Path), logx.Int("status", code), logx.Err(err)}
	if code >= 500 {
		h.log.Error("request failed", fields...)
	} else {
		h.log.Debug("request rejected", fields...)
	}
	writeError(w, code, publicMessage(err))
}

func (h *handlers) detached(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), h.processTimeout)
}

// messageParam accepts the message as JSON or as URL-encoded JSON.
func messageParam(v string) json.RawMessage {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if !json.Valid([]byte(v)) {
		if dec, err := url.QueryUnescape(v); err == nil {
			v = dec
		}
	}
	return json.RawMessage(v)
}
