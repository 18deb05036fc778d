package trigger

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	logx "tgcast/pkg/logx"
)

// HTTP fires GET <base>/api/process-chunk and gives up after a short timeout. The callee keeps
// running after the caller disconnects, so a timeout is the normal outcome.
type HTTP struct {
	base    string
	client  *http.Client
	timeout time.Duration
	log     logx.Logger
}

func NewHTTP(baseURL string, timeout time.Duration, client *http.Client, log logx.Logger) (*HTTP, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.New("trigger: public url must be an absolute http(s) url")
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTP{base: strings.TrimRight(u.String(), "/"), client: client, timeout: timeout, log: log}, nil
}

func (h *HTTP) Trigger(ctx context.Context, jobID string, index int) error {
	q := url.Values{}
	q.Set("broadcast_id", jobID)
	q.Set("chunk_index", strconv.Itoa(index))
	endpoint := h.base + "/api/process-chunk?" + q.Encode()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			h.log.Debug("chunk trigger sent", logx.String("job", jobID), logx.Int("chunk", index))
			return nil
		}
		return err
	}
	_ = resp.Body.Close()
	h.log.Debug("chunk trigger answered", logx.String("job", jobID), logx.Int("chunk", index), logx.Int("status", resp.StatusCode))
	return nil
}
