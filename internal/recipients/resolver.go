// Package recipients turns the caller's recipient input into an ordered, de-duplicated
// list of Telegram chat ids.
//
// Two sources exist: an inline delimited string and a remote text file fetched over
// http(s). Inline input is accepted as-is (usernames are allowed); fetched files only
// contribute numeric ids.
package recipients

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	logx "tgcast/pkg/logx"
)

var (
	// ErrEmpty means the inline list held no ids.
	ErrEmpty = errors.New("recipient list is empty")
	// ErrSource means the remote list could not be used.
	ErrSource = errors.New("recipient source failed")
)

const (
	DefaultFetchTimeout = 10 * time.Second
	DefaultMaxBytes     = 5 << 20
)

var (
	delimiters = regexp.MustCompile(`[\r\n,;|]+`)
	numericID  = regexp.MustCompile(`-?\d+`)
)

type Config struct {
	FetchTimeout time.Duration
	MaxBytes     int64
	// Client is optional; tests inject httptest clients here.
	Client *http.Client
}

type Resolver struct {
	http     *http.Client
	timeout  time.Duration
	maxBytes int64
	log      logx.Logger
}

func New(cfg Config, log logx.Logger) *Resolver {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: cfg.FetchTimeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{http: hc, timeout: cfg.FetchTimeout, maxBytes: cfg.MaxBytes, log: log}
}

// Inline splits raw on newlines, commas, semicolons and pipes.
func (r *Resolver) Inline(raw string) ([]string, error) {
	ids := dedupe(splitFields(raw))
	if len(ids) == 0 {
		return nil, ErrEmpty
	}
	return ids, nil
}

// Fetch downloads a recipient file. Each non-comment line contributes the first signed
// integer it contains.
func (r *Resolver) Fetch(ctx context.Context, rawURL string) ([]string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid url %q", ErrSource, rawURL)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSource, err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSource, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned HTTP %d", ErrSource, u.Host, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrSource, err)
	}
	if int64(len(body)) > r.maxBytes {
		return nil, fmt.Errorf("%w: list exceeds %d bytes", ErrSource, r.maxBytes)
	}

	ids := ParseList(string(body))
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no valid ids in list", ErrSource)
	}
	r.log.Debug("recipient list fetched", logx.String("host", u.Host), logx.Int("ids", len(ids)), logx.Int("bytes", len(body)))
	return ids, nil
}

// ParseList extracts numeric ids from a recipient file body.
func ParseList(body string) []string {
	lines := splitFields(body)
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(line, "#") {
			continue
		}
		if id := numericID.FindString(line); id != "" {
			out = append(out, id)
		}
	}
	return dedupe(out)
}

func splitFields(s string) []string {
	parts := delimiters.Split(s, -1)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
