// Package delivery sends one broadcast message to one recipient through the Bot API,
// classifying the outcome and retrying rate limits and transient failures.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tgcast/internal/message"
	"tgcast/internal/transport/telegram/botapi"
	logx "tgcast/pkg/logx"
)

// Caller is the Bot API surface the client needs; *botapi.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, token, method string, form url.Values) (botapi.Response, error)
}

type Config struct {
	MaxAttempts       int           // default 2
	RetryBackoff      time.Duration // default 1s
	RetryAfterCap     time.Duration // default 5s
	DefaultRetryAfter time.Duration // default 1s
	// RatePerSec caps outgoing calls per process; 0 disables the limiter.
	RatePerSec int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.RetryAfterCap <= 0 {
		c.RetryAfterCap = 5 * time.Second
	}
	if c.DefaultRetryAfter <= 0 {
		c.DefaultRetryAfter = time.Second
	}
	return c
}

// Result is the final outcome for one recipient.
type Result struct {
	Delivered bool
	// Blocked is set when Telegram refused the recipient (403/400); no retry was made.
	Blocked  bool
	Attempts int
	Err      error
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeRateLimited
	outcomeBlocked
	outcomeTransient
)

type Client struct {
	api Caller
	log logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	// sleep is swapped in tests to record waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(api Caller, cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{api: api, log: log, sleep: sleepCtx}
	c.Apply(cfg)
	return c
}

// Apply swaps retry and rate settings; in-flight deliveries keep their snapshot.
func (c *Client) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	c.mu.Lock()
	c.cfg = cfg
	c.limiter = lim
	c.mu.Unlock()
}

// Deliver sends msg to recipient using credential as the bot token.
func (c *Client) Deliver(ctx context.Context, credential, recipient string, msg message.Message) Result {
	c.mu.Lock()
	cfg := c.cfg
	lim := c.limiter
	c.mu.Unlock()

	method, form, err := buildRequest(recipient, msg)
	if err != nil {
		return Result{Err: err}
	}

	var res Result
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				res.Err = err
				return res
			}
		}
		res.Attempts = attempt

		resp, callErr := c.api.Call(ctx, credential, method, form)
		kind, wait := classify(resp, callErr, cfg)
		switch kind {
		case outcomeDelivered:
			return Result{Delivered: true, Attempts: attempt}
		case outcomeBlocked:
			res.Blocked = true
			res.Err = fmt.Errorf("telegram refused recipient: %d %s", resp.Code(), resp.Description)
			return res
		case outcomeRateLimited:
			res.Err = fmt.Errorf("rate limited: retry after %s", wait)
		default:
			if callErr != nil {
				res.Err = callErr
			} else {
				res.Err = fmt.Errorf("telegram error: %d %s", resp.Code(), resp.Description)
			}
		}

		if attempt == cfg.MaxAttempts {
			break
		}
		c.log.Debug("delivery retry scheduled", logx.String("recipient", recipient), logx.Int("attempt", attempt+1), logx.Duration("delay", wait), logx.Err(res.Err))
		if err := c.sleep(ctx, wait); err != nil {
			res.Err = errors.Join(res.Err, err)
			return res
		}
	}
	return res
}

// classify maps one call to an outcome and the wait before the next attempt.
func classify(resp botapi.Response, err error, cfg Config) (outcome, time.Duration) {
	if err != nil {
		return outcomeTransient, cfg.RetryBackoff
	}
	if resp.HTTPStatus == 200 && resp.OK {
		return outcomeDelivered, 0
	}
	// Only the payload's error_code classifies; a bare HTTP status is transient.
	switch resp.ErrorCode {
	case 429:
		ra := resp.RetryAfter
		if ra <= 0 {
			ra = cfg.DefaultRetryAfter
		}
		return outcomeRateLimited, min(ra, cfg.RetryAfterCap)
	case 403, 400:
		return outcomeBlocked, 0
	}
	return outcomeTransient, cfg.RetryBackoff
}

func buildRequest(recipient string, msg message.Message) (string, url.Values, error) {
	form := url.Values{}
	form.Set("chat_id", recipient)

	if msg.Kind == message.KindText || msg.Kind == "" {
		text := msg.Text
		if text == "" {
			text = message.DefaultText
		}
		form.Set("text", text)
		if len(msg.ReplyMarkup) > 0 {
			form.Set("reply_markup", string(msg.ReplyMarkup))
		}
		return "sendMessage", form, nil
	}

	if msg.Media == nil || msg.Media.Value() == "" {
		return "", nil, fmt.Errorf("%w: %s without media", message.ErrInvalid, msg.Kind)
	}
	var method string
	switch msg.Kind {
	case message.KindPhoto:
		method = "sendPhoto"
	case message.KindVideo:
		method = "sendVideo"
	case message.KindDocument:
		method = "sendDocument"
	case message.KindAudio:
		method = "sendAudio"
	default:
		return "", nil, fmt.Errorf("%w: unknown kind %q", message.ErrInvalid, msg.Kind)
	}
	form.Set(string(msg.Kind), msg.Media.Value())
	if msg.Text != "" {
		form.Set("caption", msg.Text)
	}
	return method, form, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
