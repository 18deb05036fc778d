// Package botapi calls Telegram Bot API methods with form-encoded POSTs and
// decodes the {ok, error_code, description, parameters} envelope.
package botapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultAPIURL = "https://api.telegram.org"

// ErrMalformed is returned when the response body is not a Bot API envelope.
var ErrMalformed = errors.New("malformed bot api response")

type Config struct {
	APIURL         string
	ConnectTimeout time.Duration // default 5s
	RequestTimeout time.Duration // default 10s
}

type Client struct {
	base string
	http *http.Client
}

// Response is the decoded envelope of one call.
type Response struct {
	HTTPStatus  int
	OK          bool
	ErrorCode   int
	Description string
	// RetryAfter is parameters.retry_after; zero when absent.
	RetryAfter time.Duration
	Result     json.RawMessage
}

// Code is error_code, falling back to the HTTP status when the envelope carries none.
func (r Response) Code() int {
	if r.ErrorCode != 0 {
		return r.ErrorCode
	}
	return r.HTTPStatus
}

func New(cfg Config) *Client {
	connect := cfg.ConnectTimeout
	if connect <= 0 {
		connect = 5 * time.Second
	}
	total := cfg.RequestTimeout
	if total <= 0 {
		total = 10 * time.Second
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext
	tr.TLSHandshakeTimeout = connect
	tr.MaxIdleConnsPerHost = 64

	return &Client{
		base: strings.TrimRight(firstNonEmpty(cfg.APIURL, DefaultAPIURL), "/"),
		http: &http.Client{Timeout: total, Transport: tr},
	}
}

// HTTPClient exposes the underlying client so other Telegram transports share its timeouts and pool.
func (c *Client) HTTPClient() *http.Client { return c.http }

// BaseURL is the API root without trailing slash.
func (c *Client) BaseURL() string { return c.base }

// Call POSTs form to /bot<token>/<method>.
// A non-nil error means the call never produced a decodable envelope (transport failure,
// timeout, malformed body); resp.HTTPStatus is still set when a response arrived.
func (c *Client) Call(ctx context.Context, token, method string, form url.Values) (Response, error) {
	endpoint := c.base + "/bot" + strings.TrimSpace(token) + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, redactToken(err, token)
	}
	defer resp.Body.Close()

	out := Response{HTTPStatus: resp.StatusCode}
	var env struct {
		OK          bool            `json:"ok"`
		ErrorCode   int             `json:"error_code"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
		Parameters  struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return out, fmt.Errorf("%w: http=%d: %v", ErrMalformed, resp.StatusCode, err)
	}
	out.OK = env.OK
	out.ErrorCode = env.ErrorCode
	out.Description = env.Description
	out.Result = env.Result
	if env.Parameters.RetryAfter > 0 {
		out.RetryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
	}
	return out, nil
}

// redactToken strips the bot token from url.Error messages before they reach logs.
func redactToken(err error, token string) error {
	token = strings.TrimSpace(token)
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return &url.Error{Op: ue.Op, URL: strings.ReplaceAll(ue.URL, token, "<redacted>"), Err: ue.Err}
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "<redacted>"))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
