package botapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCallDecodesEnvelope(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bot123:abc/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.PostForm.Get("chat_id") != "42" {
			t.Errorf("chat_id = %q", r.PostForm.Get("chat_id"))
		}
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 3","parameters":{"retry_after":3}}`))
	}))
	defer srv.Close()

	c := New(Config{APIURL: srv.URL + "/"})
	resp, err := c.Call(context.Background(), "123:abc", "sendMessage", map[string][]string{"chat_id": {"42"}})
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if resp.OK || resp.Code() != 429 || resp.RetryAfter != 3*time.Second || resp.HTTPStatus != 429 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestCallMalformedBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer srv.Close()

	resp, err := New(Config{APIURL: srv.URL}).Call(context.Background(), "t", "sendMessage", nil)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
	if resp.HTTPStatus != http.StatusBadGateway {
		t.Fatalf("HTTPStatus = %d", resp.HTTPStatus)
	}
}

func TestCallRedactsTokenOnTransportError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(Config{APIURL: url, ConnectTimeout: 200 * time.Millisecond}).Call(context.Background(), "999:secret", "sendMessage", nil)
	if err == nil {
		t.Fatal("expected transport error")
	}
	if strings.Contains(err.Error(), "999:secret") {
		t.Fatalf("token leaked in error: %v", err)
	}
}
