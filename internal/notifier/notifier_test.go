package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	kit "tgcast/internal/transport"
	logx "tgcast/pkg/logx"
)

type sentText struct {
	token string
	to    kit.ChatTarget
	text  string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentText
	err  error
}

func (f *fakeSender) SendText(_ context.Context, token string, to kit.ChatTarget, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentText{token: token, to: to, text: text})
	return f.err
}

func TestFormatSummary(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	got := FormatSummary(Summary{
		Total:       75,
		Sent:        70,
		Failed:      5,
		Blocked:     2,
		Elapsed:     26*time.Hour + 3*time.Minute + 9*time.Second,
		SourceKind:  "url",
		CompletedAt: at,
	})
	for _, want := range []string{
		"✅ Broadcast completed!",
		"Total subscribers: 75",
		"Successfully sent: 70",
		"Failed: 5",
		"Blocked: 2",
		"Success rate: 93.3%",
		"Total time: 26:03:09",
		"Source: url",
		"Completed: 2024-05-01 12:30:00",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("summary missing %q:\n%s", want, got)
		}
	}
}

func TestSuccessRate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		sent, total int
		want        float64
	}{
		{0, 0, 0},
		{1, 3, 33.3},
		{2, 3, 66.7},
		{30, 30, 100},
	}
	for _, tt := range tests {
		if got := (Summary{Sent: tt.sent, Total: tt.total}).SuccessRate(); got != tt.want {
			t.Fatalf("SuccessRate(%d/%d) = %v, want %v", tt.sent, tt.total, got, tt.want)
		}
	}
}

func TestNotifyCompleted(t *testing.T) {
	t.Parallel()
	f := &fakeSender{}
	s := New(Config{}, f, logx.Nop())
	s.NotifyCompleted(context.Background(), Summary{JobID: "j1", Credential: "123:abc", OwnerID: "42", Total: 1, Sent: 1})

	if len(f.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.sent))
	}
	if f.sent[0].token != "123:abc" || f.sent[0].to.ChatID != 42 {
		t.Fatalf("sent to %+v with token %q", f.sent[0].to, f.sent[0].token)
	}
}

func TestNotifyCompletedSwallowsErrors(t *testing.T) {
	t.Parallel()
	f := &fakeSender{err: errors.New("forbidden")}
	s := New(Config{}, f, logx.Nop())
	s.NotifyCompleted(context.Background(), Summary{OwnerID: "42"})
	s.NotifyCompleted(context.Background(), Summary{OwnerID: "not an id"})
	if len(f.sent) != 1 {
		t.Fatalf("sent %d messages, want 1 (invalid owner skipped)", len(f.sent))
	}
}
