package notifier

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	kit "tgcast/internal/transport"
	logx "tgcast/pkg/logx"
)

// Summary describes one finished broadcast.
type Summary struct {
	JobID       string // empty for direct broadcasts
	Credential  string
	OwnerID     string
	Total       int
	Sent        int
	Failed      int
	Blocked     int
	Elapsed     time.Duration
	SourceKind  string
	CompletedAt time.Time
}

// SuccessRate is Sent/Total as a percentage rounded to one decimal.
func (s Summary) SuccessRate() float64 {
	if s.Total <= 0 {
		return 0
	}
	return math.Round(float64(s.Sent)/float64(s.Total)*1000) / 10
}

type Config struct {
	SendTimeout time.Duration // default 10s
}

type Service struct {
	sender  kit.TextSender
	log     logx.Logger
	timeout time.Duration
}

func New(cfg Config, sender kit.TextSender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Service{sender: sender, log: log, timeout: cfg.SendTimeout}
}

// NotifyCompleted sends the summary to the owner. It never returns an error.
func (s *Service) NotifyCompleted(ctx context.Context, sum Summary) {
	log := s.log.With(logx.String("job", sum.JobID), logx.String("owner", sum.OwnerID))
	to, err := kit.ParseChatTarget(sum.OwnerID)
	if err != nil {
		log.Warn("admin notification skipped", logx.Err(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.sender.SendText(ctx, sum.Credential, to, FormatSummary(sum), &kit.SendOptions{DisablePreview: true}); err != nil {
		log.Warn("admin notification failed", logx.Err(err))
		return
	}
	log.Debug("admin notification sent")
}

// FormatSummary renders the owner-facing completion message.
func FormatSummary(s Summary) string {
	var b strings.Builder
	b.WriteString("✅ Broadcast completed!\n\n")
	fmt.Fprintf(&b, "📊 Total subscribers: %d\n", s.Total)
	fmt.Fprintf(&b, "✅ Successfully sent: %d\n", s.Sent)
	fmt.Fprintf(&b, "❌ Failed: %d\n", s.Failed)
	fmt.Fprintf(&b, "🚫 Blocked: %d\n", s.Blocked)
	fmt.Fprintf(&b, "📈 Success rate: %s%%\n", strconv.FormatFloat(s.SuccessRate(), 'f', -1, 64))
	fmt.Fprintf(&b, "⏱️ Total time: %s\n", clock(s.Elapsed))
	if s.SourceKind != "" {
		fmt.Fprintf(&b, "📥 Source: %s\n", s.SourceKind)
	}
	at := s.CompletedAt
	if at.IsZero() {
		at = time.Now()
	}
	fmt.Fprintf(&b, "🕐 Completed: %s", at.Format(time.DateTime))
	return b.String()
}

// clock formats d as HH:MM:SS; hours are not wrapped at 24.
func clock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", sec/3600, sec%3600/60, sec%60)
}
