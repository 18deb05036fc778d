package app

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tgcast/internal/broadcast"
	"tgcast/internal/config"
	"tgcast/internal/delivery"
	"tgcast/internal/httpapi"
	"tgcast/internal/janitor"
	"tgcast/internal/recipients"
	"tgcast/internal/storage"
	"tgcast/internal/transport/telegram/botapi"
	"tgcast/internal/trigger"
	logx "tgcast/pkg/logx"
)

// settings is the typed form of config.Config with defaults applied.
type settings struct {
	HTTP      httpapi.Config
	PublicURL string

	BotAPI       botapi.Config
	Delivery     delivery.Config
	Dispatch     broadcast.DispatchConfig
	Orchestrator broadcast.Config
	Source       recipients.Config

	Trigger triggerSettings
	Storage storage.Config
	Redis   redisSettings

	JanitorEnabled bool
	Janitor        janitor.Config

	Logging       logx.Config
	LogBotToken   string
	NeedsRedisCli bool
}

type triggerSettings struct {
	Mode      string
	Timeout   time.Duration
	Workers   int
	QueueSize int
	QueueKey  string
}

type redisSettings struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// mapConfig validates cfg and converts it. It is also the reload validator, so it must not
// have side effects.
func mapConfig(cfg *config.Config) (settings, error) {
	var s settings
	if cfg == nil {
		cfg = &config.Config{}
	}
	var err error
	dur := func(path, raw string, def time.Duration) time.Duration {
		if err != nil {
			return def
		}
		var d time.Duration
		d, err = config.ParseDurationOrDefault(path, raw, def)
		return d
	}

	// server
	s.HTTP = httpapi.Config{
		Addr:           strings.TrimSpace(cfg.Server.Addr),
		ReadTimeout:    dur("server.read_timeout", cfg.Server.ReadTimeout, 10*time.Second),
		WriteTimeout:   dur("server.write_timeout", cfg.Server.WriteTimeout, 0),
		ProcessTimeout: dur("server.process_timeout", cfg.Server.ProcessTimeout, 4*time.Minute),
		CORS:           cfg.Server.CORS,
		Pprof:          cfg.Server.Pprof,
	}
	if s.HTTP.Addr == "" {
		s.HTTP.Addr = ":8080"
	}

	// telegram
	s.BotAPI = botapi.Config{
		APIURL:         strings.TrimSpace(cfg.Telegram.APIURL),
		ConnectTimeout: dur("telegram.connect_timeout", cfg.Telegram.ConnectTimeout, 5*time.Second),
		RequestTimeout: dur("telegram.request_timeout", cfg.Telegram.RequestTimeout, 10*time.Second),
	}

	// broadcast
	b := cfg.Broadcast
	switch {
	case b.ChunkSize < 0:
		return s, fmt.Errorf("broadcast.chunk_size must be >= 0")
	case b.Parallelism < 0:
		return s, fmt.Errorf("broadcast.parallelism must be >= 0")
	case b.MaxAttempts < 0:
		return s, fmt.Errorf("broadcast.max_attempts must be >= 0")
	case b.RatePerSec < 0:
		return s, fmt.Errorf("broadcast.rate_per_sec must be >= 0")
	}
	s.Delivery = delivery.Config{
		MaxAttempts:       b.MaxAttempts,
		RetryBackoff:      dur("broadcast.retry_backoff", b.RetryBackoff, time.Second),
		RetryAfterCap:     dur("broadcast.retry_after_cap", b.RetryAfterCap, 5*time.Second),
		DefaultRetryAfter: dur("broadcast.default_retry_after", b.DefaultRetryAfter, time.Second),
		RatePerSec:        b.RatePerSec,
	}
	s.Dispatch = broadcast.DispatchConfig{
		Parallelism: b.Parallelism,
		BatchPause:  dur("broadcast.batch_pause", b.BatchPause, 200*time.Millisecond),
	}
	s.Orchestrator = broadcast.Config{
		ChunkSize:    b.ChunkSize,
		ChunkLease:   dur("broadcast.chunk_lease", b.ChunkLease, 5*time.Minute),
		CleanupAfter: dur("storage.cleanup_after", cfg.Storage.CleanupAfter, time.Hour),
	}
	if s.Dispatch.BatchPause == 0 {
		// "0s" in config means no pause; the dispatcher treats zero as "use default".
		s.Dispatch.BatchPause = -1
	}

	// source
	if cfg.Source.MaxBytes < 0 {
		return s, fmt.Errorf("source.max_bytes must be >= 0")
	}
	s.Source = recipients.Config{
		FetchTimeout: dur("source.fetch_timeout", cfg.Source.FetchTimeout, recipients.DefaultFetchTimeout),
		MaxBytes:     cfg.Source.MaxBytes,
	}

	// trigger
	t := cfg.Trigger
	s.Trigger = triggerSettings{
		Mode:      strings.ToLower(strings.TrimSpace(t.Mode)),
		Timeout:   dur("trigger.timeout", t.Timeout, time.Second),
		Workers:   t.Workers,
		QueueSize: t.QueueSize,
		QueueKey:  strings.TrimSpace(t.QueueKey),
	}
	if s.Trigger.Mode == "" {
		s.Trigger.Mode = trigger.ModeHTTP
	}
	switch s.Trigger.Mode {
	case trigger.ModeHTTP:
		s.PublicURL, err = publicURL(cfg.Server.PublicURL, s.HTTP.Addr)
		if err != nil {
			return s, err
		}
	case trigger.ModeLocal:
	case trigger.ModeRedis:
		s.NeedsRedisCli = true
		if s.Trigger.QueueKey == "" {
			s.Trigger.QueueKey = trigger.DefaultQueueKey
		}
	default:
		return s, fmt.Errorf("trigger.mode: unknown %q (http | local | redis)", t.Mode)
	}
	if t.Workers < 0 || t.QueueSize < 0 {
		return s, fmt.Errorf("trigger.workers and trigger.queue_size must be >= 0")
	}

	// storage
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	path := strings.TrimSpace(cfg.Storage.Path)
	switch driver {
	case "", "file":
		if path == "" {
			path = filepath.Join(os.TempDir(), "tgcast")
		}
		s.Storage = storage.Config{Driver: "file", Path: path}
	case "sqlite", "sqlite3":
		if path == "" {
			return s, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		s.Storage = storage.Config{Driver: driver, Path: path, BusyTimeout: dur("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)}
	case "redis":
		s.NeedsRedisCli = true
		s.Storage = storage.Config{Driver: "redis"}
	default:
		return s, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}

	// redis
	s.Redis = redisSettings{
		Addr:     strings.TrimSpace(cfg.Redis.Addr),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	}
	if s.Redis.Prefix == "" {
		s.Redis.Prefix = "tgcast:"
	}
	s.Storage.KeyPrefix = s.Redis.Prefix
	if s.NeedsRedisCli && s.Redis.Addr == "" {
		return s, fmt.Errorf("redis.addr is required when storage.driver or trigger.mode is redis")
	}

	// janitor
	s.JanitorEnabled = cfg.Janitor.Enabled
	s.Janitor = janitor.Config{
		Schedule:         strings.TrimSpace(cfg.Janitor.Schedule),
		RetriggerStalled: cfg.Janitor.RetriggerStalled,
		Lease:            s.Orchestrator.ChunkLease,
	}
	if s.JanitorEnabled && s.Janitor.Schedule != "" {
		if _, perr := janitor.ParseSchedule(s.Janitor.Schedule); perr != nil {
			return s, fmt.Errorf("janitor.schedule: %w", perr)
		}
	}

	// logging
	l := cfg.Logging
	s.Logging = logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     l.Telegram.ChatID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
	s.LogBotToken = strings.TrimSpace(l.Telegram.BotToken)
	if l.Telegram.Enabled && (s.LogBotToken == "" || l.Telegram.ChatID == 0) {
		return s, fmt.Errorf("logging.telegram requires bot_token and chat_id")
	}

	return s, err
}

// publicURL returns the base URL the http trigger calls. Without an explicit value the
// server's own listen address on loopback is used.
func publicURL(raw, addr string) (string, error) {
	if v := strings.TrimRight(strings.TrimSpace(raw), "/"); v != "" {
		if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
			return "", fmt.Errorf("server.public_url must start with http:// or https://")
		}
		return v, nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("server.addr: %w", err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}
