package config

// Config is the root of the tgcast configuration file.
//
// All durations are Go duration strings ("200ms", "5s", "1h"). Zero values fall back to the
// defaults documented on each section; the mapping lives in internal/app.
//
// Every field can also be set through a TGCAST_-prefixed environment variable, which wins over
// the file. A deployment without a config file runs from the environment alone.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Telegram  TelegramConfig  `json:"telegram"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Source    SourceConfig    `json:"source"`
	Trigger   TriggerConfig   `json:"trigger"`
	Storage   StorageConfig   `json:"storage"`
	Redis     RedisConfig     `json:"redis"`
	Janitor   JanitorConfig   `json:"janitor"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig controls the HTTP endpoint.
//
// PublicURL is the externally reachable base URL used by the http trigger to call
// /api/process-chunk. When empty it is derived from Addr.
type ServerConfig struct {
	Addr         string `json:"addr" env:"SERVER_ADDR"` // default ":8080"
	PublicURL    string `json:"public_url" env:"SERVER_PUBLIC_URL"`
	ReadTimeout  string `json:"read_timeout,omitempty" env:"SERVER_READ_TIMEOUT"`   // default 10s
	WriteTimeout string `json:"write_timeout,omitempty" env:"SERVER_WRITE_TIMEOUT"` // default 0 (disabled)
	// ProcessTimeout bounds one chunk or direct broadcast after the caller has gone; default 4m.
	ProcessTimeout string `json:"process_timeout,omitempty" env:"SERVER_PROCESS_TIMEOUT"`
	Pprof          bool   `json:"pprof,omitempty" env:"SERVER_PPROF"`
	CORS           bool   `json:"cors" env:"SERVER_CORS"`
}

// TelegramConfig controls the Bot API transport.
type TelegramConfig struct {
	APIURL         string `json:"api_url,omitempty" env:"TELEGRAM_API_URL"`                 // default https://api.telegram.org
	ConnectTimeout string `json:"connect_timeout,omitempty" env:"TELEGRAM_CONNECT_TIMEOUT"` // default 5s
	RequestTimeout string `json:"request_timeout,omitempty" env:"TELEGRAM_REQUEST_TIMEOUT"` // default 10s
}

// BroadcastConfig controls chunking, batching and per-recipient retry.
//
// Defaults:
//   - chunk_size: 30
//   - parallelism: 10
//   - batch_pause: 200ms
//   - max_attempts: 2
//   - retry_backoff: 1s
//   - retry_after_cap: 5s
//   - default_retry_after: 1s
//   - rate_per_sec: 0 (disabled)
//   - chunk_lease: 5m
type BroadcastConfig struct {
	ChunkSize         int    `json:"chunk_size,omitempty" env:"BROADCAST_CHUNK_SIZE"`
	Parallelism       int    `json:"parallelism,omitempty" env:"BROADCAST_PARALLELISM"`
	BatchPause        string `json:"batch_pause,omitempty" env:"BROADCAST_BATCH_PAUSE"`
	MaxAttempts       int    `json:"max_attempts,omitempty" env:"BROADCAST_MAX_ATTEMPTS"`
	RetryBackoff      string `json:"retry_backoff,omitempty" env:"BROADCAST_RETRY_BACKOFF"`
	RetryAfterCap     string `json:"retry_after_cap,omitempty" env:"BROADCAST_RETRY_AFTER_CAP"`
	DefaultRetryAfter string `json:"default_retry_after,omitempty" env:"BROADCAST_DEFAULT_RETRY_AFTER"`
	RatePerSec        int    `json:"rate_per_sec,omitempty" env:"BROADCAST_RATE_PER_SEC"`
	ChunkLease        string `json:"chunk_lease,omitempty" env:"BROADCAST_CHUNK_LEASE"`
}

// SourceConfig bounds recipient list downloads.
type SourceConfig struct {
	FetchTimeout string `json:"fetch_timeout,omitempty" env:"SOURCE_FETCH_TIMEOUT"` // default 10s
	MaxBytes     int64  `json:"max_bytes,omitempty" env:"SOURCE_MAX_BYTES"`         // default 5 MiB
}

// TriggerConfig selects how the next chunk is started.
//
// Modes:
//   - "http" (default): fire-and-forget GET to <public_url>/api/process-chunk
//   - "local": in-process worker queue (long-running server)
//   - "redis": durable LPUSH/BRPOP queue consumed by workers in any replica
type TriggerConfig struct {
	Mode      string `json:"mode,omitempty" env:"TRIGGER_MODE"`
	Timeout   string `json:"timeout,omitempty" env:"TRIGGER_TIMEOUT"` // http only; default 1s
	Workers   int    `json:"workers,omitempty" env:"TRIGGER_WORKERS"` // default 2
	QueueSize int    `json:"queue_size,omitempty" env:"TRIGGER_QUEUE_SIZE"`
	QueueKey  string `json:"queue_key,omitempty" env:"TRIGGER_QUEUE_KEY"` // redis only; default "tgcast:chunks"
}

// StorageConfig controls the job state store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data" }
type StorageConfig struct {
	Driver       string `json:"driver" env:"STORAGE_DRIVER"` // file | sqlite | redis
	Path         string `json:"path" env:"STORAGE_PATH"`
	BusyTimeout  string `json:"busy_timeout,omitempty" env:"STORAGE_BUSY_TIMEOUT"`   // sqlite only
	CleanupAfter string `json:"cleanup_after,omitempty" env:"STORAGE_CLEANUP_AFTER"` // default 1h
}

// RedisConfig is shared by the redis storage driver and the redis trigger.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty" env:"REDIS_ADDR"`
	Password string `json:"password,omitempty" env:"REDIS_PASSWORD"`
	DB       int    `json:"db,omitempty" env:"REDIS_DB"`
	Prefix   string `json:"prefix,omitempty" env:"REDIS_PREFIX"` // default "tgcast:"
}

// JanitorConfig controls periodic maintenance: expired state eviction and stalled job recovery.
type JanitorConfig struct {
	Enabled          bool   `json:"enabled" env:"JANITOR_ENABLED"`
	Schedule         string `json:"schedule,omitempty" env:"JANITOR_SCHEDULE"` // default "@every 5m"
	RetriggerStalled bool   `json:"retrigger_stalled,omitempty" env:"JANITOR_RETRIGGER_STALLED"`
}

type LoggingConfig struct {
	Level    string          `json:"level" env:"LOG_LEVEL"`
	Console  bool            `json:"console" env:"LOG_CONSOLE"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled" env:"LOG_FILE_ENABLED"`
	Path    string `json:"path" env:"LOG_FILE_PATH"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled" env:"LOG_TELEGRAM_ENABLED"`
	BotToken   string `json:"bot_token" env:"LOG_TELEGRAM_BOT_TOKEN"`
	ChatID     int64  `json:"chat_id" env:"LOG_TELEGRAM_CHAT_ID"`
	MinLevel   string `json:"min_level" env:"LOG_TELEGRAM_MIN_LEVEL"`
	RatePerSec int    `json:"rate_per_sec" env:"LOG_TELEGRAM_RATE_PER_SEC"`
}
