package config

import (
	"reflect"
	"strings"

	logx "tgcast/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe structured
// attrs for logging. Secrets (bot tokens, redis password) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", newCfg.Server.Addr),
			logx.String("server.public_url", newCfg.Server.PublicURL),
			logx.Bool("server.pprof", newCfg.Server.Pprof),
		)
	}
	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.api_url", newCfg.Telegram.APIURL),
			logx.String("telegram.request_timeout", newCfg.Telegram.RequestTimeout),
		)
	}
	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Int("broadcast.chunk_size", newCfg.Broadcast.ChunkSize),
			logx.Int("broadcast.parallelism", newCfg.Broadcast.Parallelism),
			logx.Int("broadcast.max_attempts", newCfg.Broadcast.MaxAttempts),
			logx.Int("broadcast.rate_per_sec", newCfg.Broadcast.RatePerSec),
		)
	}
	if oldCfg.Source != newCfg.Source {
		changed = append(changed, "source")
		attrs = append(attrs, logx.Int64("source.max_bytes", newCfg.Source.MaxBytes))
	}
	if oldCfg.Trigger != newCfg.Trigger {
		changed = append(changed, "trigger")
		attrs = append(attrs, logx.String("trigger.mode", newCfg.Trigger.Mode))
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Redis.Addr != newCfg.Redis.Addr || oldCfg.Redis.DB != newCfg.Redis.DB ||
		oldCfg.Redis.Prefix != newCfg.Redis.Prefix ||
		(oldCfg.Redis.Password != "") != (newCfg.Redis.Password != "") {
		changed = append(changed, "redis")
		attrs = append(attrs,
			logx.String("redis.addr", newCfg.Redis.Addr),
			logx.Bool("redis.password_set", newCfg.Redis.Password != ""),
		)
	}
	if oldCfg.Janitor != newCfg.Janitor {
		changed = append(changed, "janitor")
		attrs = append(attrs,
			logx.Bool("janitor.enabled", newCfg.Janitor.Enabled),
			logx.String("janitor.schedule", newCfg.Janitor.Schedule),
		)
	}

	ol, nl := oldCfg.Logging, newCfg.Logging
	ol.Telegram.BotToken, nl.Telegram.BotToken = tokenMarker(ol.Telegram.BotToken), tokenMarker(nl.Telegram.BotToken)
	if !reflect.DeepEqual(ol, nl) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	return changed, attrs
}

// RestartRequired reports sections that are only read at startup.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "server", "telegram", "source", "trigger", "storage", "redis", "janitor":
			out = append(out, s)
		}
	}
	return out
}

func tokenMarker(tok string) string {
	if strings.TrimSpace(tok) == "" {
		return ""
	}
	return "set"
}
