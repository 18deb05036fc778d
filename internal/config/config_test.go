package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestParseJSONAndYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tests := []struct {
		name string
		file string
		body string
	}{
		{
			name: "json",
			file: "config.json",
			body: `{"broadcast":{"chunk_size":25,"batch_pause":"150ms"},"storage":{"driver":"file","path":"./data"}}`,
		},
		{
			name: "yaml",
			file: "config.yaml",
			body: "broadcast:\n  chunk_size: 25\n  batch_pause: 150ms\nstorage:\n  driver: file\n  path: ./data\n",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeFile(t, dir, tt.file, tt.body))
			m.environ = map[string]string{}
			cfg, err := m.Parse()
			if err != nil {
				t.Fatalf("Parse error: %v", err)
			}
			if cfg.Broadcast.ChunkSize != 25 {
				t.Fatalf("ChunkSize = %d, want 25", cfg.Broadcast.ChunkSize)
			}
			if cfg.Broadcast.BatchPause != "150ms" {
				t.Fatalf("BatchPause = %q, want 150ms", cfg.Broadcast.BatchPause)
			}
			if cfg.Storage.Driver != "file" {
				t.Fatalf("Storage.Driver = %q, want file", cfg.Storage.Driver)
			}
		})
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, t.TempDir(), "config.json", `{"broadcast":{"chunk":30}}`))
	m.environ = map[string]string{}
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, t.TempDir(), "config.json", `{} {}`))
	m.environ = map[string]string{}
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, t.TempDir(), "config.json", `{"broadcast":{"chunk_size":25},"trigger":{"mode":"http"}}`))
	m.environ = map[string]string{
		"TGCAST_BROADCAST_CHUNK_SIZE": "40",
		"TGCAST_REDIS_ADDR":           "127.0.0.1:6379",
		"TGCAST_LOG_TELEGRAM_CHAT_ID": "-1001",
	}
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Broadcast.ChunkSize != 40 {
		t.Fatalf("ChunkSize = %d, want 40", cfg.Broadcast.ChunkSize)
	}
	if cfg.Trigger.Mode != "http" {
		t.Fatalf("Trigger.Mode = %q, want file value kept", cfg.Trigger.Mode)
	}
	if cfg.Redis.Addr != "127.0.0.1:6379" {
		t.Fatalf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Logging.Telegram.ChatID != -1001 {
		t.Fatalf("Logging.Telegram.ChatID = %d", cfg.Logging.Telegram.ChatID)
	}
}

func TestEnvOnly(t *testing.T) {
	t.Parallel()
	m := NewManager("")
	m.environ = map[string]string{"TGCAST_STORAGE_DRIVER": "sqlite", "TGCAST_STORAGE_PATH": "/tmp/x.db"}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "/tmp/x.db" {
		t.Fatalf("unexpected storage config %+v", cfg.Storage)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit the parsed config")
	}
}

func TestDurationFields(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("broadcast.batch_pause", "", 200*time.Millisecond)
	if err != nil || d != 200*time.Millisecond {
		t.Fatalf("default = %v, %v", d, err)
	}
	if _, err := ParseDurationField("broadcast.batch_pause", "-1s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
	if _, err := ParseDurationField("broadcast.batch_pause", "soon"); err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if d, err := ParseDurationOrDefault("broadcast.batch_pause", "0s", 200*time.Millisecond); err != nil || d != 0 {
		t.Fatalf("explicit zero = %v, %v", d, err)
	}
	if d, err := ParseDurationField("broadcast.chunk_lease", " 300 "); err != nil || d != 5*time.Minute {
		t.Fatalf("bare seconds = %v, %v", d, err)
	}
	if _, err := ParseDurationField("broadcast.chunk_lease", "-5"); err == nil {
		t.Fatal("expected error for negative seconds")
	}
}

func TestDetectFormat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path, body, want string
	}{
		{"config.json", "broadcast: {}", formatJSON},
		{"config.YML", "{}", formatYAML},
		{"/etc/tgcast/config", `  {"server":{}}`, formatJSON},
		{"/etc/tgcast/config", "server:\n  addr: \":8080\"\n", formatYAML},
	}
	for _, tt := range tests {
		if got := detectFormat(tt.path, []byte(tt.body)); got != tt.want {
			t.Fatalf("detectFormat(%q, %q) = %q, want %q", tt.path, tt.body, got, tt.want)
		}
	}
}

func TestParseExtensionlessAndEmptyFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	m := NewManager(writeFile(t, dir, "config", "broadcast:\n  chunk_size: 12\n"))
	m.environ = map[string]string{}
	cfg, err := m.Parse()
	if err != nil || cfg.Broadcast.ChunkSize != 12 {
		t.Fatalf("extensionless yaml = %+v, %v", cfg, err)
	}

	for _, name := range []string{"empty.json", "empty.yaml"} {
		m := NewManager(writeFile(t, dir, name, "\n"))
		m.environ = map[string]string{}
		if _, err := m.Parse(); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
	m = NewManager(writeFile(t, dir, "comments.yaml", "# nothing yet\n"))
	m.environ = map[string]string{}
	if _, err := m.Parse(); err != nil {
		t.Fatalf("comment-only yaml: %v", err)
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{}
	newCfg := &Config{}
	newCfg.Logging.Telegram.BotToken = "123:abc"
	newCfg.Broadcast.ChunkSize = 50

	sections, _ := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) != 2 || sections[0] != "broadcast" || sections[1] != "logging" {
		t.Fatalf("sections = %v", sections)
	}

	same := &Config{}
	same.Logging.Telegram.BotToken = "456:def"
	other := &Config{}
	other.Logging.Telegram.BotToken = "789:ghi"
	if s, _ := SummarizeConfigChange(same, other); len(s) != 0 {
		t.Fatalf("token rotation alone should not be reported, got %v", s)
	}
	if got := RestartRequired([]string{"broadcast", "storage", "trigger"}); len(got) != 2 {
		t.Fatalf("RestartRequired = %v", got)
	}
}

func TestReloadPublishesValidatedChange(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "config.json", `{"broadcast":{"chunk_size":30}}`)
	m := NewManager(path)
	m.environ = map[string]string{}
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx := context.Background()
	if m.reload(ctx) {
		t.Fatal("unchanged content should not publish")
	}

	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Broadcast.ChunkSize > 100 {
			return os.ErrInvalid
		}
		return nil
	})
	writeFile(t, filepath.Dir(path), "config.json", `{"broadcast":{"chunk_size":500}}`)
	if m.reload(ctx) {
		t.Fatal("rejected config should not publish")
	}

	writeFile(t, filepath.Dir(path), "config.json", `{"broadcast":{"chunk_size":60}}`)
	if !m.reload(ctx) {
		t.Fatal("valid change should publish")
	}
	select {
	case cfg := <-sub:
		if cfg.Broadcast.ChunkSize != 60 {
			t.Fatalf("published ChunkSize = %d", cfg.Broadcast.ChunkSize)
		}
	default:
		t.Fatal("subscriber received nothing")
	}
}
