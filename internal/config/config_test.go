package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Pipeline.DebounceWindow() != 3*time.Second {
		t.Errorf("debounce window = %v, want 3s", cfg.Pipeline.DebounceWindow())
	}
	if cfg.Pipeline.DedupRetention() != time.Hour {
		t.Errorf("dedup retention = %v, want 1h", cfg.Pipeline.DedupRetention())
	}
	if cfg.Limits.HourlyLimit != 200 || cfg.Limits.DailyLimit != 500 {
		t.Errorf("rate limits = %d/%d, want 200/500", cfg.Limits.HourlyLimit, cfg.Limits.DailyLimit)
	}
	if cfg.Limits.BreakerWindow() != 10*time.Minute || cfg.Limits.BreakerThreshold != 50 {
		t.Errorf("breaker = %v/%d, want 10m/50", cfg.Limits.BreakerWindow(), cfg.Limits.BreakerThreshold)
	}
	if cfg.Database.Mode != "memory" {
		t.Errorf("database mode = %q, want memory", cfg.Database.Mode)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 18890 {
		t.Errorf("port = %d, want default 18890", cfg.Gateway.Port)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
		// comments are allowed
		"gateway": {"port": 9999},
		"pipeline": {"debounce_ms": 1500},
		"limits": {"hourly_limit": 10},
		"database": {"mode": "sqlite", "sqlite_path": "/tmp/bot.db"}
	}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Gateway.Port)
	}
	if cfg.Pipeline.DebounceWindow() != 1500*time.Millisecond {
		t.Errorf("debounce window = %v, want 1.5s", cfg.Pipeline.DebounceWindow())
	}
	if cfg.Limits.HourlyLimit != 10 {
		t.Errorf("hourly limit = %d, want 10", cfg.Limits.HourlyLimit)
	}
	if cfg.Database.Mode != "sqlite" || cfg.Database.SQLitePath != "/tmp/bot.db" {
		t.Errorf("database = %+v, want sqlite at /tmp/bot.db", cfg.Database)
	}
	// Untouched sections keep their defaults.
	if cfg.Limits.DailyLimit != 500 {
		t.Errorf("daily limit = %d, want default 500", cfg.Limits.DailyLimit)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TURNBOT_PAGE_ACCESS_TOKEN", "page-token")
	t.Setenv("TURNBOT_OPENAI_API_KEY", "sk-test")
	t.Setenv("TURNBOT_PORT", "7777")
	t.Setenv("TURNBOT_DB_MODE", "redis")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Messenger.PageAccessToken != "page-token" {
		t.Error("page access token should come from env")
	}
	if cfg.Generation.APIKey != "sk-test" {
		t.Error("api key should come from env")
	}
	if cfg.Gateway.Port != 7777 {
		t.Errorf("port = %d, want env override 7777", cfg.Gateway.Port)
	}
	if cfg.Database.Mode != "redis" {
		t.Errorf("mode = %q, want env override redis", cfg.Database.Mode)
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"gateway": {"port": 1000}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	reloaded := make(chan Config, 1)
	stop, err := Watch(path, cfg, func(snap Config) {
		select {
		case reloaded <- snap:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()

	if err := os.WriteFile(path, []byte(`{"gateway": {"port": 2000}}`), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case snap := <-reloaded:
		if snap.Gateway.Port != 2000 {
			t.Errorf("reloaded port = %d, want 2000", snap.Gateway.Port)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
