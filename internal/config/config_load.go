package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:       "0.0.0.0",
			Port:       18890,
			IngressRPM: 600,
		},
		Pipeline: PipelineConfig{
			DebounceMs:               3000,
			DedupRetentionMinutes:    60,
			LockLeaseSeconds:         60,
			GenerationTimeoutSeconds: 45,
			HistoryLimit:             20,
		},
		Limits: LimitsConfig{
			HourlyLimit:          200,
			DailyLimit:           500,
			BreakerWindowMinutes: 10,
			BreakerThreshold:     50,
		},
		Database: DatabaseConfig{
			Mode:       "memory",
			SQLitePath: "~/.turnbot/turnbot.db",
			RedisAddr:  "localhost:6379",
		},
		Generation: GenerationConfig{
			Model:           "gpt-4o",
			Temperature:     0.7,
			MaxOutputTokens: 1024,
		},
		Messenger: MessengerConfig{
			GraphAPIVersion: "v18.0",
			SendRatePerSec:  4,
			SendBurst:       8,
			ChunkMaxChars:   900,
		},
		Maintenance: MaintenanceConfig{
			SweepSchedule: "*/10 * * * *",
		},
	}
}

// Load reads config from a JSON file, then overlays env vars.
// A missing file is not an error; defaults plus env are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values; secrets come from env only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Secrets
	envStr("TURNBOT_VERIFY_TOKEN", &c.Gateway.VerifyToken)
	envStr("TURNBOT_ADMIN_TOKEN", &c.Gateway.AdminToken)
	envStr("TURNBOT_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("TURNBOT_OPENAI_API_KEY", &c.Generation.APIKey)
	envStr("TURNBOT_PAGE_ACCESS_TOKEN", &c.Messenger.PageAccessToken)

	// Gateway host/port
	envStr("TURNBOT_HOST", &c.Gateway.Host)
	if v := os.Getenv("TURNBOT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Backend selection
	envStr("TURNBOT_DB_MODE", &c.Database.Mode)
	envStr("TURNBOT_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("TURNBOT_REDIS_ADDR", &c.Database.RedisAddr)

	// Model override
	envStr("TURNBOT_MODEL", &c.Generation.Model)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
