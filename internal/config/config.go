package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the turnbot gateway.
type Config struct {
	Gateway     GatewayConfig     `json:"gateway"`
	Pipeline    PipelineConfig    `json:"pipeline"`
	Limits      LimitsConfig      `json:"limits"`
	Database    DatabaseConfig    `json:"database,omitempty"`
	Generation  GenerationConfig  `json:"generation"`
	Messenger   MessengerConfig   `json:"messenger"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Catalog     CatalogConfig     `json:"catalog,omitempty"`
	mu          sync.RWMutex
}

// GatewayConfig configures the HTTP listener.
// VerifyToken is the value Meta echoes back during webhook subscription;
// AdminToken guards the /admin endpoints and the websocket feed.
type GatewayConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	VerifyToken string `json:"-"` // from env TURNBOT_VERIFY_TOKEN only
	AdminToken  string `json:"-"` // from env TURNBOT_ADMIN_TOKEN only
	IngressRPM  int    `json:"ingress_rpm,omitempty"` // per-IP webhook rate limit (default 600)
}

// PipelineConfig tunes the coalescing pipeline.
type PipelineConfig struct {
	DebounceMs                int `json:"debounce_ms,omitempty"`                 // default 3000
	DedupRetentionMinutes     int `json:"dedup_retention_minutes,omitempty"`     // default 60
	LockLeaseSeconds          int `json:"lock_lease_seconds,omitempty"`          // default 60
	GenerationTimeoutSeconds  int `json:"generation_timeout_seconds,omitempty"`  // default 45
	HistoryLimit              int `json:"history_limit,omitempty"`               // entries kept per conversation (default 20)
}

// LimitsConfig tunes the per-conversation rate limits and the global breaker.
type LimitsConfig struct {
	HourlyLimit          int `json:"hourly_limit,omitempty"`           // default 200
	DailyLimit           int `json:"daily_limit,omitempty"`            // default 500
	BreakerWindowMinutes int `json:"breaker_window_minutes,omitempty"` // default 10
	BreakerThreshold     int `json:"breaker_threshold,omitempty"`      // default 50
}

// DatabaseConfig selects the persistence backend.
// PostgresDSN is NEVER read from config.json (secret) — only from env
// TURNBOT_POSTGRES_DSN. Mode "redis" keeps all pipeline state, flags and
// conversation history in Redis.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"`        // "memory" (default), "sqlite", "postgres", "redis"
	SQLitePath  string `json:"sqlite_path,omitempty"` // default "~/.turnbot/turnbot.db"
	PostgresDSN string `json:"-"`                     // from env TURNBOT_POSTGRES_DSN only
	RedisAddr   string `json:"redis_addr,omitempty"`  // default "localhost:6379"
	RedisDB     int    `json:"redis_db,omitempty"`
}

// GenerationConfig configures the reply model.
type GenerationConfig struct {
	Model           string  `json:"model,omitempty"` // default "gpt-4o"
	APIKey          string  `json:"-"`               // from env TURNBOT_OPENAI_API_KEY only
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"` // default 1024
	SystemPrompt    string  `json:"system_prompt,omitempty"`
}

// MessengerConfig configures the outbound Graph API client.
type MessengerConfig struct {
	GraphAPIVersion string  `json:"graph_api_version,omitempty"` // default "v18.0"
	PageAccessToken string  `json:"-"`                           // from env TURNBOT_PAGE_ACCESS_TOKEN only
	SendRatePerSec  float64 `json:"send_rate_per_sec,omitempty"` // outbound pacing (default 4)
	SendBurst       int     `json:"send_burst,omitempty"`        // default 8
	ChunkMaxChars   int     `json:"chunk_max_chars,omitempty"`   // default 900
}

// MaintenanceConfig configures the background sweeper.
type MaintenanceConfig struct {
	SweepSchedule string `json:"sweep_schedule,omitempty"` // cron expression (default "*/10 * * * *")
}

// CatalogConfig points at the product catalog used to resolve image directives.
type CatalogConfig struct {
	ProductsPath string `json:"products_path,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the config watcher on hot reload.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Pipeline = src.Pipeline
	c.Limits = src.Limits
	c.Database = src.Database
	c.Generation = src.Generation
	c.Messenger = src.Messenger
	c.Maintenance = src.Maintenance
	c.Catalog = src.Catalog
}

// Snapshot returns a copy of the data fields, safe to read while the watcher
// may be replacing the config.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		Gateway:     c.Gateway,
		Pipeline:    c.Pipeline,
		Limits:      c.Limits,
		Database:    c.Database,
		Generation:  c.Generation,
		Messenger:   c.Messenger,
		Maintenance: c.Maintenance,
		Catalog:     c.Catalog,
	}
}

// DebounceWindow returns the coalescing window as a duration.
func (c *PipelineConfig) DebounceWindow() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// DedupRetention returns how long delivery ids stay in the ledger.
func (c *PipelineConfig) DedupRetention() time.Duration {
	return time.Duration(c.DedupRetentionMinutes) * time.Minute
}

// LockLease returns the processing lock lease.
func (c *PipelineConfig) LockLease() time.Duration {
	return time.Duration(c.LockLeaseSeconds) * time.Second
}

// GenerationTimeout returns the per-turn generation deadline.
func (c *PipelineConfig) GenerationTimeout() time.Duration {
	return time.Duration(c.GenerationTimeoutSeconds) * time.Second
}

// BreakerWindow returns the breaker's rolling window.
func (c *LimitsConfig) BreakerWindow() time.Duration {
	return time.Duration(c.BreakerWindowMinutes) * time.Minute
}
