package config

import "time"

// Config is the root configuration for the hivehub process.
type Config struct {
	Hub       HubConfig       `json:"hub"`
	Memory    MemoryConfig    `json:"memory"`
	Agents    AgentsConfig    `json:"agents"`
	Bridges   BridgesConfig   `json:"bridges,omitempty"`
	Backup    BackupConfig    `json:"backup,omitempty"`
	Tickets   TicketsConfig   `json:"tickets,omitempty"`
	Auth      AuthConfig      `json:"auth,omitempty"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Redis     RedisConfig     `json:"redis,omitempty"`
	Security  SecurityConfig  `json:"security,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// HubConfig configures the listener and the session plane.
type HubConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	MachineID string `json:"machine_id,omitempty"` // defaults to os.Hostname()

	SessionTTLSec      int `json:"session_ttl_sec,omitempty"`      // idle TTL before a live session starts closing (default 1800)
	SessionGraceSec    int `json:"session_grace_sec,omitempty"`    // terminated sessions linger for recovery hints (default 300)
	MaxSessions        int `json:"max_sessions,omitempty"`         // global open-session cap (default 10000)
	SessionBufferBytes int `json:"session_buffer_bytes,omitempty"` // per-session outbound budget (default 1 MiB)
	KeepaliveSec       int `json:"keepalive_sec,omitempty"`        // SSE ping interval (default 15)
	RateLimitRPM       int `json:"rate_limit_rpm,omitempty"`       // per-IP ingress limit, 0 = disabled
	ToolTimeoutSec     int `json:"tool_timeout_sec,omitempty"`     // default per-call deadline (default 30)
}

// MemoryConfig configures the collective memory store.
type MemoryConfig struct {
	EmbedderURL      string `json:"embedder_url,omitempty"`   // OpenAI-compatible /v1/embeddings endpoint; empty = local hash embedder
	EmbedderModel    string `json:"embedder_model,omitempty"` // model name sent to the embedder
	EmbedderAPIKey   string `json:"-"`                        // from env HIVEHUB_EMBEDDER_API_KEY only
	Dimension        int    `json:"dimension,omitempty"`      // embedding dimension (default 256 for the hash embedder)
	DedupWindowHours int    `json:"dedup_window_hours,omitempty"`
	OutputLimitChars int    `json:"output_limit_chars,omitempty"` // tool result truncation budget (default 80000)
}

// AgentsConfig configures the registry and broadcast bus.
type AgentsConfig struct {
	LivenessWindowSec int `json:"liveness_window_sec,omitempty"` // active iff last_seen within window (default 300)
	BroadcastReplay   int `json:"broadcast_replay,omitempty"`    // replay ring capacity (default 1000)
	DefaultMaxLoad    int `json:"default_max_load,omitempty"`    // max_workload when an agent registers without one (default 5)
}

// BridgeSpec is one externally-hosted tool server the hub proxies.
type BridgeSpec struct {
	Name       string            `json:"name"`
	Transport  string            `json:"transport"` // "stdio", "sse", "streamable-http"
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
	Enabled    *bool             `json:"enabled,omitempty"` // nil = enabled
}

// IsEnabled reports whether the bridge should be started.
func (b *BridgeSpec) IsEnabled() bool { return b.Enabled == nil || *b.Enabled }

// BridgesConfig configures the bridge manager.
type BridgesConfig struct {
	Servers       map[string]*BridgeSpec `json:"servers,omitempty"`
	DiscoveryDirs []string               `json:"discovery_dirs,omitempty"` // scanned for *.json bridge specs
	MaxInFlight   int                    `json:"max_in_flight,omitempty"`  // per-bridge cap (default 64)
}

// DriftRule maps a regex over changed lines to a risk weight.
type DriftRule struct {
	Pattern string  `json:"pattern"`
	Weight  float64 `json:"weight"`
	Label   string  `json:"label,omitempty"`
}

// BackupConfig configures the config backup engine.
type BackupConfig struct {
	DriftThreshold float64     `json:"drift_threshold,omitempty"` // default 0.2
	DriftRules     []DriftRule `json:"drift_rules,omitempty"`     // replaces the built-in table when set
	SchedulerSec   int         `json:"scheduler_sec,omitempty"`   // scheduler tick (default 60)
}

// TicketsConfig points ticket tools at an external board. Empty URL selects
// the embedded in-process board.
type TicketsConfig struct {
	BoardURL   string `json:"board_url,omitempty"`
	BoardToken string `json:"-"` // from env HIVEHUB_BOARD_TOKEN only
}

// AuthUser is one admin credential pair. Passwords are bcrypt-free on purpose:
// the hub compares sha-256 digests so config files never hold plaintext.
type AuthUser struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_sha256"`
	Role         string `json:"role"` // "admin" or "viewer"
}

// AuthConfig configures admin login and bearer tokens.
type AuthConfig struct {
	Users       []AuthUser `json:"users,omitempty"`
	TokenTTLMin int        `json:"token_ttl_min,omitempty"` // default 720
	JWTSecret   string     `json:"-"`                       // from env HIVEHUB_JWT_SECRET only
}

// DatabaseConfig selects the relational backend.
// PostgresDSN is NEVER read from the config file, only env HIVEHUB_POSTGRES_DSN.
type DatabaseConfig struct {
	Driver      string `json:"driver,omitempty"` // "postgres" or "sqlite" (default)
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"` // default ~/.hivehub/hivehub.db
}

// RedisConfig configures the optional volatile counter cache.
// Addr comes from env HIVEHUB_REDIS_ADDR only; empty disables the cache.
type RedisConfig struct {
	Addr string `json:"-"`
	DB   int    `json:"db,omitempty"`
}

// TLSConfig holds certificate file paths. Certificate management is external.
type TLSConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
}

// SecurityConfig groups transport security settings.
type SecurityConfig struct {
	TLS TLSConfig `json:"tls,omitempty"`
}

// TelemetryConfig configures OpenTelemetry OTLP export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"` // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"` // default "hivehub"
	Headers     map[string]string `json:"headers,omitempty"`
}

// SessionTTL returns the idle TTL as a duration.
func (h HubConfig) SessionTTL() time.Duration {
	if h.SessionTTLSec <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(h.SessionTTLSec) * time.Second
}

// SessionGrace returns the terminated-session grace period.
func (h HubConfig) SessionGrace() time.Duration {
	if h.SessionGraceSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(h.SessionGraceSec) * time.Second
}

// Keepalive returns the SSE ping interval.
func (h HubConfig) Keepalive() time.Duration {
	if h.KeepaliveSec <= 0 {
		return 15 * time.Second
	}
	return time.Duration(h.KeepaliveSec) * time.Second
}

// ToolTimeout returns the default per-call deadline.
func (h HubConfig) ToolTimeout() time.Duration {
	if h.ToolTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(h.ToolTimeoutSec) * time.Second
}

// LivenessWindow returns the agent liveness window.
func (a AgentsConfig) LivenessWindow() time.Duration {
	if a.LivenessWindowSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(a.LivenessWindowSec) * time.Second
}

// SchedulerTick returns the backup scheduler interval.
func (b BackupConfig) SchedulerTick() time.Duration {
	if b.SchedulerSec <= 0 {
		return time.Minute
	}
	return time.Duration(b.SchedulerSec) * time.Second
}

// TokenTTL returns the bearer token validity window.
func (a AuthConfig) TokenTTL() time.Duration {
	if a.TokenTTLMin <= 0 {
		return 12 * time.Hour
	}
	return time.Duration(a.TokenTTLMin) * time.Minute
}

// DedupWindow returns the memory idempotency window.
func (m MemoryConfig) DedupWindow() time.Duration {
	if m.DedupWindowHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(m.DedupWindowHours) * time.Hour
}
