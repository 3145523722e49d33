package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Hub: HubConfig{
			Host:               "0.0.0.0",
			Port:               8900,
			SessionTTLSec:      1800,
			SessionGraceSec:    300,
			MaxSessions:        10000,
			SessionBufferBytes: 1 << 20,
			KeepaliveSec:       15,
			ToolTimeoutSec:     30,
		},
		Memory: MemoryConfig{
			Dimension:        256,
			DedupWindowHours: 24,
			OutputLimitChars: 80000,
		},
		Agents: AgentsConfig{
			LivenessWindowSec: 300,
			BroadcastReplay:   1000,
			DefaultMaxLoad:    5,
		},
		Bridges: BridgesConfig{
			MaxInFlight: 64,
		},
		Backup: BackupConfig{
			DriftThreshold: 0.2,
			SchedulerSec:   60,
		},
		Auth: AuthConfig{
			TokenTTLMin: 720,
		},
		Database: DatabaseConfig{
			Driver:     "sqlite",
			SQLitePath: "~/.hivehub/hivehub.db",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env apply.
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
// Env vars take precedence over file values. Secrets are env-only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("HIVEHUB_HOST", &c.Hub.Host)
	if v := os.Getenv("HIVEHUB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Hub.Port = port
		}
	}
	envStr("HIVEHUB_MACHINE_ID", &c.Hub.MachineID)

	// Secrets (never persisted to the config file)
	envStr("HIVEHUB_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("HIVEHUB_JWT_SECRET", &c.Auth.JWTSecret)
	envStr("HIVEHUB_REDIS_ADDR", &c.Redis.Addr)
	envStr("HIVEHUB_EMBEDDER_API_KEY", &c.Memory.EmbedderAPIKey)
	envStr("HIVEHUB_BOARD_TOKEN", &c.Tickets.BoardToken)

	envStr("HIVEHUB_DB_DRIVER", &c.Database.Driver)
	envStr("HIVEHUB_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("HIVEHUB_EMBEDDER_URL", &c.Memory.EmbedderURL)
	envStr("HIVEHUB_EMBEDDER_MODEL", &c.Memory.EmbedderModel)
	envStr("HIVEHUB_BOARD_URL", &c.Tickets.BoardURL)

	// Telemetry
	envStr("HIVEHUB_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("HIVEHUB_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("HIVEHUB_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("HIVEHUB_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("HIVEHUB_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	if c.Database.PostgresDSN != "" && c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Hub.MachineID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Hub.MachineID = host
		} else {
			c.Hub.MachineID = "unknown"
		}
	}
}

// ExpandHome resolves a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
