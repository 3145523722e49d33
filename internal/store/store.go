// Package store defines the persisted row types and backend interfaces for
// hivehub's relational state: config backup tables, the agent registry, and
// delegated agent tasks. Backends are swappable (postgres, sqlite).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get-style lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// GenNewID returns a time-ordered UUID for new rows.
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// ConfigSystem is an external system whose configuration the hub snapshots.
type ConfigSystem struct {
	SystemID           string            `json:"system_id"`
	Name               string            `json:"name"`
	Type               string            `json:"type"`
	BackupFrequencySec int               `json:"backup_frequency_s"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

// ConfigSnapshot is one content-hashed capture of a system's configuration.
type ConfigSnapshot struct {
	ID          uuid.UUID `json:"id"`
	SystemID    string    `json:"system_id"`
	ConfigType  string    `json:"config_type"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"` // sha-256 hex
	FilePath    *string   `json:"file_path,omitempty"`
	AgentID     string    `json:"agent_id"`
	Timestamp   time.Time `json:"timestamp"`
	Size        int       `json:"size"`
	Tags        []string  `json:"tags,omitempty"`
}

// ConfigDiff is the unified diff between two consecutive snapshots.
type ConfigDiff struct {
	ID             uuid.UUID `json:"id"`
	SnapshotBefore uuid.UUID `json:"snapshot_before"`
	SnapshotAfter  uuid.UUID `json:"snapshot_after"`
	SystemID       string    `json:"system_id"`
	DiffText       string    `json:"diff_text"`
	LinesAdded     int       `json:"lines_added"`
	LinesRemoved   int       `json:"lines_removed"`
	ChangeType     string    `json:"change_type"`
	RiskScore      float64   `json:"risk_score"`
	CreatedAt      time.Time `json:"created_at"`
}

// DiffWithSystem joins a diff with its system metadata for drift reports.
type DiffWithSystem struct {
	ConfigDiff
	SystemName string `json:"system_name"`
	SystemType string `json:"system_type"`
	Severity   string `json:"severity"`
}

// ConfigAlert is a drift alert. One alert per (system_id, diff_id).
type ConfigAlert struct {
	ID             uuid.UUID  `json:"id"`
	SystemID       string     `json:"system_id"`
	DiffID         uuid.UUID  `json:"diff_id"`
	Severity       string     `json:"severity"`
	DriftType      string     `json:"drift_type"`
	Description    string     `json:"description"`
	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// AgentRow is the persisted form of a registered drone.
type AgentRow struct {
	AgentID         string            `json:"agent_id"`
	MachineID       string            `json:"machine_id"`
	Role            string            `json:"role"`
	Capabilities    []string          `json:"capabilities"`
	Status          string            `json:"status"` // "active", "idle", "offline"
	CurrentWorkload int               `json:"current_workload"`
	MaxWorkload     int               `json:"max_workload"`
	RegisteredAt    time.Time         `json:"registered_at"`
	LastSeen        time.Time         `json:"last_seen"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// AgentTask records a delegation decision.
type AgentTask struct {
	ID           uuid.UUID  `json:"id"`
	AgentID      string     `json:"agent_id"`
	Task         string     `json:"task"`
	Capabilities []string   `json:"capabilities,omitempty"` // required capabilities at delegation time
	Priority     string     `json:"priority"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	Status       string     `json:"status"` // "assigned", "completed", "cancelled"
	MemoryID     string     `json:"memory_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// BackupStore persists the config backup tables.
type BackupStore interface {
	UpsertSystem(ctx context.Context, sys *ConfigSystem) error
	GetSystem(ctx context.Context, systemID string) (*ConfigSystem, error)
	ListSystems(ctx context.Context) ([]ConfigSystem, error)

	InsertSnapshot(ctx context.Context, snap *ConfigSnapshot) error
	GetSnapshot(ctx context.Context, id uuid.UUID) (*ConfigSnapshot, error)
	LatestSnapshot(ctx context.Context, systemID string) (*ConfigSnapshot, error)
	ListSnapshots(ctx context.Context, systemID string, limit int) ([]ConfigSnapshot, error)

	InsertDiff(ctx context.Context, diff *ConfigDiff) error
	// ListDiffs returns diffs created since the given instant with
	// risk_score >= minRisk, joined with system metadata. Empty systemID
	// matches every system.
	ListDiffs(ctx context.Context, systemID string, since time.Time, minRisk float64) ([]DiffWithSystem, error)

	// InsertAlert is idempotent on (system_id, diff_id); it reports whether a
	// new row was created.
	InsertAlert(ctx context.Context, alert *ConfigAlert) (bool, error)
	ListAlerts(ctx context.Context, systemID string, includeAcked bool) ([]ConfigAlert, error)
	AckAlert(ctx context.Context, id uuid.UUID) error
}

// AgentStore persists the agent registry and delegated tasks. The in-memory
// roster in internal/agents writes through to this store.
type AgentStore interface {
	UpsertAgent(ctx context.Context, row *AgentRow) error
	GetAgent(ctx context.Context, agentID string) (*AgentRow, error)
	ListAgents(ctx context.Context) ([]AgentRow, error)
	SetWorkload(ctx context.Context, agentID string, workload int) error

	InsertTask(ctx context.Context, task *AgentTask) error
	ListTasks(ctx context.Context, agentID string, limit int) ([]AgentTask, error)
	CompleteTask(ctx context.Context, id uuid.UUID, status string) error
	AddTaskDependency(ctx context.Context, taskID, dependsOn uuid.UUID) error
}

// Stores is the top-level container for the relational backends.
type Stores struct {
	Backup BackupStore
	Agents AgentStore

	// Ping verifies the underlying database handle is reachable.
	Ping func(ctx context.Context) error

	// Close releases the underlying database handle.
	Close func() error
}
