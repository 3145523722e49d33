// Package backup is the configuration backup engine: content-hashed
// snapshots of external systems, unified diffs between consecutive
// snapshots, table-driven drift scoring, idempotent alerts, and atomic
// restore with an audit snapshot.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/hivemesh/hivehub/internal/bus"
	"github.com/hivemesh/hivehub/internal/config"
	"github.com/hivemesh/hivehub/internal/memory"
	"github.com/hivemesh/hivehub/internal/store"
	"github.com/hivemesh/hivehub/pkg/protocol"
)

// Change types recorded on diffs.
const (
	ChangeCreated  = "created"
	ChangeModified = "modified"
)

// Engine coordinates snapshot, drift, alert, and restore operations over a
// BackupStore.
type Engine struct {
	store     store.BackupStore
	memories  *memory.Store
	events    bus.Publisher
	rules     []compiledRule
	threshold float64
	machineID string
}

// NewEngine builds the engine. memories and events may be nil in tests.
func NewEngine(st store.BackupStore, memories *memory.Store, events bus.Publisher, cfg config.BackupConfig, machineID string) *Engine {
	threshold := cfg.DriftThreshold
	if threshold <= 0 {
		threshold = 0.2
	}
	return &Engine{
		store:     st,
		memories:  memories,
		events:    events,
		rules:     compileRules(cfg.DriftRules),
		threshold: threshold,
		machineID: machineID,
	}
}

// RegisterSystem upserts a monitored system.
func (e *Engine) RegisterSystem(ctx context.Context, sys *store.ConfigSystem) error {
	if sys.SystemID == "" {
		return protocol.BadArgf("system_id is required")
	}
	if sys.Name == "" {
		sys.Name = sys.SystemID
	}
	if sys.CreatedAt.IsZero() {
		sys.CreatedAt = time.Now()
	}
	if err := e.store.UpsertSystem(ctx, sys); err != nil {
		return fmt.Errorf("register system %s: %w", sys.SystemID, err)
	}
	slog.Info("backup.system.registered", "system_id", sys.SystemID, "type", sys.Type)
	return nil
}

// ListSystems returns every registered system.
func (e *Engine) ListSystems(ctx context.Context) ([]store.ConfigSystem, error) {
	return e.store.ListSystems(ctx)
}

// SnapshotRequest is the payload of the backup.create_snapshot tool.
type SnapshotRequest struct {
	SystemID   string   `json:"system_id"`
	ConfigType string   `json:"config_type"`
	Content    string   `json:"content"`
	FilePath   string   `json:"file_path,omitempty"`
	AgentID    string   `json:"agent_id,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// SnapshotResult reports what CreateSnapshot did.
type SnapshotResult struct {
	SnapshotID string  `json:"snapshot_id"`
	Deduped    bool    `json:"deduped"`
	DiffID     string  `json:"diff_id,omitempty"`
	RiskScore  float64 `json:"risk_score,omitempty"`
	Severity   string  `json:"severity,omitempty"`
	AlertID    string  `json:"alert_id,omitempty"`
}

// CreateSnapshot stores one capture. An unchanged content hash returns the
// latest snapshot id without a new row; a changed one also computes the diff
// against the previous snapshot, scores drift, and auto-alerts at >= high.
func (e *Engine) CreateSnapshot(ctx context.Context, req SnapshotRequest) (*SnapshotResult, error) {
	return e.createSnapshot(ctx, req, false)
}

// createSnapshot implements CreateSnapshot. force inserts a row even when the
// content hash matches the latest snapshot; restore audit records must land
// regardless of dedup.
func (e *Engine) createSnapshot(ctx context.Context, req SnapshotRequest, force bool) (*SnapshotResult, error) {
	if req.SystemID == "" {
		return nil, protocol.BadArgf("system_id is required")
	}
	if req.Content == "" {
		return nil, protocol.BadArgf("content is required")
	}
	if _, err := e.store.GetSystem(ctx, req.SystemID); err != nil {
		return nil, protocol.BadArgf("unknown system %q", req.SystemID)
	}

	sum := sha256.Sum256([]byte(req.Content))
	hash := hex.EncodeToString(sum[:])

	prev, err := e.store.LatestSnapshot(ctx, req.SystemID)
	if err != nil && err != store.ErrNotFound {
		return nil, fmt.Errorf("latest snapshot for %s: %w", req.SystemID, err)
	}
	if prev != nil && prev.ContentHash == hash && !force {
		slog.Debug("backup.snapshot.deduped", "system_id", req.SystemID, "snapshot_id", prev.ID)
		return &SnapshotResult{SnapshotID: prev.ID.String(), Deduped: true}, nil
	}

	snap := &store.ConfigSnapshot{
		ID:          store.GenNewID(),
		SystemID:    req.SystemID,
		ConfigType:  req.ConfigType,
		Content:     req.Content,
		ContentHash: hash,
		AgentID:     req.AgentID,
		Timestamp:   time.Now(),
		Size:        len(req.Content),
		Tags:        req.Tags,
	}
	if req.FilePath != "" {
		snap.FilePath = &req.FilePath
	}
	if err := e.store.InsertSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}
	e.mirrorSnapshot(ctx, snap)

	result := &SnapshotResult{SnapshotID: snap.ID.String()}
	if prev == nil {
		slog.Info("backup.snapshot.created",
			"system_id", req.SystemID, "snapshot_id", snap.ID, "change", ChangeCreated)
		return result, nil
	}
	if prev.ContentHash == hash {
		// Forced audit row over identical content: nothing drifted.
		slog.Info("backup.snapshot.created",
			"system_id", req.SystemID, "snapshot_id", snap.ID, "change", ChangeModified)
		return result, nil
	}

	diff, err := e.computeDiff(ctx, prev, snap)
	if err != nil {
		slog.Error("backup.diff.failed", "system_id", req.SystemID, "error", err)
		return result, nil
	}
	result.DiffID = diff.ID.String()
	result.RiskScore = diff.RiskScore
	result.Severity = severityFor(diff.RiskScore)

	if severityRank(result.Severity) >= severityRank(SeverityHigh) {
		if alert, err := e.CreateAlert(ctx, req.SystemID, diff); err == nil && alert != nil {
			result.AlertID = alert.ID.String()
		}
	}

	slog.Info("backup.snapshot.created",
		"system_id", req.SystemID,
		"snapshot_id", snap.ID,
		"change", ChangeModified,
		"risk", fmt.Sprintf("%.2f", diff.RiskScore),
		"severity", result.Severity)
	return result, nil
}

// computeDiff builds the unified diff between consecutive snapshots, scores
// it, and persists the row.
func (e *Engine) computeDiff(ctx context.Context, before, after *store.ConfigSnapshot) (*store.ConfigDiff, error) {
	unified := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before.Content),
		B:        difflib.SplitLines(after.Content),
		FromFile: fmt.Sprintf("%s@%s", before.SystemID, before.Timestamp.Format(time.RFC3339)),
		ToFile:   fmt.Sprintf("%s@%s", after.SystemID, after.Timestamp.Format(time.RFC3339)),
		Context:  3,
	}
	diffText, err := difflib.GetUnifiedDiffString(unified)
	if err != nil {
		return nil, err
	}

	added, removed := countChanges(diffText)
	score, _ := driftScore(e.rules, diffText, len(unified.B))

	diff := &store.ConfigDiff{
		ID:             store.GenNewID(),
		SnapshotBefore: before.ID,
		SnapshotAfter:  after.ID,
		SystemID:       after.SystemID,
		DiffText:       diffText,
		LinesAdded:     added,
		LinesRemoved:   removed,
		ChangeType:     ChangeModified,
		RiskScore:      score,
		CreatedAt:      time.Now(),
	}
	if err := e.store.InsertDiff(ctx, diff); err != nil {
		return nil, err
	}
	e.mirrorDiff(ctx, diff)
	return diff, nil
}

func countChanges(diffText string) (added, removed int) {
	for _, line := range strings.Split(diffText, "\n") {
		switch {
		case strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return added, removed
}

// GetSnapshot returns one snapshot by id.
func (e *Engine) GetSnapshot(ctx context.Context, id string) (*store.ConfigSnapshot, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, protocol.BadArgf("malformed snapshot id %q", id)
	}
	snap, err := e.store.GetSnapshot(ctx, uid)
	if err == store.ErrNotFound {
		return nil, protocol.Errorf(protocol.KindToolError, "snapshot %s not found", id)
	}
	return snap, err
}

// ListSnapshots returns recent snapshots for a system, newest first.
func (e *Engine) ListSnapshots(ctx context.Context, systemID string, limit int) ([]store.ConfigSnapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	return e.store.ListSnapshots(ctx, systemID, limit)
}

// DetectDrift returns every diff in the window at or above the configured
// threshold, joined with system metadata, sorted severity-first then newest.
func (e *Engine) DetectDrift(ctx context.Context, systemID string, hoursBack int) ([]store.DiffWithSystem, error) {
	if hoursBack <= 0 {
		hoursBack = 24
	}
	since := time.Now().Add(-time.Duration(hoursBack) * time.Hour)
	diffs, err := e.store.ListDiffs(ctx, systemID, since, e.threshold)
	if err != nil {
		return nil, fmt.Errorf("list diffs: %w", err)
	}
	for i := range diffs {
		diffs[i].Severity = severityFor(diffs[i].RiskScore)
	}
	sortDrift(diffs)
	return diffs, nil
}

// CreateAlert records a drift alert, idempotent on (system_id, diff_id).
// Returns nil when the alert already existed.
func (e *Engine) CreateAlert(ctx context.Context, systemID string, diff *store.ConfigDiff) (*store.ConfigAlert, error) {
	_, labels := driftScore(e.rules, diff.DiffText, 0)
	driftType := "config_change"
	if len(labels) > 0 {
		driftType = labels[0]
	}
	alert := &store.ConfigAlert{
		ID:        store.GenNewID(),
		SystemID:  systemID,
		DiffID:    diff.ID,
		Severity:  severityFor(diff.RiskScore),
		DriftType: driftType,
		Description: fmt.Sprintf("%s drift on %s: +%d/-%d lines, risk %.2f",
			severityFor(diff.RiskScore), systemID, diff.LinesAdded, diff.LinesRemoved, diff.RiskScore),
		CreatedAt: time.Now(),
	}
	created, err := e.store.InsertAlert(ctx, alert)
	if err != nil {
		return nil, fmt.Errorf("insert alert: %w", err)
	}
	if !created {
		return nil, nil
	}
	e.mirrorAlert(ctx, alert)
	if e.events != nil {
		e.events.Publish(bus.Event{Name: bus.EventDriftAlert, Payload: alert})
	}
	slog.Warn("backup.drift.alert",
		"system_id", systemID, "severity", alert.Severity, "drift_type", driftType)
	return alert, nil
}

// ListAlerts returns alerts for a system (or all systems when empty).
func (e *Engine) ListAlerts(ctx context.Context, systemID string, includeAcked bool) ([]store.ConfigAlert, error) {
	return e.store.ListAlerts(ctx, systemID, includeAcked)
}

// AckAlert marks an alert acknowledged.
func (e *Engine) AckAlert(ctx context.Context, id string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return protocol.BadArgf("malformed alert id %q", id)
	}
	if err := e.store.AckAlert(ctx, uid); err != nil {
		if err == store.ErrNotFound {
			return protocol.Errorf(protocol.KindToolError, "alert %s not found", id)
		}
		return err
	}
	return nil
}

// Restore returns a snapshot's content, optionally writing it to disk with
// tempfile+rename, and records a new audit snapshot. History is append-only:
// a restore never rewrites earlier rows.
func (e *Engine) Restore(ctx context.Context, snapshotID, targetPath string) (*SnapshotResult, string, error) {
	snap, err := e.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, "", err
	}

	if targetPath != "" {
		if err := writeFileAtomic(targetPath, []byte(snap.Content)); err != nil {
			return nil, "", fmt.Errorf("write %s: %w", targetPath, err)
		}
	}

	result, err := e.createSnapshot(ctx, SnapshotRequest{
		SystemID:   snap.SystemID,
		ConfigType: snap.ConfigType,
		Content:    snap.Content,
		FilePath:   targetPath,
		AgentID:    snap.AgentID,
		Tags:       []string{"restore", "restored from " + snap.ID.String()},
	}, true)
	if err != nil {
		return nil, "", err
	}
	slog.Info("backup.restored",
		"snapshot_id", snap.ID, "target", targetPath, "audit_snapshot", result.SnapshotID)
	return result, snap.Content, nil
}

// writeFileAtomic writes via tempfile + rename so a crash never leaves a
// half-written config behind.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".hivehub-restore-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// sortDrift orders severity buckets first, newest inside a bucket.
func sortDrift(diffs []store.DiffWithSystem) {
	sort.SliceStable(diffs, func(i, j int) bool {
		ri, rj := severityRank(diffs[i].Severity), severityRank(diffs[j].Severity)
		if ri != rj {
			return ri > rj
		}
		return diffs[i].CreatedAt.After(diffs[j].CreatedAt)
	})
}
