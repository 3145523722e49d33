package backup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hivemesh/hivehub/internal/memory"
	"github.com/hivemesh/hivehub/internal/store"
)

// Mirror memories keep backup activity searchable through the semantic
// index. Mirror failures are logged, never surfaced: the relational row is
// the source of truth.

func (e *Engine) mirrorSnapshot(ctx context.Context, snap *store.ConfigSnapshot) {
	if e.memories == nil {
		return
	}
	content := fmt.Sprintf("Config snapshot of %s (%s), %d bytes, hash %s",
		snap.SystemID, snap.ConfigType, snap.Size, snap.ContentHash[:12])
	e.mirror(ctx, "config_snapshots", content, snap.AgentID,
		append([]string{"snapshot", snap.SystemID, snap.ConfigType}, snap.Tags...))
}

func (e *Engine) mirrorDiff(ctx context.Context, diff *store.ConfigDiff) {
	if e.memories == nil {
		return
	}
	content := fmt.Sprintf("Config change on %s: +%d/-%d lines, risk %.2f (%s)",
		diff.SystemID, diff.LinesAdded, diff.LinesRemoved, diff.RiskScore, severityFor(diff.RiskScore))
	e.mirror(ctx, "config_diffs", content, "",
		[]string{"diff", diff.SystemID, severityFor(diff.RiskScore)})
}

func (e *Engine) mirrorAlert(ctx context.Context, alert *store.ConfigAlert) {
	if e.memories == nil {
		return
	}
	e.mirror(ctx, "config_alerts", alert.Description, "",
		[]string{"alert", alert.SystemID, alert.Severity, alert.DriftType})
}

func (e *Engine) mirror(ctx context.Context, category, content, agentID string, tags []string) {
	_, err := e.memories.Store(ctx, memory.StoreRequest{
		Content:   content,
		Category:  category,
		Scope:     memory.ScopeGlobal,
		MachineID: e.machineID,
		AgentID:   agentID,
		Tags:      tags,
	})
	if err != nil {
		slog.Debug("backup.mirror_failed", "category", category, "error", err)
	}
}
