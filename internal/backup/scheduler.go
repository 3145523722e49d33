package backup

import (
	"context"
	"log/slog"
	"time"

	"github.com/hivemesh/hivehub/internal/bus"
	"github.com/hivemesh/hivehub/internal/store"
)

// DueSystem names a system whose last snapshot is older than its configured
// backup frequency. The hub cannot read remote configs itself; it publishes
// the due list so drones on the right machines pick the work up.
type DueSystem struct {
	SystemID     string    `json:"system_id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	LastSnap     time.Time `json:"last_snapshot,omitempty"`
	OverdueFor   string    `json:"overdue_for"`
	FrequencySec int       `json:"frequency_sec"`
}

// RunScheduler ticks until ctx is done, publishing overdue systems on the
// bus each pass. Systems with backup_frequency_s <= 0 are snapshot-on-demand
// only and never come up due.
func (e *Engine) RunScheduler(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = time.Minute
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due := e.DueSystems(ctx)
			if len(due) == 0 {
				continue
			}
			if e.events != nil {
				e.events.Publish(bus.Event{Name: bus.EventBackupDue, Payload: due})
			}
			slog.Info("backup.scheduler.due", "systems", len(due))
		}
	}
}

// DueSystems computes the currently overdue systems.
func (e *Engine) DueSystems(ctx context.Context) []DueSystem {
	systems, err := e.store.ListSystems(ctx)
	if err != nil {
		slog.Warn("backup.scheduler.list_failed", "error", err)
		return nil
	}
	now := time.Now()

	var due []DueSystem
	for _, sys := range systems {
		if sys.BackupFrequencySec <= 0 {
			continue
		}
		freq := time.Duration(sys.BackupFrequencySec) * time.Second

		last, err := e.store.LatestSnapshot(ctx, sys.SystemID)
		var lastAt time.Time
		if err == nil && last != nil {
			lastAt = last.Timestamp
		} else if err != nil && err != store.ErrNotFound {
			continue
		}
		if !lastAt.IsZero() && now.Sub(lastAt) < freq {
			continue
		}

		overdue := now.Sub(lastAt)
		if lastAt.IsZero() {
			overdue = freq // never captured: report one full interval
		}
		due = append(due, DueSystem{
			SystemID:     sys.SystemID,
			Name:         sys.Name,
			Type:         sys.Type,
			LastSnap:     lastAt,
			OverdueFor:   overdue.Round(time.Second).String(),
			FrequencySec: sys.BackupFrequencySec,
		})
	}
	return due
}
