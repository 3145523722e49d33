package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hivemesh/hivehub/internal/store"
)

// SQLiteBackupStore implements store.BackupStore on the embedded database.
type SQLiteBackupStore struct {
	db *sql.DB
}

func NewBackupStore(db *sql.DB) *SQLiteBackupStore {
	return &SQLiteBackupStore{db: db}
}

func ms(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func (s *SQLiteBackupStore) UpsertSystem(ctx context.Context, sys *store.ConfigSystem) error {
	if sys.CreatedAt.IsZero() {
		sys.CreatedAt = time.Now().UTC()
	}
	meta, _ := json.Marshal(sys.Metadata)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config_systems (system_id, name, type, backup_frequency_s, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (system_id) DO UPDATE SET
		   name = excluded.name,
		   type = excluded.type,
		   backup_frequency_s = excluded.backup_frequency_s,
		   metadata = excluded.metadata`,
		sys.SystemID, sys.Name, sys.Type, sys.BackupFrequencySec, string(meta), ms(sys.CreatedAt))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSystem(r rowScanner) (*store.ConfigSystem, error) {
	var sys store.ConfigSystem
	var meta sql.NullString
	var created int64
	if err := r.Scan(&sys.SystemID, &sys.Name, &sys.Type, &sys.BackupFrequencySec, &meta, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if meta.Valid && meta.String != "" {
		json.Unmarshal([]byte(meta.String), &sys.Metadata)
	}
	sys.CreatedAt = fromMS(created)
	return &sys, nil
}

func (s *SQLiteBackupStore) GetSystem(ctx context.Context, systemID string) (*store.ConfigSystem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT system_id, name, type, backup_frequency_s, metadata, created_at
		 FROM config_systems WHERE system_id = ?`, systemID)
	return scanSystem(row)
}

func (s *SQLiteBackupStore) ListSystems(ctx context.Context) ([]store.ConfigSystem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT system_id, name, type, backup_frequency_s, metadata, created_at
		 FROM config_systems ORDER BY system_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var systems []store.ConfigSystem
	for rows.Next() {
		sys, err := scanSystem(rows)
		if err != nil {
			return nil, err
		}
		systems = append(systems, *sys)
	}
	return systems, rows.Err()
}

func (s *SQLiteBackupStore) InsertSnapshot(ctx context.Context, snap *store.ConfigSnapshot) error {
	if snap.ID == uuid.Nil {
		snap.ID = store.GenNewID()
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	tags, _ := json.Marshal(snap.Tags)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config_snapshots (id, system_id, config_type, content, content_hash, file_path, agent_id, ts, size, tags)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID.String(), snap.SystemID, snap.ConfigType, snap.Content, snap.ContentHash,
		snap.FilePath, snap.AgentID, ms(snap.Timestamp), snap.Size, string(tags))
	return err
}

const snapshotCols = `id, system_id, config_type, content, content_hash, file_path, agent_id, ts, size, tags`

func scanSnapshot(r rowScanner) (*store.ConfigSnapshot, error) {
	var snap store.ConfigSnapshot
	var id string
	var filePath, tags sql.NullString
	var ts int64
	if err := r.Scan(&id, &snap.SystemID, &snap.ConfigType, &snap.Content, &snap.ContentHash,
		&filePath, &snap.AgentID, &ts, &snap.Size, &tags); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	snap.ID, _ = uuid.Parse(id)
	if filePath.Valid {
		snap.FilePath = &filePath.String
	}
	if tags.Valid && tags.String != "" {
		json.Unmarshal([]byte(tags.String), &snap.Tags)
	}
	snap.Timestamp = fromMS(ts)
	return &snap, nil
}

func (s *SQLiteBackupStore) GetSnapshot(ctx context.Context, id uuid.UUID) (*store.ConfigSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+snapshotCols+` FROM config_snapshots WHERE id = ?`, id.String())
	return scanSnapshot(row)
}

func (s *SQLiteBackupStore) LatestSnapshot(ctx context.Context, systemID string) (*store.ConfigSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+snapshotCols+` FROM config_snapshots
		 WHERE system_id = ? ORDER BY ts DESC LIMIT 1`, systemID)
	return scanSnapshot(row)
}

func (s *SQLiteBackupStore) ListSnapshots(ctx context.Context, systemID string, limit int) ([]store.ConfigSnapshot, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotCols+` FROM config_snapshots
		 WHERE system_id = ? ORDER BY ts DESC LIMIT ?`, systemID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []store.ConfigSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *snap)
	}
	return snaps, rows.Err()
}

func (s *SQLiteBackupStore) InsertDiff(ctx context.Context, diff *store.ConfigDiff) error {
	if diff.ID == uuid.Nil {
		diff.ID = store.GenNewID()
	}
	if diff.CreatedAt.IsZero() {
		diff.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config_diffs (id, snapshot_before, snapshot_after, system_id, diff_text, lines_added, lines_removed, change_type, risk_score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		diff.ID.String(), diff.SnapshotBefore.String(), diff.SnapshotAfter.String(), diff.SystemID,
		diff.DiffText, diff.LinesAdded, diff.LinesRemoved, diff.ChangeType, diff.RiskScore, ms(diff.CreatedAt))
	return err
}

func (s *SQLiteBackupStore) ListDiffs(ctx context.Context, systemID string, since time.Time, minRisk float64) ([]store.DiffWithSystem, error) {
	query := `SELECT d.id, d.snapshot_before, d.snapshot_after, d.system_id, d.diff_text,
	          d.lines_added, d.lines_removed, d.change_type, d.risk_score, d.created_at,
	          COALESCE(cs.name, ''), COALESCE(cs.type, '')
	          FROM config_diffs d
	          LEFT JOIN config_systems cs ON cs.system_id = d.system_id
	          WHERE d.created_at >= ? AND d.risk_score >= ?`
	args := []any{ms(since), minRisk}
	if systemID != "" {
		query += ` AND d.system_id = ?`
		args = append(args, systemID)
	}
	query += ` ORDER BY d.risk_score DESC, d.created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var diffs []store.DiffWithSystem
	for rows.Next() {
		var d store.DiffWithSystem
		var id, before, after string
		var created int64
		if err := rows.Scan(&id, &before, &after, &d.SystemID, &d.DiffText,
			&d.LinesAdded, &d.LinesRemoved, &d.ChangeType, &d.RiskScore, &created,
			&d.SystemName, &d.SystemType); err != nil {
			return nil, err
		}
		d.ID, _ = uuid.Parse(id)
		d.SnapshotBefore, _ = uuid.Parse(before)
		d.SnapshotAfter, _ = uuid.Parse(after)
		d.CreatedAt = fromMS(created)
		diffs = append(diffs, d)
	}
	return diffs, rows.Err()
}

func (s *SQLiteBackupStore) InsertAlert(ctx context.Context, alert *store.ConfigAlert) (bool, error) {
	if alert.ID == uuid.Nil {
		alert.ID = store.GenNewID()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO config_alerts (id, system_id, diff_id, severity, drift_type, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (system_id, diff_id) DO NOTHING`,
		alert.ID.String(), alert.SystemID, alert.DiffID.String(), alert.Severity,
		alert.DriftType, alert.Description, ms(alert.CreatedAt))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteBackupStore) ListAlerts(ctx context.Context, systemID string, includeAcked bool) ([]store.ConfigAlert, error) {
	query := `SELECT id, system_id, diff_id, severity, drift_type, description, created_at, acknowledged_at
	          FROM config_alerts WHERE 1=1`
	args := []any{}
	if systemID != "" {
		query += ` AND system_id = ?`
		args = append(args, systemID)
	}
	if !includeAcked {
		query += ` AND acknowledged_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []store.ConfigAlert
	for rows.Next() {
		var a store.ConfigAlert
		var id, diffID string
		var created int64
		var acked sql.NullInt64
		if err := rows.Scan(&id, &a.SystemID, &diffID, &a.Severity, &a.DriftType,
			&a.Description, &created, &acked); err != nil {
			return nil, err
		}
		a.ID, _ = uuid.Parse(id)
		a.DiffID, _ = uuid.Parse(diffID)
		a.CreatedAt = fromMS(created)
		if acked.Valid {
			t := fromMS(acked.Int64)
			a.AcknowledgedAt = &t
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *SQLiteBackupStore) AckAlert(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE config_alerts SET acknowledged_at = ? WHERE id = ? AND acknowledged_at IS NULL`,
		ms(time.Now()), id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
