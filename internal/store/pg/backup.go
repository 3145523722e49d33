package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hivemesh/hivehub/internal/store"
)

// PGBackupStore implements store.BackupStore on Postgres.
type PGBackupStore struct {
	db *sql.DB
}

func NewBackupStore(db *sql.DB) *PGBackupStore {
	return &PGBackupStore{db: db}
}

func (s *PGBackupStore) UpsertSystem(ctx context.Context, sys *store.ConfigSystem) error {
	if sys.CreatedAt.IsZero() {
		sys.CreatedAt = time.Now().UTC()
	}
	meta, _ := json.Marshal(sys.Metadata)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config_systems (system_id, name, type, backup_frequency_s, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (system_id) DO UPDATE SET
		   name = EXCLUDED.name,
		   type = EXCLUDED.type,
		   backup_frequency_s = EXCLUDED.backup_frequency_s,
		   metadata = EXCLUDED.metadata`,
		sys.SystemID, sys.Name, sys.Type, sys.BackupFrequencySec, meta, sys.CreatedAt)
	return err
}

func (s *PGBackupStore) GetSystem(ctx context.Context, systemID string) (*store.ConfigSystem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT system_id, name, type, backup_frequency_s, metadata, created_at
		 FROM config_systems WHERE system_id = $1`, systemID)
	return scanSystem(row)
}

func (s *PGBackupStore) ListSystems(ctx context.Context) ([]store.ConfigSystem, error) {
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSystem(r rowScanner) (*store.ConfigSystem, error) {
	var sys store.ConfigSystem
	var meta []byte
	if err := r.Scan(&sys.SystemID, &sys.Name, &sys.Type, &sys.BackupFrequencySec, &meta, &sys.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if len(meta) > 0 {
		json.Unmarshal(meta, &sys.Metadata)
	}
	return &sys, nil
}

func (s *PGBackupStore) InsertSnapshot(ctx context.Context, snap *store.ConfigSnapshot) error {
	if snap.ID == uuid.Nil {
		snap.ID = store.GenNewID()
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	tags, _ := json.Marshal(snap.Tags)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config_snapshots (id, system_id, config_type, content, content_hash, file_path, agent_id, ts, size, tags)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		snap.ID, snap.SystemID, snap.ConfigType, snap.Content, snap.ContentHash,
		snap.FilePath, snap.AgentID, snap.Timestamp, snap.Size, tags)
	return err
}

const snapshotCols = `id, system_id, config_type, content, content_hash, file_path, agent_id, ts, size, tags`

func scanSnapshot(r rowScanner) (*store.ConfigSnapshot, error) {
	var snap store.ConfigSnapshot
	var filePath sql.NullString
	var tags []byte
	if err := r.Scan(&snap.ID, &snap.SystemID, &snap.ConfigType, &snap.Content, &snap.ContentHash,
		&filePath, &snap.AgentID, &snap.Timestamp, &snap.Size, &tags); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if filePath.Valid {
		snap.FilePath = &filePath.String
	}
	if len(tags) > 0 {
		json.Unmarshal(tags, &snap.Tags)
	}
	return &snap, nil
}

func (s *PGBackupStore) GetSnapshot(ctx context.Context, id uuid.UUID) (*store.ConfigSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+snapshotCols+` FROM config_snapshots WHERE id = $1`, id)
	return scanSnapshot(row)
}

func (s *PGBackupStore) LatestSnapshot(ctx context.Context, systemID string) (*store.ConfigSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+snapshotCols+` FROM config_snapshots
		 WHERE system_id = $1 ORDER BY ts DESC LIMIT 1`, systemID)
	return scanSnapshot(row)
}

func (s *PGBackupStore) ListSnapshots(ctx context.Context, systemID string, limit int) ([]store.ConfigSnapshot, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotCols+` FROM config_snapshots
		 WHERE system_id = $1 ORDER BY ts DESC LIMIT $2`, systemID, limit)
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

func (s *PGBackupStore) InsertDiff(ctx context.Context, diff *store.ConfigDiff) error {
	if diff.ID == uuid.Nil {
		diff.ID = store.GenNewID()
	}
	if diff.CreatedAt.IsZero() {
		diff.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config_diffs (id, snapshot_before, snapshot_after, system_id, diff_text, lines_added, lines_removed, change_type, risk_score, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		diff.ID, diff.SnapshotBefore, diff.SnapshotAfter, diff.SystemID, diff.DiffText,
		diff.LinesAdded, diff.LinesRemoved, diff.ChangeType, diff.RiskScore, diff.CreatedAt)
	return err
}

func (s *PGBackupStore) ListDiffs(ctx context.Context, systemID string, since time.Time, minRisk float64) ([]store.DiffWithSystem, error) {
	query := `SELECT d.id, d.snapshot_before, d.snapshot_after, d.system_id, d.diff_text,
	          d.lines_added, d.lines_removed, d.change_type, d.risk_score, d.created_at,
	          COALESCE(cs.name, ''), COALESCE(cs.type, '')
	          FROM config_diffs d
	          LEFT JOIN config_systems cs ON cs.system_id = d.system_id
	          WHERE d.created_at >= $1 AND d.risk_score >= $2`
	args := []any{since, minRisk}
	if systemID != "" {
		query += ` AND d.system_id = $3`
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
		if err := rows.Scan(&d.ID, &d.SnapshotBefore, &d.SnapshotAfter, &d.SystemID, &d.DiffText,
			&d.LinesAdded, &d.LinesRemoved, &d.ChangeType, &d.RiskScore, &d.CreatedAt,
			&d.SystemName, &d.SystemType); err != nil {
			return nil, err
		}
		diffs = append(diffs, d)
	}
	return diffs, rows.Err()
}

func (s *PGBackupStore) InsertAlert(ctx context.Context, alert *store.ConfigAlert) (bool, error) {
	if alert.ID == uuid.Nil {
		alert.ID = store.GenNewID()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO config_alerts (id, system_id, diff_id, severity, drift_type, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (system_id, diff_id) DO NOTHING`,
		alert.ID, alert.SystemID, alert.DiffID, alert.Severity, alert.DriftType, alert.Description, alert.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PGBackupStore) ListAlerts(ctx context.Context, systemID string, includeAcked bool) ([]store.ConfigAlert, error) {
	query := `SELECT id, system_id, diff_id, severity, drift_type, description, created_at, acknowledged_at
	          FROM config_alerts WHERE 1=1`
	args := []any{}
	if systemID != "" {
		query += ` AND system_id = $1`
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
		var acked sql.NullTime
		if err := rows.Scan(&a.ID, &a.SystemID, &a.DiffID, &a.Severity, &a.DriftType,
			&a.Description, &a.CreatedAt, &acked); err != nil {
			return nil, err
		}
		if acked.Valid {
			a.AcknowledgedAt = &acked.Time
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *PGBackupStore) AckAlert(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE config_alerts SET acknowledged_at = $1 WHERE id = $2 AND acknowledged_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
