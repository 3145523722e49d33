package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hivemesh/hivehub/internal/store"
)

// SQLiteAgentStore implements store.AgentStore on the embedded database.
type SQLiteAgentStore struct {
	db *sql.DB
}

func NewAgentStore(db *sql.DB) *SQLiteAgentStore {
	return &SQLiteAgentStore{db: db}
}

func (s *SQLiteAgentStore) UpsertAgent(ctx context.Context, row *store.AgentRow) error {
	caps, _ := json.Marshal(row.Capabilities)
	meta, _ := json.Marshal(row.Metadata)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_registry (agent_id, machine_id, role, capabilities, status, current_workload, max_workload, registered_at, last_seen, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (agent_id) DO UPDATE SET
		   machine_id = excluded.machine_id,
		   role = excluded.role,
		   capabilities = excluded.capabilities,
		   status = excluded.status,
		   current_workload = excluded.current_workload,
		   max_workload = excluded.max_workload,
		   last_seen = excluded.last_seen,
		   metadata = excluded.metadata`,
		row.AgentID, row.MachineID, row.Role, string(caps), row.Status,
		row.CurrentWorkload, row.MaxWorkload, ms(row.RegisteredAt), ms(row.LastSeen), string(meta))
	return err
}

const agentCols = `agent_id, machine_id, role, capabilities, status, current_workload, max_workload, registered_at, last_seen, metadata`

func scanAgent(r rowScanner) (*store.AgentRow, error) {
	var row store.AgentRow
	var caps, meta sql.NullString
	var registered, lastSeen int64
	if err := r.Scan(&row.AgentID, &row.MachineID, &row.Role, &caps, &row.Status,
		&row.CurrentWorkload, &row.MaxWorkload, &registered, &lastSeen, &meta); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if caps.Valid && caps.String != "" {
		json.Unmarshal([]byte(caps.String), &row.Capabilities)
	}
	if meta.Valid && meta.String != "" {
		json.Unmarshal([]byte(meta.String), &row.Metadata)
	}
	row.RegisteredAt = fromMS(registered)
	row.LastSeen = fromMS(lastSeen)
	return &row, nil
}

func (s *SQLiteAgentStore) GetAgent(ctx context.Context, agentID string) (*store.AgentRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentCols+` FROM agent_registry WHERE agent_id = ?`, agentID)
	return scanAgent(row)
}

func (s *SQLiteAgentStore) ListAgents(ctx context.Context) ([]store.AgentRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentCols+` FROM agent_registry ORDER BY registered_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []store.AgentRow
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *SQLiteAgentStore) SetWorkload(ctx context.Context, agentID string, workload int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_registry SET current_workload = ? WHERE agent_id = ?`, workload, agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SQLiteAgentStore) InsertTask(ctx context.Context, task *store.AgentTask) error {
	if task.ID == uuid.Nil {
		task.ID = store.GenNewID()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	caps, _ := json.Marshal(task.Capabilities)
	var deadline, completed any
	if task.Deadline != nil {
		deadline = ms(*task.Deadline)
	}
	if task.CompletedAt != nil {
		completed = ms(*task.CompletedAt)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_tasks (id, agent_id, task, capabilities, priority, deadline, status, memory_id, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID.String(), task.AgentID, task.Task, string(caps), task.Priority,
		deadline, task.Status, task.MemoryID, ms(task.CreatedAt), completed)
	return err
}

func (s *SQLiteAgentStore) ListTasks(ctx context.Context, agentID string, limit int) ([]store.AgentTask, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT id, agent_id, task, capabilities, priority, deadline, status, memory_id, created_at, completed_at
	          FROM agent_tasks`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?`
		args = append(args, agentID, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []store.AgentTask
	for rows.Next() {
		var t store.AgentTask
		var id string
		var caps, memoryID sql.NullString
		var created int64
		var deadline, completed sql.NullInt64
		if err := rows.Scan(&id, &t.AgentID, &t.Task, &caps, &t.Priority,
			&deadline, &t.Status, &memoryID, &created, &completed); err != nil {
			return nil, err
		}
		t.ID, _ = uuid.Parse(id)
		if caps.Valid && caps.String != "" {
			json.Unmarshal([]byte(caps.String), &t.Capabilities)
		}
		if memoryID.Valid {
			t.MemoryID = memoryID.String
		}
		t.CreatedAt = fromMS(created)
		if deadline.Valid {
			d := fromMS(deadline.Int64)
			t.Deadline = &d
		}
		if completed.Valid {
			c := fromMS(completed.Int64)
			t.CompletedAt = &c
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteAgentStore) CompleteTask(ctx context.Context, id uuid.UUID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_tasks SET status = ?, completed_at = ? WHERE id = ? AND completed_at IS NULL`,
		status, ms(time.Now()), id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SQLiteAgentStore) AddTaskDependency(ctx context.Context, taskID, dependsOn uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_dependencies (task_id, depends_on) VALUES (?, ?)
		 ON CONFLICT (task_id, depends_on) DO NOTHING`,
		taskID.String(), dependsOn.String())
	return err
}
