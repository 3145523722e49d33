package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hivemesh/hivehub/internal/store"
)

// PGAgentStore implements store.AgentStore on Postgres.
type PGAgentStore struct {
	db *sql.DB
}

func NewAgentStore(db *sql.DB) *PGAgentStore {
	return &PGAgentStore{db: db}
}

func (s *PGAgentStore) UpsertAgent(ctx context.Context, row *store.AgentRow) error {
	caps, _ := json.Marshal(row.Capabilities)
	meta, _ := json.Marshal(row.Metadata)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_registry (agent_id, machine_id, role, capabilities, status, current_workload, max_workload, registered_at, last_seen, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (agent_id) DO UPDATE SET
		   machine_id = EXCLUDED.machine_id,
		   role = EXCLUDED.role,
		   capabilities = EXCLUDED.capabilities,
		   status = EXCLUDED.status,
		   current_workload = EXCLUDED.current_workload,
		   max_workload = EXCLUDED.max_workload,
		   last_seen = EXCLUDED.last_seen,
		   metadata = EXCLUDED.metadata`,
		row.AgentID, row.MachineID, row.Role, caps, row.Status,
		row.CurrentWorkload, row.MaxWorkload, row.RegisteredAt, row.LastSeen, meta)
	return err
}

const agentCols = `agent_id, machine_id, role, capabilities, status, current_workload, max_workload, registered_at, last_seen, metadata`

func scanAgent(r rowScanner) (*store.AgentRow, error) {
	var row store.AgentRow
	var caps, meta []byte
	if err := r.Scan(&row.AgentID, &row.MachineID, &row.Role, &caps, &row.Status,
		&row.CurrentWorkload, &row.MaxWorkload, &row.RegisteredAt, &row.LastSeen, &meta); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if len(caps) > 0 {
		json.Unmarshal(caps, &row.Capabilities)
	}
	if len(meta) > 0 {
		json.Unmarshal(meta, &row.Metadata)
	}
	return &row, nil
}

func (s *PGAgentStore) GetAgent(ctx context.Context, agentID string) (*store.AgentRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentCols+` FROM agent_registry WHERE agent_id = $1`, agentID)
	return scanAgent(row)
}

func (s *PGAgentStore) ListAgents(ctx context.Context) ([]store.AgentRow, error) {
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

func (s *PGAgentStore) SetWorkload(ctx context.Context, agentID string, workload int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_registry SET current_workload = $1 WHERE agent_id = $2`, workload, agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PGAgentStore) InsertTask(ctx context.Context, task *store.AgentTask) error {
	if task.ID == uuid.Nil {
		task.ID = store.GenNewID()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	caps, _ := json.Marshal(task.Capabilities)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_tasks (id, agent_id, task, capabilities, priority, deadline, status, memory_id, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		task.ID, task.AgentID, task.Task, caps, task.Priority,
		task.Deadline, task.Status, task.MemoryID, task.CreatedAt, task.CompletedAt)
	return err
}

func (s *PGAgentStore) ListTasks(ctx context.Context, agentID string, limit int) ([]store.AgentTask, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT id, agent_id, task, capabilities, priority, deadline, status, memory_id, created_at, completed_at
	          FROM agent_tasks`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, agentID, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
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
		var caps []byte
		var deadline, completed sql.NullTime
		var memoryID sql.NullString
		if err := rows.Scan(&t.ID, &t.AgentID, &t.Task, &caps, &t.Priority,
			&deadline, &t.Status, &memoryID, &t.CreatedAt, &completed); err != nil {
			return nil, err
		}
		if len(caps) > 0 {
			json.Unmarshal(caps, &t.Capabilities)
		}
		if deadline.Valid {
			t.Deadline = &deadline.Time
		}
		if completed.Valid {
			t.CompletedAt = &completed.Time
		}
		if memoryID.Valid {
			t.MemoryID = memoryID.String
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PGAgentStore) CompleteTask(ctx context.Context, id uuid.UUID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_tasks SET status = $1, completed_at = $2 WHERE id = $3 AND completed_at IS NULL`,
		status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PGAgentStore) AddTaskDependency(ctx context.Context, taskID, dependsOn uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_dependencies (task_id, depends_on) VALUES ($1, $2)
		 ON CONFLICT (task_id, depends_on) DO NOTHING`,
		taskID, dependsOn)
	return err
}
