package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/c360studio/agentd/runner"
	"github.com/c360studio/agentd/task"
)

// Postgres is the relational backend. Tasks and runners map one-to-one
// to columns, with the dynamic context carried as context_json text.
type Postgres struct {
	db *sqlx.DB
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS agent_tasks (
	id           text PRIMARY KEY,
	direction    text NOT NULL,
	task_type    text NOT NULL,
	status       text NOT NULL,
	model        text NOT NULL DEFAULT '',
	command      text NOT NULL DEFAULT '',
	tier         text NOT NULL DEFAULT '',
	output       text NOT NULL DEFAULT '',
	context_json text NOT NULL DEFAULT '{}',
	claimed_by   text NOT NULL DEFAULT '',
	claimed_at   timestamptz,
	created_at   timestamptz NOT NULL,
	updated_at   timestamptz NOT NULL,
	started_at   timestamptz
);
CREATE INDEX IF NOT EXISTS agent_tasks_status_idx ON agent_tasks (status);
CREATE INDEX IF NOT EXISTS agent_tasks_created_at_idx ON agent_tasks (created_at DESC);

CREATE TABLE IF NOT EXISTS agent_runners (
	id               text PRIMARY KEY,
	status           text NOT NULL,
	host             text NOT NULL DEFAULT '',
	pid              integer NOT NULL DEFAULT 0,
	version          text NOT NULL DEFAULT '',
	active_task_id   text NOT NULL DEFAULT '',
	active_run_id    text NOT NULL DEFAULT '',
	last_error       text NOT NULL DEFAULT '',
	capabilities     text NOT NULL DEFAULT '[]',
	metadata_json    text NOT NULL DEFAULT '{}',
	lease_expires_at timestamptz NOT NULL,
	last_seen_at     timestamptz NOT NULL,
	first_seen_at    timestamptz NOT NULL
);
`

// OpenPostgres connects to the DSN and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", ErrUnavailable, err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ensure schema: %v", ErrSchema, err)
	}
	return &Postgres{db: db}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// taskRow is the sqlx row mapping for agent_tasks.
type taskRow struct {
	ID          string       `db:"id"`
	Direction   string       `db:"direction"`
	TaskType    string       `db:"task_type"`
	Status      string       `db:"status"`
	Model       string       `db:"model"`
	Command     string       `db:"command"`
	Tier        string       `db:"tier"`
	Output      string       `db:"output"`
	ContextJSON string       `db:"context_json"`
	ClaimedBy   string       `db:"claimed_by"`
	ClaimedAt   sql.NullTime `db:"claimed_at"`
	CreatedAt   time.Time    `db:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
	StartedAt   sql.NullTime `db:"started_at"`
}

func (r *taskRow) toTask() (*task.Task, error) {
	t := &task.Task{
		ID:        r.ID,
		Direction: r.Direction,
		Kind:      task.Kind(r.TaskType),
		Status:    task.Status(r.Status),
		Model:     r.Model,
		Command:   r.Command,
		Tier:      r.Tier,
		Output:    r.Output,
		ClaimedBy: r.ClaimedBy,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.ClaimedAt.Valid {
		ts := r.ClaimedAt.Time
		t.ClaimedAt = &ts
	}
	if r.StartedAt.Valid {
		ts := r.StartedAt.Time
		t.StartedAt = &ts
	}
	if r.ContextJSON != "" {
		if err := json.Unmarshal([]byte(r.ContextJSON), &t.Context); err != nil {
			return nil, fmt.Errorf("%w: decode context for %s: %v", ErrSchema, r.ID, err)
		}
	}
	return t, nil
}

func taskToRow(t *task.Task) (*taskRow, error) {
	ctxJSON := []byte("{}")
	if t.Context != nil {
		var err error
		ctxJSON, err = json.Marshal(t.Context)
		if err != nil {
			return nil, fmt.Errorf("%w: encode context for %s: %v", ErrSchema, t.ID, err)
		}
	}
	r := &taskRow{
		ID:          t.ID,
		Direction:   t.Direction,
		TaskType:    string(t.Kind),
		Status:      string(t.Status),
		Model:       t.Model,
		Command:     t.Command,
		Tier:        t.Tier,
		Output:      t.Output,
		ContextJSON: string(ctxJSON),
		ClaimedBy:   t.ClaimedBy,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if t.ClaimedAt != nil {
		r.ClaimedAt = sql.NullTime{Time: *t.ClaimedAt, Valid: true}
	}
	if t.StartedAt != nil {
		r.StartedAt = sql.NullTime{Time: *t.StartedAt, Valid: true}
	}
	return r, nil
}

// wrapPGError classifies driver errors into the store taxonomy.
func wrapPGError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "42": // syntax or access rule violation: missing table/column
			return fmt.Errorf("%w: %s: %v", ErrSchema, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// Get implements TaskStore.
func (p *Postgres) Get(ctx context.Context, id string) (*task.Task, error) {
	var row taskRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM agent_tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapPGError("get task", err)
	}
	return row.toTask()
}

// List implements TaskStore.
func (p *Postgres) List(ctx context.Context, f ListFilter) ([]*task.Task, int, error) {
	f.normalize()

	where := ""
	args := []any{}
	appendCond := func(cond string, arg any) {
		args = append(args, arg)
		cond = fmt.Sprintf(cond, len(args))
		if where == "" {
			where = " WHERE " + cond
		} else {
			where += " AND " + cond
		}
	}

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		appendCond("status = ANY($%d)", pq.Array(statuses))
	} else if f.Status != nil {
		appendCond("status = $%d", string(*f.Status))
	}
	if f.Kind != nil {
		appendCond("task_type = $%d", string(*f.Kind))
	}

	var total int
	if err := p.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM agent_tasks`+where, args...); err != nil {
		return nil, 0, wrapPGError("count tasks", err)
	}

	query := fmt.Sprintf(
		`SELECT * FROM agent_tasks%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	var rows []taskRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, wrapPGError("list tasks", err)
	}

	items := make([]*task.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTask()
		if err != nil {
			return nil, 0, err
		}
		items = append(items, t)
	}
	return items, total, nil
}

// CountByStatus implements TaskStore.
func (p *Postgres) CountByStatus(ctx context.Context) (map[task.Status]int, error) {
	rows, err := p.db.QueryxContext(ctx, `SELECT status, COUNT(*) FROM agent_tasks GROUP BY status`)
	if err != nil {
		return nil, wrapPGError("count by status", err)
	}
	defer rows.Close()

	counts := make(map[task.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrapPGError("scan status count", err)
		}
		counts[task.Status(status)] = n
	}
	return counts, rows.Err()
}

// Upsert implements TaskStore.
func (p *Postgres) Upsert(ctx context.Context, t *task.Task) error {
	row, err := taskToRow(t)
	if err != nil {
		return err
	}
	_, err = p.db.NamedExecContext(ctx, `
		INSERT INTO agent_tasks
			(id, direction, task_type, status, model, command, tier, output,
			 context_json, claimed_by, claimed_at, created_at, updated_at, started_at)
		VALUES
			(:id, :direction, :task_type, :status, :model, :command, :tier, :output,
			 :context_json, :claimed_by, :claimed_at, :created_at, :updated_at, :started_at)
		ON CONFLICT (id) DO UPDATE SET
			direction = EXCLUDED.direction,
			task_type = EXCLUDED.task_type,
			status = EXCLUDED.status,
			model = EXCLUDED.model,
			command = EXCLUDED.command,
			tier = EXCLUDED.tier,
			output = EXCLUDED.output,
			context_json = EXCLUDED.context_json,
			claimed_by = EXCLUDED.claimed_by,
			claimed_at = EXCLUDED.claimed_at,
			updated_at = EXCLUDED.updated_at,
			started_at = EXCLUDED.started_at`, row)
	if err != nil {
		return wrapPGError("upsert task", err)
	}
	return nil
}

// FindBySessionKey implements TaskStore. The session key lives inside
// context_json; matched with the jsonb extraction operator.
func (p *Postgres) FindBySessionKey(ctx context.Context, key string) (*task.Task, error) {
	var row taskRow
	err := p.db.GetContext(ctx, &row,
		`SELECT * FROM agent_tasks WHERE context_json::jsonb ->> 'session_key' = $1
		 ORDER BY created_at DESC LIMIT 1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapPGError("find by session key", err)
	}
	return row.toTask()
}

// DeleteAll implements TaskStore.
func (p *Postgres) DeleteAll(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM agent_tasks`); err != nil {
		return wrapPGError("delete all tasks", err)
	}
	return nil
}

// runnerRow is the sqlx row mapping for agent_runners.
type runnerRow struct {
	ID             string    `db:"id"`
	Status         string    `db:"status"`
	Host           string    `db:"host"`
	PID            int       `db:"pid"`
	Version        string    `db:"version"`
	ActiveTaskID   string    `db:"active_task_id"`
	ActiveRunID    string    `db:"active_run_id"`
	LastError      string    `db:"last_error"`
	Capabilities   string    `db:"capabilities"`
	MetadataJSON   string    `db:"metadata_json"`
	LeaseExpiresAt time.Time `db:"lease_expires_at"`
	LastSeenAt     time.Time `db:"last_seen_at"`
	FirstSeenAt    time.Time `db:"first_seen_at"`
}

func (r *runnerRow) toRunner() (*runner.Runner, error) {
	out := &runner.Runner{
		ID:             r.ID,
		Status:         runner.Status(r.Status),
		Host:           r.Host,
		PID:            r.PID,
		Version:        r.Version,
		ActiveTaskID:   r.ActiveTaskID,
		ActiveRunID:    r.ActiveRunID,
		LastError:      r.LastError,
		LeaseExpiresAt: r.LeaseExpiresAt,
		LastSeenAt:     r.LastSeenAt,
		FirstSeenAt:    r.FirstSeenAt,
	}
	if r.Capabilities != "" {
		if err := json.Unmarshal([]byte(r.Capabilities), &out.Capabilities); err != nil {
			return nil, fmt.Errorf("%w: decode capabilities for %s: %v", ErrSchema, r.ID, err)
		}
	}
	if r.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(r.MetadataJSON), &out.Metadata); err != nil {
			return nil, fmt.Errorf("%w: decode metadata for %s: %v", ErrSchema, r.ID, err)
		}
	}
	return out, nil
}

// Runners returns the RunnerStore view of the Postgres backend.
func (p *Postgres) Runners() RunnerStore { return pgRunners{p} }

type pgRunners struct{ p *Postgres }

func (a pgRunners) Get(ctx context.Context, id string) (*runner.Runner, error) {
	var row runnerRow
	err := a.p.db.GetContext(ctx, &row, `SELECT * FROM agent_runners WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapPGError("get runner", err)
	}
	return row.toRunner()
}

func (a pgRunners) Upsert(ctx context.Context, r *runner.Runner) error {
	caps, err := json.Marshal(r.Capabilities)
	if err != nil {
		return fmt.Errorf("%w: encode capabilities: %v", ErrSchema, err)
	}
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("%w: encode metadata: %v", ErrSchema, err)
	}
	row := &runnerRow{
		ID:             r.ID,
		Status:         string(r.Status),
		Host:           r.Host,
		PID:            r.PID,
		Version:        r.Version,
		ActiveTaskID:   r.ActiveTaskID,
		ActiveRunID:    r.ActiveRunID,
		LastError:      r.LastError,
		Capabilities:   string(caps),
		MetadataJSON:   string(meta),
		LeaseExpiresAt: r.LeaseExpiresAt,
		LastSeenAt:     r.LastSeenAt,
		FirstSeenAt:    r.FirstSeenAt,
	}
	_, err = a.p.db.NamedExecContext(ctx, `
		INSERT INTO agent_runners
			(id, status, host, pid, version, active_task_id, active_run_id,
			 last_error, capabilities, metadata_json, lease_expires_at,
			 last_seen_at, first_seen_at)
		VALUES
			(:id, :status, :host, :pid, :version, :active_task_id, :active_run_id,
			 :last_error, :capabilities, :metadata_json, :lease_expires_at,
			 :last_seen_at, :first_seen_at)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			host = EXCLUDED.host,
			pid = EXCLUDED.pid,
			version = EXCLUDED.version,
			active_task_id = EXCLUDED.active_task_id,
			active_run_id = EXCLUDED.active_run_id,
			last_error = EXCLUDED.last_error,
			capabilities = EXCLUDED.capabilities,
			metadata_json = EXCLUDED.metadata_json,
			lease_expires_at = EXCLUDED.lease_expires_at,
			last_seen_at = EXCLUDED.last_seen_at`, row)
	if err != nil {
		return wrapPGError("upsert runner", err)
	}
	return nil
}

func (a pgRunners) List(ctx context.Context, includeStale bool, limit int, now time.Time) ([]*runner.Runner, error) {
	query := `SELECT * FROM agent_runners`
	args := []any{}
	if !includeStale {
		query += ` WHERE lease_expires_at > $1`
		args = append(args, now)
	}
	query += ` ORDER BY last_seen_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}

	var rows []runnerRow
	if err := a.p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, wrapPGError("list runners", err)
	}
	items := make([]*runner.Runner, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toRunner()
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, nil
}
