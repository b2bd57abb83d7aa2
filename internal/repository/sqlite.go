// Package repository persists agents, executions, checkpoints, events and
// interrupts in SQLite.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/conductor/internal/domain"
)

// SQLiteStore is the SQLite-backed persistence layer.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dsn and applies migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			prompt_template TEXT NOT NULL DEFAULT '',
			tools TEXT,
			can_delegate INTEGER NOT NULL DEFAULT 0,
			delegates TEXT,
			keywords TEXT,
			model TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			execution_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			parent_execution_id TEXT,
			depth INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			deadline_ms INTEGER NOT NULL DEFAULT 0,
			cause TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_thread ON executions(thread_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_state_deadline ON executions(state, deadline_ms)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			checkpoint_id INTEGER NOT NULL,
			state_blob TEXT NOT NULL,
			metadata TEXT,
			derived_user_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (thread_id, checkpoint_id)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_execution ON events(execution_id, seq)`,
		`CREATE TABLE IF NOT EXISTS interrupts (
			interrupt_id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			payload TEXT,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			resolved_at DATETIME,
			response TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interrupts_execution ON interrupts(execution_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Add new columns for existing DBs (SQLite has limited ALTER TABLE support).
	if err := s.ensureColumn("events", "unpersisted_risk", "ALTER TABLE events ADD COLUMN unpersisted_risk INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := s.ensureColumn("executions", "unpersisted_risk", "ALTER TABLE executions ADD COLUMN unpersisted_risk INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertAgent registers or updates an agent.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *domain.AgentConfig) error {
	tools, _ := json.Marshal(agent.ToolNames)
	delegates, _ := json.Marshal(agent.Delegates)
	keywords, _ := json.Marshal(agent.Keywords)
	if agent.UpdatedAt.IsZero() {
		agent.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agents (agent_id, name, description, prompt_template, tools, can_delegate, delegates, keywords, model, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.Name, agent.Description, agent.PromptTemplate, string(tools), boolToInt(agent.CanDelegate),
		string(delegates), string(keywords), agent.Model, agent.UpdatedAt)
	return err
}

const agentColumns = `agent_id, name, description, prompt_template, tools, can_delegate, delegates, keywords, model, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*domain.AgentConfig, error) {
	var agent domain.AgentConfig
	var description, tools, delegates, keywords, model sql.NullString
	var canDelegate int
	if err := row.Scan(&agent.ID, &agent.Name, &description, &agent.PromptTemplate, &tools, &canDelegate,
		&delegates, &keywords, &model, &agent.UpdatedAt); err != nil {
		return nil, err
	}
	agent.Description = description.String
	agent.Model = model.String
	agent.CanDelegate = canDelegate != 0
	if err := decodeList(tools, &agent.ToolNames); err != nil {
		return nil, fmt.Errorf("agent %s tools: %w", agent.ID, err)
	}
	if err := decodeList(delegates, &agent.Delegates); err != nil {
		return nil, fmt.Errorf("agent %s delegates: %w", agent.ID, err)
	}
	if err := decodeList(keywords, &agent.Keywords); err != nil {
		return nil, fmt.Errorf("agent %s keywords: %w", agent.ID, err)
	}
	return &agent, nil
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*domain.AgentConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agentID)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAgentNotFound
	}
	return agent, err
}

// ListAgents lists all agents ordered by id.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]domain.AgentConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.AgentConfig
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *agent)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAgentNotFound
	}
	return nil
}

// SaveExecution inserts or updates the index row of an execution.
func (s *SQLiteStore) SaveExecution(ctx context.Context, exec *domain.Execution, cause string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (execution_id, thread_id, agent_id, parent_execution_id, depth, state, deadline_ms, cause, unpersisted_risk, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET
			state = excluded.state,
			deadline_ms = excluded.deadline_ms,
			cause = excluded.cause,
			unpersisted_risk = excluded.unpersisted_risk,
			updated_at = excluded.updated_at`,
		exec.ExecutionID, exec.ThreadID, exec.AgentID, exec.ParentExecutionID, exec.Depth, exec.State,
		exec.Deadline.UnixMilli(), cause, boolToInt(exec.UnpersistedRisk), exec.CreatedAt, exec.UpdatedAt)
	return err
}

const executionColumns = `execution_id, thread_id, agent_id, parent_execution_id, depth, state, deadline_ms, unpersisted_risk, created_at, updated_at`

func scanExecution(row rowScanner) (*domain.Execution, error) {
	var exec domain.Execution
	var parent sql.NullString
	var deadlineMs int64
	var risk int
	if err := row.Scan(&exec.ExecutionID, &exec.ThreadID, &exec.AgentID, &parent, &exec.Depth, &exec.State,
		&deadlineMs, &risk, &exec.CreatedAt, &exec.UpdatedAt); err != nil {
		return nil, err
	}
	exec.ParentExecutionID = parent.String
	exec.UnpersistedRisk = risk != 0
	if deadlineMs > 0 {
		exec.Deadline = time.UnixMilli(deadlineMs)
	}
	return &exec, nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE execution_id = ?`, executionID)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrExecutionNotFound
	}
	return exec, err
}

// ListExecutions lists the executions of a thread in creation order.
func (s *SQLiteStore) ListExecutions(ctx context.Context, threadID string) ([]domain.Execution, error) {
	return s.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE thread_id = ? ORDER BY created_at, execution_id`, threadID)
}

// ListExpiredExecutions lists non-terminal executions whose deadline is
// before now.
func (s *SQLiteStore) ListExpiredExecutions(ctx context.Context, now time.Time, limit int) ([]domain.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions
		WHERE state NOT IN (?, ?, ?) AND deadline_ms > 0 AND deadline_ms < ?
		ORDER BY deadline_ms`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryExecutions(ctx, query,
		domain.ExecutionStateCompleted, domain.ExecutionStateFailed, domain.ExecutionStateTimedOut, now.UnixMilli())
}

func (s *SQLiteStore) queryExecutions(ctx context.Context, query string, args ...any) ([]domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []domain.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, *exec)
	}
	return execs, rows.Err()
}

// Put writes a checkpoint. Rewriting an existing id replaces it.
func (s *SQLiteStore) Put(ctx context.Context, cp domain.Checkpoint) error {
	metadata, _ := json.Marshal(cp.Metadata)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (thread_id, checkpoint_id, state_blob, metadata, derived_user_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ThreadID, cp.CheckpointID, string(cp.StateBlob), string(metadata), cp.DerivedUserID, cp.CreatedAt)
	return err
}

const checkpointColumns = `thread_id, checkpoint_id, state_blob, metadata, derived_user_id, created_at`

func scanCheckpoint(row rowScanner) (*domain.Checkpoint, error) {
	var cp domain.Checkpoint
	var blob string
	var metadata, userID sql.NullString
	if err := row.Scan(&cp.ThreadID, &cp.CheckpointID, &blob, &metadata, &userID, &cp.CreatedAt); err != nil {
		return nil, err
	}
	cp.StateBlob = json.RawMessage(blob)
	cp.DerivedUserID = userID.String
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &cp.Metadata); err != nil {
			return nil, fmt.Errorf("checkpoint %s/%d metadata: %w", cp.ThreadID, cp.CheckpointID, err)
		}
	}
	return &cp, nil
}

// Get retrieves one checkpoint.
func (s *SQLiteStore) Get(ctx context.Context, threadID string, checkpointID int64) (*domain.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE thread_id = ? AND checkpoint_id = ?`, threadID, checkpointID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCheckpointNotFound
	}
	return cp, err
}

// Latest retrieves the newest checkpoint of a thread.
func (s *SQLiteStore) Latest(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE thread_id = ? ORDER BY checkpoint_id DESC LIMIT 1`, threadID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCheckpointNotFound
	}
	return cp, err
}

// List retrieves all checkpoints of a thread ordered by id.
func (s *SQLiteStore) List(ctx context.Context, threadID string) ([]domain.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE thread_id = ? ORDER BY checkpoint_id ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cps []domain.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		cps = append(cps, *cp)
	}
	return cps, rows.Err()
}

// CreateEvent appends an event.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *domain.Event) error {
	payload := ""
	if event.Payload != nil {
		payload = string(event.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, execution_id, thread_id, seq, ts, type, payload, unpersisted_risk) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.ExecutionID, event.ThreadID, event.Seq, event.Ts, event.Type, payload, boolToInt(event.UnpersistedRisk))
	return err
}

// GetEvents retrieves events of an execution with seq greater than afterSeq.
func (s *SQLiteStore) GetEvents(ctx context.Context, executionID string, afterSeq int64, types []string, limit int) ([]domain.Event, error) {
	query := `SELECT event_id, execution_id, thread_id, seq, ts, type, payload, unpersisted_risk FROM events WHERE execution_id = ?`
	args := []any{executionID}

	if afterSeq > 0 {
		query += ` AND seq > ?`
		args = append(args, afterSeq)
	}

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}

	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var payload sql.NullString
		var risk int
		if err := rows.Scan(&event.EventID, &event.ExecutionID, &event.ThreadID, &event.Seq, &event.Ts, &event.Type, &payload, &risk); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			event.Payload = json.RawMessage(payload.String)
		}
		event.UnpersistedRisk = risk != 0
		events = append(events, event)
	}
	return events, rows.Err()
}

// LastEventSeq returns the highest event seq recorded for an execution, or
// zero when it has none.
func (s *SQLiteStore) LastEventSeq(ctx context.Context, executionID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events WHERE execution_id = ?`, executionID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// SaveInterrupt inserts or updates an interrupt.
func (s *SQLiteStore) SaveInterrupt(ctx context.Context, in *domain.Interrupt) error {
	var response any
	if in.Response != nil {
		b, _ := json.Marshal(in.Response)
		response = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interrupts (interrupt_id, execution_id, thread_id, payload, status, created_at, resolved_at, response)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(interrupt_id) DO UPDATE SET
			status = excluded.status,
			resolved_at = excluded.resolved_at,
			response = excluded.response`,
		in.InterruptID, in.ExecutionID, in.ThreadID, string(in.Payload), in.Status, in.CreatedAt, in.ResolvedAt, response)
	return err
}

const interruptColumns = `interrupt_id, execution_id, thread_id, payload, status, created_at, resolved_at, response`

func scanInterrupt(row rowScanner) (*domain.Interrupt, error) {
	var in domain.Interrupt
	var payload, response sql.NullString
	var resolvedAt sql.NullTime
	if err := row.Scan(&in.InterruptID, &in.ExecutionID, &in.ThreadID, &payload, &in.Status, &in.CreatedAt, &resolvedAt, &response); err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" {
		in.Payload = json.RawMessage(payload.String)
	}
	if resolvedAt.Valid {
		in.ResolvedAt = &resolvedAt.Time
	}
	if response.Valid && response.String != "" {
		var r domain.ResumeResponse
		if err := json.Unmarshal([]byte(response.String), &r); err != nil {
			return nil, fmt.Errorf("interrupt %s response: %w", in.InterruptID, err)
		}
		in.Response = &r
	}
	in.Resolved = in.Status == domain.InterruptStatusResolved
	return &in, nil
}

// GetInterrupt retrieves an interrupt by ID.
func (s *SQLiteStore) GetInterrupt(ctx context.Context, interruptID string) (*domain.Interrupt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+interruptColumns+` FROM interrupts WHERE interrupt_id = ?`, interruptID)
	in, err := scanInterrupt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrInterruptNotFound
	}
	return in, err
}

// GetLatestInterrupt retrieves the newest interrupt of an execution.
func (s *SQLiteStore) GetLatestInterrupt(ctx context.Context, executionID string) (*domain.Interrupt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+interruptColumns+` FROM interrupts WHERE execution_id = ? ORDER BY created_at DESC LIMIT 1`, executionID)
	in, err := scanInterrupt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrInterruptNotFound
	}
	return in, err
}

func decodeList(v sql.NullString, dst *[]string) error {
	if !v.Valid || v.String == "" || v.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(v.String), dst)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
