// Package sqlite is the durable Store implementation backed by
// modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentlens/agentlens/internal/event"
	"github.com/agentlens/agentlens/internal/storage"
)

// Store is a SQLite implementation of storage.Store.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New opens (or creates) the database at dbPath and initializes the
// schema. WAL mode keeps reads concurrent with the single writer.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			name TEXT PRIMARY KEY,
			description TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			agent_name TEXT NOT NULL,
			run_name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			total_duration_ms REAL NOT NULL DEFAULT 0,
			total_cost REAL NOT NULL DEFAULT 0,
			tokens_in REAL NOT NULL DEFAULT 0,
			tokens_out REAL NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (agent_name) REFERENCES agents(name) ON DELETE CASCADE,
			UNIQUE (agent_name, run_name)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			event_type TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			parent_event_id TEXT,
			previous_event_id TEXT,
			data TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_agent ON runs(agent_name)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_agent_created ON runs(agent_name, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_timestamp ON events(run_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_name)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_events_parent ON events(parent_event_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) EnsureAgent(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO agents (name, description, created_at) VALUES (?, ?, ?)`,
		name, "Auto-created agent: "+name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to ensure agent %s: %w", name, err)
	}
	return nil
}

// EnsureRun provisions the run inside a write transaction, which
// serializes placeholder-name allocation so two concurrent placeholder
// runs for one agent cannot draw the same "run N".
func (s *Store) EnsureRun(ctx context.Context, run storage.NewRun) (*storage.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.scanRun(tx.QueryRowContext(ctx,
		selectRun+` WHERE run_id = ?`, run.RunID))
	if err == nil {
		return existing, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to look up run %s: %w", run.RunID, err)
	}

	name := run.RunName
	if event.IsPlaceholderRunName(name) {
		names, err := agentRunNames(ctx, tx, run.AgentName)
		if err != nil {
			return nil, err
		}
		name = event.FormatRunName(storage.NextRunNumber(names))
	}

	createdAt := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, agent_name, run_name, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		run.RunID, run.AgentName, name, storage.RunStatusActive, createdAt); err != nil {
		return nil, fmt.Errorf("failed to create run %s: %w", run.RunID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit run creation: %w", err)
	}

	return &storage.Run{
		RunID:     run.RunID,
		AgentName: run.AgentName,
		RunName:   name,
		Status:    storage.RunStatusActive,
		CreatedAt: createdAt,
	}, nil
}

func agentRunNames(ctx context.Context, tx *sql.Tx, agentName string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT run_name FROM runs WHERE agent_name = ?`, agentName)
	if err != nil {
		return nil, fmt.Errorf("failed to list run names for %s: %w", agentName, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan run name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Store) InsertEvents(ctx context.Context, events []*storage.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO events
		(event_id, run_id, agent_name, event_type, timestamp, parent_event_id, previous_event_id, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, e := range events {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal event %s data: %w", e.EventID, err)
		}
		res, err := stmt.ExecContext(ctx,
			e.EventID, e.RunID, e.AgentName, e.EventType, e.Timestamp.UTC(),
			nullable(e.ParentEventID), nullable(e.PreviousEventID), string(data))
		if err != nil {
			return 0, fmt.Errorf("failed to insert event %s: %w", e.EventID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit events: %w", err)
	}
	return inserted, nil
}

func (s *Store) UpdateRunAggregates(ctx context.Context, runID string, agg storage.RunAggregates) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET total_cost = ?, tokens_in = ?, tokens_out = ?, total_duration_ms = ? WHERE run_id = ?`,
		agg.TotalCost, agg.TokensIn, agg.TokensOut, agg.TotalDurationMS, runID)
	if err != nil {
		return fmt.Errorf("failed to update aggregates for run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrRunNotFound
	}
	return nil
}

const selectRun = `SELECT run_id, agent_name, run_name, status,
	total_duration_ms, total_cost, tokens_in, tokens_out, created_at FROM runs`

func (s *Store) scanRun(row *sql.Row) (*storage.Run, error) {
	var r storage.Run
	err := row.Scan(&r.RunID, &r.AgentName, &r.RunName, &r.Status,
		&r.TotalDurationMS, &r.TotalCost, &r.TokensIn, &r.TokensOut, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) GetRun(ctx context.Context, agentName, runName string) (*storage.Run, error) {
	run, err := s.scanRun(s.db.QueryRowContext(ctx,
		selectRun+` WHERE agent_name = ? AND run_name = ?`, agentName, runName))
	if err == sql.ErrNoRows {
		return nil, storage.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s/%s: %w", agentName, runName, err)
	}
	return run, nil
}

func (s *Store) ListRunEvents(ctx context.Context, runID string) ([]*storage.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id, run_id, agent_name, event_type,
		timestamp, parent_event_id, previous_event_id, data
		FROM events WHERE run_id = ? ORDER BY timestamp ASC, rowid ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for run %s: %w", runID, err)
	}
	defer rows.Close()

	var events []*storage.Event
	for rows.Next() {
		var (
			e        storage.Event
			parent   sql.NullString
			previous sql.NullString
			data     string
		)
		if err := rows.Scan(&e.EventID, &e.RunID, &e.AgentName, &e.EventType,
			&e.Timestamp, &parent, &previous, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.ParentEventID = parent.String
		e.PreviousEventID = previous.String
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			e.Data = map[string]any{}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (s *Store) CountRunEvents(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events for run %s: %w", runID, err)
	}
	return n, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]*storage.AgentSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT a.name, COALESCE(a.description, ''), a.created_at,
		(SELECT COUNT(*) FROM runs r WHERE r.agent_name = a.name)
		FROM agents a ORDER BY a.name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*storage.AgentSummary
	for rows.Next() {
		var a storage.AgentSummary
		if err := rows.Scan(&a.Name, &a.Description, &a.CreatedAt, &a.RunCount); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

func (s *Store) ListRuns(ctx context.Context, agentName string) ([]*storage.Run, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE name = ?`, agentName).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check agent %s: %w", agentName, err)
	}
	if exists == 0 {
		return nil, storage.ErrAgentNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		selectRun+` WHERE agent_name = ? ORDER BY created_at DESC, run_name DESC`, agentName)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs for %s: %w", agentName, err)
	}
	defer rows.Close()

	var runs []*storage.Run
	for rows.Next() {
		var r storage.Run
		if err := rows.Scan(&r.RunID, &r.AgentName, &r.RunName, &r.Status,
			&r.TotalDurationMS, &r.TotalCost, &r.TokensIn, &r.TokensOut, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

func (s *Store) RenameRun(ctx context.Context, agentName, runName, newName string) (*storage.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	run, err := s.scanRun(tx.QueryRowContext(ctx,
		selectRun+` WHERE agent_name = ? AND run_name = ?`, agentName, runName))
	if err == sql.ErrNoRows {
		return nil, storage.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s/%s: %w", agentName, runName, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET run_name = ? WHERE run_id = ?`, newName, run.RunID); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, storage.ErrRunNameTaken
		}
		return nil, fmt.Errorf("failed to rename run %s: %w", run.RunID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rename: %w", err)
	}

	run.RunName = newName
	return run, nil
}

func (s *Store) DeleteRun(ctx context.Context, agentName, runName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	run, err := s.scanRun(tx.QueryRowContext(ctx,
		selectRun+` WHERE agent_name = ? AND run_name = ?`, agentName, runName))
	if err == sql.ErrNoRows {
		return storage.ErrRunNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get run %s/%s: %w", agentName, runName, err)
	}

	// Explicit event delete; the cascade covers it too, but this keeps
	// behavior independent of the foreign_keys pragma.
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, run.RunID); err != nil {
		return fmt.Errorf("failed to delete events for run %s: %w", run.RunID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, run.RunID); err != nil {
		return fmt.Errorf("failed to delete run %s: %w", run.RunID, err)
	}

	return tx.Commit()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// nullable maps "" to NULL for optional reference columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
