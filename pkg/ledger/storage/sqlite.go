package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"cynsta/spendguard/pkg/ledger"
)

// SQLiteStore implements ledger.Store on an embedded SQLite database.
// Every Update runs in a BEGIN IMMEDIATE transaction, so concurrent
// processes sharing the file serialize on the write lock.
type SQLiteStore struct {
	db                 *sql.DB
	checkpointInterval time.Duration
	done               chan struct{}
	closeOnce          sync.Once
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	// Path is the database file.
	Path string

	// BusyTimeout is how long to wait for the write lock.
	// Default: 5 seconds
	BusyTimeout time.Duration

	// CheckpointInterval is how often to checkpoint the WAL.
	// Default: 5 minutes
	CheckpointInterval time.Duration
}

// NewSQLiteStore opens (creating if needed) the database at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 5 * time.Minute
	}
	if dir := filepath.Dir(cfg.Path); dir != "." && cfg.Path != ":memory:" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{
		db:                 db,
		checkpointInterval: cfg.CheckpointInterval,
		done:               make(chan struct{}),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	go s.checkpointLoop()

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS budgets (
		agent_id TEXT PRIMARY KEY REFERENCES agents(id) ON DELETE CASCADE,
		hard_limit INTEGER NOT NULL CHECK (hard_limit >= 0),
		spent INTEGER NOT NULL CHECK (spent >= 0),
		reserved INTEGER NOT NULL CHECK (reserved >= 0),
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		state TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		reserved INTEGER NOT NULL DEFAULT 0,
		clamped_max_output_tokens INTEGER NOT NULL DEFAULT 0,
		realized_cost INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		held INTEGER NOT NULL DEFAULT 0,
		pending_usage TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_runs_agent ON runs(agent_id, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_one_active ON runs(agent_id)
		WHERE state IN ('reserved', 'executing');
	CREATE INDEX IF NOT EXISTS idx_runs_lease ON runs(expires_at)
		WHERE state IN ('reserved', 'executing');

	CREATE TABLE IF NOT EXISTS entries (
		run_id TEXT PRIMARY KEY REFERENCES runs(id) ON DELETE CASCADE,
		agent_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		usage TEXT NOT NULL,
		tier TEXT NOT NULL,
		breakdown TEXT NOT NULL,
		total_micros INTEGER NOT NULL,
		realized_cost INTEGER NOT NULL,
		reserved INTEGER NOT NULL,
		overrun INTEGER NOT NULL,
		price_table_version TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_agent ON entries(agent_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateAgent inserts an agent and its budget in one transaction.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent ledger.Agent, budget ledger.Budget) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO agents (id, name, created_at) VALUES (?, ?, ?)`,
		agent.ID, agent.Name, agent.CreatedAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ledger.ErrAgentExists, agent.ID)
		}
		return fmt.Errorf("failed to insert agent: %w", err)
	}

	if err := saveBudget(ctx, tx, budget); err != nil {
		return err
	}
	return tx.Commit()
}

// GetAgent returns an agent.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*ledger.Agent, error) {
	var (
		a       ledger.Agent
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAgentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	a.CreatedAt = fromNanos(created)
	return &a, nil
}

// ListAgents returns all agents ordered by creation time.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]ledger.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM agents ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var out []ledger.Agent
	for rows.Next() {
		var (
			a       ledger.Agent
			created int64
		)
		if err := rows.Scan(&a.ID, &a.Name, &created); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		a.CreatedAt = fromNanos(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// RenameAgent updates an agent's name.
func (s *SQLiteStore) RenameAgent(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("failed to rename agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrAgentNotFound, id)
	}
	return nil
}

// DeleteAgent removes an agent; budget, runs and entries cascade.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	active, err := loadActive(ctx, tx, id)
	if err != nil {
		return err
	}
	if active != nil {
		return fmt.Errorf("%w: run %s", ledger.ErrRunAlreadyActive, active.ID)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrAgentNotFound, id)
	}
	return tx.Commit()
}

// Snapshot returns the budget and active run.
func (s *SQLiteStore) Snapshot(ctx context.Context, agentID string) (*ledger.Budget, *ledger.Run, error) {
	b, err := loadBudget(ctx, s.db, agentID)
	if err != nil {
		return nil, nil, err
	}
	active, err := loadActive(ctx, s.db, agentID)
	if err != nil {
		return nil, nil, err
	}
	return b, active, nil
}

// Update applies fn inside one write transaction.
func (s *SQLiteStore) Update(ctx context.Context, agentID string, fn func(tx *ledger.Tx) error) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbtx.Rollback()

	b, err := loadBudget(ctx, dbtx, agentID)
	if err != nil {
		return err
	}
	active, err := loadActive(ctx, dbtx, agentID)
	if err != nil {
		return err
	}

	tx := ledger.NewTx(*b, active)
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.CheckInvariants(); err != nil {
		return err
	}

	if err := saveBudget(ctx, dbtx, tx.Budget); err != nil {
		return err
	}
	for _, r := range tx.Runs() {
		if err := saveRun(ctx, dbtx, r); err != nil {
			return err
		}
	}
	if e := tx.Entry(); e != nil {
		if err := insertEntry(ctx, dbtx, e); err != nil {
			return err
		}
	}

	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// GetRun returns a run.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*ledger.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrRunNotFound, id)
	}
	return r, err
}

// ListRuns returns matching runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter ledger.RunFilter) ([]ledger.Run, error) {
	var (
		where []string
		args  []any
	)
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if len(filter.States) > 0 {
		marks := make([]string, len(filter.States))
		for i, st := range filter.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.queryRuns(ctx, query, args...)
}

// ListExpired returns active runs whose lease ended before now.
func (s *SQLiteStore) ListExpired(ctx context.Context, now time.Time) ([]ledger.Run, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM runs
		WHERE state IN ('reserved', 'executing') AND expires_at > 0 AND expires_at < ?
		ORDER BY expires_at`,
		now.UnixNano())
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...any) ([]ledger.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []ledger.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// GetEntry returns a run's ledger entry.
func (s *SQLiteStore) GetEntry(ctx context.Context, runID string) (*ledger.Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, runID)
	}
	return e, err
}

// ListEntries returns matching entries, newest first.
func (s *SQLiteStore) ListEntries(ctx context.Context, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	var (
		where []string
		args  []any
	)
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}

	query := `SELECT ` + entryColumns + ` FROM entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, run_id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Close stops the checkpoint loop and closes the database. It is idempotent.
func (s *SQLiteStore) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.done)
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *SQLiteStore) checkpointLoop() {
	ticker := time.NewTicker(s.checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
		case <-s.done:
			return
		}
	}
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

const runColumns = `id, agent_id, state, provider, model, reserved, clamped_max_output_tokens,
	realized_cost, reason, held, pending_usage, created_at, updated_at, expires_at`

const entryColumns = `run_id, agent_id, provider, model, usage, tier, breakdown, total_micros,
	realized_cost, reserved, overrun, price_table_version, created_at`

func loadBudget(ctx context.Context, q querier, agentID string) (*ledger.Budget, error) {
	var (
		b       ledger.Budget
		updated int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT agent_id, hard_limit, spent, reserved, updated_at FROM budgets WHERE agent_id = ?`,
		agentID,
	).Scan(&b.AgentID, &b.HardLimit, &b.Spent, &b.Reserved, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAgentNotFound, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load budget: %w", err)
	}
	b.UpdatedAt = fromNanos(updated)
	return &b, nil
}

func loadActive(ctx context.Context, q querier, agentID string) (*ledger.Run, error) {
	r, err := scanRun(q.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE agent_id = ? AND state IN ('reserved', 'executing')`,
		agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func saveBudget(ctx context.Context, q querier, b ledger.Budget) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO budgets (agent_id, hard_limit, spent, reserved, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET
			hard_limit = excluded.hard_limit,
			spent = excluded.spent,
			reserved = excluded.reserved,
			updated_at = excluded.updated_at`,
		b.AgentID, b.HardLimit, b.Spent, b.Reserved, b.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save budget: %w", err)
	}
	return nil
}

func saveRun(ctx context.Context, q querier, r *ledger.Run) error {
	var pending string
	if r.PendingUsage != nil {
		data, err := json.Marshal(r.PendingUsage)
		if err != nil {
			return fmt.Errorf("failed to marshal pending usage: %w", err)
		}
		pending = string(data)
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			reserved = excluded.reserved,
			realized_cost = excluded.realized_cost,
			reason = excluded.reason,
			held = excluded.held,
			pending_usage = excluded.pending_usage,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		r.ID, r.AgentID, string(r.State), r.Provider, r.Model, r.Reserved, r.ClampedMaxOutputTokens,
		r.RealizedCost, r.Reason, r.Held, pending, r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano(), toNanos(r.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: agent %s", ledger.ErrRunAlreadyActive, r.AgentID)
		}
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, q querier, e *ledger.Entry) error {
	usage, err := json.Marshal(e.Usage)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}
	breakdown, err := json.Marshal(e.Breakdown)
	if err != nil {
		return fmt.Errorf("failed to marshal breakdown: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.AgentID, e.Provider, e.Model, string(usage), e.Tier, string(breakdown),
		e.TotalMicros, e.RealizedCost, e.Reserved, e.Overrun, e.PriceTableVersion, e.CreatedAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: run %s", ledger.ErrEntryExists, e.RunID)
		}
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

func scanRun(row scanner) (*ledger.Run, error) {
	var (
		r                         ledger.Run
		state, pending            string
		created, updated, expires int64
	)
	err := row.Scan(&r.ID, &r.AgentID, &state, &r.Provider, &r.Model, &r.Reserved,
		&r.ClampedMaxOutputTokens, &r.RealizedCost, &r.Reason, &r.Held, &pending, &created, &updated, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	r.State = ledger.RunState(state)
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	r.ExpiresAt = fromNanos(expires)
	if pending != "" {
		r.PendingUsage = &ledger.Usage{}
		if err := json.Unmarshal([]byte(pending), r.PendingUsage); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending usage: %w", err)
		}
	}
	return &r, nil
}

func scanEntry(row scanner) (*ledger.Entry, error) {
	var (
		e                ledger.Entry
		usage, breakdown string
		created          int64
	)
	err := row.Scan(&e.RunID, &e.AgentID, &e.Provider, &e.Model, &usage, &e.Tier, &breakdown,
		&e.TotalMicros, &e.RealizedCost, &e.Reserved, &e.Overrun, &e.PriceTableVersion, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan entry: %w", err)
	}

	if err := json.Unmarshal([]byte(usage), &e.Usage); err != nil {
		return nil, fmt.Errorf("failed to unmarshal usage: %w", err)
	}
	if err := json.Unmarshal([]byte(breakdown), &e.Breakdown); err != nil {
		return nil, fmt.Errorf("failed to unmarshal breakdown: %w", err)
	}
	e.CreatedAt = fromNanos(created)
	return &e, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

var _ ledger.Store = (*SQLiteStore)(nil)
