package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"cynsta/spendguard/pkg/evidence"
)

const backendSQLite = "sqlite"

// SQLiteConfig configures the SQLite evidence backend.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// MaxOpenConns bounds the connection pool.
	// Default: 10
	MaxOpenConns int

	// MaxIdleConns bounds idle connections.
	// Default: 5
	MaxIdleConns int

	// BusyTimeout is how long a statement waits on a locked database.
	// Default: 5s
	BusyTimeout time.Duration
}

// SQLiteStorage stores evidence in a SQLite database in WAL mode.
type SQLiteStorage struct {
	db     *sql.DB
	config SQLiteConfig
	logger *slog.Logger
}

// NewSQLiteStorage opens (creating if needed) the database at config.Path
// and applies the schema.
func NewSQLiteStorage(config *SQLiteConfig) (*SQLiteStorage, error) {
	if config == nil || config.Path == "" {
		return nil, evidence.NewStorageError(backendSQLite, "open", errors.New("path is required"))
	}
	cfg := *config
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, evidence.NewStorageError(backendSQLite, "open", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, evidence.NewStorageError(backendSQLite, "open", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	s := &SQLiteStorage{
		db:     db,
		config: cfg,
		logger: slog.Default().With("component", "evidence.storage.sqlite"),
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("Evidence storage opened",
		"path", cfg.Path,
		"max_open_conns", cfg.MaxOpenConns,
	)
	return s, nil
}

func (s *SQLiteStorage) initialize() error {
	if _, err := s.db.Exec(Schema); err != nil {
		return evidence.NewStorageError(backendSQLite, "create_schema", err)
	}
	if _, err := s.db.Exec(InsertSchemaVersion, SchemaVersion); err != nil {
		return evidence.NewStorageError(backendSQLite, "insert_schema_version", err)
	}

	var version int
	err := s.db.QueryRow(GetSchemaVersion).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return evidence.NewStorageError(backendSQLite, "get_schema_version", err)
	}
	if version != SchemaVersion {
		return evidence.NewStorageError(backendSQLite, "schema_version",
			fmt.Errorf("expected schema version %d, got %d", SchemaVersion, version))
	}
	return nil
}

const columns = `id, kind, run_id, agent_id, provider, model, tier, price_table_version,
	usage, breakdown, total_micros, realized_cost, reserved, overrun, reason, entry_hash,
	occurred_at, recorded_time`

// Store inserts a record.
func (s *SQLiteStorage) Store(ctx context.Context, record *evidence.Record) error {
	usage, err := json.Marshal(record.Usage)
	if err != nil {
		return evidence.NewStorageError(backendSQLite, "store", err)
	}
	var breakdown sql.NullString
	if len(record.Breakdown) > 0 {
		data, err := json.Marshal(record.Breakdown)
		if err != nil {
			return evidence.NewStorageError(backendSQLite, "store", err)
		}
		breakdown = sql.NullString{String: string(data), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evidence (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, string(record.Kind), record.RunID, record.AgentID, record.Provider, record.Model,
		nullString(record.Tier), nullString(record.PriceTableVersion),
		string(usage), breakdown,
		record.TotalMicros, record.RealizedCost, record.Reserved, record.Overrun,
		nullString(record.Reason), nullString(record.EntryHash),
		record.OccurredAt.UnixNano(), record.RecordedTime.UnixNano(),
	)
	if err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return evidence.NewStorageError(backendSQLite, "store",
				fmt.Errorf("%w: %s", evidence.ErrDuplicateRecord, record.ID))
		}
		return evidence.NewStorageError(backendSQLite, "store", err)
	}
	return nil
}

// Query returns matching records, newest first unless the query says
// otherwise.
func (s *SQLiteStorage) Query(ctx context.Context, query *evidence.Query) ([]*evidence.Record, error) {
	sqlQuery, args := s.selectQuery(query)
	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, evidence.NewStorageError(backendSQLite, "query", err)
	}
	defer rows.Close()

	records := []*evidence.Record{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, evidence.NewStorageError(backendSQLite, "scan", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, evidence.NewStorageError(backendSQLite, "query", err)
	}
	return records, nil
}

// QueryStream streams matching records without loading them all.
func (s *SQLiteStorage) QueryStream(ctx context.Context, query *evidence.Query) (<-chan *evidence.Record, <-chan error, error) {
	sqlQuery, args := s.selectQuery(query)
	recordsCh := make(chan *evidence.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(recordsCh)
		defer close(errCh)

		rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
		if err != nil {
			errCh <- evidence.NewStorageError(backendSQLite, "query_stream", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			record, err := scanRecord(rows)
			if err != nil {
				errCh <- evidence.NewStorageError(backendSQLite, "scan", err)
				return
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case recordsCh <- record:
			}
		}
		if err := rows.Err(); err != nil {
			errCh <- evidence.NewStorageError(backendSQLite, "query_stream", err)
		}
	}()

	return recordsCh, errCh, nil
}

// Count returns the number of matching records.
func (s *SQLiteStorage) Count(ctx context.Context, query *evidence.Query) (int64, error) {
	where, args := buildWhere(query)
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM evidence"+where, args...).Scan(&count); err != nil {
		return 0, evidence.NewStorageError(backendSQLite, "count", err)
	}
	return count, nil
}

// Delete removes matching records.
func (s *SQLiteStorage) Delete(ctx context.Context, query *evidence.Query) (int64, error) {
	where, args := buildWhere(query)
	result, err := s.db.ExecContext(ctx, "DELETE FROM evidence"+where, args...)
	if err != nil {
		return 0, evidence.NewStorageError(backendSQLite, "delete", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, evidence.NewStorageError(backendSQLite, "delete", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	if err := s.db.Close(); err != nil {
		return evidence.NewStorageError(backendSQLite, "close", err)
	}
	s.logger.Info("Evidence storage closed")
	return nil
}

var sortColumns = map[string]string{
	"occurred_at":   "occurred_at",
	"recorded_time": "recorded_time",
	"realized_cost": "realized_cost",
	"overrun":       "overrun",
}

func (s *SQLiteStorage) selectQuery(query *evidence.Query) (string, []any) {
	where, args := buildWhere(query)

	sortBy, order := "occurred_at", "DESC"
	limit, offset := 0, 0
	if query != nil {
		if col, ok := sortColumns[query.SortBy]; ok {
			sortBy = col
		}
		if strings.EqualFold(query.SortOrder, "asc") {
			order = "ASC"
		}
		limit, offset = query.Limit, query.Offset
	}

	q := "SELECT " + columns + " FROM evidence" + where +
		fmt.Sprintf(" ORDER BY %s %s, id %s", sortBy, order, order)
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
		if offset > 0 {
			q += fmt.Sprintf(" OFFSET %d", offset)
		}
	} else if offset > 0 {
		q += fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	}
	return q, args
}

// buildWhere returns " WHERE ..." (or "") and its arguments.
func buildWhere(query *evidence.Query) (string, []any) {
	if query == nil {
		return "", nil
	}

	var conds []string
	var args []any
	add := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}

	if query.StartTime != nil {
		add("occurred_at >= ?", query.StartTime.UnixNano())
	}
	if query.EndTime != nil {
		add("occurred_at <= ?", query.EndTime.UnixNano())
	}
	if query.AgentID != "" {
		add("agent_id = ?", query.AgentID)
	}
	if query.RunID != "" {
		add("run_id = ?", query.RunID)
	}
	if query.Provider != "" {
		add("provider = ?", query.Provider)
	}
	if query.Model != "" {
		add("model = ?", query.Model)
	}
	if query.Kind != "" {
		add("kind = ?", string(query.Kind))
	}
	if query.MinCost != nil {
		add("realized_cost >= ?", *query.MinCost)
	}
	if query.MaxCost != nil {
		add("realized_cost <= ?", *query.MaxCost)
	}
	if query.OverrunOnly {
		conds = append(conds, "overrun > 0")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*evidence.Record, error) {
	var (
		r                                      evidence.Record
		kind, usage                            string
		tier, version, breakdown, reason, hash sql.NullString
		occurred, recorded                     int64
	)
	err := row.Scan(
		&r.ID, &kind, &r.RunID, &r.AgentID, &r.Provider, &r.Model, &tier, &version,
		&usage, &breakdown, &r.TotalMicros, &r.RealizedCost, &r.Reserved, &r.Overrun,
		&reason, &hash, &occurred, &recorded,
	)
	if err != nil {
		return nil, err
	}

	r.Kind = evidence.Kind(kind)
	r.Tier = tier.String
	r.PriceTableVersion = version.String
	r.Reason = reason.String
	r.EntryHash = hash.String
	r.OccurredAt = time.Unix(0, occurred).UTC()
	r.RecordedTime = time.Unix(0, recorded).UTC()

	if err := json.Unmarshal([]byte(usage), &r.Usage); err != nil {
		return nil, fmt.Errorf("decode usage: %w", err)
	}
	if breakdown.Valid && breakdown.String != "" {
		if err := json.Unmarshal([]byte(breakdown.String), &r.Breakdown); err != nil {
			return nil, fmt.Errorf("decode breakdown: %w", err)
		}
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
