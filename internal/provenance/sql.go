package provenance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/metrics"
)

const traceSchema = `
CREATE TABLE IF NOT EXISTS traces (
	id          TEXT PRIMARY KEY,
	agent_did   TEXT NOT NULL,
	agent_type  TEXT NOT NULL,
	action_type TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	ended_at    TIMESTAMP NOT NULL,
	payload     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_traces_agent_did ON traces (agent_did, started_at);
CREATE INDEX IF NOT EXISTS idx_traces_action_type ON traces (action_type, started_at);
CREATE INDEX IF NOT EXISTS idx_traces_started_at ON traces (started_at);
`

// SQLStore is a trace store over any database/sql driver sqlx supports; the
// engine ships with postgres and sqlite. The full trace is one JSON payload
// column; the indexed columns exist only to serve the query shapes.
type SQLStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSQLStore opens driverName/dsn and bootstraps the schema.
func NewSQLStore(driverName, dsn string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driverName, err)
	}
	s := &SQLStore{db: db, logger: logger}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStoreWithDB wraps an existing handle without bootstrapping the
// schema. Used by tests.
func NewSQLStoreWithDB(db *sqlx.DB, logger *zap.Logger) *SQLStore {
	return &SQLStore{db: db, logger: logger}
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(traceSchema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap trace schema: %w", err)
		}
	}
	return nil
}

// Store appends a trace; a primary-key conflict maps to ErrDuplicateTrace.
func (s *SQLStore) Store(ctx context.Context, trace *Trace) error {
	if trace == nil || trace.ID == "" {
		return fmt.Errorf("trace must carry an id")
	}
	payload, err := json.Marshal(trace)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}

	query := s.db.Rebind(`
		INSERT INTO traces (id, agent_did, agent_type, action_type, started_at, ended_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		trace.ID,
		trace.WasAssociatedWith.AgentDID,
		trace.WasAssociatedWith.AgentType,
		trace.ActionType(),
		trace.StartedAt,
		trace.EndedAt,
		string(payload),
	)
	if err != nil {
		if isUniqueViolation(err) {
			metrics.TraceStoreRejections.Inc()
			return fmt.Errorf("store trace %s: %w", trace.ID, ErrDuplicateTrace)
		}
		return fmt.Errorf("store trace %s: %w", trace.ID, err)
	}
	metrics.TracesStored.Inc()
	return nil
}

// Query returns traces matching q ordered by descending started_at.
func (s *SQLStore) Query(ctx context.Context, q Query) ([]*Trace, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.AgentDID != "" {
		where = append(where, "agent_did = ?")
		args = append(args, q.AgentDID)
	}
	if q.ActionType != "" {
		where = append(where, "action_type = ?")
		args = append(args, q.ActionType)
	}
	if !q.FromTime.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, q.FromTime)
	}
	if !q.ToTime.IsZero() {
		where = append(where, "started_at <= ?")
		args = append(args, q.ToTime)
	}

	query := "SELECT payload FROM traces"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	var out []*Trace
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		var t Trace
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, fmt.Errorf("unmarshal trace: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// GetByID fetches one trace.
func (s *SQLStore) GetByID(ctx context.Context, id string) (*Trace, error) {
	var payload string
	query := s.db.Rebind("SELECT payload FROM traces WHERE id = ?")
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("trace %s: %w", id, ErrTraceNotFound)
		}
		return nil, fmt.Errorf("get trace %s: %w", id, err)
	}
	var t Trace
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return nil, fmt.Errorf("unmarshal trace %s: %w", id, err)
	}
	return &t, nil
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation recognizes primary-key conflicts across the shipped
// drivers (lib/pq code 23505, sqlite "UNIQUE constraint failed").
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
