// Package source reads legacy rows through database/sql. SQL Server,
// PostgreSQL and MySQL sources are supported.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/johndauphine/legacy-migrate/internal/dialect"
	"github.com/johndauphine/legacy-migrate/internal/entity"
	"github.com/johndauphine/legacy-migrate/internal/stats"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
)

// maxInList keeps IN lists under the SQL Server 2100 parameter limit.
const maxInList = 1000

// Window bounds a change scan on the timestamp field. A nil Until leaves
// the window open ended; Limit > 0 caps the rows examined.
type Window struct {
	Since time.Time
	Until *time.Time
	Limit int
}

// Store reads rows from the legacy database.
type Store struct {
	db       *sql.DB
	dialect  dialect.Dialect
	schema   string
	maxConns int
}

func driverName(dbType string) (string, error) {
	switch dbType {
	case "mssql":
		return "sqlserver", nil
	case "postgres":
		return "postgres", nil
	case "mysql":
		return "mysql", nil
	default:
		return "", fmt.Errorf("unsupported source type: %s", dbType)
	}
}

// Open connects to the legacy database and verifies the connection.
func Open(ctx context.Context, dbType, dsn, schema string, maxConns int) (*Store, error) {
	name, err := driverName(dbType)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(max(maxConns/4, 1))
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return NewStore(db, dialect.GetDialect(dbType), schema, maxConns), nil
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB, d dialect.Dialect, schema string, maxConns int) *Store {
	return &Store{db: db, dialect: d, schema: schema, maxConns: maxConns}
}

// Close closes all connections in the pool
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping tests the connection to the database
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DBType returns the database type
func (s *Store) DBType() string {
	return s.dialect.DBType()
}

// Stats returns current connection pool statistics
func (s *Store) Stats() stats.PoolStats {
	st := s.db.Stats()
	return stats.PoolStats{
		DBType:      s.dialect.DBType(),
		MaxConns:    st.MaxOpenConnections,
		ActiveConns: st.InUse,
		IdleConns:   st.Idle,
		WaitCount:   st.WaitCount,
		WaitTimeMs:  st.WaitDuration.Milliseconds(),
	}
}

// Count returns the row count of the entity's source table.
func (s *Store) Count(ctx context.Context, m entity.Mapping) (int64, error) {
	var n int64
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s", s.dialect.QualifyTable(s.schema, m.SourceTable))
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", m.SourceTable, err)
	}
	return n, nil
}

// ScanChanged returns the rows whose timestamp falls inside w, ordered by
// timestamp then id.
func (s *Store) ScanChanged(ctx context.Context, m entity.Mapping, w Window) ([]entity.Record, error) {
	q, args := buildScanQuery(s.dialect, s.schema, m, w)
	return s.query(ctx, m, q, args...)
}

// FetchByIDs returns the rows with the given ids. Missing ids are absent
// from the result.
func (s *Store) FetchByIDs(ctx context.Context, m entity.Mapping, ids []string) ([]entity.Record, error) {
	var out []entity.Record
	for _, chunk := range chunkIDs(ids, maxInList) {
		q := buildFetchQuery(s.dialect, s.schema, m, len(chunk))
		recs, err := s.query(ctx, m, q, toArgs(chunk)...)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// ExistingIDs reports which of ids still exist in the source table.
func (s *Store) ExistingIDs(ctx context.Context, m entity.Mapping, ids []string) (map[string]bool, error) {
	found := make(map[string]bool, len(ids))
	idCol := s.dialect.QuoteIdentifier(m.IDField)
	for _, chunk := range chunkIDs(ids, maxInList) {
		q := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
			idCol, s.dialect.QualifyTable(s.schema, m.SourceTable), idCol, s.dialect.Placeholders(1, len(chunk)))
		rows, err := s.db.QueryContext(ctx, q, toArgs(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("querying %s ids: %w", m.SourceTable, err)
		}
		for rows.Next() {
			var id any
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			found[entity.FormatID(id)] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return found, nil
}

func (s *Store) query(ctx context.Context, m entity.Mapping, q string, args ...any) ([]entity.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", m.SourceTable, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []entity.Record
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", m.SourceTable, err)
		}
		out = append(out, toRecord(m, cols, vals))
	}
	return out, rows.Err()
}

func toRecord(m entity.Mapping, cols []string, vals []any) entity.Record {
	rec := entity.Record{Fields: make(map[string]any, len(cols))}
	for i, c := range cols {
		v := vals[i]
		if b, ok := v.([]byte); ok {
			// drivers reuse the buffer
			v = string(b)
		}
		rec.Fields[c] = v
		switch {
		case strings.EqualFold(c, m.IDField):
			rec.ID = entity.FormatID(v)
		case strings.EqualFold(c, m.TimestampField):
			if ts, ok := v.(time.Time); ok {
				rec.Timestamp = ts
			}
		}
	}
	return rec
}

func selectColumns(d dialect.Dialect, m entity.Mapping) string {
	if len(m.Columns) == 0 {
		return "*"
	}
	cols := []string{m.IDField}
	if m.TimestampField != "" {
		cols = append(cols, m.TimestampField)
	}
	for _, c := range m.Columns {
		if !strings.EqualFold(c, m.IDField) && !strings.EqualFold(c, m.TimestampField) {
			cols = append(cols, c)
		}
	}
	return d.ColumnList(cols)
}

func buildScanQuery(d dialect.Dialect, schema string, m entity.Mapping, w Window) (string, []any) {
	ts := d.QuoteIdentifier(m.TimestampField)
	args := []any{w.Since}
	where := fmt.Sprintf("%s >= %s", ts, d.ParameterPlaceholder(1))
	if w.Until != nil {
		args = append(args, *w.Until)
		where += fmt.Sprintf(" AND %s < %s", ts, d.ParameterPlaceholder(2))
	}

	q := fmt.Sprintf("SELECT %s%s FROM %s WHERE %s ORDER BY %s, %s%s",
		d.SelectTop(w.Limit), selectColumns(d, m), d.QualifyTable(schema, m.SourceTable),
		where, ts, d.QuoteIdentifier(m.IDField), d.LimitClause(w.Limit))
	return q, args
}

func buildFetchQuery(d dialect.Dialect, schema string, m entity.Mapping, n int) string {
	idCol := d.QuoteIdentifier(m.IDField)
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s) ORDER BY %s",
		selectColumns(d, m), d.QualifyTable(schema, m.SourceTable), idCol, d.Placeholders(1, n), idCol)
}

func chunkIDs(ids []string, size int) [][]string {
	var chunks [][]string
	for len(ids) > size {
		chunks = append(chunks, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		chunks = append(chunks, ids)
	}
	return chunks
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
