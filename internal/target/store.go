// Package target writes migrated records into the redesigned PostgreSQL
// schema. Every destination table carries a legacy_<id> column holding the
// source primary key; upserts and lookups join on it, so it must have a
// unique constraint.
package target

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/johndauphine/legacy-migrate/internal/dialect"
	"github.com/johndauphine/legacy-migrate/internal/entity"
	"github.com/johndauphine/legacy-migrate/internal/stats"
)

var pg = dialect.GetDialect("postgres")

// Store manages a pool of PostgreSQL connections to the destination.
type Store struct {
	pool      *pgxpool.Pool
	schema    string
	hashField string
	maxConns  int
}

// Open connects to the destination and verifies the connection. hashField
// names the column holding stored fingerprints; empty disables it.
func Open(ctx context.Context, dsn, schema, hashField string, maxConns int) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}

	poolCfg.MaxConns = int32(maxConns)
	poolCfg.MinConns = int32(maxConns / 4)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Store{pool: pool, schema: schema, hashField: hashField, maxConns: maxConns}, nil
}

// Close closes all connections in the pool
func (s *Store) Close() {
	s.pool.Close()
}

// Ping tests the connection to the database
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Stats returns current connection pool statistics
func (s *Store) Stats() stats.PoolStats {
	st := s.pool.Stat()
	return stats.PoolStats{
		DBType:      "postgres",
		MaxConns:    int(st.MaxConns()),
		ActiveConns: int(st.AcquiredConns()),
		IdleConns:   int(st.IdleConns()),
		WaitCount:   st.EmptyAcquireCount(),
		WaitTimeMs:  st.AcquireDuration().Milliseconds(),
	}
}

func (s *Store) table(m entity.Mapping) string {
	return pg.QualifyTable(s.schema, m.DestinationTable)
}

// LegacyColumn is the sanitized destination column holding the source id.
func LegacyColumn(m entity.Mapping) string {
	return dialect.SanitizePGIdentifier(m.LegacyColumn())
}

// Lookup returns what the destination holds for the given legacy ids.
func (s *Store) Lookup(ctx context.Context, m entity.Mapping, ids []string) (map[string]entity.DestRecord, error) {
	rows, err := s.pool.Query(ctx, buildLookupQuery(s.schema, s.hashField, m), ids)
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", m.DestinationTable, err)
	}
	defer rows.Close()

	out := make(map[string]entity.DestRecord, len(ids))
	for rows.Next() {
		var (
			rec  entity.DestRecord
			ts   *time.Time
			hash *string
		)
		if err := rows.Scan(&rec.LegacyID, &ts, &hash); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", m.DestinationTable, err)
		}
		rec.Timestamp = ts
		if hash != nil {
			rec.Fingerprint = *hash
		}
		out[rec.LegacyID] = rec
	}
	return out, rows.Err()
}

// LegacyIDs lists the legacy ids whose destination timestamp is at or after
// since. A zero since lists every row.
func (s *Store) LegacyIDs(ctx context.Context, m entity.Mapping, since time.Time) ([]string, error) {
	q := fmt.Sprintf("SELECT %s::text FROM %s", pg.QuoteIdentifier(LegacyColumn(m)), s.table(m))
	var args []any
	if !since.IsZero() {
		q += fmt.Sprintf(" WHERE %s >= $1", pg.QuoteIdentifier(dialect.SanitizePGIdentifier(m.TimestampField)))
		args = append(args, since)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing %s legacy ids: %w", m.DestinationTable, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing %s legacy ids: %w", m.DestinationTable, err)
	}
	return ids, nil
}

// Upsert writes records in one transaction, inserting new legacy ids and
// updating existing ones. fingerprints, keyed by record id, are stored in
// the hash column when it is enabled.
func (s *Store) Upsert(ctx context.Context, m entity.Mapping, recs []entity.Record, fingerprints map[string]string) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, rec := range recs {
		cols, vals := DestinationRow(m, rec)
		if s.hashField != "" {
			cols = append(cols, s.hashField)
			vals = append(vals, fingerprints[rec.ID])
		}
		batch.Queue(buildUpsertQuery(s.schema, m, cols), vals...)
	}

	br := tx.SendBatch(ctx, batch)
	var affected int64
	for range recs {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, fmt.Errorf("upserting into %s: %w", m.DestinationTable, err)
		}
		affected += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("upserting into %s: %w", m.DestinationTable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing %s: %w", m.DestinationTable, err)
	}
	return affected, nil
}

// Delete removes the rows joined to the given legacy ids.
func (s *Store) Delete(ctx context.Context, m entity.Mapping, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	q := fmt.Sprintf("DELETE FROM %s WHERE %s::text = ANY($1)", s.table(m), pg.QuoteIdentifier(LegacyColumn(m)))
	tag, err := s.pool.Exec(ctx, q, ids)
	if err != nil {
		return 0, fmt.Errorf("deleting from %s: %w", m.DestinationTable, err)
	}
	return tag.RowsAffected(), nil
}

// Fetch returns the destination rows for the given legacy ids, keyed by
// legacy id.
func (s *Store) Fetch(ctx context.Context, m entity.Mapping, ids []string) (map[string]map[string]any, error) {
	legacy := LegacyColumn(m)
	q := fmt.Sprintf("SELECT * FROM %s WHERE %s::text = ANY($1)", s.table(m), pg.QuoteIdentifier(legacy))
	rows, err := s.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", m.DestinationTable, err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", m.DestinationTable, err)
	}

	out := make(map[string]map[string]any, len(maps))
	for _, row := range maps {
		out[entity.FormatID(row[legacy])] = row
	}
	return out, nil
}

// DestinationRow maps a source record onto destination columns: the source
// id moves to the legacy column and every other field keeps its sanitized
// name. Columns come back sorted.
func DestinationRow(m entity.Mapping, rec entity.Record) ([]string, []any) {
	names := make([]string, 0, len(rec.Fields))
	byName := make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		if strings.EqualFold(k, m.IDField) {
			continue
		}
		name := dialect.SanitizePGIdentifier(k)
		names = append(names, name)
		byName[name] = v
	}
	sort.Strings(names)

	cols := append([]string{LegacyColumn(m)}, names...)
	vals := make([]any, 0, len(cols))
	vals = append(vals, rec.ID)
	for _, n := range names {
		vals = append(vals, byName[n])
	}
	return cols, vals
}

func buildLookupQuery(schema, hashField string, m entity.Mapping) string {
	legacy := pg.QuoteIdentifier(LegacyColumn(m))
	hash := "NULL::text"
	if hashField != "" {
		hash = pg.QuoteIdentifier(hashField) + "::text"
	}
	return fmt.Sprintf("SELECT %s::text, %s, %s FROM %s WHERE %s::text = ANY($1)",
		legacy, pg.QuoteIdentifier(dialect.SanitizePGIdentifier(m.TimestampField)), hash,
		pg.QualifyTable(schema, m.DestinationTable), legacy)
}

func buildUpsertQuery(schema string, m entity.Mapping, cols []string) string {
	legacy := pg.QuoteIdentifier(cols[0])
	sets := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		q := pg.QuoteIdentifier(c)
		sets = append(sets, q+" = EXCLUDED."+q)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s)",
		pg.QualifyTable(schema, m.DestinationTable), pg.ColumnList(cols), pg.Placeholders(1, len(cols)), legacy)
	if len(sets) == 0 {
		return q + " DO NOTHING"
	}
	return q + " DO UPDATE SET " + strings.Join(sets, ", ")
}
