package checkpoint

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so that stored timestamps sort as text.
const timeLayout = "2006-01-02 15:04:05.000000"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.ParseInLocation(timeLayout, s, time.UTC)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func configHash(config any) string {
	configJSON, _ := json.Marshal(config)
	hash := sha256.Sum256(configJSON)
	return hex.EncodeToString(hash[:8])
}

// State manages migration state in SQLite
type State struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new state manager in dataDir/migrate.db
func New(dataDir string) (*State, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "migrate.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// one writer keeps WAL commits ordered
	db.SetMaxOpenConns(1)

	s := &State{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return s, nil
}

func (s *State) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		phase TEXT NOT NULL DEFAULT 'initializing',
		error TEXT,
		config_hash TEXT,
		config TEXT,
		profile_name TEXT,
		config_path TEXT
	);

	CREATE TABLE IF NOT EXISTS entity_status (
		run_id TEXT NOT NULL REFERENCES runs(id),
		entity TEXT NOT NULL,
		dependency_order INTEGER NOT NULL DEFAULT 0,
		level INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		records_total INTEGER DEFAULT 0,
		records_processed INTEGER DEFAULT 0,
		records_failed INTEGER DEFAULT 0,
		started_at TEXT,
		completed_at TEXT,
		error TEXT,
		record_ids TEXT,
		PRIMARY KEY (run_id, entity)
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id),
		entity TEXT NOT NULL,
		last_processed_id TEXT,
		batch_position INTEGER NOT NULL,
		records_processed INTEGER NOT NULL,
		records_remaining INTEGER NOT NULL,
		data TEXT,
		created_at TEXT NOT NULL,
		resumable INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS migration_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		entity TEXT,
		record_id TEXT,
		operation TEXT,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT,
		action TEXT,
		reason TEXT,
		manual_steps TEXT,
		retry_count INTEGER DEFAULT 0,
		occurred_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		entity TEXT PRIMARY KEY,
		last_sync TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS control (
		run_id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		requested_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_entity ON checkpoints(run_id, entity, batch_position);
	CREATE INDEX IF NOT EXISTS idx_errors_run ON migration_errors(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *State) Close() error {
	return s.db.Close()
}

// CreateRun creates a new migration run
func (s *State) CreateRun(id string, config any, profileName, configPath string) error {
	configJSON, _ := json.Marshal(config)
	_, err := s.db.Exec(`
		INSERT INTO runs (id, started_at, status, phase, config_hash, config, profile_name, config_path)
		VALUES (?, ?, 'running', 'initializing', ?, ?, ?, ?)
	`, id, formatTime(s.now()), configHash(config), string(configJSON), profileName, configPath)
	return err
}

// CompleteRun marks a run as finished with a terminal status
func (s *State) CompleteRun(id string, status string, errorMsg string) error {
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, completed_at = ?, error = ?
		WHERE id = ?
	`, status, formatTime(s.now()), errorMsg, id)
	return requireRow(res, err, id)
}

// UpdateRunStatus changes a run's status without completing it
func (s *State) UpdateRunStatus(id string, status string) error {
	res, err := s.db.Exec(`UPDATE runs SET status = ? WHERE id = ?`, status, id)
	return requireRow(res, err, id)
}

// UpdatePhase records the run's current phase
func (s *State) UpdatePhase(runID, phase string) error {
	res, err := s.db.Exec(`UPDATE runs SET phase = ? WHERE id = ?`, phase, runID)
	return requireRow(res, err, runID)
}

func requireRow(res sql.Result, err error, runID string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

const runColumns = `id, started_at, completed_at, status, phase, COALESCE(error, ''), COALESCE(config_hash, ''), COALESCE(profile_name, ''), COALESCE(config_path, '')`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var startedAt string
	var completedAt sql.NullString
	if err := row.Scan(&r.ID, &startedAt, &completedAt, &r.Status, &r.Phase, &r.Error, &r.ConfigHash, &r.ProfileName, &r.ConfigPath); err != nil {
		return nil, err
	}
	r.StartedAt = parseTime(startedAt)
	r.CompletedAt = parseNullTime(completedAt)
	return &r, nil
}

// GetLastIncompleteRun returns the most recent run that did not complete
func (s *State) GetLastIncompleteRun() (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`
		SELECT ` + runColumns + `
		FROM runs WHERE status != 'completed'
		ORDER BY started_at DESC LIMIT 1
	`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// MarkRunAsResumed resets running entities to pending and the run to running
func (s *State) MarkRunAsResumed(runID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE entity_status SET status = 'pending', started_at = NULL
		WHERE run_id = ? AND status IN ('running', 'failed')
	`, runID); err != nil {
		return err
	}
	res, err := tx.Exec(`UPDATE runs SET status = 'running', completed_at = NULL, error = NULL WHERE id = ?`, runID)
	if err := requireRow(res, err, runID); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveEntityStatus upserts an entity's orchestration status
func (s *State) SaveEntityStatus(es EntityStatus) error {
	_, err := s.db.Exec(`
		INSERT INTO entity_status (run_id, entity, dependency_order, level, status, records_total,
			records_processed, records_failed, started_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, entity) DO UPDATE SET
			dependency_order = excluded.dependency_order,
			level = excluded.level,
			status = excluded.status,
			records_total = excluded.records_total,
			records_processed = excluded.records_processed,
			records_failed = excluded.records_failed,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error = excluded.error
	`, es.RunID, es.Entity, es.DependencyOrder, es.Level, es.Status, es.RecordsTotal,
		es.RecordsProcessed, es.RecordsFailed, nullTime(es.StartedAt), nullTime(es.CompletedAt), es.Error)
	return err
}

// GetEntityStatuses returns every entity of a run in dependency order
func (s *State) GetEntityStatuses(runID string) ([]EntityStatus, error) {
	rows, err := s.db.Query(`
		SELECT run_id, entity, dependency_order, level, status, records_total, records_processed,
			records_failed, started_at, completed_at, COALESCE(error, '')
		FROM entity_status WHERE run_id = ?
		ORDER BY dependency_order, entity
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EntityStatus
	for rows.Next() {
		var es EntityStatus
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(&es.RunID, &es.Entity, &es.DependencyOrder, &es.Level, &es.Status, &es.RecordsTotal,
			&es.RecordsProcessed, &es.RecordsFailed, &startedAt, &completedAt, &es.Error); err != nil {
			return nil, err
		}
		es.StartedAt = parseNullTime(startedAt)
		es.CompletedAt = parseNullTime(completedAt)
		out = append(out, es)
	}
	return out, rows.Err()
}

// SavePlan stores the ordered record ids an entity's task covers in this run
func (s *State) SavePlan(runID, entity string, recordIDs []string) error {
	idsJSON, err := json.Marshal(recordIDs)
	if err != nil {
		return fmt.Errorf("marshaling plan: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO entity_status (run_id, entity, record_ids, records_total)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, entity) DO UPDATE SET
			record_ids = excluded.record_ids,
			records_total = excluded.records_total
	`, runID, entity, string(idsJSON), len(recordIDs))
	return err
}

// GetPlan returns the stored record ids, or nil when no plan was saved
func (s *State) GetPlan(runID, entity string) ([]string, error) {
	var idsJSON sql.NullString
	err := s.db.QueryRow(`SELECT record_ids FROM entity_status WHERE run_id = ? AND entity = ?`, runID, entity).Scan(&idsJSON)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !idsJSON.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal([]byte(idsJSON.String), &ids); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	return ids, nil
}

// SaveCheckpoint stores a checkpoint, rejecting one that moves backwards
func (s *State) SaveCheckpoint(cp Checkpoint) error {
	prev, err := s.GetLatestCheckpoint(cp.RunID, cp.Entity)
	if err != nil {
		return err
	}
	if err := checkOrder(prev, cp); err != nil {
		return fmt.Errorf("%s/%s batch %d: %w", cp.RunID, cp.Entity, cp.BatchPosition, err)
	}

	dataJSON, err := json.Marshal(cp.Data)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint data: %w", err)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	_, err = s.db.Exec(`
		INSERT INTO checkpoints (id, run_id, entity, last_processed_id, batch_position, records_processed,
			records_remaining, data, created_at, resumable)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cp.ID, cp.RunID, cp.Entity, cp.LastProcessedID, cp.BatchPosition, cp.RecordsProcessed,
		cp.RecordsRemaining, string(dataJSON), formatTime(cp.CreatedAt), cp.Resumable)
	return err
}

const checkpointColumns = `id, run_id, entity, COALESCE(last_processed_id, ''), batch_position, records_processed,
	records_remaining, COALESCE(data, '{}'), created_at, resumable`

func scanCheckpoint(row scanner) (*Checkpoint, error) {
	var cp Checkpoint
	var dataJSON, createdAt string
	if err := row.Scan(&cp.ID, &cp.RunID, &cp.Entity, &cp.LastProcessedID, &cp.BatchPosition, &cp.RecordsProcessed,
		&cp.RecordsRemaining, &dataJSON, &createdAt, &cp.Resumable); err != nil {
		return nil, err
	}
	cp.CreatedAt = parseTime(createdAt)
	if err := json.Unmarshal([]byte(dataJSON), &cp.Data); err != nil {
		return nil, fmt.Errorf("parsing checkpoint data: %w", err)
	}
	return &cp, nil
}

// GetCheckpoint returns a checkpoint by id
func (s *State) GetCheckpoint(id string) (*Checkpoint, error) {
	cp, err := scanCheckpoint(s.db.QueryRow(`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
	}
	return cp, err
}

// GetLatestCheckpoint returns the highest-positioned checkpoint of an entity, or nil
func (s *State) GetLatestCheckpoint(runID, entity string) (*Checkpoint, error) {
	cp, err := scanCheckpoint(s.db.QueryRow(`
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE run_id = ? AND entity = ?
		ORDER BY batch_position DESC, records_processed DESC, created_at DESC LIMIT 1
	`, runID, entity))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cp, err
}

// ListCheckpoints returns all checkpoints of a run
func (s *State) ListCheckpoints(runID string) ([]Checkpoint, error) {
	rows, err := s.db.Query(`
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE run_id = ? ORDER BY entity, batch_position, created_at
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// RecordError appends a classified failure to the run's error log
func (s *State) RecordError(rec ErrorRecord) error {
	stepsJSON, _ := json.Marshal(rec.ManualSteps)
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = s.now()
	}
	_, err := s.db.Exec(`
		INSERT INTO migration_errors (run_id, entity, record_id, operation, type, severity, message, action,
			reason, manual_steps, retry_count, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.RunID, rec.Entity, rec.RecordID, rec.Operation, rec.Type, rec.Severity, rec.Message, rec.Action,
		rec.Reason, string(stepsJSON), rec.RetryCount, formatTime(rec.OccurredAt))
	return err
}

// GetErrors returns the error log of a run, oldest first
func (s *State) GetErrors(runID string) ([]ErrorRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, COALESCE(entity, ''), COALESCE(record_id, ''), COALESCE(operation, ''), type, severity,
			COALESCE(message, ''), COALESCE(action, ''), COALESCE(reason, ''), COALESCE(manual_steps, 'null'),
			retry_count, occurred_at
		FROM migration_errors WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ErrorRecord
	for rows.Next() {
		var rec ErrorRecord
		var stepsJSON, occurredAt string
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Entity, &rec.RecordID, &rec.Operation, &rec.Type, &rec.Severity,
			&rec.Message, &rec.Action, &rec.Reason, &stepsJSON, &rec.RetryCount, &occurredAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(stepsJSON), &rec.ManualSteps)
		rec.OccurredAt = parseTime(occurredAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetAllRuns returns the most recent runs for history
func (s *State) GetAllRuns() ([]Run, error) {
	rows, err := s.db.Query(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT 20`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// GetRunByID returns a run, or nil if it does not exist
func (s *State) GetRunByID(runID string) (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// GetLastSyncTimestamp returns the detection baseline for an entity, or nil
func (s *State) GetLastSyncTimestamp(entity string) (*time.Time, error) {
	var ts string
	err := s.db.QueryRow(`SELECT last_sync FROM sync_state WHERE entity = ?`, entity).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := parseTime(ts)
	return &t, nil
}

// UpdateSyncTimestamp stores the detection baseline for an entity
func (s *State) UpdateSyncTimestamp(entity string, ts time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_state (entity, last_sync) VALUES (?, ?)
		ON CONFLICT(entity) DO UPDATE SET last_sync = excluded.last_sync
	`, entity, formatTime(ts))
	return err
}

// RequestControl posts a pause or cancel request for a running run
func (s *State) RequestControl(runID, command string) error {
	_, err := s.db.Exec(`
		INSERT INTO control (run_id, command, requested_at) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET command = excluded.command, requested_at = excluded.requested_at
	`, runID, command, formatTime(s.now()))
	return err
}

// TakeControl returns and clears the pending request for a run
func (s *State) TakeControl(runID string) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var command string
	err = tx.QueryRow(`SELECT command FROM control WHERE run_id = ?`, runID).Scan(&command)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if _, err := tx.Exec(`DELETE FROM control WHERE run_id = ?`, runID); err != nil {
		return "", err
	}
	return command, tx.Commit()
}

// CleanupOldRuns removes completed runs finished more than retentionDays ago,
// together with their entities, checkpoints and errors. Incomplete runs are kept.
func (s *State) CleanupOldRuns(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := formatTime(s.now().AddDate(0, 0, -retentionDays))

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	old := `SELECT id FROM runs WHERE status = 'completed' AND completed_at IS NOT NULL AND completed_at < ?`
	for _, table := range []string{"checkpoints", "migration_errors", "entity_status", "control"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE run_id IN (`+old+`)`, cutoff); err != nil {
			return 0, fmt.Errorf("cleaning %s: %w", table, err)
		}
	}
	res, err := tx.Exec(`DELETE FROM runs WHERE id IN (`+old+`)`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}
