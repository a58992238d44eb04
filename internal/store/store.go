// Ironclad is a bare-metal provisioning orchestrator.
// Copyright (C) 2025 Ironclad Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides a SQLite-backed persistence layer for the
// provisioning orchestrator: machine records, workflow snapshots, and
// their event trails, plus schema migrations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mattcburns-labs/ironclad/pkg/models"
)

const (
	defaultBusyTimeout = 5 * time.Second

	schemaVersionKey = "schema_version"
)

// ErrNotFound indicates no rows matched the query.
var ErrNotFound = errors.New("not found")

// Store wraps a SQLite database connection and provides typed accessors
// for machines, workflows, and workflow events.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction. If fn returns an error, the
// transaction is rolled back; otherwise it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false, Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}
	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return err
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
	}

	const target = 1
	if cur > target {
		return fmt.Errorf("schema version %d is newer than this binary supports (%d)", cur, target)
	}
	// Future migrations go here.
	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS settings (key TEXT PRIMARY KEY, value TEXT NOT NULL);`
	_, err := s.db.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("create settings table: %w", err)
	}
	return nil
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	v, err := s.GetSetting(ctx, schemaVersionKey)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", v, err)
	}
	return n, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	return s.SetSetting(ctx, schemaVersionKey, fmt.Sprintf("%d", v))
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS machines (
			machine_id TEXT PRIMARY KEY,
			device_type TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			ipmi_ip TEXT NOT NULL DEFAULT '',
			vendor TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK (status IN ('discovered','commissioning','bios_pending','firmware_pending','ready','failed')),
			last_workflow_id TEXT NOT NULL DEFAULT '',
			rack_location TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			machine_id TEXT NOT NULL REFERENCES machines(machine_id),
			kind TEXT NOT NULL CHECK (kind IN ('commission','bios_only','firmware_first','ipmi_only')),
			steps_json TEXT NOT NULL,
			current_step_index INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL CHECK (state IN ('pending','running','cancelling','succeeded','failed','cancelled')),
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			context_json TEXT NOT NULL DEFAULT '{}',
			error_json TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_machine ON workflows(machine_id);`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_state ON workflows(state);`,
		`CREATE TABLE IF NOT EXISTS workflow_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			time DATETIME NOT NULL,
			level TEXT NOT NULL CHECK (level IN ('info','warn','error')),
			message TEXT NOT NULL,
			step TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_events_workflow_time ON workflow_events(workflow_id, time);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate v1: %w", err)
		}
	}
	return nil
}

// SetSetting upserts a key/value pair in the settings table.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const upsert = `INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// GetSetting reads a value from the settings table, returning ErrNotFound
// if key is absent.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var v string
	err := s.db.QueryRowContext(ctx, q, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return v, nil
}

// --------------- Machines ---------------

// UpsertMachine inserts or updates a MachineRecord keyed by MachineID.
func (s *Store) UpsertMachine(ctx context.Context, m models.MachineRecord) error {
	const upsert = `
INSERT INTO machines (machine_id, device_type, ip_address, ipmi_ip, vendor, status, last_workflow_id, rack_location, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(machine_id) DO UPDATE SET
  device_type=excluded.device_type,
  ip_address=excluded.ip_address,
  ipmi_ip=excluded.ipmi_ip,
  vendor=excluded.vendor,
  status=excluded.status,
  last_workflow_id=excluded.last_workflow_id,
  rack_location=excluded.rack_location,
  updated_at=excluded.updated_at;`

	now := time.Now().UTC()
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.db.ExecContext(ctx, upsert,
		m.MachineID, m.DeviceType, m.IPAddress, m.IPMIAddress, m.Vendor, string(m.Status),
		m.LastWorkflowID, m.RackLocation, createdAt.UTC(), now)
	if err != nil {
		return fmt.Errorf("upsert machine: %w", err)
	}
	return nil
}

// GetMachine retrieves a MachineRecord by ID.
func (s *Store) GetMachine(ctx context.Context, machineID string) (models.MachineRecord, error) {
	const q = `SELECT machine_id, device_type, ip_address, ipmi_ip, vendor, status, last_workflow_id, rack_location, created_at, updated_at
FROM machines WHERE machine_id=?`
	var m models.MachineRecord
	var status string
	err := s.db.QueryRowContext(ctx, q, machineID).Scan(
		&m.MachineID, &m.DeviceType, &m.IPAddress, &m.IPMIAddress, &m.Vendor, &status,
		&m.LastWorkflowID, &m.RackLocation, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MachineRecord{}, ErrNotFound
	}
	if err != nil {
		return models.MachineRecord{}, fmt.Errorf("get machine: %w", err)
	}
	m.Status = models.MachineStatus(status)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

// ListMachinesByStatus returns machines matching status, ordered by
// machine_id for deterministic output.
func (s *Store) ListMachinesByStatus(ctx context.Context, status models.MachineStatus) ([]models.MachineRecord, error) {
	const q = `SELECT machine_id, device_type, ip_address, ipmi_ip, vendor, status, last_workflow_id, rack_location, created_at, updated_at
FROM machines WHERE status=? ORDER BY machine_id ASC`
	rows, err := s.db.QueryContext(ctx, q, string(status))
	if err != nil {
		return nil, fmt.Errorf("list machines by status: %w", err)
	}
	defer rows.Close()

	var out []models.MachineRecord
	for rows.Next() {
		var m models.MachineRecord
		var st string
		if err := rows.Scan(&m.MachineID, &m.DeviceType, &m.IPAddress, &m.IPMIAddress, &m.Vendor, &st,
			&m.LastWorkflowID, &m.RackLocation, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		m.Status = models.MachineStatus(st)
		m.CreatedAt = m.CreatedAt.UTC()
		m.UpdatedAt = m.UpdatedAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate machines: %w", err)
	}
	return out, nil
}

// --------------- Workflows ---------------

// InsertWorkflow inserts a new Workflow snapshot. The caller must set
// Workflow.ID.
func (s *Store) InsertWorkflow(ctx context.Context, wf models.Workflow) error {
	stepsJSON, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	ctxJSON, err := json.Marshal(wf.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	var errJSON any
	if wf.Error != nil {
		b, err := json.Marshal(wf.Error)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		errJSON = string(b)
	}
	var endedAt any
	if wf.EndedAt != nil {
		endedAt = wf.EndedAt.UTC()
	}

	const ins = `
INSERT INTO workflows (id, machine_id, kind, steps_json, current_step_index, state, started_at, ended_at, context_json, error_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
	_, err = s.db.ExecContext(ctx, ins,
		wf.ID, wf.MachineID, string(wf.Kind), string(stepsJSON), wf.CurrentStepIndex, string(wf.State),
		wf.StartedAt.UTC(), endedAt, string(ctxJSON), errJSON)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// SaveWorkflow overwrites a Workflow's mutable columns with a fresh
// snapshot. Called after every step transition.
func (s *Store) SaveWorkflow(ctx context.Context, wf models.Workflow) error {
	stepsJSON, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	ctxJSON, err := json.Marshal(wf.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	var errJSON any
	if wf.Error != nil {
		b, err := json.Marshal(wf.Error)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		errJSON = string(b)
	}
	var endedAt any
	if wf.EndedAt != nil {
		endedAt = wf.EndedAt.UTC()
	}

	const upd = `
UPDATE workflows SET steps_json=?, current_step_index=?, state=?, ended_at=?, context_json=?, error_json=?
WHERE id=?;`
	res, err := s.db.ExecContext(ctx, upd, string(stepsJSON), wf.CurrentStepIndex, string(wf.State), endedAt, string(ctxJSON), errJSON, wf.ID)
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetWorkflow retrieves a Workflow snapshot by ID.
func (s *Store) GetWorkflow(ctx context.Context, id string) (models.Workflow, error) {
	const q = `SELECT id, machine_id, kind, steps_json, current_step_index, state, started_at, ended_at, context_json, error_json
FROM workflows WHERE id=?`
	return s.scanWorkflow(s.db.QueryRowContext(ctx, q, id))
}

// ListRunningWorkflows returns every workflow in the Running or
// Cancelling state, for reconciling after a restart.
func (s *Store) ListRunningWorkflows(ctx context.Context) ([]models.Workflow, error) {
	const q = `SELECT id, machine_id, kind, steps_json, current_step_index, state, started_at, ended_at, context_json, error_json
FROM workflows WHERE state IN ('running','cancelling') ORDER BY started_at ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list running workflows: %w", err)
	}
	defer rows.Close()

	var out []models.Workflow
	for rows.Next() {
		wf, err := s.scanWorkflowRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanWorkflow(row rowScanner) (models.Workflow, error) {
	wf, err := s.scanWorkflowRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Workflow{}, ErrNotFound
	}
	return wf, err
}

func (s *Store) scanWorkflowRow(row rowScanner) (models.Workflow, error) {
	var (
		id, machineID, kind, stepsJSON, state, ctxJSON string
		currentStepIndex                               int
		startedAt                                       time.Time
		endedAt                                         sql.NullTime
		errJSON                                         sql.NullString
	)
	if err := row.Scan(&id, &machineID, &kind, &stepsJSON, &currentStepIndex, &state, &startedAt, &endedAt, &ctxJSON, &errJSON); err != nil {
		return models.Workflow{}, fmt.Errorf("scan workflow: %w", err)
	}

	var steps []models.Step
	if err := json.Unmarshal([]byte(stepsJSON), &steps); err != nil {
		return models.Workflow{}, fmt.Errorf("unmarshal steps: %w", err)
	}
	var wfCtx models.WorkflowContext
	if err := json.Unmarshal([]byte(ctxJSON), &wfCtx); err != nil {
		return models.Workflow{}, fmt.Errorf("unmarshal context: %w", err)
	}
	var stepErr *models.StepError
	if errJSON.Valid {
		stepErr = &models.StepError{}
		if err := json.Unmarshal([]byte(errJSON.String), stepErr); err != nil {
			return models.Workflow{}, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	var ended *time.Time
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		ended = &t
	}

	return models.Workflow{
		ID:               id,
		MachineID:        machineID,
		Kind:             models.WorkflowKind(kind),
		Steps:            steps,
		CurrentStepIndex: currentStepIndex,
		State:            models.WorkflowState(state),
		StartedAt:        startedAt.UTC(),
		EndedAt:          ended,
		Context:          &wfCtx,
		Error:            stepErr,
	}, nil
}

// --------------- Workflow events ---------------

// WorkflowEvent is one entry in a workflow's progress trail.
type WorkflowEvent struct {
	ID         int64
	WorkflowID string
	Time       time.Time
	Level      string
	Message    string
	Step       *string
}

// AppendWorkflowEvent inserts a new event row for a workflow.
func (s *Store) AppendWorkflowEvent(ctx context.Context, ev WorkflowEvent) error {
	const ins = `INSERT INTO workflow_events(workflow_id, time, level, message, step) VALUES(?, ?, ?, ?, ?)`
	var step any
	if ev.Step != nil {
		step = *ev.Step
	}
	_, err := s.db.ExecContext(ctx, ins, ev.WorkflowID, ev.Time.UTC(), ev.Level, ev.Message, step)
	if err != nil {
		return fmt.Errorf("insert workflow event: %w", err)
	}
	return nil
}

// ListWorkflowEvents fetches events for a workflow ordered by time
// ascending. If limit <= 0, returns all.
func (s *Store) ListWorkflowEvents(ctx context.Context, workflowID string, limit int) ([]WorkflowEvent, error) {
	q := `SELECT id, workflow_id, time, level, message, step FROM workflow_events WHERE workflow_id=? ORDER BY time ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q, workflowID)
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	defer rows.Close()

	var out []WorkflowEvent
	for rows.Next() {
		var ev WorkflowEvent
		var step sql.NullString
		if err := rows.Scan(&ev.ID, &ev.WorkflowID, &ev.Time, &ev.Level, &ev.Message, &step); err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		ev.Time = ev.Time.UTC()
		if step.Valid {
			v := step.String
			ev.Step = &v
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow events: %w", err)
	}
	return out, nil
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}
