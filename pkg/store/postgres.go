package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/vigil-grc/vigil/pkg/contracts"
	"github.com/vigil-grc/vigil/pkg/matrix"

	_ "github.com/lib/pq"
)

// PostgresStore implements EntityStore on PostgreSQL. The schema mirrors the
// SQLite one: JSONB documents for vendors, risks, and matrices; real columns
// for tasks so the CAS update stays a single statement.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an opened database. It does not run migrations;
// apply Schema with your migration tooling.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects with the given DSN and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return NewPostgresStore(db), nil
}

// Schema is the DDL for the Postgres backend.
const Schema = `
CREATE TABLE IF NOT EXISTS vendors (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	doc JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vendors_tenant ON vendors(tenant_id);

CREATE TABLE IF NOT EXISTS risks (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	doc JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_risks_tenant ON risks(tenant_id);

CREATE TABLE IF NOT EXISTS matrices (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	is_default BOOLEAN NOT NULL DEFAULT FALSE,
	doc JSONB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_matrices_tenant_default
	ON matrices(tenant_id) WHERE is_default;

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	due_date TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	priority TEXT NOT NULL DEFAULT '',
	reminder_offsets JSONB,
	sent_offsets JSONB,
	last_escalated_at TIMESTAMPTZ,
	recurrence TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT '',
	completed_at TIMESTAMPTZ,
	completion_notes TEXT NOT NULL DEFAULT '',
	version BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_tenant_status ON tasks(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_entity_kind ON tasks(entity_id, kind);
CREATE UNIQUE INDEX IF NOT EXISTS uq_tasks_open_entity_kind
	ON tasks(tenant_id, entity_id, kind)
	WHERE status IN ('PENDING', 'IN_PROGRESS');
`

// Migrate applies the schema. Safe to run repeatedly.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

func (s *PostgresStore) PutVendor(ctx context.Context, v *contracts.Vendor) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal vendor: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vendors (id, tenant_id, doc) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id, doc = EXCLUDED.doc
	`, v.ID, v.TenantID, doc)
	return err
}

func (s *PostgresStore) GetVendor(ctx context.Context, tenantID, id string) (*contracts.Vendor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM vendors WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var v contracts.Vendor
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("store: corrupt vendor doc %s: %w", id, err)
	}
	return &v, nil
}

func (s *PostgresStore) ListVendors(ctx context.Context, tenantID string) ([]contracts.Vendor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM vendors WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Vendor
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var v contracts.Vendor
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, fmt.Errorf("store: corrupt vendor doc: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutRisk(ctx context.Context, r *contracts.Risk) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: marshal risk: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risks (id, tenant_id, doc) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id, doc = EXCLUDED.doc
	`, r.ID, r.TenantID, doc)
	return err
}

func (s *PostgresStore) GetRisk(ctx context.Context, tenantID, id string) (*contracts.Risk, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM risks WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var r contracts.Risk
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("store: corrupt risk doc %s: %w", id, err)
	}
	return &r, nil
}

func (s *PostgresStore) ListRisks(ctx context.Context, tenantID string) ([]contracts.Risk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM risks WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Risk
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var r contracts.Risk
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, fmt.Errorf("store: corrupt risk doc: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutMatrix(ctx context.Context, m *matrix.Matrix) error {
	if err := m.Validate(); err != nil {
		return err
	}
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("store: marshal matrix: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if m.Default {
		if _, err := tx.ExecContext(ctx, `
			UPDATE matrices SET is_default = FALSE,
				doc = jsonb_set(doc, '{default}', 'false')
			WHERE tenant_id = $1 AND id != $2 AND is_default
		`, m.TenantID, m.ID); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO matrices (id, tenant_id, is_default, doc) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id,
			is_default = EXCLUDED.is_default, doc = EXCLUDED.doc
	`, m.ID, m.TenantID, m.Default, doc); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) Matrix(ctx context.Context, id string) (*matrix.Matrix, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM matrices WHERE id = $1`, id)
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var m matrix.Matrix
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("store: corrupt matrix doc %s: %w", id, err)
	}
	return &m, nil
}

func (s *PostgresStore) DefaultMatrix(ctx context.Context, tenantID string) (*matrix.Matrix, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM matrices WHERE tenant_id = $1 AND is_default LIMIT 1`, tenantID)
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var m matrix.Matrix
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("store: corrupt matrix doc: %w", err)
	}
	return &m, nil
}

const pgTaskColumns = `id, tenant_id, entity_id, kind, title, due_date, status, priority,
	reminder_offsets, sent_offsets, last_escalated_at, recurrence, source,
	completed_at, completion_notes, version, created_at, updated_at`

func (s *PostgresStore) CreateTask(ctx context.Context, t *contracts.TaskInstance) error {
	reminders, sent, err := marshalOffsets(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+pgTaskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		t.ID, t.TenantID, t.EntityID, string(t.Kind), t.Title,
		t.DueDate.UTC(), string(t.Status), string(t.Priority),
		reminders, sent, t.LastEscalatedAt, string(t.Recurrence), t.Source,
		t.CompletedAt, t.CompletionNotes, t.Version,
		t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	)
	if err != nil {
		if dup := s.openDuplicate(ctx, t); dup != nil {
			return dup
		}
		return fmt.Errorf("store: insert task: %w", err)
	}
	return nil
}

// openDuplicate resolves a failed insert against the open-task unique
// index: when another open task already holds the (entity, kind) slot the
// insert failed on the constraint, not on a transport fault.
func (s *PostgresStore) openDuplicate(ctx context.Context, t *contracts.TaskInstance) error {
	if !t.Status.Open() {
		return nil
	}
	existing, err := s.ListTasksByEntity(ctx, t.TenantID, t.EntityID)
	if err != nil {
		return nil
	}
	for i := range existing {
		if existing[i].Kind == t.Kind && existing[i].Status.Open() {
			return &contracts.DuplicateOpenTaskError{
				EntityID: t.EntityID,
				Kind:     t.Kind,
				TaskIDs:  []string{existing[i].ID, t.ID},
			}
		}
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, tenantID, id string) (*contracts.TaskInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgTaskColumns+` FROM tasks WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	t, err := scanPGTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, tenantID string) ([]contracts.TaskInstance, error) {
	return s.listTasks(ctx,
		`SELECT `+pgTaskColumns+` FROM tasks WHERE tenant_id = $1 ORDER BY due_date`, tenantID)
}

func (s *PostgresStore) ListTasksByEntity(ctx context.Context, tenantID, entityID string) ([]contracts.TaskInstance, error) {
	return s.listTasks(ctx,
		`SELECT `+pgTaskColumns+` FROM tasks WHERE tenant_id = $1 AND entity_id = $2 ORDER BY due_date`,
		tenantID, entityID)
}

func (s *PostgresStore) ListOpenTasks(ctx context.Context, tenantID string) ([]contracts.TaskInstance, error) {
	return s.listTasks(ctx, `SELECT `+pgTaskColumns+` FROM tasks
		WHERE tenant_id = $1 AND status IN ('PENDING', 'IN_PROGRESS') ORDER BY due_date`, tenantID)
}

func (s *PostgresStore) listTasks(ctx context.Context, query string, args ...any) ([]contracts.TaskInstance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.TaskInstance
	for rows.Next() {
		t, err := scanPGTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTaskCAS performs a single-statement compare-and-swap: the UPDATE
// matches the caller's version and increments it, so two concurrent sweeps
// can never both win.
func (s *PostgresStore) UpdateTaskCAS(ctx context.Context, t *contracts.TaskInstance) error {
	reminders, sent, err := marshalOffsets(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			title = $1, due_date = $2, status = $3, priority = $4,
			reminder_offsets = $5, sent_offsets = $6, last_escalated_at = $7,
			recurrence = $8, completed_at = $9, completion_notes = $10,
			version = version + 1, updated_at = $11
		WHERE id = $12 AND tenant_id = $13 AND version = $14
	`,
		t.Title, t.DueDate.UTC(), string(t.Status), string(t.Priority),
		reminders, sent, t.LastEscalatedAt,
		string(t.Recurrence), t.CompletedAt, t.CompletionNotes,
		t.UpdatedAt.UTC(),
		t.ID, t.TenantID, t.Version,
	)
	if err != nil {
		return fmt.Errorf("store: update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, getErr := s.GetTask(ctx, t.TenantID, t.ID); getErr != nil {
			return getErr
		}
		return &contracts.StaleWriteError{TaskID: t.ID, Version: t.Version}
	}
	return nil
}

func scanPGTask(row rowScanner) (*contracts.TaskInstance, error) {
	var (
		t                      contracts.TaskInstance
		kind, status, priority string
		recurrence             string
		reminders, sent        sql.NullString
		lastEscalated          sql.NullTime
		completedAt            sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.TenantID, &t.EntityID, &kind, &t.Title, &t.DueDate, &status, &priority,
		&reminders, &sent, &lastEscalated, &recurrence, &t.Source,
		&completedAt, &t.CompletionNotes, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Kind = contracts.RuleKind(kind)
	t.Status = contracts.TaskStatus(status)
	t.Priority = contracts.TaskPriority(priority)
	t.Recurrence = contracts.Recurrence(recurrence)
	if lastEscalated.Valid {
		at := lastEscalated.Time.UTC()
		t.LastEscalatedAt = &at
	}
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		t.CompletedAt = &at
	}

	if err := unmarshalOffsets(reminders, &t.ReminderOffsets); err != nil {
		return nil, fmt.Errorf("store: corrupt reminder_offsets for task %s: %w", t.ID, err)
	}
	if err := unmarshalOffsets(sent, &t.SentOffsets); err != nil {
		return nil, fmt.Errorf("store: corrupt sent_offsets for task %s: %w", t.ID, err)
	}
	return &t, nil
}
