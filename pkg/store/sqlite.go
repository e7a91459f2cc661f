package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vigil-grc/vigil/pkg/contracts"
	"github.com/vigil-grc/vigil/pkg/matrix"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements EntityStore on an embedded SQLite database.
// Vendors, risks, and matrices are stored as JSON documents with the keys
// the engine filters on lifted into columns; tasks get real columns because
// the reminder sweep updates them through CAS.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an opened database and runs the schema migration.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (or creates) a SQLite database at the given path and
// returns a migrated store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS vendors (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		doc JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_vendors_tenant ON vendors(tenant_id);

	CREATE TABLE IF NOT EXISTS risks (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		doc JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_risks_tenant ON risks(tenant_id);

	CREATE TABLE IF NOT EXISTS matrices (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		is_default INTEGER NOT NULL DEFAULT 0,
		doc JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_matrices_tenant ON matrices(tenant_id);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		due_date TEXT NOT NULL,
		status TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT '',
		reminder_offsets JSON,
		sent_offsets JSON,
		last_escalated_at TEXT,
		recurrence TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		completed_at TEXT,
		completion_notes TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_tenant_status ON tasks(tenant_id, status);
	CREATE INDEX IF NOT EXISTS idx_tasks_entity_kind ON tasks(entity_id, kind);
	CREATE UNIQUE INDEX IF NOT EXISTS uq_tasks_open_entity_kind
		ON tasks(tenant_id, entity_id, kind)
		WHERE status IN ('PENDING', 'IN_PROGRESS');`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// ===== Vendors =====

func (s *SQLiteStore) PutVendor(ctx context.Context, v *contracts.Vendor) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal vendor: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vendors (id, tenant_id, doc) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET tenant_id = excluded.tenant_id, doc = excluded.doc
	`, v.ID, v.TenantID, string(doc))
	return err
}

func (s *SQLiteStore) GetVendor(ctx context.Context, tenantID, id string) (*contracts.Vendor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM vendors WHERE id = ? AND tenant_id = ?`, id, tenantID)
	var doc string
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var v contracts.Vendor
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return nil, fmt.Errorf("store: corrupt vendor doc %s: %w", id, err)
	}
	return &v, nil
}

func (s *SQLiteStore) ListVendors(ctx context.Context, tenantID string) ([]contracts.Vendor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM vendors WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Vendor
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var v contracts.Vendor
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			return nil, fmt.Errorf("store: corrupt vendor doc: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ===== Risks =====

func (s *SQLiteStore) PutRisk(ctx context.Context, r *contracts.Risk) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: marshal risk: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risks (id, tenant_id, doc) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET tenant_id = excluded.tenant_id, doc = excluded.doc
	`, r.ID, r.TenantID, string(doc))
	return err
}

func (s *SQLiteStore) GetRisk(ctx context.Context, tenantID, id string) (*contracts.Risk, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM risks WHERE id = ? AND tenant_id = ?`, id, tenantID)
	var doc string
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var r contracts.Risk
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, fmt.Errorf("store: corrupt risk doc %s: %w", id, err)
	}
	return &r, nil
}

func (s *SQLiteStore) ListRisks(ctx context.Context, tenantID string) ([]contracts.Risk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM risks WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Risk
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var r contracts.Risk
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return nil, fmt.Errorf("store: corrupt risk doc: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ===== Matrices =====

func (s *SQLiteStore) PutMatrix(ctx context.Context, m *matrix.Matrix) error {
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
		// At most one default per tenant scope.
		if _, err := tx.ExecContext(ctx, `
			UPDATE matrices SET is_default = 0,
				doc = json_set(doc, '$.default', json('false'))
			WHERE tenant_id = ? AND id != ?
		`, m.TenantID, m.ID); err != nil {
			return err
		}
	}

	isDefault := 0
	if m.Default {
		isDefault = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO matrices (id, tenant_id, is_default, doc) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET tenant_id = excluded.tenant_id,
			is_default = excluded.is_default, doc = excluded.doc
	`, m.ID, m.TenantID, isDefault, string(doc)); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) Matrix(ctx context.Context, id string) (*matrix.Matrix, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM matrices WHERE id = ?`, id)
	var doc string
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var m matrix.Matrix
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return nil, fmt.Errorf("store: corrupt matrix doc %s: %w", id, err)
	}
	return &m, nil
}

func (s *SQLiteStore) DefaultMatrix(ctx context.Context, tenantID string) (*matrix.Matrix, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM matrices WHERE tenant_id = ? AND is_default = 1 LIMIT 1`, tenantID)
	var doc string
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var m matrix.Matrix
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return nil, fmt.Errorf("store: corrupt matrix doc: %w", err)
	}
	return &m, nil
}

// ===== Tasks =====

const taskColumns = `id, tenant_id, entity_id, kind, title, due_date, status, priority,
	reminder_offsets, sent_offsets, last_escalated_at, recurrence, source,
	completed_at, completion_notes, version, created_at, updated_at`

func (s *SQLiteStore) CreateTask(ctx context.Context, t *contracts.TaskInstance) error {
	reminders, sent, err := marshalOffsets(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.TenantID, t.EntityID, string(t.Kind), t.Title,
		formatTime(t.DueDate), string(t.Status), string(t.Priority),
		reminders, sent, formatTimePtr(t.LastEscalatedAt), string(t.Recurrence), t.Source,
		formatTimePtr(t.CompletedAt), t.CompletionNotes, t.Version,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
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
func (s *SQLiteStore) openDuplicate(ctx context.Context, t *contracts.TaskInstance) error {
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

func (s *SQLiteStore) GetTask(ctx context.Context, tenantID, id string) (*contracts.TaskInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND tenant_id = ?`, id, tenantID)
	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, tenantID string) ([]contracts.TaskInstance, error) {
	return s.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE tenant_id = ? ORDER BY due_date`, tenantID)
}

func (s *SQLiteStore) ListTasksByEntity(ctx context.Context, tenantID, entityID string) ([]contracts.TaskInstance, error) {
	return s.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE tenant_id = ? AND entity_id = ? ORDER BY due_date`, tenantID, entityID)
}

func (s *SQLiteStore) ListOpenTasks(ctx context.Context, tenantID string) ([]contracts.TaskInstance, error) {
	return s.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE tenant_id = ? AND status IN ('PENDING', 'IN_PROGRESS') ORDER BY due_date`, tenantID)
}

func (s *SQLiteStore) listTasks(ctx context.Context, query string, args ...any) ([]contracts.TaskInstance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.TaskInstance
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTaskCAS updates a task only when the stored version matches the
// given task's version; the write increments the version. A mismatch fails
// with *contracts.StaleWriteError and writes nothing.
func (s *SQLiteStore) UpdateTaskCAS(ctx context.Context, t *contracts.TaskInstance) error {
	reminders, sent, err := marshalOffsets(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			title = ?, due_date = ?, status = ?, priority = ?,
			reminder_offsets = ?, sent_offsets = ?, last_escalated_at = ?,
			recurrence = ?, completed_at = ?, completion_notes = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND version = ?
	`,
		t.Title, formatTime(t.DueDate), string(t.Status), string(t.Priority),
		reminders, sent, formatTimePtr(t.LastEscalatedAt),
		string(t.Recurrence), formatTimePtr(t.CompletedAt), t.CompletionNotes,
		formatTime(t.UpdatedAt),
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

// ===== Row helpers =====

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*contracts.TaskInstance, error) {
	var (
		t                          contracts.TaskInstance
		kind, status, priority     string
		recurrence                 string
		dueDate, created, updated  string
		reminders, sent            sql.NullString
		lastEscalated, completedAt sql.NullString
	)
	err := row.Scan(
		&t.ID, &t.TenantID, &t.EntityID, &kind, &t.Title, &dueDate, &status, &priority,
		&reminders, &sent, &lastEscalated, &recurrence, &t.Source,
		&completedAt, &t.CompletionNotes, &t.Version, &created, &updated,
	)
	if err != nil {
		return nil, err
	}

	t.Kind = contracts.RuleKind(kind)
	t.Status = contracts.TaskStatus(status)
	t.Priority = contracts.TaskPriority(priority)
	t.Recurrence = contracts.Recurrence(recurrence)
	t.DueDate = parseTime(dueDate)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	t.LastEscalatedAt = parseTimePtr(lastEscalated)
	t.CompletedAt = parseTimePtr(completedAt)

	if err := unmarshalOffsets(reminders, &t.ReminderOffsets); err != nil {
		return nil, fmt.Errorf("store: corrupt reminder_offsets for task %s: %w", t.ID, err)
	}
	if err := unmarshalOffsets(sent, &t.SentOffsets); err != nil {
		return nil, fmt.Errorf("store: corrupt sent_offsets for task %s: %w", t.ID, err)
	}
	return &t, nil
}

func marshalOffsets(t *contracts.TaskInstance) (reminders, sent string, err error) {
	r, err := json.Marshal(t.ReminderOffsets)
	if err != nil {
		return "", "", fmt.Errorf("store: marshal reminder_offsets: %w", err)
	}
	s, err := json.Marshal(t.SentOffsets)
	if err != nil {
		return "", "", fmt.Errorf("store: marshal sent_offsets: %w", err)
	}
	return string(r), string(s), nil
}

func unmarshalOffsets(raw sql.NullString, dst *[]int) error {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), dst)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func parseTimePtr(value sql.NullString) *time.Time {
	if !value.Valid || value.String == "" {
		return nil
	}
	t := parseTime(value.String)
	return &t
}
