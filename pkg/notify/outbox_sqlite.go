package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-grc/vigil/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteOutbox is a durable Outbox on SQLite. Deduplication rides on a
// unique index over the idempotency key; a duplicate enqueue is a no-op
// insert, not an error.
type SQLiteOutbox struct {
	db *sql.DB
}

// NewSQLiteOutbox wraps an opened database and runs the schema migration.
// The same handle used for the entity store works fine.
func NewSQLiteOutbox(db *sql.DB) (*SQLiteOutbox, error) {
	o := &SQLiteOutbox{db: db}
	if err := o.migrate(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *SQLiteOutbox) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS notification_outbox (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		tenant_id TEXT NOT NULL,
		intent JSON NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		sent_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_status ON notification_outbox(status, created_at);`
	_, err := o.db.ExecContext(context.Background(), query)
	return err
}

func (o *SQLiteOutbox) Enqueue(ctx context.Context, intent *contracts.NotificationIntent) (bool, error) {
	key, err := IdempotencyKey(intent)
	if err != nil {
		return false, err
	}
	doc, err := json.Marshal(intent)
	if err != nil {
		return false, fmt.Errorf("notify: marshal intent: %w", err)
	}

	res, err := o.db.ExecContext(ctx, `
		INSERT INTO notification_outbox (id, idempotency_key, tenant_id, intent, status, created_at)
		VALUES (?, ?, ?, ?, 'PENDING', ?)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, uuid.NewString(), key, intent.TenantID, string(doc), intent.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("notify: enqueue intent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (o *SQLiteOutbox) Pending(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, idempotency_key, intent, status, attempts, last_error, created_at, sent_at
		FROM notification_outbox
		WHERE status = 'PENDING'
		ORDER BY created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		var (
			rec     Record
			doc     string
			status  string
			created string
			sentAt  sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.IdempotencyKey, &doc, &status, &rec.Attempts,
			&rec.LastError, &created, &sentAt); err != nil {
			return nil, err
		}
		rec.Status = RecordStatus(status)
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			rec.CreatedAt = t
		}
		if sentAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, sentAt.String); err == nil {
				rec.SentAt = &t
			}
		}
		var intent contracts.NotificationIntent
		if err := json.Unmarshal([]byte(doc), &intent); err != nil {
			return nil, fmt.Errorf("notify: corrupt intent in outbox record %s: %w", rec.ID, err)
		}
		rec.Intent = &intent
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (o *SQLiteOutbox) MarkSent(ctx context.Context, id string, at time.Time) error {
	_, err := o.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET status = 'SENT', attempts = attempts + 1, sent_at = ?
		WHERE id = ?
	`, at.UTC().Format(time.RFC3339Nano), id)
	return err
}

func (o *SQLiteOutbox) MarkFailed(ctx context.Context, id string, reason string) error {
	_, err := o.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET status = 'FAILED', attempts = attempts + 1, last_error = ?
		WHERE id = ?
	`, reason, id)
	return err
}
