package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-grc/vigil/pkg/contracts"

	_ "github.com/lib/pq"
)

// PostgresOutbox is a durable Outbox on PostgreSQL.
type PostgresOutbox struct {
	db *sql.DB
}

// NewPostgresOutbox wraps an opened database. Apply OutboxSchema with your
// migration tooling.
func NewPostgresOutbox(db *sql.DB) *PostgresOutbox {
	return &PostgresOutbox{db: db}
}

// OutboxSchema is the DDL for the Postgres outbox.
const OutboxSchema = `
CREATE TABLE IF NOT EXISTS notification_outbox (
	id TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL UNIQUE,
	tenant_id TEXT NOT NULL,
	intent JSONB NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	sent_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_outbox_status ON notification_outbox(status, created_at);
`

// Migrate applies the schema. Safe to run repeatedly.
func (o *PostgresOutbox) Migrate(ctx context.Context) error {
	_, err := o.db.ExecContext(ctx, OutboxSchema)
	return err
}

func (o *PostgresOutbox) Enqueue(ctx context.Context, intent *contracts.NotificationIntent) (bool, error) {
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
		VALUES ($1, $2, $3, $4, 'PENDING', $5)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, uuid.NewString(), key, intent.TenantID, doc, intent.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("notify: enqueue intent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (o *PostgresOutbox) Pending(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, idempotency_key, intent, status, attempts, last_error, created_at, sent_at
		FROM notification_outbox
		WHERE status = 'PENDING'
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		var (
			rec    Record
			doc    []byte
			status string
			sentAt sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.IdempotencyKey, &doc, &status, &rec.Attempts,
			&rec.LastError, &rec.CreatedAt, &sentAt); err != nil {
			return nil, err
		}
		rec.Status = RecordStatus(status)
		if sentAt.Valid {
			at := sentAt.Time.UTC()
			rec.SentAt = &at
		}
		var intent contracts.NotificationIntent
		if err := json.Unmarshal(doc, &intent); err != nil {
			return nil, fmt.Errorf("notify: corrupt intent in outbox record %s: %w", rec.ID, err)
		}
		rec.Intent = &intent
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (o *PostgresOutbox) MarkSent(ctx context.Context, id string, at time.Time) error {
	_, err := o.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET status = 'SENT', attempts = attempts + 1, sent_at = $1
		WHERE id = $2
	`, at.UTC(), id)
	return err
}

func (o *PostgresOutbox) MarkFailed(ctx context.Context, id string, reason string) error {
	_, err := o.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET status = 'FAILED', attempts = attempts + 1, last_error = $1
		WHERE id = $2
	`, reason, id)
	return err
}
