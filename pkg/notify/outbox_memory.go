package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-grc/vigil/pkg/contracts"
)

// MemoryOutbox is an in-memory Outbox for tests and single-process runs.
type MemoryOutbox struct {
	mu      sync.Mutex
	records map[string]*Record
	byKey   map[string]string
}

// NewMemoryOutbox creates an empty outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{
		records: make(map[string]*Record),
		byKey:   make(map[string]string),
	}
}

func (o *MemoryOutbox) Enqueue(_ context.Context, intent *contracts.NotificationIntent) (bool, error) {
	key, err := IdempotencyKey(intent)
	if err != nil {
		return false, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := o.byKey[key]; dup {
		return false, nil
	}

	copied := *intent
	rec := &Record{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		Intent:         &copied,
		Status:         StatusPending,
		CreatedAt:      intent.CreatedAt,
	}
	o.records[rec.ID] = rec
	o.byKey[key] = rec.ID
	return true, nil
}

func (o *MemoryOutbox) Pending(_ context.Context, limit int) ([]*Record, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []*Record
	for _, rec := range o.records {
		if rec.Status == StatusPending {
			copied := *rec
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o *MemoryOutbox) MarkSent(_ context.Context, id string, at time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[id]
	if !ok {
		return nil
	}
	rec.Status = StatusSent
	rec.Attempts++
	rec.SentAt = &at
	return nil
}

func (o *MemoryOutbox) MarkFailed(_ context.Context, id string, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[id]
	if !ok {
		return nil
	}
	rec.Status = StatusFailed
	rec.Attempts++
	rec.LastError = reason
	return nil
}
