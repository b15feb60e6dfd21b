package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"researchhub/pkg/models"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer appends immutable audit events. A failed append is fatal to
// the caller's operation: the audit log is the compliance record, so
// integrity wins over availability.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool

	mu     sync.Mutex
	lastTS time.Time
	nowFn  func() time.Time
}

// Append assigns the event an ID and a per-process monotonically
// non-decreasing timestamp, then inserts it. The returned event carries
// the assigned fields (post-redaction when Redact is set).
func (w *Writer) Append(ctx context.Context, evt models.AuditEvent) (models.AuditEvent, error) {
	if evt.Action == "" {
		return evt, fmt.Errorf("audit: action required")
	}
	if len(evt.Action) > models.MaxActionLen {
		return evt, fmt.Errorf("audit: action %q exceeds %d bytes", evt.Action, models.MaxActionLen)
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	evt.Timestamp = w.nextTimestamp()
	if w.Redact {
		evt = redactEvent(evt, w.HashSalt)
	}
	var actor any
	if evt.Actor != "" {
		actor = evt.Actor
	}
	detail := evt.Detail
	if len(detail) == 0 {
		detail = json.RawMessage(`{}`)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_events
		(id, actor, action, target_type, target_id, ip_address, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, evt.ID, actor, evt.Action, evt.TargetType, evt.TargetID, nullable(evt.IPAddress), detail, evt.Timestamp)
	if err != nil {
		return evt, fmt.Errorf("audit append: %w", err)
	}
	return evt, nil
}

// nextTimestamp never moves backwards within a process, even if the
// wall clock does.
func (w *Writer) nextTimestamp() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now().UTC()
	if w.nowFn != nil {
		now = w.nowFn()
	}
	if !now.After(w.lastTS) {
		now = w.lastTS.Add(time.Microsecond)
	}
	w.lastTS = now
	return now
}

// CountByAction counts events of one action kind against a target.
// Always computed fresh; caching is the stats manager's concern.
func (w *Writer) CountByAction(ctx context.Context, targetID, action string) (int64, error) {
	var n int64
	err := w.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM audit_events WHERE target_id=$1 AND action=$2
	`, targetID, action).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("audit count: %w", err)
	}
	return n, nil
}

// DistinctActors counts the distinct non-null actors that touched a
// target, across all action kinds.
func (w *Writer) DistinctActors(ctx context.Context, targetID string) (int64, error) {
	var n int64
	err := w.DB.QueryRow(ctx, `
		SELECT COUNT(DISTINCT actor) FROM audit_events WHERE target_id=$1 AND actor IS NOT NULL
	`, targetID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("audit distinct actors: %w", err)
	}
	return n, nil
}

// Get returns one event by ID.
func (w *Writer) Get(ctx context.Context, id string) (models.AuditEvent, error) {
	row := w.DB.QueryRow(ctx, `
		SELECT id, COALESCE(actor,''), action, target_type, target_id, COALESCE(ip_address,''), detail, created_at
		FROM audit_events WHERE id=$1
	`, id)
	return scanEvent(row)
}

// ListByTarget returns the most recent events for a target, newest
// first.
func (w *Writer) ListByTarget(ctx context.Context, targetType, targetID string, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT id, COALESCE(actor,''), action, target_type, target_id, COALESCE(ip_address,''), detail, created_at
		FROM audit_events
		WHERE target_type=$1 AND target_id=$2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, targetType, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit list: %w", err)
	}
	defer rows.Close()
	var out []models.AuditEvent
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (models.AuditEvent, error) {
	var evt models.AuditEvent
	var detail json.RawMessage
	if err := row.Scan(&evt.ID, &evt.Actor, &evt.Action, &evt.TargetType, &evt.TargetID, &evt.IPAddress, &detail, &evt.Timestamp); err != nil {
		return evt, fmt.Errorf("audit scan: %w", err)
	}
	evt.Detail = detail
	return evt, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
