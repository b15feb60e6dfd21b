package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"researchhub/pkg/models"
)

type fakeAuditDB struct {
	execErr   error
	rowErr    error
	rowValues []any
	rows      [][]any
	queryErr  error
	execSQL   string
	execArgs  []any
	queryArgs []any
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	_ = ctx
	f.execSQL = sql
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	_ = ctx
	_ = sql
	f.queryArgs = append([]any(nil), args...)
	return &fakeRow{values: f.rowValues, err: f.rowErr}
}

func (f *fakeAuditDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	_ = ctx
	_ = sql
	f.queryArgs = append([]any(nil), args...)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &fakeRows{rows: f.rows}, nil
}

type fakeRow struct {
	values []any
	err    error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assignAll(dest, r.values)
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	return assignAll(dest, r.rows[r.idx-1])
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func assignAll(dest, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(values))
	}
	for i := range dest {
		if err := assign(dest[i], values[i]); err != nil {
			return err
		}
	}
	return nil
}

func assign(dest, val any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := val.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
		*d = v
	case *int64:
		v, ok := val.(int64)
		if !ok {
			return fmt.Errorf("expected int64, got %T", val)
		}
		*d = v
	case *time.Time:
		v, ok := val.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", val)
		}
		*d = v
	case *json.RawMessage:
		switch v := val.(type) {
		case json.RawMessage:
			*d = append((*d)[:0], v...)
		case []byte:
			*d = append((*d)[:0], v...)
		case string:
			*d = json.RawMessage(v)
		default:
			return fmt.Errorf("expected json raw, got %T", val)
		}
	default:
		return fmt.Errorf("unsupported scan dest %T", dest)
	}
	return nil
}

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db}

	evt, err := w.Append(context.Background(), models.AuditEvent{
		Actor:      "u1",
		Action:     models.ActionDownload,
		TargetType: "Dataset",
		TargetID:   "d1",
		IPAddress:  "10.0.0.1",
		Detail:     json.RawMessage(`{"reason":"OWNER"}`),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if evt.ID == "" {
		t.Fatal("expected assigned event id")
	}
	if evt.Timestamp.IsZero() {
		t.Fatal("expected assigned timestamp")
	}
	if len(db.execArgs) != 8 {
		t.Fatalf("expected 8 insert args, got %d", len(db.execArgs))
	}
	if db.execArgs[1] != "u1" || db.execArgs[2] != models.ActionDownload || db.execArgs[4] != "d1" {
		t.Fatalf("unexpected insert args: %v", db.execArgs)
	}
	if !strings.Contains(db.execSQL, "INSERT INTO audit_events") {
		t.Fatalf("unexpected insert sql: %s", db.execSQL)
	}
}

func TestAppendNilActorStoredAsNull(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db}

	if _, err := w.Append(context.Background(), models.AuditEvent{
		Action:     models.ActionDelete,
		TargetType: "Dataset",
		TargetID:   "d1",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if db.execArgs[1] != nil {
		t.Fatalf("deleted actor must be stored as NULL, got %v", db.execArgs[1])
	}
	if db.execArgs[5] != nil {
		t.Fatalf("missing ip must be stored as NULL, got %v", db.execArgs[5])
	}
}

func TestAppendRejectsOversizedAction(t *testing.T) {
	w := &Writer{DB: &fakeAuditDB{}}
	_, err := w.Append(context.Background(), models.AuditEvent{
		Action:   strings.Repeat("x", models.MaxActionLen+1),
		TargetID: "d1",
	})
	if err == nil {
		t.Fatal("expected error for oversized action")
	}
}

func TestActionKindsFitColumnWidth(t *testing.T) {
	kinds := []string{
		models.ActionView, models.ActionDownload, models.ActionUpload,
		models.ActionDelete, models.ActionModify, models.ActionShare,
		models.ActionRequestAccess, models.ActionApproveAccess,
		models.ActionRejectAccess, models.ActionRevokeAccess,
		models.ActionUnauthorizedAccess,
	}
	for _, k := range kinds {
		if len(k) > models.MaxActionLen {
			t.Errorf("action %q exceeds %d bytes", k, models.MaxActionLen)
		}
	}
}

func TestAppendSurfacesStoreFailure(t *testing.T) {
	db := &fakeAuditDB{execErr: errors.New("connection refused")}
	w := &Writer{DB: db}
	_, err := w.Append(context.Background(), models.AuditEvent{
		Action:   models.ActionDownload,
		TargetID: "d1",
	})
	if err == nil {
		t.Fatal("append must surface store failure, not drop the event")
	}
}

func TestTimestampsMonotonicPerProcess(t *testing.T) {
	db := &fakeAuditDB{}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Wall clock that jumps backwards between appends.
	ticks := []time.Time{base, base.Add(-time.Second), base.Add(-time.Second)}
	i := 0
	w := &Writer{DB: db, nowFn: func() time.Time {
		ts := ticks[i%len(ticks)]
		i++
		return ts
	}}

	var prev time.Time
	for n := 0; n < 3; n++ {
		evt, err := w.Append(context.Background(), models.AuditEvent{
			Action:   models.ActionView,
			TargetID: "d1",
		})
		if err != nil {
			t.Fatalf("append %d: %v", n, err)
		}
		if !evt.Timestamp.After(prev) {
			t.Fatalf("append %d: timestamp %v not after %v", n, evt.Timestamp, prev)
		}
		prev = evt.Timestamp
	}
}

func TestAppendRedactsActorAndIP(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db, Redact: true, HashSalt: []byte("pepper")}

	evt, err := w.Append(context.Background(), models.AuditEvent{
		Actor:     "u1",
		Action:    models.ActionDownload,
		TargetID:  "d1",
		IPAddress: "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if evt.Actor == "u1" || len(evt.Actor) != 64 {
		t.Fatalf("actor not redacted: %q", evt.Actor)
	}
	if evt.IPAddress == "10.0.0.1" || len(evt.IPAddress) != 64 {
		t.Fatalf("ip not redacted: %q", evt.IPAddress)
	}

	// Same input, same salt: hashes stay joinable for distinct-actor
	// counting.
	evt2, err := w.Append(context.Background(), models.AuditEvent{
		Actor:    "u1",
		Action:   models.ActionView,
		TargetID: "d1",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if evt2.Actor != evt.Actor {
		t.Fatal("equal actors must redact to equal hashes")
	}
}

func TestCountByActionAndDistinctActors(t *testing.T) {
	db := &fakeAuditDB{rowValues: []any{int64(15)}}
	w := &Writer{DB: db}

	n, err := w.CountByAction(context.Background(), "d1", models.ActionDownload)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 15 {
		t.Fatalf("expected 15, got %d", n)
	}
	if db.queryArgs[0] != "d1" || db.queryArgs[1] != models.ActionDownload {
		t.Fatalf("unexpected query args: %v", db.queryArgs)
	}

	db.rowValues = []any{int64(4)}
	n, err = w.DistinctActors(context.Background(), "d1")
	if err != nil {
		t.Fatalf("distinct actors: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4, got %d", n)
	}
}

func TestListByTarget(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db := &fakeAuditDB{rows: [][]any{
		{"e2", "u2", "download", "Dataset", "d1", "", json.RawMessage(`{}`), now},
		{"e1", "u1", "upload", "Dataset", "d1", "10.0.0.1", json.RawMessage(`{}`), now.Add(-time.Minute)},
	}}
	w := &Writer{DB: db}

	events, err := w.ListByTarget(context.Background(), "Dataset", "d1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ID != "e2" || events[0].Action != "download" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	// Default limit applied when caller passes 0.
	if db.queryArgs[2] != 100 {
		t.Fatalf("expected default limit 100, got %v", db.queryArgs[2])
	}
}

func TestGet(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db := &fakeAuditDB{rowValues: []any{"e1", "u1", "download", "Dataset", "d1", "", json.RawMessage(`{"reason":"OWNER"}`), now}}
	w := &Writer{DB: db}

	evt, err := w.Get(context.Background(), "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if evt.ID != "e1" || evt.Actor != "u1" || !evt.Timestamp.Equal(now) {
		t.Fatalf("unexpected event: %+v", evt)
	}
}
