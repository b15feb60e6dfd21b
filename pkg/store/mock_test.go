package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// scriptedDB replays queued results in call order and records the SQL
// and args it saw.
type scriptedDB struct {
	rowQueue  []scriptedRow
	rowsQueue [][][]any
	execErrs  []error
	execTags  []pgconn.CommandTag
	sqls      []string
	args      [][]any
}

type scriptedRow struct {
	values []any
	err    error
}

func (f *scriptedDB) record(sql string, args []any) {
	f.sqls = append(f.sqls, sql)
	f.args = append(f.args, append([]any(nil), args...))
}

func (f *scriptedDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	_ = ctx
	f.record(sql, args)
	var err error
	if len(f.execErrs) > 0 {
		err = f.execErrs[0]
		f.execErrs = f.execErrs[1:]
	}
	tag := pgconn.NewCommandTag("UPDATE 1")
	if len(f.execTags) > 0 {
		tag = f.execTags[0]
		f.execTags = f.execTags[1:]
	}
	return tag, err
}

func (f *scriptedDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	_ = ctx
	f.record(sql, args)
	if len(f.rowQueue) == 0 {
		return &scriptedRowScanner{err: pgx.ErrNoRows}
	}
	row := f.rowQueue[0]
	f.rowQueue = f.rowQueue[1:]
	return &scriptedRowScanner{values: row.values, err: row.err}
}

func (f *scriptedDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	_ = ctx
	f.record(sql, args)
	if len(f.rowsQueue) == 0 {
		return &scriptedRows{}, nil
	}
	rows := f.rowsQueue[0]
	f.rowsQueue = f.rowsQueue[1:]
	return &scriptedRows{rows: rows}, nil
}

type scriptedRowScanner struct {
	values []any
	err    error
}

func (r *scriptedRowScanner) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assignScan(dest, r.values)
}

type scriptedRows struct {
	rows [][]any
	idx  int
}

func (r *scriptedRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *scriptedRows) Scan(dest ...any) error {
	return assignScan(dest, r.rows[r.idx-1])
}

func (r *scriptedRows) Close()                                       {}
func (r *scriptedRows) Err() error                                   { return nil }
func (r *scriptedRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *scriptedRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *scriptedRows) Values() ([]any, error)                       { return nil, nil }
func (r *scriptedRows) RawValues() [][]byte                          { return nil }
func (r *scriptedRows) Conn() *pgx.Conn                              { return nil }

func assignScan(dest, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(values))
	}
	for i := range dest {
		if err := assignScanValue(dest[i], values[i]); err != nil {
			return err
		}
	}
	return nil
}

func assignScanValue(dest, val any) error {
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
	case *[]string:
		v, ok := val.([]string)
		if !ok {
			return fmt.Errorf("expected []string, got %T", val)
		}
		*d = append([]string(nil), v...)
	case *time.Time:
		v, ok := val.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", val)
		}
		*d = v
	case **time.Time:
		switch v := val.(type) {
		case nil:
			*d = nil
		case *time.Time:
			*d = v
		case time.Time:
			*d = &v
		default:
			return fmt.Errorf("expected *time.Time, got %T", val)
		}
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
