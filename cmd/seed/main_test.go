package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type seedFakeDB struct {
	mu       sync.Mutex
	execSQL  []string
	execArgs [][]any
	owners   map[string]string
}

func (f *seedFakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	if strings.Contains(sql, "INSERT INTO projects") && len(args) >= 3 {
		if f.owners == nil {
			f.owners = map[string]string{}
		}
		f.owners[args[0].(string)] = args[2].(string)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *seedFakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected query")
}

func (f *seedFakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if strings.Contains(sql, "SELECT owner_id FROM projects") {
		f.mu.Lock()
		owner := f.owners[args[0].(string)]
		f.mu.Unlock()
		if owner != "" {
			return ownerRow{owner: owner}
		}
	}
	if strings.Contains(sql, "UPDATE access_requests") {
		// The approval transition returns the updated row.
		return approvedRow{}
	}
	return ownerRow{err: pgx.ErrNoRows}
}

type ownerRow struct {
	owner string
	err   error
}

func (r ownerRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	s, ok := dest[0].(*string)
	if !ok {
		return errors.New("expected *string")
	}
	*s = r.owner
	return nil
}

type approvedRow struct{}

func (approvedRow) Scan(dest ...any) error {
	// id, dataset_id, requester, status, reason, approved_by,
	// approval_date, expiry_date, requested_at
	if len(dest) != 9 {
		return errors.New("scan arity mismatch")
	}
	*(dest[0].(*string)) = "req-ocean-charlie"
	*(dest[1].(*string)) = "ds-ocean-temp"
	*(dest[2].(*string)) = "charlie"
	*(dest[3].(*string)) = "approved"
	*(dest[4].(*string)) = ""
	*(dest[5].(*string)) = "alice"
	return nil
}

func (f *seedFakeDB) countExec(fragment string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, sql := range f.execSQL {
		if strings.Contains(sql, fragment) {
			n++
		}
	}
	return n
}

func TestSeed(t *testing.T) {
	db := &seedFakeDB{}
	if err := seed(context.Background(), db, func(string, ...any) {}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if n := db.countExec("INSERT INTO projects"); n != 3 {
		t.Fatalf("expected 3 project inserts, got %d", n)
	}
	if n := db.countExec("INSERT INTO project_collaborators"); n != 3 {
		t.Fatalf("expected 3 collaborator inserts, got %d", n)
	}
	if n := db.countExec("INSERT INTO datasets"); n != 3 {
		t.Fatalf("expected 3 dataset inserts, got %d", n)
	}
	if n := db.countExec("INSERT INTO access_requests"); n != 2 {
		t.Fatalf("expected 2 access request inserts, got %d", n)
	}
	// Three uploads plus one approval.
	if n := db.countExec("INSERT INTO audit_events"); n != 4 {
		t.Fatalf("expected 4 audit events, got %d", n)
	}
}

func TestMainFatalOnDBError(t *testing.T) {
	origFatal, origOpen := logFatalf, openDBFn
	defer func() { logFatalf, openDBFn = origFatal, origOpen }()

	fatalCalled := false
	logFatalf = func(format string, args ...any) { fatalCalled = true }
	openDBFn = func(ctx context.Context) (seedDBCloser, error) {
		return nil, errors.New("db down")
	}
	main()
	if !fatalCalled {
		t.Fatal("expected fatal log on db error")
	}
}
