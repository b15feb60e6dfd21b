package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgx implemented by both *pgxpool.Pool and
// pgx.Tx, so repositories work inside and outside transactions.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	// ErrNotFound: the referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict: a uniqueness constraint was violated.
	ErrConflict = errors.New("already exists")
)

// uniqueViolation per Postgres error class 23.
const uniqueViolationCode = "23505"

// MapError translates pgx errors to the repository sentinels, leaving
// everything else untouched.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return ErrConflict
	}
	return err
}
