package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"obcatalog/internal/domain"
	"obcatalog/internal/facts"
)

// Repo is the catalog persistence boundary. Reads go straight to DB; writes
// happen inside a UnitOfWork obtained from Begin.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r Repo) facts() facts.Store { return facts.Store{Q: r.DB} }

// UnitOfWork is one atomic batch of catalog writes: the ingestion of one OB
// file or the recording of one result. Nothing is visible to other readers
// before Commit.
type UnitOfWork struct {
	repo Repo
	tx   *sql.Tx
	done bool

	Facts facts.Store
}

func (r Repo) Begin(ctx context.Context) (*UnitOfWork, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapErr(err, "begin unit of work")
	}
	return &UnitOfWork{repo: r, tx: tx, Facts: facts.Store{Q: tx}}, nil
}

// Tx exposes the underlying transaction to writers living outside this package.
func (u *UnitOfWork) Tx() *sql.Tx { return u.tx }

func (u *UnitOfWork) Now() time.Time { return u.repo.now() }

func (u *UnitOfWork) Commit() error {
	if u.done {
		return errors.New("unit of work already finished")
	}
	u.done = true
	if err := u.tx.Commit(); err != nil {
		return mapErr(err, "commit")
	}
	return nil
}

// Rollback discards pending writes. It is safe to call after Commit, so it can be deferred.
func (u *UnitOfWork) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	return u.tx.Rollback()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier = facts.Querier

// mapErr turns sqlite constraint failures into catalog error kinds.
func mapErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return domain.Wrap(domain.ErrConflict, err, format, args...)
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY, sqlite3.SQLITE_CONSTRAINT_NOTNULL, sqlite3.SQLITE_CONSTRAINT_CHECK:
		return domain.Wrap(domain.ErrValidation, err, format, args...)
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return domain.Wrap(domain.ErrConflict, err, format, args...)
	}
	if se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		msg := se.Error()
		if strings.Contains(msg, "UNIQUE constraint failed") {
			return domain.Wrap(domain.ErrConflict, err, format, args...)
		}
		return domain.Wrap(domain.ErrValidation, err, format, args...)
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func required(kind, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return domain.Errorf(domain.ErrValidation, "%s: %s required", kind, field)
	}
	return nil
}
