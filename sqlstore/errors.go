package sqlstore

import (
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mickamy/ormnav/orm"
)

// ErrRowNotFound is returned by Persist when a delete matches no row.
var ErrRowNotFound = errors.New("sqlstore: row not found")

const (
	reasonForeignKey = "foreign key constraint failed"
	reasonDuplicate  = "duplicate key"
	reasonNotNull    = "not null constraint failed"
	reasonConstraint = "constraint failed"
)

// constraintViolation converts a driver constraint error raised by op into an
// orm.ConstraintViolation. Other errors are returned unchanged.
func constraintViolation(err error, op orm.Op) error {
	reason, ok := constraintReason(err)
	if !ok {
		return err
	}
	return &orm.ConstraintViolation{
		Type:         op.Type,
		Key:          op.Key,
		Relationship: op.Relationship,
		Reason:       reason,
		Err:          err,
	}
}

func constraintReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return reasonForeignKey, true
		case "23505":
			return reasonDuplicate, true
		case "23502":
			return reasonNotNull, true
		case "23514":
			return reasonConstraint, true
		}
		return "", false
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1451, 1452:
			return reasonForeignKey, true
		case 1062:
			return reasonDuplicate, true
		case 1048:
			return reasonNotNull, true
		}
		return "", false
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code()&0xFF != sqlite3.SQLITE_CONSTRAINT {
			return "", false
		}
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return reasonForeignKey, true
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return reasonDuplicate, true
		case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
			return reasonNotNull, true
		}
		// without extended result codes only the message tells them apart
		if reason, ok := reasonFromMessage(err.Error()); ok {
			return reason, true
		}
		return reasonConstraint, true
	}

	// drivers wrapped by proxies only keep the message
	return reasonFromMessage(err.Error())
}

func reasonFromMessage(msg string) (string, bool) {
	switch {
	case strings.Contains(msg, "violates foreign key constraint"),
		strings.Contains(msg, "FOREIGN KEY constraint failed"),
		strings.Contains(msg, "a foreign key constraint fails"):
		return reasonForeignKey, true
	case strings.Contains(msg, "UNIQUE constraint failed"),
		strings.Contains(msg, "duplicate key value"),
		strings.Contains(msg, "Duplicate entry"):
		return reasonDuplicate, true
	case strings.Contains(msg, "NOT NULL constraint failed"):
		return reasonNotNull, true
	}
	return "", false
}

var busyCodes = map[int]struct{}{
	sqlite3.SQLITE_BUSY:               {},
	sqlite3.SQLITE_BUSY_RECOVERY:      {},
	sqlite3.SQLITE_BUSY_SNAPSHOT:      {},
	sqlite3.SQLITE_BUSY_TIMEOUT:       {},
	sqlite3.SQLITE_LOCKED:             {},
	sqlite3.SQLITE_LOCKED_SHAREDCACHE: {},
}

// transient reports whether err is worth retrying: a broken connection or a
// locked SQLite database.
func transient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		_, ok := busyCodes[sqliteErr.Code()]
		return ok
	}
	return false
}
