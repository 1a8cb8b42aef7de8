package sqlstore

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// Dialect abstracts SQL differences between database engines.
type Dialect interface {
	// Name is the canonical dialect name used in configuration.
	Name() string

	// DriverName is the database/sql driver registered for the dialect.
	DriverName() string

	// QuoteIdent quotes an identifier (table name, column name) to safely
	// handle SQL reserved words. MySQL uses backticks; PostgreSQL and
	// SQLite use double quotes.
	QuoteIdent(name string) string

	// Placeholders returns the bind parameter format. MySQL and SQLite use
	// "?"; PostgreSQL uses "$1", "$2", etc.
	Placeholders() sq.PlaceholderFormat
}

// MySQL is the Dialect for MySQL / MariaDB.
var MySQL Dialect = mysqlDialect{}

// PostgreSQL is the Dialect for PostgreSQL, served through pgx.
var PostgreSQL Dialect = postgresDialect{}

// SQLite is the Dialect for SQLite, served through modernc.org/sqlite.
var SQLite Dialect = sqliteDialect{}

type mysqlDialect struct{}

func (mysqlDialect) Name() string                       { return "mysql" }
func (mysqlDialect) DriverName() string                 { return "mysql" }
func (mysqlDialect) QuoteIdent(name string) string      { return "`" + name + "`" }
func (mysqlDialect) Placeholders() sq.PlaceholderFormat { return sq.Question }

type postgresDialect struct{}

func (postgresDialect) Name() string                       { return "postgres" }
func (postgresDialect) DriverName() string                 { return "pgx" }
func (postgresDialect) QuoteIdent(name string) string      { return `"` + name + `"` }
func (postgresDialect) Placeholders() sq.PlaceholderFormat { return sq.Dollar }

type sqliteDialect struct{}

func (sqliteDialect) Name() string                       { return "sqlite" }
func (sqliteDialect) DriverName() string                 { return "sqlite" }
func (sqliteDialect) QuoteIdent(name string) string      { return `"` + name + `"` }
func (sqliteDialect) Placeholders() sq.PlaceholderFormat { return sq.Question }

// ParseDialect maps a configured driver name onto a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "mysql", "mariadb":
		return MySQL, nil
	case "postgres", "postgresql", "pgx":
		return PostgreSQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return nil, fmt.Errorf("sqlstore: unknown dialect %q", name)
	}
}
