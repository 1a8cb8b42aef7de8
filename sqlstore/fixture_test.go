package sqlstore_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/mickamy/ormnav/orm"
	"github.com/mickamy/ormnav/sqlstore"
)

// schoolModel is the catalog used by the store tests:
//
//	Instructor 1--* Course 1--* Enrollment *--1 Student
//	Line (composite key) 1--* Note
func schoolModel(t *testing.T) *orm.Model {
	t.Helper()

	m, err := orm.NewModelBuilder().Add(
		orm.EntityDef{
			Name: "Course",
			Key:  []string{"id"},
			Fields: []orm.Field{
				{Name: "id"},
				{Name: "title"},
				{Name: "instructor_id", Nullable: true},
			},
			Relationships: []orm.RelationshipDef{
				{Name: "Enrollments", Target: "Enrollment", Cardinality: orm.Many, Inverse: "Course", OnDelete: orm.Cascade, OrderBy: "position"},
				{Name: "Instructor", Target: "Instructor", Cardinality: orm.One, Inverse: "Courses"},
			},
		},
		orm.EntityDef{
			Name:   "Enrollment",
			Key:    []string{"id"},
			Fields: []orm.Field{{Name: "id"}, {Name: "course_id"}, {Name: "student_id"}, {Name: "position"}},
			Relationships: []orm.RelationshipDef{
				{Name: "Course", Target: "Course", Cardinality: orm.One, Inverse: "Enrollments"},
				{Name: "Student", Target: "Student", Cardinality: orm.One, Inverse: "Enrollments"},
			},
		},
		orm.EntityDef{
			Name:   "Student",
			Key:    []string{"id"},
			Fields: []orm.Field{{Name: "id"}, {Name: "name"}},
			Relationships: []orm.RelationshipDef{
				{Name: "Enrollments", Target: "Enrollment", Cardinality: orm.Many, Inverse: "Student"},
			},
		},
		orm.EntityDef{
			Name:   "Instructor",
			Key:    []string{"id"},
			Fields: []orm.Field{{Name: "id"}, {Name: "name"}},
			Relationships: []orm.RelationshipDef{
				{Name: "Courses", Target: "Course", Cardinality: orm.Many, Inverse: "Instructor", OnDelete: orm.SetNull},
			},
		},
		orm.EntityDef{
			Name:   "Line",
			Table:  "order_lines",
			Key:    []string{"order_id", "no"},
			Fields: []orm.Field{{Name: "order_id"}, {Name: "no"}, {Name: "sku"}},
			Relationships: []orm.RelationshipDef{
				{Name: "Notes", Target: "Note", Cardinality: orm.Many, Inverse: "Line", ForeignKey: []string{"line_order_id", "line_no"}, OnDelete: orm.Cascade},
			},
		},
		orm.EntityDef{
			Name:   "Note",
			Key:    []string{"id"},
			Fields: []orm.Field{{Name: "id"}, {Name: "line_order_id"}, {Name: "line_no"}, {Name: "body"}},
			Relationships: []orm.RelationshipDef{
				{Name: "Line", Target: "Line", Cardinality: orm.One, Inverse: "Notes"},
			},
		},
	).Build()
	require.NoError(t, err)
	return m
}

var sqliteSchema = []string{
	`CREATE TABLE instructors (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
	`CREATE TABLE courses (
		id INTEGER PRIMARY KEY,
		title TEXT NOT NULL,
		instructor_id INTEGER REFERENCES instructors (id)
	)`,
	`CREATE TABLE students (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
	`CREATE TABLE enrollments (
		id INTEGER PRIMARY KEY,
		course_id INTEGER NOT NULL REFERENCES courses (id),
		student_id INTEGER NOT NULL REFERENCES students (id),
		position INTEGER NOT NULL
	)`,
	`CREATE TABLE order_lines (
		order_id INTEGER NOT NULL,
		no INTEGER NOT NULL,
		sku TEXT NOT NULL,
		PRIMARY KEY (order_id, no)
	)`,
	`CREATE TABLE notes (
		id INTEGER PRIMARY KEY,
		line_order_id INTEGER NOT NULL,
		line_no INTEGER NOT NULL,
		body TEXT NOT NULL,
		FOREIGN KEY (line_order_id, line_no) REFERENCES order_lines (order_id, no)
	)`,
}

var sqliteSeed = []string{
	`INSERT INTO instructors (id, name) VALUES (1, 'Ida')`,
	`INSERT INTO courses (id, title, instructor_id) VALUES (1, 'Go', 1), (2, 'Rust', NULL)`,
	`INSERT INTO students (id, name) VALUES (1, 'Ann'), (2, 'Bob'), (3, 'Cy')`,
	`INSERT INTO enrollments (id, course_id, student_id, position) VALUES (1, 1, 1, 2), (2, 1, 2, 1), (3, 2, 1, 1)`,
	`INSERT INTO order_lines (order_id, no, sku) VALUES (7, 1, 'A'), (7, 2, 'B'), (8, 1, 'C')`,
	`INSERT INTO notes (id, line_order_id, line_no, body) VALUES (1, 7, 1, 'fragile'), (2, 7, 2, 'gift'), (3, 7, 1, 'rush')`,
}

// openSQLite returns a seeded in-memory database. Every call gets its own
// database: the pool is capped at one connection so it is never reopened.
func openSQLite(t *testing.T) *sql.DB {
	t.Helper()

	raw, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	require.NoError(t, err)
	raw.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = raw.Close() })

	for _, stmt := range append(sqliteSchema, sqliteSeed...) {
		_, err := raw.ExecContext(t.Context(), stmt)
		require.NoError(t, err, stmt)
	}
	return raw
}

func newSQLiteStore(t *testing.T, opts ...sqlstore.Option) (*sqlstore.Store, *sql.DB) {
	t.Helper()

	raw := openSQLite(t)
	return sqlstore.New(sqlstore.NewDB(raw, sqlstore.SQLite), schoolModel(t), opts...), raw
}

// recordingLogger records every statement. When hold is set, the first
// statement blocks until release is closed.
type recordingLogger struct {
	mu      sync.Mutex
	queries []string
	hold    bool
	entered chan struct{}
	release chan struct{}
}

func newHoldingLogger() *recordingLogger {
	return &recordingLogger{hold: true, entered: make(chan struct{}), release: make(chan struct{})}
}

func (l *recordingLogger) Log(_ context.Context, query string, _ ...any) {
	l.mu.Lock()
	l.queries = append(l.queries, query)
	first := len(l.queries) == 1
	l.mu.Unlock()

	if l.hold && first {
		close(l.entered)
		<-l.release
	}
}

func (l *recordingLogger) Queries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.queries...)
}

func countRows(t *testing.T, raw *sql.DB, query string, args ...any) int {
	t.Helper()

	var n int
	require.NoError(t, raw.QueryRowContext(t.Context(), query, args...).Scan(&n))
	return n
}
