package cli_test

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/mickamy/ormnav/internal/cli"
)

const schoolModel = `
entities:
  - name: Course
    key: [id]
    fields: [id, title, {name: instructor_id, nullable: true}]
    relationships:
      - {name: Enrollments, target: Enrollment, cardinality: many, inverse: Course, on_delete: cascade, order_by: position}
      - {name: Instructor, target: Instructor, cardinality: one, inverse: Courses}
  - name: Enrollment
    key: [id]
    fields: [id, course_id, student_id, position]
    relationships:
      - {name: Course, target: Course, cardinality: one, inverse: Enrollments}
      - {name: Student, target: Student, cardinality: one, inverse: Enrollments}
  - name: Student
    key: [id]
    fields: [id, name]
    relationships:
      - {name: Enrollments, target: Enrollment, cardinality: many, inverse: Student, on_delete: restrict}
  - name: Instructor
    key: [id]
    fields: [id, name]
    relationships:
      - {name: Courses, target: Course, cardinality: many, inverse: Instructor, on_delete: set-null}
`

const schoolSchema = `
CREATE TABLE instructors (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
CREATE TABLE courses (id INTEGER PRIMARY KEY, title TEXT NOT NULL, instructor_id INTEGER REFERENCES instructors(id));
CREATE TABLE students (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
CREATE TABLE enrollments (
	id INTEGER PRIMARY KEY,
	course_id INTEGER NOT NULL REFERENCES courses(id),
	student_id INTEGER NOT NULL REFERENCES students(id),
	position INTEGER NOT NULL
);
INSERT INTO instructors (id, name) VALUES (1, 'Ada');
INSERT INTO courses (id, title, instructor_id) VALUES (1, 'Go', 1), (2, 'Rust', NULL);
INSERT INTO students (id, name) VALUES (1, 'alice'), (2, 'bob');
INSERT INTO enrollments (id, course_id, student_id, position) VALUES (1, 1, 1, 2), (2, 1, 2, 1), (3, 2, 1, 1);
`

type env struct {
	model string
	db    string
}

func setup(t *testing.T) env {
	t.Helper()

	dir := t.TempDir()
	e := env{
		model: filepath.Join(dir, "school.yaml"),
		db:    filepath.Join(dir, "school.db"),
	}
	require.NoError(t, os.WriteFile(e.model, []byte(schoolModel), 0o600))

	db, err := sql.Open("sqlite", e.dsn())
	require.NoError(t, err)
	defer db.Close()
	_, err = db.ExecContext(t.Context(), schoolSchema)
	require.NoError(t, err)
	return e
}

func (e env) dsn() string {
	return "file:" + e.db + "?_pragma=foreign_keys(1)"
}

func (e env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := cli.NewRootCommand()
	cmd.SetArgs(append(args, "--model", e.model, "--driver", "sqlite", "--dsn", e.dsn(), "--log-level", "none"))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func (e env) count(t *testing.T, table string) int {
	t.Helper()

	db, err := sql.Open("sqlite", e.dsn())
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRowContext(t.Context(), "SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestValidate(t *testing.T) {
	t.Parallel()

	e := setup(t)
	out, err := e.run(t, "validate")
	require.NoError(t, err)

	assert.Contains(t, out, "Course [id]\n")
	assert.Contains(t, out, "Enrollment.Course: Enrollment(course_id) -> Course, on delete cascade\n")
	assert.Contains(t, out, "Enrollment.Student: Enrollment(student_id) -> Student, on delete restrict\n")
	assert.Contains(t, out, "Course.Instructor: Course(instructor_id) -> Instructor, on delete set-null\n")
}

func TestValidateRejectsBrokenModels(t *testing.T) {
	t.Parallel()

	e := setup(t)
	broken := "entities:\n  - name: A\n    key: [id]\n    fields: [id]\n    relationships:\n      - {name: Bs, target: B, cardinality: many}\n"
	require.NoError(t, os.WriteFile(e.model, []byte(broken), 0o600))

	_, err := e.run(t, "validate")
	require.ErrorContains(t, err, `unknown target type "B"`)
}

func TestShow(t *testing.T) {
	t.Parallel()

	e := setup(t)
	out, err := e.run(t, "show", "--type", "Course", "--key", "1", "--include", "Enrollments.Student,Instructor")
	require.NoError(t, err)

	var graph struct {
		Type          string
		Key           []any
		Values        map[string]any
		Relationships struct {
			Instructor struct {
				Values map[string]any
			}
			Enrollments []struct {
				Key           []any
				Relationships struct {
					Student struct {
						Values map[string]any
					}
				}
			}
		}
	}
	require.NoError(t, json.Unmarshal([]byte(out), &graph))

	assert.Equal(t, "Course", graph.Type)
	assert.Equal(t, []any{float64(1)}, graph.Key)
	assert.Equal(t, "Go", graph.Values["title"])
	assert.Equal(t, "Ada", graph.Relationships.Instructor.Values["name"])
	require.Len(t, graph.Relationships.Enrollments, 2)
	// ordered by position
	assert.Equal(t, []any{float64(2)}, graph.Relationships.Enrollments[0].Key)
	assert.Equal(t, "bob", graph.Relationships.Enrollments[0].Relationships.Student.Values["name"])
	assert.Equal(t, "alice", graph.Relationships.Enrollments[1].Relationships.Student.Values["name"])
}

func TestShowLeavesUnloadedRelationshipsOut(t *testing.T) {
	t.Parallel()

	e := setup(t)
	out, err := e.run(t, "show", "--type", "Course", "--key", "2")
	require.NoError(t, err)

	var graph map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &graph))
	assert.NotContains(t, graph, "relationships")
}

func TestShowReportsMissingEntities(t *testing.T) {
	t.Parallel()

	e := setup(t)
	_, err := e.run(t, "show", "--type", "Course", "--key", "42")
	require.Error(t, err)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	e := setup(t)
	out, err := e.run(t, "delete", "--type", "Course", "--key", "1")
	require.NoError(t, err)

	assert.Contains(t, out, "delete Enrollment[1]\n")
	assert.Contains(t, out, "delete Enrollment[2]\n")
	assert.Contains(t, out, "delete Course[1]\n")
	assert.Contains(t, out, "committed 3 operations\n")
	assert.Equal(t, 1, e.count(t, "courses"))
	assert.Equal(t, 1, e.count(t, "enrollments"))
}

func TestDeleteDryRun(t *testing.T) {
	t.Parallel()

	e := setup(t)
	out, err := e.run(t, "delete", "--type", "Instructor", "--key", "1", "--dry-run")
	require.NoError(t, err)

	assert.Contains(t, out, "unlink Course[1] via Course.Instructor\n")
	assert.Contains(t, out, "delete Instructor[1]\n")
	assert.Contains(t, out, "dry run: nothing committed\n")
	assert.Equal(t, 1, e.count(t, "instructors"))
}

func TestDeleteRestricted(t *testing.T) {
	t.Parallel()

	e := setup(t)
	_, err := e.run(t, "delete", "--type", "Student", "--key", "1")
	require.ErrorContains(t, err, "delete is restricted")
	assert.Equal(t, 2, e.count(t, "students"))
}
