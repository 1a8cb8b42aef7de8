package orm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mickamy/ormnav/memstore"
	"github.com/mickamy/ormnav/orm"
)

// schoolDefs is the model shared by the engine tests:
//
//	Instructor 1--* Course 1--* Enrollment *--1 Student
//	Enrollment 1--* Submission (navigable from Submission only)
//	Person 1--1 Passport
func schoolDefs() []orm.EntityDef {
	return []orm.EntityDef{
		{
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
		{
			Name: "Enrollment",
			Key:  []string{"id"},
			Fields: []orm.Field{
				{Name: "id"},
				{Name: "course_id"},
				{Name: "student_id"},
				{Name: "position"},
			},
			Relationships: []orm.RelationshipDef{
				{Name: "Course", Target: "Course", Cardinality: orm.One, Inverse: "Enrollments"},
				{Name: "Student", Target: "Student", Cardinality: orm.One, Inverse: "Enrollments"},
			},
		},
		{
			Name:   "Student",
			Key:    []string{"id"},
			Fields: []orm.Field{{Name: "id"}, {Name: "name"}},
			Relationships: []orm.RelationshipDef{
				{Name: "Enrollments", Target: "Enrollment", Cardinality: orm.Many, Inverse: "Student"},
			},
		},
		{
			Name:   "Instructor",
			Key:    []string{"id"},
			Fields: []orm.Field{{Name: "id"}, {Name: "name"}},
			Relationships: []orm.RelationshipDef{
				{Name: "Courses", Target: "Course", Cardinality: orm.Many, Inverse: "Instructor", OnDelete: orm.SetNull},
			},
		},
		{
			Name:   "Submission",
			Key:    []string{"id"},
			Fields: []orm.Field{{Name: "id"}, {Name: "enrollment_id"}},
			Relationships: []orm.RelationshipDef{
				{Name: "Enrollment", Target: "Enrollment", Cardinality: orm.One, Owner: true, OnDelete: orm.Cascade},
			},
		},
		{
			Name:   "Person",
			Key:    []string{"id"},
			Fields: []orm.Field{{Name: "id"}, {Name: "name"}},
			Relationships: []orm.RelationshipDef{
				{Name: "Passport", Target: "Passport", Cardinality: orm.One, Inverse: "Person", OnDelete: orm.SetNull},
			},
		},
		{
			Name:   "Passport",
			Key:    []string{"id"},
			Fields: []orm.Field{{Name: "id"}, {Name: "person_id", Nullable: true}, {Name: "number"}},
			Relationships: []orm.RelationshipDef{
				{Name: "Person", Target: "Person", Cardinality: orm.One, Owner: true},
			},
		},
	}
}

func schoolModel(t *testing.T) *orm.Model {
	t.Helper()

	m, err := orm.NewModelBuilder().Add(schoolDefs()...).Build()
	require.NoError(t, err)
	return m
}

// seedSchool loads the scenario data:
//
//	Course 1 "Go" (instructor 1): Enrollment 1 -> Student 1 (position 2), Enrollment 2 -> Student 2 (position 1)
//	Course 2 "Rust": Enrollment 3 -> Student 1
//	Submission 1 -> Enrollment 1
//	Person 1 <-> Passport 1
func seedSchool(t *testing.T, st *memstore.Store) {
	t.Helper()

	require.NoError(t, st.Seed("Instructor", orm.Row{"id": 1, "name": "Ida"}))
	require.NoError(t, st.Seed("Course",
		orm.Row{"id": 1, "title": "Go", "instructor_id": 1},
		orm.Row{"id": 2, "title": "Rust", "instructor_id": nil},
	))
	require.NoError(t, st.Seed("Student",
		orm.Row{"id": 1, "name": "Ann"},
		orm.Row{"id": 2, "name": "Bob"},
		orm.Row{"id": 3, "name": "Cy"},
	))
	require.NoError(t, st.Seed("Enrollment",
		orm.Row{"id": 1, "course_id": 1, "student_id": 1, "position": 2},
		orm.Row{"id": 2, "course_id": 1, "student_id": 2, "position": 1},
		orm.Row{"id": 3, "course_id": 2, "student_id": 1, "position": 1},
	))
	require.NoError(t, st.Seed("Submission", orm.Row{"id": 1, "enrollment_id": 1}))
	require.NoError(t, st.Seed("Person", orm.Row{"id": 1, "name": "Pat"}))
	require.NoError(t, st.Seed("Passport", orm.Row{"id": 1, "person_id": 1, "number": "A-1"}))
}

func newSchool(t *testing.T, opts ...orm.Option) (*orm.UnitOfWork, *memstore.Store) {
	t.Helper()

	m := schoolModel(t)
	st := memstore.New(m)
	seedSchool(t, st)
	u := orm.NewUnitOfWork(m, st, opts...)
	t.Cleanup(u.Close)
	return u, st
}

func mustGet(t *testing.T, u *orm.UnitOfWork, typeName string, id int) *orm.Entity {
	t.Helper()

	e, err := u.Get(t.Context(), typeName, orm.KeyOf(id))
	require.NoError(t, err)
	return e
}

func ids(es []*orm.Entity) []int64 {
	out := make([]int64, len(es))
	for i, e := range es {
		out[i] = e.Key()[0].(int64)
	}
	return out
}

// countCalls counts recorded calls of method against typeName.
func countCalls(st *memstore.Store, method, typeName string) int {
	n := 0
	for _, c := range st.Calls() {
		if c.Method == method && c.Type == typeName {
			n++
		}
	}
	return n
}
