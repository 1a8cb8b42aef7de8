package orm_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/ormnav/memstore"
	"github.com/mickamy/ormnav/orm"
)

var errBoom = errors.New("boom")

func TestIdentity(t *testing.T) {
	t.Parallel()

	u, st := newSchool(t)
	ctx := t.Context()

	a := mustGet(t, u, "Course", 1)
	b := mustGet(t, u, "Course", 1)
	assert.Same(t, a, b)
	assert.Equal(t, 1, countCalls(st, "FetchByKeys", "Course"), "second Get is served by the registry")

	enrollments, err := u.Collection(ctx, a, "Enrollments")
	require.NoError(t, err)
	e1, err := u.Get(ctx, "Enrollment", orm.KeyOf(1))
	require.NoError(t, err)
	assert.Contains(t, enrollments, e1)

	// rows fetched through a different path still intern to the same instance
	attached, err := u.Attach("Enrollment", orm.Row{"id": int32(1), "course_id": 1, "student_id": 1, "position": 2})
	require.NoError(t, err)
	assert.Same(t, e1, attached[0])

	looked, ok := u.Lookup("Enrollment", orm.KeyOf(uint8(1)))
	require.True(t, ok)
	assert.Same(t, e1, looked)
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	u, _ := newSchool(t)

	_, err := u.Get(t.Context(), "Course", orm.KeyOf(99))
	require.ErrorIs(t, err, orm.ErrNotFound)

	_, err = u.Get(t.Context(), "Nope", orm.KeyOf(1))
	require.ErrorIs(t, err, orm.ErrUnknownType)
}

func TestFindOnlyFetchesMissingKeys(t *testing.T) {
	t.Parallel()

	u, st := newSchool(t)
	ctx := t.Context()

	mustGet(t, u, "Student", 1)
	st.ResetCalls()

	found, err := u.Find(ctx, "Student", orm.KeyOf(3), orm.KeyOf(1), orm.KeyOf(2), orm.KeyOf(3))
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 1, 2}, ids(found))

	calls := st.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []orm.Key{orm.KeyOf(3), orm.KeyOf(2)}, calls[0].Keys)
}

func TestLazyCollectionAndReference(t *testing.T) {
	t.Parallel()

	u, st := newSchool(t)
	ctx := t.Context()
	c1 := mustGet(t, u, "Course", 1)

	slot, err := c1.Slot("Enrollments")
	require.NoError(t, err)
	assert.Equal(t, orm.Unloaded, slot.State())

	enrollments, err := u.Collection(ctx, c1, "Enrollments")
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, ids(enrollments), "ordered by position")
	assert.Equal(t, orm.Loaded, slot.State())

	// the inverse reference was wired from the collection load
	course, err := u.Reference(ctx, enrollments[0], "Course")
	require.NoError(t, err)
	assert.Same(t, c1, course)
	assert.Equal(t, 1, countCalls(st, "FetchByForeignKey", "Enrollment"))
	assert.Zero(t, countCalls(st, "FetchByKeys", "Enrollment"))

	student, err := u.Reference(ctx, enrollments[0], "Student")
	require.NoError(t, err)
	assert.Equal(t, "Bob", student.Get("name"))

	// second read is served from the slot
	_, err = u.Collection(ctx, c1, "Enrollments")
	require.NoError(t, err)
	assert.Equal(t, 1, countCalls(st, "FetchByForeignKey", "Enrollment"))
}

func TestReferenceWithNullForeignKeyIsLoadedNone(t *testing.T) {
	t.Parallel()

	u, st := newSchool(t)
	c2 := mustGet(t, u, "Course", 2)
	st.ResetCalls()

	instructor, err := u.Reference(t.Context(), c2, "Instructor")
	require.NoError(t, err)
	assert.Nil(t, instructor)
	assert.Empty(t, st.Calls())

	slot, err := c2.Slot("Instructor")
	require.NoError(t, err)
	ref, ok := slot.PeekReference()
	assert.True(t, ok)
	assert.Nil(t, ref)
}

func TestAccessorsRejectWrongCardinality(t *testing.T) {
	t.Parallel()

	u, _ := newSchool(t)
	c1 := mustGet(t, u, "Course", 1)

	_, err := u.Reference(t.Context(), c1, "Enrollments")
	require.Error(t, err)
	_, err = u.Collection(t.Context(), c1, "Instructor")
	require.Error(t, err)
	_, err = u.Collection(t.Context(), c1, "Nope")
	require.ErrorIs(t, err, orm.ErrUnknownRelationship)
}

// holdFetches blocks every FetchByForeignKey until release is closed and
// reports each entry on entered.
func holdFetches(st *memstore.Store) (entered chan memstore.Call, release chan struct{}) {
	entered = make(chan memstore.Call, 16)
	release = make(chan struct{})
	st.SetGate(func(ctx context.Context, c memstore.Call) error {
		if c.Method != "FetchByForeignKey" {
			return nil
		}
		entered <- c
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return entered, release
}

func TestLazyLoadConcurrentAccessorsShareOneFetch(t *testing.T) {
	t.Parallel()

	u, st := newSchool(t)
	ctx := t.Context()
	c1 := mustGet(t, u, "Course", 1)
	entered, release := holdFetches(st)

	const readers = 8
	results := make([][]*orm.Entity, readers)
	errs := make([]error, readers)
	var wg sync.WaitGroup
	for i := range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = u.Collection(ctx, c1, "Enrollments")
		}()
	}

	<-entered
	slot, err := c1.Slot("Enrollments")
	require.NoError(t, err)
	assert.Equal(t, orm.Loading, slot.State())
	close(release)
	wg.Wait()

	for i := range readers {
		require.NoError(t, errs[i])
		assert.Equal(t, []int64{2, 1}, ids(results[i]))
	}
	assert.Equal(t, 1, countCalls(st, "FetchByForeignKey", "Enrollment"))
}

func TestLazyLoadFailureRevertsToUnloaded(t *testing.T) {
	t.Parallel()

	u, st := newSchool(t)
	ctx := t.Context()
	c1 := mustGet(t, u, "Course", 1)
	st.FailNext(errBoom)

	_, err := u.Collection(ctx, c1, "Enrollments")
	require.Error(t, err)
	assert.True(t, orm.IsStoreError(err))
	require.ErrorIs(t, err, errBoom)

	slot, err := c1.Slot("Enrollments")
	require.NoError(t, err)
	assert.Equal(t, orm.Unloaded, slot.State())
	_, ok := slot.PeekCollection()
	assert.False(t, ok)

	// no retry happened inside the engine; the caller's retry fetches again
	enrollments, err := u.Collection(ctx, c1, "Enrollments")
	require.NoError(t, err)
	assert.Len(t, enrollments, 2)
	assert.Equal(t, 2, countCalls(st, "FetchByForeignKey", "Enrollment"))
}

func TestLazyLoadFailureIsSharedWithWaiters(t *testing.T) {
	t.Parallel()

	u, st := newSchool(t)
	ctx := t.Context()
	c1 := mustGet(t, u, "Course", 1)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	st.SetGate(func(_ context.Context, c memstore.Call) error {
		if c.Method != "FetchByForeignKey" {
			return nil
		}
		entered <- struct{}{}
		<-release
		return errBoom
	})

	first := make(chan error, 1)
	go func() {
		_, err := u.Collection(ctx, c1, "Enrollments")
		first <- err
	}()
	<-entered

	second := make(chan error, 1)
	go func() {
		second <- u.Load(ctx, c1, "Enrollments")
	}()
	close(release)

	require.ErrorIs(t, <-first, errBoom)
	require.ErrorIs(t, <-second, errBoom)

	slot, err := c1.Slot("Enrollments")
	require.NoError(t, err)
	assert.Equal(t, orm.Unloaded, slot.State())
}

func TestLazyLoadCancellationRevertsToUnloaded(t *testing.T) {
	t.Parallel()

	u, st := newSchool(t)
	c1 := mustGet(t, u, "Course", 1)
	entered, release := holdFetches(st)
	defer close(release)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		_, err := u.Collection(ctx, c1, "Enrollments")
		done <- err
	}()
	<-entered
	cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, orm.IsStoreError(err))

	slot, err := c1.Slot("Enrollments")
	require.NoError(t, err)
	assert.Equal(t, orm.Unloaded, slot.State())
}

func TestWaiterAbandonsWithItsOwnContext(t *testing.T) {
	t.Parallel()

	u, st := newSchool(t)
	c1 := mustGet(t, u, "Course", 1)
	entered, release := holdFetches(st)

	done := make(chan error, 1)
	go func() {
		_, err := u.Collection(t.Context(), c1, "Enrollments")
		done <- err
	}()
	<-entered

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := u.Collection(ctx, c1, "Enrollments")
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	require.NoError(t, <-done)
}

func TestExplicitLoadWithLazyLoadingDisabled(t *testing.T) {
	t.Parallel()

	u, st := newSchool(t, orm.WithLazyLoading(false))
	ctx := t.Context()
	c1 := mustGet(t, u, "Course", 1)

	_, err := u.Collection(ctx, c1, "Enrollments")
	require.Error(t, err)
	assert.True(t, orm.IsNotLoaded(err))
	assert.Zero(t, countCalls(st, "FetchByForeignKey", "Enrollment"))

	require.NoError(t, u.Load(ctx, c1, "Enrollments"))
	require.NoError(t, u.Load(ctx, c1, "Enrollments"), "loading a loaded slot is a no-op")
	assert.Equal(t, 1, countCalls(st, "FetchByForeignKey", "Enrollment"))

	enrollments, err := u.Collection(ctx, c1, "Enrollments")
	require.NoError(t, err)
	assert.Len(t, enrollments, 2)
}

func TestInvalidate(t *testing.T) {
	t.Parallel()

	u, st := newSchool(t)
	ctx := t.Context()
	c1 := mustGet(t, u, "Course", 1)
	c2 := mustGet(t, u, "Course", 2)

	_, err := u.Collection(ctx, c1, "Enrollments")
	require.NoError(t, err)
	require.NoError(t, u.Invalidate(c1, "Enrollments"))

	slot, err := c1.Slot("Enrollments")
	require.NoError(t, err)
	assert.Equal(t, orm.Unloaded, slot.State())

	_, err = u.Collection(ctx, c1, "Enrollments")
	require.NoError(t, err)
	assert.Equal(t, 2, countCalls(st, "FetchByForeignKey", "Enrollment"))

	e3 := mustGet(t, u, "Enrollment", 3)
	require.NoError(t, u.Link(ctx, c1, "Enrollments", e3))
	require.ErrorIs(t, u.Invalidate(c1, "Enrollments"), orm.ErrSlotDirty)
	require.ErrorIs(t, u.Invalidate(c2, "Enrollments"), orm.ErrSlotDirty, "the old parent has a pending removal")
}

func TestEagerIncludeBatchesOneFetchPerSegment(t *testing.T) {
	t.Parallel()

	u, st := newSchool(t)
	ctx := t.Context()
	courses, err := u.Find(ctx, "Course", orm.KeyOf(1), orm.KeyOf(2))
	require.NoError(t, err)
	st.ResetCalls()

	require.NoError(t, u.Include(ctx, courses, "Enrollments.Student", "Instructor"))

	assert.Equal(t, 1, countCalls(st, "FetchByForeignKey", "Enrollment"))
	assert.Equal(t, 1, countCalls(st, "FetchByKeys", "Student"))
	assert.Equal(t, 1, countCalls(st, "FetchByKeys", "Instructor"))
	assert.Len(t, st.Calls(), 3)

	for _, c := range st.Calls() {
		if c.Type == "Enrollment" {
			assert.Equal(t, []string{"course_id"}, c.FK)
			assert.ElementsMatch(t, []orm.Key{orm.KeyOf(1), orm.KeyOf(2)}, c.Keys)
		}
		if c.Type == "Student" {
			assert.ElementsMatch(t, []orm.Key{orm.KeyOf(1), orm.KeyOf(2)}, c.Keys, "distinct foreign keys only")
		}
	}

	for _, c := range courses {
		slot, err := c.Slot("Enrollments")
		require.NoError(t, err)
		enrollments, ok := slot.PeekCollection()
		require.True(t, ok)
		for _, e := range enrollments {
			for _, rel := range []string{"Student", "Course"} {
				s, err := e.Slot(rel)
				require.NoError(t, err)
				assert.Equal(t, orm.Loaded, s.State(), "%s.%s", e, rel)
			}
		}
	}

	// loaded slots are traversed, not fetched again
	st.ResetCalls()
	require.NoError(t, u.Include(ctx, courses, "Enrollments.Student.Enrollments"))
	assert.Len(t, st.Calls(), 1)
	assert.Equal(t, 1, countCalls(st, "FetchByForeignKey", "Enrollment"))
}

func TestEagerIncludeOverManyRoots(t *testing.T) {
	t.Parallel()

	m := schoolModel(t)
	st := memstore.New(m)
	const n = 25
	keys := make([]orm.Key, 0, n)
	for i := 1; i <= n; i++ {
		require.NoError(t, st.Seed("Course", orm.Row{"id": i, "title": "c"}))
		require.NoError(t, st.Seed("Student", orm.Row{"id": i, "name": "s"}))
		require.NoError(t, st.Seed("Enrollment",
			orm.Row{"id": 2 * i, "course_id": i, "student_id": i, "position": 1},
			orm.Row{"id": 2*i + 1, "course_id": i, "student_id": (i % n) + 1, "position": 2},
		))
		keys = append(keys, orm.KeyOf(i))
	}
	u := orm.NewUnitOfWork(m, st)
	defer u.Close()

	courses, err := u.Find(t.Context(), "Course", keys...)
	require.NoError(t, err)
	require.Len(t, courses, n)
	st.ResetCalls()

	require.NoError(t, u.Include(t.Context(), courses, "Enrollments.Student"))
	assert.Len(t, st.Calls(), 2)

	for _, c := range courses {
		slot, err := c.Slot("Enrollments")
		require.NoError(t, err)
		enrollments, ok := slot.PeekCollection()
		require.True(t, ok)
		assert.Len(t, enrollments, 2)
	}
}

func TestEagerIncludeFailureLeavesSlotsUnloaded(t *testing.T) {
	t.Parallel()

	u, st := newSchool(t)
	ctx := t.Context()
	courses, err := u.Find(ctx, "Course", orm.KeyOf(1), orm.KeyOf(2))
	require.NoError(t, err)
	st.FailNext(errBoom)

	err = u.Include(ctx, courses, "Enrollments")
	require.ErrorIs(t, err, errBoom)
	for _, c := range courses {
		slot, err := c.Slot("Enrollments")
		require.NoError(t, err)
		assert.Equal(t, orm.Unloaded, slot.State())
	}

	require.NoError(t, u.Include(ctx, courses, "Enrollments"))
}

func TestEagerIncludeRejectsUnknownPath(t *testing.T) {
	t.Parallel()

	u, st := newSchool(t)
	c1 := mustGet(t, u, "Course", 1)
	st.ResetCalls()

	err := u.Include(t.Context(), []*orm.Entity{c1}, "Enrollments.Teacher")
	require.ErrorIs(t, err, orm.ErrUnknownRelationship)
	assert.Empty(t, st.Calls(), "paths are validated before fetching")
}

func TestMergeKeepsLocalEdits(t *testing.T) {
	t.Parallel()

	u, _ := newSchool(t)
	c1 := mustGet(t, u, "Course", 1)
	require.NoError(t, u.Set(c1, "title", "Local"))

	_, err := u.Attach("Course", orm.Row{"id": 1, "title": "Remote", "instructor_id": 1})
	require.NoError(t, err)
	assert.Equal(t, "Local", c1.Get("title"))
}

func TestMergeOfChangedForeignKeyResetsNavigation(t *testing.T) {
	t.Parallel()

	u, _ := newSchool(t)
	ctx := t.Context()
	c1 := mustGet(t, u, "Course", 1)
	enrollments, err := u.Collection(ctx, c1, "Enrollments")
	require.NoError(t, err)
	e1 := enrollments[1]

	// the store moved enrollment 1 to course 2 behind our back
	_, err = u.Attach("Enrollment", orm.Row{"id": 1, "course_id": 2, "student_id": 1, "position": 2})
	require.NoError(t, err)

	slot, err := e1.Slot("Course")
	require.NoError(t, err)
	assert.Equal(t, orm.Unloaded, slot.State())
	members, ok := mustSlot(t, c1, "Enrollments").PeekCollection()
	require.True(t, ok)
	assert.NotContains(t, members, e1)

	course, err := u.Reference(ctx, e1, "Course")
	require.NoError(t, err)
	assert.Equal(t, int64(2), course.Key()[0])
}

func mustSlot(t *testing.T, e *orm.Entity, rel string) *orm.Slot {
	t.Helper()

	s, err := e.Slot(rel)
	require.NoError(t, err)
	return s
}
