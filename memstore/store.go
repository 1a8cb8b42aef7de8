// Package memstore is an in-memory orm.Store. Rows keep their insertion
// order, Persist is all-or-nothing and every call is recorded, which makes
// it the store of choice for tests.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/mickamy/ormnav/orm"
)

// ErrRowNotFound is returned by Persist when an update or delete names a row
// that does not exist.
var ErrRowNotFound = errors.New("memstore: row not found")

// Call records one Store call.
type Call struct {
	Method string
	Type   string
	FK     []string
	Keys   []orm.Key
	Ops    []orm.Op
}

// Gate runs before a call is served, outside the store lock. Returning an
// error fails the call. Tests use it to hold fetches in flight.
type Gate func(ctx context.Context, c Call) error

// Store is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	model    *orm.Model
	tables   map[string]*table
	calls    []Call
	failures []error
	gate     Gate
}

type table struct {
	typ   *orm.EntityType
	order []string
	rows  map[string]orm.Row
}

func (t *table) clone() *table {
	c := &table{typ: t.typ, order: slices.Clone(t.order), rows: make(map[string]orm.Row, len(t.rows))}
	for k, r := range t.rows {
		c.rows[k] = r.Clone()
	}
	return c
}

func (t *table) each(fn func(orm.Row)) {
	for _, k := range t.order {
		fn(t.rows[k])
	}
}

func (t *table) put(row orm.Row) {
	k := t.typ.KeyOf(row).String()
	if _, ok := t.rows[k]; !ok {
		t.order = append(t.order, k)
	}
	t.rows[k] = row
}

func (t *table) remove(k string) {
	delete(t.rows, k)
	if i := slices.Index(t.order, k); i >= 0 {
		t.order = slices.Delete(t.order, i, i+1)
	}
}

var _ orm.Store = (*Store)(nil)

// New returns an empty store with one table per entity type of model.
func New(model *orm.Model) *Store {
	s := &Store{model: model, tables: make(map[string]*table)}
	for _, t := range model.Types() {
		s.tables[t.Name()] = &table{typ: t, rows: make(map[string]orm.Row)}
	}
	return s
}

// Seed inserts or replaces rows without recording a call.
func (s *Store) Seed(typeName string, rows ...orm.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(typeName)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if t.typ.KeyOf(r).IsNull() {
			return fmt.Errorf("memstore: %s row without a key", typeName)
		}
		t.put(normalizeRow(r))
	}
	return nil
}

// Rows returns a copy of the rows of typeName in insertion order.
func (s *Store) Rows(typeName string) []orm.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[typeName]
	if !ok {
		return nil
	}
	out := make([]orm.Row, 0, len(t.order))
	t.each(func(r orm.Row) { out = append(out, r.Clone()) })
	return out
}

// Row returns a copy of the row of typeName with key.
func (s *Store) Row(typeName string, key orm.Key) (orm.Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[typeName]
	if !ok {
		return nil, false
	}
	r, ok := t.rows[orm.KeyOf(key...).String()]
	return r.Clone(), ok
}

// Calls returns the recorded calls in order.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// CallCount returns how many calls of method were recorded.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ResetCalls forgets the recorded calls.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// FailNext makes the next call fail with err. Failures queue up.
func (s *Store) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, err)
}

// SetGate installs g; nil removes it.
func (s *Store) SetGate(g Gate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = g
}

func (s *Store) FetchByKeys(ctx context.Context, entityType string, keys []orm.Key) ([]orm.Row, error) {
	c := Call{Method: "FetchByKeys", Type: entityType, Keys: cloneKeys(keys)}
	if err := s.enter(ctx, c); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(entityType)
	if err != nil {
		return nil, err
	}
	want := keySet(keys)
	var out []orm.Row
	t.each(func(r orm.Row) {
		if _, ok := want[t.typ.KeyOf(r).String()]; ok {
			out = append(out, r.Clone())
		}
	})
	return out, nil
}

func (s *Store) FetchByForeignKey(ctx context.Context, entityType string, fk []string, values []orm.Key) ([]orm.Row, error) {
	c := Call{Method: "FetchByForeignKey", Type: entityType, FK: slices.Clone(fk), Keys: cloneKeys(values)}
	if err := s.enter(ctx, c); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(entityType)
	if err != nil {
		return nil, err
	}
	for _, f := range fk {
		if !t.typ.HasField(f) {
			return nil, fmt.Errorf("memstore: %s has no field %q", entityType, f)
		}
	}
	want := keySet(values)
	var out []orm.Row
	t.each(func(r orm.Row) {
		k := project(r, fk)
		if k.IsNull() {
			return
		}
		if _, ok := want[k.String()]; ok {
			out = append(out, r.Clone())
		}
	})
	return out, nil
}

// Persist applies cs to a copy of the tables and swaps it in only when every
// op succeeds and all foreign keys resolve.
func (s *Store) Persist(ctx context.Context, cs *orm.Changeset) error {
	c := Call{Method: "Persist", Ops: slices.Clone(cs.Ops)}
	if err := s.enter(ctx, c); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]*table, len(s.tables))
	for name, t := range s.tables {
		next[name] = t.clone()
	}
	for _, op := range cs.Ops {
		if err := apply(next, op); err != nil {
			return err
		}
	}
	if err := s.checkReferences(next); err != nil {
		return err
	}
	s.tables = next
	return nil
}

// enter records c, consults the gate and pops a queued failure.
func (s *Store) enter(ctx context.Context, c Call) error {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	gate := s.gate
	var fail error
	if len(s.failures) > 0 {
		fail = s.failures[0]
		s.failures = s.failures[1:]
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err //nolint:wrapcheck // cancellation is reported as is
	}
	if gate != nil {
		if err := gate(ctx, c); err != nil {
			return err
		}
	}
	return fail
}

func (s *Store) table(name string) (*table, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", orm.ErrUnknownType, name)
	}
	return t, nil
}

func apply(tables map[string]*table, op orm.Op) error {
	t, ok := tables[op.Type]
	if !ok {
		return fmt.Errorf("%w: %s", orm.ErrUnknownType, op.Type)
	}
	k := orm.KeyOf(op.Key...).String()
	switch op.Kind {
	case orm.OpInsert:
		if _, dup := t.rows[k]; dup {
			return &orm.ConstraintViolation{Type: op.Type, Key: op.Key, Reason: "duplicate key"}
		}
		t.put(normalizeRow(op.Values))
	case orm.OpUpdate, orm.OpLink, orm.OpUnlink:
		r, ok := t.rows[k]
		if !ok {
			return fmt.Errorf("%w: %s %s%s", ErrRowNotFound, op.Kind, op.Type, op.Key)
		}
		for f, v := range op.Values {
			r[f] = orm.Normalize(v)
		}
	case orm.OpDelete:
		if _, ok := t.rows[k]; !ok {
			return fmt.Errorf("%w: delete %s%s", ErrRowNotFound, op.Type, op.Key)
		}
		t.remove(k)
	default:
		return fmt.Errorf("memstore: unsupported op %s", op.Kind)
	}
	return nil
}

// checkReferences fails when a non-null foreign key points at a missing row.
func (s *Store) checkReferences(tables map[string]*table) error {
	for _, a := range s.model.Associations() {
		principals := tables[a.Principal.Name()]
		dependents := tables[a.Dependent.Name()]
		var violation error
		dependents.each(func(r orm.Row) {
			if violation != nil {
				return
			}
			k := project(r, a.ForeignKey)
			if k.IsNull() {
				return
			}
			if _, ok := principals.rows[k.String()]; !ok {
				violation = &orm.ConstraintViolation{
					Type:         a.Dependent.Name(),
					Key:          a.Dependent.KeyOf(r),
					Relationship: a.String(),
					Reason:       fmt.Sprintf("foreign key %s references a missing %s", k, a.Principal.Name()),
				}
			}
		})
		if violation != nil {
			return violation
		}
	}
	return nil
}

func project(r orm.Row, fields []string) orm.Key {
	vals := make([]any, len(fields))
	for i, f := range fields {
		vals[i] = r[f]
	}
	return orm.KeyOf(vals...)
}

func keySet(keys []orm.Key) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[orm.KeyOf(k...).String()] = struct{}{}
	}
	return set
}

func cloneKeys(keys []orm.Key) []orm.Key {
	out := make([]orm.Key, len(keys))
	for i, k := range keys {
		out[i] = slices.Clone(k)
	}
	return out
}

func normalizeRow(r orm.Row) orm.Row {
	out := make(orm.Row, len(r))
	for f, v := range r {
		out[f] = orm.Normalize(v)
	}
	return out
}
