package orm

import (
	"fmt"
	"sync"
)

// EntityState is the lifecycle state of an entity within its unit of work.
type EntityState int

const (
	Unchanged EntityState = iota
	Added
	Modified
	Deleted
	Detached
)

func (s EntityState) String() string {
	switch s {
	case Unchanged:
		return "unchanged"
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case Detached:
		return "detached"
	default:
		return "unknown"
	}
}

// Entity is one tracked record. Reads are safe at any time; writes go through
// the owning UnitOfWork so that they are recorded.
type Entity struct {
	mu     *sync.Mutex
	uow    *UnitOfWork
	typ    *EntityType
	key    Key
	values Row
	dirty  map[string]struct{}
	slots  map[string]*Slot
	state  EntityState
}

func newEntity(u *UnitOfWork, typ *EntityType, key Key) *Entity {
	e := &Entity{
		mu:     &u.mu,
		uow:    u,
		typ:    typ,
		key:    key,
		values: make(Row, len(typ.fields)),
		dirty:  make(map[string]struct{}),
		slots:  make(map[string]*Slot, len(typ.rels)),
	}
	for _, r := range typ.rels {
		e.slots[r.name] = &Slot{owner: e, rel: r}
	}
	return e
}

func (e *Entity) Type() *EntityType { return e.typ }

func (e *Entity) Key() Key { return e.key }

// Get returns the current value of field, including pending local edits.
func (e *Entity) Get(field string) any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.values[field]
}

// Values returns a copy of all field values.
func (e *Entity) Values() Row {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.values.Clone()
}

func (e *Entity) State() EntityState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Slot returns the navigation slot for relationship name.
func (e *Entity) Slot(name string) (*Slot, error) {
	s, ok := e.slots[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownRelationship, e.typ.name, name)
	}
	return s, nil
}

func (e *Entity) String() string {
	return e.typ.name + e.key.String()
}

// attachedTo reports whether e is tracked by u. Callers hold u.mu.
func (e *Entity) attachedTo(u *UnitOfWork) bool {
	return e.uow == u && !u.closed && e.state != Detached
}

// markModified records a pending edit of field. Callers hold the lock.
func (e *Entity) markModified(field string) {
	e.dirty[field] = struct{}{}
	if e.state == Unchanged {
		e.state = Modified
	}
}

func (e *Entity) identity() identity {
	return identity{typ: e.typ.name, key: e.key.String()}
}
