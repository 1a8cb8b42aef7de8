package orm

import (
	"fmt"
	"slices"
)

type identity struct {
	typ string
	key string
}

// Registry is the identity map of a unit of work: at most one instance per
// (type, key). It shares the owning UnitOfWork's lock.
type Registry struct {
	uow     *UnitOfWork
	entries map[identity]*Entity
	byType  map[string][]*Entity
}

func newRegistry(u *UnitOfWork) *Registry {
	return &Registry{
		uow:     u,
		entries: make(map[identity]*Entity),
		byType:  make(map[string][]*Entity),
	}
}

// Intern returns the tracked instance for (typ, key), merging fresh into it,
// or creates and tracks a new instance. Fields with pending local edits keep
// their local values.
func (r *Registry) Intern(typ *EntityType, key Key, fresh Row) (*Entity, error) {
	r.uow.mu.Lock()
	defer r.uow.mu.Unlock()
	if r.uow.closed {
		return nil, &DetachedAccessError{}
	}
	return r.intern(typ, KeyOf(key...), fresh)
}

// Lookup returns the tracked instance for (typeName, key).
func (r *Registry) Lookup(typeName string, key Key) (*Entity, bool) {
	r.uow.mu.Lock()
	defer r.uow.mu.Unlock()
	return r.lookup(typeName, key)
}

// Evict stops tracking e and drops its pending operations. The instance
// keeps its values and loaded slots but can no longer load or be edited.
func (r *Registry) Evict(e *Entity) {
	r.uow.mu.Lock()
	defer r.uow.mu.Unlock()
	if e.uow != r.uow {
		return
	}
	r.uow.forget(e)
}

// Len returns the number of tracked entities.
func (r *Registry) Len() int {
	r.uow.mu.Lock()
	defer r.uow.mu.Unlock()
	return len(r.entries)
}

// Entities returns the tracked entities of typeName in tracking order.
func (r *Registry) Entities(typeName string) []*Entity {
	r.uow.mu.Lock()
	defer r.uow.mu.Unlock()
	return slices.Clone(r.byType[typeName])
}

func (r *Registry) intern(typ *EntityType, key Key, fresh Row) (*Entity, error) {
	if len(key) != len(typ.key) || key.IsNull() {
		return nil, fmt.Errorf("orm: %s row has an invalid key %s", typ.name, key)
	}
	id := identity{typ: typ.name, key: key.String()}
	if e, ok := r.entries[id]; ok {
		r.merge(e, fresh)
		return e, nil
	}
	e := newEntity(r.uow, typ, key)
	for _, f := range typ.fields {
		if v, ok := fresh[f.Name]; ok {
			e.values[f.Name] = Normalize(v)
		}
	}
	for i, f := range typ.key {
		e.values[f] = key[i]
	}
	r.entries[id] = e
	r.byType[typ.name] = append(r.byType[typ.name], e)
	return e, nil
}

func (r *Registry) lookup(typeName string, key Key) (*Entity, bool) {
	e, ok := r.entries[identity{typ: typeName, key: key.String()}]
	return e, ok
}

func (r *Registry) evict(e *Entity) {
	id := e.identity()
	if r.entries[id] != e {
		return
	}
	delete(r.entries, id)
	list := r.byType[e.typ.name]
	if i := slices.Index(list, e); i >= 0 {
		r.byType[e.typ.name] = slices.Delete(list, i, i+1)
	}
}

func (r *Registry) track(e *Entity) {
	r.entries[e.identity()] = e
	r.byType[e.typ.name] = append(r.byType[e.typ.name], e)
}

// merge applies store values to fields without pending local edits. When a
// clean foreign key changes, the navigations that depended on it are reset.
func (r *Registry) merge(e *Entity, fresh Row) {
	if e.state == Deleted {
		return
	}
	changed := make(map[string]struct{})
	for _, f := range e.typ.fields {
		v, ok := fresh[f.Name]
		if !ok {
			continue
		}
		if _, local := e.dirty[f.Name]; local {
			continue
		}
		v = Normalize(v)
		if !KeyOf(e.values[f.Name]).Equal(KeyOf(v)) {
			changed[f.Name] = struct{}{}
		}
		e.values[f.Name] = v
	}
	if len(changed) == 0 {
		return
	}
	for _, rel := range e.typ.rels {
		if !rel.fkOwner {
			continue
		}
		a := rel.assoc
		touched := false
		for _, f := range a.ForeignKey {
			if _, ok := changed[f]; ok {
				touched = true
			}
		}
		s := e.slots[rel.name]
		if !touched || s.isDirty() || s.state != Loaded {
			continue
		}
		if old := s.ref; old != nil && rel.inverse != nil {
			old.slots[rel.inverse.name].drop(e)
		}
		s.state, s.ref = Unloaded, nil
		if p, ok := r.lookup(a.Principal.name, a.dependentKey(e)); ok && a.PrincipalNav != nil {
			ps := p.slots[a.PrincipalNav.name]
			if ps.state == Loaded && !ps.isDirty() {
				ps.state, ps.ref, ps.items = Unloaded, nil, nil
			}
		}
	}
}

// dependentsOf returns tracked, live dependents of principal in association a.
func (r *Registry) dependentsOf(a *Association, principal *Entity) []*Entity {
	var out []*Entity
	for _, d := range r.byType[a.Dependent.name] {
		if d.state == Deleted {
			continue
		}
		if a.dependentKey(d).Equal(principal.key) {
			out = append(out, d)
		}
	}
	return out
}
