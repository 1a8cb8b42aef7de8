package orm

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"
)

// Create tracks a new entity of typeName built from row and queues its
// insert. Foreign keys present in row link the entity to its principals.
func (u *UnitOfWork) Create(typeName string, row Row) (*Entity, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil, &DetachedAccessError{}
	}
	typ, err := u.typeOf(typeName)
	if err != nil {
		return nil, err
	}
	for name := range row {
		if !typ.HasField(name) {
			return nil, fmt.Errorf("orm: %s has no field %q", typ.name, name)
		}
	}
	key := typ.KeyOf(row)
	if key.IsNull() {
		return nil, fmt.Errorf("orm: %s needs a key to be created", typ.name)
	}
	if _, ok := u.registry.lookup(typ.name, key); ok {
		return nil, fmt.Errorf("%w: %s%s", ErrAlreadyTracked, typ.name, key)
	}

	e := newEntity(u, typ, key)
	for name, v := range row {
		e.values[name] = Normalize(v)
	}
	e.state = Added
	u.registry.track(e)
	u.record(change{op: Op{Kind: OpInsert, Type: typ.name, Key: key, Values: e.values.Clone()}, entity: e})

	for _, a := range u.model.assocs {
		if a.Dependent != typ || a.PrincipalNav == nil {
			continue
		}
		fk := a.dependentKey(e)
		if fk.IsNull() {
			continue
		}
		p, ok := u.registry.lookup(a.Principal.name, fk)
		if !ok || p.state == Deleted {
			continue
		}
		ps := p.slots[a.PrincipalNav.name]
		switch {
		case a.PrincipalNav.cardinality == Many:
			ps.add(e)
		case ps.state == Loaded:
			ps.assign(e)
		default:
			ps.markAdded(e)
		}
	}
	u.logger.Debug("created", zap.Stringer("entity", e))
	return e, nil
}

// Set updates a scalar field of e. Key fields cannot change, and foreign-key
// fields are changed with Link and Unlink so that slots stay consistent.
func (u *UnitOfWork) Set(e *Entity, field string, value any) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.checkAttached(e, ""); err != nil {
		return err
	}
	if e.state == Deleted {
		return fmt.Errorf("%w: %s", ErrDeleted, e)
	}
	if !e.typ.HasField(field) {
		return fmt.Errorf("orm: %s has no field %q", e.typ.name, field)
	}
	if slices.Contains(e.typ.key, field) {
		return fmt.Errorf("orm: %s key field %q cannot change", e.typ.name, field)
	}
	for _, a := range u.model.assocs {
		if a.Dependent == e.typ && a.isForeignKey(field) {
			return fmt.Errorf("orm: %q is the foreign key of %s; use Link or Unlink", field, a)
		}
	}
	value = Normalize(value)
	e.values[field] = value
	e.markModified(field)
	u.record(change{op: Op{Kind: OpUpdate, Type: e.typ.name, Key: e.key, Values: Row{field: value}}, entity: e})
	return nil
}

// Link relates owner and target through owner's relationship rel. The
// dependent's foreign key, both navigation slots and any previous partner are
// updated together; nothing changes when validation fails.
//
// In a one-to-one association the principal's slot is loaded first, because
// the current partner may exist only in the store and must be displaced.
func (u *UnitOfWork) Link(ctx context.Context, owner *Entity, rel string, target *Entity) error {
	for {
		u.mu.Lock()
		r, principal, dependent, err := u.pair(owner, rel, target)
		if err != nil {
			u.mu.Unlock()
			return err
		}
		a := r.assoc
		if nav := a.PrincipalNav; nav != nil && nav.cardinality == One && principal.slots[nav.name].state != Loaded {
			u.mu.Unlock()
			if _, err := u.loadSlot(ctx, principal, nav.name, "link", false); err != nil {
				return err
			}
			continue
		}
		err = u.link(a, principal, dependent)
		u.mu.Unlock()
		return err
	}
}

// link applies a validated Link. Callers hold the lock.
func (u *UnitOfWork) link(a *Association, principal, dependent *Entity) error {
	var displaced *Entity
	if a.PrincipalNav != nil && a.PrincipalNav.cardinality == One {
		displaced = u.partnerOf(a, principal)
		if displaced == dependent {
			displaced = nil
		}
		if displaced != nil && !a.nullable() {
			return &ConstraintViolation{
				Type:         displaced.typ.name,
				Key:          displaced.key,
				Relationship: a.String(),
				Reason:       fmt.Sprintf("replacing it as the partner of %s would clear a required foreign key", principal),
			}
		}
	}

	if displaced != nil {
		u.clearForeignKey(a, principal, displaced)
	}
	if old := a.dependentKey(dependent); !old.Equal(principal.key) {
		prev, ok := u.registry.lookup(a.Principal.name, old)
		if ok && a.PrincipalNav != nil {
			u.leavePrincipal(a, prev, dependent)
		}
		u.setForeignKey(a, dependent, principal.key)
		u.record(change{
			op: Op{
				Kind:         OpLink,
				Type:         dependent.typ.name,
				Key:          dependent.key,
				Values:       foreignKeyRow(a, principal.key),
				Relationship: a.String(),
			},
			entity: dependent,
			ref:    principal,
			prev:   prev,
		})
	}
	if a.PrincipalNav != nil {
		ps := principal.slots[a.PrincipalNav.name]
		if a.PrincipalNav.cardinality == Many {
			ps.add(dependent)
		} else {
			ps.assign(dependent)
		}
	}
	if a.DependentNav != nil {
		dependent.slots[a.DependentNav.name].assign(principal)
	}
	return nil
}

// Unlink removes the relation between owner and target through owner's
// relationship rel by clearing the dependent's foreign key.
func (u *UnitOfWork) Unlink(owner *Entity, rel string, target *Entity) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	r, principal, dependent, err := u.pair(owner, rel, target)
	if err != nil {
		return err
	}
	a := r.assoc
	if !a.dependentKey(dependent).Equal(principal.key) {
		return fmt.Errorf("%w: %s and %s via %s", ErrNotLinked, principal, dependent, a)
	}
	if !a.nullable() {
		return &ConstraintViolation{
			Type:         dependent.typ.name,
			Key:          dependent.key,
			Relationship: a.String(),
			Reason:       fmt.Sprintf("foreign key %v is required", a.ForeignKey),
		}
	}
	u.clearForeignKey(a, principal, dependent)
	return nil
}

// pair validates a Link or Unlink call and returns the relationship with the
// principal and dependent ends. Callers hold the lock.
func (u *UnitOfWork) pair(owner *Entity, rel string, target *Entity) (*Relationship, *Entity, *Entity, error) {
	s, err := u.slotFor(owner, rel)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := u.checkAttached(target, ""); err != nil {
		return nil, nil, nil, err
	}
	r := s.rel
	if target.typ != r.target {
		return nil, nil, nil, fmt.Errorf("orm: %s relates to %s, not %s", r, r.target.name, target.typ.name)
	}
	for _, e := range []*Entity{owner, target} {
		if e.state == Deleted {
			return nil, nil, nil, fmt.Errorf("%w: %s", ErrDeleted, e)
		}
	}
	if r.fkOwner {
		return r, target, owner, nil
	}
	return r, owner, target, nil
}

// partnerOf returns the current dependent of principal in a one-to-one
// association. The principal's slot is loaded.
func (u *UnitOfWork) partnerOf(a *Association, principal *Entity) *Entity {
	if ref := principal.slots[a.PrincipalNav.name].ref; ref != nil {
		return ref
	}
	if ds := u.registry.dependentsOf(a, principal); len(ds) > 0 {
		return ds[0]
	}
	return nil
}

// clearForeignKey nulls dependent's foreign key to principal and clears both
// navigations. Callers hold the lock.
func (u *UnitOfWork) clearForeignKey(a *Association, principal, dependent *Entity) {
	null := make(Key, len(a.ForeignKey))
	u.setForeignKey(a, dependent, null)
	u.record(change{
		op: Op{
			Kind:         OpUnlink,
			Type:         dependent.typ.name,
			Key:          dependent.key,
			Values:       foreignKeyRow(a, null),
			Relationship: a.String(),
		},
		entity: dependent,
		prev:   principal,
	})
	if a.PrincipalNav != nil {
		u.leavePrincipal(a, principal, dependent)
	}
	if a.DependentNav != nil {
		dependent.slots[a.DependentNav.name].assign(nil)
	}
}

// leavePrincipal removes dependent from principal's navigation. An unloaded
// slot stays unloaded: the store may hold other dependents it has not seen.
func (u *UnitOfWork) leavePrincipal(a *Association, principal, dependent *Entity) {
	ps := principal.slots[a.PrincipalNav.name]
	if a.PrincipalNav.cardinality == Many || ps.state != Loaded {
		ps.remove(dependent)
		return
	}
	if ps.ref == dependent {
		ps.assign(nil)
	}
}

func (u *UnitOfWork) setForeignKey(a *Association, dependent *Entity, key Key) {
	for i, f := range a.ForeignKey {
		dependent.values[f] = key[i]
		dependent.markModified(f)
	}
}

func foreignKeyRow(a *Association, key Key) Row {
	row := make(Row, len(a.ForeignKey))
	for i, f := range a.ForeignKey {
		row[f] = key[i]
	}
	return row
}
