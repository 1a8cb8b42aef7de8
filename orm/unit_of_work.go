package orm

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// UnitOfWork tracks the entities of one logical operation sequence, their
// navigation slots and the pending changeset. All of its state is guarded by
// one mutex that is never held across a Store call.
//
// A UnitOfWork may be shared by goroutines that load concurrently. Structural
// edits are applied in the order they are issued; callers that issue them
// from several goroutines must order them themselves.
type UnitOfWork struct {
	mu sync.Mutex

	id       string
	model    *Model
	store    Store
	logger   *zap.Logger
	lazy     bool
	registry *Registry
	journal  []change
	seq      uint64
	closed   bool
}

// change is one journaled edit. entity is the row the op writes; ref is the
// principal a link points at and prev the principal a link or unlink moves
// the entity away from, if any.
type change struct {
	seq    uint64
	op     Op
	entity *Entity
	ref    *Entity
	prev   *Entity
}

// Option configures a UnitOfWork.
type Option func(*UnitOfWork)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(u *UnitOfWork) {
		if l != nil {
			u.logger = l
		}
	}
}

// WithLazyLoading enables or disables implicit fetching when an unloaded slot
// is read. It is enabled by default.
func WithLazyLoading(enabled bool) Option {
	return func(u *UnitOfWork) { u.lazy = enabled }
}

// NewUnitOfWork starts a unit of work over model and store.
func NewUnitOfWork(model *Model, store Store, opts ...Option) *UnitOfWork {
	u := &UnitOfWork{
		id:     uuid.NewString(),
		model:  model,
		store:  store,
		logger: zap.NewNop(),
		lazy:   true,
	}
	u.registry = newRegistry(u)
	for _, opt := range opts {
		opt(u)
	}
	u.logger = u.logger.With(zap.String("uow", u.id))
	return u
}

// ID returns the identifier used to correlate logs, traces and changesets.
func (u *UnitOfWork) ID() string { return u.id }

func (u *UnitOfWork) Model() *Model { return u.model }

// Registry returns the identity map.
func (u *UnitOfWork) Registry() *Registry { return u.registry }

// Lookup returns the tracked entity of typeName with key, without fetching.
func (u *UnitOfWork) Lookup(typeName string, key Key) (*Entity, bool) {
	return u.registry.Lookup(typeName, key)
}

// Pending returns a copy of the operations Commit would hand to the Store.
func (u *UnitOfWork) Pending() *Changeset {
	u.mu.Lock()
	defer u.mu.Unlock()
	return &Changeset{UnitOfWork: u.id, Ops: u.compact()}
}

// Commit hands the pending changeset to the Store. On success the committed
// edits are cleared and deleted entities are detached; on failure everything
// stays pending and the error is a *StoreError (or wraps a
// *ConstraintViolation reported by the store).
func (u *UnitOfWork) Commit(ctx context.Context) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return &DetachedAccessError{}
	}
	upto := u.seq
	cs := &Changeset{UnitOfWork: u.id, At: now(ctx), Ops: u.compact()}
	u.mu.Unlock()

	if !cs.Empty() {
		ctx, span := tracer.Start(ctx, "orm.Commit", trace.WithAttributes(
			attribute.String("uow", u.id),
			attribute.Int("ops", cs.Len()),
		))
		err := u.store.Persist(ctx, cs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			commitsCounter.WithLabelValues("error").Inc()
			u.logger.Warn("commit failed", zap.Int("ops", cs.Len()), zap.Error(err))
			return &StoreError{Op: "persist", Err: err}
		}
		span.End()
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	var committed []change
	u.journal = slices.DeleteFunc(u.journal, func(c change) bool {
		if c.seq > upto {
			return false
		}
		committed = append(committed, c)
		return true
	})
	touched := make(map[*Entity]struct{}, len(committed))
	removed := make(map[*Entity]struct{})
	for _, c := range committed {
		touched[c.entity] = struct{}{}
		if c.op.Kind == OpDelete {
			removed[c.entity] = struct{}{}
		}
	}
	for e := range touched {
		switch e.state {
		case Detached:
		case Deleted:
			if _, ok := removed[e]; ok {
				u.registry.evict(e)
				e.state = Detached
			}
		default:
			e.state = Unchanged
			clear(e.dirty)
		}
	}
	for _, list := range u.registry.byType {
		for _, e := range list {
			for _, s := range e.slots {
				s.clearPending()
			}
		}
	}
	// edits issued while Persist ran are still pending
	for _, c := range u.journal {
		u.restorePending(c)
	}
	commitsCounter.WithLabelValues("ok").Inc()
	u.logger.Debug("committed", zap.Int("ops", cs.Len()), zap.Int("pending", len(u.journal)))
	return nil
}

// restorePending marks the entity and slots an uncommitted change touches as
// dirty again. Callers hold the lock.
func (u *UnitOfWork) restorePending(c change) {
	e := c.entity
	if e.state == Detached || e.state == Deleted || c.op.Kind == OpDelete {
		return
	}
	if c.op.Kind == OpInsert {
		e.state = Added
	} else {
		for f := range c.op.Values {
			e.markModified(f)
		}
	}
	if c.op.Kind == OpUpdate {
		return
	}
	for _, a := range u.model.assocs {
		if a.Dependent != e.typ {
			continue
		}
		if c.op.Kind != OpInsert && c.op.Relationship != a.String() {
			continue
		}
		if nav := a.PrincipalNav; nav != nil {
			if c.prev != nil {
				c.prev.slots[nav.name].markRemoved(e)
			}
			if p, ok := u.registry.lookup(a.Principal.name, a.dependentKey(e)); ok {
				ps := p.slots[nav.name]
				ps.markAdded(e)
				if nav.cardinality == One {
					ps.dirty = true
				}
			}
		}
		if c.op.Kind != OpInsert && a.DependentNav != nil {
			e.slots[a.DependentNav.name].dirty = true
		}
	}
}

// Close ends the unit of work. Pending changes are discarded and every
// entity becomes a detached snapshot. Close is idempotent.
func (u *UnitOfWork) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	u.closed = true
	if len(u.journal) > 0 {
		u.logger.Debug("discarding pending changes", zap.Int("ops", len(u.journal)))
	}
	u.journal = nil
	for _, list := range u.registry.byType {
		for _, e := range list {
			e.state = Detached
		}
	}
}

// Detach stops tracking e and drops its pending operations.
func (u *UnitOfWork) Detach(e *Entity) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.checkAttached(e, ""); err != nil {
		return err
	}
	u.forget(e)
	return nil
}

// forget evicts e and drops its pending operations. Callers hold the lock.
func (u *UnitOfWork) forget(e *Entity) {
	u.journal = slices.DeleteFunc(u.journal, func(c change) bool { return c.entity == e })
	u.registry.evict(e)
	e.state = Detached
}

func (u *UnitOfWork) checkAttached(e *Entity, rel string) error {
	if e == nil {
		return fmt.Errorf("orm: nil entity")
	}
	if !e.attachedTo(u) {
		return &DetachedAccessError{Type: e.typ.name, Key: e.key, Relationship: rel}
	}
	return nil
}

func (u *UnitOfWork) typeOf(name string) (*EntityType, error) {
	t, ok := u.model.Type(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	return t, nil
}

// record appends c to the journal. Callers hold the lock.
func (u *UnitOfWork) record(c change) {
	u.seq++
	c.seq = u.seq
	u.journal = append(u.journal, c)
}

// compact returns the journal as ops, dropping everything about entities that
// were both created and deleted in this unit of work, including links to them.
func (u *UnitOfWork) compact() []Op {
	inserted := make(map[*Entity]struct{})
	deleted := make(map[*Entity]struct{})
	for _, c := range u.journal {
		switch c.op.Kind {
		case OpInsert:
			inserted[c.entity] = struct{}{}
		case OpDelete:
			deleted[c.entity] = struct{}{}
		}
	}
	transient := func(e *Entity) bool {
		if e == nil {
			return false
		}
		_, ins := inserted[e]
		_, del := deleted[e]
		return ins && del
	}
	ops := make([]Op, 0, len(u.journal))
	for _, c := range u.journal {
		if transient(c.entity) || (c.op.Kind == OpLink && transient(c.ref)) {
			continue
		}
		op := c.op
		op.Key = slices.Clone(op.Key)
		op.Values = op.Values.Clone()
		ops = append(ops, op)
	}
	return ops
}
