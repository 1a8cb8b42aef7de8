package orm

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Reference returns the related entity of a single-valued relationship,
// loading the slot first when it is unloaded. A nil entity with a nil error
// means there is no related entity.
func (u *UnitOfWork) Reference(ctx context.Context, e *Entity, rel string) (*Entity, error) {
	s, err := u.loadSlot(ctx, e, rel, "lazy", true)
	if err != nil {
		return nil, err
	}
	if s.rel.cardinality != One {
		return nil, fmt.Errorf("orm: %s is a collection", s.rel)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return s.ref, nil
}

// Collection returns the members of a many-valued relationship, loading the
// slot first when it is unloaded.
func (u *UnitOfWork) Collection(ctx context.Context, e *Entity, rel string) ([]*Entity, error) {
	s, err := u.loadSlot(ctx, e, rel, "lazy", true)
	if err != nil {
		return nil, err
	}
	if s.rel.cardinality != Many {
		return nil, fmt.Errorf("orm: %s is single-valued", s.rel)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]*Entity(nil), s.items...), nil
}

// Load loads the slot of rel on e unless it is already loaded. It works
// whether or not lazy loading is enabled.
func (u *UnitOfWork) Load(ctx context.Context, e *Entity, rel string) error {
	_, err := u.loadSlot(ctx, e, rel, "explicit", false)
	return err
}

// Invalidate returns a loaded slot to Unloaded so that the next read fetches
// it again. Slots with pending additions or removals cannot be invalidated.
func (u *UnitOfWork) Invalidate(e *Entity, rel string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	s, err := u.slotFor(e, rel)
	if err != nil {
		return err
	}
	switch {
	case s.isDirty():
		return fmt.Errorf("%w: %s", ErrSlotDirty, s)
	case s.state == Loading:
		return fmt.Errorf("orm: %s is loading", s)
	}
	s.state, s.ref, s.items = Unloaded, nil, nil
	return nil
}

// Find returns the entities of typeName with the given keys, in key order.
// Keys that are already tracked are served from the registry; the rest are
// fetched with one Store call. Keys the store does not know are skipped.
func (u *UnitOfWork) Find(ctx context.Context, typeName string, keys ...Key) ([]*Entity, error) {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil, &DetachedAccessError{}
	}
	typ, err := u.typeOf(typeName)
	if err != nil {
		u.mu.Unlock()
		return nil, err
	}
	normalized := make([]Key, 0, len(keys))
	var missing []Key
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = KeyOf(k...)
		if len(k) != len(typ.key) {
			u.mu.Unlock()
			return nil, fmt.Errorf("orm: %s key %s has %d parts, want %d", typ.name, k, len(k), len(typ.key))
		}
		normalized = append(normalized, k)
		if _, dup := seen[k.String()]; dup {
			continue
		}
		seen[k.String()] = struct{}{}
		if _, ok := u.registry.lookup(typ.name, k); !ok {
			missing = append(missing, k)
		}
	}
	u.mu.Unlock()

	if len(missing) > 0 {
		rows, err := u.fetch(ctx, "find", fetchPlan{typ: typ, keys: missing})
		if err != nil {
			return nil, err
		}
		u.mu.Lock()
		if _, err := u.internAll(typ, rows); err != nil {
			u.mu.Unlock()
			return nil, err
		}
		u.mu.Unlock()
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	found := make([]*Entity, 0, len(normalized))
	picked := make(map[*Entity]struct{}, len(normalized))
	for _, k := range normalized {
		e, ok := u.registry.lookup(typ.name, k)
		if !ok || e.state == Deleted {
			continue
		}
		if _, dup := picked[e]; dup {
			continue
		}
		picked[e] = struct{}{}
		found = append(found, e)
	}
	return found, nil
}

// Get returns the entity of typeName with key, or ErrNotFound.
func (u *UnitOfWork) Get(ctx context.Context, typeName string, key Key) (*Entity, error) {
	found, err := u.Find(ctx, typeName, key)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %s%s", ErrNotFound, typeName, key)
	}
	return found[0], nil
}

// Attach interns rows obtained outside the engine, for example from an
// application query, and returns the tracked instances.
func (u *UnitOfWork) Attach(typeName string, rows ...Row) ([]*Entity, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil, &DetachedAccessError{}
	}
	typ, err := u.typeOf(typeName)
	if err != nil {
		return nil, err
	}
	return u.internAll(typ, rows)
}

// Include eagerly loads dot-separated relationship paths such as
// "Enrollments.Student" for roots, which must share one type. Each path
// segment costs one Store call for the whole frontier; slots that are
// already loaded are traversed without fetching.
func (u *UnitOfWork) Include(ctx context.Context, roots []*Entity, paths ...string) error {
	if len(roots) == 0 || len(paths) == 0 {
		return nil
	}
	typ := roots[0].typ
	for _, r := range roots[1:] {
		if r.typ != typ {
			return fmt.Errorf("orm: include roots mix %s and %s", typ.name, r.typ.name)
		}
	}
	tree, err := buildIncludeTree(typ, paths)
	if err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "orm.Include", trace.WithAttributes(
		attribute.String("uow", u.id),
		attribute.String("type", typ.name),
		attribute.StringSlice("paths", paths),
	))
	defer span.End()

	if err := u.includeLevel(ctx, roots, tree); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

type includeNode struct {
	rel      *Relationship
	children []*includeNode
}

func (n *includeNode) child(r *Relationship) *includeNode {
	for _, c := range n.children {
		if c.rel == r {
			return c
		}
	}
	c := &includeNode{rel: r}
	n.children = append(n.children, c)
	return c
}

func buildIncludeTree(typ *EntityType, paths []string) (*includeNode, error) {
	root := &includeNode{}
	for _, p := range paths {
		node, t := root, typ
		for _, name := range strings.Split(p, ".") {
			r, ok := t.relIndex[name]
			if !ok {
				return nil, fmt.Errorf("%w: %s.%s in path %q", ErrUnknownRelationship, t.name, name, p)
			}
			node = node.child(r)
			t = r.target
		}
	}
	return root, nil
}

// includeLevel loads every child of node for owners. Sibling branches run
// concurrently; the first failure cancels the others.
func (u *UnitOfWork) includeLevel(ctx context.Context, owners []*Entity, node *includeNode) error {
	if len(owners) == 0 || len(node.children) == 0 {
		return nil
	}
	if len(node.children) == 1 {
		return u.includeBranch(ctx, owners, node.children[0])
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range node.children {
		g.Go(func() error {
			return u.includeBranch(ctx, owners, c)
		})
	}
	return g.Wait() //nolint:wrapcheck // errors are already typed
}

func (u *UnitOfWork) includeBranch(ctx context.Context, owners []*Entity, node *includeNode) error {
	next, err := u.eagerSegment(ctx, owners, node.rel)
	if err != nil {
		return err
	}
	return u.includeLevel(ctx, next, node)
}

// eagerSegment loads rel for every owner with at most one Store call and
// returns the distinct related entities, the next frontier.
func (u *UnitOfWork) eagerSegment(ctx context.Context, owners []*Entity, rel *Relationship) ([]*Entity, error) {
	u.mu.Lock()
	for _, o := range owners {
		if err := u.checkAttached(o, rel.name); err != nil {
			u.mu.Unlock()
			return nil, err
		}
	}

	var (
		claimed []*Slot
		waits   []*flight
		keys    []Key
	)
	uniq := make([]*Entity, 0, len(owners))
	seenOwner := make(map[*Entity]struct{}, len(owners))
	seenKey := make(map[string]struct{}, len(owners))
	for _, o := range owners {
		if _, dup := seenOwner[o]; dup {
			continue
		}
		seenOwner[o] = struct{}{}
		uniq = append(uniq, o)
		s := o.slots[rel.name]
		switch s.state {
		case Loaded:
			continue
		case Loading:
			waits = append(waits, s.flight)
			continue
		}
		if u.resolveLocal(s) {
			continue
		}
		s.begin()
		claimed = append(claimed, s)
		k := planSlot(s).keys[0]
		if _, dup := seenKey[k.String()]; !dup {
			seenKey[k.String()] = struct{}{}
			keys = append(keys, k)
		}
	}
	var plan fetchPlan
	if len(claimed) > 0 {
		plan = planSlot(claimed[0])
		plan.keys = keys
	}
	u.mu.Unlock()

	if len(claimed) > 0 {
		rows, err := u.fetch(ctx, "eager", plan)
		u.mu.Lock()
		if err == nil {
			err = u.resolveSlots(plan, claimed, rows)
		}
		for _, s := range claimed {
			s.finish(err)
		}
		u.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	for _, f := range waits {
		deduplicatedLoadsCounter.Inc()
		if err := f.wait(ctx); err != nil {
			return nil, err
		}
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	var next []*Entity
	seen := make(map[*Entity]struct{})
	for _, o := range uniq {
		for _, t := range o.slots[rel.name].contents() {
			if _, dup := seen[t]; !dup {
				seen[t] = struct{}{}
				next = append(next, t)
			}
		}
	}
	return next, nil
}

// loadSlot brings the slot of rel on e to Loaded. Concurrent callers share
// one in-flight fetch; a failed or cancelled fetch leaves the slot Unloaded.
func (u *UnitOfWork) loadSlot(ctx context.Context, e *Entity, rel, mode string, implicit bool) (*Slot, error) {
	u.mu.Lock()
	s, err := u.slotFor(e, rel)
	if err != nil {
		u.mu.Unlock()
		return nil, err
	}
	for s.state != Unloaded {
		if s.state == Loaded {
			u.mu.Unlock()
			return s, nil
		}
		f := s.flight
		u.mu.Unlock()
		deduplicatedLoadsCounter.Inc()
		if err := f.wait(ctx); err != nil {
			return nil, err
		}
		u.mu.Lock()
		if err := u.checkAttached(e, rel); err != nil {
			u.mu.Unlock()
			return nil, err
		}
	}
	if implicit && !u.lazy {
		u.mu.Unlock()
		return nil, &NotLoadedError{Type: e.typ.name, Relationship: rel}
	}
	if u.resolveLocal(s) {
		u.mu.Unlock()
		return s, nil
	}
	plan := planSlot(s)
	s.begin()
	u.mu.Unlock()

	rows, err := u.fetch(ctx, mode, plan)

	u.mu.Lock()
	defer u.mu.Unlock()
	if err == nil {
		err = u.resolveSlots(plan, []*Slot{s}, rows)
	}
	s.finish(err)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (u *UnitOfWork) slotFor(e *Entity, rel string) (*Slot, error) {
	if err := u.checkAttached(e, rel); err != nil {
		return nil, err
	}
	return e.Slot(rel)
}

// resolveLocal loads s from in-memory state when no Store call is needed: a
// null foreign key, a target already in the registry, or an owner that does
// not exist in the store yet. Callers hold the lock.
func (u *UnitOfWork) resolveLocal(s *Slot) bool {
	a := s.rel.assoc
	if s.rel.fkOwner {
		fk := a.dependentKey(s.owner)
		if fk.IsNull() {
			s.setReference(nil)
			return true
		}
		t, ok := u.registry.lookup(a.Principal.name, fk)
		if !ok {
			return false
		}
		if t.state == Deleted {
			t = nil
		}
		s.setReference(t)
		u.fixInverse(s)
		return true
	}
	if s.owner.state == Added {
		s.resolveCollection(u.registry.dependentsOf(a, s.owner))
		u.fixInverse(s)
		return true
	}
	return false
}

// fetchPlan is one Store call: by primary key when fk is nil, by foreign key otherwise.
type fetchPlan struct {
	typ  *EntityType
	fk   []string
	keys []Key
}

func (p fetchPlan) kind() string {
	if p.fk == nil {
		return "keys"
	}
	return "foreign_key"
}

func planSlot(s *Slot) fetchPlan {
	a := s.rel.assoc
	if s.rel.fkOwner {
		return fetchPlan{typ: a.Principal, keys: []Key{a.dependentKey(s.owner)}}
	}
	return fetchPlan{typ: a.Dependent, fk: a.ForeignKey, keys: []Key{s.owner.key}}
}

// fetch issues one Store call. Store failures and cancellation come back as
// *StoreError.
func (u *UnitOfWork) fetch(ctx context.Context, mode string, p fetchPlan) ([]Row, error) {
	ctx, span := tracer.Start(ctx, "orm.fetch", trace.WithAttributes(
		attribute.String("uow", u.id),
		attribute.String("mode", mode),
		attribute.String("type", p.typ.name),
		attribute.Int("keys", len(p.keys)),
	))
	defer span.End()

	storeFetchesCounter.WithLabelValues(mode, p.kind()).Inc()
	u.logger.Debug("store fetch",
		zap.String("mode", mode),
		zap.String("type", p.typ.name),
		zap.Strings("fk", p.fk),
		zap.Int("keys", len(p.keys)),
	)

	var (
		rows []Row
		err  error
	)
	if p.fk == nil {
		rows, err = u.store.FetchByKeys(ctx, p.typ.name, p.keys)
	} else {
		rows, err = u.store.FetchByForeignKey(ctx, p.typ.name, p.fk, p.keys)
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &StoreError{Op: "fetch", Type: p.typ.name, Err: err}
	}
	span.SetAttributes(attribute.Int("rows", len(rows)))
	return rows, nil
}

// resolveSlots interns fetched rows and loads the claimed slots from them.
// Callers hold the lock.
func (u *UnitOfWork) resolveSlots(p fetchPlan, slots []*Slot, rows []Row) error {
	if u.closed {
		return &DetachedAccessError{}
	}
	fetched, err := u.internAll(p.typ, rows)
	if err != nil {
		return err
	}
	var byOwner map[string][]*Entity
	if p.fk != nil {
		byOwner = make(map[string][]*Entity)
		for _, e := range fetched {
			k := keyFrom(e.values, p.fk).String()
			byOwner[k] = append(byOwner[k], e)
		}
	}
	for _, s := range slots {
		a := s.rel.assoc
		if s.rel.fkOwner {
			t, _ := u.registry.lookup(a.Principal.name, a.dependentKey(s.owner))
			if t != nil && t.state == Deleted {
				t = nil
			}
			s.setReference(t)
		} else {
			// tracked dependents may point at the owner through edits the
			// store has not seen yet
			s.resolveCollection(append(byOwner[s.owner.key.String()], u.registry.dependentsOf(a, s.owner)...))
		}
		u.fixInverse(s)
	}
	return nil
}

// fixInverse loads the single-valued inverse slots of the entities s now
// holds so that navigating back costs no fetch. Callers hold the lock.
func (u *UnitOfWork) fixInverse(s *Slot) {
	inv := s.rel.inverse
	if inv == nil || inv.cardinality != One {
		return
	}
	for _, t := range s.contents() {
		is := t.slots[inv.name]
		if is.state == Unloaded && !is.isDirty() {
			is.setReference(s.owner)
		}
	}
}

func (u *UnitOfWork) internAll(typ *EntityType, rows []Row) ([]*Entity, error) {
	out := make([]*Entity, 0, len(rows))
	for _, row := range rows {
		e, err := u.registry.intern(typ, typ.KeyOf(row), row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
