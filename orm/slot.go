package orm

import (
	"context"
	"fmt"
	"slices"
	"sort"
)

// SlotState is the load state of a navigation slot.
type SlotState int

const (
	Unloaded SlotState = iota
	Loading
	Loaded
)

func (s SlotState) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// Slot holds one entity's side of one relationship. A loaded single-valued
// slot with a nil reference means "no related entity", which is distinct
// from Unloaded.
type Slot struct {
	owner *Entity
	rel   *Relationship

	state SlotState
	ref   *Entity
	items []*Entity

	// pending edits; kept while unloaded and applied on top of store results
	added   []*Entity
	removed map[*Entity]struct{}
	dirty   bool

	flight *flight
}

func (s *Slot) Relationship() *Relationship { return s.rel }

func (s *Slot) Owner() *Entity { return s.owner }

func (s *Slot) State() SlotState {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	return s.state
}

// PeekReference returns the related entity of a single-valued slot without
// fetching. ok is false while the slot is not loaded.
func (s *Slot) PeekReference() (ref *Entity, ok bool) {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	if s.state != Loaded {
		return nil, false
	}
	return s.ref, true
}

// PeekCollection returns a copy of a collection slot's members without
// fetching. ok is false while the slot is not loaded.
func (s *Slot) PeekCollection() (items []*Entity, ok bool) {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	if s.state != Loaded {
		return nil, false
	}
	return slices.Clone(s.items), true
}

// Pending returns the additions and removals not yet committed.
func (s *Slot) Pending() (added, removed []*Entity) {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	added = slices.Clone(s.added)
	for e := range s.removed {
		removed = append(removed, e)
	}
	return added, removed
}

func (s *Slot) String() string {
	return fmt.Sprintf("%s.%s", s.owner, s.rel.name)
}

func (s *Slot) isDirty() bool {
	return s.dirty || len(s.added) > 0 || len(s.removed) > 0
}

func (s *Slot) clearPending() {
	s.added = nil
	s.removed = nil
	s.dirty = false
}

// contents returns the loaded related entities as a list.
func (s *Slot) contents() []*Entity {
	if s.state != Loaded {
		return nil
	}
	if s.rel.cardinality == Many {
		return s.items
	}
	if s.ref == nil {
		return nil
	}
	return []*Entity{s.ref}
}

// begin moves the slot to Loading and installs the in-flight latch.
func (s *Slot) begin() *flight {
	f := &flight{done: make(chan struct{})}
	s.state = Loading
	s.flight = f
	return f
}

// finish releases the latch. On error the slot reverts to Unloaded and keeps
// nothing that the failed fetch produced, unless application code assigned
// it in the meantime.
func (s *Slot) finish(err error) {
	f := s.flight
	s.flight = nil
	if err != nil && s.state == Loading {
		s.state = Unloaded
		s.ref = nil
		s.items = nil
	}
	if f != nil {
		f.err = err
		close(f.done)
	}
}

// setReference stores a single-valued result.
func (s *Slot) setReference(target *Entity) {
	s.state = Loaded
	s.ref = target
}

// assign is a direct assignment by application code.
func (s *Slot) assign(target *Entity) {
	s.setReference(target)
	s.dirty = true
}

func (s *Slot) has(e *Entity) bool {
	return slices.Contains(s.items, e)
}

// add records e as a pending member and appends it when loaded.
func (s *Slot) add(e *Entity) {
	s.markAdded(e)
	if s.state == Loaded && !s.has(e) {
		s.items = append(s.items, e)
		s.sort()
	}
}

// remove records e as a pending removal and drops it when loaded.
func (s *Slot) remove(e *Entity) {
	s.markRemoved(e)
	s.drop(e)
}

// markAdded records a pending addition; it cancels a pending removal of e.
func (s *Slot) markAdded(e *Entity) {
	if _, ok := s.removed[e]; ok {
		delete(s.removed, e)
	} else if !slices.Contains(s.added, e) {
		s.added = append(s.added, e)
	}
}

// markRemoved records a pending removal; it cancels a pending addition of e.
func (s *Slot) markRemoved(e *Entity) {
	if i := slices.Index(s.added, e); i >= 0 {
		s.added = slices.Delete(s.added, i, i+1)
		return
	}
	if s.removed == nil {
		s.removed = make(map[*Entity]struct{})
	}
	s.removed[e] = struct{}{}
}

// drop removes e from the loaded members without recording a pending edit.
func (s *Slot) drop(e *Entity) {
	if s.rel.cardinality == One {
		if s.ref == e {
			s.ref = nil
		}
		return
	}
	if i := slices.Index(s.items, e); i >= 0 {
		s.items = slices.Delete(s.items, i, i+1)
	}
}

// resolveCollection stores the members of a collection (or has-one) slot from
// fetched candidates, keeping only entities whose current foreign key still
// points at the owner and merging pending additions.
func (s *Slot) resolveCollection(fetched []*Entity) {
	a := s.rel.assoc
	members := make([]*Entity, 0, len(fetched)+len(s.added))
	seen := make(map[*Entity]struct{}, len(fetched))
	keep := func(e *Entity) {
		if _, dup := seen[e]; dup {
			return
		}
		seen[e] = struct{}{}
		if e.state == Deleted || e.state == Detached {
			return
		}
		if _, gone := s.removed[e]; gone {
			return
		}
		if !a.dependentKey(e).Equal(s.owner.key) {
			return
		}
		members = append(members, e)
	}
	for _, e := range fetched {
		keep(e)
	}
	for _, e := range s.added {
		keep(e)
	}

	s.state = Loaded
	if s.rel.cardinality == One {
		s.ref = nil
		if len(members) > 0 {
			s.ref = members[0]
		}
		return
	}
	s.items = members
	s.sort()
}

func (s *Slot) sort() {
	field := s.rel.orderBy
	if field == "" || len(s.items) < 2 {
		return
	}
	sort.SliceStable(s.items, func(i, j int) bool {
		return compareValues(s.items[i].values[field], s.items[j].values[field]) < 0
	})
}

// flight is the per-slot in-flight latch: at most one fetch per slot, with
// every concurrent accessor receiving the same outcome.
type flight struct {
	done chan struct{}
	err  error
}

func (f *flight) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return fmt.Errorf("orm: waiting for in-flight load: %w", ctx.Err())
	}
}
