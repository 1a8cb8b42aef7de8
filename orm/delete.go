package orm

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// deletePlan is the outcome of walking the dependents of a deleted root.
type deletePlan struct {
	marked    map[*Entity]struct{}
	order     []*Entity // post-order: dependents before their principals
	nulls     []pendingNull
	restricts []pendingRestrict
}

type pendingNull struct {
	assoc     *Association
	principal *Entity
	dependent *Entity
}

type pendingRestrict struct {
	assoc      *Association
	principal  *Entity
	dependents []*Entity
}

// Delete marks e for deletion and applies the delete policy of every
// association in which its type is the principal: cascade deletes dependents
// recursively, set-null clears their foreign keys and restrict refuses the
// whole operation with a *ConstraintViolation while any dependent that is not
// itself being deleted exists. Dependents that are not loaded are fetched
// first. Nothing changes unless the whole plan succeeds.
func (u *UnitOfWork) Delete(ctx context.Context, e *Entity) error {
	u.mu.Lock()
	if err := u.checkAttached(e, ""); err != nil {
		u.mu.Unlock()
		return err
	}
	if e.state == Deleted {
		u.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeleted, e)
	}
	u.mu.Unlock()

	ctx, span := tracer.Start(ctx, "orm.Delete", trace.WithAttributes(
		attribute.String("uow", u.id),
		attribute.String("entity", e.String()),
	))
	defer span.End()

	plan := &deletePlan{marked: make(map[*Entity]struct{})}
	if err := u.planDelete(ctx, plan, e); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if err := plan.check(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	for x := range plan.marked {
		if err := u.checkAttached(x, ""); err != nil {
			return err
		}
		if x.state == Deleted {
			return fmt.Errorf("%w: %s", ErrDeleted, x)
		}
	}
	u.applyDelete(plan)
	u.logger.Debug("delete planned",
		zap.Stringer("root", e),
		zap.Int("deleted", len(plan.order)),
		zap.Int("nulled", len(plan.nulls)),
	)
	return nil
}

// planDelete visits x depth-first. Entities already marked are not visited
// again, which keeps cyclic graphs finite.
func (u *UnitOfWork) planDelete(ctx context.Context, plan *deletePlan, x *Entity) error {
	plan.marked[x] = struct{}{}

	for _, a := range x.typ.dependents {
		deps, err := u.dependents(ctx, a, x)
		if err != nil {
			return err
		}
		switch a.OnDelete {
		case Cascade:
			for _, d := range deps {
				if _, seen := plan.marked[d]; seen {
					continue
				}
				if err := u.planDelete(ctx, plan, d); err != nil {
					return err
				}
			}
		case SetNull:
			for _, d := range deps {
				plan.nulls = append(plan.nulls, pendingNull{assoc: a, principal: x, dependent: d})
			}
		default:
			if len(deps) > 0 {
				plan.restricts = append(plan.restricts, pendingRestrict{assoc: a, principal: x, dependents: deps})
			}
		}
	}
	plan.order = append(plan.order, x)
	return nil
}

// check fails with the first restrict that still has a live dependent outside
// the plan.
func (p *deletePlan) check() error {
	for _, r := range p.restricts {
		n := 0
		for _, d := range r.dependents {
			if _, doomed := p.marked[d]; !doomed {
				n++
			}
		}
		if n > 0 {
			return &ConstraintViolation{
				Type:         r.principal.typ.name,
				Key:          r.principal.key,
				Relationship: r.assoc.String(),
				Dependent:    r.assoc.Dependent.name,
				Count:        n,
				Reason:       "delete is restricted",
			}
		}
	}
	return nil
}

// dependents returns the live dependents of principal in a, loading them when
// the unit of work does not know them yet.
func (u *UnitOfWork) dependents(ctx context.Context, a *Association, principal *Entity) ([]*Entity, error) {
	u.mu.Lock()
	added := principal.state == Added
	u.mu.Unlock()

	var candidates []*Entity
	switch {
	case added:
	case a.PrincipalNav != nil:
		s, err := u.loadSlot(ctx, principal, a.PrincipalNav.name, "cascade", false)
		if err != nil {
			return nil, err
		}
		u.mu.Lock()
		candidates = append(candidates, s.contents()...)
		u.mu.Unlock()
	default:
		rows, err := u.fetch(ctx, "cascade", fetchPlan{typ: a.Dependent, fk: a.ForeignKey, keys: []Key{principal.key}})
		if err != nil {
			return nil, err
		}
		u.mu.Lock()
		fetched, err := u.internAll(a.Dependent, rows)
		u.mu.Unlock()
		if err != nil {
			return nil, err
		}
		candidates = fetched
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	candidates = append(candidates, u.registry.dependentsOf(a, principal)...)
	out := make([]*Entity, 0, len(candidates))
	seen := make(map[*Entity]struct{}, len(candidates))
	for _, d := range candidates {
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		if d.state == Deleted || d.state == Detached || !a.dependentKey(d).Equal(principal.key) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// applyDelete performs a checked plan. Callers hold the lock.
func (u *UnitOfWork) applyDelete(plan *deletePlan) {
	for _, n := range plan.nulls {
		if _, doomed := plan.marked[n.dependent]; doomed {
			continue
		}
		if !n.assoc.dependentKey(n.dependent).Equal(n.principal.key) {
			continue
		}
		u.clearForeignKey(n.assoc, n.principal, n.dependent)
		cascadeDeletesCounter.WithLabelValues(SetNull.String()).Inc()
	}
	root := plan.order[len(plan.order)-1]
	for _, x := range plan.order {
		u.unwire(x)
		x.state = Deleted
		u.record(change{op: Op{Kind: OpDelete, Type: x.typ.name, Key: x.key}, entity: x})
		if x != root {
			cascadeDeletesCounter.WithLabelValues(Cascade.String()).Inc()
		}
	}
}

// unwire removes x from every loaded slot that references it.
func (u *UnitOfWork) unwire(x *Entity) {
	for _, a := range u.model.assocs {
		if a.Dependent == x.typ && a.PrincipalNav != nil {
			if p, ok := u.registry.lookup(a.Principal.name, a.dependentKey(x)); ok {
				p.slots[a.PrincipalNav.name].drop(x)
			}
		}
		if a.Principal == x.typ && a.DependentNav != nil {
			for _, d := range u.registry.dependentsOf(a, x) {
				if s := d.slots[a.DependentNav.name]; s.ref == x {
					s.ref = nil
				}
			}
		}
	}
}
