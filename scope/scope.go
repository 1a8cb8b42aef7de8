// Package scope holds reusable condition fragments that a SQL store applies
// to every fetch of an entity type, such as soft-delete filters or a default
// row order.
package scope

import "strings"

// Applier is implemented by statement builders to receive scope fragments.
// It lives here so that stores can import scope without import cycles.
type Applier interface {
	ApplyWhere(clause string, args []any)
	ApplyOrderBy(clause string)
}

type scopeKind int

const (
	kindWhere scopeKind = iota
	kindOrderBy
)

// Scope is a single condition fragment. Scopes are immutable and safe to
// share between stores and goroutines.
type Scope struct {
	kind   scopeKind
	clause string
	args   []any
}

// Apply dispatches this Scope to the given Applier.
func (s Scope) Apply(a Applier) {
	switch s.kind {
	case kindWhere:
		a.ApplyWhere(s.clause, s.args)
	case kindOrderBy:
		a.ApplyOrderBy(s.clause)
	}
}

func (s Scope) String() string {
	if s.kind == kindOrderBy {
		return "ORDER BY " + s.clause
	}
	return "WHERE " + s.clause
}

// Where returns a Scope that adds a WHERE clause fragment with "?" bind
// parameters. The store rewrites them for its dialect.
//
//	scope.Where("archived = ?", false)
func Where(clause string, args ...any) Scope {
	return Scope{kind: kindWhere, clause: clause, args: args}
}

// IsNull returns a WHERE scope matching rows whose column is NULL.
//
//	scope.IsNull("deleted_at") // soft-deleted rows are never loaded
func IsNull(column string) Scope {
	return Where(column + " IS NULL")
}

// OrderBy returns a Scope that orders fetched rows. Collections without an
// ordering key keep the order the store returns.
//
//	scope.OrderBy("created_at DESC")
func OrderBy(clause string) Scope {
	return Scope{kind: kindOrderBy, clause: clause}
}

// In returns a WHERE scope with an IN clause, expanding the slice into
// individual placeholders.
//
//	scope.In("status", []string{"active", "pending"}) // → WHERE status IN (?, ?)
func In[T any](column string, values []T) Scope {
	if len(values) == 0 {
		return Where("1 = 0")
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return Where(column+" IN ("+repeatJoin("?", len(values))+")", args...)
}

// Scopes is the ordered set of scopes attached to one entity type.
//
//	var s scope.Scopes
//	if hideArchived {
//	    s = s.Append(scope.Where("archived = ?", false))
//	}
type Scopes []Scope

// Append adds scopes and returns a new Scopes. The receiver is not modified.
func (ss Scopes) Append(scopes ...Scope) Scopes {
	return append(append(Scopes(nil), ss...), scopes...)
}

// Merge concatenates two Scopes and returns a new Scopes.
// Neither receiver nor argument is modified.
func (ss Scopes) Merge(other Scopes) Scopes {
	return append(append(Scopes(nil), ss...), other...)
}

// ApplyAll applies every scope in order.
func (ss Scopes) ApplyAll(a Applier) {
	for _, s := range ss {
		s.Apply(a)
	}
}

// Combine creates a Scopes from the given scopes.
func Combine(scopes ...Scope) Scopes {
	return Scopes(scopes)
}

func repeatJoin(s string, count int) string {
	if count <= 0 {
		return ""
	}
	parts := make([]string, count)
	for i := range parts {
		parts[i] = s
	}
	return strings.Join(parts, ", ")
}
