package orm

import (
	"context"
	"time"
)

// Row is a raw record exchanged with a Store: field name to value.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Store is the engine's only boundary. Implementations must be safe for
// concurrent use; retry policy, if any, belongs to them.
type Store interface {
	// FetchByKeys returns the rows of entityType whose primary key is in keys.
	FetchByKeys(ctx context.Context, entityType string, keys []Key) ([]Row, error)

	// FetchByForeignKey returns the rows of entityType whose foreign-key
	// fields fk hold one of values. Lazy and explicit loads pass a single
	// value; eager loads pass the whole frontier.
	FetchByForeignKey(ctx context.Context, entityType string, fk []string, values []Key) ([]Row, error)

	// Persist applies the changeset as one logically atomic batch.
	Persist(ctx context.Context, cs *Changeset) error
}

// OpKind classifies a pending write.
type OpKind int

const (
	OpInsert OpKind = iota + 1
	OpUpdate
	OpLink
	OpUnlink
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpLink:
		return "link"
	case OpUnlink:
		return "unlink"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Op is one pending write. Link and Unlink carry the foreign-key fields of the
// dependent row in Values and the relationship that caused them.
type Op struct {
	Kind         OpKind
	Type         string
	Key          Key
	Values       Row
	Relationship string
}

// Changeset is the ordered batch handed to Store.Persist.
type Changeset struct {
	UnitOfWork string
	At         time.Time
	Ops        []Op
}

// Len returns the number of operations.
func (cs *Changeset) Len() int { return len(cs.Ops) }

// Empty reports whether there is nothing to persist.
func (cs *Changeset) Empty() bool { return len(cs.Ops) == 0 }
