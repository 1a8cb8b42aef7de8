package orm

import (
	"context"
	"time"
)

// Clock supplies the time Commit records in Changeset.At. Stores that keep
// an audit trail can then be tested against a fixed instant.
type Clock interface {
	Now() time.Time
}

type clockKey struct{}

// WithClock makes Commit calls made with the returned context stamp their
// changesets from c.
func WithClock(ctx context.Context, c Clock) context.Context {
	return context.WithValue(ctx, clockKey{}, c)
}

// now is the changeset timestamp for ctx.
func now(ctx context.Context) time.Time {
	if c, ok := ctx.Value(clockKey{}).(Clock); ok {
		return c.Now()
	}
	return time.Now()
}
