// Package sqlstore implements orm.Store on top of database/sql. Statements
// are built with squirrel, identical fetches in flight are collapsed into
// one query, and transient connection failures are retried with backoff.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mickamy/ormnav/orm"
	"github.com/mickamy/ormnav/scope"
)

const defaultPingTimeout = time.Minute

// Store is an orm.Store backed by a SQL database. It is safe for concurrent use.
type Store struct {
	db       *DB
	model    *orm.Model
	tables   TableNamer
	scopes   map[string]scope.Scopes
	retryFor time.Duration
	logger   *zap.Logger
	group    singleflight.Group
}

var _ orm.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithScopes attaches scopes to every fetch of typeName. Scopes narrow what
// counts as a row: a filtered-out dependent is invisible to every load.
func WithScopes(typeName string, scopes ...scope.Scope) Option {
	return func(s *Store) {
		s.scopes[typeName] = s.scopes[typeName].Append(scopes...)
	}
}

// WithTableNamer overrides DefaultTableNamer.
func WithTableNamer(n TableNamer) Option {
	return func(s *Store) {
		s.tables = n
	}
}

// WithRetry retries statements that fail on a broken connection or a busy
// database for up to maxElapsed. Zero disables retries.
func WithRetry(maxElapsed time.Duration) Option {
	return func(s *Store) {
		s.retryFor = maxElapsed
	}
}

// WithLogger sets the logger for retries and connection attempts.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithQueryLogger logs every statement the store runs.
func WithQueryLogger(l Logger) Option {
	return func(s *Store) {
		s.db = s.db.Debug(l)
	}
}

// New returns a Store for model over db.
func New(db *DB, model *orm.Model, opts ...Option) *Store {
	s := &Store{
		db:     db,
		model:  model,
		tables: DefaultTableNamer,
		scopes: make(map[string]scope.Scopes),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to dsn and waits for the database to answer a ping.
func Open(ctx context.Context, d Dialect, dsn string, model *orm.Model, opts ...Option) (*Store, error) {
	raw, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", d.Name(), err)
	}
	s := New(NewDB(raw, d), model, opts...)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = defaultPingTimeout
	if s.retryFor > 0 {
		policy.MaxElapsedTime = s.retryFor
	}
	attempt := 1
	err = backoff.Retry(func() error {
		if err := raw.PingContext(ctx); err != nil {
			s.logger.Info("waiting for database", zap.String("dialect", d.Name()), zap.Int("attempt", attempt), zap.Error(err))
			attempt++
			return err //nolint:wrapcheck // returned by backoff.Retry
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w", d.Name(), err)
	}
	return s, nil
}

// Model returns the model the store serves.
func (s *Store) Model() *orm.Model { return s.model }

// DB returns the wrapped database.
func (s *Store) DB() *DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Table returns the table that stores typeName.
func (s *Store) Table(typeName string) (string, error) {
	t, err := s.entityType(typeName)
	if err != nil {
		return "", err
	}
	return s.tables(t), nil
}

func (s *Store) FetchByKeys(ctx context.Context, entityType string, keys []orm.Key) ([]orm.Row, error) {
	t, err := s.entityType(entityType)
	if err != nil {
		return nil, err
	}
	keys = nonNull(keys)
	if len(keys) == 0 {
		return nil, nil
	}
	return s.fetch(ctx, "FetchByKeys", t, t.KeyFields(), keys)
}

func (s *Store) FetchByForeignKey(ctx context.Context, entityType string, fk []string, values []orm.Key) ([]orm.Row, error) {
	t, err := s.entityType(entityType)
	if err != nil {
		return nil, err
	}
	for _, f := range fk {
		if !t.HasField(f) {
			return nil, fmt.Errorf("sqlstore: %s has no field %q", entityType, f)
		}
	}
	values = nonNull(values)
	if len(values) == 0 {
		return nil, nil
	}
	return s.fetch(ctx, "FetchByForeignKey", t, fk, values)
}

func (s *Store) fetch(ctx context.Context, method string, t *orm.EntityType, fields []string, values []orm.Key) ([]orm.Row, error) {
	query, args, err := s.selectQuery(t, fields, values)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: build %s select: %w", t.Name(), err)
	}

	ctx, span := tracer.Start(ctx, "sqlstore."+method, trace.WithAttributes(
		attribute.String("entity_type", t.Name()),
		attribute.Int("values", len(values)),
	))
	defer span.End()

	isUnique := false
	v, err, shared := s.group.Do(query+"\x00"+fmt.Sprintf("%#v", args), func() (any, error) {
		isUnique = true
		return s.query(ctx, method, query, args)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err //nolint:wrapcheck // wrapped by the unit of work
	}

	rows, _ := v.([]orm.Row)
	if shared {
		// every caller of a shared flight gets its own maps
		if !isUnique {
			deduplicatedQueriesCounter.Inc()
		}
		rows = cloneRows(rows)
	}
	span.SetAttributes(attribute.Int("rows", len(rows)))
	return rows, nil
}

func (s *Store) query(ctx context.Context, method, query string, args []any) ([]orm.Row, error) {
	var out []orm.Row
	err := s.withRetry(ctx, method, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = scanRows(rows)
		return err
	})
	return out, err
}

// Persist applies cs inside one transaction. A delete that matches no row
// fails the batch; driver constraint errors become orm.ConstraintViolation.
func (s *Store) Persist(ctx context.Context, cs *orm.Changeset) error {
	if cs.Empty() {
		return nil
	}

	stmts := make([]statement, 0, cs.Len())
	for _, op := range cs.Ops {
		st, err := s.buildStatement(op)
		if err != nil {
			return err
		}
		stmts = append(stmts, st)
	}

	ctx, span := tracer.Start(ctx, "sqlstore.Persist", trace.WithAttributes(
		attribute.String("unit_of_work", cs.UnitOfWork),
		attribute.Int("ops", cs.Len()),
	))
	defer span.End()

	err := s.withRetry(ctx, "Persist", func() error {
		return s.db.Transaction(ctx, func(tx *Tx) error {
			for _, st := range stmts {
				if st.query == "" {
					continue
				}
				res, err := tx.ExecContext(ctx, st.query, st.args...)
				if err != nil {
					return constraintViolation(err, st.op)
				}
				if st.op.Kind != orm.OpDelete {
					continue
				}
				if n, err := res.RowsAffected(); err == nil && n == 0 {
					return fmt.Errorf("%w: delete %s%s", ErrRowNotFound, st.op.Type, st.op.Key)
				}
			}
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

type statement struct {
	op    orm.Op
	query string
	args  []any
}

func (s *Store) buildStatement(op orm.Op) (statement, error) {
	st := statement{op: op}
	t, err := s.entityType(op.Type)
	if err != nil {
		return st, err
	}
	for f := range op.Values {
		if !t.HasField(f) {
			return st, fmt.Errorf("sqlstore: %s %s has no field %q", op.Kind, op.Type, f)
		}
	}

	d := s.db.dialect()
	table := d.QuoteIdent(s.tables(t))
	where := match(d, t.KeyFields(), []orm.Key{op.Key})

	switch op.Kind {
	case orm.OpInsert:
		fields := sortedFields(op.Values)
		cols := make([]string, len(fields))
		vals := make([]any, len(fields))
		for i, f := range fields {
			cols[i] = d.QuoteIdent(f)
			vals[i] = op.Values[f]
		}
		st.query, st.args, err = sq.Insert(table).Columns(cols...).Values(vals...).
			PlaceholderFormat(d.Placeholders()).ToSql()
	case orm.OpUpdate, orm.OpLink, orm.OpUnlink:
		if len(op.Values) == 0 {
			return st, nil
		}
		set := make(map[string]any, len(op.Values))
		for f, v := range op.Values {
			set[d.QuoteIdent(f)] = v
		}
		st.query, st.args, err = sq.Update(table).SetMap(set).Where(where).
			PlaceholderFormat(d.Placeholders()).ToSql()
	case orm.OpDelete:
		st.query, st.args, err = sq.Delete(table).Where(where).
			PlaceholderFormat(d.Placeholders()).ToSql()
	default:
		return st, fmt.Errorf("sqlstore: unsupported op %s", op.Kind)
	}
	if err != nil {
		return st, fmt.Errorf("sqlstore: build %s %s: %w", op.Kind, op.Type, err)
	}
	return st, nil
}

// selectApplier receives scope fragments for a select statement.
type selectApplier struct {
	b       sq.SelectBuilder
	ordered bool
}

func (a *selectApplier) ApplyWhere(clause string, args []any) {
	a.b = a.b.Where("("+clause+")", args...)
}

func (a *selectApplier) ApplyOrderBy(clause string) {
	a.b = a.b.OrderBy(clause)
	a.ordered = true
}

func (s *Store) selectQuery(t *orm.EntityType, fields []string, values []orm.Key) (string, []any, error) {
	d := s.db.dialect()
	names := t.FieldNames()
	cols := make([]string, len(names))
	for i, n := range names {
		cols[i] = d.QuoteIdent(n)
	}

	a := &selectApplier{
		b: sq.Select(cols...).
			From(d.QuoteIdent(s.tables(t))).
			Where(match(d, fields, values)).
			PlaceholderFormat(d.Placeholders()),
	}
	s.scopes[t.Name()].ApplyAll(a)
	if !a.ordered {
		for _, k := range t.KeyFields() {
			a.b = a.b.OrderBy(d.QuoteIdent(k))
		}
	}
	return a.b.ToSql() //nolint:wrapcheck // wrapped by the caller
}

// match builds the predicate selecting rows whose fields equal one of values.
func match(d Dialect, fields []string, values []orm.Key) sq.Sqlizer {
	if len(fields) == 1 {
		in := make([]any, len(values))
		for i, v := range values {
			in[i] = v[0]
		}
		if len(in) == 1 {
			return sq.Eq{d.QuoteIdent(fields[0]): in[0]}
		}
		return sq.Eq{d.QuoteIdent(fields[0]): in}
	}
	or := make(sq.Or, len(values))
	for i, v := range values {
		eq := make(sq.Eq, len(fields))
		for j, f := range fields {
			eq[d.QuoteIdent(f)] = v[j]
		}
		or[i] = eq
	}
	if len(or) == 1 {
		return or[0]
	}
	return or
}

func (s *Store) withRetry(ctx context.Context, method string, op func() error) error {
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if s.retryFor > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.MaxElapsedTime = s.retryFor
		policy = exp
	}
	attempt := 0
	return backoff.Retry(func() error { //nolint:wrapcheck // op errors are returned as is
		attempt++
		if attempt > 1 {
			retriesCounter.WithLabelValues(method).Inc()
		}
		err := op()
		if err == nil {
			return nil
		}
		if !transient(err) {
			return backoff.Permanent(err)
		}
		s.logger.Warn("transient store failure",
			zap.String("method", method),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}, backoff.WithContext(policy, ctx))
}

func (s *Store) entityType(name string) (*orm.EntityType, error) {
	t, ok := s.model.Type(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", orm.ErrUnknownType, name)
	}
	return t, nil
}

func scanRows(rows *sql.Rows) ([]orm.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err //nolint:wrapcheck // returned through withRetry
	}
	var out []orm.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err //nolint:wrapcheck // returned through withRetry
		}
		r := make(orm.Row, len(cols))
		for i, c := range cols {
			r[c] = orm.Normalize(vals[i])
		}
		out = append(out, r)
	}
	return out, rows.Err() //nolint:wrapcheck // returned through withRetry
}

func nonNull(keys []orm.Key) []orm.Key {
	out := make([]orm.Key, 0, len(keys))
	for _, k := range keys {
		if !k.IsNull() {
			out = append(out, k)
		}
	}
	return out
}

func sortedFields(r orm.Row) []string {
	fields := make([]string, 0, len(r))
	for f := range r {
		fields = append(fields, f)
	}
	slices.Sort(fields)
	return fields
}

func cloneRows(rows []orm.Row) []orm.Row {
	out := make([]orm.Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}
