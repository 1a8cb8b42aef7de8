package orm

import (
	"slices"

	"github.com/mickamy/ormnav/internal/naming"
)

// Cardinality is the number of entities on the far side of a relationship.
type Cardinality int

const (
	One Cardinality = iota + 1
	Many
)

func (c Cardinality) String() string {
	switch c {
	case One:
		return "one"
	case Many:
		return "many"
	default:
		return "invalid"
	}
}

// DeletePolicy decides what happens to dependents when their principal is deleted.
type DeletePolicy int

const (
	policyUnset DeletePolicy = iota
	Cascade
	SetNull
	Restrict
)

func (p DeletePolicy) String() string {
	switch p {
	case Cascade:
		return "cascade"
	case SetNull:
		return "set-null"
	case Restrict:
		return "restrict"
	default:
		return "unset"
	}
}

// ParseDeletePolicy parses "cascade", "set-null" (or "set_null") and "restrict".
// The empty string yields the unset policy, which resolves to Restrict.
func ParseDeletePolicy(s string) (DeletePolicy, bool) {
	switch s {
	case "":
		return policyUnset, true
	case "cascade":
		return Cascade, true
	case "set-null", "set_null":
		return SetNull, true
	case "restrict":
		return Restrict, true
	default:
		return policyUnset, false
	}
}

// Field describes a scalar field of an entity type.
type Field struct {
	Name     string
	Nullable bool
}

// EntityDef declares an entity type.
type EntityDef struct {
	Name          string
	Table         string
	Key           []string
	Fields        []Field
	Relationships []RelationshipDef
}

// RelationshipDef declares a navigation from the enclosing entity type.
//
// Owner marks the declaring type as the holder of the foreign key. It is
// inferred for the one-valued side of a one-to-many pair; for a one-to-one
// pair exactly one side must set it. ForeignKey and OnDelete may be given on
// either side of a pair.
type RelationshipDef struct {
	Name        string
	Target      string
	Cardinality Cardinality
	ForeignKey  []string
	Owner       bool
	Inverse     string
	OnDelete    DeletePolicy
	OrderBy     string
}

// EntityType is the immutable runtime description of an entity type.
type EntityType struct {
	name       string
	table      string
	key        []string
	fields     []Field
	fieldIndex map[string]int
	rels       []*Relationship
	relIndex   map[string]*Relationship
	dependents []*Association
}

func (t *EntityType) Name() string { return t.name }

// Table returns the explicitly configured table name, or "" when the store
// should infer one.
func (t *EntityType) Table() string { return t.table }

func (t *EntityType) KeyFields() []string { return slices.Clone(t.key) }

func (t *EntityType) Fields() []Field { return slices.Clone(t.fields) }

// FieldNames returns the field names in declaration order.
func (t *EntityType) FieldNames() []string {
	names := make([]string, len(t.fields))
	for i, f := range t.fields {
		names[i] = f.Name
	}
	return names
}

func (t *EntityType) HasField(name string) bool {
	_, ok := t.fieldIndex[name]
	return ok
}

func (t *EntityType) field(name string) (Field, bool) {
	i, ok := t.fieldIndex[name]
	if !ok {
		return Field{}, false
	}
	return t.fields[i], true
}

func (t *EntityType) Relationships() []*Relationship { return slices.Clone(t.rels) }

func (t *EntityType) Relationship(name string) (*Relationship, bool) {
	r, ok := t.relIndex[name]
	return r, ok
}

// InverseOf returns the name of the inverse of relationship name, if any.
func (t *EntityType) InverseOf(name string) (string, bool) {
	r, ok := t.relIndex[name]
	if !ok || r.inverse == nil {
		return "", false
	}
	return r.inverse.name, true
}

// Dependents returns the associations in which this type is the principal.
func (t *EntityType) Dependents() []*Association { return slices.Clone(t.dependents) }

// KeyOf extracts the primary key from row.
func (t *EntityType) KeyOf(row Row) Key { return keyFrom(row, t.key) }

// Relationship is the immutable descriptor of one navigation.
type Relationship struct {
	name        string
	declaring   *EntityType
	target      *EntityType
	cardinality Cardinality
	fkOwner     bool
	inverse     *Relationship
	orderBy     string
	assoc       *Association
}

func (r *Relationship) Name() string             { return r.name }
func (r *Relationship) Declaring() *EntityType   { return r.declaring }
func (r *Relationship) Target() *EntityType      { return r.target }
func (r *Relationship) Cardinality() Cardinality { return r.cardinality }
func (r *Relationship) OrderBy() string          { return r.orderBy }
func (r *Relationship) Association() *Association {
	return r.assoc
}

// IsForeignKeyOwner reports whether the foreign key is stored on the declaring type.
func (r *Relationship) IsForeignKeyOwner() bool { return r.fkOwner }

// ForeignKey returns the foreign-key fields of the association, which live on
// the declaring type when IsForeignKeyOwner, and on the target otherwise.
func (r *Relationship) ForeignKey() []string { return slices.Clone(r.assoc.ForeignKey) }

// Inverse returns the inverse relationship, or nil when unidirectional.
func (r *Relationship) Inverse() *Relationship { return r.inverse }

func (r *Relationship) OnDelete() DeletePolicy { return r.assoc.OnDelete }

// ResolveForeignKey returns the key that locates the related rows of owner:
// the referenced key held in owner's foreign-key fields when owner holds the
// foreign key, and owner's own key otherwise.
func (r *Relationship) ResolveForeignKey(owner *Entity) Key {
	if r.fkOwner {
		return keyFrom(owner.values, r.assoc.ForeignKey)
	}
	return owner.key
}

func (r *Relationship) String() string { return r.declaring.name + "." + r.name }

// Association pairs a principal type with the dependent type that holds a
// foreign key to it, together with the navigations on either side.
type Association struct {
	Principal    *EntityType
	Dependent    *EntityType
	ForeignKey   []string
	PrincipalNav *Relationship
	DependentNav *Relationship
	OnDelete     DeletePolicy
}

// String names the association by its navigations.
func (a *Association) String() string {
	switch {
	case a.DependentNav != nil:
		return a.DependentNav.String()
	case a.PrincipalNav != nil:
		return a.PrincipalNav.String()
	default:
		return a.Dependent.name + "->" + a.Principal.name
	}
}

// dependentKey returns the foreign key currently held by the dependent.
func (a *Association) dependentKey(dependent *Entity) Key {
	return keyFrom(dependent.values, a.ForeignKey)
}

func (a *Association) nullable() bool {
	for _, f := range a.ForeignKey {
		fd, _ := a.Dependent.field(f)
		if !fd.Nullable {
			return false
		}
	}
	return true
}

func (a *Association) isForeignKey(field string) bool {
	return slices.Contains(a.ForeignKey, field)
}

// Model is the validated, immutable set of entity types.
type Model struct {
	types  []*EntityType
	byName map[string]*EntityType
	assocs []*Association
}

func (m *Model) Type(name string) (*EntityType, bool) {
	t, ok := m.byName[name]
	return t, ok
}

func (m *Model) Types() []*EntityType { return slices.Clone(m.types) }

func (m *Model) Associations() []*Association { return slices.Clone(m.assocs) }

// ModelBuilder collects entity definitions and validates them into a Model.
type ModelBuilder struct {
	defs []EntityDef
}

func NewModelBuilder() *ModelBuilder {
	return &ModelBuilder{}
}

// Add appends entity definitions. Validation is deferred to Build.
func (b *ModelBuilder) Add(defs ...EntityDef) *ModelBuilder {
	b.defs = append(b.defs, defs...)
	return b
}

// Build validates the definitions and returns the Model. Any problem is
// reported as a *ConfigurationError.
func (b *ModelBuilder) Build() (*Model, error) {
	m := &Model{byName: make(map[string]*EntityType, len(b.defs))}

	for _, def := range b.defs {
		t, err := buildType(def)
		if err != nil {
			return nil, err
		}
		if _, dup := m.byName[t.name]; dup {
			return nil, configErr(t.name, "", "declared more than once")
		}
		m.types = append(m.types, t)
		m.byName[t.name] = t
	}

	relDefs := make(map[*Relationship]RelationshipDef)
	for i, def := range b.defs {
		t := m.types[i]
		for _, rd := range def.Relationships {
			r, err := buildRelationship(m, t, rd)
			if err != nil {
				return nil, err
			}
			t.rels = append(t.rels, r)
			t.relIndex[r.name] = r
			relDefs[r] = rd
		}
	}

	for _, t := range m.types {
		for _, r := range t.rels {
			if err := bindInverse(r, relDefs); err != nil {
				return nil, err
			}
		}
	}

	for _, t := range m.types {
		for _, r := range t.rels {
			if r.assoc != nil {
				continue
			}
			a, err := buildAssociation(r, relDefs)
			if err != nil {
				return nil, err
			}
			a.Principal.dependents = append(a.Principal.dependents, a)
			m.assocs = append(m.assocs, a)
		}
	}

	return m, nil
}

func buildType(def EntityDef) (*EntityType, error) {
	if def.Name == "" {
		return nil, configErr("", "", "entity type without a name")
	}
	t := &EntityType{
		name:       def.Name,
		table:      def.Table,
		key:        slices.Clone(def.Key),
		fields:     slices.Clone(def.Fields),
		fieldIndex: make(map[string]int, len(def.Fields)),
		relIndex:   make(map[string]*Relationship, len(def.Relationships)),
	}
	for i, f := range t.fields {
		if f.Name == "" {
			return nil, configErr(t.name, "", "field without a name")
		}
		if _, dup := t.fieldIndex[f.Name]; dup {
			return nil, configErr(t.name, "", "field %q declared more than once", f.Name)
		}
		t.fieldIndex[f.Name] = i
	}
	if len(t.key) == 0 {
		return nil, configErr(t.name, "", "no primary key")
	}
	for _, k := range t.key {
		f, ok := t.field(k)
		if !ok {
			return nil, configErr(t.name, "", "key field %q is not a declared field", k)
		}
		if f.Nullable {
			return nil, configErr(t.name, "", "key field %q cannot be nullable", k)
		}
	}
	return t, nil
}

func buildRelationship(m *Model, t *EntityType, rd RelationshipDef) (*Relationship, error) {
	if rd.Name == "" {
		return nil, configErr(t.name, "", "relationship without a name")
	}
	if _, dup := t.relIndex[rd.Name]; dup {
		return nil, configErr(t.name, rd.Name, "declared more than once")
	}
	if t.HasField(rd.Name) {
		return nil, configErr(t.name, rd.Name, "name collides with a field")
	}
	target, ok := m.byName[rd.Target]
	if !ok {
		return nil, configErr(t.name, rd.Name, "unknown target type %q", rd.Target)
	}
	switch rd.Cardinality {
	case One:
	case Many:
		if rd.Owner {
			return nil, configErr(t.name, rd.Name, "a many-valued relationship cannot own the foreign key")
		}
		if rd.OrderBy != "" && !target.HasField(rd.OrderBy) {
			return nil, configErr(t.name, rd.Name, "ordering key %q is not a field of %s", rd.OrderBy, target.name)
		}
	default:
		return nil, configErr(t.name, rd.Name, "cardinality must be one or many")
	}
	if rd.Cardinality == One && rd.OrderBy != "" {
		return nil, configErr(t.name, rd.Name, "ordering key is only valid on many-valued relationships")
	}
	return &Relationship{
		name:        rd.Name,
		declaring:   t,
		target:      target,
		cardinality: rd.Cardinality,
		fkOwner:     rd.Owner,
		orderBy:     rd.OrderBy,
	}, nil
}

func bindInverse(r *Relationship, defs map[*Relationship]RelationshipDef) error {
	name := defs[r].Inverse
	if name == "" {
		return nil
	}
	inv, ok := r.target.relIndex[name]
	if !ok {
		return configErr(r.declaring.name, r.name, "inverse %q does not exist on %s", name, r.target.name)
	}
	if inv == r {
		return configErr(r.declaring.name, r.name, "a relationship cannot be its own inverse")
	}
	if inv.target != r.declaring {
		return configErr(r.declaring.name, r.name, "inverse %s targets %s, not %s", inv, inv.target.name, r.declaring.name)
	}
	if back := defs[inv].Inverse; back != "" && back != r.name {
		return configErr(r.declaring.name, r.name, "inverse %s declares %q as its inverse", inv, back)
	}
	if inv.inverse != nil && inv.inverse != r {
		return configErr(r.declaring.name, r.name, "inverse %s is already paired with %s", inv, inv.inverse)
	}
	if r.inverse != nil && r.inverse != inv {
		return configErr(r.declaring.name, r.name, "already paired with %s", r.inverse)
	}
	r.inverse = inv
	inv.inverse = r
	return nil
}

func buildAssociation(r *Relationship, defs map[*Relationship]RelationshipDef) (*Association, error) {
	inv := r.inverse
	rd := defs[r]

	var principalNav, dependentNav *Relationship
	switch {
	case inv == nil && r.cardinality == Many:
		principalNav = r
	case inv == nil && r.fkOwner:
		dependentNav = r
	case inv == nil:
		principalNav = r
	case r.cardinality == Many && inv.cardinality == Many:
		return nil, configErr(r.declaring.name, r.name, "many-to-many relationships need an explicit join entity")
	case r.cardinality == Many:
		principalNav, dependentNav = r, inv
		inv.fkOwner = true
	case inv.cardinality == Many:
		principalNav, dependentNav = inv, r
		r.fkOwner = true
	case r.fkOwner && inv.fkOwner:
		return nil, configErr(r.declaring.name, r.name, "both sides of the one-to-one pair with %s claim the foreign key", inv)
	case r.fkOwner:
		principalNav, dependentNav = inv, r
	case inv.fkOwner:
		principalNav, dependentNav = r, inv
	default:
		return nil, configErr(r.declaring.name, r.name, "neither side of the one-to-one pair with %s owns the foreign key", inv)
	}

	a := &Association{PrincipalNav: principalNav, DependentNav: dependentNav}
	if principalNav != nil {
		a.Principal, a.Dependent = principalNav.declaring, principalNav.target
	} else {
		a.Principal, a.Dependent = dependentNav.target, dependentNav.declaring
	}

	fk := rd.ForeignKey
	policy := rd.OnDelete
	if inv != nil {
		ifk := defs[inv].ForeignKey
		switch {
		case len(fk) == 0:
			fk = ifk
		case len(ifk) > 0 && !slices.Equal(fk, ifk):
			return nil, configErr(r.declaring.name, r.name, "foreign key %v conflicts with %v declared on %s", fk, ifk, inv)
		}
		ipolicy := defs[inv].OnDelete
		switch {
		case policy == policyUnset:
			policy = ipolicy
		case ipolicy != policyUnset && ipolicy != policy:
			return nil, configErr(r.declaring.name, r.name, "delete policy %s conflicts with %s declared on %s", policy, ipolicy, inv)
		}
	}
	if len(fk) == 0 {
		if len(a.Principal.key) != 1 {
			return nil, configErr(r.declaring.name, r.name, "foreign key fields are required for the composite key of %s", a.Principal.name)
		}
		base := a.Principal.name
		if dependentNav != nil {
			base = dependentNav.name
		}
		fk = []string{naming.ForeignKey(base, a.Principal.key[0])}
	}
	if len(fk) != len(a.Principal.key) {
		return nil, configErr(r.declaring.name, r.name, "foreign key %v does not match the key %v of %s", fk, a.Principal.key, a.Principal.name)
	}
	for _, f := range fk {
		if !a.Dependent.HasField(f) {
			return nil, configErr(r.declaring.name, r.name, "foreign key field %q does not exist on %s", f, a.Dependent.name)
		}
	}
	a.ForeignKey = slices.Clone(fk)

	if policy == policyUnset {
		policy = Restrict
	}
	a.OnDelete = policy
	if policy == SetNull && !a.nullable() {
		return nil, configErr(r.declaring.name, r.name, "set-null requires nullable foreign key fields %v on %s", fk, a.Dependent.name)
	}

	r.assoc = a
	if inv != nil {
		inv.assoc = a
	}
	return a, nil
}
