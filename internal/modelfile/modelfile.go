// Package modelfile reads entity models declared in YAML.
//
//	entities:
//	  - name: Course
//	    key: [id]
//	    fields: [id, title, {name: instructor_id, nullable: true}]
//	    relationships:
//	      - {name: Enrollments, target: Enrollment, cardinality: many, inverse: Course, on_delete: cascade}
package modelfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mickamy/ormnav/orm"
)

// File is the document root.
type File struct {
	Entities []Entity `yaml:"entities"`
}

type Entity struct {
	Name          string         `yaml:"name"`
	Table         string         `yaml:"table"`
	Key           []string       `yaml:"key"`
	Fields        []Field        `yaml:"fields"`
	Relationships []Relationship `yaml:"relationships"`
}

// Field is written either as a bare name or as a mapping.
type Field struct {
	Name     string `yaml:"name"`
	Nullable bool   `yaml:"nullable"`
}

func (f *Field) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		return n.Decode(&f.Name)
	}
	type plain Field
	return n.Decode((*plain)(f))
}

type Relationship struct {
	Name        string   `yaml:"name"`
	Target      string   `yaml:"target"`
	Cardinality string   `yaml:"cardinality"`
	ForeignKey  []string `yaml:"foreign_key"`
	Owner       bool     `yaml:"owner"`
	Inverse     string   `yaml:"inverse"`
	OnDelete    string   `yaml:"on_delete"`
	OrderBy     string   `yaml:"order_by"`
}

// Parse decodes a model document into entity definitions. Unknown keys are
// rejected.
func Parse(data []byte) ([]orm.EntityDef, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("modelfile: empty document")
		}
		return nil, fmt.Errorf("modelfile: %w", err)
	}

	defs := make([]orm.EntityDef, 0, len(f.Entities))
	for _, e := range f.Entities {
		def, err := e.def()
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Load reads path and builds the model it declares.
func Load(path string) (*orm.Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("modelfile: %w", err)
	}
	defs, err := Parse(data)
	if err != nil {
		return nil, err
	}
	m, err := orm.NewModelBuilder().Add(defs...).Build()
	if err != nil {
		return nil, fmt.Errorf("modelfile %s: %w", path, err)
	}
	return m, nil
}

func (e Entity) def() (orm.EntityDef, error) {
	def := orm.EntityDef{
		Name:   e.Name,
		Table:  e.Table,
		Key:    e.Key,
		Fields: make([]orm.Field, len(e.Fields)),
	}
	for i, f := range e.Fields {
		def.Fields[i] = orm.Field{Name: f.Name, Nullable: f.Nullable}
	}
	for _, r := range e.Relationships {
		rd, err := r.def()
		if err != nil {
			return def, fmt.Errorf("modelfile: %s.%s: %w", e.Name, r.Name, err)
		}
		def.Relationships = append(def.Relationships, rd)
	}
	return def, nil
}

func (r Relationship) def() (orm.RelationshipDef, error) {
	rd := orm.RelationshipDef{
		Name:       r.Name,
		Target:     r.Target,
		ForeignKey: r.ForeignKey,
		Owner:      r.Owner,
		Inverse:    r.Inverse,
		OrderBy:    r.OrderBy,
	}
	switch r.Cardinality {
	case "one":
		rd.Cardinality = orm.One
	case "many":
		rd.Cardinality = orm.Many
	default:
		return rd, fmt.Errorf("cardinality must be one or many, got %q", r.Cardinality)
	}
	policy, ok := orm.ParseDeletePolicy(r.OnDelete)
	if !ok {
		return rd, fmt.Errorf("unknown delete policy %q", r.OnDelete)
	}
	rd.OnDelete = policy
	return rd, nil
}
