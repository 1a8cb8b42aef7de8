package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/mickamy/ormnav/orm"
)

func newShowCommand(a *app) *cobra.Command {
	var (
		typeName string
		key      string
		includes []string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Eager-load an entity graph and print it as JSON",
		Example: `  ormnav show --model school.yaml --type Course --key 1 --include Enrollments.Student
  ormnav show --model shop.yaml --type Line --key 7,1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			k, err := parseKey(key)
			if err != nil {
				return err
			}

			s, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			u := a.newUnitOfWork(s)
			defer u.Close()

			e, err := u.Get(ctx, typeName, k)
			if err != nil {
				return err
			}
			if err := u.Include(ctx, []*orm.Entity{e}, includes...); err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(renderGraph(e))
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&typeName, "type", "", "(required) entity type of the root")
	flags.StringVar(&key, "key", "", "(required) key of the root; composite keys are comma-separated")
	flags.StringSliceVar(&includes, "include", nil, "relationship paths to eager-load, e.g. Enrollments.Student")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

// node is the JSON form of an entity. Entities already printed elsewhere in
// the graph are reduced to their type and key.
type node struct {
	Type          string         `json:"type"`
	Key           orm.Key        `json:"key"`
	Values        orm.Row        `json:"values,omitempty"`
	Relationships map[string]any `json:"relationships,omitempty"`
}

func renderGraph(root *orm.Entity) *node {
	seen := make(map[*orm.Entity]bool)
	var render func(e *orm.Entity) *node
	render = func(e *orm.Entity) *node {
		n := &node{Type: e.Type().Name(), Key: e.Key()}
		if seen[e] {
			return n
		}
		seen[e] = true
		n.Values = e.Values()

		for _, r := range e.Type().Relationships() {
			slot, err := e.Slot(r.Name())
			if err != nil {
				continue
			}
			if r.Cardinality() == orm.One {
				ref, ok := slot.PeekReference()
				if !ok {
					continue
				}
				if n.Relationships == nil {
					n.Relationships = make(map[string]any)
				}
				if ref == nil {
					n.Relationships[r.Name()] = nil
					continue
				}
				n.Relationships[r.Name()] = render(ref)
				continue
			}
			items, ok := slot.PeekCollection()
			if !ok {
				continue
			}
			nodes := make([]*node, len(items))
			for i, it := range items {
				nodes[i] = render(it)
			}
			if n.Relationships == nil {
				n.Relationships = make(map[string]any)
			}
			n.Relationships[r.Name()] = nodes
		}
		return n
	}
	return render(root)
}
