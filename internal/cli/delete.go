package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDeleteCommand(a *app) *cobra.Command {
	var (
		typeName string
		key      string
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an entity, applying the delete policies of its dependents",
		Long: `delete removes an entity and handles every dependent according to its
relationship's delete policy: cascade deletes it, set-null clears its foreign key
and restrict aborts the delete. The planned operations are printed first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
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
			if err := u.Delete(ctx, e); err != nil {
				return err
			}

			cs := u.Pending()
			for _, op := range cs.Ops {
				if op.Relationship != "" {
					fmt.Fprintf(out, "%s %s%s via %s\n", op.Kind, op.Type, op.Key, op.Relationship)
					continue
				}
				fmt.Fprintf(out, "%s %s%s\n", op.Kind, op.Type, op.Key)
			}
			if dryRun {
				fmt.Fprintln(out, "dry run: nothing committed")
				return nil
			}
			if err := u.Commit(ctx); err != nil {
				return err
			}
			fmt.Fprintf(out, "committed %d operations\n", cs.Len())
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&typeName, "type", "", "(required) entity type to delete")
	flags.StringVar(&key, "key", "", "(required) key of the entity; composite keys are comma-separated")
	flags.BoolVar(&dryRun, "dry-run", false, "print the planned operations without committing them")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}
