package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newValidateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Build the model and list its entity types and associations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			for _, t := range a.model.Types() {
				fmt.Fprintf(out, "%s [%s]\n", t.Name(), strings.Join(t.KeyFields(), ","))
			}
			for _, as := range a.model.Associations() {
				fmt.Fprintf(out, "%s: %s(%s) -> %s, on delete %s\n",
					as, as.Dependent.Name(), strings.Join(as.ForeignKey, ","), as.Principal.Name(), as.OnDelete)
			}
			return nil
		},
	}
}
