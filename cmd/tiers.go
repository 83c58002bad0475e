package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newTiersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tiers",
		Short: "Lists the configured subscription tiers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			table := appInstance.Tiers()
			profile := table.Profile()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIER\tACCOUNTS\tPOSTS\tPAGES\tUSER POSTS")
			for _, name := range table.Names() {
				l := table.Limits(name)
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n",
					name, l.MaxEntities, l.MaxItems, l.MaxPageBound, profile.Limits(name).MaxItems)
			}
			return tw.Flush()
		},
	}
}
