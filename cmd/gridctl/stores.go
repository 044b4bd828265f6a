package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlgrid/internal/grid"
)

func newStoresCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "stores",
		Short: "List catalogued stores with their kind and size",
		RunE: withSession(func(cmd *cobra.Command, s *session, _ []string) error {
			ctx := cmd.Context()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tKIND\tTYPE\tSIZE")
			_, err := s.app.Storage().ForEachStore(ctx, func(st grid.Store) (bool, error) {
				d := st.Descriptor
				if !all && strings.HasPrefix(d.Name, grid.InternalPrefix) {
					return true, nil
				}
				size, err := st.Collection().Size(ctx)
				if err != nil {
					return false, err
				}
				valueType := d.ValueType
				if valueType == "" {
					valueType = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", d.Name, d.Kind, valueType, size)
				return true, nil
			})
			if err != nil {
				return fmt.Errorf("list stores: %w", err)
			}
			return tw.Flush()
		}),
	}
	cmd.Flags().BoolVar(&all, "all", false, "include the grid's internal stores")
	return cmd
}
