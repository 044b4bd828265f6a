package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlgrid/internal/grid"
)

func newAttrCmd() *cobra.Command {
	var sessionScope bool
	open := func(cmd *cobra.Command, s *session) (*grid.Map[string], error) {
		if sessionScope {
			return grid.SessionAttributes(cmd.Context(), s.app.Storage())
		}
		return grid.DurableAttributes(cmd.Context(), s.app.Storage())
	}

	cmd := &cobra.Command{
		Use:   "attr",
		Short: "Read and write grid attributes",
	}
	cmd.PersistentFlags().BoolVar(&sessionScope, "session", false, "use session attributes instead of durable ones")

	cmd.AddCommand(&cobra.Command{
		Use:   "get KEY",
		Short: "Print an attribute",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(cmd *cobra.Command, s *session, args []string) error {
			attrs, err := open(cmd, s)
			if err != nil {
				return err
			}
			v, found, err := attrs.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("attribute %q not set", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		}),
	}, &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Set an attribute",
		Args:  cobra.ExactArgs(2),
		RunE: withSession(func(cmd *cobra.Command, s *session, args []string) error {
			attrs, err := open(cmd, s)
			if err != nil {
				return err
			}
			_, err = attrs.Put(cmd.Context(), args[0], args[1])
			return err
		}),
	}, &cobra.Command{
		Use:   "list",
		Short: "Print every attribute",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, s *session, _ []string) error {
			attrs, err := open(cmd, s)
			if err != nil {
				return err
			}
			_, err = attrs.ForEach(cmd.Context(), func(k, v string) (bool, error) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, v)
				return true, nil
			})
			return err
		}),
	})
	return cmd
}

func newResetSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-session",
		Short: "Forget session attributes, job records, pipeline progress and stop requests",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, s *session, _ []string) error {
			return grid.ResetSession(cmd.Context(), s.app.Storage())
		}),
	}
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Empty every store but keep the catalog",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, s *session, _ []string) error {
			return s.app.Storage().Clear(cmd.Context())
		}),
	}
}

var errNotConfirmed = errors.New("refusing to destroy the grid without --yes")

func newDestroyCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Drop every store, the catalog and all coordination state",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, s *session, _ []string) error {
			if !yes {
				return errNotConfirmed
			}
			return s.app.Storage().Destroy(cmd.Context())
		}),
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm destruction")
	return cmd
}
