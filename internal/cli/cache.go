package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or reset the id mapping cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "List known id mappings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd)
			cache, closeCache, err := rootOpts.openCache(rootOpts.newClient(), true)
			if err != nil {
				return err
			}
			defer closeCache()
			if err := cache.LoadAll(ctx); err != nil {
				return WrapExitError(ExitCommandError, "load id mappings", err)
			}
			entries := cache.Entries(ctx)
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No id mappings recorded.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tFOREIGN ID\tLOCAL ID\tDISCOVERED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ResourceType, e.ForeignID, e.LocalID, e.DiscoveredAt.UTC().Format(time.RFC3339))
			}
			return w.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Forget every id mapping",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd)
			cache, closeCache, err := rootOpts.openCache(rootOpts.newClient(), false)
			if err != nil {
				return err
			}
			defer closeCache()
			if err := cache.Clear(ctx); err != nil {
				return WrapExitError(ExitCommandError, "clear id mappings", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "id mappings cleared")
			return nil
		},
	})
	return cmd
}
