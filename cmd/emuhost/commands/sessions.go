package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/emuhost/emuhost/pkg/stores"
)

func newSessionsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions",
		Long: `List the most recent boot-to-shutdown sessions with the execution config
they ran with, the roles the fallback policy disabled and how shutdown ended.`,
		Example: `  emuhost sessions --limit 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withCatalog(ctx, func(store *stores.SQLiteStore) error {
				sessions, err := store.ListSessions(ctx, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, sessions)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tDOWNGRADED\tERRORS\tFINAL")
				for _, s := range sessions {
					duration := "running"
					if s.EndedAt != nil {
						duration = s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", s.ID, s.StartedAt.Local().Format(time.RFC3339),
						duration, s.Downgraded, s.ShutdownErrors, s.FinalState)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of sessions")

	return cmd
}
