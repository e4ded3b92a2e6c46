package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/emuhost/emuhost/pkg/resources"
	"github.com/emuhost/emuhost/pkg/stores"
)

func newCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the title catalog",
		Long: `Manage the title catalog. The catalog is loaded in the background when the
execution environment comes up and released on shutdown.`,
	}

	cmd.AddCommand(newCatalogImportCommand())
	cmd.AddCommand(newCatalogListCommand())
	cmd.AddCommand(newCatalogShowCommand())
	cmd.AddCommand(newCatalogSearchCommand())

	return cmd
}

// withCatalog opens the catalog named by the settings and closes it after fn.
func withCatalog(ctx context.Context, fn func(store *stores.SQLiteStore) error) error {
	settings, err := openSettings(ctx, false, nil)
	if err != nil {
		return err
	}
	store, err := openCatalog(ctx, settings.Settings(), settings.Folder())
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func newCatalogImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import a YAML title index",
		Long: `Import a YAML title index keyed by serial. Existing titles are updated.

  SLUS-20312:
    name: Example Title
    region: NTSC-U
    compat: 5`,
		Example: `  emuhost catalog import titles.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withCatalog(ctx, func(store *stores.SQLiteStore) error {
				n, err := importCatalog(ctx, store, args[0])
				if err != nil {
					return err
				}
				log.Info().Str("file", args[0]).Int("titles", n).Msg("Catalog imported")
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d titles\n", n)
				return nil
			})
		},
	}
}

func newCatalogListCommand() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog titles",
		Example: `  emuhost catalog list --limit 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withCatalog(ctx, func(store *stores.SQLiteStore) error {
				titles, err := store.ListTitles(ctx, limit, offset)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, titles)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SERIAL\tREGION\tCOMPAT\tNAME")
				for _, t := range titles {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", t.Serial, t.Region, t.Compat, t.Name)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of titles")
	cmd.Flags().IntVar(&offset, "offset", 0, "titles to skip")

	return cmd
}

func newCatalogShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <serial>",
		Short: "Show one catalog title",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withCatalog(ctx, func(store *stores.SQLiteStore) error {
				title, err := store.GetTitle(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, title)
				}
				fmt.Fprintf(out, "serial: %s\nname:   %s\nregion: %s\ncompat: %d\n", title.Serial, title.Name, title.Region, title.Compat)
				if title.Notes != "" {
					fmt.Fprintf(out, "notes:  %s\n", title.Notes)
				}
				return nil
			})
		},
	}
}

func newCatalogSearchCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over the catalog",
		Long: `Load the catalog into the shared resource set, the same way run does, and
search it. The query uses the query-string syntax: plain words match names
and notes, field:value restricts a field, + requires a clause.`,
		Example: `  emuhost catalog search "gran turismo"
  emuhost catalog search "+region:PAL compat:>=4"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withCatalog(ctx, func(store *stores.SQLiteStore) error {
				set := resources.NewSet()
				defer set.Clear()

				loader := resources.NewLoader(store, set, nil)
				loader.Start(ctx)
				if err := loader.Wait(ctx); err != nil {
					return err
				}

				titles, err := set.Search(args[0], limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, titles)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SERIAL\tREGION\tCOMPAT\tNAME")
				for _, t := range titles {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", t.Serial, t.Region, t.Compat, t.Name)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", resources.DefaultSearchLimit, "maximum number of results")

	return cmd
}
