package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/emuhost/emuhost/pkg/cpufeatures"
	"github.com/emuhost/emuhost/pkg/engine"
	"github.com/emuhost/emuhost/pkg/providers"
	"github.com/emuhost/emuhost/pkg/telemetry"
)

func newProvidersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect recompiler providers",
		Long: `Inspect the recompiler providers found in the provider directory of the
settings folder. Each provider is a directory holding a manifest.yaml and a
WebAssembly module.`,
	}

	cmd.AddCommand(newProvidersListCommand())
	cmd.AddCommand(newProvidersCheckCommand())

	return cmd
}

func newProvidersListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered providers",
		Example: `  emuhost providers list
  emuhost providers list --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openSettings(ctx, false, nil)
			if err != nil {
				return err
			}
			features := cpufeatures.Probe()
			registry, err := newRegistry(store.Settings(), store.Folder(), features, nil)
			if err != nil {
				return err
			}
			defer registry.Close(context.WithoutCancel(ctx))

			type row struct {
				Name      string   `json:"name"`
				Version   string   `json:"version"`
				Role      string   `json:"role"`
				Requires  []string `json:"requires,omitempty"`
				Missing   []string `json:"missing,omitempty"`
				Verified  bool     `json:"verified"`
				Preferred bool     `json:"preferred"`
			}
			var rows []row
			for _, m := range registry.List() {
				preferred, _ := registry.ForRole(m.Role())
				rows = append(rows, row{
					Name:      m.Spec.Name,
					Version:   m.Spec.Version,
					Role:      m.Spec.Role,
					Requires:  m.Spec.Requires.CPU,
					Missing:   features.Missing(m.Spec.Requires.CPU),
					Verified:  m.Verified,
					Preferred: preferred == m,
				})
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(out, "no providers registered")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ROLE\tNAME\tVERSION\tREQUIRES\tMISSING\tPREFERRED")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%v\n", r.Role, r.Name, r.Version,
					strings.Join(r.Requires, ","), strings.Join(r.Missing, ","), r.Preferred)
			}
			return tw.Flush()
		},
	}
}

func newProvidersCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Bring providers up once and report the outcome per role",
		Long: `Attempt the preferred provider of every enabled role, exactly as run does,
and print the outcome and the execution config the fallback policy would
produce. The settings are not modified.`,
		Example: `  emuhost providers check`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openSettings(ctx, false, nil)
			if err != nil {
				return err
			}
			registry, err := newRegistry(store.Settings(), store.Folder(), cpufeatures.Probe(), nil)
			if err != nil {
				return err
			}
			defer registry.Close(context.WithoutCancel(ctx))

			cfg := store.ExecutionConfig()
			pack, err := providers.NewPack(ctx, cfg, registry, providers.Options{Telemetry: telemetry.NewNop(nil)})
			if err != nil {
				return err
			}
			defer func() {
				if err := pack.Close(context.WithoutCancel(ctx)); err != nil {
					log.Warn().Err(err).Msg("Failed to close providers")
				}
			}()

			after := providers.ApplyFallback(pack.Outcomes(), cfg)
			downs := providers.Downgraded(cfg, after)

			out := cmd.OutOrStdout()
			if jsonOutput {
				type row struct {
					engine.Outcome
					Error string `json:"error,omitempty"`
				}
				rows := make([]row, 0, len(engine.AllRoles()))
				for _, role := range engine.AllRoles() {
					o := pack.Outcome(role)
					r := row{Outcome: o}
					if o.Err != nil {
						r.Error = o.Err.Error()
					}
					rows = append(rows, r)
				}
				return printJSON(out, map[string]interface{}{
					"outcomes":   rows,
					"execution":  after,
					"downgraded": downs,
				})
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ROLE\tSTATUS\tPROVIDER\tACTIVE\tERROR")
			for _, role := range engine.AllRoles() {
				o := pack.Outcome(role)
				reason := ""
				if o.Err != nil {
					reason = o.Err.Error()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", role, o.Status, o.Provider, pack.Active(role, after).Name(), reason)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if len(downs) > 0 {
				fmt.Fprintf(out, "fallback would disable: %s\n", joinRoles(downs))
			}
			return nil
		},
	}
}
