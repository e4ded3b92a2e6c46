package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/emuhost/emuhost/pkg/cpufeatures"
)

func newProbeCommand() *cobra.Command {
	var require []string

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Show host CPU features",
		Long: `Probe the host CPU and print the architecture and the feature flags the
recompiler providers can require.

With --require, exit with an error when any of the named features is missing.`,
		Example: `  # Print the detected features
  emuhost probe

  # Check that the host can run an AVX2 provider
  emuhost probe --require avx2 --require sse4.1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			features := cpufeatures.Probe()
			missing := features.Missing(require)

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, map[string]interface{}{
					"arch":    features.Arch,
					"flags":   features.List(),
					"missing": missing,
				}); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "arch:  %s\n", features.Arch)
				fmt.Fprintf(out, "flags: %s\n", strings.Join(features.List(), " "))
			}

			if len(missing) > 0 {
				return fmt.Errorf("missing required CPU features: %s", strings.Join(missing, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&require, "require", "r", nil, "CPU feature that must be present")

	return cmd
}
